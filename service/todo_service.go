package service

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/model"
)

const tracerName = "github.com/todo-list/todo/service"

// Store 服务依赖的持久化接口，由 *database.DB 实现
type Store interface {
	CreateTodoContext(ctx context.Context, todo *model.Todo) error
	BulkCreateTodosContext(ctx context.Context, todos []*model.Todo) error
	GetTodoContext(ctx context.Context, id int) (*model.Todo, error)
	ListTodosContext(ctx context.Context, filter database.TodoFilter) ([]model.Todo, int, error)
	UpdateTodoContext(ctx context.Context, id int, fields model.Fields, now time.Time) (*model.Todo, error)
	ToggleTodoContext(ctx context.Context, id int, now time.Time) (*model.Todo, error)
	DeleteTodoContext(ctx context.Context, id int) error
	BatchDeleteTodosContext(ctx context.Context, ids []int) error
	GetStatsContext(ctx context.Context) (*database.TodoStats, error)
}

// TodoService 待办事项业务逻辑
type TodoService struct {
	store  Store
	now    func() time.Time
	tracer trace.Tracer
}

// Option 服务选项
type Option func(*TodoService)

// WithClock 替换 time.Now（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *TodoService) {
		s.now = now
	}
}

// NewTodoService 创建服务
func NewTodoService(store Store, opts ...Option) *TodoService {
	s := &TodoService{
		store:  store,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TodoService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "TodoService."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateTodo 创建待办事项
func (s *TodoService) CreateTodo(ctx context.Context, title string, completed bool) (todo *model.Todo, err error) {
	ctx, span := s.start(ctx, "CreateTodo")
	defer func() { finish(span, err) }()

	todo = model.NewTodo(title, completed, s.now())
	if err = s.store.CreateTodoContext(ctx, todo); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("todo.id", todo.ID))
	return todo, nil
}

// BulkCreateTodos 批量创建，CreatedAt 为零值时使用当前时间
func (s *TodoService) BulkCreateTodos(ctx context.Context, todos []*model.Todo) (err error) {
	ctx, span := s.start(ctx, "BulkCreateTodos", attribute.Int("todo.count", len(todos)))
	defer func() { finish(span, err) }()

	now := s.now()
	for _, todo := range todos {
		if todo.CreatedAt.IsZero() {
			todo.CreatedAt = now
		}
		todo.UpdatedAt = now
		if todo.UpdatedAt.Before(todo.CreatedAt) {
			todo.UpdatedAt = todo.CreatedAt
		}
	}
	return s.store.BulkCreateTodosContext(ctx, todos)
}

// ListTodos 返回一页符合条件的记录和匹配总数
func (s *TodoService) ListTodos(ctx context.Context, filter database.TodoFilter) (todos []model.Todo, total int, err error) {
	ctx, span := s.start(ctx, "ListTodos", attribute.String("todo.search", filter.Search))
	defer func() { finish(span, err) }()

	return s.store.ListTodosContext(ctx, filter)
}

// GetTodo 根据 ID 获取
func (s *TodoService) GetTodo(ctx context.Context, id int) (todo *model.Todo, err error) {
	ctx, span := s.start(ctx, "GetTodo", attribute.Int("todo.id", id))
	defer func() { finish(span, err) }()

	return s.store.GetTodoContext(ctx, id)
}

// UpdateTodo 只修改传入的字段，并刷新 updated_at
func (s *TodoService) UpdateTodo(ctx context.Context, id int, fields model.Fields) (todo *model.Todo, err error) {
	ctx, span := s.start(ctx, "UpdateTodo", attribute.Int("todo.id", id))
	defer func() { finish(span, err) }()

	return s.store.UpdateTodoContext(ctx, id, fields, s.now())
}

// ToggleTodo 切换完成状态
func (s *TodoService) ToggleTodo(ctx context.Context, id int) (todo *model.Todo, err error) {
	ctx, span := s.start(ctx, "ToggleTodo", attribute.Int("todo.id", id))
	defer func() { finish(span, err) }()

	todo, err = s.store.ToggleTodoContext(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("todo.completed", todo.Completed))
	return todo, nil
}

// DeleteTodo 删除
func (s *TodoService) DeleteTodo(ctx context.Context, id int) (err error) {
	ctx, span := s.start(ctx, "DeleteTodo", attribute.Int("todo.id", id))
	defer func() { finish(span, err) }()

	return s.store.DeleteTodoContext(ctx, id)
}

// DeleteTodos 全部删除或全部不删，重复的 id 只算一次
func (s *TodoService) DeleteTodos(ctx context.Context, ids []int) (err error) {
	ctx, span := s.start(ctx, "DeleteTodos", attribute.IntSlice("todo.ids", ids))
	defer func() { finish(span, err) }()

	unique := slices.Compact(slices.Sorted(slices.Values(ids)))
	return s.store.BatchDeleteTodosContext(ctx, unique)
}

// Stats 统计完成和未完成数量
func (s *TodoService) Stats(ctx context.Context) (stats *database.TodoStats, err error) {
	ctx, span := s.start(ctx, "Stats")
	defer func() { finish(span, err) }()

	return s.store.GetStatsContext(ctx)
}
