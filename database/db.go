package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/todo-list/todo/model"
)

// 支持的驱动
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// MaxBatchSize 批量操作的最大条数
const MaxBatchSize = 100

// sqliteDriverName 带 unicode_lower() 的 SQLite 驱动，SQLite 自带的 LOWER() 只处理 ASCII
const sqliteDriverName = "sqlite3_todo"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
		},
	})
}

// ErrNotFound 目标待办事项不存在
var ErrNotFound = errors.New("todo not found")

// Config 数据库连接配置
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type DB struct {
	conn   *sql.DB
	driver string
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New 打开 SQLite 数据库（测试和默认配置使用）
func New(dbPath string) (*DB, error) {
	return Open(Config{Driver: DriverSQLite, DSN: dbPath})
}

// Open 根据配置打开数据库并初始化表结构
func Open(cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	driverName := cfg.Driver
	if driverName == DriverSQLite {
		driverName = sqliteDriverName
	}
	conn, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 每个 :memory: 连接都是独立的数据库，只能保留一个连接
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		conn.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, driver: cfg.Driver}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("database initialized", "driver", cfg.Driver)
	return db, nil
}

// initSchema 初始化数据库表
func (db *DB) initSchema() error {
	// AUTOINCREMENT 保证 id 不会被复用
	statements := []string{
		`CREATE TABLE IF NOT EXISTS todos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			completed BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_created_at ON todos(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_completed ON todos(completed)`,
	}
	if db.driver == DriverPostgres {
		statements[0] = `CREATE TABLE IF NOT EXISTS todos (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// SQL 返回底层连接池，供 metrics 采集连接池统计
func (db *DB) SQL() *sql.DB {
	return db.conn
}

// rebind 把 ? 占位符转换成 PostgreSQL 的 $n
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectColumns = "SELECT id, title, completed, created_at, updated_at FROM todos"

// touchUpdatedAt keeps updated_at >= created_at when the clock is behind.
const touchUpdatedAt = "updated_at = CASE WHEN created_at > ? THEN created_at ELSE ? END"

// CreateTodoContext 创建待办事项，写回 ID
func (db *DB) CreateTodoContext(ctx context.Context, todo *model.Todo) error {
	return db.insert(ctx, db.conn, todo)
}

func (db *DB) insert(ctx context.Context, q queryer, todo *model.Todo) error {
	query := db.rebind(`
		INSERT INTO todos (title, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)

	todo.CreatedAt = todo.CreatedAt.UTC()
	todo.UpdatedAt = todo.UpdatedAt.UTC()

	var id int64
	err := q.QueryRowContext(ctx, query, todo.Title, todo.Completed, todo.CreatedAt, todo.UpdatedAt).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to create todo: %w", err)
	}

	todo.ID = int(id)
	return nil
}

// BulkCreateTodosContext 在一个事务里批量创建（全有或全无）
// 注意：使用命名返回值 (err error)，让 defer 能访问到错误
func (db *DB) BulkCreateTodosContext(ctx context.Context, todos []*model.Todo) (err error) {
	if len(todos) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("rollback failed", "err", rbErr, "cause", err)
			}
		}
	}()

	for _, todo := range todos {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = db.insert(ctx, tx, todo); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OrderField 一个排序字段
type OrderField struct {
	Field string
	Desc  bool
}

// DefaultOrdering 默认按创建时间倒序
var DefaultOrdering = []OrderField{{Field: "created_at", Desc: true}}

// 允许排序的字段（同时防止 SQL 注入）
var allowedSortFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
}

// ParseOrdering 解析 "-created_at,title" 形式的排序参数，忽略未知字段
func ParseOrdering(raw string) []OrderField {
	var fields []OrderField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		name := strings.TrimPrefix(part, "-")
		if !allowedSortFields[name] {
			continue
		}
		fields = append(fields, OrderField{Field: name, Desc: desc})
	}
	return fields
}

// TodoFilter 查询过滤器
type TodoFilter struct {
	Completed     *bool
	Search        string
	CreatedFrom   time.Time // 包含
	CreatedBefore time.Time // 不包含
	Ordering      []OrderField
	Limit         int // <= 0 表示不分页
	Offset        int
}

// escapeLike 转义 LIKE 通配符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (f TodoFilter) where(driver string) (string, []any) {
	clause := " WHERE 1=1"
	var args []any

	if f.Completed != nil {
		clause += " AND completed = ?"
		args = append(args, *f.Completed)
	}
	if f.Search != "" {
		if driver == DriverPostgres {
			clause += ` AND title ILIKE ? ESCAPE '\'`
		} else {
			clause += ` AND unicode_lower(title) LIKE ? ESCAPE '\'`
		}
		args = append(args, "%"+escapeLike(strings.ToLower(f.Search))+"%")
	}
	if !f.CreatedFrom.IsZero() {
		clause += " AND created_at >= ?"
		args = append(args, f.CreatedFrom.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		clause += " AND created_at < ?"
		args = append(args, f.CreatedBefore.UTC())
	}
	return clause, args
}

func (f TodoFilter) orderBy() string {
	ordering := f.Ordering
	if len(ordering) == 0 {
		ordering = DefaultOrdering
	}

	parts := make([]string, 0, len(ordering)+1)
	for _, o := range ordering {
		if !allowedSortFields[o.Field] {
			continue
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, o.Field+" "+dir)
	}
	if len(parts) == 0 {
		parts = append(parts, "created_at DESC")
	}

	// 相同排序值按插入顺序
	tie := "id DESC"
	if len(ordering) > 0 && !ordering[0].Desc {
		tie = "id ASC"
	}
	parts = append(parts, tie)
	return " ORDER BY " + strings.Join(parts, ", ")
}

// ListTodosContext 获取待办事项列表（支持筛选、搜索、排序、分页），返回当前页和总数
func (db *DB) ListTodosContext(ctx context.Context, filter TodoFilter) ([]model.Todo, int, error) {
	where, args := filter.where(db.driver)

	var total int
	err := db.conn.QueryRowContext(ctx, db.rebind("SELECT COUNT(*) FROM todos"+where), args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count todos: %w", err)
	}

	query := selectColumns + where + filter.orderBy()
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	todos := []model.Todo{}
	for rows.Next() {
		// 结果集很大时及时响应取消
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		default:
		}

		var todo model.Todo
		if err := rows.Scan(&todo.ID, &todo.Title, &todo.Completed, &todo.CreatedAt, &todo.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan todo: %w", err)
		}
		todos = append(todos, todo)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return todos, total, nil
}

// GetTodoContext 根据ID获取待办事项，不存在时返回 ErrNotFound
func (db *DB) GetTodoContext(ctx context.Context, id int) (*model.Todo, error) {
	return db.get(ctx, db.conn, id)
}

func (db *DB) get(ctx context.Context, q queryer, id int) (*model.Todo, error) {
	var todo model.Todo
	err := q.QueryRowContext(ctx, db.rebind(selectColumns+" WHERE id = ?"), id).Scan(
		&todo.ID,
		&todo.Title,
		&todo.Completed,
		&todo.CreatedAt,
		&todo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get todo: %w", err)
	}
	return &todo, nil
}

// UpdateTodoContext 部分更新：只修改传入的字段，并刷新 updated_at
func (db *DB) UpdateTodoContext(ctx context.Context, id int, fields model.Fields, now time.Time) (*model.Todo, error) {
	sets := []string{}
	args := []any{}
	if fields.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *fields.Title)
	}
	if fields.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, *fields.Completed)
	}
	sets = append(sets, touchUpdatedAt)
	now = now.UTC()
	args = append(args, now, now, id)

	return db.updateOne(ctx, "UPDATE todos SET "+strings.Join(sets, ", ")+" WHERE id = ?", id, args...)
}

// ToggleTodoContext 切换完成状态，单条 UPDATE 保证原子性
func (db *DB) ToggleTodoContext(ctx context.Context, id int, now time.Time) (*model.Todo, error) {
	now = now.UTC()
	return db.updateOne(ctx, "UPDATE todos SET completed = NOT completed, "+touchUpdatedAt+" WHERE id = ?", id, now, now, id)
}

// updateOne 执行单行更新并在同一事务里读回最新记录
func (db *DB) updateOne(ctx context.Context, query string, id int, args ...any) (todo *model.Todo, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("rollback failed", "err", rbErr, "cause", err)
			}
		}
	}()

	result, err := tx.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update todo: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		err = ErrNotFound
		return nil, err
	}

	todo, err = db.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return todo, nil
}

// DeleteTodoContext 删除待办事项（硬删除）
func (db *DB) DeleteTodoContext(ctx context.Context, id int) error {
	result, err := db.conn.ExecContext(ctx, db.rebind(`DELETE FROM todos WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// BatchDeleteTodosContext 批量删除待办事项（全有或全无）
// 注意：使用命名返回值 (err error)，让 defer 能访问到错误
func (db *DB) BatchDeleteTodosContext(ctx context.Context, ids []int) (err error) {
	if len(ids) == 0 {
		return nil
	}

	if len(ids) > MaxBatchSize {
		return fmt.Errorf("batch size %d exceeds limit %d", len(ids), MaxBatchSize)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("rollback failed", "err", rbErr, "cause", err)
			}
		}
	}()

	// 预先声明变量，避免在循环中使用 := 导致变量遮蔽
	var result sql.Result
	var rows int64

	for _, id := range ids {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return err
		default:
		}

		result, err = tx.ExecContext(ctx, db.rebind("DELETE FROM todos WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("failed to delete todo %d: %w", id, err)
		}

		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		if rows == 0 {
			err = fmt.Errorf("todo %d: %w", id, ErrNotFound)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// TodoStats 统计信息
type TodoStats struct {
	Total     int `json:"total"`     // 总数量
	Pending   int `json:"pending"`   // 未完成
	Completed int `json:"completed"` // 已完成
}

// GetStatsContext 获取统计信息
func (db *DB) GetStatsContext(ctx context.Context) (*TodoStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN completed THEN 1 ELSE 0 END) as completed
		FROM todos
	`

	var stats TodoStats
	var completed sql.NullInt64

	if err := db.conn.QueryRowContext(ctx, query).Scan(&stats.Total, &completed); err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}

	// 空表时 SUM 返回 NULL
	if completed.Valid {
		stats.Completed = int(completed.Int64)
	}
	stats.Pending = stats.Total - stats.Completed

	return &stats, nil
}
