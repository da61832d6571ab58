package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/model"
	"github.com/todo-list/todo/service"
)

// Response 统一响应格式（错误和健康检查使用，成功的资源请求直接返回记录）
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorInfo 错误信息
type ErrorInfo struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

// TodoRequest 创建/更新待办事项请求体，id、created_at、updated_at 会被忽略
type TodoRequest struct {
	Title     string `json:"title" example:"Buy groceries"`
	Completed bool   `json:"completed" example:"false"`
}

// BatchDeleteRequest 批量删除请求体
type BatchDeleteRequest struct {
	IDs []int `json:"ids" example:"1,2,3"`
}

// TodoService is the subset of service.TodoService the API needs
type TodoService interface {
	CreateTodo(ctx context.Context, title string, completed bool) (*model.Todo, error)
	ListTodos(ctx context.Context, filter database.TodoFilter) ([]model.Todo, int, error)
	GetTodo(ctx context.Context, id int) (*model.Todo, error)
	UpdateTodo(ctx context.Context, id int, fields model.Fields) (*model.Todo, error)
	ToggleTodo(ctx context.Context, id int) (*model.Todo, error)
	DeleteTodo(ctx context.Context, id int) error
	DeleteTodos(ctx context.Context, ids []int) error
	Stats(ctx context.Context) (*database.TodoStats, error)
}

// Handler 处理器结构体
type Handler struct {
	svc         TodoService
	logger      *log.Logger
	pageSize    int
	maxPageSize int
}

// 超时配置
const (
	DefaultTimeout = 10 * time.Second // 默认超时
	ListTimeout    = 5 * time.Second  // 列表查询超时
	CreateTimeout  = 3 * time.Second  // 创建超时
	UpdateTimeout  = 3 * time.Second  // 更新超时
	DeleteTimeout  = 2 * time.Second  // 删除超时
	StatsTimeout   = 3 * time.Second  // 统计超时
)

// 分页默认值
const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

// Options 处理器配置
type Options struct {
	PageSize    int
	MaxPageSize int
	Logger      *log.Logger
}

// NewHandler 创建新的处理器
func NewHandler(svc TodoService, opts Options) *Handler {
	h := &Handler{
		svc:         svc,
		logger:      opts.Logger,
		pageSize:    opts.PageSize,
		maxPageSize: opts.MaxPageSize,
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	if h.pageSize <= 0 {
		h.pageSize = DefaultPageSize
	}
	if h.maxPageSize < h.pageSize {
		h.maxPageSize = max(DefaultMaxPageSize, h.pageSize)
	}
	return h
}

// sendJSON 发送JSON响应
func (h *Handler) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		// JSON编码失败，直接返回纯文本错误，不要再尝试调用sendError（会递归）
		h.logger.Error("failed to encode response", "err", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error: Failed to encode response"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// sendError 发送错误响应
func (h *Handler) sendError(w http.ResponseWriter, status int, code, message string) {
	h.sendJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// sendValidationError 发送字段级校验错误
func (h *Handler) sendValidationError(w http.ResponseWriter, verr *service.ValidationError) {
	h.sendJSON(w, http.StatusBadRequest, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input.",
			Fields:  verr.Fields,
		},
	})
}

// handleServiceError 把服务层错误转换成 HTTP 响应，存储层错误不会原样返回
func (h *Handler) handleServiceError(w http.ResponseWriter, op string, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.sendError(w, http.StatusNotFound, "NOT_FOUND", "Not found.")
	case errors.As(err, &verr):
		h.sendValidationError(w, verr)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("request timeout", "op", op, "err", err)
		h.sendError(w, http.StatusRequestTimeout, "TIMEOUT", "Request timed out, please retry.")
	case errors.Is(err, context.Canceled):
		// 客户端取消请求,不需要响应
		h.logger.Debug("request canceled", "op", op)
	default:
		h.logger.Error("operation failed", "op", op, "err", err)
		h.sendError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Internal server error.")
	}
}

// pathID 解析路径中的 id
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		// 非法 id 与不存在的 id 一样返回 404
		h.sendError(w, http.StatusNotFound, "NOT_FOUND", "Not found.")
		return 0, false
	}
	return id, true
}

// HealthCheck 健康检查
// @Summary 健康检查
// @Description 返回应用当前健康状态
// @Tags health
// @Produce json
// @Success 200 {object} handler.Response
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		Message: "service is healthy",
	}
	h.sendJSON(w, http.StatusOK, response)
}

// ListTodos 获取待办事项列表(带超时控制)
// @Summary 获取待办事项列表
// @Description 支持筛选、搜索、排序和分页的待办事项列表
// @Tags todos
// @Param completed query bool false "完成状态过滤"
// @Param search query string false "标题搜索（不区分大小写）"
// @Param ordering query string false "排序字段，可选 created_at, updated_at, title，前缀 - 表示倒序" default(-created_at)
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页条数" default(20)
// @Produce json
// @Success 200 {object} handler.Page
// @Failure 400 {object} handler.Response
// @Failure 404 {object} handler.Response
// @Router /api/todos/ [get]
func (h *Handler) ListTodos(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ListTimeout)
	defer cancel()

	query := r.URL.Query()

	filter := database.TodoFilter{
		Search:   query.Get("search"),
		Ordering: database.ParseOrdering(query.Get("ordering")),
	}

	if raw := query.Get("completed"); raw != "" {
		completed, ok := model.ParseCompleted(raw)
		if !ok {
			verr := &service.ValidationError{}
			verr.Add("completed", "Select a valid choice.")
			h.sendValidationError(w, verr)
			return
		}
		filter.Completed = &completed
	}

	page, ok := parsePage(query.Get("page"))
	if !ok {
		h.sendError(w, http.StatusNotFound, "INVALID_PAGE", "Invalid page.")
		return
	}
	pageSize := h.parsePageSize(query.Get("page_size"))
	// 偏移量溢出的页码不可能有数据
	if page > math.MaxInt/pageSize {
		h.sendError(w, http.StatusNotFound, "INVALID_PAGE", "Invalid page.")
		return
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	todos, total, err := h.svc.ListTodos(ctx, filter)
	if err != nil {
		h.handleServiceError(w, "list", err)
		return
	}

	// 第一页永远合法，其余页必须有数据
	if page > 1 && len(todos) == 0 {
		h.sendError(w, http.StatusNotFound, "INVALID_PAGE", "Invalid page.")
		return
	}

	h.sendJSON(w, http.StatusOK, newPage(r, todos, total, page, pageSize))
}

// CreateTodo 创建待办事项(带超时控制)
// @Summary 创建待办事项
// @Description 创建一个新的待办事项
// @Tags todos
// @Accept json
// @Produce json
// @Param todo body handler.TodoRequest true "待办事项内容"
// @Success 201 {object} model.Todo
// @Failure 400 {object} handler.Response
// @Failure 500 {object} handler.Response
// @Router /api/todos/ [post]
func (h *Handler) CreateTodo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), CreateTimeout)
	defer cancel()

	fields, ok := h.decodeTodo(w, r, false)
	if !ok {
		return
	}

	completed := false
	if fields.Completed != nil {
		completed = *fields.Completed
	}

	todo, err := h.svc.CreateTodo(ctx, *fields.Title, completed)
	if err != nil {
		h.handleServiceError(w, "create", err)
		return
	}

	h.sendJSON(w, http.StatusCreated, todo)
}

// GetTodo 获取单个待办事项
// @Summary 获取待办事项
// @Tags todos
// @Produce json
// @Param id path int true "待办事项ID"
// @Success 200 {object} model.Todo
// @Failure 404 {object} handler.Response
// @Router /api/todos/{id}/ [get]
func (h *Handler) GetTodo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultTimeout)
	defer cancel()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	todo, err := h.svc.GetTodo(ctx, id)
	if err != nil {
		h.handleServiceError(w, "get", err)
		return
	}

	h.sendJSON(w, http.StatusOK, todo)
}

// UpdateTodo 全量更新待办事项(带超时控制)
// @Summary 更新待办事项
// @Description 根据 ID 更新待办事项，title 必填
// @Tags todos
// @Accept json
// @Produce json
// @Param id path int true "待办事项ID"
// @Param todo body handler.TodoRequest true "待办事项更新内容"
// @Success 200 {object} model.Todo
// @Failure 400 {object} handler.Response
// @Failure 404 {object} handler.Response
// @Failure 500 {object} handler.Response
// @Router /api/todos/{id}/ [put]
func (h *Handler) UpdateTodo(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, false)
}

// PatchTodo 部分更新待办事项
// @Summary 部分更新待办事项
// @Description 只修改请求体中出现的字段
// @Tags todos
// @Accept json
// @Produce json
// @Param id path int true "待办事项ID"
// @Param todo body handler.TodoRequest false "需要修改的字段"
// @Success 200 {object} model.Todo
// @Failure 400 {object} handler.Response
// @Failure 404 {object} handler.Response
// @Router /api/todos/{id}/ [patch]
func (h *Handler) PatchTodo(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, true)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, partial bool) {
	ctx, cancel := context.WithTimeout(r.Context(), UpdateTimeout)
	defer cancel()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// 先确认记录存在，不存在时 404 优先于请求体校验
	if _, err := h.svc.GetTodo(ctx, id); err != nil {
		h.handleServiceError(w, "update", err)
		return
	}

	fields, ok := h.decodeTodo(w, r, partial)
	if !ok {
		return
	}

	todo, err := h.svc.UpdateTodo(ctx, id, fields)
	if err != nil {
		h.handleServiceError(w, "update", err)
		return
	}

	h.sendJSON(w, http.StatusOK, todo)
}

// DeleteTodo 删除待办事项(带超时控制)
// @Summary 删除待办事项
// @Description 根据 ID 删除待办事项
// @Tags todos
// @Param id path int true "待办事项ID"
// @Success 204
// @Failure 404 {object} handler.Response
// @Failure 500 {object} handler.Response
// @Router /api/todos/{id}/ [delete]
func (h *Handler) DeleteTodo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DeleteTimeout)
	defer cancel()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteTodo(ctx, id); err != nil {
		h.handleServiceError(w, "delete", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ToggleTodo 切换完成状态
// @Summary 切换完成状态
// @Description 翻转 completed，只接受 POST
// @Tags todos
// @Produce json
// @Param id path int true "待办事项ID"
// @Success 200 {object} model.Todo
// @Failure 404 {object} handler.Response
// @Router /api/todos/{id}/toggle_completed/ [post]
func (h *Handler) ToggleTodo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), UpdateTimeout)
	defer cancel()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	todo, err := h.svc.ToggleTodo(ctx, id)
	if err != nil {
		h.handleServiceError(w, "toggle", err)
		return
	}

	h.sendJSON(w, http.StatusOK, todo)
}

// GetStats 获取统计信息(带超时控制)
// @Summary 获取统计信息
// @Tags todos
// @Produce json
// @Success 200 {object} handler.Response{data=database.TodoStats}
// @Failure 500 {object} handler.Response
// @Router /api/todos/stats/ [get]
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), StatsTimeout)
	defer cancel()

	stats, err := h.svc.Stats(ctx)
	if err != nil {
		h.handleServiceError(w, "stats", err)
		return
	}

	h.sendJSON(w, http.StatusOK, Response{Success: true, Data: stats})
}

// BatchDeleteTodos 批量删除（全有或全无）
// @Summary 批量删除待办事项
// @Description 任一 ID 不存在时整体回滚并返回 404
// @Tags todos
// @Accept json
// @Produce json
// @Param request body handler.BatchDeleteRequest true "待删除的 ID 列表，最多 100 个"
// @Success 200 {object} handler.Response
// @Failure 400 {object} handler.Response
// @Failure 404 {object} handler.Response
// @Router /api/todos/batch/delete/ [post]
func (h *Handler) BatchDeleteTodos(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DeleteTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req BatchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body.")
		return
	}

	verr := &service.ValidationError{}
	switch {
	case len(req.IDs) == 0:
		verr.Add("ids", "This list may not be empty.")
	case len(req.IDs) > database.MaxBatchSize:
		verr.Add("ids", fmt.Sprintf("Ensure this field has no more than %d elements.", database.MaxBatchSize))
	}
	if verr.HasErrors() {
		h.sendValidationError(w, verr)
		return
	}

	if err := h.svc.DeleteTodos(ctx, req.IDs); err != nil {
		h.handleServiceError(w, "batch delete", err)
		return
	}

	h.sendJSON(w, http.StatusOK, Response{Success: true, Message: "Todos deleted."})
}
