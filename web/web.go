// Package web serves the server-rendered todo pages.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/flash"
	"github.com/todo-list/todo/model"
	"github.com/todo-list/todo/service"
)

//go:embed templates/*.html
var templateFS embed.FS

// ModeAsync marks a request from a script that wants data instead of a redirect
const ModeAsync = "async"

// TodoService is the subset of service.TodoService the pages need
type TodoService interface {
	CreateTodo(ctx context.Context, title string, completed bool) (*model.Todo, error)
	ListTodos(ctx context.Context, filter database.TodoFilter) ([]model.Todo, int, error)
	ToggleTodo(ctx context.Context, id int) (*model.Todo, error)
	DeleteTodo(ctx context.Context, id int) error
}

// Handler renders the list page and runs the add/toggle/delete flows
type Handler struct {
	svc     TodoService
	logger  *log.Logger
	flashes *flash.Store
	pages   map[string]*template.Template
}

// NewHandler parses the embedded templates. A nil flash store gets a random signing key.
func NewHandler(svc TodoService, logger *log.Logger, flashes *flash.Store) (*Handler, error) {
	if logger == nil {
		logger = log.Default()
	}
	if flashes == nil {
		flashes = flash.NewStore(nil)
	}
	h := &Handler{svc: svc, logger: logger, flashes: flashes, pages: make(map[string]*template.Template)}
	for _, page := range []string{"list.html", "add.html"} {
		tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", page, err)
		}
		h.pages[page] = tmpl
	}
	return h, nil
}

type listPage struct {
	Messages []flash.Message
	Search   string
	Todos    []model.Todo
}

type addPage struct {
	Messages  []flash.Message
	Title     string
	Errors    []string
	MaxLength int
}

// render 先渲染到缓冲区，模板出错时不会输出半个页面
func (h *Handler) render(w http.ResponseWriter, status int, page string, data any) {
	buf := new(bytes.Buffer)
	if err := h.pages[page].ExecuteTemplate(buf, "base", data); err != nil {
		h.logger.Error("failed to render page", "page", page, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// redirectToList 写操作之后统一跳回列表页
func redirectToList(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// isAsync reports whether the caller asked for a data response via mode=async
func isAsync(r *http.Request) bool {
	return r.FormValue("mode") == ModeAsync
}

func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	return id, err == nil && id > 0
}

// List 列表页，支持 ?search=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")

	todos, _, err := h.svc.ListTodos(r.Context(), database.TodoFilter{Search: search})
	if err != nil {
		h.logger.Error("failed to list todos", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.render(w, http.StatusOK, "list.html", listPage{
		Messages: h.flashes.Pop(w, r),
		Search:   search,
		Todos:    todos,
	})
}

// AddForm 新建表单
func (h *Handler) AddForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "add.html", addPage{
		Messages:  h.flashes.Pop(w, r),
		MaxLength: model.TitleMaxLength,
	})
}

// Add 提交新建表单，失败时带错误重新显示表单
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	title := r.PostFormValue("title")

	verr := &service.ValidationError{}
	service.ValidateTitle(verr, title)
	if verr.HasErrors() {
		h.render(w, http.StatusOK, "add.html", addPage{
			Title:     title,
			Errors:    verr.Fields["title"],
			MaxLength: model.TitleMaxLength,
		})
		return
	}

	if _, err := h.svc.CreateTodo(r.Context(), title, false); err != nil {
		h.logger.Error("failed to create todo", "err", err)
		h.flashes.Add(w, r, flash.LevelError, "Could not add the todo, please try again.")
		redirectToList(w, r)
		return
	}

	h.flashes.Add(w, r, flash.LevelSuccess, "Todo added successfully!")
	redirectToList(w, r)
}

// Toggle 切换完成状态；mode=async 时返回 {"completed": bool} 而不是重定向
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	async := isAsync(r)

	id, ok := pathID(r)
	var (
		todo *model.Todo
		err  = service.ErrNotFound
	)
	if ok {
		todo, err = h.svc.ToggleTodo(r.Context(), id)
	}

	if async {
		h.toggleResponse(w, todo, err)
		return
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		h.flashes.Add(w, r, flash.LevelError, "Todo not found.")
	case err != nil:
		h.logger.Error("failed to toggle todo", "id", id, "err", err)
		h.flashes.Add(w, r, flash.LevelError, "Could not update the todo, please try again.")
	}
	redirectToList(w, r)
}

func (h *Handler) toggleResponse(w http.ResponseWriter, todo *model.Todo, err error) {
	status := http.StatusOK
	var body any
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
		body = map[string]string{"error": "not found"}
	case err != nil:
		h.logger.Error("failed to toggle todo", "err", err)
		status = http.StatusInternalServerError
		body = map[string]string{"error": "internal error"}
	default:
		body = map[string]bool{"completed": todo.Completed}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Delete 删除后跳回列表页
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	err := service.ErrNotFound
	if ok {
		err = h.svc.DeleteTodo(r.Context(), id)
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		h.flashes.Add(w, r, flash.LevelError, "Todo not found.")
	case err != nil:
		h.logger.Error("failed to delete todo", "id", id, "err", err)
		h.flashes.Add(w, r, flash.LevelError, "Could not delete the todo, please try again.")
	default:
		h.flashes.Add(w, r, flash.LevelSuccess, "Todo deleted.")
	}
	redirectToList(w, r)
}
