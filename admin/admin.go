// Package admin is a tabular record browser for todos: filters, search,
// sortable columns and inline editing of the completed flag.
package admin

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/flash"
	"github.com/todo-list/todo/model"
	"github.com/todo-list/todo/service"
)

//go:embed templates/todos.html
var templateFS embed.FS

// BasePath is where the todo browser is mounted
const BasePath = "/admin/todos/"

// PerPage rows per page
const PerPage = 100

// TodoService is the subset of service.TodoService the admin needs
type TodoService interface {
	ListTodos(ctx context.Context, filter database.TodoFilter) ([]model.Todo, int, error)
	UpdateTodo(ctx context.Context, id int, fields model.Fields) (*model.Todo, error)
	ToggleTodo(ctx context.Context, id int) (*model.Todo, error)
	DeleteTodos(ctx context.Context, ids []int) error
	Stats(ctx context.Context) (*database.TodoStats, error)
}

// Handler serves the admin pages
type Handler struct {
	svc     TodoService
	logger  *log.Logger
	flashes *flash.Store
	tmpl    *template.Template
	now     func() time.Time
}

// NewHandler parses the embedded template
func NewHandler(svc TodoService, logger *log.Logger, flashes *flash.Store) (*Handler, error) {
	if logger == nil {
		logger = log.Default()
	}
	if flashes == nil {
		flashes = flash.NewStore(nil)
	}
	tmpl, err := template.ParseFS(templateFS, "templates/todos.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin template: %w", err)
	}
	return &Handler{svc: svc, logger: logger, flashes: flashes, tmpl: tmpl, now: time.Now}, nil
}

// createdChoices 创建时间过滤器选项
var createdChoices = []struct{ Value, Label string }{
	{"", "Any date"},
	{"today", "Today"},
	{"past_7_days", "Past 7 days"},
	{"this_month", "This month"},
	{"this_year", "This year"},
}

// createdRange 返回 created 过滤器对应的 [from, before) 区间
func createdRange(name string, now time.Time) (from, before time.Time, ok bool) {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	tomorrow := today.AddDate(0, 0, 1)

	switch name {
	case "today":
		return today, tomorrow, true
	case "past_7_days":
		return today.AddDate(0, 0, -7), tomorrow, true
	case "this_month":
		first := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
		return first, first.AddDate(0, 1, 0), true
	case "this_year":
		first := time.Date(y, 1, 1, 0, 0, 0, 0, now.Location())
		return first, first.AddDate(1, 0, 0), true
	}
	return time.Time{}, time.Time{}, false
}

// listParams 列表页的查询参数
// maxPage 保证 (Page-1)*PerPage 不溢出
const maxPage = math.MaxInt / PerPage

type listParams struct {
	Query     string
	Completed string // "", "true", "false"
	Created   string
	Ordering  string
	Page      int
}

func parseParams(q url.Values) listParams {
	p := listParams{
		Query:    strings.TrimSpace(q.Get("q")),
		Created:  q.Get("created"),
		Ordering: q.Get("o"),
		Page:     1,
	}
	if c, ok := model.ParseCompleted(q.Get("completed")); ok {
		p.Completed = strconv.FormatBool(c)
	}
	if _, _, ok := createdRange(p.Created, time.Now()); !ok {
		p.Created = ""
	}
	if page, err := strconv.Atoi(q.Get("p")); err == nil && page > 1 {
		p.Page = min(page, maxPage)
	}
	return p
}

func (p listParams) values() url.Values {
	v := url.Values{}
	if p.Query != "" {
		v.Set("q", p.Query)
	}
	if p.Completed != "" {
		v.Set("completed", p.Completed)
	}
	if p.Created != "" {
		v.Set("created", p.Created)
	}
	if p.Ordering != "" {
		v.Set("o", p.Ordering)
	}
	if p.Page > 1 {
		v.Set("p", strconv.Itoa(p.Page))
	}
	return v
}

func (p listParams) url() string {
	if encoded := p.values().Encode(); encoded != "" {
		return BasePath + "?" + encoded
	}
	return BasePath
}

func (p listParams) filter(now time.Time) database.TodoFilter {
	f := database.TodoFilter{
		Search:   p.Query,
		Ordering: database.ParseOrdering(p.Ordering),
		Limit:    PerPage,
		Offset:   (p.Page - 1) * PerPage,
	}
	if p.Completed != "" {
		completed := p.Completed == "true"
		f.Completed = &completed
	}
	if from, before, ok := createdRange(p.Created, now); ok {
		f.CreatedFrom, f.CreatedBefore = from, before
	}
	return f
}

type choice struct {
	Label    string
	URL      string
	Selected bool
}

type column struct {
	Label  string
	URL    string
	Sorted bool
	Desc   bool
}

type listPage struct {
	Messages         []flash.Message
	Stats            database.TodoStats
	Todos            []model.Todo
	Count            int
	Page             int
	Pages            int
	PrevURL          string
	NextURL          string
	Query            string
	Preserved        map[string]string
	Self             string
	Columns          []column
	CompletedChoices []choice
	CreatedChoices   []choice
}

// columns 表头，点击已排序的列会反转方向
func (p listParams) columns() []column {
	current := database.ParseOrdering(p.Ordering)
	if len(current) == 0 {
		current = database.DefaultOrdering
	}

	sortable := func(label, field string) column {
		col := column{Label: label}
		next := p
		next.Page = 1
		next.Ordering = field
		if current[0].Field == field {
			col.Sorted = true
			col.Desc = current[0].Desc
			if !col.Desc {
				next.Ordering = "-" + field
			}
		}
		col.URL = next.url()
		return col
	}

	return []column{
		sortable("Title", "title"),
		{Label: "Completed"},
		sortable("Created at", "created_at"),
		sortable("Updated at", "updated_at"),
	}
}

func (p listParams) page(count int) listPage {
	pages := max((count+PerPage-1)/PerPage, 1)
	lp := listPage{
		Count: count,
		Page:  p.Page,
		Pages: pages,
		Query: p.Query,
		Self:  p.url(),
	}
	if p.Page > 1 {
		prev := p
		prev.Page--
		lp.PrevURL = prev.url()
	}
	if p.Page < pages {
		next := p
		next.Page++
		lp.NextURL = next.url()
	}

	lp.Preserved = map[string]string{}
	for k, v := range p.values() {
		if k != "q" && k != "p" {
			lp.Preserved[k] = v[0]
		}
	}

	for _, c := range []struct{ Value, Label string }{{"", "All"}, {"true", "Yes"}, {"false", "No"}} {
		next := p
		next.Page = 1
		next.Completed = c.Value
		lp.CompletedChoices = append(lp.CompletedChoices, choice{Label: c.Label, URL: next.url(), Selected: p.Completed == c.Value})
	}
	for _, c := range createdChoices {
		next := p
		next.Page = 1
		next.Created = c.Value
		lp.CreatedChoices = append(lp.CreatedChoices, choice{Label: c.Label, URL: next.url(), Selected: p.Created == c.Value})
	}
	lp.Columns = p.columns()
	return lp
}

// List 表格视图
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := parseParams(r.URL.Query())

	now := h.now()
	todos, count, err := h.svc.ListTodos(ctx, params.filter(now))
	// 超出范围的页码显示最后一页
	if last := max((count+PerPage-1)/PerPage, 1); err == nil && params.Page > last {
		params.Page = last
		todos, count, err = h.svc.ListTodos(ctx, params.filter(now))
	}
	if err != nil {
		h.logger.Error("admin: failed to list todos", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, err := h.svc.Stats(ctx)
	if err != nil {
		h.logger.Error("admin: failed to load stats", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	page := params.page(count)
	page.Messages = h.flashes.Pop(w, r)
	page.Stats = *stats
	page.Todos = todos

	buf := new(bytes.Buffer)
	if err := h.tmpl.Execute(buf, page); err != nil {
		h.logger.Error("admin: failed to render", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// nextURL 只允许跳回后台列表页
func nextURL(r *http.Request) string {
	next := r.PostFormValue("next")
	if strings.HasPrefix(next, BasePath) && !strings.HasPrefix(next, "//") {
		return next
	}
	return BasePath
}

func formIDs(values []string) []int {
	ids := make([]int, 0, len(values))
	for _, v := range values {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Submit 保存行内编辑的 completed，或执行批量操作
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.flashes.Add(w, r, flash.LevelError, "Invalid form submission.")
		http.Redirect(w, r, BasePath, http.StatusFound)
		return
	}

	if r.PostForm.Get("apply") != "" {
		h.applyAction(w, r)
	} else {
		h.saveInline(w, r)
	}
	http.Redirect(w, r, nextURL(r), http.StatusFound)
}

func (h *Handler) applyAction(w http.ResponseWriter, r *http.Request) {
	if r.PostForm.Get("action") != "delete_selected" {
		h.flashes.Add(w, r, flash.LevelWarning, "No action selected.")
		return
	}

	selected := formIDs(r.PostForm["selected"])
	if len(selected) == 0 {
		h.flashes.Add(w, r, flash.LevelWarning, "Items must be selected in order to perform actions on them. No items have been changed.")
		return
	}

	err := h.svc.DeleteTodos(r.Context(), selected)
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.flashes.Add(w, r, flash.LevelError, "Some of the selected todos no longer exist. Nothing was deleted.")
	case err != nil:
		h.logger.Error("admin: failed to delete todos", "ids", selected, "err", err)
		h.flashes.Add(w, r, flash.LevelError, "Could not delete the selected todos.")
	default:
		h.flashes.Add(w, r, flash.LevelSuccess, fmt.Sprintf("Successfully deleted %d todos.", len(selected)))
	}
}

// saveInline 只更新 completed 与初始值不同的行
func (h *Handler) saveInline(w http.ResponseWriter, r *http.Request) {
	checked := make(map[int]bool)
	for _, id := range formIDs(r.PostForm["completed"]) {
		checked[id] = true
	}

	changed, missing := 0, 0
	for _, id := range formIDs(r.PostForm["ids"]) {
		initial := r.PostForm.Get(fmt.Sprintf("initial-%d", id)) == "true"
		want := checked[id]
		if initial == want {
			continue
		}

		_, err := h.svc.UpdateTodo(r.Context(), id, model.Fields{Completed: &want})
		switch {
		case errors.Is(err, service.ErrNotFound):
			missing++
		case err != nil:
			h.logger.Error("admin: failed to update todo", "id", id, "err", err)
			h.flashes.Add(w, r, flash.LevelError, "Could not save all changes.")
			return
		default:
			changed++
		}
	}

	// 一个响应里只写一次 flash cookie
	switch {
	case missing > 0:
		h.flashes.Add(w, r, flash.LevelWarning, fmt.Sprintf("%d todos were changed successfully, %d no longer exist and were skipped.", changed, missing))
	case changed > 0:
		h.flashes.Add(w, r, flash.LevelSuccess, fmt.Sprintf("%d todos were changed successfully.", changed))
	default:
		h.flashes.Add(w, r, flash.LevelWarning, "No fields changed.")
	}
}

// Toggle 单行切换 completed
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err == nil && id > 0 {
		_, err = h.svc.ToggleTodo(r.Context(), id)
	} else {
		err = service.ErrNotFound
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		h.flashes.Add(w, r, flash.LevelError, "Todo not found.")
	case err != nil:
		h.logger.Error("admin: failed to toggle todo", "id", id, "err", err)
		h.flashes.Add(w, r, flash.LevelError, "Could not update the todo.")
	default:
		h.flashes.Add(w, r, flash.LevelSuccess, "The todo was changed successfully.")
	}
	http.Redirect(w, r, nextURL(r), http.StatusFound)
}
