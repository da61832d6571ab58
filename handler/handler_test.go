package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/model"
	"github.com/todo-list/todo/service"
)

type testEnv struct {
	svc *service.TodoService
	mux *http.ServeMux
}

func routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /todos/{$}", h.ListTodos)
	mux.HandleFunc("POST /todos/{$}", h.CreateTodo)
	mux.HandleFunc("GET /todos/stats/{$}", h.GetStats)
	mux.HandleFunc("POST /todos/batch/delete/{$}", h.BatchDeleteTodos)
	mux.HandleFunc("GET /todos/{id}/{$}", h.GetTodo)
	mux.HandleFunc("PUT /todos/{id}/{$}", h.UpdateTodo)
	mux.HandleFunc("PATCH /todos/{id}/{$}", h.PatchTodo)
	mux.HandleFunc("DELETE /todos/{id}/{$}", h.DeleteTodo)
	mux.HandleFunc("POST /todos/{id}/toggle_completed/{$}", h.ToggleTodo)
	return mux
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := service.NewTodoService(db)
	return &testEnv{svc: svc, mux: routes(NewHandler(svc, Options{}))}
}

func (e *testEnv) create(t *testing.T, title string, completed bool) *model.Todo {
	t.Helper()
	todo, err := e.svc.CreateTodo(context.Background(), title, completed)
	if err != nil {
		t.Fatalf("CreateTodo() error = %v", err)
	}
	return todo
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	return serve(e.mux, method, target, body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode[Response](t, rec)
	if resp.Error == nil {
		t.Fatalf("response has no error: %s", rec.Body.String())
	}
	return resp.Error.Code
}

func todoURL(id int, suffix string) string {
	return fmt.Sprintf("/todos/%d/%s", id, suffix)
}

func TestCreateTodo(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(http.MethodPost, "/todos/", `{"title": "Buy milk", "id": 999, "created_at": "2000-01-01T00:00:00Z"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	todo := decode[model.Todo](t, rec)
	if todo.ID == 999 || todo.ID <= 0 {
		t.Errorf("ID = %d, client supplied id should be ignored", todo.ID)
	}
	if todo.Title != "Buy milk" || todo.Completed {
		t.Errorf("todo = %+v", todo)
	}
	if todo.CreatedAt.Year() == 2000 {
		t.Error("client supplied created_at should be ignored")
	}
	if todo.UpdatedAt.Before(todo.CreatedAt) {
		t.Error("updated_at before created_at")
	}
}

func TestCreateTodoValidation(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
		field    string
	}{
		{"missing title", `{"completed": true}`, "VALIDATION_ERROR", "title"},
		{"empty body", ``, "VALIDATION_ERROR", "title"},
		{"blank title", `{"title": "   "}`, "VALIDATION_ERROR", "title"},
		{"null title", `{"title": null}`, "VALIDATION_ERROR", "title"},
		{"title not a string", `{"title": 42}`, "VALIDATION_ERROR", "title"},
		{"title too long", `{"title": "` + strings.Repeat("x", model.TitleMaxLength+1) + `"}`, "VALIDATION_ERROR", "title"},
		{"completed not a bool", `{"title": "ok", "completed": "yes"}`, "VALIDATION_ERROR", "completed"},
		{"invalid json", `{"title": `, "INVALID_JSON", ""},
		{"not an object", `["title"]`, "INVALID_JSON", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/todos/", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			resp := decode[Response](t, rec)
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Fatalf("error = %+v, want code %s", resp.Error, tt.wantCode)
			}
			if tt.field != "" && len(resp.Error.Fields[tt.field]) == 0 {
				t.Errorf("no error reported for field %q: %+v", tt.field, resp.Error.Fields)
			}
		})
	}

	_, total, _ := env.svc.ListTodos(context.Background(), database.TodoFilter{})
	if total != 0 {
		t.Errorf("invalid requests created %d todos", total)
	}
}

func TestCreateTodoMaxLengthAccepted(t *testing.T) {
	env := setupTestEnv(t)
	title := strings.Repeat("あ", model.TitleMaxLength)
	rec := env.do(http.MethodPost, "/todos/", `{"title": "`+title+`"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201 for a %d character title", rec.Code, model.TitleMaxLength)
	}
}

func TestGetTodo(t *testing.T) {
	env := setupTestEnv(t)
	todo := env.create(t, "Task1", true)

	rec := env.do(http.MethodGet, todoURL(todo.ID, ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[model.Todo](t, rec)
	if got.ID != todo.ID || got.Title != "Task1" || !got.Completed {
		t.Errorf("got %+v", got)
	}

	for _, target := range []string{"/todos/999/", "/todos/abc/", "/todos/-1/"} {
		rec := env.do(http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
			t.Errorf("GET %s status = %d, want 404", target, rec.Code)
		}
	}
}

func TestListTodos(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "A", false)
	env.create(t, "B", true)

	rec := env.do(http.MethodGet, "/todos/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	page := decode[Page](t, rec)
	if page.Count != 2 || len(page.Results) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Results[0].Title != "B" || page.Results[1].Title != "A" {
		t.Errorf("results = %v, want newest first", page.Results)
	}
	if page.Next != nil || page.Previous != nil {
		t.Errorf("single page should have no links: %+v", page)
	}
}

func TestListTodosEmpty(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.do(http.MethodGet, "/todos/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Errorf("empty list should encode results as [], got %s", rec.Body.String())
	}
}

func TestListTodosQuery(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "Task1", false)
	env.create(t, "task2", true)
	env.create(t, "Other", false)

	tests := []struct {
		query string
		want  []string
	}{
		{"search=TASK", []string{"task2", "Task1"}},
		{"completed=true", []string{"task2"}},
		{"completed=0", []string{"Other", "Task1"}},
		{"ordering=title", []string{"Other", "Task1", "task2"}},
		{"ordering=-title", []string{"task2", "Task1", "Other"}},
		{"ordering=bogus", []string{"Other", "task2", "Task1"}},
		{"search=task&completed=false", []string{"Task1"}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/todos/?"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			page := decode[Page](t, rec)
			var got []string
			for _, todo := range page.Results {
				got = append(got, todo.Title)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("titles = %v, want %v", got, tt.want)
			}
			if page.Count != len(tt.want) {
				t.Errorf("count = %d, want %d", page.Count, len(tt.want))
			}
		})
	}
}

func TestListTodosSearchNonASCII(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "Über report", false)
	env.create(t, "Ärger", false)

	tests := []struct {
		search string
		want   string
	}{
		{"Über", "Über report"},
		{"über", "Über report"},
		{"Ärger", "Ärger"},
		{"ärger", "Ärger"},
	}
	for _, tt := range tests {
		t.Run(tt.search, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/todos/?search="+url.QueryEscape(tt.search), "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			page := decode[Page](t, rec)
			if page.Count != 1 || page.Results[0].Title != tt.want {
				t.Errorf("search %q = %+v, want [%s]", tt.search, page.Results, tt.want)
			}
		})
	}
}

func TestListTodosInvalidParams(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "A", false)

	tests := []struct {
		query      string
		wantStatus int
		wantCode   string
	}{
		{"completed=maybe", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"page=abc", http.StatusNotFound, "INVALID_PAGE"},
		{"page=0", http.StatusNotFound, "INVALID_PAGE"},
		{"page=2", http.StatusNotFound, "INVALID_PAGE"},
		{"page=922337203685477581", http.StatusNotFound, "INVALID_PAGE"},
		{"page=922337203685477581&page_size=1", http.StatusNotFound, "INVALID_PAGE"},
		{"completed=t", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"completed=TRUE", http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/todos/?"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestListTodosPagination(t *testing.T) {
	env := setupTestEnv(t)
	todos := make([]*model.Todo, 45)
	for i := range todos {
		todos[i] = &model.Todo{Title: fmt.Sprintf("item %d", i)}
	}
	if err := env.svc.BulkCreateTodos(context.Background(), todos); err != nil {
		t.Fatal(err)
	}

	page := decode[Page](t, env.do(http.MethodGet, "/todos/", ""))
	if page.Count != 45 || len(page.Results) != DefaultPageSize {
		t.Fatalf("count = %d, results = %d", page.Count, len(page.Results))
	}
	if page.Next == nil || *page.Next != "http://example.com/todos/?page=2" {
		t.Errorf("next = %v", page.Next)
	}

	page = decode[Page](t, env.do(http.MethodGet, "/todos/?page=3&search=item", ""))
	if len(page.Results) != 5 || page.Next != nil {
		t.Errorf("last page = %d results, next = %v", len(page.Results), page.Next)
	}
	if page.Previous == nil || *page.Previous != "http://example.com/todos/?page=2&search=item" {
		t.Errorf("previous = %v", page.Previous)
	}

	page = decode[Page](t, env.do(http.MethodGet, "/todos/?page=2&page_size=40", ""))
	if page.Previous == nil || *page.Previous != "http://example.com/todos/?page_size=40" {
		t.Errorf("previous link to page 1 should drop page: %v", page.Previous)
	}

	page = decode[Page](t, env.do(http.MethodGet, "/todos/?page_size=500", ""))
	if len(page.Results) != 45 {
		t.Errorf("page_size above the max should be clamped, got %d results", len(page.Results))
	}
}

func TestUpdateTodo(t *testing.T) {
	env := setupTestEnv(t)
	todo := env.create(t, "Old", true)

	rec := env.do(http.MethodPut, todoURL(todo.ID, ""), `{"title": "New"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := decode[model.Todo](t, rec)
	if got.Title != "New" || !got.Completed {
		t.Errorf("got %+v, completed should be unchanged when omitted", got)
	}
	if !got.CreatedAt.Equal(todo.CreatedAt) {
		t.Error("created_at changed")
	}

	rec = env.do(http.MethodPut, todoURL(todo.ID, ""), `{"completed": false}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PUT without title status = %d, want 400", rec.Code)
	}

	rec = env.do(http.MethodPut, "/todos/999/", `{"title": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("PUT missing todo status = %d, want 404", rec.Code)
	}

	// 不存在的记录优先返回 404
	rec = env.do(http.MethodPut, "/todos/999/", `{"title": ""}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("PUT missing todo with bad body status = %d, want 404", rec.Code)
	}
}

func TestPatchTodo(t *testing.T) {
	env := setupTestEnv(t)
	todo := env.create(t, "Keep", false)

	rec := env.do(http.MethodPatch, todoURL(todo.ID, ""), `{"completed": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[model.Todo](t, rec)
	if got.Title != "Keep" || !got.Completed {
		t.Errorf("got %+v", got)
	}

	rec = env.do(http.MethodPatch, todoURL(todo.ID, ""), `{"title": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank title status = %d, want 400", rec.Code)
	}
}

func TestDeleteTodo(t *testing.T) {
	env := setupTestEnv(t)
	todo := env.create(t, "Task", false)

	rec := env.do(http.MethodDelete, todoURL(todo.ID, ""), "")
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("status = %d body = %q, want 204 with no body", rec.Code, rec.Body.String())
	}

	for _, method := range []string{http.MethodDelete, http.MethodGet} {
		rec := env.do(method, todoURL(todo.ID, ""), "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s after delete status = %d, want 404", method, rec.Code)
		}
	}
	rec = env.do(http.MethodPost, todoURL(todo.ID, "toggle_completed/"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("toggle after delete status = %d, want 404", rec.Code)
	}
}

func TestToggleTodo(t *testing.T) {
	env := setupTestEnv(t)
	todo := env.create(t, "Task", false)

	first := decode[model.Todo](t, env.do(http.MethodPost, todoURL(todo.ID, "toggle_completed/"), ""))
	if !first.Completed {
		t.Fatal("first toggle should complete the todo")
	}
	second := decode[model.Todo](t, env.do(http.MethodPost, todoURL(todo.ID, "toggle_completed/"), ""))
	if second.Completed {
		t.Error("second toggle should restore the original state")
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Error("updated_at went backwards")
	}

	rec := env.do(http.MethodGet, todoURL(todo.ID, "toggle_completed/"), "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET toggle status = %d, want 405", rec.Code)
	}
}

func TestGetStats(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "A", false)
	env.create(t, "B", true)
	env.create(t, "C", true)

	rec := env.do(http.MethodGet, "/todos/stats/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data database.TodoStats `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data != (database.TodoStats{Total: 3, Pending: 1, Completed: 2}) {
		t.Errorf("stats = %+v", resp.Data)
	}
}

func TestBatchDeleteTodos(t *testing.T) {
	env := setupTestEnv(t)
	a := env.create(t, "A", false)
	b := env.create(t, "B", false)

	rec := env.do(http.MethodPost, "/todos/batch/delete/", fmt.Sprintf(`{"ids": [%d, 999]}`, a.ID))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if _, total, _ := env.svc.ListTodos(context.Background(), database.TodoFilter{}); total != 2 {
		t.Fatalf("failed batch should delete nothing, total = %d", total)
	}

	rec = env.do(http.MethodPost, "/todos/batch/delete/", fmt.Sprintf(`{"ids": [%d, %d]}`, a.ID, b.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, total, _ := env.svc.ListTodos(context.Background(), database.TodoFilter{}); total != 0 {
		t.Errorf("total = %d, want 0", total)
	}

	rec = env.do(http.MethodPost, "/todos/batch/delete/", `{"ids": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ids status = %d, want 400", rec.Code)
	}
}

// failingService 只实现 ListTodos，用于验证错误映射
type failingService struct {
	TodoService
	err error
}

func (f failingService) ListTodos(context.Context, database.TodoFilter) ([]model.Todo, int, error) {
	return nil, 0, f.err
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"timeout", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusRequestTimeout, "TIMEOUT"},
		{"storage failure", errors.New("disk I/O error: /var/lib/todos.db"), http.StatusInternalServerError, "DATABASE_ERROR"},
		{"not found", service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := routes(NewHandler(failingService{err: tt.err}, Options{}))
			rec := serve(mux, http.MethodGet, "/todos/", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if strings.Contains(rec.Body.String(), "disk I/O") {
				t.Error("storage error leaked to the client")
			}
		})
	}
}

func TestServiceErrorCanceled(t *testing.T) {
	mux := routes(NewHandler(failingService{err: context.Canceled}, Options{}))
	rec := serve(mux, http.MethodGet, "/todos/", "")
	if rec.Body.Len() != 0 {
		t.Errorf("canceled request should get no body, got %q", rec.Body.String())
	}
}

func TestNewHandlerPageSize(t *testing.T) {
	tests := []struct {
		opts         Options
		wantPageSize int
		wantMaxPage  int
	}{
		{Options{}, DefaultPageSize, DefaultMaxPageSize},
		{Options{PageSize: 10, MaxPageSize: 50}, 10, 50},
		{Options{PageSize: 200}, 200, 200},
	}
	for _, tt := range tests {
		h := NewHandler(nil, tt.opts)
		if h.pageSize != tt.wantPageSize || h.maxPageSize != tt.wantMaxPage {
			t.Errorf("NewHandler(%+v) page size = %d/%d, want %d/%d",
				tt.opts, h.pageSize, h.maxPageSize, tt.wantPageSize, tt.wantMaxPage)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHandler(nil, Options{})
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !decode[Response](t, rec).Success {
		t.Errorf("health status = %d body = %s", rec.Code, rec.Body.String())
	}
}
