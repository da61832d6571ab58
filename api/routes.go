package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/todo-list/todo/admin"
	_ "github.com/todo-list/todo/docs"
	"github.com/todo-list/todo/handler"
	"github.com/todo-list/todo/metrics"
	"github.com/todo-list/todo/web"
)

// Handlers 各个入口的处理器
type Handlers struct {
	API   *handler.Handler
	Web   *web.Handler
	Admin *admin.Handler
}

// Options 路由配置
type Options struct {
	Logger      *log.Logger
	Metrics     *metrics.Metrics // nil 时不暴露 /metrics
	MetricsPath string
	CORSOrigin  string
}

// SetupRoutes 注册所有路由并套上全局中间件
func SetupRoutes(h Handlers, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	mux := http.NewServeMux()

	withCORS := func(f http.HandlerFunc) http.HandlerFunc {
		return chain(f, corsMiddleware(opts.CORSOrigin))
	}

	optionsHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	// 同时注册带和不带结尾斜杠的路径
	handle := func(method, path string, f http.HandlerFunc) {
		mux.HandleFunc(method+" "+path+"/{$}", withCORS(f))
		mux.HandleFunc(method+" "+path, withCORS(f))
	}

	registerTodoRoutes := func(base string) {
		handle("GET", base, h.API.ListTodos)
		handle("POST", base, h.API.CreateTodo)
		mux.HandleFunc("OPTIONS "+base+"/", withCORS(optionsHandler))

		handle("GET", base+"/stats", h.API.GetStats)
		handle("POST", base+"/batch/delete", h.API.BatchDeleteTodos)

		handle("GET", base+"/{id}", h.API.GetTodo)
		handle("PUT", base+"/{id}", h.API.UpdateTodo)
		handle("PATCH", base+"/{id}", h.API.PatchTodo)
		handle("DELETE", base+"/{id}", h.API.DeleteTodo)
		handle("POST", base+"/{id}/toggle_completed", h.API.ToggleTodo)
	}

	registerTodoRoutes("/api/todos")
	registerTodoRoutes("/todos")

	// 页面
	mux.HandleFunc("GET /{$}", h.Web.List)
	mux.HandleFunc("GET /add/{$}", h.Web.AddForm)
	mux.HandleFunc("POST /add/{$}", h.Web.Add)
	mux.HandleFunc("POST /toggle/{id}/{$}", h.Web.Toggle)
	mux.HandleFunc("POST /delete/{id}/{$}", h.Web.Delete)

	// 后台
	mux.Handle("GET /admin/{$}", http.RedirectHandler(admin.BasePath, http.StatusFound))
	mux.HandleFunc("GET /admin/todos/{$}", h.Admin.List)
	mux.HandleFunc("POST /admin/todos/{$}", h.Admin.Submit)
	mux.HandleFunc("POST /admin/todos/{id}/toggle/{$}", h.Admin.Toggle)

	mux.HandleFunc("GET /health", h.API.HealthCheck)
	mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	if opts.Metrics != nil {
		mux.Handle("GET "+opts.MetricsPath, opts.Metrics.Handler())
	}

	var root http.Handler = mux
	root = recoverMiddleware(opts.Logger)(root)
	root = accessLogMiddleware(opts.Logger, opts.Metrics)(root)
	root = requestIDMiddleware(root)
	return root
}
