package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/todo-list/todo/admin"
	"github.com/todo-list/todo/api"
	"github.com/todo-list/todo/config"
	"github.com/todo-list/todo/database"
	"github.com/todo-list/todo/flash"
	"github.com/todo-list/todo/handler"
	"github.com/todo-list/todo/metrics"
	"github.com/todo-list/todo/service"
	"github.com/todo-list/todo/telemetry"
	"github.com/todo-list/todo/web"
)

const version = "1.0.0"

// @title Todo API
// @version 1.0
// @description 待办事项 REST API
// @host localhost:7789
// @BasePath /
func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	log.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "todo",
		ServiceVersion: version,
		Output:         cfg.Tracing.Output,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Failed to flush traces", "err", err)
		}
	}()

	// 初始化数据库
	db, err := database.Open(cfg.Database.DatabaseOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		if err := m.RegisterDB(cfg.Database.Driver, db.SQL()); err != nil {
			return err
		}
	}

	// 创建处理器
	svc := service.NewTodoService(db)
	if cfg.Session.Secret == "" {
		logger.Warn("session.secret not set, flash messages will not survive a restart")
	}
	flashes := flash.NewStore(cfg.Session.HashKey())
	webHandler, err := web.NewHandler(svc, logger, flashes)
	if err != nil {
		return err
	}
	adminHandler, err := admin.NewHandler(svc, logger, flashes)
	if err != nil {
		return err
	}
	apiHandler := handler.NewHandler(svc, handler.Options{
		PageSize:    cfg.API.PageSize,
		MaxPageSize: cfg.API.MaxPageSize,
		Logger:      logger,
	})

	// 设置路由
	routes := api.SetupRoutes(api.Handlers{
		API:   apiHandler,
		Web:   webHandler,
		Admin: adminHandler,
	}, api.Options{
		Logger:      logger,
		Metrics:     m,
		MetricsPath: cfg.Metrics.Path,
		CORSOrigin:  cfg.API.CORSOrigin,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      routes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server started", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("Shutting down server...", "signal", sig.String())
	}

	// 优雅关闭，等待进行中的请求完成
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
		return server.Close()
	}
	return nil
}
