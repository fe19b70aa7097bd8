package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"pipegate/api"
	"pipegate/config"
	"pipegate/runner"
	"pipegate/runner/storage"
	"pipegate/telemetry"
)

// Serve starts the HTTP server, the scheduler and the history recorder and
// blocks until SIGINT or SIGTERM
func Serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.TracerOptions{
			ServiceName:  cfg.Telemetry.ServiceName,
			ApprovalMode: cfg.Executor.ApprovalMode,
			Shell:        cfg.Executor.Shell,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	broker := runner.NewBroker(cfg.Executor.EventBuffer)
	orch := runner.New(runner.Options{
		Commands:     runner.NewShellRunner(cfg.Executor.Shell),
		Broker:       broker,
		RetryDelay:   cfg.Executor.RetryDelay,
		ApprovalMode: runner.ApprovalMode(cfg.Executor.ApprovalMode),
		Logger:       logger,
	})

	var store *storage.Storage
	if cfg.Storage.Enabled {
		store, err = openStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		recorder := runner.NewHistoryRecorder(broker, store, logger)
		recorder.Start()
		defer recorder.Stop()
	}

	projectsPath := cfg.Projects.File
	if !filepath.IsAbs(projectsPath) {
		projectsPath = filepath.Join(cwd, projectsPath)
	}
	projectsConfig, err := runner.LoadProjects(projectsPath)
	if err != nil {
		logger.Warn("failed to load projects config", slog.Any("error", err))
		projectsConfig = &runner.ProjectsConfig{Projects: []runner.Project{}}
	} else {
		logger.Info("projects loaded", slog.Int("count", len(projectsConfig.Projects)))
	}

	scheduler := runner.NewScheduler(projectsConfig, orch, cwd, logger)
	go scheduler.Start()

	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Store:        store,
		Projects:     projectsConfig,
		BaseDir:      cwd,
		Logger:       logger,
	})
	mountDashboard(router, filepath.Join(cwd, "web", "dist"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	scheduler.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions still running at shutdown", slog.Any("error", err))
	}
	return nil
}

// mountDashboard serves the built web dashboard if present
func mountDashboard(router chi.Router, webDir string) {
	if _, err := os.Stat(webDir); err != nil {
		return
	}
	fileServer := http.FileServer(http.Dir(webDir))
	router.Handle("/assets/*", fileServer)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
	})
}
