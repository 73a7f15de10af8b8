package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vagifmammadli/finalexam/internal/exam"
	"github.com/vagifmammadli/finalexam/internal/grading"
	"github.com/vagifmammadli/finalexam/internal/handler"
	appI18n "github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/llm"
	"github.com/vagifmammadli/finalexam/internal/metrics"
	"github.com/vagifmammadli/finalexam/internal/model"
	"github.com/vagifmammadli/finalexam/internal/session"
	"github.com/vagifmammadli/finalexam/internal/store"
	"github.com/vagifmammadli/finalexam/internal/submission"
	"github.com/vagifmammadli/finalexam/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := setupLogging(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	v := viperForCmd(cmd)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seed(ctx, db, v.GetStringSlice("questions"), logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// The API key is per user, so the provider is only checked when a
	// credential is submitted.
	provider := v.GetString("provider")
	gradeTimeout := v.GetDuration("grade-timeout")
	grader, err := grading.New(provider,
		llm.ProviderConfig{
			Model:   v.GetString("llm-model"),
			BaseURL: v.GetString("llm-url"),
		},
		grading.WithTimeout(gradeTimeout),
		grading.WithLogger(logger.Named("grading")),
	)
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}

	maxUploadMB := v.GetInt("max-upload-mb")
	uploads, err := upload.New(v.GetString("upload-dir"), int64(maxUploadMB)<<20)
	if err != nil {
		return fmt.Errorf("create upload storage: %w", err)
	}

	sessStore, closeSessions, err := openSessionStore(ctx, v.GetString("redis-url"), db, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	cleanup := session.NewCleanupJob(sessStore, v.GetString("session-cleanup"), logger.Named("session"))
	if err := cleanup.Start(); err != nil {
		return err
	}
	defer cleanup.Stop()

	basePath := normalizeBasePath(v.GetString("base-path"))
	cfg := model.Config{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		Provider:      provider,
		DefaultLang:   lang,
		MaxUploadMB:   maxUploadMB,
		SessionTTL:    v.GetDuration("session-ttl"),
		AdminPassword: v.GetString("admin-password"),
	}
	if cfg.AdminPassword == "" {
		logger.Warn("no admin password set, admin area disabled")
	}

	sessions := session.NewManager(sessStore, cfg.SessionTTL, basePath, cfg.SecureCookies, logger.Named("session"))
	selector := exam.NewSelector(db)
	exams := submission.NewService(db, selector, grader, uploads, logger.Named("submission"))

	h, err := handler.New(handler.Deps{
		Store:    db,
		Exams:    exams,
		Checker:  grader,
		Uploads:  uploads,
		Sessions: sessions,
		Logger:   logger.Named("handler"),
	}, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	router := newRouter(h, basePath, v.GetStringSlice("cors-origins"),
		requestTimeout(gradeTimeout, exam.DefaultBlueprint.Size()))

	addr := v.GetString("addr")
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", addr),
			zap.String("provider", provider),
			zap.String("model", v.GetString("llm-model")),
			zap.String("lang", lang),
			zap.String("base_path", basePath),
			zap.Duration("grade_timeout", gradeTimeout),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// openSessionStore picks Redis when url is set, otherwise the sessions table.
func openSessionStore(ctx context.Context, url string, db *store.Store, logger *zap.Logger) (session.Store, func(), error) {
	if url == "" {
		st, err := session.NewDBStore(db.DB())
		if err != nil {
			return nil, nil, fmt.Errorf("create session store: %w", err)
		}
		logger.Info("sessions stored in database")
		return st, func() {}, nil
	}

	st, err := session.NewRedisStore(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("sessions stored in redis")
	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}, nil
}

// newRouter mounts the application under basePath. /metrics stays at the root
// and is not subject to the request timeout.
func newRouter(h *handler.Handler, basePath string, origins []string, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "HX-Request"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(middleware.Timeout(timeout))
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Group(func(sub chi.Router) {
			sub.Use(middleware.Timeout(timeout))
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	}
	return r
}
