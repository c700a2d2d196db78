// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it builds every component from the
// configuration, connects handlers, middleware and routes, and owns the
// process-wide lifecycle (start, graceful shutdown).
//
// DEPENDENCY INJECTION FLOW:
//
//	config → change feed (redis or local) → docstore (sqlite)
//	       → blob store (local or minio) → task runner → cascade coordinator
//	       → service.Forum → handlers
//	       → session.Manager (GitHub + JWT) → Sessions middleware
//
// This is the "composition root" pattern: all dependencies are wired in one
// place rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/homework-helper/internal/auth"
	"github.com/sakif/homework-helper/internal/blob"
	"github.com/sakif/homework-helper/internal/cascade"
	"github.com/sakif/homework-helper/internal/config"
	"github.com/sakif/homework-helper/internal/docstore"
	"github.com/sakif/homework-helper/internal/docstore/redisfeed"
	"github.com/sakif/homework-helper/internal/docstore/sqlite"
	"github.com/sakif/homework-helper/internal/handler"
	"github.com/sakif/homework-helper/internal/metrics"
	"github.com/sakif/homework-helper/internal/middleware"
	"github.com/sakif/homework-helper/internal/service"
	"github.com/sakif/homework-helper/internal/session"
	"github.com/sakif/homework-helper/internal/task"
)

// uploadsPrefix is where the local blob store is served.
const uploadsPrefix = "/uploads"

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the change feed, the document store, the task runner and
// the session manager. Start releases them in reverse order on shutdown;
// Close does the same for a Server that was never started.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger

	feed     docstore.ChangeFeed
	store    *sqlite.Store
	blobs    blob.Store
	tasks    *task.Runner
	sessions *session.Manager // nil when sign-in is not configured
	forum    *service.Forum
	live     *handler.LiveHandler

	done      chan struct{} // closed by Close; stops drainTaskFailures
	drained   chan struct{} // closed when drainTaskFailures returns
	closeOnce sync.Once
}

// New builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if dir := filepath.Dir(cfg.Store.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// === CHANGE FEED + DOCUMENT STORE ===
	feed := redisfeed.Connect(ctx, cfg.Store.RedisAddr, logger)
	store, err := sqlite.New(cfg.Store.DBPath, sqlite.WithFeed(feed), sqlite.WithLogger(logger))
	if err != nil {
		feed.Close()
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		feed:    feed,
		store:   store,
		tasks:   task.NewRunner(logger, cfg.Tasks.Timeout, cfg.Tasks.Buffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	// === BLOB STORE ===
	s.blobs, err = newBlobStore(ctx, cfg.Blob)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	// === SERVICE ===
	s.forum = service.NewForum(service.Deps{
		Store:      store,
		Cascade:    cascade.New(store, logger, cfg.Store.CascadeConcurrency),
		Blobs:      s.blobs,
		Tasks:      s.tasks,
		Moderators: service.NewStoreModerators(store, logger),
		Logger:     logger,
	})

	// === SESSIONS ===
	// Without a JWT secret and GitHub credentials the forum is read-only:
	// every caller is anonymous and the /auth routes are not registered.
	if cfg.Auth.Enabled() {
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating token service: %w", err)
		}
		provider := auth.NewGitHubProvider(cfg.Auth.GitHubClientID, cfg.Auth.GitHubClientSecret, cfg.Auth.GitHubCallbackURL)
		s.sessions = session.NewManager(provider, tokens, logger)
		s.sessions.OnAuthChange(s.forum.EnsureUser)
	} else {
		logger.Warn("JWT_SECRET or GitHub credentials not set, sign-in is disabled")
	}

	go s.drainTaskFailures()

	metrics.Init()
	s.setupRoutes()
	return s, nil
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case config.BlobMinio:
		m, err := blob.NewMinio(blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return blob.NewLocal(cfg.LocalDir, uploadsPrefix)
	}
}

// drainTaskFailures consumes failures of detached writes. The runner has
// already logged and counted each one; draining keeps its buffer from
// filling up and dropping newer failures.
// The failures channel is never closed, so the loop also ends on Close.
func (s *Server) drainTaskFailures() {
	defer close(s.drained)
	for {
		select {
		case f := <-s.tasks.Errors():
			s.logger.Debug("background write failure surfaced",
				slog.String("task", f.Task),
				slog.Time("at", f.At),
				slog.String("error", f.Err.Error()),
			)
		case <-s.done:
			return
		}
	}
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /metrics                          → prometheus
//	GET    /uploads/*                        → attachments (local blob store only)
//	GET    /auth/github/login|callback, POST /auth/logout
//	       /api/...                          → JSON API (handler.ForumHandler)
//	       /api/live/...                     → WebSocket live views (handler.LiveHandler)
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID, RealIP: request metadata
//  2. Sessions: resolves the JWT cookie so later layers know the caller
//  3. Logger, metrics: see the final status, including panics turned into 500s
//  4. Boundary: catches panics from the handlers
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	if s.sessions != nil {
		s.router.Use(auth.Sessions(s.sessions, s.logger))
	}
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Boundary(s.logger))

	s.router.Handle("/metrics", metrics.Handler())

	if local, ok := s.blobs.(*blob.Local); ok {
		fileServer := http.FileServer(http.Dir(local.Root()))
		s.router.Handle(uploadsPrefix+"/*", http.StripPrefix(uploadsPrefix+"/", fileServer))
	}

	if s.sessions != nil {
		authHandler := handler.NewAuthHandler(s.sessions, s.config.Server.FrontendURL, s.config.Auth.TokenTTL, s.logger)
		s.router.Route("/auth", func(r chi.Router) {
			r.Get("/github/login", authHandler.HandleLogin)
			r.Get("/github/callback", authHandler.HandleCallback)
			r.Post("/logout", authHandler.HandleLogout)
		})
	}

	loc := s.config.Location()
	forumHandler := handler.NewForumHandler(s.forum, loc, s.config.Blob.MaxUploadBytes, s.logger)
	s.live = handler.NewLiveHandler(s.forum, loc, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		forumHandler.Routes(r)
		r.Route("/live", s.live.Routes)
	})
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting connections, wait for in-flight requests
//  2. End live WebSocket connections and wait for their handlers to release
//     their subscriptions (Shutdown does not track hijacked connections)
//  3. Wait for background writes (task runner)
//  4. Close the session manager, the store and the change feed
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Start ending live connections as soon as Shutdown begins; the wait for
	// their handlers happens below.
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.live.Shutdown(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Server.Port)),
			slog.String("database", s.config.Store.DBPath),
			slog.Bool("auth", s.sessions != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		s.Close()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
	if err := s.live.Shutdown(ctx); err != nil {
		s.logger.Warn("live connections did not finish", slog.String("error", err.Error()))
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		s.logger.Warn("background writes did not finish", slog.String("error", err.Error()))
	}
	s.Close()

	s.logger.Info("server stopped gracefully")
	return nil
}

// Close releases everything the Server owns. Live connections are ended
// first, giving their handlers a few seconds to release their subscriptions;
// background writes still running are cancelled. Only the first call has an
// effect.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.live != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.live.Shutdown(ctx); err != nil {
				s.logger.Warn("live connections did not finish", slog.String("error", err.Error()))
			}
			cancel()
		}
		if s.sessions != nil {
			s.sessions.Close()
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.tasks.Shutdown(ctx)
		close(s.done)

		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing document store", slog.String("error", err.Error()))
		}
		if err := s.feed.Close(); err != nil {
			s.logger.Warn("closing change feed", slog.String("error", err.Error()))
		}
	})
}
