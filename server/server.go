// Package server exposes the client core over a local HTTP API: state
// reads and dispatches, cached news fetches, offline mutations and error
// reporting. The presentational layer is the only intended consumer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/bkalafat/tskulis-sub000/pkg/asyncdata"
	"github.com/bkalafat/tskulis-sub000/pkg/offline"
	"github.com/bkalafat/tskulis-sub000/pkg/state"
	"github.com/bkalafat/tskulis-sub000/pkg/telemetry"
)

// Server represents HTTP server instance
type Server struct {
	config   ConfigProvider
	api      NewsAPI
	data     DataLayer
	queue    OfflineQueue
	reporter Reporter
	states   StateStore
	version  string
	debug    bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// NewsAPI is the backend client used for cache-missing reads
type NewsAPI interface {
	GetNews(ctx context.Context, category string) ([]state.NewsRecord, error)
	GetNewsItem(ctx context.Context, id string) (*state.NewsRecord, error)
	GetComments(ctx context.Context, newsID string) ([]state.CommentRecord, error)
	Send(ctx context.Context, url, method string, headers map[string]string, body []byte) error
}

// DataLayer is the cached async access used by read handlers
type DataLayer interface {
	Fetch(ctx context.Context, key string, fn asyncdata.Fetcher, opts ...asyncdata.Option) (any, error)
	Peek(key string) (any, bool)
	Invalidate(key string)
	Mutate(key string, updater asyncdata.Updater, revalidate bool)
	Stats() asyncdata.Stats
}

// OfflineQueue is the durable mutation queue
type OfflineQueue interface {
	Enqueue(ctx context.Context, url, method string, body []byte, headers map[string]string, maxRetries int) string
	Pending(ctx context.Context) []offline.QueuedRequest
	Len(ctx context.Context) int
	Drain(ctx context.Context)
	Online() bool
}

// Reporter is the telemetry pipeline surface
type Reporter interface {
	ReportError(report telemetry.ErrorReport)
	AddBreadcrumb(category, message string)
	Snapshot() telemetry.Metrics
}

// StateStore is the global state container surface
type StateStore interface {
	Dispatch(action state.Action)
	State() *state.AppState
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, api NewsAPI, data DataLayer, queue OfflineQueue, reporter Reporter, states StateStore, version string, debug bool) *Server {
	s := &Server{
		config:   cfg,
		api:      api,
		data:     data,
		queue:    queue,
		reporter: reporter,
		states:   states,
		version:  version,
		debug:    debug,
		router:   routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("tskulis", "bkalafat", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
	s.router.Use(s.breadcrumbs)
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)

		r.HandleFunc("GET /news", s.newsListHandler)
		r.HandleFunc("GET /news/{id}", s.newsItemHandler)
		r.HandleFunc("GET /news/{id}/comments", s.commentsHandler)
		r.HandleFunc("POST /comments", s.postCommentHandler)

		r.HandleFunc("GET /state", s.stateHandler)
		r.HandleFunc("PUT /preferences", s.preferencesHandler)
		r.HandleFunc("PUT /theme", s.themeHandler)

		r.HandleFunc("GET /queue", s.queueHandler)
		r.HandleFunc("POST /queue/drain", s.drainHandler)

		r.HandleFunc("POST /errors", s.errorReportHandler)
	})
}

// breadcrumbs records each API hit as trail context for later error reports
func (s *Server) breadcrumbs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.reporter.AddBreadcrumb("http", r.Method+" "+r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// RenderJSON sends JSON response
func RenderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// RenderError sends error response as JSON
func RenderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	RenderJSON(w, r, code, map[string]string{"error": errMsg})
}
