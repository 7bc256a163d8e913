// Package web implements the http api of the persistent queue
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/co5dt/pqueue/app/manager"
	"github.com/co5dt/pqueue/app/metrics"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/thumb"
)

// Queue is the coordinator api used by handlers
type Queue interface {
	Snapshot(ctx context.Context) manager.Snapshot
	Pause()
	Resume()
	Paused() bool
	Submit(ctx context.Context, req manager.SubmitRequest) (string, int64, error)
	Reorder(order []string) int
	SetPriority(ctx context.Context, promptID string, priority int) error
	Delete(ctx context.Context, promptIDs []string) error
	Rename(ctx context.Context, promptID, name string) error
	RunSelected(ctx context.Context, promptIDs []string) ([]string, error)
	SkipSelected(ctx context.Context, promptIDs []string) ([]string, error)
	History(ctx context.Context, limit int) ([]persistence.HistoryEntry, error)
	HistoryPage(ctx context.Context, q persistence.HistoryQuery) (persistence.HistoryPage, error)
	Thumbnail(ctx context.Context, historyID int64, idx int) (persistence.Thumbnail, error)
	WorkflowFor(ctx context.Context, promptID string) string
	Export(ctx context.Context) (manager.ExportDoc, error)
	Import(ctx context.Context, doc manager.ExportDoc) (manager.ImportResult, error)
}

// Config holds server configuration
type Config struct {
	Queue      Queue
	Thumbs     *thumb.Generator    // storage roots for previews
	Previews   *thumb.PreviewCache // previews are not served if nil
	Metrics    *metrics.Collector  // /metrics is not served if nil
	BaseURL    string              // base URL path for reverse proxy (e.g., /pqueue), empty for root
	Version    string
	SubmitRate float64 // submissions and imports per second per client, 10 if 0
	MaxBody    int64   // max request size, 16MB if 0
}

// Server is the http api server
type Server struct {
	Config
	csrfProtection *http.CrossOriginProtection
	submitLimiter  *limiter.Limiter
}

// New makes a server
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, errors.New("web server initialization failed: queue is required")
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 10
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 16 * 1024 * 1024
	}
	if cfg.Thumbs == nil {
		cfg.Thumbs = &thumb.Generator{}
	}

	lmt := tollbooth.NewLimiter(cfg.SubmitRate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"ok":false,"error":"too many requests"}`)

	return &Server{
		Config:         cfg,
		csrfProtection: http.NewCrossOriginProtection(),
		submitLimiter:  lmt,
	}, nil
}

// Run starts the web server, blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.BaseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.BaseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.BaseURL+"/", http.StripPrefix(s.BaseURL, routes))
	return mux
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("pqueue", "co5dt", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.MaxBody),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.Metrics != nil {
		router.Handle("GET /metrics", s.Metrics.Handler())
	}

	router.With(rest.NoCache).HandleFunc("GET /queue", s.handleQueue)
	router.Mount("/queue").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.Use(s.csrfProtection.Handler)

		api.HandleFunc("GET /history", s.handleHistory)
		api.HandleFunc("GET /history/thumb/{id}", s.handleHistoryThumb)
		api.HandleFunc("GET /preview", s.handlePreview)
		api.HandleFunc("POST /pause", s.handlePause)
		api.HandleFunc("POST /resume", s.handleResume)
		api.HandleFunc("POST /reorder", s.handleReorder)
		api.HandleFunc("PATCH /priority", s.handlePriority)
		api.HandleFunc("POST /delete", s.handleDelete)
		api.HandleFunc("PATCH /rename", s.handleRename)
		api.HandleFunc("POST /run-selected", s.handleRunSelected)
		api.HandleFunc("POST /skip-selected", s.handleSkipSelected)
		api.HandleFunc("GET /export", s.handleExport)
		api.HandleFunc("GET /export/schema", s.handleExportSchema)

		limited := api.With(tollbooth.HTTPMiddleware(s.submitLimiter))
		limited.HandleFunc("POST /prompt", s.handleSubmit)
		limited.HandleFunc("POST /import", s.handleImport)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response, {"ok": false, "error": message}
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, rest.JSON{"ok": false, "error": message})
}

// decodeJSON reads the request body into v, writes a 400 response on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
