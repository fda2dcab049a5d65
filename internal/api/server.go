package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/fetcher"
	"github.com/JakeFAU/scrape-workspace/internal/harvest"
	"github.com/JakeFAU/scrape-workspace/internal/manager"
	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/store"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Engine is the workspace surface the handlers drive. *manager.Manager
// satisfies it.
type Engine interface {
	ListTree(ctx context.Context) (manager.Tree, error)
	Project(ctx context.Context, name string) (workspace.ProjectSnapshot, error)
	CreateProject(ctx context.Context, name string) error
	DeleteProject(ctx context.Context, name string) error
	CreateSubproject(ctx context.Context, project, name string) error
	DeleteSubproject(ctx context.Context, project, name string) error
	RecalculateTokens(ctx context.Context, scope manager.Scope, selector string) (manager.TokenReport, error)
	CompressAll(ctx context.Context) (manager.CompressReport, error)
	CompressSubproject(ctx context.Context, project, subproject string, kinds []workspace.Kind) (compress.SubprojectResult, error)
	CollectCentral(ctx context.Context, project string) (compress.CentralResult, error)
	Dashboard(ctx context.Context) (manager.Dashboard, error)
}

// Harvester files scraped content into subprojects. *harvest.Harvester
// satisfies it.
type Harvester interface {
	ScrapeLinks(ctx context.Context, project, subproject string, req harvest.LinkRequest) (harvest.Result, error)
	DownloadPDFs(ctx context.Context, project, subproject string, filter harvest.ItemFilter) (harvest.Result, error)
	CaptureWARCs(ctx context.Context, project, subproject string, filter harvest.ItemFilter) (harvest.Result, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// RequestTimeout bounds each request; bulk operations can take minutes.
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 10 * time.Minute

// Server wires HTTP handlers to the engine, harvester and run history.
type Server struct {
	router    chi.Router
	engine    Engine
	harvester Harvester
	runs      *RunHandler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil harvester
// answers scrape routes with 503; a nil run repository does the same for
// run history.
func NewServer(engine Engine, harvester Harvester, runs store.RunRepository, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		engine:    engine,
		harvester: harvester,
		runs:      NewRunHandler(runs, logger.Named("runs")),
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.Get("/tree", s.getTree)
		r.Get("/dashboard", s.getDashboard)
		r.Post("/tokens/recalculate", s.recalculateTokens)
		r.Post("/compress", s.compressAll)
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.createProject)
			r.Route("/{project}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Delete("/", s.deleteProject)
				r.Post("/collect", s.collectCentral)
				r.Post("/subprojects", s.createSubproject)
				r.Route("/subprojects/{subproject}", func(r chi.Router) {
					r.Delete("/", s.deleteSubproject)
					r.Post("/compress", s.compressSubproject)
					r.Post("/links", s.scrapeLinks)
					r.Post("/pdfs", s.downloadPDFs)
					r.Post("/warcs", s.captureWARCs)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The engine has no remote dependencies that gate requests.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.engine.ListTree(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.engine.Dashboard(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.engine.CreateProject(r.Context(), req.Name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"project": req.Name})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Project(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteProject(r.Context(), chi.URLParam(r, "project")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createSubproject(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var req nameRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.engine.CreateSubproject(r.Context(), project, req.Name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"project": project, "subproject": req.Name})
}

func (s *Server) deleteSubproject(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteSubproject(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "subproject"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recalculateRequest struct {
	Project    string `json:"project"`
	Subproject string `json:"subproject"`
	Selector   string `json:"selector"`
}

func (s *Server) recalculateTokens(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Subproject != "" && req.Project == "" {
		writeError(w, http.StatusBadRequest, "subproject requires project")
		return
	}
	report, err := s.engine.RecalculateTokens(r.Context(), manager.Scope{Project: req.Project, Subproject: req.Subproject}, req.Selector)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) compressAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.CompressAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) collectCentral(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CollectCentral(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type compressRequest struct {
	Kinds []string `json:"kinds"`
}

func (s *Server) compressSubproject(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kinds := make([]workspace.Kind, 0, len(req.Kinds))
	for _, raw := range req.Kinds {
		kind, err := workspace.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}
	res, err := s.engine.CompressSubproject(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "subproject"), kinds)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type linksRequest struct {
	URLs      []string `json:"urls"`
	Strategy  string   `json:"strategy"`
	Selectors []string `json:"selectors"`
}

func (s *Server) scrapeLinks(w http.ResponseWriter, r *http.Request) {
	if s.harvester == nil {
		writeError(w, http.StatusServiceUnavailable, "scraping is not configured")
		return
	}
	var req linksRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	strategy, err := workspace.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.harvester.ScrapeLinks(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "subproject"),
		harvest.LinkRequest{URLs: req.URLs, Strategy: strategy, Selectors: req.Selectors})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type itemsRequest struct {
	Contains string `json:"contains"`
	Limit    int    `json:"limit"`
}

func (s *Server) downloadPDFs(w http.ResponseWriter, r *http.Request) {
	s.harvestItems(w, r, func(ctx context.Context, p, sp string, f harvest.ItemFilter) (harvest.Result, error) {
		return s.harvester.DownloadPDFs(ctx, p, sp, f)
	})
}

func (s *Server) captureWARCs(w http.ResponseWriter, r *http.Request) {
	s.harvestItems(w, r, func(ctx context.Context, p, sp string, f harvest.ItemFilter) (harvest.Result, error) {
		return s.harvester.CaptureWARCs(ctx, p, sp, f)
	})
}

func (s *Server) harvestItems(
	w http.ResponseWriter,
	r *http.Request,
	run func(ctx context.Context, project, subproject string, filter harvest.ItemFilter) (harvest.Result, error),
) {
	if s.harvester == nil {
		writeError(w, http.StatusServiceUnavailable, "scraping is not configured")
		return
	}
	var req itemsRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be >= 0")
		return
	}
	res, err := run(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "subproject"),
		harvest.ItemFilter{Contains: req.Contains, Limit: req.Limit})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, fetcher.ErrDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, workspace.ErrWorkspaceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decode(r, v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
