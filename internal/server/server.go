// Package server exposes the read side of the indexer over HTTP. Tables
// are queried with the same parameter object jobs use, passed as a query
// string; the key-value store is readable by key or by pattern.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/kv"
	"github.com/koustreak/blockidx/internal/logger"
	"github.com/koustreak/blockidx/internal/query"
	"github.com/koustreak/blockidx/internal/table"
)

// DefaultLimit caps table reads that do not ask for a limit.
const DefaultLimit = 100

// Config holds HTTP listener settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		HealthTimeout:  2 * time.Second,
		RequestTimeout: 20 * time.Second,
	}
}

// Server routes requests to the registered facades.
type Server struct {
	cfg    Config
	reg    *database.Registry
	store  *kv.Store
	tables map[string]*table.Table
	router chi.Router
	log    *logger.Logger
}

// New builds the router. store may be nil, in which case the /kv routes
// are not mounted.
func New(cfg Config, reg *database.Registry, store *kv.Store, tables []*table.Table, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		tables: make(map[string]*table.Table, len(tables)),
		log:    log.With().Str("component", "http").Logger(),
	}
	for _, t := range tables {
		s.tables[t.Name()] = t
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverAndLog)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.health)
	if store != nil {
		r.Get("/kv", s.kvByPattern)
		r.Get("/kv/{key}", s.kvGet)
	}
	r.Route("/tables", func(r chi.Router) {
		r.Get("/", s.listTables)
		r.Get("/{name}", s.find)
		r.Get("/{name}/count", s.count)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoWith("http server listening", map[string]interface{}{"addr": s.cfg.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errs.Wrap(errs.ErrKindConnectionFailed, "http server stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errs.Wrap(errs.ErrKindTimeout, "http server shutdown", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	if err := s.reg.Ping(ctx); err != nil {
		s.log.WarnWith("health check failed", err, nil)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pools": len(s.reg.Pools())})
}

type kvEntry struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

func entry(key string, v kv.Value) kvEntry {
	e := kvEntry{Key: key, Kind: string(v.Kind()), Value: v.Any()}
	// Big integers are rendered as strings to survive JSON clients.
	if v.Kind() == kv.KindBigInt {
		e.Value = v.String()
	}
	return e
}

func (s *Server) kvGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.store.Get(r.Context(), key, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if v.IsUndefined() {
		s.fail(w, r, errs.Newf(errs.ErrKindNotFound, "no value under %q", key))
		return
	}
	writeJSON(w, http.StatusOK, entry(key, v))
}

func (s *Server) kvByPattern(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	entries, err := s.store.GetByPattern(r.Context(), pattern, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]kvEntry, len(entries))
	for i, e := range entries {
		out[i] = entry(e.Key, e.Value)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) listTables(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"tables": names})
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	values := r.URL.Query()
	columns := splitList(values["columns"])
	values.Del("columns")

	p, err := query.ParseValues(values)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Limit == nil {
		p = p.WithLimit(DefaultLimit)
	}

	rows, err := t.Find(r.Context(), p, columns, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows, "count": len(rows)})
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	values := r.URL.Query()
	column := values.Get("column")
	values.Del("column")

	p, err := query.ParseValues(values)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := t.Count(r.Context(), p, column, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (*table.Table, bool) {
	name := chi.URLParam(r, "name")
	t, ok := s.tables[name]
	if !ok {
		s.fail(w, r, errs.Newf(errs.ErrKindNotFound, "unknown table %q", name))
	}
	return t, ok
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorWith("request failed", err, map[string]interface{}{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": errs.KindOf(err).String()})
}

// statusOf maps an error kind to the HTTP status reported to clients.
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.ErrKindInvalidInput, errs.ErrKindUnsupportedType:
		return http.StatusBadRequest
	case errs.ErrKindNotFound:
		return http.StatusNotFound
	case errs.ErrKindConflict:
		return http.StatusConflict
	case errs.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case errs.ErrKindConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
