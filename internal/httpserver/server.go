package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/skobkin/gpuavail/internal/aggregator"
	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/config"
	"github.com/skobkin/gpuavail/internal/inventory"
	"github.com/skobkin/gpuavail/internal/ratelimit"
	"github.com/skobkin/gpuavail/internal/tracing"
	"github.com/skobkin/gpuavail/internal/version"
	"github.com/skobkin/gpuavail/internal/watch"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Aggregator answers availability and site capacity queries.
type Aggregator interface {
	GetAvailabilitySnapshot(ctx context.Context, sel inventory.Selector) (availability.Snapshot, error)
	GetMergedSiteConfig(ctx context.Context) (aggregator.SiteReport, error)
	CacheStats() aggregator.CacheStats
}

// Watcher streams the unfiltered snapshot as it is polled.
type Watcher interface {
	Latest() (availability.Snapshot, bool)
	Subscribe() (<-chan availability.Snapshot, func())
	Subscribers() int
	Status() watch.Status
	Counters() (polls, failures uint64)
	Interval() time.Duration
}

// Deps are the collaborators the server dispatches to. Watcher and Limiter are optional.
type Deps struct {
	Aggregator Aggregator
	Watcher    Watcher
	Limiter    *ratelimit.Limiter
	// KeyFunc identifies clients for the limiter; defaults to the connection's remote host.
	KeyFunc ratelimit.KeyFunc
}

// Server wraps the HTTP surface area of the service.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	aggregator Aggregator
	watcher    Watcher

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		aggregator: deps.Aggregator,
		watcher:    deps.Watcher,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	limit := func(h http.HandlerFunc) http.Handler { return h }
	if deps.Limiter != nil {
		keyFunc := deps.KeyFunc
		if keyFunc == nil {
			keyFunc = ratelimit.RemoteAddrKey
		}
		mw := deps.Limiter.Middleware(keyFunc)
		limit = func(h http.HandlerFunc) http.Handler { return mw(h) }
	}
	router.Handle("/api/resources", limit(s.handleResources)).Methods(http.MethodGet)
	router.Handle("/api/sites", limit(s.handleSites)).Methods(http.MethodGet)

	if cfg.EnablePrometheus {
		s.registerPrometheus(router)
	}
	if cfg.EnablePprof {
		registerPprof(router)
	}

	handler := tracing.HTTPMiddleware(s.withRequestLogging(router))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()
	logger := s.loggerFromContext(r.Context())

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error("failed to encode readyz response", "err", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func registerPprof(router *mux.Router) {
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

// readiness follows the watcher. Without one the service answers on demand and is always ready.
func (s *Server) readiness() readyResponse {
	if s.watcher == nil {
		return readyResponse{Status: "ok", Watcher: "disabled"}
	}

	status := s.watcher.Status()
	resp := readyResponse{
		Watcher:   status.State,
		LastError: status.LastError,
	}
	if !status.LastPoll.IsZero() {
		last := status.LastPoll
		resp.LastPoll = &last
	}

	switch status.State {
	case watch.StateInitializing:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_snapshot"
	case watch.StateDegraded:
		resp.Status = "degraded"
		resp.Reason = "poll_failed"
		if status.Stale {
			resp.Reason = "serving_stale"
		}
	default:
		resp.Status = "ok"
	}
	return resp
}

type readyResponse struct {
	Status    string     `json:"status"`
	Watcher   string     `json:"watcher"`
	LastPoll  *time.Time `json:"last_poll,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
