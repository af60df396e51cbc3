package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

const defaultHeartbeat = 15 * time.Second

type Server struct {
	sessions  SessionService
	filings   FilingService
	cache     store.FilingCache
	metrics   *metrics.Metrics
	cfg       config.Config
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

type SessionService interface {
	Start(ctx context.Context, req filing.Request) (*session.Session, <-chan events.Event)
	List() []session.Info
	Observe(ctx context.Context, id string) (<-chan events.Event, error)
}

// FilingService is the part of the fetch coordinator the API exposes.
type FilingService interface {
	Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error)
	Resolve(ctx context.Context, fp filing.Fingerprint, observe func(fetch.Progress)) (filing.CachedFiling, fetch.Source, error)
	Refresh(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error)
	InFlight() []fetch.TaskInfo
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

func NewServer(sessions SessionService, filings FilingService, cache store.FilingCache, mt *metrics.Metrics, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		filings:   filings,
		cache:     cache,
		metrics:   mt,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{sessionHeader},
		MaxAge:         300,
	}))

	r.Post("/analyze", s.analyze)
	r.Get("/analyze/ws", s.analyzeWS)
	r.Get("/filings", s.listFilings)
	r.Get("/filings/{key}", s.getFiling)
	r.Post("/filings/refresh", s.refreshFiling)
	r.Get("/sessions", s.listSessions)
	r.Get("/sessions/{id}/events", s.streamSessionEvents)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}

// checkOrigin applies the CORS origin list to websocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
	InFlight   int                        `json:"in_flight"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.cache.Ping(ctx); err != nil {
		subsystems["cache"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["cache"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems, InFlight: len(s.filings.InFlight())}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps a classified error onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := filing.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case filing.KindInvalidRequest:
		status = http.StatusBadRequest
	case filing.KindCacheUnavailable:
		status = http.StatusServiceUnavailable
	case filing.KindCrawlFailure, filing.KindDownloadFailure:
		status = http.StatusBadGateway
	case filing.KindCanceled:
		status = http.StatusRequestTimeout
	}
	writeJSONStatus(w, errorResponse{Error: err.Error(), Kind: string(kind)}, status)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
