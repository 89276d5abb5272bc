package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

// transferTimeout bounds a single object-store round trip made on behalf of a
// request. It derives from the request context, so a client disconnect still
// cancels the call.
const transferTimeout = 5 * time.Minute

type Config struct {
	Addr string // e.g. ":5000"

	Store  storage.Store
	Ledger ledger.Ledger // nil selects the store-only variant
	URLs   storage.URLResolver

	MaxUploadBytes     int64 // 0 means no limit
	PresignPutTTL      time.Duration
	PresignGetTTL      time.Duration
	RateLimitPerMinute int // 0 disables the limiter
	CORSAllowedOrigins []string

	Logger  *slog.Logger
	Metrics *Metrics
}

type Server struct {
	httpServer *http.Server
	limiter    *rateLimiter

	store   storage.Store
	ledger  ledger.Ledger
	urls    storage.URLResolver
	log     *slog.Logger
	metrics *Metrics

	maxUploadBytes int64
	putTTL         time.Duration
	getTTL         time.Duration
}

func New(cfg Config) *Server {
	s := &Server{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		urls:           cfg.URLs,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
		putTTL:         cfg.PresignPutTTL,
		getTTL:         cfg.PresignGetTTL,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.putTTL <= 0 {
		s.putTTL = storage.DefaultPresignPutTTL
	}
	if s.getTTL <= 0 {
		s.getTTL = storage.DefaultPresignGetTTL
	}

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestIDHeader)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(middleware.Compress(5, "application/json", "text/plain"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitPerMinute, time.Minute)
		r.Use(s.limiter.middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/upload", s.handleUpload)
	r.Post("/presign-upload", s.handlePresignUpload)
	r.Get("/files", s.handleListFiles)
	r.Post("/download", s.handleDownload)
	r.Post("/delete", s.handleDelete)
	if s.ledger != nil {
		r.Post("/register-file", s.handleRegisterFile)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
