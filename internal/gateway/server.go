package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"market-gateway/internal/analysis"
	"market-gateway/internal/cache"
	"market-gateway/internal/config"
	"market-gateway/internal/ratelimit"
	"market-gateway/internal/trade"
	"market-gateway/internal/upstream"
)

// Deps are the collaborators the gateway routes requests through.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Market   upstream.Client
	Tickers  *cache.Cache[upstream.Ticker]
	Products *cache.Cache[[]upstream.Product]
	News     *cache.Cache[[]upstream.NewsItem]
	Executor *trade.Executor
	Streamer *analysis.Streamer
	Metrics  *Metrics
}

// Server is the HTTP composition root: inbound requests flow through the
// rate limiter into the caches, the trade executor, or the analysis streamer.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	logger  zerolog.Logger
	srv     *http.Server
	handler http.Handler
}

// NewServer wires the gateway routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "gateway").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/products", s.handleProducts)
	mux.HandleFunc("GET /v1/ticker/{asset}", s.handleTicker)
	mux.HandleFunc("GET /v1/news", s.handleNews)
	mux.HandleFunc("POST /v1/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /v1/analysis/{asset}", s.handleAnalysisSSE)
	mux.HandleFunc("GET /v1/analysis/{asset}/ws", s.handleAnalysisWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	s.handler = mux

	return s
}

// Handler exposes the route tree. Intended for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Market.Probe(r.Context()); err != nil {
		// Degraded upstream is not fatal; the cache still answers reads.
		s.logger.Debug().Err(err).Msg("health probe degraded")
		writeJSON(w, http.StatusOK, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
