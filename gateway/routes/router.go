// Package routes exposes a crowdsale engine over HTTP and websockets.
package routes

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokensale/gateway/middleware"
	"tokensale/indexer"
	"tokensale/native/crowdsale"
)

type Config struct {
	Sale          *crowdsale.Engine
	Hub           *Hub
	Indexer       *indexer.Indexer
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       http.Handler
	Logger        *slog.Logger
}

type server struct {
	sale   *crowdsale.Engine
	hub    *Hub
	index  *indexer.Indexer
	logger *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Sale == nil {
		return nil, errors.New("routes: sale engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &server{sale: cfg.Sale, hub: cfg.Hub, index: cfg.Indexer, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/v1/sale", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware)
		}
		sr.Get("/status", s.handleStatus)
		sr.Get("/rate", s.handleRate)
		sr.Get("/balance/{address}", s.handleBalance)
		sr.Get("/purchases", s.handlePurchases)
		if s.index != nil {
			sr.Get("/contributors", s.handleContributors)
		}
		if s.hub != nil {
			sr.Get("/stream", s.handleStream)
		}
		sr.With(cfg.Authenticator.Middleware(middleware.ScopeBuy)).Post("/buy", s.handleBuy)
	})
	return r, nil
}
