// Package api translates authenticated user RPCs into Relayer-Handler and
// Chain-Registry commands. It is the Front-end Adapter (C5): a thin
// translation layer that carries none of the core event-to-action logic.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chainhooks/relayer/internal/config"
	"github.com/chainhooks/relayer/internal/relayer"
)

// NewRouter creates the HTTP router with all v1 endpoints.
func NewRouter(h *relayer.Handler, registry relayer.Registry, cfg config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	hs := &handlers{
		relayer:  h,
		registry: registry,
		cfg:      cfg,
		nonces:   newNonceStore(cfg.NonceTTL),
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/nonce/{address}", hs.GetNonce)
		r.Post("/register", hs.PostRegister)
		r.Get("/relayer/{address}", hs.GetRelayer)
		r.Post("/subscribe", hs.PostSubscribe)
		r.Post("/unsubscribe", hs.PostUnsubscribe)
		r.Get("/logs/{address}", hs.GetLogs)
	})

	return r
}

type handlers struct {
	relayer  *relayer.Handler
	registry relayer.Registry
	cfg      config.Config
	nonces   *nonceStore
}
