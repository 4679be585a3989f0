package routes

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"creditmarket/gateway/middleware"
)

type Config struct {
	NodeRPCURL    *url.URL
	NodeRPCToken  string
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the gateway handler: health and metrics endpoints plus the
// versioned market API. Queries require the read scope, mutations the write
// scope; both fall open when auth is disabled.
func New(cfg Config) (http.Handler, error) {
	market, err := newMarketRoutes(cfg.NodeRPCURL, cfg.NodeRPCToken)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("market"))
		}
		if obs != nil {
			sr.Use(obs.Middleware("market"))
		}
		sr.Group(func(gr chi.Router) {
			if cfg.Authenticator != nil {
				gr.Use(cfg.Authenticator.Middleware(middleware.ScopeMarketRead))
			}
			market.mountQueries(gr)
		})
		sr.Group(func(gr chi.Router) {
			if cfg.Authenticator != nil {
				gr.Use(cfg.Authenticator.Middleware(middleware.ScopeMarketWrite))
			}
			market.mountMutations(gr)
		})
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
