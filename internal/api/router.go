package api

import (
	"net/http"
	"time"

	"github.com/sowbridge/sowbridge/pkg/health"
	"github.com/sowbridge/sowbridge/pkg/metrics"
	"github.com/sowbridge/sowbridge/pkg/middleware"
)

type RouterConfig struct {
	Handler        *Handler
	Health         *health.Checker
	Metrics        *metrics.Metrics
	APIKeys        []string
	RequestTimeout time.Duration
}

// NewRouter builds the service handler.
//
// Route table:
//
//	GET    /api/v1/opportunities/{noticeID}/resources
//	POST   /api/v1/opportunities/resources
//	POST   /api/v1/proposals/sections
//	GET    /api/v1/cache/stats
//	POST   /api/v1/cache/invalidate
//	GET    /api/v1/processing/stats
//	GET    /health/live
//	GET    /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → CORS → APIKey → Timeout → mux
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/opportunities/{noticeID}/resources", h.Resources)
	mux.HandleFunc("POST /api/v1/opportunities/resources", h.BatchResources)
	mux.HandleFunc("POST /api/v1/proposals/sections", h.Section)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /api/v1/processing/stats", h.ProcessingStats)
	if cfg.Health != nil {
		mux.HandleFunc("GET /health/live", cfg.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", cfg.Health.ReadyHandler())
	}

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	chain = middleware.APIKey(cfg.APIKeys)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig())(chain)
	chain = middleware.Metrics(cfg.Metrics)(chain)
	chain = middleware.RequestID(chain)
	return chain
}
