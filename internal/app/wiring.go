// Package app builds the components shared by the sowbridge server and the
// sowctl command line from a loaded Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/sowbridge/sowbridge/internal/generation"
	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/internal/ratelimit"
	"github.com/sowbridge/sowbridge/internal/respcache"
	"github.com/sowbridge/sowbridge/internal/retryclient"
	"github.com/sowbridge/sowbridge/internal/samapi"
	"github.com/sowbridge/sowbridge/pkg/clock"
	"github.com/sowbridge/sowbridge/pkg/config"
	"github.com/sowbridge/sowbridge/pkg/metrics"
	pkgredis "github.com/sowbridge/sowbridge/pkg/redis"
)

// LoadConfig reads a .env file from the working directory when one exists
// and then loads path.
func LoadConfig(path string) (*config.Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}
	return config.Load(path)
}

// Endpoints converts the configured policies, sorted by name.
func Endpoints(cfg *config.Config) []retryclient.Endpoint {
	names := make([]string, 0, len(cfg.Endpoints))
	for name := range cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]retryclient.Endpoint, 0, len(names))
	for _, name := range names {
		ep := cfg.Endpoints[name]
		out = append(out, retryclient.Endpoint{
			Name:              name,
			MinInterval:       ep.MinInterval,
			MaxAttempts:       ep.MaxAttempts,
			BackoffBase:       ep.BackoffBase,
			BackoffMultiplier: ep.BackoffMultiplier,
			BackoffCap:        ep.BackoffCap,
			JitterRange:       ep.JitterRange,
		})
	}
	return out
}

// Clients holds the outbound API clients. Both retry clients share one
// limiter so pacing holds across them.
type Clients struct {
	Limiter    *ratelimit.Limiter
	SAM        *samapi.Client
	Generation *generation.Client
}

// NewClients builds the SAM and generation clients. m may be nil.
func NewClients(cfg *config.Config, m *metrics.Metrics) (*Clients, error) {
	limiter := ratelimit.New(clock.Real{})
	endpoints := Endpoints(cfg)

	build := func(timeout time.Duration) (*retryclient.Client, error) {
		opts := []retryclient.Option{
			retryclient.WithLimiter(limiter),
			retryclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		}
		if m != nil {
			opts = append(opts, retryclient.WithMetrics(m))
		}
		rc := retryclient.New(opts...)
		for _, ep := range endpoints {
			if err := rc.Register(ep); err != nil {
				return nil, err
			}
		}
		return rc, nil
	}

	samRC, err := build(cfg.SAM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("configuring SAM client: %w", err)
	}
	genRC, err := build(cfg.Generation.Timeout)
	if err != nil {
		return nil, fmt.Errorf("configuring generation client: %w", err)
	}
	return &Clients{
		Limiter:    limiter,
		SAM:        samapi.New(samRC, cfg.SAM),
		Generation: generation.New(genRC, cfg.Generation),
	}, nil
}

// NewCache opens the configured cache backend. The returned redis client is
// nil unless the redis backend connected; callers close it. A redis backend
// that cannot connect yields an unavailable cache rather than an error.
func NewCache(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*respcache.Cache, *pkgredis.Client) {
	opts := []respcache.Option{
		respcache.WithPrefix(cfg.Cache.KeyPrefix),
		respcache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		respcache.WithOperationTimeout(cfg.Cache.OperationTimeout),
	}
	if m != nil {
		opts = append(opts, respcache.WithMetrics(m))
	}

	switch cfg.Cache.Backend {
	case "memory":
		return respcache.New(ctx, respcache.NewMemoryStore(nil), opts...), nil
	case "none":
		return respcache.New(ctx, nil, opts...), nil
	}

	client, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, response caching disabled", "error", err)
		return respcache.New(ctx, nil, opts...), nil
	}
	return respcache.New(ctx, respcache.NewRedisStore(client), opts...), client
}

// NewGuard builds a processing guard with the configured shard count and the
// given retention. journal may be nil.
func NewGuard(cfg *config.Config, retention time.Duration, m *metrics.Metrics, journal idempotency.Journal) *idempotency.Guard {
	opts := []idempotency.Option{
		idempotency.WithRetention(retention),
		idempotency.WithShards(cfg.Idempotency.Shards),
	}
	if m != nil {
		opts = append(opts, idempotency.WithMetrics(m))
	}
	if journal != nil {
		opts = append(opts, idempotency.WithJournal(journal))
	}
	return idempotency.New(opts...)
}
