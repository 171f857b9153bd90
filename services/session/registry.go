package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/pkg/rediskey"
)

// Factory builds a fresh client for a site. Injected so tests can substitute
// fakes for the HTTP client.
type Factory func(site config.SiteConfig, cfg *config.Config) API

// SessionSaver persists the current token snapshot for a site.
type SessionSaver interface {
	SaveSession(ctx context.Context, siteKey, token string) error
}

// Registry owns the shared per-site session clients. Mutations serialize on
// one lock; reads snapshot under RLock and can never observe a client
// mid-replacement because entries are swapped whole.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]API
	ready   bool

	cfg     *config.Config
	factory Factory
	saver   SessionSaver
	rdb     *redis.Client
}

type RegistryParams struct {
	fx.In
	Config  *config.Config
	Factory Factory
	Saver   SessionSaver  `optional:"true"`
	Redis   *redis.Client `optional:"true"`
}

func NewRegistry(p RegistryParams) *Registry {
	return &Registry{
		clients: make(map[string]API),
		cfg:     p.Config,
		factory: p.Factory,
		saver:   p.Saver,
		rdb:     p.Redis,
	}
}

// InitializeAll logs into every configured site once. It reports full success
// only when all sites authenticate, but whichever clients did succeed are
// exposed for degraded operation.
func (r *Registry) InitializeAll(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return true
	}

	success := 0
	for _, site := range r.cfg.Sites {
		client := r.factory(site, r.cfg)
		if err := client.Login(ctx); err != nil {
			zap.L().Error("session login failed", zap.String("site", site.Key), zap.Error(err))
			continue
		}
		r.clients[site.Key] = client
		r.persist(ctx, site.Key, client.Token())
		success++
		zap.L().Info("session established", zap.String("site", site.Key))
	}

	r.ready = success == len(r.cfg.Sites)
	return r.ready
}

// IsReady reports whether every configured site authenticated.
func (r *Registry) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Get returns the current client for a site, or nil.
func (r *Registry) Get(siteKey string) API {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[siteKey]
}

// Refresh builds a brand-new client and swaps it in only after a successful
// login. A failed refresh leaves the previous client in place so in-flight
// work can keep retrying.
func (r *Registry) Refresh(ctx context.Context, siteKey string) bool {
	var site config.SiteConfig
	var found bool
	for _, s := range r.cfg.Sites {
		if s.Key == siteKey {
			site, found = s, true
			break
		}
	}
	if !found {
		return false
	}

	client := r.factory(site, r.cfg)
	if err := client.Login(ctx); err != nil {
		zap.L().Error("session refresh failed", zap.String("site", siteKey), zap.Error(err))
		return false
	}

	r.mu.Lock()
	r.clients[siteKey] = client
	r.mu.Unlock()

	r.persist(ctx, siteKey, client.Token())
	zap.L().Info("session refreshed", zap.String("site", siteKey))
	return true
}

// ClaimAllRewards invokes each site's reward claim sequentially; one site's
// failure never prevents attempting the rest. Results are keyed by site name.
func (r *Registry) ClaimAllRewards(ctx context.Context) map[string]RewardResult {
	r.mu.RLock()
	snapshot := make(map[config.SiteConfig]API, len(r.clients))
	for _, site := range r.cfg.Sites {
		if client, ok := r.clients[site.Key]; ok {
			snapshot[site] = client
		}
	}
	r.mu.RUnlock()

	results := make(map[string]RewardResult, len(snapshot))
	for site, client := range snapshot {
		res := client.ClaimReward(ctx)
		results[site.Name] = res
		if res.Claimed {
			zap.L().Info("reward claimed", zap.String("site", site.Key))
		} else {
			zap.L().Info("reward not claimed", zap.String("site", site.Key), zap.String("msg", res.Message))
		}
	}
	return results
}

func (r *Registry) persist(ctx context.Context, siteKey, token string) {
	if r.saver != nil {
		if err := r.saver.SaveSession(ctx, siteKey, token); err != nil {
			zap.L().Warn("session snapshot not persisted", zap.String("site", siteKey), zap.Error(err))
		}
	}
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, rediskey.BuildSessionKey(siteKey), token, 24*time.Hour).Err(); err != nil {
			zap.L().Warn("session snapshot not mirrored", zap.String("site", siteKey), zap.Error(err))
		}
	}
}
