package limiter

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"golang.org/x/sync/semaphore"

	"otplink/internal/config"
)

var Module = fx.Module("limiter",
	fx.Provide(New),
)

// Pool bounds concurrent outbound requests per site. Each site has its own
// gate; congestion on one site never blocks another.
type Pool struct {
	mu       sync.Mutex
	gates    map[string]*semaphore.Weighted
	capacity int64
}

func New(cfg *config.Config) *Pool {
	return &Pool{
		gates:    make(map[string]*semaphore.Weighted),
		capacity: cfg.Pipeline.MaxPerSite,
	}
}

func (p *Pool) gate(siteKey string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gates[siteKey]
	if !ok {
		g = semaphore.NewWeighted(p.capacity)
		p.gates[siteKey] = g
	}
	return g
}

// Acquire blocks until a slot for the site is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context, siteKey string) error {
	return p.gate(siteKey).Acquire(ctx, 1)
}

// TryAcquire grabs a slot without blocking.
func (p *Pool) TryAcquire(siteKey string) bool {
	return p.gate(siteKey).TryAcquire(1)
}

// Release must run on every exit path that acquired a slot.
func (p *Pool) Release(siteKey string) {
	p.gate(siteKey).Release(1)
}
