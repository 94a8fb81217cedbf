// Package ratelimit implements the per-instance token gate bounding
// outbound query rate to a single host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedigraph/fedigraph/internal/telemetry"
)

// Config holds gate configuration.
type Config struct {
	// RPS is the per-host request ceiling. Non-positive means unlimited.
	RPS float64
	// Burst is the token bucket depth per host.
	Burst int
}

// ReleaseFunc signals that the request guarded by Acquire has completed.
// Calling it more than once is a no-op.
type ReleaseFunc func()

type hostGate struct {
	limiter  *rate.Limiter
	inflight int
}

// Gate manages one token bucket per instance host, created lazily on first
// use. Gates are fully independent: traffic to one host never delays
// another.
type Gate struct {
	mu    sync.Mutex
	hosts map[string]*hostGate
	limit rate.Limit
	burst int
}

// New creates a Gate.
func New(cfg Config) *Gate {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		hosts: make(map[string]*hostGate),
		limit: limit,
		burst: burst,
	}
}

// Acquire blocks until issuing one request to host would not exceed the
// configured ceiling, or until the context ends. On success the returned
// release handle must be called exactly once; Acquire pairs every
// successful and failed wait with exactly one release internally so a
// stuck handle can never starve the host's later requests.
func (g *Gate) Acquire(ctx context.Context, host string) (ReleaseFunc, error) {
	g.mu.Lock()
	hg, ok := g.hosts[host]
	if !ok {
		hg = &hostGate{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.hosts[host] = hg
	}
	hg.inflight++
	g.mu.Unlock()

	start := time.Now()
	if err := hg.limiter.Wait(ctx); err != nil {
		g.release(host)
		return nil, fmt.Errorf("rate gate wait for %s: %w", host, err)
	}
	telemetry.ObserveGateDelay(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { g.release(host) })
	}, nil
}

func (g *Gate) release(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if hg, ok := g.hosts[host]; ok && hg.inflight > 0 {
		hg.inflight--
	}
}

// Forget drops the gate for a host whose crawl has completed. The gate is
// kept if requests are still in flight, e.g. racing paginated calls.
func (g *Gate) Forget(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if hg, ok := g.hosts[host]; ok && hg.inflight == 0 {
		delete(g.hosts, host)
	}
}

// ActiveHosts reports how many per-host gates currently exist.
func (g *Gate) ActiveHosts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}
