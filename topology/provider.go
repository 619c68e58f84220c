package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/pkg/circuitbreaker"
	"github.com/meridiandb/pivot/pkg/metrics"
)

// Source fetches the current member list and roles from the cluster's
// metadata view. Implementations must honor ctx cancellation.
type Source interface {
	QueryTopology(ctx context.Context) ([]HostInfo, error)
}

// Options configures a Provider.
type Options struct {
	// CacheTTL is how long a snapshot stays fresh for Get.
	CacheTTL time.Duration
	// RefreshTimeout bounds one metadata fetch.
	RefreshTimeout time.Duration
	// Breaker guards the metadata source. A nil breaker gets defaults.
	Breaker *circuitbreaker.CircuitBreaker
}

// Provider caches cluster topology snapshots with TTL-based invalidation
// and an explicit refresh API. Concurrent refreshes collapse onto a single
// in-flight fetch, so a cluster-wide event never produces a thundering herd
// against the metadata source.
type Provider struct {
	source  Source
	ttl     time.Duration
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker

	group singleflight.Group

	mu     sync.RWMutex
	cached *ClusterTopology
}

// NewProvider creates a topology provider over the given source.
func NewProvider(source Source, opts Options) *Provider {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 5 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		settings := circuitbreaker.DefaultSettings("topology_source")
		settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Info("Topology source circuit breaker state changed", "component", "TOPOLOGY", "name", name, "from", from.String(), "to", to.String())
		}
		breaker = circuitbreaker.NewCircuitBreaker(settings)
	}
	return &Provider{
		source:  source,
		ttl:     opts.CacheTTL,
		timeout: opts.RefreshTimeout,
		breaker: breaker,
	}
}

// Cached returns the last known snapshot without any network I/O. It may be
// nil before the first successful refresh.
func (p *Provider) Cached() *ClusterTopology {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached
}

// Get returns the cached snapshot if it is still fresh, refreshing otherwise.
func (p *Provider) Get(ctx context.Context) (*ClusterTopology, error) {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()

	if cached != nil && cached.Age() < p.ttl {
		return cached, nil
	}
	return p.Refresh(ctx)
}

// Refresh fetches the topology from the metadata source. Concurrent calls
// share one fetch and all observe the same resulting snapshot. If the fetch
// fails and a cached snapshot exists, the stale snapshot is returned and the
// failure is logged: topology staleness is preferable to blocking a failover
// cycle on a metadata outage.
func (p *Provider) Refresh(ctx context.Context) (*ClusterTopology, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		// The fetch is shared by every collapsed caller, so it must not
		// inherit the initiating caller's cancellation. It is bounded by
		// the provider's own refresh timeout instead.
		return p.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClusterTopology), nil
}

func (p *Provider) fetch(ctx context.Context) (*ClusterTopology, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.source.QueryTopology(fetchCtx)
	})
	metrics.TopologyRefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.mu.RLock()
		stale := p.cached
		p.mu.RUnlock()

		if stale != nil {
			metrics.TopologyRefreshesTotal.WithLabelValues("stale").Inc()
			logger.Warn("Topology refresh failed, serving stale snapshot", "component", "TOPOLOGY", "age", stale.Age().String(), "error", err)
			return stale, nil
		}
		metrics.TopologyRefreshesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("topology refresh failed with no cached snapshot: %w", err)
	}

	hosts := res.([]HostInfo)
	snapshot := NewClusterTopology(hosts, time.Now())
	metrics.TopologyRefreshesTotal.WithLabelValues("success").Inc()

	p.mu.Lock()
	// A racing refresh may already have stored a newer snapshot; the older
	// one never replaces it.
	if p.cached == nil || !snapshot.FetchedAt().Before(p.cached.FetchedAt()) {
		p.cached = snapshot
	}
	current := p.cached
	p.mu.Unlock()

	writers := 0
	if _, ok := current.Writer(); ok {
		writers = 1
	}
	metrics.TopologyHosts.WithLabelValues(string(RoleWriter)).Set(float64(writers))
	metrics.TopologyHosts.WithLabelValues(string(RoleReader)).Set(float64(len(current.Readers())))

	logger.Debug("Topology refreshed", "component", "TOPOLOGY", "hosts", current.Size(), "readers", len(current.Readers()))
	return current, nil
}
