package pgxsource

import (
	"context"
	"sync"

	"github.com/meridiandb/pivot/failover"
	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/topology"
)

// Prober checks host liveness for the health monitor over its own
// side-channel connection, so probes never share the session being
// monitored and a probe timeout cannot interfere with a running query.
//
// The side channel is lazy: it is (re)established on the first probe after
// construction, after a failed probe, or after a rebind.
type Prober struct {
	dialer *Dialer

	mu   sync.Mutex
	host topology.HostInfo
	conn failover.PhysicalConn
}

// NewProber creates a prober for the given host.
func NewProber(dialer *Dialer, host topology.HostInfo) *Prober {
	return &Prober{dialer: dialer, host: host}
}

// Probe checks the host once. Establishing the side channel counts as part
// of the probe: an unreachable host fails here, under the probe timeout.
func (p *Prober) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.dialer.Dial(ctx, p.host)
		if err != nil {
			return err
		}
		p.conn = conn
	}

	if err := p.conn.Ping(ctx); err != nil {
		// Drop the side channel so the next probe dials fresh instead of
		// pinging a wedged connection.
		_ = p.conn.Close(context.Background())
		p.conn = nil
		return err
	}
	return nil
}

// Rebind points the prober at a different host after failover. The old side
// channel is discarded.
func (p *Prober) Rebind(host topology.HostInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close(context.Background())
	}
	p.conn = nil
	p.host = host
	logger.Debug("Prober rebound", "component", "PGX-SOURCE", "host", host.Endpoint)
}

// Close releases the side channel.
func (p *Prober) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close(context.Background())
	}
	p.conn = nil
}
