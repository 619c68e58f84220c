package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/monitor"
	"github.com/meridiandb/pivot/topology"
)

// RebindableProber is an optional extension of monitor.Prober for probers
// that hold their own side channel to the monitored host and need to follow
// the connection when it is rebound to a different host.
type RebindableProber interface {
	monitor.Prober
	Rebind(host topology.HostInfo)
}

// binding pairs a physical connection with the host it is connected to.
// Swapped as a unit so observers never see a host/connection mismatch.
type binding struct {
	phys PhysicalConn
	host topology.HostInfo
}

// Conn is a logical connection: a stable handle whose backing physical
// connection may be replaced by failover without the caller reconnecting.
//
// Foreground operations are serialized with rebinds through opMu, so an
// operation never observes a half-swapped binding. Monitor signals arrive on
// a background goroutine; the resulting failover outcome is parked in
// pending and delivered to the next foreground operation.
type Conn struct {
	coordinator *Coordinator

	bound atomic.Pointer[binding]
	// gen counts rebinds. A monitor signal captured under an older
	// generation is stale and dropped, so one dead host cannot trigger a
	// second cycle after the first one already moved the connection.
	gen    atomic.Uint64
	state  atomic.Int32
	closed atomic.Bool

	opMu    sync.Mutex
	pending error

	mon    *monitor.Monitor
	prober monitor.Prober

	lifeCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConn wraps an established physical connection to the given host.
func NewConn(coordinator *Coordinator, phys PhysicalConn, host topology.HostInfo) *Conn {
	c := &Conn{coordinator: coordinator}
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())
	c.bound.Store(&binding{phys: phys, host: host})
	c.state.Store(int32(StateActive))
	return c
}

// AttachMonitor starts background health monitoring of the bound host.
// When the monitor declares the host unhealthy, a failover cycle is started
// without waiting for a foreground operation to hit the dead host.
func (c *Conn) AttachMonitor(prober monitor.Prober, cfg monitor.Config) {
	b := c.bound.Load()
	c.prober = prober
	c.mon = monitor.New(b.host.Endpoint, prober, cfg, c.onMonitorSignal)
	c.mon.Start(c.lifeCtx)
}

// Host returns the host the connection is currently bound to.
func (c *Conn) Host() topology.HostInfo {
	return c.bound.Load().host
}

// State returns the current failover state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsValid reports whether the handle can still serve operations.
func (c *Conn) IsValid() bool {
	return !c.closed.Load() && c.State() != StateFailed
}

// MonitorState returns the health monitor snapshot, if a monitor is attached.
func (c *Conn) MonitorState() (monitor.Snapshot, bool) {
	if c.mon == nil {
		return monitor.Snapshot{}, false
	}
	return c.mon.State(), true
}

// Ping checks the bound physical connection.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Do(ctx, func(ctx context.Context, phys PhysicalConn) error {
		return phys.Ping(ctx)
	})
}

// Exec runs a statement on the bound physical connection.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) error {
	return c.Do(ctx, func(ctx context.Context, phys PhysicalConn) error {
		return phys.Exec(ctx, sql, args...)
	})
}

// Do runs fn against the bound physical connection. If fn fails with a
// communication error, a failover cycle runs inline and Do returns
// ErrFailoverSuccess (rebound to a new host, session state lost, retry the
// operation) or ErrFailoverFailed (handle is now invalid). Non-communication
// errors from fn pass through unchanged.
func (c *Conn) Do(ctx context.Context, fn func(ctx context.Context, phys PhysicalConn) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.pending; err != nil {
		c.pending = nil
		return err
	}
	if c.State() == StateFailed {
		return ErrConnectionInvalid
	}

	b := c.bound.Load()
	err := fn(ctx, b.phys)
	if err == nil || !IsCommunicationError(err) {
		return err
	}

	logger.Warn("Operation hit a communication error, starting failover", "component", "FAILOVER", "host", b.host.Endpoint, "error", err)
	return c.failoverLocked(err)
}

// Close releases the handle. Safe to call concurrently with operations and
// during an in-flight failover cycle; the cycle is aborted and never binds a
// new host to a closed handle.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	if c.mon != nil {
		c.mon.Stop()
		// Probers that hold their own side channel release it with the
		// connection; the pgx prober keeps a dedicated monitoring conn.
		if closer, ok := c.prober.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	c.wg.Wait()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	b := c.bound.Load()
	if b != nil && !b.phys.IsClosed() {
		return b.phys.Close(ctx)
	}
	return nil
}

// failoverLocked runs one failover cycle. opMu must be held. The returned
// error is what the triggering operation should surface.
func (c *Conn) failoverLocked(cause error) error {
	b := c.bound.Load()

	if !c.coordinator.Config().Enabled {
		c.invalidateLocked()
		return cause
	}

	c.setState(StateSuspended)

	// The cycle runs under the connection's life context, not the
	// triggering operation's: a statement timeout classifies as a
	// communication error, so the operation's deadline may already be
	// expired when the cycle starts. The recovery budget is the
	// coordinator's own timeout; only Close aborts the cycle early.
	runCtx, cancelRun := context.WithCancel(c.lifeCtx)
	defer cancelRun()

	res := c.coordinator.Run(runCtx, b.host.Role, b.host.HostID, c.setState)

	if res.Outcome == OutcomeRebound {
		c.rebindLocked(res.Conn, res.Host)
		return fmt.Errorf("%w: moved from %s to %s: %v", ErrFailoverSuccess, b.host.Endpoint, res.Host.Endpoint, cause)
	}

	c.setState(StateExhausted)
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.invalidateLocked()
	return fmt.Errorf("%w: %v", ErrFailoverFailed, cause)
}

// rebindLocked atomically swaps the binding to a fresh physical connection.
// opMu must be held.
func (c *Conn) rebindLocked(phys PhysicalConn, host topology.HostInfo) {
	c.setState(StateRebound)

	old := c.bound.Swap(&binding{phys: phys, host: host})
	c.gen.Add(1)

	if old != nil && !old.phys.IsClosed() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = old.phys.Close(closeCtx)
		cancel()
	}

	if c.mon != nil {
		if rp, ok := c.prober.(RebindableProber); ok {
			rp.Rebind(host)
		}
		c.mon.Rebind(host.Endpoint)
	}

	c.setState(StateActive)
}

// invalidateLocked marks the handle permanently failed and closes the bound
// physical connection. opMu must be held.
func (c *Conn) invalidateLocked() {
	c.setState(StateFailed)
	b := c.bound.Load()
	if b != nil && !b.phys.IsClosed() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.phys.Close(closeCtx)
		cancel()
	}
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// onMonitorSignal handles an unhealthy verdict from the health monitor. The
// cycle runs on its own goroutine so the monitor loop is never blocked; the
// outcome is delivered to the next foreground operation.
func (c *Conn) onMonitorSignal() {
	genAtSignal := c.gen.Load()
	host := c.bound.Load().host

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.opMu.Lock()
		defer c.opMu.Unlock()

		if c.closed.Load() || c.State() == StateFailed {
			return
		}
		if c.gen.Load() != genAtSignal {
			// A foreground operation already moved the connection while
			// this signal was queued.
			logger.Debug("Dropping stale monitor signal", "component", "FAILOVER", "host", host.Endpoint)
			return
		}

		logger.Warn("Monitor declared host unhealthy, starting failover", "component", "FAILOVER", "host", host.Endpoint)
		err := c.failoverLocked(fmt.Errorf("host %s: %w", host.Endpoint, errHostUnavailable))
		if errors.Is(err, ErrFailoverSuccess) || errors.Is(err, ErrFailoverFailed) {
			c.pending = err
		}
	}()
}
