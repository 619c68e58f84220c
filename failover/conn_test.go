package failover

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/pivot/monitor"
	"github.com/meridiandb/pivot/topology"
)

func newTestConn(t *testing.T, accept map[string]bool, script [][]topology.HostInfo, cfg Config) (*Conn, *fakePhysConn, *fakeDialer) {
	t.Helper()

	source := &scriptedSource{script: script}
	dialer := &fakeDialer{accept: accept}
	co := NewCoordinator(newTestProvider(source), dialer, cfg)

	initial := host("w", topology.RoleWriter)
	phys := &fakePhysConn{host: "w"}
	conn := NewConn(co, phys, initial)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn, phys, dialer
}

func TestDoPassesThroughOrdinaryErrors(t *testing.T) {
	conn, _, dialer := newTestConn(t, nil, [][]topology.HostInfo{{host("w", topology.RoleWriter)}}, testCoordinatorConfig(time.Second))

	queryErr := errors.New("syntax error at or near SELECT")
	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return queryErr
	})

	assert.Equal(t, queryErr, err, "non-communication errors must pass through untouched")
	assert.Empty(t, dialer.dialedHosts(), "no failover should have started")
	assert.Equal(t, StateActive, conn.State())
	assert.True(t, conn.IsValid())
}

func TestDoTriggersFailoverOnCommunicationError(t *testing.T) {
	script := [][]topology.HostInfo{{
		host("w2", topology.RoleWriter),
		host("r1", topology.RoleReader),
	}}
	conn, oldPhys, _ := newTestConn(t, map[string]bool{"w2": true}, script, testCoordinatorConfig(2*time.Second))

	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})

	require.True(t, IsFailoverSuccess(err), "expected the success signal, got %v", err)
	assert.Equal(t, "w2", conn.Host().HostID, "handle should be bound to the new writer")
	assert.Equal(t, StateActive, conn.State())
	assert.True(t, conn.IsValid())
	assert.True(t, oldPhys.IsClosed(), "the dead physical connection must be released")

	// The handle works again without any caller-side reconnect.
	err = conn.Ping(context.Background())
	assert.NoError(t, err)
}

func TestDoReturnsFailureSignalWhenExhausted(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	cfg := testCoordinatorConfig(200 * time.Millisecond)
	conn, _, _ := newTestConn(t, map[string]bool{}, script, cfg)

	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})

	require.True(t, IsFailoverFailed(err), "expected the failure signal, got %v", err)
	assert.True(t, ShouldEvict(err))
	assert.False(t, conn.IsValid())
	assert.Equal(t, StateFailed, conn.State())

	// Every subsequent operation fails fast with the invalid marker.
	err = conn.Ping(context.Background())
	assert.ErrorIs(t, err, ErrConnectionInvalid)
}

func TestDisabledFailoverSurfacesOriginalError(t *testing.T) {
	cfg := testCoordinatorConfig(time.Second)
	cfg.Enabled = false
	conn, phys, dialer := newTestConn(t, map[string]bool{"w2": true}, [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}, cfg)

	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})

	assert.ErrorIs(t, err, io.EOF, "with failover disabled the original error surfaces")
	assert.False(t, IsFailoverSuccess(err))
	assert.False(t, IsFailoverFailed(err))
	assert.False(t, conn.IsValid())
	assert.Empty(t, dialer.dialedHosts())
	assert.True(t, phys.IsClosed())
}

func TestFailoverBudgetSurvivesExpiredOperationContext(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	conn, oldPhys, _ := newTestConn(t, map[string]bool{"w2": true}, script, testCoordinatorConfig(2*time.Second))

	// A statement timeout classifies as a communication error, so the
	// triggering operation's context is already expired when the cycle
	// starts. The cycle still gets its full budget.
	opCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-opCtx.Done()

	err := conn.Do(opCtx, func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})

	require.True(t, IsFailoverSuccess(err), "expected the success signal, got %v", err)
	assert.Equal(t, "w2", conn.Host().HostID, "handle should be bound to the new writer")
	assert.Equal(t, StateActive, conn.State())
	assert.True(t, conn.IsValid(), "a reachable cluster must not yield a dead handle")
	assert.True(t, oldPhys.IsClosed())
}

func TestMonitorSignalDeliversPendingOutcome(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	conn, oldPhys, _ := newTestConn(t, map[string]bool{"w2": true}, script, testCoordinatorConfig(2*time.Second))

	conn.onMonitorSignal()

	// The background cycle rebinds the handle and parks the success signal
	// for the next foreground operation.
	var err error
	require.Eventually(t, func() bool {
		err = conn.Ping(context.Background())
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "the parked signal never surfaced")

	assert.True(t, IsFailoverSuccess(err), "expected the success signal, got %v", err)
	assert.Equal(t, "w2", conn.Host().HostID)
	assert.True(t, oldPhys.IsClosed())

	// The signal is delivered exactly once.
	assert.NoError(t, conn.Ping(context.Background()))
}

func TestStaleMonitorSignalIsDropped(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	conn, _, dialer := newTestConn(t, map[string]bool{"w2": true}, script, testCoordinatorConfig(2*time.Second))

	// A foreground failover moves the connection first.
	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})
	require.True(t, IsFailoverSuccess(err))
	dialsAfterFailover := len(dialer.dialedHosts())

	// Pretend the monitor signaled while a rebind was in flight: the signal
	// captures the pre-rebind generation and must be dropped.
	conn.opMu.Lock()
	conn.onMonitorSignal()
	conn.gen.Add(1)
	conn.opMu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, conn.Ping(context.Background()), "a stale signal must not trigger another cycle")
	assert.Equal(t, dialsAfterFailover, len(dialer.dialedHosts()))
}

func TestCloseAbortsInFlightFailover(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	cfg := testCoordinatorConfig(30 * time.Second) // budget far beyond the test
	conn, _, dialer := newTestConn(t, map[string]bool{}, script, cfg)
	dialer.block = true

	opDone := make(chan error, 1)
	go func() {
		opDone <- conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
			return io.EOF
		})
	}()

	// Let the cycle reach the blocking dial before closing.
	require.Eventually(t, func() bool {
		return len(dialer.dialedHosts()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- conn.Close(context.Background()) }()

	select {
	case err := <-closeDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not abort the in-flight failover cycle")
	}

	select {
	case err := <-opDone:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("the suspended operation never unwound after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, phys, _ := newTestConn(t, nil, [][]topology.HostInfo{{host("w", topology.RoleWriter)}}, testCoordinatorConfig(time.Second))

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, conn.Close(context.Background()))
	assert.True(t, phys.IsClosed())

	err := conn.Ping(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// closableProber is a healthy prober that records whether its side channel
// was released.
type closableProber struct {
	closed atomic.Bool
}

func (p *closableProber) Probe(ctx context.Context) error { return nil }
func (p *closableProber) Close()                          { p.closed.Store(true) }

func TestCloseReleasesProberSideChannel(t *testing.T) {
	conn, _, _ := newTestConn(t, nil, [][]topology.HostInfo{{host("w", topology.RoleWriter)}}, testCoordinatorConfig(time.Second))

	prober := &closableProber{}
	conn.AttachMonitor(prober, monitor.Config{Interval: time.Hour})

	require.NoError(t, conn.Close(context.Background()))
	assert.True(t, prober.closed.Load(), "the prober side channel must be released with the connection")
}

func TestRebindSwapsHostAndConnectionTogether(t *testing.T) {
	script := [][]topology.HostInfo{{host("w2", topology.RoleWriter)}}
	conn, _, _ := newTestConn(t, map[string]bool{"w2": true}, script, testCoordinatorConfig(2*time.Second))

	before := conn.Host()
	err := conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		return io.EOF
	})
	require.True(t, IsFailoverSuccess(err))

	after := conn.Host()
	assert.NotEqual(t, before.HostID, after.HostID)

	// Operations after the rebind run against the new physical connection.
	err = conn.Do(context.Background(), func(ctx context.Context, phys PhysicalConn) error {
		fake, ok := phys.(*fakePhysConn)
		require.True(t, ok)
		assert.Equal(t, "w2", fake.host)
		return nil
	})
	assert.NoError(t, err)
}
