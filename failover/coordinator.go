// Package failover implements transparent failover for logical connections
// to a clustered database with one writer and N readers.
//
// A Conn is the caller-visible handle. It owns exactly one physical
// connection at a time; when the backing host becomes unreachable the
// Coordinator suspends caller operations, rediscovers the cluster topology,
// probes candidate hosts and atomically swaps the physical connection
// underneath the same handle. The caller's in-flight operation always
// unwinds with ErrFailoverSuccess or ErrFailoverFailed, never a silent
// success against a dead or wrong host.
package failover

import (
	"context"
	"math/rand"
	"time"

	"github.com/meridiandb/pivot/config"
	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/pkg/metrics"
	"github.com/meridiandb/pivot/pkg/retry"
	"github.com/meridiandb/pivot/topology"
)

// PhysicalConn is an opaque, non-reusable session to one concrete host. Once
// invalidated it is never reused; the coordinator always dials a fresh one.
type PhysicalConn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer establishes a physical connection to one host. The passed context
// carries the per-candidate connect timeout.
type Dialer interface {
	Dial(ctx context.Context, host topology.HostInfo) (PhysicalConn, error)
}

// Config controls the failover coordinator.
type Config struct {
	Enabled bool
	// Timeout is the overall budget for one failover cycle, measured from
	// the moment the connection is suspended.
	Timeout time.Duration
	// ConnectTimeout bounds each candidate connect so one unreachable host
	// cannot consume the whole budget.
	ConnectTimeout time.Duration
	// Mode decides the writer/reader precedence (config.Mode* values).
	Mode           string
	ReaderFailover bool
	WriterFailover bool
	// Backoff paces repeated topology polls within one cycle.
	Backoff retry.BackoffConfig
}

// NewConfig builds a coordinator Config from the file configuration.
func NewConfig(fc config.FailoverConfig) (Config, error) {
	timeout, err := fc.GetTimeout()
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := fc.GetConnectTimeout()
	if err != nil {
		return Config{}, err
	}
	mode := fc.Mode
	if mode == "" {
		mode = config.ModeReaderOrWriter
	}
	return Config{
		Enabled:        fc.Enabled,
		Timeout:        timeout,
		ConnectTimeout: connectTimeout,
		Mode:           mode,
		ReaderFailover: fc.ReaderFailover(),
		WriterFailover: fc.WriterFailover(),
		Backoff:        defaultCycleBackoff(),
	}, nil
}

// defaultCycleBackoff paces topology re-polls within a cycle. The schedule
// stays well below typical cycle budgets so a short budget still gets
// several polls.
func defaultCycleBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      1.5,
		Jitter:          true,
	}
}

// Outcome is the discriminated result of a failover cycle. The two sentinel
// errors are derived from it only at the caller-facing boundary.
type Outcome int

const (
	OutcomeRebound Outcome = iota
	OutcomeExhausted
)

func (o Outcome) String() string {
	if o == OutcomeRebound {
		return "REBOUND"
	}
	return "EXHAUSTED"
}

// CandidateResult records one candidate connect attempt within a cycle.
type CandidateResult struct {
	Host topology.HostInfo
	Err  error
}

// Result is the outcome of one failover cycle.
type Result struct {
	Outcome Outcome
	Host    topology.HostInfo
	Conn    PhysicalConn
	Tried   []CandidateResult
}

// attempt is the transient record of an in-progress cycle: which hosts were
// tried and how each one failed. Discarded when the cycle completes.
type attempt struct {
	target topology.HostRole
	tried  map[string]bool
	order  []CandidateResult
}

func newAttempt(target topology.HostRole) *attempt {
	return &attempt{target: target, tried: make(map[string]bool)}
}

func (a *attempt) record(host topology.HostInfo, err error) {
	a.tried[host.HostID] = true
	a.order = append(a.order, CandidateResult{Host: host, Err: err})
}

func (a *attempt) hasTried(hostID string) bool {
	return a.tried[hostID]
}

// Coordinator owns the failover state machine. It is stateless across cycles
// and may be shared by any number of logical connections.
type Coordinator struct {
	provider *topology.Provider
	dialer   Dialer
	cfg      Config
}

// NewCoordinator creates a coordinator over a topology provider and a dialer.
func NewCoordinator(provider *topology.Provider, dialer Dialer, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = defaultCycleBackoff()
	}
	return &Coordinator{provider: provider, dialer: dialer, cfg: cfg}
}

// Config returns the coordinator configuration.
func (co *Coordinator) Config() Config {
	return co.cfg
}

// Run executes one failover cycle for a connection whose host of the given
// role has failed. The failed host is never retried within a reader cycle.
// observe, if non-nil, receives state transitions. Errors from individual
// candidates are recorded in Result.Tried, never surfaced on their own.
func (co *Coordinator) Run(ctx context.Context, target topology.HostRole, failedHostID string, observe func(State)) Result {
	if observe == nil {
		observe = func(State) {}
	}

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, co.cfg.Timeout)
	defer cancel()

	att := newAttempt(target)

	var res Result
	switch {
	case target == topology.RoleWriter || co.cfg.Mode == config.ModeStrictWriter:
		if co.cfg.WriterFailover {
			res = co.writerFailover(cycleCtx, att, observe)
		} else {
			logger.Warn("Writer failover is disabled, giving up", "component", "FAILOVER", "failed_host", failedHostID)
			res = Result{Outcome: OutcomeExhausted}
		}
	default:
		att.tried[failedHostID] = true
		switch {
		case co.cfg.ReaderFailover:
			fallback := co.cfg.Mode == config.ModeReaderOrWriter
			res = co.readerFailover(cycleCtx, att, fallback, observe)
		case co.cfg.WriterFailover && co.cfg.Mode != config.ModeStrictReader:
			res = co.writerFailover(cycleCtx, att, observe)
		default:
			logger.Warn("Reader failover is disabled, giving up", "component", "FAILOVER", "failed_host", failedHostID)
			res = Result{Outcome: OutcomeExhausted}
		}
	}

	elapsed := time.Since(start)
	metrics.FailoversTotal.WithLabelValues(string(target), res.Outcome.String()).Inc()
	metrics.FailoverDuration.WithLabelValues(string(target), res.Outcome.String()).Observe(elapsed.Seconds())

	if res.Outcome == OutcomeRebound {
		logger.Info("Failover cycle complete", "component", "FAILOVER", "outcome", res.Outcome.String(), "new_host", res.Host.Endpoint, "candidates_tried", len(res.Tried), "elapsed", elapsed.String())
	} else {
		logger.Warn("Failover cycle exhausted", "component", "FAILOVER", "target_role", string(target), "candidates_tried", len(res.Tried), "elapsed", elapsed.String())
	}
	return res
}

// writerFailover repeatedly refreshes the topology until it resolves a
// writer that accepts a connection, because a writer election on the cluster
// side may lag the client's detection of the failure.
func (co *Coordinator) writerFailover(ctx context.Context, att *attempt, observe func(State)) Result {
	backoff := retry.ExponentialBackoff(co.cfg.Backoff)

	for try := 1; ; try++ {
		observe(StateDiscovering)
		topo, err := co.provider.Refresh(ctx)
		if err != nil {
			logger.Debug("Topology unavailable during writer failover", "component", "FAILOVER", "error", err)
		} else if writer, ok := topo.Writer(); ok {
			conn, derr := co.dialCandidate(ctx, writer, observe)
			if derr == nil {
				att.record(writer, nil)
				return Result{Outcome: OutcomeRebound, Host: writer, Conn: conn, Tried: att.order}
			}
			att.record(writer, derr)
		}

		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeExhausted, Tried: att.order}
		case <-time.After(backoff(try)):
		}
	}
}

// readerFailover walks the available readers in random order, excluding
// hosts already tried in this attempt. When no reader is reachable and
// fallback is allowed, the writer host is tried as a last candidate.
func (co *Coordinator) readerFailover(ctx context.Context, att *attempt, writerFallback bool, observe func(State)) Result {
	backoff := retry.ExponentialBackoff(co.cfg.Backoff)

	for try := 1; ; try++ {
		observe(StateDiscovering)
		topo, err := co.provider.Refresh(ctx)
		if err != nil {
			logger.Debug("Topology unavailable during reader failover", "component", "FAILOVER", "error", err)
		} else {
			for _, cand := range shuffleHosts(availableReaders(topo, att)) {
				conn, derr := co.dialCandidate(ctx, cand, observe)
				if derr == nil {
					att.record(cand, nil)
					return Result{Outcome: OutcomeRebound, Host: cand, Conn: conn, Tried: att.order}
				}
				att.record(cand, derr)
				if ctx.Err() != nil {
					return Result{Outcome: OutcomeExhausted, Tried: att.order}
				}
			}

			if writerFallback {
				if writer, ok := topo.Writer(); ok && !att.hasTried(writer.HostID) {
					conn, derr := co.dialCandidate(ctx, writer, observe)
					if derr == nil {
						att.record(writer, nil)
						return Result{Outcome: OutcomeRebound, Host: writer, Conn: conn, Tried: att.order}
					}
					att.record(writer, derr)
				}
			}
		}

		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeExhausted, Tried: att.order}
		case <-time.After(backoff(try)):
		}
	}
}

// dialCandidate attempts one physical connect bounded by the per-candidate
// timeout. If the cycle was abandoned while the dial was in flight, the
// fresh connection is closed so nothing leaks.
func (co *Coordinator) dialCandidate(ctx context.Context, host topology.HostInfo, observe func(State)) (PhysicalConn, error) {
	observe(StateReconnecting)

	dialCtx, cancel := context.WithTimeout(ctx, co.cfg.ConnectTimeout)
	defer cancel()

	conn, err := co.dialer.Dial(dialCtx, host)
	if err != nil {
		metrics.CandidateConnectsTotal.WithLabelValues(string(host.Role), "failure").Inc()
		logger.Debug("Candidate connect failed", "component", "FAILOVER", "host", host.Endpoint, "error", err)
		return nil, err
	}
	if ctx.Err() != nil {
		_ = conn.Close(context.Background())
		metrics.CandidateConnectsTotal.WithLabelValues(string(host.Role), "abandoned").Inc()
		return nil, ctx.Err()
	}

	metrics.CandidateConnectsTotal.WithLabelValues(string(host.Role), "success").Inc()
	return conn, nil
}

func availableReaders(topo *topology.ClusterTopology, att *attempt) []topology.HostInfo {
	var out []topology.HostInfo
	for _, h := range topo.Readers() {
		if h.Availability == topology.Unavailable {
			continue
		}
		if att.hasTried(h.HostID) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func shuffleHosts(hosts []topology.HostInfo) []topology.HostInfo {
	rand.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
	return hosts
}
