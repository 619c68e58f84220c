package failover

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Terminal signals of a failover cycle. The caller's in-flight operation
// always unwinds with exactly one of these; there is never a silent success
// against the old host.
var (
	// ErrFailoverSuccess means the connection is alive again but bound to a
	// different host. The in-flight operation did not complete and must be
	// retried from scratch; any transaction and session state is lost. A pool
	// must keep the connection (its next validity check decides). This is the
	// "communication link changed" outcome, distinct from a plain
	// communication failure.
	ErrFailoverSuccess = errors.New("the active connection has changed due to a failover, retry the operation")

	// ErrFailoverFailed means no reachable host was found within the failover
	// budget. The connection is permanently invalid; a pool must evict it.
	ErrFailoverFailed = errors.New("unable to reconnect to any cluster host, the connection is no longer usable")

	// ErrConnectionInvalid is returned by every operation after a failed
	// failover. ShouldEvict treats it the same as ErrFailoverFailed.
	ErrConnectionInvalid = errors.New("connection has been invalidated by a failed failover")

	// ErrConnectionClosed is returned after Close.
	ErrConnectionClosed = errors.New("connection is closed")

	// errHostUnavailable is the internal cause used when the health monitor,
	// rather than a failed operation, confirms the host down.
	errHostUnavailable = errors.New("host confirmed unavailable by health monitor")
)

// IsFailoverSuccess reports whether err carries the success signal.
func IsFailoverSuccess(err error) bool {
	return errors.Is(err, ErrFailoverSuccess)
}

// IsFailoverFailed reports whether err carries the failure signal.
func IsFailoverFailed(err error) bool {
	return errors.Is(err, ErrFailoverFailed)
}

// ShouldEvict tells a connection pool whether the connection that produced
// err must be discarded. Success-signal errors leave the connection usable;
// failure-signal errors and invalidated connections do not.
func ShouldEvict(err error) bool {
	return errors.Is(err, ErrFailoverFailed) || errors.Is(err, ErrConnectionInvalid)
}

// IsCommunicationError classifies err as a communication-level failure that
// indicates the host may be unavailable, as opposed to an ordinary query
// error. Only communication errors escalate into a failover cycle.
func IsCommunicationError(err error) bool {
	if err == nil {
		return false
	}

	// Caller-initiated cancellation is not a host failure.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: Connection Exception.
		// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		// Class 57: operator intervention (server shutdown, crash).
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
