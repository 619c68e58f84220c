// Package pgxsource binds the failover engine to PostgreSQL-compatible
// clusters through pgx: the topology metadata source, the physical
// connection dialer and the health prober.
package pgxsource

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridiandb/pivot/config"
	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/pkg/retry"
	"github.com/meridiandb/pivot/topology"
)

// topologyQuery reads the cluster membership from the metadata function
// exposed by Aurora-compatible clusters. The writer is the host whose
// session_id equals MASTER_SESSION_ID.
const topologyQuery = `
	SELECT server_id,
	       CASE WHEN session_id = 'MASTER_SESSION_ID' THEN true ELSE false END AS is_writer,
	       last_update_timestamp
	  FROM aurora_replica_status()`

// TopologySource implements topology.Source over a pgx metadata pool. Any
// cluster member can answer the topology query, so the pool may point at a
// cluster endpoint rather than one fixed host.
type TopologySource struct {
	pool        *pgxpool.Pool
	hostPattern string
}

// NewTopologySource wraps a metadata pool. hostPattern turns the cluster's
// host IDs into connectable endpoints and must contain exactly one '?'.
func NewTopologySource(pool *pgxpool.Pool, hostPattern string) (*TopologySource, error) {
	if err := topology.ValidatePattern(hostPattern); err != nil {
		return nil, err
	}
	return &TopologySource{pool: pool, hostPattern: hostPattern}, nil
}

// QueryTopology fetches the current cluster membership.
func (s *TopologySource) QueryTopology(ctx context.Context) ([]topology.HostInfo, error) {
	rows, err := s.pool.Query(ctx, topologyQuery)
	if err != nil {
		return nil, fmt.Errorf("topology query failed: %w", err)
	}
	defer rows.Close()

	var hosts []topology.HostInfo
	for rows.Next() {
		var (
			serverID    string
			isWriter    bool
			lastUpdated *time.Time
		)
		if err := rows.Scan(&serverID, &isWriter, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan topology row: %w", err)
		}

		role := topology.RoleReader
		if isWriter {
			role = topology.RoleWriter
		}
		endpoint, err := topology.ResolveEndpoint(s.hostPattern, serverID)
		if err != nil {
			return nil, err
		}
		host := topology.HostInfo{
			HostID:       serverID,
			Endpoint:     endpoint,
			Role:         role,
			Availability: topology.Available,
		}
		if lastUpdated != nil {
			host.LastUpdated = *lastUpdated
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read topology rows: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("metadata source returned an empty topology")
	}
	return hosts, nil
}

// NewMetadataPool creates the pgx pool backing the topology source. One of
// the configured metadata hosts is selected at random; establishment is
// retried with backoff since the engine often starts while the cluster is
// still settling.
func NewMetadataPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	meta := cfg.Metadata
	if meta == nil || len(meta.Hosts) == 0 {
		return nil, fmt.Errorf("at least one metadata host must be specified")
	}

	port, err := meta.GetPort()
	if err != nil {
		return nil, err
	}
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}

	selectedHost := meta.Hosts[rand.Intn(len(meta.Hosts))]
	connString := buildConnString(cfg.User, cfg.Password, selectedHost, port, cfg.Name, cfg.TLSMode, connectTimeout)

	logger.Infof("Connecting to metadata source: postgres://%s@%s:%s/%s", cfg.User, selectedHost, port, cfg.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse metadata connection string: %w", err)
	}
	if meta.MaxConns > 0 {
		poolConfig.MaxConns = int32(meta.MaxConns)
	}
	if meta.MinConns > 0 {
		poolConfig.MinConns = int32(meta.MinConns)
	}

	var pool *pgxpool.Pool
	err = retry.WithRetry(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			// Pool construction only fails on bad configuration, which no
			// amount of retrying will fix.
			return retry.Stop(fmt.Errorf("failed to create metadata pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("failed to reach metadata source: %w", err)
		}
		pool = p
		return nil
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func buildConnString(user, password, host, port, dbname string, tls bool, connectTimeout time.Duration) string {
	sslMode := "disable"
	if tls {
		sslMode = "require"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, dbname, sslMode)
	if connectTimeout > 0 {
		connString += fmt.Sprintf("&connect_timeout=%d", int(connectTimeout.Seconds()))
	}
	return connString
}
