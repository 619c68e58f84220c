package pgxsource

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandb/pivot/config"
	"github.com/meridiandb/pivot/failover"
	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/topology"
)

// Conn adapts one *pgx.Conn to failover.PhysicalConn. It is bound to a
// single host for its whole lifetime; failover replaces it rather than
// repointing it.
type Conn struct {
	conn *pgx.Conn
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// Raw exposes the underlying pgx connection for callers that need query
// access beyond the failover surface. The returned connection must not be
// closed directly.
func (c *Conn) Raw() *pgx.Conn {
	return c.conn
}

// Dialer establishes physical pgx connections to individual cluster hosts.
type Dialer struct {
	user     string
	password string
	dbName   string
	port     string
	tls      bool
}

// NewDialer builds a dialer from the shared database configuration. The port
// comes from the metadata section since all cluster members listen on the
// same port.
func NewDialer(cfg config.DatabaseConfig) (*Dialer, error) {
	port := "5432"
	if cfg.Metadata != nil {
		p, err := cfg.Metadata.GetPort()
		if err != nil {
			return nil, err
		}
		port = p
	}
	return &Dialer{
		user:     cfg.User,
		password: cfg.Password,
		dbName:   cfg.Name,
		port:     port,
		tls:      cfg.TLSMode,
	}, nil
}

// Dial connects to one host. The caller bounds the connect with ctx.
func (d *Dialer) Dial(ctx context.Context, host topology.HostInfo) (failover.PhysicalConn, error) {
	connString := fmt.Sprintf("%s:%s", host.Endpoint, d.port)
	connConfig, err := pgx.ParseConfig(buildConnString(d.user, d.password, host.Endpoint, d.port, d.dbName, d.tls, 0))
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string for %s: %w", connString, err)
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", connString, err)
	}

	logger.Debug("Established physical connection", "component", "PGX-SOURCE", "host", host.Endpoint, "role", string(host.Role))
	return &Conn{conn: conn}, nil
}
