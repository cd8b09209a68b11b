// Package catalog is the PostgreSQL-backed metadata store: the study, series
// and instance hierarchy, the ingest audit trail, forwarding destinations and
// the forward job rows the queue operates on.
//
// All coordination state lives here. The object store holds bytes; every
// decision (what exists, what still needs forwarding, what failed and why)
// is answered by catalog queries.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openimagery/dicomgw/internal/logger"
)

// Config holds the PostgreSQL connection settings. URL, when set, wins over
// the discrete fields.
type Config struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`

	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "dicomgw"
	}
	if c.User == "" {
		c.User = "dicomgw"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 16
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = time.Minute
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 30 * time.Second
	}
}

// ConnectionString renders the config as a pgx connection string.
func (c *Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// Catalog wraps the connection pool with the gateway's queries.
type Catalog struct {
	pool *pgxpool.Pool
}

// New creates the connection pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	cfg.ApplyDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.QueryTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%dms", cfg.QueryTimeout.Milliseconds())
	}

	logger.Info("connecting to catalog database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"max_conns", cfg.MaxConns,
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	return &Catalog{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Used by tests and by the queue, which
// shares the catalog's pool.
func NewWithPool(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// Pool exposes the underlying pool for components that share it.
func (c *Catalog) Pool() *pgxpool.Pool { return c.pool }

// Ping verifies database connectivity, for health checks.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the connection pool.
func (c *Catalog) Close() {
	logger.Info("closing catalog connection pool")
	c.pool.Close()
}
