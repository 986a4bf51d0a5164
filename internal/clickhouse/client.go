// Package clickhouse connects to the optional ClickHouse analytics mirror.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/retry"
)

// Options describe the ClickHouse endpoint
type Options struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Client wraps a ClickHouse connection with retrying helpers
type Client struct {
	conn     clickhouse.Conn
	retryCfg retry.Config
}

// NewClient opens a connection and pings it with retry
func NewClient(ctx context.Context, opts Options, retryCfg retry.Config) (*Client, error) {
	username := opts.Username
	if username == "" {
		username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", opts.Host).
		Int("port", opts.Port).
		Str("database", opts.Database).
		Msg("Connected to ClickHouse")

	return &Client{conn: conn, retryCfg: retryCfg}, nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() clickhouse.Conn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

// Query executes a SELECT query with retry
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (driver.Rows, error) {
		return c.conn.Query(ctx, query, args...)
	})
}

// Exec executes a non-SELECT statement with retry
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
}

// InsertRows sends rows as one batch for the INSERT query, retrying the
// whole batch on transient failures
func (c *Client) InsertRows(ctx context.Context, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	return retry.Do(ctx, c.retryCfg, func() error {
		batch, err := c.conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, row := range rows {
			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	})
}

// EnsureSchema creates the mirror tables if they do not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create clickhouse schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracking_events (
		record_hash        String,
		reference_number   String,
		shipping_unit_ref  Nullable(String),
		status             LowCardinality(String),
		description        Nullable(String),
		event_time         DateTime64(3),
		location           Nullable(String),
		log_file_name      String,
		log_timestamp      DateTime64(3),
		created_at         DateTime64(3)
	) ENGINE = ReplacingMergeTree(created_at)
	ORDER BY (reference_number, event_time, status, log_file_name)`,

	`CREATE TABLE IF NOT EXISTS file_reading_progress (
		timestamp        DateTime64(3),
		folder_path      String,
		file_path        String,
		file_name        String,
		generation       Int64,
		file_size_bytes  Int64,
		offset_bytes     Int64,
		records_saved    Int64,
		records_total    Int64,
		last_error       String
	) ENGINE = ReplacingMergeTree(timestamp)
	ORDER BY (folder_path, file_path)`,
}
