package sinks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/render-gateway/internal/events"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JournalConfig controls the Postgres connection pool used by the journal.
type JournalConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JournalSink appends pool events to a Postgres table.
type JournalSink struct {
	pool   execCloser
	table  string
	insert string
}

// NewJournalSink connects to Postgres and returns a journal sink.
func NewJournalSink(ctx context.Context, cfg JournalConfig) (*JournalSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewJournalSinkWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewJournalSinkWithPool constructs a journal from an existing pool (primarily for testing).
func NewJournalSinkWithPool(pool execCloser, table string) (*JournalSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pool_events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JournalSink{
		pool:  pool,
		table: table,
		insert: fmt.Sprintf(`INSERT INTO %s
(kind, ts, browser_id, reason, memory_mb, pool_size, healthy, unhealthy)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, table),
	}, nil
}

// Consume inserts one row per event; a failed row does not stop the rest.
func (s *JournalSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		_, err := s.pool.Exec(ctx, s.insert,
			string(evt.Kind),
			evt.TS.UTC(),
			nullable(evt.BrowserID),
			nullable(evt.Reason),
			evt.MemoryMB,
			evt.PoolSize,
			evt.Healthy,
			evt.Unhealthy,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert %s event: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the pool.
func (s *JournalSink) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
