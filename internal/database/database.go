package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/sessionbox/internal/config"
	"github.com/itstheanurag/sessionbox/internal/journal"
)

const DatabasePingTimeout = 10

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          UUID PRIMARY KEY,
	event       TEXT NOT NULL,
	identity    TEXT NOT NULL,
	runtime_ref TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_identity_idx ON session_events (identity, occurred_at);
`

const insertEvent = `
INSERT INTO session_events (id, event, identity, runtime_ref, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`

type Database struct {
	Pool *pgxpool.Pool
	log  *zerolog.Logger
}

// queryLogger traces statements at debug level.
type queryLogger struct {
	log *zerolog.Logger
}

type queryStartKey struct{}

func (q *queryLogger) TraceQueryStart(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (q *queryLogger) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	ev := q.log.Debug()
	if data.Err != nil {
		ev = q.log.Warn().Err(data.Err)
	}
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		ev = ev.Dur("duration", time.Since(start))
	}
	ev.Str("command", data.CommandTag.String()).Msg("query finished")
}

// connString builds a postgres URL; the password is escaped.
func connString(conf config.DbConfig) string {
	host := net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		conf.User,
		url.QueryEscape(conf.Password),
		host,
		conf.Name,
		conf.SSLMode,
	)
}

func New(conf *config.Config, log *zerolog.Logger) (*Database, error) {
	dsn := connString(conf.Db)

	pgxPoolConfig, err := pgxpool.ParseConfig(dsn)

	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pgxPoolConfig.ConnConfig.RuntimeParams["application_name"] = "sessionbox"
	pgxPoolConfig.ConnConfig.Tracer = &queryLogger{log: log}

	pgxPoolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), pgxPoolConfig)

	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DatabasePingTimeout*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Msg("database connection established")

	return &Database{Pool: pool, log: log}, nil
}

// Record appends a lifecycle event to session_events.
func (db *Database) Record(ctx context.Context, ev journal.Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := db.Pool.Exec(ctx, insertEvent,
		uuid.NewString(),
		string(ev.Type),
		ev.Identity,
		ev.RuntimeRef,
		ev.Detail,
		ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Type, err)
	}
	return nil
}

func (db *Database) Close() error {
	db.log.Info().Msg("Closing database connection pool")
	db.Pool.Close()
	return nil
}

var _ journal.Recorder = (*Database)(nil)
