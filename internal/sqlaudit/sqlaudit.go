// Package sqlaudit mirrors audit log entries into a Postgres table for
// reporting. The table is insert-only; the local hash-chained log stays
// the source of truth.
package sqlaudit

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Config selects the mirror table
type Config struct {
	DSN     string
	Table   string
	Timeout time.Duration
}

// Sink writes audit entries to SQL. It implements wal.Mirror.
type Sink struct {
	db      *sql.DB
	table   string
	timeout time.Duration
	logger  *telemetry.Logger
}

// Open connects to Postgres and prepares the mirror table
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := New(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle
func New(db *sql.DB, cfg Config) (*Sink, error) {
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid audit table name %q", types.ErrConfiguration, cfg.Table)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sink{
		db:      db,
		table:   cfg.Table,
		timeout: cfg.Timeout,
		logger:  telemetry.NewLogger("sqlaudit"),
	}, nil
}

// Init creates the table if it is missing
func (s *Sink) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	schema := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	sequence BIGINT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	data JSONB,
	error TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create audit table: %v", types.ErrUnavailable, err)
	}
	return nil
}

// Mirror inserts one entry. Replays of an already mirrored sequence are
// ignored.
func (s *Sink) Mirror(ctx context.Context, e wal.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO ` + s.table + ` (sequence, recorded_at, kind, subject, data, error, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING`

	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.Timestamp.UTC(), string(e.Kind), e.Subject, data, e.Error, e.PrevHash, e.Hash,
	)
	if err != nil {
		s.logger.WithContext(ctx).Warn().
			Err(err).
			Uint64("sequence", e.Sequence).
			Msg("audit mirror insert failed")
		return fmt.Errorf("%w: mirror entry %d: %v", types.ErrUnavailable, e.Sequence, err)
	}
	return nil
}

// Ping checks the connection
func (s *Sink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *Sink) Close() error {
	return s.db.Close()
}

var _ wal.Mirror = (*Sink)(nil)
