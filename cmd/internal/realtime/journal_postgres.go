package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJournal is a Journal backed by PostgreSQL.
//
// Ownership model:
// - PostgresJournal does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Entries are keyed by (board_id, seq); re-appending the same key is ignored,
// so a retried write never duplicates a row.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresJournal behavior.
type PostgresOption func(*PostgresJournal) error

// WithSchema sets the DB schema used by the journal (default: "whiteboard").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(j *PostgresJournal) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		j.schema = schema
		return nil
	}
}

// NewPostgresJournal constructs a Postgres-backed Journal.
func NewPostgresJournal(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresJournal, error) {
	j := &PostgresJournal{
		pool:   pool,
		schema: "whiteboard",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(j); err != nil {
			return nil, err
		}
	}
	if j.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return j, nil
}

// Close is a no-op because the pool is owned by the caller.
func (j *PostgresJournal) Close() error { return nil }

// EnsureSchema creates the journal schema and table when missing.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	if j == nil || j.pool == nil {
		return errors.New("realtime: nil journal")
	}

	schema := pgx.Identifier{j.schema}.Sanitize()
	table := pgIdent(j.schema, "board_journal")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  board_id    TEXT        NOT NULL,
  seq         BIGINT      NOT NULL,
  session_id  TEXT        NOT NULL,
  op          TEXT        NOT NULL CHECK (op IN ('draw', 'undo', 'redo', 'clear')),
  shape       JSONB,
  recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (board_id, seq)
);`, schema, table)

	if _, err := j.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

// Append inserts one entry.
func (j *PostgresJournal) Append(ctx context.Context, e JournalEntry) error {
	if j == nil || j.pool == nil {
		return errors.New("realtime: nil journal")
	}
	if e.BoardID == "" || e.Op == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var shape []byte
	if e.Shape != nil {
		b, err := json.Marshal(e.Shape)
		if err != nil {
			return fmt.Errorf("encode shape: %w", err)
		}
		shape = b
	}

	table := pgIdent(j.schema, "board_journal")

	if _, err := j.pool.Exec(ctx,
		`INSERT INTO `+table+` (board_id, seq, session_id, op, shape, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (board_id, seq) DO NOTHING`,
		e.BoardID, e.Seq, e.SessionID, e.Op, shape, at,
	); err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Count returns the number of journal rows for boardID.
func (j *PostgresJournal) Count(ctx context.Context, boardID string) (int64, error) {
	if j == nil || j.pool == nil {
		return 0, errors.New("realtime: nil journal")
	}

	var n int64
	err := j.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(j.schema, "board_journal")+` WHERE board_id = $1`,
		boardID,
	).Scan(&n)
	return n, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
