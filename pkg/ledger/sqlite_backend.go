package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists entries in an embedded SQLite database. Suited to
// deployments that archive the ledger with SQL tooling rather than shipping
// JSONL files.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence     INTEGER PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	entry_type   TEXT NOT NULL,
	session      TEXT NOT NULL,
	payload      TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	this_hash    TEXT NOT NULL
);
`

// NewSQLiteBackend opens (or creates) a SQLite ledger at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// prev_hash linkage requires a total order; a single connection keeps
	// the embedded engine honest about it.
	db.SetMaxOpenConns(1)
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBackend wraps an existing database handle. Used by tests to inject
// failing connections.
func NewSQLBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.ExecContext(context.Background(), sqliteSchema)
	if err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Persist(ctx context.Context, e *Entry) error {
	const query = `INSERT INTO ledger_entries
		(sequence, timestamp, entry_type, session, payload, payload_hash, prev_hash, this_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := b.db.ExecContext(ctx, query,
		e.Sequence,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.EntryType),
		e.Session,
		string(e.Payload),
		e.PayloadHash,
		e.PrevHash,
		e.ThisHash,
	)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]*Entry, error) {
	const query = `SELECT sequence, timestamp, entry_type, session, payload, payload_hash, prev_hash, this_hash
		FROM ledger_entries ORDER BY sequence ASC`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			payload string
			et      string
		)
		if err := rows.Scan(&e.Sequence, &ts, &et, &e.Session, &payload, &e.PayloadHash, &e.PrevHash, &e.ThisHash); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d timestamp %q: %w", e.Sequence, ts, err)
		}
		e.Timestamp = parsed
		e.EntryType = EntryType(et)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
