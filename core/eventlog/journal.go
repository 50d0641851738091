package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"nftescrow/core/events"
	"nftescrow/core/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Record is one journaled event.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// Journal persists committed engine events to SQLite so that clients can
// replay them by sequence number.
type Journal struct {
	db    *sql.DB
	nowFn func() time.Time
}

// Open creates or opens the journal at path. ":memory:" yields a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`
	_, err := j.db.Exec(schema)
	return err
}

// SetNowFunc overrides the clock used for timestamps.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		j.nowFn = time.Now
		return
	}
	j.nowFn = now
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores evt and returns its sequence number.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (int64, error) {
	if evt == nil {
		return 0, fmt.Errorf("eventlog: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	const stmt = `INSERT INTO events(type, payload, created_at) VALUES (?, ?, ?)`
	res, err := j.db.ExecContext(ctx, stmt, evt.Type, string(payload), j.nowFn().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Emit implements events.Emitter. Write failures are logged; the engine
// state they describe is already committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt.Event()); err != nil {
		slog.Error("eventlog: append failed", "type", evt.EventType(), "error", err)
	}
}

// Since returns up to limit records with a sequence greater than after.
func (j *Journal) Since(ctx context.Context, after int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	const query = `SELECT sequence, type, payload, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("eventlog: decode event %d: %w", rec.Sequence, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Last returns the highest sequence number written so far.
func (j *Journal) Last(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
