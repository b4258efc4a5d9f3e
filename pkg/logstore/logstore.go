// Package logstore provides the durable, append-only log of accepted replica
// mutations. Records are immutable once written and are never reordered or
// deleted while the document exists; replaying them in stored order is the
// only valid reconstruction order.
package logstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one logged replica mutation. Seq is the monotonic log position
// and breaks timestamp ties. ActorID is empty when the mutation had no
// attributable actor.
type Record struct {
	Seq        int64
	ID         string
	DocumentID string
	Timestamp  time.Time
	ActorID    string
	Payload    []byte
}

// Store is a sqlite-backed update log. The single-connection pool keeps
// appends from one process in arrival order.
type Store struct {
	db *sql.DB
}

// Open creates or opens the update log at path. WAL mode keeps reads
// concurrent with the single writer; the schema create is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS updates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		document_id TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		actor_id TEXT,
		payload TEXT NOT NULL
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_updates_document ON updates(document_id, seq)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably writes one mutation payload, verbatim, with a
// server-observed timestamp. It returns only once the row is written. Appends
// from the same process are never reordered relative to each other.
func (s *Store) Append(ctx context.Context, documentID string, payload []byte, actorID string) (Record, error) {
	rec := Record{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		// Millisecond precision, matching what the ts_ms column stores, so
		// the returned record equals the one ListOrdered reads back.
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		ActorID:   actorID,
		Payload:   payload,
	}
	var actor sql.NullString
	if actorID != "" {
		actor = sql.NullString{String: actorID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (id, document_id, ts_ms, actor_id, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, documentID, rec.Timestamp.UnixMilli(), actor, base64.StdEncoding.EncodeToString(payload),
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to append update: %w", err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("failed to read log position: %w", err)
	}
	return rec, nil
}

// ListOrdered returns all records for a document in log-position order.
func (s *Store) ListOrdered(ctx context.Context, documentID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, document_id, ts_ms, actor_id, payload FROM updates WHERE document_id = ? ORDER BY seq ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tsMs int64
		var actor sql.NullString
		var rawPayload string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.DocumentID, &tsMs, &actor, &rawPayload); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMs).UTC()
		rec.ActorID = actor.String
		if rec.Payload, err = base64.StdEncoding.DecodeString(rawPayload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate updates: %w", err)
	}
	return out, nil
}

// Documents returns the distinct document ids present in the log.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM updates ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}
