package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

// QueueTable is the outbox table populated by the database triggers.
const QueueTable = "typesense_sync_queue"

// Entry is one pending mutation in the change queue. Entries are append-only:
// created by triggers, deleted by the consumer after the effect is applied.
type Entry struct {
	ID        int64
	RecordID  string
	TableName string
	Operation string
	CreatedAt time.Time
}

// Queue operation types, as written by the triggers.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// QueueBreakdown is the pending-entry count for one (table, operation) pair.
type QueueBreakdown struct {
	TableName string `json:"table_name"`
	Operation string `json:"operation_type"`
	Count     int64  `json:"count"`
}

// QueueStats summarizes the pending queue for status reporting.
type QueueStats struct {
	Total     int64            `json:"total"`
	Oldest    *time.Time       `json:"oldest,omitempty"`
	Newest    *time.Time       `json:"newest,omitempty"`
	Breakdown []QueueBreakdown `json:"breakdown,omitempty"`
}

// QueueExists reports whether the outbox table has been provisioned.
func (s *Store) QueueExists(ctx context.Context) (bool, error) {
	return s.tableExists(ctx, QueueTable)
}

// QueueDepth counts pending entries, optionally restricted to a table set.
func (s *Store) QueueDepth(ctx context.Context, tables []string) (int64, error) {
	var count int64
	var err error
	if len(tables) == 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM typesense_sync_queue`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM typesense_sync_queue WHERE table_name = ANY($1)`,
			pq.Array(tables)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("db: queue depth: %w", err)
	}
	return count, nil
}

// QueueStats gathers depth, age range and a per-table/operation breakdown.
func (s *Store) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at), MAX(created_at)
		FROM typesense_sync_queue
	`).Scan(&stats.Total, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("db: queue stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = &oldest.Time
	}
	if newest.Valid {
		stats.Newest = &newest.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, operation_type, COUNT(*)
		FROM typesense_sync_queue
		GROUP BY table_name, operation_type
		ORDER BY table_name, operation_type
	`)
	if err != nil {
		return nil, fmt.Errorf("db: queue breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b QueueBreakdown
		if err := rows.Scan(&b.TableName, &b.Operation, &b.Count); err != nil {
			return nil, fmt.Errorf("db: queue breakdown: %w", err)
		}
		stats.Breakdown = append(stats.Breakdown, b)
	}
	return stats, rows.Err()
}

// Begin starts the batch transaction. Claim, row fetch and acknowledgment all
// run inside it so a crash or failure releases the claimed entries untouched.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db: begin batch: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one batch transaction against the queue and source tables.
type Tx struct {
	tx *sql.Tx
}

// ClaimEntries locks and returns up to limit pending entries for the given
// tables, oldest first with the queue id as the explicit tie-break. SKIP
// LOCKED keeps concurrent consumers from ever observing the same entry.
func (t *Tx) ClaimEntries(ctx context.Context, tables []string, limit int) ([]Entry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, record_id, table_name, operation_type, created_at
		FROM typesense_sync_queue
		WHERE table_name = ANY($1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, pq.Array(tables), limit)
	if err != nil {
		return nil, fmt.Errorf("db: claim entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RecordID, &e.TableName, &e.Operation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FetchRows loads the current state of the given records, keyed by their id
// rendered as text. A record missing from the result was deleted after being
// queued; the caller turns it into a delete.
func (t *Tx) FetchRows(ctx context.Context, table string, ids []string) (map[string]transform.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE id::text = ANY($1)`, pq.QuoteIdentifier(table))
	rows, err := t.tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("db: fetch rows from %q: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("db: columns of %q: %w", table, err)
	}

	records := make(map[string]transform.Document)
	for rows.Next() {
		doc, err := scanRow(rows, columns)
		if err != nil {
			return nil, fmt.Errorf("db: scan row from %q: %w", table, err)
		}
		records[fmt.Sprintf("%v", doc["id"])] = doc
	}
	return records, rows.Err()
}

// DeleteEntries acknowledges queue entries by id. Must run in the same
// transaction as the claim, after the effects are applied.
func (t *Tx) DeleteEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM typesense_sync_queue WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("db: delete entries: %w", err)
	}
	return nil
}

// Commit finalizes the batch: claimed entries are gone and locks released.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("db: commit batch: %w", err)
	}
	return nil
}

// Rollback releases the batch's locks, returning its entries to the queue.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
