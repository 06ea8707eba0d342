package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/db"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/index"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/logger"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

// DefaultBatchSize bounds a batch when the caller does not choose one.
const DefaultBatchSize = 100

// ErrQueueMissing is returned by Sync and Status when the outbox table has
// not been provisioned yet.
var ErrQueueMissing = errors.New("sync queue table does not exist; run setup first")

// Tx is one batch transaction: claim, row fetch and acknowledgment share it
// so rollback returns every claimed entry to the queue.
type Tx interface {
	ClaimEntries(ctx context.Context, tables []string, limit int) ([]db.Entry, error)
	FetchRows(ctx context.Context, table string, ids []string) (map[string]transform.Document, error)
	DeleteEntries(ctx context.Context, ids []int64) error
	Commit() error
	Rollback() error
}

// Store is the queue-side contract the engine consumes.
type Store interface {
	QueueExists(ctx context.Context) (bool, error)
	QueueDepth(ctx context.Context, tables []string) (int64, error)
	QueueStats(ctx context.Context) (*db.QueueStats, error)
	Begin(ctx context.Context) (Tx, error)
}

// Index is the target-index contract the engine consumes.
type Index interface {
	ImportDocuments(ctx context.Context, collection string, docs []transform.Document) ([]index.ImportResult, error)
	DeleteDocument(ctx context.Context, collection, id string) error
}

// Engine drains the change queue in bounded batches: claim under row locks,
// deduplicate, fetch, transform, reconcile with the index, acknowledge.
type Engine struct {
	store     Store
	index     Index
	registry  *mapping.Registry
	batchSize int
}

// New builds an engine over an open store and index client. The registry
// determines which tables this run consumes.
func New(store Store, idx Index, reg *mapping.Registry, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{store: store, index: idx, registry: reg, batchSize: batchSize}
}

// Result reports what one Sync invocation did.
type Result struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Batches   int    `json:"batches"`
	Upserts   int    `json:"upserts"`
	Deletes   int    `json:"deletes"`
}

// Status is the read-only queue view exposed to the operational layer.
type Status struct {
	QueueExists bool           `json:"queue_exists"`
	Queue       *db.QueueStats `json:"queue,omitempty"`
}

// Sync processes the queue until it is drained for the configured tables or
// a batch fails. A failed batch rolls back in full, leaving its entries
// queued for the next invocation; the returned Result still carries the
// progress of the batches that committed.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}

	exists, err := e.store.QueueExists(ctx)
	if err != nil {
		return result, err
	}
	if !exists {
		return result, ErrQueueMissing
	}

	depth, err := e.store.QueueDepth(ctx, e.registry.Names())
	if err != nil {
		return result, err
	}
	logger.Info("sync_started", "run", result.RunID, "pending", depth, "batch_size", e.batchSize)
	if depth == 0 {
		return result, nil
	}

	for {
		claimed, err := e.runBatch(ctx, result)
		if err != nil {
			return result, err
		}
		if claimed == 0 {
			break
		}
	}

	logger.Info("sync_finished", "run", result.RunID,
		"processed", result.Processed, "batches", result.Batches,
		"upserts", result.Upserts, "deletes", result.Deletes)
	return result, nil
}

// Status reports queue depth, age range and per-table/operation breakdown.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	exists, err := e.store.QueueExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Status{}, nil
	}
	stats, err := e.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{QueueExists: true, Queue: stats}, nil
}

// runBatch executes one claim→reconcile→ack cycle. It returns the number of
// claimed entries; zero means the queue is drained. Any failure after the
// claim rolls the whole transaction back.
func (e *Engine) runBatch(ctx context.Context, result *Result) (claimed int, err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	entries, err := tx.ClaimEntries(ctx, e.registry.Names(), e.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		tx.Rollback()
		return 0, nil
	}

	fetchIDs, deletes := e.categorize(result.RunID, dedupe(entries))

	upserts := make(map[string][]transform.Document)
	for _, tm := range e.registry.Tables() {
		ids := fetchIDs[tm.Name]
		if len(ids) == 0 {
			continue
		}
		records, err := tx.FetchRows(ctx, tm.Name, ids)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			row, found := records[id]
			if !found {
				// Row deleted after being queued for insert/update.
				deletes[tm.Collection] = append(deletes[tm.Collection], id)
				continue
			}
			doc, err := transform.Apply(row, tm)
			if err != nil {
				// Per-record failure: skip the document, keep the batch.
				// The entry is still acknowledged below.
				logger.Warn("transform_failed", "run", result.RunID,
					"table", tm.Name, "record", id, "error", err)
				continue
			}
			upserts[tm.Collection] = append(upserts[tm.Collection], doc)
		}
	}

	if err := e.reconcile(ctx, result, upserts, deletes); err != nil {
		return 0, err
	}

	// Acknowledge the entire claimed set, including deduped-away and
	// unknown-table entries.
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if err := tx.DeleteEntries(ctx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	result.Processed += len(entries)
	result.Batches++
	logger.Debug("batch_committed", "run", result.RunID, "entries", len(entries))
	return len(entries), nil
}

// dedupe reduces claimed entries to one operation per (record, table). The
// entry with the greatest created_at wins; on equal timestamps the later
// claim position wins, which is the greater queue id given the claim order.
// The surviving entries keep their claim order.
func dedupe(entries []db.Entry) []db.Entry {
	type key struct{ record, table string }

	winners := make(map[key]int, len(entries))
	for i, entry := range entries {
		k := key{entry.RecordID, entry.TableName}
		prev, seen := winners[k]
		if !seen || !entry.CreatedAt.Before(entries[prev].CreatedAt) {
			winners[k] = i
		}
	}

	deduped := make([]db.Entry, 0, len(winners))
	for i, entry := range entries {
		if winners[key{entry.RecordID, entry.TableName}] == i {
			deduped = append(deduped, entry)
		}
	}
	return deduped
}

// categorize splits surviving entries into per-table fetch lists and
// per-collection delete lists. Entries for tables outside the registry are
// dropped with a warning; they are still acknowledged with the batch.
func (e *Engine) categorize(runID string, entries []db.Entry) (map[string][]string, map[string][]string) {
	fetchIDs := make(map[string][]string)
	deletes := make(map[string][]string)

	for _, entry := range entries {
		tm := e.registry.Lookup(entry.TableName)
		if tm == nil {
			logger.Warn("unknown_table_in_queue", "run", runID,
				"table", entry.TableName, "record", entry.RecordID)
			continue
		}
		switch entry.Operation {
		case db.OpInsert, db.OpUpdate:
			fetchIDs[entry.TableName] = append(fetchIDs[entry.TableName], entry.RecordID)
		case db.OpDelete:
			deletes[tm.Collection] = append(deletes[tm.Collection], entry.RecordID)
		default:
			logger.Warn("unknown_operation_in_queue", "run", runID,
				"table", entry.TableName, "record", entry.RecordID, "operation", entry.Operation)
		}
	}
	return fetchIDs, deletes
}

// reconcile applies the batch to the index: bulk upsert per collection, then
// per-document deletes. Any failure, including a single rejected document,
// fails the whole batch.
func (e *Engine) reconcile(ctx context.Context, result *Result, upserts map[string][]transform.Document, deletes map[string][]string) error {
	for _, collection := range sortedKeys(upserts) {
		docs := upserts[collection]
		results, err := e.index.ImportDocuments(ctx, collection, docs)
		if err != nil {
			return fmt.Errorf("upsert to collection %q: %w", collection, err)
		}
		rejected := 0
		for _, r := range results {
			if !r.Success {
				rejected++
				logger.Warn("document_rejected", "run", result.RunID,
					"collection", collection, "error", r.Error)
			}
		}
		if rejected > 0 {
			return fmt.Errorf("collection %q rejected %d of %d documents", collection, rejected, len(docs))
		}
		result.Upserts += len(docs)
	}

	for _, collection := range sortedKeys(deletes) {
		for _, id := range deletes[collection] {
			if err := e.index.DeleteDocument(ctx, collection, id); err != nil {
				return fmt.Errorf("delete %s from collection %q: %w", id, collection, err)
			}
			result.Deletes++
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WrapStore adapts the concrete PostgreSQL store to the engine's Store
// interface.
func WrapStore(s *db.Store) Store {
	return sqlStore{s}
}

type sqlStore struct {
	*db.Store
}

func (s sqlStore) Begin(ctx context.Context) (Tx, error) {
	return s.Store.Begin(ctx)
}
