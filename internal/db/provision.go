package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/logger"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
)

// Trigger function appending one queue entry per row mutation. The physical
// table name doubles as the logical name.
const triggerFunctionSQL = `
CREATE OR REPLACE FUNCTION log_changes_for_typesense()
RETURNS TRIGGER AS $$
BEGIN
	IF (TG_OP = 'DELETE') THEN
		INSERT INTO typesense_sync_queue (record_id, table_name, operation_type)
		VALUES (OLD.id::TEXT, TG_TABLE_NAME, 'DELETE');
		RETURN OLD;
	ELSE
		INSERT INTO typesense_sync_queue (record_id, table_name, operation_type)
		VALUES (NEW.id::TEXT, TG_TABLE_NAME, TG_OP);
		RETURN NEW;
	END IF;
END;
$$ LANGUAGE plpgsql;
`

// View-aware variant: the logical tracked name is passed as TG_ARGV[0] so a
// trigger on a reference table enqueues entries under the view's name.
const namedTriggerFunctionSQL = `
CREATE OR REPLACE FUNCTION log_changes_for_typesense_with_name()
RETURNS TRIGGER AS $$
DECLARE
	target_table_name TEXT;
BEGIN
	target_table_name := TG_ARGV[0];

	IF (TG_OP = 'DELETE') THEN
		INSERT INTO typesense_sync_queue (record_id, table_name, operation_type)
		VALUES (OLD.id::TEXT, target_table_name, 'DELETE');
		RETURN OLD;
	ELSE
		INSERT INTO typesense_sync_queue (record_id, table_name, operation_type)
		VALUES (NEW.id::TEXT, target_table_name, TG_OP);
		RETURN NEW;
	END IF;
END;
$$ LANGUAGE plpgsql;
`

// ValidateSources verifies every configured table or view exists, that views
// declare a reference table, and that declared reference tables exist.
func (s *Store) ValidateSources(ctx context.Context, reg *mapping.Registry) error {
	var missing, missingRefs []string

	for _, tm := range reg.Tables() {
		exists, err := s.tableExists(ctx, tm.Name)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, tm.Name)
			continue
		}

		view, err := s.isView(ctx, tm.Name)
		if err != nil {
			return err
		}
		if view && !tm.IsView() {
			return fmt.Errorf("db: view %q requires 'reference_table' in its mapping", tm.Name)
		}

		if tm.IsView() {
			refExists, err := s.tableExists(ctx, tm.ReferenceTable)
			if err != nil {
				return err
			}
			if !refExists {
				missingRefs = append(missingRefs, tm.Name+" -> "+tm.ReferenceTable)
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("db: source tables do not exist: %s", strings.Join(missing, ", "))
	}
	if len(missingRefs) > 0 {
		return fmt.Errorf("db: reference tables do not exist: %s", strings.Join(missingRefs, ", "))
	}
	return nil
}

// EnsureQueueTable creates the outbox table if it is missing. Returns whether
// it was created by this call.
func (s *Store) EnsureQueueTable(ctx context.Context) (bool, error) {
	exists, err := s.QueueExists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE typesense_sync_queue (
			id BIGSERIAL PRIMARY KEY,
			record_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			operation_type VARCHAR(10) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return false, fmt.Errorf("db: create queue table: %w", err)
	}
	logger.Info("queue_table_created", "table", QueueTable)
	return true, nil
}

// InstallTriggers creates or replaces the trigger functions and installs one
// AFTER INSERT/UPDATE/DELETE trigger per tracked table. For views the trigger
// goes on the reference table and records the view's logical name. Existing
// triggers are left alone. Returns the number of triggers installed.
func (s *Store) InstallTriggers(ctx context.Context, reg *mapping.Registry) (int, error) {
	if _, err := s.db.ExecContext(ctx, triggerFunctionSQL); err != nil {
		return 0, fmt.Errorf("db: create trigger function: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, namedTriggerFunctionSQL); err != nil {
		return 0, fmt.Errorf("db: create named trigger function: %w", err)
	}

	installed := 0
	for _, tm := range reg.Tables() {
		var triggerName, targetTable, triggerFunction string
		if tm.IsView() {
			triggerName = fmt.Sprintf("trigger_%s_to_%s_typesense", tm.ReferenceTable, tm.Name)
			targetTable = tm.ReferenceTable
			triggerFunction = fmt.Sprintf("log_changes_for_typesense_with_name(%s)", pq.QuoteLiteral(tm.Name))
		} else {
			triggerName = fmt.Sprintf("trigger_%s_to_typesense", tm.Name)
			targetTable = tm.Name
			triggerFunction = "log_changes_for_typesense()"
		}

		exists, err := s.triggerExists(ctx, triggerName, targetTable)
		if err != nil {
			return installed, err
		}
		if exists {
			continue
		}

		createSQL := fmt.Sprintf(`
			CREATE TRIGGER %s
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s
		`, pq.QuoteIdentifier(triggerName), pq.QuoteIdentifier(targetTable), triggerFunction)
		if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
			return installed, fmt.Errorf("db: create trigger on %q: %w", targetTable, err)
		}
		logger.Info("trigger_installed", "table", targetTable, "tracks", tm.Name)
		installed++
	}
	return installed, nil
}

// TriggerInstalled reports whether the tracking trigger for a mapping exists.
func (s *Store) TriggerInstalled(ctx context.Context, tm *mapping.TableMapping) (bool, error) {
	if tm.IsView() {
		name := fmt.Sprintf("trigger_%s_to_%s_typesense", tm.ReferenceTable, tm.Name)
		return s.triggerExists(ctx, name, tm.ReferenceTable)
	}
	return s.triggerExists(ctx, fmt.Sprintf("trigger_%s_to_typesense", tm.Name), tm.Name)
}

func (s *Store) triggerExists(ctx context.Context, trigger, table string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM pg_trigger
			WHERE tgname = $1
			AND tgrelid = $2::regclass
		)
	`, trigger, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db: check trigger %q: %w", trigger, err)
	}
	return exists, nil
}

// BackfillQueue enqueues every existing row of each tracked table as an
// INSERT so the first sync loads all current data. Each table commits
// independently; a failing table is logged and skipped.
func (s *Store) BackfillQueue(ctx context.Context, reg *mapping.Registry) (int64, error) {
	var total int64
	for _, tm := range reg.Tables() {
		exists, err := s.tableExists(ctx, tm.Name)
		if err != nil {
			return total, err
		}
		if !exists {
			logger.Warn("backfill_table_missing", "table", tm.Name)
			continue
		}

		insertSQL := fmt.Sprintf(`
			INSERT INTO typesense_sync_queue (record_id, table_name, operation_type)
			SELECT id::TEXT, $1, 'INSERT'
			FROM %s
			ORDER BY id
		`, pq.QuoteIdentifier(tm.Name))
		result, err := s.db.ExecContext(ctx, insertSQL, tm.Name)
		if err != nil {
			logger.Warn("backfill_failed", "table", tm.Name, "error", err)
			continue
		}
		queued, _ := result.RowsAffected()
		logger.Info("backfill_queued", "table", tm.Name, "records", queued)
		total += queued
	}
	return total, nil
}

// CountRows returns the row count of a source table, for status reporting.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("db: count rows of %q: %w", table, err)
	}
	return count, nil
}

// SourceExists reports whether a tracked table or view is present.
func (s *Store) SourceExists(ctx context.Context, table string) (bool, error) {
	return s.tableExists(ctx, table)
}
