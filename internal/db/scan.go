package db

import (
	"database/sql"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

// scanRow reads the current row of rows into an open document keyed by
// column name. lib/pq surfaces text-ish columns as []byte; those become
// strings so the transform pipeline sees the shapes it expects. Vector
// columns arrive as their string form ("[1,2,3]") and are parsed later by
// normalization.
func scanRow(rows *sql.Rows, columns []string) (transform.Document, error) {
	values := make([]any, len(columns))
	targets := make([]any, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, err
	}

	doc := make(transform.Document, len(columns))
	for i, column := range columns {
		doc[column] = normalizeScanValue(values[i])
	}
	return doc, nil
}

func normalizeScanValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}
