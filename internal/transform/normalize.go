package transform

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/logger"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
)

// Apply runs the full pipeline on a raw row: per-table transformer, column
// aliasing, schema pruning, type normalization. The input row is not
// modified. Transformer failures abort the document; normalization failures
// of individual fields null the field and continue.
func Apply(row Document, tm *mapping.TableMapping) (Document, error) {
	fn, err := Lookup(tm.Transformer)
	if err != nil {
		return nil, err
	}
	doc, err := fn(cloneDocument(row))
	if err != nil {
		return nil, fmt.Errorf("transformer %q: %w", tm.Transformer, err)
	}
	doc = ApplyAliases(doc, tm)
	doc = PruneUnmapped(doc, tm)
	return NormalizeDocument(doc, tm), nil
}

// ApplyAliases renames keys from PostgreSQL column names to Typesense field
// names. Columns without an alias pass through unchanged.
func ApplyAliases(doc Document, tm *mapping.TableMapping) Document {
	aliased := make(Document, len(doc))
	for column, value := range doc {
		aliased[tm.FieldName(column)] = value
	}
	return aliased
}

// PruneUnmapped drops every key not declared in the table's schema.
func PruneUnmapped(doc Document, tm *mapping.TableMapping) Document {
	pruned := make(Document, len(doc))
	for name, value := range doc {
		if tm.HasField(name) {
			pruned[name] = value
		}
	}
	return pruned
}

// NormalizeDocument converts field values to their Typesense representation:
// date-sourced fields become epoch seconds, vector-sourced fields become
// float arrays, and values of types Typesense cannot store are stringified.
// A field that fails conversion is set to nil; the document is never aborted.
func NormalizeDocument(doc Document, tm *mapping.TableMapping) Document {
	normalized := make(Document, len(doc))
	for name, value := range doc {
		normalized[name] = value
	}

	for _, field := range tm.Schema {
		value, ok := normalized[field.Name]
		if !ok {
			continue
		}

		switch field.SourceType {
		case mapping.SourceTypeDate:
			if value == nil {
				continue
			}
			epoch, err := DateToEpoch(value)
			if err != nil {
				logger.Warn("date_conversion_failed", "table", tm.Name, "field", field.Name, "error", err)
				normalized[field.Name] = nil
				continue
			}
			normalized[field.Name] = epoch

		case mapping.SourceTypeVector:
			if value == nil {
				continue
			}
			floats, err := VectorToFloats(value)
			if err != nil {
				logger.Warn("vector_conversion_failed", "table", tm.Name, "field", field.Name, "error", err)
				normalized[field.Name] = nil
				continue
			}
			normalized[field.Name] = floats

		default:
			normalized[field.Name] = coerceScalar(value)
		}
	}
	return normalized
}

// DateToEpoch converts a date-like value to Unix epoch seconds. Numeric
// values pass through, time.Time converts directly, and strings are parsed as
// ISO-8601 first, then against a fixed list of fallback layouts (naive
// timestamps are read as UTC).
func DateToEpoch(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case time.Time:
		return v.Unix(), nil
	case string:
		return parseDateString(v)
	}
	return 0, fmt.Errorf("unsupported date type %T (%v)", value, value)
}

var dateLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

func parseDateString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unable to parse date string %q", s)
}

// VectorToFloats converts a pgvector value to a float array. Accepted shapes:
// numeric slices, a bracketed string "[1.0, 2.0, 3.0]", or any other
// slice/array of numeric-like elements.
func VectorToFloats(value any) ([]float64, error) {
	switch v := value.(type) {
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []any:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("invalid vector element %v (%T)", x, x)
			}
			out[i] = f
		}
		return out, nil
	case []byte:
		return parseVectorString(string(v))
	case string:
		return parseVectorString(v)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]float64, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			f, ok := toFloat(rv.Index(i).Interface())
			if !ok {
				return nil, fmt.Errorf("invalid vector element at %d: %v", i, rv.Index(i))
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported vector type %T (%v)", value, value)
}

func parseVectorString(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("vector string must be in format '[x, y, z]': %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []float64{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", part, err)
		}
		out[i] = f
	}
	return out, nil
}

// coerceScalar keeps values Typesense can store and stringifies the rest.
// Times convert to epoch seconds rather than a string.
func coerceScalar(value any) any {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v.Unix()
	case []byte:
		return string(v)
	}
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return value
	}
	return fmt.Sprintf("%v", value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func cloneDocument(doc Document) Document {
	clone := make(Document, len(doc))
	for k, v := range doc {
		clone[k] = v
	}
	return clone
}
