package index

import (
	"context"
	"fmt"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/logger"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
)

// SchemaFor builds the collection schema for one table mapping. Field
// defaults were resolved during mapping validation, so optional/facet/index/
// sort are always emitted; the remaining knobs only when set.
func SchemaFor(tm *mapping.TableMapping) Collection {
	fields := make([]CollectionField, 0, len(tm.Schema))
	for _, f := range tm.Schema {
		field := CollectionField{
			Name:     f.Name,
			Type:     f.Type,
			Optional: f.Optional,
			Facet:    f.Facet,
			Index:    f.Index,
			Sort:     f.Sort,
			Infix:    f.Infix,
			Stem:     f.Stem,
			Store:    f.Store,
			Locale:   f.Locale,
			NumDim:   f.NumDim,
		}
		if f.Embed != nil {
			field.Embed = map[string]any{"from": f.Embed.From}
			if len(f.Embed.ModelConfig) > 0 {
				field.Embed["model_config"] = f.Embed.ModelConfig
			}
		}
		fields = append(fields, field)
	}
	return Collection{
		Name:                tm.Collection,
		Fields:              fields,
		DefaultSortingField: tm.DefaultSortingField,
		TokenSeparators:     tm.TokenSeparators,
		SymbolsToIndex:      tm.SymbolsToIndex,
	}
}

// ProvisionSummary reports what EnsureCollections did per collection.
type ProvisionSummary struct {
	Created   []string `json:"created,omitempty"`
	Existing  []string `json:"existing,omitempty"`
	Recreated []string `json:"recreated,omitempty"`
	// Differences lists schema drift for collections that already exist,
	// keyed by collection name.
	Differences map[string][]string `json:"differences,omitempty"`
}

// EnsureCollections creates the target collections for every mapping in the
// registry. Existing collections are dropped first when recreate is set;
// otherwise their schemas are diffed against the configuration and drift is
// reported without modifying the collection.
func (c *Client) EnsureCollections(ctx context.Context, reg *mapping.Registry, recreate bool) (*ProvisionSummary, error) {
	existing, err := c.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	byName := make(map[string]Collection, len(existing))
	for _, col := range existing {
		byName[col.Name] = col
	}

	summary := &ProvisionSummary{Differences: map[string][]string{}}
	for _, tm := range reg.Tables() {
		schema := SchemaFor(tm)

		if _, ok := byName[schema.Name]; ok && recreate {
			if err := c.DropCollection(ctx, schema.Name); err != nil {
				return summary, fmt.Errorf("drop collection %q: %w", schema.Name, err)
			}
			if err := c.CreateCollection(ctx, schema); err != nil {
				return summary, fmt.Errorf("recreate collection %q: %w", schema.Name, err)
			}
			logger.Info("collection_recreated", "collection", schema.Name, "fields", len(schema.Fields))
			summary.Recreated = append(summary.Recreated, schema.Name)
			continue
		}

		current, exists := byName[schema.Name]
		if !exists {
			if err := c.CreateCollection(ctx, schema); err != nil {
				return summary, fmt.Errorf("create collection %q: %w", schema.Name, err)
			}
			logger.Info("collection_created", "collection", schema.Name, "fields", len(schema.Fields))
			summary.Created = append(summary.Created, schema.Name)
			continue
		}

		if drift := diffFields(current, schema); len(drift) > 0 {
			summary.Differences[schema.Name] = drift
			logger.Warn("collection_schema_drift", "collection", schema.Name, "differences", len(drift))
		}
		summary.Existing = append(summary.Existing, schema.Name)
	}
	return summary, nil
}

func diffFields(current, wanted Collection) []string {
	currentByName := make(map[string]CollectionField, len(current.Fields))
	for _, f := range current.Fields {
		currentByName[f.Name] = f
	}
	var drift []string
	for _, f := range wanted.Fields {
		existing, ok := currentByName[f.Name]
		if !ok {
			drift = append(drift, fmt.Sprintf("missing field: %s", f.Name))
			continue
		}
		if existing.Type != f.Type {
			drift = append(drift, fmt.Sprintf("field %s: type %s, want %s", f.Name, existing.Type, f.Type))
		}
	}
	return drift
}
