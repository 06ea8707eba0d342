package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// Field source types derived during validation. A field declared as "date" or
// "vector" in the config is rewritten to its stored Typesense type (int64 or
// float[]) and the original kind is remembered here so the normalization
// pipeline knows to convert values.
const (
	SourceTypeDate   = "date"
	SourceTypeVector = "vector"
)

var validFieldTypes = map[string]bool{
	"string": true, "int32": true, "int64": true, "float": true, "bool": true,
	"geopoint": true, "geopoint[]": true,
	"string[]": true, "int32[]": true, "int64[]": true, "float[]": true, "bool[]": true,
	"object": true, "object[]": true,
	"auto": true, "string*": true,
	"date": true, "vector": true,
}

// EmbedSpec configures Typesense auto-embedding for a field.
type EmbedSpec struct {
	From        []string       `yaml:"from" json:"from"`
	ModelConfig map[string]any `yaml:"model_config,omitempty" json:"model_config,omitempty"`
}

// FieldSpec describes one field of a target collection. Name is the Typesense
// field name; SourceColumn (optional) is the PostgreSQL column it is read
// from. Only Type and SourceType affect the sync pipeline; the remaining
// flags are passed through to collection provisioning.
type FieldSpec struct {
	Name         string     `yaml:"name" json:"name"`
	Type         string     `yaml:"type" json:"type"`
	SourceColumn string     `yaml:"source_column,omitempty" json:"source_column,omitempty"`
	SourceType   string     `yaml:"-" json:"source_type,omitempty"`
	Optional     *bool      `yaml:"optional,omitempty" json:"optional,omitempty"`
	Facet        *bool      `yaml:"facet,omitempty" json:"facet,omitempty"`
	Index        *bool      `yaml:"index,omitempty" json:"index,omitempty"`
	Sort         *bool      `yaml:"sort,omitempty" json:"sort,omitempty"`
	Infix        *bool      `yaml:"infix,omitempty" json:"infix,omitempty"`
	Stem         *bool      `yaml:"stem,omitempty" json:"stem,omitempty"`
	Store        *bool      `yaml:"store,omitempty" json:"store,omitempty"`
	Locale       string     `yaml:"locale,omitempty" json:"locale,omitempty"`
	NumDim       int        `yaml:"num_dim,omitempty" json:"num_dim,omitempty"`
	Embed        *EmbedSpec `yaml:"embed,omitempty" json:"embed,omitempty"`
}

// TableMapping links one source table (or view) to one target collection.
type TableMapping struct {
	Name           string      `yaml:"name" json:"name"`
	Collection     string      `yaml:"collection" json:"collection"`
	Schema         []FieldSpec `yaml:"schema" json:"schema"`
	ReferenceTable string      `yaml:"reference_table,omitempty" json:"reference_table,omitempty"`
	Transformer    string      `yaml:"transformer,omitempty" json:"transformer,omitempty"`

	DefaultSortingField string   `yaml:"default_sorting_field,omitempty" json:"default_sorting_field,omitempty"`
	TokenSeparators     []string `yaml:"token_separators,omitempty" json:"token_separators,omitempty"`
	SymbolsToIndex      []string `yaml:"symbols_to_index,omitempty" json:"symbols_to_index,omitempty"`

	// columnToField maps PostgreSQL column names to Typesense field names.
	// Built during validation.
	columnToField map[string]string
	fieldNames    map[string]bool
}

// IsView reports whether this mapping tracks a view through a reference table.
func (tm *TableMapping) IsView() bool {
	return tm.ReferenceTable != ""
}

// FieldName resolves a PostgreSQL column name to its Typesense field name.
// Columns without an alias pass through unchanged.
func (tm *TableMapping) FieldName(column string) string {
	if name, ok := tm.columnToField[column]; ok {
		return name
	}
	return column
}

// HasField reports whether the schema declares the given Typesense field.
func (tm *TableMapping) HasField(name string) bool {
	return tm.fieldNames[name]
}

func (tm *TableMapping) validate() error {
	if tm.Name == "" {
		return fmt.Errorf("table mapping is missing 'name'")
	}
	if tm.Collection == "" {
		return fmt.Errorf("table %q is missing 'collection'", tm.Name)
	}
	if len(tm.Schema) == 0 {
		return fmt.Errorf("table %q is missing 'schema'", tm.Name)
	}

	tm.columnToField = make(map[string]string, len(tm.Schema))
	tm.fieldNames = make(map[string]bool, len(tm.Schema))

	for i := range tm.Schema {
		f := &tm.Schema[i]
		if f.Name == "" {
			return fmt.Errorf("table %q: schema field %d is missing 'name'", tm.Name, i+1)
		}
		if f.Type == "" {
			return fmt.Errorf("table %q: field %q is missing 'type'", tm.Name, f.Name)
		}
		if !validFieldTypes[f.Type] {
			return fmt.Errorf("table %q: field %q has invalid type %q (valid: %s)",
				tm.Name, f.Name, f.Type, strings.Join(fieldTypeNames(), ", "))
		}

		// Dates are stored in Typesense as int64 epoch seconds; vectors as
		// float[]. Rewrite the stored type and remember the source kind.
		switch f.Type {
		case "date":
			f.SourceType = SourceTypeDate
			f.Type = "int64"
		case "vector":
			f.SourceType = SourceTypeVector
			f.Type = "float[]"
			if f.NumDim <= 0 {
				return fmt.Errorf("table %q: vector field %q requires 'num_dim'", tm.Name, f.Name)
			}
		}

		if f.Embed != nil && len(f.Embed.From) == 0 {
			return fmt.Errorf("table %q: field %q: 'embed.from' is required for embedding fields", tm.Name, f.Name)
		}

		if f.Optional == nil {
			// The id field must always be present; everything else is
			// optional unless the config says otherwise.
			f.Optional = boolPtr(f.Name != "id")
		}
		if f.Facet == nil {
			f.Facet = boolPtr(false)
		}
		if f.Index == nil {
			f.Index = boolPtr(f.Type != "object" && f.Type != "object[]")
		}
		if f.Sort == nil {
			f.Sort = boolPtr(false)
		}

		if tm.fieldNames[f.Name] {
			return fmt.Errorf("table %q: duplicate schema field %q", tm.Name, f.Name)
		}
		tm.fieldNames[f.Name] = true

		column := f.SourceColumn
		if column == "" {
			column = f.Name
		}
		if prev, ok := tm.columnToField[column]; ok {
			return fmt.Errorf("table %q: column %q is mapped to both %q and %q",
				tm.Name, column, prev, f.Name)
		}
		tm.columnToField[column] = f.Name
	}
	return nil
}

// Registry holds the validated table mappings for one run. It is immutable
// after construction.
type Registry struct {
	tables []*TableMapping
	byName map[string]*TableMapping
}

// NewRegistry validates the given mappings and builds the registry. Mappings
// are normalized in place (type rewriting, defaults, alias maps).
func NewRegistry(tables []TableMapping) (*Registry, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables defined in the configuration")
	}
	r := &Registry{byName: make(map[string]*TableMapping, len(tables))}
	for i := range tables {
		tm := &tables[i]
		if err := tm.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byName[tm.Name]; ok {
			return nil, fmt.Errorf("duplicate table mapping %q", tm.Name)
		}
		r.byName[tm.Name] = tm
		r.tables = append(r.tables, tm)
	}
	return r, nil
}

// Lookup returns the mapping for a logical table name, or nil if the table is
// not tracked by this registry.
func (r *Registry) Lookup(name string) *TableMapping {
	return r.byName[name]
}

// Tables returns the mappings in configuration order.
func (r *Registry) Tables() []*TableMapping {
	return r.tables
}

// Names returns the logical table names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tables))
	for i, tm := range r.tables {
		names[i] = tm.Name
	}
	return names
}

// Filter returns a registry restricted to the requested table names,
// preserving configuration order. Requesting a name that is not configured is
// an error naming the available tables.
func (r *Registry) Filter(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	requested := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if r.byName[n] == nil {
			return nil, fmt.Errorf("unknown table %q (available: %s)",
				n, strings.Join(r.Names(), ", "))
		}
		requested[n] = true
	}
	if len(requested) == 0 {
		return r, nil
	}
	sub := &Registry{byName: make(map[string]*TableMapping, len(requested))}
	for _, tm := range r.tables {
		if requested[tm.Name] {
			sub.byName[tm.Name] = tm
			sub.tables = append(sub.tables, tm)
		}
	}
	return sub, nil
}

func fieldTypeNames() []string {
	names := make([]string, 0, len(validFieldTypes))
	for name := range validFieldTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func boolPtr(v bool) *bool { return &v }
