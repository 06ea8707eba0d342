package transform

import (
	"reflect"
	"testing"
	"time"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
)

func mustRegistry(t *testing.T, tables ...mapping.TableMapping) *mapping.Registry {
	t.Helper()
	reg, err := mapping.NewRegistry(tables)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestDateToEpoch(t *testing.T) {
	native := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	want := native.Unix()

	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"rfc3339 with Z", "2024-01-15T14:30:00Z", want},
		{"rfc3339 with offset", "2024-01-15T16:30:00+02:00", want},
		{"native time", native, want},
		{"space separated", "2024-01-15 14:30:00", want},
		{"T separated no offset", "2024-01-15T14:30:00", want},
		{"fractional seconds", "2024-01-15 14:30:00.123456", want},
		{"date only", "2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).Unix()},
		{"epoch int passthrough", int64(1705329000), 1705329000},
		{"epoch float", 1705329000.0, 1705329000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DateToEpoch(tt.value)
			if err != nil {
				t.Fatalf("DateToEpoch(%v): %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("DateToEpoch(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}

	if _, err := DateToEpoch("not-a-date"); err == nil {
		t.Error("expected error for unparseable string")
	}
	if _, err := DateToEpoch(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestVectorToFloats(t *testing.T) {
	want := []float64{1.0, 2.0, 3.0}

	tests := []struct {
		name  string
		value any
	}{
		{"bracketed string", "[1.0, 2.0, 3.0]"},
		{"float slice", []float64{1.0, 2.0, 3.0}},
		{"int elements", []int{1, 2, 3}},
		{"float32 slice", []float32{1, 2, 3}},
		{"mixed any slice", []any{1, 2.0, "3"}},
		{"byte string", []byte("[1,2,3]")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VectorToFloats(tt.value)
			if err != nil {
				t.Fatalf("VectorToFloats(%v): %v", tt.value, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("VectorToFloats(%v) = %v, want %v", tt.value, got, want)
			}
		})
	}

	empty, err := VectorToFloats("[]")
	if err != nil || len(empty) != 0 {
		t.Errorf("VectorToFloats([]) = %v, %v; want empty slice", empty, err)
	}

	for _, bad := range []any{"1,2,3", "[1,x,3]", map[string]any{"a": 1}, 42} {
		if _, err := VectorToFloats(bad); err == nil {
			t.Errorf("VectorToFloats(%v): expected error", bad)
		}
	}
}

func TestNormalizeDocumentDateAndVector(t *testing.T) {
	reg := mustRegistry(t, mapping.TableMapping{
		Name:       "articles",
		Collection: "articles",
		Schema: []mapping.FieldSpec{
			{Name: "id", Type: "string"},
			{Name: "published_at", Type: "date"},
			{Name: "embedding", Type: "vector", NumDim: 3},
		},
	})
	tm := reg.Lookup("articles")

	doc := NormalizeDocument(Document{
		"id":           "1",
		"published_at": "2024-01-15T14:30:00Z",
		"embedding":    "[1.0, 2.0, 3.0]",
	}, tm)

	want := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC).Unix()
	if doc["published_at"] != want {
		t.Errorf("published_at = %v, want %d", doc["published_at"], want)
	}
	if !reflect.DeepEqual(doc["embedding"], []float64{1, 2, 3}) {
		t.Errorf("embedding = %v, want [1 2 3]", doc["embedding"])
	}

	// unparseable values null the field without aborting the document
	doc = NormalizeDocument(Document{
		"id":           "2",
		"published_at": "not-a-date",
		"embedding":    "nope",
	}, tm)
	if doc["published_at"] != nil {
		t.Errorf("published_at = %v, want nil", doc["published_at"])
	}
	if doc["embedding"] != nil {
		t.Errorf("embedding = %v, want nil", doc["embedding"])
	}
	if doc["id"] != "2" {
		t.Errorf("id = %v, want 2", doc["id"])
	}

	// nil passes through
	doc = NormalizeDocument(Document{"id": "3", "published_at": nil}, tm)
	if doc["published_at"] != nil {
		t.Errorf("nil date should pass through, got %v", doc["published_at"])
	}
}

func TestNormalizeDocumentStringifiesUnknownTypes(t *testing.T) {
	reg := mustRegistry(t, mapping.TableMapping{
		Name:       "things",
		Collection: "things",
		Schema: []mapping.FieldSpec{
			{Name: "id", Type: "string"},
			{Name: "weird", Type: "string"},
			{Name: "seen_at", Type: "int64"},
		},
	})
	tm := reg.Lookup("things")

	seen := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := NormalizeDocument(Document{
		"id":      "1",
		"weird":   struct{ X int }{7},
		"seen_at": seen,
	}, tm)

	if _, ok := doc["weird"].(string); !ok {
		t.Errorf("weird = %v (%T), want string", doc["weird"], doc["weird"])
	}
	// times convert to epoch seconds even without source_type=date
	if doc["seen_at"] != seen.Unix() {
		t.Errorf("seen_at = %v, want %d", doc["seen_at"], seen.Unix())
	}
}

func TestApplyPrunesAndAliases(t *testing.T) {
	reg := mustRegistry(t, mapping.TableMapping{
		Name:       "users",
		Collection: "users",
		Schema: []mapping.FieldSpec{
			{Name: "id", Type: "string"},
			{Name: "display_name", Type: "string", SourceColumn: "name"},
		},
	})
	tm := reg.Lookup("users")

	row := Document{"id": "7", "name": "Ada", "secret_internal_field": "hidden"}
	doc, err := Apply(row, tm)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := Document{"id": "7", "display_name": "Ada"}
	if !reflect.DeepEqual(doc, want) {
		t.Errorf("Apply = %v, want %v", doc, want)
	}
	// the input row must not be modified
	if _, ok := row["display_name"]; ok {
		t.Error("Apply mutated the input row")
	}
}

func TestApplyProductScenario(t *testing.T) {
	reg := mustRegistry(t, mapping.TableMapping{
		Name:        "products",
		Collection:  "products",
		Transformer: "transform_product",
		Schema: []mapping.FieldSpec{
			{Name: "id", Type: "string"},
			{Name: "product_name", Type: "string"},
			{Name: "price", Type: "float"},
			{Name: "is_on_sale", Type: "bool"},
			{Name: "category", Type: "string"},
			{Name: "brand", Type: "string"},
			{Name: "stock_quantity", Type: "int32"},
			{Name: "tags", Type: "string[]"},
			{Name: "created_at", Type: "int64"},
		},
	})
	tm := reg.Lookup("products")

	doc, err := Apply(Document{"id": "42", "name": "Widget", "price": 5.0}, tm)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if doc["id"] != "42" {
		t.Errorf("id = %v", doc["id"])
	}
	if doc["product_name"] != "Widget" {
		t.Errorf("product_name = %v, want Widget", doc["product_name"])
	}
	if _, ok := doc["name"]; ok {
		t.Error("name should have been renamed to product_name")
	}
	if doc["price"] != 5.0 {
		t.Errorf("price = %v, want 5", doc["price"])
	}
	if doc["is_on_sale"] != true {
		t.Errorf("is_on_sale = %v, want true (price < 10)", doc["is_on_sale"])
	}
	if doc["category"] != "Uncategorized" || doc["brand"] != "Generic" {
		t.Errorf("defaults not applied: category=%v brand=%v", doc["category"], doc["brand"])
	}
	if _, ok := doc["created_at"].(int64); !ok {
		t.Errorf("created_at = %v (%T), want epoch seconds", doc["created_at"], doc["created_at"])
	}
}

func TestTransformUser(t *testing.T) {
	doc, err := transformUser(Document{"id": "1", "username": "ada"})
	if err != nil {
		t.Fatalf("transformUser: %v", err)
	}
	if doc["full_name"] != "ADA" {
		t.Errorf("full_name = %v, want ADA", doc["full_name"])
	}
	if doc["account_type"] != "free" || doc["status"] != "active" {
		t.Errorf("defaults not applied: %v", doc)
	}
	if !reflect.DeepEqual(doc["roles"], []string{"user"}) {
		t.Errorf("roles = %v, want [user]", doc["roles"])
	}

	doc, err = transformUser(Document{
		"id": "2", "first_name": "Ada", "last_name": "Lovelace",
		"roles": "admin, editor",
	})
	if err != nil {
		t.Fatalf("transformUser: %v", err)
	}
	if doc["full_name"] != "Ada Lovelace" {
		t.Errorf("full_name = %v, want Ada Lovelace", doc["full_name"])
	}
	if !reflect.DeepEqual(doc["roles"], []string{"admin", "editor"}) {
		t.Errorf("roles = %v, want [admin editor]", doc["roles"])
	}
}

func TestLookup(t *testing.T) {
	if _, err := Lookup("transform_product"); err != nil {
		t.Errorf("transform_product should be registered: %v", err)
	}
	if _, err := Lookup("no_such_transformer"); err == nil {
		t.Error("expected error for unknown transformer")
	}
	fn, err := Lookup("")
	if err != nil {
		t.Fatalf("identity lookup: %v", err)
	}
	doc, err := fn(Document{"a": 1})
	if err != nil || doc["a"] != 1 {
		t.Errorf("identity transform changed the document: %v, %v", doc, err)
	}
}
