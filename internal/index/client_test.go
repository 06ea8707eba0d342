package index

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return &Client{
		baseURL:    u.String(),
		apiKey:     "test-key",
		httpClient: server.Client(),
	}
}

func TestImportDocuments(t *testing.T) {
	var gotPath, gotKey, gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("X-TYPESENSE-API-KEY")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte("{\"success\":true}\n{\"success\":false,\"error\":\"Field `id` must be a string.\"}\n"))
	})

	results, err := client.ImportDocuments(context.Background(), "products", []transform.Document{
		{"id": "1", "product_name": "Widget"},
		{"id": "2"},
	})
	if err != nil {
		t.Fatalf("ImportDocuments: %v", err)
	}

	if gotPath != "/collections/products/documents/import?action=upsert" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if !strings.Contains(gotBody, "\"product_name\":\"Widget\"") {
		t.Errorf("body = %q, missing document", gotBody)
	}
	if lines := strings.Count(strings.TrimSpace(gotBody), "\n"); lines != 1 {
		t.Errorf("body should hold one document per line, got %q", gotBody)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Errorf("results = %+v", results)
	}
	if results[1].Error == "" {
		t.Error("failed result should carry the error message")
	}
}

func TestImportDocumentsEmpty(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty batch")
	})
	results, err := client.ImportDocuments(context.Background(), "products", nil)
	if err != nil || results != nil {
		t.Errorf("empty import = %v, %v", results, err)
	}
}

func TestDeleteDocumentNotFoundIsSuccess(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Could not find a document with id: 42"}`))
	})
	if err := client.DeleteDocument(context.Background(), "products", "42"); err != nil {
		t.Errorf("404 delete should succeed, got %v", err)
	}
}

func TestDeleteDocumentFailure(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"Not Ready"}`))
	})
	err := client.DeleteDocument(context.Background(), "products", "42")
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !strings.Contains(err.Error(), "Not Ready") {
		t.Errorf("error %q should carry the server message", err)
	}
}

func TestListCollections(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[{"name":"products","num_documents":12,"fields":[{"name":"id","type":"string"}]}]`))
	})
	collections, err := client.ListCollections(context.Background())
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(collections) != 1 || collections[0].Name != "products" || collections[0].NumDocuments != 12 {
		t.Errorf("collections = %+v", collections)
	}
}

func TestSchemaFor(t *testing.T) {
	reg, err := mapping.NewRegistry([]mapping.TableMapping{{
		Name:       "articles",
		Collection: "articles_v1",
		Schema: []mapping.FieldSpec{
			{Name: "id", Type: "string"},
			{Name: "published_at", Type: "date"},
			{Name: "embedding", Type: "vector", NumDim: 4},
		},
		DefaultSortingField: "published_at",
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	schema := SchemaFor(reg.Lookup("articles"))
	if schema.Name != "articles_v1" {
		t.Errorf("name = %s", schema.Name)
	}
	if schema.DefaultSortingField != "published_at" {
		t.Errorf("default_sorting_field = %s", schema.DefaultSortingField)
	}

	byName := map[string]CollectionField{}
	for _, f := range schema.Fields {
		byName[f.Name] = f
	}
	if byName["published_at"].Type != "int64" {
		t.Errorf("date field provisions as %s, want int64", byName["published_at"].Type)
	}
	if f := byName["embedding"]; f.Type != "float[]" || f.NumDim != 4 {
		t.Errorf("vector field provisions as %s num_dim=%d, want float[]/4", f.Type, f.NumDim)
	}
	if byName["id"].Optional == nil || *byName["id"].Optional {
		t.Error("id must provision as non-optional")
	}
}

func TestEnsureCollections(t *testing.T) {
	created := map[string]bool{}
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections":
			w.Write([]byte(`[{"name":"users","fields":[{"name":"id","type":"int64"}]}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections":
			created["posted"] = true
			w.Write([]byte(`{"name":"products"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	reg, err := mapping.NewRegistry([]mapping.TableMapping{
		{Name: "products", Collection: "products", Schema: []mapping.FieldSpec{{Name: "id", Type: "string"}}},
		{Name: "users", Collection: "users", Schema: []mapping.FieldSpec{{Name: "id", Type: "string"}}},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	summary, err := client.EnsureCollections(context.Background(), reg, false)
	if err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}
	if !created["posted"] {
		t.Error("products collection should have been created")
	}
	if len(summary.Created) != 1 || summary.Created[0] != "products" {
		t.Errorf("created = %v", summary.Created)
	}
	if len(summary.Existing) != 1 || summary.Existing[0] != "users" {
		t.Errorf("existing = %v", summary.Existing)
	}
	// users.id exists with type int64 but config wants string
	if drift := summary.Differences["users"]; len(drift) != 1 {
		t.Errorf("differences = %v, want one type mismatch", summary.Differences)
	}
}

func TestEnsureCollectionsRecreate(t *testing.T) {
	var dropped, posted bool
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections":
			w.Write([]byte(`[{"name":"products","fields":[{"name":"id","type":"string"}]}]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/collections/products":
			dropped = true
			w.Write([]byte(`{"name":"products"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections":
			if !dropped {
				t.Error("create before drop")
			}
			posted = true
			w.Write([]byte(`{"name":"products"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	reg, err := mapping.NewRegistry([]mapping.TableMapping{
		{Name: "products", Collection: "products", Schema: []mapping.FieldSpec{{Name: "id", Type: "string"}}},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	summary, err := client.EnsureCollections(context.Background(), reg, true)
	if err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}
	if !dropped || !posted {
		t.Errorf("dropped=%v posted=%v, want both", dropped, posted)
	}
	if len(summary.Recreated) != 1 || summary.Recreated[0] != "products" {
		t.Errorf("recreated = %v", summary.Recreated)
	}
	if len(summary.Created) != 0 {
		t.Errorf("created = %v, recreated collections must not double-report", summary.Created)
	}
}
