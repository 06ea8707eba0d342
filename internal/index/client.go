package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

// Config holds the Typesense connection settings.
type Config struct {
	Host     string
	Port     int
	Protocol string
	APIKey   string
}

// BaseURL renders the node address, e.g. "http://localhost:8108".
func (c Config) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// Client is a thin Typesense REST client covering the endpoints the sync
// engine and provisioning need.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the given node. The connection timeout matches
// the 10 seconds the Typesense client defaults to.
func New(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURL(),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ImportResult is the per-document outcome of a bulk import.
type ImportResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Document string `json:"document,omitempty"`
}

// CollectionField is the provisioning representation of one schema field.
type CollectionField struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Optional *bool          `json:"optional,omitempty"`
	Facet    *bool          `json:"facet,omitempty"`
	Index    *bool          `json:"index,omitempty"`
	Sort     *bool          `json:"sort,omitempty"`
	Infix    *bool          `json:"infix,omitempty"`
	Stem     *bool          `json:"stem,omitempty"`
	Store    *bool          `json:"store,omitempty"`
	Locale   string         `json:"locale,omitempty"`
	NumDim   int            `json:"num_dim,omitempty"`
	Embed    map[string]any `json:"embed,omitempty"`
}

// Collection is a Typesense collection schema, also returned by retrieval
// endpoints with NumDocuments populated.
type Collection struct {
	Name                string            `json:"name"`
	Fields              []CollectionField `json:"fields"`
	DefaultSortingField string            `json:"default_sorting_field,omitempty"`
	TokenSeparators     []string          `json:"token_separators,omitempty"`
	SymbolsToIndex      []string          `json:"symbols_to_index,omitempty"`
	NumDocuments        int64             `json:"num_documents,omitempty"`
}

// APIError is a non-2xx response from Typesense.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("typesense: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from Typesense.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-TYPESENSE-API-KEY", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("typesense: %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		message = payload.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// ListCollections retrieves all collections on the node. It doubles as the
// connectivity check.
func (c *Client) ListCollections(ctx context.Context) ([]Collection, error) {
	resp, err := c.do(ctx, http.MethodGet, "/collections", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var collections []Collection
	if err := json.NewDecoder(resp.Body).Decode(&collections); err != nil {
		return nil, fmt.Errorf("typesense: decode collections: %w", err)
	}
	return collections, nil
}

// RetrieveCollection fetches one collection's schema and document count.
func (c *Client) RetrieveCollection(ctx context.Context, name string) (*Collection, error) {
	resp, err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var collection Collection
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return nil, fmt.Errorf("typesense: decode collection: %w", err)
	}
	return &collection, nil
}

// CreateCollection creates a collection from the given schema.
func (c *Client) CreateCollection(ctx context.Context, schema Collection) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("typesense: marshal schema: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/collections", bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DropCollection deletes a collection and all of its documents.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ImportDocuments bulk-upserts documents into a collection and returns the
// per-document results. The caller decides how to treat individual failures.
func (c *Client) ImportDocuments(ctx context.Context, collection string, docs []transform.Document) ([]ImportResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("typesense: marshal document: %w", err)
		}
	}

	path := "/collections/" + url.PathEscape(collection) + "/documents/import?action=upsert"
	resp, err := c.do(ctx, http.MethodPost, path, &body, "text/plain")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("typesense: read import response: %w", err)
	}

	// The import endpoint responds with one JSON object per line, in the
	// same order as the submitted documents.
	var results []ImportResult
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var result ImportResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return nil, fmt.Errorf("typesense: decode import result %q: %w", line, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteDocument removes one document by id. A 404 is success: a record that
// was already removed, or never created, is not an error.
func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	path := "/collections/" + url.PathEscape(collection) + "/documents/" + url.PathEscape(id)
	resp, err := c.do(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}
