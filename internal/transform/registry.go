package transform

import (
	"fmt"
	"sort"
)

// Document is a row or target document as an open field→value mapping.
// Values are the dynamic shapes produced by database scans and transformers:
// nil, bool, int64, float64, string, time.Time, slices, nested maps.
type Document map[string]any

// Func is a per-table transform. It receives a copy of the raw row keyed by
// source column names and returns the row to continue the pipeline with. It
// must not perform I/O.
type Func func(Document) (Document, error)

var registry = map[string]Func{}

// Register adds a named transformer to the process-wide table. Transformers
// are registered from init functions; registering a duplicate name panics.
func Register(name string, fn Func) {
	if name == "" {
		panic("transform: Register with empty name")
	}
	if fn == nil {
		panic("transform: Register with nil func")
	}
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("transform: transformer %q already registered", name))
	}
	registry[name] = fn
}

// Lookup resolves a configured transformer identifier. The empty name
// resolves to the identity transform. Unknown names are an error so that
// configuration loading can fail fast.
func Lookup(name string) (Func, error) {
	if name == "" {
		return func(doc Document) (Document, error) { return doc, nil }, nil
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transformer %q (registered: %v)", name, Names())
	}
	return fn, nil
}

// Names returns the registered transformer identifiers, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
