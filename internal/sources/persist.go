package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Persister loads and stores the source catalog.
type Persister interface {
	Load(ctx context.Context) ([]Source, error)
	Save(ctx context.Context, srcs []Source) error
}

// Open returns the persister for path, chosen by its extension:
// .db, .sqlite and .sqlite3 open a SQLite catalog, anything else a JSON file.
func Open(path string) (Persister, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	default:
		return &JSONFile{Path: path}, nil
	}
}

// catalogFile is the on-disk JSON layout.
type catalogFile struct {
	Sources []Source `json:"epg_sources"`
}

// JSONFile keeps the catalog in a JSON document of the form {"epg_sources": [...]}.
type JSONFile struct {
	Path string
}

// Load reads the catalog. A missing file yields an empty catalog.
func (f *JSONFile) Load(_ context.Context) ([]Source, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return []Source{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read source catalog: %w", err)
	}

	var doc catalogFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse source catalog %s: %w", f.Path, err)
	}

	if doc.Sources == nil {
		doc.Sources = []Source{}
	}

	return doc.Sources, nil
}

// Save writes the catalog atomically through a temporary file.
func (f *JSONFile) Save(_ context.Context, srcs []Source) error {
	data, err := json.MarshalIndent(catalogFile{Sources: srcs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode source catalog: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".epg_sources-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write source catalog: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write source catalog: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to replace source catalog: %w", err)
	}

	return nil
}
