package sources

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
)

const tableSources = "sources"

var (
	// ErrUnknownSource is returned when a source ID is not in the registry.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource is returned when two sources share an ID.
	ErrDuplicateSource = errors.New("duplicate source id")
)

// entry is the stored form of a source; Order keeps list order for equal priorities.
type entry struct {
	Source
	Order int
}

// Registry is the live set of EPG sources with their fetch status.
type Registry struct {
	db *memdb.MemDB
}

// NewRegistry creates an empty registry.
func NewRegistry() (*Registry, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSources: {
				Name: tableSources,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"country": {
						Name:         "country",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "CountryCode"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create source registry: %w", err)
	}

	return &Registry{db: db}, nil
}

// Replace swaps the whole source set. Sources without an ID get one.
func (r *Registry) Replace(srcs []Source) error {
	srcs = EnsureIDs(srcs)

	txn := r.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableSources, "id"); err != nil {
		return fmt.Errorf("failed to clear sources: %w", err)
	}

	for i, src := range srcs {
		if existing, _ := txn.First(tableSources, "id", src.ID); existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
		}

		if err := txn.Insert(tableSources, &entry{Source: src, Order: i}); err != nil {
			return fmt.Errorf("failed to insert source %q: %w", src.ID, err)
		}
	}

	txn.Commit()

	return nil
}

// All returns every source, lowest priority value first, ties in insertion order.
func (r *Registry) All() []Source {
	return r.collect("id")
}

// ByCountry returns the sources tagged with the given country code.
func (r *Registry) ByCountry(code string) []Source {
	return r.collect("country", code)
}

// Get returns the source with the given ID.
func (r *Registry) Get(id string) (Source, bool) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableSources, "id", id)
	if err != nil || raw == nil {
		return Source{}, false
	}

	return raw.(*entry).Source, true
}

// SetStatus records the outcome of the latest fetch of a source.
func (r *Registry) SetStatus(id, status string, at time.Time) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSources, "id", id)
	if err != nil {
		return err
	}

	if raw == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}

	// Stored objects are immutable; insert an updated copy.
	updated := *raw.(*entry)
	updated.LastFetchStatus = status
	updated.LastFetchAt = at

	if err := txn.Insert(tableSources, &updated); err != nil {
		return err
	}

	txn.Commit()

	return nil
}

func (r *Registry) collect(index string, args ...interface{}) []Source {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSources, index, args...)
	if err != nil {
		return nil
	}

	entries := make([]*entry, 0, 32)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entries = append(entries, raw.(*entry))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}

		return entries[i].Order < entries[j].Order
	})

	out := make([]Source, len(entries))
	for i, e := range entries {
		out[i] = e.Source
	}

	return out
}
