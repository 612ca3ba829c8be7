package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ReplaceAndAll(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Source{
		{ID: "c", Name: "C", URL: "http://x/c.xml", Priority: 2},
		{ID: "a", Name: "A", URL: "http://x/a.xml", Priority: 1},
		{ID: "b", Name: "B", URL: "http://x/b.xml", Priority: 1},
	}))

	all := reg.All()
	require.Len(t, all, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	// Equal priority keeps list order, not ID order.
	require.NoError(t, reg.Replace([]Source{
		{ID: "z", URL: "http://x/z.xml"},
		{ID: "y", URL: "http://x/y.xml"},
	}))

	all = reg.All()
	require.Len(t, all, 2)
	require.Equal(t, "z", all[0].ID)
	require.Equal(t, "y", all[1].ID)
}

func TestRegistry_GeneratesIDs(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Source{{Name: "A", URL: "http://x/a.xml"}}))

	all := reg.All()
	require.Len(t, all, 1)
	require.NotEmpty(t, all[0].ID)

	// Same URL, same ID.
	require.Equal(t, EnsureIDs([]Source{{URL: "http://x/a.xml"}})[0].ID, all[0].ID)
}

func TestRegistry_DuplicateID(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Source{{ID: "a", URL: "http://x/a.xml"}}))

	err = reg.Replace([]Source{
		{ID: "b", URL: "http://x/b.xml"},
		{ID: "b", URL: "http://x/b2.xml"},
	})
	require.ErrorIs(t, err, ErrDuplicateSource)

	// Failed replace leaves the previous set.
	_, ok := reg.Get("a")
	require.True(t, ok)
}

func TestRegistry_SetStatus(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Source{{ID: "a", URL: "http://x/a.xml"}}))

	at := time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, reg.SetStatus("a", "error: timeout", at))

	src, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, "error: timeout", src.LastFetchStatus)
	require.Equal(t, at, src.LastFetchAt)
	require.True(t, src.Failed())

	require.ErrorIs(t, reg.SetStatus("missing", StatusOK, at), ErrUnknownSource)
}

func TestRegistry_ByCountry(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Source{
		{ID: "a", URL: "http://x/a.xml", CountryCode: "de"},
		{ID: "b", URL: "http://x/b.xml", CountryCode: "fr"},
		{ID: "c", URL: "http://x/c.xml", CountryCode: "de"},
		{ID: "d", URL: "http://x/d.xml"},
	}))

	de := reg.ByCountry("de")
	require.Len(t, de, 2)
	require.Equal(t, "a", de[0].ID)
	require.Equal(t, "c", de[1].ID)

	require.Empty(t, reg.ByCountry("us"))
}

func TestJSONFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg_sources.json")
	ctx := context.Background()

	p, err := Open(path)
	require.NoError(t, err)
	require.IsType(t, &JSONFile{}, p)

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)

	srcs := []Source{
		{ID: "1", Name: "Argentina 5", URL: "http://x/ar5.xml", CountryCode: "ar"},
		{ID: "2", Name: "Local", URL: "http://x/local.xml", LastFetchStatus: StatusOK},
		{ID: "3", Name: "Off", URL: "http://x/off.xml", Enabled: ptr(false)},
	}
	require.NoError(t, p.Save(ctx, srcs))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"epg_sources"`)
	require.Contains(t, string(raw), `"country_code": "ar"`)
	require.NotContains(t, string(raw), "last_fetch_at")
	require.Equal(t, 1, strings.Count(string(raw), `"enabled": false`))

	loaded, err = p.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, srcs, loaded)
}

func TestJSONFile_InvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg_sources.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := (&JSONFile{Path: path}).Load(context.Background())
	require.Error(t, err)
}

func TestSQLite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	p, err := Open(path)
	require.NoError(t, err)

	db, ok := p.(*SQLite)
	require.True(t, ok)

	defer db.Close()

	at := time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)
	srcs := []Source{
		{ID: "2", Name: "B", URL: "http://x/b.xml", Priority: 3},
		{ID: "1", Name: "A", URL: "http://x/a.xml", CountryCode: "de", LastFetchStatus: StatusOK, LastFetchAt: at},
		{ID: "3", Name: "C", URL: "http://x/c.xml", Enabled: ptr(false)},
	}
	require.NoError(t, db.Save(ctx, srcs))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, srcs, loaded)
	require.False(t, loaded[2].IsEnabled())
	require.True(t, loaded[0].IsEnabled())

	// Save replaces rather than appends.
	require.NoError(t, db.Save(ctx, srcs[:1]))

	loaded, err = db.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func ptr[T any](v T) *T {
	return &v
}
