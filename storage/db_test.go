package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	level, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		level.Close()
		bolt.Close()
	})
	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
}

func collect(t *testing.T, db Database, prefix, start []byte) []string {
	t.Helper()
	var keys []string
	require.NoError(t, db.Iterate(prefix, start, func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	return keys
}

func TestBackendsBasicOperations(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
			require.NoError(t, db.Put([]byte("a/2"), []byte("two")))
			require.NoError(t, db.Put([]byte("b/1"), []byte("other")))

			val, err := db.Get([]byte("a/1"))
			require.NoError(t, err)
			require.Equal(t, "one", string(val))

			ok, err := db.Has([]byte("a/2"))
			require.NoError(t, err)
			require.True(t, ok)

			require.Equal(t, []string{"a/1", "a/2"}, collect(t, db, []byte("a/"), nil))
			require.Equal(t, []string{"a/2"}, collect(t, db, []byte("a/"), []byte("2")))

			require.NoError(t, db.Delete([]byte("a/1")))
			ok, err = db.Has([]byte("a/1"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBackendsBatchWrite(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("gone"), []byte("x")))
			batch := db.NewBatch()
			batch.Put([]byte("k1"), []byte("v1"))
			batch.Put([]byte("k2"), []byte("v2"))
			batch.Delete([]byte("gone"))
			require.Equal(t, 3, batch.Len())

			_, err := db.Get([]byte("k1"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, batch.Write())
			val, err := db.Get([]byte("k2"))
			require.NoError(t, err)
			require.Equal(t, "v2", string(val))
			_, err = db.Get([]byte("gone"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCachedDBCommitAndDiscard(t *testing.T) {
	lower := NewMemDB()
	require.NoError(t, lower.Put([]byte("p/a"), []byte("A")))
	require.NoError(t, lower.Put([]byte("p/c"), []byte("C")))

	overlay := NewCachedDB(lower)
	require.NoError(t, overlay.Put([]byte("p/b"), []byte("B")))
	require.NoError(t, overlay.Delete([]byte("p/c")))

	require.Equal(t, []string{"p/a", "p/b"}, collect(t, overlay, []byte("p/"), nil))
	_, err := lower.Get([]byte("p/b"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, overlay.Dirty())

	overlay.Discard()
	require.Equal(t, []string{"p/a", "p/c"}, collect(t, overlay, []byte("p/"), nil))

	require.NoError(t, overlay.Put([]byte("p/b"), []byte("B")))
	n, err := overlay.Commit()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	val, err := lower.Get([]byte("p/b"))
	require.NoError(t, err)
	require.Equal(t, "B", string(val))
	require.Zero(t, overlay.Dirty())
}

func TestCachedDBIterateStopsEarly(t *testing.T) {
	lower := NewMemDB()
	require.NoError(t, lower.Put([]byte("x/1"), []byte("1")))
	require.NoError(t, lower.Put([]byte("x/3"), []byte("3")))
	overlay := NewCachedDB(lower)
	require.NoError(t, overlay.Put([]byte("x/0"), []byte("0")))
	require.NoError(t, overlay.Put([]byte("x/2"), []byte("2")))
	require.NoError(t, overlay.Put([]byte("x/4"), []byte("4")))

	var keys []string
	require.NoError(t, overlay.Iterate([]byte("x/"), nil, func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return len(keys) < 3
	}))
	require.Equal(t, []string{"x/0", "x/1", "x/2"}, keys)
	require.Equal(t, []string{"x/0", "x/1", "x/2", "x/3", "x/4"}, collect(t, overlay, []byte("x/"), nil))
}

func TestNestedCachedDB(t *testing.T) {
	base := NewMemDB()
	outer := NewCachedDB(base)
	inner := NewCachedDB(outer)
	require.NoError(t, inner.Put([]byte("k"), []byte("v")))
	_, err := inner.Commit()
	require.NoError(t, err)

	ok, err := base.Has([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = outer.Commit()
	require.NoError(t, err)
	ok, err = base.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
}
