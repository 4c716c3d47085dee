package gun

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "gun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_MergeAndGet(t *testing.T) {
	store := testStore(t)

	node := NewNode("oip:records:abc:post-1", map[string]interface{}{"title": "v1"}, 100)
	merged, changed, err := store.Merge(node)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "v1", merged.Fields["title"])

	got, err := store.Get("oip:records:abc:post-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Fields["title"])
	assert.Equal(t, float64(100), got.StateOf("title"))
}

func TestStore_MergeRespectsHAM(t *testing.T) {
	store := testStore(t)

	_, _, err := store.Merge(NewNode("s", map[string]interface{}{"title": "newer"}, 200))
	require.NoError(t, err)

	_, changed, err := store.Merge(NewNode("s", map[string]interface{}{"title": "stale"}, 100))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := store.Get("s")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Fields["title"])
}

func TestStore_GetMissing(t *testing.T) {
	store := testStore(t)
	_, err := store.Get("nope")
	require.Error(t, err)
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))
}

func TestStore_Delete(t *testing.T) {
	store := testStore(t)
	_, _, err := store.Merge(NewNode("s", map[string]interface{}{"a": 1.0}, 1))
	require.NoError(t, err)

	require.NoError(t, store.Delete("s"))
	_, err = store.Get("s")
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))

	assert.NoError(t, store.Delete("s"), "deleting absent node is fine")
}

func TestStore_EachPrefix(t *testing.T) {
	store := testStore(t)
	souls := []string{
		"oip:deleted:records:aaa",
		"oip:deleted:records:bbb",
		"oip:records:abc:post-1",
	}
	for i, soul := range souls {
		_, _, err := store.Merge(NewNode(soul, map[string]interface{}{"n": float64(i)}, 1))
		require.NoError(t, err)
	}

	var seen []string
	err := store.EachPrefix("oip:deleted:records:", func(node *Node) error {
		seen = append(seen, node.Soul())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"oip:deleted:records:aaa", "oip:deleted:records:bbb"}, seen)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gun.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	_, _, err = store.Merge(NewNode("s", map[string]interface{}{"title": "kept"}, 5))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get("s")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Fields["title"])
}

func TestStore_IndexedMark(t *testing.T) {
	store := testStore(t)

	ok, err := store.Indexed("abc123:r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkIndexed("abc123:r1"))
	ok, err = store.Indexed("abc123:r1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_DeleteClearsIndexedMark(t *testing.T) {
	store := testStore(t)
	_, _, err := store.Merge(NewNode("abc123:r1", map[string]interface{}{"title": "x"}, 1))
	require.NoError(t, err)
	require.NoError(t, store.MarkIndexed("abc123:r1"))

	require.NoError(t, store.Delete("abc123:r1"))

	ok, err := store.Indexed("abc123:r1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Get("abc123:r1")
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))
}
