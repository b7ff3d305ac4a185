package shmap_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shmap"
)

func freshName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("/shmap-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = shmap.Destroy(name) })
	return name
}

func TestAddGetRemove(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Add([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	existing, err := m.Add([]byte("k"), []byte("v2"))
	require.ErrorIs(t, err, shmap.ErrConflict)
	require.Equal(t, "v1", string(existing))

	value, _, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(value))

	require.NoError(t, m.Remove([]byte("k")))
	_, _, err = m.Get([]byte("k"))
	require.ErrorIs(t, err, shmap.ErrNoMatch)
}

// TestUpsertAndUpdateToken mirrors the concrete scenario "Map upsert +
// update token": a stale token is rejected, the matching one succeeds
// and hands back a fresh token that reads through to the new value.
func TestUpsertAndUpdateToken(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Add([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, t1, err := m.Get([]byte("k"))
	require.NoError(t, err)

	existing, err := m.Update([]byte("k"), []byte("v3"), shmap.Token(uint64(t1)-1))
	require.ErrorIs(t, err, shmap.ErrConflict)
	require.Equal(t, "v1", string(existing))

	_, err = m.Update([]byte("k"), []byte("v3"), t1)
	require.NoError(t, err)

	value, _, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(value))
}

func TestPutOverwritesWithoutConflict(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put([]byte("k"), []byte("v1")))
	require.NoError(t, m.Put([]byte("k"), []byte("v2")))

	value, _, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(value))

	count, err := m.Count()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestGetPartialAndAttr(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Add([]byte("k"), []byte("hello world"))
	require.NoError(t, err)

	partial, _, err := m.GetPartial([]byte("k"), 6, 5)
	require.NoError(t, err)
	require.Equal(t, "world", string(partial))

	attr, err := m.GetAttr([]byte("k"))
	require.NoError(t, err)

	_, token, err := m.Get([]byte("k"))
	require.NoError(t, err)

	want := shmap.Attr{KeyLen: 1, ValueLen: 11, Token: token}
	if diff := cmp.Diff(want, attr); diff != "" {
		t.Errorf("GetAttr mismatch (-want +got):\n%s", diff)
	}
}

func TestReopenAcrossHandles(t *testing.T) {
	name := freshName(t)
	w, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	_, err = w.Add([]byte("k"), []byte("shared"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := shmap.Open(name)
	require.NoError(t, err)
	defer r.Close()

	value, _, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "shared", string(value))
}

func TestCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Count()
	require.ErrorIs(t, err, shmap.ErrClosed)
}

// TestGrowthAcrossManyKeys mirrors the concrete scenario "Map bucket
// overflow": with a 16-bucket, 15-cell-per-bucket array, inserting far
// more than 240 keys forces individual buckets past capacity, driving
// expand_hash_index and incremental rehash, and every key remains
// retrievable afterward.
func TestGrowthAcrossManyKeys(t *testing.T) {
	name := freshName(t)
	m, err := shmap.Create(shmap.Options{Name: name})
	require.NoError(t, err)
	defer m.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		_, err := m.Add([]byte(key), []byte("v"))
		require.NoError(t, err)
	}
	count, err := m.Count()
	require.NoError(t, err)
	require.EqualValues(t, n, count)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		_, _, err := m.Get([]byte(key))
		require.NoError(t, err)
	}
}
