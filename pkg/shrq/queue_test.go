package shrq_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shrq"
)

func freshName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("/shrq-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = shrq.Destroy(name) })
	return name
}

func TestBasicFIFO(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 2, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Add([]byte("a")))
	require.NoError(t, q.Add([]byte("b")))

	item, err := q.Remove()
	require.NoError(t, err)
	require.Equal(t, "a", string(item.Value))

	item, err = q.Remove()
	require.NoError(t, err)
	require.Equal(t, "b", string(item.Value))

	_, err = q.Remove()
	require.ErrorIs(t, err, shrq.ErrEmpty)
}

func TestDepthLimit(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 1, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Add([]byte("x")))
	err = q.Add([]byte("y"))
	require.ErrorIs(t, err, shrq.ErrLimit)

	count, err := q.Count()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestCoDelDiscard(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 0, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	defer q.Close()

	q.TimeLimit(50 * time.Millisecond)
	q.Discard(true)

	require.NoError(t, q.Add([]byte("a")))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, q.Add([]byte("b")))

	item, err := q.Remove()
	require.NoError(t, err)
	require.Equal(t, "b", string(item.Value))

	count, err := q.Count()
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

// TestAdaptiveLifo mirrors the concrete scenario "Adaptive LIFO": with
// Level(2) and LimitLifo(true), the first two items (added before COUNT
// reaches the level) stay FIFO, and later items are pushed onto the
// stack head instead of the tail, so Remove drains 4,3,1,2.
func TestAdaptiveLifo(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 0, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	defer q.Close()

	q.Level(2)
	q.LimitLifo(true)

	require.NoError(t, q.Add([]byte("1")))
	require.NoError(t, q.Add([]byte("2")))
	require.NoError(t, q.Add([]byte("3")))
	require.NoError(t, q.Add([]byte("4")))

	var got []string
	for i := 0; i < 4; i++ {
		item, err := q.Remove()
		require.NoError(t, err)
		got = append(got, string(item.Value))
	}
	require.Equal(t, []string{"4", "3", "1", "2"}, got)
}

func TestReopenAcrossHandles(t *testing.T) {
	name := freshName(t)
	w, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 0, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	require.NoError(t, w.Add([]byte("shared")))
	require.NoError(t, w.Close())

	r, err := shrq.Open(name, shrq.ReadWrite)
	require.NoError(t, err)
	defer r.Close()

	item, err := r.Remove()
	require.NoError(t, err)
	require.Equal(t, "shared", string(item.Value))
}

func TestCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 0, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Count()
	require.ErrorIs(t, err, shrq.ErrClosed)
}

func TestGrowthAcrossManyItems(t *testing.T) {
	name := freshName(t)
	q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: 0, Mode: shrq.ReadWrite})
	require.NoError(t, err)
	defer q.Close()

	const n = 5000
	payload := make([]byte, 256)
	for i := 0; i < n; i++ {
		require.NoError(t, q.Add(payload))
	}
	count, err := q.Count()
	require.NoError(t, err)
	require.EqualValues(t, n, count)

	for i := 0; i < n; i++ {
		_, err := q.Remove()
		require.NoError(t, err)
	}
	_, err = q.Remove()
	require.ErrorIs(t, err, shrq.ErrEmpty)
}
