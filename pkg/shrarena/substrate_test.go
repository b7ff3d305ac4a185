package shrarena_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

func freshName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("/shrarena-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = shrarena.Destroy(name) })
	return name
}

var testTag = [4]byte{'t', 'e', 's', 't'}

func TestCreateOpenClose(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	require.Equal(t, testTag, a.Tag())
	require.NoError(t, a.Close())

	b, err := shrarena.Open(name, testTag, 1)
	require.NoError(t, err)
	defer b.Close()
}

func TestOpenRejectsWrongTagOrVersion(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = shrarena.Open(name, [4]byte{'n', 'o', 'p', 'e'}, 1)
	require.Error(t, err)

	_, err = shrarena.Open(name, testTag, 2)
	require.Error(t, err)
}

func TestDestroyThenOpenFails(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, shrarena.Destroy(name))

	_, err = shrarena.Open(name, testTag, 1)
	require.Error(t, err)
}

func TestEnterExitCallTracksAccessors(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	defer a.Close()

	require.EqualValues(t, 0, a.SharedAccessors())
	a.EnterCall()
	require.EqualValues(t, 1, a.SharedAccessors())
	a.ExitCall()
	require.EqualValues(t, 0, a.SharedAccessors())
}

func TestGrowToExtendsRange(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	defer a.Close()

	far := shrarena.CommonHeaderSlots + 8 + shrarena.PageSlots()*2
	require.NoError(t, a.GrowTo(far))
	require.NoError(t, a.InsureInRange(far))
}

func TestIDCntrIsMonotonic(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	defer a.Close()

	prev := a.IDCntr()
	for i := 0; i < 100; i++ {
		next := a.IDCntr()
		require.Greater(t, next, prev)
		prev = next
	}
}
