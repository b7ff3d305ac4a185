package shrarena_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shrmem/shrmem/pkg/shrarena"
)

func TestDescribeMetaMatchesCreate(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 7, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	defer a.Close()

	tag, version, err := shrarena.DescribeMeta(name)
	require.NoError(t, err)
	require.Equal(t, testTag, tag)
	require.EqualValues(t, 7, version)
}

func TestDescribeMetaRemovedOnDestroy(t *testing.T) {
	name := freshName(t)

	a, err := shrarena.Create(name, testTag, 1, shrarena.CommonHeaderSlots+8)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, shrarena.Destroy(name))

	_, _, err = shrarena.DescribeMeta(name)
	require.ErrorIs(t, err, shrarena.ErrNotExist)
}
