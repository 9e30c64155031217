package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXorDistanceHexSymmetric(t *testing.T) {
	d1 := xorDistanceHex("a", "b")
	d2 := xorDistanceHex("b", "a")
	require.Equal(t, 0, d1.Cmp(d2))

	same := xorDistanceHex("a", "a")
	require.Equal(t, 0, same.Sign())
}

func TestXorDistanceHexDiffersForDifferentInputs(t *testing.T) {
	d := xorDistanceHex("peer-a", "peer-b")
	require.NotEqual(t, 0, d.Sign())
}
