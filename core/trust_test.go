package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustTableScoreDefaultsToZero(t *testing.T) {
	tt := NewTrustTable()
	require.Equal(t, float64(0), tt.Score(NodeID("unknown")))
	require.False(t, tt.IsAuthorizedInitiator(NodeID("unknown")))
}

func TestTrustTableSetScoreClampsToUnitRange(t *testing.T) {
	tt := NewTrustTable()
	tt.SetScore(NodeID("a"), 5)
	require.Equal(t, float64(1), tt.Score(NodeID("a")))

	tt.SetScore(NodeID("b"), -5)
	require.Equal(t, float64(0), tt.Score(NodeID("b")))
}

func TestTrustTableBumpAndPenalizeClamp(t *testing.T) {
	tt := NewTrustTable()
	id := NodeID("peer")

	tt.Bump(id, 0.05)
	require.Equal(t, 0.05, tt.Score(id))

	tt.SetScore(id, 0.99)
	tt.Bump(id, 0.5)
	require.Equal(t, float64(1), tt.Score(id))

	tt.SetScore(id, 0.02)
	tt.Penalize(id, 0.5)
	require.Equal(t, float64(0), tt.Score(id))
}

func TestTrustTableIsAuthorizedInitiatorThreshold(t *testing.T) {
	tt := NewTrustTable()
	id := NodeID("peer")

	tt.SetScore(id, 0.1)
	require.True(t, tt.IsAuthorizedInitiator(id))

	tt.SetScore(id, 0.09999)
	require.False(t, tt.IsAuthorizedInitiator(id))
}
