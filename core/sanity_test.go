package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunMigrationsAppliesOnceAndRecordsMarker(t *testing.T) {
	relay := newTestRelay(t)
	calls := 0
	migrations := []Migration{{Name: "seed-config", Run: func(*Store) error { calls++; return nil }}}
	s := NewSanity(relay, NewMetrics(), migrations)

	require.NoError(t, s.RunMigrations())
	require.Equal(t, 1, calls)

	// Second call must not re-run the migration.
	s2 := NewSanity(relay, NewMetrics(), migrations)
	require.NoError(t, s2.RunMigrations())
	require.Equal(t, 1, calls)

	_, done := relay.Store.StoredState("migration:seed-config")
	require.True(t, done)
}

func TestRunMigrationsStopsAtFirstFailure(t *testing.T) {
	relay := newTestRelay(t)
	secondRan := false
	migrations := []Migration{
		{Name: "bad", Run: func(*Store) error { return errors.New("boom") }},
		{Name: "good", Run: func(*Store) error { secondRan = true; return nil }},
	}
	s := NewSanity(relay, NewMetrics(), migrations)

	err := s.RunMigrations()
	require.Error(t, err)
	require.False(t, secondRan)
}

func TestHistoricalParityReportsMerkleRootOverEntries(t *testing.T) {
	relay := newTestRelay(t)
	_ = fundTx(t, relay, 40)

	s := NewSanity(relay, NewMetrics(), nil)
	report, err := s.HistoricalParity()
	require.NoError(t, err)
	require.NotEmpty(t, report.MerkleRoot)
	require.Empty(t, report.Divergent)
}

func TestHistoricalParityEmptyStoreNoMerkleRoot(t *testing.T) {
	relay := newTestRelay(t)
	s := NewSanity(relay, NewMetrics(), nil)

	report, err := s.HistoricalParity()
	require.NoError(t, err)
	require.Empty(t, report.MerkleRoot)
}
