package core

// sanity.go – recent/historical parity checks and startup migrations
// (C11, SPEC_FULL.md's supplemented-features reconciliation of spec.md's
// recent-window parity check with original_source/'s additional slower
// historical pass). Grounded on the teacher's core/ledger.go StateRoot
// (a Merkle digest over stored state used to detect divergence).

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration is a one-shot, idempotent data repair or schema change, gated
// on a "migration:<name>" stored_state marker so RunMigrations skips it once
// recorded. Stored state is held in memory only (store.go), so the marker
// does not survive a restart and a reopened store runs the migration again.
type Migration struct {
	Name string
	Run  func(*Store) error
}

// Sanity implements C11.
type Sanity struct {
	relay      *Relay
	metrics    *Metrics
	log        *logrus.Entry
	migrations []Migration
}

func NewSanity(relay *Relay, metrics *Metrics, migrations []Migration) *Sanity {
	return &Sanity{relay: relay, metrics: metrics, log: relay.Log.WithField("component", "sanity"), migrations: migrations}
}

// RunMigrations applies every migration not yet recorded as done in
// config_store, in order, stopping at the first failure so a broken
// migration cannot silently skip past unapplied state.
func (s *Sanity) RunMigrations() error {
	for _, m := range s.migrations {
		key := "migration:" + m.Name
		if _, done := s.relay.Store.StoredState(key); done {
			continue
		}
		if err := m.Run(s.relay.Store); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		s.relay.Store.SetStoredState(key, time.Now().UTC().Format(time.RFC3339))
		s.log.WithField("migration", m.Name).Info("applied migration")
	}
	return nil
}

// ParityReport is the result of a parity pass: the Merkle root computed
// over the checked window, and any UTXO entries whose children disagree
// with the recorded spend (spec §8 invariant checks surfaced as a report
// rather than silently self-healing, since self-healing a divergence is
// exactly the kind of hidden behavior the error-handling design (spec §7)
// asks to surface instead of hide).
type ParityReport struct {
	WindowStart, WindowEnd int64
	MerkleRoot             []byte
	Divergent              []UTXOId
}

// RecentParity checks the unspent UTXO entries accepted within the last
// window: it computes a Merkle root over each entry's "id:address" string
// and reports as divergent any entry that no longer passes UTXOIdValid.
func (s *Sanity) RecentParity(window time.Duration) (*ParityReport, error) {
	end := time.Now().Unix()
	start := end - int64(window.Seconds())
	return s.parityOver(start, end)
}

// HistoricalParity runs the same check across the entire store, intended
// for a slower cadence (e.g. once per day) than RecentParity.
func (s *Sanity) HistoricalParity() (*ParityReport, error) {
	return s.parityOver(0, time.Now().Unix())
}

func (s *Sanity) parityOver(start, end int64) (*ParityReport, error) {
	entries := s.relay.Store.UTXOFilterTime(start, end)
	leaves := make([][]byte, 0, len(entries))
	var divergent []UTXOId
	for _, e := range entries {
		blob, err := entryDigestInput(e)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, blob)
		// An entry returned by UTXOFilterTime is unspent at the time of
		// the scan; if it no longer passes UTXOIdValid the spend race
		// detector (a child was recorded between the two reads) found a
		// genuine divergence worth reporting, not repairing silently.
		if !s.relay.Store.UTXOIdValid(e.Id) {
			divergent = append(divergent, e.Id)
		}
	}

	report := &ParityReport{WindowStart: start, WindowEnd: end, Divergent: divergent}
	if len(leaves) > 0 {
		root, err := ComputeMerkleRoot(leaves)
		if err != nil {
			return nil, err
		}
		report.MerkleRoot = root
	}
	if len(divergent) > 0 {
		s.log.WithField("count", len(divergent)).Warn("parity check found divergent UTXO entries")
	}
	return report, nil
}

func entryDigestInput(e UTXOEntry) ([]byte, error) {
	return []byte(e.Id.Hex() + ":" + e.Output.Address.Hex()), nil
}
