package core

// trust.go – normalized per-peer trust scoring used by the multiparty
// coordinator's authorization check (spec §4.8 "trusted above a threshold
// (>= 0.1 in normalized trust)"). Grounded on the teacher's
// core/authority_nodes.go admission-threshold pattern (vote counts gating
// a role's activation); here the gate is a single continuous score instead
// of a role/vote table, since the spec has no governance-vote concept.

import "sync"

// MultipartyTrustThreshold is the minimum normalized trust a peer's public
// key must carry before a follower will accept an initiate_keygen or
// initiate_signing request from it (spec §4.8).
const MultipartyTrustThreshold = 0.1

// TrustTable tracks a normalized [0,1] trust score per known node.
// Discovery raises a peer's score each time its eager path contacts that
// peer (discovery.go reconcile); nothing in core/ lowers it on send
// failure.
type TrustTable struct {
	mu     sync.RWMutex
	scores map[NodeID]float64
}

func NewTrustTable() *TrustTable {
	return &TrustTable{scores: make(map[NodeID]float64)}
}

// Score returns the current normalized trust for id, defaulting to 0 for
// an unknown peer (an unknown peer must never pass the multiparty
// authorization check).
func (t *TrustTable) Score(id NodeID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scores[id]
}

// SetScore clamps and stores a trust value.
func (t *TrustTable) SetScore(id NodeID, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[id] = score
}

// Bump increases trust toward 1 by delta, used by discovery's eager path
// each time it records a freshly-seen peer.
func (t *TrustTable) Bump(id NodeID, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scores[id] + delta
	if s > 1 {
		s = 1
	}
	t.scores[id] = s
}

// Penalize decreases trust toward 0 by delta; no component in core/ calls
// it.
func (t *TrustTable) Penalize(id NodeID, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scores[id] - delta
	if s < 0 {
		s = 0
	}
	t.scores[id] = s
}

// IsAuthorizedInitiator reports whether id clears MultipartyTrustThreshold.
func (t *TrustTable) IsAuthorizedInitiator(id NodeID) bool {
	return t.Score(id) >= MultipartyTrustThreshold
}
