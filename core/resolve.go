package core

// resolve.go – UTXO-id to full output resolution (SPEC_FULL.md
// supplemented feature, original_source/'s resolve-output path). Used by
// the explorer endpoint (peer_inbound.go). Grounded on the
// teacher's core/ledger.go GetUTXO plus GetBlock pairing (resolving an id
// to both the entry and its originating transaction).

// ResolvedOutput pairs a UTXO entry with the transaction that created it.
type ResolvedOutput struct {
	Entry  UTXOEntry
	Origin Transaction
}

// ResolveUTXO looks up id's current entry and its originating transaction
// in one call. When no entry exists (the output was spent) it rebuilds the
// entry from the originating transaction's output at id.OutputIndex. It
// returns ErrNotFound when neither path resolves, and also when an entry
// exists without its originating transaction (a store invariant
// violation, still reported as NotFound since resolution is a read path
// that must never panic).
func ResolveUTXO(store *Store, id UTXOId) (*ResolvedOutput, *ErrorInfo) {
	if e, ok := store.UTXOEntry(id); ok {
		tx, _, ok := store.QueryMaybeTransaction(id.TxHash)
		if !ok {
			return nil, NewError(ErrNotFound, "UTXO entry has no originating transaction on record").WithDetail("utxo", id.Hex())
		}
		return &ResolvedOutput{Entry: *e, Origin: *tx}, nil
	}
	if !store.UTXOIdValid(id) {
		tx, _, ok := store.QueryMaybeTransaction(id.TxHash)
		if ok {
			for idx, out := range tx.Outputs {
				if uint32(idx) == id.OutputIndex {
					return &ResolvedOutput{Entry: UTXOEntry{Id: id, Output: out, AcceptanceTime: tx.Time}, Origin: *tx}, nil
				}
			}
		}
	}
	return nil, NewError(ErrNotFound, "UTXO id does not resolve to any known output").WithDetail("utxo", id.Hex())
}
