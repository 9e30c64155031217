package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUTXOFindsUnspentEntry(t *testing.T) {
	relay := newTestRelay(t)
	id := fundTx(t, relay, 50)

	resolved, err := ResolveUTXO(relay.Store, id)
	require.Nil(t, err)
	require.Equal(t, id, resolved.Entry.Id)
	require.Equal(t, uint64(100), resolved.Entry.Output.Amount)
}

func TestResolveUTXOFallsBackToSpentOutput(t *testing.T) {
	relay := newTestRelay(t)
	id := fundTx(t, relay, 51)
	fundHash := id.TxHash

	spend := Transaction{
		Inputs:  []TxInput{{Id: id, Proofs: [][]byte{{1}}}},
		Outputs: []TxOutput{{Address: Address{Bytes: []byte{52}}, Amount: 100}},
		Hash:    Hash{51, 0xE},
	}
	require.NoError(t, relay.Store.AcceptTransaction(spend, 2, nil, true))

	resolved, err := ResolveUTXO(relay.Store, id)
	require.Nil(t, err)
	require.Equal(t, id, resolved.Entry.Id)
	require.Equal(t, fundHash, resolved.Origin.Hash)
}

func TestResolveUTXOUnknownFails(t *testing.T) {
	relay := newTestRelay(t)
	_, err := ResolveUTXO(relay.Store, UTXOId{TxHash: Hash{0xFF}, OutputIndex: 9})
	require.NotNil(t, err)
	require.Equal(t, ErrNotFound, err.Kind)
}
