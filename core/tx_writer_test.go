package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fundTx returns a genesis-style transaction with no inputs, creating one
// spendable output at a seed-derived address, and accepts it directly
// against the store.
func fundTx(t *testing.T, relay *Relay, seed byte) UTXOId {
	t.Helper()
	tx := Transaction{
		Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{seed}}, Amount: 100}},
	}
	tx.Hash = ComputeTransactionHash(tx)
	require.NoError(t, relay.Store.AcceptTransaction(tx, 1, nil, true))
	return UTXOId{TxHash: tx.Hash, OutputIndex: 0}
}

// fundTxKeyed is fundTx but also returns the key controlling the new output,
// for tests that need to spend it with a real proof.
func fundTxKeyed(t *testing.T, relay *Relay, seed byte) (UTXOId, *KeyPair) {
	t.Helper()
	kp := newTestKeyPair(t)
	addr, err := PublicKeyToAddress(kp.PublicKey(), CurrencyRedgold)
	require.NoError(t, err)
	tx := Transaction{
		Outputs: []TxOutput{{Address: addr, Amount: 100}},
	}
	tx.Hash = ComputeTransactionHash(tx)
	require.NoError(t, relay.Store.AcceptTransaction(tx, 1, nil, true))
	return UTXOId{TxHash: tx.Hash, OutputIndex: 0}, kp
}

// spendTx builds a transaction spending id (controlled by kp) into a fresh
// output, with a correctly computed hash and a valid proof attached.
func spendTx(t *testing.T, kp *KeyPair, id UTXOId, amount uint64, outSeed byte) Transaction {
	t.Helper()
	tx := Transaction{
		Inputs:  []TxInput{{Id: id}},
		Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{outSeed}}, Amount: amount}},
	}
	tx.Hash = ComputeTransactionHash(tx)
	proof, err := SignInputProof(kp.Private, tx.Hash)
	require.NoError(t, err)
	tx.Inputs[0].Proofs = [][]byte{proof}
	return tx
}

func TestWriterAcceptsValidSpend(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, kp := fundTxKeyed(t, relay, 10)
	spend := spendTx(t, kp, id, 100, 11)

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: spend, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	require.Nil(t, <-resp)
	require.False(t, relay.Store.UTXOIdValid(id))
}

func TestWriterRejectsUnknownInput(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	tx := Transaction{
		Inputs:  []TxInput{{Id: UTXOId{TxHash: Hash{99}, OutputIndex: 0}, Proofs: [][]byte{{1}}}},
		Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{1}}, Amount: 5}},
	}
	tx.Hash = ComputeTransactionHash(tx)

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: tx, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err := <-resp
	require.NotNil(t, err)
	require.Equal(t, ErrConflict, err.Kind)
}

func TestWriterRejectsMissingProof(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, _ := fundTxKeyed(t, relay, 20)
	tx := Transaction{
		Inputs:  []TxInput{{Id: id}},
		Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{21}}, Amount: 100}},
	}
	tx.Hash = ComputeTransactionHash(tx)

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: tx, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err := <-resp
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestWriterRejectsDuplicateInputWithinTx(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, kp := fundTxKeyed(t, relay, 30)
	tx := Transaction{
		Inputs:  []TxInput{{Id: id}, {Id: id}},
		Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{31}}, Amount: 100}},
	}
	tx.Hash = ComputeTransactionHash(tx)
	proof, err := SignInputProof(kp.Private, tx.Hash)
	require.NoError(t, err)
	tx.Inputs[0].Proofs = [][]byte{proof}
	tx.Inputs[1].Proofs = [][]byte{proof}

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: tx, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err2 := <-resp
	require.NotNil(t, err2)
	require.Equal(t, ErrValidation, err2.Kind)
}

func TestWriterRejectsBadHash(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, kp := fundTxKeyed(t, relay, 40)
	spend := spendTx(t, kp, id, 100, 41)
	spend.Hash[0] ^= 0xFF

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: spend, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err := <-resp
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestWriterRejectsProofFromWrongKey(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, _ := fundTxKeyed(t, relay, 50)
	wrongKey := newTestKeyPair(t)
	spend := spendTx(t, wrongKey, id, 100, 51)

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: spend, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err := <-resp
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestWriterRejectsOutputsExceedingInputs(t *testing.T) {
	relay := newTestRelay(t)
	w := NewWriter(relay, NewMetrics())

	id, kp := fundTxKeyed(t, relay, 60)
	spend := spendTx(t, kp, id, 1000, 61)

	resp := make(chan *ErrorInfo, 1)
	w.process(WriteTransaction{Tx: spend, Time: 2, UpdateUTXO: true, ResponseChan: resp})

	err := <-resp
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}
