package core

// tx_writer.go – the transaction writer (C6, spec §4.6). Grounded on the
// teacher's core/transactions.go TxPool.ValidateTx (structural validation
// before acceptance) and core/ledger.go AddBlock (the single place UTXO
// state actually mutates); here both collapse into one synchronous path
// since there is no block assembly step, only per-transaction acceptance.

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Writer implements C6: single-consumer drain of Relay.ProcessorInbound.
type Writer struct {
	relay   *Relay
	metrics *Metrics
	log     *logrus.Entry
}

func NewWriter(relay *Relay, metrics *Metrics) *Writer {
	return &Writer{relay: relay, metrics: metrics, log: relay.Log.WithField("component", "writer")}
}

// Run drains ProcessorInbound until stop is closed. One consumer only:
// spec §4.6 requires writes to serialize through the store's own lock, and
// a single consumer keeps accept_transaction calls ordered by arrival.
func (w *Writer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case wtx := <-w.relay.ProcessorInbound:
			w.process(wtx)
		}
	}
}

func (w *Writer) process(wtx WriteTransaction) {
	if wtx.Rejection == nil {
		if err := w.validate(wtx.Tx); err != nil {
			wtx.Rejection = err
		}
	}

	at := wtx.Time
	if at == 0 {
		at = time.Now().Unix()
	}

	if err := w.relay.Store.AcceptTransaction(wtx.Tx, at, wtx.Rejection, wtx.UpdateUTXO && wtx.Rejection == nil); err != nil {
		w.respond(wtx, err.(*ErrorInfo))
		w.relay.Abort(NewError(ErrFatal, "store write failed").WithDetail("tx", wtx.Tx.Hash.Hex()))
		return
	}

	if wtx.Rejection != nil {
		w.metrics.TransactionsRejected.WithLabelValues(wtx.Rejection.Kind.String()).Inc()
		w.respond(wtx, wtx.Rejection)
		return
	}

	// Post-write UTXO invariant check (spec §8): every input this
	// transaction spent must now be gone from the unspent set. A residual
	// valid entry means the store applied the record inconsistently,
	// which is unrecoverable without operator intervention.
	for _, in := range wtx.Tx.Inputs {
		if w.relay.Store.UTXOIdValid(in.Id) {
			w.relay.Abort(NewError(ErrFatal, "spent UTXO still valid after write").WithDetail("utxo", in.Id.Hex()))
			w.respond(wtx, NewError(ErrFatal, "post-write invariant violated"))
			return
		}
	}

	w.metrics.TransactionsAccepted.Inc()
	w.respond(wtx, nil)
}

// validate checks structure, the transaction hash, each input's existence,
// proof and uniqueness, and value conservation before writing. It is the
// only validation pass: the mempool suppresses duplicates and enforces
// capacity but does not validate transactions.
func (w *Writer) validate(tx Transaction) *ErrorInfo {
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return NewError(ErrValidation, "transaction has no inputs or outputs")
	}
	if want := ComputeTransactionHash(tx); want != tx.Hash {
		return NewError(ErrValidation, "transaction hash does not match its signable bytes").WithDetail("expected", want.Hex()).WithDetail("actual", tx.Hash.Hex())
	}

	seen := make(map[UTXOId]struct{}, len(tx.Inputs))
	var inputTotal uint64
	for _, in := range tx.Inputs {
		if _, dup := seen[in.Id]; dup {
			return NewError(ErrValidation, "duplicate input within transaction").WithDetail("utxo", in.Id.Hex())
		}
		seen[in.Id] = struct{}{}
		if !w.relay.Store.UTXOIdValid(in.Id) {
			return NewError(ErrConflict, "input references an unknown or already-spent UTXO").WithDetail("utxo", in.Id.Hex())
		}
		if len(in.Proofs) == 0 {
			return NewError(ErrValidation, "input carries no proof").WithDetail("utxo", in.Id.Hex())
		}
		entry, ok := w.relay.Store.UTXOEntry(in.Id)
		if !ok {
			return NewError(ErrConflict, "input references an unknown or already-spent UTXO").WithDetail("utxo", in.Id.Hex())
		}
		satisfied := false
		for _, proof := range in.Proofs {
			if ok, _ := VerifyInputProof(proof, entry.Output.Address, tx.Hash); ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return NewError(ErrValidation, "input proofs do not satisfy the referenced output's address").WithDetail("utxo", in.Id.Hex())
		}
		inputTotal += entry.Output.Amount
	}

	var outputTotal uint64
	for _, out := range tx.Outputs {
		outputTotal += out.Amount
	}
	if len(tx.Inputs) > 0 && outputTotal > inputTotal {
		return NewError(ErrValidation, "output amount exceeds input amount").WithDetail("inputs", fmt.Sprint(inputTotal)).WithDetail("outputs", fmt.Sprint(outputTotal))
	}

	return nil
}

func (w *Writer) respond(wtx WriteTransaction, err *ErrorInfo) {
	if wtx.ResponseChan == nil {
		return
	}
	select {
	case wtx.ResponseChan <- err:
	default:
	}
}
