package core

// mempool.go – bounded priority mempool (C5, spec §4.5). Grounded on the
// teacher's core/transactions.go txPriorityQueue (a container/heap over fee
// priority); kept the same heap shape here but reordered by oldest-first
// submission time, since this domain has no fee market and spec §4.5 only
// asks for submission-order fairness plus duplicate suppression.

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// mempoolItem is one queued submission, ordered by submission time (oldest
// drains first) with its heap index tracked for O(log n) removal.
type mempoolItem struct {
	tx       Transaction
	enqueued int64
	index    int
}

type mempoolHeap []*mempoolItem

func (h mempoolHeap) Len() int            { return len(h) }
func (h mempoolHeap) Less(i, j int) bool  { return h[i].enqueued < h[j].enqueued }
func (h mempoolHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *mempoolHeap) Push(x interface{}) {
	item := x.(*mempoolItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *mempoolHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Mempool implements C5: a bounded, duplicate-suppressing staging queue
// between the inbound handler and the transaction writer.
type Mempool struct {
	relay   *Relay
	metrics *Metrics
	log     *logrus.Entry
	shards  *ShardRouter

	mu       sync.Mutex
	heap     mempoolHeap
	known    map[Hash]struct{}
	capacity int
}

func NewMempool(relay *Relay, metrics *Metrics) *Mempool {
	return &Mempool{
		relay:    relay,
		metrics:  metrics,
		log:      relay.Log.WithField("component", "mempool"),
		known:    make(map[Hash]struct{}),
		capacity: relay.Config.MempoolCapacity,
	}
}

// SetShardRouter wires C7 into the drain path (spec §4.5/§4.7 "C5 ->
// processor -> C7 (if contract) -> C6"). Called once from cmd/node after
// both the mempool and the shard router are constructed; a mempool with no
// router attached (as in tests that exercise C5/C6 in isolation) simply
// skips shard ordering.
func (m *Mempool) SetShardRouter(shards *ShardRouter) {
	m.shards = shards
}

// Run drains Relay.MempoolInbound, stages accepted submissions on the
// internal heap, and periodically hands the oldest entry to the writer
// (spec §4.5 "a tick-based drain, not an immediate per-submission send",
// so a burst of submissions coalesces onto the bounded ProcessorInbound
// channel instead of spawning one goroutine per transaction).
func (m *Mempool) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case sub := <-m.relay.MempoolInbound:
			m.stage(sub)
		case <-ticker.C:
			m.drainOne()
		}
	}
}

func (m *Mempool) stage(sub MempoolSubmission) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.known[sub.Tx.Hash]; dup {
		m.respond(sub, NewError(ErrConflict, "transaction already known to mempool"))
		return
	}
	if _, _, ok := m.relay.Store.QueryMaybeTransaction(sub.Tx.Hash); ok {
		m.respond(sub, NewError(ErrConflict, "transaction already accepted"))
		return
	}
	if len(m.heap) >= m.capacity {
		m.respond(sub, NewError(ErrTransient, "mempool at capacity"))
		return
	}

	m.known[sub.Tx.Hash] = struct{}{}
	heap.Push(&m.heap, &mempoolItem{tx: sub.Tx, enqueued: time.Now().UnixNano()})
	m.respond(sub, nil)
	m.metrics.MempoolDepth.Set(float64(len(m.heap)))
}

func (m *Mempool) respond(sub MempoolSubmission, err *ErrorInfo) {
	if sub.ResponseChan == nil {
		return
	}
	select {
	case sub.ResponseChan <- err:
	default:
	}
}

// drainOne pops the oldest staged transaction, routes any contract-class
// outputs through C7 for contention ordering, and hands the result to the
// writer via ProcessorInbound, non-blocking so a full writer queue cannot
// stall the mempool's own tick (design note §9: bounded channels, never
// block).
func (m *Mempool) drainOne() {
	m.mu.Lock()
	if len(m.heap) == 0 {
		m.mu.Unlock()
		return
	}
	item := heap.Pop(&m.heap).(*mempoolItem)
	delete(m.known, item.tx.Hash)
	m.mu.Unlock()
	m.metrics.MempoolDepth.Set(float64(m.Depth()))

	wtx := WriteTransaction{Tx: item.tx, Time: time.Now().Unix(), UpdateUTXO: true}
	wtx.Rejection = m.orderThroughShards(item.tx)

	select {
	case m.relay.ProcessorInbound <- wtx:
	default:
		m.mu.Lock()
		m.known[item.tx.Hash] = struct{}{}
		heap.Push(&m.heap, item)
		m.mu.Unlock()
	}
}

// orderThroughShards dispatches every contract-class output of tx to C7 and
// waits for its contention-ordering verdict before the transaction is
// allowed to reach the writer (spec §4.7 "a transaction touching no request
// outputs bypasses the shards entirely"; one that does must clear C7 before
// C6 ever sees it). A full shard queue or policy rejection on any output
// fails the whole transaction; the writer still records the rejection via
// its normal AcceptTransaction(rejection) path.
func (m *Mempool) orderThroughShards(tx Transaction) *ErrorInfo {
	if m.shards == nil {
		return nil
	}
	for _, out := range tx.Outputs {
		if !HasContentionKey(out) {
			continue
		}
		resp := make(chan ContractStateMarker, 1)
		if !m.shards.Dispatch(ProcessTransaction{Tx: tx, Output: out, ResponseChan: resp}) {
			return NewError(ErrTransient, "contract-state shard at capacity").WithDetail("tx", tx.Hash.Hex())
		}
		marker := <-resp
		if marker.Err != nil {
			return marker.Err
		}
		if !marker.Accepted {
			return NewError(ErrValidation, "contract-state shard rejected output").WithDetail("tx", tx.Hash.Hex())
		}
	}
	return nil
}

// Depth reports the current staged queue length, used by the mempool_depth
// gauge. The /v1/tables endpoint reports the backlog of the mempool's
// inbound channel instead, not this value.
func (m *Mempool) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}
