package core

// relay.go – construction of the Relay handle (design note §9). Built once
// in cmd/node/main.go and passed as a *Relay into every component
// constructor; every field is itself a reference type, so one shared handle
// replaces any package-level statics (the teacher's Node/Ledger/TxPool
// singletons are exactly the pattern design note §9 asks us not to repeat).

import (
	"github.com/sirupsen/logrus"
)

// NewRelay wires a Store, metrics-bearing logger, and the channels every
// component needs to talk to its neighbors (spec §2 "communicating
// exclusively through typed message channels").
func NewRelay(self NodeMetadata, cfg *RelayConfig, store *Store, log *logrus.Logger) *Relay {
	return &Relay{
		Self:              self,
		Config:            cfg,
		Store:             store,
		MempoolInbound:    make(chan MempoolSubmission, cfg.MempoolCapacity),
		ProcessorInbound:  make(chan WriteTransaction, cfg.ProcessorBufferSize),
		ContractResponses: make(chan ContractStateMarker, cfg.ProcessorBufferSize),
		AbortChan:         make(chan *ErrorInfo, 16),
		Log:               log.WithField("component", "relay"),
	}
}

// Abort pushes a fatal ErrorInfo onto the abort channel without blocking;
// if the channel is full the error is logged instead, since a stalled
// abort channel must never deadlock the reporting goroutine.
func (r *Relay) Abort(err *ErrorInfo) {
	select {
	case r.AbortChan <- err:
	default:
		r.Log.WithField("error", err.Error()).Error("abort channel full, dropping")
	}
}

// WatchAborts logs every fatal error until the channel is closed; callers
// that need stronger behavior (process exit) wrap this themselves.
func (r *Relay) WatchAborts() {
	for err := range r.AbortChan {
		r.Log.WithField("kind", err.Kind.String()).WithField("message", err.Message).Error("fatal error observed")
	}
}
