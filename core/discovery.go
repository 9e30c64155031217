package core

// discovery.go – peer discovery (C4, spec §4.4). Grounded on the teacher's
// core/kademlia.go bucket-refresh loop, generalized to the two discovery
// triggers SPEC_FULL.md's supplemented-features section reconciles: a
// periodic roll-call tick that clears dead peers and gossips the peer set,
// and an eager path fired the moment an unknown peer is seen in an inbound
// request (peer_inbound.go's Dispatch). The roll-call adds the peers it
// learns directly and hands only previously-unknown ones to the eager
// queue, which the reconcile step consumes.

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Discovery implements C4.
type Discovery struct {
	relay     *Relay
	transport *Transport
	trust     *TrustTable
	metrics   *Metrics
	log       *logrus.Entry

	eager chan NodeMetadata
}

func NewDiscovery(relay *Relay, transport *Transport, trust *TrustTable, metrics *Metrics) *Discovery {
	return &Discovery{
		relay:     relay,
		transport: transport,
		trust:     trust,
		metrics:   metrics,
		log:       relay.Log.WithField("component", "discovery"),
		eager:     make(chan NodeMetadata, 256),
	}
}

// EnqueueEager schedules an unknown peer for immediate discovery, called
// from the inbound handler the moment a request from a stranger arrives
// (spec §4.4 "the moment any other component observes an address it does
// not recognize"). Non-blocking: if the queue is full the peer is dropped;
// it is seen again only if a later roll-call reply lists it or it sends
// another request.
func (d *Discovery) EnqueueEager(meta NodeMetadata) {
	select {
	case d.eager <- meta:
	default:
	}
}

// Run drives both discovery paths until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.relay.Config.DiscoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.rollCall(ctx)
		case meta := <-d.eager:
			d.reconcile(ctx, meta)
		}
	}
}

// rollCall implements the periodic path: clear peers not seen within
// PeerDeadAfter, then broadcast a get_peers_info request so every live peer
// re-confirms itself (spec §4.4).
func (d *Discovery) rollCall(ctx context.Context) {
	cutoff := time.Now().Add(-d.relay.Config.PeerDeadAfter).Unix()
	cleared := 0
	for _, p := range d.relay.Store.PeerAll() {
		if p.LastSeen < cutoff && p.LastSeen != 0 {
			d.relay.Store.PeerRemove(NodeIDOf(p.PublicKey))
			cleared++
		}
	}
	if cleared > 0 {
		d.metrics.PeerDiscoveryClearDead.Add(float64(cleared))
	}

	respCh := make(chan *Response, 256)
	d.transport.Send(ctx, PeerMessage{
		Broadcast:    true,
		Request:      &Request{GetPeersInfo: &GetPeersInfoRequest{}},
		ResponseChan: respCh,
	})
	d.drainRollCallResponses(ctx, respCh)
	d.metrics.PeerCount.Set(float64(len(d.relay.Store.PeerAll())))
}

// drainRollCallResponses implements step 3 of the periodic discovery tick:
// accept new peer entries from every get_peers_info reply that arrives
// within the broadcast window, drop any entry that is actually stale
// self-info (a peer echoing this node back as if it were a third party),
// and enqueue previously-unknown keys onto the eager path so they get a
// direct follow-up instead of waiting for the next tick.
func (d *Discovery) drainRollCallResponses(ctx context.Context, respCh chan *Response) {
	selfID := NodeIDOf(d.relay.Self.PublicKey)
	d.relay.Store.PeerRemove(selfID)
	deadline := time.After(d.relay.Config.BroadcastTimeout)
	for {
		select {
		case resp := <-respCh:
			if resp == nil || resp.GetPeersInfo == nil {
				continue
			}
			for _, p := range resp.GetPeersInfo.Peers {
				id := NodeIDOf(p.PublicKey)
				if id == selfID {
					continue
				}
				if _, known := d.relay.Store.PeerGet(id); !known {
					d.EnqueueEager(p.Metadata)
				}
				d.relay.Store.PeerAdd(p)
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile implements the eager path: record the freshly-seen peer, bump
// its trust for having been reachable, and ask it directly for its peer
// list so the new connection bootstraps further discovery (spec §4.4).
func (d *Discovery) reconcile(ctx context.Context, meta NodeMetadata) {
	id := NodeIDOf(meta.PublicKey)
	now := time.Now().Unix()
	if existing, ok := d.relay.Store.PeerGet(id); ok {
		existing.Metadata = meta
		d.relay.Store.PeerAdd(*existing)
	} else {
		d.relay.Store.PeerAdd(PeerRecord{PublicKey: meta.PublicKey, Metadata: meta, LastSeen: now})
	}
	d.relay.Store.PeerUpdateLastSeen(id, now)
	d.trust.Bump(id, 0.05)

	respCh := make(chan *Response, 1)
	go d.transport.Send(ctx, PeerMessage{
		DestinationMeta: &meta,
		Request:         &Request{GetPeersInfo: &GetPeersInfoRequest{}},
		ResponseChan:    respCh,
	})

	select {
	case resp := <-respCh:
		if resp != nil && resp.GetPeersInfo != nil {
			for _, p := range resp.GetPeersInfo.Peers {
				d.relay.Store.PeerAdd(p)
			}
		}
	case <-time.After(d.relay.Config.PeerSendTimeout):
	case <-ctx.Done():
	}
}
