package core

// udp_keepalive.go – lightweight UDP liveness probe (SPEC_FULL.md
// supplemented feature, original_source/'s keepalive sidecar). Carries no
// protocol semantics of its own: a missed probe only ever feeds discovery's
// PeerDeadAfter accounting, never the peer protocol itself. Grounded on the
// teacher's tick-based goroutine idiom used throughout core/ (e.g. the
// discovery roll-call and metrics collector loops).

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// KeepaliveProbe sends a one-byte UDP datagram to each known peer's
// ExternalAddress on a fixed interval; a send failure is written to the
// peer's failure record the same way a failed HTTP request is
// (peer_transport.go), and a successful local write updates the peer's
// LastSeen without waiting for any reply. Discovery removes peers by
// LastSeen only; it does not consult the failure record.
type KeepaliveProbe struct {
	relay     *Relay
	transport *Transport
	interval  time.Duration
	log       *logrus.Entry
}

func NewKeepaliveProbe(relay *Relay, transport *Transport, interval time.Duration) *KeepaliveProbe {
	return &KeepaliveProbe{relay: relay, transport: transport, interval: interval, log: relay.Log.WithField("component", "udp_keepalive")}
}

// Run sends one round of probes per tick until ctx is cancelled.
func (k *KeepaliveProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.probeAll()
		}
	}
}

func (k *KeepaliveProbe) probeAll() {
	for _, p := range k.relay.Store.PeerAll() {
		p := p
		go k.probeOne(p)
	}
}

// udpKeepaliveOffset is the port offset from a node's port_base used for
// the keepalive listener, distinct from the peer-API (+1) and bus (+4)
// ports.
const udpKeepaliveOffset = 5

func (k *KeepaliveProbe) probeOne(p PeerRecord) {
	addr := net.JoinHostPort(p.Metadata.ExternalAddress, strconv.Itoa(p.Metadata.PortBase+udpKeepaliveOffset))
	conn, err := net.DialTimeout("udp", addr, 5*time.Second)
	if err != nil {
		k.transport.recordFailure(NodeIDOf(p.PublicKey), WrapError(ErrTransient, err, "udp keepalive dial failed"))
		return
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte{0x01}); err != nil {
		k.transport.recordFailure(NodeIDOf(p.PublicKey), WrapError(ErrTransient, err, "udp keepalive write failed"))
		return
	}
	k.relay.Store.PeerUpdateLastSeen(NodeIDOf(p.PublicKey), time.Now().Unix())
}
