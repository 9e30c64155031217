package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newTestDiscovery builds a Discovery over a relay whose PeerSendTimeout is
// short, so reconcile's best-effort get_peers_info round trip (which will
// never get a real peer on the other end in these tests) times out quickly
// instead of blocking for the production default.
func newTestDiscovery(t *testing.T) (*Discovery, *Relay) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(StoreConfig{DataDir: dir, Environment: "test", SnapshotInterval: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logrus.New()
	log.SetOutput(nopWriter{})

	cfg := DefaultRelayConfig()
	cfg.PeerSendTimeout = 20 * time.Millisecond
	cfg.BroadcastTimeout = 20 * time.Millisecond

	relay := NewRelay(NodeMetadata{Identifier: "test-node"}, cfg, store, log)
	kp := newTestKeyPair(t)
	transport, err := NewTransport(relay, kp.Private, NewMetrics())
	require.NoError(t, err)

	trust := NewTrustTable()
	return NewDiscovery(relay, transport, trust, NewMetrics()), relay
}

func TestDiscoveryEnqueueEagerDoesNotBlockWhenFull(t *testing.T) {
	d, _ := newTestDiscovery(t)
	for i := 0; i < 300; i++ {
		d.EnqueueEager(NodeMetadata{Identifier: "peer"})
	}
	// Should not deadlock or panic; the channel is bounded and extras drop.
}

func TestDiscoveryReconcileRecordsNewPeerAndBumpsTrust(t *testing.T) {
	d, relay := newTestDiscovery(t)
	kp := newTestKeyPair(t)
	meta := NodeMetadata{PublicKey: kp.PublicKey(), ExternalAddress: "127.0.0.1", PortBase: 30000, Identifier: "new-peer"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.reconcile(ctx, meta)

	rec, ok := relay.Store.PeerGet(NodeIDOf(meta.PublicKey))
	require.True(t, ok)
	require.Equal(t, meta.Identifier, rec.Metadata.Identifier)
	require.Greater(t, d.trust.Score(NodeIDOf(meta.PublicKey)), float64(0))
}

func TestDiscoveryRollCallClearsDeadPeers(t *testing.T) {
	d, relay := newTestDiscovery(t)
	kp := newTestKeyPair(t)
	id := NodeIDOf(kp.PublicKey())
	relay.Store.PeerAdd(PeerRecord{PublicKey: kp.PublicKey(), LastSeen: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.rollCall(ctx)

	_, ok := relay.Store.PeerGet(id)
	require.False(t, ok)
}

func TestDiscoveryRollCallKeepsFreshPeers(t *testing.T) {
	d, relay := newTestDiscovery(t)
	kp := newTestKeyPair(t)
	id := NodeIDOf(kp.PublicKey())
	relay.Store.PeerAdd(PeerRecord{PublicKey: kp.PublicKey(), LastSeen: time.Now().Unix()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.rollCall(ctx)

	_, ok := relay.Store.PeerGet(id)
	require.True(t, ok)
}
