package core

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeOneUpdatesLastSeenOnSuccessfulWrite(t *testing.T) {
	relay := newTestRelay(t)
	kp := newTestKeyPair(t)
	transport, err := NewTransport(relay, kp.Private, NewMetrics())
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	_, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	peerKP := newTestKeyPair(t)
	rec := PeerRecord{
		PublicKey: peerKP.PublicKey(),
		Metadata:  NodeMetadata{PublicKey: peerKP.PublicKey(), ExternalAddress: "127.0.0.1", PortBase: port - udpKeepaliveOffset},
	}
	relay.Store.PeerAdd(rec)

	probe := NewKeepaliveProbe(relay, transport, time.Second)
	probe.probeOne(rec)

	updated, ok := relay.Store.PeerGet(NodeIDOf(peerKP.PublicKey()))
	require.True(t, ok)
	require.Greater(t, updated.LastSeen, int64(0))
}
