package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloaderRunNoopWhenGenesisAlreadyKnown(t *testing.T) {
	relay := newTestRelay(t)
	relay.Store.SetGenesis(Transaction{Hash: Hash{1}})
	kp := newTestKeyPair(t)
	transport, err := NewTransport(relay, kp.Private, NewMetrics())
	require.NoError(t, err)

	d := NewDownloader(relay, transport, NewMetrics())
	require.Nil(t, d.Run(context.Background(), nil))
}

func TestDownloaderRunRejectsEmptyBootstrapSet(t *testing.T) {
	relay := newTestRelay(t)
	kp := newTestKeyPair(t)
	transport, err := NewTransport(relay, kp.Private, NewMetrics())
	require.NoError(t, err)

	d := NewDownloader(relay, transport, NewMetrics())
	err2 := d.Run(context.Background(), nil)
	require.NotNil(t, err2)
	require.Equal(t, ErrValidation, err2.Kind)
}

func TestFilterByPartitionKeepsEveryHash(t *testing.T) {
	self := HashData([]byte("self"))
	hashes := []Hash{HashData([]byte("a")), HashData([]byte("b")), HashData([]byte("c"))}

	filtered := filterByPartition(hashes, self)
	// Every hash has a 160-bit XOR distance (hash160-derived), always < 256
	// bits, so the partition step keeps the full set.
	require.Len(t, filtered, len(hashes))
}
