package core

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newTestRelay opens a Store in a fresh temp directory and wires it into a
// Relay with a default config, discarding log output so tests stay quiet.
func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(StoreConfig{DataDir: dir, Environment: "test", SnapshotInterval: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logrus.New()
	log.SetOutput(nopWriter{})

	self := NodeMetadata{Identifier: "test-node"}
	return NewRelay(self, DefaultRelayConfig(), store, log)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// newTestKeyPair is a small convenience wrapper so component tests that
// only need a signer don't each repeat the GenerateKeyPair error check.
func newTestKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}
