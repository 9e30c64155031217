package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndSignDigest(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.Public.Bytes, 33)

	digest := HashData([]byte("redgold"))
	sig, err := kp.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	ok, err := VerifyPlainSignature(kp.PublicKey(), digest, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyPlainSignatureRejectsWrongDigest(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := kp.SignDigest(HashData([]byte("a")))
	require.NoError(t, err)

	ok, err := VerifyPlainSignature(kp.PublicKey(), HashData([]byte("b")), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignRecoverableRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	digest := HashData([]byte("multiparty proof"))
	sig, err := SignRecoverable(kp.Private, digest)
	require.NoError(t, err)
	require.Len(t, sig.R, 32)
	require.Len(t, sig.S, 32)

	ok, err := VerifyRecoverable(sig, digest, kp.PublicKey())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyPairFromMnemonicDeterministic(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	kp1, err := KeyPairFromMnemonic(mnemonic, 0)
	require.NoError(t, err)
	kp2, err := KeyPairFromMnemonic(mnemonic, 0)
	require.NoError(t, err)
	require.True(t, kp1.Public.Equal(kp2.Public))

	kp3, err := KeyPairFromMnemonic(mnemonic, 1)
	require.NoError(t, err)
	require.False(t, kp1.Public.Equal(kp3.Public))
}

func TestKeyPairFromMnemonicRejectsInvalid(t *testing.T) {
	_, err := KeyPairFromMnemonic("not a real mnemonic", 0)
	require.Error(t, err)
}

func TestPublicKeyToAddressRedgoldVsEthereum(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rdg, err := PublicKeyToAddress(kp.PublicKey(), CurrencyRedgold)
	require.NoError(t, err)
	require.Len(t, rdg.Bytes, 20)

	eth, err := PublicKeyToAddress(kp.PublicKey(), CurrencyEthereum)
	require.NoError(t, err)
	require.Len(t, eth.Bytes, 20)

	// Different derivations should (almost certainly) produce different bytes.
	require.NotEqual(t, rdg.Bytes, eth.Bytes)
}

func TestComputeMerkleRootDeterministicOrderIndependent(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	root1, err := ComputeMerkleRoot(leaves)
	require.NoError(t, err)

	shuffled := [][]byte{[]byte("c"), []byte("a"), []byte("b")}
	root2, err := ComputeMerkleRoot(shuffled)
	require.NoError(t, err)

	require.Equal(t, root1, root2)
}

func TestComputeMerkleRootEmptyFails(t *testing.T) {
	_, err := ComputeMerkleRoot(nil)
	require.Error(t, err)
}

func TestAggregatePartyPublicKeysEmptyFails(t *testing.T) {
	_, err := AggregatePartyPublicKeys(nil)
	require.Error(t, err)
}
