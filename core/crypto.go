package core

// crypto.go – signing, address rendering, and hashing primitives used
// across the node. Grounded on the teacher's core/security.go (which wired
// Ed25519/BLS/TLS for a validator-set consensus model); the domain here is
// secp256k1 wallets + recoverable ECDSA signatures (spec §3 "Transaction",
// §4.9 "outgoing-signature validation"), so the Ed25519/TLS/Dilithium
// surface is replaced while the file's audit/Merkle helpers are kept and
// adapted. Threshold key generation and signing themselves are an assumed
// external primitive (spec §4.8); this file only prepares the bytes that
// primitive signs and verifies what it returns.

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	decred "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
}

//---------------------------------------------------------------------
// Key generation / mnemonic derivation (spec §6 REDGOLD_TEST_WORDS)
//---------------------------------------------------------------------

// KeyPair is a parsed secp256k1 key pair.
type KeyPair struct {
	Private *decred.PrivateKey
	Public  PublicKey
}

// SignDigest and PublicKey let *KeyPair satisfy the signerKey interface
// (peer_inbound.go) so handlers can sign responses without reaching past
// crypto.go into decred's raw private-key type.
func (k *KeyPair) SignDigest(digest Hash) ([]byte, error) { return SignPlain(k.Private, digest) }

func (k *KeyPair) PublicKey() PublicKey { return k.Public }

// GenerateKeyPair returns a fresh random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := decred.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: PublicKey{Bytes: priv.PubKey().SerializeCompressed()}}, nil
}

// KeyPairFromMnemonic derives a deterministic key pair from a BIP-39
// mnemonic, used when REDGOLD_TEST_WORDS is set (spec §6) so that test
// networks can reproduce the same node identity across restarts.
func KeyPairFromMnemonic(mnemonic string, account uint32) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	h := sha256.Sum256(append(seed, byte(account), byte(account>>8), byte(account>>16), byte(account>>24)))
	priv := decred.PrivKeyFromBytes(h[:])
	return &KeyPair{Private: priv, Public: PublicKey{Bytes: priv.PubKey().SerializeCompressed()}}, nil
}

//---------------------------------------------------------------------
// Hashing / signing (recoverable ECDSA, spec §3/§4.9)
//---------------------------------------------------------------------

// HashData returns the SHA-256 digest of data as a Hash.
func HashData(data []byte) Hash { return Hash(sha256.Sum256(data)) }

// signableTx is the canonical, proof-free projection of a Transaction that
// its hash commits to (spec §3 "Hash is a pure function of the signable
// bytes"). Proofs are deliberately excluded: they cover the hash, so they
// cannot also be an input to it.
type signableTx struct {
	InputIds []UTXOId
	Outputs  []TxOutput
	Time     int64
}

// SignableBytes returns the canonical encoding of tx that its hash and its
// inputs' proofs both commit to.
func SignableBytes(tx Transaction) []byte {
	ids := make([]UTXOId, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ids[i] = in.Id
	}
	b, _ := json.Marshal(signableTx{InputIds: ids, Outputs: tx.Outputs, Time: tx.Time})
	return b
}

// ComputeTransactionHash derives tx.Hash per spec §3: a pure function of
// SignableBytes, independent of the proofs attached to its inputs.
func ComputeTransactionHash(tx Transaction) Hash { return HashData(SignableBytes(tx)) }

// SignInputProof authorizes spending a UTXO controlled by priv: a proof is
// the signer's compressed public key followed by a 64-byte compact
// signature over the transaction's signable hash (spec §3 "each input's
// proofs ... satisfy the referenced output's address" — the address alone
// does not carry enough information to verify a signature, so the proof
// must carry the public key it was derived from).
func SignInputProof(priv *decred.PrivateKey, digest Hash) ([]byte, error) {
	sig, err := SignPlain(priv, digest)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey().SerializeCompressed()
	return append(append([]byte{}, pub...), sig...), nil
}

// VerifyInputProof reports whether proof was produced by a key that (a)
// derives to addr under addr.Currency and (b) signs digest validly.
func VerifyInputProof(proof []byte, addr Address, digest Hash) (bool, error) {
	const pubkeyLen = 33
	if len(proof) != pubkeyLen+64 {
		return false, errors.New("malformed input proof")
	}
	pub := PublicKey{Bytes: append([]byte{}, proof[:pubkeyLen]...)}
	sig := proof[pubkeyLen:]
	derived, err := PublicKeyToAddress(pub, addr.Currency)
	if err != nil {
		return false, err
	}
	if !derived.Equal(addr) {
		return false, nil
	}
	return VerifyPlainSignature(pub, digest, sig)
}

// SignRecoverable signs digest (must be 32 bytes) and returns a 65-byte
// [R || S || V] recoverable signature, matching go-ethereum's convention
// so the same signature shape serves both the Redgold and Ethereum legs
// of PartySigningValidation.
func SignRecoverable(priv *decred.PrivateKey, digest Hash) (*RecoverableSignature, error) {
	ecdsaPriv := priv.ToECDSA()
	sig, err := crypto.Sign(digest[:], ecdsaPriv)
	if err != nil {
		return nil, err
	}
	recovered, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, err
	}
	return &RecoverableSignature{
		R:         sig[:32],
		S:         sig[32:64],
		V:         sig[64],
		Recovered: PublicKey{Bytes: crypto.CompressPubkey(recovered)},
	}, nil
}

// VerifyRecoverable checks that sig recovers to expectedSigner over digest.
func VerifyRecoverable(sig *RecoverableSignature, digest Hash, expectedSigner PublicKey) (bool, error) {
	raw := append(append(append([]byte{}, sig.R...), sig.S...), sig.V)
	recovered, err := crypto.SigToPub(digest[:], raw)
	if err != nil {
		return false, err
	}
	return PublicKey{Bytes: crypto.CompressPubkey(recovered)}.Equal(expectedSigner), nil
}

// VerifyPlainSignature checks a 64-byte compact (R||S) secp256k1 signature
// against a
// compressed public key, used for Request/Response Authentication (spec §6).
func VerifyPlainSignature(pub PublicKey, digest Hash, sig []byte) (bool, error) {
	if len(sig) != 64 {
		return false, errors.New("expected 64-byte compact signature")
	}
	pk, err := btcec.ParsePubKey(pub.Bytes)
	if err != nil {
		return false, err
	}
	var r, s btcec.ModNScalar
	if r.SetByteSlice(sig[:32]) {
		return false, errors.New("invalid r")
	}
	if s.SetByteSlice(sig[32:]) {
		return false, errors.New("invalid s")
	}
	signature := ecdsa.NewSignature(&r, &s)
	return signature.Verify(digest[:], pk), nil
}

// SignPlain produces a 64-byte compact R||S signature over digest.
// ecdsa.SignCompact prepends a one-byte recovery/compression header ahead
// of the 64 raw R||S bytes VerifyPlainSignature expects, so that header is
// stripped here rather than the leading byte of a DER encoding.
func SignPlain(priv *decred.PrivateKey, digest Hash) ([]byte, error) {
	sig := ecdsa.SignCompact(priv, digest[:], true)
	return sig[1:], nil
}

//---------------------------------------------------------------------
// Address rendering (spec §3 "Address")
//---------------------------------------------------------------------

// RenderAddress produces the canonical external-facing string for an
// Address, base58check for Redgold/Bitcoin-style currencies and raw hex
// (0x-prefixed, keccak-derived) for Ethereum.
func RenderAddress(a Address) string {
	switch a.Currency {
	case CurrencyEthereum:
		return "0x" + fmt.Sprintf("%x", a.Bytes)
	default:
		checksum := sha256.Sum256(a.Bytes)
		checksum2 := sha256.Sum256(checksum[:])
		payload := append(append([]byte{}, a.Bytes...), checksum2[:4]...)
		return base58.Encode(payload)
	}
}

// PublicKeyToAddress derives the currency-specific address bytes for a
// public key (spec §3: addresses are derived, never stored independently
// of the key that controls them).
func PublicKeyToAddress(pub PublicKey, currency Currency) (Address, error) {
	switch currency {
	case CurrencyEthereum:
		pk, err := crypto.DecompressPubkey(pub.Bytes)
		if err != nil {
			return Address{}, err
		}
		ethAddr := crypto.PubkeyToAddress(*pk)
		return Address{Currency: CurrencyEthereum, Bytes: ethAddr.Bytes()}, nil
	default:
		h := sha256.Sum256(pub.Bytes)
		var out [20]byte
		copy(out[:], h[:20])
		return Address{Currency: currency, Bytes: out[:]}, nil
	}
}

//---------------------------------------------------------------------
// Merkle root (kept from the teacher's security.go, Bitcoin-style double
// SHA-256) – used by sanity.go to produce the state digest reported by the
// C11 parity checks.
//---------------------------------------------------------------------

func ComputeMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, errors.New("no leaves")
	}
	sorted := append([][]byte{}, leaves...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i]) < string(sorted[j]) })

	level := make([][]byte, len(sorted))
	for i, l := range sorted {
		h := sha256.Sum256(l)
		hh := sha256.Sum256(h[:])
		level[i] = hh[:]
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte{}, level[i]...), level[i+1]...)
			h := sha256.Sum256(pair)
			hh := sha256.Sum256(h[:])
			next = append(next, hh[:])
		}
		level = next
	}
	root := make([]byte, 32)
	copy(root, level[0])
	return root, nil
}

//---------------------------------------------------------------------
// BLS party-key aggregation check (spec §4.8, DOMAIN STACK)
//---------------------------------------------------------------------

// AggregatePartyPublicKeys combines per-participant BLS public-key shares
// into the aggregate party key, used as an auxiliary consistency check
// alongside the (assumed external) threshold-ECDSA keygen result. Its only
// caller, Coordinator.crossCheckPartyKey (multiparty.go), logs the
// aggregate for comparison across peers; it never rejects keygen.
func AggregatePartyPublicKeys(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("no key shares to aggregate")
	}
	var agg bls.PublicKey
	for i, raw := range shares {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	return agg.Serialize(), nil
}

// DeriveBLSPublicKeyShare derives a deterministic BLS public-key share from
// a party member's long-term secp256k1 public key, used only to feed
// AggregatePartyPublicKeys's cross-check above; it is not a substitute for
// the threshold-ECDSA share itself.
func DeriveBLSPublicKeyShare(pk PublicKey) []byte {
	var sec bls.SecretKey
	h := sha256.Sum256(pk.Bytes)
	sec.SetLittleEndian(h[:])
	return sec.GetPublicKey().Serialize()
}

// RandomRoomSuffix returns cryptographically random bytes appended to
// uuid-based room ids (crypto.go keeps ownership of all randomness).
func RandomRoomSuffix(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	return buf, err
}
