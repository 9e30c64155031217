package core

// common_structs.go – centralised struct definitions referenced across the
// node runtime. This file declares data structures only; behavior lives in
// the file named after the component that owns it (store.go, mempool.go,
// party_engine.go, ...). Keeping declarations centralised avoids import
// cycles inside the single `core` package, following the teacher's own
// common_structs.go convention.

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Currency / public key / address
//---------------------------------------------------------------------

// Currency tags an Address or an external event with the chain it belongs
// to (spec §3 "Address").
type Currency uint8

const (
	CurrencyRedgold Currency = iota
	CurrencyBitcoin
	CurrencyEthereum
)

func (c Currency) String() string {
	switch c {
	case CurrencyRedgold:
		return "redgold"
	case CurrencyBitcoin:
		return "bitcoin"
	case CurrencyEthereum:
		return "ethereum"
	default:
		return "unknown"
	}
}

// PublicKey is a compressed elliptic-curve point. It serves as node
// identity, wallet identity, and party key-share identity throughout the
// system. Equality is by bytes (spec §3).
type PublicKey struct {
	Bytes []byte
}

// Equal reports whether two public keys carry the same compressed bytes.
func (p PublicKey) Equal(o PublicKey) bool {
	if len(p.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range p.Bytes {
		if p.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

// Hex returns the lowercase hex encoding of the compressed public key,
// used as a map key so that peers are keyed by identity rather than by
// pointer (design note §9: break peer<->metadata cycles by keying on
// public keys, never holding back-pointers).
func (p PublicKey) Hex() string { return hex.EncodeToString(p.Bytes) }

// NodeID is the map key used for peers and parties: the hex-encoded public
// key. Using a plain string (not a pointer) avoids the cyclic
// peer->metadata->peer references the teacher's libp2p-based Node held.
type NodeID string

func NodeIDOf(pk PublicKey) NodeID { return NodeID(pk.Hex()) }

// Address is a currency-tagged, render/parse round-trippable identifier
// (spec §3 "Address"). External indicates this address was derived
// for the counterparty side of a swap rather than the party's own address
// set (spec §3 and §4.9).
type Address struct {
	Currency Currency
	Bytes    []byte
	External bool
}

func (a Address) Equal(o Address) bool {
	if a.Currency != o.Currency || len(a.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range a.Bytes {
		if a.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

func (a Address) Hex() string { return hex.EncodeToString(a.Bytes) }

//---------------------------------------------------------------------
// Transaction / UTXO (spec §3 "Transaction", "UTXO entry")
//---------------------------------------------------------------------

// Hash is a 32-byte cryptographic digest.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText/UnmarshalText let Hash serve as a JSON object key (required
// by encoding/json for map[Hash]T snapshots in store.go) and render as
// plain hex instead of a base64 byte array.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return errShortHash
	}
	copy(h[:], b)
	return nil
}

var errShortHash = errors.New("hash must be 32 bytes")

// OutputMarker is the semantic tag an output may carry; an output carries
// at most one (spec §3 invariant).
type OutputMarker uint8

const (
	MarkerNone OutputMarker = iota
	MarkerSwap
	MarkerStake
	MarkerStakeWithdrawal
	MarkerFee
	MarkerContractDeploy
	MarkerContractRequest
	MarkerPeerData
	MarkerNodeMetadata
	MarkerExternalTxidReceipt
)

// UTXOId identifies an unspent output by the hash of the transaction that
// created it and the output's index within that transaction.
type UTXOId struct {
	TxHash      Hash
	OutputIndex uint32
}

func (u UTXOId) Hex() string {
	return u.TxHash.Hex() + ":" + hex.EncodeToString([]byte{byte(u.OutputIndex >> 24), byte(u.OutputIndex >> 16), byte(u.OutputIndex >> 8), byte(u.OutputIndex)})
}

// MarshalText/UnmarshalText let UTXOId serve as a JSON object key
// (map[UTXOId]*UTXOEntry snapshots in store.go); encoding/json requires a
// struct-typed map key to implement encoding.TextMarshaler.
func (u UTXOId) MarshalText() ([]byte, error) { return []byte(u.Hex()), nil }

func (u *UTXOId) UnmarshalText(text []byte) error {
	parts := string(text)
	if len(parts) < 32*2+1+8 {
		return errShortHash
	}
	hashPart := parts[:64]
	idxPart := parts[65:]
	if err := (&u.TxHash).UnmarshalText([]byte(hashPart)); err != nil {
		return err
	}
	idxBytes, err := hex.DecodeString(idxPart)
	if err != nil || len(idxBytes) != 4 {
		return errShortHash
	}
	u.OutputIndex = uint32(idxBytes[0])<<24 | uint32(idxBytes[1])<<16 | uint32(idxBytes[2])<<8 | uint32(idxBytes[3])
	return nil
}

// TxInput references a prior unspent output by its UTXOId, plus the proof
// (one or more signatures) authorizing its spend.
type TxInput struct {
	Id     UTXOId
	Proofs [][]byte
}

// TxOutput is a single transaction output. Outputs whose Marker is
// MarkerContractRequest or MarkerContractDeploy are routed by a contention
// key that contentionKey (contract_shards.go) derives from
// RequestDescriptor, or from Address when the descriptor is empty.
type TxOutput struct {
	Address           Address
	Amount            uint64
	Marker            OutputMarker
	RequestDescriptor []byte
	ContractCode      []byte
	ExternalTxid      string
	StakeWithdrawUtxo *UTXOId
}

// Transaction is an ordered sequence of inputs and outputs plus metadata
// (spec §3). Hash is a pure function of the signable bytes (SignableBytes
// + ComputeTransactionHash, crypto.go).
type Transaction struct {
	Inputs  []TxInput
	Outputs []TxOutput
	Time    int64
	Hash    Hash
}

// UTXOEntry is the durable record of an unspent output (spec §3).
type UTXOEntry struct {
	Id             UTXOId
	Output         TxOutput
	AcceptanceTime int64
}

// Observation is a signed per-node attestation that a transaction hash has
// been accepted at a given ordinal (spec §3).
type Observation struct {
	Signer    PublicKey
	TxHash    Hash
	Ordinal   uint64
	Height    uint64
	Signature []byte
	Time      int64
}

//---------------------------------------------------------------------
// Peer records (spec §3 "Peer record")
//---------------------------------------------------------------------

// NodeMetadata is the self-describing record a node gossips about itself.
type NodeMetadata struct {
	PublicKey       PublicKey
	ExternalAddress string
	PortBase        int
	Identifier      string
}

// PeerRecord is the durable, store-owned record of a known peer.
type PeerRecord struct {
	PublicKey     PublicKey
	Metadata      NodeMetadata
	Trust         float64
	LastSeen      int64
	LastError     string
	LastErrorTime int64
}

//---------------------------------------------------------------------
// Peer wire protocol (spec §6 "Node HTTP API", spec §4.2/§4.3)
//---------------------------------------------------------------------

// Authentication is the signature envelope every request/response carries.
type Authentication struct {
	PublicKey PublicKey
	Signature []byte
}

// PeerMessage is the in-process envelope C2 is asked to deliver: either a
// destination public key, a fully-specified NodeMetadata, or a broadcast
// set (spec §4.2).
type PeerMessage struct {
	Destination       *PublicKey
	DestinationMeta   *NodeMetadata
	Broadcast         bool
	Request           *Request
	ResponseChan      chan *Response
	IntendedPublicKey *PublicKey // optional: verify response signer matches
}

// Request is the single sum-type envelope for every peer protocol verb
// (spec §6 "Every verb of the peer protocol is a field on Request"). Only
// one of the verb fields is populated per request.
type Request struct {
	TraceId        string
	SenderMetadata *NodeMetadata
	Auth           *Authentication

	HashSearch        *HashSearchRequest
	SubmitTransaction *SubmitTransactionRequest
	GossipPeers       *GossipPeersRequest
	GetPeersInfo      *GetPeersInfoRequest
	ObservationQuery  *ObservationQueryRequest
	About             *AboutRequest
	Download          *DownloadRequest
	GenesisRequest    *GenesisRequest
	ResolveCode       *ResolveCodeRequest

	InitiateKeygen  *InitiateKeygenRequest
	InitiateSigning *InitiateSigningRequest
	BusSubscribe    *BusSubscribeRequest
	BusBroadcast    *BusBroadcastRequest
	BusIssueIndex   *BusIssueIndexRequest
}

// Response mirrors Request: one populated field per verb, plus a shared
// ErrorInfo (spec §7 "populated error_info field on the Response").
type Response struct {
	TraceId           string
	ResponderMetadata *NodeMetadata
	Auth              *Authentication
	ErrorInfo         *ErrorInfo

	HashSearch        *HashSearchResponse
	SubmitTransaction *SubmitTransactionResponse
	GossipPeers       *GossipPeersResponse
	GetPeersInfo      *GetPeersInfoResponse
	ObservationQuery  *ObservationQueryResponse
	About             *AboutResponse
	Download          *DownloadResponse
	GenesisResponse   *GenesisResponse
	ResolveCode       *ResolveCodeResponse

	InitiateKeygen  *InitiateKeygenResponse
	InitiateSigning *InitiateSigningResponse
	BusSubscribe    *BusSubscribeResponse
	BusBroadcast    *BusBroadcastResponse
	BusIssueIndex   *BusIssueIndexResponse
}

type HashSearchRequest struct{ Hashes []Hash }
type HashSearchResponse struct {
	Transactions []Transaction
	Observations []Observation
}

type SubmitTransactionRequest struct{ Tx Transaction }
type SubmitTransactionResponse struct{ Accepted bool }

type GossipPeersRequest struct{ Peers []PeerRecord }
type GossipPeersResponse struct{ Accepted int }

type GetPeersInfoRequest struct{}
type GetPeersInfoResponse struct {
	Peers    []PeerRecord
	SelfInfo NodeMetadata
}

type ObservationQueryRequest struct{ TxHashes []Hash }
type ObservationQueryResponse struct{ Observations []Observation }

type AboutRequest struct{}
type AboutResponse struct{ Metadata NodeMetadata }

type DownloadRequest struct {
	Kind       string // "utxo_hashes" | "tx_hashes" | "observation_hashes" | "resolve"
	StartTime  int64
	EndTime    int64
	Hashes     []Hash
}
type DownloadResponse struct {
	Hashes       []Hash
	Transactions []Transaction
}

type GenesisRequest struct{}
type GenesisResponse struct{ Genesis *Transaction }

type ResolveCodeRequest struct{ CodeHash Hash }
type ResolveCodeResponse struct{ Code []byte }

//---------------------------------------------------------------------
// Multiparty bus / coordinator wire types (spec §4.8)
//---------------------------------------------------------------------

// RoomId identifies a multiparty session. Signing rooms are
// "<keygen-uuid>_<uuid>" (spec §3).
type RoomId string

type InitiateKeygenRequest struct {
	RoomId     RoomId
	Threshold  int
	PartyKeys  []PublicKey
	SelfIndex  int
}
type InitiateKeygenResponse struct{ Ack bool }

type InitiateSigningRequest struct {
	KeygenRoomId RoomId
	SigningRoom  RoomId
	Validation   PartySigningValidation
}
type InitiateSigningResponse struct {
	Ack       bool
	Signature *RecoverableSignature
}

type BusSubscribeRequest struct {
	RoomId      RoomId
	LastEventId int
	Auth        MultipartyAuthenticationRequest
}
type BusSubscribeResponse struct{ Messages []BusMessage }

type BusBroadcastRequest struct {
	RoomId  RoomId
	Payload []byte
	Auth    MultipartyAuthenticationRequest
}
type BusBroadcastResponse struct{ EventId int }

type BusIssueIndexRequest struct {
	RoomId RoomId
	Auth   MultipartyAuthenticationRequest
}
type BusIssueIndexResponse struct{ Index int }

// MultipartyAuthenticationRequest is the signed envelope every bus call
// carries (spec §4.8). The server rejects any call whose signing key is
// not authorized for the room.
type MultipartyAuthenticationRequest struct {
	RoomId    RoomId
	PublicKey PublicKey
	Signature []byte
}

// BusMessage is one ordered, append-only entry in a room's log.
type BusMessage struct {
	EventId   int
	RoomId    RoomId
	Sender    PublicKey
	Payload   []byte
	Timestamp int64
}

// RecoverableSignature is an (r, s, v) ECDSA signature plus the recovered
// public key proof (spec §4.8 "we additionally produce a Proof").
type RecoverableSignature struct {
	R, S      []byte
	V         byte
	Recovered PublicKey
}

// PartyInfo is the durably persisted result of a successful keygen (spec
// §4.8 "persist the local share and the request as PartyInfo").
type PartyInfo struct {
	RoomId    RoomId
	Threshold int
	PartyKeys []PublicKey
	SelfIndex int
	PartyKey  PublicKey // the resulting aggregate party public key
	Share     []byte    // opaque share material (ThresholdSigner-defined)
}

// PartySigningValidation is presented to a follower before it will execute
// a signing round (spec §4.9 "Outgoing-signature validation"). Destination
// and Amount are populated from the decoded external payload when Currency
// != CurrencyRedgold, so the follower can match the specific withdrawal
// being signed rather than just its currency.
type PartySigningValidation struct {
	Currency    Currency
	Payload     []byte
	Tx          *Transaction // populated when Currency == CurrencyRedgold
	HashToSign  Hash
	Destination Address
	Amount      uint64
}

//---------------------------------------------------------------------
// Party event engine types (spec §3 "Address event", §4.9)
//---------------------------------------------------------------------

// AddressEventKind tags the AddressEvent union.
type AddressEventKind uint8

const (
	EventExternal AddressEventKind = iota
	EventInternal
)

// AddressEvent is the tagged union ingested by the party event engine
// (spec §3). Exactly one of the External/Internal fields is meaningful,
// selected by Kind.
type AddressEvent struct {
	Kind AddressEventKind

	// External(tx) fields.
	Incoming         bool
	Timestamp        int64
	CounterpartyAddr Address
	Amount           uint64
	ExtCurrency      Currency
	ExternalTxid     string
	PriceUSD         *float64
	Confirmations    int

	// Internal(tx, observations, price_usd) fields.
	InternalTx   *Transaction
	Observations []Observation
}

func (e AddressEvent) HasFinality(requiredConfirmations int) bool {
	if e.Kind == EventInternal {
		return len(e.Observations) > 0
	}
	return e.Confirmations >= requiredConfirmations
}

// PriceLevel is one discrete rung of a CentralPricePair curve.
type PriceLevel struct {
	Price  float64
	Volume uint64
}

// CentralPricePair is the per-external-currency quote maintained by the
// party engine (spec §3 "Central price pair").
type CentralPricePair struct {
	Currency Currency
	MinAsk   float64
	MinBid   float64
	AskCurve []PriceLevel
	BidCurve []PriceLevel
}

// OrderDirection distinguishes an ask (external-in -> RDG-out) from a bid
// (RDG-in -> external-out).
type OrderDirection uint8

const (
	DirectionAsk OrderDirection = iota
	DirectionBid
)

// Order is a pending swap/withdrawal request awaiting a matching outgoing
// event (spec §3 "Order fulfillment").
type Order struct {
	Amount          uint64
	Direction       OrderDirection
	Currency        Currency
	Destination     Address
	CreatedAt       int64
	OriginEvent     AddressEvent
	IsStake         bool
	StakeWithdrawId *UTXOId
}

// OrderFulfillment pairs a fulfilled amount against its originating Order
// (spec §3).
type OrderFulfillment struct {
	OrderAmount     uint64
	FulfilledAmount uint64
	EventTime       int64
	Destination     Address
	Direction       OrderDirection
	ExternalTxid    string
	StakeWithdrawId *UTXOId
}

// FulfillmentRecord is one entry of fulfillment_history (spec §4.9): the
// originating order, the request event, and the fulfillment event.
type FulfillmentRecord struct {
	Order       Order
	RequestTime int64
	Fulfillment OrderFulfillment
}

// PartyEvents is the derived, rebuildable state for one party public key
// (spec §3 "Party internal data", §4.9). It is never mutated outside
// ProcessEvent (party_engine.go) so that the "deterministic replay" and
// "commutativity across independent addresses" testable properties (spec
// §8) hold by construction.
type PartyEvents struct {
	mu sync.RWMutex

	PartyKey PublicKey
	Events   []AddressEvent

	BalanceMap                  map[Currency]int64
	BalancePendingOrderDeltaMap map[Currency]int64
	BalanceWithDeltasApplied    map[Currency]int64

	UnfulfilledRdgOrders        []Order
	UnfulfilledExternalWithdraw []Order
	UnconfirmedEvents           []AddressEvent
	FulfillmentHistory          []FulfillmentRecord

	CentralPrices map[Currency]*CentralPricePair

	InternalStakingEvents  []AddressEvent
	ExternalStakingEvents  []AddressEvent
	PendingStakeWithdraws  []Order
	RejectedStakeWithdraws []Order
}

func NewPartyEvents(partyKey PublicKey) *PartyEvents {
	return &PartyEvents{
		PartyKey:                    partyKey,
		BalanceMap:                  make(map[Currency]int64),
		BalancePendingOrderDeltaMap: make(map[Currency]int64),
		BalanceWithDeltasApplied:    make(map[Currency]int64),
		CentralPrices:               make(map[Currency]*CentralPricePair),
	}
}

//---------------------------------------------------------------------
// Error handling (spec §7); ErrorKind/ErrorInfo implementation in errors.go
//---------------------------------------------------------------------

// ErrorKind is declared here (data only); helper constructors and the
// error.Error()/Unwrap() implementation live in errors.go.
type ErrorKind uint8

const (
	ErrValidation ErrorKind = iota
	ErrNotFound
	ErrConflict
	ErrTimeout
	ErrTransient
	ErrFatal
)

// ErrorInfo is the single structured error sum type (spec §7): a kind, a
// human-readable message, and a key/value detail map.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	Detail  map[string]string
	cause   error
}

//---------------------------------------------------------------------
// Relay (design note §9: explicit context value, no package statics)
//---------------------------------------------------------------------

// Relay aggregates channel-sender clones and shared read-mostly handles.
// It is constructed once in cmd/node and the same *Relay is passed into
// every component constructor; its fields are themselves reference types
// (channels, pointers), so one shared handle carries every channel and
// store reference (design note §9).
type Relay struct {
	Self   NodeMetadata
	Config *RelayConfig

	Store *Store

	MempoolInbound    chan MempoolSubmission
	ProcessorInbound  chan WriteTransaction
	ContractResponses chan ContractStateMarker
	AbortChan         chan *ErrorInfo

	Log *logrus.Entry
}

// RelayConfig carries the subset of pkg/config.Config the core package
// needs, decoupled from the pkg/config import to keep core dependency-light
// (mirrors the teacher's own habit of re-declaring a narrow Config type in
// common_structs.go rather than importing pkg/config from core).
type RelayConfig struct {
	PeerSendTimeout      time.Duration
	BroadcastTimeout     time.Duration
	DiscoveryTick        time.Duration
	PeerDeadAfter         time.Duration
	MultipartyTimeout    time.Duration
	MempoolCapacity      int
	ProcessorBufferSize  int
	BucketParallelism    int
	DataDir              string
	BootstrapPeers       []string
}

func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PeerSendTimeout:     150 * time.Second,
		BroadcastTimeout:    20 * time.Second,
		DiscoveryTick:       60 * time.Second,
		PeerDeadAfter:       5 * time.Minute,
		MultipartyTimeout:   100 * time.Second,
		MempoolCapacity:     10_000,
		ProcessorBufferSize: 256,
		BucketParallelism:   16,
		DataDir:             ".",
	}
}

//---------------------------------------------------------------------
// Transaction pipeline message types (C5/C6/C7)
//---------------------------------------------------------------------

// MempoolSubmission is what callers push onto Relay.MempoolInbound (spec
// §4.5).
type MempoolSubmission struct {
	Tx           Transaction
	ResponseChan chan *ErrorInfo
}

// WriteTransaction is the message the mempool hands to the transaction
// writer (spec §4.6).
type WriteTransaction struct {
	Tx           Transaction
	Sender       *PublicKey
	Time         int64
	Rejection    *ErrorInfo
	UpdateUTXO   bool
	ResponseChan chan *ErrorInfo
}

// ProcessTransaction is routed to a contract-state ordering shard (spec
// §4.7).
type ProcessTransaction struct {
	Tx           Transaction
	Output       TxOutput
	ResponseChan chan ContractStateMarker
}

// ContractStateMarker is the result a shard returns after ordering one
// request-class transaction.
type ContractStateMarker struct {
	ContentionKey string
	Accepted      bool
	Err           *ErrorInfo
}
