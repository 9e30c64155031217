package core

// peer_inbound.go – the inbound request pipeline (C3, spec §4.3). Grounded
// on the teacher's HTTP server shape (cmd/xchainserver/server,
// cmd/explorer): a gorilla/mux router, a logging middleware, and typed
// JSON handlers — generalized here to the two peer-protocol endpoints plus
// the read-only JSON endpoints spec §6 names.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const inboundConcurrency = 10

// InboundHandler implements C3: authenticate, route, stamp, respond.
type InboundHandler struct {
	relay     *Relay
	transport *Transport
	discovery *Discovery
	trust     *TrustTable
	key       signerKey
	sem       chan struct{}
	log       *logrus.Entry
	metrics   *Metrics
	engine    *PartyEngine
	coord     *Coordinator
}

// SetPartyEngine wires the node's party engine into the read-only
// /v1/party/data endpoint. Left nil, the endpoint reports that no party
// engine is running on this node (a plain node with no stake in the
// multiparty system).
func (h *InboundHandler) SetPartyEngine(e *PartyEngine) { h.engine = e }

// SetCoordinator wires the node's multiparty coordinator so that
// initiate_keygen/initiate_signing requests arriving over the peer API
// (spec §4.3 "multiparty subrequests") reach the follower-side handlers in
// multiparty.go instead of being rejected. Left nil, this node only serves
// the bus endpoints (it never follows a keygen/signing round).
func (h *InboundHandler) SetCoordinator(c *Coordinator) { h.coord = c }

// signerKey is the minimal signing surface InboundHandler needs, kept as an
// interface so tests can supply a stub instead of a real secp256k1 key.
type signerKey interface {
	SignDigest(Hash) ([]byte, error)
	PublicKey() PublicKey
}

func NewInboundHandler(relay *Relay, transport *Transport, discovery *Discovery, trust *TrustTable, key signerKey, metrics *Metrics) *InboundHandler {
	return &InboundHandler{
		relay:     relay,
		transport: transport,
		discovery: discovery,
		trust:     trust,
		key:       key,
		sem:       make(chan struct{}, inboundConcurrency),
		log:       relay.Log.WithField("component", "inbound"),
		metrics:   metrics,
	}
}

// Router builds the mux.Router exposing /request_proto, /request, and the
// read-only JSON endpoints (spec §6).
func (h *InboundHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(h.log))
	r.HandleFunc("/request_proto", h.handleRequestWire).Methods(http.MethodPost)
	r.HandleFunc("/request", h.handleRequestJSON).Methods(http.MethodPost)
	r.HandleFunc("/v1/tables", h.handleTables).Methods(http.MethodGet)
	r.HandleFunc("/v1/party/data", h.handlePartyData).Methods(http.MethodGet)
	r.HandleFunc("/v1/explorer/public/address/{hex}", h.handleExplorerAddress).Methods(http.MethodGet)
	return r
}

func loggingMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("handled request")
		})
	}
}

// handleRequestWire and handleRequestJSON both decode a Request and route
// it identically; the spec's /request_proto is the canonical wire form and
// /request is its JSON-encoded equivalent for clients (spec §6). Since the
// canonical encoding chosen for this repo is already JSON-over-HTTP (see
// SPEC_FULL.md DOMAIN STACK), both handlers share one decode path.
func (h *InboundHandler) handleRequestWire(w http.ResponseWriter, r *http.Request) {
	h.handleRequestJSON(w, r)
}

func (h *InboundHandler) handleRequestJSON(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-r.Context().Done():
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, NewError(ErrValidation, "malformed request body"))
		return
	}

	resp := h.Dispatch(r.Context(), &req)
	writeJSON(w, resp)
}

// Dispatch implements spec §4.3 steps 1-4: verify auth, enqueue eager
// discovery for unknown senders, route by verb, stamp + sign the response.
func (h *InboundHandler) Dispatch(ctx context.Context, req *Request) *Response {
	var verifiedSigner *PublicKey
	if req.Auth != nil {
		body, _ := json.Marshal(stripAuth(req))
		digest := HashData(body)
		ok, err := VerifyPlainSignature(req.Auth.PublicKey, digest, req.Auth.Signature)
		if err != nil || !ok {
			return h.sign(&Response{ErrorInfo: NewError(ErrValidation, "request authentication failed")})
		}
		verifiedSigner = &req.Auth.PublicKey
	}

	if verifiedSigner != nil && req.SenderMetadata != nil {
		if _, known := h.relay.Store.PeerGet(NodeIDOf(*verifiedSigner)); !known {
			h.discovery.EnqueueEager(*req.SenderMetadata)
		}
	}

	resp := &Response{}
	switch {
	case req.HashSearch != nil:
		resp.HashSearch = h.handleHashSearch(req.HashSearch)
	case req.SubmitTransaction != nil:
		resp.SubmitTransaction = h.handleSubmitTransaction(ctx, req.SubmitTransaction)
	case req.GossipPeers != nil:
		resp.GossipPeers = h.handleGossipPeers(req.GossipPeers)
	case req.GetPeersInfo != nil:
		resp.GetPeersInfo = h.handleGetPeersInfo()
	case req.ObservationQuery != nil:
		resp.ObservationQuery = h.handleObservationQuery(req.ObservationQuery)
	case req.About != nil:
		resp.About = &AboutResponse{Metadata: h.relay.Store.DynamicMetadata()}
	case req.Download != nil:
		resp.Download = h.handleDownload(req.Download)
	case req.GenesisRequest != nil:
		gen, ok := h.relay.Store.Genesis()
		if ok {
			resp.GenesisResponse = &GenesisResponse{Genesis: gen}
		} else {
			resp.ErrorInfo = NewError(ErrNotFound, "genesis not yet known")
		}
	case req.ResolveCode != nil:
		resp.ResolveCode = h.handleResolveCode(req.ResolveCode)
	case req.InitiateKeygen != nil:
		resp.InitiateKeygen = h.handleInitiateKeygen(ctx, verifiedSigner, req.InitiateKeygen)
	case req.InitiateSigning != nil:
		resp.InitiateSigning = h.handleInitiateSigning(ctx, req.InitiateSigning)
	case req.BusSubscribe != nil, req.BusBroadcast != nil, req.BusIssueIndex != nil:
		resp.ErrorInfo = NewError(ErrValidation, "multiparty bus verbs are served on the bus port, not the peer API")
	default:
		resp.ErrorInfo = NewError(ErrValidation, "request carried no recognized verb")
	}

	return h.sign(resp)
}

func (h *InboundHandler) sign(resp *Response) *Response {
	self := h.relay.Store.DynamicMetadata()
	resp.ResponderMetadata = &self
	body, _ := json.Marshal(stripRespAuth(resp))
	digest := HashData(body)
	sig, err := h.key.SignDigest(digest)
	if err != nil {
		h.log.WithError(err).Error("failed to sign response")
		return resp
	}
	resp.Auth = &Authentication{PublicKey: h.key.PublicKey(), Signature: sig}
	return resp
}

func stripAuth(req *Request) *Request {
	clone := *req
	clone.Auth = nil
	return &clone
}

func stripRespAuth(resp *Response) *Response {
	clone := *resp
	clone.Auth = nil
	return &clone
}

//---------------------------------------------------------------------
// Per-verb handlers (spec §4.3 "Each verb has an async handler producing
// a partial Response")
//---------------------------------------------------------------------

func (h *InboundHandler) handleHashSearch(req *HashSearchRequest) *HashSearchResponse {
	resp := &HashSearchResponse{}
	for _, hh := range req.Hashes {
		if tx, _, ok := h.relay.Store.QueryMaybeTransaction(hh); ok {
			resp.Transactions = append(resp.Transactions, *tx)
		}
		resp.Observations = append(resp.Observations, h.relay.Store.ObservationsFor(hh)...)
	}
	return resp
}

// handleSubmitTransaction never blocks: it hands the transaction to the
// mempool's inbound channel and acknowledges immediately (spec §4.3
// "Handlers must never block").
func (h *InboundHandler) handleSubmitTransaction(ctx context.Context, req *SubmitTransactionRequest) *SubmitTransactionResponse {
	select {
	case h.relay.MempoolInbound <- MempoolSubmission{Tx: req.Tx}:
		return &SubmitTransactionResponse{Accepted: true}
	case <-ctx.Done():
		return &SubmitTransactionResponse{Accepted: false}
	default:
		return &SubmitTransactionResponse{Accepted: false}
	}
}

func (h *InboundHandler) handleGossipPeers(req *GossipPeersRequest) *GossipPeersResponse {
	accepted := 0
	for _, p := range req.Peers {
		h.relay.Store.PeerAdd(p)
		accepted++
	}
	return &GossipPeersResponse{Accepted: accepted}
}

func (h *InboundHandler) handleGetPeersInfo() *GetPeersInfoResponse {
	return &GetPeersInfoResponse{Peers: h.relay.Store.PeerAll(), SelfInfo: h.relay.Store.DynamicMetadata()}
}

func (h *InboundHandler) handleObservationQuery(req *ObservationQueryRequest) *ObservationQueryResponse {
	resp := &ObservationQueryResponse{}
	for _, hh := range req.TxHashes {
		resp.Observations = append(resp.Observations, h.relay.Store.ObservationsFor(hh)...)
	}
	return resp
}

func (h *InboundHandler) handleDownload(req *DownloadRequest) *DownloadResponse {
	resp := &DownloadResponse{}
	switch req.Kind {
	case "utxo_hashes":
		for _, e := range h.relay.Store.UTXOFilterTime(req.StartTime, req.EndTime) {
			resp.Hashes = append(resp.Hashes, e.Id.TxHash)
		}
	case "tx_hashes":
		resp.Hashes = h.relay.Store.AcceptedTimeTxHashes(req.StartTime, req.EndTime)
	case "observation_hashes":
		resp.Hashes = h.relay.Store.AcceptedTimeObservationHashes(req.StartTime, req.EndTime)
	case "resolve":
		for _, hh := range req.Hashes {
			if tx, _, ok := h.relay.Store.QueryMaybeTransaction(hh); ok {
				resp.Transactions = append(resp.Transactions, *tx)
			}
		}
	}
	return resp
}

func (h *InboundHandler) handleResolveCode(req *ResolveCodeRequest) *ResolveCodeResponse {
	tx, _, ok := h.relay.Store.QueryMaybeTransaction(req.CodeHash)
	if !ok {
		return &ResolveCodeResponse{}
	}
	for _, out := range tx.Outputs {
		if out.Marker == MarkerContractDeploy {
			return &ResolveCodeResponse{Code: out.ContractCode}
		}
	}
	return &ResolveCodeResponse{}
}

// handleInitiateKeygen is the follower entry point for spec §4.8's keygen
// flow: it requires an authenticated caller and a running coordinator, then
// runs the cooperative state machine synchronously: the caller blocks for
// its own ack, same as every other peer verb, and the request keeps one of
// the inbound concurrency slots (h.sem) until the state machine finishes.
// No separate goroutine is spawned for the follower's work.
func (h *InboundHandler) handleInitiateKeygen(ctx context.Context, initiator *PublicKey, req *InitiateKeygenRequest) *InitiateKeygenResponse {
	if initiator == nil {
		return &InitiateKeygenResponse{Ack: false}
	}
	if h.coord == nil {
		return &InitiateKeygenResponse{Ack: false}
	}
	if err := h.coord.HandleInitiateKeygen(ctx, *initiator, *req); err != nil {
		h.log.WithError(err).Warn("follower keygen rejected")
		return &InitiateKeygenResponse{Ack: false}
	}
	return &InitiateKeygenResponse{Ack: true}
}

// handleInitiateSigning is the follower entry point for spec §4.8's signing
// flow; a validation veto (spec §4.9) or a failed state machine both result
// in Ack: false, which the initiator counts toward its threshold.
func (h *InboundHandler) handleInitiateSigning(ctx context.Context, req *InitiateSigningRequest) *InitiateSigningResponse {
	if h.coord == nil {
		return &InitiateSigningResponse{Ack: false}
	}
	if err := h.coord.HandleInitiateSigning(ctx, req.KeygenRoomId, req.SigningRoom, req.Validation); err != nil {
		h.log.WithError(err).Warn("follower signing rejected")
		return &InitiateSigningResponse{Ack: false}
	}
	return &InitiateSigningResponse{Ack: true}
}

//---------------------------------------------------------------------
// Read-only JSON endpoints (spec §6)
//---------------------------------------------------------------------

func (h *InboundHandler) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"peers":         len(h.relay.Store.PeerAll()),
		"mempool_depth": len(h.relay.MempoolInbound),
	})
}

func (h *InboundHandler) handlePartyData(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, map[string]any{"note": "no party engine running on this node"})
		return
	}
	balance, withDeltas := h.engine.Snapshot()
	writeJSON(w, map[string]any{"balance": balance, "balance_with_deltas": withDeltas})
}

// handleExplorerAddress serves spec §6's read-only explorer endpoint: the
// UTXO set currently held by a Redgold address, each entry resolved to its
// originating transaction via resolve.go.
func (h *InboundHandler) handleExplorerAddress(w http.ResponseWriter, r *http.Request) {
	hexAddr := mux.Vars(r)["hex"]
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		writeErrorResponse(w, NewError(ErrValidation, "address is not valid hex").WithDetail("address", hexAddr))
		return
	}
	addr := Address{Currency: CurrencyRedgold, Bytes: raw}

	type utxoView struct {
		Id             UTXOId
		Amount         uint64
		AcceptanceTime int64
		OriginTxHash   string
	}
	var utxos []utxoView
	for _, e := range h.relay.Store.UTXOForAddress(addr) {
		resolved, rerr := ResolveUTXO(h.relay.Store, e.Id)
		originHash := ""
		if rerr == nil {
			originHash = resolved.Origin.Hash.Hex()
		}
		utxos = append(utxos, utxoView{Id: e.Id, Amount: e.Output.Amount, AcceptanceTime: e.AcceptanceTime, OriginTxHash: originHash})
	}
	writeJSON(w, map[string]any{"address": hexAddr, "utxos": utxos})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, err *ErrorInfo) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(&Response{ErrorInfo: err})
}
