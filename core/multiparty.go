package core

// multiparty.go – the multiparty coordinator (C8, spec §4.8). The
// threshold-ECDSA keygen/signing primitive itself is assumed external
// (spec §9 design note), so this file owns exactly what spec §4.8 asks
// the core to own: the pub/sub bus, authorization, and the two
// orchestration flows that drive that external primitive through the bus.
// Grounded on the teacher's HTTP server idiom (gorilla/mux routers used
// throughout cmd/*server) turned into both a server (the bus) and the
// client calls the orchestration flows make against peers' buses.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Pub/sub bus (spec §4.8 "An HTTP+SSE server per node")
//---------------------------------------------------------------------

// room is one ordered, append-only message log plus its active subscribers.
type room struct {
	mu       sync.Mutex
	messages []BusMessage
	nextIdx  int
	subs     map[chan BusMessage]struct{}
}

// Bus implements the per-node pub/sub server spec §4.8 describes.
type Bus struct {
	mu    sync.Mutex
	rooms map[RoomId]*room

	authMu sync.Mutex
	authz  map[RoomId]PublicKey // room id -> authorized initiator public key

	trust *TrustTable
	log   *logrus.Entry
}

func NewBus(trust *TrustTable, log *logrus.Entry) *Bus {
	return &Bus{
		rooms: make(map[RoomId]*room),
		authz: make(map[RoomId]PublicKey),
		trust: trust,
		log:   log.WithField("component", "multiparty_bus"),
	}
}

// Authorize records the (room, initiator) pair (spec §4.8 "inserts the
// initiating request into an in-process map keyed by room id"). verifyCall
// accepts bus calls signed by the key recorded here; initiate_* requests
// are gated by the Coordinator on trust, not on this map.
func (b *Bus) Authorize(id RoomId, initiator PublicKey) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	b.authz[id] = initiator
}

// Deauthorize removes a room's authorization entry (spec §4.8
// "Authorization entries are removed on success/failure").
func (b *Bus) Deauthorize(id RoomId) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authz, id)
}

func (b *Bus) authorizedInitiator(id RoomId) (PublicKey, bool) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	pk, ok := b.authz[id]
	return pk, ok
}

func (b *Bus) roomFor(id RoomId) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[id]
	if !ok {
		r = &room{subs: make(map[chan BusMessage]struct{})}
		b.rooms[id] = r
	}
	return r
}

// verifyCall checks a MultipartyAuthenticationRequest: the signature must
// be valid and the signer must be either the initiator recorded for the
// room by Authorize or any key whose trust clears MultipartyTrustThreshold.
// The Bus keeps no per-room participant list, so a key above the trust
// threshold is accepted for every room, including rooms it is not part of.
func (b *Bus) verifyCall(auth MultipartyAuthenticationRequest, payload []byte) error {
	digest := HashData(payload)
	ok, err := VerifyPlainSignature(auth.PublicKey, digest, auth.Signature)
	if err != nil || !ok {
		return fmt.Errorf("multiparty call authentication failed")
	}
	if initiator, has := b.authorizedInitiator(auth.RoomId); has && initiator.Equal(auth.PublicKey) {
		return nil
	}
	if !b.trust.IsAuthorizedInitiator(NodeIDOf(auth.PublicKey)) {
		return fmt.Errorf("signer is not authorized for room %s", auth.RoomId)
	}
	return nil
}

// Router exposes the subscribe/broadcast/issue_unique_idx endpoints.
func (b *Bus) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room_id}/subscribe", b.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room_id}/broadcast", b.handleBroadcast).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room_id}/issue_unique_idx", b.handleIssueIndex).Methods(http.MethodPost)
	return r
}

func (b *Bus) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	roomID := RoomId(mux.Vars(req)["room_id"])
	var auth MultipartyAuthenticationRequest
	if v := req.Header.Get("X-Auth"); v != "" {
		_ = json.Unmarshal([]byte(v), &auth)
	}
	auth.RoomId = roomID
	if err := b.verifyCall(auth, []byte(roomID)); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	rm := b.roomFor(roomID)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	lastEventID := 0
	if v := req.Header.Get("Last-Event-ID"); v != "" {
		fmt.Sscanf(v, "%d", &lastEventID)
	}

	rm.mu.Lock()
	for _, m := range rm.messages {
		if m.EventId > lastEventID {
			b.writeEvent(w, m)
		}
	}
	ch := make(chan BusMessage, 64)
	rm.subs[ch] = struct{}{}
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.subs, ch)
		rm.mu.Unlock()
	}()

	flusher.Flush()
	for {
		select {
		case <-req.Context().Done():
			return
		case m := <-ch:
			b.writeEvent(w, m)
			flusher.Flush()
		}
	}
}

func (b *Bus) writeEvent(w http.ResponseWriter, m BusMessage) {
	blob, _ := json.Marshal(m)
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", m.EventId, blob)
}

func (b *Bus) handleBroadcast(w http.ResponseWriter, req *http.Request) {
	roomID := RoomId(mux.Vars(req)["room_id"])
	var payload BusBroadcastRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	payload.Auth.RoomId = roomID
	if err := b.verifyCall(payload.Auth, payload.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	rm := b.roomFor(roomID)
	rm.mu.Lock()
	rm.nextIdx++
	msg := BusMessage{EventId: rm.nextIdx, RoomId: roomID, Sender: payload.Auth.PublicKey, Payload: payload.Payload, Timestamp: time.Now().Unix()}
	rm.messages = append(rm.messages, msg)
	for ch := range rm.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	rm.mu.Unlock()

	writeJSON(w, BusBroadcastResponse{EventId: msg.EventId})
}

func (b *Bus) handleIssueIndex(w http.ResponseWriter, req *http.Request) {
	roomID := RoomId(mux.Vars(req)["room_id"])
	var payload BusIssueIndexRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	payload.Auth.RoomId = roomID
	if err := b.verifyCall(payload.Auth, []byte(roomID)); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	rm := b.roomFor(roomID)
	rm.mu.Lock()
	rm.nextIdx++
	idx := rm.nextIdx
	rm.mu.Unlock()

	writeJSON(w, BusIssueIndexResponse{Index: idx})
}

//---------------------------------------------------------------------
// Coordinator: keygen/signing orchestration (spec §4.8)
//---------------------------------------------------------------------

// ThresholdSigner is the assumed external keygen/signing primitive (spec
// §9 design note: "the core only owns the transport, authorization,
// persistence, and validation wrapper"). A production build wires this to
// whatever threshold-ECDSA library is vendored; tests supply a stub.
type ThresholdSigner interface {
	RunKeygen(ctx context.Context, room RoomId, selfIndex, threshold, n int, busAddr string) (share []byte, partyKey PublicKey, err error)
	RunSigning(ctx context.Context, keygenRoom, signingRoom RoomId, share []byte, hashToSign Hash, busAddr string) (*RecoverableSignature, error)
}

// Coordinator implements C8's orchestration around ThresholdSigner.
type Coordinator struct {
	relay     *Relay
	transport *Transport
	bus       *Bus
	trust     *TrustTable
	signer    ThresholdSigner
	engine    func(PublicKey) *PartyEngine
	key       *KeyPair
	metrics   *Metrics
	log       *logrus.Entry
}

func NewCoordinator(relay *Relay, transport *Transport, bus *Bus, trust *TrustTable, signer ThresholdSigner, engineFor func(PublicKey) *PartyEngine, key *KeyPair, metrics *Metrics) *Coordinator {
	return &Coordinator{
		relay: relay, transport: transport, bus: bus, trust: trust,
		signer: signer, engine: engineFor, key: key, metrics: metrics,
		log: relay.Log.WithField("component", "multiparty_coordinator"),
	}
}

// thresholdFor implements spec §4.8's threshold rule: ceil(n/2), or n-1
// when n <= 5.
func thresholdFor(n int) int {
	if n <= 5 {
		return n - 1
	}
	return (n + 1) / 2
}

// crossCheckPartyKey is an auxiliary sanity check (design notes, crypto.go
// AggregatePartyPublicKeys): it derives a BLS key share per party member
// from their long-term public key and aggregates them, purely to give
// every node an independent, deterministic value to compare against its
// peers out of band. It never blocks or rejects the threshold-ECDSA result.
func (c *Coordinator) crossCheckPartyKey(room RoomId, partyKeys []PublicKey) {
	shares := make([][]byte, len(partyKeys))
	for i, pk := range partyKeys {
		shares[i] = DeriveBLSPublicKeyShare(pk)
	}
	agg, err := AggregatePartyPublicKeys(shares)
	if err != nil {
		c.log.WithError(err).WithField("room", room).Warn("bls party-key cross-check aggregation failed")
		return
	}
	c.log.WithField("room", room).WithField("bls_aggregate", fmt.Sprintf("%x", agg)).Debug("bls party-key cross-check computed")
}

// InitiateKeygen drives the initiator side of spec §4.8's keygen flow.
func (c *Coordinator) InitiateKeygen(ctx context.Context, partyKeys []PublicKey) (*PartyInfo, *ErrorInfo) {
	room := RoomId(uuid.NewString())
	n := len(partyKeys)
	threshold := thresholdFor(n)

	c.bus.Authorize(room, c.key.Public)
	defer c.bus.Deauthorize(room)

	kctx, cancel := context.WithTimeout(ctx, c.relay.Config.MultipartyTimeout)
	defer cancel()

	resultCh := make(chan struct {
		share    []byte
		partyKey PublicKey
		err      error
	}, 1)
	go func() {
		busAddr := fmt.Sprintf("%s:%d", c.relay.Self.ExternalAddress, c.relay.Self.PortBase+4)
		share, partyKey, err := c.signer.RunKeygen(kctx, room, 1, threshold, n, busAddr)
		resultCh <- struct {
			share    []byte
			partyKey PublicKey
			err      error
		}{share, partyKey, err}
	}()

	time.Sleep(5 * time.Second)

	acks := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 1; i < n; i++ {
		wg.Add(1)
		peer := partyKeys[i]
		go func() {
			defer wg.Done()
			respCh := make(chan *Response, 1)
			c.transport.Send(kctx, PeerMessage{
				Destination: &peer,
				Request: &Request{InitiateKeygen: &InitiateKeygenRequest{
					RoomId: room, Threshold: threshold, PartyKeys: partyKeys, SelfIndex: i + 1,
				}},
				ResponseChan: respCh,
			})
			select {
			case resp := <-respCh:
				if resp != nil && resp.InitiateKeygen != nil && resp.InitiateKeygen.Ack {
					mu.Lock()
					acks++
					mu.Unlock()
				}
			case <-kctx.Done():
			}
		}()
	}
	wg.Wait()

	if acks < n-1 {
		cancel()
		c.metrics.MultipartyKeygenFailure.Inc()
		return nil, NewError(ErrTransient, "fewer than n-1 peers acknowledged keygen").WithDetail("acks", fmt.Sprint(acks))
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			c.metrics.MultipartyKeygenFailure.Inc()
			return nil, WrapError(ErrFatal, res.err, "keygen state machine failed")
		}
		c.crossCheckPartyKey(room, partyKeys)
		info := PartyInfo{RoomId: room, Threshold: threshold, PartyKeys: partyKeys, SelfIndex: 1, PartyKey: res.partyKey, Share: res.share}
		c.relay.Store.AddKeygen(info)
		c.metrics.MultipartyKeygenSuccess.Inc()
		return &info, nil
	case <-kctx.Done():
		c.metrics.MultipartyKeygenFailure.Inc()
		return nil, NewError(ErrTimeout, "keygen state machine timed out")
	}
}

// HandleInitiateKeygen implements the follower side of spec §4.8's keygen
// flow: validate the initiator's trust, compute self index, run the state
// machine, persist the resulting share.
func (c *Coordinator) HandleInitiateKeygen(ctx context.Context, initiator PublicKey, req InitiateKeygenRequest) *ErrorInfo {
	if !c.trust.IsAuthorizedInitiator(NodeIDOf(initiator)) {
		return NewError(ErrValidation, "keygen initiator is not sufficiently trusted")
	}
	selfIndex := -1
	for i, pk := range req.PartyKeys {
		if pk.Equal(c.key.Public) {
			selfIndex = i + 1
			break
		}
	}
	if selfIndex < 0 {
		return NewError(ErrValidation, "self public key not present in party_keys")
	}

	c.bus.Authorize(req.RoomId, initiator)
	defer c.bus.Deauthorize(req.RoomId)

	kctx, cancel := context.WithTimeout(ctx, c.relay.Config.MultipartyTimeout)
	defer cancel()

	initiatorAddr := fmt.Sprintf("initiator:%d", req.SelfIndex) // resolved by signer impl from the bus room
	share, partyKey, err := c.signer.RunKeygen(kctx, req.RoomId, selfIndex, req.Threshold, len(req.PartyKeys), initiatorAddr)
	if err != nil {
		c.metrics.MultipartyKeygenFailure.Inc()
		return WrapError(ErrFatal, err, "follower keygen failed")
	}
	c.crossCheckPartyKey(req.RoomId, req.PartyKeys)
	c.relay.Store.AddKeygen(PartyInfo{RoomId: req.RoomId, Threshold: req.Threshold, PartyKeys: req.PartyKeys, SelfIndex: selfIndex, PartyKey: partyKey, Share: share})
	c.metrics.MultipartyKeygenSuccess.Inc()
	return nil
}

// InitiateSigning drives the initiator side of spec §4.8's signing flow:
// analogous to InitiateKeygen, it broadcasts initiate_signing to the other
// party members (who validate the payload and join the bus before the
// initiator runs its own rounds) and requires n-1 acks, same as keygen.
func (c *Coordinator) InitiateSigning(ctx context.Context, keygenRoom RoomId, validation PartySigningValidation) (*RecoverableSignature, *ErrorInfo) {
	info, ok := c.relay.Store.PartyInfoByRoom(keygenRoom)
	if !ok {
		return nil, NewError(ErrNotFound, "unknown keygen room")
	}
	signingRoom := RoomId(fmt.Sprintf("%s_%s", keygenRoom, uuid.NewString()))

	c.bus.Authorize(signingRoom, c.key.Public)
	defer c.bus.Deauthorize(signingRoom)

	sctx, cancel := context.WithTimeout(ctx, c.relay.Config.MultipartyTimeout)
	defer cancel()

	n := len(info.PartyKeys)
	acks := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, peer := range info.PartyKeys {
		if i+1 == info.SelfIndex {
			continue
		}
		wg.Add(1)
		peer := peer
		go func() {
			defer wg.Done()
			respCh := make(chan *Response, 1)
			c.transport.Send(sctx, PeerMessage{
				Destination: &peer,
				Request: &Request{InitiateSigning: &InitiateSigningRequest{
					KeygenRoomId: keygenRoom, SigningRoom: signingRoom, Validation: validation,
				}},
				ResponseChan: respCh,
			})
			select {
			case resp := <-respCh:
				if resp != nil && resp.InitiateSigning != nil && resp.InitiateSigning.Ack {
					mu.Lock()
					acks++
					mu.Unlock()
				}
			case <-sctx.Done():
			}
		}()
	}
	wg.Wait()

	if acks < n-1 {
		cancel()
		c.metrics.MultipartySigningFailure.Inc()
		return nil, NewError(ErrTransient, "fewer than n-1 peers acknowledged signing").WithDetail("acks", fmt.Sprint(acks))
	}

	busAddr := fmt.Sprintf("%s:%d", c.relay.Self.ExternalAddress, c.relay.Self.PortBase+4)
	sig, err := c.signer.RunSigning(sctx, keygenRoom, signingRoom, info.Share, validation.HashToSign, busAddr)
	if err != nil {
		c.metrics.MultipartySigningFailure.Inc()
		return nil, WrapError(ErrFatal, err, "signing state machine failed")
	}

	ok2, verr := VerifyRecoverable(sig, validation.HashToSign, info.PartyKey)
	if verr != nil || !ok2 {
		c.metrics.MultipartySigningFailure.Inc()
		return nil, NewError(ErrValidation, "recovered signature proof did not verify")
	}
	_ = c.relay.Store.AddSigningProof(signingRoom, *sig)
	c.metrics.MultipartySigningSuccess.Inc()
	return sig, nil
}

// HandleInitiateSigning implements the follower side: validate the
// payload via the party engine (spec §4.9) before executing sign rounds.
func (c *Coordinator) HandleInitiateSigning(ctx context.Context, keygenRoom, signingRoom RoomId, validation PartySigningValidation) *ErrorInfo {
	info, ok := c.relay.Store.PartyInfoByRoom(keygenRoom)
	if !ok {
		return NewError(ErrNotFound, "unknown keygen room")
	}
	engine := c.engine(info.PartyKey)
	if err := engine.ValidateOutgoingSignature(validation); err != nil {
		c.metrics.MultipartySigningFailure.Inc()
		return err
	}

	c.bus.Authorize(signingRoom, c.key.Public)
	defer c.bus.Deauthorize(signingRoom)

	sctx, cancel := context.WithTimeout(ctx, c.relay.Config.MultipartyTimeout)
	defer cancel()
	busAddr := fmt.Sprintf("%s:%d", c.relay.Self.ExternalAddress, c.relay.Self.PortBase+4)
	_, err := c.signer.RunSigning(sctx, keygenRoom, signingRoom, info.Share, validation.HashToSign, busAddr)
	if err != nil {
		c.metrics.MultipartySigningFailure.Inc()
		return WrapError(ErrFatal, err, "follower signing failed")
	}
	c.metrics.MultipartySigningSuccess.Inc()
	return nil
}
