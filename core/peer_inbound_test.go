package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func newTestInbound(t *testing.T) (*InboundHandler, *Relay, *KeyPair) {
	t.Helper()
	d, relay := newTestDiscovery(t)
	kp := newTestKeyPair(t)
	transport, err := NewTransport(relay, kp.Private, NewMetrics())
	require.NoError(t, err)
	return NewInboundHandler(relay, transport, d, NewTrustTable(), kp, NewMetrics()), relay, kp
}

func signRequest(t *testing.T, kp *KeyPair, req *Request) {
	t.Helper()
	body, err := json.Marshal(stripAuth(req))
	require.NoError(t, err)
	digest := HashData(body)
	sig, err := SignPlain(kp.Private, digest)
	require.NoError(t, err)
	req.Auth = &Authentication{PublicKey: kp.PublicKey(), Signature: sig}
}

func TestDispatchAboutReturnsSignedResponse(t *testing.T) {
	h, _, kp := newTestInbound(t)
	req := &Request{About: &AboutRequest{}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.Nil(t, resp.ErrorInfo)
	require.NotNil(t, resp.About)
	require.NotNil(t, resp.Auth)
}

func TestDispatchRejectsBadAuthentication(t *testing.T) {
	h, _, kp := newTestInbound(t)
	req := &Request{About: &AboutRequest{}}
	signRequest(t, kp, req)
	req.Auth.Signature[0] ^= 0xFF

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.ErrorInfo)
	require.Equal(t, ErrValidation, resp.ErrorInfo.Kind)
}

func TestDispatchNoRecognizedVerbRejected(t *testing.T) {
	h, _, kp := newTestInbound(t)
	req := &Request{}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.ErrorInfo)
	require.Equal(t, ErrValidation, resp.ErrorInfo.Kind)
}

func TestDispatchGossipPeersAccepted(t *testing.T) {
	h, relay, kp := newTestInbound(t)
	other := newTestKeyPair(t)
	req := &Request{GossipPeers: &GossipPeersRequest{Peers: []PeerRecord{{PublicKey: other.PublicKey()}}}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.GossipPeers)
	require.Equal(t, 1, resp.GossipPeers.Accepted)

	_, ok := relay.Store.PeerGet(NodeIDOf(other.PublicKey()))
	require.True(t, ok)
}

func TestDispatchSubmitTransactionEnqueuesOnMempoolChannel(t *testing.T) {
	h, relay, kp := newTestInbound(t)
	tx := Transaction{Hash: Hash{1, 2, 3}}
	req := &Request{SubmitTransaction: &SubmitTransactionRequest{Tx: tx}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.SubmitTransaction)
	require.True(t, resp.SubmitTransaction.Accepted)

	submission := <-relay.MempoolInbound
	require.Equal(t, tx.Hash, submission.Tx.Hash)
}

func TestDispatchHashSearchFindsAcceptedTransaction(t *testing.T) {
	h, relay, kp := newTestInbound(t)
	id := fundTx(t, relay, 61)

	req := &Request{HashSearch: &HashSearchRequest{Hashes: []Hash{id.TxHash}}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.HashSearch)
	require.Len(t, resp.HashSearch.Transactions, 1)
	require.Equal(t, id.TxHash, resp.HashSearch.Transactions[0].Hash)
}

func TestHandleExplorerAddressResolvesUTXOsForAddress(t *testing.T) {
	h, relay, _ := newTestInbound(t)
	id := fundTx(t, relay, 77)

	req := httptest.NewRequest(http.MethodGet, "/v1/explorer/public/address/4d", nil)
	req = mux.SetURLVars(req, map[string]string{"hex": "4d"})
	w := httptest.NewRecorder()
	h.handleExplorerAddress(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	utxos, ok := body["utxos"].([]any)
	require.True(t, ok)
	require.Len(t, utxos, 1)
	_ = id
}

func TestHandleExplorerAddressRejectsInvalidHex(t *testing.T) {
	h, _, _ := newTestInbound(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/explorer/public/address/zz", nil)
	req = mux.SetURLVars(req, map[string]string{"hex": "zz"})
	w := httptest.NewRecorder()
	h.handleExplorerAddress(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchInitiateKeygenWithNoCoordinatorNacks(t *testing.T) {
	h, _, kp := newTestInbound(t)
	req := &Request{InitiateKeygen: &InitiateKeygenRequest{RoomId: RoomId("r1"), Threshold: 1, PartyKeys: []PublicKey{kp.PublicKey()}, SelfIndex: 1}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.InitiateKeygen)
	require.False(t, resp.InitiateKeygen.Ack)
}

func TestDispatchInitiateSigningWithNoCoordinatorNacks(t *testing.T) {
	h, _, kp := newTestInbound(t)
	req := &Request{InitiateSigning: &InitiateSigningRequest{KeygenRoomId: RoomId("r1"), SigningRoom: RoomId("r1_s1")}}
	signRequest(t, kp, req)

	resp := h.Dispatch(context.Background(), req)
	require.NotNil(t, resp.InitiateSigning)
	require.False(t, resp.InitiateSigning.Ack)
}

func TestDispatchUnauthenticatedRequestStillRoutedButUnverified(t *testing.T) {
	h, _, _ := newTestInbound(t)
	req := &Request{About: &AboutRequest{}}

	resp := h.Dispatch(context.Background(), req)
	require.Nil(t, resp.ErrorInfo)
	require.NotNil(t, resp.About)
}
