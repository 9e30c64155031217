package core

// peer_transport.go – outbound peer dispatch (C2, spec §4.2). The teacher's
// transport was libp2p gossipsub/mDNS (core/network.go, deleted); the spec
// calls for a much simpler authenticated HTTP request/response fabric, so
// this is grounded instead on the teacher's HTTP server idiom
// (cmd/xchainserver/server) turned into a client, with per-peer failure
// tracking kept in a bounded LRU (github.com/hashicorp/golang-lru/v2) so
// peer churn cannot grow the failure table unboundedly.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	decred "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
)

// peerFailure is the {last error, last error time} record spec §4.2 asks
// the transport to maintain per peer.
type peerFailure struct {
	lastError     string
	lastErrorTime int64
}

// Transport implements C2.
type Transport struct {
	relay   *Relay
	key     *decred.PrivateKey
	client  *http.Client
	metrics *Metrics
	log     *logrus.Entry

	failures *lru.Cache[NodeID, *peerFailure]
}

// NewTransport constructs a Transport bound to the node's own signing key.
func NewTransport(relay *Relay, key *decred.PrivateKey, metrics *Metrics) (*Transport, error) {
	failures, err := lru.New[NodeID, *peerFailure](4096)
	if err != nil {
		return nil, WrapError(ErrFatal, err, "create peer failure cache")
	}
	return &Transport{
		relay:    relay,
		key:      key,
		client:   &http.Client{},
		metrics:  metrics,
		log:      relay.Log.WithField("component", "transport"),
		failures: failures,
	}, nil
}

// Send delivers msg.Request to the destination(s) named in msg, filling
// trace id, sender metadata and authentication, per spec §4.2 steps 1-3.
// The Response (or the first error) is pushed onto msg.ResponseChan if set.
func (t *Transport) Send(ctx context.Context, msg PeerMessage) {
	if msg.Request.TraceId == "" {
		msg.Request.TraceId = fmt.Sprintf("%x", HashData([]byte(fmt.Sprint(time.Now().UnixNano()))))
	}
	self := t.relay.Store.DynamicMetadata()
	msg.Request.SenderMetadata = &self

	if msg.Broadcast {
		t.broadcast(ctx, msg)
		return
	}

	dest := msg.DestinationMeta
	if dest == nil && msg.Destination != nil {
		if rec, ok := t.relay.Store.PeerGet(NodeIDOf(*msg.Destination)); ok {
			dest = &rec.Metadata
		}
	}
	if dest == nil {
		t.respondErr(msg, NewError(ErrNotFound, "destination peer unknown"))
		return
	}

	resp, err := t.sendOne(ctx, *dest, msg.Request, t.relay.Config.PeerSendTimeout)
	if err != nil {
		t.recordFailure(NodeIDOf(dest.PublicKey), err)
		t.respondErr(msg, err)
		return
	}
	if msg.IntendedPublicKey != nil && resp.Auth != nil {
		if !resp.Auth.PublicKey.Equal(*msg.IntendedPublicKey) {
			t.respondErr(msg, NewError(ErrValidation, "response signer did not match intended public key"))
			return
		}
		digest := canonicalResponseDigest(resp)
		ok, verr := VerifyPlainSignature(resp.Auth.PublicKey, digest, resp.Auth.Signature)
		if verr != nil || !ok {
			t.respondErr(msg, NewError(ErrValidation, "response auth did not match intended public key"))
			return
		}
	}
	if msg.ResponseChan != nil {
		msg.ResponseChan <- resp
	}
}

// broadcast fans msg.Request out to every known peer concurrently. Each
// successful response is pushed onto msg.ResponseChan (non-blocking, so a
// caller that stops reading early never stalls a send goroutine); failures
// are recorded per peer the same way a unicast Send failure is. bctx is
// cancelled once every fan-out goroutine has returned, not when broadcast
// itself returns, since broadcast does not wait on them.
func (t *Transport) broadcast(ctx context.Context, msg PeerMessage) {
	peers := t.relay.Store.PeerAll()
	bctx, cancel := context.WithTimeout(ctx, t.relay.Config.BroadcastTimeout)
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := t.sendOne(bctx, p.Metadata, msg.Request, t.relay.Config.BroadcastTimeout)
			if err != nil {
				t.recordFailure(NodeIDOf(p.PublicKey), err)
				return
			}
			if msg.ResponseChan != nil {
				select {
				case msg.ResponseChan <- resp:
				default:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

func (t *Transport) sendOne(ctx context.Context, dest NodeMetadata, req *Request, timeout time.Duration) (*Response, *ErrorInfo) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Sign a copy with Auth cleared: broadcast shares one *Request across
	// goroutines, and the receiver verifies over the request without Auth.
	signed := *req
	signed.Auth = nil
	body, err := json.Marshal(&signed)
	if err != nil {
		return nil, WrapError(ErrValidation, err, "marshal request")
	}

	digest := HashData(body)
	sig, err := SignPlain(t.key, digest)
	if err != nil {
		return nil, WrapError(ErrFatal, err, "sign request")
	}
	signed.Auth = &Authentication{PublicKey: PublicKey{Bytes: t.key.PubKey().SerializeCompressed()}, Signature: sig}
	body, _ = json.Marshal(&signed)

	url := fmt.Sprintf("http://%s:%d/request", dest.ExternalAddress, dest.PortBase+1)
	httpReq, err := http.NewRequestWithContext(sctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrValidation, err, "build http request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if sctx.Err() != nil {
			return nil, WrapError(ErrTimeout, err, "peer send timed out")
		}
		return nil, WrapError(ErrTransient, err, "peer send failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, WrapError(ErrTransient, err, "read peer response")
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, WrapError(ErrValidation, err, "decode peer response")
	}
	if resp.Auth == nil || len(resp.Auth.Signature) != 64 {
		return nil, NewError(ErrValidation, "peer response missing authentication")
	}
	return &resp, nil
}

func canonicalResponseDigest(resp *Response) Hash {
	clone := *resp
	clone.Auth = nil
	blob, _ := json.Marshal(clone)
	return HashData(blob)
}

func (t *Transport) recordFailure(id NodeID, err *ErrorInfo) {
	t.metrics.PeerSendFailures.Inc()
	now := time.Now().Unix()
	t.failures.Add(id, &peerFailure{lastError: err.Error(), lastErrorTime: now})
	t.relay.Store.PeerRecordFailure(id, err.Error(), now)
}

func (t *Transport) respondErr(msg PeerMessage, err *ErrorInfo) {
	if msg.ResponseChan != nil {
		msg.ResponseChan <- &Response{ErrorInfo: err}
	}
}

// LastFailure returns the most recently recorded failure for a peer, if any.
func (t *Transport) LastFailure(id NodeID) (string, int64, bool) {
	f, ok := t.failures.Get(id)
	if !ok {
		return "", 0, false
	}
	return f.lastError, f.lastErrorTime, true
}
