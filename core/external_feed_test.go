package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestExternalFeedDecodesMessageIntoAddressEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		msg := `{"currency":1,"incoming":true,"amount":1500,"counterparty_address":"aa","txid":"deadbeef","confirmations":6,"price_usd":100.5,"timestamp":42}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	log := logrus.New()
	log.SetOutput(nopWriter{})
	feed := NewExternalFeed(url, log.WithField("test", "feed"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go feed.Run(ctx)

	select {
	case ev := <-feed.Events():
		require.Equal(t, EventExternal, ev.Kind)
		require.True(t, ev.Incoming)
		require.Equal(t, uint64(1500), ev.Amount)
		require.Equal(t, "deadbeef", ev.ExternalTxid)
		require.Equal(t, 6, ev.Confirmations)
		require.NotNil(t, ev.PriceUSD)
		require.Equal(t, 100.5, *ev.PriceUSD)
		require.Equal(t, []byte{0xaa}, ev.CounterpartyAddr.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded address event")
	}
}

func TestExternalFeedDropsMalformedMessageWithoutCrashing(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"currency":2,"amount":1}`)))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	log := logrus.New()
	log.SetOutput(nopWriter{})
	feed := NewExternalFeed(url, log.WithField("test", "feed"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go feed.Run(ctx)

	select {
	case ev := <-feed.Events():
		require.Equal(t, uint64(1), ev.Amount)
		require.Equal(t, CurrencyEthereum, ev.ExtCurrency)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the well-formed message after the malformed one")
	}
}
