package core

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*PartyEngine, PublicKey) {
	t.Helper()
	kp := newTestKeyPair(t)
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return NewPartyEngine(kp.PublicKey(), log.WithField("test", "party")), kp.PublicKey()
}

func TestProcessEventUnconfirmedStaysPending(t *testing.T) {
	engine, _ := newTestEngine(t)
	ev := AddressEvent{Kind: EventExternal, Incoming: true, Amount: 10, Confirmations: 0}
	engine.ProcessEvent(ev)

	require.Len(t, engine.events.Events, 1)
	require.Len(t, engine.events.UnconfirmedEvents, 1)
	require.Empty(t, engine.events.UnfulfilledRdgOrders)
}

func TestProcessEventExternalIncomingCreatesUnfulfilledOrder(t *testing.T) {
	engine, _ := newTestEngine(t)
	ev := AddressEvent{
		Kind:          EventExternal,
		Incoming:      true,
		Amount:        50,
		Confirmations: 6,
		ExtCurrency:   CurrencyBitcoin,
	}
	engine.ProcessEvent(ev)

	require.Len(t, engine.events.UnfulfilledRdgOrders, 1)
	order := engine.events.UnfulfilledRdgOrders[0]
	require.Equal(t, DirectionAsk, order.Direction)
	require.Equal(t, CurrencyRedgold, order.Currency)
}

func TestProcessEventWithPriceUSDUpdatesCentralPrices(t *testing.T) {
	engine, _ := newTestEngine(t)
	price := 42.5
	ev := AddressEvent{
		Kind:          EventExternal,
		Incoming:      true,
		Amount:        1,
		Confirmations: 6,
		ExtCurrency:   CurrencyEthereum,
		PriceUSD:      &price,
	}
	engine.ProcessEvent(ev)

	pair, ok := engine.events.CentralPrices[CurrencyEthereum]
	require.True(t, ok)
	require.Equal(t, price, pair.MinAsk)
	require.Equal(t, price, pair.MinBid)
}

func TestSnapshotReturnsDefensiveCopy(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.events.BalanceMap[CurrencyRedgold] = 100

	balance, _ := engine.Snapshot()
	balance[CurrencyRedgold] = 999

	require.Equal(t, int64(100), engine.events.BalanceMap[CurrencyRedgold])
}

func TestValidateOutgoingSignatureRedgoldRejectsUnmatchedOutput(t *testing.T) {
	engine, partyKey := newTestEngine(t)
	_ = partyKey

	tx := &Transaction{Outputs: []TxOutput{{Address: Address{Currency: CurrencyRedgold, Bytes: []byte{7}}, Amount: 5}}}
	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyRedgold, Tx: tx})
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestValidateOutgoingSignatureRedgoldAcceptsMatchingOrder(t *testing.T) {
	engine, _ := newTestEngine(t)
	dest := Address{Currency: CurrencyRedgold, Bytes: []byte{8}}
	engine.events.UnfulfilledRdgOrders = append(engine.events.UnfulfilledRdgOrders, Order{
		Amount: 5, Direction: DirectionAsk, Currency: CurrencyRedgold, Destination: dest,
	})

	tx := &Transaction{Outputs: []TxOutput{{Address: dest, Amount: 5}}}
	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyRedgold, Tx: tx})
	require.Nil(t, err)
}

func TestValidateOutgoingSignatureMissingRedgoldTxRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyRedgold})
	require.NotNil(t, err)
}

func TestValidateOutgoingSignatureExternalRequiresPendingWithdraw(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyBitcoin})
	require.NotNil(t, err)

	engine.events.UnfulfilledExternalWithdraw = append(engine.events.UnfulfilledExternalWithdraw, Order{Currency: CurrencyBitcoin})
	err = engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyBitcoin})
	require.Nil(t, err)
}

func TestValidateOutgoingSignatureExternalMatchesDestinationAndAmount(t *testing.T) {
	engine, _ := newTestEngine(t)
	dest := Address{Currency: CurrencyBitcoin, Bytes: []byte{9}}
	engine.events.UnfulfilledExternalWithdraw = append(engine.events.UnfulfilledExternalWithdraw, Order{
		Currency: CurrencyBitcoin, Destination: dest, Amount: 50_000,
	})

	// Within tolerance of the external chain's own network fee: accepted.
	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyBitcoin, Destination: dest, Amount: 49_500})
	require.Nil(t, err)
}

func TestValidateOutgoingSignatureExternalRejectsMismatchedDestination(t *testing.T) {
	engine, _ := newTestEngine(t)
	dest := Address{Currency: CurrencyBitcoin, Bytes: []byte{9}}
	other := Address{Currency: CurrencyBitcoin, Bytes: []byte{10}}
	engine.events.UnfulfilledExternalWithdraw = append(engine.events.UnfulfilledExternalWithdraw, Order{
		Currency: CurrencyBitcoin, Destination: dest, Amount: 50_000,
	})

	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyBitcoin, Destination: other, Amount: 50_000})
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestValidateOutgoingSignatureExternalRejectsMismatchedAmount(t *testing.T) {
	engine, _ := newTestEngine(t)
	dest := Address{Currency: CurrencyBitcoin, Bytes: []byte{9}}
	engine.events.UnfulfilledExternalWithdraw = append(engine.events.UnfulfilledExternalWithdraw, Order{
		Currency: CurrencyBitcoin, Destination: dest, Amount: 50_000,
	})

	err := engine.ValidateOutgoingSignature(PartySigningValidation{Currency: CurrencyBitcoin, Destination: dest, Amount: 10_000})
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestCapCurveVolumeCapsAtMaxVolume(t *testing.T) {
	levels := []PriceLevel{{Price: 1, Volume: 10}, {Price: 1, Volume: 10}}
	capped := capCurveVolume(levels, 15)
	var total uint64
	for _, l := range capped {
		total += l.Volume
	}
	require.Equal(t, uint64(15), total)
}
