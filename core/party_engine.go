package core

// party_engine.go – the party event engine (C9, spec §4.9). This is the
// largest single component in the spec. Grounded conceptually on the
// teacher's core/amm.go constant-product router (the idea of consuming a
// price curve level-by-level until an amount is exhausted), though the
// data model here is spec §3's discrete CentralPricePair levels rather
// than the teacher's x*y=k pools, so the fill logic is rewritten rather
// than ported. PartyEvents itself is declared in common_structs.go and
// mutated only through ProcessEvent, so the "deterministic replay" and
// "commutativity across independent addresses" properties (spec §8) hold
// by construction: no other file writes to a PartyEvents's fields.

import (
	"github.com/sirupsen/logrus"
)

// PartyEngine owns a single party's PartyEvents and serializes every call
// to ProcessEvent behind the PartyEvents mutex, so two events for the
// same party can never interleave their balance updates (spec §8
// "commutativity... holds only when events are processed one at a time").
type PartyEngine struct {
	events *PartyEvents
	log    *logrus.Entry

	RequiredConfirmations int
}

func NewPartyEngine(partyKey PublicKey, log *logrus.Entry) *PartyEngine {
	return &PartyEngine{
		events:                NewPartyEvents(partyKey),
		log:                   log.WithField("component", "party_engine"),
		RequiredConfirmations: 6,
	}
}

// Snapshot returns a defensive copy of the running balance view, for the
// /v1/party/data read-only endpoint.
func (e *PartyEngine) Snapshot() (balance, withDeltas map[Currency]int64) {
	e.events.mu.RLock()
	defer e.events.mu.RUnlock()
	balance = make(map[Currency]int64, len(e.events.BalanceMap))
	withDeltas = make(map[Currency]int64, len(e.events.BalanceWithDeltasApplied))
	for k, v := range e.events.BalanceMap {
		balance[k] = v
	}
	for k, v := range e.events.BalanceWithDeltasApplied {
		withDeltas[k] = v
	}
	return balance, withDeltas
}

// ProcessEvent implements spec §4.9's process_event algorithm.
func (e *PartyEngine) ProcessEvent(ev AddressEvent) {
	pe := e.events
	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.Events = append(pe.Events, ev)

	if !ev.HasFinality(e.RequiredConfirmations) {
		pe.UnconfirmedEvents = append(pe.UnconfirmedEvents, ev)
		return
	}

	if ev.PriceUSD != nil {
		e.recomputeCentralPricesLocked(ev.ExtCurrency, *ev.PriceUSD)
	}

	switch {
	case ev.Kind == EventExternal && ev.Incoming:
		e.handleExternalIncomingLocked(ev)
	case ev.Kind == EventExternal && !ev.Incoming:
		e.handleExternalOutgoingLocked(ev)
	case ev.Kind == EventInternal && ev.InternalTx != nil && internalIsIncoming(ev):
		e.handleInternalIncomingLocked(ev)
	case ev.Kind == EventInternal && ev.InternalTx != nil:
		e.handleInternalOutgoingLocked(ev)
	}

	e.recomputeCentralPricesPostEventLocked()
}

// internalIsIncoming is a placeholder discriminator: the event producer
// (discovery/downloader ingestion, not modeled here) is expected to set
// Incoming consistently for internal events too, matching the convention
// already used for external events.
func internalIsIncoming(ev AddressEvent) bool { return ev.Incoming }

//---------------------------------------------------------------------
// Dispatch handlers (spec §4.9 step 2b), caller holds pe.mu
//---------------------------------------------------------------------

func (e *PartyEngine) handleExternalIncomingLocked(ev AddressEvent) {
	pe := e.events
	if e.matchesPendingStakeRequestLocked(ev) {
		e.routeStakeLocked(ev, true)
		return
	}
	fulfillment := e.fulfillOrderLocked(fulfillParams{
		direction: DirectionAsk,
		amount:    ev.Amount,
		time:      ev.Timestamp,
		destCurrency: CurrencyRedgold,
		origin:    ev,
	})
	pe.UnfulfilledRdgOrders = append(pe.UnfulfilledRdgOrders, Order{
		Amount:      fulfillment.FulfilledAmount,
		Direction:   DirectionAsk,
		Currency:    CurrencyRedgold,
		CreatedAt:   ev.Timestamp,
		OriginEvent: ev,
	})
}

func (e *PartyEngine) handleExternalOutgoingLocked(ev AddressEvent) {
	pe := e.events
	idx := -1
	for i, o := range pe.UnfulfilledExternalWithdraw {
		if o.OriginEvent.InternalTx == nil {
			continue
		}
		if matchesWithdrawDestination(o, ev.CounterpartyAddr) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	order := pe.UnfulfilledExternalWithdraw[idx]
	pe.UnfulfilledExternalWithdraw = append(pe.UnfulfilledExternalWithdraw[:idx], pe.UnfulfilledExternalWithdraw[idx+1:]...)

	fulfillment := OrderFulfillment{
		OrderAmount:     order.Amount,
		FulfilledAmount: ev.Amount,
		EventTime:       ev.Timestamp,
		Destination:     ev.CounterpartyAddr,
		Direction:       DirectionBid,
		ExternalTxid:    ev.ExternalTxid,
		StakeWithdrawId: order.StakeWithdrawId,
	}
	pe.FulfillmentHistory = append(pe.FulfillmentHistory, FulfillmentRecord{Order: order, RequestTime: order.CreatedAt, Fulfillment: fulfillment})
	e.removeUnconfirmedLocked(order.OriginEvent)
}

func (e *PartyEngine) handleInternalIncomingLocked(ev AddressEvent) {
	pe := e.events
	tx := ev.InternalTx
	for _, out := range tx.Outputs {
		if out.Marker == MarkerSwap {
			pe.UnfulfilledExternalWithdraw = append(pe.UnfulfilledExternalWithdraw, Order{
				Amount:      out.Amount,
				Direction:   DirectionBid,
				Currency:    addressCurrency(out.Address),
				Destination: out.Address,
				CreatedAt:   ev.Timestamp,
				OriginEvent: ev,
			})
			return
		}
		if out.Marker == MarkerStake {
			e.routeStakeLocked(ev, false)
			return
		}
	}
}

func (e *PartyEngine) handleInternalOutgoingLocked(ev AddressEvent) {
	pe := e.events
	tx := ev.InternalTx
	for _, out := range tx.Outputs {
		switch out.Marker {
		case MarkerExternalTxidReceipt:
			e.removeMatchingAskLocked(out, ev)
		case MarkerStakeWithdrawal:
			e.removeMatchingStakeWithdrawLocked(out)
		}
	}
}

//---------------------------------------------------------------------
// fulfill_order (spec §4.9)
//---------------------------------------------------------------------

type fulfillParams struct {
	direction    OrderDirection
	amount       uint64
	time         int64
	destCurrency Currency
	externalTxid string
	destination  Address
	isStake      bool
	stakeUtxo    *UTXOId
	origin       AddressEvent
}

// fulfillOrderLocked implements spec §4.9's fulfill_order algorithm,
// consuming the relevant CentralPricePair curve level-by-level.
func (e *PartyEngine) fulfillOrderLocked(p fulfillParams) OrderFulfillment {
	pe := e.events

	if p.isStake {
		fulfillment := OrderFulfillment{
			OrderAmount:     p.amount,
			FulfilledAmount: p.amount,
			EventTime:       p.time,
			Destination:     p.destination,
			Direction:       p.direction,
			ExternalTxid:    p.externalTxid,
			StakeWithdrawId: p.stakeUtxo,
		}
		e.adjustPendingDeltaLocked(p.destCurrency, -int64(p.amount))
		return fulfillment
	}

	curve := pe.CentralPrices[p.origin.ExtCurrency]
	fulfilled := uint64(0)
	if curve != nil {
		var levels []PriceLevel
		if p.direction == DirectionAsk {
			levels = curve.AskCurve
		} else {
			levels = curve.BidCurve
		}
		remaining := p.amount
		for i := range levels {
			if remaining == 0 {
				break
			}
			take := levels[i].Volume
			if uint64(float64(take)*levels[i].Price) > remaining {
				take = uint64(float64(remaining) / maxFloat(levels[i].Price, 1e-9))
			}
			fulfilled += take
			remaining -= uint64(float64(take) * levels[i].Price)
		}
	}

	e.adjustPendingDeltaLocked(p.destCurrency, -int64(fulfilled))

	return OrderFulfillment{
		OrderAmount:     p.amount,
		FulfilledAmount: fulfilled,
		EventTime:       p.time,
		Destination:     p.destination,
		Direction:       p.direction,
		ExternalTxid:    p.externalTxid,
		StakeWithdrawId: p.stakeUtxo,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// adjustPendingDeltaLocked keeps BalanceWithDeltasApplied = BalanceMap +
// BalancePendingOrderDeltaMap (spec §4.9 invariant) by construction: the
// two maps are only ever touched together, here.
func (e *PartyEngine) adjustPendingDeltaLocked(c Currency, delta int64) {
	pe := e.events
	pe.BalancePendingOrderDeltaMap[c] += delta
	pe.BalanceWithDeltasApplied[c] = pe.BalanceMap[c] + pe.BalancePendingOrderDeltaMap[c]
}

//---------------------------------------------------------------------
// Stake routing, order matching helpers
//---------------------------------------------------------------------

func (e *PartyEngine) matchesPendingStakeRequestLocked(ev AddressEvent) bool {
	for _, o := range e.events.PendingStakeWithdraws {
		if o.OriginEvent.CounterpartyAddr.Equal(ev.CounterpartyAddr) {
			return true
		}
	}
	return false
}

func (e *PartyEngine) routeStakeLocked(ev AddressEvent, external bool) {
	pe := e.events
	if external {
		pe.ExternalStakingEvents = append(pe.ExternalStakingEvents, ev)
	} else {
		pe.InternalStakingEvents = append(pe.InternalStakingEvents, ev)
	}
}

func (e *PartyEngine) removeMatchingAskLocked(out TxOutput, ev AddressEvent) {
	pe := e.events
	for i, o := range pe.UnfulfilledRdgOrders {
		if o.Direction != DirectionAsk {
			continue
		}
		fulfillment := OrderFulfillment{
			OrderAmount:     o.Amount,
			FulfilledAmount: out.Amount,
			EventTime:       ev.Timestamp,
			Destination:     out.Address,
			Direction:       DirectionAsk,
			ExternalTxid:    out.ExternalTxid,
		}
		pe.FulfillmentHistory = append(pe.FulfillmentHistory, FulfillmentRecord{Order: o, RequestTime: o.CreatedAt, Fulfillment: fulfillment})
		pe.UnfulfilledRdgOrders = append(pe.UnfulfilledRdgOrders[:i], pe.UnfulfilledRdgOrders[i+1:]...)
		return
	}
}

func (e *PartyEngine) removeMatchingStakeWithdrawLocked(out TxOutput) {
	pe := e.events
	for i, o := range pe.PendingStakeWithdraws {
		if out.StakeWithdrawUtxo != nil && o.StakeWithdrawId != nil && *o.StakeWithdrawId == *out.StakeWithdrawUtxo {
			pe.PendingStakeWithdraws = append(pe.PendingStakeWithdraws[:i], pe.PendingStakeWithdraws[i+1:]...)
			return
		}
	}
}

func (e *PartyEngine) removeUnconfirmedLocked(ev AddressEvent) {
	pe := e.events
	for i, u := range pe.UnconfirmedEvents {
		if u.Timestamp == ev.Timestamp && u.CounterpartyAddr.Equal(ev.CounterpartyAddr) {
			pe.UnconfirmedEvents = append(pe.UnconfirmedEvents[:i], pe.UnconfirmedEvents[i+1:]...)
			return
		}
	}
}

func matchesWithdrawDestination(o Order, counterparty Address) bool {
	return o.Destination.Equal(counterparty) || o.OriginEvent.CounterpartyAddr.Equal(counterparty)
}

func addressCurrency(a Address) Currency { return a.Currency }

//---------------------------------------------------------------------
// central_prices recompute (spec §4.9 invariant: "available asks x price
// at each level <= current available balance")
//---------------------------------------------------------------------

func (e *PartyEngine) recomputeCentralPricesLocked(c Currency, usd float64) {
	pe := e.events
	pair, ok := pe.CentralPrices[c]
	if !ok {
		pair = &CentralPricePair{Currency: c}
		pe.CentralPrices[c] = pair
	}
	pair.MinAsk = usd
	pair.MinBid = usd
}

// recomputeCentralPricesPostEventLocked caps each pair's ask-curve volume
// at the currently-available Redgold balance (bid curves are left as they
// are), so the invariant holds after every
// balance-mutating dispatch step above.
func (e *PartyEngine) recomputeCentralPricesPostEventLocked() {
	pe := e.events
	available := pe.BalanceWithDeltasApplied[CurrencyRedgold]
	if available < 0 {
		available = 0
	}
	for _, pair := range pe.CentralPrices {
		capped := capCurveVolume(pair.AskCurve, uint64(available))
		pair.AskCurve = capped
	}
}

func capCurveVolume(levels []PriceLevel, maxVolume uint64) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	remaining := maxVolume
	for _, l := range levels {
		if remaining == 0 {
			break
		}
		v := l.Volume
		if v > remaining {
			v = remaining
		}
		out = append(out, PriceLevel{Price: l.Price, Volume: v})
		remaining -= v
	}
	return out
}

//---------------------------------------------------------------------
// Outgoing-signature validation (spec §4.9, invoked from C8 follower)
//---------------------------------------------------------------------

// ValidateOutgoingSignature implements spec §4.9's per-currency payload
// validator run by a C8 follower before it will execute a signing round.
func (e *PartyEngine) ValidateOutgoingSignature(v PartySigningValidation) *ErrorInfo {
	switch v.Currency {
	case CurrencyRedgold:
		return e.validateRedgoldPayloadLocked(v)
	case CurrencyBitcoin, CurrencyEthereum:
		return e.validateExternalPayloadLocked(v)
	default:
		return NewError(ErrValidation, "unknown currency in signing validation")
	}
}

func (e *PartyEngine) validateRedgoldPayloadLocked(v PartySigningValidation) *ErrorInfo {
	if v.Tx == nil {
		return NewError(ErrValidation, "redgold signing validation missing transaction")
	}
	pe := e.events
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	for _, out := range v.Tx.Outputs {
		if out.Marker == MarkerFee || out.Address.Equal(selfAddressPlaceholder(pe.PartyKey)) {
			continue
		}
		matched := false
		for _, o := range pe.UnfulfilledRdgOrders {
			if o.Destination.Equal(out.Address) && o.Amount == out.Amount {
				matched = true
				break
			}
		}
		if !matched && out.Marker == MarkerStakeWithdrawal {
			for _, o := range pe.PendingStakeWithdraws {
				if o.StakeWithdrawId != nil && out.StakeWithdrawUtxo != nil && *o.StakeWithdrawId == *out.StakeWithdrawUtxo {
					matched = true
					break
				}
			}
		}
		if !matched && out.Marker == MarkerExternalTxidReceipt {
			matched = out.ExternalTxid != ""
		}
		if !matched {
			return NewError(ErrValidation, "redgold output does not match any unfulfilled order").WithDetail("destination", out.Address.Hex())
		}
	}
	return nil
}

// selfAddressPlaceholder derives the party's own Redgold address from its
// aggregate public key, used to exempt self-change outputs from the
// unfulfilled-order match requirement.
func selfAddressPlaceholder(partyKey PublicKey) Address {
	addr, err := PublicKeyToAddress(partyKey, CurrencyRedgold)
	if err != nil {
		return Address{}
	}
	return addr
}

// externalAmountEpsilon tolerates the small discrepancy between an order's
// requested amount and the amount actually carried in the external payload
// once the counterparty chain's own network fee is deducted.
const externalAmountEpsilon = 1000

func (e *PartyEngine) validateExternalPayloadLocked(v PartySigningValidation) *ErrorInfo {
	pe := e.events
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	for _, o := range pe.UnfulfilledExternalWithdraw {
		if o.Currency != v.Currency {
			continue
		}
		if !o.Destination.Equal(v.Destination) {
			continue
		}
		if amountDiff(o.Amount, v.Amount) <= externalAmountEpsilon {
			return nil
		}
	}
	return NewError(ErrValidation, "no pending external withdrawal matches this signing payload's destination and amount").WithDetail("destination", v.Destination.Hex())
}

func amountDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
