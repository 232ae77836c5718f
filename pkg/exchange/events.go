package exchange

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind tags the record variants in the engine's event log.
type EventKind string

const (
	EventDeposit  EventKind = "deposit"
	EventWithdraw EventKind = "withdraw"
	EventOrder    EventKind = "order"
	EventCancel   EventKind = "cancel"
	EventTrade    EventKind = "trade"
)

// Event is one committed record in the engine's append-only log. The log
// is the authoritative feed for off-chain observers: every successful
// mutation appends exactly one record, failures append nothing.
type Event interface {
	Kind() EventKind
	Sequence() uint64
}

// DepositEvent records a confirmed deposit and the resulting balance.
type DepositEvent struct {
	Seq       uint64         `json:"seq"`
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	Balance   *big.Int       `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

func (e *DepositEvent) Kind() EventKind  { return EventDeposit }
func (e *DepositEvent) Sequence() uint64 { return e.Seq }

// WithdrawEvent records a confirmed withdrawal and the resulting balance.
type WithdrawEvent struct {
	Seq       uint64         `json:"seq"`
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	Balance   *big.Int       `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

func (e *WithdrawEvent) Kind() EventKind  { return EventWithdraw }
func (e *WithdrawEvent) Sequence() uint64 { return e.Seq }

// OrderEvent records a newly created order.
type OrderEvent struct {
	Seq        uint64         `json:"seq"`
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (e *OrderEvent) Kind() EventKind  { return EventOrder }
func (e *OrderEvent) Sequence() uint64 { return e.Seq }

// CancelEvent records a maker cancelling their own open order. It carries
// the original order fields plus the cancellation time.
type CancelEvent struct {
	Seq        uint64         `json:"seq"`
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (e *CancelEvent) Kind() EventKind  { return EventCancel }
func (e *CancelEvent) Sequence() uint64 { return e.Seq }

// TradeEvent records a settled fill. User is the taker, Creator the maker.
type TradeEvent struct {
	Seq        uint64         `json:"seq"`
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Creator    common.Address `json:"creator"`
	Timestamp  int64          `json:"timestamp"`
}

func (e *TradeEvent) Kind() EventKind  { return EventTrade }
func (e *TradeEvent) Sequence() uint64 { return e.Seq }

// eventEnvelope is the wire/storage form: kind tag plus raw record.
type eventEnvelope struct {
	Kind   EventKind       `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// EncodeEvent marshals an event with its kind tag.
func EncodeEvent(e Event) ([]byte, error) {
	record, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Kind: e.Kind(), Record: record})
}

// DecodeEvent unmarshals an envelope back into its concrete record type.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var e Event
	switch env.Kind {
	case EventDeposit:
		e = &DepositEvent{}
	case EventWithdraw:
		e = &WithdrawEvent{}
	case EventOrder:
		e = &OrderEvent{}
	case EventCancel:
		e = &CancelEvent{}
	case EventTrade:
		e = &TradeEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", env.Kind)
	}
	if err := json.Unmarshal(env.Record, e); err != nil {
		return nil, err
	}
	return e, nil
}
