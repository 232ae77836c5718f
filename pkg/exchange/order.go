package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Order is a resting limit order: the creator offers AmountGive of
// TokenGive in exchange for AmountGet of TokenGet, filled in full by a
// single counterparty or not at all. Orders are never deleted; lifecycle
// is tracked by the Cancelled/Filled flags, which are terminal and
// mutually exclusive.
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"` // Unix milliseconds

	Cancelled bool `json:"cancelled"`
	Filled    bool `json:"filled"`
}

// Open reports whether the order can still be cancelled or filled.
func (o *Order) Open() bool {
	return !o.Cancelled && !o.Filled
}

// Status renders the lifecycle state for logs and API responses.
func (o *Order) Status() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Filled:
		return "filled"
	default:
		return "open"
	}
}

// clone returns a deep copy so registry internals never escape the engine.
func (o *Order) clone() *Order {
	cp := *o
	cp.AmountGet = new(big.Int).Set(o.AmountGet)
	cp.AmountGive = new(big.Int).Set(o.AmountGive)
	return &cp
}
