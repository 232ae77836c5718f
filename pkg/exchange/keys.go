package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so state classes can be range-scanned
// independently, with zero-padded numeric suffixes for lexicographic order.

const (
	prefixBalance = "bal:" // custodial balance entries
	prefixOrder   = "ord:" // order registry
	prefixEvent   = "evt:" // append-only event log

	keyOrderCount = "meta:ordercount" // highest issued order id
	keyEventSeq   = "meta:eventseq"   // highest issued event sequence
)

// balanceKey returns the key for one (token, user) custodial balance.
// Format: "bal:{token}:{user}"
func balanceKey(token, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), user.Hex()))
}

func balancePrefix() []byte {
	return []byte(prefixBalance)
}

// parseBalanceKey is the inverse of balanceKey, used when rebuilding the
// in-memory ledger from an iterator.
func parseBalanceKey(key []byte) (token, user common.Address, err error) {
	const hexLen = 42 // "0x" + 40 hex chars
	want := len(prefixBalance) + hexLen + 1 + hexLen
	if len(key) != want {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid balance key length: %d", len(key))
	}
	tokenHex := string(key[len(prefixBalance) : len(prefixBalance)+hexLen])
	userHex := string(key[len(prefixBalance)+hexLen+1:])
	if !common.IsHexAddress(tokenHex) || !common.IsHexAddress(userHex) {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid balance key: %s", key)
	}
	return common.HexToAddress(tokenHex), common.HexToAddress(userHex), nil
}

// orderKey returns the key for an order.
// Format: "ord:{id}" with the id zero-padded to 20 digits.
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func orderPrefix() []byte {
	return []byte(prefixOrder)
}

// eventKey returns the key for an event log entry.
// Format: "evt:{seq}" with the sequence zero-padded to 20 digits.
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func eventPrefix() []byte {
	return []byte(prefixEvent)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
