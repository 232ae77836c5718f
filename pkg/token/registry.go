package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps token ids to their ledgers. The exchange engine resolves
// token identifiers through it; it never holds token logic itself.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[common.Address]Ledger
	tokens []*Token
}

func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[common.Address]Ledger)}
}

// Register adds a token ledger under the given id.
func (r *Registry) Register(addr common.Address, ledger Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAddr[addr]; exists {
		return fmt.Errorf("token already registered: %s", addr.Hex())
	}
	r.byAddr[addr] = ledger
	if t, ok := ledger.(*Token); ok {
		r.tokens = append(r.tokens, t)
	}
	return nil
}

// Deploy creates a token, mints supply to the deployer, and registers it.
func (r *Registry) Deploy(name, symbol string, decimals uint8, supply *big.Int, deployer common.Address) (*Token, error) {
	t := New(name, symbol, decimals, supply, deployer)
	if err := r.Register(t.Address(), t); err != nil {
		return nil, err
	}
	return t, nil
}

// Ledger resolves a token id. The second return is false for unknown ids.
func (r *Registry) Ledger(addr common.Address) (Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byAddr[addr]
	return l, ok
}

// Tokens returns the registered in-memory tokens, in registration order.
func (r *Registry) Tokens() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, len(r.tokens))
	copy(out, r.tokens)
	return out
}
