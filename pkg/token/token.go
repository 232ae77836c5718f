package token

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger is the fungible-token interface the exchange engine depends on.
// TransferFrom pulls owner's tokens into spender's balance, gated by the
// owner's allowance for that spender. All methods report success as a bool,
// never panic, and leave balances untouched on failure.
type Ledger interface {
	TransferFrom(owner, spender common.Address, amount *big.Int) bool
	Transfer(from, to common.Address, amount *big.Int) bool
	BalanceOf(owner common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) bool
}

// Token is an in-memory fungible token with standard allowance semantics.
// Caller identity is explicit: there is no ambient msg.sender, so every
// mutating method names the account it acts on behalf of.
type Token struct {
	mu sync.RWMutex

	name     string
	symbol   string
	decimals uint8
	address  common.Address

	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int

	// onTransfer, if set, runs after a successful Transfer with the token
	// lock released. Used by tests to exercise re-entrant calls into the
	// exchange while an outbound transfer is in flight.
	onTransfer func(from, to common.Address, amount *big.Int)
}

// New creates a token and mints the initial supply to the deployer.
// The token id is derived from the symbol so it is stable across runs.
func New(name, symbol string, decimals uint8, supply *big.Int, deployer common.Address) *Token {
	t := &Token{
		name:        name,
		symbol:      symbol,
		decimals:    decimals,
		address:     DeriveAddress(symbol),
		totalSupply: new(big.Int).Set(supply),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	t.balances[deployer] = new(big.Int).Set(supply)
	return t
}

// DeriveAddress maps a token symbol to a deterministic 20-byte id.
func DeriveAddress(symbol string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("token:" + symbol)))
}

func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }
func (t *Token) Address() common.Address { return t.address }

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Allowance returns how much spender may still pull from owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if spenders, ok := t.allowances[owner]; ok {
		if a, ok := spenders[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Approve sets spender's allowance over owner's balance.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	spenders, ok := t.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		t.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	return true
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() <= 0 {
		return false
	}

	t.mu.Lock()
	if !t.moveLocked(from, to, amount) {
		t.mu.Unlock()
		return false
	}
	hook := t.onTransfer
	t.mu.Unlock()

	if hook != nil {
		hook(from, to, amount)
	}
	return true
}

// TransferFrom pulls amount from owner into spender's balance, consuming
// spender's allowance. Fails if either the allowance or the owner balance
// is insufficient.
func (t *Token) TransferFrom(owner, spender common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	spenders, ok := t.allowances[owner]
	if !ok {
		return false
	}
	allowed, ok := spenders[spender]
	if !ok || allowed.Cmp(amount) < 0 {
		return false
	}

	if !t.moveLocked(owner, spender, amount) {
		return false
	}
	allowed.Sub(allowed, amount)
	return true
}

// SetTransferObserver installs a hook that fires after each successful
// Transfer, with the token lock released.
func (t *Token) SetTransferObserver(fn func(from, to common.Address, amount *big.Int)) {
	t.mu.Lock()
	t.onTransfer = fn
	t.mu.Unlock()
}

// moveLocked debits from and credits to. Caller holds the write lock.
func (t *Token) moveLocked(from, to common.Address, amount *big.Int) bool {
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return false
	}
	bal.Sub(bal, amount)

	dst, ok := t.balances[to]
	if !ok {
		dst = new(big.Int)
		t.balances[to] = dst
	}
	dst.Add(dst, amount)
	return true
}
