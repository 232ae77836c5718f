package exchange

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/dexlabs/tokendex/pkg/token"
	"github.com/dexlabs/tokendex/pkg/util"
)

// LedgerResolver resolves token ids to their ledgers. token.Registry
// satisfies it.
type LedgerResolver interface {
	Ledger(addr common.Address) (token.Ledger, bool)
}

// Config carries the engine's construction parameters. FeeAccount and
// FeePercent are fixed for the engine's lifetime.
type Config struct {
	// Address is the engine's custody account on the token ledgers.
	// Derived deterministically when left zero.
	Address    common.Address
	FeeAccount common.Address
	FeePercent uint64 // percentage points, e.g. 10 means 10%

	Tokens LedgerResolver
	Clock  util.Clock // defaults to util.RealClock
	Store  *Store     // optional persistence
	Logger *zap.SugaredLogger
}

// Engine owns the custodial balance ledger and the order registry, and
// settles fills between counterparties. It executes as a serialized state
// machine: each operation runs to completion under one mutex, and any
// failure leaves all state exactly as it was. External ledger calls are
// never made while the mutex is held, and internal state is always
// consistent with true custody before such a call goes out.
type Engine struct {
	mu sync.Mutex

	address    common.Address
	feeAccount common.Address
	feePercent uint64

	tokens LedgerResolver
	clock  util.Clock
	store  *Store
	log    *zap.SugaredLogger

	balances   map[common.Address]map[common.Address]*big.Int // token -> user -> amount
	orders     map[uint64]*Order
	orderCount uint64

	events   []Event
	eventSeq uint64
	sink     func(Event)
}

// NewEngine constructs an engine, reloading persisted state when a store
// is configured.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("engine needs a token ledger resolver")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Address == (common.Address{}) {
		cfg.Address = common.BytesToAddress(crypto.Keccak256([]byte("tokendex:custody")))
	}

	e := &Engine{
		address:    cfg.Address,
		feeAccount: cfg.FeeAccount,
		feePercent: cfg.FeePercent,
		tokens:     cfg.Tokens,
		clock:      cfg.Clock,
		store:      cfg.Store,
		log:        cfg.Logger,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		orders:     make(map[uint64]*Order),
	}

	if e.store != nil {
		if err := e.reload(); err != nil {
			return nil, fmt.Errorf("reload engine state: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) reload() error {
	balances, err := e.store.LoadBalances()
	if err != nil {
		return err
	}
	orders, err := e.store.LoadOrders()
	if err != nil {
		return err
	}
	count, err := e.store.LoadOrderCount()
	if err != nil {
		return err
	}
	events, err := e.store.LoadEvents()
	if err != nil {
		return err
	}
	seq, err := e.store.LoadEventSeq()
	if err != nil {
		return err
	}

	e.balances = balances
	e.orders = orders
	e.orderCount = count
	e.events = events
	e.eventSeq = seq
	if n := len(events); n > 0 && events[n-1].Sequence() > e.eventSeq {
		e.eventSeq = events[n-1].Sequence()
	}

	e.log.Infow("engine_state_reloaded",
		"orders", len(orders), "events", len(events), "order_count", count)
	return nil
}

// Address returns the engine's custody account on the token ledgers.
func (e *Engine) Address() common.Address { return e.address }

// FeeAccount returns the fixed fee recipient.
func (e *Engine) FeeAccount() common.Address { return e.feeAccount }

// FeePercent returns the fixed fee rate in percentage points.
func (e *Engine) FeePercent() uint64 { return e.feePercent }

// BalanceOf returns the custodial balance of user for a token.
func (e *Engine) BalanceOf(tok, user common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.balanceLocked(tok, user); b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Deposit pulls amount of tok from user via the token ledger into the
// engine's custody and credits the user's internal balance. The credit
// happens only after the ledger confirms receipt.
func (e *Engine) Deposit(tok, user common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrTransferFailed)
	}
	ledger, ok := e.tokens.Ledger(tok)
	if !ok {
		return fmt.Errorf("%w: no ledger for token %s", ErrTransferFailed, tok.Hex())
	}

	// Pull first. Insufficient allowance or funds on the external ledger
	// surfaces here, before any internal state changes.
	if !ledger.TransferFrom(user, e.address, amount) {
		return fmt.Errorf("%w: ledger refused pull of %s from %s", ErrTransferFailed, amount, user.Hex())
	}

	e.mu.Lock()
	balance := e.creditLocked(tok, user, amount)
	ev := &DepositEvent{
		Seq:       e.eventSeq + 1,
		Token:     tok,
		User:      user,
		Amount:    new(big.Int).Set(amount),
		Balance:   balance,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	e.appendLocked(ev)
	if e.store != nil {
		if err := e.persistBalanceEvent(tok, user, balance, ev); err != nil {
			e.log.Errorw("persist_deposit_failed", "err", err)
		}
	}
	e.mu.Unlock()

	e.log.Infow("deposit", "token", tok.Hex(), "user", user.Hex(),
		"amount", amount.String(), "balance", balance.String())
	e.emit(ev)
	return nil
}

// Withdraw debits the user's internal balance, then pushes amount of tok
// back out via the token ledger. The debit lands before the external call
// so re-entrant reads during the push observe the reduced balance; a
// rejected push restores the balance and fails with ErrTransferFailed.
func (e *Engine) Withdraw(tok, user common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", ErrTransferFailed)
	}
	ledger, ok := e.tokens.Ledger(tok)
	if !ok {
		return fmt.Errorf("%w: no ledger for token %s", ErrTransferFailed, tok.Hex())
	}

	e.mu.Lock()
	current := e.balanceLocked(tok, user)
	if current == nil || current.Cmp(amount) < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: withdraw %s of %s, have %s",
			ErrInsufficientBalance, amount, tok.Hex(), bigOrZero(current))
	}
	balance := e.debitLocked(tok, user, amount)
	if e.store != nil {
		if err := e.store.SaveBalance(tok, user, balance); err != nil {
			e.log.Errorw("persist_balance_failed", "err", err)
		}
	}
	e.mu.Unlock()

	if !ledger.Transfer(e.address, user, amount) {
		// Push rejected: custody never changed, so restore the credit.
		e.mu.Lock()
		restored := e.creditLocked(tok, user, amount)
		if e.store != nil {
			if err := e.store.SaveBalance(tok, user, restored); err != nil {
				e.log.Errorw("persist_balance_failed", "err", err)
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: ledger refused push of %s to %s", ErrTransferFailed, amount, user.Hex())
	}

	e.mu.Lock()
	ev := &WithdrawEvent{
		Seq:       e.eventSeq + 1,
		Token:     tok,
		User:      user,
		Amount:    new(big.Int).Set(amount),
		Balance:   balance,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	e.appendLocked(ev)
	if e.store != nil {
		if err := e.persistBalanceEvent(tok, user, balance, ev); err != nil {
			e.log.Errorw("persist_withdraw_failed", "err", err)
		}
	}
	e.mu.Unlock()

	e.log.Infow("withdraw", "token", tok.Hex(), "user", user.Hex(),
		"amount", amount.String(), "balance", balance.String())
	e.emit(ev)
	return nil
}

// MakeOrder registers a resting order. The creator must hold at least
// amountGive of tokenGive at creation time; the check is advisory, not a
// lock, so the funds stay spendable and a later fill re-validates.
func (e *Engine) MakeOrder(creator, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (uint64, error) {
	id, ev, err := e.makeOrder(creator, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		return 0, err
	}
	e.emit(ev)
	return id, nil
}

func (e *Engine) makeOrder(creator, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (uint64, Event, error) {
	if amountGet == nil || amountGet.Sign() < 0 || amountGive == nil || amountGive.Sign() < 0 {
		return 0, nil, fmt.Errorf("order amounts must be non-negative")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	have := e.balanceLocked(tokenGive, creator)
	if bigOrZero(have).Cmp(amountGive) < 0 {
		return 0, nil, fmt.Errorf("%w: order offers %s of %s, creator holds %s",
			ErrInsufficientBalance, amountGive, tokenGive.Hex(), bigOrZero(have))
	}

	id := e.orderCount + 1
	o := &Order{
		ID:         id,
		User:       creator,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		Timestamp:  e.clock.Now().UnixMilli(),
	}
	ev := &OrderEvent{
		Seq:        e.eventSeq + 1,
		ID:         id,
		User:       creator,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		Timestamp:  o.Timestamp,
	}

	if e.store != nil {
		batch := e.store.NewBatch()
		defer batch.Close()
		if err := batch.SetOrder(o); err != nil {
			return 0, nil, fmt.Errorf("persist order: %w", err)
		}
		if err := batch.SetOrderCount(id); err != nil {
			return 0, nil, fmt.Errorf("persist order count: %w", err)
		}
		if err := batch.AppendEvent(ev); err != nil {
			return 0, nil, fmt.Errorf("persist event: %w", err)
		}
		if err := batch.Commit(); err != nil {
			return 0, nil, fmt.Errorf("commit order: %w", err)
		}
	}

	e.orderCount = id
	e.orders[id] = o
	e.appendLocked(ev)

	e.log.Infow("order_created", "id", id, "user", creator.Hex(),
		"token_get", tokenGet.Hex(), "amount_get", amountGet.String(),
		"token_give", tokenGive.Hex(), "amount_give", amountGive.String())
	return id, ev, nil
}

// CancelOrder marks an open order cancelled. Only the creator may cancel,
// and only while the order is neither cancelled nor filled.
func (e *Engine) CancelOrder(caller common.Address, id uint64) error {
	ev, err := e.cancelOrder(caller, id)
	if err != nil {
		return err
	}
	e.emit(ev)
	return nil
}

func (e *Engine) cancelOrder(caller common.Address, id uint64) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	if o.User != caller {
		return nil, fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.User.Hex())
	}
	if !o.Open() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrAlreadyFinalized, id, o.Status())
	}

	ev := &CancelEvent{
		Seq:        e.eventSeq + 1,
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp:  e.clock.Now().UnixMilli(),
	}

	if e.store != nil {
		cancelled := o.clone()
		cancelled.Cancelled = true
		batch := e.store.NewBatch()
		defer batch.Close()
		if err := batch.SetOrder(cancelled); err != nil {
			return nil, fmt.Errorf("persist cancel: %w", err)
		}
		if err := batch.AppendEvent(ev); err != nil {
			return nil, fmt.Errorf("persist event: %w", err)
		}
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("commit cancel: %w", err)
		}
	}

	o.Cancelled = true
	e.appendLocked(ev)

	e.log.Infow("order_cancelled", "id", id, "user", caller.Hex())
	return ev, nil
}

type balKey struct {
	token common.Address
	user  common.Address
}

// FillOrder settles an open order between its maker and the caller. The
// taker pays amountGet plus the protocol fee in tokenGet; the maker
// receives amountGet, the fee account receives the fee, and amountGive of
// tokenGive moves from maker to taker. All five moves commit together or
// not at all, and both sides' balances are re-checked here regardless of
// what MakeOrder saw.
func (e *Engine) FillOrder(caller common.Address, id uint64) error {
	ev, err := e.fillOrder(caller, id)
	if err != nil {
		return err
	}
	e.emit(ev)
	return nil
}

func (e *Engine) fillOrder(caller common.Address, id uint64) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	if !o.Open() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrAlreadyFinalized, id, o.Status())
	}

	maker, taker := o.User, caller
	fee := e.feeFor(o.AmountGet)
	takerOwes := new(big.Int).Add(o.AmountGet, fee)

	if bigOrZero(e.balanceLocked(o.TokenGet, taker)).Cmp(takerOwes) < 0 {
		return nil, fmt.Errorf("%w: taker owes %s of %s, holds %s",
			ErrInsufficientBalance, takerOwes, o.TokenGet.Hex(),
			bigOrZero(e.balanceLocked(o.TokenGet, taker)))
	}
	if bigOrZero(e.balanceLocked(o.TokenGive, maker)).Cmp(o.AmountGive) < 0 {
		return nil, fmt.Errorf("%w: maker owes %s of %s, holds %s",
			ErrInsufficientBalance, o.AmountGive, o.TokenGive.Hex(),
			bigOrZero(e.balanceLocked(o.TokenGive, maker)))
	}

	// Stage the settlement on a scratch ledger so a failure at any step
	// leaves live state untouched.
	scratch := make(map[balKey]*big.Int)
	load := func(tok, user common.Address) *big.Int {
		k := balKey{tok, user}
		if v, ok := scratch[k]; ok {
			return v
		}
		v := new(big.Int).Set(bigOrZero(e.balanceLocked(tok, user)))
		scratch[k] = v
		return v
	}

	moves := []struct {
		token  common.Address
		user   common.Address
		delta  *big.Int
		credit bool
	}{
		{o.TokenGet, taker, takerOwes, false},
		{o.TokenGet, maker, o.AmountGet, true},
		{o.TokenGet, e.feeAccount, fee, true},
		{o.TokenGive, maker, o.AmountGive, false},
		{o.TokenGive, taker, o.AmountGive, true},
	}
	for _, m := range moves {
		b := load(m.token, m.user)
		if m.credit {
			b.Add(b, m.delta)
		} else {
			b.Sub(b, m.delta)
			// Overlapping parties or tokens can drain a balance the
			// independent pre-checks each saw as sufficient.
			if b.Sign() < 0 {
				return nil, fmt.Errorf("%w: settlement would overdraw %s for %s",
					ErrInsufficientBalance, m.token.Hex(), m.user.Hex())
			}
		}
	}

	ev := &TradeEvent{
		Seq:        e.eventSeq + 1,
		ID:         o.ID,
		User:       taker,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Creator:    maker,
		Timestamp:  e.clock.Now().UnixMilli(),
	}

	if e.store != nil {
		filled := o.clone()
		filled.Filled = true
		batch := e.store.NewBatch()
		defer batch.Close()
		for k, v := range scratch {
			if err := batch.SetBalance(k.token, k.user, v); err != nil {
				return nil, fmt.Errorf("persist settlement: %w", err)
			}
		}
		if err := batch.SetOrder(filled); err != nil {
			return nil, fmt.Errorf("persist fill: %w", err)
		}
		if err := batch.AppendEvent(ev); err != nil {
			return nil, fmt.Errorf("persist event: %w", err)
		}
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("commit fill: %w", err)
		}
	}

	for k, v := range scratch {
		e.setBalanceLocked(k.token, k.user, v)
	}
	o.Filled = true
	e.appendLocked(ev)

	e.log.Infow("order_filled", "id", id,
		"maker", maker.Hex(), "taker", taker.Hex(),
		"amount_get", o.AmountGet.String(), "amount_give", o.AmountGive.String(),
		"fee", fee.String())
	return ev, nil
}

// feeFor computes the protocol fee on a fill: floor(amountGet·P/100).
// Integer floor division rounds in the fee account's favor.
func (e *Engine) feeFor(amountGet *big.Int) *big.Int {
	fee := new(big.Int).Mul(amountGet, new(big.Int).SetUint64(e.feePercent))
	return fee.Div(fee, big.NewInt(100))
}

// OrderCount returns the number of orders ever created.
func (e *Engine) OrderCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderCount
}

// Order returns a copy of the order with the given id.
func (e *Engine) Order(id uint64) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	return o.clone(), nil
}

// Orders returns copies of all orders in id order.
func (e *Engine) Orders() []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Order, 0, len(e.orders))
	for id := uint64(1); id <= e.orderCount; id++ {
		if o, ok := e.orders[id]; ok {
			out = append(out, o.clone())
		}
	}
	return out
}

// OrderCancelled reports whether the order has been cancelled.
func (e *Engine) OrderCancelled(id uint64) (bool, error) {
	o, err := e.Order(id)
	if err != nil {
		return false, err
	}
	return o.Cancelled, nil
}

// OrderFilled reports whether the order has been filled.
func (e *Engine) OrderFilled(id uint64) (bool, error) {
	o, err := e.Order(id)
	if err != nil {
		return false, err
	}
	return o.Filled, nil
}

// Events returns a snapshot of the event log.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// SetEventSink installs a callback invoked after each committed event.
// The callback runs outside the engine mutex and may query the engine.
func (e *Engine) SetEventSink(fn func(Event)) {
	e.mu.Lock()
	e.sink = fn
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fn := e.sink
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// persistBalanceEvent commits a balance write and its event record as one
// batch, so a crash cannot separate the two. Caller holds the mutex.
func (e *Engine) persistBalanceEvent(tok, user common.Address, balance *big.Int, ev Event) error {
	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.SetBalance(tok, user, balance); err != nil {
		return err
	}
	if err := batch.AppendEvent(ev); err != nil {
		return err
	}
	return batch.Commit()
}

// appendLocked records ev as the latest committed event. Caller holds the
// mutex and built ev with Seq = eventSeq+1.
func (e *Engine) appendLocked(ev Event) {
	e.eventSeq = ev.Sequence()
	e.events = append(e.events, ev)
}

// balanceLocked returns the stored balance or nil. Caller holds the mutex.
func (e *Engine) balanceLocked(tok, user common.Address) *big.Int {
	if users, ok := e.balances[tok]; ok {
		return users[user]
	}
	return nil
}

func (e *Engine) setBalanceLocked(tok, user common.Address, v *big.Int) {
	users, ok := e.balances[tok]
	if !ok {
		users = make(map[common.Address]*big.Int)
		e.balances[tok] = users
	}
	users[user] = v
}

// creditLocked adds amount and returns a copy of the new balance.
func (e *Engine) creditLocked(tok, user common.Address, amount *big.Int) *big.Int {
	nb := new(big.Int).Add(bigOrZero(e.balanceLocked(tok, user)), amount)
	e.setBalanceLocked(tok, user, nb)
	return new(big.Int).Set(nb)
}

// debitLocked subtracts amount and returns a copy of the new balance.
// Caller has already checked sufficiency.
func (e *Engine) debitLocked(tok, user common.Address, amount *big.Int) *big.Int {
	nb := new(big.Int).Sub(e.balanceLocked(tok, user), amount)
	e.setBalanceLocked(tok, user, nb)
	return new(big.Int).Set(nb)
}

var zero = new(big.Int)

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return zero
	}
	return b
}
