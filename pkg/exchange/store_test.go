package exchange

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/dexlabs/tokendex/pkg/token"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestStoreBalanceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")
	store := openTestStore(t, path)

	tokX := token.DeriveAddress("ALGOLD")
	tokY := token.DeriveAddress("MDAI")
	if err := store.SaveBalance(tokX, alice, units(7)); err != nil {
		t.Fatalf("save balance: %v", err)
	}
	if err := store.SaveBalance(tokX, bob, units(3)); err != nil {
		t.Fatalf("save balance: %v", err)
	}
	if err := store.SaveBalance(tokY, alice, big.NewInt(42)); err != nil {
		t.Fatalf("save balance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store = openTestStore(t, path)
	defer store.Close()

	balances, err := store.LoadBalances()
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if got := balances[tokX][alice]; got == nil || got.Cmp(units(7)) != 0 {
		t.Errorf("tokX/alice = %v, want %s", got, units(7))
	}
	if got := balances[tokX][bob]; got == nil || got.Cmp(units(3)) != 0 {
		t.Errorf("tokX/bob = %v, want %s", got, units(3))
	}
	if got := balances[tokY][alice]; got == nil || got.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("tokY/alice = %v, want 42", got)
	}
}

func TestStoreOrderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")
	store := openTestStore(t, path)

	tokX := token.DeriveAddress("ALGOLD")
	tokY := token.DeriveAddress("MDAI")
	orders := []*Order{
		{ID: 1, User: alice, TokenGet: tokY, AmountGet: units(1), TokenGive: tokX, AmountGive: units(2), Timestamp: 1000},
		{ID: 2, User: bob, TokenGet: tokX, AmountGet: units(3), TokenGive: tokY, AmountGive: units(4), Timestamp: 2000, Cancelled: true},
		{ID: 3, User: alice, TokenGet: tokY, AmountGet: units(5), TokenGive: tokX, AmountGive: units(6), Timestamp: 3000, Filled: true},
	}
	for _, o := range orders {
		if err := store.SaveOrder(o); err != nil {
			t.Fatalf("save order %d: %v", o.ID, err)
		}
	}
	if err := store.SaveOrderCount(3); err != nil {
		t.Fatalf("save order count: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store = openTestStore(t, path)
	defer store.Close()

	loaded, err := store.LoadOrders()
	if err != nil {
		t.Fatalf("load orders: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d orders, want 3", len(loaded))
	}
	for _, want := range orders {
		got := loaded[want.ID]
		if got == nil {
			t.Fatalf("order %d missing", want.ID)
		}
		if got.User != want.User || got.TokenGet != want.TokenGet || got.TokenGive != want.TokenGive {
			t.Errorf("order %d parties differ", want.ID)
		}
		if got.AmountGet.Cmp(want.AmountGet) != 0 || got.AmountGive.Cmp(want.AmountGive) != 0 {
			t.Errorf("order %d amounts differ", want.ID)
		}
		if got.Cancelled != want.Cancelled || got.Filled != want.Filled || got.Timestamp != want.Timestamp {
			t.Errorf("order %d flags differ", want.ID)
		}
	}

	count, err := store.LoadOrderCount()
	if err != nil || count != 3 {
		t.Errorf("order count = %d err = %v, want 3", count, err)
	}
}

func TestStoreEventLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")
	store := openTestStore(t, path)

	tokX := token.DeriveAddress("ALGOLD")
	tokY := token.DeriveAddress("MDAI")
	events := []Event{
		&DepositEvent{Seq: 1, Token: tokX, User: alice, Amount: units(5), Balance: units(5), Timestamp: 100},
		&OrderEvent{Seq: 2, ID: 1, User: alice, TokenGet: tokY, AmountGet: units(1), TokenGive: tokX, AmountGive: units(1), Timestamp: 200},
		&TradeEvent{Seq: 3, ID: 1, User: bob, TokenGet: tokY, AmountGet: units(1), TokenGive: tokX, AmountGive: units(1), Creator: alice, Timestamp: 300},
		&WithdrawEvent{Seq: 4, Token: tokX, User: bob, Amount: units(1), Balance: big.NewInt(0), Timestamp: 400},
		&CancelEvent{Seq: 5, ID: 2, User: alice, TokenGet: tokY, AmountGet: units(2), TokenGive: tokX, AmountGive: units(2), Timestamp: 500},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ev); err != nil {
			t.Fatalf("append event %d: %v", ev.Sequence(), err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store = openTestStore(t, path)
	defer store.Close()

	loaded, err := store.LoadEvents()
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != len(events) {
		t.Fatalf("loaded %d events, want %d", len(loaded), len(events))
	}
	for i, ev := range loaded {
		if ev.Kind() != events[i].Kind() {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind(), events[i].Kind())
		}
		if ev.Sequence() != events[i].Sequence() {
			t.Errorf("event %d seq = %d, want %d", i, ev.Sequence(), events[i].Sequence())
		}
	}

	trade, ok := loaded[2].(*TradeEvent)
	if !ok {
		t.Fatal("event 2 did not decode as a trade")
	}
	if trade.Creator != alice || trade.User != bob {
		t.Error("trade parties lost in round trip")
	}
}

func TestStoreEventSeqCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")
	store := openTestStore(t, path)

	tokX := token.DeriveAddress("ALGOLD")
	if seq, err := store.LoadEventSeq(); err != nil || seq != 0 {
		t.Fatalf("fresh db event seq = %d err = %v, want 0", seq, err)
	}

	if err := store.AppendEvent(&DepositEvent{Seq: 1, Token: tokX, User: alice, Amount: units(1), Balance: units(1)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq, err := store.LoadEventSeq(); err != nil || seq != 1 {
		t.Errorf("event seq = %d err = %v, want 1", seq, err)
	}

	// Batched appends advance the counter too.
	batch := store.NewBatch()
	if err := batch.AppendEvent(&DepositEvent{Seq: 2, Token: tokX, User: alice, Amount: units(1), Balance: units(2)}); err != nil {
		t.Fatalf("stage event: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	batch.Close()

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store = openTestStore(t, path)
	defer store.Close()

	if seq, err := store.LoadEventSeq(); err != nil || seq != 2 {
		t.Errorf("reloaded event seq = %d err = %v, want 2", seq, err)
	}
}

func TestStoreBatchCommitsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")
	store := openTestStore(t, path)

	tokX := token.DeriveAddress("ALGOLD")

	// A closed-without-commit batch leaves nothing behind.
	batch := store.NewBatch()
	if err := batch.SetBalance(tokX, alice, units(9)); err != nil {
		t.Fatalf("stage balance: %v", err)
	}
	if err := batch.Close(); err != nil {
		t.Fatalf("close batch: %v", err)
	}
	balances, err := store.LoadBalances()
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(balances) != 0 {
		t.Error("abandoned batch left writes behind")
	}

	batch = store.NewBatch()
	if err := batch.SetBalance(tokX, alice, units(1)); err != nil {
		t.Fatalf("stage balance: %v", err)
	}
	if err := batch.SetOrder(&Order{ID: 1, User: alice, TokenGet: tokX, AmountGet: units(1), TokenGive: tokX, AmountGive: units(1), Filled: true}); err != nil {
		t.Fatalf("stage order: %v", err)
	}
	if err := batch.AppendEvent(&DepositEvent{Seq: 1, Token: tokX, User: alice, Amount: units(1), Balance: units(1)}); err != nil {
		t.Fatalf("stage event: %v", err)
	}
	if err := batch.SetOrderCount(1); err != nil {
		t.Fatalf("stage count: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	batch.Close()

	balances, _ = store.LoadBalances()
	orders, _ := store.LoadOrders()
	loadedEvents, _ := store.LoadEvents()
	count, _ := store.LoadOrderCount()
	if balances[tokX][alice].Cmp(units(1)) != 0 || len(orders) != 1 || len(loadedEvents) != 1 || count != 1 {
		t.Error("committed batch writes incomplete")
	}
}

func TestEnginePersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.db")

	registry := token.NewRegistry()
	tokX, err := registry.Deploy("Digital Gold", "ALGOLD", 18, units(1_000_000), deployer)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	tokY, err := registry.Deploy("Mock DAI", "MDAI", 18, units(1_000_000), deployer)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	store := openTestStore(t, path)
	engine, err := NewEngine(Config{FeeAccount: feeAccount, FeePercent: 10, Tokens: registry, Store: store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	tokX.Transfer(deployer, alice, units(10))
	tokX.Approve(alice, engine.Address(), units(10))
	if err := engine.Deposit(tokX.Address(), alice, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tokY.Transfer(deployer, bob, units(10))
	tokY.Approve(bob, engine.Address(), units(10))
	if err := engine.Deposit(tokY.Address(), bob, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	id, err := engine.MakeOrder(alice, tokY.Address(), units(2), tokX.Address(), units(2))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := engine.FillOrder(bob, id); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := engine.MakeOrder(alice, tokY.Address(), units(1), tokX.Address(), units(1)); err != nil {
		t.Fatalf("second order: %v", err)
	}
	if err := engine.Withdraw(tokX.Address(), bob, units(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restart against the same database.
	store = openTestStore(t, path)
	defer store.Close()
	revived, err := NewEngine(Config{FeeAccount: feeAccount, FeePercent: 10, Tokens: registry, Store: store})
	if err != nil {
		t.Fatalf("revive engine: %v", err)
	}

	if revived.OrderCount() != 2 {
		t.Errorf("order count = %d, want 2", revived.OrderCount())
	}
	if filled, err := revived.OrderFilled(id); err != nil || !filled {
		t.Errorf("order %d filled = %v err = %v, want true", id, filled, err)
	}
	if _, err := revived.Order(2); err != nil {
		t.Errorf("open order lost: %v", err)
	}
	if got := revived.BalanceOf(tokY.Address(), alice); got.Cmp(units(2)) != 0 {
		t.Errorf("alice Y = %s, want %s", got, units(2))
	}
	if got := revived.BalanceOf(tokY.Address(), feeAccount); got.Cmp(tenths(2)) != 0 {
		t.Errorf("fee Y = %s, want %s", got, tenths(2))
	}
	// The withdraw's debit and its event record were committed together.
	if got := revived.BalanceOf(tokX.Address(), bob); got.Cmp(units(1)) != 0 {
		t.Errorf("bob X = %s, want %s", got, units(1))
	}
	revivedEvents := revived.Events()
	if len(revivedEvents) != len(engine.Events()) {
		t.Errorf("event log length %d after restart, want %d",
			len(revivedEvents), len(engine.Events()))
	}
	if last := revivedEvents[len(revivedEvents)-1]; last.Kind() != EventWithdraw {
		t.Errorf("last reloaded event kind = %s, want withdraw", last.Kind())
	}

	// New events continue from the persisted sequence.
	tokX.Transfer(deployer, carol, units(1))
	tokX.Approve(carol, revived.Address(), units(1))
	if err := revived.Deposit(tokX.Address(), carol, units(1)); err != nil {
		t.Fatalf("deposit after restart: %v", err)
	}
	events := revived.Events()
	last := events[len(events)-1]
	if last.Sequence() != uint64(len(events)) {
		t.Errorf("post-restart seq = %d, want %d", last.Sequence(), len(events))
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"kind":"nonsense","record":{}}`)); err == nil {
		t.Error("decoding unknown kind succeeded")
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Error("decoding garbage succeeded")
	}
}

func TestErrorTaxonomyIsDistinct(t *testing.T) {
	sentinels := []error{
		ErrInsufficientBalance, ErrTransferFailed, ErrNotFound,
		ErrUnauthorized, ErrAlreadyFinalized,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v matches %v", a, b)
			}
		}
	}
}
