package exchange

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store persists engine state in Pebble: custodial balances, the order
// registry, the event log, and the issued-id counters. All access is
// serialized by the engine's mutex; the store itself holds no locks.
type Store struct {
	db *pebble.DB
}

// OpenStore opens (or creates) the Pebble database at path.
func OpenStore(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBalance persists one (token, user) balance. Zero balances are kept
// rather than deleted so the full ledger remains scannable.
func (s *Store) SaveBalance(tok, user common.Address, amount *big.Int) error {
	if err := s.db.Set(balanceKey(tok, user), []byte(amount.Text(10)), pebble.Sync); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

// LoadBalances rebuilds the full custodial ledger.
func (s *Store) LoadBalances() (map[common.Address]map[common.Address]*big.Int, error) {
	prefix := balancePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan balances: %w", err)
	}
	defer iter.Close()

	balances := make(map[common.Address]map[common.Address]*big.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		tok, user, err := parseBalanceKey(iter.Key())
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			return nil, fmt.Errorf("corrupt balance value for %s", iter.Key())
		}
		users, exists := balances[tok]
		if !exists {
			users = make(map[common.Address]*big.Int)
			balances[tok] = users
		}
		users[user] = amount
	}
	return balances, nil
}

// SaveOrder persists an order with its lifecycle flags.
func (s *Store) SaveOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// LoadOrders rebuilds the order registry in id order.
func (s *Store) LoadOrders() (map[uint64]*Order, error) {
	prefix := orderPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	defer iter.Close()

	orders := make(map[uint64]*Order)
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("corrupt order at %s: %w", iter.Key(), err)
		}
		orders[o.ID] = &o
	}
	return orders, nil
}

// AppendEvent persists one event log record.
func (s *Store) AppendEvent(e Event) error {
	data, err := EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.db.Set(eventKey(e.Sequence()), data, pebble.Sync); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return s.setCounter(keyEventSeq, e.Sequence())
}

// LoadEvents rebuilds the event log in sequence order.
func (s *Store) LoadEvents() ([]Event, error) {
	prefix := eventPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	defer iter.Close()

	var events []Event
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := DecodeEvent(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		events = append(events, e)
	}
	return events, nil
}

// SaveOrderCount persists the highest issued order id.
func (s *Store) SaveOrderCount(count uint64) error {
	return s.setCounter(keyOrderCount, count)
}

// LoadEventSeq returns the highest committed event sequence, zero for a
// fresh db.
func (s *Store) LoadEventSeq() (uint64, error) {
	return s.getCounter(keyEventSeq)
}

// LoadOrderCount returns the highest issued order id, zero for a fresh db.
func (s *Store) LoadOrderCount() (uint64, error) {
	return s.getCounter(keyOrderCount)
}

func (s *Store) setCounter(key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if err := s.db.Set([]byte(key), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) getCounter(key string) (uint64, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt counter %s: %d bytes", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Batch groups writes so a settlement's five balance moves, order flag,
// and trade record hit disk as one atomic unit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SetBalance(tok, user common.Address, amount *big.Int) error {
	return b.batch.Set(balanceKey(tok, user), []byte(amount.Text(10)), nil)
}

func (b *Batch) SetOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

func (b *Batch) AppendEvent(e Event) error {
	data, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := b.batch.Set(eventKey(e.Sequence()), data, nil); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence())
	return b.batch.Set([]byte(keyEventSeq), buf[:], nil)
}

func (b *Batch) SetOrderCount(count uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	return b.batch.Set([]byte(keyOrderCount), buf[:], nil)
}

func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

func (b *Batch) Close() error {
	return b.batch.Close()
}
