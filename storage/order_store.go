package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

// keys: o:<32-byte order hash>, s:<run id>
var (
	orderPrefix    = []byte("o:")
	sequencePrefix = []byte("s:")
)

func orderKey(h common.Hash) []byte { return append(append([]byte(nil), orderPrefix...), h[:]...) }
func sequenceKey(runID string) []byte {
	return append(append([]byte(nil), sequencePrefix...), runID...)
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// OrderStore persists tracked orders and finished sequences in Pebble.
// It satisfies chain.OrderCollection and chain.SequenceStore.
type OrderStore struct {
	db *pebble.DB
}

func OpenOrderStore(path string) (*OrderStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}
	return &OrderStore{db: db}, nil
}

func (s *OrderStore) Close() error { return s.db.Close() }

// Add hashes and persists a signed order
func (s *OrderStore) Add(order *chain.SignedOrder) (common.Hash, error) {
	hash, err := chain.HashOrder(&order.Order)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := json.Marshal(order)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(hash), data, pebble.Sync); err != nil {
		return common.Hash{}, fmt.Errorf("failed to save order: %w", err)
	}
	return hash, nil
}

// Get returns nil when the order is not tracked
func (s *OrderStore) Get(hash common.Hash) (*chain.SignedOrder, error) {
	data, closer, err := s.db.Get(orderKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var order chain.SignedOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &order, nil
}

// Tracked lists every stored order in key order
func (s *OrderStore) Tracked() ([]chain.TrackedOrder, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix,
		UpperBound: keyUpperBound(orderPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []chain.TrackedOrder
	for iter.First(); iter.Valid(); iter.Next() {
		var order chain.SignedOrder
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %x: %w", iter.Key(), err)
		}
		out = append(out, chain.TrackedOrder{
			Hash:  common.BytesToHash(iter.Key()[len(orderPrefix):]),
			Order: &order,
		})
	}
	return out, iter.Error()
}

func (s *OrderStore) Remove(hash common.Hash) error {
	if err := s.db.Delete(orderKey(hash), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// SaveSequence records a finished orchestration run
func (s *OrderStore) SaveSequence(result *chain.SequenceResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal sequence: %w", err)
	}
	if err := s.db.Set(sequenceKey(result.RunID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save sequence: %w", err)
	}
	return nil
}

// LoadSequence returns nil when runID is unknown
func (s *OrderStore) LoadSequence(runID string) (*chain.SequenceResult, error) {
	data, closer, err := s.db.Get(sequenceKey(runID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	defer closer.Close()

	var result chain.SequenceResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sequence: %w", err)
	}
	return &result, nil
}

var (
	_ chain.OrderCollection = (*OrderStore)(nil)
	_ chain.SequenceStore   = (*OrderStore)(nil)
)
