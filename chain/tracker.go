package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultTrackInterval matches the marketplace refresh cadence
const DefaultTrackInterval = 5 * time.Second

// TrackedOrder is an order kept while the exchange reports it fillable
type TrackedOrder struct {
	Hash  common.Hash  `json:"hash"`
	Order *SignedOrder `json:"order"`
}

// OrderCollection is the set of orders a Tracker keeps fresh
type OrderCollection interface {
	Tracked() ([]TrackedOrder, error)
	Remove(hash common.Hash) error
}

// OrderSet is an in-memory OrderCollection
type OrderSet struct {
	mu     sync.RWMutex
	orders map[common.Hash]*SignedOrder
	order  []common.Hash
}

func NewOrderSet() *OrderSet {
	return &OrderSet{orders: make(map[common.Hash]*SignedOrder)}
}

// Add hashes and stores order, replacing any previous copy
func (s *OrderSet) Add(order *SignedOrder) (common.Hash, error) {
	hash, err := HashOrder(&order.Order)
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[hash]; !ok {
		s.order = append(s.order, hash)
	}
	s.orders[hash] = order
	return hash, nil
}

// Tracked returns a snapshot in insertion order
func (s *OrderSet) Tracked() ([]TrackedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackedOrder, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, TrackedOrder{Hash: h, Order: s.orders[h]})
	}
	return out, nil
}

func (s *OrderSet) Remove(hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[hash]; !ok {
		return nil
	}
	delete(s.orders, hash)
	for i, h := range s.order {
		if h == hash {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *OrderSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// Tracker evicts orders the exchange no longer reports as fillable
type Tracker struct {
	ledger   Ledger
	orders   OrderCollection
	interval time.Duration
	logger   *zap.Logger
	onEvict  func(TrackedOrder, *OrderInfo)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

func WithTrackInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.interval = d
	}
}

func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithEvictHook is called for every order removed by a tick
func WithEvictHook(fn func(TrackedOrder, *OrderInfo)) TrackerOption {
	return func(t *Tracker) {
		t.onEvict = fn
	}
}

func NewTracker(ledger Ledger, orders OrderCollection, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		ledger:   ledger,
		orders:   orders,
		interval: DefaultTrackInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tick refreshes every tracked order once and returns the evicted hashes.
// Lookup failures keep the order and are returned as *PollingError values.
func (t *Tracker) Tick(ctx context.Context) ([]common.Hash, []error) {
	tracked, err := t.orders.Tracked()
	if err != nil {
		t.logger.Warn("tracker_list_failed", zap.Error(err))
		return nil, []error{err}
	}

	var (
		evicted []common.Hash
		errs    []error
	)
	for _, o := range tracked {
		if ctx.Err() != nil {
			break
		}
		info, err := t.ledger.GetOrderInfo(ctx, &o.Order.Order)
		if err != nil {
			perr := &PollingError{OrderHash: o.Hash, Err: err}
			t.logger.Warn("order_poll_failed", zap.Error(perr))
			errs = append(errs, perr)
			continue
		}
		if info.Status == OrderStatusFillable {
			continue
		}
		if err := t.orders.Remove(o.Hash); err != nil {
			t.logger.Warn("order_remove_failed", zap.String("order_hash", o.Hash.Hex()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		evicted = append(evicted, o.Hash)
		t.logger.Info("order_evicted", zap.String("order_hash", o.Hash.Hex()), zap.String("status", info.Status.String()))
		if t.onEvict != nil {
			t.onEvict(o, info)
		}
	}
	return evicted, errs
}

// Run ticks every interval until ctx is done or Stop is called
func (t *Tracker) Run(ctx context.Context) {
	stop, done, ok := t.begin()
	if !ok {
		return
	}
	t.loop(ctx, stop, done)
}

// Start runs the loop in a goroutine; Stop is valid as soon as Start returns
func (t *Tracker) Start(ctx context.Context) {
	stop, done, ok := t.begin()
	if !ok {
		return
	}
	go t.loop(ctx, stop, done)
}

func (t *Tracker) begin() (chan struct{}, chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil, nil, false
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	return t.stop, t.done, true
}

func (t *Tracker) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stop, done := t.stop, t.done
	t.stop = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	<-done
}
