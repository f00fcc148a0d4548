package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeLedger emulates just enough exchange state for orchestration and tracking tests
type fakeLedger struct {
	mu sync.Mutex

	// revert decides whether a submitted call reverts
	revert func(Call) bool
	// reject, when set, fails submission
	reject func(Call) error
	// pending keeps every tx pending forever
	pending bool

	submitted []Call
	txs       map[common.Hash]TxState
	nonce     uint64

	// per-maker epoch: orders with salt < epoch are cancelled
	epochs    map[common.Address]*big.Int
	filled    map[common.Hash]bool
	cancelled map[common.Hash]bool
	infoErr   map[common.Hash]error
	accounts  []common.Address
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:       make(map[common.Hash]TxState),
		epochs:    make(map[common.Address]*big.Int),
		filled:    make(map[common.Hash]bool),
		cancelled: make(map[common.Hash]bool),
		infoErr:   make(map[common.Hash]error),
	}
}

func (f *fakeLedger) SubmitCall(_ context.Context, call Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reject != nil {
		if err := f.reject(call); err != nil {
			return common.Hash{}, err
		}
	}

	f.nonce++
	hash := crypto.Keccak256Hash(call.From.Bytes(), new(big.Int).SetUint64(f.nonce).Bytes(), call.Data)
	f.submitted = append(f.submitted, call)

	if f.pending {
		f.txs[hash] = TxPending
		return hash, nil
	}
	if f.revert != nil && f.revert(call) {
		f.txs[hash] = TxReverted
		return hash, nil
	}
	f.apply(call)
	f.txs[hash] = TxConfirmed
	return hash, nil
}

// apply executes the subset of exchange calls the tests rely on
func (f *fakeLedger) apply(call Call) {
	exchange := GetExchangeABI()
	if len(call.Data) < 4 {
		return
	}
	method, err := exchange.MethodById(call.Data[:4])
	if err != nil {
		return
	}
	if method.Name == "cancelOrdersUpTo" {
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return
		}
		target := args[0].(*big.Int)
		f.epochs[call.From] = new(big.Int).Add(target, big.NewInt(1))
	}
}

func (f *fakeLedger) GetTransactionStatus(_ context.Context, hash common.Hash) (*TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.txs[hash]
	if !ok {
		return nil, errors.New("unknown transaction")
	}
	return &TxStatus{Hash: hash, State: state, BlockNumber: f.nonce}, nil
}

func (f *fakeLedger) GetOrderInfo(_ context.Context, order *Order) (*OrderInfo, error) {
	hash, err := HashOrder(order)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.infoErr[hash]; err != nil {
		return nil, err
	}

	info := &OrderInfo{Hash: hash, Status: OrderStatusFillable, FilledAmount: new(big.Int)}
	switch {
	case f.cancelled[hash]:
		info.Status = OrderStatusCancelled
	case f.epochs[order.MakerAddress] != nil && order.Salt.Cmp(f.epochs[order.MakerAddress]) < 0:
		info.Status = OrderStatusCancelled
	case f.filled[hash]:
		info.Status = OrderStatusFullyFilled
		info.FilledAmount = new(big.Int).Set(order.TakerAssetAmount)
	}
	return info, nil
}

func (f *fakeLedger) GetAvailableAddresses(context.Context) ([]common.Address, error) {
	return f.accounts, nil
}

func (f *fakeLedger) markFilled(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled[hash] = true
}

func (f *fakeLedger) calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.submitted...)
}

func callHasSelector(call Call, abiMethodID []byte) bool {
	return len(call.Data) >= 4 && bytes.Equal(call.Data[:4], abiMethodID)
}
