package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a contract invocation to submit as a transaction
type Call struct {
	From  common.Address
	To    common.Address
	Value *big.Int // wei, nil for none
	Data  []byte
	Gas   uint64 // 0 to estimate
}

// TxState is the ledger-side state of a submitted transaction
type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// TxStatus is a snapshot of a transaction's inclusion
type TxStatus struct {
	Hash        common.Hash
	State       TxState
	BlockNumber uint64
	GasUsed     uint64
}

// Ledger is the asynchronous view of accounts and contract state.
// Implementations must be safe for concurrent use.
type Ledger interface {
	SubmitCall(ctx context.Context, call Call) (common.Hash, error)
	GetTransactionStatus(ctx context.Context, hash common.Hash) (*TxStatus, error)
	GetOrderInfo(ctx context.Context, order *Order) (*OrderInfo, error)
	GetAvailableAddresses(ctx context.Context) ([]common.Address, error)
}

// TokenReader is implemented by ledgers that can read ERC20 state
type TokenReader interface {
	ERC20Balance(ctx context.Context, token, account common.Address) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}
