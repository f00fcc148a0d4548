package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// gas estimates get a 20% safety margin
const gasMarginPercent = 120

var (
	_ Ledger      = (*EthLedger)(nil)
	_ TokenReader = (*EthLedger)(nil)
)

// EthLedger is a Ledger backed by an Ethereum JSON-RPC node
type EthLedger struct {
	rpc      *rpc.Client
	client   *ethclient.Client
	exchange common.Address
	signer   TxSigner
	logger   *zap.Logger

	// serializes nonce allocation for locally signed transactions
	sendMu sync.Mutex

	chainMu sync.Mutex
	chainID *big.Int
}

// LedgerOption configures an EthLedger
type LedgerOption func(*EthLedger)

// WithTxSigner signs transactions locally for accounts the signer holds
func WithTxSigner(signer TxSigner) LedgerOption {
	return func(l *EthLedger) {
		l.signer = signer
	}
}

// WithLedgerLogger sets the ledger's logger
func WithLedgerLogger(logger *zap.Logger) LedgerOption {
	return func(l *EthLedger) {
		l.logger = logger
	}
}

// DialEthLedger connects to rpcURL
func DialEthLedger(ctx context.Context, rpcURL string, exchange common.Address, opts ...LedgerOption) (*EthLedger, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewEthLedger(rc, exchange, opts...), nil
}

// NewEthLedger wraps an existing RPC connection. The ledger owns it after this call.
func NewEthLedger(rc *rpc.Client, exchange common.Address, opts ...LedgerOption) *EthLedger {
	l := &EthLedger{
		rpc:      rc,
		client:   ethclient.NewClient(rc),
		exchange: exchange,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RPC exposes the underlying connection for node-side signing
func (l *EthLedger) RPC() *rpc.Client {
	return l.rpc
}

// ChainID returns the node's chain id, cached after the first call
func (l *EthLedger) ChainID(ctx context.Context) (*big.Int, error) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	if l.chainID != nil {
		return l.chainID, nil
	}
	id, err := l.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	l.chainID = id
	return id, nil
}

// SubmitCall signs locally when the key is held, otherwise asks the node to sign
func (l *EthLedger) SubmitCall(ctx context.Context, call Call) (common.Hash, error) {
	if l.signer != nil && l.signer.HasAccount(call.From) {
		return l.sendSigned(ctx, call)
	}
	return l.sendViaNode(ctx, call)
}

func (l *EthLedger) sendSigned(ctx context.Context, call Call) (common.Hash, error) {
	chainID, err := l.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	value := uintOrZero(call.Value)
	gasLimit := call.Gas
	if gasLimit == 0 {
		to := call.To
		estimated, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  call.From,
			To:    &to,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = estimated * gasMarginPercent / 100
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	if err := l.CheckGasBalance(ctx, call.From, gasLimit, gasPrice, value); err != nil {
		return common.Hash{}, err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, call.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, call.To, value, gasLimit, gasPrice, call.Data)
	signedTx, err := l.signer.SignTx(call.From, tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	l.logger.Debug("tx_sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("from", call.From.Hex()),
		zap.String("to", call.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gasLimit))
	return signedTx.Hash(), nil
}

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

func (l *EthLedger) sendViaNode(ctx context.Context, call Call) (common.Hash, error) {
	args := sendTxArgs{From: call.From, To: call.To, Data: call.Data}
	if call.Value != nil {
		args.Value = (*hexutil.Big)(call.Value)
	}
	if call.Gas != 0 {
		gas := hexutil.Uint64(call.Gas)
		args.Gas = &gas
	}

	var hash common.Hash
	if err := l.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	l.logger.Debug("tx_sent",
		zap.String("tx_hash", hash.Hex()),
		zap.String("from", call.From.Hex()),
		zap.String("to", call.To.Hex()))
	return hash, nil
}

// CheckGasBalance checks that from can pay value plus gasLimit at gasPrice
func (l *EthLedger) CheckGasBalance(ctx context.Context, from common.Address, gasLimit uint64, gasPrice, value *big.Int) error {
	balance, err := l.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	required := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	required.Add(required, uintOrZero(value))

	if balance.Cmp(required) < 0 {
		return fmt.Errorf("insufficient balance: %s has %s wei, needs approximately %s wei",
			from.Hex(),
			balance.String(),
			required.String(),
		)
	}
	return nil
}

// GetTransactionStatus maps a missing receipt to pending
func (l *EthLedger) GetTransactionStatus(ctx context.Context, hash common.Hash) (*TxStatus, error) {
	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &TxStatus{Hash: hash, State: TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}

	status := &TxStatus{Hash: hash, GasUsed: receipt.GasUsed, State: TxReverted}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		status.State = TxConfirmed
	}
	return status, nil
}

// GetOrderInfo calls exchange.getOrderInfo for order
func (l *EthLedger) GetOrderInfo(ctx context.Context, order *Order) (*OrderInfo, error) {
	data, err := EncodeGetOrderInfo(order)
	if err != nil {
		return nil, err
	}

	exchange := order.ExchangeAddress
	if exchange == (common.Address{}) {
		exchange = l.exchange
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &exchange,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("getOrderInfo: %w", err)
	}
	return DecodeOrderInfo(result)
}

// GetAvailableAddresses merges node accounts with locally held keys
func (l *EthLedger) GetAvailableAddresses(ctx context.Context) ([]common.Address, error) {
	var nodeAccounts []common.Address
	if err := l.rpc.CallContext(ctx, &nodeAccounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}

	out := make([]common.Address, 0, len(nodeAccounts))
	seen := make(map[common.Address]struct{})
	add := func(addrs []common.Address) {
		for _, a := range addrs {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}

	if lister, ok := l.signer.(interface{ Accounts() []common.Address }); ok {
		add(lister.Accounts())
	}
	add(nodeAccounts)
	return out, nil
}

// ERC20Balance returns the token balance of account
func (l *EthLedger) ERC20Balance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	erc20ABI := GetERC20ABI()
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, err
	}
	return balance, nil
}

// ERC20Allowance returns the allowance granted by owner to spender
func (l *EthLedger) ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	erc20ABI := GetERC20ABI()
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}

	var allowance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return nil, err
	}
	return allowance, nil
}

// Close closes the RPC connection
func (l *EthLedger) Close() {
	if l.client != nil {
		l.client.Close()
	}
}
