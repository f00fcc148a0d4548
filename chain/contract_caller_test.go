package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcHandler func(params []json.RawMessage) (any, error)

// fakeNode answers JSON-RPC requests from per-method handlers
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	requests []rpcRequest
}

func newFakeNode(t *testing.T) (*fakeNode, *rpc.Client) {
	t.Helper()
	node := &fakeNode{handlers: make(map[string]rpcHandler)}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)

	rc, err := rpc.Dial(srv.URL)
	if err != nil {
		t.Fatalf("rpc.Dial: %v", err)
	}
	t.Cleanup(rc.Close)
	return node, rc
}

func (n *fakeNode) handle(method string, h rpcHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.requests = append(n.requests, req)
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found: " + req.Method}
	} else if result, err := h(req.Params); err != nil {
		resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) called(method string) []rpcRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []rpcRequest
	for _, req := range n.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func constant(result any) rpcHandler {
	return func([]json.RawMessage) (any, error) { return result, nil }
}

func receiptJSON(hash common.Hash, status string) map[string]any {
	return map[string]any{
		"transactionHash":   hash,
		"transactionIndex":  "0x0",
		"blockHash":         common.HexToHash("0xb10c"),
		"blockNumber":       "0x5",
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"effectiveGasPrice": "0x1",
		"logsBloom":         hexutil.Bytes(make([]byte, types.BloomByteLength)),
		"logs":              []any{},
		"contractAddress":   nil,
		"status":            status,
		"type":              "0x0",
	}
}

// callArgs decodes the message object of an eth_call
func callArgs(params []json.RawMessage) (common.Address, []byte, error) {
	var msg struct {
		To    common.Address `json:"to"`
		Input hexutil.Bytes  `json:"input"`
		Data  hexutil.Bytes  `json:"data"`
	}
	if len(params) == 0 {
		return common.Address{}, nil, errors.New("eth_call without params")
	}
	if err := json.Unmarshal(params[0], &msg); err != nil {
		return common.Address{}, nil, err
	}
	if len(msg.Input) > 0 {
		return msg.To, msg.Input, nil
	}
	return msg.To, msg.Data, nil
}

func TestEthLedgerTransactionStatus(t *testing.T) {
	hash := common.HexToHash("0x1234")
	cases := []struct {
		name    string
		receipt any
		want    TxState
		block   uint64
		gasUsed uint64
	}{
		{name: "missing receipt", receipt: nil, want: TxPending},
		{name: "status zero", receipt: receiptJSON(hash, "0x0"), want: TxReverted, block: 5, gasUsed: 21000},
		{name: "status one", receipt: receiptJSON(hash, "0x1"), want: TxConfirmed, block: 5, gasUsed: 21000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node, rc := newFakeNode(t)
			node.handle("eth_getTransactionReceipt", constant(tc.receipt))
			ledger := NewEthLedger(rc, testExchange)

			status, err := ledger.GetTransactionStatus(context.Background(), hash)
			if err != nil {
				t.Fatalf("GetTransactionStatus: %v", err)
			}
			if status.Hash != hash || status.State != tc.want {
				t.Errorf("status = %+v, want %s", status, tc.want)
			}
			if status.BlockNumber != tc.block || status.GasUsed != tc.gasUsed {
				t.Errorf("block = %d gas = %d", status.BlockNumber, status.GasUsed)
			}
		})
	}
}

func TestEthLedgerTransactionStatusError(t *testing.T) {
	node, rc := newFakeNode(t)
	node.handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, error) {
		return nil, errors.New("node syncing")
	})
	ledger := NewEthLedger(rc, testExchange)

	status, err := ledger.GetTransactionStatus(context.Background(), common.HexToHash("0x1"))
	if err == nil {
		t.Fatalf("status = %+v, want error", status)
	}
}

func TestEthLedgerAvailableAddressesMerge(t *testing.T) {
	signer, local := newTestKeySigner(t, 2)
	remote := common.HexToAddress("0x6ecbe1db9ef729cbe972c83fb886247691fb6beb")

	node, rc := newFakeNode(t)
	node.handle("eth_accounts", constant([]common.Address{local[1], remote, remote}))
	ledger := NewEthLedger(rc, testExchange, WithTxSigner(signer))

	got, err := ledger.GetAvailableAddresses(context.Background())
	if err != nil {
		t.Fatalf("GetAvailableAddresses: %v", err)
	}
	want := []common.Address{local[0], local[1], remote}
	if len(got) != len(want) {
		t.Fatalf("addresses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("addresses[%d] = %s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}
}

func TestEthLedgerSubmitViaNode(t *testing.T) {
	txHash := common.HexToHash("0xfeed")
	node, rc := newFakeNode(t)
	node.handle("eth_sendTransaction", constant(txHash))

	// the signer does not hold testOwner, so the node signs
	signer, _ := newTestKeySigner(t, 1)
	ledger := NewEthLedger(rc, testExchange, WithTxSigner(signer))

	deposit, _ := EncodeDeposit()
	call := Call{From: testOwner, To: testWETH, Value: big.NewInt(1e18), Data: deposit}
	got, err := ledger.SubmitCall(context.Background(), call)
	if err != nil {
		t.Fatalf("SubmitCall: %v", err)
	}
	if got != txHash {
		t.Errorf("hash = %s, want %s", got.Hex(), txHash.Hex())
	}

	sent := node.called("eth_sendTransaction")
	if len(sent) != 1 || len(sent[0].Params) != 1 {
		t.Fatalf("eth_sendTransaction requests = %+v", sent)
	}
	var args sendTxArgs
	if err := json.Unmarshal(sent[0].Params[0], &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.From != testOwner || args.To != testWETH || !bytes.Equal(args.Data, deposit) {
		t.Errorf("args = %+v", args)
	}
	if args.Value == nil || args.Value.ToInt().Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("value = %v", args.Value)
	}
	if args.Gas != nil {
		t.Errorf("gas = %d, want node estimate", *args.Gas)
	}
	if raw := node.called("eth_sendRawTransaction"); len(raw) != 0 {
		t.Errorf("raw transactions sent = %d", len(raw))
	}
}

func localSigningNode(t *testing.T, balance *big.Int) (*fakeNode, *rpc.Client) {
	t.Helper()
	node, rc := newFakeNode(t)
	node.handle("eth_chainId", constant(hexutil.Uint64(1337)))
	node.handle("eth_estimateGas", constant(hexutil.Uint64(50000)))
	node.handle("eth_gasPrice", constant((*hexutil.Big)(big.NewInt(2))))
	node.handle("eth_getBalance", constant((*hexutil.Big)(balance)))
	node.handle("eth_getTransactionCount", constant(hexutil.Uint64(7)))
	node.handle("eth_sendRawTransaction", func(params []json.RawMessage) (any, error) {
		var raw hexutil.Bytes
		if err := json.Unmarshal(params[0], &raw); err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return tx.Hash(), nil
	})
	return node, rc
}

func TestEthLedgerSubmitSignedLocally(t *testing.T) {
	signer, addrs := newTestKeySigner(t, 1)
	node, rc := localSigningNode(t, big.NewInt(1e18))
	ledger := NewEthLedger(rc, testExchange, WithTxSigner(signer))

	approve, _ := EncodeApprove(testProxy, MaxUint256)
	hash, err := ledger.SubmitCall(context.Background(), Call{From: addrs[0], To: testWETH, Data: approve})
	if err != nil {
		t.Fatalf("SubmitCall: %v", err)
	}

	sent := node.called("eth_sendRawTransaction")
	if len(sent) != 1 {
		t.Fatalf("raw transactions sent = %d", len(sent))
	}
	var raw hexutil.Bytes
	if err := json.Unmarshal(sent[0].Params[0], &raw); err != nil {
		t.Fatalf("decode raw tx: %v", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if tx.Hash() != hash {
		t.Errorf("hash = %s, want %s", hash.Hex(), tx.Hash().Hex())
	}
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	if err != nil || from != addrs[0] {
		t.Errorf("sender = %s %v, want %s", from.Hex(), err, addrs[0].Hex())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d", tx.Nonce())
	}
	if tx.Gas() != 60000 {
		t.Errorf("gas = %d, want estimate with margin", tx.Gas())
	}
	if *tx.To() != testWETH || !bytes.Equal(tx.Data(), approve) {
		t.Errorf("tx to = %s data = %x", tx.To().Hex(), tx.Data())
	}
	if len(node.called("eth_sendTransaction")) != 0 {
		t.Errorf("node signing used for a held key")
	}
}

func TestEthLedgerSubmitInsufficientBalance(t *testing.T) {
	signer, addrs := newTestKeySigner(t, 1)
	node, rc := localSigningNode(t, big.NewInt(1000))
	ledger := NewEthLedger(rc, testExchange, WithTxSigner(signer))

	deposit, _ := EncodeDeposit()
	_, err := ledger.SubmitCall(context.Background(), Call{From: addrs[0], To: testWETH, Value: big.NewInt(1e18), Data: deposit})
	if err == nil {
		t.Fatalf("SubmitCall succeeded without funds")
	}
	if len(node.called("eth_sendRawTransaction")) != 0 {
		t.Errorf("transaction sent without funds")
	}
}

func TestEthLedgerGetOrderInfo(t *testing.T) {
	_, _, orders := signTestOrders(t, 21)
	order := &orders[0].Order
	hash := common.HexToHash("0xabcdef")

	out, err := GetExchangeABI().Methods["getOrderInfo"].Outputs.Pack(orderInfoTuple{
		OrderStatus:                 uint8(OrderStatusFillable),
		OrderHash:                   hash,
		OrderTakerAssetFilledAmount: big.NewInt(1234),
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	node, rc := newFakeNode(t)
	var gotTo common.Address
	var gotData []byte
	node.handle("eth_call", func(params []json.RawMessage) (any, error) {
		var err error
		gotTo, gotData, err = callArgs(params)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	})
	ledger := NewEthLedger(rc, common.HexToAddress("0x01"))

	info, err := ledger.GetOrderInfo(context.Background(), order)
	if err != nil {
		t.Fatalf("GetOrderInfo: %v", err)
	}
	if info.Status != OrderStatusFillable || info.Hash != hash || info.FilledAmount.Int64() != 1234 {
		t.Errorf("info = %+v", info)
	}
	if gotTo != order.ExchangeAddress {
		t.Errorf("eth_call to = %s, want the order's exchange", gotTo.Hex())
	}
	if len(gotData) < 4 || !bytes.Equal(gotData[:4], GetExchangeABI().Methods["getOrderInfo"].ID) {
		t.Errorf("eth_call data = %x", gotData)
	}
}

func TestEthLedgerERC20Reads(t *testing.T) {
	erc20 := GetERC20ABI()
	balance, _ := erc20.Methods["balanceOf"].Outputs.Pack(big.NewInt(100))
	allowance, _ := erc20.Methods["allowance"].Outputs.Pack(MaxUint256)

	node, rc := newFakeNode(t)
	node.handle("eth_call", func(params []json.RawMessage) (any, error) {
		to, data, err := callArgs(params)
		if err != nil {
			return nil, err
		}
		if to != testWETH {
			return nil, errors.New("unexpected token")
		}
		switch {
		case bytes.HasPrefix(data, erc20.Methods["balanceOf"].ID):
			return hexutil.Bytes(balance), nil
		case bytes.HasPrefix(data, erc20.Methods["allowance"].ID):
			return hexutil.Bytes(allowance), nil
		}
		return nil, errors.New("unexpected selector")
	})
	ledger := NewEthLedger(rc, testExchange)
	ctx := context.Background()

	got, err := ledger.ERC20Balance(ctx, testWETH, testOwner)
	if err != nil || got.Int64() != 100 {
		t.Errorf("ERC20Balance = %v %v", got, err)
	}
	got, err = ledger.ERC20Allowance(ctx, testWETH, testOwner, testProxy)
	if err != nil || got.Cmp(MaxUint256) != 0 {
		t.Errorf("ERC20Allowance = %v %v", got, err)
	}
	if _, err := ledger.ERC20Balance(ctx, testProxy, testOwner); err == nil {
		t.Errorf("ERC20Balance on a failing call succeeded")
	}
}
