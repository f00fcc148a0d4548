package zeroex

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

// stubLedger confirms every call unless revert says otherwise
type stubLedger struct {
	mu       sync.Mutex
	calls    []chain.Call
	revert   func(chain.Call) bool
	states   map[common.Hash]chain.TxState
	status   chain.OrderStatus
	accounts []common.Address
}

func newStubLedger() *stubLedger {
	return &stubLedger{states: make(map[common.Hash]chain.TxState), status: chain.OrderStatusFillable}
}

func (s *stubLedger) SubmitCall(_ context.Context, call chain.Call) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	hash := common.BigToHash(big.NewInt(int64(len(s.calls))))
	state := chain.TxConfirmed
	if s.revert != nil && s.revert(call) {
		state = chain.TxReverted
	}
	s.states[hash] = state
	return hash, nil
}

func (s *stubLedger) GetTransactionStatus(_ context.Context, hash common.Hash) (*chain.TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &chain.TxStatus{Hash: hash, State: s.states[hash], BlockNumber: 1}, nil
}

func (s *stubLedger) GetOrderInfo(_ context.Context, order *chain.Order) (*chain.OrderInfo, error) {
	hash, err := chain.HashOrder(order)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &chain.OrderInfo{Status: s.status, Hash: hash, FilledAmount: new(big.Int)}, nil
}

func (s *stubLedger) GetAvailableAddresses(context.Context) ([]common.Address, error) {
	return s.accounts, nil
}

func (s *stubLedger) submitted() []chain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chain.Call(nil), s.calls...)
}

// newTestClient builds a client over a stub ledger with n generated keys
func newTestClient(t *testing.T, n int, mutate func(*Config)) (*Client, *stubLedger, []common.Address) {
	t.Helper()
	cfg := &Config{NetworkID: NetworkGanache, RPCURL: "http://localhost:8545"}
	var addrs []common.Address
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		cfg.PrivateKeys = append(cfg.PrivateKeys, hexutil.Encode(crypto.FromECDSA(key)))
		addrs = append(addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	if mutate != nil {
		mutate(cfg)
	}

	ledger := newStubLedger()
	ledger.accounts = addrs
	c, err := NewClient(context.Background(), cfg, WithLedger(ledger))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ledger, addrs
}

func methodName(t *testing.T, data []byte) string {
	t.Helper()
	for _, a := range []abi.ABI{
		chain.GetExchangeABI(),
		chain.GetForwarderABI(),
		chain.GetERC20ABI(),
		chain.GetWETHABI(),
		chain.GetERC721ABI(),
	} {
		if m, err := a.MethodById(data[:4]); err == nil {
			return m.Name
		}
	}
	t.Fatalf("unknown selector %x", data[:4])
	return ""
}

func testOrderData(c *Client, maker common.Address) *chain.OrderData {
	return &chain.OrderData{
		Maker:            maker,
		MakerAssetData:   chain.EncodeERC20AssetData(c.Contracts().ZRX),
		TakerAssetData:   chain.EncodeERC20AssetData(c.Contracts().WETH),
		MakerAssetAmount: big.NewInt(100),
		TakerAssetAmount: big.NewInt(10),
	}
}

func TestClientSetupFlows(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 1, nil)
	ctx := context.Background()
	owner := addrs[0]

	if _, err := c.SetUnlimitedProxyAllowance(ctx, owner, c.Contracts().ZRX); err != nil {
		t.Fatalf("SetUnlimitedProxyAllowance: %v", err)
	}
	if _, err := c.SetProxyApprovalForAll(ctx, owner, common.HexToAddress("0x07f96aa816c1f244cbc6ef114bb2b023ba54a2eb")); err != nil {
		t.Fatalf("SetProxyApprovalForAll: %v", err)
	}
	res, err := c.DepositWETH(ctx, owner, big.NewInt(1e18))
	if err != nil {
		t.Fatalf("DepositWETH: %v", err)
	}
	if !res.Succeeded(1) {
		t.Errorf("deposit result = %+v", res)
	}

	calls := ledger.submitted()
	if len(calls) != 3 {
		t.Fatalf("calls = %d", len(calls))
	}

	approve := calls[0]
	if approve.To != c.Contracts().ZRX || methodName(t, approve.Data) != "approve" {
		t.Errorf("approve call = %+v", approve)
	}
	args, err := chain.GetERC20ABI().Methods["approve"].Inputs.Unpack(approve.Data[4:])
	if err != nil {
		t.Fatalf("Unpack approve: %v", err)
	}
	if args[0].(common.Address) != c.Contracts().ERC20Proxy || args[1].(*big.Int).Cmp(chain.MaxUint256) != 0 {
		t.Errorf("approve args = %v", args)
	}

	if methodName(t, calls[1].Data) != "setApprovalForAll" {
		t.Errorf("second call is not setApprovalForAll")
	}

	deposit := calls[2]
	if deposit.To != c.Contracts().WETH || deposit.Value.Cmp(big.NewInt(1e18)) != 0 || methodName(t, deposit.Data) != "deposit" {
		t.Errorf("deposit call = %+v", deposit)
	}

	if _, err := c.DepositWETH(ctx, owner, big.NewInt(0)); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("zero deposit err = %v", err)
	}
}

func TestClientCreateSignedOrderTracksIt(t *testing.T) {
	c, _, addrs := newTestClient(t, 1, nil)
	ctx := context.Background()

	signed, hash, err := c.CreateSignedOrder(ctx, testOrderData(c, addrs[0]))
	if err != nil {
		t.Fatalf("CreateSignedOrder: %v", err)
	}
	if !c.Engine().VerifyOrder(signed) {
		t.Error("order signature does not verify")
	}
	if scheme, _ := chain.Signature(signed.Signature).Scheme(); scheme != chain.SchemeEthSignPersonal {
		t.Errorf("scheme = %s", scheme)
	}

	tracked, err := c.orders.Tracked()
	if err != nil || len(tracked) != 1 || tracked[0].Hash != hash {
		t.Fatalf("tracked = %v, %v", tracked, err)
	}

	infos, err := c.OrderInfos(ctx, signed)
	if err != nil || len(infos) != 1 || infos[0].Hash != hash {
		t.Errorf("OrderInfos = %v, %v", infos, err)
	}

	// an unknown maker cannot sign
	if _, _, err := c.CreateSignedOrder(ctx, testOrderData(c, common.HexToAddress("0x01"))); !errors.Is(err, chain.ErrSigningRejected) {
		t.Errorf("unknown maker err = %v", err)
	}
}

func TestClientFillOrderStopsAfterFailedSetup(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 2, nil)
	ctx := context.Background()
	maker, taker := addrs[0], addrs[1]

	order, _, err := c.CreateSignedOrder(ctx, testOrderData(c, maker))
	if err != nil {
		t.Fatalf("CreateSignedOrder: %v", err)
	}

	approve, _ := c.ApproveStep(taker, c.Contracts().WETH)
	deposit, _ := c.DepositStep(taker, big.NewInt(10))

	ledger.revert = func(call chain.Call) bool { return call.To == c.Contracts().WETH && call.Value != nil }
	res, err := c.FillOrder(ctx, taker, order, big.NewInt(10), approve, deposit)
	if !errors.Is(err, chain.ErrStepReverted) {
		t.Fatalf("err = %v, want ErrStepReverted", err)
	}
	if len(res.Steps) != 2 || res.Steps[1].State != chain.StepReverted {
		t.Errorf("steps = %+v", res.Steps)
	}
	for _, call := range ledger.submitted() {
		if methodName(t, call.Data) == "fillOrder" {
			t.Fatal("fill submitted after a reverted setup step")
		}
	}

	ledger.revert = nil
	res, err = c.FillOrder(ctx, taker, order, big.NewInt(10), approve, deposit)
	if err != nil || !res.Succeeded(3) {
		t.Fatalf("FillOrder = %+v, %v", res, err)
	}
	calls := ledger.submitted()
	last := calls[len(calls)-1]
	if last.From != taker || last.To != order.ExchangeAddress || methodName(t, last.Data) != "fillOrder" {
		t.Errorf("fill call = %+v", last)
	}
}

func TestClientCancelAndMatch(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 2, nil)
	ctx := context.Background()

	left, _, _ := c.CreateSignedOrder(ctx, testOrderData(c, addrs[0]))
	right, _, _ := c.CreateSignedOrder(ctx, &chain.OrderData{
		Maker:            addrs[1],
		MakerAssetData:   left.TakerAssetData,
		TakerAssetData:   left.MakerAssetData,
		MakerAssetAmount: big.NewInt(10),
		TakerAssetAmount: big.NewInt(100),
	})

	if _, err := c.MatchOrders(ctx, addrs[1], left, right); err != nil {
		t.Fatalf("MatchOrders: %v", err)
	}
	if _, err := c.CancelOrder(ctx, &left.Order); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, err := c.CancelOrdersUpTo(ctx, addrs[1], right.Salt); err != nil {
		t.Fatalf("CancelOrdersUpTo: %v", err)
	}

	want := []string{"matchOrders", "cancelOrder", "cancelOrdersUpTo"}
	calls := ledger.submitted()
	if len(calls) != len(want) {
		t.Fatalf("calls = %d", len(calls))
	}
	for i, call := range calls {
		if got := methodName(t, call.Data); got != want[i] {
			t.Errorf("call %d = %s, want %s", i, got, want[i])
		}
	}
	if calls[1].From != addrs[0] {
		t.Errorf("cancel sent by %s, want maker", calls[1].From.Hex())
	}
}

func TestClientExecuteTransaction(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 2, nil)
	ctx := context.Background()
	maker, taker := addrs[0], addrs[1]

	order, _, _ := c.CreateSignedOrder(ctx, testOrderData(c, maker))
	if _, err := c.FillOrderViaTransaction(ctx, maker, taker, order, big.NewInt(5)); err != nil {
		t.Fatalf("FillOrderViaTransaction: %v", err)
	}

	call := ledger.submitted()[0]
	if call.From != maker || methodName(t, call.Data) != "executeTransaction" {
		t.Fatalf("call = %+v", call)
	}
	args, err := chain.GetExchangeABI().Methods["executeTransaction"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	tx := &chain.SignedTransaction{
		ZeroExTransaction: chain.ZeroExTransaction{
			Salt:          args[0].(*big.Int),
			SignerAddress: args[1].(common.Address),
			Data:          args[2].([]byte),
		},
		Signature: args[3].([]byte),
	}
	if tx.SignerAddress != taker {
		t.Errorf("signer = %s, want taker", tx.SignerAddress.Hex())
	}
	if !c.Engine().VerifyTransaction(c.Contracts().Exchange, tx) {
		t.Error("meta-transaction signature does not verify")
	}
	if methodName(t, tx.Data) != "fillOrder" {
		t.Error("inner call is not fillOrder")
	}

	if _, err := c.ExecuteTransaction(ctx, maker, taker, []byte{0x01}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("short data err = %v", err)
	}
}

func TestClientMarketBuyWithEthValidatesFees(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 2, nil)
	ctx := context.Background()
	order, _, _ := c.CreateSignedOrder(ctx, testOrderData(c, addrs[0]))
	orders := []*chain.SignedOrder{order}
	one := big.NewInt(1)
	recipient := common.HexToAddress("0x0000000000000000000000000000000000000f33")

	tests := map[string]struct {
		orders    []*chain.SignedOrder
		fee       *big.Int
		recipient common.Address
	}{
		"no orders":         {nil, nil, chain.NullAddress},
		"fee above cap":     {orders, new(big.Int).Add(MaxForwarderFeePercentage, one), recipient},
		"negative fee":      {orders, big.NewInt(-1), recipient},
		"fee w/o recipient": {orders, one, chain.NullAddress},
	}
	for name, tt := range tests {
		_, err := c.MarketBuyWithEth(ctx, addrs[1], tt.orders, big.NewInt(10), big.NewInt(1e15), tt.fee, tt.recipient)
		if !errors.Is(err, ErrInvalidParam) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if n := len(ledger.submitted()); n != 0 {
		t.Fatalf("%d calls submitted for invalid input", n)
	}

	if _, err := c.MarketBuyWithEth(ctx, addrs[1], orders, big.NewInt(10), big.NewInt(1e15), MaxForwarderFeePercentage, recipient); err != nil {
		t.Fatalf("MarketBuyWithEth at cap: %v", err)
	}
	call := ledger.submitted()[0]
	if call.To != c.Contracts().Forwarder || call.Value.Cmp(big.NewInt(1e15)) != 0 || methodName(t, call.Data) != "marketBuyOrdersWithEth" {
		t.Errorf("call = %+v", call)
	}
}

func TestClientPersistsWithStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	c, _, addrs := newTestClient(t, 1, func(cfg *Config) { cfg.StorePath = dir })
	ctx := context.Background()

	_, hash, err := c.CreateSignedOrder(ctx, testOrderData(c, addrs[0]))
	if err != nil {
		t.Fatalf("CreateSignedOrder: %v", err)
	}
	res, err := c.DepositWETH(ctx, addrs[0], big.NewInt(1))
	if err != nil {
		t.Fatalf("DepositWETH: %v", err)
	}

	stored, err := c.Store().Get(hash)
	if err != nil || stored == nil {
		t.Fatalf("stored order = %v, %v", stored, err)
	}
	seq, err := c.Store().LoadSequence(res.RunID)
	if err != nil || seq == nil || len(seq.Steps) != 1 {
		t.Fatalf("stored sequence = %+v, %v", seq, err)
	}

	// a tick with every order filled empties the persistent set
	c.ledger.(*stubLedger).status = chain.OrderStatusFullyFilled
	evicted, errs := c.NewTracker().Tick(ctx)
	if len(errs) != 0 || len(evicted) != 1 || evicted[0] != hash {
		t.Fatalf("Tick = %v, %v", evicted, errs)
	}
	if got, _ := c.Store().Get(hash); got != nil {
		t.Error("evicted order still stored")
	}
}

func TestClientReportsProgress(t *testing.T) {
	var (
		mu     sync.Mutex
		states []chain.StepState
	)
	rec := chain.ReporterFunc(func(ev chain.ProgressEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	cfg := &Config{NetworkID: NetworkGanache, RPCURL: "http://localhost:8545"}
	key, _ := crypto.GenerateKey()
	cfg.PrivateKeys = []string{hexutil.Encode(crypto.FromECDSA(key))}
	c, err := NewClient(context.Background(), cfg, WithLedger(newStubLedger()), WithProgressReporter(rec))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	if _, err := c.DepositWETH(context.Background(), crypto.PubkeyToAddress(key.PublicKey), big.NewInt(1)); err != nil {
		t.Fatalf("DepositWETH: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != chain.StepConfirmed {
		t.Errorf("states = %v", states)
	}
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{NetworkID: 1, RPCURL: "http://x"}, WithLedger(newStubLedger()))
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("err = %v", err)
	}
	if _, err := NewClient(context.Background(), nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("nil config err = %v", err)
	}
}

func TestPostOrderWithoutRelayer(t *testing.T) {
	c, _, _ := newTestClient(t, 0, nil)
	if err := c.PostOrder(context.Background(), &chain.SignedOrder{}); !errors.Is(err, ErrNoRelayer) {
		t.Errorf("err = %v", err)
	}
}

var testCollection = common.HexToAddress("0x07f96aa816c1f244cbc6ef114bb2b023ba54a2eb")

func TestClientMintERC721(t *testing.T) {
	c, ledger, addrs := newTestClient(t, 1, nil)

	result, err := c.MintERC721(context.Background(), addrs[0], testCollection, big.NewInt(42))
	if err != nil || !result.Succeeded(2) {
		t.Fatalf("MintERC721 = %+v, %v", result, err)
	}
	calls := ledger.submitted()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if methodName(t, calls[0].Data) != "mint" || methodName(t, calls[1].Data) != "setApprovalForAll" {
		t.Errorf("methods = %s, %s", methodName(t, calls[0].Data), methodName(t, calls[1].Data))
	}
	for _, call := range calls {
		if call.From != addrs[0] || call.To != testCollection {
			t.Errorf("call from %s to %s", call.From.Hex(), call.To.Hex())
		}
	}

	args, err := chain.GetERC721ABI().Methods["mint"].Inputs.Unpack(calls[0].Data[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if args[0].(common.Address) != addrs[0] || args[1].(*big.Int).Int64() != 42 {
		t.Errorf("mint args = %v", args)
	}

	if _, err := c.MintStep(addrs[0], testCollection, big.NewInt(-1)); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("negative token id err = %v", err)
	}
}

// tokenLedger adds ERC20 reads to the stub ledger
type tokenLedger struct {
	*stubLedger
	balances   map[[2]common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	spenders   []common.Address
}

func (l *tokenLedger) ERC20Balance(_ context.Context, token, account common.Address) (*big.Int, error) {
	if b, ok := l.balances[[2]common.Address{token, account}]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (l *tokenLedger) ERC20Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.spenders = append(l.spenders, spender)
	if a, ok := l.allowances[[2]common.Address{token, owner}]; ok {
		return a, nil
	}
	return new(big.Int), nil
}

func TestClientTokenBalances(t *testing.T) {
	cfg := &Config{NetworkID: NetworkGanache, RPCURL: "http://localhost:8545"}
	contracts, _ := cfg.ResolveContracts()
	owner := common.HexToAddress("0x5409ed021d9299bf6814279a6a1411a7e866a631")

	ledger := &tokenLedger{
		stubLedger: newStubLedger(),
		balances: map[[2]common.Address]*big.Int{
			{contracts.WETH, owner}: big.NewInt(7),
		},
		allowances: map[[2]common.Address]*big.Int{
			{contracts.ZRX, owner}: chain.MaxUint256,
		},
	}
	c, err := NewClient(context.Background(), cfg, WithLedger(ledger))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	got, err := c.TokenBalances(context.Background(), []common.Address{contracts.ZRX, contracts.WETH}, owner)
	if err != nil {
		t.Fatalf("TokenBalances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("balances = %+v", got)
	}
	if got[0].Token != contracts.ZRX || got[0].Balance.Sign() != 0 || got[0].ProxyAllowance.Cmp(chain.MaxUint256) != 0 {
		t.Errorf("zrx = %+v", got[0])
	}
	if got[1].Token != contracts.WETH || got[1].Balance.Int64() != 7 || got[1].ProxyAllowance.Sign() != 0 {
		t.Errorf("weth = %+v", got[1])
	}
	for _, spender := range ledger.spenders {
		if spender != contracts.ERC20Proxy {
			t.Errorf("allowance read for %s, want the ERC20 proxy", spender.Hex())
		}
	}
}

func TestClientTokenBalancesNeedsReader(t *testing.T) {
	c, _, addrs := newTestClient(t, 1, nil)
	_, err := c.TokenBalances(context.Background(), []common.Address{c.Contracts().WETH}, addrs[0])
	if !errors.Is(err, ErrNoTokenReader) {
		t.Errorf("err = %v, want ErrNoTokenReader", err)
	}
}

func TestClientFetchOrderVerifiesSignature(t *testing.T) {
	var served *RelayerOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(OrderRecord{Order: *served, MetaData: map[string]any{}})
	}))
	defer srv.Close()

	c, _, addrs := newTestClient(t, 1, func(cfg *Config) { cfg.RelayerURL = srv.URL })
	ctx := context.Background()
	signed, hash, err := c.CreateSignedOrder(ctx, testOrderData(c, addrs[0]))
	if err != nil {
		t.Fatalf("CreateSignedOrder: %v", err)
	}

	wire := NewRelayerOrder(signed)
	served = &wire
	got, err := c.FetchOrder(ctx, hash)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.MakerAddress != addrs[0] {
		t.Errorf("maker = %s", got.MakerAddress.Hex())
	}

	forged := NewRelayerOrder(signed)
	forged.Signature = append([]byte(nil), signed.Signature...)
	forged.Signature[5] ^= 0xff
	served = &forged
	if _, err := c.FetchOrder(ctx, hash); !errors.Is(err, ErrBadOrderSignature) {
		t.Errorf("forged signature err = %v", err)
	}

	other := NewRelayerOrder(signed)
	other.Salt = "1"
	served = &other
	if _, err := c.FetchOrder(ctx, hash); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("substituted order err = %v", err)
	}
}
