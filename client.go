package zeroex

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kaifufi/zeroex-sdk-go/chain"
	"github.com/kaifufi/zeroex-sdk-go/storage"
)

// MaxForwarderFeePercentage is the Forwarder's fee cap: 5% of 1e18
var MaxForwarderFeePercentage = big.NewInt(5e16)

// orderBook is an OrderCollection that can also accept new orders
type orderBook interface {
	chain.OrderCollection
	Add(order *chain.SignedOrder) (common.Hash, error)
}

// Client is the main SDK client
type Client struct {
	cfg       *Config
	contracts Contracts
	logger    *zap.Logger

	ledger    chain.Ledger
	ethLedger *chain.EthLedger
	keys      *chain.KeySigner
	engine    *chain.Engine
	builder   *chain.OrderBuilder
	runner    *chain.Orchestrator

	orders    orderBook
	store     *storage.OrderStore
	relayer   *RelayerClient
	reporters []chain.Reporter
	closers   []func() error
}

// ClientOption customizes NewClient
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger    *zap.Logger
	ledger    chain.Ledger
	signer    chain.Signer
	clock     chain.Clock
	reporters []chain.Reporter
}

// WithLogger sets the logger shared by every component
func WithLogger(logger *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithLedger replaces the JSON-RPC ledger, e.g. with a simulated one
func WithLedger(ledger chain.Ledger) ClientOption {
	return func(o *clientOptions) { o.ledger = ledger }
}

// WithSigner replaces the signer used for orders and meta-transactions
func WithSigner(signer chain.Signer) ClientOption {
	return func(o *clientOptions) { o.signer = signer }
}

// WithClock sets the clock used for salts, expirations and timestamps
func WithClock(clock chain.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = clock }
}

// WithProgressReporter adds a reporter next to the configured ones
func WithProgressReporter(r chain.Reporter) ClientOption {
	return func(o *clientOptions) { o.reporters = append(o.reporters, r) }
}

// NewClient validates cfg and wires the ledger, signing engine, orchestrator,
// reporters and optional order store. Close releases all of them.
func NewClient(ctx context.Context, cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, invalidParam("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	contracts, err := cfg.ResolveContracts()
	if err != nil {
		return nil, err
	}

	o := clientOptions{clock: chain.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	keys, err := chain.NewKeySignerFromHex(cfg.PrivateKeys...)
	if err != nil {
		return nil, invalidParam("invalid private key: %v", err)
	}

	c := &Client{
		cfg:       cfg,
		contracts: contracts,
		logger:    o.logger,
		keys:      keys,
	}
	// on any later failure, release what was opened so far
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	c.ledger = o.ledger
	if c.ledger == nil {
		c.ethLedger, err = chain.DialEthLedger(ctx, cfg.RPCURL, contracts.Exchange,
			chain.WithTxSigner(keys),
			chain.WithLedgerLogger(o.logger.Named("ledger")),
		)
		if err != nil {
			return nil, err
		}
		c.ledger = c.ethLedger
		c.closers = append(c.closers, func() error { c.ethLedger.Close(); return nil })
	}

	signer := o.signer
	switch {
	case signer != nil:
	case len(keys.Accounts()) > 0 || c.ethLedger == nil:
		signer = keys
	default:
		// no local keys: let the node sign for its unlocked accounts
		signer = chain.NewRPCSigner(c.ethLedger.RPC())
	}
	c.engine = chain.NewEngine(signer, chain.WithEngineLogger(o.logger.Named("signer")))
	c.builder = chain.NewOrderBuilder(contracts.Exchange, c.engine, chain.WithBuilderClock(o.clock))

	if cfg.StorePath != "" {
		c.store, err = storage.OpenOrderStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		c.orders = c.store
		c.closers = append(c.closers, c.store.Close)
	} else {
		c.orders = chain.NewOrderSet()
	}

	c.reporters = append(c.reporters, NewLogReporter(o.logger.Named("progress")))
	if cfg.Reporters.WebSocketURL != "" {
		ws := NewWSReporter(WSConfig{Endpoint: cfg.Reporters.WebSocketURL}, o.logger.Named("ws_reporter"))
		if err := ws.Connect(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		c.reporters = append(c.reporters, ws)
		c.closers = append(c.closers, ws.Close)
	}
	if len(cfg.Reporters.KafkaBrokers) > 0 {
		kr := NewKafkaReporter(cfg.Reporters.KafkaBrokers, cfg.Reporters.KafkaTopic, o.logger.Named("kafka_reporter"))
		c.reporters = append(c.reporters, kr)
		c.closers = append(c.closers, kr.Close)
	}
	c.reporters = append(c.reporters, o.reporters...)

	runnerOpts := []chain.OrchestratorOption{
		chain.WithReporter(MultiReporter(c.reporters)),
		chain.WithOrchestratorLogger(o.logger.Named("orchestrator")),
		chain.WithOrchestratorClock(o.clock),
	}
	if cfg.Confirmation.Timeout > 0 {
		runnerOpts = append(runnerOpts, chain.WithConfirmationTimeout(cfg.Confirmation.Timeout))
	}
	if cfg.Confirmation.PollInterval > 0 {
		runnerOpts = append(runnerOpts, chain.WithPollInterval(cfg.Confirmation.PollInterval))
	}
	if c.store != nil {
		runnerOpts = append(runnerOpts, chain.WithSequenceStore(c.store))
	}
	c.runner = chain.NewOrchestrator(c.ledger, runnerOpts...)

	if cfg.RelayerURL != "" {
		c.relayer = NewRelayerClient(cfg.RelayerURL, o.logger.Named("relayer"))
	}

	ok = true
	o.logger.Info("client_ready",
		zap.Int("network_id", int(cfg.NetworkID)),
		zap.String("exchange", contracts.Exchange.Hex()),
		zap.Int("local_accounts", len(keys.Accounts())),
	)
	return c, nil
}

// Close closes the client and cleans up resources
func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Contracts returns the resolved contract addresses
func (c *Client) Contracts() Contracts { return c.contracts }

// Ledger returns the ledger the client submits through
func (c *Client) Ledger() chain.Ledger { return c.ledger }

// Engine returns the signature engine
func (c *Client) Engine() *chain.Engine { return c.engine }

// Store returns the persistent order store, or nil when none is configured
func (c *Client) Store() *storage.OrderStore { return c.store }

// Relayer returns the relayer client, or nil when none is configured
func (c *Client) Relayer() *RelayerClient { return c.relayer }

// AvailableAddresses lists every account the client can act for
func (c *Client) AvailableAddresses(ctx context.Context) ([]common.Address, error) {
	return c.ledger.GetAvailableAddresses(ctx)
}

// RunSequence runs arbitrary dependent steps through the client's orchestrator
func (c *Client) RunSequence(ctx context.Context, steps ...chain.Step) (*chain.SequenceResult, error) {
	return c.runner.RunSequence(ctx, steps)
}

// ApproveStep approves the ERC20 proxy to move an unlimited amount of owner's token
func (c *Client) ApproveStep(owner, token common.Address) (chain.Step, error) {
	data, err := chain.EncodeApprove(c.contracts.ERC20Proxy, chain.MaxUint256)
	if err != nil {
		return chain.Step{}, err
	}
	return chain.Step{Label: "approve", Call: &chain.Call{From: owner, To: token, Data: data}}, nil
}

// DepositStep wraps amount wei of owner's ether into WETH
func (c *Client) DepositStep(owner common.Address, amount *big.Int) (chain.Step, error) {
	if amount == nil || amount.Sign() <= 0 {
		return chain.Step{}, invalidParam("deposit amount must be positive")
	}
	data, err := chain.EncodeDeposit()
	if err != nil {
		return chain.Step{}, err
	}
	return chain.Step{
		Label: "deposit",
		Call:  &chain.Call{From: owner, To: c.contracts.WETH, Value: new(big.Int).Set(amount), Data: data},
	}, nil
}

// SetUnlimitedProxyAllowance approves the ERC20 proxy for token on behalf of owner
func (c *Client) SetUnlimitedProxyAllowance(ctx context.Context, owner, token common.Address) (*chain.SequenceResult, error) {
	step, err := c.ApproveStep(owner, token)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, step)
}

// SetProxyApprovalForAll approves the ERC721 proxy for every token owner holds in collection
func (c *Client) SetProxyApprovalForAll(ctx context.Context, owner, collection common.Address) (*chain.SequenceResult, error) {
	data, err := chain.EncodeSetApprovalForAll(c.contracts.ERC721Proxy, true)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "set_approval_for_all",
		Call:  &chain.Call{From: owner, To: collection, Data: data},
	})
}

// MintStep mints tokenID of a dummy ERC721 collection to owner
func (c *Client) MintStep(owner, collection common.Address, tokenID *big.Int) (chain.Step, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return chain.Step{}, invalidParam("token id must be non-negative")
	}
	data, err := chain.EncodeMint(owner, tokenID)
	if err != nil {
		return chain.Step{}, err
	}
	return chain.Step{Label: "mint", Call: &chain.Call{From: owner, To: collection, Data: data}}, nil
}

// MintERC721 mints tokenID to owner and approves the ERC721 proxy for the collection
func (c *Client) MintERC721(ctx context.Context, owner, collection common.Address, tokenID *big.Int) (*chain.SequenceResult, error) {
	mint, err := c.MintStep(owner, collection, tokenID)
	if err != nil {
		return nil, err
	}
	approve, err := chain.EncodeSetApprovalForAll(c.contracts.ERC721Proxy, true)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, mint, chain.Step{
		Label: "set_approval_for_all",
		Call:  &chain.Call{From: owner, To: collection, Data: approve},
	})
}

// TokenBalance is one owner's balance of a token and the ERC20 proxy's allowance on it
type TokenBalance struct {
	Owner          common.Address
	Token          common.Address
	Balance        *big.Int
	ProxyAllowance *big.Int
}

// TokenBalances reads balance and proxy allowance for every owner and token pair
func (c *Client) TokenBalances(ctx context.Context, tokens []common.Address, owners ...common.Address) ([]TokenBalance, error) {
	reader, ok := c.ledger.(chain.TokenReader)
	if !ok {
		return nil, fmt.Errorf("%T: %w", c.ledger, ErrNoTokenReader)
	}
	out := make([]TokenBalance, 0, len(tokens)*len(owners))
	for _, owner := range owners {
		for _, token := range tokens {
			balance, err := reader.ERC20Balance(ctx, token, owner)
			if err != nil {
				return nil, fmt.Errorf("balanceOf %s on %s: %w", owner.Hex(), token.Hex(), err)
			}
			allowance, err := reader.ERC20Allowance(ctx, token, owner, c.contracts.ERC20Proxy)
			if err != nil {
				return nil, fmt.Errorf("allowance %s on %s: %w", owner.Hex(), token.Hex(), err)
			}
			out = append(out, TokenBalance{Owner: owner, Token: token, Balance: balance, ProxyAllowance: allowance})
		}
	}
	return out, nil
}

// DepositWETH wraps amount wei into WETH
func (c *Client) DepositWETH(ctx context.Context, owner common.Address, amount *big.Int) (*chain.SequenceResult, error) {
	step, err := c.DepositStep(owner, amount)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, step)
}

// CreateSignedOrder builds, hashes and signs an order for params.Maker and starts tracking it
func (c *Client) CreateSignedOrder(ctx context.Context, params *chain.OrderData) (*chain.SignedOrder, common.Hash, error) {
	if params == nil {
		return nil, common.Hash{}, invalidParam("order params are required")
	}
	signed, hash, err := c.builder.BuildSignedOrder(ctx, params)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if _, err := c.orders.Add(signed); err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to track order: %w", err)
	}
	c.logger.Info("order_created", zap.String("order_hash", hash.Hex()), zap.String("maker", signed.MakerAddress.Hex()))
	return signed, hash, nil
}

// TrackOrder adds an externally obtained order to the tracked set
func (c *Client) TrackOrder(order *chain.SignedOrder) (common.Hash, error) {
	return c.orders.Add(order)
}

// FillOrder runs setup (approvals, deposits) and then fills order for amount of its taker asset.
// A failing setup step means the fill is never submitted.
func (c *Client) FillOrder(ctx context.Context, taker common.Address, order *chain.SignedOrder, amount *big.Int, setup ...chain.Step) (*chain.SequenceResult, error) {
	if order == nil {
		return nil, invalidParam("order is required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, invalidParam("fill amount must be positive")
	}
	data, err := chain.EncodeFillOrder(order, amount)
	if err != nil {
		return nil, err
	}
	steps := append(append([]chain.Step(nil), setup...), chain.Step{
		Label: "fill_order",
		Call:  &chain.Call{From: taker, To: c.exchangeFor(&order.Order), Data: data},
	})
	return c.RunSequence(ctx, steps...)
}

// MatchOrders matches left against right, sent by matcher
func (c *Client) MatchOrders(ctx context.Context, matcher common.Address, left, right *chain.SignedOrder) (*chain.SequenceResult, error) {
	if left == nil || right == nil {
		return nil, invalidParam("both orders are required")
	}
	data, err := chain.EncodeMatchOrders(left, right)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "match_orders",
		Call:  &chain.Call{From: matcher, To: c.exchangeFor(&left.Order), Data: data},
	})
}

// CancelOrder cancels a single order; it must be sent by the maker
func (c *Client) CancelOrder(ctx context.Context, order *chain.Order) (*chain.SequenceResult, error) {
	if order == nil {
		return nil, invalidParam("order is required")
	}
	data, err := chain.EncodeCancelOrder(order)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "cancel_order",
		Call:  &chain.Call{From: order.MakerAddress, To: c.exchangeFor(order), Data: data},
	})
}

// CancelOrdersUpTo cancels every order of maker whose salt is at most targetEpoch
func (c *Client) CancelOrdersUpTo(ctx context.Context, maker common.Address, targetEpoch *big.Int) (*chain.SequenceResult, error) {
	data, err := chain.EncodeCancelOrdersUpTo(targetEpoch)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "cancel_orders_up_to",
		Call:  &chain.Call{From: maker, To: c.contracts.Exchange, Data: data},
	})
}

// SignTransaction wraps data in a meta-transaction signed by signerAddress
func (c *Client) SignTransaction(ctx context.Context, signerAddress common.Address, data []byte) (*chain.SignedTransaction, error) {
	if len(data) < 4 {
		return nil, invalidParam("transaction data must contain a selector")
	}
	return c.engine.SignTransaction(ctx, c.contracts.Exchange, &chain.ZeroExTransaction{
		Salt:          chain.GeneratePseudoRandomSalt(),
		SignerAddress: signerAddress,
		Data:          data,
	})
}

// ExecuteTransaction submits data on behalf of signerAddress, paid for by sender
func (c *Client) ExecuteTransaction(ctx context.Context, sender, signerAddress common.Address, data []byte) (*chain.SequenceResult, error) {
	signed, err := c.SignTransaction(ctx, signerAddress, data)
	if err != nil {
		return nil, err
	}
	encoded, err := chain.EncodeExecuteTransaction(signed)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "execute_transaction",
		Call:  &chain.Call{From: sender, To: c.contracts.Exchange, Data: encoded},
	})
}

// FillOrderViaTransaction fills order as taker through a meta-transaction sent by sender
func (c *Client) FillOrderViaTransaction(ctx context.Context, sender, taker common.Address, order *chain.SignedOrder, amount *big.Int) (*chain.SequenceResult, error) {
	if order == nil || amount == nil || amount.Sign() <= 0 {
		return nil, invalidParam("order and a positive fill amount are required")
	}
	data, err := chain.EncodeFillOrder(order, amount)
	if err != nil {
		return nil, err
	}
	return c.ExecuteTransaction(ctx, sender, taker, data)
}

// MarketBuyWithEth buys makerAssetFillAmount across orders through the Forwarder,
// paying ethAmount wei. feePercentage is scaled by 1e18 and capped at 5%.
func (c *Client) MarketBuyWithEth(ctx context.Context, taker common.Address, orders []*chain.SignedOrder, makerAssetFillAmount, ethAmount, feePercentage *big.Int, feeRecipient common.Address) (*chain.SequenceResult, error) {
	if len(orders) == 0 {
		return nil, invalidParam("at least one order is required")
	}
	if makerAssetFillAmount == nil || makerAssetFillAmount.Sign() <= 0 {
		return nil, invalidParam("makerAssetFillAmount must be positive")
	}
	if ethAmount == nil || ethAmount.Sign() <= 0 {
		return nil, invalidParam("ethAmount must be positive")
	}
	if feePercentage == nil {
		feePercentage = new(big.Int)
	}
	if feePercentage.Sign() < 0 || feePercentage.Cmp(MaxForwarderFeePercentage) > 0 {
		return nil, invalidParam("feePercentage must be between 0 and %s, got %s", MaxForwarderFeePercentage, feePercentage)
	}
	if feePercentage.Sign() > 0 && feeRecipient == chain.NullAddress {
		return nil, invalidParam("feeRecipient is required when feePercentage is non-zero")
	}

	data, err := chain.EncodeMarketBuyOrdersWithEth(orders, makerAssetFillAmount, nil, feePercentage, feeRecipient)
	if err != nil {
		return nil, err
	}
	return c.RunSequence(ctx, chain.Step{
		Label: "market_buy_with_eth",
		Call:  &chain.Call{From: taker, To: c.contracts.Forwarder, Value: new(big.Int).Set(ethAmount), Data: data},
	})
}

// OrderInfos queries the exchange for each order's status
func (c *Client) OrderInfos(ctx context.Context, orders ...*chain.SignedOrder) ([]*chain.OrderInfo, error) {
	infos := make([]*chain.OrderInfo, 0, len(orders))
	for _, o := range orders {
		info, err := c.ledger.GetOrderInfo(ctx, &o.Order)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// NewTracker returns a tracker over the client's tracked orders
func (c *Client) NewTracker(opts ...chain.TrackerOption) *chain.Tracker {
	base := []chain.TrackerOption{chain.WithTrackerLogger(c.logger.Named("tracker"))}
	if c.cfg.Tracker.Interval > 0 {
		base = append(base, chain.WithTrackInterval(c.cfg.Tracker.Interval))
	}
	return chain.NewTracker(c.ledger, c.orders, append(base, opts...)...)
}

// PostOrder publishes a signed order to the configured relayer
func (c *Client) PostOrder(ctx context.Context, order *chain.SignedOrder) error {
	if c.relayer == nil {
		return ErrNoRelayer
	}
	return c.relayer.PostOrder(ctx, order)
}

// FetchOrder gets an order from the relayer and checks that it hashes to
// hash and carries a valid maker signature.
func (c *Client) FetchOrder(ctx context.Context, hash common.Hash) (*chain.SignedOrder, error) {
	if c.relayer == nil {
		return nil, ErrNoRelayer
	}
	order, err := c.relayer.GetOrder(ctx, hash)
	if err != nil {
		return nil, err
	}
	got, err := chain.HashOrder(&order.Order)
	if err != nil {
		return nil, err
	}
	if got != hash {
		return nil, invalidParam("relayer returned order %s for %s", got.Hex(), hash.Hex())
	}
	if !c.engine.VerifyOrder(order) {
		c.logger.Warn("relayer_order_rejected",
			zap.String("order_hash", hash.Hex()),
			zap.String("maker", order.MakerAddress.Hex()))
		return nil, fmt.Errorf("order %s: %w", hash.Hex(), ErrBadOrderSignature)
	}
	return order, nil
}

func (c *Client) exchangeFor(order *chain.Order) common.Address {
	if order.ExchangeAddress != chain.NullAddress {
		return order.ExchangeAddress
	}
	return c.contracts.Exchange
}
