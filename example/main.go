// Scenario driver for the 0x v2 SDK against a ganache snapshot or Kovan
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	zeroex "github.com/kaifufi/zeroex-sdk-go"
	"github.com/kaifufi/zeroex-sdk-go/chain"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (env ZEROEX_* overrides it)")
	scenario := flag.String("scenario", "fill", "one of: fill, cancel, forwarder, track, match, execute, erc721, fees")
	erc721 := flag.String("erc721", "0x07f96aa816c1f244cbc6ef114bb2b023ba54a2eb", "mintable ERC721 collection for the erc721 scenario")
	flag.Parse()

	cfg, err := zeroex.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zeroex.NewLogger(cfg.Logging.Level)
	if cfg.Logging.File != "" && err == nil {
		logger, err = zeroex.NewLoggerWithFile(cfg.Logging.Level, cfg.Logging.File)
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := zeroex.NewClient(ctx, cfg, zeroex.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}
	defer client.Close()

	accounts, err := client.AvailableAddresses(ctx)
	if err != nil || len(accounts) < 2 {
		logger.Fatal("need at least two accounts", zap.Int("accounts", len(accounts)), zap.Error(err))
	}
	maker, taker := accounts[0], accounts[1]
	// a third party for matching, relaying and fees; the maker stands in on two-account nodes
	third := maker
	if len(accounts) > 2 {
		third = accounts[2]
	}

	switch *scenario {
	case "fill":
		err = fillScenario(ctx, client, maker, taker)
	case "cancel":
		err = cancelScenario(ctx, client, maker)
	case "forwarder":
		err = forwarderScenario(ctx, client, maker, taker)
	case "track":
		err = trackScenario(ctx, client, maker, taker)
	case "match":
		err = matchScenario(ctx, client, maker, taker, third)
	case "execute":
		err = executeScenario(ctx, client, maker, taker, third)
	case "erc721":
		if !common.IsHexAddress(*erc721) {
			err = fmt.Errorf("invalid -erc721 address %q", *erc721)
			break
		}
		err = erc721Scenario(ctx, client, maker, taker, common.HexToAddress(*erc721))
	case "fees":
		err = feesScenario(ctx, client, maker, taker, third)
	default:
		err = fmt.Errorf("unknown scenario %q", *scenario)
	}
	if err != nil {
		logger.Fatal("scenario failed", zap.String("scenario", *scenario), zap.Error(err))
	}
}

// zrxForWeth builds order params selling 10 ZRX for 0.1 WETH
func zrxForWeth(client *zeroex.Client, maker common.Address) (*chain.OrderData, error) {
	makerAmount, err := zeroex.ToBaseUnits("10", 18)
	if err != nil {
		return nil, err
	}
	takerAmount, err := zeroex.ToBaseUnits("0.1", 18)
	if err != nil {
		return nil, err
	}
	return &chain.OrderData{
		Maker:            maker,
		MakerAssetData:   chain.EncodeERC20AssetData(client.Contracts().ZRX),
		TakerAssetData:   chain.EncodeERC20AssetData(client.Contracts().WETH),
		MakerAssetAmount: makerAmount,
		TakerAssetAmount: takerAmount,
	}, nil
}

func printSequence(name string, res *chain.SequenceResult) {
	if res == nil {
		return
	}
	fmt.Printf("%s (run %s):\n", name, res.RunID)
	for _, s := range res.Steps {
		fmt.Printf("  #%d %-22s %-9s %s %s\n", s.Index, s.Label, s.State, s.TxID.Hex(), s.Error)
	}
}

// printBalances shows ZRX and WETH balances and ERC20 proxy allowances of owners
func printBalances(ctx context.Context, client *zeroex.Client, title string, owners ...common.Address) error {
	tokens := []common.Address{client.Contracts().ZRX, client.Contracts().WETH}
	names := map[common.Address]string{client.Contracts().ZRX: "ZRX", client.Contracts().WETH: "WETH"}
	balances, err := client.TokenBalances(ctx, tokens, owners...)
	if err != nil {
		return err
	}
	fmt.Printf("%s:\n", title)
	for _, b := range balances {
		allowance := zeroex.FromBaseUnits(b.ProxyAllowance, 18).String()
		if b.ProxyAllowance.Cmp(chain.MaxUint256) == 0 {
			allowance = "unlimited"
		}
		fmt.Printf("  %s %-4s balance %s allowance %s\n",
			b.Owner.Hex(), names[b.Token], zeroex.FromBaseUnits(b.Balance, 18), allowance)
	}
	return nil
}

// fundTaker approves and wraps enough WETH for the taker to pay amount
func fundTaker(client *zeroex.Client, taker common.Address, amount *big.Int) ([]chain.Step, error) {
	approve, err := client.ApproveStep(taker, client.Contracts().WETH)
	if err != nil {
		return nil, err
	}
	deposit, err := client.DepositStep(taker, amount)
	if err != nil {
		return nil, err
	}
	return []chain.Step{approve, deposit}, nil
}

func fillScenario(ctx context.Context, client *zeroex.Client, maker, taker common.Address) error {
	res, err := client.SetUnlimitedProxyAllowance(ctx, maker, client.Contracts().ZRX)
	printSequence("maker allowance", res)
	if err != nil {
		return err
	}

	params, err := zrxForWeth(client, maker)
	if err != nil {
		return err
	}
	order, hash, err := client.CreateSignedOrder(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("order %s signed by %s\n", hash.Hex(), maker.Hex())

	if err := client.PostOrder(ctx, order); err != nil && !errors.Is(err, zeroex.ErrNoRelayer) {
		return err
	}

	approve, err := client.ApproveStep(taker, client.Contracts().WETH)
	if err != nil {
		return err
	}
	deposit, err := client.DepositStep(taker, order.TakerAssetAmount)
	if err != nil {
		return err
	}
	res, err = client.FillOrder(ctx, taker, order, order.TakerAssetAmount, approve, deposit)
	printSequence("taker fill", res)
	if err != nil {
		return err
	}

	infos, err := client.OrderInfos(ctx, order)
	if err != nil {
		return err
	}
	fmt.Printf("order status: %s, filled %s\n", infos[0].Status, zeroex.FromBaseUnits(infos[0].FilledAmount, 18))
	return nil
}

func cancelScenario(ctx context.Context, client *zeroex.Client, maker common.Address) error {
	var orders []*chain.SignedOrder
	for i := 0; i < 3; i++ {
		params, err := zrxForWeth(client, maker)
		if err != nil {
			return err
		}
		order, _, err := client.CreateSignedOrder(ctx, params)
		if err != nil {
			return err
		}
		orders = append(orders, order)
	}

	res, err := client.CancelOrder(ctx, &orders[0].Order)
	printSequence("cancel first", res)
	if err != nil {
		return err
	}
	// everything up to and including the second salt
	res, err = client.CancelOrdersUpTo(ctx, maker, orders[1].Salt)
	printSequence("cancel up to second", res)
	if err != nil {
		return err
	}

	infos, err := client.OrderInfos(ctx, orders...)
	if err != nil {
		return err
	}
	for i, info := range infos {
		fmt.Printf("order %d %s: %s\n", i, info.Hash.Hex(), info.Status)
	}
	return nil
}

func forwarderScenario(ctx context.Context, client *zeroex.Client, maker, taker common.Address) error {
	if _, err := client.SetUnlimitedProxyAllowance(ctx, maker, client.Contracts().ZRX); err != nil {
		return err
	}
	params, err := zrxForWeth(client, maker)
	if err != nil {
		return err
	}
	order, _, err := client.CreateSignedOrder(ctx, params)
	if err != nil {
		return err
	}

	// 1% fee on top of the order's WETH price
	fee := big.NewInt(1e16)
	eth := new(big.Int).Mul(order.TakerAssetAmount, big.NewInt(101))
	eth.Div(eth, big.NewInt(100))
	res, err := client.MarketBuyWithEth(ctx, taker, []*chain.SignedOrder{order}, order.MakerAssetAmount, eth, fee, maker)
	printSequence("forwarder market buy", res)
	return err
}

func trackScenario(ctx context.Context, client *zeroex.Client, maker, taker common.Address) error {
	tracker := client.NewTracker(
		chain.WithTrackInterval(2*time.Second),
		chain.WithEvictHook(func(o chain.TrackedOrder, info *chain.OrderInfo) {
			fmt.Printf("evicted %s: %s\n", o.Hash.Hex(), info.Status)
		}),
	)
	tracker.Start(ctx)
	defer tracker.Stop()

	if err := fillScenario(ctx, client, maker, taker); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}

// matchScenario crosses a ZRX sell order with a WETH sell order at the same price
func matchScenario(ctx context.Context, client *zeroex.Client, maker, taker, matcher common.Address) error {
	if err := printBalances(ctx, client, "before match", maker, taker); err != nil {
		return err
	}
	if _, err := client.SetUnlimitedProxyAllowance(ctx, maker, client.Contracts().ZRX); err != nil {
		return err
	}

	leftParams, err := zrxForWeth(client, maker)
	if err != nil {
		return err
	}
	left, _, err := client.CreateSignedOrder(ctx, leftParams)
	if err != nil {
		return err
	}

	setup, err := fundTaker(client, taker, left.TakerAssetAmount)
	if err != nil {
		return err
	}
	res, err := client.RunSequence(ctx, setup...)
	printSequence("right maker setup", res)
	if err != nil {
		return err
	}
	right, _, err := client.CreateSignedOrder(ctx, &chain.OrderData{
		Maker:            taker,
		MakerAssetData:   leftParams.TakerAssetData,
		TakerAssetData:   leftParams.MakerAssetData,
		MakerAssetAmount: leftParams.TakerAssetAmount,
		TakerAssetAmount: leftParams.MakerAssetAmount,
	})
	if err != nil {
		return err
	}

	res, err = client.MatchOrders(ctx, matcher, left, right)
	printSequence("match orders", res)
	if err != nil {
		return err
	}
	return printBalances(ctx, client, "after match", maker, taker)
}

// executeScenario has a third party submit the taker's signed fill
func executeScenario(ctx context.Context, client *zeroex.Client, maker, taker, sender common.Address) error {
	if err := printBalances(ctx, client, "before execute", maker, taker); err != nil {
		return err
	}
	if _, err := client.SetUnlimitedProxyAllowance(ctx, maker, client.Contracts().ZRX); err != nil {
		return err
	}
	params, err := zrxForWeth(client, maker)
	if err != nil {
		return err
	}
	order, _, err := client.CreateSignedOrder(ctx, params)
	if err != nil {
		return err
	}

	setup, err := fundTaker(client, taker, order.TakerAssetAmount)
	if err != nil {
		return err
	}
	res, err := client.RunSequence(ctx, setup...)
	printSequence("taker setup", res)
	if err != nil {
		return err
	}

	res, err = client.FillOrderViaTransaction(ctx, sender, taker, order, order.TakerAssetAmount)
	printSequence("execute transaction", res)
	if err != nil {
		return err
	}
	return printBalances(ctx, client, "after execute", maker, taker)
}

// erc721Scenario mints a token to the maker and sells it for WETH
func erc721Scenario(ctx context.Context, client *zeroex.Client, maker, taker, collection common.Address) error {
	if err := printBalances(ctx, client, "before erc721 fill", maker, taker); err != nil {
		return err
	}
	tokenID := chain.GeneratePseudoRandomSalt()
	res, err := client.MintERC721(ctx, maker, collection, tokenID)
	printSequence("mint and approve", res)
	if err != nil {
		return err
	}

	makerAsset, err := chain.EncodeERC721AssetData(collection, tokenID)
	if err != nil {
		return err
	}
	price, err := zeroex.ToBaseUnits("0.1", 18)
	if err != nil {
		return err
	}
	order, hash, err := client.CreateSignedOrder(ctx, &chain.OrderData{
		Maker:            maker,
		MakerAssetData:   makerAsset,
		TakerAssetData:   chain.EncodeERC20AssetData(client.Contracts().WETH),
		MakerAssetAmount: big.NewInt(1),
		TakerAssetAmount: price,
	})
	if err != nil {
		return err
	}
	fmt.Printf("token %s offered in order %s\n", tokenID, hash.Hex())

	setup, err := fundTaker(client, taker, price)
	if err != nil {
		return err
	}
	res, err = client.FillOrder(ctx, taker, order, price, setup...)
	printSequence("taker fill", res)
	if err != nil {
		return err
	}
	return printBalances(ctx, client, "after erc721 fill", maker, taker)
}

// feesScenario fills an order that pays ZRX fees from both sides to feeRecipient
func feesScenario(ctx context.Context, client *zeroex.Client, maker, taker, feeRecipient common.Address) error {
	if err := printBalances(ctx, client, "before fee fill", maker, taker, feeRecipient); err != nil {
		return err
	}
	if _, err := client.SetUnlimitedProxyAllowance(ctx, maker, client.Contracts().ZRX); err != nil {
		return err
	}

	params, err := zrxForWeth(client, maker)
	if err != nil {
		return err
	}
	fee, err := zeroex.ToBaseUnits("1", 18)
	if err != nil {
		return err
	}
	params.FeeRecipient = feeRecipient
	params.MakerFee = fee
	params.TakerFee = fee
	order, _, err := client.CreateSignedOrder(ctx, params)
	if err != nil {
		return err
	}

	zrxApprove, err := client.ApproveStep(taker, client.Contracts().ZRX)
	if err != nil {
		return err
	}
	setup, err := fundTaker(client, taker, order.TakerAssetAmount)
	if err != nil {
		return err
	}
	res, err := client.FillOrder(ctx, taker, order, order.TakerAssetAmount, append(setup, zrxApprove)...)
	printSequence("taker fill with fees", res)
	if err != nil {
		return err
	}
	return printBalances(ctx, client, "after fee fill", maker, taker, feeRecipient)
}
