package chain

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Order tuple as the exchange ABI sees it (no exchangeAddress)
const orderTupleComponents = `[
	{"name": "makerAddress", "type": "address"},
	{"name": "takerAddress", "type": "address"},
	{"name": "feeRecipientAddress", "type": "address"},
	{"name": "senderAddress", "type": "address"},
	{"name": "makerAssetAmount", "type": "uint256"},
	{"name": "takerAssetAmount", "type": "uint256"},
	{"name": "makerFee", "type": "uint256"},
	{"name": "takerFee", "type": "uint256"},
	{"name": "expirationTimeSeconds", "type": "uint256"},
	{"name": "salt", "type": "uint256"},
	{"name": "makerAssetData", "type": "bytes"},
	{"name": "takerAssetData", "type": "bytes"}
]`

// Exchange ABI JSON for the settlement entry points used by the client
const exchangeABIJSON = `[
	{
		"constant": false,
		"inputs": [
			{"name": "order", "type": "tuple", "components": ` + orderTupleComponents + `},
			{"name": "takerAssetFillAmount", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "fillOrder",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "leftOrder", "type": "tuple", "components": ` + orderTupleComponents + `},
			{"name": "rightOrder", "type": "tuple", "components": ` + orderTupleComponents + `},
			{"name": "leftSignature", "type": "bytes"},
			{"name": "rightSignature", "type": "bytes"}
		],
		"name": "matchOrders",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "order", "type": "tuple", "components": ` + orderTupleComponents + `}
		],
		"name": "cancelOrder",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "targetOrderEpoch", "type": "uint256"}
		],
		"name": "cancelOrdersUpTo",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "salt", "type": "uint256"},
			{"name": "signerAddress", "type": "address"},
			{"name": "data", "type": "bytes"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "executeTransaction",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "order", "type": "tuple", "components": ` + orderTupleComponents + `}
		],
		"name": "getOrderInfo",
		"outputs": [
			{"name": "orderInfo", "type": "tuple", "components": [
				{"name": "orderStatus", "type": "uint8"},
				{"name": "orderHash", "type": "bytes32"},
				{"name": "orderTakerAssetFilledAmount", "type": "uint256"}
			]}
		],
		"type": "function"
	}
]`

// Forwarder ABI JSON for ETH-funded market buys
const forwarderABIJSON = `[
	{
		"constant": false,
		"payable": true,
		"stateMutability": "payable",
		"inputs": [
			{"name": "orders", "type": "tuple[]", "components": ` + orderTupleComponents + `},
			{"name": "makerAssetFillAmount", "type": "uint256"},
			{"name": "signatures", "type": "bytes[]"},
			{"name": "feeOrders", "type": "tuple[]", "components": ` + orderTupleComponents + `},
			{"name": "feeSignatures", "type": "bytes[]"},
			{"name": "feePercentage", "type": "uint256"},
			{"name": "feeRecipient", "type": "address"}
		],
		"name": "marketBuyOrdersWithEth",
		"outputs": [],
		"type": "function"
	}
]`

// ERC20 ABI JSON for allowance, approve and balanceOf
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	}
]`

// WETH ABI JSON for deposit and withdraw
const wethABIJSON = `[
	{
		"constant": false,
		"payable": true,
		"stateMutability": "payable",
		"inputs": [],
		"name": "deposit",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [{"name": "wad", "type": "uint256"}],
		"name": "withdraw",
		"outputs": [],
		"type": "function"
	}
]`

// ERC721 ABI JSON for operator approval and the dummy token mint
const erc721ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "operator", "type": "address"}
		],
		"name": "isApprovedForAll",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "operator", "type": "address"},
			{"name": "approved", "type": "bool"}
		],
		"name": "setApprovalForAll",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "mint",
		"outputs": [],
		"type": "function"
	}
]`

var (
	abiOnce      sync.Once
	exchangeABI  abi.ABI
	forwarderABI abi.ABI
	erc20ABI     abi.ABI
	wethABI      abi.ABI
	erc721ABI    abi.ABI
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

func loadABIs() {
	abiOnce.Do(func() {
		exchangeABI = mustParseABI("Exchange", exchangeABIJSON)
		forwarderABI = mustParseABI("Forwarder", forwarderABIJSON)
		erc20ABI = mustParseABI("ERC20", erc20ABIJSON)
		wethABI = mustParseABI("WETH", wethABIJSON)
		erc721ABI = mustParseABI("ERC721", erc721ABIJSON)
	})
}

// GetExchangeABI returns the parsed Exchange ABI
func GetExchangeABI() abi.ABI {
	loadABIs()
	return exchangeABI
}

// GetForwarderABI returns the parsed Forwarder ABI
func GetForwarderABI() abi.ABI {
	loadABIs()
	return forwarderABI
}

// GetERC20ABI returns the parsed ERC20 ABI
func GetERC20ABI() abi.ABI {
	loadABIs()
	return erc20ABI
}

// GetWETHABI returns the parsed WETH ABI
func GetWETHABI() abi.ABI {
	loadABIs()
	return wethABI
}

// GetERC721ABI returns the parsed ERC721 ABI
func GetERC721ABI() abi.ABI {
	loadABIs()
	return erc721ABI
}

// abiOrder mirrors the exchange Order tuple field-for-field
type abiOrder struct {
	MakerAddress          common.Address
	TakerAddress          common.Address
	FeeRecipientAddress   common.Address
	SenderAddress         common.Address
	MakerAssetAmount      *big.Int
	TakerAssetAmount      *big.Int
	MakerFee              *big.Int
	TakerFee              *big.Int
	ExpirationTimeSeconds *big.Int
	Salt                  *big.Int
	MakerAssetData        []byte
	TakerAssetData        []byte
}

func toABIOrder(o *Order) abiOrder {
	return abiOrder{
		MakerAddress:          o.MakerAddress,
		TakerAddress:          o.TakerAddress,
		FeeRecipientAddress:   o.FeeRecipientAddress,
		SenderAddress:         o.SenderAddress,
		MakerAssetAmount:      uintOrZero(o.MakerAssetAmount),
		TakerAssetAmount:      uintOrZero(o.TakerAssetAmount),
		MakerFee:              uintOrZero(o.MakerFee),
		TakerFee:              uintOrZero(o.TakerFee),
		ExpirationTimeSeconds: uintOrZero(o.ExpirationTimeSeconds),
		Salt:                  uintOrZero(o.Salt),
		MakerAssetData:        []byte(o.MakerAssetData),
		TakerAssetData:        []byte(o.TakerAssetData),
	}
}

func toABIOrders(orders []*SignedOrder) ([]abiOrder, [][]byte) {
	out := make([]abiOrder, len(orders))
	sigs := make([][]byte, len(orders))
	for i, o := range orders {
		out[i] = toABIOrder(&o.Order)
		sigs[i] = []byte(o.Signature)
	}
	return out, sigs
}

// EncodeFillOrder encodes exchange.fillOrder calldata
func EncodeFillOrder(order *SignedOrder, takerAssetFillAmount *big.Int) ([]byte, error) {
	data, err := GetExchangeABI().Pack("fillOrder", toABIOrder(&order.Order), uintOrZero(takerAssetFillAmount), []byte(order.Signature))
	if err != nil {
		return nil, fmt.Errorf("failed to encode fillOrder: %w", err)
	}
	return data, nil
}

// EncodeMatchOrders encodes exchange.matchOrders calldata
func EncodeMatchOrders(left, right *SignedOrder) ([]byte, error) {
	data, err := GetExchangeABI().Pack("matchOrders", toABIOrder(&left.Order), toABIOrder(&right.Order), []byte(left.Signature), []byte(right.Signature))
	if err != nil {
		return nil, fmt.Errorf("failed to encode matchOrders: %w", err)
	}
	return data, nil
}

// EncodeCancelOrder encodes exchange.cancelOrder calldata
func EncodeCancelOrder(order *Order) ([]byte, error) {
	data, err := GetExchangeABI().Pack("cancelOrder", toABIOrder(order))
	if err != nil {
		return nil, fmt.Errorf("failed to encode cancelOrder: %w", err)
	}
	return data, nil
}

// EncodeCancelOrdersUpTo encodes exchange.cancelOrdersUpTo calldata.
// Every order of the caller with salt <= targetEpoch becomes cancelled.
func EncodeCancelOrdersUpTo(targetEpoch *big.Int) ([]byte, error) {
	if err := checkUint256("targetOrderEpoch", targetEpoch); err != nil {
		return nil, err
	}
	data, err := GetExchangeABI().Pack("cancelOrdersUpTo", uintOrZero(targetEpoch))
	if err != nil {
		return nil, fmt.Errorf("failed to encode cancelOrdersUpTo: %w", err)
	}
	return data, nil
}

// EncodeExecuteTransaction encodes exchange.executeTransaction calldata
func EncodeExecuteTransaction(tx *SignedTransaction) ([]byte, error) {
	data, err := GetExchangeABI().Pack("executeTransaction", uintOrZero(tx.Salt), tx.SignerAddress, []byte(tx.Data), []byte(tx.Signature))
	if err != nil {
		return nil, fmt.Errorf("failed to encode executeTransaction: %w", err)
	}
	return data, nil
}

// EncodeGetOrderInfo encodes exchange.getOrderInfo calldata
func EncodeGetOrderInfo(order *Order) ([]byte, error) {
	data, err := GetExchangeABI().Pack("getOrderInfo", toABIOrder(order))
	if err != nil {
		return nil, fmt.Errorf("failed to encode getOrderInfo: %w", err)
	}
	return data, nil
}

// orderInfoTuple mirrors the getOrderInfo return tuple
type orderInfoTuple struct {
	OrderStatus                 uint8
	OrderHash                   [32]byte
	OrderTakerAssetFilledAmount *big.Int
}

// DecodeOrderInfo decodes the return data of exchange.getOrderInfo
func DecodeOrderInfo(output []byte) (*OrderInfo, error) {
	values, err := GetExchangeABI().Unpack("getOrderInfo", output)
	if err != nil {
		return nil, fmt.Errorf("failed to decode getOrderInfo: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getOrderInfo returned %d values", len(values))
	}

	info := *abi.ConvertType(values[0], new(orderInfoTuple)).(*orderInfoTuple)

	return &OrderInfo{
		Status:       OrderStatus(info.OrderStatus),
		Hash:         common.Hash(info.OrderHash),
		FilledAmount: info.OrderTakerAssetFilledAmount,
	}, nil
}

// EncodeMarketBuyOrdersWithEth encodes forwarder.marketBuyOrdersWithEth calldata
func EncodeMarketBuyOrdersWithEth(orders []*SignedOrder, makerAssetFillAmount *big.Int, feeOrders []*SignedOrder, feePercentage *big.Int, feeRecipient common.Address) ([]byte, error) {
	abiOrders, sigs := toABIOrders(orders)
	abiFeeOrders, feeSigs := toABIOrders(feeOrders)
	data, err := GetForwarderABI().Pack("marketBuyOrdersWithEth",
		abiOrders,
		uintOrZero(makerAssetFillAmount),
		sigs,
		abiFeeOrders,
		feeSigs,
		uintOrZero(feePercentage),
		feeRecipient,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode marketBuyOrdersWithEth: %w", err)
	}
	return data, nil
}

// EncodeApprove encodes erc20.approve calldata
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := GetERC20ABI().Pack("approve", spender, uintOrZero(amount))
	if err != nil {
		return nil, fmt.Errorf("failed to encode approve: %w", err)
	}
	return data, nil
}

// EncodeDeposit encodes weth.deposit calldata
func EncodeDeposit() ([]byte, error) {
	data, err := GetWETHABI().Pack("deposit")
	if err != nil {
		return nil, fmt.Errorf("failed to encode deposit: %w", err)
	}
	return data, nil
}

// EncodeSetApprovalForAll encodes erc721.setApprovalForAll calldata
func EncodeSetApprovalForAll(operator common.Address, approved bool) ([]byte, error) {
	data, err := GetERC721ABI().Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return nil, fmt.Errorf("failed to encode setApprovalForAll: %w", err)
	}
	return data, nil
}

// EncodeMint encodes the dummy erc721.mint calldata
func EncodeMint(to common.Address, tokenID *big.Int) ([]byte, error) {
	data, err := GetERC721ABI().Pack("mint", to, uintOrZero(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode mint: %w", err)
	}
	return data, nil
}
