package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NullAddress is the "any" sentinel for taker and sender restrictions
var NullAddress = common.Address{}

// MaxUint256 is 2^256 - 1, also used as the unlimited allowance amount
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Order is the maker-signed offer understood by the exchange contract.
// It is immutable once hashed.
type Order struct {
	MakerAddress          common.Address `json:"makerAddress"`
	TakerAddress          common.Address `json:"takerAddress"`
	FeeRecipientAddress   common.Address `json:"feeRecipientAddress"`
	SenderAddress         common.Address `json:"senderAddress"`
	MakerAssetAmount      *big.Int       `json:"makerAssetAmount"`
	TakerAssetAmount      *big.Int       `json:"takerAssetAmount"`
	MakerFee              *big.Int       `json:"makerFee"`
	TakerFee              *big.Int       `json:"takerFee"`
	ExpirationTimeSeconds *big.Int       `json:"expirationTimeSeconds"`
	Salt                  *big.Int       `json:"salt"`
	MakerAssetData        hexutil.Bytes  `json:"makerAssetData"`
	TakerAssetData        hexutil.Bytes  `json:"takerAssetData"`
	ExchangeAddress       common.Address `json:"exchangeAddress"`
}

// Hash returns the EIP712 order hash
func (o *Order) Hash() (common.Hash, error) {
	return HashOrder(o)
}

// SignedOrder represents an order with its maker signature.
// The final signature byte is the scheme tag.
type SignedOrder struct {
	Order
	Signature hexutil.Bytes `json:"signature"`
}

// OrderStatus is the exchange-reported state of an order
type OrderStatus uint8

const (
	OrderStatusInvalid OrderStatus = iota
	OrderStatusInvalidMakerAssetAmount
	OrderStatusInvalidTakerAssetAmount
	OrderStatusFillable
	OrderStatusExpired
	OrderStatusFullyFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusInvalid:
		return "INVALID"
	case OrderStatusInvalidMakerAssetAmount:
		return "INVALID_MAKER_ASSET_AMOUNT"
	case OrderStatusInvalidTakerAssetAmount:
		return "INVALID_TAKER_ASSET_AMOUNT"
	case OrderStatusFillable:
		return "FILLABLE"
	case OrderStatusExpired:
		return "EXPIRED"
	case OrderStatusFullyFilled:
		return "FULLY_FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// OrderInfo is the exchange's view of an order
type OrderInfo struct {
	Status       OrderStatus
	Hash         common.Hash
	FilledAmount *big.Int // taker asset filled so far
}

// OrderData represents the data for building an order
type OrderData struct {
	Maker                 common.Address
	Taker                 common.Address
	Sender                common.Address
	FeeRecipient          common.Address
	MakerAssetData        []byte
	TakerAssetData        []byte
	MakerAssetAmount      *big.Int
	TakerAssetAmount      *big.Int
	MakerFee              *big.Int
	TakerFee              *big.Int
	ExpirationTimeSeconds *big.Int
	Salt                  *big.Int // optional, generated when nil
}

// uintOrZero guards the hash and ABI paths against nil integers
func uintOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
