package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultOrderTTL is applied when an order has no expiration
const DefaultOrderTTL = 10 * time.Minute

// OrderBuilder builds and signs orders for one exchange deployment
type OrderBuilder struct {
	exchange common.Address
	engine   *Engine
	clock    Clock
	salt     func() *big.Int
}

// OrderBuilderOption configures an OrderBuilder
type OrderBuilderOption func(*OrderBuilder)

// WithSaltSource replaces the default monotonic salt source
func WithSaltSource(fn func() *big.Int) OrderBuilderOption {
	return func(ob *OrderBuilder) {
		ob.salt = fn
	}
}

// WithBuilderClock sets the clock used for default expirations and salts
func WithBuilderClock(clock Clock) OrderBuilderOption {
	return func(ob *OrderBuilder) {
		ob.clock = clock
	}
}

// NewOrderBuilder creates a new OrderBuilder
func NewOrderBuilder(exchange common.Address, engine *Engine, opts ...OrderBuilderOption) *OrderBuilder {
	ob := &OrderBuilder{
		exchange: exchange,
		engine:   engine,
		clock:    RealClock{},
	}
	for _, opt := range opts {
		opt(ob)
	}
	if ob.salt == nil {
		ob.salt = NewSaltGenerator(ob.clock).NextMonotonic
	}
	return ob
}

// BuildOrder builds an order from OrderData
func (ob *OrderBuilder) BuildOrder(data *OrderData) (*Order, error) {
	if err := ob.validateInputs(data); err != nil {
		return nil, err
	}

	salt := data.Salt
	if salt == nil {
		salt = ob.salt()
	}

	expiration := data.ExpirationTimeSeconds
	if expiration == nil {
		expiration = big.NewInt(ob.clock.Now().Add(DefaultOrderTTL).Unix())
	}

	order := &Order{
		MakerAddress:          data.Maker,
		TakerAddress:          data.Taker,
		FeeRecipientAddress:   data.FeeRecipient,
		SenderAddress:         data.Sender,
		MakerAssetAmount:      new(big.Int).Set(data.MakerAssetAmount),
		TakerAssetAmount:      new(big.Int).Set(data.TakerAssetAmount),
		MakerFee:              new(big.Int).Set(uintOrZero(data.MakerFee)),
		TakerFee:              new(big.Int).Set(uintOrZero(data.TakerFee)),
		ExpirationTimeSeconds: new(big.Int).Set(expiration),
		Salt:                  new(big.Int).Set(salt),
		MakerAssetData:        append([]byte(nil), data.MakerAssetData...),
		TakerAssetData:        append([]byte(nil), data.TakerAssetData...),
		ExchangeAddress:       ob.exchange,
	}

	// surfaces out-of-range integers before the order leaves the builder
	if _, err := HashOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// BuildSignedOrder builds an order and signs it as the maker
func (ob *OrderBuilder) BuildSignedOrder(ctx context.Context, data *OrderData) (*SignedOrder, common.Hash, error) {
	order, err := ob.BuildOrder(data)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return ob.engine.SignOrder(ctx, order)
}

func (ob *OrderBuilder) validateInputs(data *OrderData) error {
	if data == nil {
		return fmt.Errorf("order data is required")
	}
	if data.Maker == NullAddress {
		return fmt.Errorf("maker is required")
	}
	if !isPositive(data.MakerAssetAmount) {
		return fmt.Errorf("makerAssetAmount must be positive")
	}
	if !isPositive(data.TakerAssetAmount) {
		return fmt.Errorf("takerAssetAmount must be positive")
	}

	for _, side := range []struct {
		name   string
		data   []byte
		amount *big.Int
	}{
		{"makerAssetData", data.MakerAssetData, data.MakerAssetAmount},
		{"takerAssetData", data.TakerAssetData, data.TakerAssetAmount},
	} {
		asset, err := DecodeAssetData(side.data)
		if err != nil {
			return fmt.Errorf("%s: %w", side.name, err)
		}
		if asset.Kind == AssetKindERC721 && side.amount.Cmp(big.NewInt(1)) != 0 {
			return fmt.Errorf("%s: erc721 amount must be exactly 1", side.name)
		}
	}
	return nil
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
