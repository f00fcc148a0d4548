package zeroex

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

// RelayerOrder is the Standard Relayer API v2 order shape.
// Integer fields travel as base-10 strings.
type RelayerOrder struct {
	MakerAddress          common.Address `json:"makerAddress"`
	TakerAddress          common.Address `json:"takerAddress"`
	FeeRecipientAddress   common.Address `json:"feeRecipientAddress"`
	SenderAddress         common.Address `json:"senderAddress"`
	MakerAssetAmount      string         `json:"makerAssetAmount"`
	TakerAssetAmount      string         `json:"takerAssetAmount"`
	MakerFee              string         `json:"makerFee"`
	TakerFee              string         `json:"takerFee"`
	ExpirationTimeSeconds string         `json:"expirationTimeSeconds"`
	Salt                  string         `json:"salt"`
	MakerAssetData        hexutil.Bytes  `json:"makerAssetData"`
	TakerAssetData        hexutil.Bytes  `json:"takerAssetData"`
	ExchangeAddress       common.Address `json:"exchangeAddress"`
	Signature             hexutil.Bytes  `json:"signature"`
}

// OrderRecord is a relayer order plus its metadata
type OrderRecord struct {
	Order    RelayerOrder   `json:"order"`
	MetaData map[string]any `json:"metaData"`
}

// OrdersPage is a paginated relayer order listing
type OrdersPage struct {
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"perPage"`
	Records []OrderRecord `json:"records"`
}

// OrdersQuery filters GetOrders. Zero fields are omitted.
type OrdersQuery struct {
	MakerAddress    common.Address
	ExchangeAddress common.Address
	MakerAssetData  []byte
	TakerAssetData  []byte
	Page            int
	PerPage         int
}

// NewRelayerOrder converts a signed order into its wire form
func NewRelayerOrder(o *chain.SignedOrder) RelayerOrder {
	return RelayerOrder{
		MakerAddress:          o.MakerAddress,
		TakerAddress:          o.TakerAddress,
		FeeRecipientAddress:   o.FeeRecipientAddress,
		SenderAddress:         o.SenderAddress,
		MakerAssetAmount:      decString(o.MakerAssetAmount),
		TakerAssetAmount:      decString(o.TakerAssetAmount),
		MakerFee:              decString(o.MakerFee),
		TakerFee:              decString(o.TakerFee),
		ExpirationTimeSeconds: decString(o.ExpirationTimeSeconds),
		Salt:                  decString(o.Salt),
		MakerAssetData:        o.MakerAssetData,
		TakerAssetData:        o.TakerAssetData,
		ExchangeAddress:       o.ExchangeAddress,
		Signature:             o.Signature,
	}
}

// SignedOrder parses the wire form back into a signed order
func (r *RelayerOrder) SignedOrder() (*chain.SignedOrder, error) {
	out := &chain.SignedOrder{
		Order: chain.Order{
			MakerAddress:        r.MakerAddress,
			TakerAddress:        r.TakerAddress,
			FeeRecipientAddress: r.FeeRecipientAddress,
			SenderAddress:       r.SenderAddress,
			MakerAssetData:      r.MakerAssetData,
			TakerAssetData:      r.TakerAssetData,
			ExchangeAddress:     r.ExchangeAddress,
		},
		Signature: r.Signature,
	}

	ints := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"makerAssetAmount", r.MakerAssetAmount, &out.MakerAssetAmount},
		{"takerAssetAmount", r.TakerAssetAmount, &out.TakerAssetAmount},
		{"makerFee", r.MakerFee, &out.MakerFee},
		{"takerFee", r.TakerFee, &out.TakerFee},
		{"expirationTimeSeconds", r.ExpirationTimeSeconds, &out.ExpirationTimeSeconds},
		{"salt", r.Salt, &out.Salt},
	}
	for _, f := range ints {
		v, ok := new(big.Int).SetString(f.raw, 10)
		if !ok {
			return nil, invalidParam("relayer order %s is not a base-10 integer: %q", f.name, f.raw)
		}
		if v.Sign() < 0 || v.Cmp(chain.MaxUint256) > 0 {
			return nil, invalidParam("relayer order %s is outside uint256: %s", f.name, f.raw)
		}
		*f.dst = v
	}
	return out, nil
}

func decString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
