package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712 domain constants used by the v2 exchange
const (
	EIP712DomainName    = "0x Protocol"
	EIP712DomainVersion = "2"
)

const (
	domainTypeString      = "EIP712Domain(string name,string version,address verifyingContract)"
	orderTypeString       = "Order(address makerAddress,address takerAddress,address feeRecipientAddress,address senderAddress,uint256 makerAssetAmount,uint256 takerAssetAmount,uint256 makerFee,uint256 takerFee,uint256 expirationTimeSeconds,uint256 salt,bytes makerAssetData,bytes takerAssetData)"
	transactionTypeString = "ZeroExTransaction(uint256 salt,address signerAddress,bytes data)"
)

// Pre-computed type hashes using keccak256
var (
	EIP712DomainTypeHash      = crypto.Keccak256Hash([]byte(domainTypeString))
	OrderTypeHash             = crypto.Keccak256Hash([]byte(orderTypeString))
	ZeroExTransactionTypeHash = crypto.Keccak256Hash([]byte(transactionTypeString))
)

var (
	bytes32Type = mustNewType("bytes32")
	uint256Type = mustNewType("uint256")
	addressType = mustNewType("address")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("chain: abi type " + t + ": " + err.Error())
	}
	return typ
}

// ZeroExTransaction is a call the exchange executes on behalf of SignerAddress
type ZeroExTransaction struct {
	Salt          *big.Int       `json:"salt"`
	SignerAddress common.Address `json:"signerAddress"`
	Data          hexutil.Bytes  `json:"data"`
}

// DomainSeparator returns the EIP712 domain separator for an exchange deployment
func DomainSeparator(exchange common.Address) common.Hash {
	args := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: bytes32Type}, // nameHash
		{Type: bytes32Type}, // versionHash
		{Type: addressType}, // verifyingContract
	}

	encoded, err := args.Pack(
		EIP712DomainTypeHash,
		crypto.Keccak256Hash([]byte(EIP712DomainName)),
		crypto.Keccak256Hash([]byte(EIP712DomainVersion)),
		exchange,
	)
	if err != nil {
		panic("chain: encode domain separator: " + err.Error())
	}
	return crypto.Keccak256Hash(encoded)
}

// HashOrder returns the EIP712 digest of an order.
// Every integer field must fit an unsigned 256-bit word; nil counts as zero.
func HashOrder(order *Order) (common.Hash, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return common.Hash{}, err
	}
	return signHash(DomainSeparator(order.ExchangeAddress), structHash), nil
}

func orderStructHash(order *Order) (common.Hash, error) {
	fields := []struct {
		name  string
		value *big.Int
	}{
		{"makerAssetAmount", order.MakerAssetAmount},
		{"takerAssetAmount", order.TakerAssetAmount},
		{"makerFee", order.MakerFee},
		{"takerFee", order.TakerFee},
		{"expirationTimeSeconds", order.ExpirationTimeSeconds},
		{"salt", order.Salt},
	}
	for _, f := range fields {
		if err := checkUint256(f.name, f.value); err != nil {
			return common.Hash{}, err
		}
	}

	args := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: addressType}, // makerAddress
		{Type: addressType}, // takerAddress
		{Type: addressType}, // feeRecipientAddress
		{Type: addressType}, // senderAddress
		{Type: uint256Type}, // makerAssetAmount
		{Type: uint256Type}, // takerAssetAmount
		{Type: uint256Type}, // makerFee
		{Type: uint256Type}, // takerFee
		{Type: uint256Type}, // expirationTimeSeconds
		{Type: uint256Type}, // salt
		{Type: bytes32Type}, // keccak256(makerAssetData)
		{Type: bytes32Type}, // keccak256(takerAssetData)
	}

	encoded, err := args.Pack(
		OrderTypeHash,
		order.MakerAddress,
		order.TakerAddress,
		order.FeeRecipientAddress,
		order.SenderAddress,
		uintOrZero(order.MakerAssetAmount),
		uintOrZero(order.TakerAssetAmount),
		uintOrZero(order.MakerFee),
		uintOrZero(order.TakerFee),
		uintOrZero(order.ExpirationTimeSeconds),
		uintOrZero(order.Salt),
		crypto.Keccak256Hash(order.MakerAssetData),
		crypto.Keccak256Hash(order.TakerAssetData),
	)
	if err != nil {
		return common.Hash{}, &HashingError{Field: "order", Err: err}
	}
	return crypto.Keccak256Hash(encoded), nil
}

// HashTransaction returns the EIP712 digest of an execute-on-behalf-of envelope
func HashTransaction(exchange common.Address, tx *ZeroExTransaction) (common.Hash, error) {
	if err := checkUint256("salt", tx.Salt); err != nil {
		return common.Hash{}, err
	}

	args := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: uint256Type}, // salt
		{Type: addressType}, // signerAddress
		{Type: bytes32Type}, // keccak256(data)
	}

	encoded, err := args.Pack(
		ZeroExTransactionTypeHash,
		uintOrZero(tx.Salt),
		tx.SignerAddress,
		crypto.Keccak256Hash(tx.Data),
	)
	if err != nil {
		return common.Hash{}, &HashingError{Field: "transaction", Err: err}
	}
	return signHash(DomainSeparator(exchange), crypto.Keccak256Hash(encoded)), nil
}

// signHash follows EIP712: keccak256("\x19\x01" ++ domainSeparator ++ structHash)
func signHash(domainSeparator, structHash common.Hash) common.Hash {
	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSeparator.Bytes()...)
	data = append(data, structHash.Bytes()...)
	return crypto.Keccak256Hash(data)
}

func checkUint256(field string, v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return &HashingError{Field: field, Err: ErrFieldOutOfRange}
	}
	return nil
}

// OrderTypedData exports an order in the shape wallets accept for eth_signTypedData_v4
func OrderTypedData(order *Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "makerAddress", Type: "address"},
				{Name: "takerAddress", Type: "address"},
				{Name: "feeRecipientAddress", Type: "address"},
				{Name: "senderAddress", Type: "address"},
				{Name: "makerAssetAmount", Type: "uint256"},
				{Name: "takerAssetAmount", Type: "uint256"},
				{Name: "makerFee", Type: "uint256"},
				{Name: "takerFee", Type: "uint256"},
				{Name: "expirationTimeSeconds", Type: "uint256"},
				{Name: "salt", Type: "uint256"},
				{Name: "makerAssetData", Type: "bytes"},
				{Name: "takerAssetData", Type: "bytes"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              EIP712DomainName,
			Version:           EIP712DomainVersion,
			VerifyingContract: order.ExchangeAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"makerAddress":          order.MakerAddress.Hex(),
			"takerAddress":          order.TakerAddress.Hex(),
			"feeRecipientAddress":   order.FeeRecipientAddress.Hex(),
			"senderAddress":         order.SenderAddress.Hex(),
			"makerAssetAmount":      uintOrZero(order.MakerAssetAmount).String(),
			"takerAssetAmount":      uintOrZero(order.TakerAssetAmount).String(),
			"makerFee":              uintOrZero(order.MakerFee).String(),
			"takerFee":              uintOrZero(order.TakerFee).String(),
			"expirationTimeSeconds": uintOrZero(order.ExpirationTimeSeconds).String(),
			"salt":                  uintOrZero(order.Salt).String(),
			"makerAssetData":        hexutil.Encode(order.MakerAssetData),
			"takerAssetData":        hexutil.Encode(order.TakerAssetData),
		},
	}
}

// HashTypedData computes the EIP712 digest of arbitrary typed data
func HashTypedData(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}
	return signHash(common.BytesToHash(domainSeparator), common.BytesToHash(structHash)), nil
}
