package chain

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AssetKind identifies the proxy responsible for moving an asset
type AssetKind int

const (
	AssetKindERC20 AssetKind = iota + 1
	AssetKindERC721
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindERC20:
		return "ERC20"
	case AssetKindERC721:
		return "ERC721"
	default:
		return "UNKNOWN"
	}
}

// Proxy ids: bytes4(keccak256("ERC20Token(address)")) and bytes4(keccak256("ERC721Token(address,uint256)"))
var (
	ERC20ProxyID  = [4]byte{0xf4, 0x72, 0x61, 0xb0}
	ERC721ProxyID = [4]byte{0x02, 0x57, 0x17, 0x92}
)

const (
	erc20AssetDataLen  = 4 + 32
	erc721AssetDataLen = 4 + 32 + 32
)

// AssetData is the decoded form of an order's maker or taker asset data
type AssetData struct {
	Kind         AssetKind
	TokenAddress common.Address
	TokenID      *big.Int // ERC721 only
}

// EncodeERC20AssetData encodes a fungible token address for the ERC20 proxy
func EncodeERC20AssetData(token common.Address) []byte {
	out := make([]byte, 0, erc20AssetDataLen)
	out = append(out, ERC20ProxyID[:]...)
	out = append(out, common.LeftPadBytes(token.Bytes(), 32)...)
	return out
}

// EncodeERC721AssetData encodes a non-fungible token address and id for the ERC721 proxy
func EncodeERC721AssetData(token common.Address, tokenID *big.Int) ([]byte, error) {
	if tokenID == nil || tokenID.Sign() < 0 || tokenID.BitLen() > 256 {
		return nil, &EncodingError{Detail: "erc721 token id", Err: ErrFieldOutOfRange}
	}
	out := make([]byte, 0, erc721AssetDataLen)
	out = append(out, ERC721ProxyID[:]...)
	out = append(out, common.LeftPadBytes(token.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(tokenID.Bytes(), 32)...)
	return out, nil
}

// DecodeAssetData decodes asset data produced by the Encode functions
func DecodeAssetData(data []byte) (*AssetData, error) {
	if len(data) < 4 {
		return nil, &EncodingError{Detail: fmt.Sprintf("asset data too short: %d bytes", len(data)), Err: ErrMalformedAssetData}
	}

	var proxyID [4]byte
	copy(proxyID[:], data[:4])

	switch proxyID {
	case ERC20ProxyID:
		if len(data) != erc20AssetDataLen {
			return nil, &EncodingError{Detail: fmt.Sprintf("erc20 asset data must be %d bytes, got %d", erc20AssetDataLen, len(data)), Err: ErrMalformedAssetData}
		}
		token, err := decodeAddressWord(data[4:36])
		if err != nil {
			return nil, err
		}
		return &AssetData{Kind: AssetKindERC20, TokenAddress: token}, nil

	case ERC721ProxyID:
		if len(data) != erc721AssetDataLen {
			return nil, &EncodingError{Detail: fmt.Sprintf("erc721 asset data must be %d bytes, got %d", erc721AssetDataLen, len(data)), Err: ErrMalformedAssetData}
		}
		token, err := decodeAddressWord(data[4:36])
		if err != nil {
			return nil, err
		}
		return &AssetData{
			Kind:         AssetKindERC721,
			TokenAddress: token,
			TokenID:      new(big.Int).SetBytes(data[36:68]),
		}, nil

	default:
		return nil, &EncodingError{Detail: "proxy id " + hexutil.Encode(proxyID[:]), Err: ErrUnknownProxyID}
	}
}

// decodeAddressWord rejects words whose upper 12 bytes are not zero
func decodeAddressWord(word []byte) (common.Address, error) {
	if !bytes.Equal(word[:12], make([]byte, 12)) {
		return common.Address{}, &EncodingError{Detail: "address word has dirty high bytes", Err: ErrMalformedAssetData}
	}
	return common.BytesToAddress(word[12:]), nil
}
