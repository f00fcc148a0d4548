package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// SignatureScheme is the trailing tag byte of an exchange signature
type SignatureScheme uint8

const (
	SchemeEIP712Typed     SignatureScheme = 0x02
	SchemeEthSignPersonal SignatureScheme = 0x03
)

func (s SignatureScheme) String() string {
	switch s {
	case SchemeEIP712Typed:
		return "EIP712"
	case SchemeEthSignPersonal:
		return "EthSign"
	default:
		return "Unsupported"
	}
}

func (s SignatureScheme) valid() bool {
	return s == SchemeEIP712Typed || s == SchemeEthSignPersonal
}

// SignatureLength is v(1) ++ r(32) ++ s(32) ++ scheme(1)
const SignatureLength = 66

// Signature is an exchange-format signature: v ++ r ++ s ++ scheme
type Signature []byte

// Scheme returns the trailing tag, false if the signature is malformed
func (s Signature) Scheme() (SignatureScheme, bool) {
	if len(s) != SignatureLength {
		return 0, false
	}
	scheme := SignatureScheme(s[SignatureLength-1])
	return scheme, scheme.valid()
}

func (s Signature) Hex() string {
	return hexutil.Encode(s)
}

func (s Signature) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s).MarshalText()
}

func (s *Signature) UnmarshalText(input []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(input); err != nil {
		return err
	}
	*s = Signature(b)
	return nil
}

// SignedTransaction is a meta-transaction ready for a sender to submit
type SignedTransaction struct {
	ZeroExTransaction
	Signature Signature `json:"signature"`
}

// Engine turns digests into exchange signatures and checks them.
// Key material stays behind the Signer.
type Engine struct {
	signer Signer
	logger *zap.Logger
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine backed by signer
func NewEngine(signer Signer, opts ...EngineOption) *Engine {
	e := &Engine{signer: signer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sign signs digest for address under scheme
func (e *Engine) Sign(ctx context.Context, digest common.Hash, address common.Address, scheme SignatureScheme) (Signature, error) {
	var (
		raw []byte
		err error
	)
	switch scheme {
	case SchemeEthSignPersonal:
		raw, err = e.signer.SignPersonalMessage(ctx, digest.Bytes(), address)
	case SchemeEIP712Typed:
		raw, err = e.signer.SignHash(ctx, digest, address)
	default:
		return nil, &SigningError{Scheme: scheme, Address: address, Err: ErrUnsupportedScheme}
	}
	if err != nil {
		if errors.Is(err, ErrUnsupportedScheme) {
			return nil, &SigningError{Scheme: scheme, Address: address, Err: err}
		}
		if !errors.Is(err, ErrSigningRejected) {
			err = errors.Join(ErrSigningRejected, err)
		}
		e.logger.Warn("signing_rejected",
			zap.String("scheme", scheme.String()),
			zap.String("address", address.Hex()),
			zap.Error(err))
		return nil, &SigningError{Scheme: scheme, Address: address, Err: err}
	}
	if len(raw) != 65 {
		return nil, &SigningError{Scheme: scheme, Address: address, Err: ErrSigningRejected}
	}

	// r ++ s ++ v  ->  v ++ r ++ s ++ scheme
	v := raw[64]
	if v < 27 {
		v += 27
	}
	sig := make(Signature, 0, SignatureLength)
	sig = append(sig, v)
	sig = append(sig, raw[:64]...)
	sig = append(sig, byte(scheme))
	return sig, nil
}

// Verify reports whether sig was produced over digest by expected.
// Malformed signatures verify as false.
func (e *Engine) Verify(digest common.Hash, sig Signature, expected common.Address) bool {
	recovered, ok := RecoverSigner(digest, sig)
	return ok && recovered == expected
}

// RecoverSigner returns the address that produced sig over digest
func RecoverSigner(digest common.Hash, sig Signature) (common.Address, bool) {
	scheme, ok := sig.Scheme()
	if !ok {
		return common.Address{}, false
	}

	v := sig[0]
	if v != 27 && v != 28 {
		return common.Address{}, false
	}
	r := new(big.Int).SetBytes(sig[1:33])
	s := new(big.Int).SetBytes(sig[33:65])
	// ecrecover accepts high-s values, so the homestead rule is not applied
	if !crypto.ValidateSignatureValues(v-27, r, s, false) {
		return common.Address{}, false
	}

	hash := digest.Bytes()
	if scheme == SchemeEthSignPersonal {
		hash = accounts.TextHash(hash)
	}

	raw := make([]byte, 65)
	copy(raw, sig[1:65])
	raw[64] = v - 27

	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}

// SignOrder hashes order and signs it as its maker with the personal-message scheme
func (e *Engine) SignOrder(ctx context.Context, order *Order) (*SignedOrder, common.Hash, error) {
	hash, err := HashOrder(order)
	if err != nil {
		return nil, common.Hash{}, err
	}
	sig, err := e.Sign(ctx, hash, order.MakerAddress, SchemeEthSignPersonal)
	if err != nil {
		return nil, common.Hash{}, err
	}
	e.logger.Debug("order_signed", zap.String("order_hash", hash.Hex()), zap.String("maker", order.MakerAddress.Hex()))
	return &SignedOrder{Order: *order, Signature: hexutil.Bytes(sig)}, hash, nil
}

// VerifyOrder checks that the signature binds the order hash to its maker
func (e *Engine) VerifyOrder(order *SignedOrder) bool {
	hash, err := HashOrder(&order.Order)
	if err != nil {
		return false
	}
	return e.Verify(hash, Signature(order.Signature), order.MakerAddress)
}

// SignTransaction signs a meta-transaction for tx.SignerAddress against exchange
func (e *Engine) SignTransaction(ctx context.Context, exchange common.Address, tx *ZeroExTransaction) (*SignedTransaction, error) {
	hash, err := HashTransaction(exchange, tx)
	if err != nil {
		return nil, err
	}
	sig, err := e.Sign(ctx, hash, tx.SignerAddress, SchemeEIP712Typed)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{ZeroExTransaction: *tx, Signature: sig}, nil
}

// VerifyTransaction checks a meta-transaction signature against its signer
func (e *Engine) VerifyTransaction(exchange common.Address, tx *SignedTransaction) bool {
	hash, err := HashTransaction(exchange, &tx.ZeroExTransaction)
	if err != nil {
		return false
	}
	return e.Verify(hash, tx.Signature, tx.SignerAddress)
}
