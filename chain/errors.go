package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownProxyID is returned when asset data starts with an unregistered proxy id
	ErrUnknownProxyID = errors.New("unknown asset proxy id")

	// ErrMalformedAssetData is returned when asset data has the wrong size for its proxy
	ErrMalformedAssetData = errors.New("malformed asset data")

	// ErrFieldOutOfRange is returned for integers that do not fit an unsigned 256-bit word
	ErrFieldOutOfRange = errors.New("field out of range")

	// ErrSigningRejected is returned when the signer declines to sign
	ErrSigningRejected = errors.New("signing rejected")

	// ErrUnsupportedScheme is returned for signature schemes outside the supported set
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")

	// ErrStepReverted is returned when a sequenced transaction was mined but reverted
	ErrStepReverted = errors.New("step reverted")

	// ErrSubmissionRejected is returned when the ledger refuses a call
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrConfirmationTimeout is returned when a transaction is not mined in time
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// EncodingError reports malformed or unknown asset data
type EncodingError struct {
	Detail string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding: %s: %v", e.Detail, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// HashingError reports an order or transaction field that cannot be hashed
type HashingError struct {
	Field string
	Err   error
}

func (e *HashingError) Error() string {
	return fmt.Sprintf("hashing: field %s: %v", e.Field, e.Err)
}

func (e *HashingError) Unwrap() error {
	return e.Err
}

// SigningError reports a rejected signature request or an unsupported scheme
type SigningError struct {
	Scheme  SignatureScheme
	Address common.Address
	Err     error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing %s for %s: %v", e.Scheme, e.Address.Hex(), e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// OrchestrationError identifies the step that stopped a sequence.
// Steps before Index stay applied on-chain.
type OrchestrationError struct {
	Index int
	Label string
	TxID  common.Hash
	Err   error
}

func (e *OrchestrationError) Error() string {
	if e.TxID == (common.Hash{}) {
		return fmt.Sprintf("step %d (%s): %v", e.Index, e.Label, e.Err)
	}
	return fmt.Sprintf("step %d (%s) tx %s: %v", e.Index, e.Label, e.TxID.Hex(), e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// PollingError is a transient failure refreshing one tracked order
type PollingError struct {
	OrderHash common.Hash
	Err       error
}

func (e *PollingError) Error() string {
	return fmt.Sprintf("polling order %s: %v", e.OrderHash.Hex(), e.Err)
}

func (e *PollingError) Unwrap() error {
	return e.Err
}
