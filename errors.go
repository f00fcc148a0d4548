package zeroex

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParam represents an invalid parameter error
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrRelayer represents a non-success relayer response
	ErrRelayer = errors.New("relayer error")

	// ErrNoRelayer is returned when no relayer URL is configured
	ErrNoRelayer = errors.New("no relayer configured")

	// ErrNoTokenReader is returned when the ledger cannot read token balances
	ErrNoTokenReader = errors.New("ledger cannot read token state")

	// ErrBadOrderSignature is returned for relayer orders that fail signature checks
	ErrBadOrderSignature = errors.New("order signature does not match maker")
)

// InvalidParamError represents an invalid parameter error with context
type InvalidParamError struct {
	Message string
}

func (e *InvalidParamError) Error() string {
	return e.Message
}

func (e *InvalidParamError) Unwrap() error {
	return ErrInvalidParam
}

func invalidParam(format string, args ...any) error {
	return &InvalidParamError{Message: fmt.Sprintf(format, args...)}
}

// RelayerError carries the HTTP status and body of a failed relayer call
type RelayerError struct {
	StatusCode int
	Message    string
}

func (e *RelayerError) Error() string {
	return fmt.Sprintf("relayer HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RelayerError) Unwrap() error {
	return ErrRelayer
}
