package domain

import (
	"errors"
	"fmt"
)

// GatewayError wraps a transient exchange fault (network or API error).
// Callers are expected to retry on the next loop iteration, not to abort.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewGatewayError(op string, err error) error {
	return &GatewayError{Op: op, Err: err}
}

func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// InsufficientFundsError reports that applying a fill would drive the wallet
// cash negative. It indicates a bookkeeping or configuration bug and is fatal
// to the trading process.
type InsufficientFundsError struct {
	Symbol string
	Cash   float64
	Cost   float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: cash=%.4f cost=%.4f", e.Symbol, e.Cash, e.Cost)
}

func IsInsufficientFunds(err error) bool {
	var fe *InsufficientFundsError
	return errors.As(err, &fe)
}

// MissingPriceError reports that a held position's symbol was absent from a
// price map. The caller must supply a complete map; this is not retried.
type MissingPriceError struct {
	Symbol string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("no price supplied for held symbol %s", e.Symbol)
}
