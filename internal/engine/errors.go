package engine

import (
	"errors"
	"fmt"

	"spotexchange/internal/ledger"
)

// Kind strings for TradingError (spec §7). Values match ledger's kind
// strings exactly so a ledger.Error can be rewrapped without translation.
const (
	KindValidation            = "VALIDATION"
	KindInsufficientAvailable = ledger.ErrInsufficientAvailable
	KindInsufficientLocked    = ledger.ErrInsufficientLocked
	KindNoLiquidity           = "NO_LIQUIDITY"
	KindLedgerInconsistent    = ledger.ErrLedgerInconsistent
	KindNotFound              = "NOT_FOUND"
	KindUnavailable           = "UNAVAILABLE"
)

// TradingError is the sum-typed error the engine returns (spec §7): no
// exceptions, just a kind and a message the API layer maps to an HTTP status.
type TradingError struct {
	Kind    string
	Message string
}

func (e *TradingError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func validationErr(format string, args ...any) *TradingError {
	return &TradingError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(msg string) *TradingError {
	return &TradingError{Kind: KindNotFound, Message: msg}
}

func noLiquidityErr(msg string) *TradingError {
	return &TradingError{Kind: KindNoLiquidity, Message: msg}
}

func unavailableErr(msg string) *TradingError {
	return &TradingError{Kind: KindUnavailable, Message: msg}
}

// asTradingError rewraps a ledger.Error (or any other error) into a
// TradingError, preserving the ledger's kind string where it has one.
func asTradingError(err error) *TradingError {
	if err == nil {
		return nil
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return &TradingError{Kind: le.Kind, Message: le.Message}
	}
	var te *TradingError
	if errors.As(err, &te) {
		return te
	}
	return &TradingError{Kind: KindUnavailable, Message: err.Error()}
}
