package autorepay

import (
	"errors"
	"fmt"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/vault"
)

// Error is a custom program error. Codes start at 6000 like any Anchor
// program, so a failed batch reads the same as it would on chain.
type Error struct {
	Code uint32
	Name string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("custom program error: 0x%x (%s: %s)", e.Code, e.Name, e.Msg)
}

const errorCodeOffset = 6000

func newError(seq uint32, name, msg string) *Error {
	return &Error{Code: errorCodeOffset + seq, Name: name, Msg: msg}
}

var (
	ErrInvalidVault                   = newError(0, "InvalidVault", "vault does not match its derivation or owner")
	ErrInvalidUserAccounts            = newError(1, "InvalidUserAccounts", "accounts do not match the sibling instructions")
	ErrIllegalAutoRepayInstructions   = newError(2, "IllegalAutoRepayInstructions", "sibling instructions are not start, swap, deposit, withdraw")
	ErrDeserializationError           = newError(3, "DeserializationError", "failed to read instruction data")
	ErrUnsupportedMarketIndex         = newError(4, "UnsupportedMarketIndex", "market index is not supported")
	ErrInvalidRepayMint               = newError(5, "InvalidRepayMint", "swap mint does not match the repay mint")
	ErrInvalidMint                    = newError(6, "InvalidMint", "mint does not match")
	ErrInvalidSourceTokenAccount      = newError(7, "InvalidSourceTokenAccount", "swap source token account does not match")
	ErrInvalidDestinationTokenAccount = newError(8, "InvalidDestinationTokenAccount", "swap destination token account does not match")
	ErrInvalidPlatformFee             = newError(9, "InvalidPlatformFee", "swap charges a platform fee")
	ErrInvalidStartBalance            = newError(10, "InvalidStartBalance", "start balance does not match the token account")
	ErrPostHealthBelowMinimum         = newError(11, "PostHealthBelowMinimum", "health after withdraw is below the minimum")
	ErrMathOverflow                   = newError(12, "MathOverflow", "math overflow")
)

var allErrors = []*Error{
	ErrInvalidVault,
	ErrInvalidUserAccounts,
	ErrIllegalAutoRepayInstructions,
	ErrDeserializationError,
	ErrUnsupportedMarketIndex,
	ErrInvalidRepayMint,
	ErrInvalidMint,
	ErrInvalidSourceTokenAccount,
	ErrInvalidDestinationTokenAccount,
	ErrInvalidPlatformFee,
	ErrInvalidStartBalance,
	ErrPostHealthBelowMinimum,
	ErrMathOverflow,
}

// ErrorCode returns the program error code carried by err, if any.
func ErrorCode(err error) (uint32, bool) {
	var programErr *Error
	if errors.As(err, &programErr) {
		return programErr.Code, true
	}
	return 0, false
}

// ErrorByCode resolves a code reported by the chain back to its error.
func ErrorByCode(code uint32) (*Error, bool) {
	for _, e := range allErrors {
		if e.Code == code {
			return e, true
		}
	}
	return nil, false
}

// programError maps failures of the helper packages onto program errors.
// Anything else is passed through untouched.
func programError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ErrorCode(err); ok {
		return err
	}
	switch {
	case errors.Is(err, introspect.ErrUnexpectedInstruction):
		return fmt.Errorf("%w: %v", ErrIllegalAutoRepayInstructions, err)
	case errors.Is(err, introspect.ErrDeserialization), errors.Is(err, introspect.ErrInstructionOutOfRange):
		return fmt.Errorf("%w: %v", ErrDeserializationError, err)
	case errors.Is(err, vault.ErrInvalidVault), errors.Is(err, vault.ErrInvalidAccountData):
		return fmt.Errorf("%w: %v", ErrInvalidVault, err)
	case errors.Is(err, exchange.ErrMathError):
		return fmt.Errorf("%w: %v", ErrMathOverflow, err)
	}
	return err
}
