package svm

import (
	"errors"
	"fmt"
)

var (
	ErrMissingRequiredSignature = errors.New("missing required signature for instruction")
	ErrPrivilegeEscalation      = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrMissingAccount           = errors.New("an account required by the instruction is missing")
	ErrNotEnoughAccountKeys     = errors.New("insufficient account keys for instruction")
	ErrUnsupportedProgramID     = errors.New("unsupported program id")
	ErrCallDepth                = errors.New("cross-program invocation call depth too deep")
	ErrReadonlyDataModified     = errors.New("instruction modified data of a read-only account")
	ErrExternalDataModified     = errors.New("instruction modified data of an account it does not own")
	ErrExternalLamportSpend     = errors.New("instruction spent from the balance of an account it does not own")
	ErrReadonlyLamportChange    = errors.New("instruction changed the balance of a read-only account")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInvalidAccountData       = errors.New("invalid account data for instruction")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrArithmeticOverflow       = errors.New("program arithmetic overflowed")
)

// TransactionError reports which top-level instruction aborted the batch.
type TransactionError struct {
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("error processing instruction %d: %v", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
