package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized       = errors.New("caller is not the bet owner")
	ErrInvalidBet          = errors.New("bet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBetTooLow           = errors.New("bet below minimum stake")
	ErrBetTooHigh          = errors.New("bet above maximum stake")
	ErrAlreadyBet          = errors.New("active bet already placed this round")
	ErrCannotCashout       = errors.New("cannot cash out")
	ErrInvalidMultiplier   = errors.New("multiplier must be >= 1.0")
)

// TransferError wraps any failure reported by the external token ledger.
// No local state changes when one of these is returned.
type TransferError struct {
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: %s", e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

func newTransferError(err error) *TransferError {
	return &TransferError{Reason: err.Error(), Err: err}
}
