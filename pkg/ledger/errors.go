package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance is matched by InsufficientBalanceError
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound is returned when no account matches the id or short code
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account whose id or short code is taken
	ErrAccountExists = errors.New("account already exists")

	// ErrUnknownPackage is returned for package codes missing from the catalog
	ErrUnknownPackage = errors.New("unknown package")

	// ErrAlreadyProcessed is returned by storage when an external reference was already granted
	ErrAlreadyProcessed = errors.New("external reference already processed")

	// ErrInvalidAmount is returned for zero or negative costs and amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAccount is returned when an account fails validation on create
	ErrInvalidAccount = errors.New("invalid account")

	// ErrStorageUnavailable is returned when storage cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflict is returned when a transaction could not commit within the retry budget
	ErrConflict = errors.New("transaction conflict")
)

// InsufficientBalanceError reports a deduct that would drive the balance negative.
type InsufficientBalanceError struct {
	AccountID string
	Balance   int64
	Cost      int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s has %d, needs %d", e.AccountID, e.Balance, e.Cost)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// IsRetryable reports whether err is a transient store failure. Retrying the
// same operation later may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCircuitOpen)
}

// isBusinessError reports errors that describe a valid outcome rather than
// an infrastructure failure.
func isBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrUnknownPackage)
}
