package treasury

import (
	"errors"
	"fmt"
)

var (
	// ErrNotClosable indicates close was attempted on a period that is not open
	// or whose month has not ended.
	ErrNotClosable = errors.New("treasury: period cannot be closed")
	// ErrNotReopenable indicates reopen was attempted on an open period.
	ErrNotReopenable = errors.New("treasury: period cannot be reopened")
	// ErrNotArchivable indicates archive was attempted on a period that is not closed.
	ErrNotArchivable = errors.New("treasury: period cannot be archived")
	// ErrPeriodClosed rejects transaction mutations in a period that is not open.
	ErrPeriodClosed = errors.New("treasury: period is not open")
	// ErrSnapshotRequired guards reopen against a missing snapshot.
	ErrSnapshotRequired = errors.New("treasury: snapshot required before reopen")
	// ErrFuturePeriod rejects periods for months that have not started.
	ErrFuturePeriod = errors.New("treasury: period month is in the future")
	// ErrInvalidMonth rejects a period month that is not the first day of a month.
	ErrInvalidMonth = errors.New("treasury: period month must be the first day of a month")
	// ErrBeforeFirstMonth rejects periods earlier than the initial balance period.
	ErrBeforeFirstMonth = errors.New("treasury: period precedes the first ledger month")
	// ErrPeriodNotFound indicates an unknown period.
	ErrPeriodNotFound = errors.New("treasury: period not found")
	// ErrTransactionNotFound indicates an unknown transaction.
	ErrTransactionNotFound = errors.New("treasury: transaction not found")
	// ErrCategoryNotFound indicates an unknown category reference.
	ErrCategoryNotFound = errors.New("treasury: category not found")
	// ErrReversalNotFound indicates the transaction has no reversal.
	ErrReversalNotFound = errors.New("treasury: reversal not found")
	// ErrNotReversible rejects reversals of reversal transactions or of
	// transactions whose period is still open.
	ErrNotReversible = errors.New("treasury: transaction cannot be reversed")
	// ErrAlreadyReversed rejects a second reversal of the same original.
	ErrAlreadyReversed = errors.New("treasury: transaction already reversed")
	// ErrAuthorizationRequired rejects archived-period operations without an authorizer.
	ErrAuthorizationRequired = errors.New("treasury: authorizer required for archived period")
	// ErrProtected rejects deletion of a transaction referenced by a reversal.
	ErrProtected = errors.New("treasury: transaction is referenced by a reversal")
	// ErrPeriodBusy is returned when another process holds the period lock.
	ErrPeriodBusy = errors.New("treasury: period is busy")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("treasury: validation failed")
)

// ValidationError reports an invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("treasury: %s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
