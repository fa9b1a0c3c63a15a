package txn

import (
	"errors"
	"fmt"
)

// Stage names the step of a transaction that failed.
type Stage string

const (
	StageBegin      Stage = "begin"
	StageUnitOfWork Stage = "unit_of_work"
	StageCommit     Stage = "commit"
)

// TransactionError wraps the original failure of a rolled back transaction.
type TransactionError struct {
	Stage Stage
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed at %s: %v", e.Stage, e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// NewTransactionError creates a transaction error for stage.
func NewTransactionError(stage Stage, cause error) *TransactionError {
	return &TransactionError{Stage: stage, Cause: cause}
}

// FailedStage returns the stage at which err's transaction failed, if any.
func FailedStage(err error) (Stage, bool) {
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Stage, true
	}
	return "", false
}
