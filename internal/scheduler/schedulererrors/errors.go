// Package schedulererrors contains the error kinds the scheduler core produces. Unlike a
// gRPC service, the host-facing API surface is fault-code based: every error here carries a
// small numeric FaultCode alongside its message, the shape an XML-RPC-style caller expects.
package schedulererrors

import "fmt"

// Fault codes, stable across releases since callers may switch on them.
const (
	FaultCodeLockBusy             = 1
	FaultCodeTaskAlreadyAssigned  = 2
	FaultCodeWrongHost            = 3
	FaultCodeNoCandidates         = 4
	FaultCodeConfigError          = 5
	FaultCodeDatabaseError        = 6
)

// FaultCoder is implemented by every error kind in this package.
type FaultCoder interface {
	error
	FaultCode() int
}

// ErrLockBusy means the scheduler advisory lock is held by another hub process; the tick
// is silently skipped, not logged as a failure.
type ErrLockBusy struct {
	LockName string
}

func (e *ErrLockBusy) Error() string {
	return fmt.Sprintf("advisory lock %q is held by another scheduler", e.LockName)
}

func (e *ErrLockBusy) FaultCode() int { return FaultCodeLockBusy }

// ErrTaskAlreadyAssigned means the assignment engine lost a race: another transaction
// moved the task out of FREE (or created an active run) before this one could commit.
type ErrTaskAlreadyAssigned struct {
	TaskId int64
}

func (e *ErrTaskAlreadyAssigned) Error() string {
	return fmt.Sprintf("task %d is already assigned", e.TaskId)
}

func (e *ErrTaskAlreadyAssigned) FaultCode() int { return FaultCodeTaskAlreadyAssigned }

// ErrWrongHost means a host-RPC tried to transition a task that isn't assigned to it.
type ErrWrongHost struct {
	TaskId         int64
	CallerHostId   int64
	AssignedHostId int64
}

func (e *ErrWrongHost) Error() string {
	return fmt.Sprintf("task %d is assigned to host %d, not host %d", e.TaskId, e.AssignedHostId, e.CallerHostId)
}

func (e *ErrWrongHost) FaultCode() int { return FaultCodeWrongHost }

// ErrNoCandidates means no eligible host was found for a task this tick. This is not
// logged as an error, only informationally - the task simply remains FREE.
type ErrNoCandidates struct {
	TaskId int64
	Bin    string
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("no eligible host for task %d in bin %s", e.TaskId, e.Bin)
}

func (e *ErrNoCandidates) FaultCode() int { return FaultCodeNoCandidates }

// ErrConfigError is fatal at startup only; it should never be produced mid-tick.
type ErrConfigError struct {
	Message string
}

func (e *ErrConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ErrConfigError) FaultCode() int { return FaultCodeConfigError }

// ErrDatabaseError wraps a failure talking to Postgres. The tick aborts and the lock is
// released; there's no partial assignment since each assignment is its own transaction.
type ErrDatabaseError struct {
	Cause error
}

func (e *ErrDatabaseError) Error() string {
	return fmt.Sprintf("database error: %s", e.Cause)
}

func (e *ErrDatabaseError) FaultCode() int { return FaultCodeDatabaseError }

func (e *ErrDatabaseError) Unwrap() error { return e.Cause }

// FaultCodeFromError maps an error to its fault code via errors.As-style matching. Errors
// that don't implement FaultCoder are reported as 0 (unknown).
func FaultCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if fc, ok := err.(FaultCoder); ok {
		return fc.FaultCode()
	}
	type causer interface {
		Cause() error
	}
	if c, ok := err.(causer); ok {
		return FaultCodeFromError(c.Cause())
	}
	type unwrapper interface {
		Unwrap() error
	}
	if u, ok := err.(unwrapper); ok {
		return FaultCodeFromError(u.Unwrap())
	}
	return 0
}
