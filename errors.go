package entitle

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("entitle: not found")
	ErrAlreadyExists = errors.New("entitle: already exists")
	ErrInvalidInput  = errors.New("entitle: invalid input")
	ErrUnauthorized  = errors.New("entitle: unauthorized")

	// Entity errors
	ErrSubjectNotFound      = errors.New("entitle: subject not found")
	ErrSubscriptionNotFound = errors.New("entitle: subscription not found")
	ErrPaymentNotFound      = errors.New("entitle: payment not found")
	ErrOutboxNotFound       = errors.New("entitle: outbox message not found")

	// State machine errors
	ErrInvalidTransition = errors.New("entitle: invalid transition")
	ErrConflict          = errors.New("entitle: subject changed concurrently")

	// Reconciliation errors
	ErrReconcileInProgress = errors.New("entitle: reconciliation already running")

	// Side-effect errors
	ErrNoArtifactGenerator = errors.New("entitle: artifact generator not configured")
	ErrNoNotifier          = errors.New("entitle: notifier not configured")

	// Store errors
	ErrStoreClosed       = errors.New("entitle: store is closed")
	ErrTransactionFailed = errors.New("entitle: transaction failed")
	ErrMigrationFailed   = errors.New("entitle: migration failed")
)

// ValidationError represents malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// DependencyError wraps a failed or timed-out call to an external
// collaborator such as the artifact generator or the notifier.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("entitle: dependency %s failed: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubjectNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrOutboxNotFound)
}

// IsConflict returns true if a concurrent writer invalidated a precondition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDependency returns true if an external collaborator failed.
func IsDependency(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// IsRetryable returns true if the error is temporary and the operation can be
// retried. Only dependency and transaction failures qualify; validation,
// authorization, lookup, transition and conflict errors are final.
func IsRetryable(err error) bool {
	return IsDependency(err) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrReconcileInProgress)
}

// ErrorKind is the caller-facing classification of an error.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthorization     ErrorKind = "unauthorized"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindConflict          ErrorKind = "conflict"
	KindDependency        ErrorKind = "dependency"
	KindInternal          ErrorKind = "internal"
)

// Classify maps err onto the error taxonomy. Unknown errors are internal.
func Classify(err error) ErrorKind {
	var ve ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case IsConflict(err), errors.Is(err, ErrReconcileInProgress):
		return KindConflict
	case IsDependency(err):
		return KindDependency
	default:
		return KindInternal
	}
}
