package syncerr

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the sync core wraps exactly one of them
var (
	// ErrConfiguration covers unregistered table specs and schema mismatches. Fatal at startup
	ErrConfiguration = errors.New("configuration error")

	// ErrCredential is returned when the credential fetch fails after all retries
	ErrCredential = errors.New("credential error")

	// ErrTransfer covers non-2xx uploads, network failures and malformed responses.
	// The outbox is left untouched when it is returned
	ErrTransfer = errors.New("transfer error")

	// ErrConstraintViolation is returned when a local write tries to change a row id
	ErrConstraintViolation = errors.New("constraint violation")
)

// Error carries the failed operation alongside its kind
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Configuration(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

func Credential(op string, err error) error {
	return &Error{Kind: ErrCredential, Op: op, Err: err}
}

func Transfer(op string, err error) error {
	return &Error{Kind: ErrTransfer, Op: op, Err: err}
}

func ConstraintViolation(op string, err error) error {
	return &Error{Kind: ErrConstraintViolation, Op: op, Err: err}
}

func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

func IsCredential(err error) bool { return errors.Is(err, ErrCredential) }

func IsTransfer(err error) bool { return errors.Is(err, ErrTransfer) }

func IsConstraintViolation(err error) bool { return errors.Is(err, ErrConstraintViolation) }
