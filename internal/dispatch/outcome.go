package dispatch

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/placqs/internal/protocol"
)

// ErrStoreUnavailable marks failures to open, write or commit a session.
var ErrStoreUnavailable = errors.New("store unavailable")

// errSessionLost marks a capability that ended the dispatch transaction.
var errSessionLost = errors.New("capability ended the session")

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Kind classifies what happened to one delivery.
type Kind int

const (
	KindOK Kind = iota
	KindDomainError
	KindDecodeError
	KindNotFound
	KindFault
	KindMissingStatus

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindDomainError:
		return "domain_error"
	case KindDecodeError:
		return "decode_error"
	case KindNotFound:
		return "not_found"
	case KindFault:
		return "fault"
	case KindMissingStatus:
		return "missing_status"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the tagged result of decode, resolve and invoke.
type Outcome struct {
	Kind   Kind
	Method string
	Result protocol.Result
	Err    error
}

// InvocationFault is a capability that returned an error or panicked.
type InvocationFault struct {
	Method string
	Err    error
	Panic  any
	Stack  []byte
}

func (f *InvocationFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("panic: %v", f.Panic)
	}
	return f.Err.Error()
}

func (f *InvocationFault) Unwrap() error { return f.Err }
