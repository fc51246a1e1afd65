package lifecycle

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidLifecycleTransition = errors.New("invalid lifecycle transition")
	ErrAlreadyRunning             = errors.New("lifecycle already running")
	ErrNotRunning                 = errors.New("lifecycle not running")
)

// TransitionError reports an out-of-sequence Initialize or Shutdown. It
// matches ErrInvalidLifecycleTransition and the specific reason.
type TransitionError struct {
	Op     string
	From   State
	Reason error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %v", e.Op, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Reason }

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidLifecycleTransition
}
