package sequencer

import (
	"errors"
	"fmt"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
)

// ErrZeroIdentifier is returned when a step reports success without producing an identifier.
var ErrZeroIdentifier = errors.New("step returned a zero identifier")

// StepError is returned by Run when a step fails. It names the step and wraps the cause, which
// is one of ledger.DependencyMissingError, invoker.RemoteCallError, ledger.PersistenceError or an
// error returned by the step itself.
type StepError struct {
	Index int
	Name  string
	Key   ledger.ResourceKey
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
