// Package invoker defines the contract between deployment steps and the remote system that
// performs their mutating operations.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation is an opaque mutating request. The sequencer never inspects it; only the
// ActionInvoker that receives it knows how to build and send the payload.
type Operation interface {
	// OperationName is a short human readable name used in logs and errors.
	OperationName() string
}

// Handle identifies a submitted operation that may not be confirmed yet.
type Handle struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Confirmation is the final, successful outcome of an operation.
type Confirmation struct {
	Handle Handle `json:"handle"`
	// Identifier names the artifact produced by the operation, for example a contract address.
	// Operations that only mutate existing state report the transaction reference instead.
	Identifier  string            `json:"identifier"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ConfirmedAt time.Time         `json:"confirmedAt"`
}

// ActionInvoker submits operations and waits for their confirmation. Implementations return
// *RemoteCallError for every failure.
type ActionInvoker interface {
	Submit(ctx context.Context, op Operation) (Handle, error)
	AwaitConfirmation(ctx context.Context, h Handle) (Confirmation, error)
}

// Phase is the stage of a remote call that failed.
type Phase string

const (
	PhaseSubmit  Phase = "submit"
	PhaseConfirm Phase = "confirm"
)

// ErrRejected is wrapped by a RemoteCallError when the remote system accepted the operation but
// rejected its effect, for example a reverted transaction.
var ErrRejected = errors.New("operation rejected by remote system")

// RemoteCallError is returned when an operation fails to submit, is rejected, or times out
// while awaiting confirmation.
type RemoteCallError struct {
	Operation string
	Phase     Phase
	Err       error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s failed during %s: %v", e.Operation, e.Phase, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// Execute submits op and blocks until it is confirmed. Errors that are not already a
// RemoteCallError are wrapped in one.
func Execute(ctx context.Context, inv ActionInvoker, op Operation) (Confirmation, error) {
	if inv == nil {
		return Confirmation{}, &RemoteCallError{
			Operation: op.OperationName(), Phase: PhaseSubmit, Err: errors.New("no action invoker configured"),
		}
	}

	h, err := inv.Submit(ctx, op)
	if err != nil {
		return Confirmation{}, asRemoteCallError(op.OperationName(), PhaseSubmit, err)
	}

	c, err := inv.AwaitConfirmation(ctx, h)
	if err != nil {
		return Confirmation{}, asRemoteCallError(op.OperationName(), PhaseConfirm, err)
	}

	return c, nil
}

func asRemoteCallError(op string, phase Phase, err error) error {
	var rce *RemoteCallError
	if errors.As(err, &rce) {
		return err
	}

	return &RemoteCallError{Operation: op, Phase: phase, Err: err}
}
