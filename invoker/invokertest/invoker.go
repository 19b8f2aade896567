// Package invokertest provides an in-memory ActionInvoker that records every call.
package invokertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/smartcontractkit/deployment-sequencer/invoker"
)

// Op is a named operation without payload.
type Op string

// OperationName implements invoker.Operation.
func (o Op) OperationName() string { return string(o) }

type pendingOp struct {
	name string
	n    int
}

type failure struct {
	phase invoker.Phase
	err   error
}

// Invoker is a fake invoker.ActionInvoker. Every confirmed operation gets a fresh, non zero
// identifier of the form 0x000...<n>. This is thread-safe.
type Invoker struct {
	mu        sync.Mutex
	submitted []string
	confirmed []string
	pending   map[string]pendingOp
	failures  map[string]failure
	seq       int
}

// New returns an Invoker with no configured failures.
func New() *Invoker {
	return &Invoker{
		pending:  make(map[string]pendingOp),
		failures: make(map[string]failure),
	}
}

// FailOn makes the named operation fail in the given phase with err until Reset is called.
func (f *Invoker) FailOn(name string, phase invoker.Phase, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[name] = failure{phase: phase, err: err}
}

// Reset clears the configured failures. The call history is kept.
func (f *Invoker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.failures)
}

// Submit implements invoker.ActionInvoker.
func (f *Invoker) Submit(ctx context.Context, op invoker.Operation) (invoker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := op.OperationName()
	f.submitted = append(f.submitted, name)

	if err := ctx.Err(); err != nil {
		return invoker.Handle{}, &invoker.RemoteCallError{Operation: name, Phase: invoker.PhaseSubmit, Err: err}
	}
	if fl, ok := f.failures[name]; ok && fl.phase == invoker.PhaseSubmit {
		return invoker.Handle{}, &invoker.RemoteCallError{Operation: name, Phase: invoker.PhaseSubmit, Err: fl.err}
	}

	f.seq++
	id := "h" + strconv.Itoa(f.seq)
	f.pending[id] = pendingOp{name: name, n: f.seq}

	return invoker.Handle{ID: id, Operation: name, SubmittedAt: time.Now()}, nil
}

// AwaitConfirmation implements invoker.ActionInvoker.
func (f *Invoker) AwaitConfirmation(_ context.Context, h invoker.Handle) (invoker.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[h.ID]
	if !ok {
		return invoker.Confirmation{}, &invoker.RemoteCallError{
			Operation: h.Operation, Phase: invoker.PhaseConfirm, Err: fmt.Errorf("unknown handle %q", h.ID),
		}
	}
	delete(f.pending, h.ID)
	name := p.name

	if fl, ok := f.failures[name]; ok && fl.phase == invoker.PhaseConfirm {
		return invoker.Confirmation{}, &invoker.RemoteCallError{Operation: name, Phase: invoker.PhaseConfirm, Err: fl.err}
	}

	f.confirmed = append(f.confirmed, name)

	return invoker.Confirmation{
		Handle:      h,
		Identifier:  fmt.Sprintf("0x%040x", p.n),
		Metadata:    map[string]string{"handle": h.ID},
		ConfirmedAt: time.Now(),
	}, nil
}

// Submitted returns the names of all submitted operations in call order.
func (f *Invoker) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.submitted...)
}

// Confirmed returns the names of all confirmed operations in call order.
func (f *Invoker) Confirmed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.confirmed...)
}

// Calls returns the number of Submit calls.
func (f *Invoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.submitted)
}
