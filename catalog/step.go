package catalog

import (
	"context"

	"github.com/Masterminds/semver/v3"

	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

// Network describes the target a run deploys to.
type Network struct {
	Name          string `json:"name"`
	ChainID       uint64 `json:"chainId"`
	ChainSelector uint64 `json:"chainSelector,omitempty"`
	RPCURL        string `json:"-"`
}

// RunContext is the ephemeral per-run data handed to every step. It is never persisted.
type RunContext struct {
	// Caller identifies who or what started the run, for example the deployer address.
	Caller  string
	Network Network
	// Params are free form values steps may read, for example a market id.
	Params map[string]string
}

// Param returns the named parameter, or "" when it is not set.
func (rc RunContext) Param(key string) string {
	return rc.Params[key]
}

// StepContext contains everything a step may use while it is applied. Results of earlier steps
// must be read through Ledger.
type StepContext struct {
	Logger     logger.Logger
	GetContext func() context.Context
	Ledger     ledger.View
	Invoker    invoker.ActionInvoker
	Run        RunContext
}

// Execute submits op through the step's invoker and waits for confirmation.
func (sc StepContext) Execute(op invoker.Operation) (invoker.Confirmation, error) {
	sc.Logger.Debugw("Submitting operation", "operation", op.OperationName())

	return invoker.Execute(sc.GetContext(), sc.Invoker, op)
}

// ApplyFunc performs a step. A step may bundle several operations; it returns a result only when
// all of them succeed.
type ApplyFunc func(sc StepContext) (ledger.StepResult, error)

// Definition is the metadata of a step.
type Definition struct {
	Name        string             `json:"name"`
	Key         ledger.ResourceKey `json:"resourceKey"`
	Version     *semver.Version    `json:"version,omitempty"`
	Description string             `json:"description,omitempty"`
}

// Step is one unit of pipeline work. Build steps with NewStep; the catalog assigns the index.
type Step struct {
	def       Definition
	dependsOn []ledger.ResourceKey
	apply     ApplyFunc
	index     int
}

// NewStep creates a step that records its result under key and reads the given dependency keys.
// Version can be created using semver.MustParse("1.0.0").
func NewStep(
	name string, key ledger.ResourceKey, version *semver.Version, description string, apply ApplyFunc,
	dependsOn ...ledger.ResourceKey,
) Step {
	return Step{
		def: Definition{
			Name:        name,
			Key:         key,
			Version:     version,
			Description: description,
		},
		dependsOn: dependsOn,
		apply:     apply,
	}
}

// Index returns the 1-based position of the step in its catalog, or 0 if it is not in one.
func (s Step) Index() int { return s.index }

// Name returns the step name.
func (s Step) Name() string { return s.def.Name }

// Key returns the resource key the step records its result under.
func (s Step) Key() ledger.ResourceKey { return s.def.Key }

// Version returns the step version, or "" when none was set.
func (s Step) Version() string {
	if s.def.Version == nil {
		return ""
	}

	return s.def.Version.String()
}

// Description returns the step description.
func (s Step) Description() string { return s.def.Description }

// Def returns the step definition.
func (s Step) Def() Definition { return s.def }

// DependsOn returns a copy of the declared dependency keys.
func (s Step) DependsOn() []ledger.ResourceKey {
	return append([]ledger.ResourceKey(nil), s.dependsOn...)
}

// Apply runs the step.
func (s Step) Apply(sc StepContext) (ledger.StepResult, error) {
	return s.apply(sc)
}
