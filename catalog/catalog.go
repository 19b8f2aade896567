// Package catalog holds the fixed, pre-ordered list of steps of a deployment pipeline.
//
// Ordering is validated once when the catalog is built: every step must come after the steps
// producing the keys it depends on. There is no dependency graph solver.
package catalog

import (
	"errors"
	"fmt"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
)

var (
	ErrEmptyName           = errors.New("step name cannot be empty")
	ErrDuplicateName       = errors.New("duplicate step name")
	ErrDuplicateKey        = errors.New("duplicate resource key")
	ErrNilApply            = errors.New("step has no apply function")
	ErrUnknownDependency   = errors.New("dependency is not produced by any step")
	ErrDependencyOrder     = errors.New("dependency is produced by a later step")
	ErrSelfDependency      = errors.New("step depends on its own resource key")
	ErrStepIndexOutOfRange = errors.New("step index out of range")
)

// Catalog is an immutable, ordered list of steps.
type Catalog struct {
	steps []Step
	byKey map[ledger.ResourceKey]int
}

// New validates steps and returns a catalog with indices 1..n assigned in the given order.
func New(steps ...Step) (*Catalog, error) {
	c := &Catalog{
		steps: make([]Step, 0, len(steps)),
		byKey: make(map[ledger.ResourceKey]int, len(steps)),
	}

	names := make(map[string]struct{}, len(steps))
	allKeys := make(map[ledger.ResourceKey]struct{}, len(steps))
	for _, s := range steps {
		allKeys[s.Key()] = struct{}{}
	}

	for i, s := range steps {
		s.index = i + 1
		if err := c.validate(s, names, allKeys); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", s.index, s.Name(), err)
		}

		names[s.Name()] = struct{}{}
		c.byKey[s.Key()] = s.index
		c.steps = append(c.steps, s)
	}

	return c, nil
}

// MustNew is like New but panics on an invalid catalog. Use it for catalogs declared in code.
func MustNew(steps ...Step) *Catalog {
	c, err := New(steps...)
	if err != nil {
		panic(err)
	}

	return c
}

func (c *Catalog) validate(s Step, names map[string]struct{}, allKeys map[ledger.ResourceKey]struct{}) error {
	if s.Name() == "" {
		return ErrEmptyName
	}
	if _, ok := names[s.Name()]; ok {
		return ErrDuplicateName
	}
	if s.Key() == "" {
		return ledger.ErrEmptyKey
	}
	if _, ok := c.byKey[s.Key()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, s.Key())
	}
	if s.apply == nil {
		return ErrNilApply
	}

	for _, dep := range s.dependsOn {
		if dep == s.Key() {
			return ErrSelfDependency
		}
		if _, ok := c.byKey[dep]; ok {
			continue
		}
		if _, ok := allKeys[dep]; ok {
			return fmt.Errorf("%w: %q", ErrDependencyOrder, dep)
		}

		return fmt.Errorf("%w: %q", ErrUnknownDependency, dep)
	}

	return nil
}

// Steps returns the steps in execution order.
func (c *Catalog) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// Len returns the number of steps.
func (c *Catalog) Len() int { return len(c.steps) }

// ByIndex returns the step at the 1-based index.
func (c *Catalog) ByIndex(index int) (Step, error) {
	if index < 1 || index > len(c.steps) {
		return Step{}, fmt.Errorf("%w: %d not in [1, %d]", ErrStepIndexOutOfRange, index, len(c.steps))
	}

	return c.steps[index-1], nil
}

// ByKey returns the step producing key.
func (c *Catalog) ByKey(key ledger.ResourceKey) (Step, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return Step{}, false
	}

	return c.steps[i-1], true
}

// Dependents returns the steps that directly depend on key, in catalog order.
func (c *Catalog) Dependents(key ledger.ResourceKey) []Step {
	var out []Step
	for _, s := range c.steps {
		for _, dep := range s.dependsOn {
			if dep == key {
				out = append(out, s)
				break
			}
		}
	}

	return out
}
