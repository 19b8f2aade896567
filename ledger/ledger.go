package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/smartcontractkit/deployment-sequencer/internal/pointer"
)

// DocumentVersion is the version of the durable ledger document written by this package.
const DocumentVersion = 1

// StepResult is the recorded outcome of an applied step.
type StepResult struct {
	ResourceKey ResourceKey       `json:"-"`
	Identifier  Identifier        `json:"identifier"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Bookkeeping, informational only.
	StepIndex int        `json:"stepIndex,omitempty"`
	StepName  string     `json:"stepName,omitempty"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

// Clone returns a copy of the result with its own metadata map.
func (r StepResult) Clone() StepResult {
	c := r
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	if r.AppliedAt != nil {
		c.AppliedAt = pointer.To(*r.AppliedAt)
	}

	return c
}

// View is the read only face of a Ledger handed to steps. Steps must read the results of their
// dependencies through it, never from variables captured during the run.
type View interface {
	Has(key ResourceKey) bool
	Get(key ResourceKey) (StepResult, bool)
	IsApplied(key ResourceKey) bool
	Require(key ResourceKey) (StepResult, error)
	Identifier(key ResourceKey) (Identifier, error)
}

var _ View = (*Ledger)(nil)

// Ledger is the durable record of completed steps keyed by resource key, plus the operator's
// skip markers.
//
// The Ledger is not safe for concurrent use. The sequencer runs steps one at a time.
type Ledger struct {
	network string
	entries map[ResourceKey]StepResult
	skips   map[int]struct{}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[ResourceKey]StepResult),
		skips:   make(map[int]struct{}),
	}
}

// Network returns the network the ledger was recorded against, or "" if not yet bound.
func (l *Ledger) Network() string { return l.network }

// SetNetwork binds the ledger to a network name.
func (l *Ledger) SetNetwork(name string) { l.network = name }

// Has reports whether an entry exists for key, applied or not.
func (l *Ledger) Has(key ResourceKey) bool {
	_, ok := l.entries[key]

	return ok
}

// Get returns a copy of the entry for key.
func (l *Ledger) Get(key ResourceKey) (StepResult, bool) {
	r, ok := l.entries[key]
	if !ok {
		return StepResult{}, false
	}

	return r.Clone(), true
}

// IsApplied reports whether key holds a non zero identifier.
func (l *Ledger) IsApplied(key ResourceKey) bool {
	r, ok := l.entries[key]

	return ok && !r.Identifier.IsZero()
}

// Require returns the entry for key, or a DependencyMissingError when key is not applied.
func (l *Ledger) Require(key ResourceKey) (StepResult, error) {
	if !l.IsApplied(key) {
		return StepResult{}, &DependencyMissingError{Key: key}
	}

	return l.entries[key].Clone(), nil
}

// Identifier returns the identifier recorded under key, or a DependencyMissingError.
func (l *Ledger) Identifier(key ResourceKey) (Identifier, error) {
	r, err := l.Require(key)
	if err != nil {
		return "", err
	}

	return r.Identifier, nil
}

// Set records result under key. An applied key is never overwritten with a different
// identifier; Clear the entry first.
func (l *Ledger) Set(key ResourceKey, result StepResult) error {
	if key == "" {
		return ErrEmptyKey
	}
	if result.ResourceKey != "" && result.ResourceKey != key {
		return fmt.Errorf("%w: result %q, ledger %q", ErrKeyMismatch, result.ResourceKey, key)
	}

	if existing, ok := l.entries[key]; ok && !existing.Identifier.IsZero() &&
		existing.Identifier != result.Identifier {
		return fmt.Errorf("%w: key %q holds %q, refusing %q",
			ErrIdentifierConflict, key, existing.Identifier, result.Identifier,
		)
	}

	r := result.Clone()
	r.ResourceKey = key
	l.entries[key] = r

	return nil
}

// Clear removes the entry for key so the step producing it is applied again on the next run.
// It reports whether an entry was removed.
func (l *Ledger) Clear(key ResourceKey) bool {
	_, ok := l.entries[key]
	delete(l.entries, key)

	return ok
}

// Revert undoes a Set of key: prev is put back when existed is true, otherwise the entry is
// removed. It bypasses the overwrite check and exists to undo an in-memory Set whose persist
// failed.
func (l *Ledger) Revert(key ResourceKey, prev StepResult, existed bool) {
	if existed {
		l.entries[key] = prev.Clone()
		return
	}
	delete(l.entries, key)
}

// Keys returns the recorded resource keys in sorted order.
func (l *Ledger) Keys() []ResourceKey {
	keys := slices.Collect(maps.Keys(l.entries))
	slices.Sort(keys)

	return keys
}

// Entries returns copies of all entries sorted by resource key.
func (l *Ledger) Entries() []StepResult {
	keys := l.Keys()
	out := make([]StepResult, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.entries[k].Clone())
	}

	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// SkipSteps returns the durable skip markers in ascending order.
func (l *Ledger) SkipSteps() []int {
	idx := slices.Collect(maps.Keys(l.skips))
	slices.Sort(idx)

	return idx
}

// IsSkipMarked reports whether the operator marked step index as skipped.
func (l *Ledger) IsSkipMarked(index int) bool {
	_, ok := l.skips[index]

	return ok
}

// MarkSkipped adds skip markers for the given step indices.
func (l *Ledger) MarkSkipped(indices ...int) {
	for _, i := range indices {
		l.skips[i] = struct{}{}
	}
}

// checkSkipSteps rejects skip markers below 1.
func checkSkipSteps(indices []int) error {
	for _, i := range indices {
		if i < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidSkipStep, i)
		}
	}

	return nil
}

// UnmarkSkipped removes skip markers for the given step indices.
func (l *Ledger) UnmarkSkipped(indices ...int) {
	for _, i := range indices {
		delete(l.skips, i)
	}
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := New()
	c.network = l.network
	for k, v := range l.entries {
		c.entries[k] = v.Clone()
	}
	for i := range l.skips {
		c.skips[i] = struct{}{}
	}

	return c
}

// document is the durable JSON representation of a Ledger.
type document struct {
	Version   int                        `json:"version"`
	Network   string                     `json:"network,omitempty"`
	Entries   map[ResourceKey]StepResult `json:"entries"`
	SkipSteps []int                      `json:"skipSteps"`
}

// MarshalJSON implements json.Marshaler.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	doc := document{
		Version:   DocumentVersion,
		Network:   l.network,
		Entries:   l.entries,
		SkipSteps: l.SkipSteps(),
	}
	if doc.Entries == nil {
		doc.Entries = map[ResourceKey]StepResult{}
	}

	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Ledger) UnmarshalJSON(b []byte) error {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}

	if doc.Version == 0 || doc.Version > DocumentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	if err := checkSkipSteps(doc.SkipSteps); err != nil {
		return err
	}

	fresh := New()
	fresh.network = doc.Network
	for k, r := range doc.Entries {
		if k == "" {
			return ErrEmptyKey
		}
		r.ResourceKey = k
		fresh.entries[k] = r
	}
	fresh.MarkSkipped(doc.SkipSteps...)

	*l = *fresh

	return nil
}
