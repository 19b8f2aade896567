package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentifierConflict is returned by Set when the key already holds a different non zero
	// identifier. Clear the entry first to force re-application.
	ErrIdentifierConflict = errors.New("resource key already holds a different identifier")

	// ErrKeyMismatch is returned by Set when the result names a different resource key.
	ErrKeyMismatch = errors.New("result resource key does not match the ledger key")

	// ErrEmptyKey is returned when an empty resource key is used.
	ErrEmptyKey = errors.New("resource key cannot be empty")

	// ErrUnsupportedVersion is returned when the durable document has an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported ledger document version")

	// ErrInvalidSkipStep is returned when a skip marker is not a 1-based step index.
	ErrInvalidSkipStep = errors.New("skip marker must be a step index of 1 or more")
)

// ConfigurationError is returned when the durable ledger is missing while resuming, or cannot be
// decoded.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ledger configuration error (%s): %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DependencyMissingError is returned when a step needs the identifier of a resource key that has
// not been applied.
type DependencyMissingError struct {
	Key ResourceKey
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("dependency %q is missing from the ledger", e.Key)
}

// PersistenceError is returned when the ledger could not be durably written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
