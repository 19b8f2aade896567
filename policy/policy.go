// Package policy decides which steps an operator wants bypassed. Policies are driven only by
// explicit operator input and never inferred from ledger contents.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
)

// SkipPolicy reports whether the step with the given 1-based catalog index must be skipped.
type SkipPolicy interface {
	Skip(stepIndex int) bool
}

// Func adapts a function to SkipPolicy.
type Func func(stepIndex int) bool

// Skip implements SkipPolicy.
func (f Func) Skip(stepIndex int) bool { return f(stepIndex) }

// None skips nothing.
func None() SkipPolicy {
	return Func(func(int) bool { return false })
}

type indexSet struct {
	indices map[int]struct{}
	allow   bool
}

func newIndexSet(allow bool, indices []int) indexSet {
	s := indexSet{indices: make(map[int]struct{}, len(indices)), allow: allow}
	for _, i := range indices {
		s.indices[i] = struct{}{}
	}

	return s
}

func (s indexSet) Skip(stepIndex int) bool {
	_, listed := s.indices[stepIndex]

	return listed != s.allow
}

// NewDenyList skips exactly the listed steps.
func NewDenyList(indices ...int) SkipPolicy {
	return newIndexSet(false, indices)
}

// NewAllowList skips every step that is not listed. An empty allow list skips everything.
func NewAllowList(indices ...int) SkipPolicy {
	return newIndexSet(true, indices)
}

// FromLedger skips the steps carrying a durable skip marker in l. Markers are read at call
// time.
func FromLedger(l *ledger.Ledger) SkipPolicy {
	return Func(l.IsSkipMarked)
}

// Combine skips a step when any of the policies skips it. Nil policies are ignored.
func Combine(policies ...SkipPolicy) SkipPolicy {
	ps := slices.DeleteFunc(slices.Clone(policies), func(p SkipPolicy) bool { return p == nil })

	return Func(func(stepIndex int) bool {
		for _, p := range ps {
			if p.Skip(stepIndex) {
				return true
			}
		}

		return false
	})
}

// ErrInvalidIndex is returned by ParseIndices for malformed input.
var ErrInvalidIndex = errors.New("invalid step index")

// MaxIndex is the largest step index ParseIndices accepts.
const MaxIndex = 10_000

// ParseIndices parses operator input such as "1,3,5-7" or {"1", "3-4"} into a sorted list of
// unique step indices. Indices are 1-based.
func ParseIndices(values ...string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			lo, hi, err := parseRange(part)
			if err != nil {
				return nil, err
			}
			for i := lo; ; i++ {
				seen[i] = struct{}{}
				if i == hi {
					break
				}
			}
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	slices.Sort(out)

	return out, nil
}

func parseRange(part string) (int, int, error) {
	loStr, hiStr, isRange := strings.Cut(part, "-")

	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil || lo < 1 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidIndex, part)
	}
	if lo > MaxIndex {
		return 0, 0, fmt.Errorf("%w: %q is above %d", ErrInvalidIndex, part, MaxIndex)
	}
	if !isRange {
		return lo, lo, nil
	}

	hi, err := strconv.Atoi(strings.TrimSpace(hiStr))
	if err != nil || hi < lo {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidIndex, part)
	}
	if hi > MaxIndex {
		return 0, 0, fmt.Errorf("%w: %q is above %d", ErrInvalidIndex, part, MaxIndex)
	}

	return lo, hi, nil
}
