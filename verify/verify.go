// Package verify runs post-deployment checks against the remote system. The checks are advisory:
// a failing check is logged and counted, it never aborts the pass and never touches the ledger.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

// ErrNoCode is returned by CodePresent checks when the address holds no contract code.
var ErrNoCode = errors.New("no contract code at address")

// Check is a single named verification.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarises a verification pass.
type Report struct {
	Results []Result `json:"results"`
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Failed == 0 }

// Run executes every check in order. Errors and panics are recorded as failures and the pass
// continues with the next check.
func Run(ctx context.Context, lggr logger.Logger, checks ...Check) Report {
	lggr = lggr.Named("verify")

	report := Report{Results: make([]Result, 0, len(checks))}
	for _, c := range checks {
		start := time.Now()
		err := runCheck(ctx, c)

		res := Result{Name: c.Name, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			report.Failed++
			lggr.Warnw("Check failed", "check", c.Name, "error", err)
		} else {
			report.Passed++
			lggr.Infow("Check passed", "check", c.Name)
		}
		report.Results = append(report.Results, res)
	}

	lggr.Infow("Verification finished", "passed", report.Passed, "failed", report.Failed)

	return report
}

func runCheck(ctx context.Context, c Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()

	if c.Run == nil {
		return errors.New("check has no body")
	}

	return c.Run(ctx)
}

// CodeReader reads deployed contract code.
type CodeReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// CodePresent returns one check per key asserting that the identifier recorded in the ledger is
// an address holding contract code.
func CodePresent(reader CodeReader, l ledger.View, keys ...ledger.ResourceKey) []Check {
	checks := make([]Check, 0, len(keys))
	for _, key := range keys {
		checks = append(checks, Check{
			Name: "code present at " + string(key),
			Run: func(ctx context.Context) error {
				addr, err := AddressOf(l, key)
				if err != nil {
					return err
				}

				code, err := reader.CodeAt(ctx, addr)
				if err != nil {
					return err
				}
				if len(code) == 0 {
					return fmt.Errorf("%w: %s", ErrNoCode, addr.Hex())
				}

				return nil
			},
		})
	}

	return checks
}

// AddressOf returns the identifier recorded for key as an address.
func AddressOf(l ledger.View, key ledger.ResourceKey) (common.Address, error) {
	id, err := l.Identifier(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(id.String()) {
		return common.Address{}, fmt.Errorf("identifier %q of %s is not an address", id, key)
	}

	return common.HexToAddress(id.String()), nil
}
