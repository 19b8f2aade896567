// Package sequencer drives a resumable deployment run.
//
// Steps run one at a time in catalog order. For each step the sequencer consults the skip
// policy, then the ledger, and only invokes the step when its resource key is not applied yet.
// Every successful step is recorded and durably persisted before the next step starts, so a new
// process re-derives progress purely from the ledger. Any failure aborts the run; there are no
// retries and no rollback.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/internal/pointer"
	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
	"github.com/smartcontractkit/deployment-sequencer/policy"
)

// RunContext is the ephemeral per-run data handed to every step.
type RunContext = catalog.RunContext

// Config is the explicit configuration of a Sequencer. Catalog and Store are required.
type Config struct {
	Logger  logger.Logger
	Catalog *catalog.Catalog
	Store   ledger.Store
	// Policy is the operator's skip policy. The ledger's durable skip markers always apply in
	// addition to it.
	Policy  policy.SkipPolicy
	Invoker invoker.ActionInvoker
	// ReportsDir, when set, receives a JSON run report after every run.
	ReportsDir string
}

// Sequencer runs the steps of a catalog against a durable ledger.
type Sequencer struct {
	lggr       logger.Logger
	catalog    *catalog.Catalog
	store      ledger.Store
	policy     policy.SkipPolicy
	invoker    invoker.ActionInvoker
	reportsDir string
}

// New returns a Sequencer for cfg.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("sequencer: catalog is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("sequencer: ledger store is required")
	}

	lggr := cfg.Logger
	if lggr == nil {
		lggr = logger.Nop()
	}
	p := cfg.Policy
	if p == nil {
		p = policy.None()
	}

	return &Sequencer{
		lggr:       lggr.Named("sequencer"),
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		policy:     p,
		invoker:    cfg.Invoker,
		reportsDir: cfg.ReportsDir,
	}, nil
}

// Run executes the catalog. The returned report lists every step that was visited, including a
// failed step. On failure the error is a *StepError, or a ledger.ConfigurationError when the
// ledger could not be loaded.
func (s *Sequencer) Run(ctx context.Context, rc RunContext) (RunReport, error) {
	report := newRunReport(rc)
	lggr := s.lggr.With("run_id", report.ID)
	lggr.Infow("Starting run", "network", rc.Network.Name, "caller", rc.Caller, "steps", s.catalog.Len())

	err := s.run(ctx, lggr, rc, &report)

	report.FinishedAt = time.Now()
	report.Err = newReportError(err)
	if err != nil {
		lggr.Errorw("Run aborted", "err", err,
			"applied", report.Count(OutcomeApplied), "reused", report.Count(OutcomeReused))
	} else {
		lggr.Infow("Run completed",
			"applied", report.Count(OutcomeApplied),
			"reused", report.Count(OutcomeReused),
			"skipped", report.Count(OutcomeSkipped),
		)
	}

	if s.reportsDir != "" {
		if werr := writeReport(s.reportsDir, report); werr != nil {
			err = errors.Join(err, werr)
		} else {
			lggr.Debugw("Run report written", "path", ReportPath(s.reportsDir, report.ID))
		}
	}

	return report, err
}

func (s *Sequencer) run(ctx context.Context, lggr logger.Logger, rc RunContext, report *RunReport) error {
	l, err := s.load(ctx, rc)
	if err != nil {
		return err
	}

	skip := policy.Combine(s.policy, policy.FromLedger(l))

	for _, step := range s.catalog.Steps() {
		sr, serr := s.runStep(ctx, lggr, l, skip, rc, step)
		report.Steps = append(report.Steps, sr)
		if serr == nil {
			continue
		}

		stepErr := &StepError{Index: step.Index(), Name: step.Name(), Key: step.Key(), Err: serr}
		if perr := s.store.Persist(ctx, l); perr != nil {
			return errors.Join(stepErr, perr)
		}

		return stepErr
	}

	return nil
}

// load returns the durable ledger and binds it to the run's network.
func (s *Sequencer) load(ctx context.Context, rc RunContext) (*ledger.Ledger, error) {
	l, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	switch network := l.Network(); {
	case rc.Network.Name == "" || network == rc.Network.Name:
	case network == "":
		l.SetNetwork(rc.Network.Name)
	default:
		return nil, &ledger.ConfigurationError{
			Source: "network",
			Err:    fmt.Errorf("ledger was recorded against %q but the run targets %q", network, rc.Network.Name),
		}
	}

	return l, nil
}

func (s *Sequencer) runStep(
	ctx context.Context, lggr logger.Logger, l *ledger.Ledger, skip policy.SkipPolicy, rc RunContext, step catalog.Step,
) (StepReport, error) {
	lggr = lggr.With("step", step.Index(), "name", step.Name(), "key", step.Key())

	if skip.Skip(step.Index()) {
		lggr.Infow("Skipping step")
		return newStepReport(step, OutcomeSkipped, "", nil), nil
	}

	if existing, ok := l.Get(step.Key()); ok && !existing.Identifier.IsZero() {
		lggr.Infow("Step already applied, reusing result", "identifier", existing.Identifier)
		return newStepReport(step, OutcomeReused, existing.Identifier, nil), nil
	}

	fail := func(err error) (StepReport, error) {
		lggr.Errorw("Step failed", "err", err)
		return newStepReport(step, OutcomeFailed, "", err), err
	}

	for _, dep := range step.DependsOn() {
		if _, err := l.Require(dep); err != nil {
			return fail(err)
		}
	}

	lggr.Infow("Applying step", "version", step.Version())
	result, err := step.Apply(catalog.StepContext{
		Logger:     lggr,
		GetContext: func() context.Context { return ctx },
		Ledger:     l,
		Invoker:    s.invoker,
		Run:        rc,
	})
	if err != nil {
		return fail(err)
	}
	if result.Identifier.IsZero() {
		return fail(fmt.Errorf("%w: %q", ErrZeroIdentifier, result.Identifier))
	}

	result.StepIndex = step.Index()
	result.StepName = step.Name()
	result.AppliedAt = pointer.To(time.Now().UTC())

	prev, existed := l.Get(step.Key())
	if err = l.Set(step.Key(), result); err != nil {
		return fail(err)
	}
	if err = s.store.Persist(ctx, l); err != nil {
		l.Revert(step.Key(), prev, existed)
		return fail(err)
	}

	lggr.Infow("Step applied", "identifier", result.Identifier)

	return newStepReport(step, OutcomeApplied, result.Identifier, nil), nil
}

// Plan reports what a run would do right now without invoking anything. Steps that would be
// applied are PENDING; a pending step whose dependency will not be available carries the
// DependencyMissingError it would fail with.
func (s *Sequencer) Plan(ctx context.Context, rc RunContext) (RunReport, error) {
	report := newRunReport(rc)

	l, err := s.load(ctx, rc)
	if err != nil {
		report.Err = newReportError(err)
		return report, err
	}

	skip := policy.Combine(s.policy, policy.FromLedger(l))
	available := make(map[ledger.ResourceKey]bool)

	for _, step := range s.catalog.Steps() {
		switch {
		case skip.Skip(step.Index()):
			report.Steps = append(report.Steps, newStepReport(step, OutcomeSkipped, "", nil))
		case l.IsApplied(step.Key()):
			id, _ := l.Identifier(step.Key())
			available[step.Key()] = true
			report.Steps = append(report.Steps, newStepReport(step, OutcomeReused, id, nil))
		default:
			var missing error
			for _, dep := range step.DependsOn() {
				if !available[dep] && !l.IsApplied(dep) {
					missing = &ledger.DependencyMissingError{Key: dep}
					break
				}
			}
			if missing == nil {
				available[step.Key()] = true
			}
			report.Steps = append(report.Steps, newStepReport(step, OutcomePending, "", missing))
		}
	}
	report.FinishedAt = time.Now()

	return report, nil
}

// Catalog returns the catalog the sequencer runs.
func (s *Sequencer) Catalog() *catalog.Catalog { return s.catalog }
