package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/invoker/invokertest"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
	"github.com/smartcontractkit/deployment-sequencer/policy"
)

const (
	keyLibA ledger.ResourceKey = "libraries.LibraryA"
	keyLibB ledger.ResourceKey = "libraries.LibraryB"
	keyPool ledger.ResourceKey = "core.Pool"
)

var testRun = RunContext{
	Caller:  "0x00000000000000000000000000000000000000aa",
	Network: catalog.Network{Name: "xdcApothem", ChainID: 51},
}

// deployStep invokes one operation named after the step and records the identifier of its
// confirmation. The identifiers of its dependencies are read from the ledger and recorded as
// metadata.
func deployStep(name string, key ledger.ResourceKey, deps ...ledger.ResourceKey) catalog.Step {
	return catalog.NewStep(name, key, semver.MustParse("1.0.0"), "deploys "+name,
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			metadata := map[string]string{}
			for _, dep := range deps {
				id, err := sc.Ledger.Identifier(dep)
				if err != nil {
					return ledger.StepResult{}, err
				}
				metadata[string(dep)] = id.String()
			}

			c, err := sc.Execute(invokertest.Op(name))
			if err != nil {
				return ledger.StepResult{}, err
			}

			return ledger.StepResult{Identifier: ledger.Identifier(c.Identifier), Metadata: metadata}, nil
		},
		deps...,
	)
}

// scenarioCatalog is [DeployLibraryA, DeployLibraryB(A), DeployPool(A, B)].
func scenarioCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	c, err := catalog.New(
		deployStep("DeployLibraryA", keyLibA),
		deployStep("DeployLibraryB", keyLibB, keyLibA),
		deployStep("DeployPool", keyPool, keyLibA, keyLibB),
	)
	require.NoError(t, err)

	return c
}

func newSequencer(t *testing.T, cfg Config) *Sequencer {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = logger.Test(t)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	return s
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Store: ledger.NewMemoryStore()})
	require.ErrorContains(t, err, "catalog is required")

	_, err = New(Config{Catalog: catalog.MustNew()})
	require.ErrorContains(t, err, "ledger store is required")

	s, err := New(Config{Catalog: catalog.MustNew(), Store: ledger.NewMemoryStore()})
	require.NoError(t, err)
	assert.NotNil(t, s.Catalog())
}

func TestRun_FirstRunAppliesEveryStep(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	inv := invokertest.New()
	reportsDir := filepath.Join(t.TempDir(), "reports")

	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv, ReportsDir: reportsDir})

	report, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied, OutcomeApplied}, report.Outcomes())
	assert.Equal(t, []string{"DeployLibraryA", "DeployLibraryB", "DeployPool"}, inv.Submitted())
	assert.Equal(t, 3, store.Persists())
	assert.Nil(t, report.Err)
	assert.Equal(t, "xdcApothem", report.Network)

	l, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "xdcApothem", l.Network())

	pool, ok := l.Get(keyPool)
	require.True(t, ok)
	assert.Equal(t, report.Steps[2].Identifier, pool.Identifier)
	assert.Equal(t, 3, pool.StepIndex)
	assert.Equal(t, "DeployPool", pool.StepName)
	assert.NotNil(t, pool.AppliedAt)
	assert.Equal(t, report.Steps[0].Identifier.String(), pool.Metadata[string(keyLibA)])
	assert.Equal(t, report.Steps[1].Identifier.String(), pool.Metadata[string(keyLibB)])

	b, err := os.ReadFile(ReportPath(reportsDir, report.ID))
	require.NoError(t, err)

	var written RunReport
	require.NoError(t, json.Unmarshal(b, &written))
	assert.Equal(t, report.ID, written.ID)
	assert.Equal(t, report.Outcomes(), written.Outcomes())
	for _, sr := range written.Steps {
		assert.NotEmpty(t, sr.ID)
		assert.NotNil(t, sr.Timestamp)
	}
}

func TestRun_Idempotence(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	inv := invokertest.New()
	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv})

	first, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)
	require.Equal(t, 3, inv.Calls())

	second, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeReused, OutcomeReused, OutcomeReused}, second.Outcomes())
	assert.Equal(t, 3, inv.Calls(), "a re-run must not issue any remote call")
	assert.Equal(t, 3, store.Persists(), "a re-run must not rewrite the ledger")
	for i := range first.Steps {
		assert.Equal(t, first.Steps[i].Identifier, second.Steps[i].Identifier)
	}
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRun_ResumeAfterRemoteFailure(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	errTimeout := errors.New("confirmation timed out")

	inv1 := invokertest.New()
	inv1.FailOn("DeployLibraryB", invoker.PhaseConfirm, errTimeout)
	run1 := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv1})

	report1, err := run1.Run(t.Context(), testRun)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, "DeployLibraryB", stepErr.Name)
	assert.Equal(t, keyLibB, stepErr.Key)

	var rce *invoker.RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.ErrorIs(t, err, errTimeout)

	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeFailed}, report1.Outcomes(), "the run aborts at the failed step")
	failed, ok := report1.Failed()
	require.True(t, ok)
	assert.Equal(t, "DeployLibraryB", failed.Name)
	assert.Contains(t, failed.Err.Message, "confirmation timed out")
	assert.Empty(t, failed.Identifier)
	require.NotNil(t, report1.Err)

	// A fresh sequencer and invoker over the same store stand in for a new process.
	inv2 := invokertest.New()
	run2 := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv2})

	report2, err := run2.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeReused, OutcomeApplied, OutcomeApplied}, report2.Outcomes())
	assert.Equal(t, report1.Steps[0].Identifier, report2.Steps[0].Identifier)
	assert.Equal(t, []string{"DeployLibraryB", "DeployPool"}, inv2.Submitted())
}

func TestRun_SkippedDependencyIsMissing(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	inv := invokertest.New()
	s := newSequencer(t, Config{
		Catalog: scenarioCatalog(t),
		Store:   store,
		Invoker: inv,
		Policy:  policy.NewDenyList(1),
	})

	report, err := s.Run(t.Context(), testRun)

	var depErr *ledger.DependencyMissingError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, keyLibA, depErr.Key)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)

	assert.Equal(t, []Outcome{OutcomeSkipped, OutcomeFailed}, report.Outcomes())
	assert.Equal(t, 0, inv.Calls(), "no placeholder may be substituted for the skipped dependency")

	l, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestRun_SkippedStepWithSeededResult(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	seeded := ledger.New()
	_, err := seeded.ApplySeed(&ledger.Seed{
		Entries: map[string]ledger.SeedEntry{string(keyLibA): {Identifier: "0x00000000000000000000000000000000000000a1"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Persist(t.Context(), seeded))

	inv := invokertest.New()
	s := newSequencer(t, Config{
		Catalog: scenarioCatalog(t),
		Store:   store,
		Invoker: inv,
		Policy:  policy.NewDenyList(1),
	})

	report, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped, OutcomeApplied, OutcomeApplied}, report.Outcomes())

	l, err := store.Load(t.Context())
	require.NoError(t, err)
	libB, _ := l.Get(keyLibB)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", libB.Metadata[string(keyLibA)])
}

func TestRun_HonoursLedgerSkipMarkers(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	l := ledger.New()
	l.MarkSkipped(3)
	require.NoError(t, store.Persist(t.Context(), l))

	inv := invokertest.New()
	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv})

	report, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied, OutcomeSkipped}, report.Outcomes())
	assert.Equal(t, 2, inv.Calls())
}

func TestRun_DependencyIsDurableBeforeDependentStarts(t *testing.T) {
	t.Parallel()

	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	inv := invokertest.New()

	var checked []ledger.ResourceKey
	ordered := func(name string, key ledger.ResourceKey, deps ...ledger.ResourceKey) catalog.Step {
		inner := deployStep(name, key, deps...)

		return catalog.NewStep(name, key, nil, "", func(sc catalog.StepContext) (ledger.StepResult, error) {
			durable, err := store.Load(sc.GetContext())
			if err != nil {
				return ledger.StepResult{}, err
			}
			for _, dep := range deps {
				if !durable.IsApplied(dep) {
					return ledger.StepResult{}, errors.New("dependency not durable yet")
				}
				checked = append(checked, dep)
			}

			return inner.Apply(sc)
		}, deps...)
	}

	s := newSequencer(t, Config{
		Catalog: catalog.MustNew(
			ordered("DeployLibraryA", keyLibA),
			ordered("DeployLibraryB", keyLibB, keyLibA),
			ordered("DeployPool", keyPool, keyLibA, keyLibB),
		),
		Store:   store,
		Invoker: inv,
	})

	_, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []ledger.ResourceKey{keyLibA, keyLibA, keyLibB}, checked)
}

// TestRun_LibraryScenario is the process restart scenario: run 1 records both libraries and dies
// before the pool is deployed; run 2 reuses both and deploys only the pool.
func TestRun_LibraryScenario(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deployments", "ledger.json")

	inv1 := invokertest.New()
	inv1.FailOn("DeployPool", invoker.PhaseConfirm, context.DeadlineExceeded)
	run1 := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: ledger.NewFileStore(path), Invoker: inv1})

	report1, err := run1.Run(t.Context(), testRun)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied, OutcomeFailed}, report1.Outcomes())
	l1, l2 := report1.Steps[0].Identifier, report1.Steps[1].Identifier

	// Durability: a fresh store sees both libraries with identical identifiers.
	durable, err := ledger.NewFileStore(path, ledger.WithRequireExisting()).Load(t.Context())
	require.NoError(t, err)
	id, err := durable.Identifier(keyLibA)
	require.NoError(t, err)
	assert.Equal(t, l1, id)
	id, err = durable.Identifier(keyLibB)
	require.NoError(t, err)
	assert.Equal(t, l2, id)
	assert.False(t, durable.Has(keyPool))

	inv2 := invokertest.New()
	run2 := newSequencer(t, Config{
		Catalog: scenarioCatalog(t),
		Store:   ledger.NewFileStore(path, ledger.WithRequireExisting()),
		Invoker: inv2,
	})

	report2, err := run2.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeReused, OutcomeReused, OutcomeApplied}, report2.Outcomes())
	assert.Equal(t, l1, report2.Steps[0].Identifier)
	assert.Equal(t, l2, report2.Steps[1].Identifier)
	assert.False(t, report2.Steps[2].Identifier.IsZero())
	assert.Equal(t, 1, inv2.Calls(), "exactly one remote call in run 2")

	final, err := ledger.NewFileStore(path).Load(t.Context())
	require.NoError(t, err)
	pool, ok := final.Get(keyPool)
	require.True(t, ok)
	assert.Equal(t, report2.Steps[2].Identifier, pool.Identifier)
	assert.Equal(t, l1.String(), pool.Metadata[string(keyLibA)])
	assert.Equal(t, l2.String(), pool.Metadata[string(keyLibB)])
}

func TestRun_PersistFailureIsNotApplied(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	errDisk := errors.New("disk full")
	store.FailPersist(errDisk)

	inv := invokertest.New()
	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv})

	report, err := s.Run(t.Context(), testRun)

	var persistErr *ledger.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	require.ErrorIs(t, err, errDisk)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)

	assert.Equal(t, []Outcome{OutcomeFailed}, report.Outcomes())
	assert.Equal(t, 1, inv.Calls(), "the remote action itself ran")

	store.FailPersist(nil)
	l, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.False(t, l.Has(keyLibA))

	// The next run redoes the step.
	report, err = s.Run(t.Context(), testRun)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied, OutcomeApplied}, report.Outcomes())
}

func TestRun_StepFailures(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		giveApply catalog.ApplyFunc
		wantErrIs error
	}{
		{
			name: "step error",
			giveApply: func(catalog.StepContext) (ledger.StepResult, error) {
				return ledger.StepResult{}, errBoom
			},
			wantErrIs: errBoom,
		},
		{
			name: "zero address",
			giveApply: func(catalog.StepContext) (ledger.StepResult, error) {
				return ledger.StepResult{Identifier: "0x0000000000000000000000000000000000000000"}, nil
			},
			wantErrIs: ErrZeroIdentifier,
		},
		{
			name: "empty identifier",
			giveApply: func(catalog.StepContext) (ledger.StepResult, error) {
				return ledger.StepResult{}, nil
			},
			wantErrIs: ErrZeroIdentifier,
		},
		{
			name: "result for another key",
			giveApply: func(catalog.StepContext) (ledger.StepResult, error) {
				return ledger.StepResult{ResourceKey: "other", Identifier: "0x01"}, nil
			},
			wantErrIs: ledger.ErrKeyMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := ledger.NewMemoryStore()
			s := newSequencer(t, Config{
				Catalog: catalog.MustNew(
					catalog.NewStep("Failing", "failing", nil, "", tt.giveApply),
					deployStep("Never", "never"),
				),
				Store: store,
			})

			report, err := s.Run(t.Context(), testRun)
			require.ErrorIs(t, err, tt.wantErrIs)
			assert.Equal(t, []Outcome{OutcomeFailed}, report.Outcomes())

			l, err := store.Load(t.Context())
			require.NoError(t, err)
			assert.Equal(t, 0, l.Len(), "nothing is recorded for a failed step")
			assert.Equal(t, "xdcApothem", l.Network(), "the existing ledger state is persisted on failure")
		})
	}
}

func TestRun_NetworkMismatch(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	l := ledger.New()
	l.SetNetwork("ethereum-mainnet")
	require.NoError(t, store.Persist(t.Context(), l))

	inv := invokertest.New()
	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv})

	report, err := s.Run(t.Context(), testRun)
	var confErr *ledger.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "network", confErr.Source)
	assert.Empty(t, report.Steps)
	assert.Equal(t, 0, inv.Calls())
}

func TestRun_CorruptLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	inv := invokertest.New()
	s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: ledger.NewFileStore(path), Invoker: inv})

	report, err := s.Run(t.Context(), testRun)
	var confErr *ledger.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Empty(t, report.Steps)
	require.NotNil(t, report.Err)
	assert.Equal(t, 0, inv.Calls())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b), "a corrupt ledger is never overwritten")
}

func TestRun_LogsDecisions(t *testing.T) {
	t.Parallel()

	lggr, logs := logger.TestObserved(t, zapcore.InfoLevel)
	s := newSequencer(t, Config{
		Logger:  lggr,
		Catalog: scenarioCatalog(t),
		Store:   ledger.NewMemoryStore(),
		Invoker: invokertest.New(),
		Policy:  policy.NewDenyList(3),
	})

	_, err := s.Run(t.Context(), testRun)
	require.NoError(t, err)

	assert.Equal(t, 2, logs.FilterMessage("Step applied").Len())
	skipped := logs.FilterMessage("Skipping step").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, "DeployPool", skipped[0].ContextMap()["name"])
	assert.Equal(t, 1, logs.FilterMessage("Run completed").Len())
}

func TestPlan(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	l := ledger.New()
	require.NoError(t, l.Set(keyLibA, ledger.StepResult{Identifier: "0x0a"}))
	require.NoError(t, store.Persist(t.Context(), l))

	inv := invokertest.New()

	tests := []struct {
		name        string
		givePolicy  policy.SkipPolicy
		wantOutcome []Outcome
		wantBlocked int
	}{
		{
			name:        "resume",
			wantOutcome: []Outcome{OutcomeReused, OutcomePending, OutcomePending},
		},
		{
			name:        "skipping library B blocks the pool",
			givePolicy:  policy.NewDenyList(2),
			wantOutcome: []Outcome{OutcomeReused, OutcomeSkipped, OutcomePending},
			wantBlocked: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newSequencer(t, Config{Catalog: scenarioCatalog(t), Store: store, Invoker: inv, Policy: tt.givePolicy})

			report, err := s.Plan(t.Context(), testRun)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, report.Outcomes())
			assert.Equal(t, ledger.Identifier("0x0a"), report.Steps[0].Identifier)

			for _, sr := range report.Steps {
				if sr.Index == tt.wantBlocked {
					require.NotNil(t, sr.Err)
					assert.Contains(t, sr.Err.Message, string(keyLibB))
				} else {
					assert.Nil(t, sr.Err)
				}
			}
		})
	}

	assert.Equal(t, 0, inv.Calls())
	assert.Equal(t, 1, store.Persists())
}
