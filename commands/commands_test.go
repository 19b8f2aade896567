package commands

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/invoker/invokertest"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pipelines/lending"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
	"github.com/smartcontractkit/deployment-sequencer/sequencer"
)

var deployer = common.HexToAddress("0x00000000000000000000000000000000000000d1")

// testKey is a well known throwaway key for address 0x2c7536E3605D9C16a7a3D7b1898e529396a65c23.
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// fakeSigner records operations through invokertest and serves a fixed balance. Every address
// has code and every constant call fails.
type fakeSigner struct {
	*invokertest.Invoker

	balance *big.Int
}

func (s *fakeSigner) From() common.Address { return deployer }

func (s *fakeSigner) Read(context.Context, common.Address, abi.ABI, string, ...any) ([]any, error) {
	return nil, errors.New("execution reverted")
}

func (s *fakeSigner) CodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (s *fakeSigner) Balance(context.Context, common.Address) (*big.Int, error) {
	return s.balance, nil
}

// testCatalog deploys A, then B which reads A, then C.
func testCatalog() *catalog.Catalog {
	deploy := func(name string) catalog.ApplyFunc {
		return func(sc catalog.StepContext) (ledger.StepResult, error) {
			c, err := sc.Execute(invokertest.Op("deploy " + name))
			if err != nil {
				return ledger.StepResult{}, err
			}

			return ledger.StepResult{Identifier: ledger.Identifier(c.Identifier)}, nil
		}
	}

	return catalog.MustNew(
		catalog.NewStep("DeployA", "core.A", nil, "", deploy("A")),
		catalog.NewStep("DeployB", "core.B", nil, "", deploy("B"), "core.A"),
		catalog.NewStep("DeployC", "core.C", nil, "", deploy("C")),
	)
}

type fixture struct {
	cfg    *config.Config
	store  *ledger.MemoryStore
	signer *fakeSigner

	configPath string
	ledgerCfg  config.LedgerConfig
	readerFrom common.Address
	closed     int
}

func newFixture() *fixture {
	return &fixture{
		cfg: &config.Config{
			Ledger: config.LedgerConfig{Backend: config.BackendFile, Path: "ledger.json"},
			Network: config.NetworkConfig{
				Name:           "sepolia",
				ChainID:        11155111,
				RPCURL:         "http://localhost:8545",
				ConfirmTimeout: time.Minute,
				DeployerKey:    testKey,
			},
			Pipeline: config.PipelineConfig{MinBalance: "1"},
		},
		store: ledger.NewMemoryStore(),
		signer: &fakeSigner{
			Invoker: invokertest.New(),
			balance: new(big.Int).Mul(big.NewInt(2), big.NewInt(params.Ether)),
		},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		ConfigLoader: func(path string) (*config.Config, error) {
			f.configPath = path
			c := *f.cfg

			return &c, nil
		},
		StoreOpener: func(_ context.Context, lc config.LedgerConfig) (ledger.Store, func() error, error) {
			f.ledgerCfg = lc
			return f.store, func() error { f.closed++; return nil }, nil
		},
		SignerDialer: func(context.Context, logger.Logger, config.NetworkConfig) (Signer, error) {
			return f.signer, nil
		},
		ReaderDialer: func(_ context.Context, _ config.NetworkConfig, from common.Address) (lending.Chain, error) {
			f.readerFrom = from
			return f.signer, nil
		},
		CatalogBuilder: func(_ config.PipelineConfig, chain lending.Chain) (*catalog.Catalog, lending.Deps, error) {
			return testCatalog(), lending.Deps{Chain: chain}, nil
		},
	}
}

func (f *fixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd, err := NewCommand(Config{Logger: logger.Test(t), Deps: f.deps()})
	require.NoError(t, err)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func (f *fixture) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := f.store.Load(t.Context())
	require.NoError(t, err)

	return l
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewCommand(Config{})
	require.EqualError(t, err, "commands.Config: missing required fields: Logger")
}

// TestNewCommand_Structure verifies the command structure is correct.
func TestNewCommand_Structure(t *testing.T) {
	t.Parallel()

	cmd, err := NewCommand(Config{Logger: logger.Nop()})
	require.NoError(t, err)

	assert.Equal(t, "deployer", cmd.Use)
	assert.Equal(t, rootShort, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "deployer.yml", configFlag.DefValue)

	var uses []string
	for _, sc := range cmd.Commands() {
		uses = append(uses, sc.Name())
	}
	assert.ElementsMatch(t, []string{"run", "status", "verify", "ledger"}, uses)

	ledgerCmd, _, err := cmd.Find([]string{"ledger"})
	require.NoError(t, err)
	var ledgerUses []string
	for _, sc := range ledgerCmd.Commands() {
		ledgerUses = append(ledgerUses, sc.Name())
	}
	assert.ElementsMatch(t, []string{"show", "clear", "seed", "skip", "unskip", "export"}, ledgerUses)
}

// TestNewCommand_RunFlags verifies the run subcommand has correct local flags.
func TestNewCommand_RunFlags(t *testing.T) {
	t.Parallel()

	cmd, err := NewCommand(Config{Logger: logger.Nop()})
	require.NoError(t, err)

	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"skip", "only", "seed", "reports-dir", "require-existing", "skip-balance-check"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	f := newFixture()

	out, err := f.execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "💰 Deployer "+deployer.Hex()+" holds 2 on sepolia")
	assert.Contains(t, out, "✅ Run completed on sepolia: 3 applied, 0 reused, 0 skipped")
	assert.Contains(t, out, "DeployB")
	assert.Equal(t, "deployer.yml", f.configPath)
	assert.Equal(t, 1, f.closed)

	l := f.ledger(t)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, "sepolia", l.Network())

	out, err = f.execute(t, "run", "--config", "other.yml")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Run completed on sepolia: 0 applied, 3 reused, 0 skipped")
	assert.Equal(t, "other.yml", f.configPath)
	assert.Equal(t, 3, f.signer.Calls())
}

func TestRun_Skip(t *testing.T) {
	t.Parallel()

	f := newFixture()

	out, err := f.execute(t, "run", "--skip", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 0 reused, 1 skipped")
	assert.Equal(t, []string{"deploy A", "deploy C"}, f.signer.Submitted())

	out, err = f.execute(t, "run", "--only", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "1 applied, 0 reused, 2 skipped")
}

func TestRun_ResumesAfterFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.signer.FailOn("deploy B", invoker.PhaseConfirm, errors.New("receipt timeout"))

	out, err := f.execute(t, "run")
	var stepErr *sequencer.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)
	assert.Contains(t, out, "❌ Step 2 DeployB failed; 1 steps applied before it. Run again to resume.")
	assert.True(t, f.ledger(t).IsApplied("core.A"))
	assert.False(t, f.ledger(t).IsApplied("core.B"))

	f.signer.Reset()

	out, err = f.execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 1 reused, 0 skipped")
	assert.Equal(t, []string{"deploy A", "deploy B", "deploy B", "deploy C"}, f.signer.Submitted())
}

func TestRun_BalanceCheck(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.cfg.Pipeline.MinBalance = "5"

	_, err := f.execute(t, "run")
	require.ErrorIs(t, err, lending.ErrInsufficientBalance)
	assert.Zero(t, f.signer.Calls())

	out, err := f.execute(t, "run", "--skip-balance-check")
	require.NoError(t, err)
	assert.NotContains(t, out, "💰")
	assert.Equal(t, 3, f.signer.Calls())
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		args    []string
		wantErr string
	}{
		{
			name:    "missing deployer key",
			mutate:  func(c *config.Config) { c.Network.DeployerKey = "" },
			wantErr: "network.deployer_key is required",
		},
		{
			name:    "missing rpc url",
			mutate:  func(c *config.Config) { c.Network.RPCURL = "" },
			wantErr: "network.rpc_url is required",
		},
		{
			name:    "invalid skip flag",
			args:    []string{"--skip", "0"},
			wantErr: `run.skip_steps: invalid step index: "0"`,
		},
		{
			name:    "skip and only",
			args:    []string{"--skip", "1", "--only", "2"},
			wantErr: "none of the others can be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			if tt.mutate != nil {
				tt.mutate(f.cfg)
			}

			_, err := f.execute(t, append([]string{"run"}, tt.args...)...)
			require.ErrorContains(t, err, tt.wantErr)
			assert.Zero(t, f.signer.Calls())
		})
	}
}

func TestRun_FlagOverrides(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.cfg.Run.SkipSteps = []string{"1-3"}
	reports := t.TempDir()

	out, err := f.execute(t, "run", "--only", "3", "--require-existing", "--reports-dir", reports)
	require.NoError(t, err)
	assert.Contains(t, out, "1 applied, 0 reused, 2 skipped")
	assert.Contains(t, out, "📄 Run report: "+reports)
	assert.True(t, f.ledgerCfg.RequireExisting)

	files, err := os.ReadDir(reports)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRun_Seed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	seed := filepath.Join(t.TempDir(), "seed.yml")
	require.NoError(t, os.WriteFile(seed, []byte(`
entries:
  core.A:
    identifier: "0x00000000000000000000000000000000000000aa"
`), 0o600))

	out, err := f.execute(t, "run", "--seed", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "🌱 Seeded 1 entries from "+seed)
	assert.Contains(t, out, "2 applied, 1 reused, 0 skipped")
	assert.Equal(t, []string{"deploy B", "deploy C"}, f.signer.Submitted())
}

func TestStatus(t *testing.T) {
	t.Parallel()

	f := newFixture()
	l := ledger.New()
	require.NoError(t, l.Set("core.C", ledger.StepResult{Identifier: "0x00000000000000000000000000000000000000cc"}))
	l.MarkSkipped(1)
	require.NoError(t, f.store.Persist(t.Context(), l))

	out, err := f.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, `dependency "core.A" is missing from the ledger`)
	assert.Contains(t, out, "📋 1 pending, 1 reused, 1 skipped")
	assert.Zero(t, f.signer.Calls())

	out, err = f.execute(t, "status", "--only", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "📋 0 pending, 1 reused, 2 skipped")
}

func TestVerify(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.execute(t, "run")
	require.NoError(t, err)

	// Code is present behind A, B and C. The provider and token checks fail because this
	// catalog records neither.
	out, err := f.execute(t, "verify")
	require.EqualError(t, err, "verification failed: 4 of 7 checks failed")
	assert.Contains(t, out, "code present at core.A")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
}

func TestVerify_Caller(t *testing.T) {
	t.Parallel()

	caller := "0x00000000000000000000000000000000000000c1"

	tests := []struct {
		name    string
		caller  string
		key     string
		want    common.Address
		wantErr string
	}{
		{
			name:   "explicit caller",
			caller: caller,
			key:    testKey,
			want:   common.HexToAddress(caller),
		},
		{
			name: "derived from the deployer key",
			key:  testKey,
			want: common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"),
		},
		{
			name:    "caller is not an address",
			caller:  "alice",
			wantErr: `run.caller "alice" is not an address`,
		},
		{
			name:    "neither",
			wantErr: "run.caller or network.deployer_key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			f.cfg.Run.Caller = tt.caller
			f.cfg.Network.DeployerKey = tt.key

			_, err := f.execute(t, "verify")
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, f.readerFrom)
		})
	}
}

func TestLedger_Show(t *testing.T) {
	t.Parallel()

	f := newFixture()

	out, err := f.execute(t, "ledger", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "📒 Ledger for (unbound) with 0 entries")

	_, err = f.execute(t, "run")
	require.NoError(t, err)
	_, err = f.execute(t, "ledger", "skip", "2-3")
	require.NoError(t, err)

	out, err = f.execute(t, "ledger", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "📒 Ledger for sepolia with 3 entries")
	assert.Contains(t, out, "1 DeployA")
	assert.Contains(t, out, "⏭️  Skipped steps: 2, 3")
}

func TestLedger_SkipUnskip(t *testing.T) {
	t.Parallel()

	f := newFixture()

	out, err := f.execute(t, "ledger", "skip", "1,3")
	require.NoError(t, err)
	assert.Contains(t, out, "⏭️  Skipped steps: 1, 3")
	assert.Equal(t, []int{1, 3}, f.ledger(t).SkipSteps())

	_, err = f.execute(t, "ledger", "unskip", "1")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, f.ledger(t).SkipSteps())

	_, err = f.execute(t, "ledger", "skip", "4")
	require.ErrorIs(t, err, catalog.ErrStepIndexOutOfRange)

	_, err = f.execute(t, "ledger", "skip")
	require.ErrorContains(t, err, "requires at least 1 arg(s)")

	out, err = f.execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 0 reused, 1 skipped")
}

func TestLedger_Clear(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.execute(t, "run")
	require.NoError(t, err)

	_, err = f.execute(t, "ledger", "clear", "core.A")
	require.EqualError(t, err, "core.A is used by applied steps core.B; pass --force to clear it anyway")
	assert.Equal(t, 3, f.ledger(t).Len())

	out, err := f.execute(t, "ledger", "clear", "core.A", "core.B")
	require.NoError(t, err)
	assert.Contains(t, out, "🗑️  Cleared core.A")
	assert.Contains(t, out, "🗑️  Cleared core.B")
	assert.Equal(t, 1, f.ledger(t).Len())

	out, err = f.execute(t, "ledger", "clear", "core.A")
	require.NoError(t, err)
	assert.Contains(t, out, "⚠️  core.A is not in the ledger")

	out, err = f.execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 1 reused, 0 skipped")
}

func TestLedger_ClearForce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.execute(t, "run")
	require.NoError(t, err)

	_, err = f.execute(t, "ledger", "clear", "core.A", "--force")
	require.NoError(t, err)
	assert.False(t, f.ledger(t).IsApplied("core.A"))
	assert.True(t, f.ledger(t).IsApplied("core.B"))
}

func TestLedger_Seed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yml")
	require.NoError(t, os.WriteFile(seed, []byte(`
network: sepolia
entries:
  core.A:
    identifier: "0x00000000000000000000000000000000000000aa"
    metadata:
      source: manual
skipSteps: [3]
`), 0o600))

	out, err := f.execute(t, "ledger", "seed", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "🌱 Seeded 1 entries")

	l := f.ledger(t)
	r, ok := l.Get("core.A")
	require.True(t, ok)
	assert.Equal(t, "manual", r.Metadata["source"])
	assert.Equal(t, []int{3}, l.SkipSteps())

	conflict := filepath.Join(dir, "conflict.yml")
	require.NoError(t, os.WriteFile(conflict, []byte(`
entries:
  core.A:
    identifier: "0x00000000000000000000000000000000000000bb"
`), 0o600))

	_, err = f.execute(t, "ledger", "seed", conflict)
	require.ErrorIs(t, err, ledger.ErrIdentifierConflict)

	_, err = f.execute(t, "ledger", "seed")
	require.ErrorContains(t, err, "accepts 1 arg(s), received 0")
}

func TestLedger_Export(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.execute(t, "run")
	require.NoError(t, err)

	out, err := f.execute(t, "ledger", "export", "--format", "env")
	require.NoError(t, err)
	assert.Contains(t, out, `CORE_A="0x0000000000000000000000000000000000000001"`)
	assert.Contains(t, out, `CORE_C="0x0000000000000000000000000000000000000003"`)
	assert.Contains(t, out, `LEDGER_NETWORK="sepolia"`)

	path := filepath.Join(t.TempDir(), "deployed.json")
	out, err = f.execute(t, "ledger", "export", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Exported json to "+path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"network": "sepolia"`)
	assert.Contains(t, string(b), `"core.B"`)

	_, err = f.execute(t, "ledger", "export", "--format", "xml")
	require.Error(t, err)
}
