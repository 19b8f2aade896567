package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-sequencer/commands/flags"
	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/internal/text"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pipelines/lending"
	"github.com/smartcontractkit/deployment-sequencer/sequencer"
)

var (
	runShort = "Run the deployment"

	runLong = text.LongDesc(`
		Runs every step of the catalog in order against the configured network.

		Steps already recorded in the ledger are reused. Steps selected by --skip, by --only or
		by the skip markers stored in the ledger are left out. The run stops at the first
		failing step; everything applied before it stays recorded, so running the command
		again resumes after the last applied step.

		Before the first step the deployer balance is checked against pipeline.min_balance,
		and the --seed file, when given, is merged into the ledger.
	`)

	runExample = text.Examples(`
		# Run or resume the deployment
		deployer run

		# Leave out the test token steps
		deployer run --skip 1-3

		# Run only the pool step, with a ledger seeded from an earlier deployment
		deployer run --only 16 --seed deployed.yml --require-existing
	`)
)

type runFlags struct {
	skip             []string
	only             []string
	selectsSteps     bool
	seed             string
	reportsDir       string
	requireExisting  bool
	skipBalanceCheck bool
}

// newRunCmd creates the "run" subcommand.
func newRunCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   runShort,
		Long:    runLong,
		Example: runExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := runFlags{
				skip:             flags.MustStringSlice(cmd.Flags().GetStringSlice("skip")),
				only:             flags.MustStringSlice(cmd.Flags().GetStringSlice("only")),
				selectsSteps:     cmd.Flags().Changed("skip") || cmd.Flags().Changed("only"),
				seed:             flags.MustString(cmd.Flags().GetString("seed")),
				reportsDir:       flags.MustString(cmd.Flags().GetString("reports-dir")),
				requireExisting:  flags.MustBool(cmd.Flags().GetBool("require-existing")),
				skipBalanceCheck: flags.MustBool(cmd.Flags().GetBool("skip-balance-check")),
			}

			return runRun(cmd, cfg, f)
		},
	}

	flags.Steps(cmd)
	cmd.Flags().String("seed", "", "Seed file merged into the ledger before the run")
	cmd.Flags().String("reports-dir", "", "Directory receiving the JSON run report")
	cmd.Flags().Bool("require-existing", false, "Fail when no ledger exists yet")
	cmd.Flags().Bool("skip-balance-check", false, "Do not check the deployer balance before the run")

	return cmd
}

// applyTo overrides the config with the flags that were given.
func (f runFlags) applyTo(c *config.Config) {
	if f.selectsSteps {
		c.Run.SkipSteps = f.skip
		c.Run.OnlySteps = f.only
	}
	if f.seed != "" {
		c.Run.SeedFile = f.seed
	}
	if f.reportsDir != "" {
		c.Run.ReportsDir = f.reportsDir
	}
	if f.requireExisting {
		c.Ledger.RequireExisting = true
	}
}

// runRun executes the run command logic.
func runRun(cmd *cobra.Command, cfg Config, f runFlags) error {
	ctx := cmd.Context()
	deps := cfg.deps()

	// --- Load

	c, err := loadConfig(cmd, cfg)
	if err != nil {
		return err
	}
	f.applyTo(c)

	if err = errors.Join(c.Validate(), c.ValidateRemote(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	skip, err := c.Run.SkipPolicy()
	if err != nil {
		return err
	}
	minBalance, err := c.Pipeline.MinBalanceWei()
	if err != nil {
		return err
	}

	signer, err := deps.SignerDialer(ctx, cfg.Logger, c.Network)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Network.Name, err)
	}
	cat, _, err := deps.CatalogBuilder(c.Pipeline, signer)
	if err != nil {
		return fmt.Errorf("failed to build catalog: %w", err)
	}

	caller := c.Run.Caller
	if caller == "" {
		caller = signer.From().Hex()
	}
	network := c.Network.Resolve()

	// --- Pre-flight

	if !f.skipBalanceCheck {
		balance, berr := lending.CheckBalance(ctx, signer, signer.From(), minBalance)
		if berr != nil {
			return berr
		}
		cmd.Printf("💰 Deployer %s holds %s on %s\n", signer.From().Hex(), lending.FormatEther(balance), network.Name)
	}

	// --- Execute

	return withStore(ctx, cfg, c.Ledger, func(store ledger.Store) error {
		if c.Run.SeedFile != "" {
			if serr := seedLedger(ctx, cmd, store, c.Run.SeedFile); serr != nil {
				return serr
			}
		}

		seq, serr := sequencer.New(sequencer.Config{
			Logger:     cfg.Logger,
			Catalog:    cat,
			Store:      store,
			Policy:     skip,
			Invoker:    signer,
			ReportsDir: c.Run.ReportsDir,
		})
		if serr != nil {
			return serr
		}

		report, runErr := seq.Run(ctx, sequencer.RunContext{
			Caller:  caller,
			Network: network,
			Params: map[string]string{
				"marketId": c.Pipeline.MarketID,
			},
		})
		renderSteps(cmd.OutOrStdout(), report)
		if c.Run.ReportsDir != "" {
			cmd.Printf("📄 Run report: %s\n", sequencer.ReportPath(c.Run.ReportsDir, report.ID))
		}

		if runErr != nil {
			if failed, ok := report.Failed(); ok {
				cmd.Printf("❌ Step %d %s failed; %d steps applied before it. Run again to resume.\n",
					failed.Index, failed.Name, report.Count(sequencer.OutcomeApplied))
			}

			return runErr
		}

		cmd.Printf("✅ Run completed on %s: %d applied, %d reused, %d skipped\n",
			network.Name,
			report.Count(sequencer.OutcomeApplied),
			report.Count(sequencer.OutcomeReused),
			report.Count(sequencer.OutcomeSkipped),
		)

		return nil
	})
}

// seedLedger merges the seed file into the stored ledger and persists it.
func seedLedger(ctx context.Context, cmd *cobra.Command, store ledger.Store, path string) error {
	seed, err := ledger.LoadSeed(path)
	if err != nil {
		return err
	}

	l, err := store.Load(ctx)
	if err != nil {
		return err
	}
	added, err := l.ApplySeed(seed)
	if err != nil {
		return err
	}
	if err = store.Persist(ctx, l); err != nil {
		return err
	}

	cmd.Printf("🌱 Seeded %d entries from %s\n", len(added), path)

	return nil
}
