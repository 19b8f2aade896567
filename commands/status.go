package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-sequencer/commands/flags"
	"github.com/smartcontractkit/deployment-sequencer/internal/text"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/sequencer"
)

var (
	statusShort = "Show what a run would do"

	statusLong = text.LongDesc(`
		Compares the catalog with the ledger without touching the network. Every step is
		reported as REUSED, SKIPPED or PENDING; a pending step whose dependency will not be
		available carries the error the run would stop with.
	`)

	statusExample = text.Examples(`
		# Show the plan for the configured ledger
		deployer status

		# Show the plan when the first three steps are skipped
		deployer status --skip 1-3
	`)
)

// newStatusCmd creates the "status" subcommand.
func newStatusCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Short:   statusShort,
		Long:    statusLong,
		Example: statusExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := runFlags{
				skip:         flags.MustStringSlice(cmd.Flags().GetStringSlice("skip")),
				only:         flags.MustStringSlice(cmd.Flags().GetStringSlice("only")),
				selectsSteps: cmd.Flags().Changed("skip") || cmd.Flags().Changed("only"),
			}

			return runStatus(cmd, cfg, f)
		},
	}

	flags.Steps(cmd)

	return cmd
}

// runStatus executes the status command logic.
func runStatus(cmd *cobra.Command, cfg Config, f runFlags) error {
	ctx := cmd.Context()

	c, err := loadConfig(cmd, cfg)
	if err != nil {
		return err
	}
	f.applyTo(c)
	if err = c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	skip, err := c.Run.SkipPolicy()
	if err != nil {
		return err
	}
	cat, err := offlineCatalog(cfg, c)
	if err != nil {
		return err
	}

	return withStore(ctx, cfg, c.Ledger, func(store ledger.Store) error {
		seq, serr := sequencer.New(sequencer.Config{
			Logger:  cfg.Logger,
			Catalog: cat,
			Store:   store,
			Policy:  skip,
		})
		if serr != nil {
			return serr
		}

		report, perr := seq.Plan(ctx, sequencer.RunContext{Caller: c.Run.Caller, Network: c.Network.Resolve()})
		if perr != nil {
			return perr
		}

		renderSteps(cmd.OutOrStdout(), report)
		cmd.Printf("📋 %d pending, %d reused, %d skipped\n",
			report.Count(sequencer.OutcomePending),
			report.Count(sequencer.OutcomeReused),
			report.Count(sequencer.OutcomeSkipped),
		)

		return nil
	})
}
