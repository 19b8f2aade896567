package commands

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/commands/flags"
	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/internal/jsonutils"
	"github.com/smartcontractkit/deployment-sequencer/internal/text"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/policy"
)

var (
	ledgerShort = "Inspect and edit the deployment ledger"

	ledgerLong = text.LongDesc(`
		Commands for the durable ledger of applied steps.

		The ledger maps every resource key to the identifier its step produced, and holds the
		step indices an operator marked as skipped. Edits are persisted immediately.
	`)

	ledgerShowExample = text.Examples(`
		# Print every entry and skip marker
		deployer ledger show
	`)

	ledgerClearExample = text.Examples(`
		# Forget the pool so the next run deploys it again
		deployer ledger clear core.PoolImpl

		# Forget a library other applied steps were linked against
		deployer ledger clear libraries.BorrowLogic --force
	`)

	ledgerSeedExample = text.Examples(`
		# Record contracts deployed outside the deployer
		deployer ledger seed deployed.yml
	`)

	ledgerSkipExample = text.Examples(`
		# Never run the test token steps on this network
		deployer ledger skip 1-3

		# Remove the marker again
		deployer ledger unskip 1-3
	`)

	ledgerExportExample = text.Examples(`
		# Write the deployed addresses as a .env file
		deployer ledger export --format env --out deployed.env

		# Print them as YAML
		deployer ledger export --format yaml
	`)
)

// newLedgerCmd creates the "ledger" command group.
func newLedgerCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: ledgerShort,
		Long:  ledgerLong,
	}

	cmd.AddCommand(newLedgerShowCmd(cfg))
	cmd.AddCommand(newLedgerClearCmd(cfg))
	cmd.AddCommand(newLedgerSeedCmd(cfg))
	cmd.AddCommand(newLedgerSkipCmd(cfg, true))
	cmd.AddCommand(newLedgerSkipCmd(cfg, false))
	cmd.AddCommand(newLedgerExportCmd(cfg))

	return cmd
}

// editLedger loads the config and the ledger, hands both to fn and persists the ledger when fn
// reports a change.
func editLedger(
	cmd *cobra.Command, cfg Config, fn func(c *config.Config, l *ledger.Ledger) (changed bool, err error),
) error {
	ctx := cmd.Context()

	c, err := loadConfig(cmd, cfg)
	if err != nil {
		return err
	}
	if err = c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return withStore(ctx, cfg, c.Ledger, func(store ledger.Store) error {
		l, lerr := store.Load(ctx)
		if lerr != nil {
			return lerr
		}

		changed, ferr := fn(c, l)
		if ferr != nil || !changed {
			return ferr
		}

		return persist(ctx, store, l)
	})
}

func persist(ctx context.Context, store ledger.Store, l *ledger.Ledger) error {
	if err := store.Persist(ctx, l); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}

	return nil
}

// newLedgerShowCmd creates the "ledger show" subcommand.
func newLedgerShowCmd(cfg Config) *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Short:   "Print the ledger",
		Example: ledgerShowExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return editLedger(cmd, cfg, func(_ *config.Config, l *ledger.Ledger) (bool, error) {
				network := l.Network()
				if network == "" {
					network = "(unbound)"
				}
				cmd.Printf("📒 Ledger for %s with %d entries\n", network, l.Len())
				renderLedger(cmd.OutOrStdout(), l)
				if skips := l.SkipSteps(); len(skips) > 0 {
					cmd.Printf("⏭️  Skipped steps: %s\n", joinInts(skips))
				}

				return false, nil
			})
		},
	}
}

// newLedgerClearCmd creates the "ledger clear" subcommand.
func newLedgerClearCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear KEY...",
		Short: "Remove entries so their steps run again",
		Long: text.LongDesc(`
			Removes the given resource keys from the ledger. The next run applies their steps
			again and records new identifiers.

			Clearing a key that applied steps depend on is refused unless --force is given,
			because those steps keep using the old identifier.
		`),
		Example: ledgerClearExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force := flags.MustBool(cmd.Flags().GetBool("force"))

			return editLedger(cmd, cfg, func(c *config.Config, l *ledger.Ledger) (bool, error) {
				cat, err := offlineCatalog(cfg, c)
				if err != nil {
					return false, err
				}

				return clearKeys(cmd, cat, l, args, force)
			})
		},
	}

	cmd.Flags().Bool("force", false, "Clear keys that applied steps depend on")

	return cmd
}

func clearKeys(cmd *cobra.Command, cat *catalog.Catalog, l *ledger.Ledger, args []string, force bool) (bool, error) {
	clearing := make(map[ledger.ResourceKey]bool, len(args))
	for _, a := range args {
		clearing[ledger.ResourceKey(a)] = true
	}

	if !force {
		for _, a := range args {
			var users []string
			for _, s := range cat.Dependents(ledger.ResourceKey(a)) {
				if l.IsApplied(s.Key()) && !clearing[s.Key()] {
					users = append(users, s.Key().String())
				}
			}
			if len(users) > 0 {
				return false, fmt.Errorf("%s is used by applied steps %s; pass --force to clear it anyway",
					a, strings.Join(users, ", "))
			}
		}
	}

	changed := false
	for _, a := range args {
		if l.Clear(ledger.ResourceKey(a)) {
			changed = true
			cmd.Printf("🗑️  Cleared %s\n", a)
		} else {
			cmd.Printf("⚠️  %s is not in the ledger\n", a)
		}
	}

	return changed, nil
}

// newLedgerSeedCmd creates the "ledger seed" subcommand.
func newLedgerSeedCmd(cfg Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Merge a seed file into the ledger",
		Long: text.LongDesc(`
			Records identifiers of resources that already exist, for example contracts deployed
			by hand, so that their steps are reused. Entries already in the ledger must match the
			seed; the ledger never swaps an identifier.
		`),
		Example: ledgerSeedExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := loadConfig(cmd, cfg)
			if err != nil {
				return err
			}
			if err = c.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return withStore(ctx, cfg, c.Ledger, func(store ledger.Store) error {
				return seedLedger(ctx, cmd, store, args[0])
			})
		},
	}
}

// newLedgerSkipCmd creates the "ledger skip" subcommand, or "ledger unskip" when mark is false.
func newLedgerSkipCmd(cfg Config, mark bool) *cobra.Command {
	use, short := "skip", "Mark steps as skipped in the ledger"
	if !mark {
		use, short = "unskip", "Remove skip markers from the ledger"
	}

	return &cobra.Command{
		Use:     use + " INDEX...",
		Short:   short,
		Example: ledgerSkipExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := policy.ParseIndices(args...)
			if err != nil {
				return err
			}

			return editLedger(cmd, cfg, func(c *config.Config, l *ledger.Ledger) (bool, error) {
				cat, cerr := offlineCatalog(cfg, c)
				if cerr != nil {
					return false, cerr
				}
				for _, i := range indices {
					if _, berr := cat.ByIndex(i); berr != nil {
						return false, berr
					}
				}

				if mark {
					l.MarkSkipped(indices...)
				} else {
					l.UnmarkSkipped(indices...)
				}
				cmd.Printf("⏭️  Skipped steps: %s\n", joinInts(l.SkipSteps()))

				return true, nil
			})
		},
	}
}

// newLedgerExportCmd creates the "ledger export" subcommand.
func newLedgerExportCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the applied identifiers",
		Long: text.LongDesc(`
			Writes the applied entries of the ledger as json, yaml, toml or env. The env format
			turns every resource key into a variable name, core.PoolAddressesProvider becomes
			CORE_POOL_ADDRESSES_PROVIDER.
		`),
		Example: ledgerExportExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := ledger.ParseFormat(flags.MustString(cmd.Flags().GetString("format")))
			if err != nil {
				return err
			}
			out := flags.MustString(cmd.Flags().GetString("out"))

			return editLedger(cmd, cfg, func(_ *config.Config, l *ledger.Ledger) (bool, error) {
				var buf bytes.Buffer
				if eerr := ledger.Export(&buf, l, format); eerr != nil {
					return false, eerr
				}

				if out == "" {
					_, werr := cmd.OutOrStdout().Write(buf.Bytes())
					return false, werr
				}
				if werr := jsonutils.WriteFileAtomic(out, buf.Bytes()); werr != nil {
					return false, fmt.Errorf("failed to write %s: %w", out, werr)
				}
				cmd.Printf("✅ Exported %s to %s\n", format, out)

				return false, nil
			})
		},
	}

	cmd.Flags().StringP("format", "f", string(ledger.FormatJSON), "Export format: json, yaml, toml or env")
	flags.Output(cmd)

	return cmd
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}

	return strings.Join(s, ", ")
}
