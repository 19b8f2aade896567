// Package commands provides the cobra command tree of the deployer CLI.
//
// Every command loads the config file named by --config (plus environment overrides), opens the
// ledger store it selects and builds the pipeline catalog. Dependencies are injectable through
// Deps for tests:
//
//	cmd, err := commands.NewCommand(commands.Config{
//	    Logger: lggr,
//	    Deps:   commands.Deps{StoreOpener: myOpener},
//	})
//	if err != nil {
//	    return err
//	}
//	return cmd.ExecuteContext(ctx)
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/commands/flags"
	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/internal/text"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

var (
	rootShort = "Resumable deployment of the lending market"

	rootLong = text.LongDesc(`
		Deploys the lending market one step at a time and records every result in a durable
		ledger. A run that stops halfway is resumed by running it again: steps whose result is
		already in the ledger are reused and never sent to the network twice.

		Configuration is read from the --config file and from environment variables, which
		take precedence. A .env file in the working directory is loaded first.
	`)
)

// Config holds the configuration for the deployer commands.
type Config struct {
	// Logger is the logger to use for command output. Required.
	Logger logger.Logger

	// Deps holds optional dependencies that can be overridden.
	// If fields are nil, production defaults are used.
	Deps Deps
}

// Validate checks that all required configuration fields are set.
func (c Config) Validate() error {
	var missing []string

	if c.Logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return errors.New("commands.Config: missing required fields: " + strings.Join(missing, ", "))
	}

	return nil
}

// deps returns the Deps with defaults applied.
func (c *Config) deps() *Deps {
	c.Deps.applyDefaults()

	return &c.Deps
}

// NewCommand creates the deployer root command with all subcommands.
func NewCommand(cfg Config) (*cobra.Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.deps()

	cmd := &cobra.Command{
		Use:          "deployer",
		Short:        rootShort,
		Long:         rootLong,
		SilenceUsage: true,
	}

	flags.Config(cmd)

	cmd.AddCommand(newRunCmd(cfg))
	cmd.AddCommand(newStatusCmd(cfg))
	cmd.AddCommand(newVerifyCmd(cfg))
	cmd.AddCommand(newLedgerCmd(cfg))

	return cmd, nil
}

// loadConfig loads the config named by the --config flag. It does not validate it; commands
// apply their flag overrides first.
func loadConfig(cmd *cobra.Command, cfg Config) (*config.Config, error) {
	path := flags.MustString(cmd.Flags().GetString("config"))

	c, err := cfg.deps().ConfigLoader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	return c, nil
}

// withStore opens the ledger store selected by lc, hands it to fn and closes it afterwards.
func withStore(ctx context.Context, cfg Config, lc config.LedgerConfig, fn func(ledger.Store) error) (err error) {
	store, closeStore, err := cfg.deps().StoreOpener(ctx, lc)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if cerr := closeStore(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close ledger: %w", cerr))
		}
	}()

	return fn(store)
}

// offlineCatalog builds the catalog for commands that never apply a step.
func offlineCatalog(cfg Config, c *config.Config) (*catalog.Catalog, error) {
	cat, _, err := cfg.deps().CatalogBuilder(c.Pipeline, offlineChain{})
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	return cat, nil
}
