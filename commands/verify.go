package commands

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/internal/text"
	"github.com/smartcontractkit/deployment-sequencer/invoker/evm"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pipelines/lending"
	"github.com/smartcontractkit/deployment-sequencer/verify"
)

var (
	verifyShort = "Check the deployed market on chain"

	verifyLong = text.LongDesc(`
		Runs read-only checks against the addresses recorded in the ledger: contract code is
		present behind every address, the addresses provider points at the recorded price
		oracle, ACL manager and pool proxy, and the caller holds test USDT.

		Every check runs even when an earlier one fails. The command fails when any check
		fails. No transaction is sent, so only run.caller or network.deployer_key is needed to
		identify the caller.
	`)

	verifyExample = text.Examples(`
		# Verify the deployment recorded in the configured ledger
		deployer verify
	`)
)

// newVerifyCmd creates the "verify" subcommand.
func newVerifyCmd(cfg Config) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Short:   verifyShort,
		Long:    verifyLong,
		Example: verifyExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, cfg)
		},
	}
}

// callerAddress resolves the address the checks run as.
func callerAddress(c *config.Config) (common.Address, error) {
	if c.Run.Caller != "" {
		if !common.IsHexAddress(c.Run.Caller) {
			return common.Address{}, fmt.Errorf("run.caller %q is not an address", c.Run.Caller)
		}

		return common.HexToAddress(c.Run.Caller), nil
	}
	if c.Network.DeployerKey == "" {
		return common.Address{}, errors.New("run.caller or network.deployer_key is required")
	}

	signer, err := evm.NewSigner(c.Network.DeployerKey, c.Network.ChainID)
	if err != nil {
		return common.Address{}, err
	}

	return signer.From, nil
}

// runVerify executes the verify command logic.
func runVerify(cmd *cobra.Command, cfg Config) error {
	ctx := cmd.Context()
	deps := cfg.deps()

	c, err := loadConfig(cmd, cfg)
	if err != nil {
		return err
	}
	if err = c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err = c.ValidateRemote(false); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	caller, err := callerAddress(c)
	if err != nil {
		return err
	}

	chain, err := deps.ReaderDialer(ctx, c.Network, caller)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Network.Name, err)
	}
	cat, pdeps, err := deps.CatalogBuilder(c.Pipeline, chain)
	if err != nil {
		return fmt.Errorf("failed to build catalog: %w", err)
	}

	return withStore(ctx, cfg, c.Ledger, func(store ledger.Store) error {
		l, lerr := store.Load(ctx)
		if lerr != nil {
			return lerr
		}

		report := verify.Run(ctx, cfg.Logger, lending.SmokeChecks(cat, pdeps, l, caller)...)
		renderChecks(cmd.OutOrStdout(), report)

		if !report.OK() {
			return fmt.Errorf("verification failed: %d of %d checks failed", report.Failed, len(report.Results))
		}
		cmd.Printf("✅ All %d checks passed\n", report.Passed)

		return nil
	})
}
