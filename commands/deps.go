package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/config"
	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/invoker/evm"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/pipelines/lending"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

// Signer is a connected deployer account on the target network. *evm.Invoker implements it.
type Signer interface {
	invoker.ActionInvoker
	lending.Chain

	From() common.Address
}

var _ Signer = (*evm.Invoker)(nil)

// ConfigLoaderFunc loads the deployer configuration from a file path.
type ConfigLoaderFunc func(path string) (*config.Config, error)

// StoreOpenerFunc opens the ledger store. The returned close function releases the store's
// resources and is never nil when err is nil.
type StoreOpenerFunc func(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func() error, error)

// SignerDialerFunc connects the deployer account to the network.
type SignerDialerFunc func(ctx context.Context, lggr logger.Logger, cfg config.NetworkConfig) (Signer, error)

// ReaderDialerFunc connects a read-only chain client. from is the sender of constant calls.
type ReaderDialerFunc func(ctx context.Context, cfg config.NetworkConfig, from common.Address) (lending.Chain, error)

// CatalogBuilderFunc builds the pipeline catalog against chain.
type CatalogBuilderFunc func(cfg config.PipelineConfig, chain lending.Chain) (*catalog.Catalog, lending.Deps, error)

func defaultStoreOpener(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendFile:
		var opts []ledger.FileStoreOption
		if cfg.RequireExisting {
			opts = append(opts, ledger.WithRequireExisting())
		}

		return ledger.NewFileStore(cfg.Path, opts...), func() error { return nil }, nil

	case config.BackendPostgres:
		db, err := ledger.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}

		var opts []ledger.SQLStoreOption
		if cfg.RequireExisting {
			opts = append(opts, ledger.WithSQLRequireExisting())
		}
		store := ledger.NewSQLStore(db, cfg.Name, opts...)
		if err = store.Migrate(ctx); err != nil {
			return nil, nil, errors.Join(err, db.Close())
		}

		return store, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported ledger backend %q", cfg.Backend)
	}
}

func defaultSignerDialer(ctx context.Context, lggr logger.Logger, cfg config.NetworkConfig) (Signer, error) {
	signer, err := evm.NewSigner(cfg.DeployerKey, cfg.ChainID)
	if err != nil {
		return nil, err
	}

	client, err := evm.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return nil, err
	}

	inv, err := evm.NewInvoker(evm.Config{
		Logger:         lggr,
		Client:         client,
		Signer:         signer,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	return inv, nil
}

func defaultReaderDialer(ctx context.Context, cfg config.NetworkConfig, from common.Address) (lending.Chain, error) {
	client, err := evm.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return nil, err
	}

	return evm.NewReader(client, from), nil
}

func defaultCatalogBuilder(cfg config.PipelineConfig, chain lending.Chain) (*catalog.Catalog, lending.Deps, error) {
	fsys, ok := os.DirFS(cfg.ArtifactsDir).(fs.ReadFileFS)
	if !ok {
		return nil, lending.Deps{}, fmt.Errorf("artifacts dir %s cannot be read", cfg.ArtifactsDir)
	}

	deps := lending.Deps{
		Artifacts: lending.NewDirArtifacts(fsys),
		Chain:     chain,
	}
	c, err := lending.NewCatalog(lending.Config{
		MarketID:   cfg.MarketID,
		ProviderID: cfg.ProviderID,
		PriceFeed:  common.HexToAddress(cfg.PriceFeed),
	}, deps)
	if err != nil {
		return nil, lending.Deps{}, err
	}

	return c, deps, nil
}

// errOffline is returned by offlineChain. Commands that only inspect the ledger build the
// catalog without dialing; none of their code paths apply a step.
var errOffline = errors.New("chain access is not available for this command")

type offlineChain struct{}

func (offlineChain) Read(context.Context, common.Address, abi.ABI, string, ...any) ([]any, error) {
	return nil, errOffline
}

func (offlineChain) CodeAt(context.Context, common.Address) ([]byte, error) {
	return nil, errOffline
}

func (offlineChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return nil, errOffline
}

// Deps holds the injectable dependencies of the deployer commands.
// All fields are optional; nil values will use production defaults.
type Deps struct {
	// ConfigLoader loads the configuration.
	// Default: config.Load
	ConfigLoader ConfigLoaderFunc

	// StoreOpener opens the ledger store selected by the config.
	// Default: a file store or a migrated postgres store
	StoreOpener StoreOpenerFunc

	// SignerDialer connects the deployer account.
	// Default: evm.Dial with an evm.Invoker signing with the deployer key
	SignerDialer SignerDialerFunc

	// ReaderDialer connects a read-only client.
	// Default: evm.Dial with an evm.Reader
	ReaderDialer ReaderDialerFunc

	// CatalogBuilder builds the catalog.
	// Default: lending.NewCatalog over the hardhat artifacts directory
	CatalogBuilder CatalogBuilderFunc
}

// applyDefaults fills in nil dependencies with production defaults.
func (d *Deps) applyDefaults() {
	if d.ConfigLoader == nil {
		d.ConfigLoader = config.Load
	}
	if d.StoreOpener == nil {
		d.StoreOpener = defaultStoreOpener
	}
	if d.SignerDialer == nil {
		d.SignerDialer = defaultSignerDialer
	}
	if d.ReaderDialer == nil {
		d.ReaderDialer = defaultReaderDialer
	}
	if d.CatalogBuilder == nil {
		d.CatalogBuilder = defaultCatalogBuilder
	}
}
