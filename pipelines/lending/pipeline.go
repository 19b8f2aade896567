// Package lending is the deployment catalog of a lending market: test tokens, protocol
// libraries, the addresses provider and its registry, the ACL manager, the price oracle wiring
// and the pool implementation.
package lending

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/invoker/evm"
)

// protocolVersion is the version of the market contracts deployed by every step.
var protocolVersion = semver.MustParse("3.0.0")

// DefaultMintAmount is one million units of a 6 decimals token.
var DefaultMintAmount = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))

// Config holds the market parameters.
type Config struct {
	MarketID   string
	ProviderID uint64
	PriceFeed  common.Address
	// MintAmount is minted of each test token to the caller. Defaults to DefaultMintAmount.
	MintAmount *big.Int
}

// Validate checks the market parameters.
func (c Config) Validate() error {
	var errs []error
	if c.MarketID == "" {
		errs = append(errs, errors.New("market id is required"))
	}
	if c.ProviderID == 0 {
		errs = append(errs, errors.New("provider id is required"))
	}
	if c.PriceFeed == (common.Address{}) {
		errs = append(errs, errors.New("price feed address is required"))
	}
	if c.MintAmount != nil && c.MintAmount.Sign() <= 0 {
		errs = append(errs, errors.New("mint amount must be positive"))
	}

	return errors.Join(errs...)
}

// Chain is the read access to the target chain the pipeline needs. *evm.Invoker implements it.
type Chain interface {
	Read(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

var _ Chain = (*evm.Invoker)(nil)

// ArtifactSource resolves compiled contracts by name.
type ArtifactSource interface {
	Artifact(contractName string) (evm.Artifact, error)
}

// Deps are the collaborators of the pipeline steps.
type Deps struct {
	Artifacts ArtifactSource
	Chain     Chain
}

// DirArtifacts loads hardhat artifacts from a directory tree and caches them.
type DirArtifacts struct {
	fsys fs.ReadFileFS

	mu    sync.Mutex
	cache map[string]evm.Artifact
}

var _ ArtifactSource = (*DirArtifacts)(nil)

// NewDirArtifacts returns an artifact source reading from fsys, usually os.DirFS of the hardhat
// artifacts directory.
func NewDirArtifacts(fsys fs.ReadFileFS) *DirArtifacts {
	return &DirArtifacts{fsys: fsys, cache: make(map[string]evm.Artifact)}
}

// Artifact implements ArtifactSource.
func (d *DirArtifacts) Artifact(contractName string) (evm.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.cache[contractName]; ok {
		return a, nil
	}

	a, err := evm.FindArtifact(d.fsys, contractName)
	if err != nil {
		return evm.Artifact{}, err
	}
	d.cache[contractName] = a

	return a, nil
}

type pipeline struct {
	cfg  Config
	deps Deps
}

// NewCatalog returns the market catalog. Step indices are fixed by the order below; operators
// refer to them in skip lists, so new steps are only ever appended.
func NewCatalog(cfg Config, deps Deps) (*catalog.Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lending config: %w", err)
	}
	if deps.Artifacts == nil {
		return nil, errors.New("artifact source is required")
	}
	if deps.Chain == nil {
		return nil, errors.New("chain reader is required")
	}
	if cfg.MintAmount == nil {
		cfg.MintAmount = DefaultMintAmount
	}

	p := &pipeline{cfg: cfg, deps: deps}

	steps := []catalog.Step{
		p.tokenStep("DeployTestUSDT", KeyTestUSDT, ContractTestUSDT),
		p.tokenStep("DeployTestWXDC", KeyTestWXDC, ContractTestWXDC),
		p.mintStep(),
	}
	for _, lib := range plainLibraries {
		steps = append(steps, p.libraryStep(lib))
	}
	steps = append(steps,
		p.libraryStep(LibFlashLoanLogic, LibraryKey(LibBorrowLogic)),
		p.libraryStep(LibConfiguratorLogic),
		p.registryStep(),
		p.providerStep(),
		p.aclManagerStep(),
		p.oracleStep(),
		p.poolStep(),
	)

	return catalog.New(steps...)
}
