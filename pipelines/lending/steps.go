package lending

import (
	"errors"
	"fmt"
	"maps"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/invoker/evm"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/verify"
)

func (p *pipeline) tokenStep(name string, key ledger.ResourceKey, contract string) catalog.Step {
	return catalog.NewStep(name, key, protocolVersion, "Deploys the "+contract+" test token",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			c, err := p.deploy(sc, contract)
			if err != nil {
				return ledger.StepResult{}, err
			}

			return resultOf(c), nil
		},
	)
}

// mintStep mints the initial supply of both test tokens to the caller unless the caller already
// holds test USDT. The identifier is the USDT token address.
func (p *pipeline) mintStep() catalog.Step {
	return catalog.NewStep("MintTestTokens", KeyInitialSupply, protocolVersion,
		"Mints the initial test token supply to the caller",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			caller, err := callerAddress(sc)
			if err != nil {
				return ledger.StepResult{}, err
			}
			usdt, err := verify.AddressOf(sc.Ledger, KeyTestUSDT)
			if err != nil {
				return ledger.StepResult{}, err
			}
			wxdc, err := verify.AddressOf(sc.Ledger, KeyTestWXDC)
			if err != nil {
				return ledger.StepResult{}, err
			}

			balance, err := p.readBigInt(sc, ContractTestUSDT, usdt, "balanceOf", caller)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result := ledger.StepResult{Identifier: ledger.Identifier(usdt.Hex()), Metadata: map[string]string{}}
			if balance.Sign() > 0 {
				sc.Logger.Infow("Tokens already minted, skipping", "balance", balance.String())
				result.Metadata["balance"] = balance.String()

				return result, nil
			}

			c, err := p.call(sc, ContractTestUSDT, usdt, "mint", caller, p.cfg.MintAmount)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["usdtMintTx"] = c.Identifier

			c, err = p.call(sc, ContractTestWXDC, wxdc, "mint", caller, p.cfg.MintAmount)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["wxdcMintTx"] = c.Identifier
			result.Metadata["amount"] = p.cfg.MintAmount.String()

			return result, nil
		},
		KeyTestUSDT, KeyTestWXDC,
	)
}

// libraryStep deploys a protocol library. Libraries it links against are passed as deps.
func (p *pipeline) libraryStep(lib string, deps ...ledger.ResourceKey) catalog.Step {
	return catalog.NewStep("Deploy"+lib, LibraryKey(lib), protocolVersion, "Deploys the "+lib+" library",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			c, err := p.deploy(sc, lib)
			if err != nil {
				return ledger.StepResult{}, err
			}

			return resultOf(c), nil
		},
		deps...,
	)
}

func (p *pipeline) registryStep() catalog.Step {
	return catalog.NewStep("DeployPoolAddressesProviderRegistry", KeyPoolAddressesProviderRegistry, protocolVersion,
		"Deploys the addresses provider registry owned by the caller",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			caller, err := callerAddress(sc)
			if err != nil {
				return ledger.StepResult{}, err
			}

			c, err := p.deploy(sc, ContractPoolAddressesProviderRegistry, caller)
			if err != nil {
				return ledger.StepResult{}, err
			}

			return resultOf(c), nil
		},
	)
}

// providerStep deploys the addresses provider, registers it in the registry and makes the
// caller its ACL admin. All three must succeed for the step to be recorded.
func (p *pipeline) providerStep() catalog.Step {
	return catalog.NewStep("DeployPoolAddressesProvider", KeyPoolAddressesProvider, protocolVersion,
		"Deploys and registers the pool addresses provider",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			caller, err := callerAddress(sc)
			if err != nil {
				return ledger.StepResult{}, err
			}
			registry, err := verify.AddressOf(sc.Ledger, KeyPoolAddressesProviderRegistry)
			if err != nil {
				return ledger.StepResult{}, err
			}

			c, err := p.deploy(sc, ContractPoolAddressesProvider, p.cfg.MarketID, caller)
			if err != nil {
				return ledger.StepResult{}, err
			}
			provider := common.HexToAddress(c.Identifier)
			result := resultOf(c)

			reg, err := p.call(sc, ContractPoolAddressesProviderRegistry, registry,
				"registerAddressesProvider", provider, new(big.Int).SetUint64(p.cfg.ProviderID))
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["registerTx"] = reg.Identifier

			admin, err := p.call(sc, ContractPoolAddressesProvider, provider, "setACLAdmin", caller)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["aclAdminTx"] = admin.Identifier
			result.Metadata["aclAdmin"] = caller.Hex()

			return result, nil
		},
		KeyPoolAddressesProviderRegistry,
	)
}

func (p *pipeline) aclManagerStep() catalog.Step {
	return catalog.NewStep("DeployACLManager", KeyACLManager, protocolVersion,
		"Deploys the ACL manager and sets it in the addresses provider",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			provider, err := verify.AddressOf(sc.Ledger, KeyPoolAddressesProvider)
			if err != nil {
				return ledger.StepResult{}, err
			}

			c, err := p.deploy(sc, ContractACLManager, provider)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result := resultOf(c)

			set, err := p.call(sc, ContractPoolAddressesProvider, provider, "setACLManager", common.HexToAddress(c.Identifier))
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["setACLManagerTx"] = set.Identifier

			return result, nil
		},
		KeyPoolAddressesProvider,
	)
}

// oracleStep points the addresses provider at the configured price feed. No transaction is
// sent when it already does. The identifier is the price feed address.
func (p *pipeline) oracleStep() catalog.Step {
	return catalog.NewStep("ConfigurePriceOracle", KeyPriceOracle, protocolVersion,
		"Sets the price oracle in the addresses provider",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			provider, err := verify.AddressOf(sc.Ledger, KeyPoolAddressesProvider)
			if err != nil {
				return ledger.StepResult{}, err
			}

			current, err := p.readAddress(sc, ContractPoolAddressesProvider, provider, "getPriceOracle")
			if err != nil {
				return ledger.StepResult{}, err
			}

			result := ledger.StepResult{Identifier: ledger.Identifier(p.cfg.PriceFeed.Hex()), Metadata: map[string]string{}}
			if current == p.cfg.PriceFeed {
				sc.Logger.Infow("Price oracle already configured", "oracle", current.Hex())
				return result, nil
			}

			c, err := p.call(sc, ContractPoolAddressesProvider, provider, "setPriceOracle", p.cfg.PriceFeed)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["tx"] = c.Identifier
			result.Metadata["previous"] = current.Hex()

			return result, nil
		},
		KeyPoolAddressesProvider,
	)
}

// poolStep deploys the linked Pool implementation, sets it in the addresses provider and
// records the proxy the provider creates for it.
func (p *pipeline) poolStep() catalog.Step {
	deps := []ledger.ResourceKey{KeyPoolAddressesProvider}
	for _, lib := range poolLibraries {
		deps = append(deps, LibraryKey(lib))
	}

	return catalog.NewStep("DeployPool", KeyPoolImpl, protocolVersion,
		"Deploys the pool implementation and its proxy",
		func(sc catalog.StepContext) (ledger.StepResult, error) {
			provider, err := verify.AddressOf(sc.Ledger, KeyPoolAddressesProvider)
			if err != nil {
				return ledger.StepResult{}, err
			}

			c, err := p.deploy(sc, ContractPool, provider)
			if err != nil {
				return ledger.StepResult{}, err
			}
			result := resultOf(c)

			set, err := p.call(sc, ContractPoolAddressesProvider, provider, "setPoolImpl", common.HexToAddress(c.Identifier))
			if err != nil {
				return ledger.StepResult{}, err
			}
			result.Metadata["setPoolImplTx"] = set.Identifier

			proxy, err := p.readAddress(sc, ContractPoolAddressesProvider, provider, "getPool")
			if err != nil {
				return ledger.StepResult{}, err
			}
			if proxy == (common.Address{}) {
				return ledger.StepResult{}, errors.New("addresses provider returned no pool proxy")
			}
			result.Metadata[MetadataPoolProxy] = proxy.Hex()
			sc.Logger.Infow("Pool proxy created", "proxy", proxy.Hex())

			return result, nil
		},
		deps...,
	)
}

// deploy deploys contract, linking every library its artifact references with the address
// recorded in the ledger.
func (p *pipeline) deploy(sc catalog.StepContext, contract string, args ...any) (invoker.Confirmation, error) {
	a, err := p.deps.Artifacts.Artifact(contract)
	if err != nil {
		return invoker.Confirmation{}, err
	}

	libs := make(map[string]common.Address)
	for _, lib := range a.Libraries() {
		addr, lerr := verify.AddressOf(sc.Ledger, LibraryKey(lib))
		if lerr != nil {
			return invoker.Confirmation{}, lerr
		}
		libs[lib] = addr
	}

	op, err := a.Deployment(libs, args...)
	if err != nil {
		return invoker.Confirmation{}, err
	}
	sc.Logger.Infow("Deploying contract", "contract", contract, "libraries", len(libs))

	return sc.Execute(op)
}

func (p *pipeline) call(sc catalog.StepContext, contract string, to common.Address, method string, args ...any) (invoker.Confirmation, error) {
	parsed, err := artifactABI(p.deps, contract)
	if err != nil {
		return invoker.Confirmation{}, err
	}
	sc.Logger.Infow("Calling contract", "contract", contract, "address", to.Hex(), "method", method)

	return sc.Execute(evm.CallContract{Name: contract, To: to, ABI: parsed, Method: method, Args: args})
}

func (p *pipeline) read(sc catalog.StepContext, contract string, to common.Address, method string, args ...any) ([]any, error) {
	parsed, err := artifactABI(p.deps, contract)
	if err != nil {
		return nil, err
	}

	out, err := p.deps.Chain.Read(sc.GetContext(), to, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s returned no values", contract, method)
	}

	return out, nil
}

func (p *pipeline) readAddress(sc catalog.StepContext, contract string, to common.Address, method string, args ...any) (common.Address, error) {
	out, err := p.read(sc, contract, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s.%s returned %T, want address", contract, method, out[0])
	}

	return addr, nil
}

func (p *pipeline) readBigInt(sc catalog.StepContext, contract string, to common.Address, method string, args ...any) (*big.Int, error) {
	out, err := p.read(sc, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s.%s returned %T, want uint256", contract, method, out[0])
	}

	return n, nil
}

func callerAddress(sc catalog.StepContext) (common.Address, error) {
	if !common.IsHexAddress(sc.Run.Caller) {
		return common.Address{}, fmt.Errorf("caller %q is not an address", sc.Run.Caller)
	}

	return common.HexToAddress(sc.Run.Caller), nil
}

func resultOf(c invoker.Confirmation) ledger.StepResult {
	md := maps.Clone(c.Metadata)
	if md == nil {
		md = map[string]string{}
	}

	return ledger.StepResult{Identifier: ledger.Identifier(c.Identifier), Metadata: md}
}
