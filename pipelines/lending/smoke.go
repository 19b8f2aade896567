package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/verify"
)

// SmokeChecks returns the post-deployment checks of the market: contract code behind every
// address the catalog recorded, the provider wiring and the caller's test token balance.
func SmokeChecks(c *catalog.Catalog, deps Deps, l ledger.View, caller common.Address) []verify.Check {
	var keys []ledger.ResourceKey
	for _, s := range c.Steps() {
		if s.Key() != KeyInitialSupply {
			keys = append(keys, s.Key())
		}
	}

	checks := verify.CodePresent(deps.Chain, l, keys...)

	return append(checks,
		providerCheck(deps, l, "price oracle wired", "getPriceOracle", func() (common.Address, error) {
			return verify.AddressOf(l, KeyPriceOracle)
		}),
		providerCheck(deps, l, "ACL manager wired", "getACLManager", func() (common.Address, error) {
			return verify.AddressOf(l, KeyACLManager)
		}),
		providerCheck(deps, l, "pool proxy wired", "getPool", func() (common.Address, error) {
			r, err := l.Require(KeyPoolImpl)
			if err != nil {
				return common.Address{}, err
			}
			proxy := r.Metadata[MetadataPoolProxy]
			if !common.IsHexAddress(proxy) {
				return common.Address{}, fmt.Errorf("%s has no %s metadata", KeyPoolImpl, MetadataPoolProxy)
			}

			return common.HexToAddress(proxy), nil
		}),
		verify.Check{
			Name: "caller holds test USDT",
			Run: func(ctx context.Context) error {
				usdt, err := verify.AddressOf(l, KeyTestUSDT)
				if err != nil {
					return err
				}
				parsed, err := artifactABI(deps, ContractTestUSDT)
				if err != nil {
					return err
				}
				out, err := deps.Chain.Read(ctx, usdt, parsed, "balanceOf", caller)
				if err != nil {
					return err
				}
				if len(out) == 0 {
					return errors.New("balanceOf returned no values")
				}
				if bal, ok := out[0].(*big.Int); !ok || bal.Sign() <= 0 {
					return fmt.Errorf("%s holds no test USDT", caller.Hex())
				}

				return nil
			},
		},
	)
}

// providerCheck compares an address getter of the addresses provider with the expected value.
func providerCheck(deps Deps, l ledger.View, name, method string, want func() (common.Address, error)) verify.Check {
	return verify.Check{
		Name: name,
		Run: func(ctx context.Context) error {
			provider, err := verify.AddressOf(l, KeyPoolAddressesProvider)
			if err != nil {
				return err
			}
			expected, err := want()
			if err != nil {
				return err
			}
			parsed, err := artifactABI(deps, ContractPoolAddressesProvider)
			if err != nil {
				return err
			}

			out, err := deps.Chain.Read(ctx, provider, parsed, method)
			if err != nil {
				return err
			}
			if len(out) == 0 {
				return fmt.Errorf("%s returned no values", method)
			}
			got, ok := out[0].(common.Address)
			if !ok {
				return fmt.Errorf("%s returned %T, want address", method, out[0])
			}
			if got != expected {
				return fmt.Errorf("%s returned %s, want %s", method, got.Hex(), expected.Hex())
			}

			return nil
		},
	}
}

func artifactABI(deps Deps, contract string) (abi.ABI, error) {
	a, err := deps.Artifacts.Artifact(contract)
	if err != nil {
		return abi.ABI{}, err
	}

	return a.ABI()
}
