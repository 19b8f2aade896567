// Package evm implements invoker.ActionInvoker for EVM chains with go-ethereum.
package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of an EVM RPC client used by the invoker. Both *ethclient.Client and the
// go-ethereum simulated backend client satisfy it.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to the RPC endpoint at url and checks that it serves the expected chain.
// A zero wantChainID skips the check.
func Dial(ctx context.Context, url string, wantChainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	if wantChainID == 0 {
		return client, nil
	}

	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id from %s: %w", url, err)
	}
	if got.Uint64() != wantChainID {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain id %s, expected %d", url, got, wantChainID)
	}

	return client, nil
}

// NewSigner builds transact opts for the hex encoded private key. A leading 0x is accepted.
func NewSigner(hexKey string, chainID uint64) (*bind.TransactOpts, error) {
	if len(hexKey) >= 2 && (hexKey[:2] == "0x" || hexKey[:2] == "0X") {
		hexKey = hexKey[2:]
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid deployer key: %w", err)
	}

	return bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
}
