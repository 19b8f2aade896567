package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// ErrInsufficientBalance is returned by CheckBalance when the caller cannot pay for the run.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceReader reads native balances.
type BalanceReader interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// CheckBalance fails when addr holds less than minWei. It returns the balance it read.
func CheckBalance(ctx context.Context, r BalanceReader, addr common.Address, minWei *big.Int) (*big.Int, error) {
	balance, err := r.Balance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", addr.Hex(), err)
	}
	if minWei != nil && balance.Cmp(minWei) < 0 {
		return balance, fmt.Errorf("%w: %s holds %s, need at least %s",
			ErrInsufficientBalance, addr.Hex(), FormatEther(balance), FormatEther(minWei))
	}

	return balance, nil
}

// FormatEther renders a wei amount in whole native units.
func FormatEther(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))

	return f.Text('f', -1)
}
