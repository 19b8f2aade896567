package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Reader performs read-only queries. It needs no signer; from is only used as the sender of
// constant calls and may be the zero address.
type Reader struct {
	client Client
	from   common.Address
}

// NewReader returns a Reader over client.
func NewReader(client Client, from common.Address) *Reader {
	return &Reader{client: client, from: from}
}

// Read calls a constant method on the contract at to and returns the unpacked outputs.
func (r *Reader) Read(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	bound := bind.NewBoundContract(to, contractABI, r.client, r.client, r.client)

	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx, From: r.from}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, to.Hex(), err)
	}

	return out, nil
}

// CodeAt returns the runtime code at addr in the latest block.
func (r *Reader) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return r.client.CodeAt(ctx, addr, nil)
}

// Balance returns the native balance of addr in the latest block.
func (r *Reader) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return r.client.BalanceAt(ctx, addr, nil)
}
