package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type contractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// getErrorReasonFromTx replays a reverted transaction as a call at its block to recover the
// revert reason.
func getErrorReasonFromTx(
	ctx context.Context, caller contractCaller, from common.Address, tx *types.Transaction, receipt *types.Receipt,
) (string, error) {
	call := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Data:     tx.Data(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
	}

	if _, err := caller.CallContract(ctx, call, receipt.BlockNumber); err != nil {
		if data, ok := jsonErrorData(err); ok && data != "" {
			return fmt.Sprintf("%s (data %s)", err.Error(), data), nil
		}

		return err.Error(), nil
	}

	return "", fmt.Errorf("tx %s reverted with no reason", tx.Hash().Hex())
}

// jsonErrorData returns the data of an RPC JSON error. The error type is private in go-ethereum
// so it is matched structurally.
func jsonErrorData(err error) (string, bool) {
	type jsonError interface {
		Error() string
		ErrorCode() int
		ErrorData() any
	}

	var jerr jsonError
	if !errors.As(err, &jerr) || jerr.ErrorData() == nil {
		return "", false
	}

	return fmt.Sprintf("%v", jerr.ErrorData()), true
}
