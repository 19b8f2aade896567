package evm

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-sequencer/invoker"
)

var (
	_ invoker.Operation = DeployContract{}
	_ invoker.Operation = CallContract{}
)

// DeployContract deploys Bytecode with the packed constructor Args. The confirmed identifier is
// the address of the new contract.
type DeployContract struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
	Args     []any
	// GasLimit overrides gas estimation when non zero.
	GasLimit uint64
}

// OperationName implements invoker.Operation.
func (d DeployContract) OperationName() string { return "deploy " + d.Name }

// CallContract sends a transaction invoking Method on the contract at To. The confirmed
// identifier is the transaction hash.
type CallContract struct {
	Name   string
	To     common.Address
	ABI    abi.ABI
	Method string
	Args   []any
	// GasLimit overrides gas estimation when non zero.
	GasLimit uint64
}

// OperationName implements invoker.Operation.
func (c CallContract) OperationName() string { return "call " + c.Name + "." + c.Method }
