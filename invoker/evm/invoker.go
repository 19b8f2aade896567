package evm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartcontractkit/deployment-sequencer/invoker"
	"github.com/smartcontractkit/deployment-sequencer/pkg/logger"
)

var _ invoker.ActionInvoker = (*Invoker)(nil)

const (
	defaultConfirmTimeout = 2 * time.Minute
	defaultPollInterval   = time.Second
)

// Config configures an Invoker. Client and Signer are required.
type Config struct {
	Logger logger.Logger
	Client Client
	Signer *bind.TransactOpts
	// ConfirmTimeout bounds how long AwaitConfirmation waits for a receipt.
	ConfirmTimeout time.Duration
	// PollInterval is the time between receipt queries.
	PollInterval time.Duration
}

type pendingTx struct {
	tx     *types.Transaction
	deploy bool
}

// Invoker submits contract deployments and calls signed by a single deployer key. Submissions
// are not retried; a failed operation surfaces as *invoker.RemoteCallError.
type Invoker struct {
	*Reader

	lggr           logger.Logger
	client         Client
	signer         *bind.TransactOpts
	confirmTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	pending map[string]pendingTx
}

// NewInvoker returns an Invoker for cfg.
func NewInvoker(cfg Config) (*Invoker, error) {
	if cfg.Client == nil {
		return nil, errors.New("evm invoker: client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("evm invoker: signer is required")
	}

	lggr := cfg.Logger
	if lggr == nil {
		lggr = logger.Nop()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Invoker{
		Reader:         NewReader(cfg.Client, cfg.Signer.From),
		lggr:           lggr.Named("evm_invoker"),
		client:         cfg.Client,
		signer:         cfg.Signer,
		confirmTimeout: timeout,
		pollInterval:   poll,
		pending:        make(map[string]pendingTx),
	}, nil
}

// From returns the deployer address.
func (i *Invoker) From() common.Address { return i.signer.From }

// Submit implements invoker.ActionInvoker. It accepts DeployContract and CallContract.
func (i *Invoker) Submit(ctx context.Context, op invoker.Operation) (invoker.Handle, error) {
	var (
		tx     *types.Transaction
		deploy bool
		err    error
	)

	switch o := op.(type) {
	case DeployContract:
		deploy = true
		_, tx, _, err = bind.DeployContract(i.opts(ctx, o.GasLimit), o.ABI, o.Bytecode, i.client, o.Args...)
	case CallContract:
		bound := bind.NewBoundContract(o.To, o.ABI, i.client, i.client, i.client)
		tx, err = bound.Transact(i.opts(ctx, o.GasLimit), o.Method, o.Args...)
	default:
		err = fmt.Errorf("unsupported operation type %T", op)
	}
	if err != nil {
		return invoker.Handle{}, &invoker.RemoteCallError{Operation: op.OperationName(), Phase: invoker.PhaseSubmit, Err: err}
	}

	h := invoker.Handle{ID: tx.Hash().Hex(), Operation: op.OperationName(), SubmittedAt: time.Now()}

	i.mu.Lock()
	i.pending[h.ID] = pendingTx{tx: tx, deploy: deploy}
	i.mu.Unlock()

	i.lggr.Infow("Transaction submitted", "operation", h.Operation, "tx", h.ID, "nonce", tx.Nonce())

	return h, nil
}

func (i *Invoker) opts(ctx context.Context, gasLimit uint64) *bind.TransactOpts {
	opts := *i.signer
	opts.Context = ctx
	opts.GasLimit = gasLimit

	return &opts
}

// AwaitConfirmation implements invoker.ActionInvoker. It polls for the receipt until the
// confirm timeout expires. A reverted transaction wraps invoker.ErrRejected.
func (i *Invoker) AwaitConfirmation(ctx context.Context, h invoker.Handle) (invoker.Confirmation, error) {
	i.mu.Lock()
	p, ok := i.pending[h.ID]
	delete(i.pending, h.ID)
	i.mu.Unlock()

	fail := func(err error) (invoker.Confirmation, error) {
		return invoker.Confirmation{}, &invoker.RemoteCallError{Operation: h.Operation, Phase: invoker.PhaseConfirm, Err: err}
	}
	if !ok {
		return fail(fmt.Errorf("unknown transaction %s", h.ID))
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, i.confirmTimeout)
	defer cancel()

	receipt, err := i.waitMined(ctxTimeout, p.tx.Hash())
	if err != nil {
		return fail(fmt.Errorf("tx %s failed to confirm: %w", h.ID, err))
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason, rerr := getErrorReasonFromTx(ctxTimeout, i.client, i.signer.From, p.tx, receipt)
		if rerr == nil && reason != "" {
			return fail(fmt.Errorf("%w: tx %s reverted: %s", invoker.ErrRejected, h.ID, reason))
		}

		return fail(fmt.Errorf("%w: tx %s reverted, could not decode error reason", invoker.ErrRejected, h.ID))
	}

	c := invoker.Confirmation{
		Handle:     h,
		Identifier: h.ID,
		Metadata: map[string]string{
			"tx":      h.ID,
			"block":   receipt.BlockNumber.String(),
			"gasUsed": strconv.FormatUint(receipt.GasUsed, 10),
		},
		ConfirmedAt: time.Now(),
	}
	if p.deploy {
		if receipt.ContractAddress == (common.Address{}) {
			return fail(fmt.Errorf("tx %s deployed no contract", h.ID))
		}
		c.Identifier = receipt.ContractAddress.Hex()
	}

	i.lggr.Infow("Transaction confirmed", "operation", h.Operation, "tx", h.ID,
		"block", receipt.BlockNumber, "identifier", c.Identifier)

	return c, nil
}

// waitMined polls for the receipt of hash until ctx is done.
func (i *Invoker) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := retry.DoWithData(
		func() (*types.Receipt, error) {
			return i.client.TransactionReceipt(ctx, hash)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(i.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, err
	}

	return receipt, nil
}
