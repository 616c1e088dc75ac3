package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TxBackend is the part of the rpc node needed to call, sign, send and confirm transactions.
type TxBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type TransactorConfig struct {
	ChainID       *big.Int
	Confirmations uint64
	PollInterval  time.Duration
	ReadTimeout   time.Duration
	TxTimeout     time.Duration
}

// Transactor executes contract calls with the operator key.
type Transactor struct {
	backend TxBackend
	signer  *KeySigner
	cfg     TransactorConfig
	logger  *zap.SugaredLogger
}

func NewTransactor(backend TxBackend, signer *KeySigner, cfg TransactorConfig, logger *zap.SugaredLogger) *Transactor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Transactor{backend: backend, signer: signer, cfg: cfg, logger: logger}
}

func (t *Transactor) Signer() *KeySigner {
	return t.signer
}

func (t *Transactor) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()
	block, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting block number")
	}
	return block, nil
}

// Call executes a view function and returns the unpacked outputs.
func (t *Transactor) Call(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "packing %s", method)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()

	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{From: t.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s", method)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpacking %s", method)
	}
	return values, nil
}

// Simulate runs the state changing call without sending it. A revert is returned as error.
func (t *Transactor) Simulate(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return errors.Wrapf(err, "packing %s", method)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()

	_, err = t.backend.CallContract(ctx, ethereum.CallMsg{From: t.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return errors.Wrapf(err, "simulating %s", method)
	}
	return nil
}

// Sign builds and signs the transaction (nonce, gas and fees from the node) without sending it.
func (t *Transactor) Sign(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(t.signer.PrivateKey(), t.cfg.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "creating transactor")
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()
	opts.Context = ctx
	opts.NoSend = true

	contract := bind.NewBoundContract(to, contractABI, t.backend, t.backend, t.backend)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "signing %s", method)
	}
	return tx, nil
}

// Broadcast sends a signed transaction. Sending a transaction the node already knows is not an error. If the
// nonce was used by another transaction entities.ErrTransactionReplaced is returned.
func (t *Transactor) Broadcast(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()

	err := t.backend.SendTransaction(ctx, tx)
	switch {
	case err == nil, isAlreadyKnown(err):
		return nil
	case isNonceTooLow(err):
		// our own transaction was mined before, or another one took the nonce
		_, receiptErr := t.backend.TransactionReceipt(ctx, tx.Hash())
		if receiptErr == nil {
			return nil
		}
		if errors.Is(receiptErr, ethereum.NotFound) {
			return errors.Wrapf(entities.ErrTransactionReplaced, "transaction [%s] nonce [%d]", tx.Hash().Hex(), tx.Nonce())
		}
		return errors.Wrapf(receiptErr, "getting receipt of transaction [%s]", tx.Hash().Hex())
	default:
		return errors.Wrapf(err, "sending transaction [%s]", tx.Hash().Hex())
	}
}

// WaitConfirmed polls for the receipt until it is successful and has the configured number of confirmations.
// A failed receipt returns entities.ErrTransactionReverted.
func (t *Transactor) WaitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if t.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.TxTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, errors.Wrapf(entities.ErrTransactionReverted, "transaction [%s] in block [%d]", txHash.Hex(), receipt.BlockNumber)
			}
			if t.confirmed(ctx, receipt) {
				return receipt, nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			if ctx.Err() == nil {
				t.logger.Warnw("Getting receipt failed.", "tx", txHash.Hex(), "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for transaction [%s]", txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (t *Transactor) confirmed(ctx context.Context, receipt *types.Receipt) bool {
	if t.cfg.Confirmations == 0 || receipt.BlockNumber == nil {
		return true
	}
	head, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head >= receipt.BlockNumber.Uint64()+t.cfg.Confirmations
}

// Execute simulates, signs, sends and waits for a transaction.
func (t *Transactor) Execute(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	if err := t.Simulate(ctx, contractABI, to, method, args...); err != nil {
		return nil, err
	}
	tx, err := t.Sign(ctx, contractABI, to, method, args...)
	if err != nil {
		return nil, err
	}
	if err := t.Broadcast(ctx, tx); err != nil {
		return nil, err
	}
	t.logger.Infow("Sent transaction.", "method", method, "tx", tx.Hash().Hex())
	return t.WaitConfirmed(ctx, tx.Hash())
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
