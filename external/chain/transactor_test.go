package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testChainID  = big.NewInt(31337)
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type FakeTxBackend struct {
	callErr    error
	calls      []ethereum.CallMsg
	nonce      uint64
	sendErr    error
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
	// receipts become visible after this many lookups
	receiptDelay   int
	receiptLookups int
	head           uint64
	headStep       uint64
	headCalls      int
}

func (f *FakeTxBackend) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (f *FakeTxBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	return nil, f.callErr
}

func (f *FakeTxBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	// no base fee, legacy transactions
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *FakeTxBackend) PendingCodeAt(_ context.Context, _ common.Address) ([]byte, error) {
	return []byte{1}, nil
}

func (f *FakeTxBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *FakeTxBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *FakeTxBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *FakeTxBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *FakeTxBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *FakeTxBackend) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *FakeTxBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *FakeTxBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.receiptLookups++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	receipt, ok := f.receipts[txHash]
	if !ok || f.receiptLookups <= f.receiptDelay {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *FakeTxBackend) BlockNumber(_ context.Context) (uint64, error) {
	f.headCalls++
	head := f.head
	f.head += f.headStep
	return head, nil
}

func newTestTransactor(t *testing.T, backend *FakeTxBackend, confirmations uint64, txTimeout time.Duration) *Transactor {
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)
	return NewTransactor(backend, signer, TransactorConfig{
		ChainID:       testChainID,
		Confirmations: confirmations,
		PollInterval:  time.Millisecond,
		TxTimeout:     txTimeout,
	}, zap.NewNop().Sugar())
}

func signedTestTx(t *testing.T, nonce uint64) *types.Transaction {
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &testContract, Gas: 50_000, GasPrice: big.NewInt(1)})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), signer.PrivateKey())
	require.NoError(t, err)
	return signed
}

func remediationArgs() []any {
	return []any{[32]byte(testPool), []*big.Int{big.NewInt(7)}}
}

func TestTransactor_Simulate(t *testing.T) {
	backend := &FakeTxBackend{}
	transactor := newTestTransactor(t, backend, 0, 0)

	require.NoError(t, transactor.Simulate(context.Background(), ShieldABI, testContract, "removeLiquidityInBatch", remediationArgs()...))
	require.Len(t, backend.calls, 1)
	assert.Equal(t, testOwner, backend.calls[0].From)
	assert.Equal(t, &testContract, backend.calls[0].To)
	assert.Equal(t, ShieldABI.Methods["removeLiquidityInBatch"].ID, backend.calls[0].Data[:4])

	backend.callErr = errors.New("execution reverted")
	err := transactor.Simulate(context.Background(), ShieldABI, testContract, "removeLiquidityInBatch", remediationArgs()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestTransactor_Sign_thenNotSent(t *testing.T) {
	backend := &FakeTxBackend{nonce: 7}
	transactor := newTestTransactor(t, backend, 0, 0)

	tx, err := transactor.Sign(context.Background(), ShieldABI, testContract, "removeLiquidityInBatch", remediationArgs()...)
	require.NoError(t, err)
	assert.Empty(t, backend.sent)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, &testContract, tx.To())
	assert.Equal(t, uint64(50_000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, testOwner, sender)
}

func TestTransactor_Broadcast(t *testing.T) {
	tx := signedTestTx(t, 7)
	minedReceipt := map[common.Hash]*types.Receipt{tx.Hash(): {TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}}

	testData := []struct {
		name       string
		sendErr    error
		receipts   map[common.Hash]*types.Receipt
		receiptErr error
		target     error
		fails      bool
	}{
		{name: "sent"},
		{name: "already known", sendErr: errors.New("already known")},
		{name: "known transaction", sendErr: errors.New("known transaction: 0x12")},
		{name: "nonce too low and own transaction mined", sendErr: errors.New("nonce too low: next nonce 8, tx nonce 7"), receipts: minedReceipt},
		{name: "nonce too low and nonce used by another transaction", sendErr: errors.New("nonce too low: next nonce 8, tx nonce 7"), target: entities.ErrTransactionReplaced, fails: true},
		{name: "nonce too low and receipt lookup fails", sendErr: errors.New("nonce too low"), receiptErr: errors.New("connection refused"), fails: true},
		{name: "insufficient funds", sendErr: errors.New("insufficient funds for gas * price + value"), fails: true},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			backend := &FakeTxBackend{sendErr: testRun.sendErr, receipts: testRun.receipts, receiptErr: testRun.receiptErr}
			err := newTestTransactor(t, backend, 0, 0).Broadcast(context.Background(), tx)
			if !testRun.fails {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if testRun.target != nil {
				assert.ErrorIs(t, err, testRun.target)
			} else {
				assert.NotErrorIs(t, err, entities.ErrTransactionReplaced)
			}
		})
	}
}

func TestTransactor_WaitConfirmed(t *testing.T) {
	tx := signedTestTx(t, 0)
	backend := &FakeTxBackend{
		receipts:     map[common.Hash]*types.Receipt{tx.Hash(): {TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
		receiptDelay: 2,
	}

	receipt, err := newTestTransactor(t, backend, 0, time.Second).WaitConfirmed(context.Background(), tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, 3, backend.receiptLookups)
	assert.Equal(t, 0, backend.headCalls)
}

func TestTransactor_WaitConfirmed_givenConfirmations_thenWaitsForDepth(t *testing.T) {
	tx := signedTestTx(t, 0)
	backend := &FakeTxBackend{
		receipts: map[common.Hash]*types.Receipt{tx.Hash(): {TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
		head:     10,
		headStep: 1,
	}

	receipt, err := newTestTransactor(t, backend, 2, time.Second).WaitConfirmed(context.Background(), tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), receipt.BlockNumber)
	// heads 10 and 11 are not deep enough, 12 is
	assert.Equal(t, 3, backend.headCalls)
}

func TestTransactor_WaitConfirmed_givenFailedReceipt_thenReverted(t *testing.T) {
	tx := signedTestTx(t, 0)
	backend := &FakeTxBackend{
		receipts: map[common.Hash]*types.Receipt{tx.Hash(): {TxHash: tx.Hash(), Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}},
	}

	_, err := newTestTransactor(t, backend, 2, time.Second).WaitConfirmed(context.Background(), tx.Hash())
	require.ErrorIs(t, err, entities.ErrTransactionReverted)
}

func TestTransactor_WaitConfirmed_givenNoReceipt_thenTimeout(t *testing.T) {
	tx := signedTestTx(t, 0)
	backend := &FakeTxBackend{}

	_, err := newTestTransactor(t, backend, 0, 20*time.Millisecond).WaitConfirmed(context.Background(), tx.Hash())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, entities.ErrTransactionReverted)
	assert.Greater(t, backend.receiptLookups, 1)
}

func TestTransactor_WaitConfirmed_givenCancelledContext_thenError(t *testing.T) {
	tx := signedTestTx(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestTransactor(t, &FakeTxBackend{}, 0, 0).WaitConfirmed(ctx, tx.Hash())
	require.ErrorIs(t, err, context.Canceled)
}
