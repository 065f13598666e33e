package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/augmint/transfer-history/entities"
	"github.com/augmint/transfer-history/metrics"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ErrMock = errors.New("mock error")

var testMetrics = metrics.NewMetrics("test")

type MockChain struct {
	mutex          sync.Mutex
	latestBlock    uint64
	transfers      []entities.RawTransfer
	timestamps     map[uint64]uint64
	balance        int64
	legacyBalances map[string]int64
	shouldError    bool
	fetchCalls     int
	timestampCalls int
	// transfer queries of slowAccount signal started and wait for release
	slowAccount string
	started     chan struct{}
	release     chan struct{}
}

func (mc *MockChain) LatestBlock(_ context.Context) (uint64, error) {
	if mc.shouldError {
		return 0, ErrMock
	}
	return mc.latestBlock, nil
}

func (mc *MockChain) filter(account string, fromBlock, toBlock uint64, sent bool) ([]entities.RawTransfer, error) {
	if mc.slowAccount != "" && strings.EqualFold(account, mc.slowAccount) {
		select {
		case mc.started <- struct{}{}:
		default:
		}
		<-mc.release
	}
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.fetchCalls++
	if mc.shouldError {
		return nil, ErrMock
	}
	var result []entities.RawTransfer
	for _, raw := range mc.transfers {
		party := raw.To
		if sent {
			party = raw.From
		}
		if strings.EqualFold(party, account) && raw.BlockNumber >= fromBlock && raw.BlockNumber <= toBlock {
			result = append(result, raw)
		}
	}
	return result, nil
}

func (mc *MockChain) TransfersFrom(_ context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	return mc.filter(account, fromBlock, toBlock, true)
}

func (mc *MockChain) TransfersTo(_ context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	return mc.filter(account, fromBlock, toBlock, false)
}

func (mc *MockChain) BlockTimestamp(_ context.Context, blockNumber uint64) (uint64, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.timestampCalls++
	timestamp, ok := mc.timestamps[blockNumber]
	if !ok {
		return 0, ErrMock
	}
	return timestamp, nil
}

func (mc *MockChain) setBalance(balance int64) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.balance = balance
}

func (mc *MockChain) BalanceOf(_ context.Context, _ string) (int64, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.shouldError {
		return 0, ErrMock
	}
	return mc.balance, nil
}

func (mc *MockChain) ContractBalanceOf(_ context.Context, contract, _ string) (int64, error) {
	balance, ok := mc.legacyBalances[contract]
	if !ok {
		return 0, ErrMock
	}
	return balance, nil
}

type MockStore struct {
	mutex       sync.Mutex
	timestamps  map[uint64]uint64
	syncedBlock map[string]uint64
}

func NewMockStore() *MockStore {
	return &MockStore{timestamps: make(map[uint64]uint64), syncedBlock: make(map[string]uint64)}
}

func (ms *MockStore) GetBlockTimestamp(blockNumber uint64) (uint64, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	timestamp, ok := ms.timestamps[blockNumber]
	if !ok {
		return 0, entities.ErrStoreEntityNotFound
	}
	return timestamp, nil
}

func (ms *MockStore) SetBlockTimestamp(blockNumber, timestamp uint64) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.timestamps[blockNumber] = timestamp
	return nil
}

func (ms *MockStore) SetLastSyncedBlock(account string, blockNumber uint64) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.syncedBlock[account] = blockNumber
	return nil
}

type MockPublisher struct {
	published   map[string][]entities.Transfer
	shouldError bool
	calls       int
}

func (mp *MockPublisher) PublishTransfers(_ context.Context, account string, transfers []entities.Transfer) error {
	mp.calls++
	if mp.shouldError {
		return ErrMock
	}
	if mp.published == nil {
		mp.published = make(map[string][]entities.Transfer)
	}
	mp.published[account] = append(mp.published[account], transfers...)
	return nil
}

func newTestChain() *MockChain {
	return &MockChain{
		latestBlock: 100,
		transfers: []entities.RawTransfer{
			{TxHash: "0x01", From: bob, To: alice, Amount: 10000, BlockNumber: 1},
			{TxHash: "0x02", From: alice, To: bob, Amount: 1000, Fee: 2, BlockNumber: 5},
			{TxHash: "0x03", LogIndex: 0, From: alice, To: bob, Amount: 95, Fee: 2, BlockNumber: 9},
			{TxHash: "0x03", LogIndex: 1, From: alice, To: relayer, Amount: 5, Narrative: entities.DelegatedTransferNarrative, BlockNumber: 9},
			{TxHash: "0x04", From: alice, To: alice, Amount: 300, Fee: 1, BlockNumber: 12},
		},
		timestamps: map[uint64]uint64{1: 1514764800, 9: 1514765400, 12: 1514766000},
		balance:    8896,
	}
}

func newTestService(chain ChainClient, store BlockStore, publishers ...Publisher) *HistoryService {
	return NewHistoryService(chain, store, NewHistoryCache(time.Minute), Config{
		TokenDeployBlock: 0,
		LegacyTokens:     []string{"0xold1", "0xold2"},
	}, zap.NewNop().Sugar(), testMetrics, publishers...)
}

func TestHistoryService_GetHistory(t *testing.T) {
	chain := newTestChain()
	store := NewMockStore()
	store.timestamps[5] = 1514765000 // resolved from store
	publisher := &MockPublisher{}
	service := newTestService(chain, store, publisher)

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)

	account := strings.ToLower(alice)
	assert.Equal(t, account, history.Account)
	assert.Equal(t, uint64(100), history.ToBlock)
	assert.Equal(t, int64(8896), history.CurrentBalance)
	assert.True(t, history.BalancesExact)

	var keys []string
	var balances []int64
	for _, tr := range history.Transfers {
		keys = append(keys, tr.Key)
		balances = append(balances, tr.Balance)
	}
	assert.Equal(t, []string{"0x04-0", "0x03-0", "0x02-0", "0x01-0"}, keys)
	assert.Equal(t, []int64{8896, 8896, 8998, 10000}, balances)

	merged := history.Transfers[1]
	assert.Equal(t, int64(-95), merged.Amount)
	assert.Equal(t, int64(7), merged.Fee)
	assert.Equal(t, "1 Jan 2018 00:10", merged.TimestampText)
	assert.Equal(t, "1 Jan 2018 00:03", history.Transfers[2].TimestampText)

	assert.Equal(t, uint64(100), store.syncedBlock[account])
	assert.Equal(t, uint64(1514766000), store.timestamps[12])
	assert.Equal(t, 3, chain.timestampCalls)

	if diff := cmp.Diff(history.Transfers, publisher.published[account]); diff != "" {
		t.Errorf("unexpected published transfers (-want +got):\n%s", diff)
	}
}

func TestHistoryService_GetHistory_isCached(t *testing.T) {
	chain := newTestChain()
	publisher := &MockPublisher{}
	service := newTestService(chain, NewMockStore(), publisher)

	first, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	second, err := service.GetHistory(context.Background(), HistoryRequest{Account: "0x" + strings.ToUpper(alice[2:])})
	require.NoError(t, err)

	assert.Equal(t, 2, chain.fetchCalls)
	assert.Equal(t, 1, publisher.calls)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("unexpected cached history (-want +got):\n%s", diff)
	}
}

func TestHistoryService_GetHistory_selfTransferIsCountedOnce(t *testing.T) {
	chain := newTestChain()
	service := newTestService(chain, NewMockStore())

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice, FromBlock: 10, ToBlock: 20})
	require.NoError(t, err)
	require.Len(t, history.Transfers, 1)
	assert.Equal(t, "0x04-0", history.Transfers[0].Key)
	assert.False(t, history.BalancesExact)
	assert.Equal(t, uint64(20), history.ToBlock)
}

func TestHistoryService_GetHistory_balanceOverride(t *testing.T) {
	service := newTestService(newTestChain(), NewMockStore())

	balance := int64(500)
	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice, Balance: &balance})
	require.NoError(t, err)
	assert.Equal(t, int64(500), history.CurrentBalance)
	assert.Equal(t, int64(500), history.Transfers[0].Balance)

	// the override is not cached
	history, err = service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Equal(t, int64(8896), history.CurrentBalance)
}

func TestHistoryService_GetHistory_unresolvedTimestamp(t *testing.T) {
	chain := newTestChain()
	delete(chain.timestamps, 12)
	service := newTestService(chain, NewMockStore())

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Equal(t, entities.TimestampPlaceholder, history.Transfers[0].TimestampText)
	assert.Zero(t, history.Transfers[0].Timestamp)
}

func TestHistoryService_GetHistory_givenInvalidRange_thenError(t *testing.T) {
	chain := newTestChain()
	service := newTestService(chain, NewMockStore())

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice, FromBlock: 20, ToBlock: 10})
	assert.Error(t, err)
	assert.Zero(t, chain.fetchCalls)
}

func TestHistoryService_GetHistory_givenChainError_thenError(t *testing.T) {
	chain := newTestChain()
	chain.shouldError = true
	service := newTestService(chain, NewMockStore())

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice, ToBlock: 50})
	assert.ErrorIs(t, err, ErrMock)
}

func TestHistoryService_GetHistory_givenPublishError_thenHistoryIsReturned(t *testing.T) {
	service := newTestService(newTestChain(), NewMockStore(), &MockPublisher{shouldError: true})

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Len(t, history.Transfers, 4)
}

func TestHistoryService_ApplyTransfer(t *testing.T) {
	chain := newTestChain()
	chain.timestamps[120] = 1514767000
	publisher := &MockPublisher{}
	service := newTestService(chain, NewMockStore(), publisher)

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	_, err = service.GetHistory(context.Background(), HistoryRequest{Account: alice, ToBlock: 50})
	require.NoError(t, err)

	// the node already includes the transfer when the event arrives
	chain.setBalance(9296)
	raw := entities.RawTransfer{TxHash: "0x05", From: bob, To: alice, Amount: 400, BlockNumber: 120}
	err = service.ApplyTransfer(context.Background(), alice, raw)
	require.NoError(t, err)

	account := strings.ToLower(alice)
	published := publisher.published[account]
	live := published[len(published)-1]
	assert.Equal(t, "0x05-0", live.Key)
	assert.Equal(t, int64(400), live.Amount)
	assert.Equal(t, int64(9296), live.Balance)

	// applying the same event twice has no effect
	calls := publisher.calls
	err = service.ApplyTransfer(context.Background(), alice, raw)
	require.NoError(t, err)
	assert.Equal(t, calls, publisher.calls)

	latest, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	require.Len(t, latest.Transfers, 5)
	assert.Equal(t, "0x05-0", latest.Transfers[0].Key)
	assert.Equal(t, "1 Jan 2018 00:36", latest.Transfers[0].TimestampText)
	assert.Equal(t, uint64(120), latest.ToBlock)
	assert.Equal(t, int64(9296), latest.CurrentBalance)
	assert.Equal(t, int64(8896), latest.Transfers[1].Balance)

	// the block is outside of the closed range
	closed, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice, ToBlock: 50})
	require.NoError(t, err)
	assert.Len(t, closed.Transfers, 4)
}

func TestHistoryService_ApplyTransfer_delegatedTransferAsTwoEvents(t *testing.T) {
	chain := newTestChain()
	chain.timestamps[130] = 1514767000
	publisher := &MockPublisher{}
	service := newTestService(chain, NewMockStore(), publisher)

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	account := strings.ToLower(alice)

	chain.setBalance(8896 - 95 - 2)
	primary := entities.RawTransfer{TxHash: "0x06", LogIndex: 0, From: alice, To: bob, Amount: 95, Fee: 2, BlockNumber: 130}
	require.NoError(t, service.ApplyTransfer(context.Background(), alice, primary))

	published := publisher.published[account]
	first := published[len(published)-1]
	assert.Equal(t, "0x06-0", first.Key)
	assert.Equal(t, int64(2), first.Fee)
	assert.Equal(t, int64(8799), first.Balance)

	chain.setBalance(8896 - 95 - 2 - 5)
	shadow := entities.RawTransfer{TxHash: "0x06", LogIndex: 1, From: alice, To: relayer, Amount: 5, Narrative: entities.DelegatedTransferNarrative, BlockNumber: 130}
	require.NoError(t, service.ApplyTransfer(context.Background(), alice, shadow))

	published = publisher.published[account]
	merged := published[len(published)-1]
	assert.Equal(t, "0x06-0", merged.Key)
	assert.Equal(t, int64(-95), merged.Amount)
	assert.Equal(t, int64(7), merged.Fee)
	assert.Equal(t, int64(8794), merged.Balance)
	assert.Len(t, published, 4+2)

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	require.Len(t, history.Transfers, 5)
	assert.Equal(t, "0x06-0", history.Transfers[0].Key)
	assert.Equal(t, int64(8896), history.Transfers[1].Balance)
}

func TestHistoryService_RefreshBalance(t *testing.T) {
	chain := newTestChain()
	publisher := &MockPublisher{}
	service := newTestService(chain, NewMockStore(), publisher)

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Equal(t, 1, publisher.calls)

	chain.setBalance(9296)
	err = service.RefreshBalance(context.Background(), alice)
	require.NoError(t, err)

	history, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Equal(t, int64(9296), history.CurrentBalance)
	assert.Equal(t, 2, chain.fetchCalls)

	// the changed balances are published again
	assert.Equal(t, 2, publisher.calls)
	published := publisher.published[strings.ToLower(alice)]
	assert.Equal(t, int64(9296), published[len(published)-4].Balance)

	// unchanged balance is not published
	err = service.RefreshBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 2, publisher.calls)
}

func TestHistoryService_GetHistory_slowFetchDoesNotBlockOtherAccounts(t *testing.T) {
	chain := newTestChain()
	service := newTestService(chain, NewMockStore())

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)

	chain.slowAccount = bob
	chain.started = make(chan struct{}, 1)
	chain.release = make(chan struct{})

	bobDone := make(chan error, 1)
	go func() {
		_, err := service.GetHistory(context.Background(), HistoryRequest{Account: bob})
		bobDone <- err
	}()
	<-chain.started

	aliceDone := make(chan error, 1)
	go func() {
		_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
		if err == nil {
			err = service.RefreshBalance(context.Background(), alice)
		}
		aliceDone <- err
	}()

	select {
	case err := <-aliceDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Error("cached history waited for the fetch of another account")
	}

	close(chain.release)
	require.NoError(t, <-bobDone)
}

func TestHistoryService_GetHistory_concurrentRequestsShareFetch(t *testing.T) {
	chain := newTestChain()
	chain.slowAccount = bob
	chain.started = make(chan struct{}, 1)
	chain.release = make(chan struct{})
	publisher := &MockPublisher{}
	service := newTestService(chain, NewMockStore(), publisher)

	var wg sync.WaitGroup
	histories := make([]entities.History, 2)
	for i := range histories {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			history, err := service.GetHistory(context.Background(), HistoryRequest{Account: bob})
			assert.NoError(t, err)
			histories[i] = history
		}()
	}
	<-chain.started
	time.Sleep(100 * time.Millisecond) // let the second request join
	close(chain.release)
	wg.Wait()

	assert.Equal(t, 2, chain.fetchCalls)
	assert.Equal(t, 1, publisher.calls)
	if diff := cmp.Diff(histories[0], histories[1]); diff != "" {
		t.Errorf("unexpected shared history (-want +got):\n%s", diff)
	}
}

func TestHistoryService_Invalidate(t *testing.T) {
	chain := newTestChain()
	service := newTestService(chain, NewMockStore())

	_, err := service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	_, err = service.GetHistory(context.Background(), HistoryRequest{Account: bob})
	require.NoError(t, err)
	assert.Equal(t, 4, chain.fetchCalls)

	service.Invalidate(alice)
	_, err = service.GetHistory(context.Background(), HistoryRequest{Account: bob})
	require.NoError(t, err)
	assert.Equal(t, 4, chain.fetchCalls)
	_, err = service.GetHistory(context.Background(), HistoryRequest{Account: alice})
	require.NoError(t, err)
	assert.Equal(t, 6, chain.fetchCalls)

	service.InvalidateAll()
	_, err = service.GetHistory(context.Background(), HistoryRequest{Account: bob})
	require.NoError(t, err)
	assert.Equal(t, 8, chain.fetchCalls)
}

func TestHistoryService_LegacyBalances(t *testing.T) {
	chain := newTestChain()
	chain.legacyBalances = map[string]int64{"0xold1": 100, "0xold2": 0}
	service := newTestService(chain, NewMockStore())

	balances, err := service.LegacyBalances(context.Background(), alice)
	require.NoError(t, err)
	expected := []entities.LegacyBalance{{Contract: "0xold1", Balance: 100}, {Contract: "0xold2", Balance: 0}}
	if diff := cmp.Diff(expected, balances); diff != "" {
		t.Errorf("unexpected legacy balances (-want +got):\n%s", diff)
	}

	delete(chain.legacyBalances, "0xold2")
	_, err = service.LegacyBalances(context.Background(), alice)
	assert.ErrorIs(t, err, ErrMock)
}
