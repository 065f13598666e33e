package transfer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/augmint/transfer-history/entities"
	"github.com/augmint/transfer-history/metrics"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type ChainClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	TransfersFrom(ctx context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error)
	TransfersTo(ctx context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
	BalanceOf(ctx context.Context, account string) (int64, error)
	ContractBalanceOf(ctx context.Context, contract, account string) (int64, error)
}

type BlockStore interface {
	GetBlockTimestamp(blockNumber uint64) (uint64, error)
	SetBlockTimestamp(blockNumber, timestamp uint64) error
	SetLastSyncedBlock(account string, blockNumber uint64) error
}

type Publisher interface {
	PublishTransfers(ctx context.Context, account string, transfers []entities.Transfer) error
}

type Config struct {
	FetchTimeout     time.Duration
	PublishTimeout   time.Duration
	TimestampWorkers int
	TokenDeployBlock uint64
	LegacyTokens     []string
}

type HistoryRequest struct {
	Account   string
	FromBlock uint64
	ToBlock   uint64 // 0 means latest
	Balance   *int64 // current balance override, fetched from chain if nil
}

// CachedTransfers holds the raw events of one account and block range together with the balance they were fetched with.
type CachedTransfers struct {
	account     string
	fromBlock   uint64
	toBlock     uint64
	syncedBlock uint64
	balance     int64
	raws        []entities.RawTransfer
}

func (ct *CachedTransfers) covers(blockNumber uint64) bool {
	return blockNumber >= ct.fromBlock && (ct.toBlock == 0 || blockNumber <= ct.toBlock)
}

func (ct *CachedTransfers) snapshot() *CachedTransfers {
	copied := *ct
	copied.raws = slices.Clone(ct.raws)
	return &copied
}

type HistoryService struct {
	chain      ChainClient
	store      BlockStore
	publishers []Publisher
	cache      *ttlcache.Cache[string, *CachedTransfers]
	cacheLock  sync.Mutex // guards the cached values, not the fetches
	fetchGroup singleflight.Group
	config     Config
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
}

func NewHistoryService(
	chain ChainClient,
	store BlockStore,
	cache *ttlcache.Cache[string, *CachedTransfers],
	config Config,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
	publishers ...Publisher,
) *HistoryService {
	if config.TimestampWorkers <= 0 {
		config.TimestampWorkers = 8
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 30 * time.Second
	}
	return &HistoryService{
		chain:      chain,
		store:      store,
		publishers: publishers,
		cache:      cache,
		config:     config,
		logger:     logger,
		metrics:    m,
	}
}

func NewHistoryCache(ttl time.Duration) *ttlcache.Cache[string, *CachedTransfers] {
	return ttlcache.New[string, *CachedTransfers](
		ttlcache.WithTTL[string, *CachedTransfers](ttl),
		ttlcache.WithDisableTouchOnHit[string, *CachedTransfers](), // don't refresh ttl upon getting the item from cache
	)
}

func cacheKey(account string, fromBlock, toBlock uint64) string {
	return fmt.Sprintf("%s:%d:%d", account, fromBlock, toBlock)
}

func (s *HistoryService) GetHistory(ctx context.Context, request HistoryRequest) (entities.History, error) {
	account := strings.ToLower(request.Account)
	if request.ToBlock > 0 && request.FromBlock > request.ToBlock {
		return entities.History{}, errors.Errorf("invalid block range [%d - %d]", request.FromBlock, request.ToBlock)
	}

	key := cacheKey(account, request.FromBlock, request.ToBlock)
	cached, ok := s.cachedSnapshot(key)
	if ok {
		s.metrics.IncCacheHit()
	} else {
		s.metrics.IncCacheMiss()
		// concurrent requests for the same history share one fetch
		value, err, _ := s.fetchGroup.Do(key, func() (any, error) {
			fetched, err := s.fetch(ctx, account, request.FromBlock, request.ToBlock)
			if err != nil {
				return nil, err
			}
			s.cacheLock.Lock()
			s.cache.Set(key, fetched, ttlcache.DefaultTTL)
			fetched = fetched.snapshot()
			s.cacheLock.Unlock()

			s.publish(ctx, account, Aggregate(fetched.raws, account, fetched.balance))
			return fetched, nil
		})
		if err != nil {
			return entities.History{}, errors.Wrapf(err, "fetching transfers of account [%s]", account)
		}
		cached = value.(*CachedTransfers)
	}

	balance := cached.balance
	if request.Balance != nil {
		balance = *request.Balance
	}
	return s.buildHistory(cached, balance), nil
}

func (s *HistoryService) cachedSnapshot(key string) (*CachedTransfers, bool) {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	item := s.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value().snapshot(), true
}

func (s *HistoryService) buildHistory(cached *CachedTransfers, balance int64) entities.History {
	return entities.History{
		Account:        cached.account,
		FromBlock:      cached.fromBlock,
		ToBlock:        cached.syncedBlock,
		CurrentBalance: balance,
		BalancesExact:  cached.fromBlock <= s.config.TokenDeployBlock,
		Transfers:      Aggregate(cached.raws, cached.account, balance),
	}
}

func (s *HistoryService) fetch(ctx context.Context, account string, fromBlock, toBlock uint64) (*CachedTransfers, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	syncedBlock := toBlock
	if syncedBlock == 0 {
		latest, err := s.chain.LatestBlock(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "getting latest block")
		}
		s.metrics.SetSourceBlock(latest)
		syncedBlock = latest
	}

	raws, err := s.fetchRawTransfers(ctx, account, fromBlock, syncedBlock)
	if err != nil {
		return nil, err
	}
	s.metrics.AddFetchedEvents(len(raws))
	s.resolveTimestamps(ctx, raws)

	balance, err := s.chain.BalanceOf(ctx, account)
	if err != nil {
		return nil, errors.Wrap(err, "getting balance")
	}

	err = s.store.SetLastSyncedBlock(account, syncedBlock)
	if err != nil {
		s.logger.Warnw("Could not store last synced block", "account", account, "block", syncedBlock, "error", err)
	}
	s.metrics.SetLastSyncedBlock(syncedBlock)
	s.metrics.ObserveFetchDuration(time.Since(start).Seconds())

	s.logger.Infow("Fetched transfers", "account", account, "fromBlock", fromBlock, "toBlock", syncedBlock, "events", len(raws))
	return &CachedTransfers{
		account:     account,
		fromBlock:   fromBlock,
		toBlock:     toBlock,
		syncedBlock: syncedBlock,
		balance:     balance,
		raws:        raws,
	}, nil
}

// fetchRawTransfers gets the events sent and received by account in parallel. Events showing up in both
// directions (self transfers) are only kept once.
func (s *HistoryService) fetchRawTransfers(ctx context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	var sent, received []entities.RawTransfer

	errorGroup, groupCtx := errgroup.WithContext(ctx)
	errorGroup.Go(func() error {
		var err error
		sent, err = s.chain.TransfersFrom(groupCtx, account, fromBlock, toBlock)
		return errors.Wrap(err, "getting sent transfers")
	})
	errorGroup.Go(func() error {
		var err error
		received, err = s.chain.TransfersTo(groupCtx, account, fromBlock, toBlock)
		return errors.Wrap(err, "getting received transfers")
	})
	if err := errorGroup.Wait(); err != nil {
		return nil, err
	}

	return uniqueEvents(append(sent, received...)), nil
}

func uniqueEvents(raws []entities.RawTransfer) []entities.RawTransfer {
	seen := make(map[string]bool, len(raws))
	unique := make([]entities.RawTransfer, 0, len(raws))
	for _, raw := range raws {
		id := raw.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, raw)
	}
	return unique
}

// resolveTimestamps sets the block timestamp of the transfers, looking up every block only once. Blocks that
// cannot be resolved keep a zero timestamp.
func (s *HistoryService) resolveTimestamps(ctx context.Context, raws []entities.RawTransfer) {
	var blocks []uint64
	for _, raw := range raws {
		if raw.Timestamp == 0 && !slices.Contains(blocks, raw.BlockNumber) {
			blocks = append(blocks, raw.BlockNumber)
		}
	}
	if len(blocks) == 0 {
		return
	}

	var lock sync.Mutex
	timestamps := make(map[uint64]uint64, len(blocks))

	var errorGroup errgroup.Group
	errorGroup.SetLimit(s.config.TimestampWorkers)
	for _, block := range blocks {
		block := block
		errorGroup.Go(func() error {
			timestamp, err := s.blockTimestamp(ctx, block)
			if err != nil {
				s.metrics.IncUnresolvedTimestamps()
				s.logger.Warnw("Could not resolve block timestamp", "block", block, "error", err)
				return nil
			}
			lock.Lock()
			timestamps[block] = timestamp
			lock.Unlock()
			return nil
		})
	}
	_ = errorGroup.Wait()

	for i := range raws {
		if raws[i].Timestamp == 0 {
			raws[i].Timestamp = timestamps[raws[i].BlockNumber]
		}
	}
}

func (s *HistoryService) blockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	timestamp, err := s.store.GetBlockTimestamp(blockNumber)
	if err == nil {
		return timestamp, nil
	}
	if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		s.logger.Warnw("Error reading block timestamp from store", "block", blockNumber, "error", err)
	}

	timestamp, err = s.chain.BlockTimestamp(ctx, blockNumber)
	if err != nil {
		return 0, errors.Wrapf(err, "getting timestamp of block [%d]", blockNumber)
	}
	err = s.store.SetBlockTimestamp(blockNumber, timestamp)
	if err != nil {
		s.logger.Warnw("Could not store block timestamp", "block", blockNumber, "error", err)
	}
	return timestamp, nil
}

// ApplyTransfer adds a newly observed transfer event to every cached history of account that covers its block.
// The account balance is refetched first so that the published record carries the balance after the transfer.
func (s *HistoryService) ApplyTransfer(ctx context.Context, account string, raw entities.RawTransfer) error {
	account = strings.ToLower(account)
	single := []entities.RawTransfer{raw}
	s.resolveTimestamps(ctx, single)
	raw = single[0]

	balance, balanceErr := s.currentBalance(ctx, account)
	if balanceErr != nil {
		s.logger.Warnw("Could not refresh balance for live transfer", "account", account, "error", balanceErr)
	}

	var latest *CachedTransfers
	s.cacheLock.Lock()
	for _, item := range s.cache.Items() {
		cached := item.Value()
		if cached.account != account {
			continue
		}
		if balanceErr == nil {
			cached.balance = balance
		}
		if !cached.covers(raw.BlockNumber) {
			continue
		}
		if slices.ContainsFunc(cached.raws, func(r entities.RawTransfer) bool { return r.EventID() == raw.EventID() }) {
			continue
		}
		cached.raws = append(cached.raws, raw)
		cached.syncedBlock = max(cached.syncedBlock, raw.BlockNumber)
		if cached.toBlock == 0 {
			latest = cached.snapshot()
		}
	}
	s.cacheLock.Unlock()

	if latest != nil {
		var changed []entities.Transfer
		for _, t := range Aggregate(latest.raws, account, latest.balance) {
			if t.Key == raw.Key() {
				changed = append(changed, t)
			}
		}
		s.publish(ctx, account, changed)
	}
	return nil
}

// RefreshBalance updates the current balance of all cached histories of account. Open ended histories whose
// balance changed are published again, as the balance of every record depends on it.
func (s *HistoryService) RefreshBalance(ctx context.Context, account string) error {
	account = strings.ToLower(account)
	balance, err := s.currentBalance(ctx, account)
	if err != nil {
		return errors.Wrapf(err, "getting balance of account [%s]", account)
	}

	var changed []*CachedTransfers
	s.cacheLock.Lock()
	for _, item := range s.cache.Items() {
		cached := item.Value()
		if cached.account != account {
			continue
		}
		wasChanged := cached.balance != balance
		cached.balance = balance
		if wasChanged && cached.toBlock == 0 {
			changed = append(changed, cached.snapshot())
		}
	}
	s.cacheLock.Unlock()

	for _, cached := range changed {
		s.publish(ctx, account, Aggregate(cached.raws, account, cached.balance))
	}
	return nil
}

func (s *HistoryService) currentBalance(ctx context.Context, account string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()
	return s.chain.BalanceOf(ctx, account)
}

func (s *HistoryService) Invalidate(account string) {
	account = strings.ToLower(account)
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	for key, item := range s.cache.Items() {
		if item.Value().account == account {
			s.cache.Delete(key)
		}
	}
}

func (s *HistoryService) InvalidateAll() {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	s.cache.DeleteAll()
}

func (s *HistoryService) LegacyBalances(ctx context.Context, account string) ([]entities.LegacyBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	balances := make([]entities.LegacyBalance, len(s.config.LegacyTokens))
	errorGroup, groupCtx := errgroup.WithContext(ctx)
	for i, contract := range s.config.LegacyTokens {
		i, contract := i, contract
		errorGroup.Go(func() error {
			balance, err := s.chain.ContractBalanceOf(groupCtx, contract, account)
			if err != nil {
				return errors.Wrapf(err, "getting balance from legacy contract [%s]", contract)
			}
			balances[i] = entities.LegacyBalance{Contract: contract, Balance: balance}
			return nil
		})
	}
	if err := errorGroup.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (s *HistoryService) publish(ctx context.Context, account string, transfers []entities.Transfer) {
	if len(transfers) == 0 {
		return
	}
	s.metrics.AddAggregatedTransfers(len(transfers))

	ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	defer cancel()
	for _, publisher := range s.publishers {
		err := publisher.PublishTransfers(ctx, account, transfers)
		if err != nil {
			s.metrics.IncPublishErrors()
			s.logger.Errorw("error publishing transfers", "account", account, "count", len(transfers), "error", err)
		}
	}
}
