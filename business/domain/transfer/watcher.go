package transfer

import (
	"context"
	"time"

	"github.com/augmint/transfer-history/entities"
	"github.com/augmint/transfer-history/metrics"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type TransferSource interface {
	SubscribeTransfers(ctx context.Context, sink chan<- entities.RawTransfer) (event.Subscription, error)
}

type HistoryUpdater interface {
	ApplyTransfer(ctx context.Context, account string, raw entities.RawTransfer) error
	RefreshBalance(ctx context.Context, account string) error
	Invalidate(account string)
	InvalidateAll()
}

// Watcher keeps cached histories up to date with live transfer events.
type Watcher struct {
	source  TransferSource
	updater HistoryUpdater
	policy  *RefreshPolicy
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewWatcher(source TransferSource, updater HistoryUpdater, policy *RefreshPolicy, logger *zap.SugaredLogger, m *metrics.Metrics) *Watcher {
	return &Watcher{
		source:  source,
		updater: updater,
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// Start subscribes to transfer events and resubscribes after errors until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	for {
		err := w.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Errorw("error watching transfers", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		// events might have been missed while the subscription was down
		w.execute(ctx, w.policy.Handle(Trigger{Kind: TriggerSubscriptionReset}))
	}
}

func (w *Watcher) run(ctx context.Context) error {
	sink := make(chan entities.RawTransfer, 64)
	sub, err := w.source.SubscribeTransfers(ctx, sink)
	if err != nil {
		return errors.Wrap(err, "subscribing to transfers")
	}
	defer sub.Unsubscribe()
	w.logger.Infow("Subscribed to transfer events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return errors.Wrap(err, "transfer subscription")
		case raw := <-sink:
			w.Observe(ctx, raw)
		}
	}
}

// Track starts watching account. The first call for an account drops previously cached histories.
func (w *Watcher) Track(ctx context.Context, account string) {
	w.execute(ctx, w.policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: account}))
}

func (w *Watcher) Observe(ctx context.Context, raw entities.RawTransfer) {
	w.metrics.IncObservedEvents()
	w.execute(ctx, w.policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))
}

func (w *Watcher) execute(ctx context.Context, actions []Action) {
	for _, action := range actions {
		var err error
		switch action.Kind {
		case ActionApplyTransfer:
			err = w.updater.ApplyTransfer(ctx, action.Account, action.Transfer)
		case ActionRefetchBalance:
			err = w.updater.RefreshBalance(ctx, action.Account)
		case ActionRefetchHistory:
			w.updater.Invalidate(action.Account)
		case ActionInvalidateAll:
			w.updater.InvalidateAll()
		}
		w.metrics.IncRefreshAction(action.Kind.String())
		if err != nil {
			w.logger.Errorw("error executing refresh action", "action", action.Kind.String(), "account", action.Account, "error", err)
		}
	}
}
