package transfer

import (
	"strings"
	"sync"

	"github.com/augmint/transfer-history/entities"
)

type TriggerKind int

const (
	TriggerTransferObserved TriggerKind = iota
	TriggerAccountChanged
	TriggerSubscriptionReset
)

type Trigger struct {
	Kind     TriggerKind
	Account  string
	Transfer entities.RawTransfer
}

type ActionKind int

const (
	ActionApplyTransfer ActionKind = iota
	ActionRefetchBalance
	ActionRefetchHistory
	ActionInvalidateAll
)

func (k ActionKind) String() string {
	switch k {
	case ActionApplyTransfer:
		return "apply-transfer"
	case ActionRefetchBalance:
		return "refetch-balance"
	case ActionRefetchHistory:
		return "refetch-history"
	case ActionInvalidateAll:
		return "invalidate-all"
	default:
		return "unknown"
	}
}

type Action struct {
	Kind     ActionKind
	Account  string
	Transfer entities.RawTransfer
}

// RefreshPolicy decides which refreshes a trigger causes. Transfer events are processed at most once
// (by event id) and only cause actions for watched accounts.
type RefreshPolicy struct {
	mutex        sync.Mutex
	watched      map[string]bool
	processed    map[string]bool
	processedIds []string
	maxProcessed int
}

func NewRefreshPolicy(maxProcessed int) *RefreshPolicy {
	if maxProcessed <= 0 {
		maxProcessed = 10000
	}
	return &RefreshPolicy{
		watched:      make(map[string]bool),
		processed:    make(map[string]bool),
		maxProcessed: maxProcessed,
	}
}

func (p *RefreshPolicy) Handle(trigger Trigger) []Action {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	switch trigger.Kind {
	case TriggerTransferObserved:
		return p.transferObserved(trigger.Transfer)
	case TriggerAccountChanged:
		account := strings.ToLower(trigger.Account)
		if p.watched[account] {
			return nil
		}
		p.watched[account] = true
		return []Action{{Kind: ActionRefetchHistory, Account: account}}
	case TriggerSubscriptionReset:
		p.processed = make(map[string]bool)
		p.processedIds = nil
		return []Action{{Kind: ActionInvalidateAll}}
	default:
		return nil
	}
}

func (p *RefreshPolicy) IsWatched(account string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.watched[strings.ToLower(account)]
}

func (p *RefreshPolicy) transferObserved(raw entities.RawTransfer) []Action {
	eventID := raw.EventID()
	if p.processed[eventID] {
		return nil
	}
	p.markProcessed(eventID)

	from := strings.ToLower(raw.From)
	to := strings.ToLower(raw.To)

	var actions []Action
	for _, account := range []string{from, to} {
		if !p.watched[account] {
			continue
		}
		actions = append(actions,
			Action{Kind: ActionApplyTransfer, Account: account, Transfer: raw},
			Action{Kind: ActionRefetchBalance, Account: account},
		)
		if from == to { // self transfer
			break
		}
	}
	return actions
}

func (p *RefreshPolicy) markProcessed(eventID string) {
	if len(p.processedIds) >= p.maxProcessed {
		oldest := p.processedIds[0]
		p.processedIds = p.processedIds[1:]
		delete(p.processed, oldest)
	}
	p.processed[eventID] = true
	p.processedIds = append(p.processedIds, eventID)
}
