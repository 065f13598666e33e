package transfer

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/augmint/transfer-history/entities"
)

const timestampLayout = "2 Jan 2006 15:04"

// Aggregate builds the transfer history of account out of raw transfer events. The result is ordered newest first
// and every record carries the account balance right after the transfer, derived from currentBalance.
func Aggregate(raws []entities.RawTransfer, account string, currentBalance int64) []entities.Transfer {
	transfers := make([]entities.Transfer, 0, len(raws))
	for _, raw := range raws {
		transfers = append(transfers, Normalize(raw, account))
	}
	transfers = AggregateSameTransaction(transfers)
	transfers = SortDescendingByBlock(transfers)
	return BackfillBalances(transfers, currentBalance)
}

// Normalize converts a raw event into the view of account. Fees are charged to the sender only and a
// self transfer moves nothing.
func Normalize(raw entities.RawTransfer, account string) entities.Transfer {
	viewer := strings.ToLower(account)
	from := strings.ToLower(raw.From)
	to := strings.ToLower(raw.To)

	amount := raw.Amount
	fee := raw.Fee
	if to == viewer {
		fee = 0
		if from == viewer {
			amount = 0
		}
	}

	// receiver wins for self transfers
	direction := 1
	if from == viewer && to != viewer {
		direction = -1
	}

	return entities.Transfer{
		Key:           raw.Key(),
		TxHash:        raw.TxHash,
		TxIndex:       raw.TxIndex,
		LogIndex:      raw.LogIndex,
		From:          raw.From,
		To:            raw.To,
		Direction:     direction,
		Amount:        amount * int64(direction),
		Fee:           fee,
		Narrative:     raw.Narrative,
		BlockNumber:   raw.BlockNumber,
		Timestamp:     raw.Timestamp,
		TimestampText: FormatTimestamp(raw.Timestamp),
	}
}

// FormatTimestamp renders a block timestamp for display, or a placeholder if the timestamp is unknown.
func FormatTimestamp(unixSeconds uint64) string {
	if unixSeconds == 0 {
		return entities.TimestampPlaceholder
	}
	return time.Unix(int64(unixSeconds), 0).UTC().Format(timestampLayout)
}

// AggregateSameTransaction groups transfers by transaction key in first seen order. Groups that contain a
// delegated transfer fee record are merged into their primary transfer, all other groups are kept as they are.
func AggregateSameTransaction(transfers []entities.Transfer) []entities.Transfer {
	groups := make(map[string][]entities.Transfer, len(transfers))
	var order []string
	for _, t := range transfers {
		group, ok := groups[t.Key]
		if !ok {
			order = append(order, t.Key)
		}
		groups[t.Key] = append(group, t)
	}

	aggregated := make([]entities.Transfer, 0, len(transfers))
	for _, key := range order {
		group := groups[key]
		if slices.ContainsFunc(group, entities.Transfer.IsDelegationFee) {
			aggregated = append(aggregated, mergeDelegationFees(group)...)
		} else {
			aggregated = append(aggregated, group...)
		}
	}
	return aggregated
}

// mergeDelegationFees folds every member of the group into the primary transfer's fee so that the net effect of
// the group is kept. The primary is the largest (signed) transfer that is not a delegation fee. Without a primary
// the group is returned unmerged.
func mergeDelegationFees(group []entities.Transfer) []entities.Transfer {
	sorted := slices.Clone(group)
	slices.SortStableFunc(sorted, func(a, b entities.Transfer) int {
		return cmp.Compare(b.Amount, a.Amount)
	})

	primaryIndex := slices.IndexFunc(sorted, func(t entities.Transfer) bool {
		return !t.IsDelegationFee()
	})
	if primaryIndex < 0 {
		return sorted
	}

	primary := sorted[primaryIndex]
	for i, member := range sorted {
		if i == primaryIndex {
			continue
		}
		primary.Fee += member.Fee - member.Amount
	}
	return []entities.Transfer{primary}
}

// SortDescendingByBlock orders transfers newest first. Transfers of the same block keep their relative order.
func SortDescendingByBlock(transfers []entities.Transfer) []entities.Transfer {
	sorted := slices.Clone(transfers)
	slices.SortStableFunc(sorted, func(a, b entities.Transfer) int {
		return cmp.Compare(b.BlockNumber, a.BlockNumber)
	})
	return sorted
}

// BackfillBalances walks the newest first transfers and sets the balance after each one, starting with
// currentBalance for the newest. The balances are only exact if the transfers reach back to the first transfer
// of the account.
func BackfillBalances(transfers []entities.Transfer, currentBalance int64) []entities.Transfer {
	result := slices.Clone(transfers)
	if result == nil {
		result = []entities.Transfer{}
	}
	balance := currentBalance
	for i := range result {
		if i > 0 {
			balance -= result[i-1].NetEffect()
		}
		result[i].Balance = balance
	}
	return result
}
