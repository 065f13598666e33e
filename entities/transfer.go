package entities

import (
	"fmt"
	"strings"
)

// DelegatedTransferNarrative marks the fee-only reimbursement transfer that accompanies a delegated transfer.
const DelegatedTransferNarrative = "Delegated transfer fee"

// DecimalsDiv converts token base units to display units.
const DecimalsDiv = 100

const TimestampPlaceholder = "?"

// RawTransfer is one AugmintTransfer event as observed on chain. Amount and Fee are magnitudes in token base units.
type RawTransfer struct {
	TxHash      string `json:"transactionHash"`
	TxIndex     uint   `json:"transactionIndex"`
	LogIndex    uint   `json:"logIndex"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Narrative   string `json:"narrative"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   uint64 `json:"timestamp"`
}

// Key identifies the transaction the event belongs to. A delegated transfer and its fee shadow share the key.
func (rt RawTransfer) Key() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(rt.TxHash), rt.TxIndex)
}

// EventID identifies a single log entry.
func (rt RawTransfer) EventID() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(rt.TxHash), rt.LogIndex)
}

// Transfer is a transfer as seen by one account. Amount is signed (received > 0, sent < 0) and Fee is the
// fee magnitude charged to the viewer. Balance is the account balance right after the transfer.
type Transfer struct {
	Key           string `json:"key"`
	TxHash        string `json:"transactionHash"`
	TxIndex       uint   `json:"transactionIndex"`
	LogIndex      uint   `json:"logIndex"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     int    `json:"direction"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	Balance       int64  `json:"balance"`
	Narrative     string `json:"narrative,omitempty"`
	BlockNumber   uint64 `json:"blockNumber"`
	Timestamp     uint64 `json:"timestamp"`
	TimestampText string `json:"timestampText"`
}

// NetEffect is the change of the viewer's balance caused by the transfer.
func (t Transfer) NetEffect() int64 {
	return t.Amount - t.Fee
}

func (t Transfer) IsDelegationFee() bool {
	return t.Narrative == DelegatedTransferNarrative
}

type History struct {
	Account        string     `json:"account"`
	FromBlock      uint64     `json:"fromBlock"`
	ToBlock        uint64     `json:"toBlock"`
	CurrentBalance int64      `json:"currentBalance"`
	BalancesExact  bool       `json:"balancesExact"`
	Transfers      []Transfer `json:"transfers"`
}

type LegacyBalance struct {
	Contract string `json:"contract"`
	Balance  int64  `json:"balance"`
}
