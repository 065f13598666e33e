package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/augmint/transfer-history/business/domain/transfer"
	"github.com/augmint/transfer-history/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type HistoryProvider interface {
	GetHistory(ctx context.Context, request transfer.HistoryRequest) (entities.History, error)
	LegacyBalances(ctx context.Context, account string) ([]entities.LegacyBalance, error)
}

type StatusProvider interface {
	GetLastSyncedBlock(account string) (uint64, error)
	GetLastSyncedBlocks() (map[string]uint64, error)
}

// Tracker gets notified about accounts whose history is requested, so that live events can update them.
type Tracker interface {
	Track(ctx context.Context, account string)
}

type Handler struct {
	hp        HistoryProvider
	sp        StatusProvider
	tracker   Tracker
	feeParams transfer.FeeParams
}

type TransferResponse struct {
	Key           string          `json:"key"`
	TxHash        string          `json:"transactionHash"`
	BlockNumber   uint64          `json:"blockNumber"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Direction     int             `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Balance       decimal.Decimal `json:"balance"`
	Narrative     string          `json:"narrative,omitempty"`
	Timestamp     uint64          `json:"timestamp"`
	TimestampText string          `json:"timestampText"`
}

type HistoryResponse struct {
	Account        string             `json:"account"`
	FromBlock      uint64             `json:"fromBlock"`
	ToBlock        uint64             `json:"toBlock"`
	CurrentBalance decimal.Decimal    `json:"currentBalance"`
	BalancesExact  bool               `json:"balancesExact"`
	Transfers      []TransferResponse `json:"transfers"`
}

type LegacyBalanceResponse struct {
	Contract string          `json:"contract"`
	Balance  decimal.Decimal `json:"balance"`
}

type FeeResponse struct {
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	MaxTransfer decimal.Decimal `json:"maxTransfer"`
}

type StatusResponse struct {
	LastSyncedBlocks map[string]uint64 `json:"lastSyncedBlocks"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// NewHandler creates the http handler. tracker is optional.
func NewHandler(hp HistoryProvider, sp StatusProvider, tracker Tracker, feeParams transfer.FeeParams) *Handler {
	return &Handler{hp: hp, sp: sp, tracker: tracker, feeParams: feeParams}
}

func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/accounts/{account}/transfers", h.GetTransfers).Methods(http.MethodGet)
	router.HandleFunc("/v1/accounts/{account}/legacy-balances", h.GetLegacyBalances).Methods(http.MethodGet)
	router.HandleFunc("/v1/fees", h.GetFees).Methods(http.MethodGet)
	router.HandleFunc("/v1/status", h.GetStatus).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

func (h *Handler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !common.IsHexAddress(account) {
		http.Error(w, "Invalid account address", http.StatusBadRequest)
		return
	}

	request := transfer.HistoryRequest{Account: account}
	var err error
	query := r.URL.Query()
	if request.FromBlock, err = parseBlock(query.Get("fromBlock")); err != nil {
		http.Error(w, "Invalid fromBlock", http.StatusBadRequest)
		return
	}
	if request.ToBlock, err = parseBlock(query.Get("toBlock")); err != nil {
		http.Error(w, "Invalid toBlock", http.StatusBadRequest)
		return
	}
	if request.ToBlock > 0 && request.FromBlock > request.ToBlock {
		http.Error(w, "fromBlock must not be greater than toBlock", http.StatusBadRequest)
		return
	}
	if value := query.Get("balance"); value != "" {
		balance, err := toBaseUnits(value)
		if err != nil {
			http.Error(w, "Invalid balance", http.StatusBadRequest)
			return
		}
		request.Balance = &balance
	}

	if h.tracker != nil {
		h.tracker.Track(r.Context(), account)
	}

	history, err := h.hp.GetHistory(r.Context(), request)
	if err != nil {
		log.Printf("Error getting transfer history of account [%s]: %v", account, err)
		http.Error(w, "Error getting transfer history", http.StatusInternalServerError)
		return
	}

	writeJson(w, toHistoryResponse(history))
}

func (h *Handler) GetLegacyBalances(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if !common.IsHexAddress(account) {
		http.Error(w, "Invalid account address", http.StatusBadRequest)
		return
	}

	balances, err := h.hp.LegacyBalances(r.Context(), account)
	if err != nil {
		log.Printf("Error getting legacy balances of account [%s]: %v", account, err)
		http.Error(w, "Error getting legacy balances", http.StatusInternalServerError)
		return
	}

	response := make([]LegacyBalanceResponse, 0, len(balances))
	for _, balance := range balances {
		response = append(response, LegacyBalanceResponse{Contract: balance.Contract, Balance: toDisplayUnits(balance.Balance)})
	}
	writeJson(w, response)
}

// GetFees returns the fee for sending amount and the maximum that can be sent if amount is the available balance.
func (h *Handler) GetFees(w http.ResponseWriter, r *http.Request) {
	amount, err := toBaseUnits(r.URL.Query().Get("amount"))
	if err != nil || amount < 0 {
		http.Error(w, "Invalid amount", http.StatusBadRequest)
		return
	}

	writeJson(w, FeeResponse{
		Amount:      toDisplayUnits(amount),
		Fee:         toDisplayUnits(transfer.TransferFee(amount, h.feeParams)),
		MaxTransfer: toDisplayUnits(transfer.MaxTransfer(amount, h.feeParams)),
	})
}

// GetStatus returns the last synced block of all accounts, or of the account given as query parameter.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if account := r.URL.Query().Get("account"); account != "" {
		h.getAccountStatus(w, account)
		return
	}

	blocks, err := h.sp.GetLastSyncedBlocks()
	if err != nil {
		log.Printf("Error getting last synced blocks: %v", err)
		http.Error(w, "Error getting last synced blocks", http.StatusInternalServerError)
		return
	}

	writeJson(w, StatusResponse{LastSyncedBlocks: blocks})
}

func (h *Handler) getAccountStatus(w http.ResponseWriter, account string) {
	if !common.IsHexAddress(account) {
		http.Error(w, "Invalid account address", http.StatusBadRequest)
		return
	}
	account = strings.ToLower(account)

	block, err := h.sp.GetLastSyncedBlock(account)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		http.Error(w, "Account not synced", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error getting last synced block of account [%s]: %v", account, err)
		http.Error(w, "Error getting last synced block", http.StatusInternalServerError)
		return
	}

	writeJson(w, StatusResponse{LastSyncedBlocks: map[string]uint64{account: block}})
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJson(w, HealthResponse{
		Status: "UP",
	})
}

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
	}
}

func parseBlock(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

func toHistoryResponse(history entities.History) HistoryResponse {
	transfers := make([]TransferResponse, 0, len(history.Transfers))
	for _, t := range history.Transfers {
		transfers = append(transfers, TransferResponse{
			Key:           t.Key,
			TxHash:        t.TxHash,
			BlockNumber:   t.BlockNumber,
			From:          t.From,
			To:            t.To,
			Direction:     t.Direction,
			Amount:        toDisplayUnits(t.Amount),
			Fee:           toDisplayUnits(t.Fee),
			Balance:       toDisplayUnits(t.Balance),
			Narrative:     t.Narrative,
			Timestamp:     t.Timestamp,
			TimestampText: t.TimestampText,
		})
	}
	return HistoryResponse{
		Account:        history.Account,
		FromBlock:      history.FromBlock,
		ToBlock:        history.ToBlock,
		CurrentBalance: toDisplayUnits(history.CurrentBalance),
		BalancesExact:  history.BalancesExact,
		Transfers:      transfers,
	}
}

func toDisplayUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, 0).Div(decimal.NewFromInt(entities.DecimalsDiv))
}

// toBaseUnits parses a display value. Values with more precision than the token supports are rejected.
func toBaseUnits(value string) (int64, error) {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	base := parsed.Mul(decimal.NewFromInt(entities.DecimalsDiv))
	if !base.IsInteger() {
		return 0, strconv.ErrSyntax
	}
	return base.IntPart(), nil
}
