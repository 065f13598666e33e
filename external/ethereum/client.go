package ethereum

import (
	"context"
	"math/big"
	"strings"

	"github.com/augmint/transfer-history/entities"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
)

// tokenABI contains the parts of the token contract that are used here.
const tokenABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"narrative","type":"string"},
		{"indexed":false,"name":"fee","type":"uint256"}],
	 "name":"AugmintTransfer","type":"event"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf",
	 "outputs":[{"name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}
]`

const transferEvent = "AugmintTransfer"

type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type Client struct {
	eth           EthClient
	token         common.Address
	abi           abi.ABI
	transferTopic common.Hash
	pageSize      uint64
}

func NewClient(ctx context.Context, rpcUrl, tokenAddress string, pageSize uint64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, errors.Wrap(err, "dialing ethereum node")
	}
	return NewClientWithEth(eth, tokenAddress, pageSize)
}

func NewClientWithEth(eth EthClient, tokenAddress string, pageSize uint64) (*Client, error) {
	if !common.IsHexAddress(tokenAddress) {
		return nil, errors.Wrapf(entities.ErrInvalidAddress, "token [%s]", tokenAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, errors.Wrap(err, "parsing token abi")
	}
	if pageSize == 0 {
		pageSize = 50000
	}
	return &Client{
		eth:           eth,
		token:         common.HexToAddress(tokenAddress),
		abi:           parsed,
		transferTopic: parsed.Events[transferEvent].ID,
		pageSize:      pageSize,
	}, nil
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	number, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "calling eth_blockNumber")
	}
	return number, nil
}

// TransfersFrom returns the transfer events sent by account.
func (c *Client) TransfersFrom(ctx context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	address, err := toAddress(account)
	if err != nil {
		return nil, err
	}
	return c.filterTransfers(ctx, [][]common.Hash{{c.transferTopic}, {common.BytesToHash(address.Bytes())}}, fromBlock, toBlock)
}

// TransfersTo returns the transfer events received by account.
func (c *Client) TransfersTo(ctx context.Context, account string, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	address, err := toAddress(account)
	if err != nil {
		return nil, err
	}
	return c.filterTransfers(ctx, [][]common.Hash{{c.transferTopic}, {}, {common.BytesToHash(address.Bytes())}}, fromBlock, toBlock)
}

// filterTransfers queries the logs page by page to stay below the node's result limits.
func (c *Client) filterTransfers(ctx context.Context, topics [][]common.Hash, fromBlock, toBlock uint64) ([]entities.RawTransfer, error) {
	var transfers []entities.RawTransfer
	for from := fromBlock; from <= toBlock; from += c.pageSize {
		to := min(from+c.pageSize-1, toBlock)
		logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.token},
			Topics:    topics,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "filtering logs from [%d] to [%d]", from, to)
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}
			transfer, err := c.decodeTransfer(log)
			if err != nil {
				return nil, errors.Wrapf(err, "decoding log [%s-%d]", log.TxHash.Hex(), log.Index)
			}
			transfers = append(transfers, transfer)
		}
		if to == toBlock { // prevent overflow
			break
		}
	}
	return transfers, nil
}

func (c *Client) decodeTransfer(log types.Log) (entities.RawTransfer, error) {
	if len(log.Topics) != 3 || log.Topics[0] != c.transferTopic {
		return entities.RawTransfer{}, errors.Errorf("unexpected log topics %v", log.Topics)
	}

	var data struct {
		Amount    *big.Int
		Narrative string
		Fee       *big.Int
	}
	err := c.abi.UnpackIntoInterface(&data, transferEvent, log.Data)
	if err != nil {
		return entities.RawTransfer{}, errors.Wrap(err, "unpacking event data")
	}
	amount, err := toInt64(data.Amount)
	if err != nil {
		return entities.RawTransfer{}, errors.Wrap(err, "amount")
	}
	fee, err := toInt64(data.Fee)
	if err != nil {
		return entities.RawTransfer{}, errors.Wrap(err, "fee")
	}

	return entities.RawTransfer{
		TxHash:      log.TxHash.Hex(),
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
		From:        common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		Amount:      amount,
		Fee:         fee,
		Narrative:   data.Narrative,
		BlockNumber: log.BlockNumber,
	}, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, errors.Wrapf(err, "getting header of block [%d]", blockNumber)
	}
	return header.Time, nil
}

func (c *Client) BalanceOf(ctx context.Context, account string) (int64, error) {
	return c.balanceOf(ctx, c.token, account)
}

func (c *Client) ContractBalanceOf(ctx context.Context, contract, account string) (int64, error) {
	contractAddress, err := toAddress(contract)
	if err != nil {
		return 0, err
	}
	return c.balanceOf(ctx, contractAddress, account)
}

func (c *Client) balanceOf(ctx context.Context, contract common.Address, account string) (int64, error) {
	address, err := toAddress(account)
	if err != nil {
		return 0, err
	}
	input, err := c.abi.Pack("balanceOf", address)
	if err != nil {
		return 0, errors.Wrap(err, "packing balanceOf call")
	}
	output, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "calling balanceOf on [%s]", contract.Hex())
	}
	values, err := c.abi.Unpack("balanceOf", output)
	if err != nil {
		return 0, errors.Wrap(err, "unpacking balanceOf result")
	}
	if len(values) != 1 {
		return 0, errors.Errorf("unexpected balanceOf result %v", values)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return 0, errors.Errorf("unexpected balanceOf result type %T", values[0])
	}
	return toInt64(balance)
}

// SubscribeTransfers streams new transfer events of the token to sink. Logs removed by a reorg are skipped.
func (c *Client) SubscribeTransfers(ctx context.Context, sink chan<- entities.RawTransfer) (event.Subscription, error) {
	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.token},
		Topics:    [][]common.Hash{{c.transferTopic}},
	}
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to logs")
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				if log.Removed {
					continue
				}
				transfer, err := c.decodeTransfer(log)
				if err != nil {
					return errors.Wrapf(err, "decoding log [%s-%d]", log.TxHash.Hex(), log.Index)
				}
				select {
				case sink <- transfer:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func toAddress(account string) (common.Address, error) {
	if !common.IsHexAddress(account) {
		return common.Address{}, errors.Wrapf(entities.ErrInvalidAddress, "[%s]", account)
	}
	return common.HexToAddress(account), nil
}

func toInt64(value *big.Int) (int64, error) {
	if value == nil {
		return 0, nil
	}
	if !value.IsInt64() {
		return 0, errors.Wrapf(entities.ErrAmountOverflow, "[%s]", value.String())
	}
	return value.Int64(), nil
}
