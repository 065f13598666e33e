package kafka

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/augmint/transfer-history/entities"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Client struct {
	kcl KafkaClient
}

func NewClient(kafkaClient KafkaClient) *Client {
	return &Client{
		kcl: kafkaClient,
	}
}

// PublishTransfers produces one record per transfer. Records are keyed by account so that the transfers of
// one account end up in the same partition.
func (kc *Client) PublishTransfers(ctx context.Context, account string, transfers []entities.Transfer) error {

	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(transfers))

	for _, transfer := range transfers {

		record, err := createTransferRecord(account, transfer)
		if err != nil {
			log.Printf("Error while creating transfer record: %v", err)
			errorChannel <- err
			break
		}

		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				log.Printf("Error while producing transfer record: %v", err)
				errorChannel <- err
				return
			}
			errorChannel <- nil
		})
	}

	wg.Wait()
	close(errorChannel)

	for err := range errorChannel {
		if err != nil {
			return errors.Wrapf(err, "producing transfer records of account [%s]", account)
		}
	}

	return nil
}

type transferRecord struct {
	Account string `json:"account"`
	entities.Transfer
}

func createTransferRecord(account string, transfer entities.Transfer) (*kgo.Record, error) {

	payload, err := json.Marshal(transferRecord{Account: strings.ToLower(account), Transfer: transfer})
	if err != nil {
		return nil, errors.Wrap(err, "marshalling transfer to json")
	}

	return &kgo.Record{
		Key:   []byte(strings.ToLower(account)),
		Value: payload,
	}, nil

}
