package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/augmint/transfer-history/entities"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
)

type Client struct {
	index    string
	esClient *elasticsearch.Client
}

func NewClient(address, index string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating elasticsearch client")
	}

	return &Client{
		index:    index,
		esClient: esClient,
	}, nil
}

type transferDocument struct {
	Account string `json:"account"`
	entities.Transfer
}

func documentId(account string, transfer entities.Transfer) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(account), transfer.Key)
}

func (es *Client) PublishTransfers(ctx context.Context, account string, transfers []entities.Transfer) error {
	body, err := createBulkBody(es.index, account, transfers)
	if err != nil {
		return err
	}

	// Send the bulk request
	res, err := es.esClient.Bulk(bytes.NewReader(body), es.esClient.Bulk.WithContext(ctx), es.esClient.Bulk.WithRefresh("true"))
	if err != nil {
		return errors.Wrap(err, "bulk request failed")
	}
	defer res.Body.Close()

	// Check response for errors
	if res.IsError() {
		return errors.Errorf("bulk request error: %s", res.String())
	}

	return nil
}

// createBulkBody creates one index action per transfer. Re-publishing a transfer overwrites its document.
func createBulkBody(index, account string, transfers []entities.Transfer) ([]byte, error) {
	var buf bytes.Buffer

	for _, transfer := range transfers {
		// Metadata line for each document
		meta := fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, index, documentId(account, transfer), "\n")
		buf.WriteString(meta)

		data, err := json.Marshal(transferDocument{Account: strings.ToLower(account), Transfer: transfer})
		if err != nil {
			return nil, errors.Wrapf(err, "serializing transfer [%s]", transfer.Key)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
