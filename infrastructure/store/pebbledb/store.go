package pebbledb

import (
	"encoding/binary"
	"path/filepath"
	"strings"

	"github.com/augmint/transfer-history/entities"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

const (
	lastSyncedBlockPerAccountKey = 0x00
	blockTimestampKey            = 0x01
)

type Store struct {
	db *pebble.DB
}

func NewHistoryStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "transfer-history-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}

	return &Store{db: db}, nil
}

func blockKey(blockNumber uint64) []byte {
	key := []byte{blockTimestampKey}
	return binary.BigEndian.AppendUint64(key, blockNumber)
}

func accountKey(account string) []byte {
	key := []byte{lastSyncedBlockPerAccountKey}
	return append(key, []byte(strings.ToLower(account))...)
}

// SetBlockTimestamp stores the timestamp of a block. Block timestamps never change, so there is no expiry.
func (s *Store) SetBlockTimestamp(blockNumber, timestamp uint64) error {
	value := binary.BigEndian.AppendUint64(nil, timestamp)
	err := s.db.Set(blockKey(blockNumber), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting timestamp of block [%d]", blockNumber)
	}
	return nil
}

func (s *Store) GetBlockTimestamp(blockNumber uint64) (uint64, error) {
	return s.getUint64(blockKey(blockNumber))
}

func (s *Store) SetLastSyncedBlock(account string, blockNumber uint64) error {
	value := binary.BigEndian.AppendUint64(nil, blockNumber)
	err := s.db.Set(accountKey(account), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting last synced block of account [%s]", account)
	}
	return nil
}

func (s *Store) GetLastSyncedBlock(account string) (uint64, error) {
	return s.getUint64(accountKey(account))
}

// GetLastSyncedBlocks returns the last synced block of every account that was ever fetched.
func (s *Store) GetLastSyncedBlocks() (map[string]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{lastSyncedBlockPerAccountKey},
		UpperBound: []byte{blockTimestampKey},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	blocks := make(map[string]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		account := string(iter.Key()[1:])
		blocks[account] = binary.BigEndian.Uint64(value)
	}

	return blocks, nil
}

func (s *Store) getUint64(key []byte) (uint64, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "getting value")
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, errors.Errorf("invalid value length [%d]", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
