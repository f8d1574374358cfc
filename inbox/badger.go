package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "inbox:"

// BadgerStore keeps keys in Badger with a TTL.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens a store at path. An empty path keeps everything in memory.
func OpenBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func (s *BadgerStore) Seen(_ context.Context, key string) (bool, error) {
	k := []byte(badgerPrefix + key)
	for {
		var seen bool
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				seen = true
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			e := badger.NewEntry(k, []byte{1})
			if s.ttl > 0 {
				e = e.WithTTL(s.ttl)
			}
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return seen, err
	}
}

func (s *BadgerStore) Release(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerPrefix + key))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
