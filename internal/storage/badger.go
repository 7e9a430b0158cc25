package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// Badger is the blob store. Values are CBOR encoded under "bucket/key".
type Badger struct {
	db  *badger.DB
	enc cbor.EncMode
}

// OpenBadger opens a badger database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Badger{db: db, enc: enc}, nil
}

func blobKey(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

func (b *Badger) Get(ctx context.Context, bucket, key string, dst any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(bucket, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, dst)
		})
	})
	if err != nil {
		return false, fmt.Errorf("blob get %s/%s: %w", bucket, key, err)
	}
	return found, nil
}

func (b *Badger) Put(ctx context.Context, bucket, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := b.enc.Marshal(value)
	if err != nil {
		return fmt.Errorf("blob encode %s/%s: %w", bucket, key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(bucket, key), data)
	})
	if err != nil {
		return fmt.Errorf("blob put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *Badger) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(bucket, key))
	})
	if err != nil {
		return fmt.Errorf("blob delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *Badger) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(bucket + "/")
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob keys %s: %w", bucket, err)
	}
	return keys, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
