// Package recordstore persists the purchase record log and the shop
// role in a badger key-value store.
package recordstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/ledger"
)

const (
	purchaseKeyPrefix = "purchase/"
	shopKey           = "meta/shop"
)

// Config configures the record store.
type Config struct {
	// Path is the badger data directory.
	Path string
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Store is a badger-backed ledger.RecordStore.
type Store struct {
	config       Config
	badgerDB     *badger.DB
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

// New opens (or creates) the record store at config.Path.
func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	if config.Path == "" {
		return nil, fmt.Errorf("recordstore: path must not be empty")
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	// The record log must survive a crash; a purchase acked to the
	// caller may never disappear.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open badger at %q: %w", config.Path, err)
	}

	s := &Store{
		config:   config,
		badgerDB: db,
		log:      log,
	}

	if size, err := directorySize(config.Path); err == nil {
		log.WithFields(logrus.Fields{
			"path":      config.Path,
			"sizeBytes": size,
		}).Info("record store opened")
	}

	return s, nil
}

// AppendPurchase writes one record. Keys are fixed-width hex ids so
// badger's key order is the append order.
func (s *Store) AppendPurchase(p ledger.Purchase) error {
	atomic.AddUint64(&s.writeCounter, 1)

	content, err := marshalPurchase(p)
	if err != nil {
		return fmt.Errorf("recordstore: marshal purchase %d: %w", p.ID, err)
	}
	key := purchaseKey(p.ID)

	err = s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("recordstore: write purchase %d: %w", p.ID, err)
	}
	return nil
}

// LoadPurchases reads all records back in id order.
func (s *Store) LoadPurchases() ([]ledger.Purchase, error) {
	atomic.AddUint64(&s.readCounter, 1)

	var out []ledger.Purchase
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(purchaseKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := unmarshalPurchase(val)
				if err != nil {
					return err
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: load purchases: %w", err)
	}
	return out, nil
}

// SaveShop persists the current role holder.
func (s *Store) SaveShop(shop identity.Identity) error {
	atomic.AddUint64(&s.writeCounter, 1)

	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(shopKey), shop[:])
	})
	if err != nil {
		return fmt.Errorf("recordstore: write shop role: %w", err)
	}
	return nil
}

// LoadShop returns the persisted role holder, or ok=false when none
// was saved yet.
func (s *Store) LoadShop() (identity.Identity, bool, error) {
	atomic.AddUint64(&s.readCounter, 1)

	var shop identity.Identity
	found := false
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(shopKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != len(shop) {
				return fmt.Errorf("shop role has %d bytes, want %d", len(val), len(shop))
			}
			copy(shop[:], val)
			found = true
			return nil
		})
	})
	if err != nil {
		return identity.Identity{}, false, fmt.Errorf("recordstore: load shop role: %w", err)
	}
	return shop, found, nil
}

// Close flushes and closes the underlying badger database.
func (s *Store) Close() error {
	s.log.WithFields(logrus.Fields{
		"reads":  atomic.LoadUint64(&s.readCounter),
		"writes": atomic.LoadUint64(&s.writeCounter),
	}).Info("record store closing")
	return s.badgerDB.Close()
}

func purchaseKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", purchaseKeyPrefix, id))
}

// directorySize walks the data directory and sums file sizes.
func directorySize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

var _ ledger.RecordStore = (*Store)(nil)
