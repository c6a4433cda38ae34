package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

// Storage implements ports.StoragePort on a local badger instance. Keys are
// stored alongside a "v:" shadow key carrying a monotonically increasing
// version.
type Storage struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func New(db *badger.DB, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		db:     db,
		logger: logger.With("component", "storage"),
	}
}

// Open creates a badger-backed storage at dir. An empty dir opens an
// in-memory instance, used by tests.
func Open(dir string, logger *slog.Logger) (*Storage, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewInternalError("failed to open storage", err)
	}
	return New(db, logger), nil
}

func versionKey(key string) []byte {
	return []byte(fmt.Sprintf("v:%s", key))
}

func isShadowKey(key string) bool {
	return len(key) > 2 && key[:2] == "v:"
}

func (s *Storage) Get(key string) (value []byte, version int64, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				exists = false
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		vItem, err := txn.Get(versionKey(key))
		if err == nil {
			versionBytes, _ := vItem.ValueCopy(nil)
			xjson.Unmarshal(versionBytes, &version)
		}

		return nil
	})

	return value, version, exists, err
}

func (s *Storage) Put(key string, value []byte, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := currentVersion(txn, key)
		if err != nil {
			return err
		}
		if version > 0 && current != version {
			return domain.NewVersionMismatchError(key, version, current)
		}

		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		versionBytes, err := xjson.Marshal(current + 1)
		if err != nil {
			return err
		}
		return txn.Set(versionKey(key), versionBytes)
	})
}

func (s *Storage) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete(versionKey(key))
	})
}

func (s *Storage) Exists(key string) (bool, error) {
	_, _, exists, err := s.Get(key)
	return exists, err
}

func (s *Storage) BatchWrite(ops []ports.WriteOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				current, err := currentVersion(txn, op.Key)
				if err != nil {
					return err
				}
				if err := txn.Set([]byte(op.Key), op.Value); err != nil {
					return err
				}
				versionBytes, err := xjson.Marshal(current + 1)
				if err != nil {
					return err
				}
				if err := txn.Set(versionKey(op.Key), versionBytes); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
				if err := txn.Delete(versionKey(op.Key)); err != nil {
					return err
				}
			default:
				return domain.NewValidationError("unknown batch op type", map[string]interface{}{
					"key": op.Key,
				})
			}
		}
		return nil
	})
}

func (s *Storage) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return "", nil, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.Key())
			if isShadowKey(k) {
				continue
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key = k
			value = v
			exists = true
			return nil
		}
		return nil
	})

	return key, value, exists, err
}

func (s *Storage) GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return "", nil, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.Key())
			if isShadowKey(k) || k <= afterKey {
				continue
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key = k
			value = v
			exists = true
			return nil
		}
		return nil
	})

	return key, value, exists, err
}

func (s *Storage) CountPrefix(prefix string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isShadowKey(string(it.Item().Key())) {
				continue
			}
			count++
		}
		return nil
	})

	return count, err
}

func (s *Storage) AtomicIncrement(key string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get([]byte(key))
		if err == nil {
			valueBytes, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := xjson.Unmarshal(valueBytes, &current); err != nil {
				return &domain.StorageError{Type: domain.ErrCorrupted, Key: key, Message: "counter value is not a number"}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next = current + 1
		valueBytes, err := xjson.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), valueBytes)
	})

	return next, err
}

func (s *Storage) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var results []ports.KeyValueVersion
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if isShadowKey(key) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var version int64
			vItem, err := txn.Get(versionKey(key))
			if err == nil {
				versionBytes, _ := vItem.ValueCopy(nil)
				xjson.Unmarshal(versionBytes, &version)
			}

			results = append(results, ports.KeyValueVersion{
				Key:     key,
				Value:   value,
				Version: version,
			})
		}
		return nil
	})

	return results, err
}

func (s *Storage) DeleteByPrefix(prefix string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	items, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	ops := make([]ports.WriteOp, 0, len(items))
	for _, item := range items {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: item.Key})
	}
	if err := s.BatchWrite(ops); err != nil {
		return 0, err
	}

	return len(items), nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Storage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}
	return nil
}

func currentVersion(txn *badger.Txn, key string) (int64, error) {
	var version int64
	item, err := txn.Get(versionKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	versionBytes, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	xjson.Unmarshal(versionBytes, &version)
	return version, nil
}
