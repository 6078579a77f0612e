package store

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// StoreConfig configures the BadgerDB-backed store.
type StoreConfig struct {
	// Path is the data directory.
	Path string
	// MinimumFreeGB aborts startup when the volume holding Path has less
	// free space than this. Zero disables the check.
	MinimumFreeGB int
	// Logger receives badger's internal logging. Nil means a default
	// logrus logger.
	Logger *logrus.Logger
}

// BadgerStore implements Store on a single BadgerDB.
//
// Key layout (segments joined with 0x00):
//
//	t <table> <row> <column>   cell value
//	i <table> <index> <object> 8-byte big-endian index value
//	q <name> <seq>             queue entry
//	qm <name> head|tail        queue cursors
type BadgerStore struct {
	config StoreConfig
	db     *badger.DB

	mu      sync.RWMutex
	tables  map[string][]string
	indices map[string]struct{}
}

const keySep = "\x00"

// rowSentinel marks rows claimed through RaceCreateRow. The 0x01 prefix
// keeps it out of the "family:column" namespace.
const rowSentinel = "\x01created"

// NewBadgerStore opens (or creates) the store at config.Path.
func NewBadgerStore(config StoreConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := checkFreeSpace(config.Path, config.MinimumFreeGB, config.Logger); err != nil {
		return nil, fmt.Errorf("error checking free space for store: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = &badgerLogAdapter{log: config.Logger}
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Path, err)
	}

	return &BadgerStore{
		config:  config,
		db:      db,
		tables:  make(map[string][]string),
		indices: make(map[string]struct{}),
	}, nil
}

// Close releases the underlying BadgerDB.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// GarbageCollect runs one badger value-log GC pass. badger.ErrNoRewrite
// is a normal no-op outcome, not a failure.
func (s *BadgerStore) GarbageCollect() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("value log GC: %w", err)
	}
	return nil
}

func cellKey(table, row, column string) []byte {
	return []byte("t" + keySep + table + keySep + row + keySep + column)
}

func rowPrefix(table, row string) []byte {
	return []byte("t" + keySep + table + keySep + row + keySep)
}

func indexKey(table, index, object string) []byte {
	return []byte("i" + keySep + table + keySep + index + keySep + object)
}

func indexPrefix(table, index string) []byte {
	return []byte("i" + keySep + table + keySep + index + keySep)
}

func (s *BadgerStore) requireTable(table string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrTableNotDefined, table)
	}
	return nil
}

// DefineTable registers a table and its column families.
func (s *BadgerStore) DefineTable(name string, columnFamilies []string) error {
	if name == "" {
		return fmt.Errorf("store: table name must not be empty")
	}
	if strings.Contains(name, keySep) {
		return fmt.Errorf("store: table name must not contain NUL")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = append([]string(nil), columnFamilies...)
	return nil
}

// GetRow returns all cells of a row.
func (s *BadgerStore) GetRow(table, row string) (map[string][]byte, error) {
	if err := s.requireTable(table); err != nil {
		return nil, err
	}
	prefix := rowPrefix(table, row)
	cells := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			column := string(item.Key()[len(prefix):])
			if strings.HasPrefix(column, "\x01") {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cells[column] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get row %s/%s: %w", table, row, err)
	}
	return cells, nil
}

// GetRowCell returns a single cell value.
func (s *BadgerStore) GetRowCell(table, row, column string) ([]byte, error) {
	if err := s.requireTable(table); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cellKey(table, row, column))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrCellNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cell %s/%s/%s: %w", table, row, column, err)
	}
	return out, nil
}

// PutCells writes the given cells of a row.
func (s *BadgerStore) PutCells(table, row string, cells map[string][]byte) error {
	if err := s.requireTable(table); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for column, value := range cells {
			if err := txn.Set(cellKey(table, row, column), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put cells %s/%s: %w", table, row, err)
	}
	return nil
}

// IncrementCell atomically adds delta to an integer cell and returns the
// new value. The read and write happen inside one serializable badger
// transaction; conflicting increments retry instead of interleaving, so
// callers can treat the returned value as uniquely assigned.
func (s *BadgerStore) IncrementCell(table, row, column string, delta int64) (int64, error) {
	if err := s.requireTable(table); err != nil {
		return 0, err
	}
	key := cellKey(table, row, column)
	for {
		var next int64
		err := s.db.Update(func(txn *badger.Txn) error {
			current := int64(0)
			item, err := txn.Get(key)
			if err == nil {
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(raw) != 8 {
					return fmt.Errorf("cell %s is not a counter", column)
				}
				current = int64(binary.BigEndian.Uint64(raw))
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			next = current + delta
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(next))
			return txn.Set(key, buf[:])
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("increment cell %s/%s/%s: %w", table, row, column, err)
		}
		return next, nil
	}
}

// DeleteRow removes every cell of a row, sentinel included.
func (s *BadgerStore) DeleteRow(table, row string) error {
	if err := s.requireTable(table); err != nil {
		return err
	}
	prefix := rowPrefix(table, row)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan row %s/%s: %w", table, row, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete row %s/%s: %w", table, row, err)
	}
	return nil
}

// DeleteRowCell removes one cell.
func (s *BadgerStore) DeleteRowCell(table, row, column string) error {
	if err := s.requireTable(table); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cellKey(table, row, column))
	})
	if err != nil {
		return fmt.Errorf("delete cell %s/%s/%s: %w", table, row, column, err)
	}
	return nil
}

// RaceCreateRow creates a row if and only if it was never claimed before.
func (s *BadgerStore) RaceCreateRow(table, row string, cells map[string][]byte) error {
	if err := s.requireTable(table); err != nil {
		return err
	}
	sentinel := cellKey(table, row, rowSentinel)
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(sentinel)
			if err == nil {
				return ErrRowAlreadyExists
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(sentinel, []byte{1}); err != nil {
				return err
			}
			for column, value := range cells {
				if err := txn.Set(cellKey(table, row, column), value); err != nil {
					return err
				}
			}
			return nil
		})
		if err == badger.ErrConflict {
			// Two racing creators: one of them committed; re-running
			// resolves to ErrRowAlreadyExists for the loser.
			continue
		}
		if err == ErrRowAlreadyExists {
			return ErrRowAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("race create row %s/%s: %w", table, row, err)
		}
		return nil
	}
}

// DefineReorderableIndex registers a value-ordered index on a table.
func (s *BadgerStore) DefineReorderableIndex(table, indexName string) error {
	if err := s.requireTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[table+keySep+indexName] = struct{}{}
	return nil
}

func (s *BadgerStore) requireIndex(table, indexName string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.indices[table+keySep+indexName]; !ok {
		return fmt.Errorf("%w: %q on %q", ErrIndexNotDefined, indexName, table)
	}
	return nil
}

// UpdateIndexValue sets the index value for an object.
func (s *BadgerStore) UpdateIndexValue(table, indexName, objectName string, value int64) error {
	if err := s.requireIndex(table, indexName); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(table, indexName, objectName), buf[:])
	})
	if err != nil {
		return fmt.Errorf("update index %s/%s: %w", table, indexName, err)
	}
	return nil
}

// ScanIndex returns all entries of an index in descending value order,
// ties broken by object name for a stable ordering.
func (s *BadgerStore) ScanIndex(table, indexName string) ([]IndexEntry, error) {
	if err := s.requireIndex(table, indexName); err != nil {
		return nil, err
	}
	prefix := indexPrefix(table, indexName)
	var entries []IndexEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			object := string(item.Key()[len(prefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(raw) != 8 {
				return fmt.Errorf("index value for %q is not an int64", object)
			}
			entries = append(entries, IndexEntry{
				ObjectName: object,
				Value:      int64(binary.BigEndian.Uint64(raw)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan index %s/%s: %w", table, indexName, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].ObjectName < entries[j].ObjectName
	})
	return entries, nil
}
