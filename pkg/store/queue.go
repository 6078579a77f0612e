package store

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Queue cursors: head is the next entry to peek/consume, tail is the next
// append position. head == tail means empty.

func queueEntryKey(name string, seq uint64) []byte {
	key := make([]byte, 0, 1+1+len(name)+1+8)
	key = append(key, 'q')
	key = append(key, keySep...)
	key = append(key, name...)
	key = append(key, keySep...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func queueCursorKey(name, cursor string) []byte {
	return []byte("qm" + keySep + name + keySep + cursor)
}

func getCursor(txn *badger.Txn, name, cursor string) (uint64, error) {
	item, err := txn.Get(queueCursorKey(name, cursor))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("queue cursor %s/%s corrupt", name, cursor)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func setCursor(txn *badger.Txn, name, cursor string, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return txn.Set(queueCursorKey(name, cursor), buf[:])
}

// QueueAppend appends values to the tail of a named queue.
func (s *BadgerStore) QueueAppend(queueName string, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			tail, err := getCursor(txn, queueName, "tail")
			if err != nil {
				return err
			}
			for _, value := range values {
				if err := txn.Set(queueEntryKey(queueName, tail), value); err != nil {
					return err
				}
				tail++
			}
			return setCursor(txn, queueName, "tail", tail)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("queue append %s: %w", queueName, err)
		}
		return nil
	}
}

// QueuePeek returns up to count values from the head without consuming.
func (s *BadgerStore) QueuePeek(queueName string, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, nil
	}
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		head, err := getCursor(txn, queueName, "head")
		if err != nil {
			return err
		}
		tail, err := getCursor(txn, queueName, "tail")
		if err != nil {
			return err
		}
		for seq := head; seq < tail && len(out) < count; seq++ {
			item, err := txn.Get(queueEntryKey(queueName, seq))
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue peek %s: %w", queueName, err)
	}
	return out, nil
}

// QueueConsume removes up to count values from the head.
func (s *BadgerStore) QueueConsume(queueName string, count int) error {
	if count <= 0 {
		return nil
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			head, err := getCursor(txn, queueName, "head")
			if err != nil {
				return err
			}
			tail, err := getCursor(txn, queueName, "tail")
			if err != nil {
				return err
			}
			consumed := uint64(0)
			for seq := head; seq < tail && consumed < uint64(count); seq++ {
				if err := txn.Delete(queueEntryKey(queueName, seq)); err != nil {
					return err
				}
				consumed++
			}
			return setCursor(txn, queueName, "head", head+consumed)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", queueName, err)
		}
		return nil
	}
}
