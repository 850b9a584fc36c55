package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"poolledger/storage"
)

var (
	// ErrTxClosed is returned when a committed or discarded transaction is reused.
	ErrTxClosed = errors.New("state: transaction closed")
)

type pendingWrite struct {
	key    []byte
	value  []byte
	delete bool
}

// Tx buffers writes on top of the manager's database. Reads observe the
// buffered writes first. Commit applies all writes in a single storage batch,
// so an operation either lands completely or not at all.
type Tx struct {
	manager *Manager
	writes  map[string]pendingWrite
	closed  bool
}

// KVGet implements the engines' state view.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, ErrTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	if pending, ok := tx.writes[string(hashed)]; ok {
		if pending.delete {
			return false, nil
		}
		return decodeInto(pending.value, out)
	}
	data, err := tx.manager.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut buffers an RLP encoded value.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	hashed := kvKey(key)
	tx.writes[string(hashed)] = pendingWrite{key: hashed, value: encoded}
	return nil
}

// KVDelete buffers a deletion.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	tx.writes[string(hashed)] = pendingWrite{key: hashed, delete: true}
	return nil
}

// Pending reports the number of buffered writes.
func (tx *Tx) Pending() int { return len(tx.writes) }

// Commit flushes the buffered writes atomically.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	// Deterministic batch layout.
	sort.Strings(keys)

	tx.manager.commitMu.Lock()
	defer tx.manager.commitMu.Unlock()
	batch := tx.manager.db.NewBatch()
	for _, k := range keys {
		w := tx.writes[k]
		if w.delete {
			batch.Delete(w.key)
			continue
		}
		batch.Put(w.key, w.value)
	}
	tx.writes = nil
	return batch.Write()
}

// Discard drops all buffered writes.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
}
