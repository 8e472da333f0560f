// Package ledger is the storage substrate under the matching engine: a
// Pebble-backed arena of versioned records, unit balances, and an append-only
// event log. All serialization between concurrent writers is delegated to the
// optimistic commit rule in Txn.Commit: a transaction lands only if none of
// the records it read changed since being read.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrConflict means a concurrently committed transaction mutated a record
	// this transaction read. Not fatal: re-fetch fresh state and resubmit.
	ErrConflict = errors.New("ledger: stale read, resubmit with fresh state")

	ErrNotFound          = errors.New("ledger: record not found")
	ErrRecordExists      = errors.New("ledger: record already exists")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// ID identifies a record or a balance holder. Records are holders too: an
// escrowing order record carries its own balance.
type ID [32]byte

// HolderID maps an account address to its 32-byte holder id
// (20-byte address, zero padding).
func HolderID(addr common.Address) ID {
	var id ID
	copy(id[:20], addr.Bytes())
	return id
}

func (id ID) Hex() string { return hexutil.Encode(id[:]) }

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("ledger: id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return nil
}

// ParseID decodes a 0x-prefixed hex id.
func ParseID(s string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// Ledger owns the Pebble database. The commit mutex serializes transaction
// commits; everything between Begin and Commit runs lock-free.
type Ledger struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open opens (or creates) a ledger at the given path.
func Open(path string) (*Ledger, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// getRecord reads a record's payload and version. Record values are stored
// as version(8B LE) || payload.
func (l *Ledger) getRecord(id ID) ([]byte, uint64, error) {
	val, closer, err := l.db.Get(recordKey(id))
	if err == pebble.ErrNotFound {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get record %s: %w", id.Hex(), err)
	}
	defer closer.Close()

	if len(val) < 8 {
		return nil, 0, fmt.Errorf("corrupt record %s: %d bytes", id.Hex(), len(val))
	}
	version := binary.LittleEndian.Uint64(val[:8])
	payload := make([]byte, len(val)-8)
	copy(payload, val[8:])
	return payload, version, nil
}

// Record returns a record's payload and version, or ErrNotFound.
func (l *Ledger) Record(id ID) ([]byte, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getRecord(id)
}

func (l *Ledger) balance(id ID) uint64 {
	val, closer, err := l.db.Get(balanceKey(id))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeU64(val)
}

// Balance returns the holder's current balance in ledger units.
func (l *Ledger) Balance(id ID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance(id)
}

// TotalSupply returns the total units ever minted via Fund. Outside an
// in-flight commit the sum of all balances equals this figure: transitions
// move funds, never create or destroy them.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	val, closer, err := l.db.Get([]byte(keySupply))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeU64(val)
}

// Fund credits a holder with freshly minted units. This is the bridge-in
// path; every other balance movement is a transfer inside a transaction.
func (l *Ledger) Fund(id ID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(balanceKey(id), encodeU64(l.balance(id)+amount), nil); err != nil {
		return err
	}
	supply := uint64(0)
	if val, closer, err := l.db.Get([]byte(keySupply)); err == nil {
		supply = decodeU64(val)
		closer.Close()
	}
	if err := batch.Set([]byte(keySupply), encodeU64(supply+amount), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// EachRecord calls fn for every live record. fn returns false to stop early.
// Readers use this to enumerate records by payload tag; no index exists.
func (l *Ledger) EachRecord(fn func(id ID, payload []byte, version uint64) bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix := []byte(prefixRecord)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefixRecord)+32 {
			continue
		}
		var id ID
		copy(id[:], key[len(prefixRecord):])

		val := iter.Value()
		if len(val) < 8 {
			continue
		}
		version := binary.LittleEndian.Uint64(val[:8])
		payload := make([]byte, len(val)-8)
		copy(payload, val[8:])
		if !fn(id, payload, version) {
			return nil
		}
	}
	return nil
}
