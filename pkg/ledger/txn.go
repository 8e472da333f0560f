package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Txn is an optimistic transaction. All reads note the record version they
// observed; Commit re-checks those versions under the commit mutex and either
// applies every staged mutation in one Pebble batch or fails with zero
// observable effect. A version mismatch surfaces as ErrConflict.
type Txn struct {
	l       *Ledger
	reads   map[ID]uint64
	writes  map[ID][]byte
	creates map[ID]struct{}
	sweeps  map[ID]ID // record to destroy -> receiver of its remaining balance
	deltas  map[ID]int64
	events  []stagedEvent
}

type stagedEvent struct {
	typ  string
	data []byte
	ts   int64
}

// Begin starts a transaction against current state.
func (l *Ledger) Begin() *Txn {
	return &Txn{
		l:       l,
		reads:   make(map[ID]uint64),
		writes:  make(map[ID][]byte),
		creates: make(map[ID]struct{}),
		sweeps:  make(map[ID]ID),
		deltas:  make(map[ID]int64),
	}
}

// Get returns a record payload, noting the observed version for the commit
// check. Reads see this transaction's own staged writes.
func (t *Txn) Get(id ID) ([]byte, error) {
	if _, gone := t.sweeps[id]; gone {
		return nil, ErrNotFound
	}
	if payload, ok := t.writes[id]; ok {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	payload, version, err := t.l.Record(id)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[id]; !seen {
		t.reads[id] = version
	}
	return payload, nil
}

// Exists reports whether a record exists from this transaction's view.
func (t *Txn) Exists(id ID) bool {
	_, err := t.Get(id)
	return err == nil
}

// Put stages a new payload for a record.
func (t *Txn) Put(id ID, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.writes[id] = buf
}

// Create stages a new record and moves the storage deposit from payer into
// the record's own balance. The deposit is what keeps the record alive; it
// comes back in full when the record is destroyed.
func (t *Txn) Create(id ID, payload []byte, payer ID, deposit uint64) error {
	if _, staged := t.creates[id]; staged {
		return ErrRecordExists
	}
	if _, _, err := t.l.Record(id); err == nil {
		return ErrRecordExists
	}
	if deposit > 0 {
		if err := t.Transfer(payer, id, deposit); err != nil {
			return err
		}
	}
	t.creates[id] = struct{}{}
	t.Put(id, payload)
	return nil
}

// Delete stages record destruction. The record's entire remaining balance
// (storage deposit plus anything left in escrow) is swept to receiver at
// commit time.
func (t *Txn) Delete(id ID, receiver ID) error {
	if _, err := t.Get(id); err != nil {
		return err
	}
	delete(t.writes, id)
	t.sweeps[id] = receiver
	return nil
}

// Balance returns the holder's balance as seen by this transaction
// (current balance plus staged deltas).
func (t *Txn) Balance(id ID) uint64 {
	bal := t.l.Balance(id)
	d := t.deltas[id]
	if d < 0 {
		if uint64(-d) > bal {
			return 0
		}
		return bal - uint64(-d)
	}
	return bal + uint64(d)
}

// Transfer stages a balance movement between two holders.
func (t *Txn) Transfer(from, to ID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if t.Balance(from) < amount {
		return ErrInsufficientFunds
	}
	t.deltas[from] -= int64(amount)
	t.deltas[to] += int64(amount)
	return nil
}

// AppendEvent stages an event for the log. The payload is marshalled
// immediately so a later mutation of v cannot change what gets committed.
func (t *Txn) AppendEvent(typ string, v any, ts int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", typ, err)
	}
	t.events = append(t.events, stagedEvent{typ: typ, data: data, ts: ts})
	return nil
}

// Commit validates and applies the transaction. Returns the committed events
// with their assigned sequence numbers, or ErrConflict if any record read by
// this transaction was concurrently mutated.
func (t *Txn) Commit() ([]Event, error) {
	l := t.l
	l.mu.Lock()
	defer l.mu.Unlock()

	// Version check: every record we read must be untouched.
	for id, ver := range t.reads {
		_, cur, err := l.getRecord(id)
		if err != nil || cur != ver {
			return nil, ErrConflict
		}
	}
	// A record we staged for creation must still not exist.
	for id := range t.creates {
		if _, _, err := l.getRecord(id); err == nil {
			return nil, ErrConflict
		}
	}

	// Recompute balances under the lock. Stage-time checks already rejected
	// plain insufficiency; failing here means the balance raced a commit.
	newBal := make(map[ID]uint64)
	effective := func(id ID) uint64 {
		if v, ok := newBal[id]; ok {
			return v
		}
		return l.balance(id)
	}
	for id, d := range t.deltas {
		cur := effective(id)
		if d < 0 {
			if uint64(-d) > cur {
				return nil, ErrConflict
			}
			newBal[id] = cur - uint64(-d)
		} else {
			newBal[id] = cur + uint64(d)
		}
	}
	for rec, recv := range t.sweeps {
		rem := effective(rec)
		newBal[recv] = effective(recv) + rem
		newBal[rec] = 0
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	for id, payload := range t.writes {
		if _, gone := t.sweeps[id]; gone {
			continue
		}
		version := uint64(1)
		if _, created := t.creates[id]; !created {
			if ver, ok := t.reads[id]; ok {
				version = ver + 1
			} else if _, cur, err := l.getRecord(id); err == nil {
				version = cur + 1
			}
		}
		val := make([]byte, 8+len(payload))
		binary.LittleEndian.PutUint64(val[:8], version)
		copy(val[8:], payload)
		if err := batch.Set(recordKey(id), val, nil); err != nil {
			return nil, err
		}
	}
	for rec := range t.sweeps {
		if err := batch.Delete(recordKey(rec), nil); err != nil {
			return nil, err
		}
		if err := batch.Delete(balanceKey(rec), nil); err != nil {
			return nil, err
		}
	}
	for id, bal := range newBal {
		if _, gone := t.sweeps[id]; gone {
			continue
		}
		if err := batch.Set(balanceKey(id), encodeU64(bal), nil); err != nil {
			return nil, err
		}
	}

	seq, last := l.eventHead()
	committed := make([]Event, 0, len(t.events))
	for _, se := range t.events {
		hash := eventHash(last, seq, se.typ, se.data, se.ts)
		ev := Event{
			Seq:       seq,
			Type:      se.typ,
			Data:      se.data,
			Timestamp: se.ts,
			PrevHash:  last,
			Hash:      hash,
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		if err := batch.Set(eventKey(seq), data, nil); err != nil {
			return nil, err
		}
		committed = append(committed, ev)
		last = hash
		seq++
	}
	if len(t.events) > 0 {
		if err := batch.Set([]byte(keyEventHead), encodeEventHead(seq, last), nil); err != nil {
			return nil, err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return committed, nil
}
