package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Event is one entry of the append-only log. Events are the sole durable
// trade-history source: there is no separate history table, reconstruction
// means replaying the log in sequence order. Each event hash chains over the
// previous one, so any tampering with a stored event breaks the chain.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	PrevHash  common.Hash     `json:"prevHash"`
	Hash      common.Hash     `json:"hash"`
}

func eventHash(prev common.Hash, seq uint64, typ string, data []byte, ts int64) common.Hash {
	h := sha3.New256()
	h.Write(prev[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write([]byte(typ))
	h.Write(data)
	binary.LittleEndian.PutUint64(buf[:], uint64(ts))
	h.Write(buf[:])

	var out common.Hash
	h.Sum(out[:0])
	return out
}

// eventHead reads the (nextSeq, lastHash) pair. nextSeq starts at 0 and the
// genesis PrevHash is the zero hash.
func (l *Ledger) eventHead() (uint64, common.Hash) {
	val, closer, err := l.db.Get([]byte(keyEventHead))
	if err != nil {
		return 0, common.Hash{}
	}
	defer closer.Close()
	if len(val) != 8+32 {
		return 0, common.Hash{}
	}
	seq := binary.BigEndian.Uint64(val[:8])
	var hash common.Hash
	copy(hash[:], val[8:])
	return seq, hash
}

func encodeEventHead(nextSeq uint64, last common.Hash) []byte {
	out := make([]byte, 8+32)
	binary.BigEndian.PutUint64(out[:8], nextSeq)
	copy(out[8:], last[:])
	return out
}

// EventCount returns the number of committed events.
func (l *Ledger) EventCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, _ := l.eventHead()
	return seq
}

// Events returns up to limit events starting at sequence number from.
// limit <= 0 means no limit.
func (l *Ledger) Events(from uint64, limit int) ([]Event, error) {
	var out []Event
	err := l.replayFrom(from, func(ev Event) error {
		if limit > 0 && len(out) >= limit {
			return errStopReplay
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// Replay calls fn for every event in commit order.
func (l *Ledger) Replay(fn func(Event) error) error {
	return l.replayFrom(0, fn)
}

var errStopReplay = fmt.Errorf("stop replay")

func (l *Ledger) replayFrom(from uint64, fn func(Event) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("corrupt event at %x: %w", iter.Key(), err)
		}
		if err := fn(ev); err != nil {
			if err == errStopReplay {
				return nil
			}
			return err
		}
	}
	return nil
}

// VerifyChain replays the whole log and recomputes the hash chain,
// returning an error on the first broken link.
func (l *Ledger) VerifyChain() error {
	prev := common.Hash{}
	next := uint64(0)
	return l.Replay(func(ev Event) error {
		if ev.Seq != next {
			return fmt.Errorf("event gap: want seq %d, got %d", next, ev.Seq)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", ev.Seq)
		}
		if got := eventHash(prev, ev.Seq, ev.Type, ev.Data, ev.Timestamp); got != ev.Hash {
			return fmt.Errorf("event %d: hash mismatch", ev.Seq)
		}
		prev = ev.Hash
		next++
		return nil
	})
}
