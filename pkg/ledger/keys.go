package ledger

import "encoding/binary"

// Pebble key schema.
// Design principles:
//  1. Record ids are opaque 32-byte keys; no directory is needed because
//     every id is derivable offline from its seeds.
//  2. Event keys sort by sequence number so an iterator yields commit order.
const (
	prefixRecord  = "r:"
	prefixBalance = "b:"
	prefixEvent   = "e:"

	keyEventHead = "meta:evhead"
	keySupply    = "meta:supply"
)

// recordKey returns the key for a record: "r:{id}"
func recordKey(id ID) []byte {
	return append([]byte(prefixRecord), id[:]...)
}

// balanceKey returns the key for a holder balance: "b:{id}"
func balanceKey(id ID) []byte {
	return append([]byte(prefixBalance), id[:]...)
}

// eventKey returns the key for an event: "e:{seq}" with big-endian seq
// so lexicographic order equals commit order.
func eventKey(seq uint64) []byte {
	k := make([]byte, len(prefixEvent)+8)
	copy(k, prefixEvent)
	binary.BigEndian.PutUint64(k[len(prefixEvent):], seq)
	return k
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
