package engine

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openclob/clobd/pkg/ledger"
)

// Record ids are pure functions of fixed seeds, so any party can compute an
// address offline before the record exists and enumerate a market's orders
// as order_id in [0, next_order_id) with no directory lookup. Keccak-256
// keeps ids uniform across the 32-byte arena key space.
//
// The final seed byte is the derivation bump. Derivation here is single
// round, so the bump is the fixed constant below; it stays in the record
// layout as a stable field for external decoders.

const DerivationBump byte = 0xff

var (
	seedMarket = []byte("market")
	seedOrder  = []byte("order")
)

// DeriveMarketID computes the record id for (authority, name). Uniqueness of
// the pair is global: a second initialize_market with the same seeds lands on
// the same id and fails the existence check.
func DeriveMarketID(authority common.Address, name string) (ledger.ID, byte) {
	var id ledger.ID
	h := crypto.Keccak256(seedMarket, authority.Bytes(), []byte(name), []byte{DerivationBump})
	copy(id[:], h)
	return id, DerivationBump
}

// DeriveOrderID computes the record id for (market, order_id).
func DeriveOrderID(market ledger.ID, orderID uint64) (ledger.ID, byte) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], orderID)

	var id ledger.ID
	h := crypto.Keccak256(seedOrder, market[:], le[:], []byte{DerivationBump})
	copy(id[:], h)
	return id, DerivationBump
}
