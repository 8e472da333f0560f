package engine

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/clobd/pkg/ledger"
)

// Read-side helpers. The engine keeps no in-memory book: every view here is
// recomputed from ledger records on request, exactly the way any external
// reader would (derive ids, fetch, decode).

// Market fetches and decodes a market record.
func (e *Engine) Market(id ledger.ID) (*Market, error) {
	payload, _, err := e.ledger.Record(id)
	if err != nil {
		if err == ledger.ErrNotFound {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	if RecordTag(payload) != TagMarket {
		return nil, ErrMarketNotFound
	}
	return DecodeMarket(payload)
}

// MarketByName resolves (authority, name) offline and fetches the record.
func (e *Engine) MarketByName(authority common.Address, name string) (ledger.ID, *Market, error) {
	id, _ := DeriveMarketID(authority, name)
	m, err := e.Market(id)
	return id, m, err
}

// MarketEntry pairs a market with its record id.
type MarketEntry struct {
	ID     ledger.ID
	Market *Market
}

// Markets scans the arena for market records.
func (e *Engine) Markets() ([]MarketEntry, error) {
	var out []MarketEntry
	err := e.ledger.EachRecord(func(id ledger.ID, payload []byte, _ uint64) bool {
		if RecordTag(payload) != TagMarket {
			return true
		}
		if m, err := DecodeMarket(payload); err == nil {
			out = append(out, MarketEntry{ID: id, Market: m})
		}
		return true
	})
	return out, err
}

// Order fetches and decodes an order record by its derived id.
func (e *Engine) Order(id ledger.ID) (*Order, error) {
	payload, _, err := e.ledger.Record(id)
	if err != nil {
		if err == ledger.ErrNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if RecordTag(payload) != TagOrder {
		return nil, ErrOrderNotFound
	}
	return DecodeOrder(payload)
}

// OrderBySeq fetches order number seq of a market.
func (e *Engine) OrderBySeq(marketID ledger.ID, seq uint64) (ledger.ID, *Order, error) {
	id, _ := DeriveOrderID(marketID, seq)
	o, err := e.Order(id)
	return id, o, err
}

// OrderEntry pairs an order with its record id.
type OrderEntry struct {
	ID    ledger.ID
	Order *Order
}

// Orders enumerates the surviving orders of a market: order_id in
// [0, next_order_id), skipping closed (destroyed) records.
func (e *Engine) Orders(marketID ledger.ID) ([]OrderEntry, error) {
	m, err := e.Market(marketID)
	if err != nil {
		return nil, err
	}

	out := make([]OrderEntry, 0, m.NextOrderID)
	for seq := uint64(0); seq < m.NextOrderID; seq++ {
		id, o, err := e.OrderBySeq(marketID, seq)
		if err == ErrOrderNotFound {
			continue // closed
		}
		if err != nil {
			return nil, err
		}
		out = append(out, OrderEntry{ID: id, Order: o})
	}
	return out, nil
}

// OpenOrders returns only the active orders of a market.
func (e *Engine) OpenOrders(marketID ledger.ID) ([]OrderEntry, error) {
	all, err := e.Orders(marketID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, entry := range all {
		if entry.Order.IsActive() {
			out = append(out, entry)
		}
	}
	return out, nil
}

// BookLevel is an aggregated (price, remaining quantity) tuple.
type BookLevel struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

// BookSnapshot is a point-in-time view of a market's open interest,
// reconstructed from records. Bids sort high to low, asks low to high.
type BookSnapshot struct {
	Market ledger.ID   `json:"market"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// Book rebuilds the aggregated book for display. Nothing here persists
// between calls.
func (e *Engine) Book(marketID ledger.ID) (*BookSnapshot, error) {
	open, err := e.OpenOrders(marketID)
	if err != nil {
		return nil, err
	}

	bids := make(map[uint64]uint64)
	asks := make(map[uint64]uint64)
	for _, entry := range open {
		o := entry.Order
		if o.Side == Buy {
			bids[o.Price] += o.Remaining()
		} else {
			asks[o.Price] += o.Remaining()
		}
	}

	snap := &BookSnapshot{Market: marketID}
	for price, qty := range bids {
		snap.Bids = append(snap.Bids, BookLevel{Price: price, Quantity: qty})
	}
	for price, qty := range asks {
		snap.Asks = append(snap.Asks, BookLevel{Price: price, Quantity: qty})
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	return snap, nil
}
