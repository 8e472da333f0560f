package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/clobd/pkg/ledger"
)

// MaxMarketName bounds market names in the fixed record layout.
const MaxMarketName = 32

// Side of an order.
type Side uint8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order. Status only advances:
// Open -> {PartiallyFilled, Cancelled},
// PartiallyFilled -> {PartiallyFilled, Filled, Cancelled},
// Filled and Cancelled are terminal and reachable only by CloseOrder after.
type OrderStatus uint8

const (
	Open            OrderStatus = 0
	PartiallyFilled OrderStatus = 1
	Filled          OrderStatus = 2
	Cancelled       OrderStatus = 3
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Market is the per-market aggregate: identity, the monotonic order-id
// counter, and open-volume counters. Volume counters track unfilled quantity
// across active orders of each side.
type Market struct {
	Authority      common.Address
	Name           string
	NextOrderID    uint64
	TotalBidVolume uint64
	TotalAskVolume uint64
	Bump           byte
}

// Order is an individual order record. For Buy orders the record itself is
// the escrow vault: its ledger balance equals
// (Quantity-FilledQuantity)*Price plus the storage deposit at every point
// outside an in-flight transition. Sell orders hold only the deposit.
type Order struct {
	Owner          common.Address
	Market         ledger.ID
	OrderID        uint64
	Side           Side
	Price          uint64
	Quantity       uint64
	FilledQuantity uint64
	Status         OrderStatus
	Timestamp      int64
	Bump           byte
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() uint64 {
	if o.FilledQuantity > o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

// IsActive reports whether the order can still fill or be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == Open || o.Status == PartiallyFilled
}

// IsTerminal reports whether the order is eligible for closure.
func (o *Order) IsTerminal() bool {
	return o.Status == Filled || o.Status == Cancelled
}
