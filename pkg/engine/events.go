package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/clobd/pkg/ledger"
)

// Event types appended to the ledger log. These three are the complete
// durable history: replaying them in commit order reconstructs every trade.
const (
	EventOrderPlaced    = "order_placed"
	EventTradeExecuted  = "trade_executed"
	EventOrderCancelled = "order_cancelled"
)

type OrderPlacedEvent struct {
	OrderID   uint64         `json:"orderId"`
	Owner     common.Address `json:"owner"`
	Market    ledger.ID      `json:"market"`
	Side      string         `json:"side"`
	Price     uint64         `json:"price"`
	Quantity  uint64         `json:"quantity"`
	Timestamp int64          `json:"timestamp"`
}

type TradeExecutedEvent struct {
	BidOrderID   uint64         `json:"bidOrderId"`
	AskOrderID   uint64         `json:"askOrderId"`
	Market       ledger.ID      `json:"market"`
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	FillPrice    uint64         `json:"fillPrice"`
	FillQuantity uint64         `json:"fillQuantity"`
	Timestamp    int64          `json:"timestamp"`
}

type OrderCancelledEvent struct {
	OrderID uint64         `json:"orderId"`
	Owner   common.Address `json:"owner"`
	Market  ledger.ID      `json:"market"`
	Refund  uint64         `json:"refund"`
}
