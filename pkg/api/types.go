package api

import "encoding/json"

// Request and response types for the REST boundary. Instructions arrive as
// signed envelopes; the body layout depends on the instruction type.

// Instruction type strings accepted by POST /api/v1/instructions.
const (
	InstrInitializeMarket = "initialize_market"
	InstrPlaceOrder       = "place_order"
	InstrMatchOrders      = "match_orders"
	InstrCancelOrder      = "cancel_order"
	InstrCloseOrder       = "close_order"
)

// InstructionEnvelope is a signed instruction submission. The signature is
// 65-byte hex over the canonical envelope hash; the recovered address must
// equal Sender.
type InstructionEnvelope struct {
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

type InitializeMarketBody struct {
	Name string `json:"name"`
}

type PlaceOrderBody struct {
	Market   string `json:"market"` // record id, 0x hex
	Side     string `json:"side"`   // "buy" or "sell"
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

type MatchOrdersBody struct {
	BidOrder string `json:"bidOrder"` // record id
	AskOrder string `json:"askOrder"` // record id
	BidOwner string `json:"bidOwner"` // address
	AskOwner string `json:"askOwner"` // address
}

type CancelOrderBody struct {
	Order string `json:"order"` // record id
}

type CloseOrderBody struct {
	Order string `json:"order"` // record id
}

// InstructionResponse reports the outcome of a submission.
type InstructionResponse struct {
	Status  string `json:"status"` // "committed" or "rejected"
	Market  string `json:"market,omitempty"`
	OrderID uint64 `json:"orderId,omitempty"`
	Record  string `json:"record,omitempty"`
	Message string `json:"message,omitempty"`

	// Retryable marks a storage-level conflict: resubmit against fresh
	// state, nothing happened.
	Retryable bool `json:"retryable,omitempty"`
}

// MarketInfo is the decoded market record plus its id.
type MarketInfo struct {
	ID             string `json:"id"`
	Authority      string `json:"authority"`
	Name           string `json:"name"`
	NextOrderID    uint64 `json:"nextOrderId"`
	TotalBidVolume uint64 `json:"totalBidVolume"`
	TotalAskVolume uint64 `json:"totalAskVolume"`
}

// OrderInfo is the decoded order record plus its id.
type OrderInfo struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Market    string `json:"market"`
	OrderID   uint64 `json:"orderId"`
	Side      string `json:"side"`
	Price     uint64 `json:"price"`
	Quantity  uint64 `json:"quantity"`
	Filled    uint64 `json:"filled"`
	Remaining uint64 `json:"remaining"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Escrow    uint64 `json:"escrow"`
}

// AccountInfo is a holder's balance view.
type AccountInfo struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
// Channels: "events", "trades:{marketId}".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
