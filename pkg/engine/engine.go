// Package engine is the ledger state machine of the exchange: market
// registry, order placement with escrow, pairwise settlement, cancellation,
// and lifecycle closure. Any caller may attempt any transition; the engine
// alone decides validity. Every instruction is one optimistic ledger
// transaction: it fully commits or fails with zero observable effect, and a
// ledger.ErrConflict result means the caller raced another writer and should
// resubmit against fresh state.
package engine

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/clobd/pkg/ledger"
	"github.com/openclob/clobd/pkg/util"
)

// DefaultStorageDeposit is the refundable balance that keeps a record alive,
// in ledger units. Reclaimed in full by CloseOrder.
const DefaultStorageDeposit uint64 = 2_000_000

// Engine applies instructions against the ledger. Safe for concurrent use:
// all serialization happens in the ledger's commit rule, there is no lock
// manager or queue in here.
type Engine struct {
	ledger  *ledger.Ledger
	clock   util.Clock
	log     *zap.SugaredLogger
	deposit uint64

	// OnEvent, when set, observes every committed event. Called outside the
	// commit path, after the transition is durable.
	OnEvent func(ledger.Event)
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c util.Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }
func WithStorageDeposit(d uint64) Option     { return func(e *Engine) { e.deposit = d } }

// New creates an engine over an open ledger.
func New(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:  l,
		clock:   util.RealClock{},
		log:     zap.NewNop().Sugar(),
		deposit: DefaultStorageDeposit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger exposes the underlying substrate for readers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// StorageDeposit returns the configured per-record deposit.
func (e *Engine) StorageDeposit() uint64 { return e.deposit }

func (e *Engine) emit(events []ledger.Event) {
	if e.OnEvent == nil {
		return
	}
	for _, ev := range events {
		e.OnEvent(ev)
	}
}

func mulU64(a, b uint64) (uint64, error) {
	if a != 0 && b > math.MaxUint64/a {
		return 0, ErrOverflow
	}
	return a * b, nil
}

func addU64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// InitializeMarket creates the market record derived from (authority, name).
// The authority pays the storage deposit. Fails with ErrInvalidNameLength if
// the name exceeds the bound and ErrMarketExists on seed collision.
func (e *Engine) InitializeMarket(authority common.Address, name string) (ledger.ID, error) {
	if len(name) > MaxMarketName {
		return ledger.ID{}, ErrInvalidNameLength
	}

	id, bump := DeriveMarketID(authority, name)
	txn := e.ledger.Begin()

	if txn.Exists(id) {
		return ledger.ID{}, ErrMarketExists
	}

	m := &Market{
		Authority: authority,
		Name:      name,
		Bump:      bump,
	}
	if txn.Balance(ledger.HolderID(authority)) < e.deposit {
		return ledger.ID{}, ErrInsufficientBalance
	}
	if err := txn.Create(id, EncodeMarket(m), ledger.HolderID(authority), e.deposit); err != nil {
		return ledger.ID{}, mapLedgerErr(err)
	}

	events, err := txn.Commit()
	if err != nil {
		return ledger.ID{}, err
	}
	e.emit(events)

	e.log.Infow("market_initialized", "market", id.Hex(), "name", name, "authority", authority.Hex())
	return id, nil
}

// PlaceOrder validates and records a new order. Buy orders escrow
// price*quantity into the order record atomically with creation; Sell orders
// move no funds at placement. Returns the assigned sequential order id and
// the derived record id.
func (e *Engine) PlaceOrder(owner common.Address, marketID ledger.ID, side Side, price, quantity uint64) (uint64, ledger.ID, error) {
	if price == 0 {
		return 0, ledger.ID{}, ErrInvalidPrice
	}
	if quantity == 0 {
		return 0, ledger.ID{}, ErrInvalidQuantity
	}
	if !side.Valid() {
		return 0, ledger.ID{}, ErrInvalidSide
	}

	txn := e.ledger.Begin()
	m, err := readMarket(txn, marketID)
	if err != nil {
		return 0, ledger.ID{}, err
	}

	seq := m.NextOrderID
	orderRec, bump := DeriveOrderID(marketID, seq)

	escrow := uint64(0)
	if side == Buy {
		if escrow, err = mulU64(price, quantity); err != nil {
			return 0, ledger.ID{}, err
		}
	}
	need, err := addU64(escrow, e.deposit)
	if err != nil {
		return 0, ledger.ID{}, err
	}
	ownerHolder := ledger.HolderID(owner)
	if txn.Balance(ownerHolder) < need {
		return 0, ledger.ID{}, ErrInsufficientBalance
	}

	now := e.clock.Now().Unix()
	o := &Order{
		Owner:     owner,
		Market:    marketID,
		OrderID:   seq,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    Open,
		Timestamp: now,
		Bump:      bump,
	}
	if err := txn.Create(orderRec, EncodeOrder(o), ownerHolder, e.deposit); err != nil {
		return 0, ledger.ID{}, mapLedgerErr(err)
	}
	if escrow > 0 {
		if err := txn.Transfer(ownerHolder, orderRec, escrow); err != nil {
			return 0, ledger.ID{}, mapLedgerErr(err)
		}
	}

	// Counter and volume updates ride the same transition as the record
	// they accompany; they are fields of the market aggregate, never
	// separately committed state.
	if m.NextOrderID, err = addU64(m.NextOrderID, 1); err != nil {
		return 0, ledger.ID{}, err
	}
	if side == Buy {
		if m.TotalBidVolume, err = addU64(m.TotalBidVolume, quantity); err != nil {
			return 0, ledger.ID{}, err
		}
	} else {
		if m.TotalAskVolume, err = addU64(m.TotalAskVolume, quantity); err != nil {
			return 0, ledger.ID{}, err
		}
	}
	txn.Put(marketID, EncodeMarket(m))

	if err := txn.AppendEvent(EventOrderPlaced, OrderPlacedEvent{
		OrderID:   seq,
		Owner:     owner,
		Market:    marketID,
		Side:      side.String(),
		Price:     price,
		Quantity:  quantity,
		Timestamp: now,
	}, now); err != nil {
		return 0, ledger.ID{}, err
	}

	events, err := txn.Commit()
	if err != nil {
		return 0, ledger.ID{}, err
	}
	e.emit(events)

	e.log.Infow("order_placed", "market", marketID.Hex(), "order_id", seq,
		"side", side.String(), "price", price, "qty", quantity, "escrow", escrow)
	return seq, orderRec, nil
}

// Fill describes the outcome of one settlement.
type Fill struct {
	BidOrderID   uint64
	AskOrderID   uint64
	FillPrice    uint64
	FillQuantity uint64
	SellerPay    uint64
	BuyerRefund  uint64
}

// MatchOrders settles a supplied bid/ask pair. Callable by any party; the
// matcher identity is never checked, only the fund-moving owner fields are.
// The trade settles at the resting ask's price; any bid price improvement is
// refunded to the buyer in the same transition, which keeps the bid escrow
// exactly (quantity-filled)*bid.price afterwards.
func (e *Engine) MatchOrders(matcher common.Address, bidID, askID ledger.ID, bidOwner, askOwner common.Address) (*Fill, error) {
	txn := e.ledger.Begin()

	bid, err := readOrder(txn, bidID)
	if err != nil {
		return nil, err
	}
	ask, err := readOrder(txn, askID)
	if err != nil {
		return nil, err
	}

	// Preconditions, in order; each is a distinct failure mode.
	if bid.Side != Buy || ask.Side != Sell {
		return nil, ErrInvalidSide
	}
	if !bid.IsActive() || !ask.IsActive() {
		return nil, ErrOrderNotActive
	}
	if bid.Market != ask.Market {
		return nil, ErrMarketMismatch
	}
	if bidOwner != bid.Owner || askOwner != ask.Owner {
		return nil, ErrUnauthorized
	}
	if bid.Price < ask.Price {
		return nil, ErrPriceMismatch
	}

	fillQty := bid.Remaining()
	if r := ask.Remaining(); r < fillQty {
		fillQty = r
	}
	fillPrice := ask.Price // resting order's quote sets the trade price

	sellerPay, err := mulU64(fillPrice, fillQty)
	if err != nil {
		return nil, err
	}
	// bid.Price >= fillPrice is already established by the price check
	// above; the refund math depends on that ordering.
	refund, err := mulU64(bid.Price-fillPrice, fillQty)
	if err != nil {
		return nil, err
	}

	if err := txn.Transfer(bidID, ledger.HolderID(askOwner), sellerPay); err != nil {
		return nil, mapLedgerErr(err)
	}
	if refund > 0 {
		if err := txn.Transfer(bidID, ledger.HolderID(bidOwner), refund); err != nil {
			return nil, mapLedgerErr(err)
		}
	}

	bid.FilledQuantity += fillQty
	ask.FilledQuantity += fillQty
	bid.Status = fillStatus(bid)
	ask.Status = fillStatus(ask)
	txn.Put(bidID, EncodeOrder(bid))
	txn.Put(askID, EncodeOrder(ask))

	m, err := readMarket(txn, bid.Market)
	if err != nil {
		return nil, err
	}
	m.TotalBidVolume = subSat(m.TotalBidVolume, fillQty)
	m.TotalAskVolume = subSat(m.TotalAskVolume, fillQty)
	txn.Put(bid.Market, EncodeMarket(m))

	now := e.clock.Now().Unix()
	if err := txn.AppendEvent(EventTradeExecuted, TradeExecutedEvent{
		BidOrderID:   bid.OrderID,
		AskOrderID:   ask.OrderID,
		Market:       bid.Market,
		Buyer:        bid.Owner,
		Seller:       ask.Owner,
		FillPrice:    fillPrice,
		FillQuantity: fillQty,
		Timestamp:    now,
	}, now); err != nil {
		return nil, err
	}

	events, err := txn.Commit()
	if err != nil {
		return nil, err
	}
	e.emit(events)

	e.log.Infow("trade_executed", "market", bid.Market.Hex(),
		"bid", bid.OrderID, "ask", ask.OrderID,
		"price", fillPrice, "qty", fillQty, "matcher", matcher.Hex())
	return &Fill{
		BidOrderID:   bid.OrderID,
		AskOrderID:   ask.OrderID,
		FillPrice:    fillPrice,
		FillQuantity: fillQty,
		SellerPay:    sellerPay,
		BuyerRefund:  refund,
	}, nil
}

// CancelOrder cancels the unfilled remainder of an active order. Buy orders
// get the remainder's escrow back; already-filled quantity is untouched.
func (e *Engine) CancelOrder(owner common.Address, orderID ledger.ID) error {
	txn := e.ledger.Begin()

	o, err := readOrder(txn, orderID)
	if err != nil {
		return err
	}
	if owner != o.Owner {
		return ErrUnauthorized
	}
	if !o.IsActive() {
		return ErrOrderNotActive
	}

	remaining := o.Remaining()
	refund := uint64(0)
	if o.Side == Buy {
		if refund, err = mulU64(o.Price, remaining); err != nil {
			return err
		}
		if refund > 0 {
			if err := txn.Transfer(orderID, ledger.HolderID(owner), refund); err != nil {
				return mapLedgerErr(err)
			}
		}
	}

	o.Status = Cancelled
	txn.Put(orderID, EncodeOrder(o))

	m, err := readMarket(txn, o.Market)
	if err != nil {
		return err
	}
	if o.Side == Buy {
		m.TotalBidVolume = subSat(m.TotalBidVolume, remaining)
	} else {
		m.TotalAskVolume = subSat(m.TotalAskVolume, remaining)
	}
	txn.Put(o.Market, EncodeMarket(m))

	now := e.clock.Now().Unix()
	if err := txn.AppendEvent(EventOrderCancelled, OrderCancelledEvent{
		OrderID: o.OrderID,
		Owner:   o.Owner,
		Market:  o.Market,
		Refund:  refund,
	}, now); err != nil {
		return err
	}

	events, err := txn.Commit()
	if err != nil {
		return err
	}
	e.emit(events)

	e.log.Infow("order_cancelled", "market", o.Market.Hex(), "order_id", o.OrderID, "refund", refund)
	return nil
}

// CloseOrder destroys a terminal order record and returns its storage
// deposit in full to the owner. The only path that frees storage; escrow is
// already fully resolved by the time an order is terminal, so nothing but
// the deposit remains in the record.
func (e *Engine) CloseOrder(owner common.Address, orderID ledger.ID) error {
	txn := e.ledger.Begin()

	o, err := readOrder(txn, orderID)
	if err != nil {
		return err
	}
	if owner != o.Owner {
		return ErrUnauthorized
	}
	if !o.IsTerminal() {
		return ErrOrderStillActive
	}

	if err := txn.Delete(orderID, ledger.HolderID(owner)); err != nil {
		return mapLedgerErr(err)
	}

	events, err := txn.Commit()
	if err != nil {
		return err
	}
	e.emit(events)

	e.log.Infow("order_closed", "market", o.Market.Hex(), "order_id", o.OrderID)
	return nil
}

func fillStatus(o *Order) OrderStatus {
	if o.FilledQuantity >= o.Quantity {
		return Filled
	}
	return PartiallyFilled
}

func readMarket(txn *ledger.Txn, id ledger.ID) (*Market, error) {
	payload, err := txn.Get(id)
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

func readOrder(txn *ledger.Txn, id ledger.ID) (*Order, error) {
	payload, err := txn.Get(id)
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

func mapLedgerErr(err error) error {
	switch err {
	case ledger.ErrInsufficientFunds:
		return ErrInsufficientBalance
	case ledger.ErrRecordExists:
		return ErrMarketExists
	default:
		return err
	}
}
