package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/clobd/pkg/ledger"
	"github.com/openclob/clobd/pkg/util"
)

const (
	testDeposit = uint64(1000)
	testFunding = uint64(10_000_000)
)

var (
	alice   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	matcher = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	l, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	for _, addr := range []common.Address{alice, bob, carol} {
		if err := l.Fund(ledger.HolderID(addr), testFunding); err != nil {
			t.Fatalf("fund %s: %v", addr.Hex(), err)
		}
	}

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	return New(l,
		WithClock(clock),
		WithStorageDeposit(testDeposit),
	)
}

func newTestMarket(t *testing.T, eng *Engine) ledger.ID {
	t.Helper()
	id, err := eng.InitializeMarket(alice, "GOLD/USD")
	if err != nil {
		t.Fatalf("initialize market: %v", err)
	}
	return id
}

func balance(eng *Engine, addr common.Address) uint64 {
	return eng.Ledger().Balance(ledger.HolderID(addr))
}

// checkEscrow asserts the standing vault invariant of a buy order: record
// balance equals remaining*price plus the storage deposit.
func checkEscrow(t *testing.T, eng *Engine, id ledger.ID) {
	t.Helper()
	o, err := eng.Order(id)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if o.Side != Buy {
		return
	}
	want := o.Remaining()*o.Price + testDeposit
	if got := eng.Ledger().Balance(id); got != want {
		t.Errorf("escrow invariant: record balance = %d, want %d (remaining %d * price %d + deposit)",
			got, want, o.Remaining(), o.Price)
	}
}

// ==============================
// initialize_market
// ==============================

func TestInitializeMarket(t *testing.T) {
	eng := newTestEngine(t)

	id, err := eng.InitializeMarket(alice, "GOLD/USD")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	wantID, _ := DeriveMarketID(alice, "GOLD/USD")
	if id != wantID {
		t.Errorf("market id = %s, want derived %s", id.Hex(), wantID.Hex())
	}

	m, err := eng.Market(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Authority != alice || m.Name != "GOLD/USD" {
		t.Errorf("market = %+v", m)
	}
	if m.NextOrderID != 0 || m.TotalBidVolume != 0 || m.TotalAskVolume != 0 {
		t.Errorf("fresh market counters = %d/%d/%d, want zeros",
			m.NextOrderID, m.TotalBidVolume, m.TotalAskVolume)
	}
	if m.Bump != DerivationBump {
		t.Errorf("bump = 0x%02x, want 0x%02x", m.Bump, DerivationBump)
	}

	if got := balance(eng, alice); got != testFunding-testDeposit {
		t.Errorf("authority balance = %d, want funding minus deposit", got)
	}
	if got := eng.Ledger().Balance(id); got != testDeposit {
		t.Errorf("market record balance = %d, want deposit %d", got, testDeposit)
	}
}

func TestInitializeMarketDuplicate(t *testing.T) {
	eng := newTestEngine(t)
	newTestMarket(t, eng)

	if _, err := eng.InitializeMarket(alice, "GOLD/USD"); err != ErrMarketExists {
		t.Errorf("duplicate = %v, want ErrMarketExists", err)
	}
	// Same name under a different authority is a different record.
	if _, err := eng.InitializeMarket(bob, "GOLD/USD"); err != nil {
		t.Errorf("different authority, same name: %v", err)
	}
}

func TestInitializeMarketNameTooLong(t *testing.T) {
	eng := newTestEngine(t)

	long := make([]byte, MaxMarketName+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := eng.InitializeMarket(alice, string(long)); err != ErrInvalidNameLength {
		t.Errorf("long name = %v, want ErrInvalidNameLength", err)
	}
}

// ==============================
// place_order
// ==============================

func TestPlaceOrderValidation(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	tests := []struct {
		name     string
		side     Side
		price    uint64
		quantity uint64
		want     error
	}{
		{"zero price", Buy, 0, 10, ErrInvalidPrice},
		{"zero quantity", Buy, 100, 0, ErrInvalidQuantity},
		{"bad side", Side(7), 100, 10, ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := eng.PlaceOrder(bob, market, tt.side, tt.price, tt.quantity); err != tt.want {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, _, err := eng.PlaceOrder(bob, ledger.ID{0xde}, Buy, 100, 10); err != ErrMarketNotFound {
		t.Errorf("unknown market = %v, want ErrMarketNotFound", err)
	}
}

func TestPlaceOrderEscrowAndCounters(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	seq, rec, err := eng.PlaceOrder(alice, market, Buy, 100, 5000)
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if seq != 0 {
		t.Errorf("first order seq = %d, want 0", seq)
	}
	wantRec, _ := DeriveOrderID(market, 0)
	if rec != wantRec {
		t.Errorf("record id = %s, want derived %s", rec.Hex(), wantRec.Hex())
	}

	// Escrow plus deposit left the owner and landed in the record.
	wantOwner := testFunding - testDeposit - 100*5000 - testDeposit // market deposit too
	if got := balance(eng, alice); got != wantOwner {
		t.Errorf("owner balance = %d, want %d", got, wantOwner)
	}
	checkEscrow(t, eng, rec)

	// Sell orders move only the deposit.
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 99, 3000)
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if got := balance(eng, bob); got != testFunding-testDeposit {
		t.Errorf("seller balance = %d, want funding minus deposit", got)
	}
	if got := eng.Ledger().Balance(askRec); got != testDeposit {
		t.Errorf("ask record balance = %d, want deposit only", got)
	}

	m, err := eng.Market(market)
	if err != nil {
		t.Fatal(err)
	}
	if m.NextOrderID != 2 {
		t.Errorf("next order id = %d, want 2", m.NextOrderID)
	}
	if m.TotalBidVolume != 5000 || m.TotalAskVolume != 3000 {
		t.Errorf("volumes = %d/%d, want 5000/3000", m.TotalBidVolume, m.TotalAskVolume)
	}
}

func TestPlaceOrderInsufficientBalance(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	// Escrow alone exceeds funding.
	if _, _, err := eng.PlaceOrder(bob, market, Buy, testFunding, 2); err != ErrInsufficientBalance {
		t.Errorf("oversized buy = %v, want ErrInsufficientBalance", err)
	}
	// price*quantity overflows u64.
	if _, _, err := eng.PlaceOrder(bob, market, Buy, 1<<63, 4); err != ErrOverflow {
		t.Errorf("overflow buy = %v, want ErrOverflow", err)
	}
}

// ==============================
// match_orders
// ==============================

func TestFullMatchWithPriceImprovement(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 5000)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 99, 5000)
	if err != nil {
		t.Fatal(err)
	}

	aliceBefore := balance(eng, alice)
	bobBefore := balance(eng, bob)
	supplyBefore := eng.Ledger().TotalSupply()

	fill, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob)
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	// Trade settles at the ask's price; the bid's improvement flows back.
	if fill.FillPrice != 99 || fill.FillQuantity != 5000 {
		t.Errorf("fill = %d @ %d, want 5000 @ 99", fill.FillQuantity, fill.FillPrice)
	}
	if fill.SellerPay != 495_000 {
		t.Errorf("seller pay = %d, want 495000", fill.SellerPay)
	}
	if fill.BuyerRefund != 5_000 {
		t.Errorf("buyer refund = %d, want 5000", fill.BuyerRefund)
	}
	if got := balance(eng, bob); got != bobBefore+495_000 {
		t.Errorf("seller balance = %d, want +495000", got)
	}
	if got := balance(eng, alice); got != aliceBefore+5_000 {
		t.Errorf("buyer balance = %d, want +5000 refund", got)
	}

	// Both fully filled; only deposits remain in the records.
	for _, rec := range []ledger.ID{bidRec, askRec} {
		o, err := eng.Order(rec)
		if err != nil {
			t.Fatal(err)
		}
		if o.Status != Filled || o.Remaining() != 0 {
			t.Errorf("order %d status = %s remaining = %d", o.OrderID, o.Status, o.Remaining())
		}
		if got := eng.Ledger().Balance(rec); got != testDeposit {
			t.Errorf("order %d record balance = %d, want deposit only", o.OrderID, got)
		}
	}

	m, err := eng.Market(market)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalBidVolume != 0 || m.TotalAskVolume != 0 {
		t.Errorf("volumes after full match = %d/%d, want 0/0", m.TotalBidVolume, m.TotalAskVolume)
	}

	if got := eng.Ledger().TotalSupply(); got != supplyBefore {
		t.Errorf("total supply changed: %d -> %d", supplyBefore, got)
	}
}

func TestPartialFill(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 4)
	if err != nil {
		t.Fatal(err)
	}

	fill, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	if fill.FillQuantity != 4 {
		t.Fatalf("fill quantity = %d, want 4", fill.FillQuantity)
	}

	bid, err := eng.Order(bidRec)
	if err != nil {
		t.Fatal(err)
	}
	if bid.Status != PartiallyFilled || bid.Remaining() != 6 {
		t.Errorf("bid = %s remaining %d, want partially_filled remaining 6", bid.Status, bid.Remaining())
	}
	ask, err := eng.Order(askRec)
	if err != nil {
		t.Fatal(err)
	}
	if ask.Status != Filled {
		t.Errorf("ask status = %s, want filled", ask.Status)
	}
	checkEscrow(t, eng, bidRec)

	m, err := eng.Market(market)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalBidVolume != 6 || m.TotalAskVolume != 0 {
		t.Errorf("volumes = %d/%d, want 6/0", m.TotalBidVolume, m.TotalAskVolume)
	}
}

func TestMatchPriceMismatch(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 95, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 99, 10)
	if err != nil {
		t.Fatal(err)
	}

	aliceBefore := balance(eng, alice)
	bobBefore := balance(eng, bob)

	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != ErrPriceMismatch {
		t.Fatalf("uncrossed match = %v, want ErrPriceMismatch", err)
	}

	// Nothing moved, nothing advanced.
	if balance(eng, alice) != aliceBefore || balance(eng, bob) != bobBefore {
		t.Error("rejected match moved funds")
	}
	bid, _ := eng.Order(bidRec)
	ask, _ := eng.Order(askRec)
	if bid.Status != Open || ask.Status != Open {
		t.Errorf("rejected match advanced status: %s/%s", bid.Status, ask.Status)
	}
}

func TestMatchPreconditions(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)
	other, err := eng.InitializeMarket(bob, "SILVER/USD")
	if err != nil {
		t.Fatal(err)
	}

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 99, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, bid2Rec, err := eng.PlaceOrder(carol, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, otherAskRec, err := eng.PlaceOrder(bob, other, Sell, 99, 10)
	if err != nil {
		t.Fatal(err)
	}

	// Two bids is a structural error, checked before anything else.
	if _, err := eng.MatchOrders(matcher, bidRec, bid2Rec, alice, carol); err != ErrInvalidSide {
		t.Errorf("bid/bid = %v, want ErrInvalidSide", err)
	}
	// Orders from different markets never settle.
	if _, err := eng.MatchOrders(matcher, bidRec, otherAskRec, alice, bob); err != ErrMarketMismatch {
		t.Errorf("cross-market = %v, want ErrMarketMismatch", err)
	}
	// Owner fields name where funds move; a wrong one is fatal.
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, carol, bob); err != ErrUnauthorized {
		t.Errorf("wrong bid owner = %v, want ErrUnauthorized", err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, carol); err != ErrUnauthorized {
		t.Errorf("wrong ask owner = %v, want ErrUnauthorized", err)
	}
	// Unknown records.
	if _, err := eng.MatchOrders(matcher, ledger.ID{0xde}, askRec, alice, bob); err != ErrOrderNotFound {
		t.Errorf("unknown bid = %v, want ErrOrderNotFound", err)
	}
}

func TestMatchFilledOrderRejected(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != nil {
		t.Fatal(err)
	}

	// Settled pairs cannot settle again, and filled orders cannot cancel.
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != ErrOrderNotActive {
		t.Errorf("re-match = %v, want ErrOrderNotActive", err)
	}
	if err := eng.CancelOrder(alice, bidRec); err != ErrOrderNotActive {
		t.Errorf("cancel filled = %v, want ErrOrderNotActive", err)
	}
}

// ==============================
// cancel_order
// ==============================

func TestCancelBuyRefundsRemainder(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != nil {
		t.Fatal(err)
	}

	before := balance(eng, alice)
	if err := eng.CancelOrder(alice, bidRec); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Remainder escrow (6 * 100) came back; deposit stays with the record.
	if got := balance(eng, alice); got != before+600 {
		t.Errorf("owner balance = %d, want +600", got)
	}
	if got := eng.Ledger().Balance(bidRec); got != testDeposit {
		t.Errorf("cancelled record balance = %d, want deposit only", got)
	}

	o, err := eng.Order(bidRec)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != Cancelled {
		t.Errorf("status = %s, want cancelled", o.Status)
	}
	if o.FilledQuantity != 4 {
		t.Errorf("filled quantity = %d, want 4 (fills survive cancellation)", o.FilledQuantity)
	}

	m, err := eng.Market(market)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalBidVolume != 0 {
		t.Errorf("bid volume = %d, want 0", m.TotalBidVolume)
	}
}

func TestCancelSellNoRefund(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	before := balance(eng, bob)
	if err := eng.CancelOrder(bob, askRec); err != nil {
		t.Fatal(err)
	}
	if got := balance(eng, bob); got != before {
		t.Errorf("sell cancel moved funds: %d -> %d", before, got)
	}
}

func TestCancelUnauthorized(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.CancelOrder(bob, bidRec); err != ErrUnauthorized {
		t.Errorf("non-owner cancel = %v, want ErrUnauthorized", err)
	}
	o, err := eng.Order(bidRec)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != Open {
		t.Errorf("rejected cancel advanced status: %s", o.Status)
	}
	checkEscrow(t, eng, bidRec)
}

// ==============================
// close_order
// ==============================

func TestCloseOrderReturnsDeposit(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != nil {
		t.Fatal(err)
	}

	before := balance(eng, alice)
	if err := eng.CloseOrder(alice, bidRec); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := balance(eng, alice); got != before+testDeposit {
		t.Errorf("owner balance = %d, want +deposit", got)
	}

	// The record is gone; closing again cannot find it.
	if _, err := eng.Order(bidRec); err != ErrOrderNotFound {
		t.Errorf("closed order lookup = %v, want ErrOrderNotFound", err)
	}
	if err := eng.CloseOrder(alice, bidRec); err != ErrOrderNotFound {
		t.Errorf("double close = %v, want ErrOrderNotFound", err)
	}
}

func TestCloseActiveOrderRejected(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.CloseOrder(alice, bidRec); err != ErrOrderStillActive {
		t.Errorf("close open = %v, want ErrOrderStillActive", err)
	}

	if err := eng.CancelOrder(alice, bidRec); err != nil {
		t.Fatal(err)
	}
	if err := eng.CloseOrder(bob, bidRec); err != ErrUnauthorized {
		t.Errorf("non-owner close = %v, want ErrUnauthorized", err)
	}
	if err := eng.CloseOrder(alice, bidRec); err != nil {
		t.Errorf("close cancelled: %v", err)
	}
}

// ==============================
// invariants and events
// ==============================

func TestSupplyConservedAcrossLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)
	supply := eng.Ledger().TotalSupply()

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 95, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != nil {
		t.Fatal(err)
	}
	if err := eng.CloseOrder(alice, bidRec); err != nil {
		t.Fatal(err)
	}
	if err := eng.CloseOrder(bob, askRec); err != nil {
		t.Fatal(err)
	}

	if got := eng.Ledger().TotalSupply(); got != supply {
		t.Errorf("supply changed: %d -> %d", supply, got)
	}
	// Every unit is back in account balances after full lifecycle.
	sum := balance(eng, alice) + balance(eng, bob) + balance(eng, carol) +
		eng.Ledger().Balance(market)
	if sum != supply {
		t.Errorf("balances sum to %d, supply %d", sum, supply)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 99, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob); err != nil {
		t.Fatal(err)
	}
	if err := eng.CancelOrder(alice, bidRec); err != nil {
		t.Fatal(err)
	}

	events, err := eng.Ledger().Events(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []string{EventOrderPlaced, EventOrderPlaced, EventTradeExecuted, EventOrderCancelled}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, wantTypes[i])
		}
	}

	var trade TradeExecutedEvent
	if err := json.Unmarshal(events[2].Data, &trade); err != nil {
		t.Fatal(err)
	}
	if trade.FillPrice != 99 || trade.FillQuantity != 4 || trade.Buyer != alice || trade.Seller != bob {
		t.Errorf("trade event = %+v", trade)
	}

	if err := eng.Ledger().VerifyChain(); err != nil {
		t.Errorf("verify chain: %v", err)
	}
}

func TestOnEventObserver(t *testing.T) {
	eng := newTestEngine(t)
	var seen []string
	eng.OnEvent = func(ev ledger.Event) { seen = append(seen, ev.Type) }

	market := newTestMarket(t, eng)
	if _, _, err := eng.PlaceOrder(alice, market, Buy, 100, 1); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != EventOrderPlaced {
		t.Errorf("observer saw %v", seen)
	}
}

// Two matchers race to settle the same pair. Exactly one settlement lands;
// the loser either fails the commit-time version check or, if it started
// after the winner committed, sees the pair already filled. Funds move once.
func TestConcurrentSettlementOneWins(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	_, bidRec, err := eng.PlaceOrder(alice, market, Buy, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	_, askRec, err := eng.PlaceOrder(bob, market, Sell, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	bobBefore := balance(eng, bob)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.MatchOrders(matcher, bidRec, askRec, alice, bob)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won, lost := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ErrOrderNotActive):
			lost++
		default:
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one of each", won, lost)
	}

	// Seller was paid for one fill, not two.
	if got := balance(eng, bob); got != bobBefore+500 {
		t.Errorf("seller balance = %d, want +500 exactly once", got)
	}
	for _, rec := range []ledger.ID{bidRec, askRec} {
		o, err := eng.Order(rec)
		if err != nil {
			t.Fatal(err)
		}
		if o.Status != Filled || o.FilledQuantity != 5 {
			t.Errorf("order %d = %s filled %d, want filled 5", o.OrderID, o.Status, o.FilledQuantity)
		}
	}
	checkEscrow(t, eng, bidRec)
}

// ==============================
// read side
// ==============================

func TestOrdersAndBook(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	if _, _, err := eng.PlaceOrder(alice, market, Buy, 100, 10); err != nil {
		t.Fatal(err)
	}
	if _, _, err := eng.PlaceOrder(carol, market, Buy, 100, 5); err != nil {
		t.Fatal(err)
	}
	if _, bidRec, err := eng.PlaceOrder(alice, market, Buy, 98, 7); err != nil {
		t.Fatal(err)
	} else if err := eng.CancelOrder(alice, bidRec); err != nil {
		t.Fatal(err)
	}
	if _, _, err := eng.PlaceOrder(bob, market, Sell, 105, 3); err != nil {
		t.Fatal(err)
	}

	all, err := eng.Orders(market)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("orders = %d, want 4", len(all))
	}
	open, err := eng.OpenOrders(market)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 3 {
		t.Errorf("open orders = %d, want 3 (cancelled excluded)", len(open))
	}

	book, err := eng.Book(market)
	if err != nil {
		t.Fatal(err)
	}
	// Same-price bids aggregate to one level.
	if len(book.Bids) != 1 || book.Bids[0].Price != 100 || book.Bids[0].Quantity != 15 {
		t.Errorf("bids = %+v, want [{100 15}]", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Price != 105 || book.Asks[0].Quantity != 3 {
		t.Errorf("asks = %+v, want [{105 3}]", book.Asks)
	}
}

func TestOrderBySeqAndMarketByName(t *testing.T) {
	eng := newTestEngine(t)
	market := newTestMarket(t, eng)

	seq, rec, err := eng.PlaceOrder(alice, market, Buy, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	id, o, err := eng.OrderBySeq(market, seq)
	if err != nil {
		t.Fatal(err)
	}
	if id != rec || o.Owner != alice {
		t.Errorf("order by seq mismatch")
	}

	mid, m, err := eng.MarketByName(alice, "GOLD/USD")
	if err != nil {
		t.Fatal(err)
	}
	if mid != market || m.Name != "GOLD/USD" {
		t.Errorf("market by name mismatch")
	}
}
