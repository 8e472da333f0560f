// Package crank is the external matcher: it scans current ledger state,
// proposes candidate (bid, ask) pairs, and submits them to the engine's
// validate-and-settle entry point. The engine never discovers counterparties
// itself; this component supplies the pairing at whatever cadence it likes,
// and anyone can run one. A settlement lost to a concurrent writer comes
// back as ledger.ErrConflict and is retried against re-fetched state.
package crank

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/clobd/pkg/engine"
	"github.com/openclob/clobd/pkg/ledger"
)

// Config tunes a crank run.
type Config struct {
	// Matcher is the identity submitting settlements. It carries no
	// privileges; the engine ignores who cranks.
	Matcher common.Address

	// Interval between passes over all markets.
	Interval time.Duration

	// MaxRetries bounds conflict retries within a single market pass.
	MaxRetries int
}

// DefaultConfig returns conservative crank settings.
func DefaultConfig(matcher common.Address) Config {
	return Config{
		Matcher:    matcher,
		Interval:   500 * time.Millisecond,
		MaxRetries: 5,
	}
}

// Crank drives settlement for every crossing pair it can find.
type Crank struct {
	eng *engine.Engine
	cfg Config
	log *zap.SugaredLogger
}

func New(eng *engine.Engine, cfg Config, log *zap.SugaredLogger) *Crank {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Crank{eng: eng, cfg: cfg, log: log}
}

// Run loops until the context is cancelled, cranking every market each
// interval.
func (c *Crank) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			markets, err := c.eng.Markets()
			if err != nil {
				c.log.Warnw("crank_scan_failed", "err", err)
				continue
			}
			for _, entry := range markets {
				if _, err := c.RunOnce(entry.ID); err != nil {
					c.log.Warnw("crank_pass_failed", "market", entry.ID.Hex(), "err", err)
				}
			}
		}
	}
}

// RunOnce settles crossing pairs in one market until none remain. Returns
// the number of trades executed. A conflict restarts the pass from fresh
// state, up to MaxRetries times.
func (c *Crank) RunOnce(marketID ledger.ID) (int, error) {
	matched := 0
	for attempt := 0; ; attempt++ {
		n, err := c.pass(marketID)
		matched += n
		if err == ledger.ErrConflict {
			if attempt+1 >= c.cfg.MaxRetries {
				c.log.Warnw("crank_retries_exhausted", "market", marketID.Hex(), "attempt", attempt+1)
				return matched, nil
			}
			continue // re-fetch and retry
		}
		return matched, err
	}
}

// pass proposes pairs from one snapshot of open orders. The snapshot is
// rebuilt every pass; no book survives between calls.
func (c *Crank) pass(marketID ledger.ID) (int, error) {
	open, err := c.eng.OpenOrders(marketID)
	if err != nil {
		return 0, err
	}

	var bids, asks []candidate
	for _, entry := range open {
		cand := candidate{
			id:        entry.ID,
			orderID:   entry.Order.OrderID,
			owner:     entry.Order.Owner,
			price:     entry.Order.Price,
			remaining: entry.Order.Remaining(),
		}
		if entry.Order.Side == engine.Buy {
			bids = append(bids, cand)
		} else {
			asks = append(asks, cand)
		}
	}

	// Best price first; order id breaks ties so older orders go first.
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].price != bids[j].price {
			return bids[i].price > bids[j].price
		}
		return bids[i].orderID < bids[j].orderID
	})
	sort.Slice(asks, func(i, j int) bool {
		if asks[i].price != asks[j].price {
			return asks[i].price < asks[j].price
		}
		return asks[i].orderID < asks[j].orderID
	})

	matched := 0
	i, j := 0, 0
	for i < len(bids) && j < len(asks) && bids[i].price >= asks[j].price {
		fill, err := c.eng.MatchOrders(c.cfg.Matcher, bids[i].id, asks[j].id, bids[i].owner, asks[j].owner)
		if err == ledger.ErrConflict {
			return matched, err
		}
		if err != nil {
			// The pair went stale between snapshot and submit (cancelled,
			// closed, already filled). Re-check both sides against live
			// state so a dead bid is not retried against every remaining
			// ask before the pass ends.
			c.log.Debugw("crank_pair_rejected", "bid", bids[i].orderID, "ask", asks[j].orderID, "err", err)
			advanced := false
			if o, lookupErr := c.eng.Order(bids[i].id); lookupErr != nil || !o.IsActive() {
				i++
				advanced = true
			}
			if o, lookupErr := c.eng.Order(asks[j].id); lookupErr != nil || !o.IsActive() {
				j++
				advanced = true
			}
			if !advanced {
				j++
			}
			continue
		}

		matched++
		bids[i].remaining -= fill.FillQuantity
		asks[j].remaining -= fill.FillQuantity
		if bids[i].remaining == 0 {
			i++
		}
		if asks[j].remaining == 0 {
			j++
		}
	}
	return matched, nil
}

type candidate struct {
	id        ledger.ID
	orderID   uint64
	owner     common.Address
	price     uint64
	remaining uint64
}
