package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"spotexchange/internal/model"
)

// ticker24h rolling stats are distinct from candle/OHLCV aggregation (a
// non-goal per spec §1) — this only ever answers the single ticker@<pair>
// snapshot (spec §4.6, §6 GET ticker/<pair>), not a time-bucketed series.
const tickerWindow = 24 * time.Hour

func (pe *PairEngine) recordTrade(t model.Trade) {
	pe.tradeHistory = append(pe.tradeHistory, t)
	pe.pruneTradeHistory()
}

func (pe *PairEngine) pruneTradeHistory() {
	cutoff := time.Now().Add(-tickerWindow)
	i := 0
	for i < len(pe.tradeHistory) && pe.tradeHistory[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		pe.tradeHistory = pe.tradeHistory[i:]
	}
}

func (pe *PairEngine) computeTicker(lastPrice decimal.Decimal) model.Ticker {
	pe.pruneTradeHistory()

	t := model.Ticker{Pair: pe.pair.Symbol(), LastPrice: lastPrice, UpdatedAt: time.Now()}
	if bid, ok := pe.book.BestBidPrice(); ok {
		t.BestBid = bid
	}
	if ask, ok := pe.book.BestAskPrice(); ok {
		t.BestAsk = ask
	}
	if t.BestBid.Sign() > 0 && t.BestAsk.Sign() > 0 {
		t.Spread = t.BestAsk.Sub(t.BestBid)
		t.MidPrice = t.BestBid.Add(t.BestAsk).Div(decimal.NewFromInt(2))
	}

	if len(pe.tradeHistory) > 0 {
		high, low, vol := pe.tradeHistory[0].Price, pe.tradeHistory[0].Price, decimal.Zero
		for _, tr := range pe.tradeHistory {
			if tr.Price.GreaterThan(high) {
				high = tr.Price
			}
			if tr.Price.LessThan(low) {
				low = tr.Price
			}
			vol = vol.Add(tr.Amount)
		}
		t.High24h, t.Low24h, t.Volume24h = high, low, vol
	}
	return t
}
