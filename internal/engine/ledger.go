package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// Ledger is the in-memory paper position and cash book. It is mutated only
// from the tick loop; readers get copies.
type Ledger struct {
	positions map[string]*domain.Position
	cash      decimal.Decimal
}

// NewLedger creates a Ledger with the given starting cash.
func NewLedger(startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		positions: make(map[string]*domain.Position),
		cash:      startingCash,
	}
}

func posKey(marketID, tokenID string) string {
	return marketID + "|" + tokenID
}

// Restore seeds the ledger from repository state at startup.
func (l *Ledger) Restore(positions []domain.Position, cash decimal.Decimal) {
	for _, p := range positions {
		cp := p
		l.positions[posKey(p.MarketID, p.TokenID)] = &cp
	}
	l.cash = cash
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	return l.cash
}

// Positions returns a copy of all non-flat positions.
func (l *Ledger) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.IsFlat() {
			out = append(out, *p)
		}
	}
	return out
}

// Position returns the holding for (marketID, tokenID), zero-valued when none
// exists.
func (l *Ledger) Position(marketID, tokenID string) domain.Position {
	if p, ok := l.positions[posKey(marketID, tokenID)]; ok {
		return *p
	}
	return domain.Position{MarketID: marketID, TokenID: tokenID}
}

// ApplyFill folds a fill into the position for (marketID, fill token) using
// average-price accounting and moves cash. It returns the realized PnL delta
// net of the fee; fees on opening fills realize immediately as a loss.
func (l *Ledger) ApplyFill(marketID string, f domain.Fill) decimal.Decimal {
	key := posKey(marketID, f.TokenID)
	p, ok := l.positions[key]
	if !ok {
		p = &domain.Position{MarketID: marketID, TokenID: f.TokenID}
		l.positions[key] = p
	}

	signed := f.Size
	cashDelta := f.Notional().Neg()
	if f.Side == domain.OrderSideSell {
		signed = signed.Neg()
		cashDelta = f.Notional()
	}
	l.cash = l.cash.Add(cashDelta).Sub(f.Fee)

	realized := decimal.Zero
	sameDirection := p.Size.IsZero() || p.Size.Sign() == signed.Sign()
	if sameDirection {
		// Opening or adding: weighted average entry price.
		newSize := p.Size.Add(signed)
		if !newSize.IsZero() {
			p.AvgPrice = p.AvgPrice.Mul(p.Size.Abs()).
				Add(f.Price.Mul(signed.Abs())).
				Div(newSize.Abs())
		}
		p.Size = newSize
	} else {
		// Reducing or flipping: realize against the average entry.
		closeQty := decimal.Min(p.Size.Abs(), signed.Abs())
		if p.Size.Sign() > 0 {
			realized = f.Price.Sub(p.AvgPrice).Mul(closeQty)
		} else {
			realized = p.AvgPrice.Sub(f.Price).Mul(closeQty)
		}
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Size = p.Size.Add(signed)
		if p.Size.IsZero() {
			p.AvgPrice = decimal.Zero
		} else if p.Size.Sign() == signed.Sign() {
			// Flipped through flat: the residual opens at the fill price.
			p.AvgPrice = f.Price
		}
	}
	p.LastUpdate = f.Timestamp

	return realized.Sub(f.Fee)
}

// MarkToMarket recomputes unrealized PnL for (marketID, tokenID) against mid.
func (l *Ledger) MarkToMarket(marketID, tokenID string, mid decimal.Decimal, ts time.Time) {
	p, ok := l.positions[posKey(marketID, tokenID)]
	if !ok || p.IsFlat() {
		return
	}
	p.UnrealizedPnL = mid.Sub(p.AvgPrice).Mul(p.Size)
	p.LastUpdate = ts
}
