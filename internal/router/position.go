package router

import (
	"sync"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Position is the signed quantity and average cost for one
// (venue, symbol). Mutated only by applied fills, never recomputed
// from book state.
type Position struct {
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// PositionBook reduces fills into positions. The router is its only
// writer.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[schema.SymbolID]Position
}

// NewPositionBook creates an empty position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[schema.SymbolID]Position)}
}

// ApplyFill folds one fill delta into the position. Buys add, sells
// subtract. Average cost follows standard inventory accounting:
// increasing exposure re-averages, reducing keeps the entry cost,
// flipping through zero restarts at the fill price.
func (p *PositionBook) ApplyFill(symbolID schema.SymbolID, side schema.Side, price, quantity decimal.Decimal) Position {
	if quantity.Sign() <= 0 {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.positions[symbolID]
	}

	signed := quantity
	if side == schema.SideSell {
		signed = quantity.Neg()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.positions[symbolID]
	next := Position{Quantity: cur.Quantity.Add(signed)}

	switch {
	case cur.Quantity.Sign() == 0:
		next.AvgCost = price
	case cur.Quantity.Sign() == signed.Sign():
		// Exposure grows: volume-weighted average.
		oldNotional := cur.AvgCost.Mul(cur.Quantity.Abs())
		addNotional := price.Mul(quantity)
		next.AvgCost = oldNotional.Add(addNotional).Div(next.Quantity.Abs())
	case next.Quantity.Sign() == 0:
		next.AvgCost = decimal.Zero
	case next.Quantity.Sign() == cur.Quantity.Sign():
		// Partial reduction: entry cost unchanged.
		next.AvgCost = cur.AvgCost
	default:
		// Flipped through zero: remaining exposure entered here.
		next.AvgCost = price
	}

	p.positions[symbolID] = next
	return next
}

// Position returns the current position for a symbol.
func (p *PositionBook) Position(symbolID schema.SymbolID) Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positions[symbolID]
}

// Count returns the number of tracked symbols.
func (p *PositionBook) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}
