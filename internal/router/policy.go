package router

import (
	"github.com/shopspring/decimal"

	"main/internal/book"
	"main/internal/schema"
	"main/pkg/exception"
)

// ChildSpec is one venue-bound slice of a planned intent.
type ChildSpec struct {
	VenueID  schema.VenueID
	SymbolID schema.SymbolID
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Policy turns an intent into an execution plan over trusted venues.
// Each child the plan produces follows the full order lifecycle
// independently.
type Policy interface {
	Name() string
	Plan(intent schema.OrderIntent, quotes []book.VenueQuote) ([]ChildSpec, error)
}

// FixedVenue routes everything to one venue.
type FixedVenue struct {
	VenueID schema.VenueID
}

// Name implements Policy.
func (p FixedVenue) Name() string { return "fixed_venue" }

// Plan implements Policy.
func (p FixedVenue) Plan(intent schema.OrderIntent, quotes []book.VenueQuote) ([]ChildSpec, error) {
	for _, q := range quotes {
		if q.VenueID == p.VenueID {
			return []ChildSpec{{
				VenueID:  q.VenueID,
				SymbolID: q.SymbolID,
				Price:    intent.Price,
				Quantity: intent.Quantity,
			}}, nil
		}
	}
	return nil, exception.ErrNoEligibleVenue
}

// BestPrice routes the whole intent to the venue showing the best
// opposite-side top: lowest ask for buys, highest bid for sells.
type BestPrice struct{}

// Name implements Policy.
func (BestPrice) Name() string { return "best_price" }

// Plan implements Policy.
func (BestPrice) Plan(intent schema.OrderIntent, quotes []book.VenueQuote) ([]ChildSpec, error) {
	var best *book.VenueQuote
	for i := range quotes {
		q := quotes[i]
		if intent.Side == schema.SideBuy {
			if !q.HasAsk {
				continue
			}
			if best == nil || q.Ask.Price.LessThan(best.Ask.Price) {
				best = &quotes[i]
			}
		} else {
			if !q.HasBid {
				continue
			}
			if best == nil || q.Bid.Price.GreaterThan(best.Bid.Price) {
				best = &quotes[i]
			}
		}
	}
	if best == nil {
		return nil, exception.ErrNoEligibleVenue
	}
	return []ChildSpec{{
		VenueID:  best.VenueID,
		SymbolID: best.SymbolID,
		Price:    intent.Price,
		Quantity: intent.Quantity,
	}}, nil
}

// SplitWeighted splits the intent across venues in proportion to
// displayed opposite-side size, remainder to the deepest venue.
type SplitWeighted struct{}

// Name implements Policy.
func (SplitWeighted) Name() string { return "split_weighted" }

// Plan implements Policy.
func (SplitWeighted) Plan(intent schema.OrderIntent, quotes []book.VenueQuote) ([]ChildSpec, error) {
	type slice struct {
		quote book.VenueQuote
		size  decimal.Decimal
	}

	var eligible []slice
	total := decimal.Zero
	for _, q := range quotes {
		var size decimal.Decimal
		if intent.Side == schema.SideBuy {
			if !q.HasAsk {
				continue
			}
			size = q.Ask.Quantity
		} else {
			if !q.HasBid {
				continue
			}
			size = q.Bid.Quantity
		}
		if size.Sign() <= 0 {
			continue
		}
		eligible = append(eligible, slice{quote: q, size: size})
		total = total.Add(size)
	}
	if len(eligible) == 0 {
		return nil, exception.ErrNoEligibleVenue
	}

	deepest := 0
	for i := range eligible {
		if eligible[i].size.GreaterThan(eligible[deepest].size) {
			deepest = i
		}
	}

	children := make([]ChildSpec, 0, len(eligible))
	assigned := decimal.Zero
	for i, e := range eligible {
		if i == deepest {
			continue // remainder holder, assigned last
		}
		qty := intent.Quantity.Mul(e.size).Div(total).Truncate(8)
		if qty.Sign() <= 0 {
			continue
		}
		assigned = assigned.Add(qty)
		children = append(children, ChildSpec{
			VenueID:  e.quote.VenueID,
			SymbolID: e.quote.SymbolID,
			Price:    intent.Price,
			Quantity: qty,
		})
	}
	remainder := intent.Quantity.Sub(assigned)
	if remainder.Sign() > 0 {
		children = append(children, ChildSpec{
			VenueID:  eligible[deepest].quote.VenueID,
			SymbolID: eligible[deepest].quote.SymbolID,
			Price:    intent.Price,
			Quantity: remainder,
		})
	}
	return children, nil
}
