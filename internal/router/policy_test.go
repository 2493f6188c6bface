package router

import (
	"testing"

	"main/internal/book"
	"main/internal/schema"
	"main/pkg/exception"
)

func quote(venueID schema.VenueID, symbolID schema.SymbolID, bidPx, bidQty, askPx, askQty string) book.VenueQuote {
	q := book.VenueQuote{VenueID: venueID, SymbolID: symbolID}
	if bidPx != "" {
		q.Bid = schema.Level{Price: d(bidPx), Quantity: d(bidQty)}
		q.HasBid = true
	}
	if askPx != "" {
		q.Ask = schema.Level{Price: d(askPx), Quantity: d(askQty)}
		q.HasAsk = true
	}
	return q
}

func intent(side schema.Side, qty string) schema.OrderIntent {
	return schema.OrderIntent{
		SymbolName: "BTC-USD",
		Side:       side,
		Type:       schema.OrderTypeLimit,
		Price:      d("100"),
		Quantity:   d(qty),
	}
}

func TestBestPricePicksTightestSide(t *testing.T) {
	quotes := []book.VenueQuote{
		quote(1, 1, "99", "5", "101", "5"),
		quote(2, 2, "99.5", "2", "100.5", "2"),
	}

	children, err := BestPrice{}.Plan(intent(schema.SideBuy, "3"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if len(children) != 1 || children[0].VenueID != 2 || !children[0].Quantity.Equal(d("3")) {
		t.Fatalf("buy must chase the lowest ask, got %+v", children)
	}

	children, err = BestPrice{}.Plan(intent(schema.SideSell, "3"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if len(children) != 1 || children[0].VenueID != 2 {
		t.Fatalf("sell must chase the highest bid, got %+v", children)
	}
}

func TestBestPriceSkipsOneSidedQuotes(t *testing.T) {
	quotes := []book.VenueQuote{
		quote(1, 1, "99", "5", "", ""),
		quote(2, 2, "", "", "103", "2"),
	}
	children, err := BestPrice{}.Plan(intent(schema.SideBuy, "1"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if children[0].VenueID != 2 {
		t.Fatalf("bid-only venue cannot fill a buy, got %+v", children)
	}

	if _, err := (BestPrice{}).Plan(intent(schema.SideSell, "1"), []book.VenueQuote{quote(2, 2, "", "", "103", "2")}); err != exception.ErrNoEligibleVenue {
		t.Fatalf("expected ErrNoEligibleVenue, got %+v", err)
	}
}

func TestFixedVenue(t *testing.T) {
	quotes := []book.VenueQuote{
		quote(1, 1, "99", "5", "101", "5"),
		quote(2, 2, "99.5", "2", "100.5", "2"),
	}

	children, err := FixedVenue{VenueID: 1}.Plan(intent(schema.SideBuy, "4"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if len(children) != 1 || children[0].VenueID != 1 || children[0].SymbolID != 1 {
		t.Fatalf("unexpected plan: %+v", children)
	}

	if _, err := (FixedVenue{VenueID: 9}).Plan(intent(schema.SideBuy, "4"), quotes); err != exception.ErrNoEligibleVenue {
		t.Fatalf("expected ErrNoEligibleVenue for absent venue, got %+v", err)
	}
}

func TestSplitWeightedProportions(t *testing.T) {
	// Displayed ask size 6 vs 2: a buy of 4 splits 3 / 1, remainder
	// lands on the deeper venue.
	quotes := []book.VenueQuote{
		quote(1, 1, "99", "1", "101", "6"),
		quote(2, 2, "99", "1", "101", "2"),
	}

	children, err := SplitWeighted{}.Plan(intent(schema.SideBuy, "4"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %+v", children)
	}

	byVenue := map[schema.VenueID]ChildSpec{}
	total := d("0")
	for _, c := range children {
		byVenue[c.VenueID] = c
		total = total.Add(c.Quantity)
	}
	if !total.Equal(d("4")) {
		t.Fatalf("split quantities do not sum to the intent: %s", total)
	}
	if !byVenue[2].Quantity.Equal(d("1")) {
		t.Fatalf("shallow venue slice: %s", byVenue[2].Quantity)
	}
	if !byVenue[1].Quantity.Equal(d("3")) {
		t.Fatalf("deep venue slice: %s", byVenue[1].Quantity)
	}
}

func TestSplitWeightedSingleVenue(t *testing.T) {
	quotes := []book.VenueQuote{quote(1, 1, "99", "1", "101", "6")}
	children, err := SplitWeighted{}.Plan(intent(schema.SideBuy, "4"), quotes)
	if err != nil {
		t.Fatalf("plan, err: %+v", err)
	}
	if len(children) != 1 || !children[0].Quantity.Equal(d("4")) {
		t.Fatalf("expected whole intent on the only venue, got %+v", children)
	}
}

func TestSplitWeightedNoDepth(t *testing.T) {
	quotes := []book.VenueQuote{quote(1, 1, "99", "1", "", "")}
	if _, err := (SplitWeighted{}).Plan(intent(schema.SideBuy, "4"), quotes); err != exception.ErrNoEligibleVenue {
		t.Fatalf("expected ErrNoEligibleVenue, got %+v", err)
	}
}
