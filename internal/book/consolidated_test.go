package book

import (
	"testing"

	"main/internal/schema"
)

// Two venues listing the same market: symbol 1 on venue 1, symbol 2 on
// venue 2.
func testView() *RegistryView {
	symbols := map[schema.SymbolID]schema.Symbol{
		1: {ID: 1, VenueID: 1, Name: "BTC-USD"},
		2: {ID: 2, VenueID: 2, Name: "BTC-USD"},
	}
	return &RegistryView{
		Listings: func(name string) []schema.SymbolID {
			if name == "BTC-USD" {
				return []schema.SymbolID{1, 2}
			}
			return nil
		},
		Symbol: func(id schema.SymbolID) (schema.Symbol, bool) {
			sym, ok := symbols[id]
			return sym, ok
		},
	}
}

func twoVenueAggregator(t *testing.T) (*Aggregator, *Book, *Book) {
	t.Helper()
	agg := NewAggregator(testView())

	b1 := New(1, 1)
	if err := b1.ApplySnapshot([]schema.Level{lvl("100", "5")}, []schema.Level{lvl("101", "5")}, 1); err != nil {
		t.Fatalf("snapshot venue 1, err: %+v", err)
	}
	b2 := New(2, 2)
	if err := b2.ApplySnapshot([]schema.Level{lvl("100.5", "2")}, []schema.Level{lvl("100.9", "2")}, 1); err != nil {
		t.Fatalf("snapshot venue 2, err: %+v", err)
	}

	agg.Attach(b1)
	agg.Attach(b2)
	agg.SetTrusted(1, true)
	agg.SetTrusted(2, true)
	return agg, b1, b2
}

func TestConsolidatedTop(t *testing.T) {
	agg, _, _ := twoVenueAggregator(t)

	top, ok := agg.Top("BTC-USD")
	if !ok {
		t.Fatal("expected consolidated top")
	}
	if top.Bid.VenueID != 2 || !top.Bid.Level.Price.Equal(d("100.5")) {
		t.Fatalf("unexpected best bid: %+v", top.Bid)
	}
	if top.Ask.VenueID != 2 || !top.Ask.Level.Price.Equal(d("100.9")) {
		t.Fatalf("unexpected best ask: %+v", top.Ask)
	}
	if !top.Spread().Equal(d("0.4")) {
		t.Fatalf("unexpected spread: %s", top.Spread())
	}
}

func TestUntrustedVenueExcluded(t *testing.T) {
	agg, _, _ := twoVenueAggregator(t)

	// Venue 2 loses trust: its tighter quotes drop out immediately.
	agg.SetTrusted(2, false)
	top, ok := agg.Top("BTC-USD")
	if !ok {
		t.Fatal("expected top from remaining venue")
	}
	if top.Bid.VenueID != 1 || !top.Bid.Level.Price.Equal(d("100")) {
		t.Fatalf("untrusted venue still contributes: %+v", top.Bid)
	}

	// Trust restored: the consolidated view tightens again.
	agg.SetTrusted(2, true)
	top, _ = agg.Top("BTC-USD")
	if top.Bid.VenueID != 2 {
		t.Fatalf("restored venue missing from top: %+v", top.Bid)
	}
}

func TestEmptyMarketIsNotAnError(t *testing.T) {
	agg := NewAggregator(testView())
	if _, ok := agg.Top("BTC-USD"); ok {
		t.Fatal("expected no top for market with no books")
	}
	if _, ok := agg.Top("ETH-USD"); ok {
		t.Fatal("expected no top for unknown market")
	}
}

func TestNotReadyBookExcluded(t *testing.T) {
	agg, _, b2 := twoVenueAggregator(t)

	b2.Reset()
	agg.OnTopChange(2)
	top, ok := agg.Top("BTC-USD")
	if !ok {
		t.Fatal("expected top from ready venue")
	}
	if top.Bid.VenueID != 1 {
		t.Fatalf("reset book still contributes: %+v", top.Bid)
	}
}

func TestOnChangeCallback(t *testing.T) {
	agg := NewAggregator(testView())
	var got []Consolidated
	agg.SetOnChange(func(c Consolidated) { got = append(got, c) })

	b1 := New(1, 1)
	if err := b1.ApplySnapshot([]schema.Level{lvl("100", "1")}, nil, 1); err != nil {
		t.Fatalf("snapshot, err: %+v", err)
	}
	agg.Attach(b1)
	agg.SetTrusted(1, true)
	agg.OnTopChange(1)

	if len(got) == 0 {
		t.Fatal("expected change notifications")
	}
	last := got[len(got)-1]
	if last.Symbol != "BTC-USD" || !last.HasBid || last.HasAsk {
		t.Fatalf("unexpected consolidated view: %+v", last)
	}
}

func TestQuotes(t *testing.T) {
	agg, _, _ := twoVenueAggregator(t)

	quotes := agg.Quotes("BTC-USD")
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}

	agg.SetTrusted(1, false)
	quotes = agg.Quotes("BTC-USD")
	if len(quotes) != 1 || quotes[0].VenueID != 2 {
		t.Fatalf("expected only venue 2, got %+v", quotes)
	}
}

func TestConsolidatedDepthMergesEqualPrices(t *testing.T) {
	agg := NewAggregator(testView())

	b1 := New(1, 1)
	if err := b1.ApplySnapshot([]schema.Level{lvl("100", "5"), lvl("99", "1")}, []schema.Level{lvl("101", "2")}, 1); err != nil {
		t.Fatalf("snapshot venue 1, err: %+v", err)
	}
	b2 := New(2, 2)
	if err := b2.ApplySnapshot([]schema.Level{lvl("100", "3")}, []schema.Level{lvl("102", "1")}, 1); err != nil {
		t.Fatalf("snapshot venue 2, err: %+v", err)
	}
	agg.Attach(b1)
	agg.Attach(b2)
	agg.SetTrusted(1, true)
	agg.SetTrusted(2, true)

	bids, asks := agg.Depth("BTC-USD", 10)
	if len(bids) != 2 {
		t.Fatalf("expected 2 merged bid levels, got %d", len(bids))
	}
	if !bids[0].Price.Equal(d("100")) || !bids[0].Quantity.Equal(d("8")) {
		t.Fatalf("equal prices not merged: %+v", bids[0])
	}
	if len(bids[0].Venues) != 2 {
		t.Fatalf("expected both venues at merged level, got %+v", bids[0].Venues)
	}
	if len(asks) != 2 || !asks[0].Price.Equal(d("101")) {
		t.Fatalf("asks not ascending: %+v", asks)
	}
}
