package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRegistryAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()

	v1, err := r.AddVenue("binance")
	if err != nil {
		t.Fatalf("add venue, err: %+v", err)
	}
	v2, err := r.AddVenue("coinbase")
	if err != nil {
		t.Fatalf("add venue, err: %+v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Fatalf("unexpected venue ids: %d, %d", v1, v2)
	}

	s1, err := r.AddSymbol("BTC-USD", v1, decimal.RequireFromString("0.01"), decimal.RequireFromString("0.0001"))
	if err != nil {
		t.Fatalf("add symbol, err: %+v", err)
	}
	s2, err := r.AddSymbol("BTC-USD", v2, decimal.Decimal{}, decimal.Decimal{})
	if err != nil {
		t.Fatalf("add symbol, err: %+v", err)
	}
	if s1 != 1 || s2 != 2 {
		t.Fatalf("unexpected symbol ids: %d, %d", s1, s2)
	}

	sym, ok := r.Symbol(s1)
	if !ok || sym.Name != "BTC-USD" || sym.VenueID != v1 || !sym.Tick.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected symbol: %+v", sym)
	}
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.AddVenue("binance")

	if _, err := r.AddVenue("binance"); err == nil {
		t.Fatal("expected error for duplicate venue")
	}
	if _, err := r.AddVenue(""); err == nil {
		t.Fatal("expected error for empty venue name")
	}

	if _, err := r.AddSymbol("BTC-USD", v1, decimal.Decimal{}, decimal.Decimal{}); err != nil {
		t.Fatalf("add symbol, err: %+v", err)
	}
	if _, err := r.AddSymbol("BTC-USD", v1, decimal.Decimal{}, decimal.Decimal{}); err == nil {
		t.Fatal("expected error for duplicate symbol on the same venue")
	}
	if _, err := r.AddSymbol("ETH-USD", 99, decimal.Decimal{}, decimal.Decimal{}); err == nil {
		t.Fatal("expected error for unknown venue id")
	}
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.AddVenue("binance")
	v2, _ := r.AddVenue("coinbase")
	s1, _ := r.AddSymbol("BTC-USD", v1, decimal.Decimal{}, decimal.Decimal{})
	s2, _ := r.AddSymbol("BTC-USD", v2, decimal.Decimal{}, decimal.Decimal{})
	s3, _ := r.AddSymbol("ETH-USD", v1, decimal.Decimal{}, decimal.Decimal{})

	if id, ok := r.VenueIDByName("coinbase"); !ok || id != v2 {
		t.Fatalf("unexpected venue lookup: %d, %v", id, ok)
	}
	if _, ok := r.VenueIDByName("kraken"); ok {
		t.Fatal("unknown venue resolved")
	}

	if id, ok := r.SymbolIDOn(v2, "BTC-USD"); !ok || id != s2 {
		t.Fatalf("unexpected symbol lookup: %d, %v", id, ok)
	}
	if _, ok := r.SymbolIDOn(v2, "ETH-USD"); ok {
		t.Fatal("unlisted symbol resolved")
	}

	listings := r.Listings("BTC-USD")
	if len(listings) != 2 || listings[0] != s1 || listings[1] != s2 {
		t.Fatalf("unexpected listings: %v", listings)
	}

	syms := r.VenueSymbols(v1)
	if len(syms) != 2 || syms[0].ID != s1 || syms[1].ID != s3 {
		t.Fatalf("unexpected venue symbols: %+v", syms)
	}

	if _, ok := r.Venue(0); ok {
		t.Fatal("venue id 0 must not resolve")
	}
	if _, ok := r.Symbol(99); ok {
		t.Fatal("out-of-range symbol id resolved")
	}
	if sym, ok := r.SymbolAt(2); !ok || sym.ID != s3 {
		t.Fatalf("unexpected symbol at index 2: %+v", sym)
	}
}

func TestConnStateTrust(t *testing.T) {
	for _, st := range []ConnState{ConnDisconnected, ConnConnecting, ConnSubscribed, ConnDegraded, ConnFatallyFailed} {
		if st.Trusted() {
			t.Fatalf("state %s must not be trusted", st)
		}
	}
	if !ConnSynchronized.Trusted() {
		t.Fatal("synchronized must be trusted")
	}
}

func TestSideString(t *testing.T) {
	if SideBuy.String() != "buy" || SideSell.String() != "sell" {
		t.Fatalf("unexpected side names: %s, %s", SideBuy, SideSell)
	}
}
