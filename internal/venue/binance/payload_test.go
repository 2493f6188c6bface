package binance

import (
	"testing"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

func TestParseLevels(t *testing.T) {
	levels, err := parseLevels([][2]string{
		{"100.5", "2"},
		{"99.25", "0"},
	})
	if err != nil {
		t.Fatalf("parse levels, err: %+v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if !levels[0].Price.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("unexpected price: %s", levels[0].Price)
	}
	if !levels[1].Quantity.IsZero() {
		t.Fatalf("expected zero quantity, got %s", levels[1].Quantity)
	}

	if _, err := parseLevels([][2]string{{"bad", "1"}}); err == nil {
		t.Fatal("expected error for malformed price")
	}
}

func TestReportKind(t *testing.T) {
	cases := []struct {
		status string
		want   schema.ReportKind
		ok     bool
	}{
		{"NEW", schema.ReportAck, true},
		{"PARTIALLY_FILLED", schema.ReportPartialFill, true},
		{"FILLED", schema.ReportFill, true},
		{"CANCELED", schema.ReportCancelConfirm, true},
		{"REJECTED", schema.ReportReject, true},
		{"EXPIRED", schema.ReportExpired, true},
		{"PENDING_CANCEL", schema.ReportUnknown, false},
	}
	for _, c := range cases {
		got, ok := reportKind(c.status)
		if got != c.want || ok != c.ok {
			t.Fatalf("status %s: got (%v, %v), want (%v, %v)", c.status, got, ok, c.want, c.ok)
		}
	}
}

func TestTranslateExecution(t *testing.T) {
	resolve := func(sym string) (schema.SymbolID, bool) {
		if sym == "BTCUSDT" {
			return 7, true
		}
		return 0, false
	}

	rep, ok := translateExecution(executionEvent{
		EventType:     "executionReport",
		EventTime:     1700000000000,
		Symbol:        "BTCUSDT",
		ClientOrderID: "cli-1",
		OrderID:       42,
		Status:        "PARTIALLY_FILLED",
		CumFilledQty:  "0.5",
		LastPrice:     "30000.1",
	}, resolve)
	if !ok {
		t.Fatal("expected report")
	}
	if rep.Kind != schema.ReportPartialFill || rep.SymbolID != 7 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.ClientOrderID != "cli-1" || rep.VenueOrderID != "42" {
		t.Fatalf("unexpected ids: %+v", rep)
	}
	if !rep.FilledQuantity.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected filled quantity: %s", rep.FilledQuantity)
	}
	if rep.TsNano != 1700000000000*int64(1e6) {
		t.Fatalf("unexpected timestamp: %d", rep.TsNano)
	}

	// Cancels carry the original client id in a separate field.
	rep, ok = translateExecution(executionEvent{
		Symbol:        "BTCUSDT",
		ClientOrderID: "cancel-req",
		OrigClientID:  "cli-1",
		Status:        "CANCELED",
		CumFilledQty:  "0",
		LastPrice:     "0",
	}, resolve)
	if !ok || rep.ClientOrderID != "cli-1" {
		t.Fatalf("expected original client id, got %+v", rep)
	}

	// Unknown symbols are dropped.
	if _, ok := translateExecution(executionEvent{Symbol: "DOGEUSDT", Status: "NEW", CumFilledQty: "0", LastPrice: "0"}, resolve); ok {
		t.Fatal("expected unknown symbol to be dropped")
	}
}

func TestOrderFieldMapping(t *testing.T) {
	if binanceSide(schema.SideBuy) != "BUY" || binanceSide(schema.SideSell) != "SELL" {
		t.Fatal("side mapping broken")
	}
	if binanceOrderType(schema.OrderTypeLimit) != "LIMIT" || binanceOrderType(schema.OrderTypeMarket) != "MARKET" {
		t.Fatal("type mapping broken")
	}
	if binanceTimeInForce(schema.TimeInForceGTC) != "GTC" ||
		binanceTimeInForce(schema.TimeInForceIOC) != "IOC" ||
		binanceTimeInForce(schema.TimeInForceFOK) != "FOK" {
		t.Fatal("time-in-force mapping broken")
	}
}

func drain(ch chan schema.MarketEvent) []schema.MarketEvent {
	var out []schema.MarketEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEmitKeepsSnapshotsUnderBackpressure(t *testing.T) {
	f := &feed{ch: make(chan schema.MarketEvent, 2)}

	f.emit(schema.MarketEvent{Kind: schema.EventUpdate, SymbolID: 7, Sequence: 1})
	f.emit(schema.MarketEvent{Kind: schema.EventUpdate, SymbolID: 7, Sequence: 2})

	// A further update is shed on the full buffer.
	f.emit(schema.MarketEvent{Kind: schema.EventUpdate, SymbolID: 7, Sequence: 3})
	// The snapshot is not: it displaces the oldest buffered event.
	f.emit(schema.MarketEvent{Kind: schema.EventSnapshot, SymbolID: 7, Sequence: 4})

	evs := drain(f.ch)
	if len(evs) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(evs))
	}
	if evs[0].Sequence != 2 || evs[1].Kind != schema.EventSnapshot {
		t.Fatalf("snapshot not delivered: %+v", evs)
	}

	// A closed feed sheds everything without panicking.
	f.closeWith(nil)
	f.emit(schema.MarketEvent{Kind: schema.EventSnapshot, SymbolID: 7, Sequence: 5})
}

func TestHandleDepthReconciliation(t *testing.T) {
	a := New(Config{VenueID: 1, Symbols: map[schema.SymbolID]string{7: "BTCUSDT"}}, nil)
	f := &feed{
		ch:   make(chan schema.MarketEvent, 64),
		syms: map[schema.SymbolID]*symbolSync{7: {}},
	}

	diff := depthEvent{
		EventType:     "depthUpdate",
		Symbol:        "BTCUSDT",
		FirstUpdateID: 11,
		FinalUpdateID: 12,
		Bids:          [][2]string{{"100", "1"}},
		Asks:          [][2]string{{"101", "2"}},
	}

	// No snapshot folded in yet: diffs are dropped.
	a.handleDepth(f, diff)
	if evs := drain(f.ch); len(evs) != 0 {
		t.Fatalf("expected pre-snapshot diff dropped, got %d events", len(evs))
	}

	// Snapshot at venue update id 10; the diff now applies.
	s := f.syms[7]
	s.venueLast = 10
	s.seq = 5
	a.handleDepth(f, diff)
	evs := drain(f.ch)
	if len(evs) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(evs))
	}
	if evs[0].Sequence != 6 || evs[1].Sequence != 7 {
		t.Fatalf("expected contiguous sequences 6,7, got %d,%d", evs[0].Sequence, evs[1].Sequence)
	}
	if evs[0].Side != schema.SideBuy || evs[1].Side != schema.SideSell {
		t.Fatalf("unexpected sides: %v %v", evs[0].Side, evs[1].Side)
	}
	if s.venueLast != 12 {
		t.Fatalf("expected venueLast 12, got %d", s.venueLast)
	}

	// Replayed diff is stale and dropped.
	a.handleDepth(f, diff)
	if evs := drain(f.ch); len(evs) != 0 {
		t.Fatalf("expected stale diff dropped, got %d events", len(evs))
	}

	// Skipped update-id range signals a gap and resets sync.
	gap := diff
	gap.FirstUpdateID = 20
	gap.FinalUpdateID = 21
	a.handleDepth(f, gap)
	evs = drain(f.ch)
	if len(evs) != 1 || evs[0].Kind != schema.EventGap {
		t.Fatalf("expected gap event, got %+v", evs)
	}
	if s.venueLast != 0 {
		t.Fatalf("expected sync reset, venueLast = %d", s.venueLast)
	}
}
