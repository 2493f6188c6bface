package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/book"
	"main/internal/router"
	"main/internal/schema"
	"main/internal/venue"
	"main/internal/venue/venuetest"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func snapshot(symbolID schema.SymbolID, seq uint64, bidPx, askPx string) schema.MarketEvent {
	return schema.MarketEvent{
		Kind:     schema.EventSnapshot,
		SymbolID: symbolID,
		Sequence: seq,
		Bids:     []schema.Level{{Price: d(bidPx), Quantity: d("5")}},
		Asks:     []schema.Level{{Price: d(askPx), Quantity: d("5")}},
	}
}

type coordRig struct {
	reg      *schema.Registry
	agg      *book.Aggregator
	router   *router.Router
	coord    *Coordinator
	mock     *venuetest.Mock
	venueID  schema.VenueID
	symbolID schema.SymbolID
	results  chan router.IntentResult
	cancel   context.CancelFunc
}

func newCoordRig(t *testing.T, cfg Config) *coordRig {
	t.Helper()

	reg := schema.NewRegistry()
	venueID, err := reg.AddVenue("mock")
	if err != nil {
		t.Fatalf("add venue, err: %+v", err)
	}
	symbolID, err := reg.AddSymbol("BTC-USD", venueID, d("0.01"), d("0.0001"))
	if err != nil {
		t.Fatalf("add symbol, err: %+v", err)
	}

	agg := book.NewAggregator(&book.RegistryView{
		Listings: reg.Listings,
		Symbol:   reg.Symbol,
	})
	mock := venuetest.New("mock", venueID)
	results := make(chan router.IntentResult, 8)

	r := router.New(router.Config{AckTimeout: time.Hour}, router.Deps{
		Registry: reg,
		Agg:      agg,
		Clients:  map[schema.VenueID]router.VenueClient{venueID: mock},
		Notify: router.Notify{
			OnIntentDone: func(res router.IntentResult) { results <- res },
		},
	})

	co := New(cfg, agg, r)
	co.AddVenue(mock, []schema.SymbolID{symbolID})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	go co.Run(ctx)
	t.Cleanup(cancel)

	return &coordRig{
		reg: reg, agg: agg, router: r, coord: co,
		mock: mock, venueID: venueID, symbolID: symbolID,
		results: results, cancel: cancel,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func fastConfig() Config {
	return Config{
		InitialBackoff:   2 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		FailureThreshold: 100,
		StableAfter:      time.Hour,
	}
}

func TestCoordinatorSynchronizesVenue(t *testing.T) {
	r := newCoordRig(t, fastConfig())

	waitFor(t, func() bool { return len(r.mock.Subscribed()) == 1 })
	r.mock.Push(snapshot(r.symbolID, 10, "100", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })

	top, ok := r.agg.Top("BTC-USD")
	if !ok || !top.Bid.Level.Price.Equal(d("100")) {
		t.Fatalf("synchronized venue missing from consolidated top: %+v", top)
	}
}

func TestCoordinatorReconnectsAfterFeedFailure(t *testing.T) {
	r := newCoordRig(t, fastConfig())

	waitFor(t, func() bool { return len(r.mock.Subscribed()) == 1 })
	r.mock.Push(snapshot(r.symbolID, 10, "100", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })

	r.mock.FailFeed(errors.New("transport reset"))

	// The dead venue drops out of aggregation until the new session
	// resynchronizes from a fresh snapshot.
	waitFor(t, func() bool {
		_, ok := r.agg.Top("BTC-USD")
		return !ok
	})
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSubscribed })

	r.mock.Push(snapshot(r.symbolID, 50, "100.2", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })
	top, ok := r.agg.Top("BTC-USD")
	if !ok || !top.Bid.Level.Price.Equal(d("100.2")) {
		t.Fatalf("venue did not rejoin aggregation: %+v", top)
	}
}

func TestCoordinatorPumpsReportsToRouter(t *testing.T) {
	r := newCoordRig(t, fastConfig())

	waitFor(t, func() bool { return len(r.mock.Subscribed()) == 1 })
	r.mock.Push(snapshot(r.symbolID, 10, "100", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })

	if _, err := r.router.Submit(context.Background(), schema.OrderIntent{
		SymbolName: "BTC-USD",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Price:      d("101"),
		Quantity:   d("1"),
	}); err != nil {
		t.Fatalf("submit, err: %+v", err)
	}

	var clientOrderID string
	waitFor(t, func() bool {
		submits := r.mock.Submits()
		if len(submits) == 0 {
			return false
		}
		clientOrderID = submits[0].ClientOrderID
		return true
	})

	r.mock.PushReport(schema.ExecutionReport{
		Kind:          schema.ReportAck,
		ClientOrderID: clientOrderID,
		VenueOrderID:  "m-1",
	})
	waitFor(t, func() bool {
		o, ok := r.router.Order(clientOrderID)
		return ok && o.State == router.StateAcknowledged
	})

	r.mock.PushReport(schema.ExecutionReport{
		Kind:           schema.ReportFill,
		ClientOrderID:  clientOrderID,
		FilledQuantity: d("1"),
		LastPrice:      d("101"),
	})
	select {
	case res := <-r.results:
		if res.State != router.StateFilled || !res.Filled.Equal(d("1")) {
			t.Fatalf("unexpected intent result: %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("intent never completed")
	}

	pos := r.router.Positions().Position(r.symbolID)
	if !pos.Quantity.Equal(d("1")) {
		t.Fatalf("fill never reached positions: %+v", pos)
	}
}

func TestVenueFatallyFailedAfterRepeatedFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 2
	// A generous backoff keeps the failed state observable between
	// reconnection attempts.
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	cfg.Session = venue.SessionConfig{HeartbeatTimeout: 10 * time.Millisecond}
	r := newCoordRig(t, cfg)

	// Feed it nothing: every session dies on the heartbeat watchdog
	// until the failure threshold trips.
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnFatallyFailed })

	if _, ok := r.agg.Top("BTC-USD"); ok {
		t.Fatal("fatally failed venue still trusted")
	}
}

func TestStopAndStartVenue(t *testing.T) {
	r := newCoordRig(t, fastConfig())

	waitFor(t, func() bool { return len(r.mock.Subscribed()) == 1 })
	r.mock.Push(snapshot(r.symbolID, 10, "100", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })

	r.coord.StopVenue(r.venueID)
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnDisconnected })
	if _, ok := r.agg.Top("BTC-USD"); ok {
		t.Fatal("stopped venue still quoted")
	}

	r.coord.StartVenue(context.Background(), r.venueID)
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSubscribed })
	r.mock.Push(snapshot(r.symbolID, 20, "100", "101"))
	waitFor(t, func() bool { return r.coord.State(r.venueID) == schema.ConnSynchronized })
}
