// Package coord supervises venue connections: it runs one feed
// session per venue, reconnects with exponential backoff, pipes
// execution reports to the router and keeps the aggregator's trust
// flags in sync with connection state.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yanun0323/logs"

	"main/internal/book"
	"main/internal/obs"
	"main/internal/router"
	"main/internal/schema"
	"main/internal/venue"
)

const (
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultFailureThreshold = 5
	defaultStableAfter      = time.Minute
)

// Config controls reconnection behavior.
type Config struct {
	Session        venue.SessionConfig
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// FailureThreshold marks a venue FatallyFailed after this many
	// consecutive session failures. The venue stays excluded but
	// reconnection attempts continue.
	FailureThreshold int
	// StableAfter resets the failure count once a session survives
	// this long.
	StableAfter time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	return cfg
}

type venueRuntime struct {
	adapter venue.Adapter
	symbols []schema.SymbolID

	mu      sync.Mutex
	state   schema.ConnState
	stop    context.CancelFunc
	stopped bool
}

// Coordinator wires venues, books and router together and owns every
// VenueConnection lifecycle.
type Coordinator struct {
	cfg    Config
	agg    *book.Aggregator
	router *router.Router

	mu     sync.Mutex
	venues map[schema.VenueID]*venueRuntime
	wg     sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config, agg *book.Aggregator, r *router.Router) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		agg:    agg,
		router: r,
		venues: make(map[schema.VenueID]*venueRuntime),
	}
}

// AddVenue registers an adapter and its symbol set. Must be called
// before Run.
func (c *Coordinator) AddVenue(adapter venue.Adapter, symbols []schema.SymbolID) {
	c.mu.Lock()
	c.venues[adapter.VenueID()] = &venueRuntime{
		adapter: adapter,
		symbols: symbols,
		state:   schema.ConnDisconnected,
	}
	c.mu.Unlock()
}

// State returns the supervised state of one venue.
func (c *Coordinator) State(venueID schema.VenueID) schema.ConnState {
	c.mu.Lock()
	rt, ok := c.venues[venueID]
	c.mu.Unlock()
	if !ok {
		return schema.ConnDisconnected
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Run starts every venue and blocks until the context ends and all
// sessions have wound down.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	for id := range c.venues {
		c.startLocked(ctx, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// StopVenue tears one venue down: its session ends, its books reset
// and leave aggregation. Control-plane entry point.
func (c *Coordinator) StopVenue(venueID schema.VenueID) {
	c.mu.Lock()
	rt, ok := c.venues[venueID]
	c.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.stopped = true
	if rt.stop != nil {
		rt.stop()
	}
	rt.mu.Unlock()
}

// StartVenue restarts a stopped venue.
func (c *Coordinator) StartVenue(ctx context.Context, venueID schema.VenueID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.venues[venueID]
	if !ok {
		return
	}
	rt.mu.Lock()
	wasStopped := rt.stopped
	rt.stopped = false
	rt.mu.Unlock()
	if wasStopped {
		c.startLocked(ctx, venueID)
	}
}

func (c *Coordinator) startLocked(ctx context.Context, venueID schema.VenueID) {
	rt := c.venues[venueID]
	venueCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.stop = cancel
	rt.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.superviseFeed(venueCtx, rt)
	}()
	go func() {
		defer c.wg.Done()
		c.pumpReports(venueCtx, rt)
	}()
}

// superviseFeed runs feed sessions back to back, backing off between
// failures. A fresh session always means a fresh snapshot: books only
// rejoin aggregation once resynchronized.
func (c *Coordinator) superviseFeed(ctx context.Context, rt *venueRuntime) {
	name := rt.adapter.Name()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if ctx.Err() != nil {
			c.setVenueState(rt, schema.ConnDisconnected)
			return
		}

		session := venue.NewSession(rt.adapter, rt.symbols, c.agg, func(state schema.ConnState) {
			c.setVenueState(rt, state)
		}, c.cfg.Session)

		started := time.Now()
		err := session.Run(ctx)
		if ctx.Err() != nil {
			c.setVenueState(rt, schema.ConnDisconnected)
			return
		}

		if time.Since(started) >= c.cfg.StableAfter {
			failures = 0
			bo.Reset()
		}
		failures++
		obs.VenueReconnects.WithLabelValues(name).Inc()

		if failures >= c.cfg.FailureThreshold {
			// Excluded from aggregation and routing, but the
			// reconnection loop keeps trying.
			c.setVenueState(rt, schema.ConnFatallyFailed)
			logs.Errorf("venue %s fatally failed after %d consecutive session failures, err: %+v", name, failures, err)
		} else {
			logs.Warnf("venue %s session ended, reconnecting, err: %+v", name, err)
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			c.setVenueState(rt, schema.ConnDisconnected)
			return
		case <-time.After(wait):
		}
	}
}

// pumpReports forwards the adapter's execution reports to the router.
// Report order per venue is preserved; the router serializes per
// order.
func (c *Coordinator) pumpReports(ctx context.Context, rt *venueRuntime) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-rt.adapter.Reports():
			if !ok {
				return
			}
			select {
			case c.router.Reports() <- rep:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Coordinator) setVenueState(rt *venueRuntime, state schema.ConnState) {
	rt.mu.Lock()
	prev := rt.state
	rt.state = state
	rt.mu.Unlock()
	if prev == state {
		return
	}
	c.agg.SetTrusted(rt.adapter.VenueID(), state.Trusted())
	if state == schema.ConnFatallyFailed {
		obs.SetConnState(rt.adapter.Name(), state)
	}
}
