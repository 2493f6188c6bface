package venue

import (
	"context"
	"errors"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/book"
	"main/internal/obs"
	"main/internal/schema"
	"main/pkg/exception"
)

const (
	defaultHeartbeatTimeout = 10 * time.Second
	defaultBufferLimit      = 4096
)

// SessionConfig controls feed supervision.
type SessionConfig struct {
	HeartbeatTimeout time.Duration
	// BufferLimit caps updates buffered per symbol while degraded.
	// Overflow drops the buffer; the fresh snapshot then carries
	// the whole state anyway.
	BufferLimit int
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = defaultBufferLimit
	}
	return cfg
}

// Session owns the books of one venue and is their only writer. It
// consumes the adapter's ordered event stream, detects gaps, buffers
// while degraded and forces resnapshots. Lifecycle:
//
//	Disconnected → Connecting → Subscribed → Synchronized
//	                                 ↑            ↓ gap
//	                                 └── Degraded ┘
//
// Run returns on transport failure; the coordinator reconnects.
type Session struct {
	adapter Adapter
	cfg     SessionConfig
	symbols []schema.SymbolID
	books   map[schema.SymbolID]*book.Book
	agg     *book.Aggregator
	onState func(schema.ConnState)

	state    schema.ConnState
	degraded map[schema.SymbolID][]schema.MarketEvent
	synced   map[schema.SymbolID]bool
}

// NewSession creates a session for one adapter and symbol set. The
// aggregator receives the session's books and every top-of-book
// change. onState may be nil.
func NewSession(adapter Adapter, symbols []schema.SymbolID, agg *book.Aggregator, onState func(schema.ConnState), cfg SessionConfig) *Session {
	books := make(map[schema.SymbolID]*book.Book, len(symbols))
	for _, id := range symbols {
		books[id] = book.New(adapter.VenueID(), id)
	}
	return &Session{
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		symbols:  symbols,
		books:    books,
		agg:      agg,
		onState:  onState,
		state:    schema.ConnDisconnected,
		degraded: make(map[schema.SymbolID][]schema.MarketEvent),
		synced:   make(map[schema.SymbolID]bool),
	}
}

// Book returns the session's book for a symbol.
func (s *Session) Book(id schema.SymbolID) (*book.Book, bool) {
	b, ok := s.books[id]
	return b, ok
}

// State returns the last announced connection state.
func (s *Session) State() schema.ConnState {
	return s.state
}

// Run subscribes and consumes the feed until the context ends or the
// transport fails. Books are discarded on exit: a half-trusted book
// never survives a disconnect.
func (s *Session) Run(ctx context.Context) error {
	s.setState(schema.ConnConnecting)

	feed, err := s.adapter.Subscribe(ctx, s.symbols)
	if err != nil {
		s.teardown()
		return err
	}
	defer feed.Close()

	s.setState(schema.ConnSubscribed)
	for _, id := range s.symbols {
		s.agg.Attach(s.books[id])
		s.synced[id] = false
	}

	watchdog := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()

		case <-watchdog.C:
			logs.Warnf("venue %s: no events for %s, treating as dead connection", s.adapter.Name(), s.cfg.HeartbeatTimeout)
			s.teardown()
			return exception.ErrHeartbeatTimeout

		case ev, ok := <-feed.Events():
			if !ok {
				s.teardown()
				if err := feed.Err(); err != nil {
					return err
				}
				return exception.ErrConnectionClosed
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(s.cfg.HeartbeatTimeout)
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev schema.MarketEvent) {
	switch ev.Kind {
	case schema.EventHeartbeat:
		// Liveness only; the watchdog reset already happened.
	case schema.EventSnapshot:
		s.handleSnapshot(ctx, ev)
	case schema.EventUpdate:
		s.handleUpdate(ctx, ev)
	case schema.EventGap:
		obs.SequenceGaps.WithLabelValues(s.adapter.Name()).Inc()
		logs.Warnf("venue %s: feed discontinuity signalled for symbol %d", s.adapter.Name(), ev.SymbolID)
		s.degrade(ctx, ev.SymbolID)
	}
}

func (s *Session) handleSnapshot(ctx context.Context, ev schema.MarketEvent) {
	b, ok := s.books[ev.SymbolID]
	if !ok {
		return
	}
	if err := b.ApplySnapshot(ev.Bids, ev.Asks, ev.Sequence); err != nil {
		// A crossed snapshot is venue garbage; ask again.
		logs.Errorf("venue %s: snapshot rejected for symbol %d, err: %+v", s.adapter.Name(), ev.SymbolID, err)
		s.degrade(ctx, ev.SymbolID)
		return
	}
	obs.BookSnapshots.WithLabelValues(s.adapter.Name()).Inc()

	// Buffered updates the snapshot supersedes are discarded, the
	// remainder replayed in order. Any residual gap degrades again.
	buffered := s.degraded[ev.SymbolID]
	delete(s.degraded, ev.SymbolID)
	for _, upd := range buffered {
		if upd.Sequence <= ev.Sequence {
			continue
		}
		if err := b.ApplyUpdate(upd.Side, upd.Price, upd.Quantity, upd.Sequence); err != nil {
			s.degrade(ctx, ev.SymbolID)
			return
		}
	}

	s.synced[ev.SymbolID] = true
	s.agg.OnTopChange(ev.SymbolID)
	s.refreshState()
}

func (s *Session) handleUpdate(ctx context.Context, ev schema.MarketEvent) {
	if buf, isDegraded := s.degraded[ev.SymbolID]; isDegraded {
		if len(buf) >= s.cfg.BufferLimit {
			s.degraded[ev.SymbolID] = buf[:0]
			return
		}
		s.degraded[ev.SymbolID] = append(buf, ev)
		return
	}

	b, ok := s.books[ev.SymbolID]
	if !ok {
		return
	}
	err := b.ApplyUpdate(ev.Side, ev.Price, ev.Quantity, ev.Sequence)
	switch {
	case err == nil:
		obs.BookUpdates.WithLabelValues(s.adapter.Name()).Inc()
		if ev.RecvTsNano > 0 {
			obs.BookApplyLatency.WithLabelValues(s.adapter.Name()).Observe(float64(time.Now().UnixNano()-ev.RecvTsNano) / float64(time.Second))
		}
		s.agg.OnTopChange(ev.SymbolID)
	case errors.Is(err, exception.ErrSequenceGap):
		obs.SequenceGaps.WithLabelValues(s.adapter.Name()).Inc()
		logs.Warnf("venue %s: sequence gap on symbol %d (got %d, book at %d)", s.adapter.Name(), ev.SymbolID, ev.Sequence, b.LastSequence())
		s.degrade(ctx, ev.SymbolID)
	case errors.Is(err, exception.ErrCrossedBook):
		obs.CrossedBooks.WithLabelValues(s.adapter.Name()).Inc()
		logs.Warnf("venue %s: crossed update rejected on symbol %d", s.adapter.Name(), ev.SymbolID)
		s.degrade(ctx, ev.SymbolID)
	default:
		logs.Errorf("venue %s: update dropped, err: %+v", s.adapter.Name(), err)
	}
}

// degrade buffers further updates for the symbol and requests a fresh
// snapshot. The stale book is never patched in place.
func (s *Session) degrade(ctx context.Context, symbolID schema.SymbolID) {
	s.synced[symbolID] = false
	if _, already := s.degraded[symbolID]; !already {
		s.degraded[symbolID] = nil
	}
	s.refreshState()
	if err := s.adapter.RequestSnapshot(ctx, symbolID); err != nil {
		logs.Errorf("venue %s: snapshot request failed, err: %+v", s.adapter.Name(), err)
	}
}

func (s *Session) refreshState() {
	if len(s.degraded) > 0 {
		s.setState(schema.ConnDegraded)
		return
	}
	for _, id := range s.symbols {
		if !s.synced[id] {
			// Initial snapshots still pending.
			s.setState(schema.ConnSubscribed)
			return
		}
	}
	s.setState(schema.ConnSynchronized)
}

func (s *Session) teardown() {
	for _, b := range s.books {
		b.Reset()
	}
	// The consolidated view still caches this venue's last tops;
	// republish so the reset books fall out of it.
	for _, id := range s.symbols {
		s.agg.OnTopChange(id)
	}
	for id := range s.degraded {
		delete(s.degraded, id)
	}
	for id := range s.synced {
		delete(s.synced, id)
	}
	s.setState(schema.ConnDisconnected)
}

func (s *Session) setState(next schema.ConnState) {
	if s.state == next {
		return
	}
	s.state = next
	obs.SetConnState(s.adapter.Name(), next)
	if s.onState != nil {
		s.onState(next)
	}
}
