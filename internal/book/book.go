// Package book maintains per-(venue, symbol) price ladders built from
// normalized venue events, and the consolidated multi-venue view.
//
// A Book has exactly one writer: the venue feed session that owns it.
// Readers (aggregation, strategy snapshots) may run concurrently and
// always observe a consistent state.
package book

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

const ladderDegree = 32

// Book is the ladder of price levels for one symbol on one venue.
// Bids are ordered descending, asks ascending, so Min() of either
// ladder is the best level of that side.
type Book struct {
	venueID  schema.VenueID
	symbolID schema.SymbolID

	mu      sync.RWMutex
	bids    *btree.BTreeG[schema.Level]
	asks    *btree.BTreeG[schema.Level]
	bestBid schema.Level
	bestAsk schema.Level
	hasBid  bool
	hasAsk  bool
	lastSeq uint64
	ready   bool
}

func bidLess(a, b schema.Level) bool {
	return a.Price.GreaterThan(b.Price)
}

func askLess(a, b schema.Level) bool {
	return a.Price.LessThan(b.Price)
}

// New creates an empty book. It stays not-ready until the first
// snapshot is applied.
func New(venueID schema.VenueID, symbolID schema.SymbolID) *Book {
	return &Book{
		venueID:  venueID,
		symbolID: symbolID,
		bids:     btree.NewG(ladderDegree, bidLess),
		asks:     btree.NewG(ladderDegree, askLess),
	}
}

// VenueID returns the owning venue.
func (b *Book) VenueID() schema.VenueID { return b.venueID }

// SymbolID returns the book's symbol.
func (b *Book) SymbolID() schema.SymbolID { return b.symbolID }

// ApplySnapshot replaces all levels atomically and resets the feed
// sequence. A crossed snapshot is rejected whole, and a snapshot older
// than the applied sequence is rejected with ErrStaleSnapshot; in both
// cases the book keeps its previous state. Re-applying an identical
// snapshot is a no-op in effect.
func (b *Book) ApplySnapshot(bids, asks []schema.Level, sequence uint64) error {
	nextBids := btree.NewG(ladderDegree, bidLess)
	for _, lvl := range bids {
		if lvl.Quantity.Sign() <= 0 {
			continue
		}
		nextBids.ReplaceOrInsert(lvl)
	}
	nextAsks := btree.NewG(ladderDegree, askLess)
	for _, lvl := range asks {
		if lvl.Quantity.Sign() <= 0 {
			continue
		}
		nextAsks.ReplaceOrInsert(lvl)
	}

	bestBid, hasBid := nextBids.Min()
	bestAsk, hasAsk := nextAsks.Min()
	if hasBid && hasAsk && bestBid.Price.GreaterThanOrEqual(bestAsk.Price) {
		return exception.ErrCrossedBook
	}

	b.mu.Lock()
	if b.ready && sequence < b.lastSeq {
		b.mu.Unlock()
		return exception.ErrStaleSnapshot
	}
	b.bids = nextBids
	b.asks = nextAsks
	b.bestBid = bestBid
	b.bestAsk = bestAsk
	b.hasBid = hasBid
	b.hasAsk = hasAsk
	b.lastSeq = sequence
	b.ready = true
	b.mu.Unlock()
	return nil
}

// ApplyUpdate applies one incremental level change. The update must
// carry sequence == last+1, otherwise ErrSequenceGap is returned and
// the book is untouched. Quantity zero removes the level. An update
// that would cross the book is rejected with ErrCrossedBook before
// any mutation; the caller must resnapshot.
func (b *Book) ApplyUpdate(side schema.Side, price, quantity decimal.Decimal, sequence uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return exception.ErrSequenceGap
	}
	if sequence != b.lastSeq+1 {
		return exception.ErrSequenceGap
	}
	if quantity.Sign() < 0 {
		return exception.ErrInvalidLevel
	}

	adding := quantity.Sign() > 0
	switch side {
	case schema.SideBuy:
		if adding && b.hasAsk && price.GreaterThanOrEqual(b.bestAsk.Price) {
			return exception.ErrCrossedBook
		}
		b.applyLevel(b.bids, price, quantity)
		b.bestBid, b.hasBid = b.bids.Min()
	case schema.SideSell:
		if adding && b.hasBid && price.LessThanOrEqual(b.bestBid.Price) {
			return exception.ErrCrossedBook
		}
		b.applyLevel(b.asks, price, quantity)
		b.bestAsk, b.hasAsk = b.asks.Min()
	default:
		return exception.ErrInvalidLevel
	}

	b.lastSeq = sequence
	return nil
}

func (b *Book) applyLevel(side *btree.BTreeG[schema.Level], price, quantity decimal.Decimal) {
	if quantity.Sign() == 0 {
		side.Delete(schema.Level{Price: price})
		return
	}
	side.ReplaceOrInsert(schema.Level{Price: price, Quantity: quantity})
}

// BestBid returns the cached top bid level. The lookup is O(1); the
// cache is refreshed on every mutation.
func (b *Book) BestBid() (schema.Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBid, b.hasBid
}

// BestAsk returns the cached top ask level.
func (b *Book) BestAsk() (schema.Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestAsk, b.hasAsk
}

// LastSequence returns the last applied feed sequence.
func (b *Book) LastSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// Ready reports whether a snapshot has been applied since creation or
// the last Reset.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Reset discards all levels. Called on disconnect: a partially
// trusted book is worse than no book.
func (b *Book) Reset() {
	b.mu.Lock()
	b.bids = btree.NewG(ladderDegree, bidLess)
	b.asks = btree.NewG(ladderDegree, askLess)
	b.bestBid = schema.Level{}
	b.bestAsk = schema.Level{}
	b.hasBid = false
	b.hasAsk = false
	b.lastSeq = 0
	b.ready = false
	b.mu.Unlock()
}

// Depth returns up to n levels per side, bids descending and asks
// ascending. n <= 0 returns full depth.
func (b *Book) Depth(n int) (bids, asks []schema.Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(side *btree.BTreeG[schema.Level]) []schema.Level {
		limit := n
		if limit <= 0 {
			limit = side.Len()
		}
		out := make([]schema.Level, 0, limit)
		side.Ascend(func(lvl schema.Level) bool {
			out = append(out, lvl)
			return len(out) < limit
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}
