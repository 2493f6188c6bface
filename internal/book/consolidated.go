package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Top is one venue's contribution to a consolidated view.
type Top struct {
	VenueID schema.VenueID
	Level   schema.Level
}

// Consolidated is the derived best-of-all-venues view for one market.
// It is rebuilt, never mutated in place.
type Consolidated struct {
	Symbol string
	Bid    Top
	Ask    Top
	HasBid bool
	HasAsk bool
}

// Spread returns ask minus bid. Valid only when both sides exist.
func (c Consolidated) Spread() decimal.Decimal {
	return c.Ask.Level.Price.Sub(c.Bid.Level.Price)
}

// Aggregator merges per-venue books by symbol name. Books fed by an
// untrusted connection are excluded until their venue resynchronizes.
type Aggregator struct {
	registry *RegistryView
	onChange func(Consolidated)

	mu      sync.RWMutex
	books   map[schema.SymbolID]*Book
	trusted map[schema.VenueID]bool
	tops    map[string]Consolidated
}

// RegistryView is the slice of registry lookups aggregation needs.
type RegistryView struct {
	Listings func(name string) []schema.SymbolID
	Symbol   func(id schema.SymbolID) (schema.Symbol, bool)
}

// NewAggregator creates an aggregator over the given registry view.
func NewAggregator(registry *RegistryView) *Aggregator {
	return &Aggregator{
		registry: registry,
		books:    make(map[schema.SymbolID]*Book),
		trusted:  make(map[schema.VenueID]bool),
		tops:     make(map[string]Consolidated),
	}
}

// SetOnChange installs a push consumer for rebuilt consolidated tops.
// Must be set before feeds start; the callback must not block.
func (a *Aggregator) SetOnChange(fn func(Consolidated)) {
	a.onChange = fn
}

// Attach registers a per-venue book as a constituent.
func (a *Aggregator) Attach(b *Book) {
	a.mu.Lock()
	a.books[b.SymbolID()] = b
	a.mu.Unlock()
}

// Book returns a constituent book by symbol ID.
func (a *Aggregator) Book(id schema.SymbolID) (*Book, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.books[id]
	return b, ok
}

// SetTrusted flips a venue's trust flag and rebuilds every market the
// venue participates in. The coordinator is the only caller.
func (a *Aggregator) SetTrusted(venueID schema.VenueID, trusted bool) {
	a.mu.Lock()
	a.trusted[venueID] = trusted
	var names []string
	seen := make(map[string]struct{})
	for _, b := range a.books {
		if b.VenueID() != venueID {
			continue
		}
		if sym, ok := a.registry.Symbol(b.SymbolID()); ok {
			if _, dup := seen[sym.Name]; !dup {
				seen[sym.Name] = struct{}{}
				names = append(names, sym.Name)
			}
		}
	}
	rebuilt := make([]Consolidated, 0, len(names))
	for _, name := range names {
		top := a.rebuildTopLocked(name)
		a.tops[name] = top
		rebuilt = append(rebuilt, top)
	}
	a.mu.Unlock()

	if a.onChange != nil {
		for _, top := range rebuilt {
			a.onChange(top)
		}
	}
}

// OnTopChange recomputes the consolidated top for the market the
// given book belongs to. Called by the book's feed session after each
// applied mutation; cost is O(venues).
func (a *Aggregator) OnTopChange(symbolID schema.SymbolID) {
	sym, ok := a.registry.Symbol(symbolID)
	if !ok {
		return
	}
	a.mu.Lock()
	top := a.rebuildTopLocked(sym.Name)
	a.tops[sym.Name] = top
	a.mu.Unlock()

	if a.onChange != nil {
		a.onChange(top)
	}
}

func (a *Aggregator) rebuildTopLocked(name string) Consolidated {
	out := Consolidated{Symbol: name}
	for _, id := range a.registry.Listings(name) {
		b, ok := a.books[id]
		if !ok || !b.Ready() || !a.trusted[b.VenueID()] {
			continue
		}
		if lvl, has := b.BestBid(); has {
			if !out.HasBid || lvl.Price.GreaterThan(out.Bid.Level.Price) {
				out.Bid = Top{VenueID: b.VenueID(), Level: lvl}
				out.HasBid = true
			}
		}
		if lvl, has := b.BestAsk(); has {
			if !out.HasAsk || lvl.Price.LessThan(out.Ask.Level.Price) {
				out.Ask = Top{VenueID: b.VenueID(), Level: lvl}
				out.HasAsk = true
			}
		}
	}
	return out
}

// Top returns the current consolidated top for a market. A market no
// trusted venue serves yields ok=false; that is an empty result, not
// an error.
func (a *Aggregator) Top(name string) (Consolidated, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.tops[name]
	if !ok || (!c.HasBid && !c.HasAsk) {
		return Consolidated{Symbol: name}, false
	}
	return c, true
}

// VenueQuote is one trusted venue's top of book for a market.
type VenueQuote struct {
	VenueID  schema.VenueID
	SymbolID schema.SymbolID
	Bid      schema.Level
	Ask      schema.Level
	HasBid   bool
	HasAsk   bool
}

// Quotes returns the top of book of every trusted, ready constituent
// for a market. Routing policies consume this.
func (a *Aggregator) Quotes(name string) []VenueQuote {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []VenueQuote
	for _, id := range a.registry.Listings(name) {
		b, ok := a.books[id]
		if !ok || !b.Ready() || !a.trusted[b.VenueID()] {
			continue
		}
		q := VenueQuote{VenueID: b.VenueID(), SymbolID: id}
		q.Bid, q.HasBid = b.BestBid()
		q.Ask, q.HasAsk = b.BestAsk()
		out = append(out, q)
	}
	return out
}

// DepthLevel is one merged level of consolidated depth.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Venues   []schema.VenueID
}

// Depth merges full ladders across trusted venues, levels at equal
// price combined by summed quantity. Built on request only; the hot
// path never pays for it.
func (a *Aggregator) Depth(name string, n int) (bids, asks []DepthLevel) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byPrice := func(side schema.Side) []DepthLevel {
		merged := make(map[string]*DepthLevel)
		for _, id := range a.registry.Listings(name) {
			b, ok := a.books[id]
			if !ok || !b.Ready() || !a.trusted[b.VenueID()] {
				continue
			}
			var levels []schema.Level
			if side == schema.SideBuy {
				levels, _ = b.Depth(n)
			} else {
				_, levels = b.Depth(n)
			}
			for _, lvl := range levels {
				key := lvl.Price.String()
				if cur, ok := merged[key]; ok {
					cur.Quantity = cur.Quantity.Add(lvl.Quantity)
					cur.Venues = append(cur.Venues, b.VenueID())
					continue
				}
				merged[key] = &DepthLevel{
					Price:    lvl.Price,
					Quantity: lvl.Quantity,
					Venues:   []schema.VenueID{b.VenueID()},
				}
			}
		}
		out := make([]DepthLevel, 0, len(merged))
		for _, lvl := range merged {
			out = append(out, *lvl)
		}
		sort.Slice(out, func(i, j int) bool {
			if side == schema.SideBuy {
				return out[i].Price.GreaterThan(out[j].Price)
			}
			return out[i].Price.LessThan(out[j].Price)
		})
		if n > 0 && len(out) > n {
			out = out[:n]
		}
		return out
	}
	return byPrice(schema.SideBuy), byPrice(schema.SideSell)
}
