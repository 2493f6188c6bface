package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Venue describes a trading venue.
type Venue struct {
	ID   VenueID
	Name string
}

// Symbol describes a tradable instrument on one venue. The same market
// listed on two venues gets two SymbolIDs sharing a Name.
type Symbol struct {
	ID      SymbolID
	VenueID VenueID
	Name    string
	Tick    decimal.Decimal
	Lot     decimal.Decimal
}

type symbolKey struct {
	venueID VenueID
	name    string
}

// Registry stores venue and symbol mappings in a compact form.
type Registry struct {
	venues      []Venue
	symbols     []Symbol
	venueByName map[string]VenueID
	symbolByKey map[symbolKey]SymbolID
	idsByName   map[string][]SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueByName: make(map[string]VenueID),
		symbolByKey: make(map[symbolKey]SymbolID),
		idsByName:   make(map[string][]SymbolID),
	}
}

// AddVenue registers a new venue and returns its ID.
func (r *Registry) AddVenue(name string) (VenueID, error) {
	if name == "" {
		return 0, fmt.Errorf("venue name is empty")
	}
	if id, ok := r.venueByName[name]; ok {
		return id, fmt.Errorf("venue already exists: %s", name)
	}
	id := VenueID(len(r.venues) + 1)
	r.venues = append(r.venues, Venue{ID: id, Name: name})
	r.venueByName[name] = id
	return id, nil
}

// AddSymbol registers a new (venue, symbol) pair and returns its ID.
func (r *Registry) AddSymbol(name string, venueID VenueID, tick, lot decimal.Decimal) (SymbolID, error) {
	if name == "" {
		return 0, fmt.Errorf("symbol name is empty")
	}
	if _, ok := r.Venue(venueID); !ok {
		return 0, fmt.Errorf("venue id not found: %d", venueID)
	}
	key := symbolKey{venueID: venueID, name: name}
	if id, ok := r.symbolByKey[key]; ok {
		return id, fmt.Errorf("symbol already exists: %s@%d", name, venueID)
	}
	id := SymbolID(len(r.symbols) + 1)
	r.symbols = append(r.symbols, Symbol{
		ID:      id,
		VenueID: venueID,
		Name:    name,
		Tick:    tick,
		Lot:     lot,
	})
	r.symbolByKey[key] = id
	r.idsByName[name] = append(r.idsByName[name], id)
	return id, nil
}

// Venue returns the venue by ID.
func (r *Registry) Venue(id VenueID) (Venue, bool) {
	if id == 0 || int(id) > len(r.venues) {
		return Venue{}, false
	}
	return r.venues[id-1], true
}

// Symbol returns the symbol by ID.
func (r *Registry) Symbol(id SymbolID) (Symbol, bool) {
	if id == 0 || int(id) > len(r.symbols) {
		return Symbol{}, false
	}
	return r.symbols[id-1], true
}

// VenueCount returns the number of registered venues.
func (r *Registry) VenueCount() int {
	return len(r.venues)
}

// SymbolCount returns the number of registered symbols.
func (r *Registry) SymbolCount() int {
	return len(r.symbols)
}

// SymbolAt returns the symbol by zero-based index.
func (r *Registry) SymbolAt(index int) (Symbol, bool) {
	if index < 0 || index >= len(r.symbols) {
		return Symbol{}, false
	}
	return r.symbols[index], true
}

// VenueIDByName returns the venue ID for a name.
func (r *Registry) VenueIDByName(name string) (VenueID, bool) {
	id, ok := r.venueByName[name]
	return id, ok
}

// SymbolIDOn returns the ID of a symbol name listed on one venue.
func (r *Registry) SymbolIDOn(venueID VenueID, name string) (SymbolID, bool) {
	id, ok := r.symbolByKey[symbolKey{venueID: venueID, name: name}]
	return id, ok
}

// Listings returns every (venue, symbol) ID sharing a symbol name.
// The aggregator uses this to find a market's constituent books.
func (r *Registry) Listings(name string) []SymbolID {
	return r.idsByName[name]
}

// VenueSymbols returns the symbols listed on one venue.
func (r *Registry) VenueSymbols(venueID VenueID) []Symbol {
	var out []Symbol
	for _, sym := range r.symbols {
		if sym.VenueID == venueID {
			out = append(out, sym)
		}
	}
	return out
}
