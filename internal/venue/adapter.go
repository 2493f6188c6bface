// Package venue defines the capability interface every venue protocol
// client implements, and the feed session that turns a venue's raw
// event stream into trusted book state.
//
// No canonical type in this package leaks venue wire structure; each
// adapter owns exactly one wire protocol and translates both ways.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// SubmitCommand is a normalized new-order request. ClientOrderID is
// caller-supplied so retransmissions stay detectable venue-side.
type SubmitCommand struct {
	ClientOrderID string
	SymbolID      schema.SymbolID
	Side          schema.Side
	Type          schema.OrderType
	TimeInForce   schema.TimeInForce
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// CancelCommand is a normalized best-effort cancel. VenueOrderID may
// be empty when the venue never assigned one; adapters fall back to
// the client order id.
type CancelCommand struct {
	ClientOrderID string
	VenueOrderID  string
	SymbolID      schema.SymbolID
}

// Feed is a restartable, order-preserving stream of normalized market
// events. Events is closed on transport failure; Err then reports why.
type Feed interface {
	Events() <-chan schema.MarketEvent
	Err() error
	Close()
}

// Adapter is the per-venue protocol client. Implementations are
// selected at configuration time, one per venue; nothing inspects the
// concrete type at runtime.
type Adapter interface {
	Name() string
	VenueID() schema.VenueID

	// Subscribe establishes the market-data subscription for the
	// symbol set and returns the event feed: a snapshot per symbol
	// first, then incremental updates and heartbeats. Fails with
	// exception.ErrConnection if the transport cannot be
	// established, exception.ErrSubscriptionRejected if the venue
	// refuses the symbol set.
	Subscribe(ctx context.Context, symbols []schema.SymbolID) (Feed, error)

	// RequestSnapshot asks the venue for a fresh snapshot of one
	// symbol, delivered through the active feed. Used after a
	// sequence gap.
	RequestSnapshot(ctx context.Context, symbolID schema.SymbolID) error

	// SubmitOrder acknowledges transmission only; venue acceptance
	// arrives asynchronously on Reports.
	SubmitOrder(ctx context.Context, cmd SubmitCommand) error

	// CancelOrder is best-effort. A cancel may race a fill; only a
	// confirming execution report means the order is gone.
	CancelOrder(ctx context.Context, cmd CancelCommand) error

	// Reports streams execution reports for this venue's orders.
	Reports() <-chan schema.ExecutionReport

	Close() error
}
