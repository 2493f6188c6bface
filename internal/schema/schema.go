package schema

import "github.com/shopspring/decimal"

// VenueID is the numeric identifier for a venue.
type VenueID uint16

// SymbolID is the numeric identifier for a (venue, symbol) pair.
type SymbolID uint32

// Side describes the book side an event or order belongs to.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// String returns the wire-neutral name of the side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
)

// Level is one aggregated price level of a book side.
// Price is exact decimal; floating point never enters the book.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// ConnState is the lifecycle state of one venue connection. It is not
// trading data, but governs whether the venue's books are trusted.
type ConnState uint16

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnSubscribed
	ConnSynchronized
	ConnDegraded
	ConnFatallyFailed
)

// String returns a readable connection state name.
func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnSubscribed:
		return "subscribed"
	case ConnSynchronized:
		return "synchronized"
	case ConnDegraded:
		return "degraded"
	case ConnFatallyFailed:
		return "fatally_failed"
	default:
		return "unknown"
	}
}

// Trusted reports whether books fed by a connection in this state may
// join aggregation and receive routed orders.
func (s ConnState) Trusted() bool {
	return s == ConnSynchronized
}
