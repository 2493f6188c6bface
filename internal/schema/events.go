package schema

import "github.com/shopspring/decimal"

// EventKind describes the meaning of a normalized market event.
type EventKind uint16

const (
	EventUnknown EventKind = iota
	EventSnapshot
	EventUpdate
	EventHeartbeat
	// EventGap is emitted when the adapter itself detects a feed
	// discontinuity the book cannot see, e.g. a venue update-id
	// range that skips ahead.
	EventGap
)

// MarketEvent is a normalized market-data event produced by a venue
// adapter. Exactly one of the kind-specific field sets is populated;
// the flat layout keeps the hot path free of interface allocations.
type MarketEvent struct {
	Kind     EventKind
	VenueID  VenueID
	SymbolID SymbolID

	// Sequence is the venue feed counter. Snapshots reset it,
	// updates must arrive at Sequence == last+1.
	Sequence uint64

	// Update fields. Quantity is the absolute new quantity at the
	// level; zero removes it.
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal

	// Snapshot fields.
	Bids []Level
	Asks []Level

	EventTsNano int64
	RecvTsNano  int64
}

// ReportKind describes the outcome an execution report carries.
type ReportKind uint16

const (
	ReportUnknown ReportKind = iota
	ReportAck
	ReportPartialFill
	ReportFill
	ReportCancelConfirm
	ReportReject
	ReportExpired
)

// String returns a readable report kind name.
func (k ReportKind) String() string {
	switch k {
	case ReportAck:
		return "ack"
	case ReportPartialFill:
		return "partial_fill"
	case ReportFill:
		return "fill"
	case ReportCancelConfirm:
		return "cancel_confirm"
	case ReportReject:
		return "reject"
	case ReportExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExecutionReport is an immutable event from a venue describing an
// order's fate. FilledQuantity is cumulative, never a delta.
type ExecutionReport struct {
	Kind           ReportKind
	VenueID        VenueID
	SymbolID       SymbolID
	ClientOrderID  string
	VenueOrderID   string
	FilledQuantity decimal.Decimal
	LastPrice      decimal.Decimal
	Reason         string
	TsNano         int64
}

// OrderIntent is what a strategy asks the router to do. RoutingHint
// optionally pins the intent to a single venue by name.
type OrderIntent struct {
	SymbolName  string
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	RoutingHint string
}
