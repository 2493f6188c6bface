// Package router accepts order intents, plans venue execution and
// owns every order's lifecycle until terminal. Orders are referenced,
// never owned, by anything outside this package.
package router

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

// State tracks the lifecycle of a child order.
type State uint16

const (
	StateNew State = iota
	StateSubmitted
	StateAcknowledged
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateRejected
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSubmitted:
		return "submitted"
	case StateAcknowledged:
		return "acknowledged"
	case StatePartiallyFilled:
		return "partially_filled"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Precedence decides the winner when a fill and a cancel confirmation
// for the same order arrive out of order. Venue-dependent; fill wins
// by default because the venue's matching engine is the source of
// truth for executed quantity.
type Precedence uint16

const (
	PrecedenceFillWins Precedence = iota
	PrecedenceFirstWins
)

// Order is the router's view of one child order. ClientOrderID is
// engine-generated and globally unique; VenueOrderID may arrive late
// or never.
type Order struct {
	ClientOrderID string
	VenueOrderID  string
	ParentID      string
	VenueID       schema.VenueID
	SymbolID      schema.SymbolID
	Side          schema.Side
	Type          schema.OrderType
	TimeInForce   schema.TimeInForce
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	LastPrice     decimal.Decimal
	State         State
	Reason        string
	SubmitTsNano  int64
	AckTsNano     int64
	Retries       int

	cancelQueued bool
}

// Leaves returns the unfilled quantity.
func (o *Order) Leaves() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// applyReport advances the order from one execution report. It
// returns the fill delta the position book must absorb (zero unless
// the report carried new executed quantity). The order is unchanged
// when an error is returned.
func (o *Order) applyReport(rep schema.ExecutionReport, precedence Precedence) (decimal.Decimal, error) {
	zero := decimal.Zero

	if rep.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = rep.VenueOrderID
	}

	switch rep.Kind {
	case schema.ReportAck:
		switch o.State {
		case StateSubmitted:
			o.State = StateAcknowledged
			o.AckTsNano = rep.TsNano
			return zero, nil
		case StateAcknowledged, StatePartiallyFilled:
			// Duplicate ack from a retransmitted submit.
			return zero, nil
		default:
			return zero, exception.ErrInvalidTransition
		}

	case schema.ReportPartialFill, schema.ReportFill:
		return o.applyFill(rep, precedence)

	case schema.ReportCancelConfirm, schema.ReportExpired:
		if o.State.Terminal() {
			// Fill already won; the late cancel changes nothing.
			return zero, nil
		}
		o.State = StateCancelled
		if rep.Kind == schema.ReportExpired {
			o.Reason = "expired"
		}
		return zero, nil

	case schema.ReportReject:
		if o.State.Terminal() {
			return zero, exception.ErrInvalidTransition
		}
		o.State = StateRejected
		o.Reason = rep.Reason
		return zero, nil

	default:
		return zero, exception.ErrInvalidTransition
	}
}

func (o *Order) applyFill(rep schema.ExecutionReport, precedence Precedence) (decimal.Decimal, error) {
	// FilledQuantity is cumulative. A report showing less than what
	// we recorded is corrupt and must never reach the position book.
	if rep.FilledQuantity.LessThan(o.Filled) {
		return decimal.Zero, exception.ErrInconsistentFill
	}
	if rep.FilledQuantity.GreaterThan(o.Quantity) {
		return decimal.Zero, exception.ErrOverfill
	}

	switch o.State {
	case StateRejected:
		return decimal.Zero, exception.ErrInvalidTransition
	case StateFilled:
		if !rep.FilledQuantity.Equal(o.Filled) {
			return decimal.Zero, exception.ErrInconsistentFill
		}
		return decimal.Zero, nil
	case StateCancelled:
		if precedence == PrecedenceFirstWins {
			return decimal.Zero, exception.ErrInvalidTransition
		}
		// Fill precedence: the venue executed before our cancel
		// landed. Absorb the quantity and flip terminal state if
		// the order completed.
	case StateNew, StateSubmitted:
		// Fill before ack: the ack was lost or reordered. The fill
		// implies acceptance.
	}

	delta := rep.FilledQuantity.Sub(o.Filled)
	o.Filled = rep.FilledQuantity
	if !rep.LastPrice.IsZero() {
		o.LastPrice = rep.LastPrice
	}

	switch {
	case o.Filled.Equal(o.Quantity):
		o.State = StateFilled
	case o.State == StateCancelled:
		// Keep the cancel; only the executed quantity grew.
	default:
		o.State = StatePartiallyFilled
	}
	return delta, nil
}
