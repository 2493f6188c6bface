package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/book"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/exception"
)

const (
	defaultAckTimeout = 2 * time.Second
	defaultAckRetries = 2
)

// VenueClient is the slice of a venue adapter the router needs.
type VenueClient interface {
	Name() string
	SubmitOrder(ctx context.Context, cmd venue.SubmitCommand) error
	CancelOrder(ctx context.Context, cmd venue.CancelCommand) error
}

// Archiver receives orders that reached a terminal state. Archive
// failures must never affect trading state.
type Archiver interface {
	Archive(ctx context.Context, order Order) error
}

// IntentResult is the terminal outcome of a parent intent.
type IntentResult struct {
	ParentID string
	Intent   schema.OrderIntent
	Filled   decimal.Decimal
	State    State
}

// Notify carries the router's outbound lifecycle callbacks. Both are
// optional and must not block.
type Notify struct {
	// OnOrderUpdate fires on every partial fill and terminal child
	// transition. Err is set when the lifecycle failed (ack
	// timeout, venue reject).
	OnOrderUpdate func(order Order, err error)
	// OnIntentDone fires once all children of an intent are
	// terminal.
	OnIntentDone func(result IntentResult)
}

// Config controls lifecycle supervision.
type Config struct {
	AckTimeout time.Duration
	// MaxAckRetries bounds resubmissions of an unacknowledged
	// order. Retries always reuse the client order id so duplicate
	// venue-side acceptance stays detectable.
	MaxAckRetries int
	// Precedence resolves fill/cancel races per venue.
	Precedence map[schema.VenueID]Precedence
}

func (cfg Config) withDefaults() Config {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.MaxAckRetries < 0 {
		cfg.MaxAckRetries = defaultAckRetries
	}
	return cfg
}

// Deps wires the router's collaborators.
type Deps struct {
	Registry *schema.Registry
	Agg      *book.Aggregator
	Policy   Policy
	Clients  map[schema.VenueID]VenueClient
	Archiver Archiver
	Notify   Notify
}

type parentIntent struct {
	id       string
	intent   schema.OrderIntent
	children []string
	done     bool
}

// Router owns every order from intent acceptance to terminal state.
// Reports for the same order are applied in arrival order; the single
// Run loop guarantees it.
type Router struct {
	cfg       Config
	deps      Deps
	positions *PositionBook
	reports   chan schema.ExecutionReport

	mu      sync.Mutex
	orders  map[string]*Order
	byVenue map[string]string // venueID:venueOrderID → client order id
	parents map[string]*parentIntent
	timers  map[string]*time.Timer
	closed  bool
}

// New creates a router. Policy defaults to best-price.
func New(cfg Config, deps Deps) *Router {
	if deps.Policy == nil {
		deps.Policy = BestPrice{}
	}
	return &Router{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		positions: NewPositionBook(),
		reports:   make(chan schema.ExecutionReport, 1024),
		orders:    make(map[string]*Order),
		byVenue:   make(map[string]string),
		parents:   make(map[string]*parentIntent),
		timers:    make(map[string]*time.Timer),
	}
}

// Positions returns the position book fills are reduced into.
func (r *Router) Positions() *PositionBook { return r.positions }

// Reports is the inbound execution report channel. The coordinator
// pipes every adapter's report stream into it.
func (r *Router) Reports() chan<- schema.ExecutionReport { return r.reports }

// Run applies execution reports until the context is done.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			for id, timer := range r.timers {
				timer.Stop()
				delete(r.timers, id)
			}
			r.mu.Unlock()
			return
		case rep := <-r.reports:
			r.HandleReport(ctx, rep)
		}
	}
}

// Submit accepts an intent, plans it over trusted venues and
// dispatches the child orders. It returns the parent intent id.
func (r *Router) Submit(ctx context.Context, intent schema.OrderIntent) (string, error) {
	if err := validateIntent(intent); err != nil {
		return "", err
	}

	quotes := r.deps.Agg.Quotes(intent.SymbolName)
	policy := r.deps.Policy
	if intent.RoutingHint != "" {
		venueID, ok := r.deps.Registry.VenueIDByName(intent.RoutingHint)
		if !ok {
			return "", exception.ErrNoEligibleVenue
		}
		policy = FixedVenue{VenueID: venueID}
	}
	plan, err := policy.Plan(intent, quotes)
	if err != nil {
		return "", err
	}

	parent := &parentIntent{id: uuid.NewString(), intent: intent}
	children := make([]*Order, 0, len(plan))
	for _, spec := range plan {
		if _, ok := r.deps.Clients[spec.VenueID]; !ok {
			return "", exception.ErrNoEligibleVenue
		}
		children = append(children, &Order{
			ClientOrderID: uuid.NewString(),
			ParentID:      parent.id,
			VenueID:       spec.VenueID,
			SymbolID:      spec.SymbolID,
			Side:          intent.Side,
			Type:          intent.Type,
			TimeInForce:   intent.TimeInForce,
			Price:         spec.Price,
			Quantity:      spec.Quantity,
			State:         StateNew,
		})
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", exception.ErrRouterClosed
	}
	for _, o := range children {
		if _, dup := r.orders[o.ClientOrderID]; dup {
			r.mu.Unlock()
			return "", exception.ErrDuplicateOrder
		}
	}
	for _, o := range children {
		r.orders[o.ClientOrderID] = o
		parent.children = append(parent.children, o.ClientOrderID)
	}
	r.parents[parent.id] = parent
	r.mu.Unlock()

	for _, o := range children {
		r.dispatch(ctx, o.ClientOrderID)
	}
	return parent.id, nil
}

// Cancel requests cancellation of every non-terminal child of an
// intent. Best effort: a racing fill may still win. Cancels for
// unacknowledged children are queued until their ack resolves; when
// no cancel reached a venue yet, Cancel returns ErrCancelBeforeAck.
func (r *Router) Cancel(ctx context.Context, parentID string) error {
	r.mu.Lock()
	parent, ok := r.parents[parentID]
	if !ok {
		r.mu.Unlock()
		return exception.ErrUnknownOrder
	}
	type pending struct {
		client VenueClient
		cmd    venue.CancelCommand
	}
	var dispatches []pending
	queued := 0
	for _, id := range parent.children {
		o := r.orders[id]
		if o == nil || o.State.Terminal() {
			continue
		}
		if o.State == StateNew || o.State == StateSubmitted {
			// Cannot cancel what the venue has not accepted.
			o.cancelQueued = true
			queued++
			continue
		}
		dispatches = append(dispatches, pending{
			client: r.deps.Clients[o.VenueID],
			cmd: venue.CancelCommand{
				ClientOrderID: o.ClientOrderID,
				VenueOrderID:  o.VenueOrderID,
				SymbolID:      o.SymbolID,
			},
		})
	}
	r.mu.Unlock()

	for _, d := range dispatches {
		if err := d.client.CancelOrder(ctx, d.cmd); err != nil {
			logs.Warnf("cancel transmission to %s failed, err: %+v", d.client.Name(), err)
		}
	}
	if queued > 0 && len(dispatches) == 0 {
		return exception.ErrCancelBeforeAck
	}
	return nil
}

// Order returns a copy of a child order.
func (r *Router) Order(clientOrderID string) (Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// HandleReport drives one order's state machine from a venue report.
// Unknown and corrupt reports are logged and dropped; they never
// corrupt order or position state.
func (r *Router) HandleReport(ctx context.Context, rep schema.ExecutionReport) {
	r.mu.Lock()
	o := r.lookupLocked(rep)
	if o == nil {
		r.mu.Unlock()
		logs.Warnf("report for unknown order dropped (client=%s venue_order=%s kind=%s)", rep.ClientOrderID, rep.VenueOrderID, rep.Kind)
		return
	}

	prev := o.State
	delta, err := o.applyReport(rep, r.cfg.Precedence[o.VenueID])
	if err != nil {
		clientOrderID, recorded, venueID := o.ClientOrderID, o.Filled, o.VenueID
		r.mu.Unlock()
		venueName := r.clientName(venueID)
		switch {
		case errors.Is(err, exception.ErrInconsistentFill), errors.Is(err, exception.ErrOverfill):
			obs.InconsistentFills.WithLabelValues(venueName).Inc()
			logs.Errorf("fill report dropped for %s: cumulative %s vs recorded %s, err: %+v", clientOrderID, rep.FilledQuantity, recorded, err)
		default:
			logs.Warnf("report %s ignored for %s in state %s, err: %+v", rep.Kind, clientOrderID, prev, err)
		}
		return
	}

	if rep.VenueOrderID != "" {
		r.byVenue[venueKey(o.VenueID, rep.VenueOrderID)] = o.ClientOrderID
	}

	transitioned := o.State != prev
	cancelQueued := o.cancelQueued && (o.State == StateAcknowledged || o.State == StatePartiallyFilled)
	if cancelQueued {
		o.cancelQueued = false
	}
	snapshot := *o
	r.mu.Unlock()

	venueName := r.clientName(snapshot.VenueID)
	if transitioned {
		obs.OrderTransitions.WithLabelValues(venueName, snapshot.State.String()).Inc()
	}
	if prev == StateSubmitted && snapshot.State == StateAcknowledged && snapshot.SubmitTsNano > 0 && rep.TsNano > snapshot.SubmitTsNano {
		obs.OrderLatency.WithLabelValues(venueName).Observe(float64(rep.TsNano-snapshot.SubmitTsNano) / float64(time.Second))
	}

	if delta.Sign() > 0 {
		price := snapshot.LastPrice
		if price.IsZero() {
			price = snapshot.Price
		}
		r.positions.ApplyFill(snapshot.SymbolID, snapshot.Side, price, delta)
		if r.deps.Notify.OnOrderUpdate != nil && !snapshot.State.Terminal() {
			r.deps.Notify.OnOrderUpdate(snapshot, nil)
		}
	}

	if snapshot.State.Terminal() {
		// Venues that report a terminal match and a separate done
		// message deliver the same cumulative twice; only the report
		// that caused the transition finalizes.
		if transitioned {
			r.finalize(ctx, snapshot)
		}
		return
	}

	if snapshot.State >= StateAcknowledged {
		r.stopTimer(snapshot.ClientOrderID)
	}
	if cancelQueued {
		// The cancel waited for the ack; send it now.
		client := r.deps.Clients[snapshot.VenueID]
		if err := client.CancelOrder(ctx, venue.CancelCommand{
			ClientOrderID: snapshot.ClientOrderID,
			VenueOrderID:  snapshot.VenueOrderID,
			SymbolID:      snapshot.SymbolID,
		}); err != nil {
			logs.Warnf("queued cancel transmission failed for %s, err: %+v", snapshot.ClientOrderID, err)
		}
	}
}

func (r *Router) lookupLocked(rep schema.ExecutionReport) *Order {
	if rep.ClientOrderID != "" {
		if o, ok := r.orders[rep.ClientOrderID]; ok {
			return o
		}
	}
	if rep.VenueOrderID != "" {
		if id, ok := r.byVenue[venueKey(rep.VenueID, rep.VenueOrderID)]; ok {
			return r.orders[id]
		}
	}
	return nil
}

// dispatch sends one child to its venue and arms the ack watchdog.
// Venue I/O may block; it never runs under the router lock and never
// shares a goroutine with book mutation.
func (r *Router) dispatch(ctx context.Context, clientOrderID string) {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	if !ok || o.State != StateNew {
		r.mu.Unlock()
		return
	}
	o.State = StateSubmitted
	o.SubmitTsNano = time.Now().UnixNano()
	cmd := venue.SubmitCommand{
		ClientOrderID: o.ClientOrderID,
		SymbolID:      o.SymbolID,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		Price:         o.Price,
		Quantity:      o.Quantity,
	}
	client := r.deps.Clients[o.VenueID]
	venueName := client.Name()
	r.armTimerLocked(ctx, o.ClientOrderID)
	r.mu.Unlock()

	obs.OrderTransitions.WithLabelValues(venueName, StateSubmitted.String()).Inc()
	obs.ActiveOrders.WithLabelValues(venueName).Inc()

	go func() {
		if err := client.SubmitOrder(ctx, cmd); err != nil {
			// Transmission failure: the ack watchdog owns the
			// retry, the error is only logged here.
			logs.Warnf("submit transmission to %s failed for %s, err: %+v", venueName, cmd.ClientOrderID, err)
		}
	}()
}

// resubmit retransmits an unacknowledged order with the same client
// order id. Never mint a new id here: the venue must be able to see
// the duplicate.
func (r *Router) resubmit(ctx context.Context, clientOrderID string) {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	if !ok || o.State != StateSubmitted {
		r.mu.Unlock()
		return
	}
	cmd := venue.SubmitCommand{
		ClientOrderID: o.ClientOrderID,
		SymbolID:      o.SymbolID,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		Price:         o.Price,
		Quantity:      o.Quantity,
	}
	client := r.deps.Clients[o.VenueID]
	r.armTimerLocked(ctx, o.ClientOrderID)
	r.mu.Unlock()

	go func() {
		if err := client.SubmitOrder(ctx, cmd); err != nil {
			logs.Warnf("resubmit transmission failed for %s, err: %+v", cmd.ClientOrderID, err)
		}
	}()
}

func (r *Router) armTimerLocked(ctx context.Context, clientOrderID string) {
	if timer, ok := r.timers[clientOrderID]; ok {
		timer.Stop()
	}
	r.timers[clientOrderID] = time.AfterFunc(r.cfg.AckTimeout, func() {
		r.onAckTimeout(ctx, clientOrderID)
	})
}

func (r *Router) stopTimer(clientOrderID string) {
	r.mu.Lock()
	if timer, ok := r.timers[clientOrderID]; ok {
		timer.Stop()
		delete(r.timers, clientOrderID)
	}
	r.mu.Unlock()
}

func (r *Router) onAckTimeout(ctx context.Context, clientOrderID string) {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	if !ok || o.State != StateSubmitted || r.closed {
		r.mu.Unlock()
		return
	}
	if o.Retries < r.cfg.MaxAckRetries {
		o.Retries++
		retries := o.Retries
		r.mu.Unlock()
		logs.Warnf("no ack for %s, resubmitting (attempt %d)", clientOrderID, retries)
		r.resubmit(ctx, clientOrderID)
		return
	}
	o.State = StateRejected
	o.Reason = exception.ErrAckTimeout.Error()
	snapshot := *o
	r.mu.Unlock()

	obs.OrderTransitions.WithLabelValues(r.clientName(snapshot.VenueID), StateRejected.String()).Inc()
	logs.Errorf("order %s failed after %d unacknowledged submissions", clientOrderID, snapshot.Retries+1)
	r.finalizeWith(ctx, snapshot, exception.ErrAckTimeout)
}

func (r *Router) finalize(ctx context.Context, snapshot Order) {
	var lifecycleErr error
	if snapshot.State == StateRejected {
		lifecycleErr = &exception.RejectError{
			Venue:  r.clientName(snapshot.VenueID),
			Reason: snapshot.Reason,
		}
	}
	r.finalizeWith(ctx, snapshot, lifecycleErr)
}

// finalizeWith closes out a terminal child: watchdog off, strategy
// notified, order archived, parent completion checked.
func (r *Router) finalizeWith(ctx context.Context, snapshot Order, lifecycleErr error) {
	r.stopTimer(snapshot.ClientOrderID)
	obs.ActiveOrders.WithLabelValues(r.clientName(snapshot.VenueID)).Dec()

	if r.deps.Notify.OnOrderUpdate != nil {
		r.deps.Notify.OnOrderUpdate(snapshot, lifecycleErr)
	}
	if r.deps.Archiver != nil {
		go func() {
			if err := r.deps.Archiver.Archive(ctx, snapshot); err != nil {
				logs.Errorf("archive failed for %s, err: %+v", snapshot.ClientOrderID, err)
			}
		}()
	}

	r.mu.Lock()
	parent, ok := r.parents[snapshot.ParentID]
	if !ok || parent.done {
		r.mu.Unlock()
		return
	}
	filled := decimal.Zero
	allTerminal := true
	allRejected := true
	for _, id := range parent.children {
		child := r.orders[id]
		if child == nil {
			continue
		}
		if !child.State.Terminal() {
			allTerminal = false
			break
		}
		if child.State != StateRejected {
			allRejected = false
		}
		filled = filled.Add(child.Filled)
	}
	if !allTerminal {
		r.mu.Unlock()
		return
	}
	parent.done = true
	result := IntentResult{
		ParentID: parent.id,
		Intent:   parent.intent,
		Filled:   filled,
	}
	switch {
	case filled.Equal(parent.intent.Quantity):
		result.State = StateFilled
	case allRejected:
		result.State = StateRejected
	default:
		result.State = StateCancelled
	}
	r.mu.Unlock()

	if r.deps.Notify.OnIntentDone != nil {
		r.deps.Notify.OnIntentDone(result)
	}
}

func (r *Router) clientName(venueID schema.VenueID) string {
	if client, ok := r.deps.Clients[venueID]; ok {
		return client.Name()
	}
	return fmt.Sprintf("venue_%d", venueID)
}

func validateIntent(intent schema.OrderIntent) error {
	if intent.SymbolName == "" {
		return exception.ErrInvalidIntent
	}
	if intent.Side != schema.SideBuy && intent.Side != schema.SideSell {
		return exception.ErrInvalidIntent
	}
	if intent.Quantity.Sign() <= 0 {
		return exception.ErrInvalidIntent
	}
	if intent.Type == schema.OrderTypeLimit && intent.Price.Sign() <= 0 {
		return exception.ErrInvalidIntent
	}
	return nil
}

func venueKey(venueID schema.VenueID, venueOrderID string) string {
	return fmt.Sprintf("%d:%s", venueID, venueOrderID)
}
