// Package strategy is the boundary the engine exposes to trading
// logic: consolidated tops flow in, order intents flow out. The engine
// ships no trading logic of its own; Observer is the default consumer.
package strategy

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"

	"main/internal/book"
	"main/internal/bus"
	"main/internal/router"
	"main/internal/schema"
)

const (
	topQueueSize    = 4096
	orderQueueSize  = 1024
	resultQueueSize = 256
)

// OrderUpdate pairs a child order snapshot with its lifecycle error,
// set when the lifecycle failed (ack timeout, venue reject).
type OrderUpdate struct {
	Order router.Order
	Err   error
}

// Strategy consumes engine events and may answer tops with intents.
// Callbacks run on the runner's goroutines, never on the hot paths
// that produced the events.
type Strategy interface {
	Name() string
	// OnTop receives every consolidated top-of-book change. Returned
	// intents are submitted to the router.
	OnTop(top book.Consolidated) []schema.OrderIntent
	OnOrderUpdate(up OrderUpdate)
	OnIntentDone(res router.IntentResult)
}

// Submitter accepts planned intents. *router.Router satisfies it.
type Submitter interface {
	Submit(ctx context.Context, intent schema.OrderIntent) (string, error)
}

// Runner decouples the strategy from the engine through bounded
// queues. Publishers never block: a full queue sheds the event, and
// the next top-of-book change carries fresher state anyway.
type Runner struct {
	strat     Strategy
	submitter Submitter
	tops      *bus.Queue[book.Consolidated]
	orders    *bus.Queue[OrderUpdate]
	results   *bus.Queue[router.IntentResult]
}

// NewRunner creates a runner for one strategy.
func NewRunner(strat Strategy, submitter Submitter) *Runner {
	return &Runner{
		strat:     strat,
		submitter: submitter,
		tops:      bus.NewQueue[book.Consolidated](topQueueSize),
		orders:    bus.NewQueue[OrderUpdate](orderQueueSize),
		results:   bus.NewQueue[router.IntentResult](resultQueueSize),
	}
}

// PublishTop hands a consolidated top to the strategy. Safe to call
// from the aggregator's change callback.
func (r *Runner) PublishTop(top book.Consolidated) {
	_ = r.tops.TryPublish(top)
}

// PublishOrder hands a child order update to the strategy.
func (r *Runner) PublishOrder(o router.Order, err error) {
	if dropErr := r.orders.TryPublish(OrderUpdate{Order: o, Err: err}); dropErr != nil {
		logs.Warnf("order update for %s shed, err: %+v", o.ClientOrderID, dropErr)
	}
}

// PublishResult hands a terminal intent result to the strategy.
func (r *Runner) PublishResult(res router.IntentResult) {
	if dropErr := r.results.TryPublish(res); dropErr != nil {
		logs.Warnf("intent result for %s shed, err: %+v", res.ParentID, dropErr)
	}
}

// Run consumes until the context ends or Close drains out.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.tops.Run(ctx, func(top book.Consolidated) {
			for _, intent := range r.strat.OnTop(top) {
				if _, err := r.submitter.Submit(ctx, intent); err != nil {
					logs.Warnf("strategy %s intent rejected, err: %+v", r.strat.Name(), err)
				}
			}
		})
	}()
	go func() {
		defer wg.Done()
		r.orders.Run(ctx, r.strat.OnOrderUpdate)
	}()
	go func() {
		defer wg.Done()
		r.results.Run(ctx, r.strat.OnIntentDone)
	}()
	wg.Wait()
}

// Close stops the queues; buffered events still drain to Run.
func (r *Runner) Close() {
	r.tops.Close()
	r.orders.Close()
	r.results.Close()
}

// Observer is the shipped default: it trades nothing and logs order
// lifecycle outcomes.
type Observer struct{}

// Name implements Strategy.
func (Observer) Name() string { return "observer" }

// OnTop implements Strategy.
func (Observer) OnTop(book.Consolidated) []schema.OrderIntent { return nil }

// OnOrderUpdate implements Strategy.
func (Observer) OnOrderUpdate(up OrderUpdate) {
	if up.Err != nil {
		logs.Warnf("order %s ended in %s, err: %+v", up.Order.ClientOrderID, up.Order.State, up.Err)
		return
	}
	if up.Order.State.Terminal() {
		logs.Infof("order %s terminal: state=%s filled=%s/%s", up.Order.ClientOrderID, up.Order.State, up.Order.Filled, up.Order.Quantity)
	}
}

// OnIntentDone implements Strategy.
func (Observer) OnIntentDone(res router.IntentResult) {
	logs.Infof("intent %s done: state=%s filled=%s", res.ParentID, res.State, res.Filled)
}
