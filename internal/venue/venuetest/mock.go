// Package venuetest provides a scripted in-memory venue adapter for
// exercising feed sessions, the coordinator and the router without a
// network.
package venuetest

import (
	"context"
	"sync"

	"main/internal/schema"
	"main/internal/venue"
)

// Mock is a scripted venue adapter. Tests push market events and
// execution reports; the engine under test consumes them through the
// normal Adapter interface.
type Mock struct {
	name string
	id   schema.VenueID

	mu           sync.Mutex
	feed         *feed
	reports      chan schema.ExecutionReport
	submits      []venue.SubmitCommand
	cancels      []venue.CancelCommand
	snapshotReqs []schema.SymbolID
	subscribed   []schema.SymbolID
	subscribeErr error
	submitErr    error

	// OnSnapshotRequest, when set, is invoked for every resync
	// request so tests can answer with a fresh snapshot.
	OnSnapshotRequest func(symbolID schema.SymbolID)
	// OnSubmit, when set, observes every submitted order.
	OnSubmit func(cmd venue.SubmitCommand)
}

type feed struct {
	ch     chan schema.MarketEvent
	err    error
	closed bool
	mu     sync.Mutex
}

func (f *feed) Events() <-chan schema.MarketEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() {}

func (f *feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
}

// New creates a mock venue.
func New(name string, id schema.VenueID) *Mock {
	return &Mock{
		name:    name,
		id:      id,
		reports: make(chan schema.ExecutionReport, 256),
	}
}

// Name implements venue.Adapter.
func (m *Mock) Name() string { return m.name }

// VenueID implements venue.Adapter.
func (m *Mock) VenueID() schema.VenueID { return m.id }

// FailSubscribe makes the next Subscribe return err.
func (m *Mock) FailSubscribe(err error) {
	m.mu.Lock()
	m.subscribeErr = err
	m.mu.Unlock()
}

// FailSubmit makes SubmitOrder return err.
func (m *Mock) FailSubmit(err error) {
	m.mu.Lock()
	m.submitErr = err
	m.mu.Unlock()
}

// Subscribe implements venue.Adapter.
func (m *Mock) Subscribe(_ context.Context, symbols []schema.SymbolID) (venue.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		err := m.subscribeErr
		m.subscribeErr = nil
		return nil, err
	}
	m.subscribed = append([]schema.SymbolID(nil), symbols...)
	m.feed = &feed{ch: make(chan schema.MarketEvent, 1024)}
	return m.feed, nil
}

// RequestSnapshot implements venue.Adapter.
func (m *Mock) RequestSnapshot(_ context.Context, symbolID schema.SymbolID) error {
	m.mu.Lock()
	m.snapshotReqs = append(m.snapshotReqs, symbolID)
	hook := m.OnSnapshotRequest
	m.mu.Unlock()
	if hook != nil {
		hook(symbolID)
	}
	return nil
}

// SubmitOrder implements venue.Adapter.
func (m *Mock) SubmitOrder(_ context.Context, cmd venue.SubmitCommand) error {
	m.mu.Lock()
	m.submits = append(m.submits, cmd)
	err := m.submitErr
	hook := m.OnSubmit
	m.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return err
}

// CancelOrder implements venue.Adapter.
func (m *Mock) CancelOrder(_ context.Context, cmd venue.CancelCommand) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, cmd)
	m.mu.Unlock()
	return nil
}

// Reports implements venue.Adapter.
func (m *Mock) Reports() <-chan schema.ExecutionReport { return m.reports }

// Close implements venue.Adapter.
func (m *Mock) Close() error { return nil }

// Push delivers a market event on the active feed.
func (m *Mock) Push(ev schema.MarketEvent) {
	m.mu.Lock()
	f := m.feed
	m.mu.Unlock()
	if f != nil {
		f.ch <- ev
	}
}

// FailFeed ends the active feed with err, as a dying transport would.
func (m *Mock) FailFeed(err error) {
	m.mu.Lock()
	f := m.feed
	m.mu.Unlock()
	if f != nil {
		f.fail(err)
	}
}

// PushReport delivers an execution report.
func (m *Mock) PushReport(rep schema.ExecutionReport) {
	rep.VenueID = m.id
	m.reports <- rep
}

// Submits returns a copy of observed order submissions.
func (m *Mock) Submits() []venue.SubmitCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]venue.SubmitCommand(nil), m.submits...)
}

// Cancels returns a copy of observed cancel requests.
func (m *Mock) Cancels() []venue.CancelCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]venue.CancelCommand(nil), m.cancels...)
}

// SnapshotRequests returns a copy of observed resync requests.
func (m *Mock) SnapshotRequests() []schema.SymbolID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.SymbolID(nil), m.snapshotReqs...)
}

// Subscribed returns the symbol set of the last subscription.
func (m *Mock) Subscribed() []schema.SymbolID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.SymbolID(nil), m.subscribed...)
}
