// Package obs exposes the engine's counters and gauges at a pull
// endpoint. Format and transport belong to the collector; the engine
// only increments.
package obs

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

var (
	BookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_orderbook_updates_total",
		Help: "Applied incremental order book updates",
	}, []string{"venue"})

	BookSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_orderbook_snapshots_total",
		Help: "Applied order book snapshots",
	}, []string{"venue"})

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_sequence_gaps_total",
		Help: "Detected feed sequence gaps",
	}, []string{"venue"})

	CrossedBooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_crossed_updates_total",
		Help: "Updates rejected because they would cross the book",
	}, []string{"venue"})

	VenueConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hft_venue_connections",
		Help: "Connection status for venues (1=synchronized, 0=not)",
	}, []string{"venue"})

	VenueState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hft_venue_connection_state",
		Help: "Per-state connection indicator (1=current)",
	}, []string{"venue", "state"})

	VenueReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_venue_reconnects_total",
		Help: "Venue reconnection attempts",
	}, []string{"venue"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_order_transitions_total",
		Help: "Order state machine transitions",
	}, []string{"venue", "state"})

	ActiveOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hft_active_orders",
		Help: "Orders not yet in a terminal state",
	}, []string{"venue"})

	InconsistentFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hft_inconsistent_fill_reports_total",
		Help: "Execution reports dropped for decreasing fill quantity",
	}, []string{"venue"})

	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hft_order_latency_seconds",
		Help:    "Submission to acknowledgement latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"venue"})

	BookApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hft_book_apply_latency_seconds",
		Help:    "Venue event receipt to book visibility latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"venue"})
)

var connStates = []schema.ConnState{
	schema.ConnDisconnected,
	schema.ConnConnecting,
	schema.ConnSubscribed,
	schema.ConnSynchronized,
	schema.ConnDegraded,
	schema.ConnFatallyFailed,
}

// SetConnState publishes a venue's connection state.
func SetConnState(venue string, state schema.ConnState) {
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		VenueState.WithLabelValues(venue, s.String()).Set(v)
	}
	if state.Trusted() {
		VenueConnections.WithLabelValues(venue).Set(1)
	} else {
		VenueConnections.WithLabelValues(venue).Set(0)
	}
}

// Serve exposes /metrics until the context is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logs.Infof("metrics endpoint on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("metrics server stopped, err: %+v", err)
	}
}
