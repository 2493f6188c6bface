// Package binance implements the venue adapter for Binance spot:
// diff-depth market data over websocket, depth snapshots and order
// entry over signed REST, execution reports from the user data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/ws"

	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/exception"
)

const (
	_binanceBaseUrl   = "https://api.binance.com"
	_binanceBaseWsUrl = "wss://stream.binance.com:9443/ws"

	_defaultSnapshotDepth = 1000
	_requestTimeout       = 15 * time.Second
	_heartbeatEvery       = 3 * time.Second
	_listenKeyKeepAlive   = 30 * time.Minute
	_feedBuffer           = 4096
	_reportBuffer         = 1024
)

// Config carries venue wiring. Symbols maps canonical ids to the
// venue's own symbol names, e.g. "BTCUSDT".
type Config struct {
	VenueID       schema.VenueID
	Symbols       map[schema.SymbolID]string
	APIKey        string
	APISecret     string
	RESTBaseURL   string
	WSBaseURL     string
	SnapshotDepth int
}

func (cfg Config) withDefaults() Config {
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = _binanceBaseUrl
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = _binanceBaseWsUrl
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = _defaultSnapshotDepth
	}
	return cfg
}

// Adapter implements venue.Adapter against Binance spot.
type Adapter struct {
	cfg    Config
	client *http.Client
	names  map[schema.SymbolID]string
	ids    map[string]schema.SymbolID

	reports chan schema.ExecutionReport

	mu          sync.Mutex
	active      *feed
	userStarted bool
}

// New creates a Binance adapter. client may be nil.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	cfg = cfg.withDefaults()
	names := make(map[schema.SymbolID]string, len(cfg.Symbols))
	ids := make(map[string]schema.SymbolID, len(cfg.Symbols))
	for id, name := range cfg.Symbols {
		upper := strings.ToUpper(name)
		names[id] = upper
		ids[upper] = id
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		names:   names,
		ids:     ids,
		reports: make(chan schema.ExecutionReport, _reportBuffer),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() string { return "binance" }

// VenueID implements venue.Adapter.
func (a *Adapter) VenueID() schema.VenueID { return a.cfg.VenueID }

// Reports implements venue.Adapter.
func (a *Adapter) Reports() <-chan schema.ExecutionReport { return a.reports }

// symbolSync reconciles the venue's update-id ranges with the
// adapter-assigned canonical sequence. venueLast == 0 means no
// snapshot is folded in yet; diffs are dropped until one arrives.
type symbolSync struct {
	mu        sync.Mutex
	venueLast int64
	seq       uint64
}

type feed struct {
	wss  *ws.WebSocket
	ch   chan schema.MarketEvent
	syms map[schema.SymbolID]*symbolSync

	mu      sync.Mutex
	err     error
	closed  bool
	lastMsg time.Time
}

func (f *feed) Events() <-chan schema.MarketEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() {
	f.wss.Close()
	f.closeWith(nil)
}

func (f *feed) closeWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
}

// emit never blocks. A full channel drops updates and lets gap
// detection downstream force a resnapshot; a snapshot is the recovery
// path itself, so it displaces the oldest buffered event instead.
func (f *feed) emit(ev schema.MarketEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for {
		select {
		case f.ch <- ev:
			return
		default:
		}
		if ev.Kind != schema.EventSnapshot {
			logs.Warnf("binance feed buffer full, dropping event for symbol %d", ev.SymbolID)
			return
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

func (f *feed) touch() {
	f.mu.Lock()
	f.lastMsg = time.Now()
	f.mu.Unlock()
}

func (f *feed) alive(window time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && time.Since(f.lastMsg) < window
}

// Subscribe implements venue.Adapter. One websocket carries every
// symbol's diff-depth stream; snapshots are fetched over REST and
// spliced in ahead of the diffs they supersede.
func (a *Adapter) Subscribe(ctx context.Context, symbols []schema.SymbolID) (venue.Feed, error) {
	wss := ws.New(ctx, a.cfg.WSBaseURL)
	if err := wss.Start(ctx); err != nil {
		return nil, errors.Wrap(exception.ErrConnection, "start websocket").With("cause", err)
	}

	streams := make([]string, 0, len(symbols))
	for _, id := range symbols {
		name, ok := a.names[id]
		if !ok {
			wss.Close()
			return nil, errors.Errorf("symbol %d not configured for binance", id)
		}
		streams = append(streams, fmt.Sprintf("%s@depth@100ms", strings.ToLower(name)))
	}

	if err := wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, w *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: streams,
				ID:     1,
			}
			if err := w.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp subscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe rejected: %+v", resp.Result)
			}
			return true, nil
		},
	}, true); err != nil {
		wss.Close()
		return nil, errors.Wrap(exception.ErrSubscriptionRejected, "subscribe depth streams").With("cause", err)
	}

	f := &feed{
		wss:     wss,
		ch:      make(chan schema.MarketEvent, _feedBuffer),
		syms:    make(map[schema.SymbolID]*symbolSync, len(symbols)),
		lastMsg: time.Now(),
	}
	for _, id := range symbols {
		f.syms[id] = &symbolSync{}
	}

	a.mu.Lock()
	a.active = f
	a.mu.Unlock()

	go a.translate(ctx, f)
	go a.heartbeat(ctx, f)
	go func() {
		for _, id := range symbols {
			if err := a.snapshot(ctx, f, id); err != nil {
				logs.Errorf("binance initial snapshot failed for symbol %d, err: %+v", id, err)
				f.emit(schema.MarketEvent{Kind: schema.EventGap, VenueID: a.cfg.VenueID, SymbolID: id})
			}
		}
	}()

	a.ensureUserStream(ctx)
	return f, nil
}

func (a *Adapter) translate(ctx context.Context, f *feed) {
	ch, cancel := f.wss.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			f.closeWith(ctx.Err())
			return
		case m, ok := <-ch:
			if !ok {
				f.closeWith(exception.ErrConnectionClosed)
				return
			}
			f.touch()
			ev, ok := ws.ReadMessage[depthEvent](m)
			if !ok || ev.EventType != "depthUpdate" {
				continue
			}
			a.handleDepth(f, ev)
		}
	}
}

func (a *Adapter) handleDepth(f *feed, ev depthEvent) {
	symbolID, ok := a.ids[strings.ToUpper(ev.Symbol)]
	if !ok {
		return
	}
	s, ok := f.syms[symbolID]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.venueLast == 0 {
		// Snapshot pending; diffs before it are useless.
		return
	}
	if ev.FinalUpdateID <= s.venueLast {
		return
	}
	if ev.FirstUpdateID > s.venueLast+1 {
		s.venueLast = 0
		f.emit(schema.MarketEvent{Kind: schema.EventGap, VenueID: a.cfg.VenueID, SymbolID: symbolID})
		return
	}

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		logs.Errorf("binance depth dropped, err: %+v", err)
		return
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		logs.Errorf("binance depth dropped, err: %+v", err)
		return
	}

	now := time.Now().UnixNano()
	eventTs := ev.EventTime * int64(1e6)
	for _, lvl := range bids {
		s.seq++
		f.emit(schema.MarketEvent{
			Kind:        schema.EventUpdate,
			VenueID:     a.cfg.VenueID,
			SymbolID:    symbolID,
			Sequence:    s.seq,
			Side:        schema.SideBuy,
			Price:       lvl.Price,
			Quantity:    lvl.Quantity,
			EventTsNano: eventTs,
			RecvTsNano:  now,
		})
	}
	for _, lvl := range asks {
		s.seq++
		f.emit(schema.MarketEvent{
			Kind:        schema.EventUpdate,
			VenueID:     a.cfg.VenueID,
			SymbolID:    symbolID,
			Sequence:    s.seq,
			Side:        schema.SideSell,
			Price:       lvl.Price,
			Quantity:    lvl.Quantity,
			EventTsNano: eventTs,
			RecvTsNano:  now,
		})
	}
	s.venueLast = ev.FinalUpdateID
}

func (a *Adapter) heartbeat(ctx context.Context, f *feed) {
	tick := time.NewTicker(_heartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if !f.alive(2 * _heartbeatEvery) {
				return
			}
			f.emit(schema.MarketEvent{Kind: schema.EventHeartbeat, VenueID: a.cfg.VenueID, RecvTsNano: time.Now().UnixNano()})
		}
	}
}

// snapshot fetches a REST depth snapshot and splices it into the feed.
// Diffs whose update-id range the snapshot already covers are dropped
// afterwards by handleDepth.
func (a *Adapter) snapshot(ctx context.Context, f *feed, symbolID schema.SymbolID) error {
	name, ok := a.names[symbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for binance", symbolID)
	}
	s, ok := f.syms[symbolID]
	if !ok {
		return errors.Errorf("symbol %d not subscribed", symbolID)
	}

	params := url.Values{}
	params.Set("symbol", name)
	params.Set("limit", strconv.Itoa(a.cfg.SnapshotDepth))

	var snap depthSnapshot
	if err := a.rest(ctx, http.MethodGet, "/api/v3/depth", params, false, &snap); err != nil {
		return errors.Wrap(err, "fetch depth snapshot").With("symbol", name)
	}

	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return errors.Wrap(err, "parse snapshot bids")
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return errors.Wrap(err, "parse snapshot asks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.venueLast = snap.LastUpdateID
	f.emit(schema.MarketEvent{
		Kind:       schema.EventSnapshot,
		VenueID:    a.cfg.VenueID,
		SymbolID:   symbolID,
		Sequence:   s.seq,
		Bids:       bids,
		Asks:       asks,
		RecvTsNano: time.Now().UnixNano(),
	})
	return nil
}

// RequestSnapshot implements venue.Adapter.
func (a *Adapter) RequestSnapshot(ctx context.Context, symbolID schema.SymbolID) error {
	a.mu.Lock()
	f := a.active
	a.mu.Unlock()
	if f == nil {
		return exception.ErrNotConnected
	}
	return a.snapshot(ctx, f, symbolID)
}

// SubmitOrder implements venue.Adapter. A nil return means the venue
// accepted the transmission; acceptance of the order itself arrives on
// the user data stream.
func (a *Adapter) SubmitOrder(ctx context.Context, cmd venue.SubmitCommand) error {
	name, ok := a.names[cmd.SymbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for binance", cmd.SymbolID)
	}

	params := url.Values{}
	params.Set("symbol", name)
	params.Set("side", binanceSide(cmd.Side))
	params.Set("type", binanceOrderType(cmd.Type))
	params.Set("quantity", cmd.Quantity.String())
	params.Set("newClientOrderId", cmd.ClientOrderID)
	if cmd.Type != schema.OrderTypeMarket {
		params.Set("timeInForce", binanceTimeInForce(cmd.TimeInForce))
		params.Set("price", cmd.Price.String())
	}

	if err := a.rest(ctx, http.MethodPost, "/api/v3/order", params, true, nil); err != nil {
		return errors.Wrap(err, "place order").With("client_order_id", cmd.ClientOrderID)
	}
	return nil
}

// CancelOrder implements venue.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, cmd venue.CancelCommand) error {
	name, ok := a.names[cmd.SymbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for binance", cmd.SymbolID)
	}

	params := url.Values{}
	params.Set("symbol", name)
	if cmd.VenueOrderID != "" {
		params.Set("orderId", cmd.VenueOrderID)
	} else {
		params.Set("origClientOrderId", cmd.ClientOrderID)
	}

	if err := a.rest(ctx, http.MethodDelete, "/api/v3/order", params, true, nil); err != nil {
		return errors.Wrap(err, "cancel order").With("client_order_id", cmd.ClientOrderID)
	}
	return nil
}

// Close implements venue.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	f := a.active
	a.active = nil
	a.mu.Unlock()
	if f != nil {
		f.Close()
	}
	return nil
}

// ensureUserStream starts the execution-report stream once per
// subscription when credentials are configured.
func (a *Adapter) ensureUserStream(ctx context.Context) {
	a.mu.Lock()
	if a.userStarted || a.cfg.APIKey == "" {
		a.mu.Unlock()
		return
	}
	a.userStarted = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.userStarted = false
			a.mu.Unlock()
		}()
		if err := a.runUserStream(ctx); err != nil && ctx.Err() == nil {
			logs.Errorf("binance user stream ended, err: %+v", err)
		}
	}()
}

func (a *Adapter) runUserStream(ctx context.Context) error {
	var lk listenKeyResponse
	if err := a.rest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, false, &lk); err != nil {
		return errors.Wrap(err, "acquire listen key")
	}

	wss := ws.New(ctx, a.cfg.WSBaseURL+"/"+lk.ListenKey)
	if err := wss.Start(ctx); err != nil {
		return errors.Wrap(exception.ErrConnection, "start user stream").With("cause", err)
	}
	defer wss.Close()

	ch, cancel := wss.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(_listenKeyKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-keepalive.C:
			params := url.Values{}
			params.Set("listenKey", lk.ListenKey)
			if err := a.rest(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil); err != nil {
				logs.Warnf("binance listen key keepalive failed, err: %+v", err)
			}

		case m, ok := <-ch:
			if !ok {
				return exception.ErrConnectionClosed
			}
			ev, ok := ws.ReadMessage[executionEvent](m)
			if !ok || ev.EventType != "executionReport" {
				continue
			}
			rep, ok := translateExecution(ev, func(sym string) (schema.SymbolID, bool) {
				id, ok := a.ids[sym]
				return id, ok
			})
			if !ok {
				continue
			}
			rep.VenueID = a.cfg.VenueID
			select {
			case a.reports <- rep:
			default:
				logs.Warnf("binance report channel full, dropping report for %s", rep.ClientOrderID)
			}
		}
	}
}

func (a *Adapter) rest(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, _requestTimeout)
	defer cancel()

	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query = params.Encode()
		query += "&signature=" + a.sign(query)
	}

	target := a.cfg.RESTBaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr restError
		if err := sonic.ConfigFastest.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
			return errors.Errorf("binance %s %s: %s (code %d)", method, path, apiErr.Msg, apiErr.Code)
		}
		return errors.Errorf("binance %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := sonic.ConfigFastest.Unmarshal(body, out); err != nil {
			return errors.Wrap(err, "decode response").With("path", path)
		}
	}
	return nil
}

func (a *Adapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
