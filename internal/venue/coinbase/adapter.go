// Package coinbase implements the venue adapter for Coinbase
// Exchange: level2 market data and the authenticated user channel
// over one websocket, snapshots and order entry over signed REST.
//
// The venue reports fills as per-match deltas; the adapter folds them
// into the cumulative quantities the rest of the engine expects.
package coinbase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/exception"
)

const (
	_coinbaseFeedUrl = "wss://ws-feed.exchange.coinbase.com"
	_coinbaseRestUrl = "https://api.exchange.coinbase.com"

	_requestTimeout = 15 * time.Second
	_readDeadline   = 30 * time.Second
	_feedBuffer     = 4096
	_reportBuffer   = 1024
)

// Config carries venue wiring. Symbols maps canonical ids to product
// ids, e.g. "BTC-USD". Secret is the base64 API secret.
type Config struct {
	VenueID     schema.VenueID
	Symbols     map[schema.SymbolID]string
	Key         string
	Secret      string
	Passphrase  string
	RESTBaseURL string
	WSBaseURL   string
}

func (cfg Config) withDefaults() Config {
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = _coinbaseRestUrl
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = _coinbaseFeedUrl
	}
	return cfg
}

// orderTrack accumulates match deltas for one live venue order.
type orderTrack struct {
	clientOID string
	symbolID  schema.SymbolID
	size      decimal.Decimal
	filled    decimal.Decimal
}

// Adapter implements venue.Adapter against Coinbase Exchange.
type Adapter struct {
	cfg    Config
	client *http.Client
	names  map[schema.SymbolID]string
	ids    map[string]schema.SymbolID

	reports chan schema.ExecutionReport

	mu     sync.Mutex
	active *feed
	orders map[string]*orderTrack
}

// New creates a Coinbase adapter. client may be nil.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	cfg = cfg.withDefaults()
	names := make(map[schema.SymbolID]string, len(cfg.Symbols))
	ids := make(map[string]schema.SymbolID, len(cfg.Symbols))
	for id, name := range cfg.Symbols {
		names[id] = name
		ids[name] = id
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		names:   names,
		ids:     ids,
		reports: make(chan schema.ExecutionReport, _reportBuffer),
		orders:  make(map[string]*orderTrack),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() string { return "coinbase" }

// VenueID implements venue.Adapter.
func (a *Adapter) VenueID() schema.VenueID { return a.cfg.VenueID }

// Reports implements venue.Adapter.
func (a *Adapter) Reports() <-chan schema.ExecutionReport { return a.reports }

type symbolSeq struct {
	mu  sync.Mutex
	seq uint64
}

type feed struct {
	conn *websocket.Conn
	ch   chan schema.MarketEvent
	syms map[schema.SymbolID]*symbolSeq

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *feed) Events() <-chan schema.MarketEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() {
	f.conn.Close()
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

// emit never blocks. A full channel drops updates; a snapshot is the
// recovery path itself, so it displaces the oldest buffered event
// instead.
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
			logs.Warnf("coinbase feed buffer full, dropping event for symbol %d", ev.SymbolID)
			return
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

// Subscribe implements venue.Adapter. The level2 channel delivers a
// snapshot per product on subscribe, then absolute-size updates; the
// heartbeat channel carries liveness. With credentials configured the
// user channel joins the same subscription.
func (a *Adapter) Subscribe(ctx context.Context, symbols []schema.SymbolID) (venue.Feed, error) {
	products := make([]string, 0, len(symbols))
	for _, id := range symbols {
		name, ok := a.names[id]
		if !ok {
			return nil, errors.Errorf("symbol %d not configured for coinbase", id)
		}
		products = append(products, name)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSBaseURL, nil)
	if err != nil {
		return nil, errors.Wrap(exception.ErrConnection, "dial feed").With("cause", err)
	}

	sub := subscribeMessage{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   []string{"level2", "heartbeat"},
	}
	if a.cfg.Key != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		signed, err := a.sign(ts, http.MethodGet, "/users/self/verify", nil)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "sign feed auth")
		}
		sub.Channels = append(sub.Channels, "user")
		sub.Key = a.cfg.Key
		sub.Passphrase = a.cfg.Passphrase
		sub.Timestamp = ts
		sub.Signature = signed
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, errors.Wrap(exception.ErrConnection, "write subscribe").With("cause", err)
	}

	conn.SetReadDeadline(time.Now().Add(_readDeadline))
	var first wireMessage
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, errors.Wrap(exception.ErrConnection, "read subscribe response").With("cause", err)
	}
	if first.Type == "error" {
		conn.Close()
		return nil, errors.Wrap(exception.ErrSubscriptionRejected, first.Message)
	}

	f := &feed{
		conn: conn,
		ch:   make(chan schema.MarketEvent, _feedBuffer),
		syms: make(map[schema.SymbolID]*symbolSeq, len(symbols)),
	}
	for _, id := range symbols {
		f.syms[id] = &symbolSeq{}
	}

	a.mu.Lock()
	a.active = f
	a.mu.Unlock()

	go a.read(ctx, f)
	return f, nil
}

func (a *Adapter) read(ctx context.Context, f *feed) {
	for {
		if ctx.Err() != nil {
			f.closeWith(ctx.Err())
			return
		}
		f.conn.SetReadDeadline(time.Now().Add(_readDeadline))
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.closeWith(errors.Wrap(exception.ErrConnectionClosed, err.Error()))
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logs.Errorf("coinbase message dropped, err: %+v", err)
			continue
		}

		switch msg.Type {
		case "heartbeat":
			f.emit(schema.MarketEvent{Kind: schema.EventHeartbeat, VenueID: a.cfg.VenueID, RecvTsNano: time.Now().UnixNano()})
		case "snapshot":
			a.handleSnapshot(f, msg)
		case "l2update":
			a.handleUpdate(f, msg)
		case "received", "match", "done":
			a.handleUserMessage(msg)
		case "error":
			logs.Errorf("coinbase feed error: %s", msg.Message)
		}
	}
}

func (a *Adapter) handleSnapshot(f *feed, msg wireMessage) {
	symbolID, ok := a.ids[msg.ProductID]
	if !ok {
		return
	}
	s := f.syms[symbolID]
	if s == nil {
		return
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		logs.Errorf("coinbase snapshot dropped, err: %+v", err)
		return
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		logs.Errorf("coinbase snapshot dropped, err: %+v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	f.emit(schema.MarketEvent{
		Kind:       schema.EventSnapshot,
		VenueID:    a.cfg.VenueID,
		SymbolID:   symbolID,
		Sequence:   s.seq,
		Bids:       bids,
		Asks:       asks,
		RecvTsNano: time.Now().UnixNano(),
	})
}

func (a *Adapter) handleUpdate(f *feed, msg wireMessage) {
	symbolID, ok := a.ids[msg.ProductID]
	if !ok {
		return
	}
	s := f.syms[symbolID]
	if s == nil {
		return
	}

	now := time.Now().UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, change := range msg.Changes {
		side := sideFromWire(change[0])
		price, perr := decimal.NewFromString(change[1])
		qty, qerr := decimal.NewFromString(change[2])
		if side == schema.SideUnknown || perr != nil || qerr != nil {
			// An unreadable change makes the whole book suspect.
			logs.Errorf("coinbase l2update unreadable for %s, forcing resync", msg.ProductID)
			f.emit(schema.MarketEvent{Kind: schema.EventGap, VenueID: a.cfg.VenueID, SymbolID: symbolID})
			return
		}
		s.seq++
		f.emit(schema.MarketEvent{
			Kind:       schema.EventUpdate,
			VenueID:    a.cfg.VenueID,
			SymbolID:   symbolID,
			Sequence:   s.seq,
			Side:       side,
			Price:      price,
			Quantity:   qty,
			RecvTsNano: now,
		})
	}
}

// handleUserMessage folds received/match/done into cumulative
// execution reports. Matches report deltas; done reports carry the
// terminal outcome.
func (a *Adapter) handleUserMessage(msg wireMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg.Type {
	case "received":
		symbolID, ok := a.ids[msg.ProductID]
		if !ok || msg.ClientOID == "" {
			return
		}
		size, err := decimal.NewFromString(msg.Size)
		if err != nil {
			size = decimal.Zero
		}
		a.orders[msg.OrderID] = &orderTrack{
			clientOID: msg.ClientOID,
			symbolID:  symbolID,
			size:      size,
		}
		a.push(schema.ExecutionReport{
			Kind:          schema.ReportAck,
			SymbolID:      symbolID,
			ClientOrderID: msg.ClientOID,
			VenueOrderID:  msg.OrderID,
			TsNano:        time.Now().UnixNano(),
		})

	case "match":
		track, orderID := a.trackForMatch(msg)
		if track == nil {
			return
		}
		delta, err := decimal.NewFromString(msg.Size)
		if err != nil {
			logs.Errorf("coinbase match size unreadable: %s", msg.Size)
			return
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			price = decimal.Zero
		}
		track.filled = track.filled.Add(delta)
		a.push(schema.ExecutionReport{
			Kind:           schema.ReportPartialFill,
			SymbolID:       track.symbolID,
			ClientOrderID:  track.clientOID,
			VenueOrderID:   orderID,
			FilledQuantity: track.filled,
			LastPrice:      price,
			TsNano:         time.Now().UnixNano(),
		})

	case "done":
		track, ok := a.orders[msg.OrderID]
		if !ok {
			return
		}
		delete(a.orders, msg.OrderID)
		kind := schema.ReportCancelConfirm
		if msg.Reason == "filled" {
			kind = schema.ReportFill
		}
		a.push(schema.ExecutionReport{
			Kind:           kind,
			SymbolID:       track.symbolID,
			ClientOrderID:  track.clientOID,
			VenueOrderID:   msg.OrderID,
			FilledQuantity: track.filled,
			Reason:         msg.Reason,
			TsNano:         time.Now().UnixNano(),
		})
	}
}

// trackForMatch resolves which side of a match is ours. Both maker and
// taker ids arrive; only one is tracked.
func (a *Adapter) trackForMatch(msg wireMessage) (*orderTrack, string) {
	if track, ok := a.orders[msg.MakerOrderID]; ok {
		return track, msg.MakerOrderID
	}
	if track, ok := a.orders[msg.TakerOrderID]; ok {
		return track, msg.TakerOrderID
	}
	return nil, ""
}

func (a *Adapter) push(rep schema.ExecutionReport) {
	rep.VenueID = a.cfg.VenueID
	select {
	case a.reports <- rep:
	default:
		logs.Warnf("coinbase report channel full, dropping report for %s", rep.ClientOrderID)
	}
}

// RequestSnapshot implements venue.Adapter. The feed never resends
// snapshots, so resyncs go through the REST book endpoint.
func (a *Adapter) RequestSnapshot(ctx context.Context, symbolID schema.SymbolID) error {
	a.mu.Lock()
	f := a.active
	a.mu.Unlock()
	if f == nil {
		return exception.ErrNotConnected
	}
	name, ok := a.names[symbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for coinbase", symbolID)
	}
	s := f.syms[symbolID]
	if s == nil {
		return errors.Errorf("symbol %d not subscribed", symbolID)
	}

	var book restBook
	path := fmt.Sprintf("/products/%s/book?level=2", name)
	if err := a.rest(ctx, http.MethodGet, path, nil, &book); err != nil {
		return errors.Wrap(err, "fetch book").With("product", name)
	}
	bids, err := parseBookLevels(book.Bids)
	if err != nil {
		return errors.Wrap(err, "parse book bids")
	}
	asks, err := parseBookLevels(book.Asks)
	if err != nil {
		return errors.Wrap(err, "parse book asks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
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

// SubmitOrder implements venue.Adapter.
func (a *Adapter) SubmitOrder(ctx context.Context, cmd venue.SubmitCommand) error {
	name, ok := a.names[cmd.SymbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for coinbase", cmd.SymbolID)
	}

	req := placeOrderRequest{
		ClientOID: cmd.ClientOrderID,
		ProductID: name,
		Side:      wireSide(cmd.Side),
		Size:      cmd.Quantity.String(),
	}
	if cmd.Type == schema.OrderTypeMarket {
		req.Type = "market"
	} else {
		req.Type = "limit"
		req.Price = cmd.Price.String()
		req.TimeInForce = wireTimeInForce(cmd.TimeInForce)
	}

	if err := a.rest(ctx, http.MethodPost, "/orders", req, nil); err != nil {
		return errors.Wrap(err, "place order").With("client_order_id", cmd.ClientOrderID)
	}
	return nil
}

// CancelOrder implements venue.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, cmd venue.CancelCommand) error {
	name, ok := a.names[cmd.SymbolID]
	if !ok {
		return errors.Errorf("symbol %d not configured for coinbase", cmd.SymbolID)
	}

	var path string
	if cmd.VenueOrderID != "" {
		path = fmt.Sprintf("/orders/%s?product_id=%s", cmd.VenueOrderID, name)
	} else {
		path = fmt.Sprintf("/orders/client:%s?product_id=%s", cmd.ClientOrderID, name)
	}
	if err := a.rest(ctx, http.MethodDelete, path, nil, nil); err != nil {
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

func (a *Adapter) rest(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, _requestTimeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.RESTBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Key != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		signed, err := a.sign(ts, method, path, payload)
		if err != nil {
			return err
		}
		req.Header.Set("CB-ACCESS-KEY", a.cfg.Key)
		req.Header.Set("CB-ACCESS-SIGN", signed)
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
		req.Header.Set("CB-ACCESS-PASSPHRASE", a.cfg.Passphrase)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr restError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
			return errors.Errorf("coinbase %s %s: %s", method, path, apiErr.Message)
		}
		return errors.Errorf("coinbase %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "decode response").With("path", path)
		}
	}
	return nil
}

// sign builds the CB-ACCESS-SIGN value: base64 HMAC-SHA256 over
// timestamp+method+path+body with the base64-decoded secret.
func (a *Adapter) sign(timestamp, method, path string, body []byte) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.cfg.Secret)
	if err != nil {
		return "", errors.Wrap(err, "decode api secret")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
