package binance

import (
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// depthEvent is one 'Diff. Depth Stream' message. FirstUpdateID and
// FinalUpdateID bracket the venue update-id range the message covers.
type depthEvent struct {
	EventType     string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"` // [0]price [1]quantity
	Asks          [][2]string `json:"a"` // [0]price [1]quantity
}

type depthSnapshot struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type restError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// executionEvent is a user-data-stream 'executionReport'. OrigClientID
// carries the original client id on cancels; ClientOrderID then holds
// the cancel request's own id.
type executionEvent struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	OrigClientID  string `json:"C"`
	OrderID       int64  `json:"i"`
	Status        string `json:"X"`
	RejectReason  string `json:"r"`
	CumFilledQty  string `json:"z"`
	LastPrice     string `json:"L"`
}

func parseLevels(raw [][2]string) ([]schema.Level, error) {
	out := make([]schema.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, errors.Wrap(err, "parse level price").With("raw", pair[0])
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, errors.Wrap(err, "parse level quantity").With("raw", pair[1])
		}
		out = append(out, schema.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

func binanceSide(side schema.Side) string {
	if side == schema.SideSell {
		return "SELL"
	}
	return "BUY"
}

func binanceOrderType(typ schema.OrderType) string {
	if typ == schema.OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

func binanceTimeInForce(tif schema.TimeInForce) string {
	switch tif {
	case schema.TimeInForceIOC:
		return "IOC"
	case schema.TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

func reportKind(status string) (schema.ReportKind, bool) {
	switch status {
	case "NEW":
		return schema.ReportAck, true
	case "PARTIALLY_FILLED":
		return schema.ReportPartialFill, true
	case "FILLED":
		return schema.ReportFill, true
	case "CANCELED":
		return schema.ReportCancelConfirm, true
	case "REJECTED":
		return schema.ReportReject, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return schema.ReportExpired, true
	default:
		return schema.ReportUnknown, false
	}
}

// translateExecution normalizes one executionReport. resolve maps the
// venue symbol to its canonical id; unknown symbols and unmapped
// statuses are dropped by the caller.
func translateExecution(ev executionEvent, resolve func(string) (schema.SymbolID, bool)) (schema.ExecutionReport, bool) {
	kind, ok := reportKind(ev.Status)
	if !ok {
		return schema.ExecutionReport{}, false
	}
	symbolID, ok := resolve(ev.Symbol)
	if !ok {
		return schema.ExecutionReport{}, false
	}

	clientID := ev.ClientOrderID
	if kind == schema.ReportCancelConfirm && ev.OrigClientID != "" {
		clientID = ev.OrigClientID
	}

	filled, err := decimal.NewFromString(ev.CumFilledQty)
	if err != nil {
		return schema.ExecutionReport{}, false
	}
	last, err := decimal.NewFromString(ev.LastPrice)
	if err != nil {
		return schema.ExecutionReport{}, false
	}

	reason := ""
	if ev.RejectReason != "" && ev.RejectReason != "NONE" {
		reason = ev.RejectReason
	}

	return schema.ExecutionReport{
		Kind:           kind,
		SymbolID:       symbolID,
		ClientOrderID:  clientID,
		VenueOrderID:   strconv.FormatInt(ev.OrderID, 10),
		FilledQuantity: filled,
		LastPrice:      last,
		Reason:         reason,
		TsNano:         ev.EventTime * int64(1e6),
	}, true
}
