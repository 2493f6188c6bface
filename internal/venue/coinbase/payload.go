package coinbase

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// wireMessage is the superset of every feed message; Type selects
// which fields are populated.
type wireMessage struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Time      string      `json:"time"`
	Message   string      `json:"message"`
	Reason    string      `json:"reason"`
	Sequence  int64       `json:"sequence"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	// l2update: [side, price, size], size absolute.
	Changes [][3]string `json:"changes"`

	// user channel fields.
	OrderID       string `json:"order_id"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	ClientOID     string `json:"client_oid"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	RemainingSize string `json:"remaining_size"`
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	// Authentication, present when the user channel is requested.
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// restBook is GET /products/{id}/book?level=2: [price, size, num_orders].
type restBook struct {
	Sequence int64    `json:"sequence"`
	Bids     [][3]any `json:"bids"`
	Asks     [][3]any `json:"asks"`
	Message  string   `json:"message"`
}

type placeOrderRequest struct {
	ClientOID   string `json:"client_oid"`
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size"`
	TimeInForce string `json:"time_in_force,omitempty"`
}

type restError struct {
	Message string `json:"message"`
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

// parseBookLevels handles the REST book's mixed-type triples. Prices
// and sizes arrive as strings, order counts as numbers.
func parseBookLevels(raw [][3]any) ([]schema.Level, error) {
	out := make([]schema.Level, 0, len(raw))
	for _, triple := range raw {
		priceStr, ok := triple[0].(string)
		if !ok {
			return nil, errors.Errorf("unexpected price type %T", triple[0])
		}
		sizeStr, ok := triple[1].(string)
		if !ok {
			return nil, errors.Errorf("unexpected size type %T", triple[1])
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse book price")
		}
		qty, err := decimal.NewFromString(sizeStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse book size")
		}
		lvl := schema.Level{Price: price, Quantity: qty}
		if orders, ok := triple[2].(float64); ok {
			lvl.Orders = int(orders)
		}
		out = append(out, lvl)
	}
	return out, nil
}

func sideFromWire(s string) schema.Side {
	switch s {
	case "buy":
		return schema.SideBuy
	case "sell":
		return schema.SideSell
	default:
		return schema.SideUnknown
	}
}

func wireSide(side schema.Side) string {
	if side == schema.SideSell {
		return "sell"
	}
	return "buy"
}

func wireTimeInForce(tif schema.TimeInForce) string {
	switch tif {
	case schema.TimeInForceIOC:
		return "IOC"
	case schema.TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}
