package ibkr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

const (
	secStock = "STK"
	secCash  = "CASH"

	exchangeSmart = "SMART"
	exchangeFX    = "IDEALPRO"
)

// Snapshot field codes.
const (
	FieldLast = "31"
	FieldBid  = "84"
	FieldAsk  = "86"
)

// flexString accepts a JSON string or number; the gateway is inconsistent.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number or numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return fmt.Errorf("conid %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// AuthStatus is the gateway session state.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message,omitempty"`
}

// Position is one row of the portfolio positions endpoint.
type Position struct {
	ConID         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	MktPrice      float64 `json:"mktPrice"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
	Currency      string  `json:"currency"`
}

// SummaryField is one entry of the account summary.
type SummaryField struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Value    string  `json:"value,omitempty"`
}

// LiveOrder is an order as reported by the orders endpoint and the sor topic.
type LiveOrder struct {
	OrderID           flexString `json:"orderId"`
	ConID             flexInt    `json:"conid"`
	Ticker            string     `json:"ticker"`
	Side              string     `json:"side"`
	OrderType         string     `json:"orderType"`
	Status            string     `json:"status"`
	FilledQuantity    float64    `json:"filledQuantity"`
	RemainingQuantity float64    `json:"remainingQuantity"`
	TotalSize         float64    `json:"totalSize"`
	AvgPrice          flexString `json:"avgPrice"`
	Price             flexString `json:"price"`
}

// ID returns the gateway order id.
func (o LiveOrder) ID() string { return string(o.OrderID) }

// Terminal reports whether the gateway considers the order done.
func (o LiveOrder) Terminal() bool {
	switch o.Status {
	case "Filled", "Cancelled", "Inactive", "Rejected":
		return true
	}
	return false
}

type section struct {
	SecType  string  `json:"secType"`
	ConID    flexInt `json:"conid"`
	Exchange string  `json:"exchange"`
}

type searchRow struct {
	ConID       flexInt   `json:"conid"`
	Symbol      string    `json:"symbol"`
	CompanyName string    `json:"companyName"`
	Description string    `json:"description"`
	SecType     string    `json:"secType"`
	Sections    []section `json:"sections"`
}

func (r searchRow) contract(symbol string) model.Contract {
	desc := r.CompanyName
	if desc == "" {
		desc = r.Description
	}
	sym := r.Symbol
	if sym == "" {
		sym = symbol
	}
	secType := r.SecType
	exch := exchangeSmart
	if secType == "" && len(r.Sections) > 0 {
		secType = r.Sections[0].SecType
		if r.Sections[0].Exchange != "" {
			exch = firstExchange(r.Sections[0].Exchange)
		}
	}
	if secType == "" {
		secType = secStock
	}
	class := model.ClassifySymbol(symbol)
	if secType == secCash {
		exch = exchangeFX
		class = model.AssetFX
	}
	return model.Contract{
		ConID:       int64(r.ConID),
		Symbol:      sym,
		Description: desc,
		SecType:     secType,
		Exchange:    exch,
		Class:       class,
	}
}

// firstExchange picks the first of a ";"-separated exchange list.
func firstExchange(s string) string {
	first, _, _ := strings.Cut(s, ";")
	return strings.TrimSpace(first)
}

func cashExchange(s string) string {
	ex := firstExchange(s)
	if ex == "" || ex == exchangeSmart {
		return exchangeFX
	}
	return ex
}

// Quote is a parsed snapshot row.
type Quote struct {
	ConID int64
	Last  decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
}

func quoteFrom(row map[string]interface{}) Quote {
	q := Quote{
		Last: parsePrice(row[FieldLast]),
		Bid:  parsePrice(row[FieldBid]),
		Ask:  parsePrice(row[FieldAsk]),
	}
	switch v := row["conid"].(type) {
	case float64:
		q.ConID = int64(v)
	case string:
		q.ConID, _ = strconv.ParseInt(v, 10, 64)
	}
	return q
}

// parsePrice reads snapshot prices, which may carry a "C" (prior close) or
// "H" (halted) prefix.
func parsePrice(v interface{}) decimal.Decimal {
	switch p := v.(type) {
	case float64:
		return decimal.NewFromFloat(p)
	case string:
		p = strings.TrimLeft(strings.TrimSpace(p), "CH")
		d, err := decimal.NewFromString(p)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return decimal.Zero
}

// OrderTicket is the gateway's order body.
type OrderTicket struct {
	ConID           int64    `json:"conid"`
	SecType         string   `json:"secType,omitempty"`
	COID            string   `json:"cOID,omitempty"`
	OrderType       string   `json:"orderType"`
	Side            string   `json:"side"`
	Quantity        float64  `json:"quantity"`
	Price           *float64 `json:"price,omitempty"`
	AuxPrice        *float64 `json:"auxPrice,omitempty"`
	TrailingAmt     *float64 `json:"trailingAmt,omitempty"`
	TrailingType    string   `json:"trailingType,omitempty"`
	TIF             string   `json:"tif"`
	ListingExchange string   `json:"listingExchange,omitempty"`
	OutsideRTH      bool     `json:"outsideRTH,omitempty"`
	AllOrNone       bool     `json:"allOrNone,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func decFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	return Float(d.InexactFloat64())
}

// PlaceResult is the acknowledged order.
type PlaceResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"order_status"`
}

type orderReply struct {
	OrderID     flexString `json:"order_id"`
	OrderStatus string     `json:"order_status"`
	ID          string     `json:"id"`
	Message     []string   `json:"message"`
	MessageIDs  []string   `json:"messageIds"`
	Error       string     `json:"error"`
}

// OrderTypeFor maps desk order types to gateway codes.
func OrderTypeFor(t model.OrderType) (string, error) {
	switch t {
	case model.OrderMarket:
		return "MKT", nil
	case model.OrderLimit:
		return "LMT", nil
	case model.OrderStop:
		return "STP", nil
	case model.OrderStopLimit:
		return "STP LMT", nil
	case model.OrderTrail:
		return "TRAIL", nil
	case model.OrderTrailLimit:
		return "TRAILLMT", nil
	}
	return "", fmt.Errorf("%w: order type %q not supported by IBKR", model.ErrValidation, t)
}

// TicketFor builds the gateway ticket for an order on contract ct.
func TicketFor(o model.Order, ct model.Contract) (OrderTicket, error) {
	typ, err := OrderTypeFor(o.Type)
	if err != nil {
		return OrderTicket{}, err
	}
	tif := o.TIF
	switch tif {
	case "":
		tif = model.TIFDay
	case model.TIFGTD:
		// expiry is enforced desk-side
		tif = model.TIFGTC
	}
	t := OrderTicket{
		ConID:           ct.ConID,
		SecType:         ct.SecType,
		COID:            o.ID,
		OrderType:       typ,
		Side:            string(o.Side),
		Quantity:        float64(o.Remaining()),
		Price:           decFloat(o.LimitPrice),
		AuxPrice:        decFloat(o.AuxPrice),
		TrailingAmt:     decFloat(o.TrailingAmt),
		TIF:             string(tif),
		ListingExchange: ct.Exchange,
		OutsideRTH:      o.OutsideRTH,
		AllOrNone:       o.AllOrNone,
	}
	if o.TrailingAmt != nil {
		t.TrailingType = string(o.TrailingType)
		if t.TrailingType == "" {
			t.TrailingType = string(model.TrailAbsolute)
		}
	}
	return t, nil
}
