package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/confirm"
	"tradedesk/internal/model"
	"tradedesk/internal/portfolio"
)

// Desk is what the tools operate on. *engine.Engine satisfies it.
type Desk interface {
	Positions() []model.Position
	Orders() []model.Order
	Trades() []model.Trade
	Instruments() []model.Instrument
	Summary() portfolio.PnLSummary

	SearchContract(ctx context.Context, symbol string) ([]model.Contract, error)
	MarketSnapshot(ctx context.Context, symbols []string) ([]model.Instrument, error)

	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, id string) (model.Order, error)
	ModifyOrder(ctx context.Context, id string, upd model.OrderUpdate) (model.Order, error)

	ProposeTrade(req model.OrderRequest) (confirm.Proposal, error)
	ConfirmTrade(ctx context.Context, token string) confirm.Result
	CancelProposal(token string) (confirm.Proposal, error)
}

type tool struct {
	description string
	run         func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

func (s *Server) toolTable() map[string]tool {
	d := s.desk
	return map[string]tool{
		"get_positions": {"List open and closed positions.", func(context.Context, json.RawMessage) (interface{}, error) {
			return d.Positions(), nil
		}},
		"get_orders": {"List orders, newest first. open_only limits to working orders.", func(_ context.Context, raw json.RawMessage) (interface{}, error) {
			var a struct {
				OpenOnly bool `json:"open_only"`
			}
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			orders := d.Orders()
			if !a.OpenOnly {
				return orders, nil
			}
			open := make([]model.Order, 0, len(orders))
			for _, o := range orders {
				if !o.Status.Terminal() {
					open = append(open, o)
				}
			}
			return open, nil
		}},
		"get_trades": {"List executions, newest first.", func(_ context.Context, raw json.RawMessage) (interface{}, error) {
			var a struct {
				Limit int `json:"limit"`
			}
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			trades := d.Trades()
			if a.Limit > 0 && len(trades) > a.Limit {
				trades = trades[:a.Limit]
			}
			return trades, nil
		}},
		"get_account_summary": {"Realized, unrealized and total P&L.", func(context.Context, json.RawMessage) (interface{}, error) {
			return d.Summary(), nil
		}},
		"get_instruments": {"List the watchlist with latest quotes.", func(context.Context, json.RawMessage) (interface{}, error) {
			return d.Instruments(), nil
		}},
		"search_contract": {"Find venue contracts for a symbol.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var a struct {
				Symbol string `json:"symbol"`
			}
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			if strings.TrimSpace(a.Symbol) == "" {
				return nil, fmt.Errorf("%w: symbol is required", model.ErrValidation)
			}
			return d.SearchContract(ctx, strings.ToUpper(strings.TrimSpace(a.Symbol)))
		}},
		"get_market_data_snapshot": {"Latest quotes for the given symbols.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var a struct {
				Symbols []string `json:"symbols"`
			}
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			if len(a.Symbols) == 0 {
				return nil, fmt.Errorf("%w: symbols is required", model.ErrValidation)
			}
			return d.MarketSnapshot(ctx, a.Symbols)
		}},
		"place_order": {"Place an order immediately.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			req, err := decodeOrder(raw)
			if err != nil {
				return nil, err
			}
			return d.SubmitOrder(ctx, req)
		}},
		"cancel_order": {"Cancel a working order.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			id, err := decodeOrderID(raw)
			if err != nil {
				return nil, err
			}
			return d.CancelOrder(ctx, id)
		}},
		"modify_order": {"Change quantity or prices of a working order.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var a struct {
				OrderID    string           `json:"order_id"`
				Quantity   *int64           `json:"quantity"`
				LimitPrice *decimal.Decimal `json:"limit_price"`
				AuxPrice   *decimal.Decimal `json:"aux_price"`
			}
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			if a.OrderID == "" {
				return nil, fmt.Errorf("%w: order_id is required", model.ErrValidation)
			}
			return d.ModifyOrder(ctx, a.OrderID, model.OrderUpdate{Qty: a.Quantity, LimitPrice: a.LimitPrice, AuxPrice: a.AuxPrice})
		}},
		"propose_trade": {"Propose an order for human confirmation.", func(_ context.Context, raw json.RawMessage) (interface{}, error) {
			req, err := decodeOrder(raw)
			if err != nil {
				return nil, err
			}
			p, err := d.ProposeTrade(req)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"token": p.Token, "proposal": p, "message": p.Message}, nil
		}},
		"confirm_trade": {"Execute a proposed trade by token.", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			tok, err := decodeToken(raw)
			if err != nil {
				return nil, err
			}
			return d.ConfirmTrade(ctx, tok), nil
		}},
		"cancel_proposal": {"Withdraw a proposed trade.", func(_ context.Context, raw json.RawMessage) (interface{}, error) {
			tok, err := decodeToken(raw)
			if err != nil {
				return nil, err
			}
			p, err := d.CancelProposal(tok)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"ack": true, "proposal": p}, nil
		}},
	}
}

func (s *Server) describeTools() []map[string]string {
	out := make([]map[string]string, 0, len(s.tools))
	for _, name := range s.ToolNames() {
		out = append(out, map[string]string{"name": name, "description": s.tools[name].description})
	}
	return out
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: bad arguments: %v", model.ErrValidation, err)
	}
	return nil
}

// orderArgs are the order fields as the assistant names them.
type orderArgs struct {
	Symbol       string           `json:"symbol"`
	Side         string           `json:"side"`
	Quantity     int64            `json:"quantity"`
	OrderType    string           `json:"order_type"`
	LimitPrice   *decimal.Decimal `json:"limit_price"`
	AuxPrice     *decimal.Decimal `json:"aux_price"`
	TrailingAmt  *decimal.Decimal `json:"trailing_amt"`
	TrailingType string           `json:"trailing_type"`
	TIF          string           `json:"tif"`
	ExpireAt     *time.Time       `json:"expire_at"`
	AllOrNone    bool             `json:"all_or_none"`
	OutsideRTH   bool             `json:"outside_rth"`
}

func decodeOrder(raw json.RawMessage) (model.OrderRequest, error) {
	var a orderArgs
	if err := decodeArgs(raw, &a); err != nil {
		return model.OrderRequest{}, err
	}
	typ := strings.ToUpper(strings.TrimSpace(a.OrderType))
	if typ == "" {
		typ = string(model.OrderMarket)
	}
	return model.OrderRequest{
		Symbol:       strings.ToUpper(strings.TrimSpace(a.Symbol)),
		Side:         model.Side(strings.ToUpper(a.Side)),
		Qty:          a.Quantity,
		Type:         model.OrderType(strings.ReplaceAll(typ, " ", "_")),
		LimitPrice:   a.LimitPrice,
		AuxPrice:     a.AuxPrice,
		TrailingAmt:  a.TrailingAmt,
		TrailingType: model.TrailingUnit(a.TrailingType),
		TIF:          model.TimeInForce(strings.ToUpper(a.TIF)),
		ExpireAt:     a.ExpireAt,
		AllOrNone:    a.AllOrNone,
		OutsideRTH:   a.OutsideRTH,
	}, nil
}

func decodeOrderID(raw json.RawMessage) (string, error) {
	var a struct {
		OrderID string `json:"order_id"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if a.OrderID == "" {
		return "", fmt.Errorf("%w: order_id is required", model.ErrValidation)
	}
	return a.OrderID, nil
}

func decodeToken(raw json.RawMessage) (string, error) {
	var a struct {
		Token string `json:"token"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if a.Token == "" {
		return "", fmt.Errorf("%w: token is required", model.ErrValidation)
	}
	return a.Token, nil
}

func kindOf(err error) string { return model.ErrorKind(err) }
