// Package api serves the desk's REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tradedesk/internal/confirm"
	"tradedesk/internal/gateway"
	"tradedesk/internal/metrics"
	"tradedesk/internal/model"
	"tradedesk/internal/portfolio"
)

const prefix = "/api/v1"

// Desk is the engine surface the REST handlers call.
type Desk interface {
	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, id string) (model.Order, error)
	ModifyOrder(ctx context.Context, id string, upd model.OrderUpdate) (model.Order, error)
	FlattenPosition(ctx context.Context, symbol string) (model.Order, error)
	Order(id string) (model.Order, error)
	Orders() []model.Order
	Positions() []model.Position
	Trades() []model.Trade
	JournalTrades(limit int) ([]model.Trade, error)
	Summary() portfolio.PnLSummary

	Instruments() []model.Instrument
	AddInstrument(symbol, name string, class model.AssetClass) (model.Instrument, error)
	RemoveInstrument(symbol string) error
	UpdateQuote(symbol string, last, bid, ask decimal.Decimal) error
	SelectSymbol(symbol string) (model.Instrument, error)
	SearchContract(ctx context.Context, symbol string) ([]model.Contract, error)
	MarketSnapshot(ctx context.Context, symbols []string) ([]model.Instrument, error)

	ProposeTrade(req model.OrderRequest) (confirm.Proposal, error)
	ConfirmTrade(ctx context.Context, token string) confirm.Result
	CancelProposal(token string) (confirm.Proposal, error)
	Proposal(token string) (confirm.Proposal, error)
	Proposals() []confirm.Proposal
}

type router struct {
	desk   Desk
	health *metrics.HealthStatus
}

// NewRouter mounts the REST routes, plus the websocket gateway when hub is
// not nil. health may be nil.
func NewRouter(desk Desk, hub *gateway.Hub, health *metrics.HealthStatus) *http.ServeMux {
	rt := &router{desk: desk, health: health}
	mux := http.NewServeMux()

	mux.HandleFunc(prefix+"/health", cors(rt.handleHealth))
	mux.HandleFunc(prefix+"/orders", cors(rt.handleOrders))
	mux.HandleFunc(prefix+"/orders/", cors(rt.handleOrder))
	mux.HandleFunc(prefix+"/positions", cors(rt.handlePositions))
	mux.HandleFunc(prefix+"/positions/", cors(rt.handleFlatten))
	mux.HandleFunc(prefix+"/trades", cors(rt.handleTrades))
	mux.HandleFunc(prefix+"/journal", cors(rt.handleJournal))
	mux.HandleFunc(prefix+"/summary", cors(rt.handleSummary))
	mux.HandleFunc(prefix+"/instruments", cors(rt.handleInstruments))
	mux.HandleFunc(prefix+"/instruments/", cors(rt.handleInstrument))
	mux.HandleFunc(prefix+"/quotes", cors(rt.handleQuote))
	mux.HandleFunc(prefix+"/select", cors(rt.handleSelect))
	mux.HandleFunc(prefix+"/contracts", cors(rt.handleContracts))
	mux.HandleFunc(prefix+"/snapshot", cors(rt.handleSnapshot))
	mux.HandleFunc(prefix+"/proposals", cors(rt.handleProposals))
	mux.HandleFunc(prefix+"/proposals/", cors(rt.handleProposal))

	if hub != nil {
		gateway.RegisterRoutes(mux, hub)
	}
	return mux
}

// cors sets the CORS headers and answers preflight requests.
func cors(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gateway.SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// ── handlers ──

func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, rt.health.Report())
}

func (rt *router) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orders := rt.desk.Orders()
		if r.URL.Query().Get("open") == "true" {
			open := make([]model.Order, 0, len(orders))
			for _, o := range orders {
				if !o.Terminal() {
					open = append(open, o)
				}
			}
			orders = open
		}
		writeJSON(w, http.StatusOK, orders)
	case http.MethodPost:
		var req model.OrderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		o, err := rt.desk.SubmitOrder(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	default:
		methodNotAllowed(w)
	}
}

// handleOrder serves /orders/{id}, /orders/{id}/cancel and /orders/{id}/modify.
func (rt *router) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, prefix+"/orders/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, errValidation("order id is required"))
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		o, err := rt.desk.Order(id)
		respond(w, o, err)
	case action == "cancel" && r.Method == http.MethodPost:
		o, err := rt.desk.CancelOrder(r.Context(), id)
		respond(w, o, err)
	case action == "modify" && r.Method == http.MethodPost:
		var upd model.OrderUpdate
		if !decodeBody(w, r, &upd) {
			return
		}
		o, err := rt.desk.ModifyOrder(r.Context(), id, upd)
		respond(w, o, err)
	case action == "" || action == "cancel" || action == "modify":
		methodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (rt *router) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, rt.desk.Positions())
}

// handleFlatten serves /positions/{symbol}/flatten. FX symbols keep their
// slash: /positions/EUR/USD/flatten.
func (rt *router) handleFlatten(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, prefix+"/positions/")
	symbol, ok := strings.CutSuffix(rest, "/flatten")
	if !ok || symbol == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	o, err := rt.desk.FlattenPosition(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (rt *router) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	trades := rt.desk.Trades()
	if n := queryInt(r, "limit"); n > 0 && n < len(trades) {
		trades = trades[:n]
	}
	writeJSON(w, http.StatusOK, trades)
}

func (rt *router) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	trades, err := rt.desk.JournalTrades(queryInt(r, "limit"))
	respond(w, trades, err)
}

func (rt *router) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, rt.desk.Summary())
}

type instrumentRequest struct {
	Symbol string           `json:"symbol"`
	Name   string           `json:"name"`
	Class  model.AssetClass `json:"asset_class"`
}

func (rt *router) handleInstruments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, rt.desk.Instruments())
	case http.MethodPost:
		var req instrumentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		inst, err := rt.desk.AddInstrument(req.Symbol, req.Name, req.Class)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	default:
		methodNotAllowed(w)
	}
}

// handleInstrument serves DELETE /instruments/{symbol}.
func (rt *router) handleInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, prefix+"/instruments/")
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := rt.desk.RemoveInstrument(symbol); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quoteRequest struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

func (rt *router) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var q quoteRequest
	if !decodeBody(w, r, &q) {
		return
	}
	if err := rt.desk.UpdateQuote(q.Symbol, q.Last, q.Bid, q.Ask); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Symbol string `json:"symbol"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := rt.desk.SelectSymbol(req.Symbol)
	respond(w, inst, err)
}

func (rt *router) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	found, err := rt.desk.SearchContract(r.Context(), r.URL.Query().Get("symbol"))
	respond(w, found, err)
}

func (rt *router) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	insts, err := rt.desk.MarketSnapshot(r.Context(), symbols)
	respond(w, insts, err)
}

func (rt *router) handleProposals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, rt.desk.Proposals())
	case http.MethodPost:
		var req model.OrderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := rt.desk.ProposeTrade(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w)
	}
}

// handleProposal serves /proposals/{token}, /{token}/confirm and /{token}/cancel.
func (rt *router) handleProposal(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, prefix+"/proposals/")
	token, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		p, err := rt.desk.Proposal(token)
		respond(w, p, err)
	case action == "confirm" && r.Method == http.MethodPost:
		res := rt.desk.ConfirmTrade(r.Context(), token)
		status := http.StatusOK
		if res.Err != nil {
			status = statusFor(res.Err)
		}
		writeJSON(w, status, res)
	case action == "cancel" && r.Method == http.MethodPost:
		p, err := rt.desk.CancelProposal(token)
		respond(w, p, err)
	case action == "" || action == "confirm" || action == "cancel":
		methodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

// ── helpers ──

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, model.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: model.ErrorKind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errValidation("invalid JSON: "+err.Error()))
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

type validationError string

func (e validationError) Error() string { return "validation error: " + string(e) }
func (e validationError) Unwrap() error { return model.ErrValidation }

func errValidation(msg string) error { return validationError(msg) }
