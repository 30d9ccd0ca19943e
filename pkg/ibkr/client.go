// Package ibkr talks to the Interactive Brokers Client Portal gateway. It
// keeps a route table, issues REST requests with response caching and
// follows the order reply-confirmation handshake.
//
// Usage example:
//
//	c, err := ibkr.NewClient(ibkr.Config{BaseURL: "https://localhost:5000", InsecureTLS: true})
//	if err != nil { log.Fatal(err) }
//	contracts, err := c.SearchContract(ctx, "EUR/USD")
//	if err != nil { log.Fatal(err) }
//	res, err := c.PlaceOrder(ctx, ibkr.OrderTicket{
//	    ConID: contracts[0].ConID, SecType: "CASH", OrderType: "LMT", Side: "BUY",
//	    Quantity: 100000, Price: ibkr.Float(1.0842), TIF: "DAY",
//	})
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"tradedesk/internal/model"
)

const (
	DefaultBaseURL  = "https://localhost:5000"
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 30 * time.Second
	maxReplies      = 3
)

var routes = map[string]string{
	"auth.status":         "/v1/api/iserver/auth/status",
	"portfolio.accounts":  "/v1/api/portfolio/accounts",
	"portfolio.positions": "/v1/api/portfolio/%s/positions/0",
	"portfolio.summary":   "/v1/api/portfolio/%s/summary",
	"orders.live":         "/v1/api/iserver/account/orders",
	"orders.place":        "/v1/api/iserver/account/%s/orders",
	"order.modify":        "/v1/api/iserver/account/%s/order/%s",
	"order.cancel":        "/v1/api/iserver/account/%s/order/%s",
	"order.reply":         "/v1/api/iserver/reply/%s",
	"secdef.search":       "/v1/api/iserver/secdef/search",
	"marketdata.snapshot": "/v1/api/iserver/marketdata/snapshot",
}

// Config configures a Client.
type Config struct {
	BaseURL     string        // default: https://localhost:5000
	AccountID   string        // default: first account the gateway reports
	InsecureTLS bool          // the gateway ships a self-signed certificate
	Timeout     time.Duration // default: 15s
	CacheTTL    time.Duration // default: 30s; GET responses are cached this long
	Debug       bool
}

// Client is a Client Portal REST client. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *ristretto.Cache
	cacheTTL   time.Duration
	debug      bool

	mu        sync.Mutex
	accountID string
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ibkr: response cache: %w", err)
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
		},
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
		debug:      cfg.Debug,
		accountID:  cfg.AccountID,
	}, nil
}

// BaseURL returns the gateway root.
func (c *Client) BaseURL() string { return c.baseURL }

// ---- Helpers ----

func cacheKey(route string, args []interface{}, query url.Values) string {
	var sb strings.Builder
	sb.WriteString(route)
	for _, a := range args {
		fmt.Fprintf(&sb, ":%v", a)
	}
	if len(query) > 0 {
		sb.WriteString("?" + query.Encode())
	}
	return sb.String()
}

func (c *Client) buildURL(route string, args []interface{}, query url.Values) (string, error) {
	tmpl, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("%w: unknown route %s", model.ErrValidation, route)
	}
	u := c.baseURL + fmt.Sprintf(tmpl, args...)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

// doRequest performs one call and returns the raw body. Non-2xx responses
// become errors classified by status.
func (c *Client) doRequest(ctx context.Context, method, route string, args []interface{}, query url.Values, body interface{}) ([]byte, error) {
	reqURL, err := c.buildURL(route, args, query)
	if err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s body: %v", model.ErrValidation, route, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, rdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.debug {
		log.Printf("[ibkr] request: %s %s", method, reqURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", model.ErrTimeout, method, route, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", model.ErrTransport, method, route, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrTransport, route, err)
	}
	if c.debug {
		log.Printf("[ibkr] response: code=%d body=%s", resp.StatusCode, raw)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: gateway session not authenticated", model.ErrTransport)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s: %s", model.ErrNotFound, route, errorText(raw))
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s: %s", model.ErrValidation, route, errorText(raw))
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("%w: IBKR error %d: %s", model.ErrTransport, resp.StatusCode, errorText(raw))
	}
	return raw, nil
}

// errorText extracts {"error": "..."} when present.
func errorText(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) get(ctx context.Context, route string, args []interface{}, query url.Values, out interface{}) error {
	key := cacheKey(route, args, query)
	if v, ok := c.cache.Get(key); ok {
		return json.Unmarshal(v.([]byte), out)
	}
	raw, err := c.doRequest(ctx, http.MethodGet, route, args, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrTransport, route, err)
	}
	c.cache.SetWithTTL(key, raw, 1, c.cacheTTL)
	return nil
}

func (c *Client) send(ctx context.Context, method, route string, args []interface{}, body, out interface{}) error {
	raw, err := c.doRequest(ctx, method, route, args, nil, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrTransport, route, err)
	}
	return nil
}

// invalidateOrders drops cached views that an order mutation changes.
func (c *Client) invalidateOrders(account string) {
	c.cache.Del(cacheKey("orders.live", nil, nil))
	c.cache.Del(cacheKey("portfolio.positions", []interface{}{account}, nil))
	c.cache.Del(cacheKey("portfolio.summary", []interface{}{account}, nil))
}

// ---- Session & account ----

// AuthStatus reports the gateway session state. Never cached.
func (c *Client) AuthStatus(ctx context.Context) (AuthStatus, error) {
	var st AuthStatus
	raw, err := c.doRequest(ctx, http.MethodGet, "auth.status", nil, nil, nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("%w: decode auth status: %v", model.ErrTransport, err)
	}
	return st, nil
}

// Accounts lists the account ids visible to the session.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	var rows []struct {
		ID        string `json:"id"`
		AccountID string `json:"accountId"`
	}
	if err := c.get(ctx, "portfolio.accounts", nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.ID != "" {
			out = append(out, r.ID)
		} else if r.AccountID != "" {
			out = append(out, r.AccountID)
		}
	}
	return out, nil
}

// Account returns the configured account or the first one reported.
func (c *Client) Account(ctx context.Context) (string, error) {
	c.mu.Lock()
	acct := c.accountID
	c.mu.Unlock()
	if acct != "" {
		return acct, nil
	}
	accts, err := c.Accounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accts) == 0 {
		return "", fmt.Errorf("%w: no accounts available", model.ErrNotFound)
	}
	c.mu.Lock()
	c.accountID = accts[0]
	c.mu.Unlock()
	return accts[0], nil
}

// Positions returns the first page of account positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	acct, err := c.Account(ctx)
	if err != nil {
		return nil, err
	}
	var out []Position
	return out, c.get(ctx, "portfolio.positions", []interface{}{acct}, nil, &out)
}

// Summary returns the account summary fields keyed by name.
func (c *Client) Summary(ctx context.Context) (map[string]SummaryField, error) {
	acct, err := c.Account(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]SummaryField{}
	return out, c.get(ctx, "portfolio.summary", []interface{}{acct}, nil, &out)
}

// LiveOrders returns working and recently finished orders.
func (c *Client) LiveOrders(ctx context.Context) ([]LiveOrder, error) {
	var resp struct {
		Orders []LiveOrder `json:"orders"`
	}
	if err := c.get(ctx, "orders.live", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// ---- Contracts & market data ----

// SearchContract finds contracts for symbol. FX pairs are searched as
// "EUR.USD" and narrowed to CASH contracts when any exist.
func (c *Client) SearchContract(ctx context.Context, symbol string) ([]model.Contract, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", model.ErrValidation)
	}
	fx := strings.ContainsAny(symbol, "/ ")
	query := symbol
	if fx {
		query = strings.NewReplacer("/", ".", " ", ".").Replace(symbol)
	}

	var rows []searchRow
	if err := c.get(ctx, "secdef.search", nil, url.Values{"symbol": {query}}, &rows); err != nil {
		return nil, err
	}

	var all, cash []model.Contract
	for _, r := range rows {
		ct := r.contract(symbol)
		all = append(all, ct)
		if r.SecType == secCash {
			cash = append(cash, ct)
			continue
		}
		for _, s := range r.Sections {
			if s.SecType == secCash {
				ct.SecType = secCash
				if s.ConID != 0 {
					ct.ConID = int64(s.ConID)
				}
				ct.Exchange = cashExchange(s.Exchange)
				ct.Class = model.AssetFX
				cash = append(cash, ct)
				break
			}
		}
	}
	if fx && len(cash) > 0 {
		all = cash
	}
	if len(all) == 0 || all[0].ConID == 0 {
		return nil, fmt.Errorf("%w: no contract for %s", model.ErrNotFound, symbol)
	}
	return all, nil
}

// Snapshot returns last/bid/ask for conids. The gateway answers the first
// request for a conid with empty fields while it subscribes, so callers
// may see zero prices on a cold start.
func (c *Client) Snapshot(ctx context.Context, conids []int64) ([]Quote, error) {
	if len(conids) == 0 {
		return nil, nil
	}
	ids := make([]string, len(conids))
	for i, id := range conids {
		ids[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{
		"conids": {strings.Join(ids, ",")},
		"fields": {strings.Join([]string{FieldLast, FieldBid, FieldAsk}, ",")},
	}
	var rows []map[string]interface{}
	if err := c.get(ctx, "marketdata.snapshot", nil, q, &rows); err != nil {
		return nil, err
	}
	out := make([]Quote, 0, len(rows))
	for _, r := range rows {
		out = append(out, quoteFrom(r))
	}
	return out, nil
}

// ---- Orders ----

// PlaceOrder submits a ticket and answers up to three confirmation
// questions. Returns the gateway order id.
func (c *Client) PlaceOrder(ctx context.Context, t OrderTicket) (PlaceResult, error) {
	acct, err := c.Account(ctx)
	if err != nil {
		return PlaceResult{}, err
	}
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodPost, "orders.place", []interface{}{acct}, map[string]interface{}{"orders": []OrderTicket{t}}, &raw); err != nil {
		return PlaceResult{}, err
	}
	reply, err := firstReply(raw)
	if err != nil {
		return PlaceResult{}, err
	}
	for i := 0; i < maxReplies && reply.ID != "" && len(reply.MessageIDs) > 0; i++ {
		log.Printf("[ibkr] confirming order prompt %s: %s", reply.ID, strings.Join(reply.Message, "; "))
		if err := c.send(ctx, http.MethodPost, "order.reply", []interface{}{reply.ID}, map[string]bool{"confirmed": true}, &raw); err != nil {
			return PlaceResult{}, fmt.Errorf("confirmation failed: %w", err)
		}
		if reply, err = firstReply(raw); err != nil {
			return PlaceResult{}, err
		}
	}
	c.invalidateOrders(acct)

	if reply.Error != "" {
		return PlaceResult{}, fmt.Errorf("%w: order rejected: %s", model.ErrTransport, reply.Error)
	}
	if reply.OrderID == "" {
		return PlaceResult{}, fmt.Errorf("%w: order not acknowledged: %s", model.ErrTransport, strings.Join(reply.Message, "; "))
	}
	return PlaceResult{OrderID: string(reply.OrderID), Status: reply.OrderStatus}, nil
}

// CancelOrder cancels a gateway order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	acct, err := c.Account(ctx)
	if err != nil {
		return err
	}
	var resp orderReply
	if err := c.send(ctx, http.MethodDelete, "order.cancel", []interface{}{acct, orderID}, nil, &resp); err != nil {
		return err
	}
	c.invalidateOrders(acct)
	if resp.Error != "" {
		return fmt.Errorf("%w: cancel rejected: %s", model.ErrConflict, resp.Error)
	}
	return nil
}

// ModifyOrder replaces a working order's ticket.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, t OrderTicket) error {
	acct, err := c.Account(ctx)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodPost, "order.modify", []interface{}{acct, orderID}, t, &raw); err != nil {
		return err
	}
	c.invalidateOrders(acct)
	if len(raw) == 0 {
		return nil
	}
	reply, err := firstReply(raw)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: modify rejected: %s", model.ErrConflict, reply.Error)
	}
	return nil
}

// firstReply decodes an order response that may be a list or an object.
func firstReply(raw json.RawMessage) (orderReply, error) {
	var list []orderReply
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return orderReply{}, fmt.Errorf("%w: empty order response", model.ErrTransport)
		}
		return list[0], nil
	}
	var one orderReply
	if err := json.Unmarshal(raw, &one); err != nil {
		return orderReply{}, fmt.Errorf("%w: decode order response: %v", model.ErrTransport, err)
	}
	return one, nil
}
