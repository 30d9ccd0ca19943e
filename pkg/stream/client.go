package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradedesk/internal/model"
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = fmt.Errorf("%w: stream client closed", model.ErrTransport)

// Config tunes a Client.
type Config struct {
	// URL of the event stream, e.g. http://localhost:8080/mcp/sse.
	URL string
	// EndpointTimeout bounds the wait for the server's endpoint event.
	EndpointTimeout time.Duration
	// CallTimeout bounds a call when the caller's context has no deadline.
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// DefaultConfig returns a Config for url with the standard timeouts.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		EndpointTimeout: 10 * time.Second,
		CallTimeout:     30 * time.Second,
	}
}

type callResult struct {
	resp Response
	err  error
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client calls tools over the event stream. Safe for concurrent use.
// Concurrent Connect calls share one attempt.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client

	mu       sync.Mutex
	state    State
	attempt  *connectAttempt
	gen      int64
	endpoint string
	cancel   context.CancelFunc
	pending  map[int64]chan callResult
	nextID   int64
	closed   bool

	// OnStateChange is called on every state transition, outside the lock.
	OnStateChange func(from, to State)
	// OnNotification receives server pushes from the read loop.
	OnNotification func(n Notification)
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid stream url %q", model.ErrValidation, cfg.URL)
	}
	if cfg.EndpointTimeout <= 0 {
		cfg.EndpointTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    hc,
		pending: make(map[int64]chan callResult),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the event stream and waits for the endpoint event. It is a
// no-op when already connected; callers arriving during an attempt wait for
// that attempt's outcome.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for connect: %v", model.ErrTimeout, ctx.Err())
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.gen++
	gen := c.gen
	from := c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.notifyState(from, Connecting)

	endpoint, cancel, err := c.dial(ctx, gen)

	c.mu.Lock()
	c.attempt = nil
	if err == nil && c.closed {
		err = ErrClosed
	}
	var to State
	if err != nil {
		if cancel != nil {
			cancel()
		}
		to = Disconnected
	} else {
		c.endpoint = endpoint
		c.cancel = cancel
		to = Connected
	}
	from = c.setStateLocked(to)
	a.err = err
	close(a.done)
	c.mu.Unlock()
	c.notifyState(from, to)

	if err != nil {
		log.Printf("[stream] connect %s failed: %v", c.cfg.URL, err)
		return err
	}
	log.Printf("[stream] connected, endpoint %s", endpoint)
	return nil
}

func (c *Client) dial(ctx context.Context, gen int64) (string, context.CancelFunc, error) {
	// The stream outlives ctx, so it gets its own context.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type dialResult struct {
		endpoint string
		err      error
	}
	endpointCh := make(chan dialResult, 1)

	go func() {
		resp, err := c.http.Do(req)
		if err != nil {
			endpointCh <- dialResult{err: fmt.Errorf("%w: %v", model.ErrTransport, err)}
			return
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			endpointCh <- dialResult{err: fmt.Errorf("%w: stream returned HTTP %d", model.ErrTransport, resp.StatusCode)}
			return
		}
		c.readLoop(gen, resp.Body, func(ep string) {
			select {
			case endpointCh <- dialResult{endpoint: ep}:
			default:
			}
		})
		select {
		case endpointCh <- dialResult{err: fmt.Errorf("%w: stream closed before endpoint event", model.ErrTransport)}:
		default:
		}
	}()

	timer := time.NewTimer(c.cfg.EndpointTimeout)
	defer timer.Stop()
	select {
	case r := <-endpointCh:
		if r.err != nil {
			cancel()
			return "", nil, r.err
		}
		return r.endpoint, cancel, nil
	case <-timer.C:
		cancel()
		return "", nil, fmt.Errorf("%w: no endpoint event within %s", model.ErrTimeout, c.cfg.EndpointTimeout)
	case <-ctx.Done():
		cancel()
		return "", nil, fmt.Errorf("%w: connect: %v", model.ErrTimeout, ctx.Err())
	}
}

// readLoop parses server-sent events until the body ends, then drops the
// connection if it is still the current one.
func (c *Client) readLoop(gen int64, body io.ReadCloser, onEndpoint func(string)) {
	defer body.Close()
	r := bufio.NewReader(body)
	var event string
	var data bytes.Buffer

	var readErr error
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			readErr = err
			break
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 || event != "" {
				c.dispatch(event, data.Bytes(), onEndpoint)
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	c.dropConn(gen, fmt.Errorf("%w: stream ended: %v", model.ErrTransport, readErr))
}

func (c *Client) dispatch(event string, data []byte, onEndpoint func(string)) {
	switch event {
	case EventEndpoint:
		ref, err := url.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			log.Printf("[stream] bad endpoint %q: %v", data, err)
			return
		}
		onEndpoint(c.base.ResolveReference(ref).String())
	case EventMessage, "":
		var probe struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			log.Printf("[stream] dropping malformed message: %v", err)
			return
		}
		if probe.ID == nil {
			var n Notification
			if err := json.Unmarshal(data, &n); err == nil && c.OnNotification != nil {
				c.OnNotification(n)
			}
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[stream] dropping malformed response: %v", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
		}
	}
}

// dropConn tears down connection gen and fails its pending calls.
func (c *Client) dropConn(gen int64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.endpoint = ""
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	from := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: cause}
	}
	c.notifyState(from, Disconnected)
	log.Printf("[stream] disconnected: %v", cause)
}

// Call invokes a tool and waits for its result. A disconnected client
// connects first; a call made while another caller is connecting fails
// immediately with ErrTransport.
func (c *Client) Call(ctx context.Context, tool string, args interface{}) (ToolResult, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ToolResult{}, ErrClosed
	case c.state == Connecting:
		c.mu.Unlock()
		return ToolResult{}, fmt.Errorf("%w: stream is connecting", model.ErrTransport)
	case c.state == Disconnected:
		c.mu.Unlock()
		if err := c.Connect(ctx); err != nil {
			return ToolResult{}, err
		}
		c.mu.Lock()
		if c.state != Connected {
			c.mu.Unlock()
			return ToolResult{}, fmt.Errorf("%w: stream dropped during connect", model.ErrTransport)
		}
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	endpoint := c.endpoint
	gen := c.gen
	c.mu.Unlock()

	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			c.forget(id)
			return ToolResult{}, fmt.Errorf("%w: encode arguments: %v", model.ErrValidation, err)
		}
		rawArgs = b
	}
	params, _ := json.Marshal(CallParams{Name: tool, Arguments: rawArgs})
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: MethodToolsCall, Params: params})

	if err := c.post(ctx, endpoint, body); err != nil {
		c.forget(id)
		// A failed send leaves the session unusable; a cancelled caller does not.
		if ctx.Err() == nil && (errors.Is(err, model.ErrTransport) || errors.Is(err, model.ErrNotFound)) {
			c.dropConn(gen, err)
		}
		return ToolResult{}, err
	}

	wait := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return ToolResult{}, r.err
		}
		if r.resp.Error != nil {
			return ToolResult{}, fmt.Errorf("%w: %s", model.ErrValidation, r.resp.Error.Error())
		}
		var res ToolResult
		if err := json.Unmarshal(r.resp.Result, &res); err != nil {
			return ToolResult{}, fmt.Errorf("%w: decode result: %v", model.ErrTransport, err)
		}
		return res, nil
	case <-wait.Done():
		c.forget(id)
		return ToolResult{}, fmt.Errorf("%w: %s: %v", model.ErrTimeout, tool, wait.Err())
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: session expired", model.ErrNotFound)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%w: post returned HTTP %d", model.ErrTransport, resp.StatusCode)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close drops the stream and fails pending calls. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	from := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrClosed}
	}
	c.notifyState(from, Disconnected)
	return nil
}

func (c *Client) setStateLocked(s State) State {
	from := c.state
	c.state = s
	return from
}

func (c *Client) notifyState(from, to State) {
	if from != to && c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}
