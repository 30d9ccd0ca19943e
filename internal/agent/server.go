// Package agent exposes the desk to an AI assistant as callable tools over
// the event-stream transport in pkg/stream.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/logger"
	"tradedesk/pkg/stream"
)

const (
	ssePath      = "/mcp/sse"
	messagesPath = "/mcp/messages"

	sessionBuffer = 64
	toolTimeout   = 30 * time.Second
)

type session struct {
	id   string
	out  chan []byte
	done chan struct{}
}

// Server hosts agent sessions. Each session is one SSE stream; calls arrive
// as POSTs and their responses are pushed back on the stream.
type Server struct {
	desk      Desk
	tools     map[string]tool
	keepAlive time.Duration
	log       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	// OnCall is invoked after every tool call with its outcome.
	OnCall func(tool string, elapsed time.Duration, err error)
}

// NewServer creates a Server dispatching tools to desk.
func NewServer(desk Desk) *Server {
	s := &Server{
		desk:      desk,
		keepAlive: 15 * time.Second,
		log:       slog.Default().With(slog.String("component", "agent")),
		sessions:  make(map[string]*session),
	}
	s.tools = s.toolTable()
	return s
}

// RegisterRoutes mounts the stream and message endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(ssePath, s.handleStream)
	mux.HandleFunc(messagesPath, s.handleMessage)
}

// SessionCount returns the number of open streams.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ToolNames lists the registered tools, sorted.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		out:  make(chan []byte, sessionBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer s.dropSession(sess)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: %s\ndata: %s?sessionId=%s\n\n", stream.EventEndpoint, messagesPath, sess.id)
	flusher.Flush()
	s.log.Info("session opened", slog.String("session", sess.id), slog.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.log.Info("session closed", slog.String("session", sess.id))
			return
		case msg := <-sess.out:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", stream.EventMessage, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		close(sess.done)
	}
	s.mu.Unlock()
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("sessionId")
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var req stream.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	go s.serve(sess, req)
}

// serve runs one request and pushes the response to its session.
func (s *Server) serve(sess *session, req stream.Request) {
	resp := stream.Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case stream.MethodToolsCall:
		var params stream.CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &stream.RPCError{Code: stream.CodeInvalidParams, Message: "tools/call needs a tool name"}
			break
		}
		t, ok := s.tools[params.Name]
		if !ok {
			resp.Error = &stream.RPCError{Code: stream.CodeInvalidParams, Message: "unknown tool " + params.Name}
			break
		}
		result := s.call(params.Name, t, params.Arguments)
		resp.Result, _ = json.Marshal(result)
	case stream.MethodToolsList:
		resp.Result, _ = json.Marshal(map[string]interface{}{"tools": s.describeTools()})
	default:
		resp.Error = &stream.RPCError{Code: stream.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode response", slog.Any("error", err))
		return
	}
	select {
	case sess.out <- data:
	case <-sess.done:
	}
}

func (s *Server) call(name string, t tool, args json.RawMessage) stream.ToolResult {
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()
	start := time.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(name, start))

	out, err := t.run(ctx, args)
	elapsed := time.Since(start)
	if s.OnCall != nil {
		s.OnCall(name, elapsed, err)
	}

	attrs := append([]any{slog.String("tool", name), slog.Duration("elapsed", elapsed)}, logger.LogWithTrace(ctx)...)
	if err != nil {
		s.log.Warn("tool failed", append(attrs, slog.String("kind", kindOf(err)), slog.Any("error", err))...)
		return stream.ErrorResult(err)
	}
	res, err := stream.TextResult(out)
	if err != nil {
		s.log.Error("tool result not encodable", append(attrs, slog.Any("error", err))...)
		return stream.ErrorResult(err)
	}
	s.log.Info("tool call", attrs...)
	return res
}

// Notify pushes an event to every open session. Sessions that are not
// keeping up miss the event.
func (s *Server) Notify(event string, data interface{}) {
	params, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		s.log.Error("encode notification", slog.Any("error", err))
		return
	}
	msg, _ := json.Marshal(stream.Notification{JSONRPC: "2.0", Method: stream.MethodNotifyDesk, Params: params})

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		select {
		case sess.out <- msg:
		default:
			s.log.Warn("session backlogged, notification dropped", slog.String("session", sess.id), slog.String("event", event))
		}
	}
}
