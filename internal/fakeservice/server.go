// Package fakeservice is an in-process stand-in for the on-device
// uiautomator2 HTTP server: GET /ping answering pong and POST /jsonrpc/0
// with pluggable method handlers. Tests point a client at it; uia2ctl can
// run it standalone for local experimentation.
package fakeservice

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// RPCError is the error payload the real service emits: a code, the
// exception message string, and the stacktrace in data.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Handler serves one JSON-RPC method. params is the raw params field.
type Handler func(params json.RawMessage) (interface{}, *RPCError)

// Request is a captured inbound request, for wire-level assertions.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type Server struct {
	Log *zap.SugaredLogger

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	handlers map[string]Handler
	healthy  bool
	requests []Request
}

func New(log *zap.SugaredLogger) *Server {
	return &Server{
		Log:      log.Named("fakeservice"),
		handlers: map[string]Handler{},
		healthy:  true,
	}
}

// Handle registers (or replaces) the handler for a JSON-RPC method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// SetHealthy controls whether /ping answers pong.
func (s *Server) SetHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

func (s *Server) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Requests returns all requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request, if any.
func (s *Server) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func (s *Server) record(r *http.Request, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
}

// Start listens on addr ("" means an ephemeral loopback port) and serves in
// the background.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	router := httprouter.New()
	router.GET("/ping", s.ping)
	router.POST("/jsonrpc/0", s.jsonrpc)
	s.server = &http.Server{Handler: router}
	go s.server.Serve(ln)

	s.Log.Debugf("listening on %s", ln.Addr())
	return nil
}

func (s *Server) Stop() error {
	return s.server.Close()
}

// Addr returns the listen address, valid after Start.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.record(r, nil)
	if !s.isHealthy() {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("pong"))
}

func (s *Server) jsonrpc(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.record(r, body)

	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]interface{}{"id": req.ID}
	if !ok {
		resp["error"] = &RPCError{Code: -32601, Message: "Method not found: " + req.Method}
	} else if result, rpcErr := handler(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Log.Debugf("encoding response: %s", err)
	}
}
