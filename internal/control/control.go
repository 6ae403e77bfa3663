// Package control implements the manager's local control-plane surface: a
// JSON-RPC-over-Unix-domain-socket server NFs and the onvm-ctl CLI use to
// submit admission requests and query registry/stats introspection.
// Line-delimited JSON-RPC 2.0 over a Unix socket, one goroutine per
// connection, tracked for graceful Stop.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"onvmgo.dev/onvm/internal/log"
	"onvmgo.dev/onvm/internal/registry"
)

// Request is one JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// ErrorInfo is a JSON-RPC 2.0 error object.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

const (
	// ErrCodeParseError mirrors JSON-RPC's standard -32700.
	ErrCodeParseError = -32700
	// ErrCodeMethodNotFound mirrors JSON-RPC's standard -32601.
	ErrCodeMethodNotFound = -32601
	// ErrCodeInvalidParams mirrors JSON-RPC's standard -32602.
	ErrCodeInvalidParams = -32602
	// ErrCodeInternal mirrors JSON-RPC's standard -32603.
	ErrCodeInternal = -32603
)

// AdmitParams is the "nf.admit" method's param payload, the wire form of
// an admission record bound for the manager's startup queue.
type AdmitParams struct {
	InstanceID uint16 `json:"instance_id"`
	ServiceID  uint16 `json:"service_id"`
	Tag        string `json:"tag"`
	WorkerPID  int    `json:"worker_pid"`
}

// StatsEntry is one NF's introspection snapshot, returned by "stats".
type StatsEntry struct {
	InstanceID   uint16 `json:"instance_id"`
	ServiceID    uint16 `json:"service_id"`
	Status       string `json:"status"`
	RX           uint64 `json:"rx"`
	TX           uint64 `json:"tx"`
	RXDrop       uint64 `json:"rx_drop"`
	BkprDrop     uint64 `json:"bkpr_drop"`
	Bottlenecked bool   `json:"bottlenecked"`
}

// Server handles nf.admit submissions and registry introspection over a
// Unix domain socket.
type Server struct {
	socketPath string
	queue      *registry.AdmissionQueue
	registry   *registry.Registry

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a Server bound to socketPath, submitting admissions to
// queue and answering introspection from reg.
func NewServer(socketPath string, queue *registry.AdmissionQueue, reg *registry.Registry) *Server {
	return &Server{
		socketPath: socketPath,
		queue:      queue,
		registry:   reg,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured socket and serves requests until ctx is
// cancelled, at which point it calls Stop and returns nil.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("control: failed to remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	_ = os.Chmod(s.socketPath, 0600)

	logWarn(func(l log.Logger) { l.WithField("socket", s.socketPath).Info("control: server started") })

	go s.acceptLoop()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			logWarn(func(l log.Logger) { l.WithError(err).Warn("control: accept failed") })
			continue
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = encoder.Encode(Response{JSONRPC: "2.0", Error: &ErrorInfo{Code: ErrCodeParseError, Message: err.Error()}})
			continue
		}
		_ = encoder.Encode(s.dispatch(req))
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "nf.admit":
		var p AdmitParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = &ErrorInfo{Code: ErrCodeInvalidParams, Message: err.Error()}
			return resp
		}
		if p.ServiceID == 0 {
			resp.Error = &ErrorInfo{Code: ErrCodeInvalidParams, Message: "service_id 0 is reserved"}
			return resp
		}
		// Submission only enqueues the request; an NF descriptor is born
		// WaitingForId on the submission queue. The master loop's next
		// tick performs the actual Admit/MarkRunning and the NF learns
		// its assigned id out of band (stats introspection) — an async
		// hand-off, not a synchronous admission RPC.
		if !s.queue.Submit(registry.AdmissionInfo{
			InstanceID: p.InstanceID,
			ServiceID:  p.ServiceID,
			Tag:        p.Tag,
			WorkerPID:  p.WorkerPID,
		}) {
			resp.Error = &ErrorInfo{Code: ErrCodeInternal, Message: "admission queue full"}
			return resp
		}
		resp.Result = map[string]interface{}{"status": registry.StatusWaitingForID.String()}
	case "stats":
		var entries []StatsEntry
		for _, d := range s.registry.All() {
			entries = append(entries, StatsEntry{
				InstanceID:   d.InstanceID,
				ServiceID:    d.ServiceID,
				Status:       d.Status().String(),
				RX:           d.Stats.RX.Load(),
				TX:           d.Stats.TX.Load(),
				RXDrop:       d.Stats.RXDrop.Load(),
				BkprDrop:     d.Stats.BkprDrop.Load(),
				Bottlenecked: d.Backpressure.Bottlenecked(),
			})
		}
		resp.Result = entries
	case "ping":
		resp.Result = "pong"
	default:
		resp.Error = &ErrorInfo{Code: ErrCodeMethodNotFound, Message: "unknown method: " + req.Method}
	}
	return resp
}

// Stop closes the listener and every open connection, then waits for
// in-flight handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.RemoveAll(s.socketPath)
	return nil
}

// Client is a thin JSON-RPC client over a Unix domain socket, used by
// cmd/onvm-ctl.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a Client with the given call timeout (0 defaults to
// 10s).
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call sends method/params and waits for a response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("control: marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := Request{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: reqID}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("control: read response: %w", err)
		}
		return nil, fmt.Errorf("control: connection closed without response")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("control: parse response: %w", err)
	}
	return &resp, nil
}

// AdmitNF is a convenience wrapper around the "nf.admit" method.
func (c *Client) AdmitNF(ctx context.Context, p AdmitParams) (*Response, error) {
	return c.Call(ctx, "nf.admit", p)
}

// Stats is a convenience wrapper around the "stats" method.
func (c *Client) Stats(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "stats", nil)
}

func logWarn(fn func(log.Logger)) {
	if l := log.GetLogger(); l != nil {
		fn(l)
	}
}
