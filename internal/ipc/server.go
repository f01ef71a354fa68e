package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/crystalmath/crystalmathd/internal/codec"
	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/events"
)

// handlerFunc services one JSON-RPC method call and returns its result or a
// crystalerr.Error (or any error, which maps to an opaque internal error).
type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the IPC layer: it owns the listener, the per-connection
// Content-Length framing, and the bounded worker pool method calls run on.
// It holds no domain state itself — every method group's behavior comes
// from the Services it was built with.
type Server struct {
	bus           *events.Bus
	logger        *slog.Logger
	handlers      map[string]handlerFunc
	sem           *semaphore.Weighted
	maxMsgBytes   int

	mu   sync.Mutex
	wg   sync.WaitGroup
	done chan struct{}
}

// NewServer builds a Server wired to svc, fanning out method calls across at
// most maxWorkers concurrently. maxMsgBytes caps a single framed request's
// size (0 uses codec's built-in default) so a misbehaving client can't force
// an unbounded read buffer.
func NewServer(svc Services, bus *events.Bus, maxWorkers int, maxMsgBytes int, logger *slog.Logger) *Server {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:         bus,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(maxWorkers)),
		maxMsgBytes: maxMsgBytes,
		done:        make(chan struct{}),
	}
	s.handlers = buildRegistry(svc)
	return s
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// When ctx is cancelled it returns once every in-flight connection has been
// drained; any other accept error (including ln being closed directly) is
// returned at once, and Wait then blocks until the connections finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Wait blocks until every accepted connection has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleConn services one client connection: it reads framed requests,
// dispatches each to the worker pool, and writes responses back in the same
// order the requests arrived, even though handlers may finish out of order.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := ulid.Make().String()
	logger := s.logger.With("conn", connID)
	logger.Debug("ipc: connection accepted")
	defer logger.Debug("ipc: connection closed")

	reader := codec.NewReader(conn)
	if s.maxMsgBytes > 0 {
		reader = reader.WithMaxMessageBytes(s.maxMsgBytes)
	}
	var writeMu sync.Mutex
	writer := codec.NewWriter(conn)
	write := func(msg *response) {
		body, err := json.Marshal(msg)
		if err != nil {
			logger.Error("ipc: marshal response", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writer.WriteMessage(body); err != nil {
			logger.Debug("ipc: write response", "error", err)
		}
	}

	// order is the FIFO ticket queue: each accepted request pushes a channel
	// here before its handler starts, and the flusher goroutine drains
	// tickets strictly in arrival order, blocking on each until its handler
	// has produced a result. This lets handlers run concurrently while
	// responses are still written back in request order.
	order := make(chan chan *response, 256)
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		for ticket := range order {
			if resp, ok := <-ticket; ok {
				write(resp)
			}
		}
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		raw, err := reader.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug("ipc: read message", "error", err)
			}
			break
		}

		var req request
		ticket := make(chan *response, 1)
		order <- ticket
		if err := json.Unmarshal(raw, &req); err != nil {
			ticket <- errorResponse(nil, crystalerr.New(crystalerr.KindValidation, "malformed JSON-RPC envelope"))
			close(ticket)
			continue
		}

		if req.Method == "events.subscribe" {
			s.handleSubscribe(connCtx, req, write)
			ticket <- resultResponse(req.ID, map[string]bool{"subscribed": true})
			close(ticket)
			continue
		}

		handler, ok := s.handlers[req.Method]
		if !ok {
			ticket <- &response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: crystalerr.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}}
			close(ticket)
			continue
		}

		if err := s.sem.Acquire(connCtx, 1); err != nil {
			close(ticket)
			break
		}
		go func(req request, ticket chan *response) {
			defer s.sem.Release(1)
			defer close(ticket)
			result, err := handler(connCtx, req.Params)
			if err != nil {
				ticket <- errorResponse(req.ID, err)
				return
			}
			ticket <- resultResponse(req.ID, result)
		}(req, ticket)
	}

	close(order)
	flushWG.Wait()
}

// handleSubscribe fans events matching the request's topic filter to the
// connection as JSON-RPC notifications until the connection's context is
// cancelled or the subscriber falls behind and is evicted by the bus.
func (s *Server) handleSubscribe(ctx context.Context, req request, write func(*response)) {
	var params struct {
		Topics []events.Type `json:"topics"`
	}
	_ = json.Unmarshal(req.Params, &params)

	ch, cancel := s.bus.Subscribe(params.Topics, 0)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return // evicted for falling behind, or server shutting down
				}
				write(notification(string(e.Type), e.Payload))
			}
		}
	}()
}
