// Package mcp serves the CASYS planning engine over the Model Context
// Protocol on stdio.
//
// Transport is newline-delimited JSON-RPC 2.0: one message per line on
// stdin, one per line on stdout. All writes funnel through a single
// writer goroutine so concurrent tool calls never interleave bytes.
// Request handling is concurrent up to a configured in-flight limit;
// overflow requests queue on the semaphore in arrival order.
//
// The server also issues outbound sampling/createMessage requests to the
// client. Inbound messages without a method are treated as responses and
// matched to pending outbound requests by id.
//
// Protocol methods:
//   - initialize / notifications/initialized
//   - ping
//   - tools/list
//   - tools/call
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casys-ai/casys/pkg/planner"
)

// samplingTimeout bounds how long an outbound sampling request waits for
// the client.
const samplingTimeout = 5 * time.Minute

// maxLineBytes bounds a single inbound message.
const maxLineBytes = 10 * 1024 * 1024

// serverName and serverVersion identify this server in the handshake.
const (
	serverName    = "casys"
	serverVersion = "0.3.0"
)

// Server speaks MCP over a reader/writer pair.
type Server struct {
	engine *planner.Engine
	log    *zap.Logger

	tools map[string]*toolDef
	order []string

	inFlight chan struct{}

	// out is the single writer queue; closing it stops the writer.
	out chan []byte

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Message

	wg sync.WaitGroup
}

// NewServer creates a server. inFlight bounds concurrent request
// handling; values below 1 default to 10.
func NewServer(engine *planner.Engine, inFlight int, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if inFlight < 1 {
		inFlight = 10
	}
	s := &Server{
		engine:   engine,
		log:      log,
		inFlight: make(chan struct{}, inFlight),
		out:      make(chan []byte, 64),
		pending:  make(map[int64]chan *Message),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("mcp: register tools: %w", err)
	}
	return s, nil
}

// Serve processes messages until the reader closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for line := range s.out {
			if _, err := w.Write(append(line, '\n')); err != nil {
				s.log.Error("write failed", zap.Error(err))
				return
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return s.shutdown(writerDone, ctx.Err())
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.reply(nil, nil, &RPCError{Code: codeParseError, Message: "parse error"})
			continue
		}

		if msg.Method == "" {
			s.resolvePending(&msg)
			continue
		}
		s.dispatch(ctx, msg)
	}

	err := scanner.Err()
	return s.shutdown(writerDone, err)
}

func (s *Server) shutdown(writerDone chan struct{}, err error) error {
	s.wg.Wait()
	close(s.out)
	<-writerDone
	return err
}

// dispatch routes one request or notification. Requests are handled on a
// worker goroutine gated by the in-flight semaphore.
func (s *Server) dispatch(ctx context.Context, msg Message) {
	switch msg.Method {
	case "notifications/initialized", "notifications/cancelled":
		return
	}

	if msg.ID == nil {
		// Unknown notification; nothing to answer.
		s.log.Debug("unhandled notification", zap.String("method", msg.Method))
		return
	}

	s.inFlight <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.inFlight }()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panic",
					zap.String("method", msg.Method), zap.Any("panic", r))
				s.reply(msg.ID, nil, &RPCError{
					Code:    codeInternalError,
					Message: fmt.Sprintf("internal error: %v", r),
				})
			}
		}()
		s.handle(ctx, msg)
	}()
}

func (s *Server) handle(ctx context.Context, msg Message) {
	switch msg.Method {
	case "initialize":
		s.reply(msg.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools":    map[string]any{},
				"sampling": map[string]any{},
			},
			ServerInfo: ServerInfo{Name: serverName, Version: serverVersion},
		}, nil)

	case "ping":
		s.reply(msg.ID, map[string]any{"pong": true}, nil)

	case "tools/list":
		s.reply(msg.ID, s.listTools(), nil)

	case "tools/call":
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.reply(msg.ID, nil, &RPCError{Code: codeInvalidParams, Message: "invalid tools/call params"})
			return
		}
		result, rpcErr := s.callTool(ctx, params)
		s.reply(msg.ID, result, rpcErr)

	default:
		s.reply(msg.ID, nil, &RPCError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}
}

// reply enqueues one response line. Marshal failures degrade to an
// internal error response.
func (s *Server) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	msg := Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &RPCError{Code: codeInternalError, Message: "response marshal failed"}
		} else {
			msg.Result = raw
		}
	}
	line, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("reply marshal failed", zap.Error(err))
		return
	}
	s.out <- line
}

// CreateMessage sends an outbound sampling request and waits for the
// client's response, subject to the sampling timeout.
func (s *Server) CreateMessage(ctx context.Context, params CreateMessageParams) (*CreateMessageResult, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan *Message, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	rawID, _ := json.Marshal(id)
	line, err := json.Marshal(Message{
		JSONRPC: "2.0",
		ID:      rawID,
		Method:  "sampling/createMessage",
		Params:  rawParams,
	})
	if err != nil {
		return nil, err
	}
	s.out <- line

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("sampling failed: %s", resp.Error.Message)
		}
		var result CreateMessageResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("sampling result: %w", err)
		}
		return &result, nil
	case <-time.After(samplingTimeout):
		return nil, fmt.Errorf("sampling timed out after %s", samplingTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvePending matches an inbound response to its outbound request.
func (s *Server) resolvePending(msg *Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		s.log.Debug("response with non-numeric id dropped")
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("response without pending request", zap.Int64("id", id))
		return
	}
	ch <- msg
}
