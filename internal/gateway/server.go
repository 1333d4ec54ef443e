package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"darkpool/internal/book"
	"darkpool/pkg/types"
)

const defaultBookLevels = 20

// Core is the matcher surface the gateway exposes.
type Core interface {
	Submit(ctx context.Context, d *types.OrderDetail) (*types.Order, error)
	Cancel(ctx context.Context, req types.CancelRequest) (*types.Order, error)
	Books() *book.Set
}

// MatchFeed hands out per-subscriber match channels. The returned cancel
// function releases the subscription.
type MatchFeed interface {
	Subscribe() (<-chan types.MatchEvent, func())
}

// Server accepts framed connections from the HTTP gateway.
type Server struct {
	core   Core
	feed   MatchFeed
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server; Listen (or ServeConn, in tests) starts it.
func NewServer(core Core, feed MatchFeed, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		core:   core,
		feed:   feed,
		logger: logger.With("component", "gateway"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen binds addr and serves until Close.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Error("accept failed", "error", err)
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(conn)
			}()
		}
	}()
	return nil
}

// Close stops the listener and tears down every connection.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ServeConn runs the per-connection read loop until the peer hangs up or
// the server closes. Exported so tests can drive it over net.Pipe.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// One writer goroutine serializes all frames: handler responses and
	// stream pushes never interleave on the wire. On a write error it keeps
	// draining out so blocked senders always unwind, and cancels the
	// connection context so stream goroutines stop producing.
	out := make(chan *Message, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range out {
			if err := WriteFrame(conn, msg); err != nil {
				s.logger.Debug("write failed, dropping connection", "error", err)
				cancel()
				conn.Close()
				for range out {
				}
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var streams sync.WaitGroup
	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("read failed", "error", err)
			}
			break
		}
		s.dispatch(ctx, msg, out, &streams)
	}

	cancel()
	streams.Wait()
	close(out)
	<-writerDone
}

func (s *Server) dispatch(ctx context.Context, msg *Message, out chan<- *Message, streams *sync.WaitGroup) {
	switch msg.Type {
	case TypeSubmitOrder:
		var detail types.OrderDetail
		if err := json.Unmarshal(msg.Payload, &detail); err != nil {
			send(out, errorFrame(msg.ID, types.ErrValidation, err.Error()))
			return
		}
		order, err := s.core.Submit(ctx, &detail)
		if err != nil {
			send(out, errorFrame(msg.ID, err, err.Error()))
			return
		}
		send(out, resultFrame(msg.ID, msg.Type, order))

	case TypeCancelOrder:
		var req types.CancelRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			send(out, errorFrame(msg.ID, types.ErrValidation, err.Error()))
			return
		}
		order, err := s.core.Cancel(ctx, req)
		if err != nil {
			send(out, errorFrame(msg.ID, err, err.Error()))
			return
		}
		send(out, resultFrame(msg.ID, msg.Type, order))

	case TypeGetOrderBook:
		var req BookRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			send(out, errorFrame(msg.ID, types.ErrValidation, err.Error()))
			return
		}
		if req.Levels <= 0 {
			req.Levels = defaultBookLevels
		}
		snapshot := s.snapshot(req)
		send(out, resultFrame(msg.ID, msg.Type, snapshot))

	case TypeStreamMatches:
		events, release := s.feed.Subscribe()
		send(out, resultFrame(msg.ID, msg.Type, map[string]bool{"streaming": true}))
		streams.Add(1)
		go func() {
			defer streams.Done()
			defer release()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-events:
					if !ok {
						return
					}
					send(out, resultFrame(msg.ID, TypeMatch, evt))
				}
			}
		}()

	case TypeHealthCheck:
		send(out, resultFrame(msg.ID, msg.Type, map[string]string{"status": "ok"}))

	default:
		send(out, errorFrame(msg.ID, types.ErrValidation, "unknown message type "+msg.Type))
	}
}

// snapshot returns the pair's depth, or an empty snapshot when no order for
// the pair has ever been admitted.
func (s *Server) snapshot(req BookRequest) types.BookSnapshot {
	if b, ok := s.core.Books().Lookup(req.BaseToken, req.QuoteToken); ok {
		return b.Depth(req.Levels)
	}
	return types.BookSnapshot{
		BaseToken:  req.BaseToken,
		QuoteToken: req.QuoteToken,
		Bids:       []types.PriceLevel{},
		Asks:       []types.PriceLevel{},
		Timestamp:  time.Now().UTC(),
	}
}

func send(out chan<- *Message, msg *Message) {
	// A full buffer applies backpressure to the dispatching goroutine. The
	// writer consumes out until the read loop closes it, and keeps draining
	// after a write error, so a blocked send always unwinds.
	out <- msg
}

func resultFrame(id uint64, msgType string, payload any) *Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(id, types.ErrValidation, err.Error())
	}
	return &Message{Type: msgType, ID: id, Payload: raw}
}

func errorFrame(id uint64, err error, text string) *Message {
	raw, _ := json.Marshal(ErrorPayload{Code: errorCode(err), Error: text})
	return &Message{Type: TypeError, ID: id, Payload: raw}
}

// errorCode maps an error chain to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return "validation"
	case errors.Is(err, types.ErrCommitmentMismatch):
		return "commitment_mismatch"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, types.ErrOrderTerminal):
		return "order_terminal"
	case errors.Is(err, types.ErrChannelFull):
		return "channel_full"
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	case errors.Is(err, types.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// codeError is the client-side inverse of errorCode.
func codeError(code string) error {
	switch code {
	case "validation":
		return types.ErrValidation
	case "commitment_mismatch":
		return types.ErrCommitmentMismatch
	case "not_found":
		return types.ErrNotFound
	case "not_owner":
		return types.ErrNotOwner
	case "order_terminal":
		return types.ErrOrderTerminal
	case "channel_full":
		return types.ErrChannelFull
	case "timeout":
		return types.ErrTimeout
	case "unauthenticated":
		return types.ErrUnauthenticated
	case "conflict":
		return types.ErrConflict
	default:
		return nil
	}
}
