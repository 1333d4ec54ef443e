// Package gateway is the framed RPC link between the HTTP gateway and the
// matcher. Frames are a 4-byte big-endian length followed by one JSON
// message {type, id, payload}. Responses echo the request id; stream pushes
// reuse the id of the stream_matches request that opened them.
package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Orders and snapshots are small; a
// larger frame indicates a corrupt length prefix or a misbehaving peer.
const MaxFrameSize = 1 << 20

// Message types.
const (
	TypeSubmitOrder   = "submit_order"
	TypeCancelOrder   = "cancel_order"
	TypeGetOrderBook  = "get_order_book"
	TypeStreamMatches = "stream_matches"
	TypeHealthCheck   = "health_check"
	TypeMatch         = "match"
	TypeError         = "error"
)

// Message is one frame body.
type Message struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BookRequest selects the pair and depth for a get_order_book call.
type BookRequest struct {
	BaseToken  string `json:"base_token"`
	QuoteToken string `json:"quote_token"`
	Levels     int    `json:"levels"`
}

// ErrorPayload is the payload of a TypeError frame. Code is a stable
// machine-readable kind; Error is the human-readable cause.
type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// WriteFrame encodes msg and writes it with its length prefix in a single
// Write call, so concurrent writers serialized by a mutex never interleave.
func WriteFrame(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d out of range", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}
