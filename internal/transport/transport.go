// Package transport wraps a client-side WebSocket connection to the
// Core: dial, send, close, and inbound fragment reassembly (spec §4.2).
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Kind identifies the shape of an inbound Event.
type Kind int

const (
	EventMessage Kind = iota
	EventClosed
	EventError
)

// Event is one lifecycle notification delivered to the router (spec §4.2).
type Event struct {
	Kind   Kind
	Data   []byte
	Code   ws.StatusCode
	Reason string
	Err    error
}

// Transport owns one WebSocket connection and its read-side fragment
// accumulator. Writes are serialized with a mutex-free channel-backed
// caller contract: Send must not be called concurrently with itself
// (the connection supervisor's single send pump is the only writer).
type Transport struct {
	conn   net.Conn
	logger zerolog.Logger
}

// Dial opens the WebSocket handshake to url, failing if it does not
// complete within handshakeTimeout.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, logger zerolog.Logger) (*Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	dialer := ws.Dialer{Timeout: handshakeTimeout}
	conn, _, _, err := dialer.Dial(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	return &Transport{conn: conn, logger: logger.With().Str("component", "transport").Logger()}, nil
}

// Send writes exactly one WebSocket binary message. The transport does
// not fragment outbound frames itself (spec §4.2).
func (t *Transport) Send(payload []byte) error {
	if err := wsutil.WriteClientMessage(t.conn, ws.OpBinary, payload); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close performs a graceful close handshake.
func (t *Transport) Close(code ws.StatusCode, reason string) error {
	msg := ws.NewCloseFrameBody(code, reason)
	if err := wsutil.WriteClientMessage(t.conn, ws.OpClose, msg); err != nil {
		_ = t.conn.Close()
		return fmt.Errorf("transport: close: %w", err)
	}
	return t.conn.Close()
}

// Abort forces immediate teardown without a close handshake.
func (t *Transport) Abort() error {
	return t.conn.Close()
}

// Run starts the inbound read loop in a new goroutine, emitting
// Events on the returned channel until the connection closes, errors,
// or ctx is done. The channel is closed when the loop exits.
//
// Fragment reassembly: a logical message may arrive as several
// WebSocket frames sharing one opcode sequence; Run concatenates
// continuation payloads until the final flag is observed before
// emitting a single EventMessage, per spec §4.2. Text frames are
// converted to their UTF-8 byte encoding so the decoder downstream
// always sees a uniform byte stream.
func (t *Transport) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 1)

	go func() {
		defer close(out)

		var acc []byte
		var accOpen bool

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			header, err := ws.ReadHeader(t.conn)
			if err != nil {
				if err == io.EOF {
					out <- Event{Kind: EventClosed, Code: ws.StatusNormalClosure, Reason: "eof"}
				} else {
					out <- Event{Kind: EventError, Err: fmt.Errorf("transport: read header: %w", err)}
				}
				return
			}

			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(t.conn, payload); err != nil {
				out <- Event{Kind: EventError, Err: fmt.Errorf("transport: read payload: %w", err)}
				return
			}
			if header.Masked {
				ws.Cipher(payload, header.Mask, 0)
			}

			switch header.OpCode {
			case ws.OpPing:
				_ = wsutil.WriteClientMessage(t.conn, ws.OpPong, payload)
				continue
			case ws.OpPong:
				continue
			case ws.OpClose:
				code, reason := ws.StatusNoStatusRcvd, ""
				if len(payload) >= 2 {
					code, reason = ws.ParseCloseFrameData(payload)
				}
				out <- Event{Kind: EventClosed, Code: code, Reason: reason}
				return
			case ws.OpText, ws.OpBinary:
				acc = append(acc[:0], payload...)
				accOpen = !header.Fin
				if header.Fin {
					out <- Event{Kind: EventMessage, Data: append([]byte(nil), acc...)}
				}
			case ws.OpContinuation:
				if !accOpen {
					t.logger.Warn().Msg("continuation frame with no open message, dropping")
					continue
				}
				acc = append(acc, payload...)
				if header.Fin {
					accOpen = false
					out <- Event{Kind: EventMessage, Data: append([]byte(nil), acc...)}
				}
			}
		}
	}()

	return out
}
