// Package wsstream holds the WebSocket plumbing shared by the JSON-over-
// WebSocket transports: dialing, serialized JSON writes, keepalive pings, and
// a read loop that turns frames into [transport.Event] values and ends the
// stream with exactly one terminal event.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/transport"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 10 * time.Second

	// eventBuffer is the capacity of the inbound event channel.
	eventBuffer = 64

	// readLimit caps a single inbound message. Audio chunks from the services
	// are well under a megabyte; the library default of 32 KiB is not.
	readLimit = 16 << 20
)

// ParseFunc converts one inbound text message into zero or more events. A
// non-nil error is treated as a malformed message and ends the stream.
type ParseFunc func(data []byte) ([]transport.Event, error)

// Stream is one WebSocket connection speaking JSON messages.
type Stream struct {
	name   string
	conn   *websocket.Conn
	events chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Dial connects to url. name prefixes errors and log lines (e.g. "gemini").
func Dial(ctx context.Context, name, url string, header http.Header) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", name, err)
	}
	conn.SetReadLimit(readLimit)

	sctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		name:   name,
		conn:   conn,
		events: make(chan transport.Event, eventBuffer),
		ctx:    sctx,
		cancel: cancel,
	}, nil
}

// Start launches the read and keepalive loops. parse is called from the read
// goroutine for every text message.
func (s *Stream) Start(parse ParseFunc) {
	go s.readLoop(parse)
	go s.keepaliveLoop()
}

// WriteJSON marshals v and writes it as a text message.
func (s *Stream) WriteJSON(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", s.name, transport.ErrClosed)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", s.name, err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.name, transport.ErrClosed)
		}
		return fmt.Errorf("%s: write: %w", s.name, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *Stream) Events() <-chan transport.Event {
	return s.events
}

// Abort closes the connection with an error status without emitting any
// event. It is used when the handshake fails before Start.
func (s *Stream) Abort(reason string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusInternalError, reason)
	close(s.events)
}

// Close terminates the connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// The peer may already be gone; the close handshake is best-effort.
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// readLoop owns the events channel and closes it when it exits.
func (s *Stream) readLoop(parse ParseFunc) {
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.terminate(err)
			return
		}
		if typ != websocket.MessageText {
			// Some services send JSON in binary frames.
			slog.Debug("wsstream: binary frame", "transport", s.name, "bytes", len(data))
		}

		evs, err := parse(data)
		if err != nil {
			s.emit(transport.Failed{Err: fmt.Errorf("%s: %w: %v", s.name, transport.ErrMalformed, err)})
			s.shutdown(websocket.StatusUnsupportedData, "malformed message")
			return
		}
		for _, ev := range evs {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// terminate converts a read error into the terminal event.
func (s *Stream) terminate(err error) {
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := status.String()
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		s.emit(transport.Closed{Reason: reason})
	default:
		s.emit(transport.Failed{Err: fmt.Errorf("%s: read: %w", s.name, err)})
	}
	s.shutdown(websocket.StatusNormalClosure, "")
}

// shutdown marks the stream closed from the read side.
func (s *Stream) shutdown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.cancel()
	_ = s.conn.Close(code, reason)
}

// emit delivers ev unless the stream is being closed locally.
func (s *Stream) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Warn("wsstream: keepalive ping failed", "transport", s.name, "err", err)
			}
			cancel()
		}
	}
}
