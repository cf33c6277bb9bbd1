// Package mock provides test doubles for the transport package interfaces.
//
// Use Transport to verify Connect calls and hand out controlled connections.
// Use Conn to inject inbound events and inspect what the session sent.
//
// Example:
//
//	conn := mock.NewConn()
//	tr := &mock.Transport{Conn: conn}
//	// ... start a session with tr ...
//	conn.Emit(transport.Open{})
//	conn.Emit(transport.Transcript{Role: transport.RoleUser, Text: "hi"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*Conn)(nil)
)

// ConnectCall records a single invocation of Transport.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg transport.Config
}

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a fresh Conn from
	// NewConn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay makes Connect block for the given duration (or until ctx
	// is done) before returning.
	ConnectDelay time.Duration

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Conn, ConnectErr.
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{Cfg: cfg})
	delay := t.ConnectDelay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	if t.Conn == nil {
		t.Conn = NewConn()
	}
	return t.Conn, nil
}

// Calls returns a copy of the recorded Connect calls.
func (t *Transport) Calls() []ConnectCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectCall, len(t.ConnectCalls))
	copy(out, t.ConnectCalls)
	return out
}

// Conn is a mock implementation of transport.Conn. Inbound events are injected
// with Emit; outbound audio is recorded in order.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every payload passed to SendAudio.
	Sent []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan transport.Event
	closed bool
	sentCh chan struct{}
}

// NewConn returns a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{
		events: make(chan transport.Event, 256),
		sentCh: make(chan struct{}, 1),
	}
}

// SendAudio records payload.
func (c *Conn) SendAudio(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, payload)
	select {
	case c.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Emit injects an inbound event. Terminal events ([transport.Failed],
// [transport.Closed]) also close the event channel. Emit after Close is a
// no-op and reports false.
func (c *Conn) Emit(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	switch ev.(type) {
	case transport.Failed, transport.Closed:
		c.closed = true
		close(c.events)
	}
	return true
}

// Close implements transport.Conn. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// SentPayloads returns a copy of the recorded outbound payloads.
func (c *Conn) SentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// WaitSent blocks until at least n payloads have been sent or timeout
// elapses. It reports whether the count was reached.
func (c *Conn) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		got := len(c.Sent)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.sentCh:
		case <-deadline:
			return false
		}
	}
}

// Closed reports whether Close was called or a terminal event was emitted.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
