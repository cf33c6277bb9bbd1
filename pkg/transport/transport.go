// Package transport defines the contract between a voice session and the
// remote conversational service that listens to the user and talks back.
//
// A [Transport] dials the service and returns a [Conn]. Outbound traffic is a
// stream of base64 PCM16 audio payloads sent through [Conn.SendAudio].
// Inbound traffic is a single ordered stream of [Event] values: the connection
// opening, transcript fragments for either speaker, synthesized audio chunks,
// turn boundaries, barge-in notifications, and finally exactly one terminal
// event ([Failed] or [Closed]) after which the channel is closed.
//
// Event is a sealed interface: only the types in this package implement it,
// so a type switch over the seven event kinds is exhaustive.
//
// This package lives under pkg/ because external code is expected to
// implement [Transport] for further services.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/audio"
)

var (
	// ErrClosed is returned by [Conn.SendAudio] after the connection has been
	// closed or has failed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrMalformed wraps inbound messages that cannot be parsed. It is
	// delivered inside a [Failed] event and is fatal for the connection.
	ErrMalformed = errors.New("transport: malformed message")
)

// Config holds the per-connection parameters negotiated with the service.
type Config struct {
	// Instructions is the system prompt that seeds the model's behaviour.
	Instructions string

	// Voice selects the service's synthetic voice. Empty uses the service
	// default.
	Voice string

	// InputFormat is the format of the audio sent through SendAudio.
	InputFormat audio.Format

	// OutputFormat is the format the caller would like to receive. Services
	// that cannot honour it tag each [Audio] event with its actual rate.
	OutputFormat audio.Format
}

// Transport dials a remote conversational service.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect opens a new connection. It returns once the connection is
	// established and the session parameters have been sent; the service
	// acknowledges them later with an [Open] event. ctx bounds the dial only,
	// not the lifetime of the returned Conn.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}

// Conn is one live connection to the service.
//
// SendAudio and Close may be called concurrently from any goroutine. Events
// must be drained by a single consumer.
type Conn interface {
	// SendAudio transmits one base64 PCM16 payload in the configured input
	// format. Frames are delivered in call order.
	SendAudio(payload string) error

	// Events returns the inbound event stream. The channel is closed after a
	// terminal event or after Close.
	Events() <-chan Event

	// Close terminates the connection. It is idempotent. After Close returns
	// no further events are delivered.
	Close() error
}

// Role identifies the speaker a transcript fragment belongs to.
type Role int

const (
	// RoleUser marks speech recognised from the local microphone.
	RoleUser Role = iota

	// RoleModel marks the text of the service's synthesized reply.
	RoleModel
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleModel:
		return "model"
	default:
		return "unknown"
	}
}

// Event is one inbound notification from the service.
type Event interface {
	isEvent()
}

// Open reports that the service has accepted the session parameters and is
// ready for audio.
type Open struct{}

// Transcript carries one incremental text fragment for the given speaker.
// Fragments are meant to be concatenated in arrival order.
type Transcript struct {
	Role Role
	Text string
}

// Audio carries one chunk of synthesized speech exactly as received: base64
// PCM16 with its MIME type (e.g. "audio/pcm;rate=24000"). Decoding is left to
// the consumer so a malformed chunk can be dropped without failing the
// connection.
type Audio struct {
	Data     string
	MIMEType string
}

// TurnComplete marks the end of the model's reply for the current turn.
type TurnComplete struct{}

// Interrupted reports that the user started speaking over the model and the
// service abandoned the rest of its reply.
type Interrupted struct{}

// Failed is a terminal event: the connection broke or the service sent
// something that could not be understood.
type Failed struct {
	Err error
}

// Closed is a terminal event: the service ended the connection normally.
type Closed struct {
	Reason string
}

func (Open) isEvent()         {}
func (Transcript) isEvent()   {}
func (Audio) isEvent()        {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (Failed) isEvent()       {}
func (Closed) isEvent()       {}
