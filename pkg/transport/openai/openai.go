// Package openai implements [transport.Transport] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz in both
// directions. Turn taking uses the service's server-side voice activity
// detection, so user speech starting mid-reply arrives as an interruption.
// The end of a turn is reported only after the user's transcript for it,
// which the service usually delivers after the reply has finished.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/internal/wsstream"
)

// Compile-time assertions that Transport and conn satisfy the transport interfaces.
var _ transport.Transport = (*Transport)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// SampleRate is the only PCM16 rate the Realtime API accepts and emits.
	SampleRate = 24000
)

// ErrUnsupportedFormat is returned by Connect when the configured input format
// is not 24 kHz mono.
var ErrUnsupportedFormat = errors.New("openai: input must be 24000Hz mono PCM16")

// outputMIME tags inbound audio; the service does not send a MIME type.
var outputMIME = audio.MIMEType(audio.Format{SampleRate: SampleRate, Channels: 1})

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithTranscriptionModel sets the model the service uses to transcribe the
// user's speech.
func WithTranscriptionModel(model string) Option {
	return func(t *Transport) { t.transcriptionModel = model }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements transport.Transport for OpenAI's Realtime API.
type Transport struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Voices lists the voice IDs the service accepts.
func Voices() []string {
	return []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}
}

// Connect dials the Realtime endpoint and sends session.update. The service
// acknowledges with session.updated, surfaced as [transport.Open].
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	if cfg.InputFormat.SampleRate != SampleRate || cfg.InputFormat.Channels != 1 {
		return nil, fmt.Errorf("%w (got %s)", ErrUnsupportedFormat, cfg.InputFormat)
	}

	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, url.QueryEscape(t.model))
	s, err := wsstream.Dial(ctx, "openai", wsURL, http.Header{
		"Authorization": []string{"Bearer " + t.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		return nil, err
	}

	if err := s.WriteJSON(t.sessionUpdate(cfg)); err != nil {
		s.Abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	c := &conn{stream: s, transcribing: t.transcriptionModel != ""}
	s.Start(c.parse)
	slog.Debug("openai: connected", "model", t.model, "voice", cfg.Voice)
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// input_audio_buffer.committed and the input transcription events
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (t *Transport) sessionUpdate(cfg transport.Config) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if t.transcriptionModel != "" {
		params.InputAudioTranscription = &transcription{Model: t.transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	stream       *wsstream.Stream
	transcribing bool

	// opened is set by the first session.updated; later updates are not
	// a second Open.
	opened atomic.Bool

	// Owned by the read goroutine. The user's transcript usually arrives
	// after response.done, so the turn end is held until every item
	// committed before it has been transcribed or has failed.
	pending  map[string]bool
	held     map[string]bool
	holdTurn bool
}

// parse maps one server event to transport events.
func (c *conn) parse(data []byte) ([]transport.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}

	switch evt.Type {
	case "session.updated":
		if c.opened.CompareAndSwap(false, true) {
			return []transport.Event{transport.Open{}}, nil
		}

	case "input_audio_buffer.committed":
		if c.transcribing && evt.ItemID != "" {
			if c.pending == nil {
				c.pending = make(map[string]bool)
			}
			c.pending[evt.ItemID] = true
		}

	case "response.created":
		// A new reply begins; a turn still waiting for its transcript ends
		// now rather than absorbing the next one.
		return c.releaseTurn(), nil

	case "response.audio.delta":
		if evt.Delta != "" {
			return []transport.Event{transport.Audio{Data: evt.Delta, MIMEType: outputMIME}}, nil
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			return []transport.Event{transport.Transcript{Role: transport.RoleModel, Text: evt.Delta}}, nil
		}

	case "conversation.item.input_audio_transcription.completed":
		var evs []transport.Event
		if evt.Transcript != "" {
			evs = append(evs, transport.Transcript{Role: transport.RoleUser, Text: evt.Transcript})
		}
		return append(evs, c.transcribed(evt.ItemID)...), nil

	case "conversation.item.input_audio_transcription.failed":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: input transcription failed", "item_id", evt.ItemID, "message", msg)
		return c.transcribed(evt.ItemID), nil

	case "input_audio_buffer.speech_started":
		return []transport.Event{transport.Interrupted{}}, nil

	case "response.done":
		if len(c.pending) == 0 {
			return []transport.Event{transport.TurnComplete{}}, nil
		}
		c.held = make(map[string]bool, len(c.pending))
		for id := range c.pending {
			c.held[id] = true
		}
		c.holdTurn = true
		slog.Debug("openai: holding turn end for input transcription", "items", len(c.held))

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: service error", "message", msg)
	}
	return nil, nil
}

// transcribed retires itemID and returns the held turn end once nothing it
// waits for is outstanding.
func (c *conn) transcribed(itemID string) []transport.Event {
	delete(c.pending, itemID)
	delete(c.held, itemID)
	if len(c.held) == 0 {
		return c.releaseTurn()
	}
	return nil
}

func (c *conn) releaseTurn() []transport.Event {
	if !c.holdTurn {
		return nil
	}
	c.holdTurn = false
	c.held = nil
	return []transport.Event{transport.TurnComplete{}}
}

// SendAudio appends one base64 PCM16 payload to the service's input buffer.
func (c *conn) SendAudio(payload string) error {
	return c.stream.WriteJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: payload,
	})
}

// Events returns the channel on which inbound events arrive.
func (c *conn) Events() <-chan transport.Event { return c.stream.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error { return c.stream.Close() }
