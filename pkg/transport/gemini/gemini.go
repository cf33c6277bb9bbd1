// Package gemini implements [transport.Transport] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; input
// and output transcription are enabled so the service reports what the user
// said and what the model is saying alongside the audio.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/internal/wsstream"
)

// Compile-time assertions that Transport and conn satisfy the transport interfaces.
var _ transport.Transport = (*Transport)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements transport.Transport for Google's Gemini Live API.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Voices lists the prebuilt voice names the service accepts.
func Voices() []string {
	return []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// service answers with setupComplete, surfaced as [transport.Open].
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", t.baseURL, endpointPath, url.QueryEscape(t.apiKey))

	s, err := wsstream.Dial(ctx, "gemini", wsURL, http.Header{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return nil, err
	}

	c := &conn{
		stream:    s,
		inputMIME: audio.MIMEType(cfg.InputFormat),
	}
	if err := s.WriteJSON(buildSetup(t.model, cfg)); err != nil {
		s.Abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	s.Start(parse)
	slog.Debug("gemini: connected", "model", t.model, "voice", cfg.Voice)
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup renders the initial BidiGenerateContent setup message.
func buildSetup(model string, cfg transport.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// parse maps one server message to transport events. Within a message the
// order is: open, audio, transcripts, interruption, turn completion.
func parse(data []byte) ([]transport.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	var evs []transport.Event
	if msg.SetupComplete != nil {
		evs = append(evs, transport.Open{})
	}
	if msg.Error != nil {
		// Service-side errors are reported but do not end the session; a
		// fatal condition is followed by the server closing the socket.
		slog.Warn("gemini: service error",
			"code", msg.Error.Code,
			"status", msg.Error.Status,
			"message", msg.Error.Message,
		)
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server will disconnect soon", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return evs, nil
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			// Text parts duplicate the output transcription and are skipped.
			if p.InlineData != nil && p.InlineData.Data != "" {
				evs = append(evs, transport.Audio{
					Data:     p.InlineData.Data,
					MIMEType: p.InlineData.MIMEType,
				})
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		evs = append(evs, transport.Transcript{Role: transport.RoleUser, Text: sc.InputTranscription.Text})
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		evs = append(evs, transport.Transcript{Role: transport.RoleModel, Text: sc.OutputTranscription.Text})
	}

	if sc.Interrupted {
		evs = append(evs, transport.Interrupted{})
	}
	if sc.TurnComplete {
		evs = append(evs, transport.TurnComplete{})
	}
	return evs, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	stream    *wsstream.Stream
	inputMIME string
}

// SendAudio delivers one base64 PCM16 payload to the model.
func (c *conn) SendAudio(payload string) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: c.inputMIME, Data: payload},
			},
		},
	}
	return c.stream.WriteJSON(msg)
}

// Events returns the channel on which inbound events arrive.
func (c *conn) Events() <-chan transport.Event { return c.stream.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error { return c.stream.Close() }
