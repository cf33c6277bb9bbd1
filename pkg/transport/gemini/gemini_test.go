package gemini_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

var testConfig = transport.Config{
	Instructions: "You are a test assistant.",
	Voice:        "Puck",
	InputFormat:  audio.Format{SampleRate: 16000, Channels: 1},
	OutputFormat: audio.Format{SampleRate: 24000, Channels: 1},
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Read(ctx, conn, v); err != nil {
		t.Errorf("readJSON: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// writeRaw sends data verbatim as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v", err)
	}
}

// sendSetupComplete reads the client's setup message and sends the
// server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// nextEvent waits for one event from c.
func nextEvent(t *testing.T, c transport.Conn) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func connect(t *testing.T, srv *httptest.Server, opts ...gemini.Option) transport.Conn {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	c, err := gemini.New("test-api-key", opts...).Connect(context.Background(), testConfig)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, gemini.WithModel("custom-model"))

	select {
	case key := <-keys:
		if key != "test-api-key" {
			t.Errorf("key = %q, want test-api-key", key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}

	select {
	case msg := <-received:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q, want models/custom-model", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "audio" {
			t.Errorf("responseModalities = %v, want [audio]", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
			t.Errorf("voice = %q, want Puck", v)
		}
		if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) != 1 ||
			s.SystemInstruction.Parts[0].Text != testConfig.Instructions {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("audio transcription must be enabled in both directions")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := gemini.New("key", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), testConfig)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.HasPrefix(err.Error(), "gemini: dial:") {
		t.Errorf("err = %v, want gemini: dial prefix", err)
	}
}

func TestSetupComplete_EmitsOpen(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)

	if _, ok := nextEvent(t, c).(transport.Open); !ok {
		t.Fatal("first event is not Open")
	}
}

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	received := make(chan audioMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		for range 2 {
			var msg audioMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	payloads := []string{
		audio.EncodeWire([]float32{0.1, 0.2}),
		audio.EncodeWire([]float32{-0.1}),
	}
	for _, p := range payloads {
		if err := c.SendAudio(p); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	for i, want := range payloads {
		select {
		case msg := <-received:
			chunks := msg.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("message %d: %d chunks, want 1", i, len(chunks))
			}
			if chunks[0].MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("mimeType = %q", chunks[0].MIMEType)
			}
			if chunks[0].Data != want {
				t.Errorf("message %d out of order: got %q, want %q", i, chunks[0].Data, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for audio")
		}
	}
}

func TestServerContent_EventMapping(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "2+2?"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						{"text": "thinking"},
					},
				},
				"outputTranscription": map[string]any{"text": "Four"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)

	want := []transport.Event{
		transport.Open{},
		transport.Transcript{Role: transport.RoleUser, Text: "2+2?"},
		transport.Audio{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"},
		transport.Transcript{Role: transport.RoleModel, Text: "Four"},
		transport.Interrupted{},
		transport.TurnComplete{},
	}
	for i, w := range want {
		if got := nextEvent(t, c); got != w {
			t.Fatalf("event %d = %#v, want %#v", i, got, w)
		}
	}
}

func TestServiceError_NotFatal(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "slow down"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	if _, ok := nextEvent(t, c).(transport.TurnComplete); !ok {
		t.Fatal("service error ended the stream")
	}
}

func TestMalformedMessage_Fails(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeRaw(t, conn, "{not json")
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	failed, ok := nextEvent(t, c).(transport.Failed)
	if !ok {
		t.Fatal("malformed message did not produce Failed")
	}
	if !errors.Is(failed.Err, transport.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", failed.Err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("event delivered after terminal Failed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after Failed")
	}

	if err := c.SendAudio("AAAA"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SendAudio after failure: err = %v, want ErrClosed", err)
	}
}

func TestServerClose_EmitsClosed(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "session over")
	})
	c := connect(t, srv)
	nextEvent(t, c)

	closed, ok := nextEvent(t, c).(transport.Closed)
	if !ok {
		t.Fatal("normal closure did not produce Closed")
	}
	if closed.Reason != "session over" {
		t.Errorf("Reason = %q, want %q", closed.Reason, "session over")
	}
}

func TestServerAbort_EmitsFailed(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})
	c := connect(t, srv)
	nextEvent(t, c)

	if _, ok := nextEvent(t, c).(transport.Failed); !ok {
		t.Fatal("abnormal closure did not produce Failed")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	for range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if err := c.SendAudio("AAAA"); !errors.Is(err, transport.ErrClosed) {
					t.Errorf("SendAudio after Close: err = %v, want ErrClosed", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after Close")
		}
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	if len(gemini.Voices()) == 0 {
		t.Error("Voices should be non-empty")
	}
}
