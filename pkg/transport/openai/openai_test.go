package openai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

var testConfig = transport.Config{
	Instructions: "Be brief.",
	Voice:        "alloy",
	InputFormat:  audio.Format{SampleRate: 24000, Channels: 1},
	OutputFormat: audio.Format{SampleRate: 24000, Channels: 1},
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// acceptSession consumes session.update and acknowledges it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

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

func connect(t *testing.T, srv *httptest.Server, opts ...openai.Option) transport.Conn {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	c, err := openai.New("sk-test", opts...).Connect(context.Background(), testConfig)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_RejectsNon24kInput(t *testing.T) {
	t.Parallel()
	cfg := testConfig
	cfg.InputFormat = audio.Format{SampleRate: 16000, Channels: 1}
	_, err := openai.New("sk-test").Connect(context.Background(), cfg)
	if !errors.Is(err, openai.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestConnect_SendsAuthHeadersAndModel(t *testing.T) {
	t.Parallel()

	type request struct {
		auth, beta, model string
	}
	got := make(chan request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	connect(t, srv, openai.WithModel("gpt-test"))

	select {
	case req := <-got:
		if req.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", req.auth)
		}
		if req.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", req.beta)
		}
		if req.model != "gpt-test" {
			t.Errorf("model = %q, want gpt-test", req.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection *struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	received := make(chan updateMsg, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	connect(t, srv)

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q", msg.Type)
		}
		s := msg.Session
		if s.Voice != "alloy" || s.Instructions != "Be brief." {
			t.Errorf("voice/instructions = %q/%q", s.Voice, s.Instructions)
		}
		if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
			t.Errorf("formats = %q/%q, want pcm16", s.InputAudioFormat, s.OutputAudioFormat)
		}
		if s.InputAudioTranscription == nil || s.InputAudioTranscription.Model != "whisper-1" {
			t.Errorf("input_audio_transcription = %+v", s.InputAudioTranscription)
		}
		if s.TurnDetection == nil || s.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection = %+v", s.TurnDetection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	received := make(chan appendMsg, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	payload := audio.EncodeWire([]float32{0.5, -0.5})
	if err := c.SendAudio(payload); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		if msg.Audio != payload {
			t.Errorf("audio = %q, want %q", msg.Audio, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestEventMapping(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for _, ev := range []map[string]any{
			{"type": "session.created"},
			{"type": "session.updated"}, // second ack is not a second Open
			{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hi"},
			{"type": "response.audio.delta", "delta": "AAAA"},
			{"type": "response.audio_transcript.delta", "delta": "Hel"},
			{"type": "response.audio_transcript.delta", "delta": "lo"},
			{"type": "error", "error": map[string]any{"message": "ignored"}},
			{"type": "input_audio_buffer.speech_started"},
			{"type": "response.done"},
		} {
			writeJSON(t, conn, ev)
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)

	want := []transport.Event{
		transport.Open{},
		transport.Transcript{Role: transport.RoleUser, Text: "Hi"},
		transport.Audio{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"},
		transport.Transcript{Role: transport.RoleModel, Text: "Hel"},
		transport.Transcript{Role: transport.RoleModel, Text: "lo"},
		transport.Interrupted{},
		transport.TurnComplete{},
	}
	for i, w := range want {
		if got := nextEvent(t, c); got != w {
			t.Fatalf("event %d = %#v, want %#v", i, got, w)
		}
	}
}

func TestTurnComplete_WaitsForInputTranscript(t *testing.T) {
	t.Parallel()

	committed := map[string]any{"type": "input_audio_buffer.committed", "item_id": "item_1"}
	created := map[string]any{"type": "response.created"}
	delta := map[string]any{"type": "response.audio_transcript.delta", "delta": "Sure"}
	done := map[string]any{"type": "response.done"}
	transcribed := map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item_1",
		"transcript": "Hi",
	}
	failed := map[string]any{
		"type":    "conversation.item.input_audio_transcription.failed",
		"item_id": "item_1",
		"error":   map[string]any{"message": "audio too short"},
	}
	user := transport.Transcript{Role: transport.RoleUser, Text: "Hi"}
	model := transport.Transcript{Role: transport.RoleModel, Text: "Sure"}

	tests := []struct {
		name   string
		opts   []openai.Option
		server []map[string]any
		want   []transport.Event
	}{
		{
			name:   "transcript after response.done",
			server: []map[string]any{committed, created, delta, done, transcribed},
			want:   []transport.Event{model, user, transport.TurnComplete{}},
		},
		{
			name:   "transcript before response.done",
			server: []map[string]any{committed, created, transcribed, delta, done},
			want:   []transport.Event{user, model, transport.TurnComplete{}},
		},
		{
			name:   "transcription failed",
			server: []map[string]any{committed, created, delta, done, failed},
			want:   []transport.Event{model, transport.TurnComplete{}},
		},
		{
			name:   "next reply releases the held turn",
			server: []map[string]any{committed, created, done, created, delta},
			want:   []transport.Event{transport.TurnComplete{}, model},
		},
		{
			name:   "transcription disabled",
			opts:   []openai.Option{openai.WithTranscriptionModel("")},
			server: []map[string]any{committed, created, delta, done, transcribed},
			want:   []transport.Event{model, transport.TurnComplete{}, user},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSession(t, conn)
				for _, ev := range tc.server {
					writeJSON(t, conn, ev)
				}
				<-conn.CloseRead(context.Background()).Done()
			})
			c := connect(t, srv, tc.opts...)
			if ev := nextEvent(t, c); ev != (transport.Open{}) {
				t.Fatalf("first event = %#v, want Open", ev)
			}
			for i, w := range tc.want {
				if got := nextEvent(t, c); got != w {
					t.Fatalf("event %d = %#v, want %#v", i, got, w)
				}
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	for range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := c.SendAudio("AAAA"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrClosed", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	const senders, perSender = 4, 10
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range senders * perSender {
			var msg map[string]any
			readJSON(t, conn, &msg)
			mu.Lock()
			count++
			mu.Unlock()
		}
		close(done)
		<-conn.CloseRead(context.Background()).Done()
	})
	c := connect(t, srv)
	nextEvent(t, c)

	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				if err := c.SendAudio("AAAA"); err != nil {
					t.Errorf("SendAudio: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for all audio messages")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != senders*perSender {
		t.Errorf("server received %d messages, want %d", count, senders*perSender)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := openai.New("sk", openai.WithBaseURL(wsURL(srv))).Connect(ctx, testConfig); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	if len(openai.Voices()) == 0 {
		t.Error("Voices should be non-empty")
	}
}
