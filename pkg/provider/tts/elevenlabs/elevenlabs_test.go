package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// ---- WebSocket message construction ----

func TestBuildWSMessage_WithVoiceSettings(t *testing.T) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	data, err := buildWSMessage("Hello there", vs)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Hello there" {
		t.Errorf("expected text 'Hello there', got %q", msg.Text)
	}
	if msg.VoiceSettings == nil {
		t.Fatal("expected non-nil voice settings")
	}
	if msg.VoiceSettings.Stability != 0.5 {
		t.Errorf("expected stability 0.5, got %f", msg.VoiceSettings.Stability)
	}
	if msg.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("expected similarity_boost 0.75, got %f", msg.VoiceSettings.SimilarityBoost)
	}
}

func TestBuildWSMessage_WithoutVoiceSettings(t *testing.T) {
	data, err := buildWSMessage("Flush", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Flush" {
		t.Errorf("expected text 'Flush', got %q", msg.Text)
	}
	if msg.VoiceSettings != nil {
		t.Error("expected nil voice_settings when omitempty")
	}
}

func TestBuildWSMessage_FlushCommand(t *testing.T) {
	// ElevenLabs flush = {"text":""} with no other fields.
	data, err := buildWSMessage("", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal flush: %v", err)
	}
	textVal, ok := raw["text"]
	if !ok {
		t.Fatal("expected 'text' field in flush message")
	}
	if string(textVal) != `""` {
		t.Errorf("expected empty string for text, got %s", textVal)
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("flush message should not contain voice_settings")
	}
}

// ---- URL construction ----

func TestStreamURL(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := p.streamURL("voice-abc123")
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, "eleven_flash_v2_5") {
		t.Errorf("URL should contain model ID, got: %s", url)
	}
	if !strings.Contains(url, "output_format=pcm_24000") {
		t.Errorf("URL should contain output format, got: %s", url)
	}
	if !strings.HasPrefix(url, "wss://") {
		t.Errorf("URL should be a WebSocket URL, got: %s", url)
	}
}

// ---- Voice list response parsing ----

func TestToProfiles_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	var vr voicesResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	profiles := p.toProfiles(vr)
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.SampleRate != 24000 {
		t.Errorf("expected SampleRate 24000, got %d", rachel.SampleRate)
	}
	if rachel.Metadata["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Metadata["gender"])
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestToProfiles_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	var vr voicesResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	p, _ := New("key")
	profiles := p.toProfiles(vr)
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_44100"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_44100" {
		t.Errorf("expected outputFormat 'pcm_44100', got %q", p.outputFormat)
	}
	if p.OutputSampleRate() != 44100 {
		t.Errorf("expected OutputSampleRate 44100, got %d", p.OutputSampleRate())
	}
}

func TestOutputSampleRate_UnknownFormat(t *testing.T) {
	p, _ := New("key", WithOutputFormat("mp3_44100_128"))
	if p.OutputSampleRate() != 24000 {
		t.Errorf("expected fallback rate 24000, got %d", p.OutputSampleRate())
	}
}

// ---- streaming against a local WebSocket server ----

// newStreamServer starts a WebSocket server whose handler plays the ElevenLabs
// side of one synthesis session, and returns a Provider pointed at it.
func newStreamServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	return p
}

// readTextMessage reads one client message from the socket. The BOI handshake
// unmarshals into the same shape.
func readTextMessage(ctx context.Context, c *websocket.Conn) (textMessage, bool) {
	_, data, err := c.Read(ctx)
	if err != nil {
		return textMessage{}, false
	}
	var m textMessage
	_ = json.Unmarshal(data, &m)
	return m, true
}

func TestSynthesizeStream_EchoesAudioUntilFinal(t *testing.T) {
	t.Parallel()

	p := newStreamServer(t, func(ctx context.Context, c *websocket.Conn) {
		if _, ok := readTextMessage(ctx, c); !ok { // BOI
			return
		}
		for {
			m, ok := readTextMessage(ctx, c)
			if !ok {
				return
			}
			if m.Text == "" { // flush
				resp, _ := json.Marshal(audioResponse{IsFinal: true})
				_ = c.Write(ctx, websocket.MessageText, resp)
				return
			}
			resp, _ := json.Marshal(audioResponse{
				Audio: base64.StdEncoding.EncodeToString([]byte(m.Text)),
			})
			_ = c.Write(ctx, websocket.MessageText, resp)
		}
	})

	text := make(chan string, 2)
	text <- "Hello."
	text <- "World."
	close(text)

	stream, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream.Audio():
			if !ok {
				if len(got) != 2 || got[0] != "Hello." || got[1] != "World." {
					t.Fatalf("audio chunks = %q, want [Hello. World.]", got)
				}
				if stream.Err() != nil {
					t.Fatalf("stream.Err() = %v, want nil", stream.Err())
				}
				return
			}
			got = append(got, string(chunk))
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestSynthesizeStream_ServerFailureEndsStreamWithError(t *testing.T) {
	t.Parallel()

	p := newStreamServer(t, func(ctx context.Context, c *websocket.Conn) {
		if _, ok := readTextMessage(ctx, c); !ok { // BOI
			return
		}
		if _, ok := readTextMessage(ctx, c); !ok { // first sentence
			return
		}
		resp, _ := json.Marshal(audioResponse{Message: "voice quota exceeded"})
		_ = c.Write(ctx, websocket.MessageText, resp)
		// Keep consuming so the client's writes never block.
		for {
			if _, ok := readTextMessage(ctx, c); !ok {
				return
			}
		}
	})

	text := make(chan string)
	stream, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	// A reply far longer than any channel buffer: every send must complete
	// even though the backend died after the first sentence.
	go func() {
		defer close(text)
		for range 400 {
			text <- "Another sentence."
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range stream.Audio() {
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream wedged after server failure")
	}

	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "voice quota exceeded") {
		t.Fatalf("stream.Err() = %v, want server failure", err)
	}
}
