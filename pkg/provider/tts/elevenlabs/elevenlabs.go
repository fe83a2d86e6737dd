// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"

	// audioChanBuf is the buffer depth of the returned audio stream.
	audioChanBuf = 256
)

// outputFormatRates maps the ElevenLabs pcm_* output formats to their sample rate.
var outputFormatRates = map[string]int{
	"pcm_16000": 16000,
	"pcm_22050": 22050,
	"pcm_24000": 24000,
	"pcm_44100": 44100,
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client

	// endpoint is the WebSocket base URL; overridden in tests.
	endpoint string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OutputSampleRate reports the sample rate in Hz of the PCM this provider emits.
func (p *Provider) OutputSampleRate() int {
	if r, ok := outputFormatRates[p.outputFormat]; ok {
		return r
	}
	return 24000
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a stream emitting raw PCM audio chunks.
//
// The stream's audio channel is closed when synthesis completes, fails, or ctx
// is cancelled; a mid-stream failure is reported via the stream's Err.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	stream := tts.NewStream(audioChanBuf)
	go p.pump(ctx, conn, text, stream)
	return stream, nil
}

// pump writes text fragments to the socket and finishes the stream once the
// reader is done. Any socket failure still consumes the text channel until the
// producer closes it, so the generation side is never left blocked on a dead
// stream.
func (p *Provider) pump(ctx context.Context, conn *websocket.Conn, text <-chan string, stream *tts.Stream) {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr = p.readAudio(ctx, conn, stream)
	}()

	// finish drains the remaining text, waits for the reader, and closes the
	// stream. The write error wins over the read error when both are set.
	finish := func(writeErr error) {
		for range text {
		}
		<-readDone
		if writeErr == nil {
			writeErr = readErr
		}
		stream.Close(writeErr)
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	for {
		select {
		case sentence, ok := <-text:
			if !ok {
				// Producer is done: flush so the server emits the tail audio.
				// A failed flush surfaces through the reader.
				flushBytes, _ := json.Marshal(textMessage{Text: ""})
				_ = conn.Write(ctx, websocket.MessageText, flushBytes)
				finish(nil)
				return
			}
			if sentence == "" {
				continue
			}
			payload := textMessage{Text: sentence, VoiceSettings: vs}
			// Only send voice settings on the first chunk; subsequent chunks can omit them.
			vs = nil
			msgBytes, _ := json.Marshal(payload)
			if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
				if ctx.Err() != nil {
					finish(nil)
					return
				}
				finish(fmt.Errorf("elevenlabs: send text: %w", err))
				return
			}
		case <-readDone:
			// Server finished or failed before the producer did.
			finish(nil)
			return
		case <-ctx.Done():
			finish(nil)
			return
		}
	}
}

// readAudio forwards decoded audio messages to the stream until the server
// finishes the synthesis or the socket dies. A non-nil return means the
// synthesis failed mid-stream.
func (p *Provider) readAudio(ctx context.Context, conn *websocket.Conn, stream *tts.Stream) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio == "" {
			if resp.IsFinal {
				return nil
			}
			if resp.Message != "" {
				return fmt.Errorf("elevenlabs: server: %s", resp.Message)
			}
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			continue
		}
		if !stream.Send(ctx, pcm) {
			return nil
		}
		if resp.IsFinal {
			return nil
		}
	}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	body := json.NewDecoder(resp.Body)
	var vr voicesResponse
	if err := body.Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return p.toProfiles(vr), nil
}

// toProfiles converts the raw API response into VoiceProfile values.
func (p *Provider) toProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:         v.VoiceID,
			Name:       v.Name,
			Provider:   "elevenlabs",
			SampleRate: p.OutputSampleRate(),
			Metadata:   meta,
		})
	}
	return profiles
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// streamURL constructs the WebSocket URL for the given voice.
func (p *Provider) streamURL(voiceID string) string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		p.endpoint, voiceID, p.model, p.outputFormat)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
