// Package coqui provides a TTS provider backed by a self-hosted Coqui server.
// It implements the tts.Provider interface against two server flavours:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis goes through GET /api/tts with
//     query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis goes through
//     POST /tts_to_audio/ with a JSON body; the voice catalogue comes from
//     GET /studio_speakers.
//
// Both servers are batch engines: one HTTP round trip per utterance rather
// than a streaming socket. SynthesizeStream therefore gathers incoming text
// fragments into whole sentences and keeps a small number of synthesis
// requests in flight at once, emitting PCM in sentence order as responses
// land.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	xttsSynthPath    = "/tts_to_audio/"
	xttsSpeakersPath = "/studio_speakers"
	standardTTSPath  = "/api/tts"
	detailsPath      = "/details"

	// maxInflight bounds how many synthesis requests run concurrently. More
	// lookahead hides server latency at the cost of extra load.
	maxInflight = 4

	// streamBuf is the buffer depth of the returned audio stream.
	streamBuf = 256

	// pcmChunkSize bounds the size of each PCM slice sent downstream.
	pcmChunkSize = 4096

	// fallbackSampleRate is assumed when a WAV response carries a data chunk
	// before its fmt chunk. Matches the default Coqui model rate.
	fallbackSampleRate = 22050
)

// APIMode selects which Coqui server flavour the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server. Default.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server flavour. Use APIModeStandard (default) for
// the standard Coqui Docker image or APIModeXTTS for the XTTS v2 server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate makes the provider resample synthesised PCM to the
// given rate. Zero (the default) keeps the model's native rate. A non-zero
// VoiceProfile.SampleRate takes precedence per call.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider implements tts.Provider against a Coqui server. It is safe for
// concurrent use; multiple SynthesizeStream calls may run in parallel.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // provider-level resample target; 0 = native rate
}

// New creates a Provider targeting the Coqui server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// xttsRequest is the JSON body for POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// synthResult carries one sentence's PCM, or the error that produced none.
type synthResult struct {
	pcm []byte
	err error
}

// speakerCatalog is the raw map returned by GET /studio_speakers. Only the
// keys (voice names) matter; embeddings are left undecoded.
type speakerCatalog map[string]json.RawMessage

// modelDetails is the body of GET /details. Speakers is empty for
// single-speaker models.
type modelDetails struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// SynthesizeStream gathers text fragments into sentences, synthesises each
// with one HTTP call, and emits the resulting PCM on the returned stream in
// sentence order. Up to maxInflight requests run concurrently.
//
// The first failed request terminates the stream; the error is reported via
// [tts.Stream.Err]. The text channel keeps being consumed until it closes
// even after a failure, so the producer is never left blocked.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	// The XTTS server needs a speaker reference; the standard server can run
	// single-speaker models without one.
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty in XTTS mode")
	}

	outRate := p.outputRate
	if voice.SampleRate > 0 {
		outRate = voice.SampleRate
	}

	stream := tts.NewStream(streamBuf)

	// failed flips on the first synthesis error. The pipeline keeps moving
	// after that, but no further requests are issued and no audio is emitted.
	var failed atomic.Bool

	sentences := make(chan string, maxInflight)
	// results preserves sentence order: the dispatcher enqueues one future
	// per sentence, the collector resolves them FIFO.
	results := make(chan chan synthResult, maxInflight)

	go p.gatherSentences(text, sentences)
	go p.dispatch(ctx, sentences, results, voice, outRate, &failed)
	go p.collect(ctx, results, stream, &failed)

	return stream, nil
}

// gatherSentences buffers text fragments and forwards whole sentences. It
// runs until text closes; a trailing partial sentence is flushed at the end.
// It deliberately ignores ctx so the producer can always finish writing.
func (p *Provider) gatherSentences(text <-chan string, sentences chan<- string) {
	defer close(sentences)
	var buf strings.Builder
	for fragment := range text {
		buf.WriteString(fragment)
		for {
			s := buf.String()
			idx := sentenceEnd(s)
			if idx < 0 {
				break
			}
			sentence := strings.TrimSpace(s[:idx+1])
			buf.Reset()
			buf.WriteString(s[idx+1:])
			if sentence != "" {
				sentences <- sentence
			}
		}
	}
	if remaining := strings.TrimSpace(buf.String()); remaining != "" {
		sentences <- remaining
	}
}

// dispatch launches one synthesis request per sentence, bounded by the
// buffer of results. Once failed is set it resolves futures immediately
// without touching the server, so the sentence channel keeps draining.
func (p *Provider) dispatch(ctx context.Context, sentences <-chan string, results chan<- chan synthResult, voice tts.VoiceProfile, outRate int, failed *atomic.Bool) {
	defer close(results)
	for sentence := range sentences {
		ch := make(chan synthResult, 1)
		if failed.Load() || ctx.Err() != nil {
			ch <- synthResult{}
		} else {
			go func(s string) {
				pcm, err := p.synthesize(ctx, s, voice, outRate)
				ch <- synthResult{pcm: pcm, err: err}
			}(sentence)
		}
		results <- ch
	}
}

// collect resolves futures in order and chunks PCM onto the stream. It drains
// the full queue even after a failure so dispatch never blocks, then closes
// the stream with the first error seen.
func (p *Provider) collect(ctx context.Context, results <-chan chan synthResult, stream *tts.Stream, failed *atomic.Bool) {
	var firstErr error
	for ch := range results {
		res := <-ch
		if firstErr != nil || failed.Load() {
			continue
		}
		if res.err != nil {
			if ctx.Err() == nil {
				firstErr = res.err
			}
			failed.Store(true)
			continue
		}
		pcm := res.pcm
		for len(pcm) > 0 {
			end := min(pcmChunkSize, len(pcm))
			if !stream.Send(ctx, pcm[:end]) {
				failed.Store(true)
				break
			}
			pcm = pcm[end:]
		}
	}
	stream.Close(firstErr)
}

// synthesize issues one request in the configured API mode and returns raw
// PCM with the WAV header stripped, resampled to outRate when requested.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile, outRate int) ([]byte, error) {
	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeStandard {
		wav, err = p.requestStandard(ctx, sentence, voice)
	} else {
		wav, err = p.requestXTTS(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}

	format, err := decodeWAVHeader(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[format.dataOffset:]
	if outRate > 0 && format.sampleRate != outRate && format.channels == 1 {
		pcm = resampleLinear16(pcm, format.sampleRate, outRate)
	}
	return pcm, nil
}

// requestXTTS performs one POST /tts_to_audio/ call and returns the WAV body.
func (p *Provider) requestXTTS(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	body := xttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   p.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsSynthPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	return p.doAudioRequest(req, xttsSynthPath)
}

// requestStandard performs one GET /api/tts call and returns the WAV body.
func (p *Provider) requestStandard(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + standardTTSPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create synthesis request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	return p.doAudioRequest(req, standardTTSPath)
}

func (p *Provider) doAudioRequest(req *http.Request, path string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// ListVoices retrieves the available voices from the server.
//
// In APIModeXTTS each studio speaker becomes a VoiceProfile. In
// APIModeStandard the /details endpoint yields one profile per speaker for
// multi-speaker models, or a single profile named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+xttsSpeakersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", xttsSpeakersPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", xttsSpeakersPath, resp.StatusCode)
	}

	var catalog speakerCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("coqui: decode speaker catalogue: %w", err)
	}

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{
				"type": "studio",
			},
		})
	}
	return profiles, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsPath, resp.StatusCode)
	}

	var details modelDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)

		profiles := make([]tts.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, tts.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{
					"type":       "speaker",
					"model_name": details.ModelName,
				},
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.VoiceProfile{
		{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{
				"type":       "single-speaker",
				"model_name": name,
			},
		},
	}, nil
}

// resampleLinear16 resamples little-endian 16-bit mono PCM from srcRate to
// dstRate with linear interpolation. Equal rates return the input unchanged.
func resampleLinear16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// sentenceEnd returns the index of the first '.', '!' or '?' that ends the
// string or is followed by whitespace, or -1. The whitespace requirement
// keeps abbreviations like "Dr." and decimals like "3.14" intact.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavFormat holds the metadata read from a RIFF/WAVE header.
type wavFormat struct {
	dataOffset int
	sampleRate int
	channels   int
}

// decodeWAVHeader walks the RIFF chunks of wav and returns the location of
// the PCM data plus the format from the "fmt " chunk. Walking chunks handles
// servers that emit extra chunks before the data instead of the canonical
// 44-byte header.
func decodeWAVHeader(wav []byte) (wavFormat, error) {
	if len(wav) < 12 {
		return wavFormat{}, errors.New("coqui: WAV response too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavFormat{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavFormat{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var format wavFormat
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				format.channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				format.sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			format.dataOffset = offset + 8
			if !foundFmt {
				format.sampleRate = fallbackSampleRate
				format.channels = 1
			}
			return format, nil
		}

		// Chunks are word-aligned; odd sizes carry one pad byte.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavFormat{}, errors.New("coqui: WAV response missing data chunk")
}
