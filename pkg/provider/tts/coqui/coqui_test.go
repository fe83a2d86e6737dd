package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// makeWAV builds a minimal RIFF/WAVE file around pcm, which must be
// little-endian 16-bit samples.
func makeWAV(sampleRate, channels int, pcm []byte) []byte {
	var buf []byte
	u32 := func(v int) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b
	}
	u16 := func(v int) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b
	}

	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(36+len(pcm))...)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(channels)...)
	buf = append(buf, u32(sampleRate)...)
	buf = append(buf, u32(sampleRate*channels*2)...)
	buf = append(buf, u16(channels*2)...)
	buf = append(buf, u16(16)...)

	buf = append(buf, "data"...)
	buf = append(buf, u32(len(pcm))...)
	buf = append(buf, pcm...)
	return buf
}

// feedText returns a closed channel preloaded with fragments.
func feedText(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

// collectStream drains the stream's audio into one slice or fails the test
// if the stream does not terminate.
func collectStream(t *testing.T, stream *tts.Stream) []byte {
	t.Helper()
	var all []byte
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream.Audio():
			if !ok {
				return all
			}
			all = append(all, chunk...)
		case <-deadline:
			t.Fatal("timed out waiting for audio stream to end")
		}
	}
}

// ---- constructor ----

func TestNew_EmptyServerURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty serverURL")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("http://localhost:5002/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash trimmed", p.serverURL)
	}
	if p.language != defaultLanguage {
		t.Errorf("language = %q, want %q", p.language, defaultLanguage)
	}
	if p.apiMode != APIModeStandard {
		t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("http://localhost:8002",
		WithLanguage("de"),
		WithAPIMode(APIModeXTTS),
		WithTimeout(5*time.Second),
		WithOutputSampleRate(48000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.language != "de" {
		t.Errorf("language = %q, want de", p.language)
	}
	if p.apiMode != APIModeXTTS {
		t.Errorf("apiMode = %q, want xtts", p.apiMode)
	}
	if p.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", p.httpClient.Timeout)
	}
	if p.outputRate != 48000 {
		t.Errorf("outputRate = %d, want 48000", p.outputRate)
	}
}

// ---- synthesis ----

func TestSynthesizeStream_XTTSRequiresVoiceID(t *testing.T) {
	p, err := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.SynthesizeStream(context.Background(), feedText(), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice.ID in XTTS mode")
	}
}

func TestSynthesizeStream_Standard(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	var mu sync.Mutex
	var texts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != standardTTSPath {
			t.Errorf("path = %q, want %q", r.URL.Path, standardTTSPath)
		}
		mu.Lock()
		texts = append(texts, r.URL.Query().Get("text"))
		mu.Unlock()
		if got := r.URL.Query().Get("speaker_id"); got != "p225" {
			t.Errorf("speaker_id = %q, want p225", got)
		}
		w.Write(makeWAV(22050, 1, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := p.SynthesizeStream(context.Background(), feedText("Hello there. General greeting!"), tts.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	audio := collectStream(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if len(audio) != 2*len(pcm) {
		t.Errorf("audio length = %d, want %d (two sentences)", len(audio), 2*len(pcm))
	}

	// Requests run concurrently, so compare contents without assuming order.
	mu.Lock()
	defer mu.Unlock()
	sort.Strings(texts)
	if len(texts) != 2 || texts[0] != "General greeting!" || texts[1] != "Hello there." {
		t.Errorf("synthesised texts = %q, want [General greeting! / Hello there.]", texts)
	}
}

func TestSynthesizeStream_XTTS(t *testing.T) {
	pcm := []byte{9, 0, 8, 0}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsSynthPath {
			t.Errorf("path = %q, want %q", r.URL.Path, xttsSynthPath)
		}
		var req xttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SpeakerWav != "claribel" {
			t.Errorf("speaker_wav = %q, want claribel", req.SpeakerWav)
		}
		if req.Language != "fr" {
			t.Errorf("language = %q, want fr", req.Language)
		}
		w.Write(makeWAV(24000, 1, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("fr"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := p.SynthesizeStream(context.Background(), feedText("Bonjour."), tts.VoiceProfile{ID: "claribel"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	audio := collectStream(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if len(audio) != len(pcm) {
		t.Errorf("audio length = %d, want %d", len(audio), len(pcm))
	}
}

func TestSynthesizeStream_AccumulatesFragmentsIntoSentences(t *testing.T) {
	var mu sync.Mutex
	var texts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		texts = append(texts, r.URL.Query().Get("text"))
		mu.Unlock()
		w.Write(makeWAV(22050, 1, []byte{1, 0}))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fragments split mid-number; "3.14" must not end a sentence, and the
	// trailing partial must flush when the text channel closes.
	stream, err := p.SynthesizeStream(context.Background(),
		feedText("She measured 3.", "14 exactly. And", " then left"),
		tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	collectStream(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(texts)
	want := []string{"And then left", "She measured 3.14 exactly."}
	if len(texts) != len(want) {
		t.Fatalf("got %d requests %q, want %d", len(texts), texts, len(want))
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestSynthesizeStream_ServerErrorEndsStreamAndDrainsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Far more sentences than any internal buffering, so a seized pipeline
	// would leave the producer blocked.
	text := make(chan string)
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for range 200 {
			text <- "Another sentence here. "
		}
		close(text)
	}()

	stream, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	audio := collectStream(t, stream)
	if stream.Err() == nil {
		t.Error("expected a stream error after server failure")
	}
	if len(audio) != 0 {
		t.Errorf("got %d bytes of audio from a failing server, want none", len(audio))
	}

	select {
	case <-fed:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked: text channel not drained after failure")
	}
}

func TestSynthesizeStream_ResamplesToVoiceRate(t *testing.T) {
	pcm := make([]byte, 200) // 100 samples of mono 22050 Hz silence

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(makeWAV(22050, 1, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := p.SynthesizeStream(context.Background(), feedText("Quiet."), tts.VoiceProfile{SampleRate: 44100})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	audio := collectStream(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}

	// 22050 -> 44100 doubles the sample count.
	if len(audio) != 2*len(pcm) {
		t.Errorf("resampled length = %d, want %d", len(audio), 2*len(pcm))
	}
}

// ---- voice listing ----

func TestListVoices_XTTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsSpeakersPath {
			t.Errorf("path = %q, want %q", r.URL.Path, xttsSpeakersPath)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Claribel Dervla":{"speaker_embedding":[]},"Ana Florence":{"speaker_embedding":[]}}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	// Sorted by name for deterministic output.
	if voices[0].ID != "Ana Florence" || voices[1].ID != "Claribel Dervla" {
		t.Errorf("voices = [%q, %q], want sorted [Ana Florence, Claribel Dervla]", voices[0].ID, voices[1].ID)
	}
	if voices[0].Provider != "coqui" {
		t.Errorf("Provider = %q, want coqui", voices[0].Provider)
	}
}

func TestListVoices_StandardMultiSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != detailsPath {
			t.Errorf("path = %q, want %q", r.URL.Path, detailsPath)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model_name":"vctk/vits","language":"en","speakers":["p226","p225"]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "p225" || voices[1].ID != "p226" {
		t.Errorf("voices = [%q, %q], want sorted [p225, p226]", voices[0].ID, voices[1].ID)
	}
	if voices[0].Metadata["model_name"] != "vctk/vits" {
		t.Errorf("model_name metadata = %q, want vctk/vits", voices[0].Metadata["model_name"])
	}
}

func TestListVoices_StandardSingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model_name":"ljspeech/tacotron2","language":"en"}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices, want 1", len(voices))
	}
	if voices[0].ID != "ljspeech/tacotron2" {
		t.Errorf("voice ID = %q, want model name", voices[0].ID)
	}
}

// ---- helpers ----

func TestSentenceEnd(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"no boundary here", -1},
		{"Done.", 4},
		{"One. Two.", 3},
		{"What?! Next", 5},
		{"pi is 3.14", -1}, // decimal point is not a boundary
	}
	for _, tc := range cases {
		if got := sentenceEnd(tc.in); got != tc.want {
			t.Errorf("sentenceEnd(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestResampleLinear16(t *testing.T) {
	// Two samples at 1000 Hz up to 2000 Hz yields four samples with the
	// midpoint interpolated.
	in := []byte{0, 0, 100, 0} // samples 0 and 100
	out := resampleLinear16(in, 1000, 2000)
	if len(out) != 8 {
		t.Fatalf("output length = %d, want 8", len(out))
	}
	s1 := int16(out[2]) | int16(out[3])<<8
	if s1 != 50 {
		t.Errorf("interpolated sample = %d, want 50", s1)
	}

	// Equal rates pass through untouched.
	same := resampleLinear16(in, 1000, 1000)
	if &same[0] != &in[0] {
		t.Error("equal rates should return the input slice")
	}
}

func TestDecodeWAVHeader(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	format, err := decodeWAVHeader(makeWAV(44100, 2, pcm))
	if err != nil {
		t.Fatalf("decodeWAVHeader: %v", err)
	}
	if format.sampleRate != 44100 {
		t.Errorf("sampleRate = %d, want 44100", format.sampleRate)
	}
	if format.channels != 2 {
		t.Errorf("channels = %d, want 2", format.channels)
	}
	if format.dataOffset != 44 {
		t.Errorf("dataOffset = %d, want 44", format.dataOffset)
	}
}

func TestDecodeWAVHeader_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"too short":    {1, 2, 3},
		"not RIFF":     []byte("NOPExxxxWAVE"),
		"missing data": []byte("RIFF\x00\x00\x00\x00WAVE"),
	}
	for name, wav := range cases {
		if _, err := decodeWAVHeader(wav); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
