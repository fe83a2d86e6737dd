package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/techwithanirudh/gork/internal/voice/segment"
	"github.com/techwithanirudh/gork/pkg/provider/stt"
)

const (
	// audioChunkSize is the slice size used when feeding an utterance's
	// container bytes to the STT session.
	audioChunkSize = 4096

	// eventBufDepth is the buffer depth of the transcript event channel.
	eventBufDepth = 32

	// oggOpusEncoding names the container format the segmenter produces.
	oggOpusEncoding = "ogg-opus"
)

// Transcriber runs one streaming STT session per closed utterance and fans
// the resulting transcript events into a single channel for the arbiter.
// Sessions for different utterances run concurrently. A session that fails is
// treated as silence: logged, abandoned, never retried.
type Transcriber struct {
	provider stt.Provider
	language string
	log      *slog.Logger
}

// TranscriberOption is a functional option for configuring a Transcriber.
type TranscriberOption func(*Transcriber)

// WithTranscriberLogger sets the logger for session diagnostics.
func WithTranscriberLogger(log *slog.Logger) TranscriberOption {
	return func(t *Transcriber) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTranscriber creates a Transcriber using provider with the given
// recognition language. An empty language lets the provider auto-detect.
func NewTranscriber(provider stt.Provider, language string, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		provider: provider,
		language: language,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run consumes closed utterances and emits transcript events. The returned
// channel closes after utterances closes and every in-flight session has
// finished. Run returns immediately; transcription happens on background
// goroutines.
func (t *Transcriber) Run(ctx context.Context, utterances <-chan segment.Utterance) <-chan TranscriptEvent {
	out := make(chan TranscriptEvent, eventBufDepth)

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for u := range utterances {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.transcribe(ctx, u, out)
			}()
		}
		wg.Wait()
	}()

	return out
}

// transcribe runs one complete STT session for u. Interim results are
// forwarded as they arrive; final segments are merged into exactly one final
// event. Empty transcripts (pure silence or noise) are suppressed.
func (t *Transcriber) transcribe(ctx context.Context, u segment.Utterance, out chan<- TranscriptEvent) {
	cfg := stt.StreamConfig{
		SampleRate: 48000,
		Channels:   1,
		Language:   t.language,
		Encoding:   oggOpusEncoding,
	}

	sess, err := t.provider.StartStream(ctx, cfg)
	if err != nil {
		t.log.Warn("transcriber: session start failed, utterance abandoned",
			"utterance_id", u.ID, "user_id", u.UserID,
			"error", pipelineErr(TranscriptionError, err))
		return
	}
	defer sess.Close()

	// Feed audio concurrently with reading results so neither side can stall
	// the session. Close flushes the provider's pending results.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- t.sendAudio(sess, u.Audio)
	}()

	partials, finals := sess.Partials(), sess.Finals()
	var finalParts []string
	var confidence float64

	ctxDone := ctx.Done()
	for partials != nil || finals != nil {
		select {
		case <-ctxDone:
			// Abort the session but keep reading until the provider closes
			// both channels.
			sess.Close()
			ctxDone = nil
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if tr.Text == "" {
				continue
			}
			ev := TranscriptEvent{
				UtteranceID:       u.ID,
				UserID:            u.UserID,
				SSRC:              u.SSRC,
				Text:              tr.Text,
				IsFinal:           false,
				Confidence:        tr.Confidence,
				UtteranceClosedAt: u.ClosedAt,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if tr.Text == "" {
				continue
			}
			finalParts = append(finalParts, tr.Text)
			if tr.Confidence > 0 {
				confidence = tr.Confidence
			}
		}
	}

	if err := <-sendErr; err != nil {
		t.log.Warn("transcriber: audio send failed, utterance abandoned",
			"utterance_id", u.ID, "user_id", u.UserID,
			"error", pipelineErr(TranscriptionError, err))
		return
	}

	text := strings.Join(finalParts, " ")
	if text == "" {
		t.log.Debug("transcriber: no speech recognised", "utterance_id", u.ID)
		return
	}

	ev := TranscriptEvent{
		UtteranceID:       u.ID,
		UserID:            u.UserID,
		SSRC:              u.SSRC,
		Text:              text,
		IsFinal:           true,
		Confidence:        confidence,
		UtteranceClosedAt: u.ClosedAt,
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// sendAudio streams data to the session in chunks and signals end-of-audio.
func (t *Transcriber) sendAudio(sess stt.SessionHandle, data []byte) error {
	for off := 0; off < len(data); off += audioChunkSize {
		end := min(off+audioChunkSize, len(data))
		if err := sess.SendAudio(data[off:end]); err != nil {
			return fmt.Errorf("send audio at offset %d: %w", off, err)
		}
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("flush session: %w", err)
	}
	return nil
}
