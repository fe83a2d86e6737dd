package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/techwithanirudh/gork/pkg/audio"
	"github.com/techwithanirudh/gork/pkg/provider/llm"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// defaultSystemPrompt constrains the model to output suitable for speech
// synthesis. Markdown, emoji and list formatting sound wrong when read aloud.
const defaultSystemPrompt = "You are a voice assistant in a live voice call. " +
	"Reply in plain spoken-style language only: no markdown, no emoji, no bullet points, no headings. " +
	"Keep replies short and conversational, as if speaking aloud."

// textBufDepth is the buffer depth of the text channel between the LLM and
// TTS stages, sized to absorb several sentences without blocking generation.
const textBufDepth = 16

// JobState tracks a reply job through its pipeline stages.
type JobState int32

const (
	// JobGenerating means the LLM is producing reply text.
	JobGenerating JobState = iota

	// JobSynthesizing means TTS is converting text to audio.
	JobSynthesizing

	// JobPlaying means reply audio is flowing to the voice channel.
	JobPlaying

	// JobDone means the reply played to completion.
	JobDone

	// JobCancelled means the job was preempted before completing.
	JobCancelled

	// JobFailed means a pipeline stage errored; nothing was retried.
	JobFailed
)

// String returns the name of the job state.
func (s JobState) String() string {
	switch s {
	case JobGenerating:
		return "GENERATING"
	case JobSynthesizing:
		return "SYNTHESIZING"
	case JobPlaying:
		return "PLAYING"
	case JobDone:
		return "DONE"
	case JobCancelled:
		return "CANCELLED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is one the job can never leave.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobCancelled || s == JobFailed
}

// Synthesizer turns an accepted turn into spoken audio: one LLM call, one TTS
// stream, one playback, as a single cancellable job. Nothing is retried; a
// failed stage terminates the job and the caller returns to listening.
type Synthesizer struct {
	llm      llm.Provider
	tts      tts.Provider
	voice    tts.VoiceProfile
	playback *audio.Playback

	// sampleRate labels the PCM frames produced by the TTS provider so the
	// transport can convert them for the voice channel.
	sampleRate int

	systemPrompt string
	log          *slog.Logger

	// onFirstAudio, when set, receives the delay between turn acceptance and
	// the first audio frame handed to playback.
	onFirstAudio func(time.Duration)
}

// SynthOption is a functional option for configuring a Synthesizer.
type SynthOption func(*Synthesizer)

// WithSystemPrompt replaces the spoken-style system directive.
func WithSystemPrompt(p string) SynthOption {
	return func(s *Synthesizer) {
		if p != "" {
			s.systemPrompt = p
		}
	}
}

// WithReplyLatencyHook registers fn to receive the time from turn acceptance
// to the first audio frame of each reply.
func WithReplyLatencyHook(fn func(time.Duration)) SynthOption {
	return func(s *Synthesizer) {
		s.onFirstAudio = fn
	}
}

// WithSynthLogger sets the logger for job diagnostics.
func WithSynthLogger(log *slog.Logger) SynthOption {
	return func(s *Synthesizer) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSynthesizer creates a Synthesizer. sampleRate is the PCM sample rate the
// TTS provider emits (mono assumed).
func NewSynthesizer(llmP llm.Provider, ttsP tts.Provider, voice tts.VoiceProfile, playback *audio.Playback, sampleRate int, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		llm:          llmP,
		tts:          ttsP,
		voice:        voice,
		playback:     playback,
		sampleRate:   sampleRate,
		systemPrompt: defaultSystemPrompt,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the reply pipeline for turn and returns immediately. The
// returned job runs until it reaches a terminal state; Cancel preempts it at
// the next stage boundary and waits for it to wind down.
func (s *Synthesizer) Start(ctx context.Context, turn Turn) *ReplyJob {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &ReplyJob{
		turn:   turn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(jobCtx, j)
	return j
}

// run drives the job through generate, synthesize, play.
func (s *Synthesizer) run(ctx context.Context, j *ReplyJob) {
	defer close(j.done)
	started := time.Now()

	// Stage 1: reply text generation.
	req := llm.CompletionRequest{
		SystemPrompt: s.systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: j.turn.Text},
		},
	}
	chunks, err := s.llm.StreamCompletion(ctx, req)
	if err != nil {
		s.fail(j, pipelineErr(GenerationError, fmt.Errorf("start completion: %w", err)))
		return
	}

	if ctx.Err() != nil {
		go drainChunks(chunks)
		j.setState(JobCancelled)
		return
	}

	// Stage 2: streaming synthesis. Sentences are forwarded to TTS as they
	// complete so audio starts before generation finishes.
	j.setState(JobSynthesizing)
	textCh := make(chan string, textBufDepth)
	stream, err := s.tts.SynthesizeStream(ctx, textCh, s.voice)
	if err != nil {
		close(textCh)
		go drainChunks(chunks)
		s.fail(j, pipelineErr(SynthesisError, fmt.Errorf("start synthesis: %w", err)))
		return
	}

	genErr := make(chan error, 1)
	go func() {
		defer close(textCh)
		genErr <- forwardSentences(ctx, chunks, textCh)
	}()

	// Stage 3: playback. The audio byte stream is wrapped into labelled PCM
	// frames for the transport.
	frames := make(chan audio.AudioFrame, textBufDepth)
	go func() {
		defer close(frames)
		first := true
		for chunk := range stream.Audio() {
			if len(chunk) == 0 {
				continue
			}
			select {
			case frames <- audio.AudioFrame{Data: chunk, SampleRate: s.sampleRate, Channels: 1}:
				if first {
					first = false
					if s.onFirstAudio != nil {
						s.onFirstAudio(time.Since(j.turn.AcceptedAt))
					}
				}
			case <-ctx.Done():
				audio.Drain(stream.Audio())
				return
			}
		}
	}()

	if ctx.Err() != nil {
		audio.Drain(frames)
		j.setState(JobCancelled)
		return
	}

	j.setState(JobPlaying)
	playDone, err := s.playback.Play(ctx, frames)
	if err != nil {
		go audio.Drain(frames)
		<-genErr
		s.fail(j, pipelineErr(PlaybackError, fmt.Errorf("start playback: %w", err)))
		return
	}
	<-playDone

	if gErr := <-genErr; gErr != nil {
		s.fail(j, pipelineErr(GenerationError, gErr))
		return
	}

	if ctx.Err() != nil {
		j.setState(JobCancelled)
		s.log.Debug("reply cancelled", "user_id", j.turn.UserID, "utterance_id", j.turn.UtteranceID)
		return
	}

	// The audio channel closing early is how providers report a backend that
	// died mid-synthesis; a reply must never silently complete without it.
	if sErr := stream.Err(); sErr != nil {
		s.fail(j, pipelineErr(SynthesisError, sErr))
		return
	}

	j.setState(JobDone)
	s.log.Info("reply played",
		"user_id", j.turn.UserID,
		"utterance_id", j.turn.UtteranceID,
		"elapsed", time.Since(started))
}

// fail records err, marks the job failed and logs with turn context.
func (s *Synthesizer) fail(j *ReplyJob, err error) {
	j.setErr(err)
	j.setState(JobFailed)
	s.log.Error("reply failed",
		"user_id", j.turn.UserID,
		"utterance_id", j.turn.UtteranceID,
		"error", err)
}

// ReplyJob is one in-flight generate → synthesize → play pipeline.
// It is created by [Synthesizer.Start] and owned by the arbiter.
type ReplyJob struct {
	turn   Turn
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	errMu sync.Mutex
	err   error
}

// Turn returns the turn the job is replying to.
func (j *ReplyJob) Turn() Turn {
	return j.turn
}

// State returns the job's current pipeline state.
func (j *ReplyJob) State() JobState {
	return JobState(j.state.Load())
}

// Err returns the failure that terminated the job, if any.
func (j *ReplyJob) Err() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *ReplyJob) Done() <-chan struct{} {
	return j.done
}

// Cancel preempts the job and blocks until it has wound down. Playback, if
// active, has returned the controller to idle by the time Cancel returns.
// Cancelling a finished job is a no-op.
func (j *ReplyJob) Cancel() {
	j.cancel()
	<-j.done
}

// setState advances the job state. Terminal states are never overwritten.
func (j *ReplyJob) setState(s JobState) {
	for {
		cur := j.state.Load()
		if JobState(cur).Terminal() {
			return
		}
		if j.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (j *ReplyJob) setErr(err error) {
	j.errMu.Lock()
	j.err = err
	j.errMu.Unlock()
}

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to textCh for lower synthesis latency.
// Any text remaining when the stream ends is flushed as a final fragment.
// A FinishReason of "error" aborts forwarding and is returned as an error.
func forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) error {
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return nil
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					select {
					case textCh <- buf.String():
					case <-ctx.Done():
					}
				}
				return nil
			}

			if chunk.FinishReason == "error" {
				return fmt.Errorf("completion stream: %s", chunk.Text)
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				select {
				case textCh <- sentence:
				case <-ctx.Done():
					go drainChunks(ch)
					return nil
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					select {
					case textCh <- buf.String():
					case <-ctx.Done():
					}
				}
				go drainChunks(ch)
				return nil
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns -1
// if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards remaining chunks so the provider's goroutine never
// blocks on an abandoned stream.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
