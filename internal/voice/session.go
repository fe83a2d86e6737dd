package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/techwithanirudh/gork/internal/voice/segment"
	"github.com/techwithanirudh/gork/pkg/audio"
	"github.com/techwithanirudh/gork/pkg/provider/llm"
	"github.com/techwithanirudh/gork/pkg/provider/stt"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// DefaultJoinTimeout bounds the wait for voice-channel readiness.
const DefaultJoinTimeout = 20 * time.Second

// SessionConfig holds everything a voice session needs. Platform, STT, TTS
// and LLM are required; the rest has defaults.
type SessionConfig struct {
	// GuildID and ChannelID identify the voice channel to join.
	GuildID   string
	ChannelID string

	// Platform supplies the voice connection.
	Platform audio.Platform

	// STT, TTS, LLM are the provider backends for the pipeline stages.
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider

	// Voice is the synthesis voice profile.
	Voice tts.VoiceProfile

	// TTSSampleRate is the PCM sample rate the TTS provider emits. Zero
	// falls back to the voice profile's rate, then 24000.
	TTSSampleRate int

	// Language is the recognition language tag; empty auto-detects.
	Language string

	// SilenceGap overrides the utterance silence gap; zero uses the default.
	SilenceGap time.Duration

	// JoinTimeout overrides the voice readiness timeout; zero uses the default.
	JoinTimeout time.Duration

	// SystemPrompt overrides the spoken-style reply directive.
	SystemPrompt string

	// Logger is used for all session diagnostics; nil uses slog.Default.
	Logger *slog.Logger

	// OnTurn and OnBargeIn are optional diagnostics hooks forwarded to the
	// arbiter.
	OnTurn    func(Turn)
	OnBargeIn func()

	// OnUtterance is an optional hook invoked once per closed utterance.
	OnUtterance func()

	// OnReplyLatency is an optional hook receiving the time from turn
	// acceptance to the first audio frame of each reply.
	OnReplyLatency func(time.Duration)
}

func (c *SessionConfig) validate() error {
	switch {
	case c.GuildID == "":
		return fmt.Errorf("voice: session config missing guild ID")
	case c.ChannelID == "":
		return fmt.Errorf("voice: session config missing channel ID")
	case c.Platform == nil:
		return fmt.Errorf("voice: session config missing platform")
	case c.STT == nil:
		return fmt.Errorf("voice: session config missing STT provider")
	case c.TTS == nil:
		return fmt.Errorf("voice: session config missing TTS provider")
	case c.LLM == nil:
		return fmt.Errorf("voice: session config missing LLM provider")
	}
	return nil
}

// Session is one live voice conversation in one guild channel. It owns the
// connection, the segmentation/transcription fan-out and the turn arbiter,
// and tears all of them down on Stop.
type Session struct {
	guildID   string
	channelID string
	startedAt time.Time

	conn     audio.Connection
	playback *audio.Playback
	arbiter  *Arbiter
	log      *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// StartSession joins the voice channel and wires the full pipeline:
// connection packets → segmenter → transcriber → arbiter → reply synthesis →
// playback. It blocks until the transport is ready or the join timeout
// elapses.
func StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("guild_id", cfg.GuildID, "channel_id", cfg.ChannelID)

	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	joinCtx, cancelJoin := context.WithTimeout(ctx, joinTimeout)
	defer cancelJoin()

	conn, err := cfg.Platform.Connect(joinCtx, cfg.ChannelID)
	if err != nil {
		return nil, pipelineErr(TransportError, fmt.Errorf("join channel %s: %w", cfg.ChannelID, err))
	}

	playback := audio.NewPlayback(conn.OutputStream(), log)
	playback.OnStateChange(func(s audio.PlaybackState) {
		log.Debug("playback state changed", "state", s.String())
	})

	sampleRate := cfg.TTSSampleRate
	if sampleRate <= 0 {
		sampleRate = cfg.Voice.SampleRate
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	var synthOpts []SynthOption
	if cfg.SystemPrompt != "" {
		synthOpts = append(synthOpts, WithSystemPrompt(cfg.SystemPrompt))
	}
	if cfg.OnReplyLatency != nil {
		synthOpts = append(synthOpts, WithReplyLatencyHook(cfg.OnReplyLatency))
	}
	synthOpts = append(synthOpts, WithSynthLogger(log))
	synth := NewSynthesizer(cfg.LLM, cfg.TTS, cfg.Voice, playback, sampleRate, synthOpts...)

	arbOpts := []ArbOption{WithArbiterLogger(log)}
	if cfg.OnTurn != nil {
		arbOpts = append(arbOpts, WithTurnHook(cfg.OnTurn))
	}
	if cfg.OnBargeIn != nil {
		arbOpts = append(arbOpts, WithBargeInHook(cfg.OnBargeIn))
	}
	arb := NewArbiter(ResponderFunc(func(ctx context.Context, turn Turn) Job {
		return synth.Start(ctx, turn)
	}), arbOpts...)

	segOpts := []segment.Option{segment.WithLogger(log)}
	if cfg.SilenceGap > 0 {
		segOpts = append(segOpts, segment.WithSilenceGap(cfg.SilenceGap))
	}
	seg := segment.New(conn.ResolveUser, segOpts...)

	transcriber := NewTranscriber(cfg.STT, cfg.Language, WithTranscriberLogger(log))

	conn.OnParticipantChange(func(ev audio.Event) {
		log.Debug("participant change",
			"type", ev.Type.String(), "user_id", ev.UserID, "username", ev.Username)
	})

	// The session context outlives ctx: a caller's request context ending must
	// not tear down a running session. Stop is the only teardown path.
	sessCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		startedAt: time.Now(),
		conn:      conn,
		playback:  playback,
		arbiter:   arb,
		log:       log,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	utterances := seg.Run(conn.Packets(), conn.SpeakingEvents())
	if cfg.OnUtterance != nil {
		tapped := make(chan segment.Utterance)
		go func() {
			defer close(tapped)
			for u := range utterances {
				cfg.OnUtterance()
				tapped <- u
			}
		}()
		utterances = tapped
	}
	events := transcriber.Run(sessCtx, utterances)

	g, runCtx := errgroup.WithContext(sessCtx)
	g.Go(func() error {
		arb.Run(runCtx, events)
		return nil
	})
	go func() {
		defer close(s.done)
		_ = g.Wait()
	}()

	log.Info("voice session started")
	return s, nil
}

// GuildID returns the guild the session is attached to.
func (s *Session) GuildID() string { return s.guildID }

// ChannelID returns the voice channel the session joined.
func (s *Session) ChannelID() string { return s.channelID }

// StartedAt returns when the session was started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// PlaybackState returns the playback controller's current state.
func (s *Session) PlaybackState() audio.PlaybackState { return s.playback.State() }

// ArbiterState returns the conversational state.
func (s *Session) ArbiterState() ArbiterState { return s.arbiter.State() }

// Stop tears the session down: any active reply is cancelled, playback stops,
// in-flight transcription sessions are aborted, and the voice connection is
// released. Stop blocks until the pipeline has fully wound down and is safe
// to call more than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()

		// Disconnecting closes the packet stream, which flushes the segmenter
		// and lets the transcriber and arbiter drain out.
		if err := s.conn.Disconnect(); err != nil {
			s.stopErr = fmt.Errorf("voice: disconnect: %w", err)
		}

		<-s.done
		s.playback.Stop()
		s.log.Info("voice session stopped", "uptime", time.Since(s.startedAt))
	})
	return s.stopErr
}
