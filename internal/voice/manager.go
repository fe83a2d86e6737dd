package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/techwithanirudh/gork/pkg/audio"
	"github.com/techwithanirudh/gork/pkg/provider/llm"
	"github.com/techwithanirudh/gork/pkg/provider/stt"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
)

// PlatformFactory creates the voice platform adapter for one guild.
type PlatformFactory func(guildID string) audio.Platform

// ManagerConfig holds the shared dependencies for all sessions.
type ManagerConfig struct {
	// NewPlatform creates the per-guild transport adapter. Required.
	NewPlatform PlatformFactory

	// STT, TTS, LLM are the shared provider backends. Required.
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider

	// Voice is the synthesis voice used for all sessions.
	Voice tts.VoiceProfile

	// TTSSampleRate, Language, SilenceGap, JoinTimeout and SystemPrompt are
	// forwarded to each session; zero values use the session defaults.
	TTSSampleRate int
	Language      string
	SilenceGap    time.Duration
	JoinTimeout   time.Duration
	SystemPrompt  string

	// Logger is used by the manager and all sessions; nil uses slog.Default.
	Logger *slog.Logger

	// OnTurn and OnBargeIn are optional diagnostics hooks invoked with the
	// session's guild ID. Forwarded to each session's arbiter.
	OnTurn    func(guildID string, t Turn)
	OnBargeIn func(guildID string)

	// OnUtterance and OnReplyLatency are the per-guild counterparts of the
	// session hooks with the same names.
	OnUtterance    func(guildID string)
	OnReplyLatency func(guildID string, d time.Duration)

	// OnSessionChange is an optional hook invoked after a session is added
	// (delta +1) or removed (delta -1) from the registry.
	OnSessionChange func(guildID string, delta int)
}

// Manager is the per-guild session registry — the only process-wide state the
// voice pipeline keeps. Start is idempotent per guild; Stop removes the entry
// synchronously, so the registry never holds a dead session.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given shared dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.NewPlatform == nil:
		return nil, fmt.Errorf("voice: manager config missing platform factory")
	case cfg.STT == nil:
		return nil, fmt.Errorf("voice: manager config missing STT provider")
	case cfg.TTS == nil:
		return nil, fmt.Errorf("voice: manager config missing TTS provider")
	case cfg.LLM == nil:
		return nil, fmt.Errorf("voice: manager config missing LLM provider")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}, nil
}

// Start joins the given channel for the guild and begins the conversation
// pipeline. If the guild already has a session it is returned unchanged,
// regardless of which channel it is attached to.
func (m *Manager) Start(ctx context.Context, guildID, channelID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[guildID]; ok {
		m.log.Debug("voice: start ignored, session already active",
			"guild_id", guildID, "channel_id", existing.ChannelID())
		return existing, nil
	}

	var onTurn func(Turn)
	if m.cfg.OnTurn != nil {
		onTurn = func(t Turn) { m.cfg.OnTurn(guildID, t) }
	}
	var onBargeIn func()
	if m.cfg.OnBargeIn != nil {
		onBargeIn = func() { m.cfg.OnBargeIn(guildID) }
	}
	var onUtterance func()
	if m.cfg.OnUtterance != nil {
		onUtterance = func() { m.cfg.OnUtterance(guildID) }
	}
	var onReplyLatency func(time.Duration)
	if m.cfg.OnReplyLatency != nil {
		onReplyLatency = func(d time.Duration) { m.cfg.OnReplyLatency(guildID, d) }
	}

	sess, err := StartSession(ctx, SessionConfig{
		GuildID:        guildID,
		ChannelID:      channelID,
		Platform:       m.cfg.NewPlatform(guildID),
		STT:            m.cfg.STT,
		TTS:            m.cfg.TTS,
		LLM:            m.cfg.LLM,
		Voice:          m.cfg.Voice,
		TTSSampleRate:  m.cfg.TTSSampleRate,
		Language:       m.cfg.Language,
		SilenceGap:     m.cfg.SilenceGap,
		JoinTimeout:    m.cfg.JoinTimeout,
		SystemPrompt:   m.cfg.SystemPrompt,
		Logger:         m.cfg.Logger,
		OnTurn:         onTurn,
		OnBargeIn:      onBargeIn,
		OnUtterance:    onUtterance,
		OnReplyLatency: onReplyLatency,
	})
	if err != nil {
		return nil, err
	}

	m.sessions[guildID] = sess
	if m.cfg.OnSessionChange != nil {
		m.cfg.OnSessionChange(guildID, 1)
	}
	return sess, nil
}

// Get returns the guild's active session, if any.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop tears down the guild's session and removes it from the registry. It
// blocks until teardown completes. Stopping a guild with no session is an
// error.
func (m *Manager) Stop(guildID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("voice: no active session for guild %s", guildID)
	}
	if m.cfg.OnSessionChange != nil {
		m.cfg.OnSessionChange(guildID, -1)
	}
	return sess.Stop()
}

// StopAll tears down every active session, used during process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for guildID, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if m.cfg.OnSessionChange != nil {
			m.cfg.OnSessionChange(s.GuildID(), -1)
		}
		if err := s.Stop(); err != nil {
			m.log.Warn("voice: session stop error during shutdown",
				"guild_id", s.GuildID(), "error", err)
		}
	}
}
