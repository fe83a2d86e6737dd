// Package config provides the configuration schema, loader, and provider
// registry for the gork voice bot.
package config

import "time"

// LogLevel controls log verbosity for the gork server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for gork.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the diagnostics HTTP
// server (health probes and metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server listens on
	// (e.g., ":8080"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the diagnostics server. When nil, plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DiscordConfig holds the bot's Discord credentials and command scope.
type DiscordConfig struct {
	// Token is the Discord bot token. Required.
	Token string `yaml:"token"`

	// GuildID, when set, scopes slash-command registration to a single guild,
	// which propagates instantly. Empty registers commands globally.
	GuildID string `yaml:"guild_id"`

	// ControlRoleID, when set, restricts voice commands to members holding
	// this role. Empty allows every guild member.
	ControlRoleID string `yaml:"control_role_id"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the voice conversation pipeline.
type PipelineConfig struct {
	// SilenceGapMs is the trailing silence, in milliseconds, after which an
	// utterance is considered finished. Defaults to 1000.
	SilenceGapMs int `yaml:"silence_gap_ms"`

	// JoinTimeoutMs bounds how long connecting to a voice channel may take,
	// in milliseconds. Defaults to 20000.
	JoinTimeoutMs int `yaml:"join_timeout_ms"`

	// Language is the BCP-47 language hint passed to the STT provider
	// (e.g., "en-US"). Empty lets the provider auto-detect.
	Language string `yaml:"language"`

	// Voice configures the TTS voice for the bot's replies.
	Voice VoiceConfig `yaml:"voice"`

	// SystemPrompt overrides the built-in spoken-style system prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// VoiceConfig specifies the TTS voice parameters for the bot.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Name is a human-readable label for the voice, used in logs.
	Name string `yaml:"name"`

	// SampleRate is the PCM sample rate the provider synthesises at.
	// Defaults to 24000.
	SampleRate int `yaml:"sample_rate"`
}

// SilenceGap returns the configured silence gap as a duration, falling back
// to the 1 second default when unset.
func (p PipelineConfig) SilenceGap() time.Duration {
	if p.SilenceGapMs <= 0 {
		return time.Second
	}
	return time.Duration(p.SilenceGapMs) * time.Millisecond
}

// JoinTimeout returns the configured join timeout as a duration, falling back
// to the 20 second default when unset.
func (p PipelineConfig) JoinTimeout() time.Duration {
	if p.JoinTimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(p.JoinTimeoutMs) * time.Millisecond
}
