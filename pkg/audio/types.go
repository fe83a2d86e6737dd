package audio

import "time"

// AudioFrame represents a single frame of PCM audio flowing toward playback.
// Frames are the atomic unit of output transport: synthesised speech is chunked
// into frames, format-converted, and encoded for the voice channel.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// SpeakingEvent reports a change in a participant's speaking state, as
// announced by the platform. Speaking-end events let consumers close an open
// utterance immediately instead of waiting out the silence gap.
type SpeakingEvent struct {
	// SSRC identifies the participant's RTP stream.
	SSRC uint32

	// UserID is the platform user the notification is about.
	UserID string

	// Speaking is true when the participant started speaking, false when they
	// stopped.
	Speaking bool
}

// OpusPacket is a single Opus voice packet received from the platform, kept in
// its encoded form. Packets carry the RTP sequence number and timestamp so that
// downstream consumers can reconstruct timing (gap detection, container
// assembly) without decoding.
type OpusPacket struct {
	// SSRC identifies the sending participant's RTP stream.
	SSRC uint32

	// Sequence is the RTP sequence number of this packet.
	Sequence uint16

	// Timestamp is the RTP timestamp in audio samples (48 kHz clock).
	Timestamp uint32

	// Opus is the encoded Opus payload.
	Opus []byte

	// ReceivedAt is the local wall-clock arrival time of the packet.
	ReceivedAt time.Time
}
