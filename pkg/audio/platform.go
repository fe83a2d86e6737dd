// Package audio defines the interfaces and types for voice platform
// connectivity and stream management.
//
// The two primary abstractions are:
//
//   - [Platform] — connects to a voice channel and returns a [Connection].
//   - [Connection] — represents an active session on that channel, giving callers
//     the raw inbound Opus packet stream, a single PCM output stream, and
//     participant lifecycle events.
//
// Implementations of these interfaces are provided by platform-specific adapter
// packages (e.g., audio/discord). The interfaces are intentionally narrow to
// keep the voice pipeline decoupled from provider details.
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import "context"

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
// Callbacks registered via [Connection.OnParticipantChange] receive values of this type.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called. All channels returned by Connection
// methods are closed automatically when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Packets returns the read-only stream of inbound Opus voice packets from
	// all speaking participants, interleaved in arrival order. Consumers demux
	// by [OpusPacket.SSRC] and map packets to users via ResolveUser.
	// The channel is closed when the connection terminates.
	Packets() <-chan OpusPacket

	// SpeakingEvents returns the stream of speaking start/stop notifications
	// from the platform. Consumers use the stop events to close utterances
	// without waiting for the silence gap. The channel is not closed on
	// Disconnect; consumers should stop reading when Packets closes. Events
	// may be dropped under backpressure.
	SpeakingEvents() <-chan SpeakingEvent

	// ResolveUser maps an RTP SSRC to the platform user ID that currently owns
	// it. The mapping is learned from the platform's speaking notifications and
	// may lag the first packets of a new stream; callers should retry on
	// subsequent packets when ok is false.
	ResolveUser(ssrc uint32) (userID string, ok bool)

	// OutputStream returns the single write-only channel for synthesised voice
	// output. Frames written here are format-converted, encoded, and sent to
	// all channel participants.
	//
	// Ownership: the returned channel is owned by the caller (writer). The
	// platform does NOT close this channel on Disconnect — the caller is
	// responsible for stopping writes. Writing to the channel after Disconnect
	// results in dropped frames (not a panic).
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers cb as the callback to invoke whenever a
	// participant joins or leaves the channel. Only one callback may be registered
	// at a time; subsequent calls replace the previous registration.
	// The callback is invoked on an internal goroutine — callers must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect cleanly tears down the connection and closes the packet
	// stream. It is safe to call Disconnect more than once; subsequent calls
	// are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
// Implementations wrap provider-specific SDKs (Discord, …) and expose a
// uniform [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. The supplied ctx bounds the connection attempt only
	// (callers typically apply a join timeout); once connected, the Connection
	// remains alive until [Connection.Disconnect] is called explicitly.
	//
	// Returns an error if the connection cannot be established (auth failure,
	// unknown channel, network error, ctx deadline).
	Connect(ctx context.Context, channelID string) (Connection, error)
}
