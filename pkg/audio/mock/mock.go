// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{
//	    PacketsCh:          make(chan audio.OpusPacket, 16),
//	    OutputStreamResult: out,
//	    Users:              map[uint32]string{100: "user-1"},
//	}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
package mock

import (
	"context"
	"sync"

	"github.com/techwithanirudh/gork/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// PacketsCh is returned by [Connection.Packets]. Tests push inbound Opus
	// packets onto it and close it to simulate the connection ending.
	PacketsCh chan audio.OpusPacket

	// SpeakingCh is returned by [Connection.SpeakingEvents]. Tests push
	// speaking start/stop notifications onto it. A nil channel is fine for
	// tests that never read speaking events.
	SpeakingCh chan audio.SpeakingEvent

	// Users backs [Connection.ResolveUser]. A nil map resolves nothing.
	Users map[uint32]string

	// OutputStreamResult is returned by [Connection.OutputStream].
	OutputStreamResult chan<- audio.AudioFrame

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountPackets records how many times Packets was called.
	CallCountPackets int

	// ResolveUserCalls records the SSRC argument of every ResolveUser call.
	ResolveUserCalls []uint32

	// CallCountOutputStream records how many times OutputStream was called.
	CallCountOutputStream int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountOnParticipantChange records how many times OnParticipantChange was called.
	CallCountOnParticipantChange int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(audio.Event)
}

// Packets implements [audio.Connection]. Returns PacketsCh.
func (c *Connection) Packets() <-chan audio.OpusPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountPackets++
	return c.PacketsCh
}

// SpeakingEvents implements [audio.Connection]. Returns SpeakingCh.
func (c *Connection) SpeakingEvents() <-chan audio.SpeakingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SpeakingCh
}

// ResolveUser implements [audio.Connection]. Looks up ssrc in Users.
func (c *Connection) ResolveUser(ssrc uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResolveUserCalls = append(c.ResolveUserCalls, ssrc)
	userID, ok := c.Users[ssrc]
	return userID, ok
}

// SetUser binds ssrc to userID, simulating a speaking notification arriving.
func (c *Connection) SetUser(ssrc uint32, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Users == nil {
		c.Users = make(map[uint32]string)
	}
	c.Users[ssrc] = userID
}

// OutputStream implements [audio.Connection]. Returns OutputStreamResult.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOutputStream++
	return c.OutputStreamResult
}

// OnParticipantChange implements [audio.Connection].
// The callback is appended to RecordedCallbacks. To simulate events in tests,
// call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitEvent calls all registered participant-change callbacks with the given event.
// Use this in tests to simulate participants joining or leaving.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

// ConnectCallCount returns the number of Connect invocations so far.
func (p *Platform) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}
