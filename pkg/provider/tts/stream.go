package tts

import (
	"context"
	"sync"
)

// Stream carries synthesised audio from a provider to its consumer. The
// provider delivers PCM chunks with Send and finishes with Close; the consumer
// ranges over Audio and then inspects Err to learn whether the stream ended
// normally or because the backend failed mid-synthesis.
type Stream struct {
	audio chan []byte

	mu  sync.Mutex
	err error
}

// NewStream returns a Stream whose audio channel buffers up to buf chunks.
// Intended for provider implementations.
func NewStream(buf int) *Stream {
	return &Stream{audio: make(chan []byte, buf)}
}

// Audio returns the channel of raw PCM chunks. The provider closes it when
// synthesis finishes, fails, or is cancelled.
func (s *Stream) Audio() <-chan []byte {
	return s.audio
}

// Err reports the failure that terminated the stream. It is meaningful once
// Audio is closed; nil means synthesis completed normally or was cancelled
// through the caller's context.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers one PCM chunk to the consumer, giving up if ctx is cancelled
// first. It reports whether the chunk was accepted.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	select {
	case s.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close records err and closes the audio channel. Providers must call Close
// exactly once, after the last Send; err is nil for normal completion and for
// context cancellation.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.audio)
}
