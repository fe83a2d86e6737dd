package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned by [Playback.Play] when a stream is already loaded.
// The caller must Stop the current stream first.
var ErrBusy = errors.New("audio: playback busy")

// PlaybackState describes what the playback controller is currently doing.
type PlaybackState int32

const (
	// PlaybackIdle means no stream is loaded; the output channel is quiet.
	PlaybackIdle PlaybackState = iota

	// PlaybackPlaying means frames are being forwarded to the output channel.
	PlaybackPlaying

	// PlaybackPaused means a stream is loaded but frame forwarding is suspended.
	PlaybackPaused
)

// String returns the human-readable name of the playback state.
func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "IDLE"
	case PlaybackPlaying:
		return "PLAYING"
	case PlaybackPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Playback is the sole writer to a [Connection] output stream. It serialises
// access so that at most one audio stream reaches the voice channel at a time:
// starting a new stream stops the current one first.
//
// Playback is safe for concurrent use.
type Playback struct {
	out chan<- AudioFrame
	log *slog.Logger

	mu      sync.Mutex
	state   PlaybackState
	stateCb func(PlaybackState)
	cancel  context.CancelFunc
	unpause chan struct{} // non-nil while paused; closed on Resume or Stop
	done    chan struct{} // closed when the current stream's forwarder exits
}

// NewPlayback creates a Playback that writes to out. The caller must not write
// to out directly while the Playback is in use.
func NewPlayback(out chan<- AudioFrame, log *slog.Logger) *Playback {
	if log == nil {
		log = slog.Default()
	}
	return &Playback{
		out:   out,
		log:   log,
		state: PlaybackIdle,
	}
}

// State returns the current playback state.
func (p *Playback) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnStateChange registers cb to be called after every state transition.
// Only one callback may be registered; subsequent calls replace the previous
// one. The callback is invoked outside the controller's lock and must not
// block for long.
func (p *Playback) OnStateChange(cb func(PlaybackState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCb = cb
}

// setState updates the state under the lock (already held by the caller) and
// returns the callback to fire after the lock is released. Returns nil when
// the state did not change.
func (p *Playback) setState(s PlaybackState) func(PlaybackState) {
	if p.state == s {
		return nil
	}
	p.state = s
	return p.stateCb
}

// Play starts forwarding frames to the output stream. While a stream is
// playing or paused, Play returns [ErrBusy]: the caller must Stop the current
// stream before loading a new one, so two streams never interleave. Play
// returns once forwarding has started; it does not wait for the stream to
// finish. The returned channel is closed when this stream's forwarder exits,
// whether the stream ended naturally or was stopped.
//
// The frames channel must be closed by the producer when the stream ends.
// ctx cancels the stream the same way Stop does.
func (p *Playback) Play(ctx context.Context, frames <-chan AudioFrame) (<-chan struct{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	if p.state != PlaybackIdle {
		p.mu.Unlock()
		cancel()
		return nil, ErrBusy
	}
	cb := p.setState(PlaybackPlaying)
	p.cancel = cancel
	p.unpause = nil
	p.done = done
	p.mu.Unlock()
	if cb != nil {
		cb(PlaybackPlaying)
	}

	go p.forward(ctx, frames, done)
	return done, nil
}

// forward moves frames to the output channel until the stream ends, honouring
// pause gates and context cancellation. On exit it drains the frames channel
// so the producer is never left blocked.
func (p *Playback) forward(ctx context.Context, frames <-chan AudioFrame, done chan struct{}) {
	defer close(done)
	defer p.settle(done)
	defer Drain(frames)

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			// Pause gate: hold the frame until Resume or cancellation. The
			// gate sits between receive and send so a frame arriving during a
			// pause is held, not forwarded.
			for {
				p.mu.Lock()
				unpause := p.unpause
				p.mu.Unlock()
				if unpause == nil {
					break
				}
				select {
				case <-unpause:
				case <-ctx.Done():
					return
				}
			}
			select {
			case p.out <- frame:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// settle resets the controller to idle if the finishing stream is still the
// current one. Stop may already have reset it.
func (p *Playback) settle(done chan struct{}) {
	p.mu.Lock()
	var cb func(PlaybackState)
	if p.done == done {
		cb = p.setState(PlaybackIdle)
		p.cancel = nil
		p.unpause = nil
		p.done = nil
	}
	p.mu.Unlock()
	if cb != nil {
		cb(PlaybackIdle)
	}
}

// Pause suspends frame forwarding. The loaded stream stays loaded; producers
// keep their channel open. Pause on an idle or already-paused controller is a
// no-op.
func (p *Playback) Pause() {
	p.mu.Lock()
	if p.state != PlaybackPlaying {
		p.mu.Unlock()
		return
	}
	cb := p.setState(PlaybackPaused)
	p.unpause = make(chan struct{})
	p.mu.Unlock()
	if cb != nil {
		cb(PlaybackPaused)
	}
}

// Resume continues forwarding a paused stream. Resume on a controller that is
// not paused is a no-op.
func (p *Playback) Resume() {
	p.mu.Lock()
	if p.state != PlaybackPaused {
		p.mu.Unlock()
		return
	}
	cb := p.setState(PlaybackPlaying)
	if p.unpause != nil {
		close(p.unpause)
		p.unpause = nil
	}
	p.mu.Unlock()
	if cb != nil {
		cb(PlaybackPlaying)
	}
}

// Stop cancels the current stream, waits for the forwarder to exit, and
// returns the controller to idle. The in-flight frames channel is drained so
// the producer never blocks. Stop on an idle controller is a no-op.
func (p *Playback) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	unpause := p.unpause
	done := p.done
	cb := p.setState(PlaybackIdle)
	p.cancel = nil
	p.unpause = nil
	p.done = nil
	p.mu.Unlock()
	if cb != nil {
		cb(PlaybackIdle)
	}

	if cancel != nil {
		cancel()
	}
	if unpause != nil {
		close(unpause)
	}
	if done != nil {
		<-done
	}
}
