package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

// collectFrames reads up to n frames from out with a timeout, returning what
// arrived.
func collectFrames(t *testing.T, out <-chan AudioFrame, n int) []AudioFrame {
	t.Helper()
	var got []AudioFrame
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case f := <-out:
			got = append(got, f)
		case <-timeout:
			return got
		}
	}
	return got
}

func waitForState(t *testing.T, p *Playback, want PlaybackState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, still %v", want, p.State())
}

func TestPlayback_StartsIdle(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)
	if p.State() != PlaybackIdle {
		t.Fatalf("expected IDLE, got %v", p.State())
	}
}

func TestPlayback_ForwardsFramesThenReturnsToIdle(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)

	frames := make(chan AudioFrame, 3)
	frames <- AudioFrame{Data: []byte{1, 0}}
	frames <- AudioFrame{Data: []byte{2, 0}}
	frames <- AudioFrame{Data: []byte{3, 0}}
	close(frames)

	if _, err := p.Play(context.Background(), frames); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got := collectFrames(t, out, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	if got[0].Data[0] != 1 || got[2].Data[0] != 3 {
		t.Error("frames arrived out of order")
	}

	waitForState(t, p, PlaybackIdle)
}

func TestPlayback_StopCancelsStream(t *testing.T) {
	out := make(chan AudioFrame) // unbuffered: forwarder blocks on send
	p := NewPlayback(out, nil)

	frames := make(chan AudioFrame, 16)
	for i := 0; i < 16; i++ {
		frames <- AudioFrame{Data: []byte{byte(i), 0}}
	}
	close(frames)

	p.Play(context.Background(), frames)
	waitForState(t, p, PlaybackPlaying)

	p.Stop()
	if p.State() != PlaybackIdle {
		t.Fatalf("expected IDLE after Stop, got %v", p.State())
	}

	// No more frames should arrive after Stop returns.
	select {
	case f := <-out:
		// One frame may have been committed before Stop; a second must not be.
		select {
		case f2 := <-out:
			t.Fatalf("frames still flowing after Stop: %v then %v", f.Data, f2.Data)
		case <-time.After(50 * time.Millisecond):
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPlayback_PauseSuspendsAndResumeContinues(t *testing.T) {
	out := make(chan AudioFrame, 16)
	p := NewPlayback(out, nil)

	frames := make(chan AudioFrame, 4)
	frames <- AudioFrame{Data: []byte{1, 0}}

	p.Play(context.Background(), frames)

	// First frame flows.
	got := collectFrames(t, out, 1)
	if len(got) != 1 {
		t.Fatal("expected first frame before pause")
	}

	p.Pause()
	if p.State() != PlaybackPaused {
		t.Fatalf("expected PAUSED, got %v", p.State())
	}

	// Frames sent while paused must not reach the output.
	frames <- AudioFrame{Data: []byte{2, 0}}
	select {
	case f := <-out:
		t.Fatalf("frame %v forwarded while paused", f.Data)
	case <-time.After(100 * time.Millisecond):
	}

	p.Resume()
	waitForState(t, p, PlaybackPlaying)

	got = collectFrames(t, out, 1)
	if len(got) != 1 || got[0].Data[0] != 2 {
		t.Fatalf("expected held frame after resume, got %v", got)
	}

	close(frames)
	waitForState(t, p, PlaybackIdle)
}

func TestPlayback_PauseWhenIdleIsNoop(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)

	p.Pause()
	if p.State() != PlaybackIdle {
		t.Fatalf("Pause on idle changed state to %v", p.State())
	}
	p.Resume()
	if p.State() != PlaybackIdle {
		t.Fatalf("Resume on idle changed state to %v", p.State())
	}
}

func TestPlayback_PlayWhileLoadedReturnsErrBusy(t *testing.T) {
	out := make(chan AudioFrame, 64)
	p := NewPlayback(out, nil)

	first := make(chan AudioFrame, 4)
	first <- AudioFrame{Data: []byte{1, 0}}
	if _, err := p.Play(context.Background(), first); err != nil {
		t.Fatalf("Play: %v", err)
	}
	collectFrames(t, out, 1)

	// A second stream must be rejected while the first is loaded, playing or
	// paused.
	second := make(chan AudioFrame, 4)
	if _, err := p.Play(context.Background(), second); !errors.Is(err, ErrBusy) {
		t.Fatalf("Play while playing: err = %v, want ErrBusy", err)
	}
	p.Pause()
	if _, err := p.Play(context.Background(), second); !errors.Is(err, ErrBusy) {
		t.Fatalf("Play while paused: err = %v, want ErrBusy", err)
	}

	// After a Stop the controller accepts a new stream.
	p.Stop()
	close(first)
	second <- AudioFrame{Data: []byte{9, 0}}
	close(second)
	if _, err := p.Play(context.Background(), second); err != nil {
		t.Fatalf("Play after Stop: %v", err)
	}

	got := collectFrames(t, out, 1)
	if len(got) != 1 || got[0].Data[0] != 9 {
		t.Fatalf("expected frame from second stream, got %v", got)
	}

	waitForState(t, p, PlaybackIdle)
}

func TestPlayback_StopWhileIdleIsNoop(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)
	p.Stop()
	p.Stop()
	if p.State() != PlaybackIdle {
		t.Fatalf("expected IDLE, got %v", p.State())
	}
}

func TestPlayback_ContextCancelStopsStream(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan AudioFrame, 2)
	frames <- AudioFrame{Data: []byte{1, 0}}

	p.Play(ctx, frames)
	collectFrames(t, out, 1)

	cancel()
	close(frames)
	waitForState(t, p, PlaybackIdle)
}

func TestPlayback_PlayDoneClosesWhenStreamEnds(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)

	frames := make(chan AudioFrame, 1)
	frames <- AudioFrame{Data: []byte{1, 0}}
	close(frames)

	done, err := p.Play(context.Background(), frames)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	collectFrames(t, out, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done channel not closed after stream ended")
	}
}

func TestPlayback_OnStateChangeFires(t *testing.T) {
	out := make(chan AudioFrame, 8)
	p := NewPlayback(out, nil)

	states := make(chan PlaybackState, 16)
	p.OnStateChange(func(s PlaybackState) {
		states <- s
	})

	frames := make(chan AudioFrame, 1)
	frames <- AudioFrame{Data: []byte{1, 0}}
	close(frames)

	p.Play(context.Background(), frames)
	collectFrames(t, out, 1)
	waitForState(t, p, PlaybackIdle)

	var got []PlaybackState
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case s := <-states:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("expected 2 state changes, got %v", got)
		}
	}
	if got[0] != PlaybackPlaying || got[1] != PlaybackIdle {
		t.Fatalf("state sequence = %v, want [PLAYING IDLE]", got)
	}
}
