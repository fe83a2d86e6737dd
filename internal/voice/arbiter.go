package voice

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// seenLimit bounds the post-final discard set so late events from long-dead
// sessions cannot grow it without bound.
const seenLimit = 256

// TranscriptEvent is one recognition result flowing from a transcription
// session to the arbiter.
type TranscriptEvent struct {
	// UtteranceID identifies the utterance the event belongs to.
	UtteranceID string

	// UserID is the speaking participant.
	UserID string

	// SSRC is the RTP source the utterance arrived on.
	SSRC uint32

	// Text is the transcribed speech.
	Text string

	// IsFinal marks the authoritative result; at most one final event is
	// emitted per utterance.
	IsFinal bool

	// Confidence is the provider's confidence in Text, when reported.
	Confidence float64

	// UtteranceClosedAt is when the segmenter closed the utterance. Used as
	// the tie-break when multiple finals land in the same batch.
	UtteranceClosedAt time.Time
}

// Turn is an accepted final transcript driving one reply cycle.
type Turn struct {
	// UserID is the participant whose speech was accepted.
	UserID string

	// UtteranceID identifies the source utterance.
	UtteranceID string

	// Text is the final transcript text.
	Text string

	// UtteranceClosedAt is the close time of the source utterance.
	UtteranceClosedAt time.Time

	// AcceptedAt is when the arbiter accepted the turn.
	AcceptedAt time.Time
}

// ArbiterState is the per-connection conversational state.
type ArbiterState int32

const (
	// Listening means no reply is in flight.
	Listening ArbiterState = iota

	// Responding means one turn has a live reply job.
	Responding
)

// String returns the name of the arbiter state.
func (s ArbiterState) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Responding:
		return "RESPONDING"
	default:
		return "UNKNOWN"
	}
}

// Job is the arbiter's view of an in-flight reply. Cancel must be synchronous:
// when it returns, the output resource is idle again.
type Job interface {
	Cancel()
	Done() <-chan struct{}
}

// Responder starts reply jobs for accepted turns.
type Responder interface {
	Start(ctx context.Context, turn Turn) Job
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, turn Turn) Job

// Start implements Responder.
func (f ResponderFunc) Start(ctx context.Context, turn Turn) Job {
	return f(ctx, turn)
}

// Arbiter serialises all turn-taking decisions for one connection. It is the
// only component that starts or cancels reply jobs, so at most one turn is
// ever responding. All state lives in the Run goroutine; other goroutines may
// only observe it through State.
//
// Policy:
//   - An interim transcript while responding is a barge-in: the active reply
//     is cancelled and the arbiter returns to listening before anything else.
//   - A final transcript while listening starts a turn.
//   - A final transcript while responding preempts: the most recently finished
//     speaker always wins over an in-flight reply.
//   - Finals arriving in the same batch are ordered by utterance close time;
//     the earliest-closed wins and the rest are dropped.
//   - Events for an utterance that already produced a final are discarded.
type Arbiter struct {
	responder Responder
	log       *slog.Logger

	state atomic.Int32

	// onTurn and onBargeIn are diagnostics hooks, invoked from the Run goroutine.
	onTurn    func(Turn)
	onBargeIn func()

	// Run-goroutine state.
	active    Job
	seen      map[string]bool
	seenOrder []string
}

// ArbOption is a functional option for configuring an Arbiter.
type ArbOption func(*Arbiter)

// WithTurnHook registers cb to run whenever a turn is accepted.
func WithTurnHook(cb func(Turn)) ArbOption {
	return func(a *Arbiter) { a.onTurn = cb }
}

// WithBargeInHook registers cb to run whenever an active reply is cancelled
// because of new speech.
func WithBargeInHook(cb func()) ArbOption {
	return func(a *Arbiter) { a.onBargeIn = cb }
}

// WithArbiterLogger sets the logger for turn decisions.
func WithArbiterLogger(log *slog.Logger) ArbOption {
	return func(a *Arbiter) {
		if log != nil {
			a.log = log
		}
	}
}

// NewArbiter creates an Arbiter that hands accepted turns to responder.
func NewArbiter(responder Responder, opts ...ArbOption) *Arbiter {
	a := &Arbiter{
		responder: responder,
		log:       slog.Default(),
		seen:      make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State returns the current conversational state.
func (a *Arbiter) State() ArbiterState {
	return ArbiterState(a.state.Load())
}

// Run consumes transcript events until events closes or ctx is cancelled. Any
// active reply is cancelled before Run returns. Run must be called exactly
// once.
func (a *Arbiter) Run(ctx context.Context, events <-chan TranscriptEvent) {
	defer func() {
		if a.active != nil {
			a.active.Cancel()
			a.active = nil
		}
		a.setState(Listening)
	}()

	for {
		var done <-chan struct{}
		if a.active != nil {
			done = a.active.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			// Reply finished on its own.
			a.active = nil
			a.setState(Listening)
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, ev, events)
		}
	}
}

// handle processes one event plus everything else already queued, so finals
// that land in the same batch are tie-broken deterministically instead of by
// channel arrival order.
func (a *Arbiter) handle(ctx context.Context, ev TranscriptEvent, events <-chan TranscriptEvent) {
	batch := []TranscriptEvent{ev}
drain:
	for {
		select {
		case next, ok := <-events:
			if !ok {
				break drain
			}
			batch = append(batch, next)
		default:
			break drain
		}
	}

	var finals []TranscriptEvent
	for _, e := range batch {
		if a.seen[e.UtteranceID] {
			// Post-final events for an utterance are discarded.
			a.log.Debug("arbiter: discarding post-final event",
				"utterance_id", e.UtteranceID, "final", e.IsFinal)
			continue
		}
		if !e.IsFinal {
			a.handleInterim(e)
			continue
		}
		a.markSeen(e.UtteranceID)
		finals = append(finals, e)
	}

	if len(finals) == 0 {
		return
	}

	// Earliest utterance close wins the batch; append order breaks exact ties,
	// keeping the decision stable.
	winner := finals[0]
	for _, f := range finals[1:] {
		if f.UtteranceClosedAt.Before(winner.UtteranceClosedAt) {
			winner = f
		}
	}
	if len(finals) > 1 {
		a.log.Debug("arbiter: simultaneous finals, earliest close wins",
			"count", len(finals), "winner_utterance", winner.UtteranceID)
	}

	a.startTurn(ctx, winner)
}

// handleInterim applies the barge-in rule: new speech while responding
// silences the bot immediately.
func (a *Arbiter) handleInterim(ev TranscriptEvent) {
	if a.active == nil {
		return
	}
	a.log.Info("arbiter: barge-in, cancelling active reply",
		"speaker", ev.UserID, "utterance_id", ev.UtteranceID)
	a.cancelActive()
}

// startTurn replaces any in-flight reply with a new turn for ev. The old
// reply is fully wound down (playback idle) before the new job starts.
func (a *Arbiter) startTurn(ctx context.Context, ev TranscriptEvent) {
	if a.active != nil {
		a.log.Info("arbiter: new final preempts active reply",
			"speaker", ev.UserID, "utterance_id", ev.UtteranceID)
		a.cancelActive()
	}

	turn := Turn{
		UserID:            ev.UserID,
		UtteranceID:       ev.UtteranceID,
		Text:              ev.Text,
		UtteranceClosedAt: ev.UtteranceClosedAt,
		AcceptedAt:        time.Now(),
	}

	a.log.Info("arbiter: turn accepted",
		"speaker", turn.UserID, "utterance_id", turn.UtteranceID, "text", turn.Text)

	a.active = a.responder.Start(ctx, turn)
	a.setState(Responding)
	if a.onTurn != nil {
		a.onTurn(turn)
	}
}

// cancelActive synchronously cancels the active reply and returns to
// listening. When it returns, playback has reached idle.
func (a *Arbiter) cancelActive() {
	a.active.Cancel()
	a.active = nil
	a.setState(Listening)
	if a.onBargeIn != nil {
		a.onBargeIn()
	}
}

func (a *Arbiter) setState(s ArbiterState) {
	a.state.Store(int32(s))
}

// markSeen records that an utterance produced its final, pruning the oldest
// entries past the limit.
func (a *Arbiter) markSeen(utteranceID string) {
	a.seen[utteranceID] = true
	a.seenOrder = append(a.seenOrder, utteranceID)
	if len(a.seenOrder) > seenLimit {
		oldest := a.seenOrder[0]
		a.seenOrder = a.seenOrder[1:]
		delete(a.seen, oldest)
	}
}
