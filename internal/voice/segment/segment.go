// Package segment turns per-speaker streams of raw Opus packets into bounded
// utterances. An utterance opens on the first voiced packet from a speaker and
// closes when no packet has arrived for the configured silence gap, when the
// platform reports the speaker stopped, or when the input stream ends —
// whichever comes first. Closed utterances carry a self-contained Ogg Opus
// bitstream ready to hand to a streaming transcription service.
package segment

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/techwithanirudh/gork/pkg/audio"
)

const (
	// sampleRate and channels describe the Ogg container header. The Opus
	// payloads themselves stay untouched; the decoder downmixes as needed.
	sampleRate = 48000
	channels   = 1

	// opusFrameDuration is the wall-clock span of one Opus frame.
	opusFrameDuration = 20 * time.Millisecond

	// samplesPerFrame is the per-channel sample count of one 20 ms frame at 48 kHz.
	samplesPerFrame = 960

	// DefaultSilenceGap is the silence span that closes an utterance when no
	// override is configured.
	DefaultSilenceGap = 1000 * time.Millisecond

	// defaultCheckInterval controls how often open utterances are checked
	// against the silence gap.
	defaultCheckInterval = 100 * time.Millisecond
)

// silentOpusFrame is a minimal Opus packet decoding to silence, used to fill
// intra-utterance gaps so the container timeline stays continuous.
var silentOpusFrame = []byte{0xF8, 0xFF, 0xFE}

// Utterance is one bounded speech segment from one participant.
type Utterance struct {
	// ID uniquely identifies the utterance within the process.
	ID string

	// UserID is the platform user the audio came from. Empty when the SSRC
	// could not be resolved before the utterance closed.
	UserID string

	// SSRC identifies the RTP source stream the audio arrived on.
	SSRC uint32

	// StartedAt is the arrival time of the first packet.
	StartedAt time.Time

	// ClosedAt is when the silence gap elapsed (or the stream ended).
	ClosedAt time.Time

	// Audio is the complete Ogg Opus container for the segment.
	Audio []byte
}

// Duration returns the wall-clock span covered by the utterance.
func (u Utterance) Duration() time.Duration {
	return u.ClosedAt.Sub(u.StartedAt)
}

// Resolver maps an RTP SSRC to a platform user ID. It may return ok=false
// while the mapping has not been announced yet.
type Resolver func(ssrc uint32) (userID string, ok bool)

// Segmenter demarcates utterances in a stream of raw Opus packets. One
// Segmenter serves all speakers on a connection; packets are demultiplexed by
// SSRC internally. Run owns all state, so a Segmenter must not be shared
// across multiple Run calls.
type Segmenter struct {
	resolve       Resolver
	gap           time.Duration
	checkInterval time.Duration
	log           *slog.Logger

	idCounter atomic.Uint64
}

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithSilenceGap overrides the silence span that closes an utterance.
// Non-positive values are ignored.
func WithSilenceGap(d time.Duration) Option {
	return func(s *Segmenter) {
		if d > 0 {
			s.gap = d
		}
	}
}

// WithCheckInterval overrides how often open utterances are checked for
// closure. Mainly useful in tests with short silence gaps.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Segmenter) {
		if d > 0 {
			s.checkInterval = d
		}
	}
}

// WithLogger sets the logger used for drop and close diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Segmenter) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a Segmenter that resolves speakers through resolve.
func New(resolve Resolver, opts ...Option) *Segmenter {
	s := &Segmenter{
		resolve:       resolve,
		gap:           DefaultSilenceGap,
		checkInterval: defaultCheckInterval,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run consumes packets from in and emits closed utterances on the returned
// channel. events carries speaking start/stop notifications from the platform;
// a stop closes that speaker's open utterance immediately instead of waiting
// out the silence gap. events may be nil when no such signal is available.
// The returned channel is closed after in closes and every open utterance has
// been flushed. Run returns immediately; segmentation happens on a background
// goroutine.
func (s *Segmenter) Run(in <-chan audio.OpusPacket, events <-chan audio.SpeakingEvent) <-chan Utterance {
	out := make(chan Utterance, 8)
	go s.run(in, events, out)
	return out
}

func (s *Segmenter) run(in <-chan audio.OpusPacket, events <-chan audio.SpeakingEvent, out chan<- Utterance) {
	defer close(out)

	builders := make(map[uint32]*builder)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				// Stream ended: flush every open utterance.
				for ssrc, b := range builders {
					s.closeBuilder(b, time.Now(), out)
					delete(builders, ssrc)
				}
				return
			}
			b, exists := builders[pkt.SSRC]
			if !exists {
				// Comfort-noise frames during silence must not open a new
				// utterance; inside one they fill the timeline like any gap.
				if bytes.Equal(pkt.Opus, silentOpusFrame) {
					continue
				}
				b = s.newBuilder(pkt.SSRC, pkt.ReceivedAt)
				builders[pkt.SSRC] = b
			}
			if err := b.write(pkt); err != nil {
				// Malformed frame: drop the utterance, keep the speaker's stream.
				s.log.Warn("segment: dropping utterance after write failure",
					"ssrc", pkt.SSRC, "utterance_id", b.id, "error", err)
				delete(builders, pkt.SSRC)
			}
		case ev := <-events:
			if ev.Speaking {
				continue
			}
			if b, exists := builders[ev.SSRC]; exists {
				s.closeBuilder(b, time.Now(), out)
				delete(builders, ev.SSRC)
			}
		case now := <-ticker.C:
			for ssrc, b := range builders {
				if now.Sub(b.lastAt) >= s.gap {
					s.closeBuilder(b, now, out)
					delete(builders, ssrc)
				}
			}
		}
	}
}

// closeBuilder finalises the Ogg container and emits the utterance. Builders
// whose container cannot be finalised are dropped with a warning.
func (s *Segmenter) closeBuilder(b *builder, closedAt time.Time, out chan<- Utterance) {
	data, err := b.finish()
	if err != nil {
		s.log.Warn("segment: dropping utterance after container close failure",
			"ssrc", b.ssrc, "utterance_id", b.id, "error", err)
		return
	}

	userID := b.userID
	if userID == "" && s.resolve != nil {
		// The speaking notification may have arrived after the first packet.
		if resolved, ok := s.resolve(b.ssrc); ok {
			userID = resolved
		}
	}

	u := Utterance{
		ID:        b.id,
		UserID:    userID,
		SSRC:      b.ssrc,
		StartedAt: b.startedAt,
		ClosedAt:  closedAt,
		Audio:     data,
	}
	s.log.Debug("segment: utterance closed",
		"utterance_id", u.ID, "ssrc", u.SSRC, "user_id", u.UserID,
		"duration", u.Duration(), "bytes", len(u.Audio))
	out <- u
}

// newBuilder opens an utterance for ssrc starting at startedAt.
func (s *Segmenter) newBuilder(ssrc uint32, startedAt time.Time) *builder {
	userID := ""
	if s.resolve != nil {
		if resolved, ok := s.resolve(ssrc); ok {
			userID = resolved
		}
	}
	n := s.idCounter.Add(1)
	return &builder{
		id:        fmt.Sprintf("utt-%d-%d", ssrc, n),
		ssrc:      ssrc,
		userID:    userID,
		startedAt: startedAt,
		lastAt:    startedAt,
	}
}

// builder accumulates one utterance's packets into an Ogg Opus container.
type builder struct {
	id        string
	ssrc      uint32
	userID    string
	startedAt time.Time
	lastAt    time.Time

	buf bytes.Buffer
	ogg *oggwriter.OggWriter
	seq uint64
}

// write appends a packet to the container, inserting silent frames for any
// intra-utterance gap longer than one frame so timing stays continuous.
func (b *builder) write(pkt audio.OpusPacket) error {
	if b.ogg == nil {
		w, err := oggwriter.NewWith(&b.buf, sampleRate, channels)
		if err != nil {
			return fmt.Errorf("create ogg writer: %w", err)
		}
		b.ogg = w
	}

	if gap := pkt.ReceivedAt.Sub(b.lastAt); gap > opusFrameDuration {
		silentFrames := int(gap / opusFrameDuration)
		for range silentFrames {
			if err := b.writeFrame(silentOpusFrame); err != nil {
				return fmt.Errorf("write silent frame: %w", err)
			}
		}
	}

	if err := b.writeFrame(pkt.Opus); err != nil {
		return fmt.Errorf("write opus frame: %w", err)
	}
	b.lastAt = pkt.ReceivedAt
	return nil
}

// writeFrame wraps payload in a synthetic RTP packet with locally generated
// sequencing so the container has deterministic page boundaries regardless of
// transport loss or reordering.
func (b *builder) writeFrame(payload []byte) error {
	b.seq++
	return b.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: uint16(b.seq),
			Timestamp:      uint32(b.seq * samplesPerFrame),
			SSRC:           b.ssrc,
		},
		Payload: payload,
	})
}

// finish finalises the container and returns its bytes.
func (b *builder) finish() ([]byte, error) {
	if b.ogg == nil {
		return nil, fmt.Errorf("utterance %s has no audio", b.id)
	}
	if err := b.ogg.Close(); err != nil {
		return nil, fmt.Errorf("close ogg writer: %w", err)
	}
	return b.buf.Bytes(), nil
}
