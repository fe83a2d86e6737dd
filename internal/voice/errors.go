package voice

import "fmt"

// ErrorKind classifies pipeline failures so logging and arbitration can tell
// failure sources apart instead of treating everything as "no transcript".
type ErrorKind int

const (
	// TransportError covers voice-channel join and readiness failures. Fatal
	// to session start; surfaced synchronously to the caller.
	TransportError ErrorKind = iota

	// SegmentationError covers malformed audio frames. The utterance is
	// dropped; the speaker's stream continues.
	SegmentationError

	// TranscriptionError covers STT connection failures. The current
	// utterance is abandoned without retry.
	TranscriptionError

	// GenerationError covers LLM failures during reply generation.
	GenerationError

	// SynthesisError covers TTS failures during reply synthesis.
	SynthesisError

	// PlaybackError covers output failures; no partial playback is assumed.
	PlaybackError
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport"
	case SegmentationError:
		return "segmentation"
	case TranscriptionError:
		return "transcription"
	case GenerationError:
		return "generation"
	case SynthesisError:
		return "synthesis"
	case PlaybackError:
		return "playback"
	default:
		return "unknown"
	}
}

// PipelineError wraps a component failure with its kind so callers can route
// on the failure source.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("voice: %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// pipelineErr wraps err with kind.
func pipelineErr(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}
