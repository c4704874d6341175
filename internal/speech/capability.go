// Package speech turns a live microphone stream into an incrementally updated
// text transcript.
//
// A [Capability] is the host's speech-to-text facility. [STTCapability]
// implements it by feeding microphone PCM from a [Source] into a streaming
// STT provider. A [Session] wraps a Capability and owns the transcript and the
// listening flag the interaction controller reads.
package speech

import (
	"context"
	"errors"
)

// ErrUnsupportedCapability is returned by [Session.Start] when the host has
// no speech-to-text capability.
var ErrUnsupportedCapability = errors.New("speech: speech recognition is not supported")

// ErrRecognitionFailed wraps errors reported by a running recognition stream.
var ErrRecognitionFailed = errors.New("speech: recognition failed")

// Event is one recognition result or failure from a [Stream].
type Event struct {
	// Text is the recognised text for the current segment.
	Text string

	// Final reports whether Text is committed. Interim results for a segment
	// replace each other until a final result for it arrives.
	Final bool

	// Err is set when recognition failed. Text and Final are then unset.
	Err error
}

// Stream is one continuous, interim-results recognition run.
type Stream interface {
	// Events returns the results of the run. The channel is closed once the
	// capability has finalised after Stop, or when the run ends by itself.
	Events() <-chan Event

	// Stop asks the capability to finalise. Results for audio that was
	// already captured may still arrive on Events afterwards. Calling Stop
	// more than once is safe.
	Stop() error
}

// Capability starts recognition runs for a BCP-47 language tag.
type Capability interface {
	Start(ctx context.Context, languageTag string) (Stream, error)
}
