// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. Once a session is opened it accepts
// raw PCM audio chunks and emits two streams of Transcript values: low-latency
// partials that may still change, and finals the provider has committed to.
//
// The speech capture layer (internal/speech) turns these two streams into the
// single, continuously updated transcript a user sees while speaking.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle.SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition language for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Microphone capture runs at
	// 16000 by default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "es-ES").
	// An empty string lets the provider fall back to its own default.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. Close asks
// the provider to finalise: transcripts for already-sent audio may still be
// delivered after Close has been called, until both channels are closed.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM to the provider.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. The channel
	// is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of final transcripts. The channel is
	// closed when the session ends.
	Finals() <-chan Transcript

	// Close stops accepting audio, flushes pending audio and releases
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
