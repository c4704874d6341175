package audio

import "time"

// Frame is a chunk of 16-bit little-endian PCM read from a capture device.
type Frame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT, 44100 for many USB microphones).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns how much audio pcm holds in format f.
func (f Format) Duration(pcm []byte) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(pcm) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
