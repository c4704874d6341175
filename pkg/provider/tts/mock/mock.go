// Package mock provides a test double for the tts.Provider interface.
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{{1, 0}, {2, 0}}}
//	pcm, _ := tts.Synthesize(ctx, p, "hola", voice)
package mock

import (
	"context"
	"sync"

	"github.com/whotf-ash/synapse/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream together with
// the text fragments that were read from the input channel.
type SynthesizeCall struct {
	Voice tts.VoiceProfile
	Text  []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is emitted on the audio channel after the text channel
	// has been drained.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	SynthesizeCalls []SynthesizeCall
	ListVoicesCalls int
}

// SynthesizeStream drains text, records it and replays SynthesizeChunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.SynthesizeErr
	chunks := p.SynthesizeChunks
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		call := SynthesizeCall{Voice: voice}
		for s := range text {
			call.Text = append(call.Text, s)
		}
		p.mu.Lock()
		p.SynthesizeCalls = append(p.SynthesizeCalls, call)
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded synthesis calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

var _ tts.Provider = (*Provider)(nil)
