package server

import (
	"context"

	"github.com/whotf-ash/synapse/pkg/provider/tts"
)

// voiceMapper translates catalog voice names (e.g. "es-ES-AlvaroNeural") to
// the IDs one TTS provider understands. Each provider in a fallback chain is
// wrapped with its own table.
type voiceMapper struct {
	tts.Provider
	name      string
	voices    map[string]string
	defaultID string
}

// MapVoices wraps p so that a voice whose Name appears in voices is
// synthesised with the mapped ID. Unmapped voices use defaultID when set and
// keep their own ID otherwise.
func MapVoices(p tts.Provider, providerName string, voices map[string]string, defaultID string) tts.Provider {
	if len(voices) == 0 && defaultID == "" {
		return p
	}
	return &voiceMapper{Provider: p, name: providerName, voices: voices, defaultID: defaultID}
}

func (m *voiceMapper) resolve(v tts.VoiceProfile) tts.VoiceProfile {
	key := v.Name
	if key == "" {
		key = v.ID
	}
	if id, ok := m.voices[key]; ok {
		v.ID = id
	} else if m.defaultID != "" {
		v.ID = m.defaultID
	}
	v.Provider = m.name
	return v
}

// SynthesizeStream implements [tts.Provider].
func (m *voiceMapper) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return m.Provider.SynthesizeStream(ctx, text, m.resolve(voice))
}
