// Package interaction implements the voice-interaction controller: the state
// machine that ties speech capture, the remote language service, audio
// playback and translation history together.
//
// A [Controller] runs in one of two modes. In [ModeTranslator] every
// utterance is translated once and recorded in the history store. In
// [ModeConversation] utterances extend an ordered conversation that is echoed
// back to the language service on every call.
//
// The controller is the single owner of the current [Status]. Observers
// receive [Snapshot] values through [Controller.Subscribe] and never mutate
// controller state.
package interaction

import (
	"context"
	"errors"
	"strings"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/history"
	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/speech"
)

// Status is the controller state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusError     Status = "error"
)

// Mode selects the interaction flow.
type Mode string

const (
	// ModeTranslator translates one utterance at a time.
	ModeTranslator Mode = "translator"

	// ModeConversation holds a multi-turn conversation with an agent.
	ModeConversation Mode = "conversation"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeTranslator || m == ModeConversation
}

var (
	// ErrBusy is returned when a record action arrives while a request is
	// being processed.
	ErrBusy = errors.New("interaction: busy")

	// ErrEmptyUtterance is the error status cause when capture ended without
	// any recognised text in translator mode.
	ErrEmptyUtterance = errors.New("interaction: no speech captured")

	// ErrUnknownLanguage is returned by [Controller.SetLanguage] for a name
	// that is not in the catalog.
	ErrUnknownLanguage = errors.New("interaction: unknown language")
)

// LanguageClient is the remote language service. [*langclient.Client]
// satisfies it.
type LanguageClient interface {
	Translate(ctx context.Context, text, languageName, voiceID string) (langclient.TranslateResult, error)
	Converse(ctx context.Context, text, languageName string, level langclient.Proficiency, voiceID string, prior []langclient.Turn) (langclient.ConverseResult, error)
}

// Capture is the speech capture session driven by the controller.
// [*speech.Session] satisfies it.
type Capture interface {
	Supported() bool
	Start(ctx context.Context, languageTag string) error
	Stop() <-chan struct{}
	Transcript() string
	Observe(fn func(speech.Update))
}

// Player plays synthesised audio without blocking. [*playback.Manager]
// satisfies it.
type Player interface {
	Play(ctx context.Context, locator string)
}

var (
	_ LanguageClient = (*langclient.Client)(nil)
	_ Capture        = (*speech.Session)(nil)
)

// Language is one entry of the language catalog.
type Language struct {
	Name           string
	Voice          string
	RecognitionTag string
}

// Catalog is the ordered list of selectable languages.
type Catalog []Language

// NewCatalog converts configured languages into a Catalog. An empty list
// yields the built-in catalog.
func NewCatalog(langs []config.LanguageConfig) Catalog {
	if len(langs) == 0 {
		langs = config.DefaultLanguages
	}
	c := make(Catalog, 0, len(langs))
	for _, l := range langs {
		c = append(c, Language{Name: l.Name, Voice: l.Voice, RecognitionTag: l.RecognitionTag})
	}
	return c
}

// Lookup finds a language by name, ignoring case and surrounding space.
func (c Catalog) Lookup(name string) (Language, bool) {
	name = strings.TrimSpace(name)
	for _, l := range c {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Language{}, false
}

// Names returns the language names in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, l := range c {
		out[i] = l.Name
	}
	return out
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Mode        Mode
	Status      Status
	Err         error
	Supported   bool
	Language    Language
	Proficiency langclient.Proficiency

	// Transcript is the live capture text.
	Transcript string

	// Original and Translated are the last successful translation
	// (translator mode).
	Original   string
	Translated string

	// History is the translation history, in insertion order
	// (translator mode).
	History []history.Entry

	// Conversation is the ordered turn list and Reply the text of the last
	// agent turn (conversation mode).
	Conversation []langclient.Turn
	Reply        string
}
