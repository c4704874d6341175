package langclient

import (
	"fmt"
	"strings"
)

// Role attributes a [Turn] to the learner or the conversation partner.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one utterance in a conversation. Turns are immutable once created.
type Turn struct {
	Role    Role
	Content string
}

// Proficiency is the learner level the conversation partner adapts to.
type Proficiency string

const (
	Beginner     Proficiency = "beginner"
	Intermediate Proficiency = "intermediate"
	Advanced     Proficiency = "advanced"
)

// Proficiencies lists every level in increasing order.
var Proficiencies = []Proficiency{Beginner, Intermediate, Advanced}

// ParseProficiency parses a level name, case-insensitively.
func ParseProficiency(s string) (Proficiency, error) {
	p := Proficiency(strings.ToLower(strings.TrimSpace(s)))
	if p.IsValid() {
		return p, nil
	}
	return "", fmt.Errorf("langclient: unknown proficiency %q; valid values: beginner, intermediate, advanced", s)
}

// IsValid reports whether p is a recognised level.
func (p Proficiency) IsValid() bool {
	switch p {
	case Beginner, Intermediate, Advanced:
		return true
	}
	return false
}

// TranslateResult is the outcome of a translate call.
type TranslateResult struct {
	TranslatedText string

	// AudioLocator is the path of the synthesised reply relative to the
	// service origin, e.g. "/audio/<id>.wav".
	AudioLocator string
}

// ConverseResult is the outcome of a converse call.
type ConverseResult struct {
	// Text is the partner's new reply.
	Text string

	// History is the full conversation after the call, oldest first.
	History []Turn

	AudioLocator string
}

// Wire roles. The service speaks the model vocabulary of the underlying
// chat API, where the partner's turns are "model".
const (
	WireRoleUser  = "user"
	WireRoleModel = "model"
)

// TranslateRequest is the JSON body of POST /api/translate.
type TranslateRequest struct {
	Text     string `json:"text"`
	LangName string `json:"lang_name"`
	Voice    string `json:"voice"`
}

// TranslateResponse is the JSON body returned by POST /api/translate.
type TranslateResponse struct {
	Text     string `json:"text"`
	AudioURL string `json:"audio_url"`
}

// WireTurn is a conversation turn as exchanged with the service.
type WireTurn struct {
	Role  string `json:"role"`
	Parts string `json:"parts"`
}

// ConverseRequest is the JSON body of POST /api/converse.
type ConverseRequest struct {
	Text        string     `json:"text"`
	LangName    string     `json:"lang_name"`
	Proficiency string     `json:"proficiency"`
	Voice       string     `json:"voice"`
	History     []WireTurn `json:"history"`
}

// ConverseResponse is the JSON body returned by POST /api/converse.
type ConverseResponse struct {
	Text     string     `json:"text"`
	AudioURL string     `json:"audio_url"`
	History  []WireTurn `json:"history"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToWire converts turns to their wire form.
func ToWire(turns []Turn) []WireTurn {
	out := make([]WireTurn, 0, len(turns))
	for _, t := range turns {
		role := WireRoleUser
		if t.Role == RoleAgent {
			role = WireRoleModel
		}
		out = append(out, WireTurn{Role: role, Parts: t.Content})
	}
	return out
}

// FromWire converts wire turns back to [Turn] values. It fails on roles other
// than "user" and "model".
func FromWire(turns []WireTurn) ([]Turn, error) {
	out := make([]Turn, 0, len(turns))
	for i, t := range turns {
		var role Role
		switch t.Role {
		case WireRoleUser:
			role = RoleUser
		case WireRoleModel:
			role = RoleAgent
		default:
			return nil, fmt.Errorf("history[%d]: unknown role %q", i, t.Role)
		}
		out = append(out, Turn{Role: role, Content: t.Parts})
	}
	return out, nil
}
