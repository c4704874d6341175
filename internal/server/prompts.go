package server

import (
	"fmt"
	"strings"

	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/pkg/provider/llm"
)

// openingRequest is the hidden user message that asks the agent to start.
const openingRequest = "Please begin the conversation."

// silentTurn stands in for an empty user utterance, which most chat APIs
// reject.
const silentTurn = "..."

// translatePrompt builds the single-shot translation instruction.
func translatePrompt(text, language string) string {
	return fmt.Sprintf("Translate the following English text to %s. Provide only the single, "+
		"most common translation as a plain string, with no extra text or formatting. "+
		"Text to translate: '%s'", titleCase(language), text)
}

// conversationPrompt returns the system instruction for the partner at the
// given level. Unknown levels get the intermediate prompt.
func conversationPrompt(language string, level langclient.Proficiency) string {
	lang := titleCase(language)
	switch level {
	case langclient.Beginner:
		return fmt.Sprintf("You are a native %s speaker. I am a beginner, so use simple vocabulary "+
			"and short sentences. Do not speak English. Start with a simple greeting.", lang)
	case langclient.Advanced:
		return fmt.Sprintf("You are a native %s speaker. I am an advanced learner, so speak as you "+
			"would to a native, using idioms. Do not speak English. Start by introducing a topic.", lang)
	default:
		return fmt.Sprintf("You are a native %s speaker. I am an intermediate learner, so use a "+
			"normal range of vocabulary. Do not speak English. Start with a greeting and an "+
			"open-ended question.", lang)
	}
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// toLLMMessages maps wire turns to provider messages.
func toLLMMessages(turns []langclient.WireTurn) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(turns))
	for i, t := range turns {
		var role string
		switch t.Role {
		case langclient.WireRoleUser:
			role = llm.RoleUser
		case langclient.WireRoleModel:
			role = llm.RoleAssistant
		default:
			return nil, fmt.Errorf("history[%d]: unknown role %q", i, t.Role)
		}
		out = append(out, llm.Message{Role: role, Content: t.Parts})
	}
	return out, nil
}

// fitContext drops the oldest messages until system prompt, messages and the
// reserved output fit the model's context window. The last message is always
// kept.
func fitContext(p llm.Provider, system string, msgs []llm.Message) []llm.Message {
	caps := p.Capabilities()
	if caps.ContextWindow <= 0 {
		return msgs
	}
	budget := caps.ContextWindow - caps.MaxOutputTokens
	systemTokens, err := p.CountTokens([]llm.Message{{Role: llm.RoleSystem, Content: system}})
	if err != nil {
		systemTokens = llm.EstimateTokens([]llm.Message{{Role: llm.RoleSystem, Content: system}})
	}
	budget -= systemTokens

	for len(msgs) > 1 {
		n, err := p.CountTokens(msgs)
		if err != nil {
			n = llm.EstimateTokens(msgs)
		}
		if n <= budget {
			break
		}
		msgs = msgs[1:]
		// Keep the window starting on a user turn.
		for len(msgs) > 1 && msgs[0].Role == llm.RoleAssistant {
			msgs = msgs[1:]
		}
	}
	return msgs
}
