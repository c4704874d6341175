package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/whotf-ash/synapse/internal/app"
	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/resilience"
	"github.com/whotf-ash/synapse/internal/server"
	"github.com/whotf-ash/synapse/pkg/provider/llm"
	"github.com/whotf-ash/synapse/pkg/provider/llm/anyllm"
	"github.com/whotf-ash/synapse/pkg/provider/llm/openai"
	"github.com/whotf-ash/synapse/pkg/provider/stt"
	"github.com/whotf-ash/synapse/pkg/provider/stt/deepgram"
	"github.com/whotf-ash/synapse/pkg/provider/tts"
	"github.com/whotf-ash/synapse/pkg/provider/tts/elevenlabs"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Synapse. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// sampleRate is the PCM rate the language service writes into its WAV files;
// TTS providers are asked for that rate unless an entry overrides it.
func registerBuiltinProviders(reg *config.Registry, sampleRate int) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// All any-llm backends share the same pattern: optional APIKey + optional
	// BaseURL. Ollama is a local server and only uses BaseURL.
	for _, providerName := range anyllm.SupportedBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// openai-native talks to the OpenAI API (or any compatible endpoint)
	// through the official SDK.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		outputFmt := config.OptString(entry.Options, "output_format")
		if outputFmt == "" && sampleRate > 0 {
			outputFmt = "pcm_" + strconv.Itoa(sampleRate)
		}
		if outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		// Front-ends send catalog voice names; map them to provider voice IDs.
		return server.MapVoices(p, entry.Name,
			config.OptStringMap(entry.Options, "voices"),
			config.OptString(entry.Options, "default_voice")), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildClientProviders instantiates the providers the interactive client
// uses. Only speech recognition runs locally; a missing or unregistered STT
// provider leaves capture unsupported.
func buildClientProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	name := cfg.Providers.STT.Name
	if name == "" {
		return ps, nil
	}
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("stt provider not available; speech capture disabled", "name", name)
		return ps, nil
	} else if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", name)

	var fallbacks []app.NamedSTT
	for _, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		fallbacks = append(fallbacks, app.NamedSTT{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "role", "fallback")
	}
	ps.STT = app.STTChain(app.NamedSTT{Name: name, Provider: primary}, fallbacks, resilience.FallbackConfig{})
	return ps, nil
}

// buildServiceProviders instantiates the LLM and TTS chains for the language
// service. Fallback entries are wrapped behind per-provider circuit breakers.
func buildServiceProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	if pc.LLM.Name == "" {
		return nil, errors.New("providers.llm is not configured")
	}
	if pc.TTS.Name == "" {
		return nil, errors.New("providers.tts is not configured")
	}
	fallbackCfg := resilience.FallbackConfig{}

	primaryLLM, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "model", pc.LLM.Model)
	var llmFallbacks []app.NamedLLM
	for _, entry := range pc.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		llmFallbacks = append(llmFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "role", "fallback")
	}

	primaryTTS, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", pc.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", pc.TTS.Name, "model", pc.TTS.Model)
	var ttsFallbacks []app.NamedTTS
	for _, entry := range pc.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		ttsFallbacks = append(ttsFallbacks, app.NamedTTS{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "role", "fallback")
	}

	return &app.Providers{
		LLM:     app.LLMChain(app.NamedLLM{Name: pc.LLM.Name, Provider: primaryLLM}, llmFallbacks, fallbackCfg),
		LLMName: pc.LLM.Name,
		TTS:     app.TTSChain(app.NamedTTS{Name: pc.TTS.Name, Provider: primaryTTS}, ttsFallbacks, fallbackCfg),
		TTSName: pc.TTS.Name,
	}, nil
}
