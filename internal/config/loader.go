package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr        = ":8000"
	DefaultAPIURL            = "http://localhost:8000"
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultRequestTimeout    = 30 * time.Second
	DefaultAudioTTL          = 5 * time.Minute
	DefaultSampleRate        = 16000
	DefaultCaptureCommand    = "arecord -q -f S16_LE -r 16000 -c 1 -t raw"
	DefaultPlayerCommand     = "ffplay -nodisp -autoexit -loglevel quiet -"
	DefaultHistoryKey        = "translationHistory"
	defaultAudioDirName      = "synapse-audio"
	defaultHistoryFileSubdir = "synapse"
)

// DefaultAllowedOrigins are the browser origins accepted by CORS when none
// are configured.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// providerKeyEnv maps a provider name to the environment variable that
// supplies its API key when the config leaves api_key empty.
var providerKeyEnv = map[string]string{
	"deepgram":      "DEEPGRAM_API_KEY",
	"elevenlabs":    "ELEVENLABS_API_KEY",
	"openai":        "OPENAI_API_KEY",
	"openai-native": "OPENAI_API_KEY",
	"gemini":        "GEMINI_API_KEY",
	"anthropic":     "ANTHROPIC_API_KEY",
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored. With no arguments it reads ".env" in the working
// directory.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadOptional behaves like [Load] but falls back to the built-in defaults
// when path is empty or the file does not exist.
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		slog.Debug("config file not found, using defaults", "path", path)
	}
	return finish(&Config{}, os.LookupEnv)
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted, which keeps it deterministic
// in tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, func(string) (string, bool) { return "", false })
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with values from the environment. lookup is usually
// [os.LookupEnv].
//
//   - SYNAPSE_API_URL, or the older VITE_API_URL, sets client.api_url.
//   - SYNAPSE_LOG_LEVEL sets server.log_level.
//   - Provider API keys fill empty api_key fields (DEEPGRAM_API_KEY, ...).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("SYNAPSE_API_URL"); ok && v != "" {
		cfg.Client.APIURL = v
	} else if v, ok := lookup("VITE_API_URL"); ok && v != "" {
		cfg.Client.APIURL = v
	}
	if v, ok := lookup("SYNAPSE_LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	fill := func(e *ProviderEntry) {
		if e.APIKey != "" || e.Name == "" {
			return
		}
		if name, ok := providerKeyEnv[e.Name]; ok {
			if v, ok := lookup(name); ok {
				e.APIKey = v
			}
		}
	}
	fill(&cfg.Providers.LLM)
	fill(&cfg.Providers.STT)
	fill(&cfg.Providers.TTS)
	for i := range cfg.Providers.LLMFallbacks {
		fill(&cfg.Providers.LLMFallbacks[i])
	}
	for i := range cfg.Providers.TTSFallbacks {
		fill(&cfg.Providers.TTSFallbacks[i])
	}
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}
	if s.AudioDir == "" {
		s.AudioDir = filepath.Join(os.TempDir(), defaultAudioDirName)
	}
	if s.AudioTTL == 0 {
		s.AudioTTL = DefaultAudioTTL
	}
	if s.AudioSampleRate == 0 {
		s.AudioSampleRate = DefaultSampleRate
	}

	c := &cfg.Client
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CaptureCommand == "" {
		c.CaptureCommand = DefaultCaptureCommand
	}
	if c.CaptureSampleRate == 0 {
		c.CaptureSampleRate = DefaultSampleRate
	}
	if c.CaptureChannels == 0 {
		c.CaptureChannels = 1
	}
	if c.PlayerCommand == "" {
		c.PlayerCommand = DefaultPlayerCommand
	}

	h := &cfg.History
	if h.Backend == "" {
		h.Backend = HistoryFile
	}
	if h.Key == "" {
		h.Key = DefaultHistoryKey
	}
	if h.Path == "" && h.Backend == HistoryFile {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		h.Path = filepath.Join(dir, defaultHistoryFileSubdir, "history.json")
	}

	if len(cfg.Languages) == 0 {
		cfg.Languages = slices.Clone(DefaultLanguages)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.AudioTTL < 0 {
		errs = append(errs, fmt.Errorf("server.audio_ttl %s must not be negative", cfg.Server.AudioTTL))
	}
	if cfg.Server.AudioSampleRate < 0 {
		errs = append(errs, fmt.Errorf("server.audio_sample_rate %d must not be negative", cfg.Server.AudioSampleRate))
	}

	// Client
	if cfg.Client.APIURL != "" {
		u, err := url.Parse(cfg.Client.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("client.api_url %q must be an absolute http(s) URL", cfg.Client.APIURL))
		}
	}
	if cfg.Client.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("client.settle_delay %s must not be negative", cfg.Client.SettleDelay))
	}
	if cfg.Client.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("client.request_timeout %s must not be negative", cfg.Client.RequestTimeout))
	}
	if cfg.Client.CaptureChannels < 0 || cfg.Client.CaptureChannels > 2 {
		errs = append(errs, fmt.Errorf("client.capture_channels %d is out of range [1, 2]", cfg.Client.CaptureChannels))
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: file, postgres, memory", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.PostgresDSN == "" {
		errs = append(errs, errors.New("history.postgres_dsn is required when history.backend is postgres"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt to be configured"))
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm to be configured"))
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts to be configured"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Debug("no STT provider configured; speech capture will be unavailable")
	}

	// Languages
	seen := make(map[string]int, len(cfg.Languages))
	for i, lang := range cfg.Languages {
		prefix := fmt.Sprintf("languages[%d]", i)
		if lang.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			key := strings.ToLower(lang.Name)
			if prev, ok := seen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of languages[%d]", prefix, lang.Name, prev))
			}
			seen[key] = i
		}
		if lang.Voice == "" {
			errs = append(errs, fmt.Errorf("%s.voice is required", prefix))
		}
		if lang.RecognitionTag == "" {
			errs = append(errs, fmt.Errorf("%s.recognition_tag is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
