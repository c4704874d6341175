// Package server implements the Synapse language service: the HTTP backend
// that translates text, plays the conversation partner and serves the
// synthesised replies.
//
// Routes:
//
//	GET  /                  status banner
//	POST /api/translate     {text, lang_name, voice} -> {text, audio_url}
//	POST /api/converse      {text, lang_name, proficiency, voice, history} -> {text, audio_url, history}
//	GET  /audio/{filename}  synthesised reply (.wav or .mp3)
//	GET  /healthz, /readyz  probes
//	GET  /metrics           Prometheus exposition, when configured
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/whotf-ash/synapse/internal/health"
	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/pkg/audio"
	"github.com/whotf-ash/synapse/pkg/provider/llm"
	"github.com/whotf-ash/synapse/pkg/provider/tts"
)

// maxBodyBytes caps request bodies. Conversation histories are small.
const maxBodyBytes = 1 << 20

// Synthesizer renders a whole utterance to PCM. [*resilience.TTSFallback]
// satisfies it; [ProviderSynthesizer] adapts a single [tts.Provider].
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error)
}

type providerSynth struct{ p tts.Provider }

func (s providerSynth) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return tts.Synthesize(ctx, s.p, text, voice)
}

// ProviderSynthesizer adapts p to [Synthesizer].
func ProviderSynthesizer(p tts.Provider) Synthesizer { return providerSynth{p: p} }

// Config holds the dependencies of a [Server].
type Config struct {
	// LLM answers translate and converse requests. Required.
	LLM llm.Provider

	// LLMName labels provider metrics.
	LLMName string

	// TTS synthesises replies. Required.
	TTS Synthesizer

	// TTSName labels provider metrics.
	TTSName string

	// Audio stores synthesised replies. Required.
	Audio *AudioStore

	// SampleRate of the PCM returned by TTS. Defaults to 16000.
	SampleRate int

	// AllowedOrigins for CORS.
	AllowedOrigins []string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler, when set, is served on /metrics.
	MetricsHandler http.Handler

	// Checkers are extra readiness checks.
	Checkers []health.Checker
}

// Server is the language service. Create it with [New] and mount
// [Server.Handler].
type Server struct {
	llm      llm.Provider
	llmName  string
	tts      Synthesizer
	ttsName  string
	audio    *AudioStore
	format   audio.Format
	origins  []string
	metrics  *observe.Metrics
	metricsH http.Handler
	checkers []health.Checker
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if cfg.Audio == nil {
		errs = append(errs, errors.New("audio store is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("server: %w", errors.Join(errs...))
	}

	s := &Server{
		llm:      cfg.LLM,
		llmName:  cfg.LLMName,
		tts:      cfg.TTS,
		ttsName:  cfg.TTSName,
		audio:    cfg.Audio,
		format:   audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		origins:  cfg.AllowedOrigins,
		metrics:  cfg.Metrics,
		metricsH: cfg.MetricsHandler,
	}
	if s.format.SampleRate <= 0 {
		s.format.SampleRate = 16000
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.llmName == "" {
		s.llmName = "llm"
	}
	if s.ttsName == "" {
		s.ttsName = "tts"
	}
	s.checkers = append([]health.Checker{
		{Name: "audio_dir", Check: s.audio.CheckWritable},
	}, cfg.Checkers...)
	return s, nil
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "traceparent", "tracestate"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Post("/api/translate", s.handleTranslate)
	r.Post("/api/converse", s.handleConverse)
	r.Get("/audio/{filename}", s.handleAudio)

	health.New(s.checkers...).Register(r)
	if s.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsH)
	}
	return r
}

// Audio returns the audio store, for the janitor.
func (s *Server) Audio() *AudioStore { return s.audio }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Synapse backend is running.",
	})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req langclient.TranslateRequest
	if !decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if strings.TrimSpace(req.LangName) == "" {
		writeError(w, http.StatusBadRequest, "lang_name is required")
		return
	}

	ctx := r.Context()
	reply, err := s.complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: translatePrompt(req.Text, req.LangName)}},
	})
	if err != nil {
		observe.Logger(ctx).Error("server: translate", "lang", req.LangName, "err", err)
		writeError(w, http.StatusBadGateway, "Language model request failed")
		return
	}

	url, err := s.synthesize(ctx, reply, req.Voice)
	if err != nil {
		observe.Logger(ctx).Error("server: synthesize translation", "voice", req.Voice, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate audio")
		return
	}
	writeJSON(w, http.StatusOK, langclient.TranslateResponse{Text: reply, AudioURL: url})
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req langclient.ConverseRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.LangName) == "" {
		writeError(w, http.StatusBadRequest, "lang_name is required")
		return
	}
	prior, err := toLLMMessages(req.History)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	level := langclient.Proficiency(strings.ToLower(strings.TrimSpace(req.Proficiency)))
	system := conversationPrompt(req.LangName, level)

	// Empty text with an empty history asks for an opening turn. The opening
	// request is not part of the returned history.
	opening := len(req.History) == 0 && strings.TrimSpace(req.Text) == ""
	userText := req.Text
	switch {
	case opening:
		userText = openingRequest
	case strings.TrimSpace(userText) == "":
		userText = silentTurn
	}
	msgs := append(prior, llm.Message{Role: llm.RoleUser, Content: userText})
	msgs = fitContext(s.llm, system, msgs)

	ctx := r.Context()
	reply, err := s.complete(ctx, llm.CompletionRequest{SystemPrompt: system, Messages: msgs})
	if err != nil {
		observe.Logger(ctx).Error("server: converse", "lang", req.LangName, "err", err)
		writeError(w, http.StatusBadGateway, "Language model request failed")
		return
	}

	url, err := s.synthesize(ctx, reply, req.Voice)
	if err != nil {
		observe.Logger(ctx).Error("server: synthesize reply", "voice", req.Voice, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate audio")
		return
	}

	history := make([]langclient.WireTurn, 0, len(req.History)+2)
	history = append(history, req.History...)
	if !opening {
		history = append(history, langclient.WireTurn{Role: langclient.WireRoleUser, Parts: req.Text})
	}
	history = append(history, langclient.WireTurn{Role: langclient.WireRoleModel, Parts: reply})

	writeJSON(w, http.StatusOK, langclient.ConverseResponse{Text: reply, AudioURL: url, History: history})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.audio.serveAudio(w, r, chi.URLParam(r, "filename"))
}

// complete runs one LLM completion and returns the trimmed reply.
func (s *Server) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ctx, span := observe.StartSpan(ctx, "llm.complete")
	defer span.End()

	start := time.Now()
	resp, err := s.llm.Complete(ctx, req)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.RecordProviderRequest(ctx, s.llmName, "llm", observe.StatusOf(err))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}

// synthesize renders text and stores it, returning the audio URL path.
func (s *Server) synthesize(ctx context.Context, text, voice string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "tts.synthesize")
	defer span.End()

	start := time.Now()
	pcm, err := s.tts.Synthesize(ctx, text, tts.VoiceProfile{ID: voice, Name: voice})
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.RecordProviderRequest(ctx, s.ttsName, "tts", observe.StatusOf(err))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	name, err := s.audio.Save(pcm, s.format)
	if err != nil {
		return "", err
	}
	return "/audio/" + name, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, langclient.ErrorResponse{Error: msg})
}
