package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/server"
	"github.com/whotf-ash/synapse/pkg/audio"
	"github.com/whotf-ash/synapse/pkg/provider/llm"
	llmmock "github.com/whotf-ash/synapse/pkg/provider/llm/mock"
	"github.com/whotf-ash/synapse/pkg/provider/tts"
	ttsmock "github.com/whotf-ash/synapse/pkg/provider/tts/mock"
)

type fixture struct {
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	store *server.AudioStore
	srv   *httptest.Server
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	store, err := server.NewAudioStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		llm:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}},
		tts:   &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0, 2, 0}, {3, 0}}},
		store: store,
	}
	s, err := server.New(server.Config{
		LLM:            f.llm,
		TTS:            server.ProviderSynthesizer(f.tts),
		Audio:          store,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := server.New(server.Config{}); err == nil {
		t.Error("expected error")
	}
}

func TestRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	resp, err := http.Get(f.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["message"] != "Synapse backend is running." {
		t.Errorf("GET / = %d %v", resp.StatusCode, body)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, " Hola\n")

	resp, body := f.post(t, "/api/translate", langclient.TranslateRequest{Text: "Hello", LangName: "spanish", Voice: "es-ES-AlvaroNeural"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["text"] != "Hola" {
		t.Errorf("text = %v", body["text"])
	}
	url, _ := body["audio_url"].(string)
	if !strings.HasPrefix(url, "/audio/") || !strings.HasSuffix(url, ".wav") {
		t.Fatalf("audio_url = %q", url)
	}

	data, err := os.ReadFile(filepath.Join(f.store.Dir(), strings.TrimPrefix(url, "/audio/")))
	if err != nil {
		t.Fatalf("audio file: %v", err)
	}
	pcm, format, err := audio.ParseWAV(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pcm, []byte{1, 0, 2, 0, 3, 0}) || format.SampleRate != 16000 || format.Channels != 1 {
		t.Errorf("wav = %v %+v", pcm, format)
	}

	calls := f.llm.Calls()
	if len(calls) != 1 || len(calls[0].Messages) != 1 {
		t.Fatalf("llm calls = %+v", calls)
	}
	prompt := calls[0].Messages[0].Content
	if !strings.Contains(prompt, "to Spanish") || !strings.Contains(prompt, "'Hello'") {
		t.Errorf("prompt = %q", prompt)
	}
	synth := f.tts.Calls()
	if len(synth) != 1 || synth[0].Voice.Name != "es-ES-AlvaroNeural" || strings.Join(synth[0].Text, "") != "Hola" {
		t.Errorf("tts calls = %+v", synth)
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		body       any
		llmErr     error
		ttsErr     error
		wantStatus int
		wantError  string
	}{
		{name: "invalid json", body: "{", wantStatus: http.StatusBadRequest},
		{name: "empty text", body: langclient.TranslateRequest{Text: "  ", LangName: "spanish"}, wantStatus: http.StatusBadRequest},
		{name: "missing language", body: langclient.TranslateRequest{Text: "Hello"}, wantStatus: http.StatusBadRequest},
		{
			name:       "llm failure",
			body:       langclient.TranslateRequest{Text: "Hello", LangName: "spanish"},
			llmErr:     errors.New("quota exceeded"),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "tts failure",
			body:       langclient.TranslateRequest{Text: "Hello", LangName: "spanish"},
			ttsErr:     errors.New("voice not found"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to generate audio",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "Hola")
			f.llm.CompleteErr = tt.llmErr
			f.tts.SynthesizeErr = tt.ttsErr

			resp, body := f.post(t, "/api/translate", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if _, ok := body["error"]; !ok {
				t.Errorf("body = %v, want error field", body)
			}
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestConverse_Opening(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Bonjour!")

	resp, body := f.post(t, "/api/converse", langclient.ConverseRequest{
		LangName: "french", Proficiency: "beginner", Voice: "fr-FR-DeniseNeural", History: []langclient.WireTurn{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	req := f.llm.Calls()[0]
	if !strings.Contains(req.SystemPrompt, "native French speaker") || !strings.Contains(req.SystemPrompt, "beginner") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "Please begin the conversation." {
		t.Errorf("messages = %+v", req.Messages)
	}

	history, _ := body["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("history = %v", body["history"])
	}
	turn := history[0].(map[string]any)
	if turn["role"] != "model" || turn["parts"] != "Bonjour!" {
		t.Errorf("opening turn = %v", turn)
	}
}

func TestConverse_Continues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Très bien, et toi ?")

	prior := []langclient.WireTurn{{Role: "model", Parts: "Bonjour! Ça va ?"}}
	resp, body := f.post(t, "/api/converse", langclient.ConverseRequest{
		Text: "Ça va bien", LangName: "french", Proficiency: "advanced", Voice: "fr-FR-DeniseNeural", History: prior,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	req := f.llm.Calls()[0]
	if !strings.Contains(req.SystemPrompt, "idioms") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	want := []llm.Message{
		{Role: llm.RoleAssistant, Content: "Bonjour! Ça va ?"},
		{Role: llm.RoleUser, Content: "Ça va bien"},
	}
	if len(req.Messages) != len(want) || req.Messages[0] != want[0] || req.Messages[1] != want[1] {
		t.Errorf("messages = %+v", req.Messages)
	}

	history, _ := body["history"].([]any)
	if len(history) != 3 {
		t.Fatalf("history = %v", body["history"])
	}
	roles := []string{"model", "user", "model"}
	for i, h := range history {
		if h.(map[string]any)["role"] != roles[i] {
			t.Errorf("history[%d] = %v", i, h)
		}
	}
}

func TestConverse_UnknownProficiencyUsesIntermediate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hallo!")
	resp, _ := f.post(t, "/api/converse", langclient.ConverseRequest{LangName: "german", Proficiency: "expert"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sp := f.llm.Calls()[0].SystemPrompt; !strings.Contains(sp, "intermediate learner") {
		t.Errorf("system prompt = %q", sp)
	}
}

func TestConverse_RejectsUnknownRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "x")
	resp, _ := f.post(t, "/api/converse", langclient.ConverseRequest{
		Text: "hi", LangName: "german", History: []langclient.WireTurn{{Role: "system", Parts: "x"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(f.llm.Calls()) != 0 {
		t.Error("llm called for invalid history")
	}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hola")
	client, err := langclient.New(f.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tr, err := client.Translate(ctx, "Hello", "spanish", "es-ES-AlvaroNeural")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tr.TranslatedText != "Hola" || !strings.HasPrefix(tr.AudioLocator, "/audio/") {
		t.Errorf("translate = %+v", tr)
	}

	open, err := client.Converse(ctx, "", "spanish", langclient.Beginner, "es-ES-AlvaroNeural", nil)
	if err != nil {
		t.Fatalf("Converse opening: %v", err)
	}
	if len(open.History) != 1 || open.History[0].Role != langclient.RoleAgent {
		t.Fatalf("opening history = %+v", open.History)
	}
	next, err := client.Converse(ctx, "Buenos días", "spanish", langclient.Beginner, "es-ES-AlvaroNeural", open.History)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if len(next.History) != 3 || next.History[1] != (langclient.Turn{Role: langclient.RoleUser, Content: "Buenos días"}) {
		t.Errorf("history = %+v", next.History)
	}

	resp, err := http.Get(f.srv.URL + tr.AudioLocator + "?t=123")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" {
		t.Errorf("GET audio = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestAudioRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	if err := os.WriteFile(filepath.Join(f.store.Dir(), "clip.mp3"), []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		want int
	}{
		{"/audio/clip.mp3", http.StatusOK},
		{"/audio/missing.wav", http.StatusNotFound},
		{"/audio/notes.txt", http.StatusBadRequest},
		{"/audio/a..b.wav", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Get(f.srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/translate", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestMapVoices(t *testing.T) {
	t.Parallel()
	inner := &ttsmock.Provider{SynthesizeChunks: [][]byte{{0, 0}}}
	p := server.MapVoices(inner, "elevenlabs", map[string]string{"es-ES-AlvaroNeural": "pNInz6obpgDQGcFmaJgB"}, "21m00Tcm4TlvDq8ikWAM")

	ctx := context.Background()
	for _, name := range []string{"es-ES-AlvaroNeural", "ja-JP-KeitaNeural"} {
		if _, err := tts.Synthesize(ctx, p, "x", tts.VoiceProfile{ID: name, Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	calls := inner.Calls()
	if calls[0].Voice.ID != "pNInz6obpgDQGcFmaJgB" || calls[1].Voice.ID != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("voices = %+v, %+v", calls[0].Voice, calls[1].Voice)
	}
	if calls[0].Voice.Provider != "elevenlabs" {
		t.Errorf("provider = %q", calls[0].Voice.Provider)
	}

	if got := server.MapVoices(inner, "x", nil, ""); got != tts.Provider(inner) {
		t.Error("MapVoices without a table should return the provider unchanged")
	}
}
