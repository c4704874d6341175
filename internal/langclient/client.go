// Package langclient is the client side of the Synapse language service: a
// stateless request/response API offering "translate" and "converse".
//
// Every call goes through a circuit breaker. Consecutive server-side failures
// open the breaker and later calls fail fast until it half-opens again. There
// are no retries. All failures are reported as [ErrRequestFailed].
package langclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/internal/resilience"
)

// ErrRequestFailed wraps every failed translate or converse call.
var ErrRequestFailed = errors.New("langclient: request failed")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithCircuitBreaker overrides the breaker configuration.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(cl *Client) { cl.breakerCfg = cfg }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client calls the language service. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	http       *http.Client
	timeout    time.Duration
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// New returns a Client for the service at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("langclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("langclient: base url %q must use http or https", baseURL)
	}
	c := &Client{
		base: base,
		http: http.DefaultClient,
		breakerCfg: resilience.CircuitBreakerConfig{
			Name: "langclient",
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breakerCfg.IsFailure == nil {
		c.breakerCfg.IsFailure = countsAsFailure
	}
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// countsAsFailure reports whether err should count against the breaker.
// Cancellations and client errors (4xx) do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return false
	}
	return true
}

// Translate asks the service to translate English text into languageName and
// voice the result with voiceID.
func (c *Client) Translate(ctx context.Context, text, languageName, voiceID string) (TranslateResult, error) {
	var resp TranslateResponse
	err := c.call(ctx, "translate", "/api/translate", TranslateRequest{
		Text:     text,
		LangName: languageName,
		Voice:    voiceID,
	}, &resp)
	if err != nil {
		return TranslateResult{}, err
	}
	return TranslateResult{TranslatedText: resp.Text, AudioLocator: resp.AudioURL}, nil
}

// Converse sends the learner's utterance and the prior conversation.
// Passing text "" with an empty prior history requests an opening turn.
func (c *Client) Converse(ctx context.Context, text, languageName string, level Proficiency, voiceID string, prior []Turn) (ConverseResult, error) {
	var resp ConverseResponse
	err := c.call(ctx, "converse", "/api/converse", ConverseRequest{
		Text:        text,
		LangName:    languageName,
		Proficiency: string(level),
		Voice:       voiceID,
		History:     ToWire(prior),
	}, &resp)
	if err != nil {
		return ConverseResult{}, err
	}
	history, err := FromWire(resp.History)
	if err != nil {
		return ConverseResult{}, fmt.Errorf("%w: converse: %w", ErrRequestFailed, err)
	}
	return ConverseResult{Text: resp.Text, History: history, AudioLocator: resp.AudioURL}, nil
}

func (c *Client) call(ctx context.Context, op, path string, in, out any) (err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "langclient."+op)
	span.SetAttributes(attribute.String("synapse.operation", op))
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.RecordRemoteCall(ctx, op, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observe.Logger(ctx).Warn("language service call failed", "operation", op, "err", err)
		}
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %s: encode: %w", ErrRequestFailed, op, err)
	}
	target := c.base.JoinPath(path).String()

	err = c.breaker.Execute(func() error {
		return c.post(ctx, target, body, out)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRequestFailed, op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	observe.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			se.Message = er.Error
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
