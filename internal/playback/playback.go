// Package playback plays synthesised speech fetched from the language
// service.
//
// A [Manager] plays one resource at a time. Each request carries a
// cache-defeating "t" query parameter so repeated plays of the same path are
// fetched fresh. Starting a new playback cancels the one in progress.
// Failures are logged and counted; they never propagate to the caller.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/whotf-ash/synapse/internal/observe"
)

// ErrPlaybackFailed wraps every playback error.
var ErrPlaybackFailed = errors.New("playback: failed")

// Sink renders an audio stream, e.g. through a local player process.
type Sink interface {
	// Play blocks until audio has been played to completion or ctx is done.
	Play(ctx context.Context, audio io.Reader) error
}

// Option configures a [Manager].
type Option func(*Manager)

// WithHTTPClient sets the client used to fetch audio.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock sets the time source for cache-busting tokens.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager plays audio resources identified by locators relative to the
// language service origin. It is safe for concurrent use.
type Manager struct {
	base    *url.URL
	sink    Sink
	client  *http.Client
	now     func() time.Time
	metrics *observe.Metrics

	mu        sync.Mutex
	lastToken int64
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

// New returns a Manager resolving locators against baseURL and rendering
// them through sink.
func New(baseURL string, sink Sink, opts ...Option) (*Manager, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("playback: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("playback: base url %q must be absolute", baseURL)
	}
	if sink == nil {
		return nil, errors.New("playback: sink must not be nil")
	}
	m := &Manager{
		base:   base,
		sink:   sink,
		client: http.DefaultClient,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// Locate joins locator onto the base URL and appends a fresh
// cache-busting token. Tokens are millisecond timestamps, bumped when needed
// so that they strictly increase.
func (m *Manager) Locate(locator string) (string, error) {
	ref, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("%w: parse locator %q: %w", ErrPlaybackFailed, locator, err)
	}
	u := ref
	if !ref.IsAbs() {
		// Locators are relative to the service origin, path prefix included.
		u = m.base.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
		u.Fragment = ""
	}

	m.mu.Lock()
	token := m.now().UnixMilli()
	if token <= m.lastToken {
		token = m.lastToken + 1
	}
	m.lastToken = token
	m.mu.Unlock()

	q := u.Query()
	q.Set("t", strconv.FormatInt(token, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Play starts playing locator and returns immediately. Any playback still in
// progress is cancelled first. Errors are logged, not returned.
func (m *Manager) Play(ctx context.Context, locator string) {
	target, err := m.Locate(locator)
	if err != nil {
		m.report(ctx, err)
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	prevCancel, prevDone := m.cancel, m.done
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go func() {
		defer close(done)
		defer cancel()
		err := m.play(pctx, target)
		if err != nil && pctx.Err() != nil {
			// Superseded or shut down; not a failure.
			err = nil
		}
		m.mu.Lock()
		if m.done == done {
			m.lastErr = err
		}
		m.mu.Unlock()
		if err != nil {
			m.report(pctx, err)
		}
	}()
}

// Stop cancels the playback in progress, if any, and waits for it to end.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Wait blocks until the current playback ends and returns its error. A
// cancelled playback reports nil.
func (m *Manager) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) play(ctx context.Context, target string) error {
	ctx, span := observe.StartSpan(ctx, "playback.play")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrPlaybackFailed, err)
	}
	observe.InjectHeaders(ctx, req.Header)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %w", ErrPlaybackFailed, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: fetch %s: status %d", ErrPlaybackFailed, target, resp.StatusCode)
	}
	if err := m.sink.Play(ctx, resp.Body); err != nil {
		return fmt.Errorf("%w: render: %w", ErrPlaybackFailed, err)
	}
	return nil
}

func (m *Manager) report(ctx context.Context, err error) {
	observe.Logger(ctx).Warn("playback failed", "err", err)
	m.metrics.RecordPlaybackFailure(ctx)
}
