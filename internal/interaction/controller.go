package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/whotf-ash/synapse/internal/history"
	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/internal/speech"
)

// DefaultSettleDelay is how long the controller waits after stopping capture
// before it reads the transcript, unless the capture finalises sooner.
const DefaultSettleDelay = 500 * time.Millisecond

// Config holds the dependencies and initial parameters of a [Controller].
type Config struct {
	Mode    Mode
	Capture Capture
	Client  LanguageClient

	// Player is optional. Without it audio locators are ignored.
	Player Player

	// History is optional and only used in translator mode.
	History history.Store

	// Languages is the catalog. Empty means the built-in catalog.
	Languages Catalog

	// Language is the initial target language name. Defaults to the first
	// catalog entry.
	Language string

	// Proficiency is the initial level. Defaults to beginner.
	Proficiency langclient.Proficiency

	// SettleDelay defaults to [DefaultSettleDelay].
	SettleDelay time.Duration

	// Now overrides the clock used for history timestamps.
	Now func() time.Time
}

// Controller is the interaction state machine. All exported methods are safe
// for concurrent use.
//
// At most one worker goroutine runs at a time. It covers the settle delay
// after capture stops and the single remote call that follows, so a second
// call can never be issued while one is outstanding. Parameter changes bump
// a generation counter; results of an older generation are discarded.
type Controller struct {
	mode    Mode
	capture Capture
	client  LanguageClient
	player  Player
	store   history.Store
	catalog Catalog
	settle  time.Duration
	now     func() time.Time

	// cmdMu serialises commands. It is never taken by capture callbacks.
	cmdMu   sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu             sync.Mutex
	status         Status
	err            error
	language       Language
	level          langclient.Proficiency
	gen            uint64
	working        bool
	pendingOpening bool
	capturing      bool
	transcript     string
	original       string
	translated     string
	entries        []history.Entry
	conversation   []langclient.Turn
	reply          string
	subs           map[int]func(Snapshot)
	nextSub        int

	// notifyMu orders deliveries so observers see snapshots in sequence.
	notifyMu sync.Mutex
}

// New validates cfg and returns an idle Controller. Call [Controller.Start]
// before use.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid", cfg.Mode))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("capture is required"))
	}
	if cfg.Client == nil {
		errs = append(errs, errors.New("client is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("interaction: %w", errors.Join(errs...))
	}

	catalog := cfg.Languages
	if len(catalog) == 0 {
		catalog = NewCatalog(nil)
	}
	lang := catalog[0]
	if cfg.Language != "" {
		l, ok := catalog.Lookup(cfg.Language)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, cfg.Language)
		}
		lang = l
	}
	level := cfg.Proficiency
	if level == "" {
		level = langclient.Beginner
	}
	if !level.IsValid() {
		return nil, fmt.Errorf("interaction: proficiency %q is invalid", level)
	}

	c := &Controller{
		mode:     cfg.Mode,
		capture:  cfg.Capture,
		client:   cfg.Client,
		player:   cfg.Player,
		store:    cfg.History,
		catalog:  catalog,
		settle:   cfg.SettleDelay,
		now:      cfg.Now,
		status:   StatusIdle,
		language: lang,
		level:    level,
		subs:     make(map[int]func(Snapshot)),
	}
	if c.settle <= 0 {
		c.settle = DefaultSettleDelay
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.capture.Observe(c.onCapture)
	return c, nil
}

// Start binds the controller to ctx. In translator mode it loads the stored
// history; in conversation mode it requests the opening agent turn.
func (c *Controller) Start(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.started {
		return errors.New("interaction: already started")
	}
	c.started = true
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)

	switch c.mode {
	case ModeTranslator:
		if c.store == nil {
			return nil
		}
		entries, err := c.store.Load(ctx)
		if err != nil {
			// The session still works; only earlier entries are missing.
			observe.Logger(ctx).Warn("interaction: load history", "err", err)
			return nil
		}
		c.mu.Lock()
		c.entries = entries
		c.mu.Unlock()
	case ModeConversation:
		c.mu.Lock()
		c.conversation = nil
		c.reply = ""
		c.requestOpeningLocked()
		c.mu.Unlock()
	}
	c.notify()
	return nil
}

// Close stops capture, discards any pending result and waits for the worker
// to exit. Playback is left to the player's owner.
func (c *Controller) Close() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	c.gen++
	c.pendingOpening = false
	stopCapture := c.capturing
	c.capturing = false
	if c.status == StatusListening {
		c.status = StatusIdle
	}
	c.mu.Unlock()

	if stopCapture {
		c.capture.Stop()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// Wait blocks until no worker is running. It is meant for callers that
// issue commands from a single goroutine, such as tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Subscribe registers fn to receive a [Snapshot] after every state change.
// fn runs on the goroutine that caused the change; it must not block or call
// controller commands. The returned function removes the subscription.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Languages returns the language catalog.
func (c *Controller) Languages() Catalog {
	return slices.Clone(c.catalog)
}

// ToggleRecord ends capture while listening and begins it otherwise.
func (c *Controller) ToggleRecord() error {
	if c.Status() == StatusListening {
		return c.EndCapture()
	}
	return c.BeginCapture()
}

// BeginCapture starts listening in the current language. In translator mode
// the previous translation is cleared from the display. It fails with
// [ErrBusy] while thinking and with [speech.ErrUnsupportedCapability] when
// the host cannot capture speech. It is a no-op while already listening.
func (c *Controller) BeginCapture() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.capture.Supported() {
		return speech.ErrUnsupportedCapability
	}

	c.mu.Lock()
	switch c.status {
	case StatusThinking:
		c.mu.Unlock()
		return ErrBusy
	case StatusListening:
		c.mu.Unlock()
		return nil
	}
	c.status = StatusListening
	c.err = nil
	c.transcript = ""
	if c.mode == ModeTranslator {
		c.original, c.translated = "", ""
	}
	c.capturing = true
	tag := c.language.RecognitionTag
	ctx := c.ctx
	c.mu.Unlock()
	c.notify()

	if err := c.capture.Start(ctx, tag); err != nil {
		c.mu.Lock()
		c.capturing = false
		c.status = StatusError
		c.err = err
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("interaction: begin capture: %w", err)
	}
	return nil
}

// EndCapture stops listening and hands the transcript to the language
// service once it has settled. It returns immediately; the outcome is
// reported through the status. It is a no-op unless listening.
func (c *Controller) EndCapture() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.status != StatusListening {
		c.mu.Unlock()
		return nil
	}
	// Thinking is set before Stop so the capture's stop update is not taken
	// for a spontaneous end.
	c.status = StatusThinking
	c.working = true
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	done := c.capture.Stop()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.settleAndSend(gen, done)
	}()
	return nil
}

// SetLanguage changes the target language. A capture in progress is
// discarded. In conversation mode the conversation is reset and a fresh
// opening turn is requested; if a request is outstanding, the opening
// request is issued once it returns and its result is discarded.
func (c *Controller) SetLanguage(name string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	lang, ok := c.catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, name)
	}

	c.mu.Lock()
	if lang == c.language {
		c.mu.Unlock()
		return nil
	}
	c.language = lang
	c.changeParamsLocked()
	return nil
}

// SetProficiency changes the conversation level. In conversation mode it
// behaves like [Controller.SetLanguage]; in translator mode the level is
// only stored.
func (c *Controller) SetProficiency(level langclient.Proficiency) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !level.IsValid() {
		return fmt.Errorf("interaction: proficiency %q is invalid", level)
	}

	c.mu.Lock()
	if level == c.level {
		c.mu.Unlock()
		return nil
	}
	c.level = level
	if c.mode != ModeConversation {
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.changeParamsLocked()
	return nil
}

// changeParamsLocked applies a parameter change. It is called with c.mu held
// and releases it.
func (c *Controller) changeParamsLocked() {
	c.gen++
	stopCapture := c.capturing
	c.capturing = false
	c.transcript = ""

	switch c.mode {
	case ModeConversation:
		c.conversation = nil
		c.reply = ""
		c.requestOpeningLocked()
	default:
		if c.status == StatusListening || c.status == StatusError {
			c.status = StatusIdle
			c.err = nil
		}
	}
	c.mu.Unlock()

	if stopCapture {
		c.capture.Stop()
	}
	c.notify()
}

// requestOpeningLocked asks the agent for an opening turn, or queues the
// request behind the running worker.
func (c *Controller) requestOpeningLocked() {
	c.status = StatusThinking
	c.err = nil
	if c.working {
		c.pendingOpening = true
		return
	}
	c.startOpeningLocked()
}

func (c *Controller) startOpeningLocked() {
	c.working = true
	gen := c.gen
	lang, level := c.language, c.level
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.converse(gen, "", lang, level, nil)
	}()
}

// finishLocked releases the worker slot. A queued opening request starts
// now; otherwise a controller still thinking goes back to idle.
func (c *Controller) finishLocked() {
	c.working = false
	if c.pendingOpening {
		c.pendingOpening = false
		c.startOpeningLocked()
		return
	}
	if c.status == StatusThinking {
		c.status = StatusIdle
	}
}

func (c *Controller) settleAndSend(gen uint64, done <-chan struct{}) {
	timer := time.NewTimer(c.settle)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-c.ctx.Done():
	}
	text := strings.TrimSpace(c.capture.Transcript())

	c.mu.Lock()
	if gen != c.gen {
		c.finishLocked()
		c.mu.Unlock()
		c.notify()
		return
	}
	c.capturing = false
	c.transcript = text
	lang, level := c.language, c.level
	prior := slices.Clone(c.conversation)

	if c.mode == ModeTranslator && text == "" {
		c.status = StatusError
		c.err = ErrEmptyUtterance
		c.finishLocked()
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Unlock()
	c.notify()

	if c.mode == ModeTranslator {
		c.translate(gen, text, lang)
		return
	}
	c.converse(gen, text, lang, level, prior)
}

func (c *Controller) translate(gen uint64, text string, lang Language) {
	ctx := c.ctx
	res, err := c.client.Translate(ctx, text, lang.Name, lang.Voice)

	c.mu.Lock()
	if gen != c.gen {
		c.finishLocked()
		c.mu.Unlock()
		slog.Debug("interaction: discarding stale translation", "language", lang.Name)
		c.notify()
		return
	}
	if err != nil {
		c.fail(err)
		return
	}

	entry := history.NewEntry(text, res.TranslatedText, c.now())
	c.original = text
	c.translated = res.TranslatedText
	c.entries = append(c.entries, entry)
	c.status = StatusIdle
	c.finishLocked()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Append(ctx, entry); err != nil {
			observe.Logger(ctx).Warn("interaction: append history", "err", err)
		}
	}
	c.play(ctx, res.AudioLocator)
	c.notify()
}

func (c *Controller) converse(gen uint64, text string, lang Language, level langclient.Proficiency, prior []langclient.Turn) {
	ctx := c.ctx
	res, err := c.client.Converse(ctx, text, lang.Name, level, lang.Voice, prior)

	c.mu.Lock()
	if gen != c.gen {
		c.finishLocked()
		c.mu.Unlock()
		slog.Debug("interaction: discarding stale conversation turn", "language", lang.Name)
		c.notify()
		return
	}
	if err == nil && !extends(res.History, prior) {
		err = fmt.Errorf("%w: returned history does not extend the conversation", langclient.ErrRequestFailed)
	}
	if err != nil {
		c.fail(err)
		return
	}

	c.conversation = slices.Clone(res.History)
	c.reply = res.Text
	if c.reply == "" && len(res.History) > 0 {
		if last := res.History[len(res.History)-1]; last.Role == langclient.RoleAgent {
			c.reply = last.Content
		}
	}
	c.status = StatusIdle
	c.finishLocked()
	c.mu.Unlock()

	c.play(ctx, res.AudioLocator)
	c.notify()
}

// fail records a remote failure. It is called with c.mu held and releases
// it. Displayed text, conversation and history stay as they were.
func (c *Controller) fail(err error) {
	c.status = StatusError
	c.err = err
	c.finishLocked()
	ctx := c.ctx
	c.mu.Unlock()
	observe.Logger(ctx).Warn("interaction: remote call failed", "mode", string(c.mode), "err", err)
	c.notify()
}

func (c *Controller) play(ctx context.Context, locator string) {
	if c.player == nil || locator == "" {
		return
	}
	c.player.Play(ctx, locator)
}

// onCapture receives capture updates. A recognition error while listening
// moves to the error status; a capture that ends on its own while listening
// is treated like the user ending it.
func (c *Controller) onCapture(u speech.Update) {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	c.transcript = u.Transcript
	autoEnd := false
	if c.status == StatusListening && !u.Listening {
		if u.Err != nil {
			c.status = StatusError
			c.err = u.Err
			c.capturing = false
		} else {
			autoEnd = true
		}
	}
	c.mu.Unlock()
	c.notify()

	if autoEnd {
		go func() { _ = c.EndCapture() }()
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Mode:         c.mode,
		Status:       c.status,
		Err:          c.err,
		Supported:    c.capture.Supported(),
		Language:     c.language,
		Proficiency:  c.level,
		Transcript:   c.transcript,
		Original:     c.original,
		Translated:   c.translated,
		History:      slices.Clone(c.entries),
		Conversation: slices.Clone(c.conversation),
		Reply:        c.reply,
	}
}

// extends reports whether got starts with prefix.
func extends(got, prefix []langclient.Turn) bool {
	if len(got) < len(prefix) {
		return false
	}
	return slices.Equal(got[:len(prefix)], prefix)
}
