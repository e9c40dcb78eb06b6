// Package dispatcher drains the per-session queues at a human-like pace.
//
// A ticker visits every known session once per tick. A session that is
// connected, idle and has work gets exactly one item dispatched on its own
// goroutine; the item's pause, jitter and post-send delay only ever block that
// session.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/media"
	"github.com/BTreeMap/PacePipe/internal/metrics"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/pause"
	"github.com/BTreeMap/PacePipe/internal/phone"
	"github.com/BTreeMap/PacePipe/internal/queue"
	"github.com/BTreeMap/PacePipe/internal/session"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/variation"
)

// Default timing values.
const (
	DefaultTickInterval = time.Second
	DefaultDelayMin     = 2000 * time.Millisecond
	DefaultDelayMax     = 8000 * time.Millisecond
	DefaultJitterMin    = 1000 * time.Millisecond
	DefaultJitterMax    = 2500 * time.Millisecond
)

// ErrValidation marks failures that retrying cannot fix.
var ErrValidation = errors.New("validation failed")

// errInterrupted means the dispatcher stopped before the send was attempted.
var errInterrupted = errors.New("dispatch interrupted before send")

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Downloader fetches media into a scoped temp file.
type Downloader interface {
	Download(ctx context.Context, url string) (media.File, func(), error)
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	TickInterval time.Duration
	DelayMin     time.Duration
	DelayMax     time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	Sleep        SleepFunc
	RandSource   rand.Source
	Campaigns    store.CampaignLogger
	Downloader   Downloader
	Events       <-chan session.Event
	AddrSuffix   string
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithTickInterval sets how often sessions are visited.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// WithDelayRange sets the post-send delay bounds used when an item carries no pause.
func WithDelayRange(min, max time.Duration) Option {
	return func(o *Opts) {
		o.DelayMin = min
		o.DelayMax = max
	}
}

// WithJitterRange sets the pre-send jitter bounds.
func WithJitterRange(min, max time.Duration) Option {
	return func(o *Opts) {
		o.JitterMin = min
		o.JitterMax = max
	}
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithRandSource sets the random source for delays, jitter and variations.
func WithRandSource(src rand.Source) Option {
	return func(o *Opts) { o.RandSource = src }
}

// WithCampaignLogger sets where terminal outcomes of campaign items are recorded.
func WithCampaignLogger(l store.CampaignLogger) Option {
	return func(o *Opts) { o.Campaigns = l }
}

// WithDownloader sets the media downloader.
func WithDownloader(d Downloader) Option {
	return func(o *Opts) { o.Downloader = d }
}

// WithEvents sets the channel of session lifecycle events to consume.
func WithEvents(ch <-chan session.Event) Option {
	return func(o *Opts) { o.Events = ch }
}

// WithAddressSuffix sets the server part of normalized addresses.
func WithAddressSuffix(suffix string) Option {
	return func(o *Opts) { o.AddrSuffix = suffix }
}

// Dispatcher owns the queue store and paces delivery through session clients.
type Dispatcher struct {
	queue     *queue.Store
	provider  session.Provider
	campaigns store.CampaignLogger
	media     Downloader
	events    <-chan session.Event
	sleep     SleepFunc
	resolver  *variation.Resolver
	suffix    string

	tickInterval         time.Duration
	delayMin, delayMax   time.Duration
	jitterMin, jitterMax time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand

	statesMu sync.RWMutex
	states   map[string]models.SessionStatus

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher over q that sends through provider.
func New(q *queue.Store, provider session.Provider, opts ...Option) *Dispatcher {
	cfg := Opts{
		TickInterval: DefaultTickInterval,
		DelayMin:     DefaultDelayMin,
		DelayMax:     DefaultDelayMax,
		JitterMin:    DefaultJitterMin,
		JitterMax:    DefaultJitterMax,
		Sleep:        SleepContext,
		AddrSuffix:   phone.UserSuffix,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMin, cfg.DelayMax = cfg.DelayMax, cfg.DelayMin
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMin, cfg.JitterMax = cfg.JitterMax, cfg.JitterMin
	}
	src := cfg.RandSource
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	rnd := rand.New(src)
	return &Dispatcher{
		queue:        q,
		provider:     provider,
		campaigns:    cfg.Campaigns,
		media:        cfg.Downloader,
		events:       cfg.Events,
		sleep:        cfg.Sleep,
		resolver:     variation.NewResolver(rand.NewPCG(rnd.Uint64(), rnd.Uint64())),
		suffix:       cfg.AddrSuffix,
		tickInterval: cfg.TickInterval,
		delayMin:     cfg.DelayMin,
		delayMax:     cfg.DelayMax,
		jitterMin:    cfg.JitterMin,
		jitterMax:    cfg.JitterMax,
		rnd:          rnd,
		states:       make(map[string]models.SessionStatus),
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue queues an item and returns its identity. It never waits on
// dispatch; producers validate with models.WorkItem.Validate beforehand and
// anything they miss fails at dispatch time.
func (d *Dispatcher) Enqueue(item models.WorkItem) string {
	id := d.queue.Enqueue(item)
	metrics.RecordQueueStats(d.queue.Stats())
	return id
}

// Stats returns a snapshot of the aggregate counters.
func (d *Dispatcher) Stats() models.QueueStats {
	return d.queue.Stats()
}

// QueueSize returns the number of items waiting for a session.
func (d *Dispatcher) QueueSize(name string) int {
	return d.queue.Size(name)
}

// Sessions returns every session that has ever had work queued.
func (d *Dispatcher) Sessions() []string {
	return d.queue.Sessions()
}

// SessionStates returns the last lifecycle state reported for each session.
func (d *Dispatcher) SessionStates() map[string]models.SessionStatus {
	d.statesMu.RLock()
	defer d.statesMu.RUnlock()
	out := make(map[string]models.SessionStatus, len(d.states))
	for k, v := range d.states {
		out[k] = v
	}
	return out
}

// Start runs the dispatch loop in the background until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		slog.Warn("Dispatcher.Start: already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		d.Run(ctx)
	}(d.done)
}

// Stop ends the loop and waits for in-flight pipelines. Sleeps end early; a
// send already in progress is allowed to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.Wait()
	slog.Info("Dispatcher.Stop: stopped", "stats", d.queue.Stats())
}

// Wait blocks until every in-flight pipeline has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run starts the dispatch loop. It blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting", "tickInterval", d.tickInterval,
		"delayMin", d.delayMin, "delayMax", d.delayMax)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	events := d.events
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.handleEvent(ev)
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick visits every known session once and dispatches at most one item per
// session. Disconnected sessions keep their queue untouched.
func (d *Dispatcher) Tick(ctx context.Context) {
	for _, name := range d.queue.Sessions() {
		if d.queue.InFlight(name) || d.queue.Size(name) == 0 {
			continue
		}
		if !d.provider.IsConnected(name) {
			slog.Debug("Dispatcher.Tick: session not connected, skipping", "session", name, "backlog", d.queue.Size(name))
			continue
		}
		item, ok := d.queue.TryAcquire(name)
		if !ok {
			continue
		}
		d.wg.Add(1)
		go d.process(ctx, item)
	}
	metrics.RecordQueueStats(d.queue.Stats())
}

func (d *Dispatcher) process(ctx context.Context, item *models.WorkItem) {
	defer d.wg.Done()
	defer d.queue.Release(item.Session)
	defer func() { metrics.RecordQueueStats(d.queue.Stats()) }()

	slog.Debug("Dispatcher.process: dispatching", "id", item.ID, "session", item.Session,
		"attempt", item.Retries+1, "pauseBefore", item.PauseBefore)

	if item.PauseBefore > 0 {
		class := string(pause.KindShort)
		if pause.IsLong(item.Index(), item.Session) {
			class = string(pause.KindLong)
		}
		metrics.RecordPause(class, item.PauseBefore)
		if err := d.sleep(ctx, item.PauseBefore); err != nil {
			d.interrupt(item)
			return
		}
	}

	if err := d.safeDeliver(ctx, item); err != nil {
		if errors.Is(err, errInterrupted) {
			d.interrupt(item)
			return
		}
		d.handleFailure(item, err)
		return
	}
	d.handleSuccess(ctx, item)
}

// safeDeliver turns a panic in a backend into a retryable failure.
func (d *Dispatcher) safeDeliver(ctx context.Context, item *models.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.safeDeliver: panic during dispatch", "id", item.ID, "session", item.Session, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.deliver(ctx, item)
}

// deliver runs the resolve, normalize and send steps for one item.
func (d *Dispatcher) deliver(ctx context.Context, item *models.WorkItem) error {
	body := d.resolver.Resolve(item.Body)

	if item.To == "" {
		return fmt.Errorf("%w: %v", ErrValidation, models.ErrEmptyRecipient)
	}
	to := phone.FormatWhatsAppNumber(item.To, d.suffix)
	if to == "" {
		return fmt.Errorf("%w: %v", ErrValidation, phone.ErrEmptyNumber)
	}
	client, ok := d.provider.Client(item.Session)
	if !ok {
		return fmt.Errorf("%w: no client for session %q", ErrValidation, item.Session)
	}

	// Sends run to completion even if the dispatcher is stopping.
	sendCtx := context.WithoutCancel(ctx)

	if item.Media != nil {
		return d.sendMedia(ctx, sendCtx, client, to, body, item.Media)
	}

	if err := d.sleep(ctx, d.between(d.jitterMin, d.jitterMax)); err != nil {
		return errInterrupted
	}
	start := time.Now()
	err := client.SendText(sendCtx, to, body)
	recordSend("text", err, time.Since(start))
	return err
}

func (d *Dispatcher) sendMedia(ctx, sendCtx context.Context, client session.Client, to, caption string, ref *models.MediaRef) error {
	if ref.URL == "" {
		return fmt.Errorf("%w: %v", ErrValidation, models.ErrMissingMediaURL)
	}
	if !models.IsValidMediaKind(ref.Kind) {
		return fmt.Errorf("%w: %w %q", ErrValidation, media.ErrUnsupportedKind, ref.Kind)
	}
	if d.media == nil {
		return fmt.Errorf("%w: no media downloader configured", ErrValidation)
	}

	file, cleanup, err := d.media.Download(ctx, ref.URL)
	defer cleanup()
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}

	if err := d.sleep(ctx, d.between(d.jitterMin, d.jitterMax)); err != nil {
		return errInterrupted
	}

	start := time.Now()
	switch ref.Kind {
	case models.MediaKindImage:
		err = client.SendImage(sendCtx, to, file, caption)
	case models.MediaKindVideo:
		err = client.SendVideo(sendCtx, to, file, caption)
	case models.MediaKindDocument:
		err = client.SendDocument(sendCtx, to, file, caption)
	}
	recordSend(string(ref.Kind), err, time.Since(start))
	return err
}

func (d *Dispatcher) handleSuccess(ctx context.Context, item *models.WorkItem) {
	d.queue.MarkCompleted(item)
	d.logCampaign(item, models.LogStatusSent, "")
	slog.Info("Dispatcher.process: message sent", "id", item.ID, "session", item.Session, "attempt", item.Retries+1)

	// Items carrying a pause already waited; others get the inter-message delay.
	if item.PauseBefore == 0 {
		delay := d.between(d.delayMin, d.delayMax)
		slog.Debug("Dispatcher.process: inter-message delay", "session", item.Session, "delay", delay)
		_ = d.sleep(ctx, delay)
	}
}

func (d *Dispatcher) handleFailure(item *models.WorkItem, err error) {
	if !errors.Is(err, ErrValidation) && item.Retries < item.MaxRetries {
		item.Retries++
		slog.Warn("Dispatcher.process: send failed, retrying", "id", item.ID, "session", item.Session,
			"retry", item.Retries, "maxRetries", item.MaxRetries, "error", err)
		d.queue.MarkRequeued(item)
		return
	}
	slog.Error("Dispatcher.process: message failed", "id", item.ID, "session", item.Session,
		"retries", item.Retries, "error", err)
	d.queue.MarkFailed(item)
	d.logCampaign(item, models.LogStatusFailed, err.Error())
}

func (d *Dispatcher) interrupt(item *models.WorkItem) {
	slog.Info("Dispatcher.process: interrupted before send, requeued", "id", item.ID, "session", item.Session)
	d.queue.MarkInterrupted(item)
}

// logCampaign records a terminal outcome. Persistence errors are logged only.
func (d *Dispatcher) logCampaign(item *models.WorkItem, status models.LogStatus, detail string) {
	if d.campaigns == nil || item.CampaignID == nil || item.ContactID == nil {
		return
	}
	ctx := context.Background()
	if err := d.campaigns.UpdateCampaignLog(ctx, *item.CampaignID, *item.ContactID, status, detail); err != nil {
		slog.Error("Dispatcher.logCampaign: update log failed", "campaign", *item.CampaignID, "contact", *item.ContactID, "error", err)
	}
	if err := d.campaigns.IncrementCampaignCounter(ctx, *item.CampaignID, status); err != nil {
		slog.Error("Dispatcher.logCampaign: increment counter failed", "campaign", *item.CampaignID, "error", err)
	}
}

func (d *Dispatcher) handleEvent(ev session.Event) {
	d.statesMu.Lock()
	st := d.states[ev.Session]
	st.Name = ev.Session
	st.LastSeen = ev.Time
	switch ev.Type {
	case session.EventQR:
		st.State = models.SessionStateScanning
		st.QRCode = ev.QRCode
	case session.EventConnected:
		st.State = models.SessionStateConnected
		st.QRCode = ""
		if ev.Phone != "" {
			st.Phone = ev.Phone
		}
	case session.EventDisconnected, session.EventLoggedOut:
		st.State = models.SessionStateDisconnected
	case session.EventError:
		st.State = models.SessionStateError
	}
	d.states[ev.Session] = st
	d.statesMu.Unlock()

	slog.Info("Dispatcher.handleEvent: session state changed", "session", ev.Session, "event", ev.Type,
		"backlog", d.queue.Size(ev.Session))
}

// between draws a duration uniformly from [lo, hi].
func (d *Dispatcher) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	d.rndMu.Lock()
	defer d.rndMu.Unlock()
	return lo + time.Duration(d.rnd.Int64N(int64(hi-lo)+1))
}

func recordSend(kind string, err error, elapsed time.Duration) {
	outcome := "sent"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordSend(kind, outcome, elapsed)
}
