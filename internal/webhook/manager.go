// Package webhook receives provider notifications, verifies them and dispatches them
// to handlers through a single-worker queue with bounded retries.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/oklog/ulid/v2"
)

// Manager errors.
var (
	ErrUnknownProvider  = errors.New("unknown or inactive webhook provider")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrQueueFull        = errors.New("webhook queue is full")
	ErrStopped          = errors.New("webhook manager stopped")
)

const (
	defaultQueueSize      = 256
	defaultIdempotencyTTL = time.Hour
)

// RetryPolicy bounds how often a failing event is retried.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy retries three times starting at one second and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
}

// Delay returns InitialDelay × BackoffMultiplier^(retryCount−1).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount-1)))
}

// VerifyFunc checks a provider-specific signature scheme.
type VerifyFunc func(ctx context.Context, payload []byte, signature string) error

// ProviderConfig is the per-provider webhook configuration.
type ProviderConfig struct {
	// Verify replaces the HMAC check for providers with their own signature scheme.
	Verify VerifyFunc
	// Parser decodes native payloads; nil means the canonical envelope.
	Parser provider.WebhookParser
	Secret string
	// Events lists the subscribed types; empty subscribes to everything.
	Events []model.EventType
	Retry  RetryPolicy
	Active bool
}

// Signer verifies HMAC signatures. *encryption.Service satisfies it.
type Signer interface {
	Verify(payload []byte, signature, secret string) bool
}

type hmacSigner struct{}

func (hmacSigner) Verify(payload []byte, signature, secret string) bool {
	return encryption.Verify(payload, signature, secret)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Queued    int
	Scheduled int
	Processed int64
	Failed    int64
	Retried   int64
}

type seenEvent struct {
	at time.Time
	id string
}

// Manager owns the webhook queue and its single worker.
type Manager struct {
	signer    Signer
	status    StatusUpdater
	sink      TransactionSink
	accounts  AccountRefresher
	resolver  ConnectionResolver
	notifier  Notifier
	failed    FailedEventStore
	logger    *slog.Logger
	now       func() time.Time
	queue     chan *model.WebhookEvent
	stop      chan struct{}
	providers map[string]ProviderConfig
	seen      map[string]seenEvent
	timers    map[*time.Timer]struct{}
	handlers  map[model.EventType]handlerFunc
	wg        sync.WaitGroup
	processed atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
	ttl       time.Duration
	queueSize int
	mu        sync.Mutex
	stopOnce  sync.Once
	started   bool
	stopped   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStatusUpdater sets the target of connection status events.
func WithStatusUpdater(s StatusUpdater) Option { return func(m *Manager) { m.status = s } }

// WithTransactionSink sets the target of transaction events.
func WithTransactionSink(s TransactionSink) Option { return func(m *Manager) { m.sink = s } }

// WithAccountRefresher sets the target of account events.
func WithAccountRefresher(a AccountRefresher) Option { return func(m *Manager) { m.accounts = a } }

// WithConnectionResolver resolves provider item ids to connection ids.
func WithConnectionResolver(r ConnectionResolver) Option { return func(m *Manager) { m.resolver = r } }

// WithNotifier sets where client notifications go.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithFailedEventStore sets where events go after their last retry.
func WithFailedEventStore(s FailedEventStore) Option { return func(m *Manager) { m.failed = s } }

// WithQueueSize sets the channel capacity.
func WithQueueSize(n int) Option { return func(m *Manager) { m.queueSize = n } }

// WithIdempotencyTTL sets how long provider event ids are remembered.
func WithIdempotencyTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a manager. A nil signer falls back to plain HMAC-SHA256.
func NewManager(signer Signer, opts ...Option) *Manager {
	if signer == nil {
		signer = hmacSigner{}
	}
	m := &Manager{
		signer:    signer,
		logger:    slog.Default().With("component", "webhook"),
		now:       time.Now,
		stop:      make(chan struct{}),
		providers: make(map[string]ProviderConfig),
		seen:      make(map[string]seenEvent),
		timers:    make(map[*time.Timer]struct{}),
		ttl:       defaultIdempotencyTTL,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queueSize <= 0 {
		m.queueSize = defaultQueueSize
	}
	if m.notifier == nil {
		m.notifier = NewLogNotifier(m.logger)
	}
	m.queue = make(chan *model.WebhookEvent, m.queueSize)
	m.handlers = m.defaultHandlers()
	return m
}

// Register adds or replaces the configuration of a provider.
func (m *Manager) Register(providerID string, cfg ProviderConfig) error {
	if providerID == "" {
		return common.NewValidationError("provider_id", "is required")
	}
	if cfg.Secret == "" && cfg.Verify == nil {
		return fmt.Errorf("%w: webhook secret for %s", common.ErrMissingConfig, providerID)
	}
	if cfg.Retry.MaxRetries < 0 {
		return common.NewValidationError("max_retries", "must not be negative")
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[providerID] = cfg
	return nil
}

func (m *Manager) provider(providerID string) (ProviderConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.providers[providerID]
	return cfg, ok
}

// Receive verifies and records one notification. Critical events are processed before
// Receive returns; the rest are queued for the worker. The returned event is a snapshot.
func (m *Manager) Receive(ctx context.Context, providerID string, body []byte, signature string) (*model.WebhookEvent, error) {
	cfg, ok := m.provider(providerID)
	if !ok || !cfg.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	if cfg.Verify != nil {
		if err := cfg.Verify(ctx, body, signature); err != nil {
			m.logger.Warn("Rejected webhook", "provider", providerID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
	} else if !m.signer.Verify(body, signature, cfg.Secret) {
		m.logger.Warn("Rejected webhook", "provider", providerID, "reason", "signature mismatch")
		return nil, ErrInvalidSignature
	}

	env, err := decode(cfg.Parser, body)
	if err != nil {
		return nil, err
	}

	ev := &model.WebhookEvent{
		ID:           ulid.Make().String(),
		EventID:      env.EventID,
		Type:         env.Type,
		ProviderID:   providerID,
		ConnectionID: env.ConnectionID,
		ExternalID:   env.ExternalID,
		Payload:      env.Data,
		ReceivedAt:   m.now().UTC(),
	}

	if len(cfg.Events) > 0 && !slices.Contains(cfg.Events, ev.Type) {
		m.logger.Debug("Ignoring unsubscribed event", "provider", providerID, "type", ev.Type)
		ev.Processed = true
		return ev, nil
	}

	if prior, dup := m.remember(providerID, ev); dup {
		m.logger.Info("Duplicate webhook acknowledged", "provider", providerID, "event_id", ev.EventID, "id", prior)
		return &model.WebhookEvent{ID: prior, EventID: ev.EventID, Type: ev.Type, ProviderID: providerID, ReceivedAt: ev.ReceivedAt, Processed: true}, nil
	}

	if ev.Type.Critical() {
		m.logger.Info("Processing critical webhook inline", "provider", providerID, "type", ev.Type, "id", ev.ID)
		return m.handle(ctx, ev), nil
	}

	snapshot := *ev
	if err := m.enqueue(ev); err != nil {
		m.forget(providerID, ev)
		return nil, err
	}
	return &snapshot, nil
}

// decode uses the provider parser or the canonical envelope.
func decode(parser provider.WebhookParser, body []byte) (*model.WebhookEnvelope, error) {
	if parser != nil {
		return parser.ParseWebhook(body)
	}
	var env model.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &common.ValidationError{Field: "payload", Message: "not a webhook envelope", Err: err}
	}
	if env.Type == "" {
		return nil, common.NewValidationError("type", "is required")
	}
	return &env, nil
}

// remember records a provider event id and reports whether it was seen within the TTL.
func (m *Manager) remember(providerID string, ev *model.WebhookEvent) (string, bool) {
	if ev.EventID == "" {
		return "", false
	}
	key := providerID + ":" + ev.EventID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.seen {
		if now.Sub(s.at) > m.ttl {
			delete(m.seen, k)
		}
	}
	if s, ok := m.seen[key]; ok {
		return s.id, true
	}
	m.seen[key] = seenEvent{id: ev.ID, at: now}
	return "", false
}

func (m *Manager) forget(providerID string, ev *model.WebhookEvent) {
	if ev.EventID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, providerID+":"+ev.EventID)
}

func (m *Manager) enqueue(ev *model.WebhookEvent) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case m.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("Webhook worker started", "queue_size", m.queueSize)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case ev := <-m.queue:
				m.handle(ctx, ev)
			}
		}
	}()
}

// Stop cancels pending retries and waits for the worker to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		for t := range m.timers {
			t.Stop()
		}
		m.timers = make(map[*time.Timer]struct{})
		m.mu.Unlock()
		close(m.stop)
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Webhook worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain processes queued events and pending retries on the caller's goroutine until
// none remain. It is meant for managers that were never started, such as in Lambda.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		select {
		case ev := <-m.queue:
			m.handle(ctx, ev)
			continue
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		pending := len(m.timers)
		m.mu.Unlock()
		if pending == 0 && len(m.queue) == 0 {
			return nil
		}

		select {
		case ev := <-m.queue:
			m.handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Replay runs a parked event once more on the caller's goroutine. Its signature was
// checked when it first arrived. A failure is returned instead of being retried or parked.
func (m *Manager) Replay(ctx context.Context, ev model.WebhookEvent) error {
	ev.Processed = false
	if err := m.dispatch(ctx, &ev); err != nil {
		return fmt.Errorf("replay of webhook event %s failed: %w", ev.ID, err)
	}
	m.processed.Add(1)
	m.logger.Info("Replayed webhook event", "id", ev.ID, "type", ev.Type, "provider", ev.ProviderID)
	return nil
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	scheduled := len(m.timers)
	m.mu.Unlock()
	return Stats{
		Queued:    len(m.queue),
		Scheduled: scheduled,
		Processed: m.processed.Load(),
		Failed:    m.failures.Load(),
		Retried:   m.retries.Load(),
	}
}

// handle runs the handler and turns a failure into a retry or a parked event.
// It returns the state of the event after this attempt.
func (m *Manager) handle(ctx context.Context, ev *model.WebhookEvent) *model.WebhookEvent {
	err := m.dispatch(ctx, ev)
	if err == nil {
		ev.Processed = true
		ev.LastError = ""
		m.processed.Add(1)
		return ev
	}

	ev.RetryCount++
	ev.LastError = err.Error()

	cfg, _ := m.provider(ev.ProviderID)
	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}

	if ev.RetryCount > policy.MaxRetries {
		m.park(ev)
		return ev
	}

	delay := policy.Delay(ev.RetryCount)
	m.logger.Warn("Webhook handler failed, scheduling retry",
		"id", ev.ID,
		"type", ev.Type,
		"retry", ev.RetryCount,
		"max_retries", policy.MaxRetries,
		"delay", delay,
		"error", err)
	next := *ev
	m.schedule(&next, delay)
	return ev
}

// dispatch calls the handler for the event type, recovering panics.
func (m *Manager) dispatch(ctx context.Context, ev *model.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panic: %v", r)
		}
	}()

	h, ok := m.handlers[ev.Type]
	if !ok {
		return fmt.Errorf("no handler for event type %q", ev.Type)
	}
	return h(ctx, ev)
}

func (m *Manager) schedule(ev *model.WebhookEvent, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.retries.Add(1)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		_, pending := m.timers[t]
		live := pending && !m.stopped
		m.mu.Unlock()

		// The timer stays registered until the event is back in the queue so
		// Drain never sees an empty manager in between.
		if live {
			select {
			case m.queue <- ev:
			default:
				ev.LastError = ErrQueueFull.Error()
				m.park(ev)
			}
		}

		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
	})
	m.timers[t] = struct{}{}
}

// park stores an event that will not be retried again.
func (m *Manager) park(ev *model.WebhookEvent) {
	now := m.now().UTC()
	ev.FailedAt = &now
	m.failures.Add(1)

	common.LogError(errors.New(ev.LastError), "Webhook event permanently failed", common.Fields{
		"id":          ev.ID,
		"type":        string(ev.Type),
		"provider":    ev.ProviderID,
		"retry_count": ev.RetryCount,
	})

	if m.failed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.failed.SaveFailed(ctx, *ev); err != nil {
		m.logger.Error("Failed to store failed webhook event", "id", ev.ID, "error", err)
	}
}
