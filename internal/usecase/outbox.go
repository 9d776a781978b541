package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convsync/internal/domain"
	"convsync/internal/identity"
	"convsync/internal/moderation"
)

const (
	// MaxSendAttempts bounds automatic transmission attempts per send.
	MaxSendAttempts = 3

	MinDelaySeconds = 1
	MaxDelaySeconds = 3

	msgMaxRetries = "Max retries reached"
	msgEmpty      = "Message is empty"
	msgNoIdentity = "Account is not signed in"
	msgCancelled  = "Send cancelled"
)

// SendResult is the outcome handed to a Send callback. Message is the
// user-facing text when OK is false.
type SendResult struct {
	OK        bool
	LocalID   string
	MessageID string
	Message   string
	Err       error
}

// Transmitter performs one transmission attempt and the follow-up recents
// upsert. Conversation implements it.
type Transmitter interface {
	Transmit(ctx context.Context, text string) (string, error)
	RecordRecent(ctx context.Context, text string)
}

type OutboxOption func(*Outbox)

// WithTimer replaces time.After for countdown ticks and retry backoff.
func WithTimer(after func(time.Duration) <-chan time.Time) OutboxOption {
	return func(o *Outbox) { o.after = after }
}

// WithLocalIDs replaces the local bookkeeping id generator.
func WithLocalIDs(next func() string) OutboxOption {
	return func(o *Outbox) { o.newID = next }
}

// WithOnChange registers a callback run whenever the pending or failed lists
// change.
func WithOnChange(fn func()) OutboxOption {
	return func(o *Outbox) { o.onChange = fn }
}

func WithOutboxLogger(l *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = l }
}

// Outbox is the outbound send pipeline: validation, filtering, optional
// delayed send with cancel, and bounded retry with exponential backoff.
type Outbox struct {
	tx       Transmitter
	ids      *identity.Resolver
	filter   *moderation.Filter
	obs      Observer
	after    func(time.Duration) <-chan time.Time
	newID    func() string
	onChange func()
	logger   *slog.Logger

	mu      sync.Mutex
	delay   int
	seq     int
	pending map[string]*pendingSend
	failed  map[string]failedSend
}

type pendingSend struct {
	seq       int
	text      string
	remaining int
	cancel    chan struct{}
}

type failedSend struct {
	seq    int
	text   string
	reason string
}

func NewOutbox(tx Transmitter, ids *identity.Resolver, filter *moderation.Filter, obs Observer, opts ...OutboxOption) (*Outbox, error) {
	if tx == nil {
		return nil, errors.New("usecase: transmitter must not be nil")
	}
	if ids == nil {
		return nil, errors.New("usecase: identity resolver must not be nil")
	}
	o := &Outbox{
		tx:      tx,
		ids:     ids,
		filter:  filter,
		obs:     obs,
		after:   time.After,
		newID:   uuid.NewString,
		pending: map[string]*pendingSend{},
		failed:  map[string]failedSend{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.obs == nil {
		o.obs = LogObserver{Logger: o.logger}
	}
	return o, nil
}

// ClampDelay maps a stored preference onto the supported window. Zero or
// negative disables delayed send.
func ClampDelay(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return max(MinDelaySeconds, min(seconds, MaxDelaySeconds))
}

// SetDelay sets the delayed-send window; 0 disables it.
func (o *Outbox) SetDelay(seconds int) {
	o.mu.Lock()
	o.delay = ClampDelay(seconds)
	o.mu.Unlock()
}

func (o *Outbox) Delay() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delay
}

// Send validates and filters text, then either starts the countdown or hands
// off to transmission. done runs exactly once, on a goroutine other than the
// caller's unless validation fails. The returned local id is empty when
// validation fails.
func (o *Outbox) Send(ctx context.Context, text string, done func(SendResult)) string {
	if done == nil {
		done = func(SendResult) {}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		done(SendResult{Message: msgEmpty, Err: newError(ErrorInvalidInput, ReasonEmptyMessage, nil)})
		return ""
	}
	if o.ids.Me().UID == "" {
		done(SendResult{Message: msgNoIdentity, Err: newError(ErrorInvalidInput, ReasonMissingIdentity, nil)})
		return ""
	}
	text = o.filter.Clean(text)

	localID := o.newID()
	o.mu.Lock()
	delay := o.delay
	if delay > 0 {
		o.seq++
		p := &pendingSend{seq: o.seq, text: text, remaining: delay, cancel: make(chan struct{})}
		o.pending[localID] = p
		o.mu.Unlock()
		o.changed()
		go o.countdown(ctx, localID, p, done)
		return localID
	}
	o.mu.Unlock()

	go o.deliver(ctx, localID, text, done)
	return localID
}

// Cancel discards a pending delayed message. It reports false once the
// countdown has handed the message off.
func (o *Outbox) Cancel(localID string) bool {
	o.mu.Lock()
	p, ok := o.pending[localID]
	if ok {
		delete(o.pending, localID)
		close(p.cancel)
	}
	o.mu.Unlock()
	if ok {
		o.changed()
	}
	return ok
}

// Retry re-sends a failed message under a fresh local id with a fresh attempt
// budget. The delay window is not applied again.
func (o *Outbox) Retry(ctx context.Context, localID string, done func(SendResult)) (string, bool) {
	o.mu.Lock()
	f, ok := o.failed[localID]
	delete(o.failed, localID)
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	o.changed()
	if done == nil {
		done = func(SendResult) {}
	}
	next := o.newID()
	go o.deliver(ctx, next, f.text, done)
	return next, true
}

// Pending lists delayed messages still counting down, oldest first.
func (o *Outbox) Pending() []domain.PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	type entry struct {
		seq int
		msg domain.PendingMessage
	}
	entries := make([]entry, 0, len(o.pending))
	for id, p := range o.pending {
		entries = append(entries, entry{p.seq, domain.PendingMessage{
			LocalID: id, Text: p.text, RemainingSeconds: p.remaining, Status: domain.StatusSending,
		}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.PendingMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Failed lists messages whose send gave up, oldest first.
func (o *Outbox) Failed() []domain.PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.failed))
	for id := range o.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return o.failed[ids[i]].seq < o.failed[ids[j]].seq })
	out := make([]domain.PendingMessage, len(ids))
	for i, id := range ids {
		f := o.failed[id]
		out[i] = domain.PendingMessage{LocalID: id, Text: f.text, Status: domain.StatusFailed, Reason: f.reason}
	}
	return out
}

func (o *Outbox) countdown(ctx context.Context, localID string, p *pendingSend, done func(SendResult)) {
	for {
		select {
		case <-p.cancel:
			done(SendResult{LocalID: localID, Message: msgCancelled, Err: newError(ErrorInvalidInput, ReasonCancelled, nil)})
			return
		case <-ctx.Done():
			o.Cancel(localID)
			done(SendResult{LocalID: localID, Message: msgCancelled, Err: newError(ErrorPermanent, ReasonCancelled, ctx.Err())})
			return
		case <-o.after(time.Second):
		}

		o.mu.Lock()
		if _, live := o.pending[localID]; !live {
			o.mu.Unlock()
			continue // cancelled while the tick fired; the cancel case reports it
		}
		p.remaining--
		handoff := p.remaining <= 0
		if handoff {
			delete(o.pending, localID)
		}
		o.mu.Unlock()
		o.changed()

		if handoff {
			o.deliver(ctx, localID, p.text, done)
			return
		}
	}
}

// deliver runs the bounded retry loop. Attempts are 0-indexed; after a failed
// attempt n it waits 2^n seconds.
func (o *Outbox) deliver(ctx context.Context, localID, text string, done func(SendResult)) {
	var lastErr error
	for attempt := 0; attempt < MaxSendAttempts; attempt++ {
		id, err := o.tx.Transmit(ctx, text)
		o.obs.SendAttempt(attempt, err)
		if err == nil {
			o.tx.RecordRecent(ctx, text)
			done(SendResult{OK: true, LocalID: localID, MessageID: id})
			return
		}
		lastErr = err
		if Classify(err) == ErrorPermanent {
			o.logger.Warn("send_permanent_failure", "local_id", localID, "attempt", attempt, "err", err)
			o.fail(localID, text, remoteError("send_failed", err), done)
			return
		}
		backoff := time.Duration(1<<attempt) * time.Second
		o.logger.Info("send_retry_scheduled", "local_id", localID, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-o.after(backoff):
		case <-ctx.Done():
			o.fail(localID, text, newError(ErrorPermanent, ReasonCancelled, ctx.Err()), done)
			return
		}
	}
	o.fail(localID, text, newError(ErrorTransient, ReasonMaxRetries, lastErr), done)
}

func (o *Outbox) fail(localID, text string, err *Error, done func(SendResult)) {
	o.mu.Lock()
	o.seq++
	o.failed[localID] = failedSend{seq: o.seq, text: text, reason: err.Reason}
	o.mu.Unlock()
	o.changed()

	msg := msgMaxRetries
	if err.Reason != ReasonMaxRetries {
		msg = err.Error()
	}
	done(SendResult{LocalID: localID, Message: msg, Err: err})
}

func (o *Outbox) changed() {
	if o.onChange != nil {
		o.onChange()
	}
}
