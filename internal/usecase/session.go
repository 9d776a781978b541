package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"convsync/internal/docstore"
	"convsync/internal/domain"
	"convsync/internal/identity"
	"convsync/internal/moderation"
	"convsync/internal/projector"
)

const (
	DefaultPageSize           = 30
	DefaultPaginationInterval = time.Second

	// defaultDelaySeconds applies when delayed send is enabled without a
	// window.
	defaultDelaySeconds = MaxDelaySeconds
	closeTimeout        = 5 * time.Second

	anchorAttempts = 3
	anchorBackoff  = 100 * time.Millisecond
)

type SessionState int

const (
	// StateUnresolved listens on the fallback id until the counterpart's
	// internal id is known.
	StateUnresolved SessionState = iota
	StateSubscribed
	StateTornDown
)

func (s SessionState) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateSubscribed:
		return "subscribed"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	Store    docstore.Store
	Registry *docstore.Registry
	Identity *identity.Resolver
	Filter   *moderation.Filter
	Observer Observer
	Logger   *slog.Logger

	PageSize           int
	PaginationInterval time.Duration
	TypingIdle         time.Duration
	OutboxOptions      []OutboxOption

	// DefaultDelaySeconds is the window used when a profile enables delayed
	// send without choosing one. Zero means MaxDelaySeconds.
	DefaultDelaySeconds int

	// OnChange receives a fresh View after every state change. It runs on
	// store or timer goroutines and must not block.
	OnChange func(View)
}

// View is what a screen renders.
type View struct {
	ConversationID string
	State          SessionState
	Messages       []domain.Message
	Pending        []domain.PendingMessage
	Failed         []domain.PendingMessage
	OtherTyping    bool
	ReachedStart   bool
	LoadingEarlier bool
}

// Session is the conversation synchronizer for one open conversation screen.
// It owns the live message window, earlier pages, presence mirror, profile
// listeners and the outbox.
type Session struct {
	cfg      SessionConfig
	conv     *Conversation
	outbox   *Outbox
	typing   *TypingDebouncer
	throttle *rate.Limiter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    SessionState
	started  bool
	cid      string
	gen      uint64
	subs     []docstore.Subscription // message + presence listeners for cid
	profiles []docstore.Subscription

	live         []domain.Message
	earlier      []domain.Message
	cursor       *docstore.Record
	reachedStart bool
	loading      bool
	presence     domain.Presence
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if cfg.Identity == nil {
		return nil, errors.New("usecase: session identity must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = docstore.NewRegistry()
	}
	if cfg.Observer == nil {
		cfg.Observer = LogObserver{Logger: cfg.Logger}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PaginationInterval <= 0 {
		cfg.PaginationInterval = DefaultPaginationInterval
	}
	if cfg.DefaultDelaySeconds <= 0 {
		cfg.DefaultDelaySeconds = defaultDelaySeconds
	}

	conv, err := NewConversation(cfg.Store, cfg.Identity, cfg.Filter, cfg.Observer, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:      cfg,
		conv:     conv,
		throttle: rate.NewLimiter(rate.Every(cfg.PaginationInterval), 1),
		logger:   cfg.Logger.With("peer", cfg.Identity.PeerPublicID()),
		presence: domain.Presence{},
	}
	opts := append([]OutboxOption{WithOutboxLogger(cfg.Logger)}, cfg.OutboxOptions...)
	opts = append(opts, WithOnChange(s.notify))
	s.outbox, err = NewOutbox(conv, cfg.Identity, cfg.Filter, cfg.Observer, opts...)
	if err != nil {
		return nil, err
	}
	s.typing = NewTypingDebouncer(cfg.TypingIdle, func(typing bool) {
		ctx, cancel := context.WithTimeout(s.context(), closeTimeout)
		defer cancel()
		if err := s.conv.SetTyping(ctx, typing); err != nil {
			s.logger.Warn("typing_publish_failed", "typing", typing, "err", err)
		}
	})
	return s, nil
}

func (s *Session) Conversation() *Conversation { return s.conv }
func (s *Session) Outbox() *Outbox             { return s.outbox }

// Start attaches the profile listeners and the message listener for the
// currently active conversation id. ctx bounds the session's background
// work; Close ends it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("usecase: session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	ids := s.cfg.Identity
	var profiles []docstore.Subscription
	if uid := ids.Me().UID; uid != "" {
		sub, err := s.cfg.Store.Watch(s.ctx, UserPath(uid), s.applyMyProfile)
		if err != nil {
			return remoteError("profile_listen_failed", err)
		}
		profiles = append(profiles, s.cfg.Registry.Track(sub))
	}
	sub, err := s.cfg.Store.WatchQuery(s.ctx, PeerProfileQuery(ids.PeerPublicID()), s.applyPeerProfile)
	if err != nil {
		releaseAll(profiles)
		return remoteError("profile_listen_failed", err)
	}
	profiles = append(profiles, s.cfg.Registry.Track(sub))

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()

	s.attach()
	return nil
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Session) applyMyProfile(rec *docstore.Record, err error) {
	if err != nil {
		s.logger.Warn("my_profile_snapshot_failed", "err", err)
		return
	}
	if rec == nil {
		return
	}
	enabled, _ := rec.Data[domain.FieldDelaySendEnabled].(bool)
	// Millis doubles as the integer coercion for any stored numeric encoding.
	seconds := int(projector.Millis(rec.Data[domain.FieldDelaySendSeconds]))
	switch {
	case !enabled:
		s.outbox.SetDelay(0)
	case seconds <= 0:
		s.outbox.SetDelay(s.cfg.DefaultDelaySeconds)
	default:
		s.outbox.SetDelay(seconds)
	}
	if pub, _ := rec.Data[domain.FieldPublicID].(string); pub != "" && s.cfg.Identity.SetMyPublicID(pub) {
		s.logger.Info("my_public_id_changed", "public_id", pub)
		s.attach()
	}
}

func (s *Session) applyPeerProfile(recs []docstore.Record, err error) {
	if err != nil {
		s.logger.Warn("peer_profile_snapshot_failed", "err", err)
		return
	}
	if ApplyPeerProfile(s.cfg.Identity, recs) {
		s.logger.Info("peer_uid_resolved", "peer_uid", s.cfg.Identity.PeerUID())
		s.attach()
	}
}

// attach (re)subscribes to the active conversation id. It is a no-op when
// already listening there.
func (s *Session) attach() {
	ids := s.cfg.Identity
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	cid := ids.ActiveConversationID()
	if cid == s.cid && s.gen > 0 {
		s.mu.Unlock()
		return
	}
	old := s.subs
	s.gen++
	gen := s.gen
	s.cid = cid
	s.subs = nil
	s.live, s.earlier, s.cursor = nil, nil, nil
	s.reachedStart, s.loading = false, false
	s.presence = domain.Presence{}
	if _, ok := ids.PrimaryConversationID(); ok {
		s.state = StateSubscribed
	} else {
		s.state = StateUnresolved
	}
	ctx := s.ctx
	s.mu.Unlock()

	releaseAll(old)
	s.logger.Info("conversation_attach", "conversation_id", cid, "state", s.State().String())

	// The anchor page fixes the lower bound of the live window; older
	// records are only reachable through LoadEarlier.
	page, err := s.anchorPage(ctx, cid)
	var anchor *docstore.Record
	if len(page) > 0 {
		last := page[len(page)-1]
		anchor = &last
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.cursor = anchor
	// Without an anchor page nothing is known about older history; LoadEarlier
	// starts over from the newest page.
	s.reachedStart = err == nil && len(page) < s.cfg.PageSize
	s.mu.Unlock()

	var subs []docstore.Subscription
	msgSub, err := s.cfg.Store.WatchQuery(ctx, LiveQuery(cid, anchor), func(recs []docstore.Record, err error) {
		s.onMessages(gen, recs, err)
	})
	if err != nil {
		s.logger.Error("message_listen_failed", "conversation_id", cid, "err", err)
	} else {
		subs = append(subs, s.cfg.Registry.Track(msgSub))
	}
	presSub, err := s.cfg.Store.Watch(ctx, PresencePath(cid), func(rec *docstore.Record, err error) {
		s.onPresence(gen, rec, err)
	})
	if err != nil {
		s.logger.Error("presence_listen_failed", "conversation_id", cid, "err", err)
	} else {
		subs = append(subs, s.cfg.Registry.Track(presSub))
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		releaseAll(subs)
		return
	}
	s.subs = subs
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onMessages(gen uint64, recs []docstore.Record, err error) {
	if err != nil {
		s.logger.Warn("message_snapshot_failed", "err", err)
		return
	}
	msgs := projector.ProjectAll(recs, s.cfg.Identity.EffectiveID())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.live = msgs
	cid, ctx := s.cid, s.ctx
	s.mu.Unlock()

	go s.conv.MarkDelivered(ctx, cid, msgs)
	s.notify()
}

func (s *Session) onPresence(gen uint64, rec *docstore.Record, err error) {
	if err != nil {
		s.logger.Warn("presence_snapshot_failed", "err", err)
		return
	}
	p := PresenceFromRecord(rec)
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.presence = p
	s.mu.Unlock()
	s.notify()
}

// anchorPage fetches the newest page, retrying with backoff before giving up.
func (s *Session) anchorPage(ctx context.Context, cid string) ([]docstore.Record, error) {
	delay := anchorBackoff
	for attempt := 1; ; attempt++ {
		page, err := s.conv.LatestPage(ctx, cid, s.cfg.PageSize)
		if err == nil {
			return page, nil
		}
		s.logger.Warn("anchor_page_failed", "conversation_id", cid, "attempt", attempt, "err", err)
		if attempt == anchorAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// LoadEarlier fetches one page older than the cursor and prepends it. It
// returns the number of messages added; concurrent calls and calls after the
// start was reached add nothing.
func (s *Session) LoadEarlier(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state == StateTornDown || s.loading || s.reachedStart {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	gen, cid, cursor := s.gen, s.cid, s.cursor
	s.mu.Unlock()
	s.notify()

	recs, err := s.conv.PageBefore(ctx, cid, cursor, s.cfg.PageSize)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.notify()
		return 0, err
	}
	if len(recs) < s.cfg.PageSize {
		s.reachedStart = true
	}
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		s.cursor = &last
	}
	asc := make([]docstore.Record, len(recs))
	for i, r := range recs {
		asc[len(recs)-1-i] = r
	}
	page := projector.ProjectAll(asc, s.cfg.Identity.EffectiveID())
	s.earlier = append(page, s.earlier...)
	s.mu.Unlock()

	s.notify()
	return len(page), nil
}

// RequestEarlier is LoadEarlier behind the pagination throttle. It reports
// false when the trigger was dropped.
func (s *Session) RequestEarlier(ctx context.Context) (bool, error) {
	if !s.throttle.Allow() {
		return false, nil
	}
	_, err := s.LoadEarlier(ctx)
	return true, err
}

// View composes the current screen state.
func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		ConversationID: s.cid,
		State:          s.state,
		Messages:       mergeByID(s.earlier, s.live),
		OtherTyping:    s.presence.OtherTyping(s.cfg.Identity.EffectiveID()),
		ReachedStart:   s.reachedStart,
		LoadingEarlier: s.loading,
	}
	s.mu.Unlock()
	v.Pending = s.outbox.Pending()
	v.Failed = s.outbox.Failed()
	return v
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// mergeByID combines earlier pages with the live window, ascending by
// creation time. A message present in both keeps the live copy.
func mergeByID(earlier, live []domain.Message) []domain.Message {
	seen := make(map[string]struct{}, len(live))
	out := make([]domain.Message, 0, len(earlier)+len(live))
	for _, m := range live {
		seen[m.ID] = struct{}{}
	}
	for _, m := range earlier {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	out = append(out, live...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Session) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.View())
	}
}

// MarkReadUpTo acknowledges every message from the other participant created
// at or before ts.
func (s *Session) MarkReadUpTo(ctx context.Context, ts int64) (int, error) {
	return s.conv.MarkReadUpTo(ctx, ts)
}

func (s *Session) Send(ctx context.Context, text string, done func(SendResult)) string {
	return s.outbox.Send(ctx, text, done)
}

func (s *Session) Cancel(localID string) bool { return s.outbox.Cancel(localID) }

func (s *Session) Retry(ctx context.Context, localID string, done func(SendResult)) (string, bool) {
	return s.outbox.Retry(ctx, localID, done)
}

func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	return s.conv.Edit(ctx, messageID, text)
}

func (s *Session) Delete(ctx context.Context, messageID string) error {
	return s.conv.Delete(ctx, messageID)
}

func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return s.conv.ToggleReaction(ctx, messageID, emoji)
}

func (s *Session) ToggleStars(ctx context.Context, messageIDs []string) {
	s.conv.ToggleStars(ctx, messageIDs)
}

// Keystroke feeds the typing debouncer.
func (s *Session) Keystroke() { s.typing.Keystroke() }

// SetTyping publishes typing state directly, bypassing the debouncer.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.conv.SetTyping(ctx, typing)
}

// Close publishes typing=false for my key and only then releases every
// listener the session holds. Calling Close twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTornDown
	s.gen++
	subs := append(s.subs, s.profiles...)
	s.subs, s.profiles = nil, nil
	cid, cancel := s.cid, s.cancel
	s.mu.Unlock()

	s.typing.Stop()
	err := s.conv.SetTyping(ctx, false)
	if err != nil {
		s.logger.Warn("typing_clear_failed", "err", err)
	}
	releaseAll(subs)
	if cancel != nil {
		cancel()
	}
	s.logger.Info("session_closed", "conversation_id", cid, "released", len(subs))
	return err
}

func releaseAll(subs []docstore.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			sub.Release()
		}
	}
}
