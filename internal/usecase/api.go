package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"convsync/internal/docstore"
	"convsync/internal/domain"
	"convsync/internal/identity"
	"convsync/internal/moderation"
	"convsync/internal/projector"
)

// Actions accepted by ChatService.Execute.
const (
	ActionSend    = "send"
	ActionEdit    = "edit"
	ActionDelete  = "delete"
	ActionReact   = "react"
	ActionStar    = "star"
	ActionTyping  = "typing"
	ActionRead    = "read"
	ActionHistory = "history"
)

const maxHistoryPage = 100

type ChatInput struct {
	Action       string
	UID          string
	PublicID     string
	PeerPublicID string

	Text       string
	MessageID  string
	Emoji      string
	MessageIDs []string
	Typing     bool
	UpTo       int64 // epoch millis; 0 means now
	Before     string
	Limit      int
}

type ChatOutput struct {
	ConversationID string
	MessageID      string
	Count          int
	Messages       []domain.Message
	ReachedStart   bool
}

// ChatService runs one conversation operation per request for callers that
// keep no session, such as the Lambda handler.
type ChatService struct {
	store      docstore.Store
	filter     *moderation.Filter
	obs        Observer
	logger     *slog.Logger
	pageSize   int
	outboxOpts []OutboxOption
	now        func() time.Time
}

func NewChatService(store docstore.Store, filter *moderation.Filter, obs Observer, logger *slog.Logger, pageSize int, opts ...OutboxOption) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = LogObserver{Logger: logger}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &ChatService{
		store:      store,
		filter:     filter,
		obs:        obs,
		logger:     logger,
		pageSize:   pageSize,
		outboxOpts: opts,
		now:        time.Now,
	}, nil
}

func (s *ChatService) Execute(ctx context.Context, in ChatInput) (ChatOutput, error) {
	uid := strings.TrimSpace(in.UID)
	if uid == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, ReasonMissingIdentity, nil)
	}
	peer := strings.TrimSpace(in.PeerPublicID)
	if peer == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_peer", nil)
	}

	ids := identity.NewResolver(domain.Account{UID: uid, PublicID: strings.TrimSpace(in.PublicID)}, peer)
	conv, err := NewConversation(s.store, ids, s.filter, s.obs, s.logger)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "conversation_init_failed", err)
	}
	if _, err := conv.ResolvePeer(ctx); err != nil {
		return ChatOutput{}, err
	}

	action := strings.ToLower(strings.TrimSpace(in.Action))
	messageID := strings.TrimSpace(in.MessageID)
	switch action {
	case ActionEdit, ActionDelete, ActionReact:
		if messageID == "" {
			return ChatOutput{}, newError(ErrorInvalidInput, ReasonUnknownMessage, nil)
		}
	}

	out := ChatOutput{}
	switch action {
	case ActionSend:
		out.MessageID, err = s.send(ctx, conv, in.Text)
	case ActionEdit:
		err = conv.Edit(ctx, messageID, in.Text)
	case ActionDelete:
		err = conv.Delete(ctx, messageID)
	case ActionReact:
		err = conv.ToggleReaction(ctx, messageID, in.Emoji)
	case ActionStar:
		if len(in.MessageIDs) == 0 {
			err = newError(ErrorInvalidInput, ReasonUnknownMessage, nil)
			break
		}
		conv.ToggleStars(ctx, in.MessageIDs)
		out.Count = len(in.MessageIDs)
	case ActionTyping:
		err = conv.SetTyping(ctx, in.Typing)
	case ActionRead:
		upTo := in.UpTo
		if upTo <= 0 {
			upTo = s.now().UnixMilli()
		}
		out.Count, err = conv.MarkReadUpTo(ctx, upTo)
	case ActionHistory:
		out.Messages, out.ReachedStart, err = s.history(ctx, conv, in.Before, in.Limit)
	default:
		err = newError(ErrorInvalidInput, "unknown_action", nil)
	}
	if err != nil {
		return ChatOutput{}, err
	}
	out.ConversationID = ids.ActiveConversationID()
	return out, nil
}

// send runs the outbox pipeline without a delay window and waits for the
// outcome.
func (s *ChatService) send(ctx context.Context, conv *Conversation, text string) (string, error) {
	opts := append([]OutboxOption{WithOutboxLogger(s.logger)}, s.outboxOpts...)
	ob, err := NewOutbox(conv, conv.Identity(), s.filter, s.obs, opts...)
	if err != nil {
		return "", newError(ErrorInternal, "outbox_init_failed", err)
	}
	results := make(chan SendResult, 1)
	ob.Send(ctx, text, func(r SendResult) { results <- r })
	select {
	case r := <-results:
		if !r.OK {
			return "", r.Err
		}
		return r.MessageID, nil
	case <-ctx.Done():
		return "", newError(ErrorPermanent, ReasonCancelled, ctx.Err())
	}
}

// history pages backwards from the message before, or from the newest
// message, and returns the page oldest first.
func (s *ChatService) history(ctx context.Context, conv *Conversation, before string, limit int) ([]domain.Message, bool, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	limit = min(limit, maxHistoryPage)
	cid := conv.Identity().ActiveConversationID()

	var cursor *docstore.Record
	if before = strings.TrimSpace(before); before != "" {
		rec, err := s.store.Get(ctx, MessagePath(cid, before))
		if err != nil {
			return nil, false, remoteError(ReasonUnknownMessage, err)
		}
		cursor = rec
	}
	recs, err := conv.PageBefore(ctx, cid, cursor, limit)
	if err != nil {
		return nil, false, err
	}
	msgs := projector.ProjectAll(recs, conv.Identity().EffectiveID())
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, len(recs) < limit, nil
}
