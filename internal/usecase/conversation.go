package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"convsync/internal/docstore"
	"convsync/internal/domain"
	"convsync/internal/identity"
	"convsync/internal/moderation"
	"convsync/internal/projector"
)

// Conversation holds the stateless operations on one two-party conversation.
// Every call addresses the conversation the resolver currently considers
// active.
type Conversation struct {
	store  docstore.Store
	ids    *identity.Resolver
	filter *moderation.Filter
	obs    Observer
	logger *slog.Logger
}

func NewConversation(store docstore.Store, ids *identity.Resolver, filter *moderation.Filter, obs Observer, logger *slog.Logger) (*Conversation, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if ids == nil {
		return nil, errors.New("usecase: identity resolver must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = LogObserver{Logger: logger}
	}
	return &Conversation{store: store, ids: ids, filter: filter, obs: obs, logger: logger}, nil
}

func (c *Conversation) Identity() *identity.Resolver { return c.ids }

func ParentPath(cid string) string {
	return docstore.Join(domain.CollectionConversations, cid)
}

func MessagesPath(cid string) string {
	return docstore.Join(domain.CollectionConversations, cid, domain.CollectionMessages)
}

func MessagePath(cid, messageID string) string {
	return docstore.Join(MessagesPath(cid), messageID)
}

func PresencePath(cid string) string {
	return docstore.Join(domain.CollectionConversations, cid, domain.CollectionState, domain.DocPresence)
}

func UserPath(key string) string {
	return docstore.Join(domain.CollectionUsers, key)
}

func RecentPath(userKey, peerKey string) string {
	return docstore.Join(domain.CollectionUsers, userKey, domain.CollectionRecents, peerKey)
}

// PeerProfileQuery finds the counterpart's profile by public id.
func PeerProfileQuery(publicID string) docstore.Query {
	return docstore.Query{Collection: domain.CollectionUsers, Limit: 1}.
		Where(domain.FieldPublicID, docstore.OpEqual, publicID)
}

// ApplyPeerProfile feeds a profile lookup result into the resolver and
// reports whether the counterpart uid changed.
func ApplyPeerProfile(ids *identity.Resolver, recs []docstore.Record) bool {
	if len(recs) == 0 {
		return false
	}
	uid, _ := recs[0].Data[domain.FieldUID].(string)
	return ids.SetPeerUID(identity.PeerUID(recs[0].ID, uid))
}

// ResolvePeer looks the counterpart up once. It reports whether the uid is
// known afterwards.
func (c *Conversation) ResolvePeer(ctx context.Context) (bool, error) {
	if c.ids.PeerUID() != "" {
		return true, nil
	}
	recs, err := c.store.Query(ctx, PeerProfileQuery(c.ids.PeerPublicID()))
	if err != nil {
		return false, remoteError("peer_lookup_failed", err)
	}
	ApplyPeerProfile(c.ids, recs)
	return c.ids.PeerUID() != "", nil
}

// Transmit upserts the parent record and appends one message. It is a single
// attempt; retry policy lives in Outbox.
func (c *Conversation) Transmit(ctx context.Context, text string) (string, error) {
	me := c.ids.Me()
	cid := c.ids.ActiveConversationID()
	myID := c.ids.EffectiveID()
	peerID := c.ids.PeerID()

	parent := docstore.Fields{
		domain.FieldParticipants: []any{myID, peerID},
		domain.FieldLastMessage:  text,
		domain.FieldUpdatedAt:    docstore.ServerTimestamp,
	}
	if _, err := c.store.Get(ctx, ParentPath(cid)); errors.Is(err, docstore.ErrNotFound) {
		parent[domain.FieldCreatedAt] = docstore.ServerTimestamp
	} else if err != nil {
		return "", fmt.Errorf("usecase: Transmit read parent: %w", err)
	}
	if err := c.store.Set(ctx, ParentPath(cid), parent, docstore.Merge()); err != nil {
		return "", fmt.Errorf("usecase: Transmit upsert parent: %w", err)
	}

	id, err := c.store.Add(ctx, MessagesPath(cid), docstore.Fields{
		domain.FieldSenderID:     myID,
		domain.FieldSenderUID:    me.UID,
		domain.FieldRecipientID:  peerID,
		domain.FieldRecipientUID: c.ids.PeerUID(),
		domain.FieldText:         text,
		domain.FieldCreatedAt:    docstore.ServerTimestamp,
		domain.FieldEdited:       false,
		domain.FieldNarration:    false,
		domain.FieldStarredBy:    map[string]any{},
		domain.FieldDeliveredBy:  map[string]any{},
		domain.FieldReadBy:       map[string]any{},
		domain.FieldReactions:    map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("usecase: Transmit append message: %w", err)
	}
	return id, nil
}

// RecordRecent upserts the recent-conversation shortcut for both participants.
// Failures are reported to the observer only.
func (c *Conversation) RecordRecent(ctx context.Context, text string) {
	cid := c.ids.ActiveConversationID()
	myID, peerID := c.ids.EffectiveID(), c.ids.PeerID()
	for _, pair := range [][2]string{{myID, peerID}, {peerID, myID}} {
		path := RecentPath(pair[0], pair[1])
		err := c.store.Set(ctx, path, docstore.Fields{
			domain.FieldPeerID:         pair[1],
			domain.FieldConversationID: cid,
			domain.FieldLastMessage:    text,
			domain.FieldUpdatedAt:      docstore.ServerTimestamp,
		}, docstore.Merge())
		c.obs.BestEffort(OpRecents, path, err)
	}
}

// LatestPage returns up to limit newest messages, newest first.
func (c *Conversation) LatestPage(ctx context.Context, cid string, limit int) ([]docstore.Record, error) {
	return c.PageBefore(ctx, cid, nil, limit)
}

// PageBefore returns up to limit messages older than cursor, newest first.
func (c *Conversation) PageBefore(ctx context.Context, cid string, cursor *docstore.Record, limit int) ([]docstore.Record, error) {
	recs, err := c.store.Query(ctx, docstore.Query{
		Collection: MessagesPath(cid),
		OrderBy:    domain.FieldCreatedAt,
		Direction:  docstore.Descending,
		Limit:      limit,
		StartAfter: cursor,
	})
	if err != nil {
		return nil, remoteError("page_query_failed", err)
	}
	return recs, nil
}

// LiveQuery is the ascending listener query, anchored at the oldest record of
// the first page so the window never slides past what pagination covers.
func LiveQuery(cid string, anchor *docstore.Record) docstore.Query {
	q := docstore.Query{Collection: MessagesPath(cid), OrderBy: domain.FieldCreatedAt, Direction: docstore.Ascending}
	if anchor != nil {
		if v, ok := anchor.Data[domain.FieldCreatedAt]; ok {
			q = q.Where(domain.FieldCreatedAt, docstore.OpGreaterOrEqual, v)
		}
	}
	return q
}

// MarkDelivered merges deliveredBy.<me> into every message from the other
// participant that lacks it.
func (c *Conversation) MarkDelivered(ctx context.Context, cid string, msgs []domain.Message) int {
	return c.markFlag(ctx, cid, msgs, domain.FieldDeliveredBy, OpMarkDelivered, func(m domain.Message, me string) bool {
		return m.DeliveredBy[me]
	})
}

// MarkReadUpTo merges readBy.<me> into every message from the other
// participant created at or before ts. It is a one-shot query plus per-record
// merges, not a transaction; the write is idempotent.
//
// ts is whole epoch millis while stored timestamps may carry sub-millisecond
// precision, so the cutoff covers the entire millisecond.
func (c *Conversation) MarkReadUpTo(ctx context.Context, ts int64) (int, error) {
	cid := c.ids.ActiveConversationID()
	recs, err := c.store.Query(ctx, docstore.Query{Collection: MessagesPath(cid)}.
		Where(domain.FieldCreatedAt, docstore.OpLess, ts+1))
	if err != nil {
		return 0, remoteError("read_query_failed", err)
	}
	msgs := projector.ProjectAll(recs, c.ids.EffectiveID())
	return c.markFlag(ctx, cid, msgs, domain.FieldReadBy, OpMarkRead, func(m domain.Message, me string) bool {
		return m.ReadBy[me]
	}), nil
}

func (c *Conversation) markFlag(ctx context.Context, cid string, msgs []domain.Message, field, op string, has func(domain.Message, string) bool) int {
	me := c.ids.EffectiveID()
	n := 0
	for _, m := range msgs {
		if m.SenderID == me || has(m, me) {
			continue
		}
		path := MessagePath(cid, m.ID)
		err := c.store.Set(ctx, path, docstore.Fields{docstore.FieldPath(field, me): true}, docstore.Merge())
		c.obs.BestEffort(op, path, err)
		if err == nil {
			n++
		}
	}
	return n
}

// SetTyping publishes my own typing key. The field-path merge leaves the other
// participant's key untouched.
func (c *Conversation) SetTyping(ctx context.Context, typing bool) error {
	cid := c.ids.ActiveConversationID()
	err := c.store.Set(ctx, PresencePath(cid), docstore.Fields{
		docstore.FieldPath(domain.FieldTyping, c.ids.EffectiveID()): typing,
	}, docstore.Merge())
	if err != nil {
		return remoteError("typing_write_failed", err)
	}
	return nil
}

// PresenceFromRecord mirrors the typing map; an absent record means nobody is
// typing.
func PresenceFromRecord(rec *docstore.Record) domain.Presence {
	out := domain.Presence{}
	if rec == nil {
		return out
	}
	m, _ := rec.Data[domain.FieldTyping].(map[string]any)
	for id, v := range m {
		if b, ok := v.(bool); ok {
			out[id] = b
		}
	}
	return out
}

// Edit replaces the body of a message. The record must exist.
func (c *Conversation) Edit(ctx context.Context, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return newError(ErrorInvalidInput, ReasonEmptyMessage, nil)
	}
	path := MessagePath(c.ids.ActiveConversationID(), messageID)
	err := c.store.Update(ctx, path, docstore.Fields{
		domain.FieldText:     c.filter.Clean(text),
		domain.FieldEdited:   true,
		domain.FieldEditedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return remoteError("edit_failed", err)
	}
	return nil
}

// Delete removes a message permanently.
func (c *Conversation) Delete(ctx context.Context, messageID string) error {
	if err := c.store.Delete(ctx, MessagePath(c.ids.ActiveConversationID(), messageID)); err != nil {
		return remoteError("delete_failed", err)
	}
	return nil
}

// ToggleReaction adds or removes my id under emoji inside a transaction so
// concurrent reactions from both participants are not lost.
func (c *Conversation) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return newError(ErrorInvalidInput, "empty_emoji", nil)
	}
	me := c.ids.EffectiveID()
	path := MessagePath(c.ids.ActiveConversationID(), messageID)
	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		rec, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		reactions := projector.Reactions(rec.Data[domain.FieldReactions])
		reactions[emoji] = toggle(reactions[emoji], me)
		out := make(map[string]any, len(reactions))
		for e, ids := range reactions {
			if len(ids) == 0 {
				continue
			}
			list := make([]any, len(ids))
			for i, id := range ids {
				list[i] = id
			}
			out[e] = list
		}
		return tx.Update(path, docstore.Fields{domain.FieldReactions: out})
	})
	if err != nil {
		return remoteError("reaction_failed", err)
	}
	return nil
}

func toggle(ids []string, me string) []string {
	out := make([]string, 0, len(ids)+1)
	found := false
	for _, id := range ids {
		if id == me {
			found = true
			continue
		}
		out = append(out, id)
	}
	if !found {
		out = append(out, me)
	}
	return out
}

// ToggleStars flips my key in starredBy for each message, one transaction per
// message. Per-item outcomes go to the observer only.
func (c *Conversation) ToggleStars(ctx context.Context, messageIDs []string) {
	me := c.ids.EffectiveID()
	cid := c.ids.ActiveConversationID()
	for _, id := range messageIDs {
		path := MessagePath(cid, id)
		err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			rec, err := tx.Get(ctx, path)
			if err != nil {
				return err
			}
			starred := map[string]any{}
			if m, ok := rec.Data[domain.FieldStarredBy].(map[string]any); ok {
				for k, v := range m {
					starred[k] = v
				}
			}
			if _, ok := starred[me]; ok {
				delete(starred, me)
			} else {
				starred[me] = true
			}
			return tx.Update(path, docstore.Fields{domain.FieldStarredBy: starred})
		})
		c.obs.BestEffort(OpToggleStar, path, err)
	}
}
