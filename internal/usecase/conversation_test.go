package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convsync/internal/docstore"
	"convsync/internal/docstore/localstore"
	"convsync/internal/domain"
	"convsync/internal/identity"
	"convsync/internal/moderation"
	"convsync/internal/projector"
)

func TestNewConversation_Validation(t *testing.T) {
	_, err := NewConversation(nil, alice(""), nil, nil, nil)
	require.Error(t, err)
	_, err = NewConversation(newTestStore(), nil, nil, nil, nil)
	require.Error(t, err)
}

func TestTransmit_UnresolvedPeerUsesFallbackAddressing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice("")
	c := newTestConversation(t, store, ids)

	id, err := c.Transmit(ctx, "hello")
	require.NoError(t, err)

	cid := ids.ActiveConversationID()
	require.Equal(t, identity.ConversationID("ALICE", "BOB1"), cid)
	rec, err := store.Get(ctx, MessagePath(cid, id))
	require.NoError(t, err)
	require.Equal(t, aliceUID, rec.Data[domain.FieldSenderID])
	require.Equal(t, "BOB1", rec.Data[domain.FieldRecipientID])
	require.Equal(t, "", rec.Data[domain.FieldRecipientUID])
	require.NotZero(t, projector.Millis(rec.Data[domain.FieldCreatedAt]))

	parent, err := store.Get(ctx, ParentPath(cid))
	require.NoError(t, err)
	require.Equal(t, "hello", parent.Data[domain.FieldLastMessage])
	require.Equal(t, []any{aliceUID, "BOB1"}, parent.Data[domain.FieldParticipants])
}

func TestTransmit_KeepsParentCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	c := newTestConversation(t, store, ids)

	_, err := c.Transmit(ctx, "one")
	require.NoError(t, err)
	first, err := store.Get(ctx, ParentPath(ids.ActiveConversationID()))
	require.NoError(t, err)

	_, err = c.Transmit(ctx, "two")
	require.NoError(t, err)
	second, err := store.Get(ctx, ParentPath(ids.ActiveConversationID()))
	require.NoError(t, err)

	require.Equal(t, first.Data[domain.FieldCreatedAt], second.Data[domain.FieldCreatedAt])
	require.NotEqual(t, first.Data[domain.FieldUpdatedAt], second.Data[domain.FieldUpdatedAt])
	require.Equal(t, "two", second.Data[domain.FieldLastMessage])
}

func TestRecordRecent_WritesBothSides(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	obs := &recordingObserver{}
	c, err := NewConversation(store, alice(bobUID), nil, obs, nil)
	require.NoError(t, err)

	c.RecordRecent(ctx, "hi")

	mine, err := store.Get(ctx, RecentPath(aliceUID, bobUID))
	require.NoError(t, err)
	require.Equal(t, bobUID, mine.Data[domain.FieldPeerID])
	theirs, err := store.Get(ctx, RecentPath(bobUID, aliceUID))
	require.NoError(t, err)
	require.Equal(t, aliceUID, theirs.Data[domain.FieldPeerID])
	require.Equal(t, 2, obs.count(OpRecents))
	require.Zero(t, obs.failures)
}

func TestResolvePeer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	require.NoError(t, store.Set(ctx, UserPath(bobUID), docstore.Fields{domain.FieldPublicID: "BOB1"}))
	ids := alice("")
	c := newTestConversation(t, store, ids)

	ok, err := c.ResolvePeer(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bobUID, ids.PeerUID())
}

func TestResolvePeer_ShortKeyWithoutUIDStaysUnresolved(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	require.NoError(t, store.Set(ctx, UserPath("bob"), docstore.Fields{domain.FieldPublicID: "BOB1"}))
	ids := alice("")
	c := newTestConversation(t, store, ids)

	ok, err := c.ResolvePeer(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, identity.ConversationID("ALICE", "BOB1"), ids.ActiveConversationID())
}

func TestMarkDelivered_OnlyPeerMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	cid := ids.ActiveConversationID()
	seedMessages(t, store, cid, 4)
	obs := &recordingObserver{}
	c, err := NewConversation(store, ids, nil, obs, nil)
	require.NoError(t, err)

	recs, err := store.Query(ctx, docstore.Query{Collection: MessagesPath(cid), OrderBy: domain.FieldCreatedAt})
	require.NoError(t, err)
	msgs := projector.ProjectAll(recs, aliceUID)

	require.Equal(t, 2, c.MarkDelivered(ctx, cid, msgs))

	recs, err = store.Query(ctx, docstore.Query{Collection: MessagesPath(cid), OrderBy: domain.FieldCreatedAt})
	require.NoError(t, err)
	for _, m := range projector.ProjectAll(recs, aliceUID) {
		require.Equal(t, m.SenderID == bobUID, m.DeliveredBy[aliceUID], m.ID)
	}

	// A second pass finds nothing left to mark.
	require.Zero(t, c.MarkDelivered(ctx, cid, projector.ProjectAll(recs, aliceUID)))
	require.Equal(t, 2, obs.count(OpMarkDelivered))
}

func TestMarkReadUpTo(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	cid := ids.ActiveConversationID()
	seedMessages(t, store, cid, 6)
	c := newTestConversation(t, store, ids)

	recs, err := store.Query(ctx, docstore.Query{Collection: MessagesPath(cid), OrderBy: domain.FieldCreatedAt})
	require.NoError(t, err)
	cutoff := projector.Millis(recs[3].Data[domain.FieldCreatedAt])

	n, err := c.MarkReadUpTo(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, n) // peer messages 1 and 3

	recs, err = store.Query(ctx, docstore.Query{Collection: MessagesPath(cid), OrderBy: domain.FieldCreatedAt})
	require.NoError(t, err)
	msgs := projector.ProjectAll(recs, aliceUID)
	require.True(t, msgs[1].Read)
	require.True(t, msgs[3].Read)
	require.False(t, msgs[5].Read)
	require.False(t, msgs[0].ReadBy[aliceUID])
}

func TestMarkReadUpTo_CoversSubMillisecondTimestamps(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	store := localstore.NewMemory(localstore.WithClock(func() time.Time { return at }))
	ids := alice(bobUID)
	cid := ids.ActiveConversationID()

	_, err := newTestConversation(t, store, bob()).Transmit(ctx, "seen")
	require.NoError(t, err)
	recs, err := store.Query(ctx, docstore.Query{Collection: MessagesPath(cid)})
	require.NoError(t, err)
	msgs := projector.ProjectAll(recs, aliceUID)
	require.Len(t, msgs, 1)
	require.Equal(t, at.UnixMilli(), msgs[0].CreatedAt)

	n, err := newTestConversation(t, store, ids).MarkReadUpTo(ctx, msgs[0].CreatedAt)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A cutoff one millisecond earlier leaves a later message alone.
	at = at.Add(time.Millisecond)
	_, err = newTestConversation(t, store, bob()).Transmit(ctx, "later")
	require.NoError(t, err)
	n, err = newTestConversation(t, store, ids).MarkReadUpTo(ctx, msgs[0].CreatedAt)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSetTyping_KeepsOtherParticipantKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	a := newTestConversation(t, store, alice(bobUID))
	b := newTestConversation(t, store, bob())

	require.NoError(t, a.SetTyping(ctx, true))
	require.NoError(t, b.SetTyping(ctx, true))
	require.NoError(t, a.SetTyping(ctx, false))

	rec, err := store.Get(ctx, PresencePath(identity.ConversationID(aliceUID, bobUID)))
	require.NoError(t, err)
	p := PresenceFromRecord(rec)
	require.Equal(t, domain.Presence{aliceUID: false, bobUID: true}, p)
	require.True(t, p.OtherTyping(aliceUID))
	require.False(t, p.OtherTyping(bobUID))
}

func TestPresenceFromRecord_Absent(t *testing.T) {
	require.Empty(t, PresenceFromRecord(nil))
	require.Empty(t, PresenceFromRecord(&docstore.Record{Data: docstore.Fields{"typing": "junk"}}))
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	c, err := NewConversation(store, ids, moderation.NewFilter([]string{"darn"}), nil, nil)
	require.NoError(t, err)
	id, err := c.Transmit(ctx, "first")
	require.NoError(t, err)

	require.NoError(t, c.Edit(ctx, id, "  darn it "))

	rec, err := store.Get(ctx, MessagePath(ids.ActiveConversationID(), id))
	require.NoError(t, err)
	m := projector.Project(*rec, aliceUID)
	require.Equal(t, "*** it", m.Text)
	require.True(t, m.Edited)
	require.NotZero(t, m.EditedAt)
}

func TestEdit_MissingRecordIsPermanent(t *testing.T) {
	c := newTestConversation(t, newTestStore(), alice(bobUID))
	err := c.Edit(context.Background(), "nope", "text")
	require.Error(t, err)
	require.Equal(t, ErrorPermanent, Classify(err))
	require.True(t, errors.Is(err, docstore.ErrNotFound))
}

func TestEdit_EmptyText(t *testing.T) {
	c := newTestConversation(t, newTestStore(), alice(bobUID))
	err := c.Edit(context.Background(), "m1", "   ")
	require.Equal(t, ReasonEmptyMessage, ReasonOf(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	c := newTestConversation(t, store, ids)
	id, err := c.Transmit(ctx, "bye")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, id))
	_, err = store.Get(ctx, MessagePath(ids.ActiveConversationID(), id))
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestToggleReaction_TwiceRestoresOriginal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	c := newTestConversation(t, store, ids)
	id, err := c.Transmit(ctx, "react to me")
	require.NoError(t, err)
	path := MessagePath(ids.ActiveConversationID(), id)

	require.NoError(t, c.ToggleReaction(ctx, id, "👍"))
	rec, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, projector.Project(*rec, aliceUID).ReactedBy("👍", aliceUID))

	require.NoError(t, c.ToggleReaction(ctx, id, "👍"))
	rec, err = store.Get(ctx, path)
	require.NoError(t, err)
	m := projector.Project(*rec, aliceUID)
	require.False(t, m.ReactedBy("👍", aliceUID))
	require.NotContains(t, m.Reactions, "👍")
}

func TestToggleReaction_ConcurrentTogglesSerialize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	a := newTestConversation(t, store, ids)
	b := newTestConversation(t, store, bob())
	id, err := a.Transmit(ctx, "popular")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, toggle := range []func() error{
		func() error { return a.ToggleReaction(ctx, id, "❤") },
		func() error { return a.ToggleReaction(ctx, id, "❤") },
		func() error { return b.ToggleReaction(ctx, id, "❤") },
	} {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			errs <- fn()
		}(toggle)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := store.Get(ctx, MessagePath(ids.ActiveConversationID(), id))
	require.NoError(t, err)
	require.Equal(t, []string{bobUID}, projector.Project(*rec, aliceUID).Reactions["❤"])
}

func TestToggleReaction_MissingMessage(t *testing.T) {
	c := newTestConversation(t, newTestStore(), alice(bobUID))
	err := c.ToggleReaction(context.Background(), "missing", "👍")
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.Equal(t, ErrorPermanent, Classify(err))
}

func TestToggleStars(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	ids := alice(bobUID)
	obs := &recordingObserver{}
	c, err := NewConversation(store, ids, nil, obs, nil)
	require.NoError(t, err)
	one, err := c.Transmit(ctx, "one")
	require.NoError(t, err)
	two, err := c.Transmit(ctx, "two")
	require.NoError(t, err)

	c.ToggleStars(ctx, []string{one, "missing", two})
	require.Equal(t, 3, obs.count(OpToggleStar))
	require.Equal(t, 1, obs.failures)

	c.ToggleStars(ctx, []string{two})

	cid := ids.ActiveConversationID()
	rec, err := store.Get(ctx, MessagePath(cid, one))
	require.NoError(t, err)
	require.True(t, projector.Project(*rec, aliceUID).StarredByMe)
	rec, err = store.Get(ctx, MessagePath(cid, two))
	require.NoError(t, err)
	require.False(t, projector.Project(*rec, aliceUID).StarredByMe)
}

func TestEraseHistory_ReleasesListenersFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	cid := identity.ConversationID(aliceUID, bobUID)
	seedMessages(t, store, cid, 5)
	reg := docstore.NewRegistry()
	sub, err := store.WatchQuery(ctx, docstore.Query{Collection: MessagesPath(cid)}, func([]docstore.Record, error) {})
	require.NoError(t, err)
	reg.Track(sub)

	n, err := EraseHistory(ctx, store, reg, cid)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Zero(t, reg.Len())

	recs, err := store.Query(ctx, docstore.Query{Collection: MessagesPath(cid)})
	require.NoError(t, err)
	require.Empty(t, recs)
}
