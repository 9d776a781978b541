package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convsync/internal/docstore"
	"convsync/internal/docstore/localstore"
	"convsync/internal/domain"
	"convsync/internal/identity"
)

const (
	aliceUID = "aliceUid0000000000000"
	bobUID   = "bobUid00000000000000000"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}

func newTestStore() *localstore.Store {
	return localstore.NewMemory(localstore.WithClock(steppingClock()), localstore.WithIDGenerator(sequentialIDs("m")))
}

func alice(peerUID string) *identity.Resolver {
	r := identity.NewResolver(domain.Account{UID: aliceUID, PublicID: "ALICE"}, "BOB1")
	r.SetPeerUID(peerUID)
	return r
}

func bob() *identity.Resolver {
	r := identity.NewResolver(domain.Account{UID: bobUID, PublicID: "BOB1"}, "ALICE")
	r.SetPeerUID(aliceUID)
	return r
}

type recordingObserver struct {
	mu       sync.Mutex
	ops      []string
	failures int
	attempts []error
}

func (o *recordingObserver) BestEffort(op, _ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) SendAttempt(_ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, err)
}

func (o *recordingObserver) count(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, got := range o.ops {
		if got == op {
			n++
		}
	}
	return n
}

func newTestConversation(t *testing.T, store docstore.Store, ids *identity.Resolver) *Conversation {
	t.Helper()
	c, err := NewConversation(store, ids, nil, &recordingObserver{}, nil)
	require.NoError(t, err)
	return c
}

// seedMessages appends n messages from alternating senders and returns their
// ids in creation order.
func seedMessages(t *testing.T, store docstore.Store, cid string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sender, recipient := aliceUID, bobUID
		if i%2 == 1 {
			sender, recipient = bobUID, aliceUID
		}
		id, err := store.Add(context.Background(), MessagesPath(cid), docstore.Fields{
			domain.FieldSenderID:    sender,
			domain.FieldRecipientID: recipient,
			domain.FieldText:        fmt.Sprintf("msg %d", i),
			domain.FieldCreatedAt:   docstore.ServerTimestamp,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}
