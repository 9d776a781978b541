// Package identity derives the conversation identifier two participants
// compute independently for their pair.
package identity

import (
	"sort"
	"strings"
	"sync"

	"convsync/internal/domain"
)

const (
	separator = "_"
	// minUIDLength separates auth-provider uids from short public ids.
	minUIDLength = 20
)

// ConversationID sorts the pair and joins it so both sides get the same key.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, separator)
}

// LooksLikeUID reports whether key has the shape of an auth-provider uid.
func LooksLikeUID(key string) bool {
	if len(key) < minUIDLength {
		return false
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// PeerUID extracts the counterpart's uid from its profile record: a uid-shaped
// document key wins, then an explicit uid field, else "".
func PeerUID(docKey string, uidField string) string {
	if LooksLikeUID(docKey) {
		return docKey
	}
	return strings.TrimSpace(uidField)
}

// Resolver holds what is currently known about both participants. All
// methods are pure functions of that state and safe for concurrent use.
type Resolver struct {
	mu           sync.RWMutex
	me           domain.Account
	peerPublicID string
	peerUID      string
}

func NewResolver(me domain.Account, peerPublicID string) *Resolver {
	return &Resolver{me: me, peerPublicID: strings.TrimSpace(peerPublicID)}
}

// SetMyPublicID records my current public id and reports whether it changed.
func (r *Resolver) SetMyPublicID(id string) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" || id == r.me.PublicID {
		return false
	}
	r.me.PublicID = id
	return true
}

// SetPeerUID records the counterpart's uid and reports whether it changed.
func (r *Resolver) SetPeerUID(uid string) bool {
	uid = strings.TrimSpace(uid)
	r.mu.Lock()
	defer r.mu.Unlock()
	if uid == "" || uid == r.peerUID {
		return false
	}
	r.peerUID = uid
	return true
}

func (r *Resolver) Me() domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.me
}

func (r *Resolver) PeerPublicID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerPublicID
}

func (r *Resolver) PeerUID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerUID
}

// EffectiveID is the key I use in per-user maps: uid when known, else public
// id.
func (r *Resolver) EffectiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return firstNonEmpty(r.me.UID, r.me.PublicID)
}

// PeerID is the counterpart key: uid when resolved, else public id.
func (r *Resolver) PeerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return firstNonEmpty(r.peerUID, r.peerPublicID)
}

// FallbackConversationID is always computable, before any round trip.
func (r *Resolver) FallbackConversationID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ConversationID(firstNonEmpty(r.me.PublicID, r.me.UID), r.peerPublicID)
}

// PrimaryConversationID is defined once both uids are known.
func (r *Resolver) PrimaryConversationID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.me.UID == "" || r.peerUID == "" {
		return "", false
	}
	return ConversationID(r.me.UID, r.peerUID), true
}

// ActiveConversationID is the primary id if available, else the fallback.
func (r *Resolver) ActiveConversationID() string {
	if id, ok := r.PrimaryConversationID(); ok {
		return id
	}
	return r.FallbackConversationID()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
