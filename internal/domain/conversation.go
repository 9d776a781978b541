package domain

// Account is a participant's durable identity. UID is assigned by the auth
// provider; PublicID is the short user-facing id and may be regenerated.
type Account struct {
	UID      string
	PublicID string
}

// ConversationMeta is the conversation parent record, upserted on every send.
type ConversationMeta struct {
	ConversationID string
	Participants   []string
	LastMessage    string
	CreatedAt      int64
	UpdatedAt      int64
}

// Profile is the subset of a user record the synchronizer reads.
type Profile struct {
	Key              string
	UID              string
	PublicID         string
	DisplayName      string
	DelaySendEnabled bool
	DelaySendSeconds int
}

// Presence maps participant identifier to "is typing now".
type Presence map[string]bool

// OtherTyping reports whether anyone except me is typing.
func (p Presence) OtherTyping(me string) bool {
	for id, typing := range p {
		if id != me && typing {
			return true
		}
	}
	return false
}
