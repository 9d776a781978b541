package domain

// DeliveryStatus is derived on the client and never stored.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "SENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Message is the normalized view of a stored message record.
type Message struct {
	ID           string
	SenderID     string
	SenderUID    string
	RecipientID  string
	RecipientUID string
	Text         string
	CreatedAt    int64 // epoch millis
	Edited       bool
	EditedAt     int64
	Narration    bool

	StarredByMe bool
	Delivered   bool
	Read        bool

	StarredBy   map[string]bool
	DeliveredBy map[string]bool
	ReadBy      map[string]bool
	Reactions   map[string][]string
}

// Status derives the delivery status of a sent message as seen by recipient.
// Read wins over delivered; both are monotonic once set.
func (m Message) Status(recipient string) DeliveryStatus {
	switch {
	case m.ReadBy[recipient]:
		return StatusRead
	case m.DeliveredBy[recipient]:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// ReactedBy reports whether id is listed under emoji.
func (m Message) ReactedBy(emoji, id string) bool {
	for _, u := range m.Reactions[emoji] {
		if u == id {
			return true
		}
	}
	return false
}

// PendingMessage is a client-local message that has not been transmitted yet,
// either counting down a delayed send or parked after a failed send.
type PendingMessage struct {
	LocalID          string
	Text             string
	RemainingSeconds int
	Status           DeliveryStatus
	Reason           string
}
