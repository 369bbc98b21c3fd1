package domain

import (
	"strings"
	"time"
)

// Message is a single delivered voice note. Messages are immutable once created.
type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	ReceiverID      string    `json:"receiverId"`
	AudioRef        string    `json:"audioRef"`
	DurationSeconds int       `json:"durationSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// InConversation reports whether m was sent in either direction between selfID and peerID.
func InConversation(m Message, selfID, peerID string) bool {
	return (m.SenderID == selfID && m.ReceiverID == peerID) ||
		(m.SenderID == peerID && m.ReceiverID == selfID)
}

// Before orders messages by creation time, then by id.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ConversationKey returns a direction-independent key for the pair of users.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "#" + b
}

// ValidUserID reports whether id is usable as a user identity.
func ValidUserID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, "#")
}
