package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// PlaceholderPrefix marks locally created, not-yet-confirmed message ids.
const PlaceholderPrefix = "temp-"

// MessageType discriminates the message payload shape. Every consumer
// (renderer, reconciler, grouping pass) switches exhaustively on it.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeImage     MessageType = "image"
	TypeImageGrid MessageType = "image_grid"
	TypeFile      MessageType = "file"
	TypeContact   MessageType = "contact"
)

// MediaRef holds the media reference for a message: a single URL for image
// and file messages, an ordered list for image_grid sends. On the wire it is
// either a JSON string or an array of strings.
type MediaRef struct {
	URLs []string
}

// Single returns the first URL or empty string.
func (m MediaRef) Single() string {
	if len(m.URLs) == 0 {
		return ""
	}
	return m.URLs[0]
}

// IsZero reports whether no media is attached.
func (m MediaRef) IsZero() bool { return len(m.URLs) == 0 }

// Equal reports whether two refs carry the same URLs in the same order.
func (m MediaRef) Equal(o MediaRef) bool {
	if len(m.URLs) != len(o.URLs) {
		return false
	}
	for i := range m.URLs {
		if m.URLs[i] != o.URLs[i] {
			return false
		}
	}
	return true
}

// MarshalJSON emits a bare string for a single URL, an array otherwise.
func (m MediaRef) MarshalJSON() ([]byte, error) {
	switch len(m.URLs) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(m.URLs[0])
	default:
		return json.Marshal(m.URLs)
	}
}

// UnmarshalJSON accepts null, a string, or an array of strings.
func (m *MediaRef) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		m.URLs = nil
		return nil
	}
	if strings.HasPrefix(s, "[") {
		return json.Unmarshal(data, &m.URLs)
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	m.URLs = []string{one}
	return nil
}

// ReplyRef is a denormalized copy of the message being replied to, not a
// live link. The snippet and sender label are frozen at reply time.
type ReplyRef struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Reactions maps an emoji symbol to the set of user ids that reacted with
// it. At most two distinct emoji keys may be active per message.
type Reactions map[string][]string

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		cp := make([]string, len(users))
		copy(cp, users)
		out[emoji] = cp
	}
	return out
}

// Has reports whether userID is in the reactor set for emoji.
func (r Reactions) Has(emoji, userID string) bool {
	for _, u := range r[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

// Message is a single chat entry. ID is either a server-issued identifier or
// a client-generated placeholder ("temp-..."). ClientID is set on
// client-originated messages and echoed back by the server so the
// reconciliation engine can match placeholder to confirmed record.
type Message struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"clientId,omitempty"`
	Text        string      `json:"text"`
	SenderID    string      `json:"senderId"`
	Type        MessageType `json:"type"`
	MediaURL    MediaRef    `json:"mediaUrl,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	ReplyTo     *ReplyRef   `json:"replyTo,omitempty"`
	IsForwarded bool        `json:"isForwarded,omitempty"`
	IsEdited    bool        `json:"isEdited,omitempty"`
	AspectRatio float64     `json:"aspectRatio,omitempty"`
	Reactions   Reactions   `json:"reactions,omitempty"`
}

// IsPlaceholder reports whether the message is a local optimistic entry that
// the server has not confirmed yet.
func (m Message) IsPlaceholder() bool {
	return strings.HasPrefix(m.ID, PlaceholderPrefix)
}

// PeerProfile is the denormalized profile of the other participant.
type PeerProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio,omitempty"`
	Email    string `json:"email,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

// LastMessage is the conversation list summary of the newest message.
type LastMessage struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	SenderID  string    `json:"senderId"`
}

// Chat is a two-party thread.
type Chat struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	OtherUser    PeerProfile    `json:"otherUser"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	UnreadCounts map[string]int `json:"unreadCounts,omitempty"`
}

// Settings are per-user, per-conversation flags, stored separately from the
// chat record and keyed by chat id.
type Settings struct {
	IsPinned   bool `json:"isPinned,omitempty"`
	IsArchived bool `json:"isArchived,omitempty"`
	IsMuted    bool `json:"isMuted,omitempty"`
}

// StarredMessage is an entry in the user's starred collection.
type StarredMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Message   Message   `json:"message"`
	StarredAt time.Time `json:"starredAt"`
}
