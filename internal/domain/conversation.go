package domain

import "time"

// Role identifies which side of a conversation authored a message.
type Role string

const (
	RoleFan     Role = "fan"
	RolePersona Role = "persona"
)

// MediaKind is the type of a media attachment.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Message is a single persisted conversation turn. Messages are immutable
// once written and ordered by Seq within a (fan, persona) pair.
type Message struct {
	ID        string
	FanID     string
	PersonaID string
	Role      Role
	Text      string
	MediaRef  string
	MediaKind MediaKind
	Seq       int64
	CreatedAt time.Time
}

// HasMedia reports whether the message carries an attachment.
func (m Message) HasMedia() bool {
	return m.MediaRef != ""
}

// ConversationSetting is the per-pair automation switch. A missing row reads
// as enabled.
type ConversationSetting struct {
	FanID             string
	PersonaID         string
	AutomationEnabled bool
	UpdatedAt         time.Time
}

// ConversationMeta holds the per-pair counters: the append sequence and the
// running count of fan-authored messages.
type ConversationMeta struct {
	FanID           string
	PersonaID       string
	Seq             int64
	FanMessageCount int
	LastActivity    time.Time
}

// ContextWindow is the bounded slice of history handed to the completion
// capability: the most recent turns verbatim, everything older compressed
// into Summary. Summary is empty when the history fit entirely.
type ContextWindow struct {
	Summary string
	Recent  []Message
}
