package domain

import "time"

// TriggerType selects how an automated message fires.
type TriggerType string

const (
	TriggerScheduled    TriggerType = "scheduled"
	TriggerMessageCount TriggerType = "message_count"
)

// AutomatedMessage is a creator-authored message fired at most once per fan,
// either at a wall-clock time or when the fan's message count crosses a
// threshold. SentTo is the idempotency guard.
type AutomatedMessage struct {
	ID             string
	PersonaID      string
	Content        string
	MediaRef       string
	MediaKind      MediaKind
	TriggerType    TriggerType
	ScheduledAt    time.Time
	CountThreshold int
	Active         bool
	SentTo         []string
}

// SentToFan reports whether the message already fired for the given fan.
func (a AutomatedMessage) SentToFan(fanID string) bool {
	for _, id := range a.SentTo {
		if id == fanID {
			return true
		}
	}
	return false
}
