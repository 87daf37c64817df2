package domain

type MessageType string

const (
	MessageTypeText      MessageType = "message"
	MessageTypeSuperChat MessageType = "superchat"
)

func (t MessageType) String() string {
	return string(t)
}

// ChatEvent is a single chat item: a plain message or a paid (super chat) message.
// Timestamps are epoch seconds with microsecond source precision.
type ChatEvent struct {
	Type              MessageType `json:"type"`
	Author            string      `json:"author"`
	Text              string      `json:"text"`
	Timestamp         float64     `json:"timestamp"`
	RelativeTimestamp float64     `json:"relative_timestamp"`
	Amount            string      `json:"amount,omitempty"`
}

// EventKey is the structural identity of a chat event used for deduplication.
type EventKey struct {
	Author    string
	Text      string
	Timestamp float64
}

func (e ChatEvent) Key() EventKey {
	return EventKey{
		Author:    e.Author,
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
}

func (e ChatEvent) IsSuperChat() bool {
	return e.Type == MessageTypeSuperChat
}

func NewTextMessage(author, text string, timestamp, start float64) ChatEvent {
	return ChatEvent{
		Type:              MessageTypeText,
		Author:            author,
		Text:              text,
		Timestamp:         timestamp,
		RelativeTimestamp: timestamp - start,
	}
}

func NewSuperChat(author, text, amount string, timestamp, start float64) ChatEvent {
	return ChatEvent{
		Type:              MessageTypeSuperChat,
		Author:            author,
		Text:              text,
		Timestamp:         timestamp,
		RelativeTimestamp: timestamp - start,
		Amount:            amount,
	}
}
