package domain

import "time"

// IncomingMessage is a user message delivered by the gateway.
type IncomingMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	ChannelID   string
	Content     string
	Timestamp   time.Time
}

// Placeholder is a provisional reply that is edited in place once the answer is known.
type Placeholder struct {
	ChannelID string
	MessageID string
}
