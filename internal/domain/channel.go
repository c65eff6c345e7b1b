package domain

import "context"

// Messenger is the outbound side of the chat platform used by the relay.
type Messenger interface {
	// SelfID returns the bot's own user ID, or "" before the gateway is ready.
	SelfID() string
	Send(ctx context.Context, channelID, content string) (Placeholder, error)
	Edit(ctx context.Context, p Placeholder, content string) error
}
