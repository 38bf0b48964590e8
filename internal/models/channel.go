package models

// TransportKind is the real-time protocol a subscriber is connected over.
type TransportKind string

const (
	TransportGraphQLWS TransportKind = "stream-a" // graphql-transport-ws subscriptions
	TransportSocketIO  TransportKind = "stream-b" // Socket.io over Engine.IO v4
)

// ChannelKind identifies a best-effort secondary channel.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelEmail    ChannelKind = "email"
	ChannelSMS      ChannelKind = "sms"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelTelegram, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// Contact says where a user can be reached on a secondary channel.
type Contact struct {
	UserID      string      `json:"user_id"`
	Kind        ChannelKind `json:"kind"`
	Destination string      `json:"destination"`
	Enabled     bool        `json:"enabled"`
}
