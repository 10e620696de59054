// Package chat turns server-pushed chat frames into cache mutations and
// issues the client's outbound chat intents.
package chat

import "github.com/alexjbarnes/chatsync/internal/models"

// Event is a classified inbound chat frame. The variant set is closed:
// only types in this package implement it, and every variant is routed
// through a Reconciler method of its own.
type Event interface {
	// Kind returns the wire discriminator of the variant.
	Kind() string

	apply(r Reconciler)
}

// Reconciler handles every Event variant. Adding a variant adds a method
// here, so every implementation must be updated before the build passes.
type Reconciler interface {
	OnConnect(Connect)
	OnDisconnect(Disconnect)
	OnDeleteChat(DeleteChat)
	OnDeleteMessage(DeleteMessage)
	OnSeenMessage(SeenMessage)
	OnLeftChat(LeftChat)
	OnException(Exception)
	OnMessageReceived(MessageReceived)
}

// Wire discriminators carried in the "type" field.
const (
	KindConnect       = "CONNECT"
	KindDisconnect    = "DISCONNECT"
	KindDeleteChat    = "DELETE_CHAT"
	KindDeleteMessage = "DELETE_MESSAGE"
	KindSeenMessage   = "SEEN_MESSAGE"
	KindLeftChat      = "LEFT_CHAT"
	KindException     = "EXCEPTION"
	KindMessage       = "MESSAGE"
)

// Connect reports that a user came online.
type Connect struct {
	UserID string `json:"userId"`
}

// Disconnect reports that a user went offline.
type Disconnect struct {
	UserID string `json:"userId"`
}

// DeleteChat reports that a chat was removed.
type DeleteChat struct {
	ChatID string `json:"chatId"`
}

// DeleteMessage reports that a message was removed. ChatID may be empty,
// in which case every cached chat is searched.
type DeleteMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// SeenMessage reports that a message was read by its recipient.
type SeenMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// LeftChat reports that UserID left ChatID.
type LeftChat struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// Exception is a server-reported or locally detected problem with a
// frame. It never mutates the cache.
type Exception struct {
	Reason string
	Err    error // set when the frame could not be decoded
}

// MessageReceived delivers a new or updated message.
type MessageReceived struct {
	Message models.Message
}

func (Connect) Kind() string         { return KindConnect }
func (Disconnect) Kind() string      { return KindDisconnect }
func (DeleteChat) Kind() string      { return KindDeleteChat }
func (DeleteMessage) Kind() string   { return KindDeleteMessage }
func (SeenMessage) Kind() string     { return KindSeenMessage }
func (LeftChat) Kind() string        { return KindLeftChat }
func (Exception) Kind() string       { return KindException }
func (MessageReceived) Kind() string { return KindMessage }

func (e Connect) apply(r Reconciler)         { r.OnConnect(e) }
func (e Disconnect) apply(r Reconciler)      { r.OnDisconnect(e) }
func (e DeleteChat) apply(r Reconciler)      { r.OnDeleteChat(e) }
func (e DeleteMessage) apply(r Reconciler)   { r.OnDeleteMessage(e) }
func (e SeenMessage) apply(r Reconciler)     { r.OnSeenMessage(e) }
func (e LeftChat) apply(r Reconciler)        { r.OnLeftChat(e) }
func (e Exception) apply(r Reconciler)       { r.OnException(e) }
func (e MessageReceived) apply(r Reconciler) { r.OnMessageReceived(e) }

// Apply routes ev to the matching method of r.
func Apply(ev Event, r Reconciler) {
	ev.apply(r)
}
