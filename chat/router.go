package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/realtime"
)

// Exception reasons produced by Classify.
const (
	ReasonUnknownType   = "unknown event type"
	ReasonMalformed     = "malformed frame body"
	ReasonMissingField  = "missing required field"
	ReasonServerDefault = "server reported an exception"
)

// Classify decodes a frame body into an Event. It never fails: bodies
// that cannot be understood become an Exception.
func Classify(body []byte) Event {
	if !gjson.ValidBytes(body) {
		return decodeException("invalid JSON")
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return decodeException("body is not an object")
	}

	typ := root.Get("type")
	if untypedFrameIsMessage(typ) {
		return classifyMessage(body)
	}

	switch strings.ToUpper(typ.String()) {
	case KindMessage:
		return classifyMessage(body)
	case KindConnect:
		return requireField(Connect{UserID: root.Get("userId").String()}, "userId")
	case KindDisconnect:
		return requireField(Disconnect{UserID: root.Get("userId").String()}, "userId")
	case KindDeleteChat:
		return requireField(DeleteChat{ChatID: root.Get("chatId").String()}, "chatId")
	case KindDeleteMessage:
		return requireField(DeleteMessage{
			MessageID: messageID(root),
			ChatID:    root.Get("chatId").String(),
		}, "messageId")
	case KindSeenMessage:
		return requireField(SeenMessage{
			MessageID: messageID(root),
			ChatID:    root.Get("chatId").String(),
		}, "messageId")
	case KindLeftChat:
		return requireField(LeftChat{
			ChatID: root.Get("chatId").String(),
			UserID: root.Get("userId").String(),
		}, "chatId")
	case KindException:
		reason := root.Get("message").String()
		if reason == "" {
			reason = root.Get("reason").String()
		}

		if reason == "" {
			reason = ReasonServerDefault
		}

		return Exception{Reason: reason}
	default:
		return Exception{Reason: ReasonUnknownType}
	}
}

// untypedFrameIsMessage is the variant-selection rule for frames without
// a "type" discriminator: the server delivers plain messages on the
// message channel untyped, so an absent, null or empty type means
// MessageReceived.
func untypedFrameIsMessage(typ gjson.Result) bool {
	return !typ.Exists() || typ.Type == gjson.Null || typ.String() == ""
}

func classifyMessage(body []byte) Event {
	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Exception{Reason: ReasonMalformed, Err: fmt.Errorf("%w: %w", chaterrors.ErrDecode, err)}
	}

	if msg.ID == "" || msg.ChatID == "" {
		return Exception{Reason: ReasonMissingField + ": id and chatId"}
	}

	// Local bookkeeping is never taken from the wire.
	msg.Version = 0
	msg.Pending = false

	return MessageReceived{Message: msg}
}

func messageID(root gjson.Result) string {
	if id := root.Get("messageId").String(); id != "" {
		return id
	}

	return root.Get("id").String()
}

func requireField(ev Event, field string) Event {
	var missing bool

	switch e := ev.(type) {
	case Connect:
		missing = e.UserID == ""
	case Disconnect:
		missing = e.UserID == ""
	case DeleteChat:
		missing = e.ChatID == ""
	case DeleteMessage:
		missing = e.MessageID == ""
	case SeenMessage:
		missing = e.MessageID == ""
	case LeftChat:
		missing = e.ChatID == ""
	}

	if missing {
		return Exception{Reason: ReasonMissingField + ": " + field}
	}

	return ev
}

func decodeException(detail string) Exception {
	return Exception{
		Reason: ReasonMalformed,
		Err:    fmt.Errorf("%w: %s", chaterrors.ErrDecode, detail),
	}
}

// PresenceTracker is told about users coming and going.
type PresenceTracker interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Router classifies inbound frames and hands each Event to a Reconciler.
type Router struct {
	reconciler Reconciler
	presence   PresenceTracker
	logger     *slog.Logger
}

// NewRouter creates a Router. presence may be nil.
func NewRouter(r Reconciler, presence PresenceTracker, logger *slog.Logger) *Router {
	return &Router{
		reconciler: r,
		presence:   presence,
		logger:     logger,
	}
}

// Handle is a realtime.Handler for the per-user chat channels.
func (r *Router) Handle(f realtime.Frame) {
	ev := Classify(f.Body)

	if exc, ok := ev.(Exception); ok && exc.Err != nil {
		r.logger.Warn("undecodable chat frame",
			slog.String("destination", f.Destination),
			slog.Int("bytes", len(f.Body)),
			slog.String("error", exc.Err.Error()),
		)
	}

	r.Route(ev)
}

// Route dispatches an already classified event.
func (r *Router) Route(ev Event) {
	r.logger.Debug("chat event", slog.String("kind", ev.Kind()))

	if r.presence != nil {
		switch e := ev.(type) {
		case Connect:
			r.presence.UserOnline(e.UserID)
		case Disconnect:
			r.presence.UserOffline(e.UserID)
		}
	}

	Apply(ev, r.reconciler)
}
