package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/chatsync/internal/cache"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/realtime"
)

// ProvisionalPrefix starts the ID of every optimistic message.
const ProvisionalPrefix = "local-"

// Sender is the part of realtime.Manager the synchronizer needs.
type Sender interface {
	Send(ctx context.Context, destination string, body any, headers map[string]string) error
	State() realtime.State
}

// IdentityProvider reports the signed-in user. An empty ID means the
// user is not known yet.
type IdentityProvider interface {
	CurrentUserID() string
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func() string

func (f IdentityFunc) CurrentUserID() string { return f() }

// SynchronizerConfig holds the collaborators of a Synchronizer.
type SynchronizerConfig struct {
	Cache       *cache.Store
	Sender      Sender
	Identity    IdentityProvider
	OnException func(Exception) // optional
	Now         func() time.Time
	NewID       func() string
}

// Synchronizer is the single writer of chat and message state in the
// cache. Inbound events and outbound intents are serialized so each
// mutation sees the result of the previous one.
type Synchronizer struct {
	mu sync.Mutex

	cache       *cache.Store
	sender      Sender
	identity    IdentityProvider
	onException func(Exception)
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

var _ Reconciler = (*Synchronizer)(nil)

type (
	messagePages = cache.Paged[models.Message]
	chatPages    = cache.Paged[models.Chat]
)

// outboundMessage is the body of a SEND to SendDestination.
type outboundMessage struct {
	ClientID    string `json:"clientId"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
	Text        string `json:"text"`
}

// controlMessage is the body of delete and seen requests.
type controlMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig, logger *slog.Logger) *Synchronizer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Synchronizer{
		cache:       cfg.Cache,
		sender:      cfg.Sender,
		identity:    cfg.Identity,
		onException: cfg.OnException,
		now:         now,
		newID:       newID,
		logger:      logger,
	}
}

func byMessageID(id string) func(models.Message) bool {
	return func(m models.Message) bool { return m.ID == id }
}

func byChatID(id string) func(models.Chat) bool {
	return func(c models.Chat) bool { return c.ID == id }
}

// --- inbound ---

// OnConnect records nothing in the cache; presence is handled by the
// router.
func (s *Synchronizer) OnConnect(ev Connect) {
	s.logger.Debug("user online", slog.String("user_id", ev.UserID))
}

func (s *Synchronizer) OnDisconnect(ev Disconnect) {
	s.logger.Debug("user offline", slog.String("user_id", ev.UserID))
}

// OnException surfaces the problem without touching the cache.
func (s *Synchronizer) OnException(ev Exception) {
	attrs := []any{slog.String("reason", ev.Reason)}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	s.logger.Warn("chat exception", attrs...)

	if s.onException != nil {
		s.onException(ev)
	}
}

// OnMessageReceived inserts the message at the front of its chat's
// collection and updates the chat's last message. A message whose ID is
// already cached is merged in place; an echo of an optimistic message
// replaces the provisional entry. Duplicate deliveries are no-ops.
func (s *Synchronizer) OnMessageReceived(ev MessageReceived) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ev.Message
	msg.Pending = false

	stored, replaced, changed := s.upsertMessageLocked(msg)
	if !changed {
		s.logger.Debug("duplicate message ignored", slog.String("message_id", msg.ID))
		return
	}

	if replaced != "" && replaced != stored.ID {
		s.logger.Debug("provisional message confirmed",
			slog.String("provisional_id", replaced),
			slog.String("message_id", stored.ID),
		)
	}

	s.touchChatLocked(stored, replaced)
}

// upsertMessageLocked stores in and returns the stored value, the ID of
// the entry it replaced (empty for an insert) and whether the cache
// changed.
func (s *Synchronizer) upsertMessageLocked(in models.Message) (models.Message, string, bool) {
	var (
		stored   models.Message
		replaced string
	)

	changed := cache.Patch(s.cache, cache.MessagesKey(in.ChatID), func(cur messagePages, ok bool) (messagePages, bool) {
		if !ok {
			stored = in
			stored.Version = 1

			return cache.NewPaged(stored), true
		}

		target, found := cur.Find(byMessageID(in.ID))
		if !found {
			target, found = findProvisional(cur, in)
		}

		if !found {
			stored = in
			stored.Version = 1

			return cur.Prepend(stored), true
		}

		merged := mergeMessage(target, in)
		if merged.SameContent(target) && !target.Pending {
			return cur, false
		}

		merged.Version = target.Version + 1
		stored, replaced = merged, target.ID

		next, _ := cur.Replace(byMessageID(target.ID), func(models.Message) models.Message { return merged })

		return next, true
	})

	return stored, replaced, changed
}

// findProvisional locates the pending optimistic message that in
// confirms. An echo carrying a client ID matches only by that ID, so a
// copy sent from another device never claims this client's slot. Echoes
// without one match by sender and text; with several content matches
// the oldest wins, since echoes arrive in send order.
func findProvisional(cur messagePages, in models.Message) (models.Message, bool) {
	if in.ClientID != "" {
		return cur.Find(func(m models.Message) bool {
			return m.Pending && m.ClientID == in.ClientID
		})
	}

	var (
		match models.Message
		found bool
	)

	text := norm.NFC.String(in.Text)

	for _, m := range cur.All() {
		if m.Pending && m.SenderID == in.SenderID && m.Text == text {
			match, found = m, true
		}
	}

	return match, found
}

// mergeMessage overlays an incoming copy on the cached one. Seen never
// reverts and fields the server omitted keep their cached values.
func mergeMessage(existing, in models.Message) models.Message {
	m := in
	m.IsSeen = in.IsSeen || existing.IsSeen
	m.Version = existing.Version
	m.Pending = false

	if m.ClientID == "" {
		m.ClientID = existing.ClientID
	}

	if m.RecipientID == "" {
		m.RecipientID = existing.RecipientID
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = existing.CreatedAt
	}

	return m
}

// touchChatLocked points the chat's last message at msg, the message
// just accepted into the chat, whatever its timestamp. Chats missing
// from a cached chat list are added at the front.
func (s *Synchronizer) touchChatLocked(msg models.Message, replaced string) {
	cache.Patch(s.cache, cache.ChatsKey, func(cur chatPages, ok bool) (chatPages, bool) {
		if !ok {
			return cur, false
		}

		chat, found := cur.Find(byChatID(msg.ChatID))
		if !found {
			last := msg

			return cur.Prepend(models.Chat{
				ID:          msg.ChatID,
				MemberIDs:   memberSetOf(msg.SenderID, msg.RecipientID),
				LastMessage: &last,
				Version:     1,
			}), true
		}

		next, changed := withLastMessage(chat, msg, replaced)
		if !changed {
			return cur, false
		}

		out, _ := cur.Replace(byChatID(msg.ChatID), func(models.Chat) models.Chat { return next })

		return out, true
	})
}

func withLastMessage(c models.Chat, msg models.Message, replaced string) (models.Chat, bool) {
	if last := c.LastMessage; last != nil && (last.ID == msg.ID || (replaced != "" && last.ID == replaced)) {
		if last.SameContent(msg) && last.Pending == msg.Pending {
			return c, false
		}
	}

	m := msg
	c.LastMessage = &m
	c.Version++

	return c, true
}

func memberSetOf(ids ...string) models.MemberSet {
	set := models.NewMemberSet()
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}

	return set
}

// OnDeleteMessage removes the message. Unknown IDs are a no-op. When the
// deleted message was the chat's last message, the next newest cached
// message takes its place.
func (s *Synchronizer) OnDeleteMessage(ev DeleteMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chatID := range s.candidateChatsLocked(ev.ChatID) {
		if s.removeMessageLocked(chatID, ev.MessageID) {
			s.logger.Debug("message deleted",
				slog.String("chat_id", chatID),
				slog.String("message_id", ev.MessageID),
			)

			return
		}
	}

	s.logger.Debug("delete for unknown message ignored", slog.String("message_id", ev.MessageID))
}

// candidateChatsLocked returns chatID alone, or every chat with a cached
// message collection when chatID is empty.
func (s *Synchronizer) candidateChatsLocked(chatID string) []string {
	if chatID != "" {
		return []string{chatID}
	}

	var ids []string

	for _, k := range s.cache.Keys() {
		if id, ok := cache.ChatIDFromKey(k); ok {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

func (s *Synchronizer) removeMessageLocked(chatID, messageID string) bool {
	var remaining messagePages

	removed := cache.Patch(s.cache, cache.MessagesKey(chatID), func(cur messagePages, ok bool) (messagePages, bool) {
		if !ok {
			return cur, false
		}

		next, removed := cur.Remove(byMessageID(messageID))
		remaining = next

		return next, removed
	})
	if !removed {
		return false
	}

	cache.Patch(s.cache, cache.ChatsKey, func(cur chatPages, ok bool) (chatPages, bool) {
		if !ok {
			return cur, false
		}

		chat, found := cur.Find(byChatID(chatID))
		if !found || chat.LastMessage == nil || chat.LastMessage.ID != messageID {
			return cur, false
		}

		chat.LastMessage = nil
		if items := remaining.All(); len(items) > 0 {
			newest := items[0]
			chat.LastMessage = &newest
		}

		chat.Version++

		return cur.Replace(byChatID(chatID), func(models.Chat) models.Chat { return chat })
	})

	return true
}

// OnSeenMessage marks the message seen. Already seen or unknown messages
// are left untouched. The chat's last message mirrors the flag.
func (s *Synchronizer) OnSeenMessage(ev SeenMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := false

	for _, chatID := range s.candidateChatsLocked(ev.ChatID) {
		var located bool

		changed := cache.Patch(s.cache, cache.MessagesKey(chatID), func(cur messagePages, ok bool) (messagePages, bool) {
			if !ok {
				return cur, false
			}

			m, found := cur.Find(byMessageID(ev.MessageID))
			if !found {
				return cur, false
			}

			located = true

			if m.IsSeen {
				return cur, false
			}

			return cur.Replace(byMessageID(ev.MessageID), func(m models.Message) models.Message {
				m.IsSeen = true
				m.Version++

				return m
			})
		})

		marked = marked || changed

		if located {
			break
		}
	}

	mirrored := s.mirrorSeenLocked(ev.ChatID, ev.MessageID)

	if !marked && !mirrored {
		s.logger.Debug("seen update was a no-op", slog.String("message_id", ev.MessageID))
	}
}

// mirrorSeenLocked marks a chat's last message seen. An empty chatID
// matches any chat.
func (s *Synchronizer) mirrorSeenLocked(chatID, messageID string) bool {
	return cache.Patch(s.cache, cache.ChatsKey, func(cur chatPages, ok bool) (chatPages, bool) {
		if !ok {
			return cur, false
		}

		match := func(c models.Chat) bool {
			if chatID != "" && c.ID != chatID {
				return false
			}

			return c.LastMessage != nil && c.LastMessage.ID == messageID && !c.LastMessage.IsSeen
		}

		return cur.Replace(match, func(c models.Chat) models.Chat {
			last := *c.LastMessage
			last.IsSeen = true
			c.LastMessage = &last
			c.Version++

			return c
		})
	})
}

// OnLeftChat removes the chat when the current user left it, otherwise
// drops the leaving member from the chat.
func (s *Synchronizer) OnLeftChat(ev LeftChat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.UserID == "" || ev.UserID == s.identity.CurrentUserID() {
		s.removeChatLocked(ev.ChatID)
		return
	}

	cache.Patch(s.cache, cache.ChatsKey, func(cur chatPages, ok bool) (chatPages, bool) {
		if !ok {
			return cur, false
		}

		chat, found := cur.Find(byChatID(ev.ChatID))
		if !found || !chat.MemberIDs.Has(ev.UserID) {
			return cur, false
		}

		members := models.NewMemberSet()
		for id := range chat.MemberIDs {
			if id != ev.UserID {
				members[id] = struct{}{}
			}
		}

		chat.MemberIDs = members
		chat.Version++

		return cur.Replace(byChatID(ev.ChatID), func(models.Chat) models.Chat { return chat })
	})
}

// OnDeleteChat removes the chat and drops its cached messages.
func (s *Synchronizer) OnDeleteChat(ev DeleteChat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeChatLocked(ev.ChatID)
}

func (s *Synchronizer) removeChatLocked(chatID string) {
	cache.Patch(s.cache, cache.ChatsKey, func(cur chatPages, ok bool) (chatPages, bool) {
		if !ok {
			return cur, false
		}

		return cur.Remove(byChatID(chatID))
	})

	s.cache.Invalidate(cache.MessagesKey(chatID))

	s.logger.Debug("chat removed", slog.String("chat_id", chatID))
}

// --- outbound ---

func (s *Synchronizer) requireConnected(op string) error {
	if st := s.sender.State(); st != realtime.StateConnected {
		return &realtime.NotConnectedError{Op: op, State: st}
	}

	return nil
}

// SendMessage inserts an optimistic copy of draft into the cache and
// sends it. The returned message carries the provisional ID; the
// server's echo later replaces it. Nothing is inserted when the
// connection is down, and the optimistic copy is removed again if the
// send is rejected.
func (s *Synchronizer) SendMessage(ctx context.Context, draft models.Draft) (models.Message, error) {
	if draft.ChatID == "" {
		return models.Message{}, errors.New("send message: empty chat id")
	}

	text := norm.NFC.String(draft.Text)
	if strings.TrimSpace(text) == "" {
		return models.Message{}, errors.New("send message: empty text")
	}

	if err := s.requireConnected("send message"); err != nil {
		return models.Message{}, err
	}

	userID := s.identity.CurrentUserID()
	if userID == "" {
		return models.Message{}, fmt.Errorf("send message: %w", chaterrors.ErrIdentityUnknown)
	}

	clientID := s.newID()
	msg := models.Message{
		ID:          ProvisionalPrefix + clientID,
		ClientID:    clientID,
		ChatID:      draft.ChatID,
		SenderID:    userID,
		RecipientID: draft.RecipientID,
		Text:        text,
		IsSeen:      true,
		CreatedAt:   s.now().UTC(),
		Version:     1,
		Pending:     true,
	}

	s.mu.Lock()
	s.insertProvisionalLocked(msg)
	s.mu.Unlock()

	body := outboundMessage{
		ClientID:    clientID,
		ChatID:      msg.ChatID,
		SenderID:    userID,
		RecipientID: msg.RecipientID,
		Text:        text,
	}

	if err := s.sender.Send(ctx, SendDestination, body, nil); err != nil {
		s.mu.Lock()
		s.removeMessageLocked(msg.ChatID, msg.ID)
		s.mu.Unlock()

		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	s.logger.Debug("message sent",
		slog.String("chat_id", msg.ChatID),
		slog.String("provisional_id", msg.ID),
	)

	return msg, nil
}

func (s *Synchronizer) insertProvisionalLocked(msg models.Message) {
	cache.Patch(s.cache, cache.MessagesKey(msg.ChatID), func(cur messagePages, ok bool) (messagePages, bool) {
		if !ok {
			return cache.NewPaged(msg), true
		}

		return cur.Prepend(msg), true
	})

	s.touchChatLocked(msg, "")
}

// DeleteMessage asks the server to delete a message. The cache changes
// only when the server's DELETE_MESSAGE event arrives.
func (s *Synchronizer) DeleteMessage(ctx context.Context, messageID string) error {
	return s.control(ctx, "delete message", DeleteDestination(messageID), messageID)
}

// MarkSeen asks the server to mark a message seen. The cache changes
// only when the server's SEEN_MESSAGE event arrives.
func (s *Synchronizer) MarkSeen(ctx context.Context, messageID string) error {
	return s.control(ctx, "mark seen", SeenDestination(messageID), messageID)
}

func (s *Synchronizer) control(ctx context.Context, op, destination, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%s: empty message id", op)
	}

	if strings.Contains(messageID, "/") {
		return fmt.Errorf("%s: message id %q contains '/'", op, messageID)
	}

	if err := s.requireConnected(op); err != nil {
		return err
	}

	body := controlMessage{MessageID: messageID, ChatID: s.locate(messageID)}

	if err := s.sender.Send(ctx, destination, body, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// locate returns the chat holding messageID, or "" when not cached.
func (s *Synchronizer) locate(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chatID := range s.candidateChatsLocked("") {
		msgs, ok := cache.Read[messagePages](s.cache, cache.MessagesKey(chatID))
		if !ok {
			continue
		}

		if _, found := msgs.Find(byMessageID(messageID)); found {
			return chatID
		}
	}

	return ""
}
