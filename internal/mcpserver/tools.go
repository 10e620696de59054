// Package mcpserver registers MCP tools that expose a chat session: the
// cached chats and messages, connection status, and the outbound chat
// intents.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/models"
)

const defaultMessageLimit = 50

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *chat.Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report the connection state, active channel subscriptions and the users currently seen online.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_chats",
		Description: "List the cached chats with their members and last message. Reads the local cache only.",
	}, listChatsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List cached messages of one chat, newest first. Pending messages are optimistic copies not yet confirmed by the server.",
	}, messagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to a chat. The message appears in the cache immediately with a provisional ID and is replaced when the server echoes it.",
	}, sendHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Ask the server to delete a message. The cache changes when the server confirms.",
	}, deleteHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_seen",
		Description: "Ask the server to mark a message as seen. The cache changes when the server confirms.",
	}, seenHandler(s))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// ListChatsInput has no parameters.
type ListChatsInput struct{}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	ChatID string `json:"chat_id" jsonschema:"required,chat ID"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	ChatID      string `json:"chat_id" jsonschema:"required,chat ID"`
	RecipientID string `json:"recipient_id,omitempty" jsonschema:"recipient user ID for direct chats"`
	Text        string `json:"text" jsonschema:"required,message text"`
}

// MessageIDInput holds parameters for chat_delete and chat_mark_seen.
type MessageIDInput struct {
	MessageID string `json:"message_id" jsonschema:"required,server message ID"`
}

// --- Result types ---

type StatusResult struct {
	State         string            `json:"state"`
	Subscriptions map[string]string `json:"subscriptions"`
	OnlineUsers   []string          `json:"online_users"`
}

type MessageEntry struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Text        string `json:"text"`
	Seen        bool   `json:"seen"`
	Pending     bool   `json:"pending,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ChatEntry struct {
	ID          string        `json:"id"`
	Members     []string      `json:"members"`
	LastMessage *MessageEntry `json:"last_message,omitempty"`
}

type ListChatsResult struct {
	Total int         `json:"total"`
	Chats []ChatEntry `json:"chats"`
}

type MessagesResult struct {
	ChatID   string         `json:"chat_id"`
	Total    int            `json:"total"`
	Messages []MessageEntry `json:"messages"`
}

type SendResult struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Pending  bool   `json:"pending"`
}

type IntentResult struct {
	MessageID string `json:"message_id"`
	Requested bool   `json:"requested"`
}

// --- Handlers ---

func statusHandler(s *chat.Session) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{
			State:         s.Manager().State().String(),
			Subscriptions: s.Manager().ActiveSubscriptions(),
			OnlineUsers:   s.Presence().Online(),
		}

		return textResult(result), result, nil
	}
}

func listChatsHandler(s *chat.Session) mcp.ToolHandlerFor[ListChatsInput, *ListChatsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListChatsInput) (*mcp.CallToolResult, *ListChatsResult, error) {
		chats, _ := cache.Read[cache.Paged[models.Chat]](s.Cache(), cache.ChatsKey)

		result := &ListChatsResult{Chats: []ChatEntry{}}
		for _, c := range chats.All() {
			entry := ChatEntry{ID: c.ID, Members: c.MemberIDs.Sorted()}
			if c.LastMessage != nil {
				last := toEntry(*c.LastMessage)
				entry.LastMessage = &last
			}

			result.Chats = append(result.Chats, entry)
		}

		result.Total = len(result.Chats)

		return textResult(result), result, nil
	}
}

func messagesHandler(s *chat.Session) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.ChatID == "" {
			return nil, nil, errors.New("chat_id is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		msgs, _ := cache.Read[cache.Paged[models.Message]](s.Cache(), cache.MessagesKey(input.ChatID))
		all := msgs.All()

		result := &MessagesResult{
			ChatID:   input.ChatID,
			Total:    len(all),
			Messages: make([]MessageEntry, 0, min(limit, len(all))),
		}

		for _, m := range all[:min(limit, len(all))] {
			result.Messages = append(result.Messages, toEntry(m))
		}

		return textResult(result), result, nil
	}
}

func sendHandler(s *chat.Session) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		msg, err := s.Synchronizer().SendMessage(ctx, models.Draft{
			ChatID:      input.ChatID,
			RecipientID: input.RecipientID,
			Text:        input.Text,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{ID: msg.ID, ClientID: msg.ClientID, Pending: msg.Pending}

		return textResult(result), result, nil
	}
}

func deleteHandler(s *chat.Session) mcp.ToolHandlerFor[MessageIDInput, *IntentResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageIDInput) (*mcp.CallToolResult, *IntentResult, error) {
		if err := s.Synchronizer().DeleteMessage(ctx, input.MessageID); err != nil {
			return nil, nil, err
		}

		result := &IntentResult{MessageID: input.MessageID, Requested: true}

		return textResult(result), result, nil
	}
}

func seenHandler(s *chat.Session) mcp.ToolHandlerFor[MessageIDInput, *IntentResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageIDInput) (*mcp.CallToolResult, *IntentResult, error) {
		if err := s.Synchronizer().MarkSeen(ctx, input.MessageID); err != nil {
			return nil, nil, err
		}

		result := &IntentResult{MessageID: input.MessageID, Requested: true}

		return textResult(result), result, nil
	}
}

func toEntry(m models.Message) MessageEntry {
	return MessageEntry{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		Seen:        m.IsSeen,
		Pending:     m.Pending,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output separately.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
