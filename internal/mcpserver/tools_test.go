package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/realtime"
)

func refusingDialer(context.Context, string, http.Header) (realtime.Conn, error) {
	return nil, errors.New("connection refused")
}

var seeded = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stompConn is an in-memory realtime.Conn that answers the handshake
// and records every frame written to it.
type stompConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []*frame.Frame
}

func newStompConn(t *testing.T) *stompConn {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, frame.NewWriter(&buf).Write(frame.New(frame.CONNECTED, frame.Version, "1.2")))

	c := &stompConn{in: make(chan []byte, 1), closed: make(chan struct{})}
	c.in <- buf.Bytes()

	return c
}

func (c *stompConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *stompConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f, err := frame.NewReader(bytes.NewReader(p)).Read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()

	return nil
}

func (c *stompConn) Close(websocket.StatusCode, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stompConn) SetReadLimit(int64) {}

// sends returns the SEND frames written so far.
func (c *stompConn) sends() []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*frame.Frame

	for _, f := range c.written {
		if f.Command == frame.SEND {
			out = append(out, f)
		}
	}

	return out
}

// testSetup seeds a cache, registers tools on an MCP server around a
// disconnected session, and returns a connected client session.
func testSetup(t *testing.T) (*mcp.ClientSession, *chat.Session) {
	t.Helper()

	return newToolSession(t, refusingDialer)
}

// connectedSetup is testSetup with the chat session connected over conn.
func connectedSetup(t *testing.T) (*mcp.ClientSession, *chat.Session, *stompConn) {
	t.Helper()

	conn := newStompConn(t)
	session, s := newToolSession(t, func(context.Context, string, http.Header) (realtime.Conn, error) {
		return conn, nil
	})
	require.NoError(t, s.Manager().Connect(context.Background(), nil))

	return session, s, conn
}

func newToolSession(t *testing.T, dialer realtime.Dialer) (*mcp.ClientSession, *chat.Session) {
	t.Helper()

	store := cache.New(nil, slog.Default())

	last := models.Message{ID: "m-2", ChatID: "42", SenderID: "u2", Text: "second", CreatedAt: seeded.Add(time.Minute)}
	cache.Put(store, cache.ChatsKey, cache.NewPaged(models.Chat{
		ID:          "42",
		MemberIDs:   models.NewMemberSet("u2", "u1"),
		LastMessage: &last,
	}))
	cache.Put(store, cache.MessagesKey("42"), cache.NewPaged(
		last,
		models.Message{ID: "m-1", ChatID: "42", SenderID: "u1", Text: "first", IsSeen: true, CreatedAt: seeded},
	))

	manager := realtime.NewManager(realtime.ManagerConfig{
		URL:    "wss://chat.example.com/ws",
		Dialer: dialer,
	}, slog.Default())

	s := chat.NewSession(chat.SessionConfig{
		Manager:  manager,
		Cache:    store,
		Identity: chat.IdentityFunc(func() string { return "u1" }),
	}, slog.Default())
	t.Cleanup(func() { _ = s.Close() })

	server := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, s)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, s
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// --- chat_status ---

func TestStatus_Disconnected(t *testing.T) {
	session, s := testSetup(t)
	s.Presence().UserOnline("u2")

	result := callTool(t, session, "chat_status", nil)
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, "disconnected", out.State)
	assert.Empty(t, out.Subscriptions)
	assert.Equal(t, []string{"u2"}, out.OnlineUsers)
}

// --- chat_list_chats ---

func TestListChats(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_list_chats", nil)
	assert.False(t, result.IsError)

	var out ListChatsResult
	extractJSON(t, result, &out)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "42", out.Chats[0].ID)
	assert.Equal(t, []string{"u1", "u2"}, out.Chats[0].Members)
	require.NotNil(t, out.Chats[0].LastMessage)
	assert.Equal(t, "m-2", out.Chats[0].LastMessage.ID)
}

// --- chat_messages ---

func TestMessages_NewestFirst(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_messages", map[string]any{"chat_id": "42"})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "m-2", out.Messages[0].ID)
	assert.Equal(t, "m-1", out.Messages[1].ID)
	assert.True(t, out.Messages[1].Seen)
	assert.Equal(t, "2026-03-01T12:00:00Z", out.Messages[1].CreatedAt)
}

func TestMessages_Limit(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_messages", map[string]any{"chat_id": "42", "limit": 1})

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "m-2", out.Messages[0].ID)
}

func TestMessages_UnknownChatIsEmpty(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_messages", map[string]any{"chat_id": "nope"})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Zero(t, out.Total)
	assert.Empty(t, out.Messages)
}

// --- outbound intents ---

func TestSend_NotConnected(t *testing.T) {
	session, s := testSetup(t)

	result := callTool(t, session, "chat_send", map[string]any{"chat_id": "42", "text": "hi"})
	// Errors from ToolHandlerFor are returned as tool errors.
	assert.True(t, result.IsError)

	msgs, _ := cache.Read[cache.Paged[models.Message]](s.Cache(), cache.MessagesKey("42"))
	assert.Equal(t, 2, msgs.Len(), "nothing inserted while disconnected")
}

func TestDelete_NotConnected(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_delete", map[string]any{"message_id": "m-1"})
	assert.True(t, result.IsError)
}

func TestMarkSeen_NotConnected(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_mark_seen", map[string]any{"message_id": "m-2"})
	assert.True(t, result.IsError)
}

func TestSend_Connected(t *testing.T) {
	session, s, conn := connectedSetup(t)

	result := callTool(t, session, "chat_send", map[string]any{"chat_id": "42", "recipient_id": "u2", "text": "hi"})
	require.False(t, result.IsError)

	var out SendResult
	extractJSON(t, result, &out)
	assert.True(t, strings.HasPrefix(out.ID, chat.ProvisionalPrefix))
	assert.NotEmpty(t, out.ClientID)
	assert.True(t, out.Pending)

	sends := conn.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, chat.SendDestination, sends[0].Header.Get(frame.Destination))

	var body struct {
		ClientID    string `json:"clientId"`
		ChatID      string `json:"chatId"`
		SenderID    string `json:"senderId"`
		RecipientID string `json:"recipientId"`
		Text        string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(sends[0].Body, &body))
	assert.Equal(t, out.ClientID, body.ClientID)
	assert.Equal(t, "42", body.ChatID)
	assert.Equal(t, "u1", body.SenderID)
	assert.Equal(t, "u2", body.RecipientID)
	assert.Equal(t, "hi", body.Text)

	msgs, _ := cache.Read[cache.Paged[models.Message]](s.Cache(), cache.MessagesKey("42"))
	require.Equal(t, 3, msgs.Len())
	assert.Equal(t, out.ID, msgs.All()[0].ID)
}

func TestDelete_Connected(t *testing.T) {
	session, _, conn := connectedSetup(t)

	result := callTool(t, session, "chat_delete", map[string]any{"message_id": "m-1"})
	require.False(t, result.IsError)

	var out IntentResult
	extractJSON(t, result, &out)
	assert.Equal(t, IntentResult{MessageID: "m-1", Requested: true}, out)

	sends := conn.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, chat.DeleteDestination("m-1"), sends[0].Header.Get(frame.Destination))
	assert.JSONEq(t, `{"messageId":"m-1","chatId":"42"}`, string(sends[0].Body))
}

func TestMarkSeen_Connected(t *testing.T) {
	session, _, conn := connectedSetup(t)

	result := callTool(t, session, "chat_mark_seen", map[string]any{"message_id": "m-2"})
	require.False(t, result.IsError)

	var out IntentResult
	extractJSON(t, result, &out)
	assert.True(t, out.Requested)

	sends := conn.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, chat.SeenDestination("m-2"), sends[0].Header.Get(frame.Destination))
	assert.JSONEq(t, `{"messageId":"m-2","chatId":"42"}`, string(sends[0].Body))
}
