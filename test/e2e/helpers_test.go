package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/realtime"
)

const (
	testUser     = "u1"
	testPeer     = "u2"
	testChat     = "42"
	testToken    = "e2e-token"
	waitFor      = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

// brokerSub is one live subscription on a broker connection.
type brokerSub struct {
	conn *brokerConn
	id   string
}

type brokerConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *brokerConn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ws.Write(context.Background(), websocket.MessageText, buf.Bytes())
}

// broker is a minimal STOMP chat server. It answers CONNECT, tracks
// subscriptions, assigns server IDs to sent messages and echoes them to
// the sender and recipient message channels. Delete and seen intents are
// broadcast as events to every subscribed event channel.
type broker struct {
	srv *httptest.Server

	mu         sync.Mutex
	conns      map[*brokerConn]struct{}
	subs       map[string]brokerSub // destination -> subscription
	connects   int
	authHeader string
	sends      []string // SEND destinations in arrival order
	nextMsg    int
	frameSeq   int
	stripEcho  bool // omit clientId from echoes
}

func newBroker(t *testing.T) *broker {
	t.Helper()

	b := &broker{
		conns: make(map[*brokerConn]struct{}),
		subs:  make(map[string]brokerSub),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)

	return b
}

func (b *broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
	if err != nil {
		return
	}

	conn := &brokerConn{ws: ws}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer b.drop(conn)

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}

		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil || f == nil {
			continue
		}

		if f.Command == frame.DISCONNECT {
			ws.Close(websocket.StatusNormalClosure, "bye")
			return
		}

		b.handle(conn, f)
	}
}

func (b *broker) handle(conn *brokerConn, f *frame.Frame) {
	switch f.Command {
	case frame.CONNECT:
		b.mu.Lock()
		b.connects++
		b.authHeader = f.Header.Get("Authorization")
		b.mu.Unlock()

		_ = conn.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
	case frame.SUBSCRIBE:
		b.mu.Lock()
		b.subs[f.Header.Get(frame.Destination)] = brokerSub{conn: conn, id: f.Header.Get(frame.Id)}
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		for dest, sub := range b.subs {
			if sub.conn == conn && sub.id == f.Header.Get(frame.Id) {
				delete(b.subs, dest)
			}
		}
		b.mu.Unlock()
	case frame.SEND:
		b.route(f.Header.Get(frame.Destination), f.Body)
	}
}

func (b *broker) route(dest string, body []byte) {
	b.mu.Lock()
	b.sends = append(b.sends, dest)
	b.mu.Unlock()

	switch {
	case dest == chat.SendDestination:
		b.echo(body)
	case strings.HasPrefix(dest, chat.SendDestination+"/delete/"):
		id := strings.TrimPrefix(dest, chat.SendDestination+"/delete/")
		b.broadcastEvent(map[string]any{"type": "DELETE_MESSAGE", "messageId": id})
	case strings.HasPrefix(dest, chat.SendDestination+"/seen/"):
		id := strings.TrimPrefix(dest, chat.SendDestination+"/seen/")
		b.broadcastEvent(map[string]any{"type": "SEEN_MESSAGE", "messageId": id})
	}
}

func (b *broker) echo(body []byte) {
	var in struct {
		ClientID    string `json:"clientId"`
		ChatID      string `json:"chatId"`
		SenderID    string `json:"senderId"`
		RecipientID string `json:"recipientId"`
		Text        string `json:"text"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return
	}

	b.mu.Lock()
	b.nextMsg++
	id := fmt.Sprintf("m-%d", b.nextMsg)
	strip := b.stripEcho
	b.mu.Unlock()

	out := map[string]any{
		"id":        id,
		"chatId":    in.ChatID,
		"senderId":  in.SenderID,
		"text":      in.Text,
		"isSeen":    false,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !strip {
		out["clientId"] = in.ClientID
	}

	if in.RecipientID != "" {
		out["recipientId"] = in.RecipientID
	}

	b.publish(chat.MessageChannel(in.SenderID), out)

	if in.RecipientID != "" && in.RecipientID != in.SenderID {
		b.publish(chat.MessageChannel(in.RecipientID), out)
	}
}

func (b *broker) broadcastEvent(ev map[string]any) {
	b.mu.Lock()
	var dests []string
	for dest := range b.subs {
		if strings.HasSuffix(dest, "/private/chat/event") {
			dests = append(dests, dest)
		}
	}
	b.mu.Unlock()

	for _, dest := range dests {
		b.publish(dest, ev)
	}
}

// publish delivers body as a MESSAGE to the subscriber of dest, if any.
func (b *broker) publish(dest string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	b.mu.Lock()
	sub, ok := b.subs[dest]
	b.frameSeq++
	msgID := fmt.Sprintf("frame-%d", b.frameSeq)
	b.mu.Unlock()

	if !ok {
		return
	}

	f := frame.New(frame.MESSAGE,
		frame.Destination, dest,
		frame.Subscription, sub.id,
		frame.MessageId, msgID,
		frame.ContentType, "application/json",
	)
	f.Body = data

	_ = sub.conn.write(f)
}

func (b *broker) setStripEcho(strip bool) {
	b.mu.Lock()
	b.stripEcho = strip
	b.mu.Unlock()
}

// kick closes every live connection from the server side.
func (b *broker) kick() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "restarting")
	}
}

func (b *broker) drop(conn *brokerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, conn)

	for dest, sub := range b.subs {
		if sub.conn == conn {
			delete(b.subs, dest)
		}
	}
}

func (b *broker) subscribed(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.subs[dest]

	return ok
}

func (b *broker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connects
}

func (b *broker) auth() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.authHeader
}

// harness is a chat session against a broker, with a bbolt-backed cache.
type harness struct {
	Broker  *broker
	Session *chat.Session
	State   *state.State

	mu         sync.Mutex
	exceptions []chat.Exception
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBroker(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.SetUserID(testUser))

	logger := slog.New(slog.DiscardHandler)

	h := &harness{Broker: b, State: st}

	manager := realtime.NewManager(realtime.ManagerConfig{
		URL:              b.URL(),
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   50 * time.Millisecond,
	}, logger)

	h.Session = chat.NewSession(chat.SessionConfig{
		Manager:  manager,
		Cache:    cache.New(st, logger),
		Identity: chat.IdentityFunc(st.UserID),
		Headers:  map[string]string{"Authorization": "Bearer " + testToken},
		OnException: func(e chat.Exception) {
			h.mu.Lock()
			h.exceptions = append(h.exceptions, e)
			h.mu.Unlock()
		},
	}, logger)

	t.Cleanup(func() {
		_ = h.Session.Close()
		_ = st.Close()
	})

	return h
}

// start connects and waits until the broker holds both user channels.
func (h *harness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.Session.Start(t.Context()))
	h.waitSubscribed(t)
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Broker.subscribed(chat.EventChannel(testUser)) &&
			h.Broker.subscribed(chat.MessageChannel(testUser))
	}, waitFor, pollInterval)
}

func (h *harness) messages(chatID string) []models.Message {
	p, _ := cache.Read[cache.Paged[models.Message]](h.Session.Cache(), cache.MessagesKey(chatID))
	return p.All()
}

// waitMessages polls the cached collection until cond holds.
func (h *harness) waitMessages(t *testing.T, chatID string, cond func([]models.Message) bool) []models.Message {
	t.Helper()

	var last []models.Message

	require.Eventually(t, func() bool {
		last = h.messages(chatID)
		return cond(last)
	}, waitFor, pollInterval, "messages: %+v", last)

	return last
}

func (h *harness) exceptionsSeen() []chat.Exception {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]chat.Exception(nil), h.exceptions...)
}

func confirmed(id string) func([]models.Message) bool {
	return func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].ID == id && !msgs[0].Pending
	}
}
