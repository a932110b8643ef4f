package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/livechat/internal/api"
	"github.com/haasonsaas/livechat/internal/cache"
	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/internal/transport"
	"github.com/haasonsaas/livechat/pkg/models"
)

// serverConn is one client connection to fakeServer.
type serverConn struct {
	server *fakeServer
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *serverConn) Frames() <-chan []byte { return c.frames }
func (c *serverConn) Err() error            { return transport.ErrConnectionLost }

func (c *serverConn) Send(_ context.Context, frame []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	return c.server.handle(c, env)
}

func (c *serverConn) push(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.frames <- frame
	}
}

func (c *serverConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

// fakeServer answers identify frames and records everything it receives.
type fakeServer struct {
	mu         sync.Mutex
	failDials  int
	dials      int
	reject     string
	nextID     int
	current    *serverConn
	identifies []protocol.IdentifyRequest
	emitted    []protocol.MessageEvent
}

func (s *fakeServer) Dial(context.Context) (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, errors.New("connection refused")
	}
	conn := &serverConn{server: s, frames: make(chan []byte, 16)}
	s.current = conn
	return conn, nil
}

func (s *fakeServer) handle(conn *serverConn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.FrameIdentify:
		var req protocol.IdentifyRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		s.mu.Lock()
		s.identifies = append(s.identifies, req)
		ack := protocol.IdentifiedAck{Status: protocol.IdentifySuccess, ResolvedRole: req.Role}
		switch {
		case s.reject != "":
			ack = protocol.IdentifiedAck{Status: protocol.IdentifyFailure, Reason: s.reject}
		case req.SessionID != nil:
			ack.ResolvedSessionID = *req.SessionID
		default:
			s.nextID++
			ack.ResolvedSessionID = fmt.Sprintf("srv-%d", s.nextID)
		}
		s.mu.Unlock()
		frame, err := protocol.Encode(protocol.FrameIdentified, ack)
		if err != nil {
			return err
		}
		conn.push(frame)
	case protocol.FrameMessage:
		var msg protocol.MessageEvent
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		s.mu.Lock()
		s.emitted = append(s.emitted, msg)
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeServer) push(t *testing.T, frameType protocol.FrameType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection to push on")
	}
	conn.push(frame)
}

func (s *fakeServer) drop(failNext int) {
	s.mu.Lock()
	s.failDials = failNext
	conn := s.current
	s.current = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *fakeServer) identifyRequests() []protocol.IdentifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.IdentifyRequest(nil), s.identifies...)
}

func (s *fakeServer) emittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitted)
}

// fakeAPI is an in-memory REST collaborator.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	listErr       error
	byID          map[string]models.Conversation
	history       map[string][]models.Message
	historyErr    error
	sent          int
	markReads     []string

	sendStarted chan struct{}
	sendRelease chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		byID:    make(map[string]models.Conversation),
		history: make(map[string][]models.Message),
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) FetchConversation(_ context.Context, id string) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.byID[id]
	if !ok {
		return models.Conversation{}, &api.Error{Op: api.OpFetchConversation, Code: api.CodeStatus, Status: 404}
	}
	return conv, nil
}

func (f *fakeAPI) FetchMessages(_ context.Context, id string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]models.Message(nil), f.history[id]...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, _ api.SendRequest) (string, error) {
	f.mu.Lock()
	started, release := f.sendStarted, f.sendRelease
	f.sent++
	id := fmt.Sprintf("m%d", f.sent)
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return id, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, id)
	return nil
}

func (f *fakeAPI) markReadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReads...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(server *fakeServer, client *fakeAPI, store *cache.Cache) Config {
	return Config{
		DisplayName:      "Tester",
		Reconnect:        transport.ReconnectPolicy{Interval: 5 * time.Millisecond, MaxAttempts: 5, Factor: 1},
		HandshakeTimeout: time.Second,
		RefreshSchedule:  "@every 1h",
		Cache:            store,
		Dialer:           server,
		API:              client,
		Metrics:          observability.NewMetrics(nil),
	}
}

func startConsole(t *testing.T, server *fakeServer, client *fakeAPI, store *cache.Cache) *Console {
	t.Helper()
	console, err := NewConsole(testConfig(server, client, store))
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}
	if err := console.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { console.Close() })
	waitFor(t, "identified", console.Identified)
	return console
}

func TestConsole_DiscoversUnknownConversation(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1", CounterpartName: "Ada"}}
	client.byID["C9"] = models.Conversation{ID: "C9", CounterpartName: "Grace"}
	console := startConsole(t, server, client, cache.New(cache.NewMemory()))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server.push(t, protocol.FrameMessage, protocol.MessageEvent{
		ConversationID: "C9",
		SenderID:       "cust-9",
		SenderRole:     models.RoleCustomer,
		Text:           "is anyone there?",
		CreatedAt:      at,
		DeliveryID:     "m900",
	})

	waitFor(t, "C9 discovered", func() bool {
		conv, ok := console.Conversation("C9")
		return ok && conv.CounterpartName == "Grace"
	})
	conv, _ := console.Conversation("C9")
	if conv.LastMessageText != "is anyone there?" || !conv.LastMessageAt.Equal(at) {
		t.Errorf("C9 summary = %+v, want the pushed message", conv)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("C9 unread = %d, want 1", conv.UnreadCount)
	}
	if got := console.Conversations()[0].ID; got != "C9" {
		t.Errorf("first conversation = %s, want C9", got)
	}
}

func TestConsole_SelectHydratesAndMarksRead(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1", UnreadCount: 3}}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.history["C1"] = []models.Message{
		{ConversationID: "C1", SenderID: "cust-1", SenderRole: models.RoleCustomer, Text: "one", CreatedAt: base, DeliveryID: "m1", State: models.DeliveryConfirmed},
		{ConversationID: "C1", SenderID: "cust-1", SenderRole: models.RoleCustomer, Text: "two", CreatedAt: base.Add(time.Minute), DeliveryID: "m2", State: models.DeliveryConfirmed},
	}

	store := cache.New(cache.NewMemory())
	ctx := context.Background()
	if err := store.SaveMessages(ctx, "C1", []models.Message{
		{ConversationID: "C1", SenderID: "cust-1", SenderRole: models.RoleCustomer, Text: "one", CreatedAt: base, DeliveryID: "m1", State: models.DeliveryConfirmed},
		{ConversationID: "C1", SenderID: "staff-1", SenderRole: models.RoleStaff, Text: "draft", CreatedAt: base.Add(30 * time.Second), LocalID: "l1", State: models.DeliveryPending},
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	console := startConsole(t, server, client, store)
	msgs, err := console.Select(ctx, "C1")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	var texts []string
	for _, msg := range msgs {
		texts = append(texts, msg.Text)
	}
	if got := strings.Join(texts, ","); got != "one,draft,two" {
		t.Errorf("messages = %s, want one,draft,two", got)
	}
	if conv, _ := console.Conversation("C1"); conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
	if ids := client.markReadIDs(); len(ids) != 1 || ids[0] != "C1" {
		t.Errorf("mark-read calls = %v", ids)
	}
	if console.Active() != "C1" {
		t.Errorf("active = %q", console.Active())
	}

	if _, err := console.Select(ctx, "nope"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("Select unknown = %v", err)
	}
}

func TestConsole_SelectFallsBackToCache(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1"}}
	client.historyErr = &api.Error{Op: api.OpFetchMessages, Code: api.CodeStatus, Status: 503}

	store := cache.New(cache.NewMemory())
	ctx := context.Background()
	cached := models.Message{ConversationID: "C1", SenderID: "cust-1", SenderRole: models.RoleCustomer, Text: "cached", CreatedAt: time.Now().UTC(), DeliveryID: "m1", State: models.DeliveryConfirmed}
	if err := store.SaveMessages(ctx, "C1", []models.Message{cached}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	console := startConsole(t, server, client, store)
	msgs, err := console.Select(ctx, "C1")
	if !api.Temporary(err) {
		t.Fatalf("Select error = %v, want the temporary fetch error", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "cached" {
		t.Errorf("messages = %+v, want the cached copy", msgs)
	}
}

func TestConsole_StartWithRefreshFailureKeepsCachedDirectory(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.listErr = errors.New("offline")

	store := cache.New(cache.NewMemory())
	if err := store.SaveConversations(context.Background(), []models.Conversation{{ID: "C7", CounterpartName: "Lin"}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	console := startConsole(t, server, client, store)
	convs := console.Conversations()
	if len(convs) != 1 || convs[0].ID != "C7" {
		t.Errorf("conversations = %+v, want cached C7", convs)
	}
}

func TestConsole_PresenceUpdatesDirectory(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1"}}
	console := startConsole(t, server, client, cache.New(cache.NewMemory()))

	server.push(t, protocol.FramePresence, protocol.PresenceEvent{
		ConversationID: "C1",
		Status:         models.ConversationActive,
		Priority:       models.PriorityHigh,
		Tags:           []string{"vip"},
	})
	waitFor(t, "presence applied", func() bool {
		conv, _ := console.Conversation("C1")
		return conv.Priority == models.PriorityHigh && len(conv.Tags) == 1
	})
}

func TestConsole_PushesWriteDirectoryThrough(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1"}}
	store := cache.New(cache.NewMemory())
	startConsole(t, server, client, store)
	ctx := context.Background()

	cachedC1 := func() models.Conversation {
		convs, err := store.LoadConversations(ctx)
		if err != nil {
			return models.Conversation{}
		}
		for _, conv := range convs {
			if conv.ID == "C1" {
				return conv
			}
		}
		return models.Conversation{}
	}

	server.push(t, protocol.FrameMessage, protocol.MessageEvent{
		ConversationID: "C1",
		SenderID:       "cust-1",
		SenderRole:     models.RoleCustomer,
		Text:           "new msg",
		CreatedAt:      time.Now().UTC(),
		DeliveryID:     "m1",
	})
	waitFor(t, "pushed message cached", func() bool {
		conv := cachedC1()
		return conv.UnreadCount == 1 && conv.LastMessageText == "new msg"
	})

	server.push(t, protocol.FramePresence, protocol.PresenceEvent{
		ConversationID: "C1",
		Priority:       models.PriorityHigh,
	})
	waitFor(t, "presence cached", func() bool {
		return cachedC1().Priority == models.PriorityHigh
	})
}

func TestConsole_RejectedHandshakeLeavesSendsPending(t *testing.T) {
	server := &fakeServer{reject: "unknown staff"}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1"}}
	console, err := NewConsole(testConfig(server, client, cache.New(cache.NewMemory())))
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}
	if err := console.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer console.Close()

	waitFor(t, "degraded", func() bool { return console.IdentityState().Degraded })
	if reason := console.IdentityState().Reason; reason != "unknown staff" {
		t.Errorf("reason = %q", reason)
	}
	msg, err := console.SendTo(context.Background(), "C1", "hello")
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if msg.State != models.DeliveryPending {
		t.Errorf("state = %s, want pending", msg.State)
	}
	if server.emittedCount() != 0 {
		t.Error("unidentified sends must not be emitted")
	}
}

func TestConsole_SendConfirmsAndEmits(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.conversations = []models.Conversation{{ID: "C1"}}
	console := startConsole(t, server, client, cache.New(cache.NewMemory()))

	if _, err := console.Send(context.Background(), "hi"); err == nil {
		t.Error("Send without an active conversation should fail")
	}
	if _, err := console.Select(context.Background(), "C1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	msg, err := console.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.State != models.DeliveryConfirmed || msg.DeliveryID != "m1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SenderID != "srv-1" {
		t.Errorf("sender = %q, want the resolved session id", msg.SenderID)
	}
	waitFor(t, "emitted", func() bool { return server.emittedCount() == 1 })
}

func newGuestWidget(t *testing.T, server *fakeServer, client *fakeAPI, store *cache.Cache, guests *identity.Guests) *Widget {
	t.Helper()
	cfg := testConfig(server, client, store)
	cfg.Guests = guests
	widget, err := NewWidget(cfg)
	if err != nil {
		t.Fatalf("NewWidget: %v", err)
	}
	if err := widget.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "identified", widget.Identified)
	return widget
}

func TestWidget_GuestIDsAreNotReusedAcrossOpens(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	store := cache.New(cache.NewMemory())
	guests := identity.NewGuests(store)
	ctx := context.Background()

	first := newGuestWidget(t, server, client, store, guests)
	firstID := first.ConversationID()
	if !strings.HasPrefix(firstID, "guest-") {
		t.Fatalf("guest id = %q", firstID)
	}
	if req := server.identifyRequests()[0]; req.Role != models.RoleGuest || req.SessionID == nil || *req.SessionID != firstID {
		t.Errorf("identify = %+v", req)
	}

	server.push(t, protocol.FrameMessage, protocol.MessageEvent{
		ConversationID: firstID,
		SenderID:       "staff-1",
		SenderRole:     models.RoleStaff,
		Text:           "welcome",
		CreatedAt:      time.Now().UTC(),
		DeliveryID:     "m1",
	})
	waitFor(t, "push stored", func() bool { return len(first.Messages()) == 1 })
	if _, err := store.LoadMessages(ctx, firstID); err != nil {
		t.Fatalf("pushed message not cached: %v", err)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.LoadMessages(ctx, firstID); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("guest messages survived close: %v", err)
	}
	if _, err := store.LoadSession(ctx, models.RoleGuest); !errors.Is(err, identity.ErrNoSession) {
		t.Errorf("guest session survived close: %v", err)
	}

	second := newGuestWidget(t, server, client, store, guests)
	defer second.Close(ctx)
	if second.ConversationID() == firstID {
		t.Fatal("reopened widget reused the retired guest id")
	}
	if msgs := second.Messages(); len(msgs) != 0 {
		t.Errorf("reopened widget shows %d old messages", len(msgs))
	}
}

func TestWidget_ReidentifiesAfterReconnect(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	client.sendStarted = make(chan struct{}, 1)
	client.sendRelease = make(chan struct{})
	store := cache.New(cache.NewMemory())
	widget := newGuestWidget(t, server, client, store, nil)
	defer widget.Close(context.Background())
	guestID := widget.ConversationID()

	type result struct {
		msg models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := widget.Send(context.Background(), "sent before the drop")
		done <- result{msg, err}
	}()
	<-client.sendStarted

	server.drop(2)
	waitFor(t, "identification reset", func() bool { return !widget.Identified() })
	close(client.sendRelease)
	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if res.msg.State != models.DeliveryPending {
		t.Errorf("state = %s, want pending after the connection dropped", res.msg.State)
	}

	waitFor(t, "re-identified", widget.Identified)
	reqs := server.identifyRequests()
	if len(reqs) != 2 {
		t.Fatalf("identify requests = %d, want 2", len(reqs))
	}
	if reqs[1].SessionID == nil || *reqs[1].SessionID != guestID {
		t.Errorf("re-identify session = %v, want %s", reqs[1].SessionID, guestID)
	}
	if conn := widget.Connection(); conn.Status != models.ConnectionOpen || conn.RetryCount != 0 {
		t.Errorf("connection = %+v", conn)
	}

	msgs := widget.Messages()
	if len(msgs) != 1 || msgs[0].State != models.DeliveryPending {
		t.Fatalf("messages after reconnect = %+v, want one pending", msgs)
	}
	if server.emittedCount() != 0 {
		t.Error("pending message was resent automatically")
	}

	client.mu.Lock()
	client.sendStarted = nil
	client.mu.Unlock()
	fresh, err := widget.Send(context.Background(), "fresh send")
	if err != nil {
		t.Fatalf("fresh Send: %v", err)
	}
	if fresh.State != models.DeliveryConfirmed {
		t.Errorf("fresh state = %s, want confirmed", fresh.State)
	}
	if widget.Messages()[0].State != models.DeliveryPending {
		t.Error("the earlier message should stay pending")
	}
}

func TestWidget_AuthenticateOpensNewConnection(t *testing.T) {
	server := &fakeServer{}
	client := newFakeAPI()
	store := cache.New(cache.NewMemory())
	ctx := context.Background()
	widget := newGuestWidget(t, server, client, store, nil)
	defer widget.Close(ctx)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "cust-1",
		"name":  "Ada Lovelace",
		"email": "ada@example.com",
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := widget.Authenticate(ctx, token); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	waitFor(t, "second identify", func() bool { return len(server.identifyRequests()) == 2 })
	waitFor(t, "identified as customer", widget.Identified)

	req := server.identifyRequests()[1]
	if req.Role != models.RoleCustomer || req.SessionID != nil {
		t.Errorf("identify = %+v, want customer with null session", req)
	}
	if req.DisplayName != "Tester" || req.ProfileRef == nil || req.ProfileRef.Email != "ada@example.com" {
		t.Errorf("identify profile = %+v", req)
	}
	server.mu.Lock()
	dials := server.dials
	server.mu.Unlock()
	if dials != 2 {
		t.Errorf("dials = %d, want a fresh connection", dials)
	}

	waitFor(t, "session adopted", func() bool { return widget.ConversationID() == "srv-1" })
	if _, err := store.LoadSession(ctx, models.RoleGuest); !errors.Is(err, identity.ErrNoSession) {
		t.Errorf("guest session should be purged: %v", err)
	}
	waitFor(t, "customer session cached", func() bool {
		id, err := store.LoadSession(ctx, models.RoleCustomer)
		return err == nil && id == "srv-1"
	})
}

func TestNewConsole_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig(&fakeServer{}, newFakeAPI(), nil)
	cfg.RefreshSchedule = "every tuesday"
	if _, err := NewConsole(cfg); err == nil {
		t.Fatal("expected schedule error")
	}
	if err := ValidateSchedule(DefaultRefreshSchedule); err != nil {
		t.Errorf("default schedule: %v", err)
	}
}
