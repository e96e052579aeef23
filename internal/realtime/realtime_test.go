package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metachat/messaging-service/internal/config"
	"metachat/messaging-service/internal/logging"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/registry/registrytest"
	"metachat/messaging-service/internal/repository/repositorytest"
	"metachat/messaging-service/internal/service"
)

var errClosed = errors.New("use of closed connection")

type fakeWS struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out [][]byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errClosed
	}
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	if messageType == websocket.TextMessage {
		f.mu.Lock()
		f.out = append(f.out, data)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeWS) SetReadLimit(int64)                {}
func (f *fakeWS) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWS) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeWS) SetPongHandler(func(string) error) {}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeWS) push(t *testing.T, name string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(models.InboundEvent{Name: name, Data: raw})
	require.NoError(t, err)
	f.in <- frame
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *fakeWS) frames(name string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, raw := range f.out {
		var fr frame
		if json.Unmarshal(raw, &fr) == nil && fr.Event == name {
			out = append(out, fr)
		}
	}
	return out
}

type env struct {
	store  *repositorytest.Store
	reg    *registry.Registry
	svc    service.ChatService
	server *Server
}

func newEnv(t *testing.T, cfg config.RealtimeConfig) *env {
	t.Helper()

	store := repositorytest.New()
	store.AddUser("alice", "alice")
	store.AddUser("bob", "bob")

	logger := logging.Discard()
	reg := registry.New()
	rooms := registry.NewRooms()
	svc := service.NewChatService(store, store, reg, rooms, presence.NewTracker(store, reg, logger), logger)

	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &env{store: store, reg: reg, svc: svc, server: NewServer(svc, cfg, logger)}
}

func (e *env) serve(t *testing.T, userID string) (*fakeWS, <-chan struct{}) {
	t.Helper()
	ws := newFakeWS()
	done := make(chan struct{})
	before := e.reg.Count(userID)
	go func() {
		e.server.Serve(context.Background(), userID, ws)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.reg.Count(userID) == before+1 }, time.Second, time.Millisecond)
	return ws, done
}

func TestServe_MessageRoundTrip(t *testing.T) {
	e := newEnv(t, config.RealtimeConfig{})
	chat, err := e.svc.CreateChat(context.Background(), service.CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	aliceWS, aliceDone := e.serve(t, "alice")
	bobWS, bobDone := e.serve(t, "bob")

	aliceWS.push(t, models.EventMessageSend, models.SendMessagePayload{ChatID: chat.ID, Content: "hello", TempID: "t1"})

	require.Eventually(t, func() bool { return len(bobWS.frames(models.EventMessageNew)) == 1 }, time.Second, time.Millisecond)
	var msg models.Message
	require.NoError(t, json.Unmarshal(bobWS.frames(models.EventMessageNew)[0].Data, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)
	require.Len(t, msg.ReadBy, 1)

	bobWS.push(t, models.EventMessageRead, models.ReadMessagePayload{MessageID: msg.ID, ChatID: chat.ID, UserID: "bob"})
	require.Eventually(t, func() bool { return len(aliceWS.frames(models.EventMessageRead)) == 1 }, time.Second, time.Millisecond)

	aliceWS.Close()
	<-aliceDone
	require.Eventually(t, func() bool {
		for _, fr := range bobWS.frames(models.EventUserStatus) {
			var st models.UserStatusEvent
			if json.Unmarshal(fr.Data, &st) == nil && st.UserID == "alice" && st.Status == models.StatusOffline {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, e.reg.Count("alice"))

	bobWS.Close()
	<-bobDone
}

func TestServe_ConnectFailureRejects(t *testing.T) {
	e := newEnv(t, config.RealtimeConfig{})
	e.store.FailOn("GetUserChatIDs", errors.New("db down"))

	ws := newFakeWS()
	e.server.Serve(context.Background(), "alice", ws)

	assert.True(t, ws.isClosed())
	require.Len(t, ws.frames(models.EventError), 1)
	assert.Equal(t, 0, e.reg.Count("alice"))
}

func TestServe_InvalidFrameAndRateLimit(t *testing.T) {
	e := newEnv(t, config.RealtimeConfig{EventsPerSecond: 0.001, Burst: 1})
	ws, done := e.serve(t, "alice")

	ws.in <- []byte("not json")
	ws.push(t, "noop:event", map[string]string{})
	ws.push(t, "noop:event", map[string]string{})

	require.Eventually(t, func() bool { return len(ws.frames(models.EventError)) == 3 }, time.Second, time.Millisecond)

	var messages []string
	for _, fr := range ws.frames(models.EventError) {
		var ev models.ErrorEvent
		require.NoError(t, json.Unmarshal(fr.Data, &ev))
		messages = append(messages, ev.Message)
	}
	assert.Equal(t, []string{
		"invalid event format",
		"unknown event: noop:event",
		"rate limit exceeded, please slow down",
	}, messages)

	ws.Close()
	<-done
}

func TestClient_FullBufferClosesConnection(t *testing.T) {
	ws := newFakeWS()
	client := newClient("alice", ws, 1, nil, logging.Discard())

	assert.True(t, client.Send(models.Event{Name: models.EventMessageNew}))
	assert.False(t, client.Send(models.Event{Name: models.EventMessageNew}))
	assert.True(t, ws.isClosed())
	assert.False(t, client.Send(models.Event{Name: models.EventMessageNew}), "closed clients drop events")
}

type panickingService struct {
	service.ChatService
}

func (panickingService) SendMessage(context.Context, service.SendMessageRequest) (*models.Message, error) {
	panic("boom")
}

func TestDispatcher_Errors(t *testing.T) {
	e := newEnv(t, config.RealtimeConfig{})
	chat, err := e.svc.CreateChat(context.Background(), service.CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	raw := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name     string
		svc      service.ChatService
		event    models.InboundEvent
		wantCode string
		wantTemp string
	}{
		{
			name:     "unknown event",
			event:    models.InboundEvent{Name: "chat:delete", Data: raw(map[string]string{})},
			wantCode: "validation",
		},
		{
			name:     "missing payload",
			event:    models.InboundEvent{Name: models.EventMessageSend},
			wantCode: "validation",
		},
		{
			name: "read on behalf of another user",
			event: models.InboundEvent{
				Name: models.EventMessageRead,
				Data: raw(models.ReadMessagePayload{MessageID: "m", ChatID: chat.ID, UserID: "bob"}),
			},
			wantCode: "authorization",
		},
		{
			name: "failed send echoes temp id",
			event: models.InboundEvent{
				Name: models.EventMessageSend,
				Data: raw(models.SendMessagePayload{ChatID: "missing", Content: "hi", TempID: "t9"}),
			},
			wantCode: "validation",
			wantTemp: "t9",
		},
		{
			name: "non-admin rename",
			event: models.InboundEvent{
				Name: models.EventGroupRename,
				Data: raw(models.RenameGroupPayload{ChatID: chat.ID, Name: "x"}),
			},
			wantCode: "validation",
		},
		{
			name: "panic becomes storage error",
			svc:  panickingService{},
			event: models.InboundEvent{
				Name: models.EventMessageSend,
				Data: raw(models.SendMessagePayload{ChatID: chat.ID, Content: "hi", TempID: "t1"}),
			},
			wantCode: "storage",
			wantTemp: "t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := tt.svc
			if svc == nil {
				svc = e.svc
			}
			d := NewDispatcher(svc, logging.Discard())
			conn := registrytest.NewConn("c1", "alice")

			d.Handle(context.Background(), conn, tt.event)

			events := conn.Named(models.EventError)
			require.Len(t, events, 1)
			ev := events[0].Data.(models.ErrorEvent)
			assert.Equal(t, tt.wantCode, ev.Code)
			assert.Equal(t, tt.event.Name, ev.Event)
			assert.Equal(t, tt.wantTemp, ev.TempID)
			assert.NotEmpty(t, ev.Message)
		})
	}
}
