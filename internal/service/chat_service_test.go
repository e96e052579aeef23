package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/logging"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/registry/registrytest"
	"metachat/messaging-service/internal/repository/repositorytest"
)

type harness struct {
	svc   ChatService
	store *repositorytest.Store
	reg   *registry.Registry
	rooms *registry.Rooms
	seq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := repositorytest.New()
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		store.AddUser(name, name)
	}

	logger := logging.Discard()
	reg := registry.New()
	rooms := registry.NewRooms()
	tracker := presence.NewTracker(store, reg, logger)

	return &harness{
		svc:   NewChatService(store, store, reg, rooms, tracker, logger),
		store: store,
		reg:   reg,
		rooms: rooms,
	}
}

func (h *harness) connect(t *testing.T, userID string) *registrytest.Conn {
	t.Helper()
	h.seq++
	conn := registrytest.NewConn(fmt.Sprintf("%s-%d", userID, h.seq), userID)
	require.NoError(t, h.svc.Connect(context.Background(), conn))
	return conn
}

func (h *harness) direct(t *testing.T, a, b string) *models.Chat {
	t.Helper()
	chat, err := h.svc.CreateChat(context.Background(), CreateChatRequest{CreatorID: a, MemberIDs: []string{b}})
	require.NoError(t, err)
	return chat
}

func (h *harness) group(t *testing.T, admin string, members ...string) *models.Chat {
	t.Helper()
	chat, err := h.svc.CreateChat(context.Background(), CreateChatRequest{
		CreatorID: admin,
		MemberIDs: members,
		IsGroup:   true,
		Name:      "team",
	})
	require.NoError(t, err)
	return chat
}

func resetAll(conns ...*registrytest.Conn) {
	for _, c := range conns {
		c.Reset()
	}
}

func messages(conn *registrytest.Conn) []*models.Message {
	var out []*models.Message
	for _, ev := range conn.Named(models.EventMessageNew) {
		out = append(out, ev.Data.(*models.Message))
	}
	return out
}

func TestSendMessage_DeliveredOnceToEveryMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	alice1 := h.connect(t, "alice")
	alice2 := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	resetAll(alice1, alice2, bob, carol)

	msg, err := h.svc.SendMessage(ctx, SendMessageRequest{
		ChatID:   chat.ID,
		SenderID: "alice",
		Content:  "hello",
		TempID:   "tmp-1",
	})
	require.NoError(t, err)
	require.Len(t, msg.ReadBy, 1)
	assert.Equal(t, "alice", msg.ReadBy[0].UserID)
	assert.Equal(t, "tmp-1", msg.TempID)

	for _, conn := range []*registrytest.Conn{alice1, alice2, bob} {
		got := messages(conn)
		require.Len(t, got, 1, conn.ID())
		assert.Equal(t, "hello", got[0].Content)
		assert.Equal(t, "alice", got[0].Sender.ID)
	}
	assert.Empty(t, carol.Events())
	assert.Equal(t, 1, h.store.MessageCount(chat.ID))
}

func TestSendMessage_Failures(t *testing.T) {
	h := newHarness(t)
	chat := h.direct(t, "alice", "bob")
	bob := h.connect(t, "bob")
	bob.Reset()

	tests := []struct {
		name     string
		req      SendMessageRequest
		failOn   string
		wantKind apperr.Kind
	}{
		{
			name:     "non-member",
			req:      SendMessageRequest{ChatID: chat.ID, SenderID: "carol", Content: "hi"},
			wantKind: apperr.KindAuthorization,
		},
		{
			name:     "unknown chat",
			req:      SendMessageRequest{ChatID: "missing", SenderID: "alice", Content: "hi"},
			wantKind: apperr.KindValidation,
		},
		{
			name:     "empty content",
			req:      SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "   "},
			wantKind: apperr.KindValidation,
		},
		{
			name:     "storage failure",
			req:      SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hi"},
			failOn:   "CreateMessage",
			wantKind: apperr.KindStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.failOn != "" {
				h.store.FailOn(tt.failOn, errors.New("db down"))
				defer h.store.FailOn(tt.failOn, nil)
			}

			_, err := h.svc.SendMessage(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, 0, h.store.MessageCount(chat.ID))
			assert.Empty(t, bob.Events())
		})
	}
}

func TestSendMessage_ConcurrentSendsKeepPointerConsistent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	observer := h.connect(t, "bob")
	observer.Reset()

	var wg sync.WaitGroup
	for i, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, sender string) {
			defer wg.Done()
			_, err := h.svc.SendMessage(ctx, SendMessageRequest{
				ChatID:   chat.ID,
				SenderID: sender,
				Content:  fmt.Sprintf("msg %d", i),
			})
			assert.NoError(t, err)
		}(i, sender)
	}
	wg.Wait()

	assert.Equal(t, 2, h.store.MessageCount(chat.ID))

	delivered := messages(observer)
	require.Len(t, delivered, 2)
	stored, err := h.svc.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, delivered[1].ID, stored.LatestMessageID, "pointer follows the last sequenced send")
}

func TestMarkRead_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	h.connect(t, "bob")

	msg, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	alice.Reset()

	req := MarkReadRequest{MessageID: msg.ID, ChatID: chat.ID, UserID: "bob"}
	first, err := h.svc.MarkRead(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.MarkRead(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.store.ReceiptCount(msg.ID, "bob"))
	assert.Equal(t, first.ReadAt, second.ReadAt)

	events := alice.Named(models.EventMessageRead)
	require.Len(t, events, 2)
	for _, ev := range events {
		rr := ev.Data.(models.ReadReceipt)
		assert.Equal(t, "bob", rr.UserID)
		assert.Equal(t, "bob", rr.Username)
		assert.Equal(t, chat.ID, rr.ChatID)
		assert.False(t, rr.ReadAt.Before(msg.CreatedAt))
	}
	assert.Equal(t, events[0].Data, events[1].Data)
}

func TestMarkRead_Failures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	other := h.direct(t, "alice", "carol")
	msg, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		req      MarkReadRequest
		wantKind apperr.Kind
	}{
		{name: "non-member", req: MarkReadRequest{MessageID: msg.ID, ChatID: chat.ID, UserID: "carol"}, wantKind: apperr.KindAuthorization},
		{name: "message from another chat", req: MarkReadRequest{MessageID: msg.ID, ChatID: other.ID, UserID: "carol"}, wantKind: apperr.KindValidation},
		{name: "unknown message", req: MarkReadRequest{MessageID: "missing", ChatID: chat.ID, UserID: "bob"}, wantKind: apperr.KindValidation},
		{name: "missing message id", req: MarkReadRequest{ChatID: chat.ID, UserID: "bob"}, wantKind: apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.MarkRead(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
		})
	}
	assert.Equal(t, 0, h.store.ReceiptCount(msg.ID, "carol"))
}

func TestMarkRead_EnrichmentIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	msg, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	alice.Reset()

	h.store.FailOn("GetUserByID", errors.New("lookup failed"))
	rr, err := h.svc.MarkRead(ctx, MarkReadRequest{MessageID: msg.ID, ChatID: chat.ID, UserID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, rr.Username)
	assert.Len(t, alice.Named(models.EventMessageRead), 1)
}

func TestMarkChatRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	for i := 0; i < 3; i++ {
		_, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hi"})
		require.NoError(t, err)
	}
	alice.Reset()

	n, err := h.svc.MarkChatRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, alice.Named(models.EventMessageRead), 3)

	n, err = h.svc.MarkChatRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.svc.MarkChatRead(ctx, chat.ID, "carol")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestGroup_NonAdminCannotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g := h.group(t, "alice", "bob", "carol")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")
	resetAll(alice, bob, carol)

	_, err := h.svc.RenameGroup(ctx, "bob", g.ID, "hijacked")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = h.svc.AddMember(ctx, "bob", g.ID, "dave")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = h.svc.RemoveMember(ctx, "bob", g.ID, "carol")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	stored, err := h.svc.GetChat(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", stored.Name)
	assert.Len(t, stored.Members, 3)

	for _, conn := range []*registrytest.Conn{alice, bob, carol} {
		assert.Empty(t, conn.Events(), conn.ID())
	}
}

func TestGroup_Rename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g := h.group(t, "alice", "bob")
	bob := h.connect(t, "bob")
	bob.Reset()

	chat, err := h.svc.RenameGroup(ctx, "alice", g.ID, "  new name ")
	require.NoError(t, err)
	assert.Equal(t, "new name", chat.Name)

	events := bob.Named(models.EventGroupRenamed)
	require.Len(t, events, 1)
	assert.Equal(t, models.GroupRenamedEvent{ChatID: g.ID, Name: "new name"}, events[0].Data)

	_, err = h.svc.RenameGroup(ctx, "alice", g.ID, " ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGroup_AddMemberSubscribesLiveConnections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g := h.group(t, "alice", "bob")
	dave := h.connect(t, "dave")
	dave.Reset()

	_, err := h.svc.AddMember(ctx, "alice", g.ID, "dave")
	require.NoError(t, err)

	added := dave.Named(models.EventGroupMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "dave", added[0].Data.(models.MemberAddedEvent).User.ID)

	_, err = h.svc.SendMessage(ctx, SendMessageRequest{ChatID: g.ID, SenderID: "bob", Content: "welcome"})
	require.NoError(t, err)
	got := messages(dave)
	require.Len(t, got, 1)
	assert.Equal(t, "welcome", got[0].Content)

	_, err = h.svc.AddMember(ctx, "alice", g.ID, "dave")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = h.svc.AddMember(ctx, "alice", g.ID, "nobody")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGroup_RemoveMemberUnsubscribes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g := h.group(t, "alice", "bob", "carol")
	carol := h.connect(t, "carol")
	carol.Reset()

	_, err := h.svc.RemoveMember(ctx, "alice", g.ID, "carol")
	require.NoError(t, err)
	assert.Len(t, carol.Named(models.EventGroupMemberRemoved), 1)
	assert.NotContains(t, h.rooms.RoomsOf(carol), g.ID)

	carol.Reset()
	_, err = h.svc.SendMessage(ctx, SendMessageRequest{ChatID: g.ID, SenderID: "bob", Content: "bye"})
	require.NoError(t, err)
	assert.Empty(t, messages(carol))

	tests := []struct {
		name     string
		target   string
		wantKind apperr.Kind
	}{
		{name: "admin", target: "alice", wantKind: apperr.KindValidation},
		{name: "not a member", target: "carol", wantKind: apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RemoveMember(ctx, "alice", g.ID, tt.target)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
		})
	}
}

func TestGroup_OperationsOnDirectChat(t *testing.T) {
	h := newHarness(t)
	chat := h.direct(t, "alice", "bob")

	_, err := h.svc.RenameGroup(context.Background(), "alice", chat.ID, "x")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.svc.AddMember(context.Background(), "alice", chat.ID, "carol")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bob := h.connect(t, "bob")
	bob.Reset()

	direct := h.direct(t, "alice", "bob")
	assert.False(t, direct.IsGroup)
	assert.Empty(t, direct.AdminID)
	assert.Len(t, direct.Members, 2)
	assert.Len(t, bob.Named(models.EventChatCreated), 1)
	assert.Contains(t, h.rooms.RoomsOf(bob), direct.ID)

	again := h.direct(t, "bob", "alice")
	assert.Equal(t, direct.ID, again.ID, "direct chats are reused")

	g := h.group(t, "carol", "alice")
	assert.True(t, g.IsGroup)
	assert.Equal(t, "carol", g.AdminID)

	tests := []struct {
		name string
		req  CreateChatRequest
	}{
		{name: "direct with self", req: CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"alice"}}},
		{name: "direct with two others", req: CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"bob", "carol"}}},
		{name: "group without name", req: CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"bob"}, IsGroup: true}},
		{name: "unknown member", req: CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"ghost"}, IsGroup: true, Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateChat(ctx, tt.req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestConnect_SubscribesToEveryChat(t *testing.T) {
	h := newHarness(t)

	c1 := h.direct(t, "alice", "bob")
	c2 := h.group(t, "carol", "alice")
	h.direct(t, "bob", "carol")

	alice := h.connect(t, "alice")
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, h.rooms.RoomsOf(alice))
	assert.Equal(t, models.StatusOnline, h.store.UserStatus("alice"))
}

func TestConnect_StorageFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.direct(t, "alice", "bob")
	h.store.FailOn("GetUserChatIDs", errors.New("db down"))

	conn := registrytest.NewConn("a1", "alice")
	err := h.svc.Connect(context.Background(), conn)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.Equal(t, 0, h.reg.Count("alice"))
	assert.Empty(t, h.rooms.RoomsOf(conn))
}

func TestDisconnect_PresenceConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.direct(t, "alice", "bob")
	a1 := h.connect(t, "alice")
	a2 := h.connect(t, "alice")
	observer := h.connect(t, "carol")
	observer.Reset()

	h.svc.Disconnect(ctx, a1)
	assert.Empty(t, observer.Named(models.EventUserStatus))
	assert.Equal(t, models.StatusOnline, h.store.UserStatus("alice"))

	h.svc.Disconnect(ctx, a2)
	events := observer.Named(models.EventUserStatus)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusOffline, events[0].Data.(models.UserStatusEvent).Status)
	assert.Equal(t, models.StatusOffline, h.store.UserStatus("alice"))
	assert.Empty(t, h.rooms.RoomsOf(a2))
}

func TestSetPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.connect(t, "alice")
	observer := h.connect(t, "bob")
	observer.Reset()

	require.NoError(t, h.svc.SetPresence(ctx, "alice", models.StatusAway))
	assert.Equal(t, models.StatusAway, h.store.UserStatus("alice"))
	require.Len(t, observer.Named(models.EventUserStatus), 1)

	err := h.svc.SetPresence(ctx, "alice", models.StatusOffline)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGetHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := h.svc.GetHistory(ctx, "bob", chat.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	older, err := h.svc.GetHistory(ctx, "bob", chat.ID, 10, ids[3])
	require.NoError(t, err)
	assert.Len(t, older, 3)

	_, err = h.svc.GetHistory(ctx, "carol", chat.ID, 10, "")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestEndToEnd_SendThenRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	resetAll(alice, bob)

	_, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: chat.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)

	received := messages(bob)
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].Content)
	assert.Equal(t, "alice", received[0].SenderID)
	require.Len(t, received[0].ReadBy, 1)
	assert.Equal(t, "alice", received[0].ReadBy[0].UserID)

	_, err = h.svc.MarkRead(ctx, MarkReadRequest{MessageID: received[0].ID, ChatID: chat.ID, UserID: "bob"})
	require.NoError(t, err)

	reads := alice.Named(models.EventMessageRead)
	require.Len(t, reads, 1)
	rr := reads[0].Data.(models.ReadReceipt)
	assert.Equal(t, "bob", rr.UserID)
	assert.False(t, rr.ReadAt.Before(received[0].CreatedAt))
}

// gate blocks the first caller of hold until open is called. Later callers pass through.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hold() {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return
	}
	close(g.entered)
	<-g.release
}

func (g *gate) open() {
	close(g.release)
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestDisconnect_ConcurrentAddMemberCannotResubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.direct(t, "alice", "dave")
	group := h.group(t, "alice")
	d1 := h.connect(t, "dave")
	require.Len(t, h.rooms.RoomsOf(d1), 1)

	// Holding dave's presence lane keeps d1 registered after it has left its rooms.
	status := newGate()
	h.store.OnReturn("SetStatus", status.hold)
	away := make(chan struct{})
	go func() {
		defer close(away)
		assert.NoError(t, h.svc.SetPresence(ctx, "dave", models.StatusAway))
	}()
	wait(t, status.entered)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		h.svc.Disconnect(ctx, d1)
	}()
	require.Eventually(t, func() bool { return len(h.rooms.RoomsOf(d1)) == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.reg.Count("dave"))

	_, err := h.svc.AddMember(ctx, "alice", group.ID, "dave")
	require.NoError(t, err)

	status.open()
	wait(t, away)
	wait(t, closed)

	assert.Empty(t, h.rooms.RoomsOf(d1))
	assert.Empty(t, h.rooms.Subscribers(group.ID))
	assert.Equal(t, 0, h.reg.Count("dave"))
}

func TestConnect_RacingMembershipChanges(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, h *harness) *models.Chat
		change func(h *harness, chatID string) error
		want   bool
	}{
		{
			name:  "added while connecting",
			setup: func(t *testing.T, h *harness) *models.Chat { return h.group(t, "alice") },
			change: func(h *harness, chatID string) error {
				_, err := h.svc.AddMember(context.Background(), "alice", chatID, "dave")
				return err
			},
			want: true,
		},
		{
			name:  "removed while connecting",
			setup: func(t *testing.T, h *harness) *models.Chat { return h.group(t, "alice", "dave") },
			change: func(h *harness, chatID string) error {
				_, err := h.svc.RemoveMember(context.Background(), "alice", chatID, "dave")
				return err
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.direct(t, "bob", "dave")
			group := tt.setup(t, h)

			// The first membership read returns before the change and is held until it lands.
			firstRead := newGate()
			h.store.OnReturn("GetUserChatIDs", firstRead.hold)

			conn := registrytest.NewConn("dave-1", "dave")
			connected := make(chan struct{})
			go func() {
				defer close(connected)
				assert.NoError(t, h.svc.Connect(ctx, conn))
			}()
			wait(t, firstRead.entered)

			require.NoError(t, tt.change(h, group.ID))
			firstRead.open()
			wait(t, connected)

			stored, err := h.store.GetUserChatIDs(ctx, "dave")
			require.NoError(t, err)
			assert.ElementsMatch(t, stored, h.rooms.RoomsOf(conn))

			subscribed := false
			for _, c := range h.rooms.Subscribers(group.ID) {
				subscribed = subscribed || c.ID() == conn.ID()
			}
			assert.Equal(t, tt.want, subscribed)
		})
	}
}

func TestCreateChat_ConcurrentDirectRequestsShareOneChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lookup := newGate()
	h.store.OnReturn("FindDirectChat", lookup.hold)

	results := make(chan *models.Chat, 2)
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(creator, other string) {
			defer wg.Done()
			chat, err := h.svc.CreateChat(ctx, CreateChatRequest{CreatorID: creator, MemberIDs: []string{other}})
			if assert.NoError(t, err) {
				results <- chat
			}
		}(pair[0], pair[1])
	}

	wait(t, lookup.entered)
	// Give the second request time to reach its lookup if nothing orders it.
	time.Sleep(20 * time.Millisecond)
	lookup.open()
	wg.Wait()
	close(results)

	var ids []string
	for chat := range results {
		ids = append(ids, chat.ID)
	}
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])

	chats, err := h.svc.GetUserChats(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestMalformedIDsAreValidationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := h.direct(t, "alice", "bob")
	group := h.group(t, "alice")

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "send to chat",
			call: func() error {
				_, err := h.svc.SendMessage(ctx, SendMessageRequest{ChatID: "not-a-uuid", SenderID: "alice", Content: "hi"})
				return err
			},
		},
		{
			name: "mark message read",
			call: func() error {
				_, err := h.svc.MarkRead(ctx, MarkReadRequest{MessageID: "not-a-uuid", ChatID: chat.ID, UserID: "alice"})
				return err
			},
		},
		{
			name: "history",
			call: func() error {
				_, err := h.svc.GetHistory(ctx, "alice", "not-a-uuid", 10, "")
				return err
			},
		},
		{
			name: "add member",
			call: func() error {
				_, err := h.svc.AddMember(ctx, "alice", group.ID, "not-a-uuid")
				return err
			},
		},
		{
			name: "rename group",
			call: func() error {
				_, err := h.svc.RenameGroup(ctx, "alice", "not-a-uuid", "new")
				return err
			},
		},
		{
			name: "direct chat member",
			call: func() error {
				_, err := h.svc.CreateChat(ctx, CreateChatRequest{CreatorID: "alice", MemberIDs: []string{"not-a-uuid"}})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}
