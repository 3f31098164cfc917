package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/pubsub"
)

const testSecret = "router-test-secret"

// fakeBus is an in-memory backbone with synchronous loopback delivery:
// Publish marshals the payload and hands it to every subscribed handler
// before returning. Multiple routers subscribing to the same fakeBus see
// each other's publishes, which is exactly the multi-instance topology.
type fakeBus struct {
	mu        sync.Mutex
	handlers  []pubsub.Handler
	published map[string]int
	failNext  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string]int)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload any) error {
	b.mu.Lock()
	if b.failNext {
		b.failNext = false
		b.mu.Unlock()
		return errors.New("backbone down")
	}
	b.published[channel]++
	handlers := append([]pubsub.Handler(nil), b.handlers...)
	b.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		h(channel, data)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, handler pubsub.Handler, _ ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

// fakePresence mirrors the real tracker's contract: mutate the shared
// set, then publish the transition on the backbone.
type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]string
	bus    *fakeBus
}

func newFakePresence(bus *fakeBus) *fakePresence {
	return &fakePresence{online: make(map[uuid.UUID]string), bus: bus}
}

func (p *fakePresence) MarkOnline(ctx context.Context, userID uuid.UUID, username string) error {
	p.mu.Lock()
	p.online[userID] = username
	p.mu.Unlock()
	return p.bus.Publish(ctx, pubsub.ChannelUserOnline,
		pubsub.PresenceEnvelope{UserID: userID, Username: username, LastSeen: time.Now()})
}

func (p *fakePresence) MarkOffline(ctx context.Context, userID uuid.UUID, username string) error {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
	return p.bus.Publish(ctx, pubsub.ChannelUserOffline,
		pubsub.PresenceEnvelope{UserID: userID, Username: username, LastSeen: time.Now()})
}

func (p *fakePresence) ListOnline(context.Context) ([]models.OnlineUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]models.OnlineUser, 0, len(p.online))
	for id, name := range p.online {
		users = append(users, models.OnlineUser{UserID: id, Username: name})
	}
	return users, nil
}

type fakeUserRepo struct {
	mu         sync.Mutex
	setOnline  map[uuid.UUID]int
	setOffline map[uuid.UUID]int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{setOnline: make(map[uuid.UUID]int), setOffline: make(map[uuid.UUID]int)}
}

func (r *fakeUserRepo) Create(context.Context, string, string, string) (*models.User, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeUserRepo) GetByID(context.Context, uuid.UUID) (*models.User, error) { return nil, nil }
func (r *fakeUserRepo) GetByUsername(context.Context, string) (*models.User, error) {
	return nil, nil
}
func (r *fakeUserRepo) List(context.Context) ([]models.User, error) { return nil, nil }

func (r *fakeUserRepo) SetOnline(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setOnline[userID]++
	return nil
}

func (r *fakeUserRepo) SetOffline(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setOffline[userID]++
	return nil
}

type fakeConvRepo struct {
	mu     sync.Mutex
	direct map[string]*models.Conversation
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{direct: make(map[string]*models.Conversation)}
}

func pairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}

func (r *fakeConvRepo) GetOrCreateDirect(_ context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(a, b)
	if conv, ok := r.direct[key]; ok {
		return conv, nil
	}
	conv := &models.Conversation{ID: uuid.New(), DirectKey: key, CreatedAt: time.Now()}
	r.direct[key] = conv
	return conv, nil
}

func (r *fakeConvRepo) CreateGroup(context.Context, string, uuid.UUID, []uuid.UUID) (*models.Conversation, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeConvRepo) GetByID(context.Context, uuid.UUID) (*models.Conversation, error) {
	return nil, nil
}
func (r *fakeConvRepo) ListForUser(context.Context, uuid.UUID) ([]models.Conversation, error) {
	return nil, nil
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	nextID   int64
	messages map[uuid.UUID][]models.Message
	failing  bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{nextID: 1, messages: make(map[uuid.UUID][]models.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("insert failed")
	}
	msg := models.Message{
		ID:             r.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Sender:         models.MessageSender{ID: senderID},
		CreatedAt:      time.Now(),
	}
	r.nextID++
	r.messages[conversationID] = append(r.messages[conversationID], msg)
	return &msg, nil
}

// ListByConversation returns newest first, like the real store.
func (r *fakeMessageRepo) ListByConversation(_ context.Context, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[conversationID]
	out := make([]models.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if before > 0 && all[i].ID >= before {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// fixture bundles one simulated server instance.
type fixture struct {
	hub      *Hub
	router   *Router
	users    *fakeUserRepo
	convs    *fakeConvRepo
	msgs     *fakeMessageRepo
	presence *fakePresence
	bus      *fakeBus
}

func newFixture(t *testing.T, bus *fakeBus) *fixture {
	t.Helper()
	f := &fixture{
		hub:   NewHub(zap.NewNop()),
		users: newFakeUserRepo(),
		convs: newFakeConvRepo(),
		msgs:  newFakeMessageRepo(),
		bus:   bus,
	}
	f.presence = newFakePresence(bus)
	f.router = NewRouter(f.hub, f.users, f.convs, f.msgs, f.presence, bus, testSecret, zap.NewNop())
	require.NoError(t, f.router.Start(context.Background()))
	return f
}

func (f *fixture) connect(t *testing.T) *Client {
	t.Helper()
	c := newTestClient()
	f.hub.Register(c)
	return c
}

func (f *fixture) event(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	require.NoError(t, err)
	f.router.HandleEvent(context.Background(), c, frame)
}

func (f *fixture) authenticate(t *testing.T, c *Client, userID uuid.UUID, username string) {
	t.Helper()
	f.event(t, c, EventAuthenticate, AuthenticatePayload{UserID: userID, Username: username})
}

// drain empties the client's send buffer and returns the decoded events.
func drain(t *testing.T, c *Client) []*Envelope {
	t.Helper()
	var events []*Envelope
	for {
		select {
		case frame := <-c.send:
			env, err := DecodeEnvelope(frame)
			require.NoError(t, err)
			events = append(events, env)
		default:
			return events
		}
	}
}

func eventsOf(envs []*Envelope, name string) []*Envelope {
	var out []*Envelope
	for _, env := range envs {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func TestUnauthenticatedEventsAreDroppedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, newFakeBus())
	c := f.connect(t)
	room := uuid.New()

	f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "hi"})
	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	f.event(t, c, EventTyping, TypingPayload{ConversationID: room, IsTyping: true})
	f.event(t, c, EventStartDirect, StartDirectPayload{TargetUserID: uuid.New()})

	assert.Empty(t, drain(t, c))
	assert.Empty(t, f.msgs.messages)
	assert.Zero(t, f.bus.count(pubsub.ChannelNewMessage))
	assert.Equal(t, 0, f.hub.RoomSize(room))
}

func TestAuthenticateBindsAndAnnounces(t *testing.T) {
	f := newFixture(t, newFakeBus())
	c := f.connect(t)
	alice := uuid.New()

	f.authenticate(t, c, alice, "alice")

	id, ok := f.hub.Identity(c)
	require.True(t, ok)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, 1, f.users.setOnline[alice])
	assert.Equal(t, 1, f.bus.count(pubsub.ChannelUserOnline))

	envs := drain(t, c)

	// The user_online broadcast loops back through the bus before the
	// snapshot is emitted, so the connection sees both, in that order.
	require.Len(t, eventsOf(envs, EventUserOnline), 1)

	snapshots := eventsOf(envs, EventOnlineUsers)
	require.Len(t, snapshots, 1)
	var snap OnlineUsersPayload
	require.NoError(t, json.Unmarshal(snapshots[0].Data, &snap))
	require.Len(t, snap.Users, 1)
	assert.Equal(t, alice, snap.Users[0].UserID)
}

func TestAuthenticateWithToken(t *testing.T) {
	f := newFixture(t, newFakeBus())
	c := f.connect(t)
	alice := uuid.New()

	token, err := auth.GenerateToken(alice, "alice", testSecret, time.Hour)
	require.NoError(t, err)

	f.event(t, c, EventAuthenticate, AuthenticatePayload{Token: token})

	id, ok := f.hub.Identity(c)
	require.True(t, ok)
	assert.Equal(t, alice, id.UserID)
	assert.Equal(t, "alice", id.Username)
}

func TestAuthenticateWithBadTokenIsDropped(t *testing.T) {
	f := newFixture(t, newFakeBus())
	c := f.connect(t)

	token, err := auth.GenerateToken(uuid.New(), "alice", "some-other-secret", time.Hour)
	require.NoError(t, err)

	f.event(t, c, EventAuthenticate, AuthenticatePayload{Token: token})

	_, ok := f.hub.Identity(c)
	assert.False(t, ok)
	assert.Empty(t, drain(t, c))
}

func TestJoinReplaysHistoryOldestFirst(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()
	sender := uuid.New()
	for _, content := range []string{"c1", "c2", "c3"} {
		_, err := f.msgs.Create(context.Background(), room, sender, content)
		require.NoError(t, err)
	}

	c := f.connect(t)
	f.authenticate(t, c, uuid.New(), "bob")
	drain(t, c)

	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})

	envs := eventsOf(drain(t, c), EventMessageHistory)
	require.Len(t, envs, 1)
	var history MessageHistoryPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &history))

	require.Len(t, history.Messages, 3)
	for i, want := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, want, history.Messages[i].Content)
	}
}

func TestSendMessageFansOutToRoomIncludingSender(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()

	a, b := f.connect(t), f.connect(t)
	f.authenticate(t, a, uuid.New(), "alice")
	f.authenticate(t, b, uuid.New(), "bob")
	f.event(t, a, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	f.event(t, b, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, a)
	drain(t, b)

	f.event(t, a, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "hi"})

	for _, c := range []*Client{a, b} {
		envs := eventsOf(drain(t, c), EventNewMessage)
		require.Len(t, envs, 1, "each room member receives exactly one new_message")
		var payload NewMessagePayload
		require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
		assert.Equal(t, "hi", payload.Message.Content)
		assert.Equal(t, room, payload.ConversationID)
	}
	assert.Equal(t, 1, f.bus.count(pubsub.ChannelNewMessage))
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()
	c := f.connect(t)
	f.authenticate(t, c, uuid.New(), "alice")
	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, c)

	f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "   "})

	assert.Empty(t, drain(t, c))
	assert.Empty(t, f.msgs.messages)
}

func TestLeaveStopsReceivingRoomMessages(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()

	leaver, sender := f.connect(t), f.connect(t)
	f.authenticate(t, leaver, uuid.New(), "leaver")
	f.authenticate(t, sender, uuid.New(), "sender")
	f.event(t, leaver, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	f.event(t, sender, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, leaver)
	drain(t, sender)

	f.event(t, leaver, EventLeaveConversation, LeaveConversationPayload{ConversationID: room})
	f.event(t, sender, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "bye"})

	assert.Empty(t, eventsOf(drain(t, leaver), EventNewMessage))
	assert.Len(t, eventsOf(drain(t, sender), EventNewMessage), 1)
}

func TestTypingReachesOtherMembersOnly(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()

	typist, watcher := f.connect(t), f.connect(t)
	alice := uuid.New()
	f.authenticate(t, typist, alice, "alice")
	f.authenticate(t, watcher, uuid.New(), "bob")
	f.event(t, typist, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	f.event(t, watcher, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, typist)
	drain(t, watcher)

	f.event(t, typist, EventTyping, TypingPayload{ConversationID: room, IsTyping: true})

	assert.Empty(t, eventsOf(drain(t, typist), EventUserTyping))

	envs := eventsOf(drain(t, watcher), EventUserTyping)
	require.Len(t, envs, 1)
	var payload UserTypingPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
	assert.Equal(t, alice, payload.UserID)
	assert.True(t, payload.IsTyping)

	// Typing never crosses the backbone.
	assert.Zero(t, f.bus.count(pubsub.ChannelTyping))
}

func TestStartDirectIsIdempotentAcrossArgumentOrders(t *testing.T) {
	f := newFixture(t, newFakeBus())
	u1, u2 := uuid.New(), uuid.New()

	a, b := f.connect(t), f.connect(t)
	f.authenticate(t, a, u1, "alice")
	f.authenticate(t, b, u2, "bob")
	drain(t, a)
	drain(t, b)

	startedID := func(c *Client) uuid.UUID {
		envs := eventsOf(drain(t, c), EventConversationStarted)
		require.Len(t, envs, 1)
		var payload ConversationStartedPayload
		require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
		return payload.ConversationID
	}

	f.event(t, a, EventStartDirect, StartDirectPayload{TargetUserID: u2})
	first := startedID(a)

	f.event(t, b, EventStartDirect, StartDirectPayload{TargetUserID: u1})
	assert.Equal(t, first, startedID(b))

	f.event(t, a, EventStartDirect, StartDirectPayload{TargetUserID: u2})
	assert.Equal(t, first, startedID(a))

	assert.Len(t, f.convs.direct, 1)
}

func TestDisconnectTearsDownPresence(t *testing.T) {
	f := newFixture(t, newFakeBus())
	alice := uuid.New()

	c := f.connect(t)
	f.authenticate(t, c, alice, "alice")

	f.router.HandleDisconnect(c)

	online, err := f.presence.ListOnline(context.Background())
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Equal(t, 1, f.users.setOffline[alice])
	assert.Equal(t, 1, f.bus.count(pubsub.ChannelUserOffline))
}

func TestDisconnectOfUnauthenticatedConnectionIsQuiet(t *testing.T) {
	f := newFixture(t, newFakeBus())
	c := f.connect(t)

	f.router.HandleDisconnect(c)

	assert.Zero(t, f.bus.count(pubsub.ChannelUserOffline))
	assert.Empty(t, f.users.setOffline)
}

func TestPersistFailureSuppressesEmissionButKeepsConnection(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()
	c := f.connect(t)
	f.authenticate(t, c, uuid.New(), "alice")
	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, c)

	f.msgs.failing = true
	f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "lost"})
	assert.Empty(t, eventsOf(drain(t, c), EventNewMessage))
	assert.Zero(t, f.bus.count(pubsub.ChannelNewMessage))

	// The connection is still live: the next send goes through.
	f.msgs.failing = false
	f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "found"})
	assert.Len(t, eventsOf(drain(t, c), EventNewMessage), 1)
}

func TestPublishFailureDoesNotKillConnection(t *testing.T) {
	bus := newFakeBus()
	f := newFixture(t, bus)
	room := uuid.New()
	c := f.connect(t)
	f.authenticate(t, c, uuid.New(), "alice")
	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, c)

	bus.failNext = true
	f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "dropped"})
	assert.Empty(t, eventsOf(drain(t, c), EventNewMessage))

	// The message was persisted even though fan-out failed; it surfaces
	// in history on the next join.
	assert.Len(t, f.msgs.messages[room], 1)
}

func TestDirectConversationScenario(t *testing.T) {
	f := newFixture(t, newFakeBus())
	u1, u2 := uuid.New(), uuid.New()

	a, b := f.connect(t), f.connect(t)
	f.authenticate(t, a, u1, "Alice")
	f.authenticate(t, b, u2, "Bob")
	drain(t, a)
	drain(t, b)

	f.event(t, a, EventStartDirect, StartDirectPayload{TargetUserID: u2})
	envs := eventsOf(drain(t, a), EventConversationStarted)
	require.Len(t, envs, 1)
	var started ConversationStartedPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &started))
	conversation := started.ConversationID

	f.event(t, a, EventJoinConversation, JoinConversationPayload{ConversationID: conversation})
	f.event(t, b, EventJoinConversation, JoinConversationPayload{ConversationID: conversation})
	drain(t, a)
	drain(t, b)

	f.event(t, a, EventSendMessage, SendMessagePayload{ConversationID: conversation, Content: "hi"})

	for name, c := range map[string]*Client{"alice": a, "bob": b} {
		envs := eventsOf(drain(t, c), EventNewMessage)
		require.Len(t, envs, 1, "%s should receive the message", name)
		var payload NewMessagePayload
		require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
		assert.Equal(t, "hi", payload.Message.Content)
		assert.Equal(t, conversation, payload.ConversationID)
		assert.Equal(t, u1, payload.Message.SenderID)
	}
}

// TestCrossInstanceFanOut runs two routers with separate hubs on one
// shared bus — the two-server deployment in miniature. A message sent on
// instance one must reach a client connected to instance two.
func TestCrossInstanceFanOut(t *testing.T) {
	bus := newFakeBus()
	instance1 := newFixture(t, bus)
	instance2 := newFixture(t, bus)
	room := uuid.New()

	local := instance1.connect(t)
	remote := instance2.connect(t)
	instance1.authenticate(t, local, uuid.New(), "alice")
	instance2.authenticate(t, remote, uuid.New(), "bob")
	instance1.event(t, local, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	instance2.event(t, remote, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, local)
	drain(t, remote)

	instance1.event(t, local, EventSendMessage, SendMessagePayload{ConversationID: room, Content: "across"})

	for name, c := range map[string]*Client{"local": local, "remote": remote} {
		envs := eventsOf(drain(t, c), EventNewMessage)
		require.Len(t, envs, 1, "%s client should receive exactly one copy", name)
	}
}

func TestHistoryOrderSurvivesManySends(t *testing.T) {
	f := newFixture(t, newFakeBus())
	room := uuid.New()
	c := f.connect(t)
	f.authenticate(t, c, uuid.New(), "alice")
	f.event(t, c, EventJoinConversation, JoinConversationPayload{ConversationID: room})
	drain(t, c)

	var contents []string
	for i := 1; i <= 7; i++ {
		content := fmt.Sprintf("c%d", i)
		contents = append(contents, content)
		f.event(t, c, EventSendMessage, SendMessagePayload{ConversationID: room, Content: content})
	}
	drain(t, c)

	// A fresh join replays exactly [c1..c7] oldest first, regardless of
	// the store's newest-first retrieval order.
	late := f.connect(t)
	f.authenticate(t, late, uuid.New(), "bob")
	drain(t, late)
	f.event(t, late, EventJoinConversation, JoinConversationPayload{ConversationID: room})

	envs := eventsOf(drain(t, late), EventMessageHistory)
	require.Len(t, envs, 1)
	var history MessageHistoryPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &history))
	require.Len(t, history.Messages, len(contents))
	for i, want := range contents {
		assert.Equal(t, want, history.Messages[i].Content)
	}
}
