package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/pubsub"
	"github.com/lalith-99/chatrelay/internal/repository"
)

const (
	// historyPageSize is the message window sent on join_conversation.
	historyPageSize = 50

	// disconnectTimeout bounds the presence teardown after a connection
	// dies. Teardown cannot ride the request context — it is already
	// canceled by then.
	disconnectTimeout = 5 * time.Second
)

// Presence is the slice of the presence tracker the router needs.
type Presence interface {
	MarkOnline(ctx context.Context, userID uuid.UUID, username string) error
	MarkOffline(ctx context.Context, userID uuid.UUID, username string) error
	ListOnline(ctx context.Context) ([]models.OnlineUser, error)
}

// Router drives the per-connection protocol: a two-state machine,
// unauthenticated until a valid authenticate event binds an identity,
// authenticated afterward. Identity-requiring events that arrive early
// are dropped without side effects and without closing the connection —
// the protocol is permissive, never fatal.
//
// Error policy: a malformed or out-of-precondition event is dropped
// silently (debug log only). A persistence or backbone failure during
// an event suppresses that event's outbound emission; the connection
// lives on and partners simply do not see the message.
type Router struct {
	hub      *Hub
	users    repository.UserRepository
	convs    repository.ConversationRepository
	msgs     repository.MessageRepository
	presence Presence
	bus      pubsub.Backbone

	// jwtSecret verifies the optional token form of authenticate.
	jwtSecret string

	logger *zap.Logger
}

func NewRouter(
	hub *Hub,
	users repository.UserRepository,
	convs repository.ConversationRepository,
	msgs repository.MessageRepository,
	presence Presence,
	bus pubsub.Backbone,
	jwtSecret string,
	logger *zap.Logger,
) *Router {
	return &Router{
		hub:       hub,
		users:     users,
		convs:     convs,
		msgs:      msgs,
		presence:  presence,
		bus:       bus,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// Start subscribes to the backbone channels, once per process lifetime.
// Every instance subscribes to all three; the publishing instance
// receives its own publishes through the same path, which is what makes
// local and remote delivery identical.
func (r *Router) Start(ctx context.Context) error {
	return r.bus.Subscribe(ctx, r.handleBackboneEvent,
		pubsub.ChannelNewMessage,
		pubsub.ChannelUserOnline,
		pubsub.ChannelUserOffline,
	)
}

// Serve runs one connection to completion: registers it, starts the
// write pump, feeds inbound frames through the event dispatch, and runs
// disconnect teardown when the read side ends.
func (r *Router) Serve(ctx context.Context, c *Client) {
	r.hub.Register(c)
	go c.WriteLoop()
	c.ReadLoop(func(raw []byte) {
		r.HandleEvent(ctx, c, raw)
	})
	r.HandleDisconnect(c)
}

// HandleEvent dispatches one inbound frame.
func (r *Router) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.logger.Debug("dropping malformed frame",
			zap.String("conn_id", c.ID().String()),
			zap.Error(err),
		)
		return
	}

	switch env.Event {
	case EventAuthenticate:
		r.handleAuthenticate(ctx, c, env.Data)
	case EventJoinConversation:
		r.handleJoinConversation(ctx, c, env.Data)
	case EventLeaveConversation:
		r.handleLeaveConversation(c, env.Data)
	case EventSendMessage:
		r.handleSendMessage(ctx, c, env.Data)
	case EventTyping:
		r.handleTyping(c, env.Data)
	case EventStartDirect:
		r.handleStartDirect(ctx, c, env.Data)
	default:
		r.logger.Debug("dropping unknown event",
			zap.String("conn_id", c.ID().String()),
			zap.String("event", env.Event),
		)
	}
}

// handleAuthenticate binds identity and announces the user. Identity is
// trust-on-claim: the raw (user_id, username) pair is accepted as-is.
// When a token is supplied, its verified claims take precedence over
// the raw pair; an invalid token drops the event.
//
// Side-effect order matters: durable row first, shared presence set plus
// user_online publish second, and only then the online_users snapshot —
// so the snapshot this connection receives already includes itself.
func (r *Router) handleAuthenticate(ctx context.Context, c *Client, data json.RawMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventAuthenticate, err)
		return
	}
	if p.Token != "" {
		claims, err := auth.ParseToken(p.Token, r.jwtSecret)
		if err != nil {
			r.dropProtocol(c, EventAuthenticate, err)
			return
		}
		p.UserID, p.Username = claims.UserID, claims.Username
	}
	if p.UserID == uuid.Nil || p.Username == "" {
		r.dropProtocol(c, EventAuthenticate, nil)
		return
	}

	if !r.hub.Bind(c, p.UserID, p.Username) {
		// Already bound to a different identity. Rebinding is not a
		// thing; the original binding stays.
		r.logger.Debug("refusing rebind",
			zap.String("conn_id", c.ID().String()),
			zap.String("claimed_user", p.UserID.String()),
		)
		return
	}

	if err := r.users.SetOnline(ctx, p.UserID); err != nil {
		r.logger.Error("set user online", zap.String("user_id", p.UserID.String()), zap.Error(err))
		return
	}
	if err := r.presence.MarkOnline(ctx, p.UserID, p.Username); err != nil {
		r.logger.Error("mark user online", zap.String("user_id", p.UserID.String()), zap.Error(err))
		return
	}

	online, err := r.presence.ListOnline(ctx)
	if err != nil {
		r.logger.Error("list online users", zap.Error(err))
		return
	}
	frame, err := Encode(EventOnlineUsers, OnlineUsersPayload{Users: online})
	if err != nil {
		r.logger.Error("encode online_users", zap.Error(err))
		return
	}
	r.hub.EmitToConn(c, frame)

	r.logger.Info("connection authenticated",
		zap.String("conn_id", c.ID().String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("username", p.Username),
	)
}

// handleJoinConversation subscribes the connection to a room and replays
// recent history. The store returns the page newest-first (that is the
// cheap index order); clients want it oldest-first, so it is reversed
// here before emission.
func (r *Router) handleJoinConversation(ctx context.Context, c *Client, data json.RawMessage) {
	if _, ok := r.hub.Identity(c); !ok {
		r.dropUnauthenticated(c, EventJoinConversation)
		return
	}

	var p JoinConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventJoinConversation, err)
		return
	}
	if p.ConversationID == uuid.Nil {
		r.dropProtocol(c, EventJoinConversation, nil)
		return
	}

	r.hub.Join(c, p.ConversationID)

	messages, err := r.msgs.ListByConversation(ctx, p.ConversationID, 0, historyPageSize)
	if err != nil {
		// Still joined; the connection just gets no history replay.
		r.logger.Error("fetch history",
			zap.String("conversation_id", p.ConversationID.String()),
			zap.Error(err),
		)
		return
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	frame, err := Encode(EventMessageHistory, MessageHistoryPayload{
		ConversationID: p.ConversationID,
		Messages:       messages,
	})
	if err != nil {
		r.logger.Error("encode message_history", zap.Error(err))
		return
	}
	r.hub.EmitToConn(c, frame)
}

// handleLeaveConversation needs no identity: leaving a room you never
// joined is a harmless no-op either way.
func (r *Router) handleLeaveConversation(c *Client, data json.RawMessage) {
	var p LeaveConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventLeaveConversation, err)
		return
	}
	r.hub.Leave(c, p.ConversationID)
}

// handleSendMessage persists the message and publishes it to the
// backbone. There is deliberately no direct local emission: delivery to
// this instance's own room members happens when the publish loops back
// through the subscription, exactly as it does on every other instance.
// One path, one ordering.
func (r *Router) handleSendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	id, ok := r.hub.Identity(c)
	if !ok {
		r.dropUnauthenticated(c, EventSendMessage)
		return
	}

	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventSendMessage, err)
		return
	}
	if p.ConversationID == uuid.Nil || strings.TrimSpace(p.Content) == "" {
		r.dropProtocol(c, EventSendMessage, nil)
		return
	}

	msg, err := r.msgs.Create(ctx, p.ConversationID, id.UserID, p.Content)
	if err != nil {
		r.logger.Error("persist message",
			zap.String("conversation_id", p.ConversationID.String()),
			zap.String("sender_id", id.UserID.String()),
			zap.Error(err),
		)
		return
	}

	env := pubsub.MessageEnvelope{ConversationID: p.ConversationID, Message: msg}
	if err := r.bus.Publish(ctx, pubsub.ChannelNewMessage, env); err != nil {
		// Persisted but not fanned out: partners see nothing now, the
		// message surfaces in history on their next join.
		r.logger.Error("publish new_message",
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// handleTyping relays a typing indicator to the other local members of
// the room. Nothing is persisted and nothing crosses the backbone:
// typing is instance-local by design (the reserved typing channel exists
// for the day that changes).
func (r *Router) handleTyping(c *Client, data json.RawMessage) {
	id, ok := r.hub.Identity(c)
	if !ok {
		r.dropUnauthenticated(c, EventTyping)
		return
	}

	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventTyping, err)
		return
	}
	if p.ConversationID == uuid.Nil {
		r.dropProtocol(c, EventTyping, nil)
		return
	}

	frame, err := Encode(EventUserTyping, UserTypingPayload{
		ConversationID: p.ConversationID,
		UserID:         id.UserID,
		Username:       id.Username,
		IsTyping:       p.IsTyping,
	})
	if err != nil {
		r.logger.Error("encode user_typing", zap.Error(err))
		return
	}
	r.hub.EmitToRoomExcept(p.ConversationID, c, frame)
}

// handleStartDirect resolves (or creates) the direct conversation
// between the caller and the target, then tells the caller which room
// to join. Resolution is idempotent per unordered pair, so mashing the
// button never forks a second conversation.
func (r *Router) handleStartDirect(ctx context.Context, c *Client, data json.RawMessage) {
	id, ok := r.hub.Identity(c)
	if !ok {
		r.dropUnauthenticated(c, EventStartDirect)
		return
	}

	var p StartDirectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.dropProtocol(c, EventStartDirect, err)
		return
	}
	if p.TargetUserID == uuid.Nil {
		r.dropProtocol(c, EventStartDirect, nil)
		return
	}

	conv, err := r.convs.GetOrCreateDirect(ctx, id.UserID, p.TargetUserID)
	if err != nil {
		r.logger.Error("resolve direct conversation",
			zap.String("user_id", id.UserID.String()),
			zap.String("target_user_id", p.TargetUserID.String()),
			zap.Error(err),
		)
		return
	}

	frame, err := Encode(EventConversationStarted, ConversationStartedPayload{ConversationID: conv.ID})
	if err != nil {
		r.logger.Error("encode conversation_started", zap.Error(err))
		return
	}
	r.hub.EmitToConn(c, frame)
}

// HandleDisconnect tears a connection down. Registry and room removal
// happen atomically inside Unregister; presence teardown follows for
// bound connections. Teardown gets a fresh bounded context because the
// connection's own context is gone by now.
func (r *Router) HandleDisconnect(c *Client) {
	id, bound := r.hub.Unregister(c)
	if !bound {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := r.users.SetOffline(ctx, id.UserID); err != nil {
		r.logger.Error("set user offline", zap.String("user_id", id.UserID.String()), zap.Error(err))
	}
	if err := r.presence.MarkOffline(ctx, id.UserID, id.Username); err != nil {
		r.logger.Error("mark user offline", zap.String("user_id", id.UserID.String()), zap.Error(err))
	}

	r.logger.Info("connection closed",
		zap.String("conn_id", c.ID().String()),
		zap.String("user_id", id.UserID.String()),
	)
}

// handleBackboneEvent receives every payload the backbone delivers to
// this instance — including this instance's own publishes — and re-emits
// to locally registered connections. new_message goes to the room;
// presence transitions go to everyone.
func (r *Router) handleBackboneEvent(channel string, payload []byte) {
	switch channel {
	case pubsub.ChannelNewMessage:
		var env pubsub.MessageEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			r.logger.Warn("malformed backbone message", zap.String("channel", channel), zap.Error(err))
			return
		}
		frame, err := Encode(EventNewMessage, NewMessagePayload{
			ConversationID: env.ConversationID,
			Message:        env.Message,
		})
		if err != nil {
			r.logger.Error("encode new_message", zap.Error(err))
			return
		}
		r.hub.EmitToRoom(env.ConversationID, frame)

	case pubsub.ChannelUserOnline, pubsub.ChannelUserOffline:
		var env pubsub.PresenceEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			r.logger.Warn("malformed backbone message", zap.String("channel", channel), zap.Error(err))
			return
		}
		event := EventUserOnline
		if channel == pubsub.ChannelUserOffline {
			event = EventUserOffline
		}
		frame, err := Encode(event, PresenceEventPayload{
			UserID:   env.UserID,
			Username: env.Username,
			LastSeen: env.LastSeen,
		})
		if err != nil {
			r.logger.Error("encode presence event", zap.Error(err))
			return
		}
		r.hub.BroadcastAll(frame)

	default:
		r.logger.Debug("ignoring unknown backbone channel", zap.String("channel", channel))
	}
}

func (r *Router) dropProtocol(c *Client, event string, err error) {
	r.logger.Debug("dropping invalid event",
		zap.String("conn_id", c.ID().String()),
		zap.String("event", event),
		zap.Error(err),
	)
}

func (r *Router) dropUnauthenticated(c *Client, event string) {
	r.logger.Debug("dropping event from unauthenticated connection",
		zap.String("conn_id", c.ID().String()),
		zap.String("event", event),
	)
}
