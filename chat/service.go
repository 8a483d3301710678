package chat

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

// Service is the set of operations exposed to clients. Every uid argument is
// the resolved caller, never a client supplied value.
type Service struct {
	conf       Config
	Sessions   *Sessions
	Registry   *Registry
	Log        *MessageLog
	Graph      *Graph
	presence   *presence.Tracker
	dispatcher *fanout.Dispatcher
	limiter    *auth.LimiterPool
}

// NewService wires the components on st. limiter may be nil.
func NewService(conf Config, st store.Store, authClient auth.Client, tracker *presence.Tracker,
	dispatcher *fanout.Dispatcher, limiter *auth.LimiterPool) *Service {
	conf.setDefaults()
	registry := NewRegistry(st, st)
	return &Service{
		conf:       conf,
		Sessions:   NewSessions(authClient, st),
		Registry:   registry,
		Log:        NewMessageLog(conf, registry, st, dispatcher, tracker),
		Graph:      NewGraph(st, st, registry),
		presence:   tracker,
		dispatcher: dispatcher,
		limiter:    limiter,
	}
}

func (s *Service) Resolve(ctx context.Context, token string) (*store.User, error) {
	return s.Sessions.Resolve(ctx, token)
}

func (s *Service) SetDisplayName(ctx context.Context, uid, name string) error {
	return s.Sessions.SetDisplayName(ctx, uid, name)
}

func (s *Service) SetUsername(ctx context.Context, uid, username string) (string, error) {
	return s.Sessions.SetUsername(ctx, uid, username)
}

// FindUser looks a user up by username.
func (s *Service) FindUser(ctx context.Context, username string) (*store.User, error) {
	return s.Sessions.FindByUsername(ctx, username)
}

func (s *Service) GetUsers(ctx context.Context, ids []string) ([]*store.User, error) {
	return s.Sessions.GetUsers(ctx, ids)
}

func (s *Service) SetDeviceToken(ctx context.Context, uid, token string) error {
	return s.Sessions.SetDeviceToken(ctx, uid, token)
}

func (s *Service) SendMessage(ctx context.Context, req *AppendRequest) (*store.Message, error) {
	if s.limiter != nil && !s.limiter.Allow(req.SenderID) {
		return nil, fmt.Errorf("%w: too many messages from %s", ErrRateLimited, req.SenderID)
	}
	return s.Log.Append(ctx, req)
}

func (s *Service) FetchHistory(ctx context.Context, uid, convID string, after int64, limit int) ([]*store.Message, error) {
	return s.Log.Read(ctx, convID, uid, after, limit)
}

func (s *Service) MarkRead(ctx context.Context, uid, sessionID, convID string, upTo int64) (int, error) {
	return s.Log.MarkRead(ctx, convID, uid, upTo, sessionID)
}

func (s *Service) AckDelivery(ctx context.Context, uid, convID string, seq int64) (bool, error) {
	return s.Log.AckDelivery(ctx, convID, uid, seq)
}

// OpenConversation returns the conversation with peer, creating it. With
// RequireFriendship the pair must be friends.
func (s *Service) OpenConversation(ctx context.Context, uid, peer string) (*store.Conversation, error) {
	if peer == "" || peer == uid {
		return nil, invalidArgument("peer_id: should be another user")
	}
	if _, err := s.Sessions.GetUser(ctx, peer); err != nil {
		return nil, err
	}
	if s.conf.RequireFriendship {
		ok, err := s.Graph.AreFriends(ctx, uid, peer)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s and %s are not friends", ErrPermission, uid, peer)
		}
	}
	return s.Registry.GetOrCreate(ctx, uid, peer)
}

func (s *Service) GetConversation(ctx context.Context, uid, convID string) (*store.Conversation, error) {
	return s.Registry.GetFor(ctx, convID, uid)
}

func (s *Service) ListConversations(ctx context.Context, uid string) ([]*store.Conversation, error) {
	return s.Registry.ListFor(ctx, uid)
}

// SetTyping updates presence and tells the peer, typing events are never
// stored nor pushed.
func (s *Service) SetTyping(ctx context.Context, uid, convID string, typing bool) error {
	conv, err := s.Registry.GetFor(ctx, convID, uid)
	if err != nil {
		return err
	}
	s.presence.SetTyping(uid, conv.ID, typing)
	s.dispatcher.Publish(&fanout.Event{
		Kind:           fanout.EventTyping,
		ConversationID: conv.ID,
		SenderID:       uid,
		Recipients:     []string{conv.Peer(uid)},
		Typing:         typing,
	})
	return nil
}

// Heartbeat marks uid online and keeps the session's subscriptions alive.
func (s *Service) Heartbeat(uid, sessionID string) {
	s.presence.Heartbeat(uid)
	if sessionID != "" {
		s.dispatcher.TouchSession(sessionID)
	}
}

func (s *Service) PresenceOf(uid string) presence.Status {
	return s.presence.StatusOf(uid)
}

// Subscribe subscribes a session to convID, or to all of uid's
// conversations when convID is empty.
func (s *Service) Subscribe(ctx context.Context, uid, sessionID, convID string) (*fanout.Subscription, error) {
	if convID != "" {
		if _, err := s.Registry.GetFor(ctx, convID, uid); err != nil {
			return nil, err
		}
	}
	s.presence.Heartbeat(uid)
	return s.dispatcher.Subscribe(uid, sessionID, convID), nil
}

func (s *Service) Unsubscribe(sub *fanout.Subscription) {
	s.dispatcher.Unsubscribe(sub)
}

// CloseSession cancels the session's subscriptions. uid goes offline when it
// was its last session.
func (s *Service) CloseSession(uid, sessionID string, lastSession bool) {
	n := s.dispatcher.CloseSession(sessionID)
	glog.V(5).Infof("service: session %s of %s closed, %d subscriptions cancelled", sessionID, uid, n)
	if lastSession {
		s.presence.Offline(uid)
	}
}

func (s *Service) RequestFriend(ctx context.Context, uid, target string) (*store.FriendEdge, error) {
	return s.Graph.Request(ctx, uid, target)
}

func (s *Service) RequestFriendByUsername(ctx context.Context, uid, username string) (*store.FriendEdge, error) {
	return s.Graph.RequestByUsername(ctx, uid, username)
}

// RespondFriend accepts or rejects a request. The conversation is returned
// on accept.
func (s *Service) RespondFriend(ctx context.Context, uid, edgeID string, accept bool) (*store.FriendEdge, *store.Conversation, error) {
	if accept {
		return s.Graph.Accept(ctx, uid, edgeID)
	}
	return nil, nil, s.Graph.Reject(ctx, uid, edgeID)
}

func (s *Service) RemoveFriend(ctx context.Context, uid, friendID string) error {
	return s.Graph.Remove(ctx, uid, friendID)
}

func (s *Service) ListFriends(ctx context.Context, uid string) ([]*Friend, error) {
	return s.Graph.ListFriends(ctx, uid)
}

func (s *Service) ListIncoming(ctx context.Context, uid string) ([]*store.FriendEdge, error) {
	return s.Graph.ListIncoming(ctx, uid)
}
