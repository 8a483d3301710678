package ws

import (
	"context"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

// ChatApi serves websocket client requests on behalf of a session.
type ChatApi struct {
	svc *chat.Service
}

func NewApi(svc *chat.Service) *ChatApi {
	return &ChatApi{svc: svc}
}

func (a *ChatApi) SendMessage(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.SendMessage
	m, err := a.svc.SendMessage(ctx, &chat.AppendRequest{
		ConversationID:  v.ConversationID,
		SenderID:        sess.Uid,
		Content:         v.Content,
		Kind:            v.Kind,
		MediaRef:        v.MediaRef,
		MIMEType:        v.MIMEType,
		IdempotencyKey:  v.IdempotencyKey,
		OriginSessionID: sess.Sid,
	})
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Message: m}, nil
}

func (a *ChatApi) FetchHistory(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.FetchHistory
	out, err := a.svc.FetchHistory(ctx, sess.Uid, v.ConversationID, v.AfterSeq, v.Limit)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Messages: out}, nil
}

func (a *ChatApi) SetTyping(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.SetTyping
	if err := a.svc.SetTyping(ctx, sess.Uid, v.ConversationID, v.Typing); err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{}, nil
}

func (a *ChatApi) Heartbeat(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	a.svc.Heartbeat(sess.Uid, sess.Sid)
	return &wire.ServerMsg{}, nil
}

func (a *ChatApi) MarkRead(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.MarkRead
	n, err := a.svc.MarkRead(ctx, sess.Uid, sess.Sid, v.ConversationID, v.UpToSeq)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Changed: n}, nil
}

func (a *ChatApi) AckDelivery(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.AckDelivery
	changed, err := a.svc.AckDelivery(ctx, sess.Uid, v.ConversationID, v.Seq)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	resp := &wire.ServerMsg{}
	if changed {
		resp.Changed = 1
	}
	return resp, nil
}

func (a *ChatApi) RequestFriend(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.RequestFriend
	var e *store.FriendEdge
	var err error
	if v.TargetID == "" && v.Username != "" {
		e, err = a.svc.RequestFriendByUsername(ctx, sess.Uid, v.Username)
	} else {
		e, err = a.svc.RequestFriend(ctx, sess.Uid, v.TargetID)
	}
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{FriendEdge: e}, nil
}

func (a *ChatApi) RespondFriend(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	v := req.RespondFriend
	e, c, err := a.svc.RespondFriend(ctx, sess.Uid, v.EdgeID, v.Accept)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{FriendEdge: e, Conversation: c}, nil
}

func (a *ChatApi) RemoveFriend(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	if err := a.svc.RemoveFriend(ctx, sess.Uid, req.RemoveFriend.FriendID); err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{}, nil
}

func (a *ChatApi) ListConversations(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	list, err := a.svc.ListConversations(ctx, sess.Uid)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Conversations: list}, nil
}

func (a *ChatApi) ListFriends(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	list, err := a.svc.ListFriends(ctx, sess.Uid)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Friends: list}, nil
}

func (a *ChatApi) ListIncoming(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	list, err := a.svc.ListIncoming(ctx, sess.Uid)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Incoming: list}, nil
}

func (a *ChatApi) OpenConversation(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	c, err := a.svc.OpenConversation(ctx, sess.Uid, req.OpenConversation.PeerID)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Conversation: c}, nil
}

func (a *ChatApi) Presence(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	uid := req.Presence.UserID
	if uid == "" {
		return nil, wire.InvalidArgument(req, "user_id: should not be empty")
	}
	st := a.svc.PresenceOf(uid)
	return &wire.ServerMsg{Presence: &st}, nil
}

func (a *ChatApi) SetDisplayName(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	if err := a.svc.SetDisplayName(ctx, sess.Uid, req.SetDisplayName.DisplayName); err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{}, nil
}

func (a *ChatApi) SetUsername(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	if _, err := a.svc.SetUsername(ctx, sess.Uid, req.SetUsername.Username); err != nil {
		return nil, wire.NewError(req, err)
	}
	u, err := a.svc.Sessions.GetUser(ctx, sess.Uid)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{User: u}, nil
}

func (a *ChatApi) FindUser(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	u, err := a.svc.FindUser(ctx, req.FindUser.Username)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{User: u}, nil
}

func (a *ChatApi) GetUsers(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	list, err := a.svc.GetUsers(ctx, req.GetUsers.IDs)
	if err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{Users: list}, nil
}

func (a *ChatApi) SetDeviceToken(ctx context.Context, sess *Session, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	if err := a.svc.SetDeviceToken(ctx, sess.Uid, req.SetDeviceToken.DeviceToken); err != nil {
		return nil, wire.NewError(req, err)
	}
	return &wire.ServerMsg{}, nil
}
