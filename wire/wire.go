// Package wire defines the JSON messages exchanged with clients. A ClientMsg
// carries exactly one request; the ServerMsg answering it echoes its id.
package wire

import (
	"google.golang.org/grpc/codes"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

type ClientMsg struct {
	ID string `json:"id,omitempty"`

	SendMessage       *SendMessageReq       `json:"send_message,omitempty"`
	FetchHistory      *FetchHistoryReq      `json:"fetch_history,omitempty"`
	Subscribe         *SubscribeReq         `json:"subscribe,omitempty"`
	Unsubscribe       *UnsubscribeReq       `json:"unsubscribe,omitempty"`
	SetTyping         *SetTypingReq         `json:"set_typing,omitempty"`
	Heartbeat         *HeartbeatReq         `json:"heartbeat,omitempty"`
	MarkRead          *MarkReadReq          `json:"mark_read,omitempty"`
	AckDelivery       *AckDeliveryReq       `json:"ack_delivery,omitempty"`
	RequestFriend     *RequestFriendReq     `json:"request_friend,omitempty"`
	RespondFriend     *RespondFriendReq     `json:"respond_friend,omitempty"`
	RemoveFriend      *RemoveFriendReq      `json:"remove_friend,omitempty"`
	ListConversations *ListConversationsReq `json:"list_conversations,omitempty"`
	ListFriends       *ListFriendsReq       `json:"list_friends,omitempty"`
	ListIncoming      *ListIncomingReq      `json:"list_incoming,omitempty"`
	OpenConversation  *OpenConversationReq  `json:"open_conversation,omitempty"`
	Presence          *PresenceReq          `json:"presence,omitempty"`
	SetDisplayName    *SetDisplayNameReq    `json:"set_display_name,omitempty"`
	SetUsername       *SetUsernameReq       `json:"set_username,omitempty"`
	FindUser          *FindUserReq          `json:"find_user,omitempty"`
	GetUsers          *GetUsersReq          `json:"get_users,omitempty"`
	SetDeviceToken    *SetDeviceTokenReq    `json:"set_device_token,omitempty"`
}

type SendMessageReq struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content,omitempty"`
	Kind           store.MessageKind `json:"kind,omitempty"`
	MediaRef       string            `json:"media_ref,omitempty"`
	MIMEType       string            `json:"mime_type,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type FetchHistoryReq struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       int64  `json:"after_seq"`
	Limit          int    `json:"limit,omitempty"`
}

// SubscribeReq subscribes to one conversation, or to all when empty.
type SubscribeReq struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type UnsubscribeReq struct {
	SubscriptionID string `json:"subscription_id"`
}

type SetTypingReq struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type HeartbeatReq struct{}

type MarkReadReq struct {
	ConversationID string `json:"conversation_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

type AckDeliveryReq struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

// RequestFriendReq names the target by id or, when TargetID is empty, by
// username.
type RequestFriendReq struct {
	TargetID string `json:"target_id,omitempty"`
	Username string `json:"username,omitempty"`
}

type RespondFriendReq struct {
	EdgeID string `json:"edge_id"`
	Accept bool   `json:"accept"`
}

type RemoveFriendReq struct {
	FriendID string `json:"friend_id"`
}

type ListConversationsReq struct{}

type ListFriendsReq struct{}

type ListIncomingReq struct{}

type OpenConversationReq struct {
	PeerID string `json:"peer_id"`
}

type PresenceReq struct {
	UserID string `json:"user_id"`
}

type SetDisplayNameReq struct {
	DisplayName string `json:"display_name"`
}

type SetUsernameReq struct {
	Username string `json:"username"`
}

type FindUserReq struct {
	Username string `json:"username"`
}

type GetUsersReq struct {
	IDs []string `json:"ids"`
}

type SetDeviceTokenReq struct {
	DeviceToken string `json:"device_token"`
}

// Op names the request carried by m, "" if none.
func (m *ClientMsg) Op() string {
	switch {
	case m.SendMessage != nil:
		return "send_message"
	case m.FetchHistory != nil:
		return "fetch_history"
	case m.Subscribe != nil:
		return "subscribe"
	case m.Unsubscribe != nil:
		return "unsubscribe"
	case m.SetTyping != nil:
		return "set_typing"
	case m.Heartbeat != nil:
		return "heartbeat"
	case m.MarkRead != nil:
		return "mark_read"
	case m.AckDelivery != nil:
		return "ack_delivery"
	case m.RequestFriend != nil:
		return "request_friend"
	case m.RespondFriend != nil:
		return "respond_friend"
	case m.RemoveFriend != nil:
		return "remove_friend"
	case m.ListConversations != nil:
		return "list_conversations"
	case m.ListFriends != nil:
		return "list_friends"
	case m.ListIncoming != nil:
		return "list_incoming"
	case m.OpenConversation != nil:
		return "open_conversation"
	case m.Presence != nil:
		return "presence"
	case m.SetDisplayName != nil:
		return "set_display_name"
	case m.SetUsername != nil:
		return "set_username"
	case m.FindUser != nil:
		return "find_user"
	case m.GetUsers != nil:
		return "get_users"
	case m.SetDeviceToken != nil:
		return "set_device_token"
	}
	return ""
}

// ServerMsg is either a reply, an error, a pushed event or a kickoff notice.
type ServerMsg struct {
	ID    string `json:"id,omitempty"`
	Error *Error `json:"error,omitempty"`

	Message        *store.Message        `json:"message,omitempty"`
	Messages       []*store.Message      `json:"messages,omitempty"`
	SubscriptionID string                `json:"subscription_id,omitempty"`
	Changed        int                   `json:"changed,omitempty"`
	Conversation   *store.Conversation   `json:"conversation,omitempty"`
	Conversations  []*store.Conversation `json:"conversations,omitempty"`
	FriendEdge     *store.FriendEdge     `json:"friend_edge,omitempty"`
	Friends        []*chat.Friend        `json:"friends,omitempty"`
	Incoming       []*store.FriendEdge   `json:"incoming,omitempty"`
	Presence       *presence.Status      `json:"presence,omitempty"`
	User           *store.User           `json:"user,omitempty"`
	Users          []*store.User         `json:"users,omitempty"`

	Event   *fanout.Event `json:"event,omitempty"`
	Kickoff bool          `json:"kickoff,omitempty"`
}

// Error is an error reply. Code numbers are gRPC status codes.
type Error struct {
	Code   codes.Code `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}
