package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	// ErrTransient marks a storage failure that is safe to retry.
	ErrTransient = errors.New("storage temporarily unavailable")
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

type EdgeStatus string

const (
	EdgePending  EdgeStatus = "pending"
	EdgeAccepted EdgeStatus = "accepted"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// Username is the unique public handle, empty until the user picks one.
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// DeviceToken addresses the user's device at the push provider. It is
	// stored apart from the user record and never sent to clients.
	DeviceToken string `json:"-"`
}

// Snapshot is the denormalized last message of a conversation, for list views.
type Snapshot struct {
	Seq       int64       `json:"seq"`
	SenderID  string      `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"` // sorted
	CreatedAt    time.Time `json:"created_at"`
	LastMessage  *Snapshot `json:"last_message,omitempty"`

	// Unread is computed per reader, never stored.
	Unread int `json:"unread,omitempty"`
}

// ActiveTime is the time the conversation was last active.
func (c *Conversation) ActiveTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func (c *Conversation) HasParticipant(uid string) bool {
	return c.Participants[0] == uid || c.Participants[1] == uid
}

// Peer returns the other participant.
func (c *Conversation) Peer(uid string) string {
	if c.Participants[0] == uid {
		return c.Participants[1]
	}
	return c.Participants[0]
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Seq            int64       `json:"seq"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	MediaRef       string      `json:"media_ref,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Delivered      bool        `json:"delivered"`
	Read           bool        `json:"read"`
}

type FriendEdge struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	TargetID    string     `json:"target_id"`
	Status      EdgeStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Other returns the user on the other end of the edge.
func (e *FriendEdge) Other(uid string) string {
	if e.RequesterID == uid {
		return e.TargetID
	}
	return e.RequesterID
}

// AppendReq holds a fully validated message to append. ID and CreateTime are
// assigned by the caller, Seq by the store.
type AppendReq struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	MediaRef       string
	CreateTime     time.Time

	// A second append with the same (sender, conversation, IdempotencyKey)
	// returns the first message. The chat layer always sets the key, an empty
	// one disables the check.
	IdempotencyKey string
}

type UserStore interface {
	// CreateUser inserts the user if absent, returns the stored record.
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	SetDisplayName(ctx context.Context, id, name string) error
	// SetUsername claims username for user id, releasing its previous one.
	// ErrDuplicate if another user holds it.
	SetUsername(ctx context.Context, id, username string) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// SetDeviceToken replaces the push device token, empty clears it.
	SetDeviceToken(ctx context.Context, id, token string) error
}

type ConversationStore interface {
	// CreateConversation inserts the conversation if absent. It returns the
	// stored record and whether this call created it.
	CreateConversation(ctx context.Context, c *Conversation) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations lists conversations of the user, unordered.
	ListConversations(ctx context.Context, uid string) ([]*Conversation, error)
}

type MessageStore interface {
	// Append assigns the next seq of the conversation, writes the message,
	// updates the conversation snapshot and records the idempotency key, all in
	// one transaction. The bool is true when an earlier message was returned
	// for a repeated idempotency key.
	Append(ctx context.Context, req *AppendReq) (*Message, bool, error)

	// GetMessages gets at most limit messages with seq > afterSeq, order by seq ASC.
	GetMessages(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Message, error)
	GetMessage(ctx context.Context, convID string, seq int64) (*Message, error)

	// SetDelivered sets the message as delivered, returns true if it changed.
	SetDelivered(ctx context.Context, convID string, seq int64) (bool, error)

	// MarkRead sets read and delivered on messages not sent by reader with
	// seq <= upToSeq. Returns the number of changed messages.
	MarkRead(ctx context.Context, convID, reader string, upToSeq int64) (int, error)

	// CountUnread counts messages not sent by reader that are not read.
	CountUnread(ctx context.Context, convID, reader string) (int, error)

	// DeleteExpiredIdempotencyKeys deletes keys created before given time.
	DeleteExpiredIdempotencyKeys(ctx context.Context, before time.Time) (int, error)
}

type FriendStore interface {
	// CreateFriendEdge fails with ErrDuplicate if an edge exists for the pair.
	CreateFriendEdge(ctx context.Context, e *FriendEdge) error
	GetFriendEdge(ctx context.Context, id string) (*FriendEdge, error)
	// AcceptFriendEdge flips a pending edge to accepted.
	AcceptFriendEdge(ctx context.Context, id string) (*FriendEdge, error)
	DeleteFriendEdge(ctx context.Context, id string) error
	// DeletePendingFriendEdge deletes edge id only while it is pending, an
	// accepted or missing edge is ErrNotFound.
	DeletePendingFriendEdge(ctx context.Context, id string) error
	// GetFriendEdgeByPair gets the edge of an unordered pair.
	GetFriendEdgeByPair(ctx context.Context, a, b string) (*FriendEdge, error)
	// ListFriendEdges lists all edges the user is on either end of.
	ListFriendEdges(ctx context.Context, uid string) ([]*FriendEdge, error)
}

type Store interface {
	UserStore
	ConversationStore
	MessageStore
	FriendStore
	Close() error
}
