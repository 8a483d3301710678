package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketUserConvs     = []byte("user_convs")
	bucketMessages      = []byte("messages")
	bucketIdempotency   = []byte("idempotency")
	bucketFriendEdges   = []byte("friend_edges")
	bucketFriendPairs   = []byte("friend_pairs")
	bucketUserEdges     = []byte("user_edges")
	// username -> user id
	bucketUsernames = []byte("usernames")
	// user id -> device token
	bucketDeviceTokens = []byte("device_tokens")

	allBuckets = [][]byte{
		bucketUsers, bucketConversations, bucketUserConvs, bucketMessages,
		bucketIdempotency, bucketFriendEdges, bucketFriendPairs, bucketUserEdges,
		bucketUsernames, bucketDeviceTokens,
	}
)

type idemRecord struct {
	Seq        int64     `json:"seq"`
	CreateTime time.Time `json:"create_time"`
}

// BoltStore implements interface `Store` on an embedded bbolt file. bbolt
// allows one writer at a time, every Append is atomic with its snapshot.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: open %s: %v", ErrTransient, path, err)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func idemKey(sender, conv, key string) []byte {
	return []byte(sender + "\x00" + conv + "\x00" + key)
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// update runs fn in a write transaction unless ctx is already done.
func (s *BoltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BoltStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	var out *User
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		if out, err = getUser(tx, u.ID); !errors.Is(err, ErrNotFound) {
			return err
		}
		// handles are claimed by SetUsername only.
		nu := *u
		nu.Username, nu.DeviceToken = "", ""
		out = &nu
		return putJSON(tx.Bucket(bucketUsers), []byte(u.ID), out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getUser(tx *bbolt.Tx, id string) (*User, error) {
	var u User
	ok, err := getJSON(tx.Bucket(bucketUsers), []byte(id), &u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.DeviceToken = string(tx.Bucket(bucketDeviceTokens).Get([]byte(id)))
	return &u, nil
}

func (s *BoltStore) GetUser(ctx context.Context, id string) (*User, error) {
	var out *User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		out, err = getUser(tx, id)
		return err
	})
	return out, err
}

func (s *BoltStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var out *User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return fmt.Errorf("username %s: %w", username, ErrNotFound)
		}
		var err error
		out, err = getUser(tx, string(id))
		return err
	})
	return out, err
}

func (s *BoltStore) SetDisplayName(ctx context.Context, id, name string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		u.DisplayName = name
		return putJSON(tx.Bucket(bucketUsers), []byte(id), u)
	})
}

func (s *BoltStore) SetUsername(ctx context.Context, id, username string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		names := tx.Bucket(bucketUsernames)
		if owner := names.Get([]byte(username)); owner != nil {
			if string(owner) == id {
				return nil
			}
			return fmt.Errorf("username %s: %w", username, ErrDuplicate)
		}
		if u.Username != "" {
			if err := names.Delete([]byte(u.Username)); err != nil {
				return err
			}
		}
		if err := names.Put([]byte(username), []byte(id)); err != nil {
			return err
		}
		u.Username = username
		return putJSON(tx.Bucket(bucketUsers), []byte(id), u)
	})
}

func (s *BoltStore) SetDeviceToken(ctx context.Context, id, token string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if _, err := getUser(tx, id); err != nil {
			return err
		}
		b := tx.Bucket(bucketDeviceTokens)
		if token == "" {
			return b.Delete([]byte(id))
		}
		return b.Put([]byte(id), []byte(token))
	})
}

func (s *BoltStore) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	var out Conversation
	var created bool
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if ok, err := getJSON(b, []byte(c.ID), &out); ok || err != nil {
			return err
		}
		out = *c
		out.Unread = 0
		if err := putJSON(b, []byte(c.ID), &out); err != nil {
			return err
		}
		for _, uid := range c.Participants {
			ub, err := tx.Bucket(bucketUserConvs).CreateBucketIfNotExists([]byte(uid))
			if err != nil {
				return err
			}
			if err := ub.Put([]byte(c.ID), nil); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (s *BoltStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketConversations), []byte(id), &out)
		if err == nil && !ok {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) ListConversations(ctx context.Context, uid string) ([]*Conversation, error) {
	var out []*Conversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUserConvs).Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		convs := tx.Bucket(bucketConversations)
		return ub.ForEach(func(k, _ []byte) error {
			var c Conversation
			ok, err := getJSON(convs, k, &c)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &c)
			} else {
				glog.Errorf("bolt: dangling conversation index, uid: %s, conversation: %s", uid, k)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Append(ctx context.Context, req *AppendReq) (*Message, bool, error) {
	var out *Message
	var dup bool

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		var c Conversation
		ok, err := getJSON(convs, []byte(req.ConversationID), &c)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conversation %s: %w", req.ConversationID, ErrNotFound)
		}

		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(req.ConversationID))
		if err != nil {
			return err
		}

		var ik []byte
		if req.IdempotencyKey != "" {
			ik = idemKey(req.SenderID, req.ConversationID, req.IdempotencyKey)
			var rec idemRecord
			if ok, err := getJSON(tx.Bucket(bucketIdempotency), ik, &rec); err != nil {
				return err
			} else if ok {
				var m Message
				if ok, err := getJSON(msgs, seqKey(rec.Seq), &m); err != nil {
					return err
				} else if !ok {
					return fmt.Errorf("message %s/%d: %w", req.ConversationID, rec.Seq, ErrNotFound)
				}
				out, dup = &m, true
				return nil
			}
		}

		var lastSeq int64
		if c.LastMessage != nil {
			lastSeq = c.LastMessage.Seq
		}

		m := &Message{
			ID:             req.ID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Seq:            lastSeq + 1,
			Content:        req.Content,
			Kind:           req.Kind,
			MediaRef:       req.MediaRef,
			CreatedAt:      req.CreateTime,
		}
		if err := putJSON(msgs, seqKey(m.Seq), m); err != nil {
			return err
		}

		c.LastMessage = snapshotOf(m)
		if err := putJSON(convs, []byte(c.ID), &c); err != nil {
			return err
		}

		if ik != nil {
			if err := putJSON(tx.Bucket(bucketIdempotency), ik, &idemRecord{Seq: m.Seq, CreateTime: m.CreatedAt}); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, dup, nil
}

func (s *BoltStore) GetMessages(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Message, error) {
	var out []*Message
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if msgs == nil {
			return nil
		}
		c := msgs.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetMessage(ctx context.Context, convID string, seq int64) (*Message, error) {
	var out Message
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if msgs != nil {
			if ok, err := getJSON(msgs, seqKey(seq), &out); ok || err != nil {
				return err
			}
		}
		return fmt.Errorf("message %s/%d: %w", convID, seq, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) SetDelivered(ctx context.Context, convID string, seq int64) (bool, error) {
	var changed bool
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if msgs == nil {
			return fmt.Errorf("message %s/%d: %w", convID, seq, ErrNotFound)
		}
		var m Message
		ok, err := getJSON(msgs, seqKey(seq), &m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("message %s/%d: %w", convID, seq, ErrNotFound)
		}
		if m.Delivered {
			return nil
		}
		m.Delivered = true
		changed = true
		return putJSON(msgs, seqKey(seq), &m)
	})
	return changed, err
}

func (s *BoltStore) MarkRead(ctx context.Context, convID, reader string, upToSeq int64) (int, error) {
	var n int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if msgs == nil {
			return nil
		}
		upTo := seqKey(upToSeq)
		c := msgs.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, upTo) <= 0; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SenderID == reader || m.Read {
				continue
			}
			m.Read, m.Delivered = true, true
			if err := putJSON(msgs, k, &m); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) CountUnread(ctx context.Context, convID, reader string) (int, error) {
	var n int
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SenderID != reader && !m.Read {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *BoltStore) DeleteExpiredIdempotencyKeys(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec idemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreateTime.Before(before) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		// deleting while iterating with ForEach is not allowed.
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

func (s *BoltStore) CreateFriendEdge(ctx context.Context, e *FriendEdge) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketFriendPairs)
		pk := []byte(PairKey(e.RequesterID, e.TargetID))
		if pairs.Get(pk) != nil {
			return fmt.Errorf("friend edge %s-%s: %w", e.RequesterID, e.TargetID, ErrDuplicate)
		}
		if err := pairs.Put(pk, []byte(e.ID)); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketFriendEdges), []byte(e.ID), e); err != nil {
			return err
		}
		for _, uid := range []string{e.RequesterID, e.TargetID} {
			ub, err := tx.Bucket(bucketUserEdges).CreateBucketIfNotExists([]byte(uid))
			if err != nil {
				return err
			}
			if err := ub.Put([]byte(e.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func getEdge(tx *bbolt.Tx, id string) (*FriendEdge, error) {
	var e FriendEdge
	ok, err := getJSON(tx.Bucket(bucketFriendEdges), []byte(id), &e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("friend edge %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (s *BoltStore) GetFriendEdge(ctx context.Context, id string) (*FriendEdge, error) {
	var out *FriendEdge
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		out, err = getEdge(tx, id)
		return err
	})
	return out, err
}

func (s *BoltStore) GetFriendEdgeByPair(ctx context.Context, a, b string) (*FriendEdge, error) {
	var out *FriendEdge
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketFriendPairs).Get([]byte(PairKey(a, b)))
		if id == nil {
			return fmt.Errorf("friend edge %s-%s: %w", a, b, ErrNotFound)
		}
		var err error
		out, err = getEdge(tx, string(id))
		return err
	})
	return out, err
}

func (s *BoltStore) AcceptFriendEdge(ctx context.Context, id string) (*FriendEdge, error) {
	var out *FriendEdge
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		e, err := getEdge(tx, id)
		if err != nil {
			return err
		}
		if e.Status == EdgePending {
			e.Status = EdgeAccepted
			if err := putJSON(tx.Bucket(bucketFriendEdges), []byte(id), e); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	return out, err
}

func deleteEdge(tx *bbolt.Tx, e *FriendEdge) error {
	if err := tx.Bucket(bucketFriendEdges).Delete([]byte(e.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketFriendPairs).Delete([]byte(PairKey(e.RequesterID, e.TargetID))); err != nil {
		return err
	}
	for _, uid := range []string{e.RequesterID, e.TargetID} {
		if ub := tx.Bucket(bucketUserEdges).Bucket([]byte(uid)); ub != nil {
			if err := ub.Delete([]byte(e.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BoltStore) DeleteFriendEdge(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		e, err := getEdge(tx, id)
		if err != nil {
			return err
		}
		return deleteEdge(tx, e)
	})
}

func (s *BoltStore) DeletePendingFriendEdge(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		e, err := getEdge(tx, id)
		if err != nil {
			return err
		}
		if e.Status != EdgePending {
			return fmt.Errorf("pending friend edge %s: %w", id, ErrNotFound)
		}
		return deleteEdge(tx, e)
	})
}

func (s *BoltStore) ListFriendEdges(ctx context.Context, uid string) ([]*FriendEdge, error) {
	var out []*FriendEdge
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUserEdges).Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(k, _ []byte) error {
			e, err := getEdge(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
