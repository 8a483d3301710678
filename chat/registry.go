package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/store"
)

// Registry maps user pairs to their conversation.
type Registry struct {
	convs store.ConversationStore
	msgs  store.MessageStore
	now   func() time.Time
}

func NewRegistry(convs store.ConversationStore, msgs store.MessageStore) *Registry {
	return &Registry{convs: convs, msgs: msgs, now: time.Now}
}

// GetOrCreate returns the conversation of a and b, creating it if absent.
// Concurrent calls for the same pair, in either order, get the same record.
func (r *Registry) GetOrCreate(ctx context.Context, a, b string) (*store.Conversation, error) {
	if a == "" || b == "" {
		return nil, invalidArgument("participant: should not be empty")
	}
	if a == b {
		return nil, invalidArgument("participant: can not talk to self")
	}
	lo, hi := store.SortPair(a, b)
	c, created, err := r.convs.CreateConversation(ctx, &store.Conversation{
		ID:           store.ConversationID(lo, hi),
		Participants: [2]string{lo, hi},
		CreatedAt:    r.now(),
	})
	if err != nil {
		storeErrorCounter.WithLabelValues("create_conversation").Inc()
		return nil, err
	}
	if created {
		glog.V(5).Infof("registry: created conversation %s for %s and %s", c.ID, lo, hi)
	}
	return c, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return r.convs.GetConversation(ctx, id)
}

// GetFor returns the conversation if uid participates in it.
func (r *Registry) GetFor(ctx context.Context, id, uid string) (*store.Conversation, error) {
	if id == "" {
		return nil, invalidArgument("conversation_id: should not be empty")
	}
	c, err := r.convs.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(uid) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, uid, id)
	}
	return c, nil
}

// ListFor lists conversations of uid by last activity, newest first, ties
// broken by id. Unread is filled for uid.
func (r *Registry) ListFor(ctx context.Context, uid string) ([]*store.Conversation, error) {
	list, err := r.convs.ListConversations(ctx, uid)
	if err != nil {
		storeErrorCounter.WithLabelValues("list_conversations").Inc()
		return nil, err
	}
	for _, c := range list {
		if c.LastMessage == nil {
			continue
		}
		n, err := r.msgs.CountUnread(ctx, c.ID, uid)
		if err != nil {
			// the list is still useful without counters.
			glog.Errorf("registry: count unread of %s error: %v", c.ID, err)
			continue
		}
		c.Unread = n
	}
	SortByActivity(list)
	return list, nil
}

// SortByActivity orders conversations by last activity desc, then id asc.
func SortByActivity(list []*store.Conversation) {
	sort.Slice(list, func(i, j int) bool {
		ti, tj := list[i].ActiveTime(), list[j].ActiveTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].ID < list[j].ID
	})
}
