package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/store"
)

// Friend is an accepted friend edge seen from one side.
type Friend struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	EdgeID      string    `json:"edge_id"`
	Since       time.Time `json:"since"`
}

// Graph is the friend relationship graph. At most one edge exists per
// unordered user pair.
type Graph struct {
	edges    store.FriendStore
	users    store.UserStore
	registry *Registry
	now      func() time.Time
}

func NewGraph(edges store.FriendStore, users store.UserStore, registry *Registry) *Graph {
	return &Graph{edges: edges, users: users, registry: registry, now: time.Now}
}

// Request creates a pending edge from -> to.
func (g *Graph) Request(ctx context.Context, from, to string) (*store.FriendEdge, error) {
	if to == "" {
		return nil, invalidArgument("target_id: should not be empty")
	}
	if from == to {
		return nil, invalidArgument("target_id: can not befriend self")
	}
	if _, err := g.users.GetUser(ctx, to); err != nil {
		return nil, err
	}
	e := &store.FriendEdge{
		ID:          strings.ReplaceAll(uuid.New(), "-", ""),
		RequesterID: from,
		TargetID:    to,
		Status:      store.EdgePending,
		CreatedAt:   g.now(),
	}
	if err := g.edges.CreateFriendEdge(ctx, e); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			storeErrorCounter.WithLabelValues("create_friend_edge").Inc()
		}
		return nil, err
	}
	glog.V(5).Infof("graph: friend request %s from %s to %s", e.ID, from, to)
	return e, nil
}

// RequestByUsername creates a pending edge to the holder of username.
func (g *Graph) RequestByUsername(ctx context.Context, from, username string) (*store.FriendEdge, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	u, err := g.users.GetUserByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	return g.Request(ctx, from, u.ID)
}

// pendingFor loads edge id and checks uid is the target of a pending request.
func (g *Graph) pendingFor(ctx context.Context, uid, id string) (*store.FriendEdge, error) {
	if id == "" {
		return nil, invalidArgument("edge_id: should not be empty")
	}
	e, err := g.edges.GetFriendEdge(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.TargetID != uid {
		return nil, fmt.Errorf("%w: only the target can respond to friend request %s", ErrPermission, id)
	}
	if e.Status != store.EdgePending {
		return nil, invalidArgument("friend request %s is not pending", id)
	}
	return e, nil
}

// Accept accepts a pending request targeted at uid and opens the
// conversation of the pair.
func (g *Graph) Accept(ctx context.Context, uid, id string) (*store.FriendEdge, *store.Conversation, error) {
	if _, err := g.pendingFor(ctx, uid, id); err != nil {
		return nil, nil, err
	}
	e, err := g.edges.AcceptFriendEdge(ctx, id)
	if err != nil {
		storeErrorCounter.WithLabelValues("accept_friend_edge").Inc()
		return nil, nil, err
	}
	c, err := g.registry.GetOrCreate(ctx, e.RequesterID, e.TargetID)
	if err != nil {
		return nil, nil, err
	}
	return e, c, nil
}

// Reject deletes a pending request targeted at uid.
func (g *Graph) Reject(ctx context.Context, uid, id string) error {
	if _, err := g.pendingFor(ctx, uid, id); err != nil {
		return err
	}
	// an accept racing in between wins, the edge is no longer pending.
	if err := g.edges.DeletePendingFriendEdge(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalidArgument("friend request %s is not pending", id)
		}
		return err
	}
	return nil
}

// Remove deletes the accepted edge between uid and friendID. Conversation
// history is kept.
func (g *Graph) Remove(ctx context.Context, uid, friendID string) error {
	e, err := g.edges.GetFriendEdgeByPair(ctx, uid, friendID)
	if err != nil {
		return err
	}
	if e.Status != store.EdgeAccepted {
		return fmt.Errorf("%s and %s are not friends: %w", uid, friendID, store.ErrNotFound)
	}
	return g.edges.DeleteFriendEdge(ctx, e.ID)
}

// ListIncoming lists pending requests targeted at uid, oldest first.
func (g *Graph) ListIncoming(ctx context.Context, uid string) ([]*store.FriendEdge, error) {
	edges, err := g.edges.ListFriendEdges(ctx, uid)
	if err != nil {
		return nil, err
	}
	var out []*store.FriendEdge
	for _, e := range edges {
		if e.Status == store.EdgePending && e.TargetID == uid {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListFriends lists accepted friends of uid ordered by display name.
func (g *Graph) ListFriends(ctx context.Context, uid string) ([]*Friend, error) {
	edges, err := g.edges.ListFriendEdges(ctx, uid)
	if err != nil {
		return nil, err
	}
	var out []*Friend
	for _, e := range edges {
		if e.Status != store.EdgeAccepted {
			continue
		}
		f := &Friend{UserID: e.Other(uid), EdgeID: e.ID, Since: e.CreatedAt}
		if u, err := g.users.GetUser(ctx, f.UserID); err == nil {
			f.DisplayName = u.DisplayName
		} else if errors.Is(err, store.ErrNotFound) {
			f.DisplayName = f.UserID
		} else {
			return nil, err
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (g *Graph) AreFriends(ctx context.Context, a, b string) (bool, error) {
	e, err := g.edges.GetFriendEdgeByPair(ctx, a, b)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.Status == store.EdgeAccepted, nil
}
