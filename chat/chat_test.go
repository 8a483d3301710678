package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/push"
	push_mock "github.com/mqy/minichat/push/mock"
	"github.com/mqy/minichat/store"
)

type env struct {
	st       store.Store
	svc      *Service
	notifier *push_mock.MockNotifier
}

func newEnv(t *testing.T, conf Config) *env {
	ctrl := gomock.NewController(t)
	notifier := push_mock.NewMockNotifier(ctrl)

	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	d := fanout.NewDispatcher(fanout.Config{Workers: 4, PushWorkers: 1, PushMaxAttempts: 1}, st, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	// runs before ctrl.Finish, cleanups are LIFO.
	t.Cleanup(func() {
		cancel()
		<-done
		_ = st.Close()
	})

	tracker := presence.NewTracker(presence.Config{})
	svc := NewService(conf, st, &auth.MockClient{}, tracker, d, nil)
	return &env{st: st, svc: svc, notifier: notifier}
}

func (e *env) login(t *testing.T, uid string) *store.User {
	u, err := e.svc.Resolve(context.Background(), uid)
	require.NoError(t, err)
	return u
}

func (e *env) open(t *testing.T, a, b string) *store.Conversation {
	e.login(t, a)
	e.login(t, b)
	c, err := e.svc.OpenConversation(context.Background(), a, b)
	require.NoError(t, err)
	return c
}

func (e *env) send(t *testing.T, convID, from, content string) *store.Message {
	m, err := e.svc.SendMessage(context.Background(), &AppendRequest{
		ConversationID: convID,
		SenderID:       from,
		Content:        content,
		IdempotencyKey: uuid.New(),
	})
	require.NoError(t, err)
	return m
}

func recv(t *testing.T, s *fanout.Subscription) *fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting event for %s", s.UserID)
		return nil
	}
}

func TestResolve(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	u := e.login(t, "alice")
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "alice", u.DisplayName)

	require.NoError(t, e.svc.SetDisplayName(ctx, "alice", "  Alice  "))
	u = e.login(t, "alice")
	assert.Equal(t, "Alice", u.DisplayName, "second resolve keeps the record")

	_, err := e.svc.Resolve(ctx, "")
	assert.True(t, errors.Is(err, ErrAuth))
	_, err = e.svc.Resolve(ctx, "bad token!")
	assert.True(t, errors.Is(err, ErrAuth))

	err = e.svc.SetDisplayName(ctx, "alice", "   ")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	err = e.svc.SetDisplayName(ctx, "alice", strings.Repeat("x", MaxDisplayNameRunes+1))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestRegistrySymmetry(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	ab := e.open(t, "alice", "bob")
	ba, err := e.svc.OpenConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, [2]string{"alice", "bob"}, ab.Participants)

	_, err = e.svc.OpenConversation(ctx, "alice", "alice")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = e.svc.OpenConversation(ctx, "alice", "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	e := newEnv(t, Config{})
	e.login(t, "alice")
	e.login(t, "bob")

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := e.svc.Registry.GetOrCreate(context.Background(), a, b)
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	list, err := e.svc.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListConversations(t *testing.T) {
	e := newEnv(t, Config{})
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	ctx := context.Background()

	ab := e.open(t, "alice", "bob")
	ac := e.open(t, "alice", "carol")
	e.send(t, ac.ID, "carol", "hi")
	time.Sleep(5 * time.Millisecond)
	e.send(t, ab.ID, "bob", "one")
	e.send(t, ab.ID, "bob", "two")

	list, err := e.svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ab.ID, list[0].ID)
	assert.Equal(t, 2, list[0].Unread)
	assert.Equal(t, "two", list[0].LastMessage.Content)
	assert.Equal(t, ac.ID, list[1].ID)
	assert.Equal(t, 1, list[1].Unread)

	n, err := e.svc.MarkRead(ctx, "alice", "", ab.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err = e.svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, list[0].Unread)

	list, err = e.svc.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].Unread, "own messages are never unread")
}

func TestSortByActivityTieBreak(t *testing.T) {
	ts := time.Unix(100, 0)
	list := []*store.Conversation{
		{ID: "b", CreatedAt: ts},
		{ID: "a", CreatedAt: ts},
		{ID: "c", CreatedAt: ts.Add(-time.Second), LastMessage: &store.Snapshot{CreatedAt: ts.Add(time.Second)}},
	}
	SortByActivity(list)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
}

func TestSendValidation(t *testing.T) {
	e := newEnv(t, Config{MaxContentBytes: 16})
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	cases := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"empty text", AppendRequest{Content: "  ", IdempotencyKey: "k"}, ErrInvalidArgument},
		{"too long", AppendRequest{Content: strings.Repeat("x", 17), IdempotencyKey: "k"}, ErrInvalidArgument},
		{"media without ref", AppendRequest{Kind: store.KindImage, IdempotencyKey: "k"}, ErrInvalidArgument},
		{"unknown kind", AppendRequest{Kind: "sticker", Content: "x", IdempotencyKey: "k"}, ErrInvalidArgument},
		{"missing key", AppendRequest{Content: "x"}, ErrInvalidArgument},
		{"blank key", AppendRequest{Content: "x", IdempotencyKey: "  "}, ErrInvalidArgument},
		{"long key", AppendRequest{Content: "x", IdempotencyKey: strings.Repeat("k", MaxIdempotencyKeyBytes+1)}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.ConversationID = c.ID
			req.SenderID = "alice"
			_, err := e.svc.SendMessage(ctx, &req)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	e.login(t, "mallory")
	_, err := e.svc.SendMessage(ctx, &AppendRequest{ConversationID: c.ID, SenderID: "mallory", Content: "x", IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, ErrPermission))

	_, err = e.svc.SendMessage(ctx, &AppendRequest{ConversationID: "missing", SenderID: "alice", Content: "x", IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSendMediaKindFromMIME(t *testing.T) {
	e := newEnv(t, Config{})
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	c := e.open(t, "alice", "bob")

	m, err := e.svc.SendMessage(context.Background(), &AppendRequest{
		ConversationID: c.ID,
		SenderID:       "alice",
		MediaRef:       "blob://1",
		MIMEType:       "video/mp4",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.KindVideo, m.Kind)
	assert.Equal(t, "blob://1", m.MediaRef)
}

func TestReadWindow(t *testing.T) {
	e := newEnv(t, Config{})
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	for i := 1; i <= 10; i++ {
		m := e.send(t, c.ID, "alice", fmt.Sprintf("m%d", i))
		require.EqualValues(t, i, m.Seq)
	}

	out, err := e.svc.FetchHistory(ctx, "bob", c.ID, 3, 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for i, m := range out {
		assert.EqualValues(t, 4+i, m.Seq)
	}

	out, err = e.svc.FetchHistory(ctx, "bob", c.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	out, err = e.svc.FetchHistory(ctx, "bob", c.ID, 0, MaxReadLimit*10)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	out, err = e.svc.FetchHistory(ctx, "bob", c.ID, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = e.svc.FetchHistory(ctx, "bob", c.ID, -1, 5)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	e.login(t, "mallory")
	_, err = e.svc.FetchHistory(ctx, "mallory", c.ID, 0, 5)
	assert.True(t, errors.Is(err, ErrPermission))
}

func TestIdempotentResend(t *testing.T) {
	e := newEnv(t, Config{})
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	req := func() *AppendRequest {
		return &AppendRequest{ConversationID: c.ID, SenderID: "alice", Content: "once", IdempotencyKey: "k1"}
	}
	m1, err := e.svc.SendMessage(ctx, req())
	require.NoError(t, err)
	m2, err := e.svc.SendMessage(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, m1.Seq, m2.Seq)

	out, err := e.svc.FetchHistory(ctx, "alice", c.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	// let the single push go out before the controller checks.
	time.Sleep(50 * time.Millisecond)
}

func TestSendToLiveRecipient(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	bobSub, err := e.svc.Subscribe(ctx, "bob", "bob-s1", "")
	require.NoError(t, err)
	aliceSub, err := e.svc.Subscribe(ctx, "alice", "alice-s1", c.ID)
	require.NoError(t, err)
	aliceOther, err := e.svc.Subscribe(ctx, "alice", "alice-s2", c.ID)
	require.NoError(t, err)

	m, err := e.svc.SendMessage(ctx, &AppendRequest{
		ConversationID:  c.ID,
		SenderID:        "alice",
		Content:         "hello",
		IdempotencyKey:  "k1",
		OriginSessionID: "alice-s1",
	})
	require.NoError(t, err)
	assert.False(t, m.Delivered)

	ev := recv(t, bobSub)
	assert.Equal(t, fanout.EventMessage, ev.Kind)
	assert.Equal(t, m.ID, ev.Message.ID)
	assert.True(t, ev.Message.Delivered, "live recipient gets the message as delivered")

	ev = recv(t, aliceOther)
	assert.Equal(t, fanout.EventMessage, ev.Kind, "other session gets the echo")
	ev = recv(t, aliceOther)
	assert.Equal(t, fanout.EventDelivered, ev.Kind)

	ev = recv(t, aliceSub)
	assert.Equal(t, fanout.EventDelivered, ev.Kind, "origin session gets no echo")
	assert.Equal(t, "bob", ev.SenderID)
	assert.Equal(t, m.Seq, ev.Seq)

	got, err := e.st.GetMessage(ctx, c.ID, m.Seq)
	require.NoError(t, err)
	assert.True(t, got.Delivered)

	assert.True(t, e.svc.PresenceOf("alice").State == presence.Online)

	n, err := e.svc.MarkRead(ctx, "bob", "bob-s1", c.ID, m.Seq)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev = recv(t, aliceSub)
	assert.Equal(t, fanout.EventRead, ev.Kind)
	assert.Equal(t, m.Seq, ev.Seq)
}

func TestSendToOfflineRecipient(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	pushed := make(chan *push.Notification, 1)
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, n *push.Notification) error {
			pushed <- n
			return nil
		}).Times(1)

	m := e.send(t, c.ID, "alice", "are you there")

	select {
	case n := <-pushed:
		assert.Equal(t, "bob", n.RecipientID)
		assert.Equal(t, c.ID, n.ConversationID)
		assert.Equal(t, m.Seq, n.Seq)
		assert.Equal(t, "are you there", n.Preview)
	case <-time.After(2 * time.Second):
		t.Fatal("no push notification")
	}

	got, err := e.st.GetMessage(ctx, c.ID, m.Seq)
	require.NoError(t, err)
	assert.False(t, got.Delivered)

	aliceSub, err := e.svc.Subscribe(ctx, "alice", "alice-s1", "")
	require.NoError(t, err)

	changed, err := e.svc.AckDelivery(ctx, "bob", c.ID, m.Seq)
	require.NoError(t, err)
	assert.True(t, changed)
	ev := recv(t, aliceSub)
	assert.Equal(t, fanout.EventDelivered, ev.Kind)

	changed, err = e.svc.AckDelivery(ctx, "bob", c.ID, m.Seq)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = e.svc.AckDelivery(ctx, "alice", c.ID, m.Seq)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestTyping(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	bobSub, err := e.svc.Subscribe(ctx, "bob", "bob-s1", c.ID)
	require.NoError(t, err)

	require.NoError(t, e.svc.SetTyping(ctx, "alice", c.ID, true))
	ev := recv(t, bobSub)
	assert.Equal(t, fanout.EventTyping, ev.Kind)
	assert.True(t, ev.Typing)

	st := e.svc.PresenceOf("alice")
	assert.Equal(t, presence.Typing, st.State)
	assert.Equal(t, c.ID, st.TypingIn)

	e.login(t, "mallory")
	err = e.svc.SetTyping(ctx, "mallory", c.ID, true)
	assert.True(t, errors.Is(err, ErrPermission))
}

func TestSubscribePermission(t *testing.T) {
	e := newEnv(t, Config{})
	c := e.open(t, "alice", "bob")
	e.login(t, "mallory")

	_, err := e.svc.Subscribe(context.Background(), "mallory", "m-s1", c.ID)
	assert.True(t, errors.Is(err, ErrPermission))
}

func TestCloseSession(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	e.open(t, "alice", "bob")

	sub, err := e.svc.Subscribe(ctx, "alice", "s1", "")
	require.NoError(t, err)
	e.svc.Heartbeat("alice", "s1")
	assert.Equal(t, presence.Online, e.svc.PresenceOf("alice").State)

	e.svc.CloseSession("alice", "s1", true)
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, presence.Offline, e.svc.PresenceOf("alice").State)
}

func TestRateLimited(t *testing.T) {
	e := newEnv(t, Config{})
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	e.svc.limiter = auth.NewLimiterPool(0.001, 2)
	c := e.open(t, "alice", "bob")

	e.send(t, c.ID, "alice", "1")
	e.send(t, c.ID, "alice", "2")
	_, err := e.svc.SendMessage(context.Background(), &AppendRequest{ConversationID: c.ID, SenderID: "alice", Content: "3", IdempotencyKey: "k3"})
	assert.True(t, errors.Is(err, ErrRateLimited))

	e.send(t, c.ID, "bob", "other user has its own bucket")
}

func TestFriendFlow(t *testing.T) {
	e := newEnv(t, Config{RequireFriendship: true})
	ctx := context.Background()
	for _, uid := range []string{"alice", "bob", "carol"} {
		e.login(t, uid)
	}

	_, err := e.svc.OpenConversation(ctx, "alice", "bob")
	assert.True(t, errors.Is(err, ErrPermission), "strangers can not talk")

	req, err := e.svc.RequestFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, store.EdgePending, req.Status)

	_, err = e.svc.RequestFriend(ctx, "alice", "bob")
	assert.True(t, errors.Is(err, store.ErrDuplicate))
	_, err = e.svc.RequestFriend(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, store.ErrDuplicate), "reverse request is a duplicate too")
	_, err = e.svc.RequestFriend(ctx, "alice", "alice")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = e.svc.RequestFriend(ctx, "alice", "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	incoming, err := e.svc.ListIncoming(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, req.ID, incoming[0].ID)
	incoming, err = e.svc.ListIncoming(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, incoming, "requester sees no incoming request")

	_, _, err = e.svc.RespondFriend(ctx, "alice", req.ID, true)
	assert.True(t, errors.Is(err, ErrPermission), "only the target accepts")

	edge, conv, err := e.svc.RespondFriend(ctx, "bob", req.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.EdgeAccepted, edge.Status)
	assert.Equal(t, store.ConversationID("alice", "bob"), conv.ID)

	_, _, err = e.svc.RespondFriend(ctx, "bob", req.ID, true)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "already accepted")

	friends, err := e.svc.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].UserID)

	opened, err := e.svc.OpenConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, opened.ID)

	require.NoError(t, e.svc.RemoveFriend(ctx, "bob", "alice"))
	friends, err = e.svc.ListFriends(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, friends)
	err = e.svc.RemoveFriend(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = e.svc.GetConversation(ctx, "alice", conv.ID)
	assert.NoError(t, err, "history survives unfriending")
}

func TestFriendReject(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	e.login(t, "alice")
	e.login(t, "bob")

	req, err := e.svc.RequestFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	_, _, err = e.svc.RespondFriend(ctx, "bob", req.ID, false)
	require.NoError(t, err)

	incoming, err := e.svc.ListIncoming(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	_, err = e.svc.RequestFriend(ctx, "alice", "bob")
	assert.NoError(t, err, "can ask again after reject")
}

// staleEdges serves an edge as read before a concurrent accept.
type staleEdges struct {
	store.FriendStore
	stale *store.FriendEdge
}

func (s *staleEdges) GetFriendEdge(ctx context.Context, id string) (*store.FriendEdge, error) {
	return s.stale, nil
}

func TestFriendRejectLosesToAccept(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	e.login(t, "alice")
	e.login(t, "bob")

	req, err := e.svc.RequestFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	pending := *req
	_, _, err = e.svc.RespondFriend(ctx, "bob", req.ID, true)
	require.NoError(t, err)

	g := NewGraph(&staleEdges{FriendStore: e.st, stale: &pending}, e.st, e.svc.Registry)
	err = g.Reject(ctx, "bob", req.ID)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	ok, err := e.svc.Graph.AreFriends(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok, "the accepted edge survives")
}

func TestFriendPendingRemove(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	e.login(t, "alice")
	e.login(t, "bob")

	_, err := e.svc.RequestFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	err = e.svc.RemoveFriend(ctx, "alice", "bob")
	assert.True(t, errors.Is(err, store.ErrNotFound), "pending edge is not a friendship")
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			unlock := k.Lock(key)
			mu.Lock()
			inside[key]++
			assert.Equal(t, 1, inside[key])
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, k.size())
}

func TestUsername(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	e.login(t, "alice")
	e.login(t, "bob")

	name, err := e.svc.SetUsername(ctx, "bob", " @Bob_1 ")
	require.NoError(t, err)
	assert.Equal(t, "bob_1", name)

	_, err = e.svc.SetUsername(ctx, "alice", "BOB_1")
	assert.True(t, errors.Is(err, store.ErrDuplicate), "case folded handles collide")
	for _, bad := range []string{"", "ab", "has space", "dash-ed", strings.Repeat("x", 33)} {
		_, err = e.svc.SetUsername(ctx, "alice", bad)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "username %q", bad)
	}

	u, err := e.svc.FindUser(ctx, "Bob_1")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.ID)
	_, err = e.svc.FindUser(ctx, "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	users, err := e.svc.GetUsers(ctx, []string{"bob", "ghost", "alice", "bob"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].ID)
	assert.Equal(t, "alice", users[1].ID)
	_, err = e.svc.GetUsers(ctx, make([]string, MaxBatchUsers+1))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	edge, err := e.svc.RequestFriendByUsername(ctx, "alice", "@bob_1")
	require.NoError(t, err)
	assert.Equal(t, "bob", edge.TargetID)
	_, err = e.svc.RequestFriendByUsername(ctx, "alice", "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDeviceTokenReachesPush(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	c := e.open(t, "alice", "bob")

	require.NoError(t, e.svc.SetDeviceToken(ctx, "bob", "fcm-bob"))
	err := e.svc.SetDeviceToken(ctx, "bob", strings.Repeat("t", MaxDeviceTokenBytes+1))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	pushed := make(chan *push.Notification, 1)
	e.notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, n *push.Notification) error {
			pushed <- n
			return nil
		}).Times(1)

	e.send(t, c.ID, "alice", "wake up")
	select {
	case n := <-pushed:
		assert.Equal(t, "bob", n.RecipientID)
		assert.Equal(t, "fcm-bob", n.DeviceToken)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting push")
	}
}
