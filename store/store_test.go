package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite runs the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Usernames", func(t *testing.T) { testUsernames(t, newStore(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newStore(t)) })
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("ReadState", func(t *testing.T) { testReadState(t, newStore(t)) })
	t.Run("FriendEdges", func(t *testing.T) { testFriendEdges(t, newStore(t)) })
}

func newConversation(t *testing.T, s Store, a, b string) *Conversation {
	lo, hi := SortPair(a, b)
	c, _, err := s.CreateConversation(context.Background(), &Conversation{
		ID:           ConversationID(a, b),
		Participants: [2]string{lo, hi},
		CreatedAt:    time.Now().Truncate(time.Millisecond),
	})
	require.NoError(t, err)
	return c
}

func appendText(t *testing.T, s Store, convID, sender, content string) *Message {
	m, dup, err := s.Append(context.Background(), &AppendReq{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Kind:           KindText,
		CreateTime:     time.Now().Truncate(time.Millisecond),
	})
	require.NoError(t, err)
	require.False(t, dup)
	return m
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	u, err := s.CreateUser(ctx, &User{ID: "u1", DisplayName: "first", CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "first", u.DisplayName)

	// second create keeps the first record.
	u, err = s.CreateUser(ctx, &User{ID: "u1", DisplayName: "second", CreatedAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "first", u.DisplayName)
	assert.True(t, now.Equal(u.CreatedAt))

	require.NoError(t, s.SetDisplayName(ctx, "u1", "renamed"))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", u.DisplayName)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetDisplayName(ctx, "nobody", "x"), ErrNotFound)
}

func testUsernames(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for _, id := range []string{"u1", "u2"} {
		_, err := s.CreateUser(ctx, &User{ID: id, DisplayName: id, CreatedAt: now})
		require.NoError(t, err)
	}

	_, err := s.GetUserByUsername(ctx, "neo")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetUsername(ctx, "u1", "neo"))
	require.NoError(t, s.SetUsername(ctx, "u1", "neo"), "claiming own name again")
	u, err := s.GetUserByUsername(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "neo", u.Username)

	assert.ErrorIs(t, s.SetUsername(ctx, "u2", "neo"), ErrDuplicate)
	assert.ErrorIs(t, s.SetUsername(ctx, "nobody", "smith"), ErrNotFound)

	// renaming releases the old handle.
	require.NoError(t, s.SetUsername(ctx, "u1", "trinity"))
	_, err = s.GetUserByUsername(ctx, "neo")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SetUsername(ctx, "u2", "neo"))
	u, err = s.GetUserByUsername(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	require.NoError(t, s.SetDeviceToken(ctx, "u1", "fcm-token-1"))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fcm-token-1", u.DeviceToken)
	assert.Equal(t, "trinity", u.Username)
	require.NoError(t, s.SetDeviceToken(ctx, "u1", ""))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.DeviceToken)
	assert.ErrorIs(t, s.SetDeviceToken(ctx, "nobody", "x"), ErrNotFound)
}

func testConversations(t *testing.T, s Store) {
	ctx := context.Background()
	c := newConversation(t, s, "bob", "alice")
	assert.Equal(t, [2]string{"alice", "bob"}, c.Participants)
	assert.Nil(t, c.LastMessage)

	again, created, err := s.CreateConversation(ctx, &Conversation{
		ID:           c.ID,
		Participants: c.Participants,
		CreatedAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, c.CreatedAt.Equal(again.CreatedAt))

	newConversation(t, s, "alice", "carol")

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAppendAndRead(t *testing.T, s Store) {
	ctx := context.Background()
	c := newConversation(t, s, "alice", "bob")

	for i := 1; i <= 10; i++ {
		m := appendText(t, s, c.ID, "alice", fmt.Sprintf("m%d", i))
		assert.EqualValues(t, i, m.Seq)
	}

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.EqualValues(t, 10, got.LastMessage.Seq)
	assert.Equal(t, "m10", got.LastMessage.Content)

	msgs, err := s.GetMessages(ctx, c.ID, 3, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.EqualValues(t, 4+i, m.Seq)
	}

	msgs, err = s.GetMessages(ctx, c.ID, 8, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = s.GetMessages(ctx, c.ID, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, _, err = s.Append(ctx, &AppendReq{ID: uuid.New(), ConversationID: "missing", SenderID: "alice", Kind: KindText})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentAppend(t *testing.T, s Store) {
	c1 := newConversation(t, s, "alice", "bob")
	c2 := newConversation(t, s, "alice", "carol")

	const N = 20
	var lock sync.Mutex
	seqs := map[string][]int64{}

	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		for _, c := range []*Conversation{c1, c2} {
			wg.Add(1)
			go func(conv *Conversation, i int) {
				defer wg.Done()
				m, _, err := s.Append(context.Background(), &AppendReq{
					ID:             uuid.New(),
					ConversationID: conv.ID,
					SenderID:       conv.Participants[i%2],
					Content:        "x",
					Kind:           KindText,
					CreateTime:     time.Now(),
				})
				if !assert.NoError(t, err) {
					return
				}
				lock.Lock()
				seqs[conv.ID] = append(seqs[conv.ID], m.Seq)
				lock.Unlock()
			}(c, i)
		}
	}
	wg.Wait()

	for _, c := range []*Conversation{c1, c2} {
		got := seqs[c.ID]
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, N)
		for i, seq := range got {
			assert.EqualValues(t, i+1, seq, "conversation %s", c.ID)
		}
	}
}

func testIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	c := newConversation(t, s, "alice", "bob")

	req := &AppendReq{
		ID:             uuid.New(),
		ConversationID: c.ID,
		SenderID:       "alice",
		Content:        "hello",
		Kind:           KindText,
		CreateTime:     time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond),
		IdempotencyKey: "k1",
	}
	first, dup, err := s.Append(ctx, req)
	require.NoError(t, err)
	assert.False(t, dup)

	retry := *req
	retry.ID = uuid.New()
	second, dup, err := s.Append(ctx, &retry)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	// same key from the other participant is a different send.
	other := retry
	other.ID = uuid.New()
	other.SenderID = "bob"
	other.CreateTime = time.Now().Truncate(time.Millisecond)
	third, dup, err := s.Append(ctx, &other)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.EqualValues(t, 2, third.Seq)

	n, err := s.DeleteExpiredIdempotencyKeys(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// after expiry the key is a new send.
	expired := *req
	expired.ID = uuid.New()
	fourth, dup, err := s.Append(ctx, &expired)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.EqualValues(t, 3, fourth.Seq)
}

func testReadState(t *testing.T, s Store) {
	ctx := context.Background()
	c := newConversation(t, s, "alice", "bob")
	for i := 0; i < 3; i++ {
		appendText(t, s, c.ID, "alice", "a")
	}
	appendText(t, s, c.ID, "bob", "b")
	appendText(t, s, c.ID, "alice", "a")

	n, err := s.CountUnread(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	changed, err := s.SetDelivered(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetDelivered(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.False(t, changed)

	n, err = s.MarkRead(ctx, c.ID, "bob", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// idempotent.
	n, err = s.MarkRead(ctx, c.ID, "bob", 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msgs, err := s.GetMessages(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for _, m := range msgs[:3] {
		assert.True(t, m.Read)
		assert.True(t, m.Delivered)
	}
	assert.False(t, msgs[3].Read, "own message is not marked by reader")
	assert.False(t, msgs[4].Read, "beyond up_to_seq")

	n, err = s.CountUnread(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.SetDelivered(ctx, c.ID, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testFriendEdges(t *testing.T, s Store) {
	ctx := context.Background()
	e := &FriendEdge{
		ID:          uuid.New(),
		RequesterID: "alice",
		TargetID:    "bob",
		Status:      EdgePending,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateFriendEdge(ctx, e))

	dup := *e
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateFriendEdge(ctx, &dup), ErrDuplicate)

	reverse := dup
	reverse.RequesterID, reverse.TargetID = "bob", "alice"
	assert.ErrorIs(t, s.CreateFriendEdge(ctx, &reverse), ErrDuplicate)

	got, err := s.GetFriendEdgeByPair(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	accepted, err := s.AcceptFriendEdge(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EdgeAccepted, accepted.Status)

	// a reject that lost the race to the accept leaves the edge alone.
	assert.ErrorIs(t, s.DeletePendingFriendEdge(ctx, e.ID), ErrNotFound)
	got, err = s.GetFriendEdge(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EdgeAccepted, got.Status)

	for _, uid := range []string{"alice", "bob"} {
		edges, err := s.ListFriendEdges(ctx, uid)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, EdgeAccepted, edges[0].Status)
	}

	require.NoError(t, s.DeleteFriendEdge(ctx, e.ID))
	assert.ErrorIs(t, s.DeleteFriendEdge(ctx, e.ID), ErrNotFound)
	_, err = s.GetFriendEdge(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	edges, err := s.ListFriendEdges(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// the pair is free again.
	require.NoError(t, s.CreateFriendEdge(ctx, &reverse))
	require.NoError(t, s.DeletePendingFriendEdge(ctx, reverse.ID))
	assert.ErrorIs(t, s.DeletePendingFriendEdge(ctx, reverse.ID), ErrNotFound)
	_, err = s.GetFriendEdgeByPair(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}
