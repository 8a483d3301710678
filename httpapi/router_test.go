package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/presence"
	push_mock "github.com/mqy/minichat/push/mock"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

func newTestServer(t *testing.T, conf chat.Config) *httptest.Server {
	ctrl := gomock.NewController(t)
	notifier := push_mock.NewMockNotifier(ctrl)
	notifier.EXPECT().NotifyOffline(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	d := fanout.NewDispatcher(fanout.Config{Workers: 2, PushWorkers: 1}, st, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	svc := chat.NewService(conf, st, &auth.MockClient{}, presence.NewTracker(presence.Config{}), d, nil)
	r := mux.NewRouter()
	NewRouter(svc, r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = st.Close()
	})
	return srv
}

type caller struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func (c *caller) do(method, path string, body interface{}, hdr ...string) (int, *wire.ServerMsg) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var msg wire.ServerMsg
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&msg))
	}
	return resp.StatusCode, &msg
}

func TestUnauthenticated(t *testing.T) {
	srv := newTestServer(t, chat.Config{})
	c := &caller{t: t, srv: srv}

	status, msg := c.do(http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, msg.Error)
	assert.Equal(t, codes.Unauthenticated, msg.Error.Code)
}

func TestConversationFlow(t *testing.T) {
	srv := newTestServer(t, chat.Config{})
	alice := &caller{t: t, srv: srv, token: "alice"}
	bob := &caller{t: t, srv: srv, token: "bob"}

	status, msg := bob.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", msg.User.ID)

	status, msg = alice.do(http.MethodPost, "/api/conversations", &wire.OpenConversationReq{PeerID: "bob"})
	require.Equal(t, http.StatusOK, status)
	conv := msg.Conversation
	require.NotNil(t, conv)

	path := "/api/conversations/" + conv.ID + "/messages"
	status, msg = alice.do(http.MethodPost, path, &wire.SendMessageReq{Content: "hi"}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, status)
	first := msg.Message
	assert.EqualValues(t, 1, first.Seq)

	status, msg = alice.do(http.MethodPost, path, &wire.SendMessageReq{Content: "hi"}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, first.ID, msg.Message.ID, "idempotent resend")

	status, msg = alice.do(http.MethodPost, path, &wire.SendMessageReq{Content: "no key"})
	require.Equal(t, http.StatusBadRequest, status, "send without an idempotency key")
	require.NotNil(t, msg.Error)
	assert.Equal(t, codes.InvalidArgument, msg.Error.Code)

	status, _ = alice.do(http.MethodPost, path, &wire.SendMessageReq{Content: "second", IdempotencyKey: "k2"})
	require.Equal(t, http.StatusCreated, status)

	status, msg = bob.do(http.MethodGet, path+"?after_seq=1&limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msg.Messages, 1)
	assert.Equal(t, "second", msg.Messages[0].Content)

	status, msg = bob.do(http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msg.Conversations, 1)
	assert.Equal(t, 2, msg.Conversations[0].Unread)

	status, msg = bob.do(http.MethodPost, "/api/conversations/"+conv.ID+"/read", &wire.MarkReadReq{UpToSeq: 2})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, msg.Changed)

	status, _ = bob.do(http.MethodPost, "/api/conversations/"+conv.ID+"/typing", &wire.SetTypingReq{Typing: true})
	assert.Equal(t, http.StatusNoContent, status)

	status, msg = alice.do(http.MethodGet, "/api/presence/bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, presence.Typing, msg.Presence.State)

	mallory := &caller{t: t, srv: srv, token: "mallory"}
	status, msg = mallory.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, codes.PermissionDenied, msg.Error.Code)

	status, msg = bob.do(http.MethodGet, path+"?after_seq=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codes.InvalidArgument, msg.Error.Code)
}

func TestFriendRoutes(t *testing.T) {
	srv := newTestServer(t, chat.Config{RequireFriendship: true})
	alice := &caller{t: t, srv: srv, token: "alice"}
	bob := &caller{t: t, srv: srv, token: "bob"}
	bob.do(http.MethodGet, "/api/me", nil)

	status, msg := alice.do(http.MethodPost, "/api/conversations", &wire.OpenConversationReq{PeerID: "bob"})
	assert.Equal(t, http.StatusForbidden, status)

	status, msg = alice.do(http.MethodPost, "/api/friends/requests", &wire.RequestFriendReq{TargetID: "bob"})
	require.Equal(t, http.StatusCreated, status)
	edge := msg.FriendEdge

	status, msg = alice.do(http.MethodPost, "/api/friends/requests", &wire.RequestFriendReq{TargetID: "bob"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codes.AlreadyExists, msg.Error.Code)

	status, msg = bob.do(http.MethodGet, "/api/friends/requests", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msg.Incoming, 1)

	status, msg = bob.do(http.MethodPost, "/api/friends/requests/"+edge.ID, &wire.RespondFriendReq{Accept: true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.EdgeAccepted, msg.FriendEdge.Status)
	require.NotNil(t, msg.Conversation)

	status, msg = alice.do(http.MethodGet, "/api/friends", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msg.Friends, 1)
	assert.Equal(t, "bob", msg.Friends[0].UserID)

	status, _ = alice.do(http.MethodPost, "/api/conversations", &wire.OpenConversationReq{PeerID: "bob"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = alice.do(http.MethodDelete, "/api/friends/bob", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = alice.do(http.MethodDelete, "/api/friends/bob", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSetDisplayName(t *testing.T) {
	srv := newTestServer(t, chat.Config{})
	alice := &caller{t: t, srv: srv, token: "alice"}

	status, msg := alice.do(http.MethodPut, "/api/me", &wire.SetDisplayNameReq{DisplayName: "Alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alice", msg.User.DisplayName)

	status, _ = alice.do(http.MethodPut, "/api/me", &wire.SetDisplayNameReq{DisplayName: " "})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUsernameRoutes(t *testing.T) {
	srv := newTestServer(t, chat.Config{})
	alice := &caller{t: t, srv: srv, token: "alice"}
	bob := &caller{t: t, srv: srv, token: "bob"}
	bob.do(http.MethodGet, "/api/me", nil)

	status, msg := bob.do(http.MethodPut, "/api/me/username", &wire.SetUsernameReq{Username: "@Bobby"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bobby", msg.User.Username)

	status, msg = alice.do(http.MethodPut, "/api/me/username", &wire.SetUsernameReq{Username: "bobby"})
	assert.Equal(t, http.StatusConflict, status, "handles are unique")
	assert.Equal(t, codes.AlreadyExists, msg.Error.Code)

	status, _ = alice.do(http.MethodPut, "/api/me/username", &wire.SetUsernameReq{Username: "no spaces"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, msg = alice.do(http.MethodGet, "/api/users?username=BOBBY", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", msg.User.ID)

	status, _ = alice.do(http.MethodGet, "/api/users?username=nobody", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, msg = alice.do(http.MethodGet, "/api/users?id=bob&id=nobody&id=alice", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msg.Users, 2)
	assert.Equal(t, "bob", msg.Users[0].ID)
	assert.Equal(t, "alice", msg.Users[1].ID)

	status, _ = alice.do(http.MethodGet, "/api/users", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, msg = alice.do(http.MethodPost, "/api/friends/requests", &wire.RequestFriendReq{Username: "bobby"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "bob", msg.FriendEdge.TargetID)

	status, _ = bob.do(http.MethodPut, "/api/me/device-token", &wire.SetDeviceTokenReq{DeviceToken: "fcm-bob"})
	assert.Equal(t, http.StatusNoContent, status)
}
