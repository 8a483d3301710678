// Package httpapi serves chat operations as JSON over HTTP. Subscriptions
// need a stream and are only served over websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

// IdempotencyHeader carries the idempotency key of a send.
const IdempotencyHeader = "Idempotency-Key"

// max request body size.
const maxBodyBytes = 16 * 1024

type contextKey string

const userContextKey contextKey = "user"

type Router struct {
	svc *chat.Service
}

// NewRouter registers the routes under /api on r.
func NewRouter(svc *chat.Service, r *mux.Router) *Router {
	rt := &Router{svc: svc}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(rt.authenticate)

	api.HandleFunc("/me", rt.getMe).Methods(http.MethodGet)
	api.HandleFunc("/me", rt.setDisplayName).Methods(http.MethodPut)
	api.HandleFunc("/me/username", rt.setUsername).Methods(http.MethodPut)
	api.HandleFunc("/me/device-token", rt.setDeviceToken).Methods(http.MethodPut)
	api.HandleFunc("/users", rt.getUsers).Methods(http.MethodGet)
	api.HandleFunc("/heartbeat", rt.heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/presence/{uid}", rt.presence).Methods(http.MethodGet)

	api.HandleFunc("/conversations", rt.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", rt.openConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", rt.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", rt.fetchHistory).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", rt.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", rt.markRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/delivered", rt.ackDelivery).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", rt.setTyping).Methods(http.MethodPost)

	api.HandleFunc("/friends", rt.listFriends).Methods(http.MethodGet)
	api.HandleFunc("/friends/{uid}", rt.removeFriend).Methods(http.MethodDelete)
	api.HandleFunc("/friends/requests", rt.listIncoming).Methods(http.MethodGet)
	api.HandleFunc("/friends/requests", rt.requestFriend).Methods(http.MethodPost)
	api.HandleFunc("/friends/requests/{id}", rt.respondFriend).Methods(http.MethodPost)
	return rt
}

// authenticate resolves the caller and puts the user into the context.
func (rt *Router) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := rt.svc.Resolve(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userOf(r *http.Request) *store.User {
	return r.Context().Value(userContextKey).(*store.User)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("httpapi: write response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := wire.NewError(nil, err)
	writeJSON(w, wire.HTTPStatus(e.Code), &wire.ServerMsg{Error: e})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", chat.ErrInvalidArgument, err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: should be integer", chat.ErrInvalidArgument, name)
	}
	return v, nil
}

func (rt *Router) getMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &wire.ServerMsg{User: userOf(r)})
}

func (rt *Router) setDisplayName(w http.ResponseWriter, r *http.Request) {
	var req wire.SetDisplayNameReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u := userOf(r)
	if err := rt.svc.SetDisplayName(r.Context(), u.ID, req.DisplayName); err != nil {
		writeError(w, err)
		return
	}
	u, err := rt.svc.Sessions.GetUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{User: u})
}

func (rt *Router) setUsername(w http.ResponseWriter, r *http.Request) {
	var req wire.SetUsernameReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	uid := userOf(r).ID
	if _, err := rt.svc.SetUsername(r.Context(), uid, req.Username); err != nil {
		writeError(w, err)
		return
	}
	u, err := rt.svc.Sessions.GetUser(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{User: u})
}

func (rt *Router) setDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req wire.SetDeviceTokenReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := rt.svc.SetDeviceToken(r.Context(), userOf(r).ID, req.DeviceToken); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getUsers finds one user by ?username=, or several by repeated ?id=.
func (rt *Router) getUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name := q.Get("username"); name != "" {
		u, err := rt.svc.FindUser(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &wire.ServerMsg{User: u})
		return
	}
	ids := q["id"]
	if len(ids) == 0 {
		writeError(w, fmt.Errorf("%w: username or id is required", chat.ErrInvalidArgument))
		return
	}
	list, err := rt.svc.GetUsers(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Users: list})
}

func (rt *Router) heartbeat(w http.ResponseWriter, r *http.Request) {
	rt.svc.Heartbeat(userOf(r).ID, "")
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) presence(w http.ResponseWriter, r *http.Request) {
	st := rt.svc.PresenceOf(mux.Vars(r)["uid"])
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Presence: &st})
}

func (rt *Router) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := rt.svc.ListConversations(r.Context(), userOf(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Conversations: list})
}

func (rt *Router) openConversation(w http.ResponseWriter, r *http.Request) {
	var req wire.OpenConversationReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := rt.svc.OpenConversation(r.Context(), userOf(r).ID, req.PeerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Conversation: c})
}

func (rt *Router) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := rt.svc.GetConversation(r.Context(), userOf(r).ID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Conversation: c})
}

func (rt *Router) fetchHistory(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after_seq")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := rt.svc.FetchHistory(r.Context(), userOf(r).ID, mux.Vars(r)["id"], after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Messages: out})
}

func (rt *Router) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.SendMessageReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyHeader)
	}
	m, err := rt.svc.SendMessage(r.Context(), &chat.AppendRequest{
		ConversationID: mux.Vars(r)["id"],
		SenderID:       userOf(r).ID,
		Content:        req.Content,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
		MIMEType:       req.MIMEType,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &wire.ServerMsg{Message: m})
}

func (rt *Router) markRead(w http.ResponseWriter, r *http.Request) {
	var req wire.MarkReadReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := rt.svc.MarkRead(r.Context(), userOf(r).ID, "", mux.Vars(r)["id"], req.UpToSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Changed: n})
}

func (rt *Router) ackDelivery(w http.ResponseWriter, r *http.Request) {
	var req wire.AckDeliveryReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	changed, err := rt.svc.AckDelivery(r.Context(), userOf(r).ID, mux.Vars(r)["id"], req.Seq)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := &wire.ServerMsg{}
	if changed {
		resp.Changed = 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) setTyping(w http.ResponseWriter, r *http.Request) {
	var req wire.SetTypingReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := rt.svc.SetTyping(r.Context(), userOf(r).ID, mux.Vars(r)["id"], req.Typing); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listFriends(w http.ResponseWriter, r *http.Request) {
	list, err := rt.svc.ListFriends(r.Context(), userOf(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Friends: list})
}

func (rt *Router) removeFriend(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.RemoveFriend(r.Context(), userOf(r).ID, mux.Vars(r)["uid"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listIncoming(w http.ResponseWriter, r *http.Request) {
	list, err := rt.svc.ListIncoming(r.Context(), userOf(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{Incoming: list})
}

func (rt *Router) requestFriend(w http.ResponseWriter, r *http.Request) {
	var req wire.RequestFriendReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	var e *store.FriendEdge
	var err error
	if req.TargetID == "" && req.Username != "" {
		e, err = rt.svc.RequestFriendByUsername(r.Context(), userOf(r).ID, req.Username)
	} else {
		e, err = rt.svc.RequestFriend(r.Context(), userOf(r).ID, req.TargetID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &wire.ServerMsg{FriendEdge: e})
}

func (rt *Router) respondFriend(w http.ResponseWriter, r *http.Request) {
	var req wire.RespondFriendReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.EdgeID != "" && req.EdgeID != mux.Vars(r)["id"] {
		writeError(w, fmt.Errorf("%w: edge_id: does not match path", chat.ErrInvalidArgument))
		return
	}
	e, c, err := rt.svc.RespondFriend(r.Context(), userOf(r).ID, mux.Vars(r)["id"], req.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	if !req.Accept {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, &wire.ServerMsg{FriendEdge: e, Conversation: c})
}
