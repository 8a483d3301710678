package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	ClosedByPeer SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read, a max sized message plus envelope.
	readLimit = 16 * 1024

	requestTimeout = 10 * time.Second

	dataChanSize = 64

	// How long a subscription event waits for room in a full dataChan.
	forwardWait = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		return true
	},
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	api *ChatApi
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan    chan *SessionData
	forwardWait time.Duration
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	// subscription id -> subscription
	subs    map[string]*fanout.Subscription
	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func newHandler(hub *Hub, sess *Session, conn *websocket.Conn) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		api:      hub.api,
		hub:      hub,
		session:  sess,
		conn:     conn,
		dataChan:    make(chan *SessionData, dataChanSize),
		forwardWait: forwardWait,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]*fanout.Subscription),
	}
}

func (h *Handler) String() string {
	return h.session.String()
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.done)
	h.cancel()
	h.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = h.conn.WriteControl(websocket.CloseMessage, []byte{}, deadline)
	h.conn.Close()

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	h.hub.delHandler(h.session, cause)
}

// appendDataChan queues v for the send loop, it blocks while the queue is
// full. Returns false if the session is closed.
func (h *Handler) appendDataChan(v *SessionData) bool {
	select {
	case h.dataChan <- v:
		return true
	case <-h.done:
		return false
	}
}

// offerDataChan queues v, waiting at most forwardWait while the queue is
// full. Returns false if v was not queued.
func (h *Handler) offerDataChan(v *SessionData) bool {
	select {
	case h.dataChan <- v:
		return true
	default:
	}
	timer := time.NewTimer(h.forwardWait)
	defer timer.Stop()
	select {
	case h.dataChan <- v:
		return true
	case <-h.done:
		return false
	case <-timer.C:
		return false
	}
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.hub.svc.Heartbeat(h.session.Uid, h.session.Sid)
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: wire.InvalidArgument(nil, "websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: wire.InvalidArgument(nil, fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		resp, e := h.serve(&req)
		if resp == nil && e == nil {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				ID:    req.ID,
				Error: wire.InvalidArgument(&req, "unsupported request"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}
		if e != nil {
			glog.V(5).Infof("recvLoop(): %s error: %+v", req.Op(), e)
			resp = &wire.ServerMsg{Error: e}
		}
		resp.ID = req.ID
		if !h.appendDataChan(&SessionData{ServerMsg: resp}) {
			return
		}
	}
}

// serve runs one request, nil results mean the request carries no operation.
func (h *Handler) serve(req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	ctx, cancel := context.WithTimeout(h.ctx, requestTimeout)
	defer cancel()

	sess := h.session
	switch {
	case req.SendMessage != nil:
		return h.api.SendMessage(ctx, sess, req)
	case req.FetchHistory != nil:
		return h.api.FetchHistory(ctx, sess, req)
	case req.Subscribe != nil:
		return h.subscribe(ctx, req)
	case req.Unsubscribe != nil:
		return h.unsubscribe(req)
	case req.SetTyping != nil:
		return h.api.SetTyping(ctx, sess, req)
	case req.Heartbeat != nil:
		return h.api.Heartbeat(ctx, sess, req)
	case req.MarkRead != nil:
		return h.api.MarkRead(ctx, sess, req)
	case req.AckDelivery != nil:
		return h.api.AckDelivery(ctx, sess, req)
	case req.RequestFriend != nil:
		return h.api.RequestFriend(ctx, sess, req)
	case req.RespondFriend != nil:
		return h.api.RespondFriend(ctx, sess, req)
	case req.RemoveFriend != nil:
		return h.api.RemoveFriend(ctx, sess, req)
	case req.ListConversations != nil:
		return h.api.ListConversations(ctx, sess, req)
	case req.ListFriends != nil:
		return h.api.ListFriends(ctx, sess, req)
	case req.ListIncoming != nil:
		return h.api.ListIncoming(ctx, sess, req)
	case req.OpenConversation != nil:
		return h.api.OpenConversation(ctx, sess, req)
	case req.Presence != nil:
		return h.api.Presence(ctx, sess, req)
	case req.SetDisplayName != nil:
		return h.api.SetDisplayName(ctx, sess, req)
	case req.SetUsername != nil:
		return h.api.SetUsername(ctx, sess, req)
	case req.FindUser != nil:
		return h.api.FindUser(ctx, sess, req)
	case req.GetUsers != nil:
		return h.api.GetUsers(ctx, sess, req)
	case req.SetDeviceToken != nil:
		return h.api.SetDeviceToken(ctx, sess, req)
	}
	return nil, nil
}

func (h *Handler) subscribe(ctx context.Context, req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	sub, err := h.hub.svc.Subscribe(ctx, h.session.Uid, h.session.Sid, req.Subscribe.ConversationID)
	if err != nil {
		return nil, wire.NewError(req, err)
	}

	h.Lock()
	if h.closing {
		h.Unlock()
		h.hub.svc.Unsubscribe(sub)
		return nil, wire.NewError(req, context.Canceled)
	}
	h.subs[sub.ID] = sub
	h.Unlock()

	go h.forward(sub)
	return &wire.ServerMsg{SubscriptionID: sub.ID}, nil
}

func (h *Handler) unsubscribe(req *wire.ClientMsg) (*wire.ServerMsg, *wire.Error) {
	id := req.Unsubscribe.SubscriptionID
	h.Lock()
	sub, ok := h.subs[id]
	h.Unlock()
	if !ok {
		return nil, wire.NewError(req, fmt.Errorf("subscription %s: %w", id, store.ErrNotFound))
	}
	h.hub.svc.Unsubscribe(sub)
	return &wire.ServerMsg{}, nil
}

// forward pushes events of sub to the peer until sub is cancelled. An event
// the peer can not take within forwardWait is dropped, the client fills the
// gap from history by seq.
func (h *Handler) forward(sub *fanout.Subscription) {
	for ev := range sub.C {
		if !h.offerDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Event: ev}}) {
			glog.Errorf("forward(): session %s is slow, drop %s event of %s, seq: %d",
				h.session.Sid, ev.Kind, ev.ConversationID, eventSeq(ev))
		}
	}
	h.Lock()
	delete(h.subs, sub.ID)
	h.Unlock()
}

func eventSeq(ev *fanout.Event) int64 {
	if ev.Message != nil {
		return ev.Message.Seq
	}
	return ev.Seq
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case <-h.done:
			return
		case v := <-h.dataChan:
			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
