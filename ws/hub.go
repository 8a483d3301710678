package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/wire"
)

var sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "minichat",
	Subsystem: "ws",
	Name:      "sessions",
	Help:      "Number of live websocket sessions.",
})

func init() {
	prometheus.MustRegister(sessionsGauge)
}

// Session is a websocket connection of a user.
type Session struct {
	Uid         string `json:"uid"`
	Sid         string `json:"sid"`
	CreateTime  int64  `json:"create_time"`
	Ip          string `json:"ip,omitempty"`
	KickoffTime int64  `json:"kickoff_time,omitempty"`
}

func (s *Session) String() string {
	out, _ := json.Marshal(s)
	return string(out)
}

// HubMsg is sent by the hub to the node.
type HubMsg struct {
	SessionOnline  *Session
	SessionOffline string
	SyncSessions   []*Session
}

// NodeMsg is sent by the node to the hub.
type NodeMsg struct {
	Kickoff []string
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	svc    *chat.Service
	api    *ChatApi
	hstore *HandlerStore
	nodeC  chan<- *HubMsg
	done   chan struct{}
	online int32
}

// NewHub creates a `Hub`.
func NewHub(svc *chat.Service) *Hub {
	return &Hub{
		svc:    svc,
		api:    NewApi(svc),
		hstore: newHandlerStore(),
		done:   make(chan struct{}),
	}
}

// Run serves node messages until ctx is done, then closes all sessions. The
// hub accepts connections once Run has started.
func (h *Hub) Run(ctx context.Context, nodeC chan<- *HubMsg, nodeMsgC <-chan *NodeMsg, stopDoneC chan<- struct{}) {
	h.nodeC = nodeC
	h.Online()

	for {
		select {
		case <-ctx.Done():
			h.Offline()
			close(h.done)
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneC <- struct{}{}
			return
		case msg, ok := <-nodeMsgC:
			if !ok {
				return
			}
			for _, sid := range msg.Kickoff {
				h.Kickoff(sid)
			}
		}
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.online) == 0 {
		http.Error(w, "This node is not serving", http.StatusServiceUnavailable)
		return
	}

	user, err := h.svc.Resolve(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		e := wire.NewError(nil, err)
		http.Error(w, strings.Join(e.Params, "; "), httpStatusOf(e))
		return
	}

	sess := &Session{
		Uid:        user.ID,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().UnixNano(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", user.ID, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", sess, code, text)
		handler.close(ClosedByPeer)
		return nil
	})

	h.addHandler(handler)
	h.svc.Heartbeat(sess.Uid, "")

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	sessionsGauge.Inc()
	h.toNode(&HubMsg{SessionOnline: handler.session})
}

// delHandler forgets a closed handler and cancels its subscriptions.
func (h *Hub) delHandler(sess *Session, cause SessionError) {
	ok, left := h.hstore.del(sess.Sid)
	if !ok {
		return
	}
	sessionsGauge.Dec()
	h.svc.CloseSession(sess.Uid, sess.Sid, left == 0)
	if cause != ServerStop {
		h.toNode(&HubMsg{SessionOffline: sess.Sid})
	}
}

func (h *Hub) toNode(msg *HubMsg) {
	select {
	case h.nodeC <- msg:
	case <-h.done:
	}
}

// Online opens the hub and syncs local sessions to the node.
func (h *Hub) Online() {
	glog.Infof("Online()")
	atomic.StoreInt32(&h.online, 1)

	sessions := h.hstore.shallowCopySessions()
	if len(sessions) == 0 {
		return
	}

	glog.V(5).Infof("Online(): sync %d sessions to node ...", len(sessions))

	const batch = 1000
	size := len(sessions)
	for i := 0; i < size; i += batch {
		j := i + batch
		if j > size {
			j = size
		}
		h.toNode(&HubMsg{SyncSessions: sessions[i:j]})
	}
}

// Offline stops accepting new sessions.
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	atomic.StoreInt32(&h.online, 0)
}

// Kickoff tells the session it is kicked off; the session closes itself after
// the notice is written.
func (h *Hub) Kickoff(sid string) {
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("Kickoff(): kickoff local session: %s", s)
		s.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Kickoff: true}})
	}
}

// Len is the number of local sessions.
func (h *Hub) Len() int {
	return h.hstore.len()
}

func httpStatusOf(e *wire.Error) int {
	return wire.HTTPStatus(e.Code)
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
