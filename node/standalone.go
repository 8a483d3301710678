// Package node hosts the chat service in one process: the HTTP, websocket and
// gRPC endpoints on a single port, the fan-out dispatcher, session quota and
// periodic maintenance.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

type Config struct {
	Addr string
	// SessionQuota is the max number of sessions per user, the oldest are
	// kicked off.
	SessionQuota         int
	SessionCleanInterval time.Duration

	IdempotencyTTL            time.Duration
	IdempotencyDeleteInterval time.Duration

	PresenceSweepInterval time.Duration
	// PresenceKeep is how long a record is kept after its last heartbeat.
	PresenceKeep time.Duration

	LimiterEvictInterval time.Duration
	LimiterIdle          time.Duration
}

func (c *Config) setDefaults() {
	if c.SessionQuota <= 0 {
		c.SessionQuota = 5
	}
	if c.SessionCleanInterval <= 0 {
		c.SessionCleanInterval = 5 * time.Minute
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.IdempotencyDeleteInterval <= 0 {
		c.IdempotencyDeleteInterval = time.Hour
	}
	if c.PresenceSweepInterval <= 0 {
		c.PresenceSweepInterval = time.Minute
	}
	if c.PresenceKeep <= 0 {
		c.PresenceKeep = 24 * time.Hour
	}
	if c.LimiterEvictInterval <= 0 {
		c.LimiterEvictInterval = time.Minute
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = 10 * time.Minute
	}
}

// Deps are the components the node runs. Limiter and Auth may be nil.
type Deps struct {
	Store      store.Store
	Hub        *ws.Hub
	Dispatcher *fanout.Dispatcher
	Tracker    *presence.Tracker
	Limiter    *auth.LimiterPool
	// Auth, when set, is exposed as the gRPC identity service.
	Auth auth.Client
	Mux  http.Handler
}

// Standalone is a single node server.
type Standalone struct {
	conf       Config
	deps       Deps
	sessions   *SessionStore
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	maint      *maintenance

	hubC     chan *ws.HubMsg
	nodeMsgC chan *ws.NodeMsg

	ready chan struct{}
	addr  net.Addr
}

func NewStandalone(conf Config, deps Deps) *Standalone {
	conf.setDefaults()
	s := &Standalone{
		conf:       conf,
		deps:       deps,
		sessions:   newSessionStore(),
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		hubC:       make(chan *ws.HubMsg, 64),
		nodeMsgC:   make(chan *ws.NodeMsg),
		ready:      make(chan struct{}),
	}
	s.maint = &maintenance{
		conf:    &s.conf,
		msgs:    deps.Store,
		tracker: deps.Tracker,
		limiter: deps.Limiter,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	if deps.Auth != nil {
		auth.RegisterIdentityServer(s.grpcServer, deps.Auth)
	}
	s.httpServer = &http.Server{Handler: h2c.NewHandler(s, &http2.Server{})}
	return s
}

// ServeHTTP sends gRPC requests to the gRPC server, others to the mux.
func (s *Standalone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("content-type"), "application/grpc") {
		s.grpcServer.ServeHTTP(w, r)
	} else {
		s.deps.Mux.ServeHTTP(w, r)
	}
}

// Addr waits until the node listens and returns its address.
func (s *Standalone) Addr() net.Addr {
	<-s.ready
	return s.addr
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone node is starting")

	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}
	s.addr = lis.Addr()
	close(s.ready)

	go func() {
		glog.Infof("http server is listening %v", s.addr)
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	// clean session ticker.
	ticker := time.NewTicker(s.conf.SessionCleanInterval)

	dispatcherStopDoneC := make(chan struct{})
	hubStopDoneC := make(chan struct{}, 1)

	defer func() {
		ticker.Stop()
		s.httpServer.Shutdown(context.Background())
		glog.Infof("standalone node: http server shutdown done")

		<-hubStopDoneC
		glog.Infof("standalone node: hub stopped")

		<-dispatcherStopDoneC
		glog.Infof("standalone node: dispatcher stopped")

		s.maint.wait()
		glog.Infof("standalone node: stopped")
		stopNotifyCh <- struct{}{}
	}()

	go func() {
		s.deps.Dispatcher.Run(ctx)
		close(dispatcherStopDoneC)
	}()
	go s.deps.Hub.Run(ctx, s.hubC, s.nodeMsgC, hubStopDoneC)
	s.maint.run(ctx)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	glog.Infof("standalone node is blocking at recv loop")

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			glog.Infof("standalone node is stopping")
			return
		case <-ticker.C:
			if sids := s.sessions.gc(s.conf.SessionQuota); len(sids) > 0 {
				s.kickoff(ctx, sids)
			}
		case msg := <-s.hubC:
			if v := msg.SessionOnline; v != nil {
				s.sessions.add(v)
				if sids := s.sessions.getUserSessionsToKickoff(v.Uid, s.conf.SessionQuota); len(sids) > 0 {
					s.kickoff(ctx, sids)
				}
			} else if v := msg.SessionOffline; v != "" {
				s.sessions.del(v)
			} else if v := msg.SyncSessions; len(v) > 0 {
				s.sessions.addMany(v)
			} else {
				panic(fmt.Sprintf("unknown hub message: %#+v", msg))
			}
		}
	}
}

func (s *Standalone) kickoff(ctx context.Context, sids []string) {
	glog.V(5).Infof("kickoff sessions: %v", sids)
	s.sessions.markKickoff(sids, time.Now().Unix())
	select {
	case s.nodeMsgC <- &ws.NodeMsg{Kickoff: sids}:
	case <-ctx.Done():
	}
}
