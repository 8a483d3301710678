package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/httpapi"
	"github.com/mqy/minichat/node"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	notificationMaxBytes = 4096
	maxSessionQuota      = 10
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagStore     = flag.String("store", "bolt", "message store: mysql or bolt")
	flagBoltPath  = flag.String("bolt-path", "minichat.db", "bolt store file")
	flagMysqlDsn  = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagMigrate   = flag.Bool("migrate", true, "mysql: create tables if absent")
	flagKafka     = flag.String("kafka-brokers", "", "comma separated kafka brokers of the push gateway, offline notifications are only logged if empty")
	flagPushTopic = flag.String("push-topic", push.DefaultTopic, "kafka topic of offline notifications")

	flagAuth     = flag.String("auth", "mock", "token resolver: mock, jwt or grpc. jwt reads secret from env JWT_SECRET")
	flagAuthAddr = flag.String("auth-addr", "", "grpc: address of the identity service")

	flagSessionQuota      = flag.Uint("session-quota", 5, "per user session quota, allowed value in [1, 10]")
	flagIdempotencyTTL    = flag.Duration("idempotency-ttl", 24*time.Hour, "how long idempotency keys are kept")
	flagRequireFriendship = flag.Bool("require-friendship", true, "only friends can open a conversation")
	flagMaxContentBytes   = flag.Int("max-content-bytes", chat.DefaultMaxContentBytes, "max bytes of text content")
	flagRateLimit         = flag.Float64("rate-limit", 10, "per user sends per second, 0 disables")
	flagRateBurst         = flag.Int("rate-burst", 20, "per user send burst")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	// a missing .env is fine, flags and the environment still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error load .env: %v\n", err)
	}
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("minichat server is starting")

	st, err := openStore()
	if err != nil {
		return errorf("store: %v", err)
	}
	defer func() {
		_ = st.Close()
	}()

	authClient, err := newAuthClient()
	if err != nil {
		return errorf("auth: %v", err)
	}

	notifier := newNotifier()
	defer func() {
		_ = notifier.Close()
	}()

	tracker := presence.NewTracker(presence.Config{})
	dispatcher := fanout.NewDispatcher(fanout.Config{}, st, notifier)

	var limiter *auth.LimiterPool
	if *flagRateLimit > 0 {
		limiter = auth.NewLimiterPool(*flagRateLimit, *flagRateBurst)
	}

	svc := chat.NewService(chat.Config{
		MaxContentBytes:   *flagMaxContentBytes,
		RequireFriendship: *flagRequireFriendship,
	}, st, authClient, tracker, dispatcher, limiter)
	hub := ws.NewHub(svc)

	r := mux.NewRouter()
	if !*flagDisableMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	r.Handle("/ws", hub)
	httpapi.NewRouter(svc, r)

	deps := node.Deps{
		Store:      st,
		Hub:        hub,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Limiter:    limiter,
		Mux:        r,
	}
	// a remote identity service is not re-exported.
	if *flagAuth != "grpc" {
		deps.Auth = authClient
	}

	n := node.NewStandalone(node.Config{
		Addr:           *flagAddr,
		SessionQuota:   int(*flagSessionQuota),
		IdempotencyTTL: *flagIdempotencyTTL,
	}, deps)

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.Run(ctx, stopNotifyChan)

	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat server exited")
	return 0
}

func openStore() (store.Store, error) {
	switch *flagStore {
	case "bolt":
		return store.OpenBoltStore(*flagBoltPath)
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		s := store.NewMySQLStore(db)
		if *flagMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("migrate: %v", err)
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store `%s`", *flagStore)
}

func newAuthClient() (auth.Client, error) {
	switch *flagAuth {
	case "mock":
		glog.Warning("auth: using mock token resolver, tokens are user ids")
		return &auth.MockClient{}, nil
	case "jwt":
		return auth.NewJWTClient([]byte(os.Getenv("JWT_SECRET")))
	case "grpc":
		return auth.DialGRPCClient(*flagAuthAddr)
	}
	return nil, fmt.Errorf("unknown auth `%s`", *flagAuth)
}

func newNotifier() push.Notifier {
	if *flagKafka == "" {
		return push.LogNotifier{}
	}
	return push.NewKafkaNotifier(strings.Split(*flagKafka, ","), *flagPushTopic, notificationMaxBytes)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("--store MUST be mysql or bolt")
	}

	switch *flagAuth {
	case "mock":
	case "jwt":
		if os.Getenv("JWT_SECRET") == "" {
			return errorf("--auth=jwt: env JWT_SECRET is required")
		}
	case "grpc":
		if *flagAuthAddr == "" {
			return errorf("--auth=grpc: --auth-addr is required")
		}
	default:
		return errorf("--auth MUST be mock, jwt or grpc")
	}

	if *flagKafka != "" && *flagPushTopic == "" {
		return errorf("--push-topic is required")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > maxSessionQuota {
		return errorf("--session-quota MUST in range [1, %d]", maxSessionQuota)
	}

	if *flagIdempotencyTTL < time.Minute {
		return errorf("--idempotency-ttl MUST be at least 1m")
	}
	if *flagMaxContentBytes <= 0 {
		return errorf("--max-content-bytes MUST be positive")
	}
	if *flagRateLimit > 0 && *flagRateBurst <= 0 {
		return errorf("--rate-burst MUST be positive")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// see if we have a stale pid file.
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
