package presence

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type State string

const (
	Online  State = "online"
	Offline State = "offline"
	Typing  State = "typing"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultTypingTimeout = 5 * time.Second

	numShards = 32
)

var trackedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "minichat",
	Subsystem: "presence",
	Name:      "tracked_users",
	Help:      "Number of presence records held in memory after the last sweep.",
})

func init() {
	prometheus.MustRegister(trackedUsers)
}

// Record is the last reported presence of a user. State is what the user
// reported, it is never returned as is: see Tracker.StatusOf.
type Record struct {
	UserID       string
	State        State
	TypingTarget string
	LastSeen     time.Time
	TypingSince  time.Time
}

// Status is the derived presence of a user.
type Status struct {
	UserID   string    `json:"user_id"`
	State    State     `json:"state"`
	TypingIn string    `json:"typing_in,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Config struct {
	// Timeout after the last heartbeat a user is considered offline.
	Timeout time.Duration
	// TypingTimeout after which a typing indicator clears by itself.
	TypingTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
}

type shard struct {
	sync.RWMutex
	records map[string]*Record
}

// Tracker holds presence records in memory, sharded by user id.
type Tracker struct {
	conf   Config
	shards [numShards]*shard
	now    func() time.Time
}

func NewTracker(conf Config) *Tracker {
	return newTracker(conf, time.Now)
}

func newTracker(conf Config, now func() time.Time) *Tracker {
	conf.setDefaults()
	t := &Tracker{conf: conf, now: now}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return t
}

func (t *Tracker) shardOf(uid string) *shard {
	return t.shards[xxhash.Sum64String(uid)%numShards]
}

// Heartbeat marks uid online. Typing state, if fresh, is kept.
func (t *Tracker) Heartbeat(uid string) {
	now := t.now()
	s := t.shardOf(uid)
	s.Lock()
	defer s.Unlock()
	r, ok := s.records[uid]
	if !ok {
		r = &Record{UserID: uid}
		s.records[uid] = r
	}
	r.LastSeen = now
	if r.State != Typing {
		r.State = Online
	}
}

// SetTyping records uid typing in conversation convID, or clears it.
// It counts as a heartbeat.
func (t *Tracker) SetTyping(uid, convID string, isTyping bool) {
	now := t.now()
	s := t.shardOf(uid)
	s.Lock()
	defer s.Unlock()
	r, ok := s.records[uid]
	if !ok {
		r = &Record{UserID: uid}
		s.records[uid] = r
	}
	r.LastSeen = now
	if isTyping {
		r.State = Typing
		r.TypingTarget = convID
		r.TypingSince = now
	} else if r.TypingTarget == convID || convID == "" {
		r.State = Online
		r.TypingTarget = ""
		r.TypingSince = time.Time{}
	}
}

// Offline marks uid offline right away, used when its last session closes.
func (t *Tracker) Offline(uid string) {
	s := t.shardOf(uid)
	s.Lock()
	defer s.Unlock()
	if r, ok := s.records[uid]; ok {
		r.State = Offline
		r.TypingTarget = ""
		r.TypingSince = time.Time{}
	}
}

// StatusOf derives the presence of uid from its record and the clock.
func (t *Tracker) StatusOf(uid string) Status {
	now := t.now()
	s := t.shardOf(uid)
	s.RLock()
	r, ok := s.records[uid]
	var rec Record
	if ok {
		rec = *r
	}
	s.RUnlock()

	if !ok {
		return Status{UserID: uid, State: Offline}
	}
	st := Status{UserID: uid, LastSeen: rec.LastSeen}
	switch {
	case rec.State == Offline || now.Sub(rec.LastSeen) > t.conf.Timeout:
		st.State = Offline
	case rec.State == Typing && rec.TypingTarget != "" && now.Sub(rec.TypingSince) <= t.conf.TypingTimeout:
		st.State = Typing
		st.TypingIn = rec.TypingTarget
	default:
		st.State = Online
	}
	return st
}

// IsOnline reports whether uid is online or typing.
func (t *Tracker) IsOnline(uid string) bool {
	return t.StatusOf(uid).State != Offline
}

// Sweep drops records not seen for `keep`, returns the number dropped. Last
// seen time of a dropped user is lost.
func (t *Tracker) Sweep(keep time.Duration) int {
	now := t.now()
	var n, total int
	for _, s := range t.shards {
		s.Lock()
		for uid, r := range s.records {
			if now.Sub(r.LastSeen) > keep {
				delete(s.records, uid)
				n++
			}
		}
		total += len(s.records)
		s.Unlock()
	}
	trackedUsers.Set(float64(total))
	return n
}
