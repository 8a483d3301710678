package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 32

// Subscription receives the events of one conversation, or of all the
// user's conversations when ConversationID is empty. C is closed when the
// subscription is cancelled.
type Subscription struct {
	ID             string
	UserID         string
	SessionID      string
	ConversationID string

	C  <-chan *Event
	ch chan *Event

	mu         sync.Mutex
	closed     bool
	lastActive int64 // unix nano
}

func (s *Subscription) matches(convID string) bool {
	return s.ConversationID == "" || s.ConversationID == convID
}

func (s *Subscription) touch(now time.Time) {
	atomic.StoreInt64(&s.lastActive, now.UnixNano())
}

func (s *Subscription) idleSince() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActive))
}

// send never blocks; returns false if the subscription is closed or full.
func (s *Subscription) send(ev *Event) (ok, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- ev:
		return true, false
	default:
		return false, true
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Closed reports whether the subscription was cancelled.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type subShard struct {
	sync.RWMutex
	// uid -> subscription id -> subscription
	byUser map[string]map[string]*Subscription
}

// subTable indexes live subscriptions by user and by session.
type subTable struct {
	shards [numShards]*subShard

	sessMu    sync.Mutex
	bySession map[string]map[string]*Subscription
}

func newSubTable() *subTable {
	t := &subTable{bySession: make(map[string]map[string]*Subscription)}
	for i := range t.shards {
		t.shards[i] = &subShard{byUser: make(map[string]map[string]*Subscription)}
	}
	return t
}

func (t *subTable) shardOf(uid string) *subShard {
	return t.shards[xxhash.Sum64String(uid)%numShards]
}

func (t *subTable) add(s *Subscription) {
	sh := t.shardOf(s.UserID)
	sh.Lock()
	m, ok := sh.byUser[s.UserID]
	if !ok {
		m = make(map[string]*Subscription)
		sh.byUser[s.UserID] = m
	}
	m[s.ID] = s
	sh.Unlock()

	t.sessMu.Lock()
	m, ok = t.bySession[s.SessionID]
	if !ok {
		m = make(map[string]*Subscription)
		t.bySession[s.SessionID] = m
	}
	m[s.ID] = s
	t.sessMu.Unlock()
}

func (t *subTable) del(s *Subscription) bool {
	var found bool
	sh := t.shardOf(s.UserID)
	sh.Lock()
	if m, ok := sh.byUser[s.UserID]; ok {
		if _, found = m[s.ID]; found {
			delete(m, s.ID)
			if len(m) == 0 {
				delete(sh.byUser, s.UserID)
			}
		}
	}
	sh.Unlock()

	t.sessMu.Lock()
	if m, ok := t.bySession[s.SessionID]; ok {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(t.bySession, s.SessionID)
		}
	}
	t.sessMu.Unlock()
	return found
}

// forUser returns uid's subscriptions matching convID.
func (t *subTable) forUser(uid, convID string) []*Subscription {
	sh := t.shardOf(uid)
	sh.RLock()
	defer sh.RUnlock()
	var out []*Subscription
	for _, s := range sh.byUser[uid] {
		if s.matches(convID) {
			out = append(out, s)
		}
	}
	return out
}

func (t *subTable) forSession(sid string) []*Subscription {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	m := t.bySession[sid]
	out := make([]*Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (t *subTable) all() []*Subscription {
	var out []*Subscription
	for _, sh := range t.shards {
		sh.RLock()
		for _, m := range sh.byUser {
			for _, s := range m {
				out = append(out, s)
			}
		}
		sh.RUnlock()
	}
	return out
}
