package node

import (
	"sort"
	"sync"
	"time"

	"github.com/mqy/minichat/ws"
)

const (
	// duration to delete a session since last kickoff
	deleteSinceKickoffTTL = 60 // seconds
)

// memory session store of the node. Sessions are copies, the hub owns the
// originals.
type SessionStore struct {
	sync.RWMutex

	// sid -> session
	kv map[string]*ws.Session
}

func newSessionStore() *SessionStore {
	return &SessionStore{
		kv: make(map[string]*ws.Session),
	}
}

func (s *SessionStore) add(sess *ws.Session) {
	v := *sess
	s.Lock()
	s.kv[v.Sid] = &v
	s.Unlock()
}

func (s *SessionStore) addMany(slice []*ws.Session) {
	s.Lock()
	for _, sess := range slice {
		v := *sess
		s.kv[v.Sid] = &v
	}
	s.Unlock()
}

func (s *SessionStore) del(sid string) {
	s.Lock()
	delete(s.kv, sid)
	s.Unlock()
}

func (s *SessionStore) len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.kv)
}

// markKickoff records the kickoff time of sids.
func (s *SessionStore) markKickoff(sids []string, now int64) {
	s.Lock()
	for _, sid := range sids {
		if sess, ok := s.kv[sid]; ok {
			sess.KickoffTime = now
		}
	}
	s.Unlock()
}

// getUserSessionsToKickoff returns the oldest sessions of uid that exceed
// quota, order by ctime asc. Sessions already kicked off are not counted.
func (s *SessionStore) getUserSessionsToKickoff(uid string, quota int) []string {
	var slice []*ws.Session
	s.RLock()
	for _, sess := range s.kv {
		if sess.Uid == uid && sess.KickoffTime == 0 {
			slice = append(slice, sess)
		}
	}
	s.RUnlock()
	return overQuota(slice, quota)
}

// `gc` deletes sessions the hub did not delete after kickoff, then returns
// live sessions to kickoff.
func (s *SessionStore) gc(quota int) []string {
	now := time.Now().Unix()
	s.Lock()
	defer s.Unlock()

	userSessions := make(map[string][]*ws.Session)

	for sid, sess := range s.kv {
		if sess.KickoffTime > 0 {
			if now > sess.KickoffTime+deleteSinceKickoffTTL {
				delete(s.kv, sid)
			}
			continue
		}
		userSessions[sess.Uid] = append(userSessions[sess.Uid], sess)
	}

	var kickoff []string
	for _, slice := range userSessions {
		kickoff = append(kickoff, overQuota(slice, quota)...)
	}
	return kickoff
}

func overQuota(slice []*ws.Session, quota int) []string {
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}

	sort.Slice(slice, func(i, j int) bool {
		return slice[i].CreateTime < slice[j].CreateTime
	})

	sids := make([]string, 0, n)
	for _, sess := range slice[:n] {
		sids = append(sids, sess.Sid)
	}
	return sids
}
