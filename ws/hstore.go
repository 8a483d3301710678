package ws

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[string]*Handler)}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

// del deletes sid, returns whether it existed and how many sessions the user
// of sid has left.
func (hs *HandlerStore) del(sid string) (bool, int) {
	hs.Lock()
	defer hs.Unlock()
	h, ok := hs.handlers[sid]
	if !ok {
		return false, 0
	}
	delete(hs.handlers, sid)
	var left int
	for _, v := range hs.handlers {
		if v.session.Uid == h.session.Uid {
			left++
		}
	}
	return true, left
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.Sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) getByUid(uid string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.handlers {
		if h.session.Uid == uid {
			out = append(out, h)
		}
	}
	return out
}

func (hs *HandlerStore) shallowCopySessions() []*Session {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Session, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h.session)
	}
	return out
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.RLock()
	slice := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		slice = append(slice, h)
	}
	hs.RUnlock()
	for _, h := range slice {
		h.close(ServerStop)
	}
}
