package chat

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numLockShards = 64

type refLock struct {
	sync.Mutex
	refs int
}

type lockShard struct {
	sync.Mutex
	m map[string]*refLock
}

// keyedMutex serializes callers per key. Entries are dropped when unused.
type keyedMutex struct {
	shards [numLockShards]*lockShard
}

func newKeyedMutex() *keyedMutex {
	k := &keyedMutex{}
	for i := range k.shards {
		k.shards[i] = &lockShard{m: make(map[string]*refLock)}
	}
	return k
}

// Lock locks key and returns the func to unlock it.
func (k *keyedMutex) Lock(key string) func() {
	sh := k.shards[xxhash.Sum64String(key)%numLockShards]

	sh.Lock()
	l, ok := sh.m[key]
	if !ok {
		l = &refLock{}
		sh.m[key] = l
	}
	l.refs++
	sh.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		sh.Lock()
		l.refs--
		if l.refs == 0 {
			delete(sh.m, key)
		}
		sh.Unlock()
	}
}

func (k *keyedMutex) size() int {
	var n int
	for _, sh := range k.shards {
		sh.Lock()
		n += len(sh.m)
		sh.Unlock()
	}
	return n
}
