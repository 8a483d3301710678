package node

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

// maintenance runs the periodic cleanup loops of the node.
type maintenance struct {
	conf    *Config
	msgs    store.MessageStore
	tracker *presence.Tracker
	limiter *auth.LimiterPool
	wg      sync.WaitGroup
}

func (m *maintenance) run(ctx context.Context) {
	m.start(ctx, "idempotency delete", m.conf.IdempotencyDeleteInterval, m.deleteIdempotencyKeys)
	m.start(ctx, "presence sweep", m.conf.PresenceSweepInterval, m.sweepPresence)
	if m.limiter != nil {
		m.start(ctx, "limiter evict", m.conf.LimiterEvictInterval, m.evictLimiters)
	}
}

func (m *maintenance) wait() {
	m.wg.Wait()
}

func (m *maintenance) start(ctx context.Context, name string, interval time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		glog.Infof("maintenance: %s loop enter", name)
		ticker := time.NewTicker(interval)
		defer func() {
			ticker.Stop()
			glog.Infof("maintenance: %s loop exit", name)
			m.wg.Done()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// deleteIdempotencyKeys deletes keys older than IdempotencyTTL.
func (m *maintenance) deleteIdempotencyKeys() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := m.msgs.DeleteExpiredIdempotencyKeys(ctx, start.Add(-m.conf.IdempotencyTTL))
	if err == nil {
		glog.Infof("maintenance: deleted %d expired idempotency keys, took %s", n, time.Since(start))
	} else {
		glog.Errorf("maintenance: delete expired idempotency keys error: %v ", err)
	}
}

func (m *maintenance) sweepPresence() {
	if n := m.tracker.Sweep(m.conf.PresenceKeep); n > 0 {
		glog.V(5).Infof("maintenance: dropped %d stale presence records", n)
	}
}

func (m *maintenance) evictLimiters() {
	if n := m.limiter.Evict(m.conf.LimiterIdle); n > 0 {
		glog.V(5).Infof("maintenance: evicted %d idle rate limiters", n)
	}
}
