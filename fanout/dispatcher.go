package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/backoff"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/store"
)

type EventKind string

const (
	EventMessage   EventKind = "message"
	EventDelivered EventKind = "delivered"
	EventRead      EventKind = "read"
	EventTyping    EventKind = "typing"
)

// Event is what subscribers receive. SenderID is the user who caused the
// event. Message is set for EventMessage; Seq is the delivered seq or the read
// watermark for receipts. The session OriginSessionID does not get the event
// echoed back.
type Event struct {
	Kind            EventKind      `json:"kind"`
	ConversationID  string         `json:"conversation_id"`
	SenderID        string         `json:"sender_id"`
	Recipients      []string       `json:"-"`
	Message         *store.Message `json:"message,omitempty"`
	Seq             int64          `json:"seq,omitempty"`
	Typing          bool           `json:"typing,omitempty"`
	CreateTime      time.Time      `json:"create_time"`
	OriginSessionID string         `json:"-"`
}

// DeliveryMarker records that a live subscriber received a message.
type DeliveryMarker interface {
	SetDelivered(ctx context.Context, convID string, seq int64) (bool, error)
}

// DeviceTokens finds the push device token of a recipient.
type DeviceTokens interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

type Config struct {
	Workers            int
	QueueSize          int
	SubscriptionBuffer int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration

	PushWorkers     int
	PushQueueSize   int
	PushMaxAttempts int
	PushBackoff     backoff.Policy
	PushTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.PushWorkers <= 0 {
		c.PushWorkers = 4
	}
	if c.PushQueueSize <= 0 {
		c.PushQueueSize = 1024
	}
	if c.PushMaxAttempts <= 0 {
		c.PushMaxAttempts = 5
	}
	if c.PushBackoff.Min <= 0 {
		c.PushBackoff = backoff.Policy{Min: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: backoff.Multiplier}
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Second
	}
}

// Dispatcher delivers events to live subscriptions and hands messages for
// recipients without one to the push notifier. Events of one conversation are
// processed by one worker, in publish order.
type Dispatcher struct {
	conf     Config
	marker   DeliveryMarker
	devices  DeviceTokens
	notifier push.Notifier
	subs     *subTable
	queues   []chan *Event
	pushC    chan *push.Notification
	now      func() time.Time
	running  int32
	stopped  int32
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. When marker also implements
// DeviceTokens, push notifications carry the recipient's device token.
func NewDispatcher(conf Config, marker DeliveryMarker, notifier push.Notifier) *Dispatcher {
	conf.setDefaults()
	devices, _ := marker.(DeviceTokens)
	d := &Dispatcher{
		conf:     conf,
		marker:   marker,
		devices:  devices,
		notifier: notifier,
		subs:     newSubTable(),
		queues:   make([]chan *Event, conf.Workers),
		pushC:    make(chan *push.Notification, conf.PushQueueSize),
		now:      time.Now,
	}
	for i := range d.queues {
		d.queues[i] = make(chan *Event, conf.QueueSize)
	}
	return d
}

// Subscribe opens a subscription of uid's session to convID, or to all of
// uid's conversations when convID is empty.
func (d *Dispatcher) Subscribe(uid, sessionID, convID string) *Subscription {
	ch := make(chan *Event, d.conf.SubscriptionBuffer)
	s := &Subscription{
		ID:             strings.ReplaceAll(uuid.New(), "-", ""),
		UserID:         uid,
		SessionID:      sessionID,
		ConversationID: convID,
		C:              ch,
		ch:             ch,
	}
	s.touch(d.now())
	if atomic.LoadInt32(&d.stopped) == 1 {
		s.close()
		return s
	}
	d.subs.add(s)
	subscriptionsGauge.Inc()
	glog.V(5).Infof("fanout: subscribe, uid: %s, session: %s, conversation: %q", uid, sessionID, convID)
	return s
}

// Unsubscribe cancels s, it is a no-op for a cancelled subscription.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	if d.subs.del(s) {
		subscriptionsGauge.Dec()
	}
	s.close()
}

// CloseSession cancels every subscription of sessionID.
func (d *Dispatcher) CloseSession(sessionID string) int {
	slice := d.subs.forSession(sessionID)
	for _, s := range slice {
		d.Unsubscribe(s)
	}
	return len(slice)
}

// TouchSession keeps the subscriptions of sessionID from being reaped.
func (d *Dispatcher) TouchSession(sessionID string) {
	now := d.now()
	for _, s := range d.subs.forSession(sessionID) {
		s.touch(now)
	}
}

// HasSubscriber reports whether uid has a live subscription matching convID.
func (d *Dispatcher) HasSubscriber(uid, convID string) bool {
	return len(d.subs.forUser(uid, convID)) > 0
}

// Publish enqueues ev without blocking. Returns false when ev is dropped.
func (d *Dispatcher) Publish(ev *Event) bool {
	if atomic.LoadInt32(&d.stopped) == 1 {
		droppedCounter.WithLabelValues("stopped").Inc()
		return false
	}
	if ev.CreateTime.IsZero() {
		ev.CreateTime = d.now()
	}
	q := d.queues[xxhash.Sum64String(ev.ConversationID)%uint64(len(d.queues))]
	select {
	case q <- ev:
		publishedCounter.WithLabelValues(string(ev.Kind)).Inc()
		return true
	default:
		droppedCounter.WithLabelValues("queue_full").Inc()
		glog.Errorf("fanout: queue full, drop %s event of conversation %s", ev.Kind, ev.ConversationID)
		return false
	}
}

// Run starts workers and blocks until ctx is done, then cancels all
// subscriptions. Pending events are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		panic("fanout: dispatcher is already running")
	}
	glog.Infof("fanout: starting %d workers, %d pushers", len(d.queues), d.conf.PushWorkers)

	for _, q := range d.queues {
		d.wg.Add(1)
		go d.workLoop(ctx, q)
	}
	for i := 0; i < d.conf.PushWorkers; i++ {
		d.wg.Add(1)
		go d.pushLoop(ctx)
	}

	ticker := time.NewTicker(d.conf.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&d.stopped, 1)
			d.wg.Wait()
			for _, s := range d.subs.all() {
				d.Unsubscribe(s)
			}
			glog.Infof("fanout: stopped")
			return
		case <-ticker.C:
			if n := d.reap(); n > 0 {
				glog.Infof("fanout: reaped %d idle subscriptions", n)
			}
		}
	}
}

func (d *Dispatcher) reap() int {
	deadline := d.now().Add(-d.conf.IdleTimeout)
	var n int
	for _, s := range d.subs.all() {
		if s.idleSince().Before(deadline) {
			d.Unsubscribe(s)
			n++
		}
	}
	return n
}

func (d *Dispatcher) workLoop(ctx context.Context, q <-chan *Event) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			d.process(ctx, ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev *Event) {
	switch ev.Kind {
	case EventMessage:
		// sender's other sessions see the message before its receipt.
		d.deliver(ev.SenderID, ev, ev.OriginSessionID)
		live := deliveredCopy(ev)
		for _, uid := range ev.Recipients {
			if d.deliver(uid, live, "") > 0 {
				d.markDelivered(ctx, uid, ev)
			} else {
				d.enqueuePush(uid, ev)
			}
		}
	case EventRead:
		for _, uid := range ev.Recipients {
			d.deliver(uid, ev, "")
		}
		d.deliver(ev.SenderID, ev, ev.OriginSessionID)
	default:
		for _, uid := range ev.Recipients {
			d.deliver(uid, ev, "")
		}
	}
}

// deliveredCopy returns ev carrying a copy of its message marked delivered.
// The published message is shared with the sender's sessions and the caller.
func deliveredCopy(ev *Event) *Event {
	if ev.Message == nil {
		return ev
	}
	m := *ev.Message
	m.Delivered = true
	cp := *ev
	cp.Message = &m
	return &cp
}

// deliver sends ev to uid's matching subscriptions, except those of session
// exclude. Returns the number of subscriptions that accepted it.
func (d *Dispatcher) deliver(uid string, ev *Event, exclude string) int {
	var n int
	for _, s := range d.subs.forUser(uid, ev.ConversationID) {
		if exclude != "" && s.SessionID == exclude {
			continue
		}
		ok, full := s.send(ev)
		if ok {
			n++
		} else if full {
			droppedCounter.WithLabelValues("subscriber_full").Inc()
			glog.Errorf("fanout: subscription %s of user %s is full, drop %s event", s.ID, uid, ev.Kind)
		}
	}
	if n > 0 {
		deliveredCounter.WithLabelValues(string(ev.Kind)).Add(float64(n))
	}
	return n
}

func (d *Dispatcher) markDelivered(ctx context.Context, recipient string, ev *Event) {
	m := ev.Message
	if m == nil || d.marker == nil {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	changed, err := d.marker.SetDelivered(ctx2, m.ConversationID, m.Seq)
	if err != nil {
		glog.Errorf("fanout: set delivered error, conversation: %s, seq: %d, err: %v", m.ConversationID, m.Seq, err)
		return
	}
	if !changed {
		return
	}
	d.deliver(ev.SenderID, &Event{
		Kind:           EventDelivered,
		ConversationID: m.ConversationID,
		SenderID:       recipient,
		Recipients:     []string{ev.SenderID},
		Seq:            m.Seq,
		CreateTime:     d.now(),
	}, "")
}

func (d *Dispatcher) enqueuePush(recipient string, ev *Event) {
	m := ev.Message
	if m == nil || d.notifier == nil {
		return
	}
	n := &push.Notification{
		RecipientID:    recipient,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Preview:        previewOf(m),
		CreateTime:     m.CreatedAt,
	}
	select {
	case d.pushC <- n:
	default:
		pushCounter.WithLabelValues("dropped").Inc()
		glog.Errorf("fanout: push queue full, drop notification of message %s to %s", m.ID, recipient)
	}
}

func previewOf(m *store.Message) string {
	if m.Kind != store.KindText {
		return "[" + string(m.Kind) + "]"
	}
	return push.Preview(m.Content)
}

func (d *Dispatcher) pushLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.pushC:
			d.notify(ctx, n)
		}
	}
}

func (d *Dispatcher) attachDeviceToken(ctx context.Context, n *push.Notification) {
	if d.devices == nil || n.DeviceToken != "" {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, d.conf.PushTimeout)
	defer cancel()
	u, err := d.devices.GetUser(ctx2, n.RecipientID)
	if err != nil {
		// the gateway may still route by recipient id.
		glog.V(5).Infof("fanout: device token of %s: %v", n.RecipientID, err)
		return
	}
	n.DeviceToken = u.DeviceToken
}

// notify hands n to the notifier, retrying up to PushMaxAttempts.
func (d *Dispatcher) notify(ctx context.Context, n *push.Notification) {
	d.attachDeviceToken(ctx, n)
	var sleep time.Duration
	for attempt := 1; ; attempt++ {
		ctx2, cancel := context.WithTimeout(ctx, d.conf.PushTimeout)
		err := d.notifier.NotifyOffline(ctx2, n)
		cancel()
		if err == nil {
			pushCounter.WithLabelValues("ok").Inc()
			return
		}
		if errors.Is(err, push.ErrPayloadTooLarge) || attempt >= d.conf.PushMaxAttempts {
			pushCounter.WithLabelValues("failed").Inc()
			glog.Errorf("fanout: give up push of message %s to %s after %d attempts: %v",
				n.MessageID, n.RecipientID, attempt, err)
			return
		}
		glog.V(5).Infof("fanout: push attempt %d of message %s failed: %v", attempt, n.MessageID, err)
		d.conf.PushBackoff.Next(&sleep)
		if !backoff.Sleep(ctx, sleep) {
			return
		}
	}
}
