package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/backoff"
	"github.com/mqy/minichat/fanout"
	"github.com/mqy/minichat/store"
)

// Publisher takes events for asynchronous fan-out.
type Publisher interface {
	Publish(ev *fanout.Event) bool
}

// Heartbeater records user activity.
type Heartbeater interface {
	Heartbeat(uid string)
}

type AppendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           store.MessageKind
	MediaRef       string
	// MIMEType derives Kind of a media message sent without one.
	MIMEType       string
	IdempotencyKey string
	// OriginSessionID is the sending session, it gets no echo of the message.
	OriginSessionID string
}

// MessageLog is the append-only, per conversation ordered message log.
type MessageLog struct {
	conf     Config
	registry *Registry
	msgs     store.MessageStore
	locks    *keyedMutex
	pub      Publisher
	presence Heartbeater
	now      func() time.Time
}

func NewMessageLog(conf Config, registry *Registry, msgs store.MessageStore, pub Publisher,
	presence Heartbeater) *MessageLog {
	conf.setDefaults()
	return &MessageLog{
		conf:     conf,
		registry: registry,
		msgs:     msgs,
		locks:    newKeyedMutex(),
		pub:      pub,
		presence: presence,
		now:      time.Now,
	}
}

func (l *MessageLog) validate(req *AppendRequest) error {
	if req.Kind == "" {
		if req.MediaRef != "" {
			req.Kind = store.KindFromMIME(req.MIMEType)
		} else {
			req.Kind = store.KindText
		}
	}
	if !req.Kind.Valid() {
		return invalidArgument("kind: unknown message kind %q", req.Kind)
	}

	var errs []string
	if req.Kind == store.KindText {
		if strings.TrimSpace(req.Content) == "" {
			errs = append(errs, "content: should not be empty")
		}
	} else if req.MediaRef == "" {
		errs = append(errs, "media_ref: required by "+string(req.Kind)+" message")
	}
	if len(req.Content) > l.conf.MaxContentBytes {
		errs = append(errs, "content: exceeds max size")
	}
	if len(req.MediaRef) > MaxMediaRefBytes {
		errs = append(errs, "media_ref: exceeds max size")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		errs = append(errs, "idempotency_key: required")
	} else if len(req.IdempotencyKey) > MaxIdempotencyKeyBytes {
		errs = append(errs, "idempotency_key: exceeds max size")
	}
	if len(errs) > 0 {
		return invalidArgument("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Append writes a message and assigns its seq. The write is not cancelled by
// ctx once started. Fan-out happens after the write and never fails Append.
func (l *MessageLog) Append(ctx context.Context, req *AppendRequest) (*store.Message, error) {
	if err := l.validate(req); err != nil {
		return nil, err
	}
	conv, err := l.registry.GetFor(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := l.locks.Lock(conv.ID)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.conf.AppendTimeout)
	m, dup, err := l.msgs.Append(wctx, &store.AppendReq{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
		CreateTime:     l.now(),
		IdempotencyKey: req.IdempotencyKey,
	})
	cancel()
	unlock()
	appendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		glog.Errorf("message log: append to %s error: %v", conv.ID, err)
		storeErrorCounter.WithLabelValues("append").Inc()
		return nil, err
	}

	if l.presence != nil {
		l.presence.Heartbeat(req.SenderID)
	}

	if dup {
		duplicateCounter.Inc()
		glog.V(5).Infof("message log: idempotent replay, conversation: %s, seq: %d", conv.ID, m.Seq)
		return m, nil
	}
	appendCounter.WithLabelValues(string(m.Kind)).Inc()

	l.pub.Publish(&fanout.Event{
		Kind:            fanout.EventMessage,
		ConversationID:  conv.ID,
		SenderID:        req.SenderID,
		Recipients:      []string{conv.Peer(req.SenderID)},
		Message:         m,
		CreateTime:      m.CreatedAt,
		OriginSessionID: req.OriginSessionID,
	})
	return m, nil
}

// Read returns at most limit messages with seq > after, in seq order.
func (l *MessageLog) Read(ctx context.Context, convID, uid string, after int64, limit int) ([]*store.Message, error) {
	if after < 0 {
		return nil, invalidArgument("after_seq: should not be negative")
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	} else if limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	if _, err := l.registry.GetFor(ctx, convID, uid); err != nil {
		return nil, err
	}

	var out []*store.Message
	err := l.retry(ctx, func() error {
		var err error
		out, err = l.msgs.GetMessages(ctx, convID, after, limit)
		return err
	})
	if err != nil {
		storeErrorCounter.WithLabelValues("read").Inc()
		return nil, err
	}
	return out, nil
}

// MarkRead marks the peer's messages up to upTo as read and sends a read
// receipt if anything changed. Returns the number of messages changed.
func (l *MessageLog) MarkRead(ctx context.Context, convID, uid string, upTo int64, originSession string) (int, error) {
	if upTo <= 0 {
		return 0, invalidArgument("up_to_seq: should be positive integer")
	}
	conv, err := l.registry.GetFor(ctx, convID, uid)
	if err != nil {
		return 0, err
	}
	n, err := l.msgs.MarkRead(ctx, conv.ID, uid, upTo)
	if err != nil {
		storeErrorCounter.WithLabelValues("mark_read").Inc()
		return 0, err
	}
	if n > 0 {
		l.pub.Publish(&fanout.Event{
			Kind:            fanout.EventRead,
			ConversationID:  conv.ID,
			SenderID:        uid,
			Recipients:      []string{conv.Peer(uid)},
			Seq:             upTo,
			CreateTime:      l.now(),
			OriginSessionID: originSession,
		})
	}
	return n, nil
}

// AckDelivery is the recipient's acknowledgement of a message it got by push.
func (l *MessageLog) AckDelivery(ctx context.Context, convID, uid string, seq int64) (bool, error) {
	if seq <= 0 {
		return false, invalidArgument("seq: should be positive integer")
	}
	if _, err := l.registry.GetFor(ctx, convID, uid); err != nil {
		return false, err
	}
	m, err := l.msgs.GetMessage(ctx, convID, seq)
	if err != nil {
		return false, err
	}
	if m.SenderID == uid {
		return false, invalidArgument("seq: can not acknowledge own message")
	}
	changed, err := l.msgs.SetDelivered(ctx, convID, seq)
	if err != nil {
		storeErrorCounter.WithLabelValues("set_delivered").Inc()
		return false, err
	}
	if changed {
		l.pub.Publish(&fanout.Event{
			Kind:           fanout.EventDelivered,
			ConversationID: convID,
			SenderID:       uid,
			Recipients:     []string{m.SenderID},
			Seq:            seq,
			CreateTime:     l.now(),
		})
	}
	return changed, nil
}

func (l *MessageLog) retry(ctx context.Context, fn func() error) error {
	var sleep time.Duration
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrTransient) || attempt >= l.conf.ReadRetries {
			return err
		}
		glog.V(5).Infof("message log: transient store error, attempt: %d, err: %v", attempt, err)
		l.conf.ReadBackoff.Next(&sleep)
		if !backoff.Sleep(ctx, sleep) {
			return ctx.Err()
		}
	}
}
