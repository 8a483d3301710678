package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
)

const (
	// DefaultTopic is the kafka topic the push gateway consumes.
	DefaultTopic = "minichat-push"

	kafkaWriteTimeout = 3 * time.Second

	// PreviewMaxRunes bounds Notification.Preview.
	PreviewMaxRunes = 64
)

// ErrPayloadTooLarge is not retryable.
var ErrPayloadTooLarge = errors.New("push: payload exceeds limit")

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Notification is handed to the push gateway for an offline recipient.
type Notification struct {
	RecipientID    string    `json:"recipient_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Seq            int64     `json:"seq"`
	Preview        string    `json:"preview"`
	CreateTime     time.Time `json:"create_time"`
	// DeviceToken addresses the recipient's device, empty if it registered none.
	DeviceToken string `json:"device_token,omitempty"`
}

// Notifier hands notifications off to an external push service.
type Notifier interface {
	NotifyOffline(ctx context.Context, n *Notification) error
	Close() error
}

// Preview truncates content to PreviewMaxRunes runes.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewMaxRunes {
		return content
	}
	return string(runes[:PreviewMaxRunes]) + "…"
}

// KafkaNotifier writes notifications as JSON to a kafka topic, keyed by
// recipient so one recipient's notifications keep their order.
type KafkaNotifier struct {
	writer   IKafkaWriter
	maxBytes int
}

func NewKafkaNotifier(brokers []string, topic string, maxBytes int) *KafkaNotifier {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	return NewKafkaNotifierWithWriter(w, maxBytes)
}

func NewKafkaNotifierWithWriter(w IKafkaWriter, maxBytes int) *KafkaNotifier {
	return &KafkaNotifier{writer: w, maxBytes: maxBytes}
}

func (k *KafkaNotifier) NotifyOffline(ctx context.Context, n *Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("error marshal notification: %+v, err: %v", n, err)
	}
	if k.maxBytes > 0 && len(value) > k.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, k.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// DecodeKafkaMsg parses a notification written by KafkaNotifier.
func DecodeKafkaMsg(msg *kafka.Message) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification at offset %d: %w", msg.Offset, err)
	}
	if n.RecipientID == "" || n.MessageID == "" {
		return nil, fmt.Errorf("incomplete notification at offset %d", msg.Offset)
	}
	return &n, nil
}

// LogNotifier only logs, used when no push gateway is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyOffline(ctx context.Context, n *Notification) error {
	glog.Infof("push: offline notification, recipient: %s, conversation: %s, message: %s",
		n.RecipientID, n.ConversationID, n.MessageID)
	return nil
}

func (LogNotifier) Close() error {
	return nil
}
