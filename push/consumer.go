package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/backoff"
)

const kafkaReadTimeout = 10 * time.Second

// Consumer reads notifications from kafka and hands them to a gateway,
// committing each message once it has been handled or found undecodable.
type Consumer struct {
	reader  IKafkaReader
	handle  func(context.Context, *Notification) error
	maxAge  time.Duration
	Backoff backoff.Policy
	wg      sync.WaitGroup
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

// NewConsumer creates a consumer; notifications older than maxAge are
// skipped when maxAge > 0.
func NewConsumer(reader IKafkaReader, maxAge time.Duration,
	handle func(context.Context, *Notification) error) *Consumer {
	return &Consumer{
		reader:  reader,
		handle:  handle,
		maxAge:  maxAge,
		Backoff: backoff.Default,
	}
}

// Run blocks until ctx is done, then closes the reader.
func (c *Consumer) Run(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)

	<-ctx.Done()
	glog.Info("push consumer: stopping")
	_ = c.reader.Close()
	c.wg.Wait()
	glog.Info("push consumer: stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	glog.Info("push consumer: consume loop enter")
	defer func() {
		glog.Info("push consumer: consume loop exited")
		c.wg.Done()
	}()

	var sleep time.Duration

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("push consumer: fetch was cancelled")
				return
			}
			glog.Errorf("push consumer: fetch from kafka err: %v", err)
			c.Backoff.Next(&sleep)
			if !backoff.Sleep(ctx, sleep) {
				return
			}
			continue
		}
		sleep = 0

		if n := c.decode(&msg); n != nil {
			for {
				err := c.handle(ctx, n)
				if err == nil {
					break
				}
				glog.Errorf("push consumer: handle notification err: %v", err)
				if ctx.Err() != nil {
					return
				}
				c.Backoff.Next(&sleep)
				if !backoff.Sleep(ctx, sleep) {
					return
				}
			}
			sleep = 0
		}

		for {
			err := c.reader.CommitMessages(ctx, msg)
			if err == nil {
				break
			}
			// uncommitted messages are fetched again, gateways must tolerate duplicates.
			glog.Errorf("push consumer: commit to kafka err: %v", err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.Backoff.Next(&sleep)
			if !backoff.Sleep(ctx, sleep) {
				return
			}
		}
		sleep = 0
	}
}

func (c *Consumer) decode(msg *kafka.Message) *Notification {
	n, err := DecodeKafkaMsg(msg)
	if err != nil {
		glog.Errorf("push consumer: skip message: %v", err)
		return nil
	}
	if c.maxAge > 0 && !msg.Time.IsZero() && time.Since(msg.Time) > c.maxAge {
		glog.Errorf("push consumer: skip message because too old, offset: %d, time: %s", msg.Offset, msg.Time)
		return nil
	}
	return n
}
