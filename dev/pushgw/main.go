package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/push"
)

// The dev push gateway consumes offline notifications from kafka and logs
// them. With --produce it also writes a fake notification on every tick, so
// the pipeline can be tried without running the chat server.

// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-push --create

const groupID = "minichat-pushgw"

var (
	kafkaBrokers   = flag.String("kafka-brokers", "127.0.0.1:9092", "kafka brokers, ',' delimitted.")
	topic          = flag.String("topic", push.DefaultTopic, "notification topic")
	maxAge         = flag.Duration("max-age", time.Hour, "skip notifications older than this")
	produce        = flag.Bool("produce", false, "write fake notifications")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "produce: ticker duration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if len(*kafkaBrokers) == 0 {
		fmt.Fprintln(os.Stderr, "--kafka-brokers is required.")
		os.Exit(1)
	}
	brokers := strings.Split(*kafkaBrokers, ",")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *produce {
		go produceLoop(ctx, push.NewKafkaNotifier(brokers, *topic, 0))
	}

	c := push.NewConsumer(push.NewKafkaReader(brokers, *topic, groupID), *maxAge, deliver)
	c.Run(ctx)
}

// deliver stands in for a call to a mobile push provider.
func deliver(ctx context.Context, n *push.Notification) error {
	glog.Infof("pushgw: to %s (device %q) from %s in %s #%d: %s",
		n.RecipientID, n.DeviceToken, n.SenderID, n.ConversationID, n.Seq, n.Preview)
	return nil
}

func produceLoop(ctx context.Context, notifier push.Notifier) {
	defer notifier.Close()

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		n := &push.Notification{
			RecipientID:    "bob",
			ConversationID: "dev",
			MessageID:      uuid.New(),
			SenderID:       "alice",
			Seq:            seq,
			Preview:        push.Preview(fmt.Sprintf("hello #%d", seq)),
			CreateTime:     time.Now(),
		}
		if err := notifier.NotifyOffline(ctx, n); err != nil {
			glog.Errorf("pushgw: produce error: %v", err)
		}
	}
}
