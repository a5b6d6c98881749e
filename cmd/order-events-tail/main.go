package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/messaging/kafka"
)

// newPrinter печатает каждое событие одной строкой: время публикации,
// тип, заказ, описание и задержку relay относительно записи в outbox.
func newPrinter(w io.Writer) kafka.OrderEventHandler {
	return func(_ context.Context, msg *kafka.OrderEventMessage, ev events.Event) error {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s%s\n",
			msg.PublishedAt.UTC().Format(time.RFC3339), msg.EventType, msg.OrderID, describe(ev), relayLag(msg))
		return err
	}
}

func relayLag(msg *kafka.OrderEventMessage) string {
	if msg.EnqueuedAt.IsZero() || msg.PublishedAt.Before(msg.EnqueuedAt) {
		return ""
	}
	return fmt.Sprintf("\t+%s", msg.PublishedAt.Sub(msg.EnqueuedAt).Round(time.Millisecond))
}

func describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.OrderCreated:
		return fmt.Sprintf("%s ordered %d item(s), %s, total %d", e.Order.StudentName, len(e.Order.Items), e.Order.Type, e.Order.TotalPrice)
	case events.OrderStatusUpdated:
		return fmt.Sprintf("status %s (version %d)", e.Order.Status, e.Order.Version)
	case events.OrderCompleted:
		return e.Message
	default:
		return string(ev.Kind())
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	brokers := flag.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated kafka brokers (fallback: KAFKA_BROKERS)")
	topic := flag.String("topic", kafka.TopicOrderEvents, "topic to tail")
	group := flag.String("group", "canteen-events-tail", "consumer group id")
	fromOldest := flag.Bool("from-oldest", false, "start from the oldest offset for a new group")
	dlqTopic := flag.String("dlq", "", "move undecodable events to this topic (e.g. "+kafka.TopicDeadLetterQueue+")")
	flag.Parse()

	var brokerList []string
	for _, b := range strings.Split(*brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}
	if len(brokerList) == 0 {
		log.Fatal("KAFKA_BROKERS (or -brokers) is required")
	}

	opts := []kafka.ConsumerOption{kafka.WithConsumerLogger(log.WithField("component", "events-tail"))}
	if *fromOldest {
		opts = append(opts, kafka.WithOldestOffset())
	}
	if *dlqTopic != "" {
		producer, err := kafka.NewProducer(brokerList, kafka.WithClientID("canteen-events-tail"))
		if err != nil {
			log.WithError(err).Fatal("failed to create dlq producer")
		}
		defer producer.Close()
		opts = append(opts, kafka.WithDLQ(producer, *dlqTopic))
	}
	consumer, err := kafka.NewConsumer(brokerList, *group, []string{*topic}, newPrinter(os.Stdout), opts...)
	if err != nil {
		log.WithError(err).Fatal("failed to create consumer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start consumer")
	}
	<-ctx.Done()

	if err := consumer.Stop(); err != nil {
		log.WithError(err).Warn("consumer stopped with error")
	}
}
