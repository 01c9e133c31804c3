package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// BookingLog appends one human-friendly line per booking event to
// <dir>/booking.log.
type BookingLog struct {
	dir string
	mu  sync.Mutex
}

// NewBookingLog writes into dir, created on first use.
func NewBookingLog(dir string) *BookingLog {
	if dir == "" {
		dir = "logs"
	}
	return &BookingLog{dir: dir}
}

// Path returns the log file location.
func (l *BookingLog) Path() string { return filepath.Join(l.dir, "booking.log") }

// Handle decodes body and appends it to the log file.
func (l *BookingLog) Handle(body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.BookingID == "" {
		return errors.New("event without booking_id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders ev as a single log line.
func FormatLine(ev BookingEvent) string {
	verb := "Booking confirmed"
	if ev.Type == TopicBookingCancelled {
		verb = "Booking cancelled"
	}
	line := fmt.Sprintf("[%s] %s | booking_id=%s | showtime_id=%s | holder_id=%s | total=%d | seats=[%s]",
		ev.OccurredAt, verb, ev.BookingID, ev.ShowtimeID, ev.HolderID, ev.TotalAmount, strings.Join(ev.SeatIDs, ","))
	if ev.Provider != "" {
		line += fmt.Sprintf(" | provider=%s | payment_ref=%s", ev.Provider, ev.PaymentRef)
	}
	if ev.CancelReason != "" {
		line += fmt.Sprintf(" | reason=%q", ev.CancelReason)
	}
	return line + "\n"
}

// AMQPConsumer drains the booking queues from RabbitMQ into a BookingLog.
type AMQPConsumer struct {
	URL    string
	Queues []string
	Sink   *BookingLog
	Log    logrus.FieldLogger
}

// Run keeps a consumer attached, reconnecting with exponential backoff,
// until ctx is cancelled.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("booking-consumer: failed to dial broker")
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warn("booking-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *AMQPConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection, log logrus.FieldLogger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.WithError(err).Warn("booking-consumer: set QoS failed")
	}

	queues := c.Queues
	if len(queues) == 0 {
		queues = []string{TopicBookingConfirmed, TopicBookingCancelled}
	}
	deliveries := make(chan amqp.Delivery)
	done := make(chan struct{})
	defer close(done)
	var wg sync.WaitGroup
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", q, err)
		}
		wg.Add(1)
		go func(msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				select {
				case deliveries <- d:
				case <-done:
					return
				}
			}
		}(msgs)
	}
	go func() {
		wg.Wait()
		close(deliveries)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Sink.Handle(d.Body); err != nil {
				log.WithError(err).WithField("queue", d.RoutingKey).Warn("booking-consumer: handle message failed")
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer drains one booking topic from Kafka into a BookingLog.
// Offsets are committed after handling; messages that fail are logged and
// committed anyway so they do not block the partition.
type KafkaConsumer struct {
	r    messageReader
	sink *BookingLog
	log  logrus.FieldLogger
}

// NewKafkaConsumer joins group on topic.
func NewKafkaConsumer(brokers []string, group, topic string, sink *BookingLog, log logrus.FieldLogger) *KafkaConsumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return &KafkaConsumer{r: r, sink: sink, log: log.WithField("topic", topic)}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.sink.Handle(m.Value); err != nil {
			c.log.WithError(err).WithField("offset", m.Offset).Warn("booking-consumer: handle message failed")
		}
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("booking-consumer: commit failed")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
