// Command notifier consumes booking lifecycle events and appends one line
// per event to the booking log.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/logger"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
)

const consumerGroup = "booking-notifier"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := queue.NewBookingLog(cfg.Events.LogDir)
	topics := []string{queue.TopicBookingConfirmed, queue.TopicBookingCancelled}
	log.WithFields(logrus.Fields{"broker": cfg.Events.Broker, "file": sink.Path()}).Info("booking notifier starting")

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.Events.Broker {
	case "rabbitmq":
		c := &queue.AMQPConsumer{URL: cfg.Events.AMQPURL, Queues: topics, Sink: sink, Log: log}
		g.Go(func() error { return c.Run(gctx) })
	case "kafka":
		for _, topic := range topics {
			c := queue.NewKafkaConsumer(cfg.Events.KafkaBrokers, consumerGroup, topic, sink, log)
			g.Go(func() error { return c.Run(gctx) })
		}
	default:
		log.WithField("broker", cfg.Events.Broker).Fatal("EVENT_BROKER must be rabbitmq or kafka")
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("notifier stopped")
	}
	log.Info("notifier stopped")
}
