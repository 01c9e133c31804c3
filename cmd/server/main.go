package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/database"
	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/logger"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/router"
	"github.com/iliyamo/cinema-seat-booking/internal/seatlock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seat holds: the store is chosen once here, never per request.  An
	// unreachable Redis keeps its client; calls fail open until it answers.
	rdb, err := config.NewRedisClient(cfg.Redis)
	var lockStore seatlock.Store = seatlock.NoopStore{}
	if rdb != nil {
		lockStore = seatlock.NewRedisStore(rdb)
		defer rdb.Close()
		if err != nil {
			log.WithError(err).WithField("addr", cfg.Redis.Address()).Warn("redis unreachable at startup; seat holds fail open until it recovers")
		} else {
			log.WithField("addr", cfg.Redis.Address()).Info("redis connected")
		}
	} else {
		log.Warn("redis disabled; seat holds run without contention checks")
	}
	locks := seatlock.NewManager(lockStore, log, seatlock.Options{
		DefaultHold: cfg.Lock.DefaultHold,
		MaxHold:     cfg.Lock.MaxHold,
		KeyTTL:      cfg.Lock.KeyTTL,
		Timeout:     cfg.Lock.StoreTimeout,
	})

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open booking store")
	}
	if db != nil {
		defer db.Close()
	}

	pub := newPublisher(cfg.Events, log)
	defer pub.Close()

	bookings := booking.NewService(store, log,
		booking.WithSeatReleaser(locks),
		booking.WithHoldVerifier(locks),
		booking.WithNotifier(queue.NewNotifier(pub, log)),
	)
	reconciler := payment.NewReconciler(bookings, log,
		payment.NewStripe(cfg.Payment.StripeWebhookSecret, cfg.Payment.StripeTolerance),
		payment.NewRazorpay(cfg.Payment.RazorpayWebhookSecret),
	)
	if cfg.Payment.StripeWebhookSecret == "" || cfg.Payment.RazorpayWebhookSecret == "" {
		log.Warn("a webhook secret is empty; that provider's callbacks will be rejected")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e)
	api := router.API(e, cfg.JWTSecret)
	router.RegisterSeatLocks(api, handler.NewSeatLockHandler(locks), middleware.NewTokenBucket(cfg.RateLimit, rdb, log))
	router.RegisterBookings(api, handler.NewBookingHandler(bookings, log))
	router.RegisterWebhooks(e, handler.NewWebhookHandler(reconciler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "store": cfg.Store}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if cfg.Sweeper.Enabled {
		sweeper := &booking.Sweeper{
			Service:    bookings,
			Interval:   cfg.Sweeper.Interval,
			MaxPending: cfg.Sweeper.MaxPending,
			BatchSize:  cfg.Sweeper.BatchSize,
			Log:        log,
		}
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

// openStore returns the booking store selected by BOOKING_STORE.  The
// *sql.DB is nil for the in-memory store.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (booking.Store, *sql.DB, error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory booking store; bookings are lost on restart and not shared between instances")
		return booking.NewMemoryStore(), nil, nil
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info("database schema applied")
	}
	return repository.NewBookingRepo(db), db, nil
}

func newPublisher(cfg config.Events, log logrus.FieldLogger) queue.Publisher {
	switch cfg.Broker {
	case "rabbitmq":
		log.Info("publishing booking events to rabbitmq")
		return queue.NewAMQPPublisher(cfg.AMQPURL, log)
	case "kafka":
		log.WithField("brokers", cfg.KafkaBrokers).Info("publishing booking events to kafka")
		return queue.NewKafkaPublisher(cfg.KafkaBrokers)
	default:
		return queue.NopPublisher{}
	}
}
