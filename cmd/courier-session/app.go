package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CourierDesk/config"
	"github.com/BearBump/CourierDesk/internal/broker/kafka"
	"github.com/BearBump/CourierDesk/internal/cache/rediscache"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi/fake"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi/httpapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/BearBump/CourierDesk/internal/notify"
	"github.com/BearBump/CourierDesk/internal/notify/signalr"
	"github.com/BearBump/CourierDesk/internal/services/actions"
	"github.com/BearBump/CourierDesk/internal/services/orderstate"
	"github.com/BearBump/CourierDesk/internal/services/payment"
	"github.com/BearBump/CourierDesk/internal/storage/pgpayment"
	"github.com/pkg/errors"
)

type retryLimiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

type sessionFactories struct {
	newOrdersAPI    func(cfg *config.Config) ordersapi.Client
	newDialer       func(cfg *config.Config) notify.Dialer
	newRecord       func(ctx context.Context, cfg *config.Config) (rec payment.Record, closeFn func(), err error)
	newJournal      func(cfg *config.Config) (j *kafka.Journal, closeFn func())
	newRetryLimiter func(cfg *config.Config) retryLimiter
}

func defaultSessionFactories() sessionFactories {
	return sessionFactories{
		newOrdersAPI: func(cfg *config.Config) ordersapi.Client {
			// Без бэкенда (api.fake) работаем на in-memory заказах.
			if cfg.API.Fake {
				n := cfg.API.FakeSeedOrders
				if n <= 0 {
					n = 5
				}
				return fake.New().Seed(n)
			}
			return httpapi.New(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second)
		},
		newDialer: func(cfg *config.Config) notify.Dialer {
			n := cfg.Notifications
			// В демо-режиме без явного транспорта уведомления идут от in-memory API.
			if n.Transport == "local" || (n.Transport == "" && cfg.API.Fake) {
				return notify.NewLocalHub()
			}
			if n.Transport == "kafka" {
				topic := cfg.Kafka.NotificationsTopicName
				if topic == "" {
					topic = "courier.notifications"
				}
				prefix := cfg.Kafka.NotificationsGroupPrefix
				if prefix == "" {
					prefix = "courier-session-"
				}
				return kafka.NewNotificationDialer(cfg.Kafka.Brokers(), topic, prefix)
			}
			hubURL := n.HubURL
			if hubURL == "" {
				hubURL = "ws://localhost:5000/notificationHub"
			}
			d := signalr.NewDialer(hubURL)
			if n.JoinMethod != "" {
				d.JoinMethod = n.JoinMethod
			}
			if n.NotificationTarget != "" {
				d.NotificationTarget = n.NotificationTarget
			}
			if n.PingIntervalSeconds > 0 {
				d.PingInterval = time.Duration(n.PingIntervalSeconds) * time.Second
			}
			return d
		},
		newRecord: func(ctx context.Context, cfg *config.Config) (payment.Record, func(), error) {
			ttl := time.Duration(cfg.Payment.RecordTTLSeconds) * time.Second
			if ttl > 0 {
				slog.Warn("payment marks expire, an expired ref can be confirmed again", "ttl", ttl.String())
			}
			switch cfg.Payment.RecordBackend {
			case "", "memory":
				return payment.NewMemoryRecord(), nil, nil
			case "redis":
				c := rediscache.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
				return rediscache.NewConfirmationRecord(c, cfg.Payment.RecordKeyPrefix, ttl), func() { _ = c.Close() }, nil
			case "postgres":
				st, err := openPostgresWithRetry(ctx, cfg.Database.PostgresDSN(), 30*time.Second)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			default:
				return nil, nil, fmt.Errorf("unknown payment record backend %q", cfg.Payment.RecordBackend)
			}
		},
		newJournal: func(cfg *config.Config) (*kafka.Journal, func()) {
			if !cfg.Kafka.JournalEnabled {
				return nil, nil
			}
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return kafka.NewJournal(p, cfg.Kafka.ActionsTopicName), func() { _ = p.Close() }
		},
		newRetryLimiter: func(cfg *config.Config) retryLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			c := rediscache.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
			return rediscache.NewRateLimiter(c, int64(cfg.Payment.RetryLimit),
				time.Duration(cfg.Payment.RetryWindowSeconds)*time.Second)
		},
	}
}

func openPostgresWithRetry(ctx context.Context, connString string, wait time.Duration) (*pgpayment.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgpayment.New(ctx, connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

func backoffFromConfig(n config.NotificationsConfig) notify.BackoffConfig {
	return notify.BackoffConfig{
		Initial:     time.Duration(n.ReconnectDelaySeconds) * time.Second,
		Multiplier:  n.ReconnectMultiplier,
		Max:         time.Duration(n.ReconnectMaxDelaySeconds) * time.Second,
		Jitter:      n.ReconnectJitter,
		MaxAttempts: n.ReconnectMaxAttempts,
	}
}

// session wires one worker's components together.
type session struct {
	id       models.Identity
	cfg      *config.Config
	channel  *notify.Channel
	store    *orderstate.Store
	actions  *actions.Coordinator
	payments *payment.Confirmer
	limiter  retryLimiter

	closers []func()
}

func newSession(ctx context.Context, cfg *config.Config, f sessionFactories) (*session, error) {
	id := models.Identity{UserID: cfg.Session.UserID}
	if id.IsZero() {
		return nil, errors.New("session.user_id is required")
	}

	s := &session{id: id, cfg: cfg}

	rec, closeRec, err := f.newRecord(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeRec != nil {
		s.closers = append(s.closers, closeRec)
	}

	api := f.newOrdersAPI(cfg)
	s.store = orderstate.New(api, id)
	s.actions = actions.New(api, s.store, id)
	s.payments = payment.NewConfirmer(api, payment.NewGuard(rec), id)

	journal, closeJournal := f.newJournal(cfg)
	if journal != nil {
		s.actions.WithJournal(journal)
		s.payments.WithJournal(journal)
		s.closers = append(s.closers, closeJournal)
	}
	if f.newRetryLimiter != nil {
		s.limiter = f.newRetryLimiter(cfg)
	}

	dialer := f.newDialer(cfg)
	if hub, ok := dialer.(*notify.LocalHub); ok {
		if fc, ok := api.(*fake.FakeClient); ok {
			fc.OnChange(func() { hub.Publish("orders changed") })
		}
	}

	s.channel = notify.New(dialer, notify.Options{
		Backoff: backoffFromConfig(cfg.Notifications),
		OnStateChange: func(st notify.ConnectionState) {
			slog.Info("notification channel state", "user_id", id.UserID, "state", st.String())
		},
	})
	return s, nil
}

// start connects the push channel and loads the first snapshot of both views.
func (s *session) start(ctx context.Context) error {
	s.channel.OnMessage(func(n models.Notification) {
		slog.Info("notification received", "user_id", s.id.UserID, "message", n.Message)
		if err := s.store.InvalidateAll(ctx); err != nil {
			slog.Warn("resync after notification failed", "error", err.Error())
		}
	})
	if err := s.channel.Connect(ctx, s.id); err != nil {
		return errors.Wrap(err, "connect notification channel")
	}
	if err := s.store.InvalidateAll(ctx); err != nil {
		// не фатально: канал поднят, следующее уведомление или /refresh подтянет данные
		slog.Warn("initial load failed", "error", err.Error())
	}
	return nil
}

func (s *session) close() {
	s.store.Close()
	s.channel.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func RunSession(ctx context.Context, cfg *config.Config, f sessionFactories, httpOpts sessionHTTPOpts) error {
	s, err := newSession(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return err
	}
	slog.Info("courier session started", "user_id", s.id.UserID, "http_addr", httpOpts.httpAddr)

	httpOpts.session = s
	err = runSessionHTTPServer(ctx, httpOpts)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
