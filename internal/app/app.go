// Package app builds the notifier from configuration and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"time"

	"github.com/IBM/sarama"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/lifeline-notifier/internal/ai"
	"github.com/hray3182/lifeline-notifier/internal/alert"
	"github.com/hray3182/lifeline-notifier/internal/api"
	"github.com/hray3182/lifeline-notifier/internal/bot"
	"github.com/hray3182/lifeline-notifier/internal/bot/handlers"
	"github.com/hray3182/lifeline-notifier/internal/channels"
	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/config"
	"github.com/hray3182/lifeline-notifier/internal/database"
	"github.com/hray3182/lifeline-notifier/internal/delivery"
	"github.com/hray3182/lifeline-notifier/internal/dispatcher"
	"github.com/hray3182/lifeline-notifier/internal/metrics"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/registry"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
	"github.com/hray3182/lifeline-notifier/internal/repository"
	"github.com/hray3182/lifeline-notifier/internal/scheduler"
	"github.com/hray3182/lifeline-notifier/internal/transport"
	"github.com/hray3182/lifeline-notifier/internal/transport/graphqlws"
	"github.com/hray3182/lifeline-notifier/internal/transport/socketio"
	"github.com/hray3182/lifeline-notifier/internal/workerpool"
)

const (
	laneDepth        = 256
	evictionInterval = 10 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

type contactStore interface {
	ListByUser(ctx context.Context, userID string) ([]models.Contact, error)
	Upsert(ctx context.Context, c models.Contact) error
	ReplaceForUser(ctx context.Context, userID string, contacts []models.Contact) error
}

type settingsStore interface {
	GetOrDefault(ctx context.Context, userID string) (*models.UserSettings, error)
	Upsert(ctx context.Context, settings *models.UserSettings) error
}

// Notifier is the process context: every long-lived component, built once
// by New and torn down by Close.
type Notifier struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	db       *database.DB
	redis    *redis.Client
	producer sarama.SyncProducer

	memTracker *delivery.MemoryTracker
	index      *scheduler.Index
	loop       *scheduler.Loop
	lanes      *workerpool.Lanes
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	reminders  *reminder.Service
	bot        *bot.Bot

	handler http.Handler
	server  *http.Server
}

type Option func(*Notifier)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// New connects the configured backends and wires the components. Unset
// backends fall back to in-memory implementations.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Notifier, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	n := &Notifier{cfg: cfg, logger: slog.Default(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(n)
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var (
		reminderStore reminder.Store
		contacts      contactStore
		settings      settingsStore
	)
	if cfg.DatabaseURI != "" {
		if n.db, err = database.New(ctx, cfg.DatabaseURI); err != nil {
			return nil, err
		}
		if err = n.db.Migrate(ctx, n.logger); err != nil {
			return nil, err
		}
		reminderStore = repository.NewReminderRepository(n.db)
		contacts = repository.NewContactRepository(n.db)
		settings = repository.NewUserSettingsRepository(n.db)
		n.logger.Info("using postgres storage")
	} else {
		reminderStore = repository.NewMemoryReminderStore()
		contacts = repository.NewMemoryContactStore()
		settings = repository.NewMemorySettingsStore()
		n.logger.Warn("DATABASE_URI not set, reminders are kept in memory")
	}

	var tracker delivery.Tracker
	if cfg.RedisURL != "" {
		opt, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid redis url: %w", perr)
		}
		n.redis = redis.NewClient(opt)
		if err = n.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		tracker = delivery.NewRedisTracker(n.redis, delivery.WithRedisRetention(cfg.DeliveryRetention))
		n.logger.Info("using redis delivery tracker")
	} else {
		n.memTracker = delivery.NewMemoryTracker(
			delivery.WithRetention(cfg.DeliveryRetention),
			delivery.WithLogger(n.logger))
		tracker = n.memTracker
	}

	alerters := alert.Multi{alert.NewLogAlerter(n.logger)}
	if len(cfg.KafkaBrokers) > 0 {
		if n.producer, err = alert.NewSyncProducer(cfg.KafkaBrokers, "lifeline-notifier"); err != nil {
			return nil, err
		}
		kafka, kerr := alert.NewKafkaAlerter(n.producer, cfg.AlertTopic, n.logger)
		if kerr != nil {
			return nil, kerr
		}
		alerters = append(alerters, kafka)
	}

	policy, err := channels.NewPolicy(contacts, settings)
	if err != nil {
		return nil, err
	}

	n.registry = registry.New(
		registry.WithShards(cfg.RegistryShards),
		registry.WithClock(n.clock),
		registry.WithLogger(n.logger),
		registry.WithMetrics(m))

	dispatchOpts := []dispatcher.Option{
		dispatcher.WithChannelPolicy(policy),
		dispatcher.WithAlerter(alerters),
		dispatcher.WithRetryPolicy(dispatcher.RetryPolicy{
			Base:        cfg.RetryBase,
			Factor:      cfg.RetryFactor,
			MaxAttempts: cfg.RetryMaxAttempts,
		}),
		dispatcher.WithSendTimeout(cfg.SendTimeout),
		dispatcher.WithSecondaryConcurrency(cfg.SecondaryConcurrency),
		dispatcher.WithClock(n.clock),
		dispatcher.WithLogger(n.logger),
		dispatcher.WithMetrics(m),
	}
	senderOpts, tgAPI, err := n.senders()
	if err != nil {
		return nil, err
	}
	dispatchOpts = append(dispatchOpts, senderOpts...)

	if n.dispatcher, err = dispatcher.New(n.registry, tracker, dispatchOpts...); err != nil {
		return nil, err
	}

	n.index = scheduler.NewIndex()
	n.lanes = workerpool.New(cfg.WorkerLanes, laneDepth, n.logger)
	n.reminders, err = reminder.New(reminderStore, n.index, n.dispatcher, n.lanes,
		reminder.WithClock(n.clock),
		reminder.WithLogger(n.logger),
		reminder.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	n.loop = scheduler.New(n.index, n.reminders,
		scheduler.WithClock(n.clock),
		scheduler.WithInterval(cfg.PollInterval),
		scheduler.WithLogger(n.logger),
		scheduler.WithMetrics(m))
	n.reminders.SetWake(n.loop.Notify)

	if tgAPI != nil {
		var parser handlers.IntentParser
		if cfg.AIAPIKey != "" {
			parser = ai.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
			n.logger.Info("AI intent parsing enabled", slog.String("model", cfg.AIModel))
		}
		h, herr := handlers.New(tgAPI, handlers.Deps{
			Reminders: n.reminders,
			Contacts:  contacts,
			Settings:  settings,
			AI:        parser,
			Clock:     n.clock,
			Logger:    n.logger,
		})
		if herr != nil {
			return nil, herr
		}
		if n.bot, err = bot.New(tgAPI, h, n.logger); err != nil {
			return nil, err
		}
	}

	streamAOpts := []graphqlws.Option{
		graphqlws.WithKeepAlive(cfg.KeepAliveInterval, cfg.PongTimeout),
		graphqlws.WithLogger(n.logger),
	}
	streamBOpts := []socketio.Option{
		socketio.WithPing(cfg.KeepAliveInterval, cfg.PongTimeout),
		socketio.WithLogger(n.logger),
	}
	if cfg.IdentityHeader != "" {
		identity := transport.HeaderIdentity(cfg.IdentityHeader)
		streamAOpts = append(streamAOpts, graphqlws.WithIdentity(identity))
		streamBOpts = append(streamBOpts, socketio.WithIdentity(identity))
	}

	streamA, err := graphqlws.NewHandler(n.registry, streamAOpts...)
	if err != nil {
		return nil, err
	}
	streamB, err := socketio.NewHandler(n.registry, streamBOpts...)
	if err != nil {
		return nil, err
	}

	n.handler = api.NewRouter(api.Deps{
		Reminders:  n.reminders,
		Contacts:   contacts,
		Settings:   settings,
		Deliveries: tracker,
		StreamA:    streamA,
		StreamB:    streamB,
		Metrics:    promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
		Health:     n.health,
		Logger:     n.logger,
	})
	n.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, nil
}

// senders builds the secondary channel senders that are configured. The
// returned BotAPI is nil when Telegram is disabled.
func (n *Notifier) senders() ([]dispatcher.Option, *tgbotapi.BotAPI, error) {
	var (
		opts  []dispatcher.Option
		tgAPI *tgbotapi.BotAPI
	)

	if n.cfg.TelegramToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(n.cfg.TelegramToken)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
		n.logger.Info("telegram authorized", slog.String("account", botAPI.Self.UserName))
		sender, err := channels.NewTelegramSender(botAPI)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dispatcher.WithSender(models.ChannelTelegram, sender))
		tgAPI = botAPI
	}

	if n.cfg.SMTPAddr != "" && n.cfg.SMTPFrom != "" {
		var emailOpts []channels.EmailOption
		if n.cfg.SMTPUser != "" {
			host, _, err := net.SplitHostPort(n.cfg.SMTPAddr)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid SMTP_ADDR: %w", err)
			}
			emailOpts = append(emailOpts, channels.WithAuth(smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPassword, host)))
		}
		sender, err := channels.NewEmailSender(n.cfg.SMTPAddr, n.cfg.SMTPFrom, emailOpts...)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dispatcher.WithSender(models.ChannelEmail, sender))
	}

	if n.cfg.SMSWebhookURL != "" {
		sender, err := channels.NewWebhookSMSSender(n.cfg.SMSWebhookURL, nil)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dispatcher.WithSender(models.ChannelSMS, sender))
	}
	return opts, tgAPI, nil
}

// Handler is the HTTP surface, including both streaming transports.
func (n *Notifier) Handler() http.Handler {
	return n.handler
}

func (n *Notifier) health(ctx context.Context) error {
	if n.db != nil {
		if err := n.db.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if n.redis != nil {
		if err := n.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run restores persisted reminders and serves until ctx is cancelled or a
// component fails.
func (n *Notifier) Run(ctx context.Context) error {
	restored, err := n.reminders.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore reminders: %w", err)
	}
	n.logger.Info("reminders restored", slog.Int("count", restored))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.lanes.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(n.loop.Run(gctx)) })
	if n.memTracker != nil {
		g.Go(func() error { return ignoreCanceled(n.memTracker.StartEviction(gctx, evictionInterval)) })
	}
	if n.bot != nil {
		g.Go(func() error { return ignoreCanceled(n.bot.Start(gctx)) })
	}

	g.Go(func() error {
		n.logger.Info("http server listening", slog.String("addr", n.cfg.HTTPAddr))
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases everything New acquired. Live subscribers are dropped
// first so no new fan-out starts, then in-flight deliveries settle.
func (n *Notifier) Close() error {
	if n.registry != nil {
		n.registry.Close()
	}
	if n.dispatcher != nil {
		n.dispatcher.Close()
	}
	if n.lanes != nil {
		n.lanes.Close()
	}

	var errs []error
	if n.producer != nil {
		if err := n.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
		}
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if n.db != nil {
		n.db.Close()
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
