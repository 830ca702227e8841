package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	alertapp "hospital-pager/internal/alerts/application"
	alertrepo "hospital-pager/internal/alerts/infrastructure/postgres"
	alerthttp "hospital-pager/internal/alerts/interfaces/http"
	"hospital-pager/internal/audit"
	"hospital-pager/internal/auth"
	"hospital-pager/internal/config"
	escalationapp "hospital-pager/internal/escalation/application"
	escalationhttp "hospital-pager/internal/escalation/interfaces/http"
	"hospital-pager/internal/eventing"
	eventingrepo "hospital-pager/internal/eventing/infrastructure/postgres"
	eventinghttp "hospital-pager/internal/eventing/interfaces/http"
	"hospital-pager/internal/logging"
	"hospital-pager/internal/notify"
	"hospital-pager/internal/observability/metrics"
	shiftapp "hospital-pager/internal/shift/application"
	shiftrepo "hospital-pager/internal/shift/infrastructure/postgres"
	shifthttp "hospital-pager/internal/shift/interfaces/http"
	mqtttransport "hospital-pager/internal/transport/mqtt"
	natstransport "hospital-pager/internal/transport/nats"
	redistransport "hospital-pager/internal/transport/redis"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeInterval   = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alert, escalation and shift HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime("hospital-pager")
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	table, err := cfg.TimeoutTable()
	if err != nil {
		return err
	}
	rules, err := cfg.ShiftRules()
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	metrics.Init(db, logger)

	alertRepo := alertrepo.NewAlertRepository(db)
	shiftStates := shiftrepo.NewStateRepository(db)
	handovers := shiftrepo.NewHandoverRepository(db)
	auditRepo := audit.NewRepository(db)
	outboxStore := eventingrepo.NewOutboxStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)

	broker := alerthttp.NewBroker()
	transports, closeTransports, err := buildTransports(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransports()
	dispatcher := eventing.NewDispatcher(
		eventing.NewMultiTransport(append([]eventing.Transport{broker}, transports...)...),
		outboxStore,
		dlqStore,
		eventing.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		eventing.WithDispatcherLogger(logger),
	)
	publisher := eventing.NewPublisher(outboxStore, eventing.WithWaker(dispatcher), eventing.WithPublisherLogger(logger))

	notifier, err := buildNotifier(cfg, alertRepo, logger)
	if err != nil {
		return err
	}
	escalator, err := escalationapp.NewService(alertRepo, shiftStates, notifier, publisher,
		escalationapp.WithTimeoutTable(table),
		escalationapp.WithLogger(logger),
		escalationapp.WithNotifyTimeout(cfg.Escalation.NotifyTimeout),
		escalationapp.WithRetryDelay(cfg.Escalation.RetryDelay),
	)
	if err != nil {
		return err
	}
	defer escalator.Close()
	if armed, err := escalator.Recover(ctx); err != nil {
		logger.Error("escalation recovery failed", zap.Error(err))
	} else {
		logger.Info("escalation deadlines recovered", zap.Int("armed", armed))
	}

	alertService, err := alertapp.NewService(alertRepo, escalator, publisher, alertapp.WithLogger(logger))
	if err != nil {
		return err
	}
	alertHandler, err := alerthttp.NewHandler(alertService, alerthttp.NewStreamHandler(broker, logger))
	if err != nil {
		return err
	}

	guard, err := shiftapp.NewGuard(shiftStates, alertRepo, handovers,
		shiftapp.WithRules(rules),
		shiftapp.WithLogger(logger),
		shiftapp.WithAuditLogger(auditRepo),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := guard.Close(closeCtx); err != nil {
			logger.Warn("shift writes not flushed", zap.Error(err))
		}
	}()
	shiftHandler, err := shifthttp.NewHandler(guard, handovers, alertRepo)
	if err != nil {
		return err
	}
	recoverHandler, err := escalationhttp.NewRecoverHandler(escalator)
	if err != nil {
		return err
	}
	deadLetterHandler, err := eventinghttp.NewDeadLetterHandler(dlqStore)
	if err != nil {
		return err
	}
	auditHandler, err := audit.NewHandler(auditRepo)
	if err != nil {
		return err
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/alerts", alertHandler)
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/api/v1/shifts/", shiftHandler)
	mux.Handle("/api/v1/handovers", shiftHandler)
	mux.Handle("/api/v1/handovers/", shiftHandler)
	mux.Handle("/api/v1/admin/escalations/recover", recoverHandler)
	mux.Handle("/api/v1/admin/dead-letters", deadLetterHandler)
	mux.Handle("/api/v1/admin/audit", auditHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           logging.Middleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, cfg.Outbox.Interval, cfg.Outbox.BatchSize)
	})
	g.Go(func() error {
		purgeOutbox(gctx, outboxStore, cfg.Outbox.Retention, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildTransports(cfg config.Config, logger *zap.Logger) ([]eventing.Transport, func(), error) {
	var (
		transports []eventing.Transport
		closers    []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.Redis.Addr != "" {
		client := newRedisClient(cfg)
		closers = append(closers, func() { _ = client.Close() })
		transports = append(transports, redistransport.New(client,
			redistransport.WithChannelPrefix(cfg.Redis.ChannelPrefix),
			redistransport.WithLogger(logger),
		))
	}
	if cfg.MQTT.Broker != "" {
		mqttTransport, err := mqtttransport.Dial(mqttConfig(cfg, "-server"), logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, mqttTransport.Close)
		transports = append(transports, mqttTransport)
	}
	if cfg.NATS.URL != "" {
		natsTransport, err := natstransport.Dial(natsConfig(cfg, "hospital-pager"), logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, natsTransport.Close)
		transports = append(transports, natsTransport)
	}
	return transports, closeAll, nil
}

func buildNotifier(cfg config.Config, alertReader notify.AlertReader, logger *zap.Logger) (*notify.Notifier, error) {
	channels := []notify.Channel{notify.NewLogChannel(logger)}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}
	tpl, err := notify.NewTemplate(cfg.Notify.Template)
	if err != nil {
		return nil, err
	}
	return notify.NewNotifier(alertReader, notify.NewMultiChannel(channels...),
		notify.WithTemplate(tpl),
		notify.WithDedupeWindow(cfg.Notify.DedupeWindow),
	)
}

type outboxPurger interface {
	PurgeSent(ctx context.Context, cutoff time.Time) (int64, error)
}

func purgeOutbox(ctx context.Context, store outboxPurger, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := store.PurgeSent(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			logger.Warn("outbox purge failed", zap.Error(err))
			continue
		}
		if removed > 0 {
			logger.Info("outbox purged", zap.Int64("removed", removed))
		}
	}
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func mqttConfig(cfg config.Config, suffix string) mqtttransport.Config {
	return mqtttransport.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID + suffix,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		QoS:            byte(cfg.MQTT.QoS),
		ConnectTimeout: 10 * time.Second,
	}
}

func natsConfig(cfg config.Config, name string) natstransport.Config {
	return natstransport.Config{
		URL:            cfg.NATS.URL,
		Name:           name,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}
