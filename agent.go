package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hospital-pager/internal/agent"
	"hospital-pager/internal/config"
	"hospital-pager/internal/eventqueue"
	"hospital-pager/internal/kvstore/sqlite"
	"hospital-pager/internal/persist"
	"hospital-pager/internal/transport"
	mqtttransport "hospital-pager/internal/transport/mqtt"
	natstransport "hospital-pager/internal/transport/nats"
	redistransport "hospital-pager/internal/transport/redis"
)

func agentCmd() *cobra.Command {
	var scope, storePath, transportName string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Subscribe to a hospital scope and print alert updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime("hospital-pager-agent")
			if err != nil {
				return err
			}
			defer logger.Sync()
			if scope != "" {
				cfg.Agent.HospitalScopeID = scope
			}
			if storePath != "" {
				cfg.Agent.StorePath = storePath
			}
			if transportName != "" {
				cfg.Agent.Transport = transportName
			}
			return runAgent(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "hospital scope id to follow")
	cmd.Flags().StringVar(&storePath, "store", "", "path of the local queue database")
	cmd.Flags().StringVar(&transportName, "transport", "", "redis, mqtt or nats")
	return cmd
}

func runAgent(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := sqlite.Open(cfg.Agent.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	writer := persist.NewWriter(persist.WithLogger(logger))
	queue, err := eventqueue.New(store,
		eventqueue.WithDedupWindow(cfg.Queue.DedupWindow),
		eventqueue.WithMaxSize(cfg.Queue.MaxSize),
		eventqueue.WithMaxRetries(cfg.Queue.MaxRetries),
		eventqueue.WithRetryBackoff(cfg.Queue.RetryBackoff),
		eventqueue.WithCleanupInterval(cfg.Queue.CleanupInterval),
		eventqueue.WithStaleAfter(cfg.Queue.StaleAfter),
		eventqueue.WithLogger(logger),
		eventqueue.WithWriter(writer),
		eventqueue.WithFailureReporter(func(entry eventqueue.QueueEntry, err error) {
			logger.Error("alert update dropped",
				zap.String("event_id", entry.Event.ID),
				zap.String("alert_id", entry.Event.AlertID),
				zap.Int("retries", entry.RetryCount),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}
	agent.Register(queue, agent.NewPrinter(os.Stdout))

	subscriber, closeSubscriber, err := buildSubscriber(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSubscriber()

	runner, err := agent.New(subscriber, queue, cfg.Agent.HospitalScopeID, agent.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}
	logger.Info("agent subscribed",
		zap.String("hospital_scope_id", cfg.Agent.HospitalScopeID),
		zap.String("transport", cfg.Agent.Transport),
		zap.Int("restored", queue.Len()),
	)
	runErr := runner.Run(ctx)

	if err := queue.Close(); err != nil {
		logger.Warn("queue snapshot not flushed", zap.Error(err))
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := writer.Close(closeCtx); err != nil {
		logger.Warn("writer close failed", zap.Error(err))
	}
	return runErr
}

func buildSubscriber(cfg config.Config, logger *zap.Logger) (transport.Subscriber, func(), error) {
	switch cfg.Agent.Transport {
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, nil, fmt.Errorf("agent: REDIS_ADDR is required for the redis transport")
		}
		client := newRedisClient(cfg)
		sub := redistransport.New(client, redistransport.WithChannelPrefix(cfg.Redis.ChannelPrefix), redistransport.WithLogger(logger))
		return sub, func() { _ = client.Close() }, nil
	case "mqtt":
		sub, err := mqtttransport.Dial(mqttConfig(cfg, "-agent-"+cfg.Agent.HospitalScopeID), logger)
		if err != nil {
			return nil, nil, err
		}
		return sub, sub.Close, nil
	case "nats":
		sub, err := natstransport.Dial(natsConfig(cfg, "hospital-pager-agent"), logger)
		if err != nil {
			return nil, nil, err
		}
		return sub, sub.Close, nil
	default:
		return nil, nil, fmt.Errorf("agent: unknown transport %q", cfg.Agent.Transport)
	}
}
