// Command eventbusd runs the platform's background machinery: the outbox
// dispatcher and the Prometheus metrics endpoint, against the broker selected
// in configuration. Producers and consumers embed the bus as a library; this
// daemon owns the work that must keep running when they don't.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/madcok-co/eventbus/contrib/broker/kafka"
	"github.com/madcok-co/eventbus/contrib/broker/redisstream"
	"github.com/madcok-co/eventbus/contrib/config"
	zaplog "github.com/madcok-co/eventbus/contrib/logger/zap"
	promdriver "github.com/madcok-co/eventbus/contrib/metrics/prometheus"
	outboxgorm "github.com/madcok-co/eventbus/contrib/outbox/gorm"
	"github.com/madcok-co/eventbus/core/pkg/broker/memory"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/outbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eventbusd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", ".", "directory containing eventbus.yaml")
		configName = flag.String("config-name", "eventbus", "config file name without extension")
		node       = flag.String("node", hostname(), "node identity for outbox claims")
	)
	flag.Parse()

	cfgDriver, err := config.NewDriver(&config.Config{
		ConfigName:   *configName,
		ConfigPath:   *configPath,
		EnvPrefix:    "EVENTBUS",
		AutomaticEnv: true,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	settings, err := cfgDriver.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zaplog.NewDriverWithConfig(&zaplog.Config{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Output: "stdout",
	})
	defer log.Sync()

	var metrics contracts.Metrics
	var metricsSrv *http.Server
	if settings.Metrics.Enabled {
		prom := promdriver.NewDriver(settings.Metrics.Namespace)
		metrics = prom
		if h, ok := prom.Handler().(http.Handler); ok && settings.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			metricsSrv = &http.Server{Addr: settings.Metrics.Listen, Handler: mux}
			go func() {
				log.Info("metrics endpoint listening", "addr", settings.Metrics.Listen)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics endpoint failed", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := buildBroker(settings, log)
	if err != nil {
		return err
	}
	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Disconnect(context.Background())
	log.Info("broker connected", "kind", settings.Broker.Kind)

	var dispatcher *outbox.Dispatcher
	if settings.Outbox.Enabled {
		db, err := gorm.Open(sqlite.Open(settings.Outbox.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("open outbox database: %w", err)
		}
		store := outboxgorm.NewDriver(db)
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrate outbox: %w", err)
		}
		dispatcher = outbox.NewDispatcher(store, broker, &outbox.Config{
			DispatchInterval: settings.Outbox.DispatchInterval,
			BatchSize:        settings.Outbox.BatchSize,
			MaxRetries:       settings.Outbox.MaxRetries,
			Node:             *node,
		}, log, metrics)
		if err := dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("start dispatcher: %w", err)
		}
		log.Info("outbox dispatcher started",
			"dsn", settings.Outbox.DSN,
			"interval", settings.Outbox.DispatchInterval,
			"node", *node)
	}

	<-ctx.Done()
	log.Info("shutting down")

	if dispatcher != nil {
		dispatcher.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// buildBroker selects the broker adapter from configuration.
func buildBroker(s *config.Settings, log contracts.Logger) (contracts.Broker, error) {
	switch s.Broker.Kind {
	case "", "memory":
		cfg := memory.DefaultConfig()
		if s.Broker.DefaultPartitions > 0 {
			cfg.DefaultPartitions = s.Broker.DefaultPartitions
		}
		return memory.New(cfg), nil

	case "kafka":
		cfg := kafka.DefaultConfig()
		if len(s.Broker.Kafka.Brokers) > 0 {
			cfg.Brokers = s.Broker.Kafka.Brokers
		}
		if s.Broker.Kafka.ClientID != "" {
			cfg.ClientID = s.Broker.Kafka.ClientID
		}
		if s.Broker.Kafka.Version != "" {
			cfg.Version = s.Broker.Kafka.Version
		}
		if s.Broker.DefaultPartitions > 0 {
			cfg.DefaultPartitions = int32(s.Broker.DefaultPartitions)
		}
		cfg.Logger = log
		return kafka.NewDriver(cfg), nil

	case "redisstream":
		client := redis.NewClient(&redis.Options{
			Addr:     s.Broker.Redis.Addr,
			Password: s.Broker.Redis.Password,
			DB:       s.Broker.Redis.DB,
		})
		cfg := redisstream.DefaultConfig()
		if s.Broker.DefaultPartitions > 0 {
			cfg.DefaultPartitions = s.Broker.DefaultPartitions
		}
		cfg.Logger = log
		return redisstream.NewDriver(client, cfg), nil

	default:
		return nil, fmt.Errorf("unknown broker kind %q", s.Broker.Kind)
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "eventbusd"
}
