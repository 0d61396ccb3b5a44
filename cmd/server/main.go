package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lastmile/internal/app"
	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/config"
	"lastmile/internal/domain"
	"lastmile/internal/handler"
	"lastmile/internal/kafka"
	"lastmile/internal/logger"
	"lastmile/internal/metrics"
	internalRedis "lastmile/internal/redis"
	"lastmile/internal/service"
	"lastmile/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lastmile",
	Short: "Runs the last-mile delivery lifecycle service",
	Long: `lastmile serves the delivery lifecycle API: senders create deliveries, riders accept them,
and a background propagator moves accepted deliveries towards completion while
subscribers receive every change.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// New Relic first so the database and Redis clients can be instrumented.
	nrApp := app.NewNewRelicApp(cfg.NewRelic, log)
	if nrApp != nil {
		defer nrApp.Shutdown(5 * time.Second)
	}

	repo, closeRepo, err := app.NewDeliveryRepository(startupCtx, cfg, nrApp, log)
	if err != nil {
		return fmt.Errorf("failed to open delivery store: %w", err)
	}
	defer closeRepo()

	redisClient, err := app.NewRedisClient(startupCtx, cfg.Redis, nrApp)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	var producer sarama.SyncProducer
	if cfg.Kafka.Brokers != "" {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		log.Info("kafka bridge enabled", zap.String("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var storeOpts []store.Option
	if sharedBackend(cfg, redisClient) {
		storeOpts = append(storeOpts, store.WithSharedBackend())
		log.Info("shared backend mode: deliveries are re-read from postgres and writes hold redis locks")
	}
	st := store.New(repo, storeOpts...)
	if err := st.Load(startupCtx); err != nil {
		return fmt.Errorf("failed to load deliveries: %w", err)
	}

	srv, propagator, cleanup := wireServer(st, redisClient, producer, nrApp, registry, m, cfg, log)
	defer cleanup()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Propagator.Enabled {
		if err := propagator.Start(sigCtx); err != nil {
			return err
		}
		log.Info("propagator started", zap.Duration("interval", cfg.Propagator.Interval), zap.Int64("seed", cfg.Propagator.Seed))
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-sigCtx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			propagator.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop producing changes before the server stops accepting them.
	propagator.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// wireServer wires all dependencies and returns the HTTP server and the propagator.
// cleanup detaches the bridges and closes the Kafka producer.
// sharedBackend reports whether replicas may share the delivery backend. Only postgres
// is reachable from several processes, and Redis provides the locks that order them.
func sharedBackend(cfg *config.Config, redisClient *goredis.Client) bool {
	return cfg.Store.Backend == config.BackendPostgres && redisClient != nil
}

func wireServer(
	st *store.Store,
	redisClient *goredis.Client,
	producer sarama.SyncProducer,
	nrApp *newrelic.Application,
	registry *prometheus.Registry,
	m *metrics.Metrics,
	cfg *config.Config,
	log *zap.Logger,
) (*http.Server, *service.Propagator, func()) {
	clk := clock.Real{}
	eventBus := bus.New(log.Named("bus"), m)

	var unsubscribers []func()
	notificationService := service.NewNotificationService(log.Named("notify"))
	unsubscribers = append(unsubscribers, notificationService.Subscribe(eventBus))

	var lockStore internalRedis.LockStoreInterface
	if sharedBackend(cfg, redisClient) {
		lockStore = internalRedis.NewLockStore(redisClient)
	}
	if redisClient != nil {
		bridge := internalRedis.NewPublisher(redisClient, cfg.Redis.ChannelPrefix)
		unsubscribers = append(unsubscribers, eventBus.SubscribeAll(bridge.Handle))
	}

	var kafkaPublisher *kafka.Publisher
	if producer != nil {
		kafkaPublisher = kafka.NewPublisher(producer, cfg.Kafka.Topic)
		unsubscribers = append(unsubscribers, eventBus.SubscribeAll(kafkaPublisher.Handle))
	}

	riders := service.NewRiderDirectory()
	deliveryService := service.NewDeliveryService(st, eventBus, clk, log.Named("delivery"), service.WithDeliveryLocks(lockStore))
	resolver := service.NewAssignmentResolver(st, eventBus, lockStore, riders, clk, m, log.Named("resolver"))

	seed := cfg.Propagator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	propagator := service.NewPropagator(
		st,
		eventBus,
		policyFromConfig(cfg.Propagator),
		clk,
		rand.New(rand.NewSource(seed)),
		log.Named("propagator"),
		service.WithDemand(service.NewDemandGenerator(seed)),
		service.WithMetrics(m),
		service.WithNewRelic(nrApp),
		service.WithLocks(lockStore),
	)

	router := app.NewRouter(app.RouterDeps{
		DeliveryHandler: handler.NewDeliveryHandler(deliveryService, resolver),
		RiderHandler:    handler.NewRiderHandler(riders, resolver, deliveryService),
		EventsHandler:   handler.NewEventsHandler(eventBus, log.Named("events")),
		RedisClient:     redisClient,
		NewRelicApp:     nrApp,
		Gatherer:        registry,
		Logger:          log,
		OperatorToken:   cfg.Server.OperatorToken,
	})

	cleanup := func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
		if kafkaPublisher != nil {
			if err := kafkaPublisher.Close(); err != nil {
				log.Warn("failed to close kafka producer", zap.Error(err))
			}
		}
	}

	// WriteTimeout stays zero: /v1/events holds its response open.
	return &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}, propagator, cleanup
}

func policyFromConfig(c config.PropagatorConfig) service.Policy {
	return service.Policy{
		Interval: c.Interval,
		Thresholds: map[domain.DeliveryStatus]time.Duration{
			domain.DeliveryStatusAccepted:  c.AcceptedAfter,
			domain.DeliveryStatusPickedUp:  c.PickedUpAfter,
			domain.DeliveryStatusInTransit: c.InTransitAfter,
		},
		Probabilities: map[domain.DeliveryStatus]float64{
			domain.DeliveryStatusAccepted:  c.AcceptedProbability,
			domain.DeliveryStatusPickedUp:  c.PickedUpProbability,
			domain.DeliveryStatusInTransit: c.InTransitProbability,
		},
		NewDeliveryProbability: c.NewDeliveryProbability,
	}
}
