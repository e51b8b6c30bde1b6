// mq2t - MQTT 3.1.1 client core
//
// This is the entry point of the mq2t service. It connects to one broker,
// keeps the configured subscriptions alive across reconnects, and records
// every delivered message, exposing protocol metrics over HTTP and,
// optionally, telemetry in InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mq2t-core/internal/delivery"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/config"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/database"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/logging"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/metrics"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/mq2t-core/internal/session"
	"github.com/nerrad567/mq2t-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting mq2t",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	observers := mqtt.MultiObserver{}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		observers = append(observers, influxdb.NewTelemetry(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.NewCollector(registry))
	}

	opts := mqtt.OptionsFromConfig(cfg.MQTT)
	opts.Observer = observers
	if !opts.CleanSession {
		opts.Store = session.NewSQLiteStore(db.DB)
	}

	client := mqtt.NewClient(opts, newDispatcher(cfg, db, log))
	client.SetLogger(log)
	defer func() {
		log.Info("closing MQTT client")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT client", "error", closeErr)
		}
	}()

	// Startup subscriptions are registered now and sent after CONNACK.
	if subs := mqtt.SubscriptionsFromConfig(cfg.MQTT); len(subs) > 0 {
		client.SubscribeMany(subs)
		log.Info("startup subscriptions registered", "count", len(subs))
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	if registry != nil {
		srv := metrics.NewServer(cfg.Metrics, registry, client.HealthCheck, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := connect(gctx, client, cfg.MQTT, log); err != nil {
		stop()
		return errors.Join(err, g.Wait())
	}

	if err := healthCheck(gctx, db, client, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := client.Disconnect(context.Background(), "shutdown"); err != nil {
		log.Warn("graceful disconnect failed", "error", err)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("service stopped: %w", err)
	}

	log.Info("mq2t stopped", "stats", fmt.Sprintf("%+v", client.Stats()))
	return nil
}

// connect performs the first handshake. When reconnection is enabled a
// failed first attempt hands over to the reconnect loop instead of failing
// startup; a refusal always fails startup.
func connect(ctx context.Context, client *mqtt.Client, cfg config.MQTTConfig, log *logging.Logger) error {
	err := client.Connect(ctx).Wait(ctx)
	switch {
	case err == nil:
		log.Info("MQTT connected",
			"broker", cfg.BrokerAddress(),
			"client_id", cfg.Broker.ClientID,
		)
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, mqtt.ErrConnectionRefused) || !cfg.Reconnect.Enabled:
		return fmt.Errorf("connecting to MQTT broker %s: %w", cfg.BrokerAddress(), err)
	}

	log.Warn("MQTT broker unreachable, retrying in background", "broker", cfg.BrokerAddress(), "error", err)
	tok := client.Reconnect()
	go func() {
		if err := tok.Wait(ctx); err != nil && ctx.Err() == nil {
			log.Error("MQTT reconnect abandoned", "error", err)
		}
	}()
	return nil
}

// newDispatcher builds the inbound message path: log every delivery and,
// when enabled, record it in the delivery log.
func newDispatcher(cfg *config.Config, db *database.DB, log *logging.Logger) mqtt.Dispatcher {
	var d mqtt.Dispatcher = mqtt.DispatcherFunc(func(topic string, payload []byte, qos byte, retain bool) {
		log.Debug("message received",
			"topic", topic,
			"qos", qos,
			"retain", retain,
			"size", len(payload),
		)
	})

	if cfg.Delivery.Enabled {
		rec := delivery.NewRecorder(d, delivery.NewSQLiteRepository(db.DB), cfg.MQTT.Broker.ClientID, cfg.Delivery.StorePayload)
		rec.SetLogger(log)
		d = rec
	}
	return d
}

// getConfigPath returns the configuration file path.
// Uses MQ2T_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MQ2T_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - client: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, client *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
