package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/measurement-factory/squid-sub000/internal/config"
	"github.com/measurement-factory/squid-sub000/internal/logging"
	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/ops"
	"github.com/measurement-factory/squid-sub000/internal/store"
	"github.com/measurement-factory/squid-sub000/internal/store/bus"
	"github.com/measurement-factory/squid-sub000/internal/store/swap"
	"github.com/measurement-factory/squid-sub000/internal/store/transients"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to worker configuration file")
		envPrefix  = flag.String("env-prefix", "SQUIDSTORE", "environment variable prefix")
		kidFlag    = flag.Int("kid", 0, "override worker.kidId from configuration")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *kidFlag > 0 {
		cfg.Worker.KidID = *kidFlag
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
	}
	kid := cfg.Worker.KidID

	logger, err := logging.New(cfg.Logging, kid)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	coord, err := buildCoordination(cfg, logger, recorder)
	if err != nil {
		logger.Error("coordination backend setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer coord.close(logger)

	disk, err := swap.Open(swap.Options{
		Dir:     cfg.Swap.Directory,
		SlabKiB: cfg.Swap.SlabKiB,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("swap store setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := disk.Close(); err != nil {
			logger.Error("swap store shutdown failed", slog.Any("error", err))
		}
	}()

	ctrl, err := store.NewController(store.Options{
		Kid:        kid,
		Logger:     logger,
		Metrics:    recorder,
		Transients: coord.transients,
		Notifier:   coord.notifier,
		Disk:       disk,
		MemCache:   cfg.MemoryCache,
		Tunables:   cfg.Tunables(),
	})
	if err != nil {
		logger.Error("store controller setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Error("store controller shutdown failed", slog.Any("error", err))
		}
	}()

	// Catch up on notifications a predecessor worker left behind before
	// serving, then follow live changes.
	coord.resync(ctrl.SyncCollapsed)
	coord.start(ctx, ctrl.SyncCollapsed)

	if *configFile != "" {
		watcher, err := loader.WatchTunables(ctx, func(t config.Tunables) {
			logger.Info("tunables reloaded")
			ctrl.SetTunables(t)
		}, func(err error) {
			logger.Error("tunables watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Warn("tunables watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := ops.New(cfg.Ops, logger, ops.NewHandler(ctrl, recorder))
	if err != nil {
		logger.Error("unable to construct ops server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ops server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("worker shutdown complete")
}

// coordination bundles the backend pair every worker needs: the shared
// transients index and the change notification fabric.
type coordination struct {
	transients store.Transients
	notifier   store.Notifier

	shmBus    *bus.Bus
	valkeyBus *bus.ValkeyBus
}

func buildCoordination(cfg config.Config, logger *slog.Logger, rec *metrics.Recorder) (*coordination, error) {
	kid := cfg.Worker.KidID
	switch strings.TrimSpace(strings.ToLower(cfg.Coordination.Backend)) {
	case "", "shm":
		table, err := transients.OpenShm(cfg.Coordination.Directory, cfg.Coordination.Slots)
		if err != nil {
			return nil, err
		}
		endpoint, err := bus.Attach(bus.Options{
			Dir:      cfg.Coordination.Directory,
			Kid:      kid,
			Workers:  cfg.Worker.Workers,
			Capacity: cfg.Coordination.QueueCapacity,
			Logger:   logger,
			Metrics:  rec,
		})
		if err != nil {
			_ = table.Close()
			return nil, err
		}
		logger.Info("using shm coordination backend",
			slog.String("directory", cfg.Coordination.Directory),
			slog.Int("slots", cfg.Coordination.Slots))
		return &coordination{transients: table, notifier: endpoint, shmBus: endpoint}, nil
	case "valkey":
		table, err := transients.OpenValkey(cfg.Coordination.Valkey)
		if err != nil {
			return nil, err
		}
		endpoint := bus.AttachValkey(table.Client(), kid, logger, rec)
		logger.Info("using valkey coordination backend",
			slog.String("address", cfg.Coordination.Valkey.Address))
		return &coordination{transients: table, notifier: endpoint, valkeyBus: endpoint}, nil
	default:
		return nil, fmt.Errorf("unsupported coordination backend %q", cfg.Coordination.Backend)
	}
}

// resync drains notifications a predecessor with the same kid left queued.
// Only the shm backend persists queues across restarts; valkey pub/sub has
// nothing to replay.
func (c *coordination) resync(handler bus.Handler) {
	if c.shmBus != nil {
		c.shmBus.HandleNewDataAtStart(handler)
	}
}

func (c *coordination) start(ctx context.Context, handler bus.Handler) {
	if c.shmBus != nil {
		c.shmBus.Start(ctx, handler)
	}
	if c.valkeyBus != nil {
		c.valkeyBus.Start(ctx, handler)
	}
}

func (c *coordination) close(logger *slog.Logger) {
	if c.shmBus != nil {
		if err := c.shmBus.Close(); err != nil {
			logger.Error("notification bus shutdown failed", slog.Any("error", err))
		}
	}
	if c.valkeyBus != nil {
		if err := c.valkeyBus.Close(); err != nil {
			logger.Error("notification bus shutdown failed", slog.Any("error", err))
		}
	}
	if err := c.transients.Close(); err != nil {
		logger.Error("transients shutdown failed", slog.Any("error", err))
	}
}
