package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fjg67/IT-Inventory-sub000/internal/backend"
	"github.com/fjg67/IT-Inventory-sub000/internal/config"
	"github.com/fjg67/IT-Inventory-sub000/internal/connectivity"
	"github.com/fjg67/IT-Inventory-sub000/internal/engine"
	"github.com/fjg67/IT-Inventory-sub000/internal/logging"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

var Version = "dev"

func main() {
	// Handle the status subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "status" {
		if err := printStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printStatus opens the local store read-only-ish (no engine running) and
// prints what a technician in the field needs to see: pending mutations,
// dead letters with their reasons, and recorded conflicts.
func printStatus() error {
	path := os.Getenv("STORE_PATH")
	if path == "" {
		var err error
		path, err = config.DefaultStorePath()
		if err != nil {
			return err
		}
	}

	s, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	pending, err := s.PendingCount()
	if err != nil {
		return err
	}

	dead, err := s.DeadLetters()
	if err != nil {
		return err
	}

	conflicts, err := s.Conflicts()
	if err != nil {
		return err
	}

	fmt.Printf("store: %s\n", path)
	fmt.Printf("pending mutations: %d\n", pending)
	fmt.Printf("dead letters: %d\n", len(dead))
	fmt.Printf("recorded conflicts: %d\n", len(conflicts))

	if len(dead) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tENTITY\tOP\tATTEMPTS\tERROR")
		for _, m := range dead {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", m.Seq, m.Entity, m.Op, m.Attempts, m.LastError)
		}
		w.Flush()
	}

	if len(conflicts) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tENTITY\tLOCAL ID\tWINNER\tREASON")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.At.Format(time.RFC3339), c.Entity, c.LocalID, c.Winner, c.Reason)
		}
		w.Flush()
	}

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("inventory-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("store", cfg.StorePath),
		slog.Bool("realtime", cfg.RealtimeEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	s.SetRetryCeiling(cfg.Settings.RetryCeiling)

	client := backend.NewHTTPClient(cfg.BackendURL, cfg.BackendAPIKey, cfg.DeviceName, logger)

	monitor := connectivity.New(connectivity.Config{
		DeviceProbe:   connectivity.DefaultDeviceProbe(cfg.Settings.ProbeAddr),
		BackendProbe:  client.Health,
		ProbeInterval: cfg.Settings.ProbeInterval,
		Debounce:      cfg.Settings.DebounceWindow,
		Freshness:     cfg.Settings.FreshnessWindow,
	}, logging.WithComponent(logger, "connectivity"))

	eng := engine.New(s, client, monitor, engineConfig(cfg.Settings), logging.WithComponent(logger, "engine"))

	publisher := engine.NewStatusPublisher(s, monitor, eng.State, logging.WithComponent(logger, "status"))
	eng.SetOnChange(publisher.Publish)
	monitor.SetOnChange(publisher.Publish)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return logStatus(gctx, publisher, logger)
	})

	g.Go(func() error {
		return purgeTombstones(gctx, s, cfg.Settings.TombstoneRetention, logger)
	})

	if cfg.RealtimeEnabled {
		realtime := backend.NewRealtime(cfg.BackendURL, cfg.BackendAPIKey, cfg.DeviceName,
			logging.WithComponent(logger, "realtime"),
			func(entity models.EntityType) {
				logger.Debug("remote change notification", slog.String("entity", string(entity)))
				eng.Trigger()
			})

		g.Go(func() error {
			return realtime.Run(gctx)
		})
	}

	if cfg.SettingsFile != "" {
		g.Go(func() error {
			return config.WatchSettings(gctx, cfg.SettingsFile, logger, func(settings config.Settings) {
				s.SetRetryCeiling(settings.RetryCeiling)
				eng.UpdateSettings(engineConfig(settings))
			})
		})
	}

	eng.Trigger()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func engineConfig(s config.Settings) engine.Config {
	return engine.Config{
		Interval:    s.SyncInterval,
		BatchSize:   s.PushBatchSize,
		BackoffBase: s.BackoffBase,
		BackoffMax:  s.BackoffMax,
	}
}

// logStatus mirrors every published status snapshot to the log, the
// stand-in for the UI surface in a headless deployment.
func logStatus(ctx context.Context, publisher *engine.StatusPublisher, logger *slog.Logger) error {
	sub := publisher.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-sub:
			logger.Info("sync status",
				slog.String("status", string(snap.Status)),
				slog.Int("pending", snap.PendingCount),
				slog.Int("dead_lettered", snap.DeadLettered),
				slog.Bool("backend_reachable", snap.BackendReachable),
			)
		}
	}
}

// purgeTombstones removes soft-deleted records past the retention window,
// once at startup and then daily. Retention is long enough that every
// device has pulled the tombstone by the time it goes.
func purgeTombstones(ctx context.Context, s *store.Store, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		cutoff := time.Now().UTC().Add(-retention)

		for _, entity := range models.EntityTypes() {
			n, err := s.Repo(entity).PurgeTombstones(cutoff)
			if err != nil {
				logger.Warn("purging tombstones",
					slog.String("entity", string(entity)),
					slog.String("error", err.Error()),
				)

				continue
			}

			if n > 0 {
				logger.Info("purged tombstones",
					slog.String("entity", string(entity)),
					slog.Int("count", n),
				)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
