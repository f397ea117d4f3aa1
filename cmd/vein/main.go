// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command vein is the caching registry proxy: `vein serve` runs the HTTP
// surface; the remaining subcommands administer the cache and the
// quarantine inventory (spec.md §6 CLI).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/veinproxy/vein/internal/config"
	"github.com/veinproxy/vein/internal/inventory"
	"github.com/veinproxy/vein/internal/quarantine"
	"github.com/veinproxy/vein/internal/server"
	"github.com/veinproxy/vein/internal/storage"
)

// Exit codes (spec.md §6): 0 success, 1 generic failure, 2 config error,
// 3 inventory unreachable.
const (
	exitFailure   = 1
	exitConfig    = 2
	exitInventory = 3
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configExit(err error) error    { return &exitError{code: exitConfig, err: err} }
func inventoryExit(err error) error { return &exitError{code: exitInventory, err: err} }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vein:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "vein",
		Short:         "Caching proxy/mirror for RubyGems, crates.io, and npm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to vein.toml (defaults to $"+config.EnvOverride+")")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newCacheCmd(&configPath))
	root.AddCommand(newQuarantineCmd(&configPath))
	root.AddCommand(newHealthCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, configExit(err)
	}
	return cfg, nil
}

// logLevelEnv lets an operator override the configured log level without
// touching the config file (spec.md §6 Environment).
const logLevelEnv = "VEIN_LOG"

func newLogger(cfg config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if env := os.Getenv(logLevelEnv); env != "" {
		level = env
	}
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if cfg.Logging.JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func openInventory(ctx context.Context, cfg config.Config) (inventory.Inventory, error) {
	var inv inventory.Inventory
	var err error
	switch {
	case cfg.Database.URL != "":
		inv, err = inventory.OpenPostgres(cfg.Database.URL)
	default:
		inv, err = inventory.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		return nil, inventoryExit(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := inv.Ping(pingCtx); err != nil {
		inv.Close()
		return nil, inventoryExit(err)
	}
	return inv, nil
}

func buildServer(ctx context.Context, cfg config.Config, log *slog.Logger) (*server.Server, inventory.Inventory, error) {
	inv, err := openInventory(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		inv.Close()
		return nil, nil, err
	}
	srv, err := server.New(server.Options{Config: cfg, Logger: log, Inventory: inv, Store: store})
	if err != nil {
		inv.Close()
		return nil, nil, err
	}
	return srv, inv, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			if cfg.Server.Workers > 0 {
				runtime.GOMAXPROCS(cfg.Server.Workers)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, inv, err := buildServer(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer inv.Close()

			httpSrv := &http.Server{Addr: srv.Addr(), Handler: srv.Handler()}
			interval := quarantine.ParseScheduleInterval(cfg.HotCache.RefreshSchedule)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				srv.Scheduler().Run(ctx, interval)
				return nil
			})
			g.Go(func() error {
				srv.RunHotCache(ctx, interval)
				return nil
			})
			g.Go(func() error {
				log.Info("vein listening", "addr", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print inventory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			inv, err := openInventory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer inv.Close()
			st, err := inv.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("cached assets:    %d (%d bytes)\n", st.TotalAssets, st.TotalBytes)
			fmt.Printf("gems quarantined: %d\n", st.QuarantinedGems)
			fmt.Printf("gems available:   %d\n", st.AvailableGems)
			fmt.Printf("gems blocked:     %d\n", st.BlockedGems)
			fmt.Println("request counters are exported at /metrics")
			return nil
		},
	}
}

func newCacheCmd(configPath *string) *cobra.Command {
	cacheCmd := &cobra.Command{Use: "cache", Short: "Cache maintenance"}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Re-fetch the RubyGems index and refresh the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			srv, inv, err := buildServer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer inv.Close()
			if err := srv.Refresh(cmd.Context()); err != nil {
				return errors.Wrap(err, "cache refresh")
			}
			fmt.Println("cache refreshed")
			return nil
		},
	})
	return cacheCmd
}

func newQuarantineCmd(configPath *string) *cobra.Command {
	qCmd := &cobra.Command{Use: "quarantine", Short: "Inspect and adjust the quarantine inventory"}

	qCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Summarize quarantine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			inv, err := openInventory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer inv.Close()
			st, err := inv.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("quarantined: %d\navailable:   %d\nblocked:     %d\n",
				st.QuarantinedGems, st.AvailableGems, st.BlockedGems)
			return nil
		},
	})

	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List versions currently in quarantine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			inv, err := openInventory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer inv.Close()
			rows, err := inv.ListGemVersionsByStatus(cmd.Context(), inventory.StatusQuarantine, listLimit)
			if err != nil {
				return err
			}
			for _, gv := range rows {
				name := gv.Name
				if gv.Platform != "" {
					name += " (" + gv.Platform + ")"
				}
				fmt.Printf("%s %s\tavailable after %s\n", name, gv.Version, gv.AvailableAfter.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum rows to list")
	qCmd.AddCommand(listCmd)

	qCmd.AddCommand(&cobra.Command{
		Use:   "promote",
		Short: "Run a quarantine tick immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			inv, err := openInventory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer inv.Close()
			sched := quarantine.New(inv, quarantine.PolicyFromConfig(cfg.DelayPolicy))
			sched.Logger = newLogger(cfg)
			n, err := sched.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("promoted %d version(s)\n", n)
			return nil
		},
	})

	qCmd.AddCommand(newStatusMutationCmd(configPath, "approve", "Approve a version regardless of its delay window",
		func(s *quarantine.Scheduler, ctx context.Context, name, version, reason string) error {
			return s.Approve(ctx, name, version, "", reason)
		}))
	qCmd.AddCommand(newStatusMutationCmd(configPath, "block", "Block a version from rewritten indexes",
		func(s *quarantine.Scheduler, ctx context.Context, name, version, reason string) error {
			return s.Block(ctx, name, version, "", reason)
		}))
	return qCmd
}

func newStatusMutationCmd(configPath *string, verb, short string, apply func(*quarantine.Scheduler, context.Context, string, string, string) error) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   verb + " <name> <version>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			inv, err := openInventory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer inv.Close()
			sched := quarantine.New(inv, quarantine.PolicyFromConfig(cfg.DelayPolicy))
			if err := apply(sched, cmd.Context(), args[0], args[1], reason); err != nil {
				return err
			}
			fmt.Printf("%sd %s %s\n", verb, args[0], args[1])
			return nil
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "free-text reason recorded on the version")
	return c
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running vein instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			host := cfg.Server.Host
			if host == "0.0.0.0" || host == "" {
				host = "127.0.0.1"
			}
			url := "http://" + host + ":" + strconv.Itoa(cfg.Server.Port) + "/up"
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return errors.Wrapf(err, "checking %s", url)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return errors.Errorf("%s responded %s", url, resp.Status)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
