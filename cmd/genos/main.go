package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/adapter/firecracker"
	"github.com/willynikes2/GenOS/internal/adapter/libvirt"
	"github.com/willynikes2/GenOS/internal/adapter/local"
	"github.com/willynikes2/GenOS/internal/api"
	"github.com/willynikes2/GenOS/internal/archive"
	"github.com/willynikes2/GenOS/internal/bus"
	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/config"
	"github.com/willynikes2/GenOS/internal/engine"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
	"github.com/willynikes2/GenOS/internal/sched"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "genos:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "genos",
		Short:         "Orchestrator for streamable virtual environments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newVersionCommand(),
	)
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("genos: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"runtimes", cfg.Runtimes,
	)

	db, err := registry.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cat, err := loadCatalog(cfg, logger)
	if err != nil {
		return err
	}

	scheduler := sched.NewScheduler(sched.NewPool(cat.Hosts), logger, sched.Options{
		QueueCapacity: cfg.QueueCapacity,
		WaitBudget:    cfg.WaitBudget,
	})
	defer scheduler.Close()

	eventBus := bus.New(db, logger)
	defer eventBus.Close()

	adapters, err := buildAdapters(cfg.Runtimes, logger)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(db, cat, scheduler, adapters, eventBus, logger, engine.Options{
		RetainTerminal: cfg.EnvironmentRetention,
	})
	defer eng.Close()

	// Settle anything the previous process left mid-transition before
	// accepting new work.
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover environments: %w", err)
	}

	go eng.Run(ctx)
	go scheduler.Run(ctx, cfg.SweepInterval)

	if cfg.Archive.Enabled() {
		client, err := archive.NewClient(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.UseSSL)
		if err != nil {
			return fmt.Errorf("archive client: %w", err)
		}
		archiver := archive.New(db, client, logger, archive.Options{
			Bucket:   cfg.Archive.Bucket,
			Retain:   cfg.Archive.Retain,
			Interval: cfg.Archive.Interval,
		})
		if err := archiver.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("archive bucket: %w", err)
		}
		go archiver.Run(ctx)
		logger.Info("event archiver enabled",
			"endpoint", cfg.Archive.Endpoint,
			"bucket", cfg.Archive.Bucket,
		)
	}

	var auth *api.Authenticator
	if cfg.OIDC.Enabled() {
		auth, err = api.NewAuthenticator(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID, logger)
		if err != nil {
			return fmt.Errorf("configure token verification: %w", err)
		}
		logger.Info("bearer token verification enabled", "issuer", cfg.OIDC.Issuer)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     db,
		Engine:    eng,
		Scheduler: scheduler,
		Catalog:   cat,
		Bus:       eventBus,
		Auth:      auth,
	}, logger)

	if err := srv.Run(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func loadCatalog(cfg config.Config, logger *slog.Logger) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		logger.Info("using built-in catalog")
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded",
		"path", cfg.CatalogPath,
		"images", len(cat.Images),
		"applications", len(cat.Applications),
		"hosts", len(cat.Hosts),
	)
	return cat, nil
}

func buildAdapters(runtimes []string, logger *slog.Logger) (*adapter.Registry, error) {
	adapters := adapter.NewRegistry()
	for _, name := range runtimes {
		switch name {
		case model.RuntimeLocal:
			adapters.Register(name, local.New().Set())
		case model.RuntimeFirecracker:
			fc, err := firecracker.New(firecracker.LoadConfig(), logger)
			if err != nil {
				return nil, fmt.Errorf("firecracker runtime: %w", err)
			}
			adapters.Register(name, fc.Set())
		case model.RuntimeLibvirt:
			lv, err := libvirt.New(libvirt.LoadConfig(), logger)
			if err != nil {
				return nil, fmt.Errorf("libvirt runtime: %w", err)
			}
			adapters.Register(name, lv.Set())
		default:
			return nil, fmt.Errorf("unknown runtime %q", name)
		}
		logger.Info("runtime adapter registered", "runtime", name)
	}
	return adapters, nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <catalog-path>",
		Args:  cobra.ExactArgs(1),
		Short: "Validate a catalog file without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "catalog %s is valid\n", args[0])
			fmt.Fprintf(out, "  images:       %d\n", len(cat.Images))
			fmt.Fprintf(out, "  applications: %d\n", len(cat.Applications))
			fmt.Fprintf(out, "  runtimes:     %d\n", len(cat.Runtimes))
			fmt.Fprintf(out, "  hosts:        %d\n", len(cat.Hosts))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the genos version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
