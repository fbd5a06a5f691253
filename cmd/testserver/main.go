// testserver starts a GenOS API server backed by the in-process local runtime
// adapter, for manual testing without a hypervisor.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/adapter/local"
	"github.com/willynikes2/GenOS/internal/api"
	"github.com/willynikes2/GenOS/internal/bus"
	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/engine"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
	"github.com/willynikes2/GenOS/internal/sched"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("GENOS_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := registry.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cat := catalog.Default()
	scheduler := sched.NewScheduler(sched.NewPool(cat.Hosts), logger, sched.Options{})
	defer scheduler.Close()

	eventBus := bus.New(db, logger)
	defer eventBus.Close()

	// Every runtime name in the catalog maps to the local adapter, so specs
	// that ask for firecracker or libvirt still provision in-process.
	adapters := adapter.NewRegistry()
	for _, name := range []string{model.RuntimeLocal, model.RuntimeFirecracker, model.RuntimeLibvirt} {
		adapters.Register(name, local.New().Set())
	}

	eng := engine.NewEngine(db, cat, scheduler, adapters, eventBus, logger, engine.Options{
		ReadyPollInterval: 50 * time.Millisecond,
	})
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)
	go scheduler.Run(ctx, time.Second)

	srv := api.NewServer(addr, api.Deps{
		Store:     db,
		Engine:    eng,
		Scheduler: scheduler,
		Catalog:   cat,
		Bus:       eventBus,
	}, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
