package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/dynexec/internal/api"
	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/config"
	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/engine"
	"github.com/seantiz/dynexec/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("dynexec: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"streams", cfg.Streams,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	dev := device.New(cfg.Device(), logger)
	defer dev.Close()

	manager, err := engine.NewManager(backend.NewKernelRegistry(), nil, logger)
	if err != nil {
		log.Fatalf("failed to create executor manager: %v", err)
	}

	ctx := context.Background()
	session, err := engine.NewSession(ctx, engine.SessionConfig{
		Manager: manager,
		Device:  dev,
		Values:  db,
		Policy:  cfg.Policy(),
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to open session: %v", err)
	}
	defer session.Close(ctx)

	srv := api.NewServer(cfg.ListenAddr, session, logger)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
