package main

import (
	"context"
	"log"
	"os"

	appconfig "github.com/lewisedginton/whatsapp_bridge/internal/config"
	"github.com/lewisedginton/whatsapp_bridge/internal/server"
	"github.com/lewisedginton/whatsapp_bridge/pkg/config"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

func main() {
	var cfg appconfig.BridgeConfig
	if err := config.GetConfig(&cfg, os.Getenv("CONFIG_FILE"), true); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logg := logger.NewLogger(logger.Config{
		Level:   cfg.GetLogLevel(),
		Format:  cfg.Logging.Format,
		Service: cfg.ServiceName,
	})

	cfg.LogConfig(logg)

	srv, err := server.New(context.Background(), &cfg, logg)
	if err != nil {
		logg.Error("Failed to initialize bridge", logger.ErrorField(err))
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logg.Error("Bridge exited with error", logger.ErrorField(err))
		os.Exit(1)
	}
}
