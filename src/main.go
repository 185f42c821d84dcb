package main

import (
	"apitracker/src/api"
	"apitracker/src/clients/postgresql"
	"apitracker/src/clients/redis"
	"apitracker/src/platform/config"
	"apitracker/src/platform/health"
	"apitracker/src/platform/lifecycle"
	"apitracker/src/platform/logging"
	"apitracker/src/platform/security"
	"apitracker/src/platform/state"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.yaml.in/yaml/v3"
)

// shutdownDeadline caps the whole graceful shutdown sequence; a stalled step
// forces exit.
const shutdownDeadline = 10 * time.Second

func main() {
	cfg, err := config.Load(config.LoadOptions{
		YamlFilePaths: configPaths(),
		EnvVarPrefix:  "APITRACKER_",
	})
	if err != nil {
		panic(fmt.Sprintf("Error loading config: %+v", err))
	}

	loggerFactory, err := logging.NewFactory(logging.Options{
		AppInstanceID: cfg.Application.InstanceName,
		AppVersion:    cfg.Application.Version,
		RootLevel:     cfg.Logging.RootLevel,
		LiteralLevels: cfg.Logging.LiteralLevels,
		RegexLevels:   cfg.Logging.RegexLevels,
		PrettyPrint:   cfg.Logging.PrettyPrint,
	})
	if err != nil {
		panic(fmt.Sprintf("Error creating logger factory: %+v", err))
	}
	logger := loggerFactory.Child("main")

	// Secret fields marshal redacted.
	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to marshal config")
	}
	logger.Info().Msgf("Using config:\n%s", string(cfgBytes))

	storageClients, err := state.CreateStorageClients(cfg, loggerFactory)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create storage clients")
	}
	services := state.CreateServices(cfg, storageClients, loggerFactory)

	encryptor, err := security.NewEncryptor(string(cfg.Auth.EncryptionKey))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create encryptor")
	}
	tokens := security.NewTokenIssuer(string(cfg.Auth.JWTSecret), cfg.Auth.JWTTTL)

	healthController, err := health.NewController(&health.ControllerConfig{
		Dependencies: map[string]health.Pingable{
			postgresql.PingTargetName: storageClients.PostgreSQL,
			redis.PingTargetName:      storageClients.Redis,
		},
		Logger: loggerFactory.Child("health.controller"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create health controller")
	}

	httpServer := api.NewServer(api.ServerOptions{
		Config:    cfg.Server,
		RateLimit: cfg.RateLimit,
		Registry:  services.Callers,
		Tokens:    tokens,
		Encryptor: encryptor,
		Limiter:   services.Limiter,
		Pipeline:  services.Pipeline,
		Analytics: services.Analytics,
		Fanout:    services.Fanout,
		Streamer:  services.Streamer,
		Health:    healthController,
		Logger:    loggerFactory.Child("api.server"),
	})

	schema := state.NewSchemaBootstrap(loggerFactory.Child("state.schema"),
		services.Callers, services.ActivityLog)

	// Stop walks these dependencies in reverse: the listener drains first,
	// the storage connections close last.
	lifecycleController, err := lifecycle.NewController(lifecycle.ControllerOptions{
		Services: map[string]lifecycle.ServiceLifecycle{
			postgresql.PingTargetName: storageClients.PostgreSQL,
			redis.PingTargetName:      storageClients.Redis,
			"schema":                  schema,
			"ingestion":               services.Pipeline,
			"ratelimit":               services.Limiter,
			"fanout":                  services.Fanout,
			"retention":               services.Retention,
			"prewarm":                 services.Prewarmer,
			"http":                    httpServer,
		},
		Dependencies: map[string][]string{
			"schema":    {postgresql.PingTargetName},
			"ingestion": {"schema"},
			"ratelimit": {redis.PingTargetName},
			"fanout":    {redis.PingTargetName},
			"retention": {"schema"},
			"prewarm":   {"schema", redis.PingTargetName},
			"http":      {"ingestion", "ratelimit", "fanout", "prewarm"},
		},
		Logger: loggerFactory.Child("lifecycle.controller"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create lifecycle controller")
	}

	if err := lifecycleController.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	healthController.Start()

	logger.Info().Msgf("%s %s is up", cfg.Application.Name, cfg.Application.Version)
	blockOnSignal(syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Msg("Shutdown signal received")
	shutdown(lifecycleController, healthController, logger)
	logger.Info().Msg("Shutdown complete")
}

func shutdown(lifecycleController *lifecycle.Controller, healthController *health.Controller, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		healthController.Stop()
		lifecycleController.Stop(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		logger.Error().Msgf("Shutdown did not complete within %s, exiting", shutdownDeadline)
		os.Exit(1)
	}
}

func blockOnSignal(signals ...os.Signal) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signals...)
	<-sigChan
}

func configPaths() []string {
	if path, ok := os.LookupEnv("APITRACKER_CONFIG"); ok {
		return []string{path}
	}
	return []string{"/app/config/config.yaml"}
}
