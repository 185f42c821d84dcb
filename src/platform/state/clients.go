// Package state assembles the long-lived singletons: storage clients, the
// service graph and the schema bootstrap. Everything is constructed here once
// and handed to the lifecycle controller; nothing is an ambient global.
package state

import (
	"fmt"
	"net"

	"apitracker/src/clients/postgresql"
	"apitracker/src/clients/redis"
	"apitracker/src/platform/config"
	"apitracker/src/platform/logging"
)

type StorageClients struct {
	PostgreSQL *postgresql.Client
	Redis      *redis.Client
}

func CreateStorageClients(cfg *config.Config, loggerFactory *logging.LoggerFactory) (*StorageClients, error) {
	primaryURL := postgresURL(cfg, net.JoinHostPort(cfg.PostgreSQL.Host, fmt.Sprintf("%d", cfg.PostgreSQL.Port)))

	// Only the first read replica is used for the dedicated read pool; the
	// aggregation queries do not need more than one.
	var readReplicaURL string
	if len(cfg.PostgreSQL.ReadReplicas) > 0 {
		readReplicaURL = postgresURL(cfg, cfg.PostgreSQL.ReadReplicas[0])
	}

	postgresClient, err := postgresql.NewClient(&postgresql.ClientOptions{
		URL:                     primaryURL,
		ReadReplicaURL:          readReplicaURL,
		ApplicationInstanceName: cfg.Application.InstanceName,
		Logger:                  loggerFactory.Child("client.postgresql"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql client: %w", err)
	}

	redisClient := redis.NewClient(&redis.ClientOptions{
		Primary:        cfg.Redis.Primary,
		Replica:        cfg.Redis.Replica,
		SentinelAddrs:  cfg.Redis.SentinelAddrs,
		SentinelMaster: cfg.Redis.SentinelMaster,
		ClientName:     cfg.Application.InstanceName,
		Username:       cfg.Redis.Username,
		Password:       string(cfg.Redis.Password),
		Logger:         loggerFactory.Child("client.redis"),
	})

	return &StorageClients{
		PostgreSQL: postgresClient,
		Redis:      redisClient,
	}, nil
}

func postgresURL(cfg *config.Config, hostPort string) string {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host, port = hostPort, fmt.Sprintf("%d", cfg.PostgreSQL.Port)
	}
	return fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s",
		cfg.PostgreSQL.Username,
		string(cfg.PostgreSQL.Password),
		host,
		port,
		cfg.PostgreSQL.DBName,
	)
}
