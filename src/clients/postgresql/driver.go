package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// Client owns the pgx connection pool for the durable log store. A second
// read pool is created when read replicas are configured; aggregation-heavy
// queries prefer it, everything else uses the primary.
type Client struct {
	logger     zerolog.Logger
	config     *pgxpool.Config
	readConfig *pgxpool.Config
	Driver     *pgxpool.Pool
	ReadDriver *pgxpool.Pool
}

type ClientOptions struct {
	URL                     string
	ReadReplicaURL          string
	ApplicationInstanceName string
	Logger                  zerolog.Logger
}

func NewClient(options *ClientOptions) (*Client, error) {
	errorb := oops.
		In("postgresql client").
		Tags("constructor")

	config, err := buildPoolConfig(options.URL, options.ApplicationInstanceName)
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to parse database url")
	}

	var readConfig *pgxpool.Config
	if options.ReadReplicaURL != "" {
		readConfig, err = buildPoolConfig(options.ReadReplicaURL, options.ApplicationInstanceName)
		if err != nil {
			return nil, errorb.Wrapf(err, "failed to parse read replica url")
		}
	}

	return &Client{
		logger:     options.Logger,
		config:     config,
		readConfig: readConfig,
	}, nil
}

func buildPoolConfig(url, appInstanceName string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	config.MaxConns = int32(50)
	config.MinIdleConns = int32(10)
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnLifetimeJitter = 5 * time.Minute
	config.MaxConnIdleTime = 10 * time.Minute
	config.ConnConfig.ConnectTimeout = 5 * time.Second
	config.ConnConfig.RuntimeParams["application_name"] = appInstanceName
	config.ConnConfig.RuntimeParams["timezone"] = "UTC"
	config.ConnConfig.RuntimeParams["datestyle"] = "ISO"
	config.ConnConfig.RuntimeParams["statement_timeout"] = "5s"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "2s"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "2s"

	return config, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c.Driver != nil {
		return errors.New("postgresql client already started")
	}

	pool, err := pgxpool.NewWithConfig(ctx, c.config)
	if err != nil {
		return fmt.Errorf("failed to start postgresql client: %w", err)
	}
	c.Driver = pool
	c.ReadDriver = pool

	if c.readConfig != nil {
		readPool, err := pgxpool.NewWithConfig(ctx, c.readConfig)
		if err != nil {
			pool.Close()
			c.Driver = nil
			c.ReadDriver = nil
			return fmt.Errorf("failed to start postgresql read replica client: %w", err)
		}
		c.ReadDriver = readPool
	}

	return nil
}

func (c *Client) Stop(_ context.Context) {
	if c.Driver == nil {
		c.logger.Warn().Msg("PostgreSQL client already stopped")
		return
	}

	if c.ReadDriver != c.Driver {
		c.ReadDriver.Close()
	}
	c.Driver.Close()
	c.Driver = nil
	c.ReadDriver = nil
}
