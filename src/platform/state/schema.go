package state

import (
	"context"

	"github.com/rs/zerolog"
)

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// SchemaBootstrap creates the database tables before the services that write
// to them start. It slots into the lifecycle graph between the storage
// clients and the service layer.
type SchemaBootstrap struct {
	stores []schemaEnsurer
	logger zerolog.Logger
}

func NewSchemaBootstrap(logger zerolog.Logger, stores ...schemaEnsurer) *SchemaBootstrap {
	return &SchemaBootstrap{stores: stores, logger: logger}
}

func (b *SchemaBootstrap) Start(ctx context.Context) error {
	for _, store := range b.stores {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	b.logger.Info().Msgf("ensured schema for %d stores", len(b.stores))
	return nil
}

func (b *SchemaBootstrap) Stop(_ context.Context) {}
