package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/canteen/internal/health"
	"github.com/vladislavdragonenkov/canteen/internal/storage/memory"
)

func TestInitRuntimeDependencies_MemoryDriver(t *testing.T) {
	for _, driver := range []string{"", StorageDriverMemory, " Memory "} {
		t.Run("driver="+driver, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()

			deps, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: driver}, log.NewEntry(logger))
			require.NoError(t, err)

			assert.IsType(t, &memory.OrderRepository{}, deps.repo)
			assert.IsType(t, &memory.OutboxRepository{}, deps.outboxRepo)
			assert.IsType(t, &memory.TimelineRepository{}, deps.timelineRepo)
			assert.IsType(t, &memory.IdempotencyRepository{}, deps.idempotencyRepo)
			assert.Nil(t, deps.closeFn)
			assert.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check().Status)
			assert.Equal(t, StorageDriverMemory, hook.LastEntry().Data["storage_driver"])

			deps.close(log.NewEntry(logger))
		})
	}
}

func TestInitRuntimeDependencies_MemoryReposAreIndependent(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), Config{}, log.WithField("test", "storage"))
	require.NoError(t, err)
	other, err := initRuntimeDependencies(context.Background(), Config{}, log.WithField("test", "storage"))
	require.NoError(t, err)

	_, err = deps.outboxRepo.Enqueue(domain.OutboxMessage{OrderID: "A1", EventType: "OrderCreated"})
	require.NoError(t, err)

	stats, err := other.outboxRepo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestInitRuntimeDependencies_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "postgres without dsn", cfg: Config{StorageDriver: StorageDriverPostgres, PostgresDSN: "  "}, want: "CANTEEN_POSTGRES_DSN"},
		{name: "unknown driver", cfg: Config{StorageDriver: "sqlite"}, want: `unsupported storage driver "sqlite"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, err := initRuntimeDependencies(context.Background(), tt.cfg, log.WithField("test", "storage"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, deps.repo)
		})
	}
}
