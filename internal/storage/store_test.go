package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-valet/internal/models"
)

// runStoreContract exercises the StatusStore semantics every backend must honour.
func runStoreContract(t *testing.T, s StatusStore) {
	ctx := context.Background()

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("upsert merges across stages", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Upsert(ctx, id, models.StageSubmitted, models.FlowFields{VehicleCategory: "car", LicensePlate: "ABC1234"})
		require.NoError(t, err)
		spots := []models.Spot{{SpotID: "S-12", Level: "2", Position: "A3", Available: true}}
		_, err = s.Upsert(ctx, id, models.StageSpotsConsulted, models.FlowFields{CandidateSpots: spots})
		require.NoError(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StageSpotsConsulted, got.Stage)
		assert.Equal(t, "car", got.VehicleCategory)
		assert.Equal(t, "ABC1234", got.LicensePlate)
		require.Len(t, got.CandidateSpots, 1)
		assert.Equal(t, "S-12", got.CandidateSpots[0].SpotID)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("reserved spot upsert is idempotent", func(t *testing.T) {
		id := uuid.NewString()
		spot := &models.Spot{SpotID: "S-15", Level: "2", Position: "B1"}
		first, err := s.Upsert(ctx, id, models.StageSpotReserved, models.FlowFields{ReservedSpot: spot})
		require.NoError(t, err)
		second, err := s.Upsert(ctx, id, models.StageSpotReserved, models.FlowFields{ReservedSpot: spot})
		require.NoError(t, err)

		first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
		assert.Equal(t, first, second)
	})

	t.Run("reserved spot is never overwritten", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Upsert(ctx, id, models.StageSpotReserved, models.FlowFields{ReservedSpot: &models.Spot{SpotID: "S-12"}})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, id, models.StageSpotReserved, models.FlowFields{ReservedSpot: &models.Spot{SpotID: "S-15"}})
		require.NoError(t, err)
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "S-12", got.ReservedSpot.SpotID)
	})

	t.Run("concurrent upserts for different flows", func(t *testing.T) {
		prefix := uuid.NewString()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Upsert(ctx, fmt.Sprintf("%s-%d", prefix, i), models.StageSubmitted, models.FlowFields{VehicleCategory: "car"})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		for i := 0; i < 20; i++ {
			got, err := s.Get(ctx, fmt.Sprintf("%s-%d", prefix, i))
			require.NoError(t, err)
			assert.Equal(t, models.StageSubmitted, got.Stage)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	got, err := s.Upsert(ctx, "X", models.StageSpotReserved, models.FlowFields{ReservedSpot: &models.Spot{SpotID: "S-12"}})
	require.NoError(t, err)
	got.ReservedSpot.SpotID = "mutated"

	again, err := s.Get(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "S-12", again.ReservedSpot.SpotID)
}

func TestMemoryStoreUsesClock(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	got, err := s.Upsert(context.Background(), "X", models.StageSubmitted, models.FlowFields{})
	require.NoError(t, err)
	assert.Equal(t, at, got.UpdatedAt)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	b, kind, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", kind)
	assert.NoError(t, b.Check(context.Background()))
	assert.NoError(t, b.Close())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ps, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer ps.Close()
	require.NoError(t, ps.Migrate(context.Background()))
	runStoreContract(t, ps)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rs := NewRedisStore(addr, "")
	defer rs.Close()
	require.NoError(t, rs.Check(context.Background()))
	runStoreContract(t, rs)
}
