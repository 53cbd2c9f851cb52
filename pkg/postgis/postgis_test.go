package postgis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnString(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "geo", Password: "secret", Database: "stores"}
	assert.Equal(t, "host=db port=5432 user=geo password=secret dbname=stores sslmode=disable", cfg.ConnString())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.ConnString(), "sslmode=require")

	cfg.DSN = "postgres://u:p@localhost/x"
	assert.Equal(t, "postgres://u:p@localhost/x", cfg.ConnString())
}

func TestCandidatesQuery(t *testing.T) {
	query, args := candidatesQuery(models.Location{Lat: 1, Lon: 2}, 0)
	assert.NotContains(t, query, "ST_DWithin")
	assert.Empty(t, args)

	query, args = candidatesQuery(models.Location{Lat: 1, Lon: 2}, 2.5)
	assert.Contains(t, query, "ST_DWithin")
	assert.Equal(t, []any{2.0, 1.0, 2500.0}, args, "lon, lat, metres")
}

func TestTableStatsString(t *testing.T) {
	stats := TableStats{Rows: 3, TableSize: "48 kB", IndexSize: "32 kB"}
	assert.Equal(t, "3 rows, table 48 kB, indexes 32 kB", stats.String())
}

// openTestStore connects to the database named by STORELOCATOR_TEST_POSTGIS_DSN
func openTestStore(t *testing.T, maxRadiusKm float64) *Store {
	dsn := os.Getenv("STORELOCATOR_TEST_POSTGIS_DSN")
	if dsn == "" {
		t.Skip("STORELOCATOR_TEST_POSTGIS_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, Config{DSN: dsn, MaxRadiusKm: maxRadiusKm}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.InitSchema(ctx))
	_, err = store.db.ExecContext(ctx, "TRUNCATE stores")
	require.NoError(t, err)
	require.NoError(t, store.CreateSpatialIndex(ctx))
	return store
}

func TestStoreIntegration(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()

	address := "1 Market St, San Francisco, CA"
	stores := []models.StoreRecord{
		{ID: "sf", Title: "San Francisco", Address: &address, Location: models.Location{Lat: 37.7749, Lon: -122.4194}},
		{ID: "oak", Title: "Oakland", Location: models.Location{Lat: 37.8044, Lon: -122.2712}},
		{ID: "la", Title: "Los Angeles", Location: models.Location{Lat: 34.0522, Lon: -118.2437}},
		{ID: "bad", Title: "Bad", Location: models.Location{Lat: 120, Lon: 0}},
	}

	skipped, err := store.BulkInsertStores(ctx, stores)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	// upsert keeps the row count stable
	stores[1].Title = "Oakland Downtown"
	_, err = store.BulkInsertStores(ctx, stores[:2])
	require.NoError(t, err)
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	service := locator.NewService(store, 2, nil)
	nearest, err := service.Nearest(ctx, 37.7749, -122.4194, 0)
	require.NoError(t, err)
	require.Len(t, nearest, 2)
	assert.Equal(t, "sf", nearest[0].ID)
	require.NotNil(t, nearest[0].Address)
	assert.Equal(t, address, *nearest[0].Address)
	assert.Equal(t, "Oakland Downtown", nearest[1].Title)
	assert.Nil(t, nearest[1].Address)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Rows)
	assert.NotEmpty(t, stats.TableSize)
	assert.NotEmpty(t, stats.IndexSize)
}

func TestStoreRadiusFilter(t *testing.T) {
	store := openTestStore(t, 50)
	ctx := context.Background()

	_, err := store.BulkInsertStores(ctx, []models.StoreRecord{
		{ID: "sf", Title: "San Francisco", Location: models.Location{Lat: 37.7749, Lon: -122.4194}},
		{ID: "la", Title: "Los Angeles", Location: models.Location{Lat: 34.0522, Lon: -118.2437}},
	})
	require.NoError(t, err)

	candidates, err := store.Candidates(ctx, models.Location{Lat: 37.8, Lon: -122.4}, 5)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "sf", candidates[0].ID)
}
