package rtree

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func store(id string, lat, lon float64) models.StoreRecord {
	return models.StoreRecord{
		ID:       id,
		Title:    id,
		Location: models.Location{Lat: lat, Lon: lon},
	}
}

func storeIDs(stores []models.StoreRecord) []string {
	out := make([]string, len(stores))
	for i, s := range stores {
		out[i] = s.ID
	}
	return out
}

func TestNewGeoIndex(t *testing.T) {
	index := NewGeoIndex()
	assert.NotNil(t, index)
	assert.NotEmpty(t, index.partitions)
	assert.Equal(t, int64(0), index.Count())
}

func TestIndexStores(t *testing.T) {
	index := NewGeoIndex()

	stores := []models.StoreRecord{
		store("1", 37.7749, -122.4194), // San Francisco
		store("2", 34.0522, -118.2437), // Los Angeles
		store("3", 40.7128, -74.0060),  // New York
		store("4", 95, 0),              // invalid latitude
	}

	skipped, err := index.IndexStores(stores)
	assert.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, int64(3), index.Count())
}

func TestIndexStoresRejectsMissingID(t *testing.T) {
	index := NewGeoIndex()
	_, err := index.IndexStores([]models.StoreRecord{store("", 1, 1)})
	assert.Error(t, err)
}

func TestIndexStoresReplacesByID(t *testing.T) {
	index := NewGeoIndexWithWorkers(4)

	_, err := index.IndexStores([]models.StoreRecord{store("moving", 10, -170)})
	require.NoError(t, err)

	_, err = index.IndexStores([]models.StoreRecord{
		store("moving", 10, 170),
		store("other", 0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), index.Count())

	got, ok := index.Get("moving")
	require.True(t, ok)
	assert.Equal(t, 170.0, got.Location.Lon)

	west, err := index.QueryBox(models.BoundingBox{
		BottomLeft: models.Location{Lat: 0, Lon: -180},
		TopRight:   models.Location{Lat: 20, Lon: -160},
	})
	require.NoError(t, err)
	assert.Empty(t, west)

	// duplicates inside one batch: the last one wins
	_, err = index.IndexStores([]models.StoreRecord{
		store("dup", 1, 1),
		store("dup", 2, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), index.Count())
	got, _ = index.Get("dup")
	assert.Equal(t, 2.0, got.Location.Lat)
	assert.Len(t, index.All(), 3)
}

func TestQueryBox(t *testing.T) {
	index := NewGeoIndex()

	stores := []models.StoreRecord{
		store("SF", 37.7749, -122.4194),
		store("LA", 34.0522, -118.2437),
		store("SD", 32.7157, -117.1611),
		store("NYC", 40.7128, -74.0060), // outside
		store("CHI", 41.8781, -87.6298), // outside
	}

	_, err := index.IndexStores(stores)
	require.NoError(t, err)

	// Box covering California
	box := models.BoundingBox{
		BottomLeft: models.Location{Lat: 32.0, Lon: -125.0},
		TopRight:   models.Location{Lat: 42.0, Lon: -114.0},
	}

	results, err := index.QueryBox(box)
	assert.NoError(t, err)
	assert.Equal(t, []string{"LA", "SD", "SF"}, storeIDs(results))
}

func TestQueryRadius(t *testing.T) {
	index := NewGeoIndex()

	sfLat, sfLon := 37.7749, -122.4194
	stores := []models.StoreRecord{
		store("SF", sfLat, sfLon),
		store("Oakland", 37.8044, -122.2712),    // ~13km
		store("San Jose", 37.3382, -121.8863),   // ~48km
		store("Sacramento", 38.5816, -121.4944), // ~120km
		store("LA", 34.0522, -118.2437),         // ~560km
	}

	_, err := index.IndexStores(stores)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		radius   float64
		expected []string
	}{
		{"10km radius", 10, []string{"SF"}},
		{"20km radius", 20, []string{"Oakland", "SF"}},
		{"80km radius", 80, []string{"Oakland", "SF", "San Jose"}},
		{"150km radius", 150, []string{"Oakland", "SF", "Sacramento", "San Jose"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			center := models.Location{Lat: sfLat, Lon: sfLon}
			results, err := index.QueryRadius(center, tc.radius)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, storeIDs(results))
		})
	}
}

func TestQueryRadiusInvalidInput(t *testing.T) {
	index := NewGeoIndex()

	_, err := index.QueryRadius(models.Location{Lat: 91}, 10)
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	_, err = index.QueryRadius(models.Location{}, -1)
	assert.Error(t, err)
}

func TestQueryRadiusAcrossAntimeridian(t *testing.T) {
	index := NewGeoIndexWithWorkers(8)

	_, err := index.IndexStores([]models.StoreRecord{
		store("fiji-east", -17.7, 179.9),
		store("fiji-west", -17.7, -179.9),
		store("far", -17.7, 170),
	})
	require.NoError(t, err)

	results, err := index.QueryRadius(models.Location{Lat: -17.7, Lon: 179.95}, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"fiji-east", "fiji-west"}, storeIDs(results))
}

func TestQueryRadiusHighLatitude(t *testing.T) {
	index := NewGeoIndex()

	// At 70°N one degree of longitude is only ~38km, so a 100km circle spans
	// well over one degree east and west.
	_, err := index.IndexStores([]models.StoreRecord{
		store("east", 70, 22.4),
		store("west", 70, 17.6),
		store("outside", 70, 25),
	})
	require.NoError(t, err)

	results, err := index.QueryRadius(models.Location{Lat: 70, Lon: 20}, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"east", "west"}, storeIDs(results))
}

func TestQueryRadiusNearPole(t *testing.T) {
	index := NewGeoIndex()

	_, err := index.IndexStores([]models.StoreRecord{
		store("across-the-pole", 89.5, 180),
		store("south", 80, 0),
	})
	require.NoError(t, err)

	results, err := index.QueryRadius(models.Location{Lat: 89.5, Lon: 0}, 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"across-the-pole"}, storeIDs(results))
}

func TestNearestStores(t *testing.T) {
	index := NewGeoIndex()

	stores := []models.StoreRecord{
		store("1", 37.7749, -122.4194),
		store("2", 37.7849, -122.4094),
		store("3", 37.7649, -122.4294),
		store("4", 37.8049, -122.3994),
		store("5", 37.7549, -122.4394),
	}

	_, err := index.IndexStores(stores)
	require.NoError(t, err)

	center := models.Location{Lat: 37.7749, Lon: -122.4194}
	results, err := index.NearestStores(center, 3)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-9)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestCandidatesMatchBruteForce(t *testing.T) {
	index := NewGeoIndex()
	stores := generateRandomStores(5000, 1)
	_, err := index.IndexStores(stores)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(99))
	for i := 0; i < 50; i++ {
		center := models.Location{Lat: r.Float64()*180 - 90, Lon: r.Float64()*360 - 180}
		limit := r.Intn(20) + 1

		candidates, err := index.Candidates(context.Background(), center, limit)
		require.NoError(t, err)

		fromIndex, err := locator.FindNearest(center.Lat, center.Lon, candidates, limit)
		require.NoError(t, err)
		bruteForce, err := locator.FindNearest(center.Lat, center.Lon, index.All(), limit)
		require.NoError(t, err)

		require.Len(t, fromIndex, limit)
		for j := range bruteForce {
			assert.InDelta(t, bruteForce[j].Distance, fromIndex[j].Distance, 1e-9)
		}
	}
}

func TestCandidatesSmallIndex(t *testing.T) {
	index := NewGeoIndex()
	_, err := index.IndexStores([]models.StoreRecord{store("a", 0, 0), store("b", 50, 50)})
	require.NoError(t, err)

	candidates, err := index.Candidates(context.Background(), models.Location{Lat: -60, Lon: 120}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, storeIDs(candidates))

	empty := NewGeoIndex()
	candidates, err = empty.Candidates(context.Background(), models.Location{}, 5)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestCandidatesCancelled(t *testing.T) {
	index := NewGeoIndex()
	_, err := index.IndexStores(generateRandomStores(100, 5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = index.Candidates(ctx, models.Location{Lat: 0, Lon: 0}, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersistence(t *testing.T) {
	for _, name := range []string{"index.gob", "index.gob.zst"} {
		t.Run(name, func(t *testing.T) {
			index1 := NewGeoIndex()
			stores := generateRandomStores(100, 2)
			address := "1 Market St, San Francisco, CA, 94105, US"
			stores[0].Address = &address
			_, err := index1.IndexStores(stores)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, index1.SaveToFile(path))

			index2 := NewGeoIndex()
			require.NoError(t, index2.LoadFromFile(path))

			assert.Equal(t, index1.Count(), index2.Count())
			assert.Equal(t, index1.All(), index2.All())

			got, ok := index2.Get(stores[0].ID)
			require.True(t, ok)
			require.NotNil(t, got.Address)
			assert.Equal(t, address, *got.Address)
		})
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	index := NewGeoIndex()
	err := index.LoadFromFile(filepath.Join(t.TempDir(), "missing.gob"))
	assert.Error(t, err)
}

func TestConcurrentQueries(t *testing.T) {
	index := NewGeoIndex()
	_, err := index.IndexStores(generateRandomStores(10000, 3))
	require.NoError(t, err)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func(seed int64) {
			defer func() { done <- true }()
			r := rand.New(rand.NewSource(seed))

			switch r.Intn(3) {
			case 0:
				box := models.BoundingBox{
					BottomLeft: models.Location{Lat: r.Float64()*10 + 30, Lon: r.Float64()*10 - 120},
					TopRight:   models.Location{Lat: r.Float64()*10 + 40, Lon: r.Float64()*10 - 110},
				}
				_, err := index.QueryBox(box)
				assert.NoError(t, err)

			case 1:
				center := models.Location{Lat: r.Float64()*20 + 30, Lon: r.Float64()*40 - 120}
				_, err := index.QueryRadius(center, r.Float64()*100+10)
				assert.NoError(t, err)

			case 2:
				center := models.Location{Lat: r.Float64()*20 + 30, Lon: r.Float64()*40 - 120}
				results, err := index.NearestStores(center, r.Intn(50)+1)
				assert.NoError(t, err)
				assert.True(t, sort.SliceIsSorted(results, func(a, b int) bool {
					return results[a].Distance < results[b].Distance
				}))
			}
		}(int64(i))
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestClear(t *testing.T) {
	index := NewGeoIndex()
	_, err := index.IndexStores(generateRandomStores(10, 4))
	require.NoError(t, err)

	index.Clear()
	assert.Equal(t, int64(0), index.Count())
	assert.Empty(t, index.All())
}

func generateRandomStores(n int, seed int64) []models.StoreRecord {
	r := rand.New(rand.NewSource(seed))
	stores := make([]models.StoreRecord, n)
	for i := 0; i < n; i++ {
		stores[i] = store(
			fmt.Sprintf("store_%d", i),
			r.Float64()*20+30,  // 30-50
			r.Float64()*40-120, // -120 to -80
		)
	}
	return stores
}

func BenchmarkIndexStores(b *testing.B) {
	sizes := []int{1000, 10000, 100000}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%d_stores", size), func(b *testing.B) {
			stores := generateRandomStores(size, 1)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				index := NewGeoIndex()
				_, _ = index.IndexStores(stores)
			}
		})
	}
}

func BenchmarkQueryRadius(b *testing.B) {
	index := NewGeoIndex()
	_, _ = index.IndexStores(generateRandomStores(100000, 1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		center := models.Location{Lat: 37.5, Lon: -112.5}
		_, _ = index.QueryRadius(center, 50)
	}
}

func BenchmarkNearestStores(b *testing.B) {
	index := NewGeoIndex()
	_, _ = index.IndexStores(generateRandomStores(100000, 1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		center := models.Location{Lat: 37.5, Lon: -112.5}
		_, _ = index.NearestStores(center, locator.DefaultLimit)
	}
}
