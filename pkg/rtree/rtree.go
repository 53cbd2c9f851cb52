// Package rtree implements an in-memory R-Tree store index with
// goroutine-based parallel search across longitude partitions.
package rtree

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/models"
)

const (
	tolerance   = 0.01
	minChildren = 25
	maxChildren = 50
	dimensions  = 2

	// InitialSearchRadiusKm is the first radius tried by Candidates before
	// it starts doubling.
	InitialSearchRadiusKm = 5.0
)

// spatialStore wraps a store to implement rtreego.Spatial
type spatialStore struct {
	store     models.StoreRecord
	rect      rtreego.Rect
	partition int
}

func (sp *spatialStore) Bounds() rtreego.Rect {
	return sp.rect
}

// GeoIndex is a thread-safe R-Tree based store index
type GeoIndex struct {
	// Partitioned trees for parallel query execution
	partitions    []*rtreego.Rtree
	numPartitions int
	mu            sync.RWMutex
	byID          map[string]*spatialStore
	itemCount     atomic.Int64

	// Partition bounds for efficient query routing
	partitionBounds []models.BoundingBox
}

// NewGeoIndex creates a new index with one partition per CPU
func NewGeoIndex() *GeoIndex {
	return NewGeoIndexWithWorkers(runtime.NumCPU())
}

// NewGeoIndexWithWorkers creates a new index with the given partition count
func NewGeoIndexWithWorkers(numPartitions int) *GeoIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}

	g := &GeoIndex{
		numPartitions:   numPartitions,
		partitions:      make([]*rtreego.Rtree, numPartitions),
		partitionBounds: make([]models.BoundingBox, numPartitions),
		byID:            make(map[string]*spatialStore),
	}

	// Partitions are longitude bands
	lonRange := 360.0 / float64(numPartitions)
	for i := 0; i < numPartitions; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLon := -180.0 + float64(i)*lonRange
		maxLon := minLon + lonRange
		if i == numPartitions-1 {
			maxLon = 180.0
		}

		g.partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.Location{Lat: -90, Lon: minLon},
			TopRight:   models.Location{Lat: 90, Lon: maxLon},
		}
	}

	return g
}

// IndexStores adds stores to the index. Stores with an invalid coordinate
// are skipped and a store whose ID is already indexed replaces the old one.
// It returns the number of stores skipped.
func (g *GeoIndex) IndexStores(stores []models.StoreRecord) (int, error) {
	if len(stores) == 0 {
		return 0, nil
	}

	items := make([]*spatialStore, 0, len(stores))
	skipped := 0
	for _, store := range stores {
		if store.ID == "" {
			return skipped, fmt.Errorf("store %q has no id", store.Title)
		}
		if err := geo.ValidateLocation(store.Location); err != nil {
			skipped++
			continue
		}

		p := rtreego.Point{store.Location.Lat, store.Location.Lon}
		items = append(items, &spatialStore{
			store:     store,
			rect:      p.ToRect(tolerance),
			partition: g.partitionFor(store.Location.Lon),
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Replacements leave the tree before the parallel inserts start; within
	// one batch the last occurrence of an ID wins.
	grouped := make([][]*spatialStore, g.numPartitions)
	for _, item := range items {
		if old, ok := g.byID[item.store.ID]; ok {
			g.partitions[old.partition].Delete(old)
		}
		g.byID[item.store.ID] = item
		grouped[item.partition] = append(grouped[item.partition], item)
	}

	var wg sync.WaitGroup
	for i := 0; i < g.numPartitions; i++ {
		if len(grouped[i]) == 0 {
			continue
		}

		wg.Add(1)
		go func(partitionIdx int, items []*spatialStore) {
			defer wg.Done()

			// Each partition can be updated independently
			for _, item := range items {
				if g.byID[item.store.ID] != item {
					// superseded by a later duplicate in the same batch
					continue
				}
				g.partitions[partitionIdx].Insert(item)
			}
		}(i, grouped[i])
	}

	wg.Wait()
	g.itemCount.Store(int64(len(g.byID)))
	return skipped, nil
}

// QueryBox returns all stores within the given bounding box using parallel search
func (g *GeoIndex) QueryBox(box models.BoundingBox) ([]models.StoreRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	results, err := g.queryBoxLocked(box)
	if err != nil {
		return nil, err
	}
	sortByID(results)
	return results, nil
}

func (g *GeoIndex) queryBoxLocked(box models.BoundingBox) ([]models.StoreRecord, error) {
	bounds, err := rtreego.NewRectFromPoints(
		rtreego.Point{box.BottomLeft.Lat, box.BottomLeft.Lon},
		rtreego.Point{box.TopRight.Lat, box.TopRight.Lon},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid bounding box: %w", err)
	}

	relevantPartitions := g.getRelevantPartitions(box)
	resultsChan := make(chan []models.StoreRecord, len(relevantPartitions))

	for _, partitionIdx := range relevantPartitions {
		go func(idx int) {
			hits := g.partitions[idx].SearchIntersect(bounds)

			// Strict boundary check on the actual coordinate
			stores := make([]models.StoreRecord, 0, len(hits))
			for _, hit := range hits {
				item, ok := hit.(*spatialStore)
				if !ok {
					continue
				}
				loc := item.store.Location
				if loc.Lat >= box.BottomLeft.Lat && loc.Lat <= box.TopRight.Lat &&
					loc.Lon >= box.BottomLeft.Lon && loc.Lon <= box.TopRight.Lon {
					stores = append(stores, item.store)
				}
			}
			resultsChan <- stores
		}(partitionIdx)
	}

	var all []models.StoreRecord
	for i := 0; i < len(relevantPartitions); i++ {
		all = append(all, <-resultsChan...)
	}
	return all, nil
}

// QueryRadius returns all stores within radiusKm of center
func (g *GeoIndex) QueryRadius(center models.Location, radiusKm float64) ([]models.StoreRecord, error) {
	if err := geo.ValidateLocation(center); err != nil {
		return nil, err
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return nil, fmt.Errorf("invalid radius: %v", radiusKm)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// boxes get a metre of slack so rounding never drops a store on the circle
	var all []models.StoreRecord
	for _, box := range radiusBoxes(center, radiusKm+0.001) {
		stores, err := g.queryBoxLocked(box)
		if err != nil {
			return nil, err
		}
		all = append(all, stores...)
	}

	// Filter by actual distance
	seen := make(map[string]struct{}, len(all))
	results := make([]models.StoreRecord, 0, len(all))
	for _, store := range all {
		if _, dup := seen[store.ID]; dup {
			continue
		}
		seen[store.ID] = struct{}{}
		if geo.LocationDistance(center, store.Location) <= radiusKm {
			results = append(results, store)
		}
	}

	sortByID(results)
	return results, nil
}

// Candidates returns a candidate set guaranteed to contain the limit stores
// nearest to center. The search radius doubles until enough stores are
// inside it or it covers the whole globe.
func (g *GeoIndex) Candidates(ctx context.Context, center models.Location, limit int) ([]models.StoreRecord, error) {
	if limit < 1 {
		limit = 1
	}
	if int64(limit) >= g.Count() {
		return g.All(), nil
	}

	for radius := InitialSearchRadiusKm; radius < geo.HalfCircumference; radius *= 2 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := g.QueryRadius(center, radius)
		if err != nil {
			return nil, err
		}
		if len(found) >= limit {
			return found, nil
		}
	}
	return g.All(), nil
}

// NearestStores returns the n stores nearest to center, nearest first
func (g *GeoIndex) NearestStores(center models.Location, n int) ([]models.RankedStore, error) {
	candidates, err := g.Candidates(context.Background(), center, n)
	if err != nil {
		return nil, err
	}
	return locator.FindNearest(center.Lat, center.Lon, candidates, n)
}

// All returns every indexed store ordered by ID
func (g *GeoIndex) All() []models.StoreRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stores := make([]models.StoreRecord, 0, len(g.byID))
	for _, item := range g.byID {
		stores = append(stores, item.store)
	}
	sortByID(stores)
	return stores
}

// Get returns the store with the given ID
func (g *GeoIndex) Get(id string) (models.StoreRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	item, ok := g.byID[id]
	if !ok {
		return models.StoreRecord{}, false
	}
	return item.store, true
}

// Count returns the number of indexed stores
func (g *GeoIndex) Count() int64 {
	return g.itemCount.Load()
}

// Clear removes all stores from the index
func (g *GeoIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < g.numPartitions; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	g.byID = make(map[string]*spatialStore)
	g.itemCount.Store(0)
}

func (g *GeoIndex) partitionFor(lon float64) int {
	lonRange := 360.0 / float64(g.numPartitions)
	idx := int((lon + 180.0) / lonRange)
	if idx >= g.numPartitions {
		idx = g.numPartitions - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// getRelevantPartitions returns the indices of partitions that intersect with the given bounding box
func (g *GeoIndex) getRelevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range g.partitionBounds {
		if box.BottomLeft.Lon <= bounds.TopRight.Lon &&
			box.TopRight.Lon >= bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

// radiusBoxes returns bounding boxes that together cover every point within
// radiusKm of center. Longitude spans are widened for latitude, cover every
// longitude when the circle reaches a pole and are split at the antimeridian.
func radiusBoxes(center models.Location, radiusKm float64) []models.BoundingBox {
	deg := geo.KmToDegrees(radiusKm)
	minLat := center.Lat - deg
	maxLat := center.Lat + deg

	fullLon := false
	lonDeg := 0.0
	if minLat <= -90 || maxLat >= 90 {
		fullLon = true
	} else {
		r := radiusKm / geo.EarthRadius
		ratio := math.Sin(r) / math.Cos(center.Lat*math.Pi/180)
		if ratio >= 1 {
			fullLon = true
		} else {
			lonDeg = math.Asin(ratio) * 180 / math.Pi
			fullLon = lonDeg >= 180
		}
	}

	minLat = math.Max(minLat, -90)
	maxLat = math.Min(maxLat, 90)
	box := func(minLon, maxLon float64) models.BoundingBox {
		return models.BoundingBox{
			BottomLeft: models.Location{Lat: minLat, Lon: minLon},
			TopRight:   models.Location{Lat: maxLat, Lon: maxLon},
		}
	}

	if fullLon {
		return []models.BoundingBox{box(-180, 180)}
	}

	minLon := center.Lon - lonDeg
	maxLon := center.Lon + lonDeg
	switch {
	case minLon < -180:
		return []models.BoundingBox{box(-180, maxLon), box(minLon+360, 180)}
	case maxLon > 180:
		return []models.BoundingBox{box(minLon, 180), box(-180, maxLon-360)}
	default:
		return []models.BoundingBox{box(minLon, maxLon)}
	}
}

func sortByID(stores []models.StoreRecord) {
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].ID < stores[j].ID
	})
}
