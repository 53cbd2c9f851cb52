// Package locator ranks store records by great-circle distance from a query
// point and returns the nearest ones.
package locator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/models"
	"go.uber.org/zap"
)

// DefaultLimit is the number of stores returned when the caller does not ask
// for a specific count.
const DefaultLimit = 5

// ErrInvalidLimit is returned when the requested result count is not positive
var ErrInvalidLimit = errors.New("limit must be positive")

// Source supplies the candidate set for a query. The returned slice must
// contain at least the limit stores nearest to center; it may contain more.
type Source interface {
	Candidates(ctx context.Context, center models.Location, limit int) ([]models.StoreRecord, error)
}

// SliceSource is a Source over a fixed set of stores
type SliceSource []models.StoreRecord

// Candidates returns every store in the slice
func (s SliceSource) Candidates(_ context.Context, _ models.Location, _ int) ([]models.StoreRecord, error) {
	return s, nil
}

// FindNearest returns the limit candidates closest to (queryLat, queryLon),
// nearest first. Candidates with an invalid coordinate are skipped. Equal
// distances keep their input order.
func FindNearest(queryLat, queryLon float64, candidates []models.StoreRecord, limit int) ([]models.RankedStore, error) {
	query := models.Location{Lat: queryLat, Lon: queryLon}
	if err := geo.ValidateLocation(query); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	h := newBoundedHeap(min(limit, len(candidates)))
	for i, candidate := range candidates {
		if geo.ValidateLocation(candidate.Location) != nil {
			continue
		}
		h.offer(rankedItem{
			index:    i,
			distance: geo.LocationDistance(query, candidate.Location),
		})
	}

	items := h.items
	sort.Slice(items, func(a, b int) bool {
		return items[a].less(items[b])
	})

	results := make([]models.RankedStore, len(items))
	for i, item := range items {
		results[i] = models.RankedStore{
			StoreRecord: candidates[item.index],
			Distance:    item.distance,
		}
	}
	return results, nil
}

// Service answers nearest-store queries against a Source
type Service struct {
	source Source
	limit  int
	logger *zap.Logger

	// onSkipped receives the number of invalid candidates dropped from each
	// query.
	onSkipped func(n int)
}

// NewService creates a Service. A limit below 1 falls back to DefaultLimit
// and a nil logger discards output.
func NewService(source Source, limit int, logger *zap.Logger) *Service {
	if limit < 1 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source: source,
		limit:  limit,
		logger: logger,
	}
}

// WithSkipHook returns a copy of s that also reports skipped candidates to
// fn. Hooks already set on s keep firing and s itself is unchanged.
func (s *Service) WithSkipHook(fn func(n int)) *Service {
	clone := *s
	if prev := s.onSkipped; prev != nil && fn != nil {
		clone.onSkipped = func(n int) {
			prev(n)
			fn(n)
		}
	} else if fn != nil {
		clone.onSkipped = fn
	}
	return &clone
}

// Limit returns the default number of results
func (s *Service) Limit() int {
	return s.limit
}

// Nearest returns the nearest stores to (lat, lon). A limit of 0 uses the
// service default.
func (s *Service) Nearest(ctx context.Context, lat, lon float64, limit int) ([]models.RankedStore, error) {
	if limit == 0 {
		limit = s.limit
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	center := models.Location{Lat: lat, Lon: lon}
	if err := geo.ValidateLocation(center); err != nil {
		return nil, err
	}

	candidates, err := s.source.Candidates(ctx, center, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	valid := s.dropInvalid(candidates)
	return FindNearest(lat, lon, valid, limit)
}

// dropInvalid filters out candidates whose coordinate is unusable and logs
// each one. The input slice is not modified.
func (s *Service) dropInvalid(candidates []models.StoreRecord) []models.StoreRecord {
	var skipped int
	valid := make([]models.StoreRecord, 0, len(candidates))
	for _, c := range candidates {
		if err := geo.ValidateLocation(c.Location); err != nil {
			skipped++
			s.logger.Warn("skipping store with invalid coordinate",
				zap.String("store_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, c)
	}
	if skipped > 0 && s.onSkipped != nil {
		s.onSkipped(skipped)
	}
	return valid
}
