// Package elastic keeps store records in an Elasticsearch index and serves
// them as nearest-store candidates using a geo-distance sort.
package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/models"
	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"
)

const (
	DefaultIndex      = "stores"
	DefaultOversample = 2
	maxResultWindow   = 20000
)

// Config describes the Elasticsearch connection
type Config struct {
	URL   string
	Index string
	// Oversample multiplies the requested limit so that stores tied at
	// the cut-off distance reach the locator.
	Oversample  int
	MaxRadiusKm float64
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// document is the indexed form of a store
type document struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Address  *string          `json:"address"`
	Location elastic.GeoPoint `json:"location"`
}

var mapping = map[string]interface{}{
	"settings": map[string]interface{}{
		"index": map[string]interface{}{
			"max_result_window": maxResultWindow,
		},
	},
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":       map[string]interface{}{"type": "keyword"},
			"title":    map[string]interface{}{"type": "text"},
			"address":  map[string]interface{}{"type": "text"},
			"location": map[string]interface{}{"type": "geo_point"},
		},
	},
}

// Store is an Elasticsearch backed store index
type Store struct {
	client      *elastic.Client
	index       string
	oversample  int
	maxRadiusKm float64
	logger      *zap.Logger
}

// NewStore creates a client for cfg. Sniffing and health checks are off so
// the store works behind load balancers and proxies.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URL),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if cfg.HTTPClient != nil {
		options = append(options, elastic.SetHttpClient(cfg.HTTPClient))
	}

	client, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	oversample := cfg.Oversample
	if oversample < 1 {
		oversample = DefaultOversample
	}

	return &Store{
		client:      client,
		index:       index,
		oversample:  oversample,
		maxRadiusKm: cfg.MaxRadiusKm,
		logger:      logger,
	}, nil
}

// CreateIndex creates the index with a geo_point mapping unless it exists
func (s *Store) CreateIndex(ctx context.Context) error {
	exists, err := s.client.IndexExists(s.index).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", s.index, err)
	}
	if exists {
		s.logger.Info("index already exists", zap.String("index", s.index))
		return nil
	}

	result, err := s.client.CreateIndex(s.index).BodyJson(mapping).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", s.index, err)
	}
	if !result.Acknowledged {
		s.logger.Warn("index creation was not acknowledged", zap.String("index", s.index))
	}

	s.logger.Info("index created", zap.String("index", s.index))
	return nil
}

// BulkIndex indexes stores by ID. Stores with an invalid coordinate are
// skipped; the returned count covers both skipped and rejected documents.
func (s *Store) BulkIndex(ctx context.Context, stores []models.StoreRecord) (int, error) {
	bulk := s.client.Bulk().Index(s.index).Refresh("true")

	skipped := 0
	for _, store := range stores {
		if err := geo.ValidateLocation(store.Location); err != nil {
			s.logger.Warn("skipping store", zap.String("store_id", store.ID), zap.Error(err))
			skipped++
			continue
		}
		bulk.Add(elastic.NewBulkIndexRequest().Id(store.ID).Doc(toDocument(store)))
	}

	if bulk.NumberOfActions() == 0 {
		return skipped, nil
	}

	resp, err := bulk.Do(ctx)
	if err != nil {
		return skipped, fmt.Errorf("failed to execute bulk request: %w", err)
	}

	for _, item := range resp.Failed() {
		reason := "unknown"
		if item.Error != nil {
			reason = item.Error.Reason
		}
		s.logger.Warn("failed to index store", zap.String("store_id", item.Id), zap.String("reason", reason))
		skipped++
	}

	return skipped, nil
}

// Candidates returns up to limit×Oversample stores ordered by arc distance
// from center, optionally restricted to MaxRadiusKm.
func (s *Store) Candidates(ctx context.Context, center models.Location, limit int) ([]models.StoreRecord, error) {
	var query elastic.Query = elastic.NewMatchAllQuery()
	if s.maxRadiusKm > 0 {
		query = elastic.NewBoolQuery().Filter(
			elastic.NewGeoDistanceQuery("location").
				Lat(center.Lat).
				Lon(center.Lon).
				Distance(strconv.FormatFloat(s.maxRadiusKm, 'f', -1, 64) + "km"),
		)
	}

	size := limit * s.oversample
	if size > maxResultWindow {
		size = maxResultWindow
	}

	result, err := s.client.Search().
		Index(s.index).
		Query(query).
		SortBy(elastic.NewGeoDistanceSort("location").
			Point(center.Lat, center.Lon).
			Asc().
			Unit("km").
			DistanceType("arc").
			IgnoreUnmapped(true)).
		Size(size).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.index, err)
	}

	stores := make([]models.StoreRecord, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var doc document
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			s.logger.Warn("failed to decode hit", zap.String("hit_id", hit.Id), zap.Error(err))
			continue
		}
		stores = append(stores, doc.toStore())
	}

	return stores, nil
}

// Count returns the number of indexed stores
func (s *Store) Count(ctx context.Context) (int64, error) {
	count, err := s.client.Count(s.index).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.index, err)
	}
	return count, nil
}

// Close stops the client's background work
func (s *Store) Close() {
	s.client.Stop()
}

func toDocument(store models.StoreRecord) document {
	return document{
		ID:       store.ID,
		Title:    store.Title,
		Address:  store.Address,
		Location: elastic.GeoPoint{Lat: store.Lat, Lon: store.Lon},
	}
}

func (d document) toStore() models.StoreRecord {
	return models.StoreRecord{
		ID:       d.ID,
		Title:    d.Title,
		Address:  d.Address,
		Location: models.Location{Lat: d.Location.Lat, Lon: d.Location.Lon},
	}
}
