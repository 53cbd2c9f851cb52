package main

import (
	"context"
	"fmt"

	"github.com/kass/store-locator/pkg/api"
	"github.com/kass/store-locator/pkg/config"
	"github.com/kass/store-locator/pkg/elastic"
	"github.com/kass/store-locator/pkg/loader"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/postgis"
	"github.com/kass/store-locator/pkg/rtree"
	"go.uber.org/zap"
)

// backend is the configured candidate source plus its store counter
type backend struct {
	source  locator.Source
	counter api.Counter
	close   func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Source.Kind {
	case config.SourcePostGIS:
		store, err := postgis.Open(ctx, postgisConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &backend{source: store, counter: store, close: func() { store.Close() }}, nil

	case config.SourceElastic:
		store, err := elastic.NewStore(elasticConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &backend{source: store, counter: store, close: store.Close}, nil

	default:
		index, err := openMemoryIndex(cfg, logger)
		if err != nil {
			return nil, err
		}
		counter := api.CounterFunc(func(context.Context) (int64, error) {
			return index.Count(), nil
		})
		return &backend{source: index, counter: counter, close: func() {}}, nil
	}
}

// openMemoryIndex builds the in-memory index from the snapshot and then the
// seed file, either of which may be unset.
func openMemoryIndex(cfg *config.Config, logger *zap.Logger) (*rtree.GeoIndex, error) {
	index := rtree.NewGeoIndex()

	if cfg.Source.Snapshot != "" {
		if err := index.LoadFromFile(cfg.Source.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to load snapshot %s: %w", cfg.Source.Snapshot, err)
		}
		logger.Info("snapshot loaded", zap.String("file", cfg.Source.Snapshot), zap.Int64("stores", index.Count()))
	}

	if cfg.Source.Seed != "" {
		stores, report, err := loader.LoadFile(cfg.Source.Seed)
		if err != nil {
			return nil, fmt.Errorf("failed to load seed %s: %w", cfg.Source.Seed, err)
		}
		logReport(logger, cfg.Source.Seed, report)

		if _, err := index.IndexStores(stores); err != nil {
			return nil, fmt.Errorf("failed to index seed %s: %w", cfg.Source.Seed, err)
		}
		logger.Info("seed indexed", zap.String("file", cfg.Source.Seed), zap.Int64("stores", index.Count()))
	}

	if index.Count() == 0 {
		logger.Warn("in-memory index is empty; set source.snapshot or source.seed")
	}
	return index, nil
}

func postgisConfig(cfg *config.Config) postgis.Config {
	return postgis.Config{
		DSN:            cfg.PostGIS.DSN,
		Host:           cfg.PostGIS.Host,
		Port:           cfg.PostGIS.Port,
		User:           cfg.PostGIS.User,
		Password:       cfg.PostGIS.Password,
		Database:       cfg.PostGIS.Database,
		SSLMode:        cfg.PostGIS.SSLMode,
		MaxConnections: cfg.PostGIS.MaxConnections,
		MaxRadiusKm:    cfg.Locator.MaxRadiusKm,
	}
}

func elasticConfig(cfg *config.Config) elastic.Config {
	return elastic.Config{
		URL:         cfg.Elastic.URL,
		Index:       cfg.Elastic.Index,
		Oversample:  cfg.Elastic.Oversample,
		MaxRadiusKm: cfg.Locator.MaxRadiusKm,
	}
}

func logReport(logger *zap.Logger, file string, report *loader.Report) {
	for _, row := range report.Skipped {
		logger.Warn("skipped row", zap.String("file", file), zap.Int("row", row.Row), zap.String("reason", row.Reason))
	}
	logger.Info("file loaded",
		zap.String("file", file),
		zap.Int("rows", report.Rows),
		zap.Int("loaded", report.Loaded),
		zap.Int("skipped", len(report.Skipped)),
	)
}
