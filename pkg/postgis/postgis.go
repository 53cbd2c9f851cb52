package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/models"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const batchSize = 10000

// Config describes how to reach the stores database
type Config struct {
	DSN            string
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxConnections int
	// MaxRadiusKm limits Candidates to stores within this distance; zero
	// returns every store.
	MaxRadiusKm float64
}

// ConnString returns the lib/pq connection string. An explicit DSN wins.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Store keeps store records in a PostGIS table
type Store struct {
	db          *sql.DB
	maxRadiusKm float64
	logger      *zap.Logger
}

// Open connects to PostgreSQL and verifies the connection
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, maxRadiusKm: cfg.MaxRadiusKm, logger: logger}, nil
}

// InitSchema creates the postgis extension and the stores table
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`CREATE TABLE IF NOT EXISTS stores (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			address TEXT,
			location GEOMETRY(POINT, 4326) NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}

	return nil
}

// CreateSpatialIndex creates a GIST index on the location column
func (s *Store) CreateSpatialIndex(ctx context.Context) error {
	start := time.Now()
	query := `CREATE INDEX IF NOT EXISTS idx_stores_location ON stores USING GIST(location);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create spatial index: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "ANALYZE stores;"); err != nil {
		return fmt.Errorf("failed to analyze table: %w", err)
	}

	s.logger.Info("created spatial index", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// BulkInsertStores upserts stores in batched transactions. Stores with an
// invalid coordinate are skipped and counted.
func (s *Store) BulkInsertStores(ctx context.Context, stores []models.StoreRecord) (int, error) {
	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO stores (id, title, address, location)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326))
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, address = EXCLUDED.address, location = EXCLUDED.location
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStmt := tx.StmtContext(ctx, stmt)

	skipped, pending := 0, 0
	for _, store := range stores {
		if err := geo.ValidateLocation(store.Location); err != nil {
			s.logger.Warn("skipping store", zap.String("store_id", store.ID), zap.Error(err))
			skipped++
			continue
		}

		var address any
		if store.Address != nil {
			address = *store.Address
		}
		if _, err := txStmt.ExecContext(ctx, store.ID, store.Title, address, store.Lon, store.Lat); err != nil {
			tx.Rollback()
			return skipped, fmt.Errorf("failed to insert store %s: %w", store.ID, err)
		}

		pending++
		if pending == batchSize {
			if err := tx.Commit(); err != nil {
				return skipped, fmt.Errorf("failed to commit batch: %w", err)
			}
			pending = 0

			tx, err = s.db.BeginTx(ctx, nil)
			if err != nil {
				return skipped, fmt.Errorf("failed to begin new transaction: %w", err)
			}
			txStmt = tx.StmtContext(ctx, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return skipped, fmt.Errorf("failed to commit final batch: %w", err)
	}

	return skipped, nil
}

// Candidates returns every store, or those within MaxRadiusKm of center
// when a radius is configured. The limit is not applied here.
func (s *Store) Candidates(ctx context.Context, center models.Location, limit int) ([]models.StoreRecord, error) {
	query, args := candidatesQuery(center, s.maxRadiusKm)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	results := make([]models.StoreRecord, 0, limit)
	for rows.Next() {
		var (
			store   models.StoreRecord
			address sql.NullString
		)
		if err := rows.Scan(&store.ID, &store.Title, &address, &store.Lat, &store.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if address.Valid {
			store.Address = models.StringPtr(address.String)
		}
		results = append(results, store)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return results, nil
}

func candidatesQuery(center models.Location, maxRadiusKm float64) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, title, address, ST_Y(location) AS lat, ST_X(location) AS lon FROM stores`)
	if maxRadiusKm <= 0 {
		b.WriteString(` ORDER BY id`)
		return b.String(), nil
	}

	b.WriteString(` WHERE ST_DWithin(location::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)`)
	b.WriteString(` ORDER BY id`)
	return b.String(), []any{center.Lon, center.Lat, maxRadiusKm * 1000}
}

// Count returns the number of stores in the table
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stores").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stores: %w", err)
	}
	return count, nil
}

// TableStats sizes the stores table after an import
type TableStats struct {
	Rows      int64
	TableSize string
	IndexSize string
}

func (t TableStats) String() string {
	return fmt.Sprintf("%d rows, table %s, indexes %s", t.Rows, t.TableSize, t.IndexSize)
}

// Stats reports the row count and on-disk size of the stores table
func (s *Store) Stats(ctx context.Context) (TableStats, error) {
	var stats TableStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM stores),
			pg_size_pretty(pg_total_relation_size('stores')),
			pg_size_pretty(pg_indexes_size('stores'))
	`).Scan(&stats.Rows, &stats.TableSize, &stats.IndexSize)
	if err != nil {
		return TableStats{}, fmt.Errorf("failed to read stores table stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
