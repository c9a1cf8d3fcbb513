package findings

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/pageveil/pageveil/internal/mask"
)

// Event is one persisted detection event. Only the category and match count
// are stored, never the matched text.
type Event struct {
	ID        int64     `db:"id" json:"id" parquet:"id"`
	PageID    string    `db:"page_id" json:"pageId" parquet:"page_id"`
	Category  string    `db:"category" json:"category" parquet:"category"`
	Count     int       `db:"match_count" json:"count" parquet:"match_count"`
	CreatedAt time.Time `db:"created_at" json:"createdAt" parquet:"created_at"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store persists detection events in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS detection_events (
	id BIGSERIAL PRIMARY KEY,
	page_id TEXT NOT NULL,
	category TEXT NOT NULL,
	match_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewStore connects to the database and ensures the schema exists
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("Findings store initialized",
		zap.Int("max_open_conns", config.MaxOpenConns),
	)
	return store, nil
}

// Close releases the database connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDetections stores one row per category finding. Failures are logged
// and swallowed: telemetry must never stall the scan path.
func (s *Store) RecordDetections(pageID string, findings []mask.Finding) {
	if len(findings) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, f := range findings {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO detection_events (page_id, category, match_count) VALUES ($1, $2, $3)`,
			pageID, string(f.Category), f.Count,
		)
		if err != nil {
			s.logger.Warn("Failed to record detection",
				zap.String("page_id", pageID),
				zap.String("category", string(f.Category)),
				zap.Error(err),
			)
			return
		}
	}

	s.logger.Debug("Detections recorded",
		zap.String("page_id", pageID),
		zap.Int("categories", len(findings)),
	)
}

// List returns the most recent events, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, page_id, category, match_count, created_at
		 FROM detection_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection events: %w", err)
	}
	return events, nil
}

// ExportParquet streams all events to w as a parquet file for offline
// analysis
func (s *Store) ExportParquet(ctx context.Context, w io.Writer) (int, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, page_id, category, match_count, created_at
		 FROM detection_events ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("failed to read detection events: %w", err)
	}

	writer := parquet.NewWriter(w)
	for i := range events {
		if err := writer.Write(&events[i]); err != nil {
			return 0, fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	s.logger.Info("Detection events exported", zap.Int("rows", len(events)))
	return len(events), nil
}
