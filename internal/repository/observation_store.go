package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ConflictCast/internal/domain/models"
	pkgch "ConflictCast/pkg/clickhouse"
	applogger "ConflictCast/pkg/logger"
)

// observationsTable holds one row per (location, week). Gaps are stored
// explicitly as zero-count rows by the ingest pipeline, so a straight read
// yields an evenly spaced series.
const observationsTable = "conflictcast.observations"

// Schema statements applied idempotently at startup.
var ObservationSchema = []string{
	`CREATE DATABASE IF NOT EXISTS conflictcast`,
	`CREATE TABLE IF NOT EXISTS ` + observationsTable + ` (
        week_start DateTime('UTC'),
        location   LowCardinality(String),
        incidents  UInt32
    ) ENGINE = ReplacingMergeTree
    ORDER BY (location, week_start)`,
}

// CHObservationStore reads incident histories from ClickHouse.
type CHObservationStore struct {
	db *sql.DB
	ch *pkgch.Client
	l  *applogger.Logger
}

func NewCHObservationStore(ch *pkgch.Client, l *applogger.Logger) *CHObservationStore {
	return &CHObservationStore{db: ch.DB(), ch: ch, l: l}
}

// FetchSeries reads the full ordered history of one location.
func (s *CHObservationStore) FetchSeries(ctx context.Context, location string) (*models.ObservationSeries, error) {
	start := time.Now()
	const q = `
        SELECT week_start, incidents
        FROM ` + observationsTable + `
        WHERE location = ?
        ORDER BY week_start ASC
    `
	rows, err := s.db.QueryContext(ctx, q, location)
	if err != nil {
		s.l.Error("clickhouse fetch_series query error",
			applogger.String("location", location),
			applogger.Error(err))
		return nil, fmt.Errorf("fetch series: %w", err)
	}
	defer rows.Close()

	points := make([]models.ObservationPoint, 0, 256)
	for rows.Next() {
		var ts time.Time
		var count uint32
		if err := rows.Scan(&ts, &count); err != nil {
			s.l.Error("clickhouse fetch_series scan error",
				applogger.String("location", location),
				applogger.Error(err))
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		points = append(points, models.ObservationPoint{
			Timestamp: ts.UTC(),
			Location:  location,
			Count:     int(count),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	series, err := models.NewObservationSeries(location, points)
	if err != nil {
		return nil, fmt.Errorf("invalid stored series: %w", err)
	}
	s.l.Debug("clickhouse fetch_series ok",
		applogger.String("location", location),
		applogger.Int("rows", len(points)),
		applogger.Duration("duration", time.Since(start)))
	return series, nil
}

func (s *CHObservationStore) Health(ctx context.Context) error {
	return s.ch.Health(ctx)
}

func (s *CHObservationStore) Close() error {
	return s.ch.Close()
}
