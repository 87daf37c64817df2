package archive

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
)

const createReportsTable = `
CREATE TABLE IF NOT EXISTS stream_reports (
	video_id     TEXT PRIMARY KEY,
	channel_id   TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	group_count  INTEGER NOT NULL,
	report       JSONB NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS stream_reports_started_at_idx ON stream_reports (started_at DESC);
`

const upsertReport = `
INSERT INTO stream_reports (video_id, channel_id, started_at, group_count, report)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (video_id) DO UPDATE SET
	channel_id = EXCLUDED.channel_id,
	started_at = EXCLUDED.started_at,
	group_count = EXCLUDED.group_count,
	report = EXCLUDED.report,
	archived_at = now()
`

const selectReportsSince = `
SELECT report FROM stream_reports
WHERE started_at > $1
ORDER BY started_at DESC
`

// PostgresStore keeps each report as a JSONB row keyed by video id.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates the reports table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, createReportsTable); err != nil {
		return nil, errors.NewStorageError("create reports table", "postgres", "init", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Save(ctx context.Context, view report.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return errors.NewStorageError("encode report", "postgres", "save", err)
	}

	var startedAt sql.NullTime
	if view.StartTimestamp != nil {
		startedAt = sql.NullTime{Time: domain.EpochToTime(*view.StartTimestamp), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, upsertReport,
		view.ID, view.ChannelID, startedAt, view.Size(), payload,
	); err != nil {
		return errors.NewStorageError("insert report", "postgres", "save", err)
	}

	s.logger.Info("Report stored", zap.String("video_id", view.ID), zap.Int("groups", view.Size()))
	return nil
}

func (s *PostgresStore) List(ctx context.Context, since time.Time) ([]report.View, error) {
	rows, err := s.db.QueryContext(ctx, selectReportsSince, since.UTC())
	if err != nil {
		return nil, errors.NewStorageError("query reports", "postgres", "list", err)
	}
	defer rows.Close()

	views := make([]report.View, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.NewStorageError("scan report", "postgres", "list", err)
		}
		var view report.View
		if err := json.Unmarshal(payload, &view); err != nil {
			s.logger.Warn("Skipping undecodable report row", zap.Error(err))
			continue
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("iterate reports", "postgres", "list", err)
	}
	return views, nil
}
