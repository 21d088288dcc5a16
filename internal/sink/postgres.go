package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// DBTX is a common interface for *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresSink persists analysis results to the timeline table. The
// upsert keys on event_id, so a re-delivered result overwrites its
// earlier row instead of duplicating it.
type PostgresSink struct {
	DB DBTX
}

func NewPostgresSink(db DBTX) *PostgresSink {
	return &PostgresSink{DB: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Emit(ctx context.Context, res *event.AnalysisResult) error {
	fallbacks, err := json.Marshal(res.Fallbacks)
	if err != nil {
		return fmt.Errorf("marshal fallbacks: %w", err)
	}

	query := `
		INSERT INTO analysis_results
			(event_id, group_id, camera_id, status, description, confidence,
			 mode, provider, tokens_used, tags, fallbacks, frame_count,
			 clip_ref, snapshot_ref, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (event_id) DO UPDATE SET
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			confidence = EXCLUDED.confidence,
			mode = EXCLUDED.mode,
			provider = EXCLUDED.provider,
			tokens_used = EXCLUDED.tokens_used,
			tags = EXCLUDED.tags,
			fallbacks = EXCLUDED.fallbacks,
			frame_count = EXCLUDED.frame_count,
			clip_ref = EXCLUDED.clip_ref,
			snapshot_ref = EXCLUDED.snapshot_ref,
			completed_at = EXCLUDED.completed_at`

	var confidence sql.NullFloat64
	if res.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *res.Confidence, Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, query,
		res.EventID, res.GroupID, res.CameraID, res.Status, res.Description, confidence,
		string(res.Mode), res.Provider, res.TokensUsed, pq.Array(res.Tags), fallbacks, res.FrameCount,
		res.ClipRef, res.SnapshotRef, res.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert analysis result: %w", err)
	}
	return nil
}

// RecentResults returns the newest results for a camera, for the ops
// surface.
func (s *PostgresSink) RecentResults(ctx context.Context, cameraID string, limit int) ([]event.AnalysisResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT event_id, group_id, camera_id, status, description, confidence,
		       mode, provider, tokens_used, tags, fallbacks, frame_count,
		       clip_ref, snapshot_ref, completed_at
		FROM analysis_results
		WHERE camera_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := s.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.AnalysisResult
	for rows.Next() {
		var (
			r          event.AnalysisResult
			eventID    uuid.UUID
			groupID    uuid.UUID
			confidence sql.NullFloat64
			mode       string
			tags       pq.StringArray
			fallbacks  []byte
			completed  time.Time
		)
		err := rows.Scan(&eventID, &groupID, &r.CameraID, &r.Status, &r.Description, &confidence,
			&mode, &r.Provider, &r.TokensUsed, &tags, &fallbacks, &r.FrameCount,
			&r.ClipRef, &r.SnapshotRef, &completed)
		if err != nil {
			return nil, err
		}
		r.EventID = eventID
		r.GroupID = groupID
		r.Mode = event.AnalysisMode(mode)
		r.Tags = tags
		r.CompletedAt = completed
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		if len(fallbacks) > 0 {
			if err := json.Unmarshal(fallbacks, &r.Fallbacks); err != nil {
				return nil, fmt.Errorf("unmarshal fallbacks: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
