package sink

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/event"
)

type fakeSink struct {
	name  string
	err   error
	calls int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Emit(ctx context.Context, res *event.AnalysisResult) error {
	f.calls++
	return f.err
}

func sampleResult() *event.AnalysisResult {
	conf := 0.85
	return &event.AnalysisResult{
		EventID:     uuid.New(),
		GroupID:     uuid.New(),
		CameraID:    "front-door",
		Status:      event.StatusOK,
		Description: "A person is standing at the front door holding a package.",
		Confidence:  &conf,
		Mode:        event.ModeMultiFrame,
		Provider:    "primary",
		TokensUsed:  1240,
		Tags:        []string{"low_quality"},
		Fallbacks:   []event.FallbackReason{{Stage: "provider_attempt", Cause: "primary_timeout"}},
		FrameCount:  5,
		ClipRef:     "hub/clips/42",
		CompletedAt: time.Now().UTC(),
	}
}

func TestMultiSink_FansOutToAll(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	m := NewMultiSink(a, b)

	require.NoError(t, m.Emit(context.Background(), sampleResult()))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestMultiSink_OneFailureDoesNotStopOthers(t *testing.T) {
	a := &fakeSink{name: "a", err: errors.New("broker down")}
	b := &fakeSink{name: "b"}
	m := NewMultiSink(a, b)

	err := m.Emit(context.Background(), sampleResult())
	assert.Error(t, err)
	assert.Equal(t, 1, b.calls)
}

type flakyPublisher struct {
	failFirst int // publishes that fail before one succeeds; -1 fails forever
	calls     int
	subjects  []string
}

func (p *flakyPublisher) Publish(subject string, data []byte) error {
	p.calls++
	p.subjects = append(p.subjects, subject)
	if p.failFirst < 0 || p.calls <= p.failFirst {
		return errors.New("nats: connection closed")
	}
	return nil
}

func TestNATSSink_PublishesPerCameraSubject(t *testing.T) {
	pub := &flakyPublisher{}
	s := &NATSSink{conn: pub, maxRetries: 3}

	require.NoError(t, s.Emit(context.Background(), sampleResult()))
	require.Equal(t, 1, pub.calls)
	assert.Equal(t, ResultSubjectPrefix+"front-door", pub.subjects[0])
}

func TestNATSSink_RetriesThenSucceeds(t *testing.T) {
	pub := &flakyPublisher{failFirst: 2}
	s := &NATSSink{conn: pub, maxRetries: 3}

	require.NoError(t, s.Emit(context.Background(), sampleResult()))
	assert.Equal(t, 3, pub.calls)
}

func TestNATSSink_RetriesExhausted(t *testing.T) {
	pub := &flakyPublisher{failFirst: -1}
	s := &NATSSink{conn: pub, maxRetries: 2}

	err := s.Emit(context.Background(), sampleResult())
	require.Error(t, err)
	// Initial attempt plus two retries
	assert.Equal(t, 3, pub.calls)
}

func TestPostgresSink_EmitUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	res := sampleResult()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analysis_results")).
		WithArgs(res.EventID, res.GroupID, res.CameraID, res.Status, res.Description,
			sqlmock.AnyArg(), string(res.Mode), res.Provider, res.TokensUsed,
			sqlmock.AnyArg(), sqlmock.AnyArg(), res.FrameCount,
			res.ClipRef, res.SnapshotRef, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresSink(db)
	require.NoError(t, s.Emit(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_RedeliveryIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	res := sampleResult()
	// Same statement twice; the ON CONFLICT clause makes the second a
	// no-op overwrite rather than a duplicate row
	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analysis_results")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	s := NewPostgresSink(db)
	require.NoError(t, s.Emit(context.Background(), res))
	require.NoError(t, s.Emit(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_EmitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analysis_results")).
		WillReturnError(errors.New("connection reset"))

	s := NewPostgresSink(db)
	assert.Error(t, s.Emit(context.Background(), sampleResult()))
}

func TestPostgresSink_RecentResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	eventID := uuid.New()
	groupID := uuid.New()
	completed := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"event_id", "group_id", "camera_id", "status", "description", "confidence",
		"mode", "provider", "tokens_used", "tags", "fallbacks", "frame_count",
		"clip_ref", "snapshot_ref", "completed_at",
	}).AddRow(
		eventID.String(), groupID.String(), "front-door", "ok", "A delivery driver leaves a package.", 0.9,
		"multi_frame", "primary", 900, pq.StringArray{}, []byte(`[{"stage":"provider_attempt","cause":"primary_error"}]`), 5,
		"hub/clips/1", "", completed,
	)

	mock.ExpectQuery(regexp.QuoteMeta("FROM analysis_results")).
		WithArgs("front-door", 10).
		WillReturnRows(rows)

	s := NewPostgresSink(db)
	got, err := s.RecentResults(context.Background(), "front-door", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eventID, got[0].EventID)
	assert.Equal(t, event.ModeMultiFrame, got[0].Mode)
	require.NotNil(t, got[0].Confidence)
	assert.InDelta(t, 0.9, *got[0].Confidence, 1e-9)
	require.Len(t, got[0].Fallbacks, 1)
	assert.Equal(t, "primary_error", got[0].Fallbacks[0].Cause)
}
