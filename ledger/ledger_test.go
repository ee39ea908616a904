package ledger

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	jctest "github.com/teranos/jobconnect/internal/testing"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(jctest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return l
}

func entry(jobID string, success bool, code string, finished time.Time) Entry {
	e := Entry{
		JobID:            jobID,
		JobType:          "txt2img",
		ConnectorID:      "comfy",
		ServiceType:      "image_generation",
		Success:          success,
		ProcessingTimeMs: 1000,
		StartedAt:        finished.Add(-time.Second),
		FinishedAt:       finished,
	}
	if !success {
		e.ErrorCode = code
		e.ErrorMessage = code + " failure"
	}
	return e
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := jctest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	require.NoError(t, Migrate(db, log))
	require.NoError(t, Migrate(db, log))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := entry("job-1", true, "", base)
	first.RemoteJobID = "p-1"
	first.Metadata = map[string]any{"backend_status": "success"}
	require.NoError(t, l.Record(ctx, first))
	require.NoError(t, l.Record(ctx, entry("job-2", false, "timeout", base.Add(time.Minute))))

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	assert.Equal(t, "job-2", recent[0].JobID, "newest first")
	assert.Equal(t, "timeout", recent[0].ErrorCode)
	assert.False(t, recent[0].Success)

	assert.Equal(t, "job-1", recent[1].JobID)
	assert.Equal(t, "p-1", recent[1].RemoteJobID)
	assert.Empty(t, recent[1].ErrorCode)
	assert.Equal(t, "success", recent[1].Metadata["backend_status"])
	assert.True(t, base.Equal(recent[1].FinishedAt))

	limited, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, entry("old", false, "connection", base.Add(-time.Hour))))
	require.NoError(t, l.Record(ctx, entry("a", true, "", base)))
	require.NoError(t, l.Record(ctx, entry("b", true, "", base.Add(time.Second))))
	require.NoError(t, l.Record(ctx, entry("c", false, "timeout", base.Add(2*time.Second))))
	require.NoError(t, l.Record(ctx, entry("d", false, "timeout", base.Add(3*time.Second))))

	stats, err := l.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.0001)
	assert.InDelta(t, 1000, stats.AvgProcessingMs, 0.0001)
	assert.Equal(t, map[string]int{"timeout": 2}, stats.ByErrorCode)
}

func TestNewEntry(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := connector.JobResult{
		Success:          false,
		Error:            "job j exceeded deadline",
		ProcessingTimeMs: 1500,
		Err:              errors.Timeoutf("job j exceeded deadline"),
		Metadata: map[string]any{
			connector.MetaConnectorID: "comfy",
			connector.MetaServiceType: "image_generation",
			connector.MetaRemoteJobID: "p-9",
		},
	}

	e := NewEntry(connector.JobData{ID: "j", Type: "txt2img"}, res, finished)
	assert.Equal(t, "comfy", e.ConnectorID)
	assert.Equal(t, "p-9", e.RemoteJobID)
	assert.Equal(t, "timeout", e.ErrorCode)
	assert.Equal(t, finished.Add(-1500*time.Millisecond), e.StartedAt)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), entry("j", true, "", time.Now())))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err = l.Record(context.Background(), entry("j2", true, "", time.Now()))
	assert.True(t, IsClosed(err))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	recent, err := reopened.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecordWrapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := &Ledger{db: db, logger: zap.NewNop().Sugar()}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_outcomes")).
		WithArgs(
			"job-1", "txt2img", "comfy", "image_generation",
			nil,   // remote_job_id
			true,  // success
			nil,   // error_code
			nil,   // error_message
			int64(1000),
			sqlmock.AnyArg(), // started_at
			sqlmock.AnyArg(), // finished_at
			nil,              // metadata
		).
		WillReturnError(errors.New("disk I/O error"))

	err = l.Record(context.Background(), entry("job-1", true, "", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record job job-1")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := &Ledger{db: db, logger: zap.NewNop().Sugar()}
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_outcomes")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "ok", "avg"}).AddRow(3, 1, 250.0))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY error_code")).
		WillReturnRows(sqlmock.NewRows([]string{"code", "n"}).AddRow("capacity", 1).AddRow(nil, 1))

	stats, err := l.Stats(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, map[string]int{"capacity": 1, "unknown": 1}, stats.ByErrorCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
