// Package ledger keeps a SQLite history of terminal job results.
//
// Only outcome metadata is stored; result data (images, text) is not.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger is closed")

// Entry is one recorded job outcome.
type Entry struct {
	ID               int64          `json:"id"`
	JobID            string         `json:"job_id"`
	JobType          string         `json:"job_type"`
	ConnectorID      string         `json:"connector_id"`
	ServiceType      string         `json:"service_type"`
	RemoteJobID      string         `json:"remote_job_id,omitempty"`
	Success          bool           `json:"success"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewEntry builds an entry from a terminal result.
func NewEntry(job connector.JobData, res connector.JobResult, finishedAt time.Time) Entry {
	str := func(key string) string {
		s, _ := res.Metadata[key].(string)
		return s
	}
	finishedAt = finishedAt.UTC()
	return Entry{
		JobID:            job.ID,
		JobType:          job.Type,
		ConnectorID:      str(connector.MetaConnectorID),
		ServiceType:      str(connector.MetaServiceType),
		RemoteJobID:      str(connector.MetaRemoteJobID),
		Success:          res.Success,
		ErrorCode:        errors.Code(res.Err),
		ErrorMessage:     res.Error,
		ProcessingTimeMs: res.ProcessingTimeMs,
		StartedAt:        finishedAt.Add(-time.Duration(res.ProcessingTimeMs) * time.Millisecond),
		FinishedAt:       finishedAt,
		Metadata:         res.Metadata,
	}
}

// Stats summarizes outcomes over a period.
type Stats struct {
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	SuccessRate     float64        `json:"success_rate"`
	AvgProcessingMs float64        `json:"avg_processing_ms"`
	ByErrorCode     map[string]int `json:"by_error_code"`
}

// Ledger records job outcomes.
type Ledger struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	closed atomic.Bool
}

// New wraps an open database, applying pending migrations.
func New(db *sql.DB, log *zap.SugaredLogger) (*Ledger, error) {
	log = logger.OrNop(log).Named("ledger")
	if err := Migrate(db, log); err != nil {
		return nil, errors.Wrap(err, "failed to migrate ledger")
	}
	return &Ledger{db: db, logger: log}, nil
}

// Record stores one outcome.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if l.closed.Load() {
		return ErrClosed
	}

	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrapf(err, "failed to encode metadata for job %s", e.JobID)
		}
		meta = string(b)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (
			job_id, job_type, connector_id, service_type, remote_job_id,
			success, error_code, error_message, processing_time_ms,
			started_at, finished_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.JobType, e.ConnectorID, e.ServiceType, nullable(e.RemoteJobID),
		e.Success, nullable(e.ErrorCode), nullable(e.ErrorMessage), e.ProcessingTimeMs,
		e.StartedAt.UTC(), e.FinishedAt.UTC(), meta,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record job %s", e.JobID)
	}
	return nil
}

// Stats summarizes outcomes finished at or after since.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var stats Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN success = 1 THEN 1 END),
			COALESCE(AVG(processing_time_ms), 0)
		FROM job_outcomes
		WHERE finished_at >= ?`, since.UTC(),
	).Scan(&stats.Total, &stats.Succeeded, &stats.AvgProcessingMs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger stats")
	}
	stats.Failed = stats.Total - stats.Succeeded
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT error_code, COUNT(*)
		FROM job_outcomes
		WHERE finished_at >= ? AND success = 0
		GROUP BY error_code
		ORDER BY error_code`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query error breakdown")
	}
	defer rows.Close()

	stats.ByErrorCode = make(map[string]int)
	for rows.Next() {
		var code sql.NullString
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan error breakdown")
		}
		key := code.String
		if key == "" {
			key = "unknown"
		}
		stats.ByErrorCode[key] += n
	}
	return &stats, errors.Wrap(rows.Err(), "failed to read error breakdown")
}

// Recent returns up to limit outcomes, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, job_id, job_type, connector_id, service_type, remote_job_id,
			success, error_code, error_message, processing_time_ms,
			started_at, finished_at, metadata
		FROM job_outcomes
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent outcomes")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var remote, code, msg, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.ConnectorID, &e.ServiceType, &remote,
			&e.Success, &code, &msg, &e.ProcessingTimeMs,
			&e.StartedAt, &e.FinishedAt, &meta); err != nil {
			return nil, errors.Wrap(err, "failed to scan outcome")
		}
		e.RemoteJobID, e.ErrorCode, e.ErrorMessage = remote.String, code.String, msg.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				l.logger.Warnw("Discarding unreadable outcome metadata",
					logger.FieldJobID, e.JobID,
					logger.FieldError, err.Error(),
				)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read recent outcomes")
	}
	return entries, nil
}

// Close closes the database. Further calls return ErrClosed.
func (l *Ledger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.db.Close()
}

// IsClosed reports whether err means the ledger or its database is closed.
// Driver errors are matched by message because they are not wrapped at the
// source.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
