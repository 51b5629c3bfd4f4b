// Package report stores abuse reports filed from a chat room in PostgreSQL.
// Each report captures who reported whom, the room, and the most recent
// messages of the conversation for the trust and safety team. The
// abuse_reports table is created by the store package migrations.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fitmatch/realtime/internal/protocol"
)

// SnapshotSize is the number of recent room messages attached to a report.
const SnapshotSize = 20

// ErrInvalidReason is returned by Create for reasons outside the allowed set.
var ErrInvalidReason = errors.New("report: invalid reason")

// validReasons matches the CHECK constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment":    true,
	"spam":          true,
	"off_platform":  true,
	"inappropriate": true,
	"other":         true,
}

// ValidReason reports whether reason is accepted by Create.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Report is a single abuse report to be persisted.
type Report struct {
	ReporterID string
	ReportedID string
	RoomID     string
	Reason     string
	Details    string
	Messages   []protocol.Message // last SnapshotSize messages of the room
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report and returns its id. Messages are stored as JSONB.
func (s *Store) Create(ctx context.Context, r *Report) (int64, error) {
	if !validReasons[r.Reason] {
		return 0, fmt.Errorf("%w %q", ErrInvalidReason, r.Reason)
	}

	// lib/pq sends []byte as bytea, so JSONB gets a string.
	var messages interface{}
	if len(r.Messages) > 0 {
		data, err := json.Marshal(r.Messages)
		if err != nil {
			return 0, fmt.Errorf("report: marshal messages: %w", err)
		}
		messages = string(data)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, room_id, reason, details, messages)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		r.ReporterID,
		r.ReportedID,
		r.RoomID,
		r.Reason,
		r.Details,
		messages,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("report: insert: %w", err)
	}
	return id, nil
}

// CountRecent returns the number of reports filed against a user within the
// given window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
