package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/tryout/internal/model"
)

// ExportPackageResults builds export rows for every scored session of a
// package in start order. Position is left for the caller to fill.
func (s *Store) ExportPackageResults(ctx context.Context, packageID string) ([]model.StudentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.user_id, s.started_at, s.submitted_at, r.score, r.max_score, r.percentage, r.sections
		 FROM sessions s JOIN results r ON r.session_id = s.id
		 WHERE s.package_id = ?
		 ORDER BY s.started_at, s.id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	// Track session count per user for session_number.
	userSessionCount := make(map[string]int)

	var results []model.StudentResult
	for rows.Next() {
		var r model.StudentResult
		var sections string
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.StartedAt, &r.SubmittedAt,
			&r.Score, &r.MaxScore, &r.Percentage, &sections); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
			return nil, fmt.Errorf("decode sections of session %q: %w", r.SessionID, err)
		}
		userSessionCount[r.UserID]++
		r.SessionNumber = userSessionCount[r.UserID]
		results = append(results, r)
	}
	return results, rows.Err()
}
