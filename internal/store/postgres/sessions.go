package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

const sessionColumns = `id, package_id, user_id, status, started_at, deadline, submitted_at`

func scanSession(row pgx.Row) (model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.PackageID, &sess.UserID, &sess.Status, &sess.StartedAt, &sess.Deadline, &sess.SubmittedAt)
	return sess, err
}

// CreateSession stores a new session.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.PackageID, sess.UserID, sess.Status, sess.StartedAt, sess.Deadline, sess.SubmittedAt,
	)
	return err
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return model.Session{}, notFound(err, "session", id)
	}
	return sess, nil
}

// ListUserSessions returns the sessions of a user, newest first.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY started_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpsertAnswer stores the selected option for a question. The session row
// is locked so a concurrent finalize cannot interleave with the write.
func (s *Store) UpsertAnswer(ctx context.Context, sessionID, questionID, selectedOption string) (model.Answer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Answer{}, err
	}
	defer tx.Rollback(ctx)

	var status model.SessionStatus
	err = tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		return model.Answer{}, notFound(err, "session", sessionID)
	}
	if status != model.StatusInProgress {
		return model.Answer{}, tryout.ErrSessionCompleted
	}

	a := model.Answer{
		SessionID:      sessionID,
		QuestionID:     questionID,
		SelectedOption: selectedOption,
		UpdatedAt:      time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO answers (session_id, question_id, selected_option, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE SET
		   selected_option = EXCLUDED.selected_option, updated_at = EXCLUDED.updated_at`,
		a.SessionID, a.QuestionID, a.SelectedOption, a.UpdatedAt,
	)
	if err != nil {
		return model.Answer{}, fmt.Errorf("upsert answer: %w", err)
	}
	return a, tx.Commit(ctx)
}

// GetAnswers returns the answers of a session.
func (s *Store) GetAnswers(ctx context.Context, sessionID string) ([]model.Answer, error) {
	return queryAnswers(ctx, s.pool, sessionID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryAnswers(ctx context.Context, q querier, sessionID string) ([]model.Answer, error) {
	rows, err := q.Query(ctx,
		`SELECT session_id, question_id, selected_option, updated_at
		 FROM answers WHERE session_id = $1 ORDER BY question_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &a.SelectedOption, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// FinalizeSession moves an in-progress session to completed and records the
// result computed by score in the same transaction. The update locks the
// session row, so a concurrent UpsertAnswer waits and then sees completed.
func (s *Store) FinalizeSession(ctx context.Context, id string, submittedAt time.Time, score tryout.ScoreFunc) (model.Session, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $1, submitted_at = $2 WHERE id = $3 AND status = $4`,
		model.StatusCompleted, submittedAt, id, model.StatusInProgress,
	)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("finalize session: %w", err)
	}
	transitioned := tag.RowsAffected() == 1
	sess, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return model.Session{}, false, notFound(err, "session", id)
	}
	if transitioned && score != nil {
		answers, err := queryAnswers(ctx, tx, id)
		if err != nil {
			return model.Session{}, false, err
		}
		result, err := score(sess, answers)
		if err != nil {
			return model.Session{}, false, err
		}
		if err := insertResult(ctx, tx, id, result); err != nil {
			return model.Session{}, false, fmt.Errorf("record result: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, false, err
	}
	return sess, transitioned, nil
}

// ListExpiredSessions returns in-progress sessions whose deadline is not after now.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = $1 AND deadline IS NOT NULL AND deadline <= $2`,
		model.StatusInProgress, now)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListFinalizedSessions returns completed sessions of a package with Score
// populated from the recorded result, if any.
func (s *Store) ListFinalizedSessions(ctx context.Context, packageID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.package_id, s.user_id, s.status, s.started_at, s.deadline, s.submitted_at, r.score
		 FROM sessions s LEFT JOIN results r ON r.session_id = s.id
		 WHERE s.package_id = $1 AND s.status = $2
		 ORDER BY s.submitted_at, s.id`,
		packageID, model.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query finalized sessions: %w", err)
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.PackageID, &sess.UserID, &sess.Status,
			&sess.StartedAt, &sess.Deadline, &sess.SubmittedAt, &sess.Score); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecordResult stores the result of a session. An existing result is kept.
func (s *Store) RecordResult(ctx context.Context, sessionID string, result model.TryoutResult) error {
	return insertResult(ctx, s.pool, sessionID, result)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertResult(ctx context.Context, e execer, sessionID string, result model.TryoutResult) error {
	sections, err := json.Marshal(result.Sections)
	if err != nil {
		return fmt.Errorf("marshal section results: %w", err)
	}
	_, err = e.Exec(ctx,
		`INSERT INTO results (session_id, package_id, user_id, sections, score, max_score, percentage, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, result.PackageID, result.UserID, sections,
		result.Score, result.MaxScore, result.Percentage, result.ComputedAt,
	)
	return err
}

// GetResult returns the recorded result of a session, or nil if none exists.
func (s *Store) GetResult(ctx context.Context, sessionID string) (*model.TryoutResult, error) {
	var r model.TryoutResult
	var sections []byte
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, package_id, user_id, sections, score, max_score, percentage, computed_at
		 FROM results WHERE session_id = $1`, sessionID,
	).Scan(&r.SessionID, &r.PackageID, &r.UserID, &sections, &r.Score, &r.MaxScore, &r.Percentage, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sections, &r.Sections); err != nil {
		return nil, fmt.Errorf("decode section results of %q: %w", sessionID, err)
	}
	return &r, nil
}

// HasAccess reports whether userID purchased packageID.
func (s *Store) HasAccess(ctx context.Context, userID, packageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id = $1 AND package_id = $2)`, userID, packageID,
	).Scan(&exists)
	return exists, err
}

// ExportPackageResults builds export rows for every scored session of a
// package in start order.
func (s *Store) ExportPackageResults(ctx context.Context, packageID string) ([]model.StudentResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.user_id, s.started_at, s.submitted_at, r.score, r.max_score, r.percentage, r.sections
		 FROM sessions s JOIN results r ON r.session_id = s.id
		 WHERE s.package_id = $1
		 ORDER BY s.started_at, s.id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	userSessionCount := make(map[string]int)
	var results []model.StudentResult
	for rows.Next() {
		var r model.StudentResult
		var sections []byte
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.StartedAt, &r.SubmittedAt,
			&r.Score, &r.MaxScore, &r.Percentage, &sections); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sections, &r.Sections); err != nil {
			return nil, fmt.Errorf("decode sections of session %q: %w", r.SessionID, err)
		}
		userSessionCount[r.UserID]++
		r.SessionNumber = userSessionCount[r.UserID]
		results = append(results, r)
	}
	return results, rows.Err()
}
