package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

const sessionColumns = `id, package_id, user_id, status, started_at, deadline, submitted_at`

func scanSession(row rowScanner) (model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.PackageID, &sess.UserID, &sess.Status, &sess.StartedAt, &sess.Deadline, &sess.SubmittedAt)
	return sess, err
}

// CreateSession stores a new session.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PackageID, sess.UserID, sess.Status, sess.StartedAt, sess.Deadline, sess.SubmittedAt,
	)
	return err
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return model.Session{}, notFound(err, "session", id)
	}
	return sess, nil
}

// ListUserSessions returns the sessions of a user, newest first.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC, id`, userID)
	if err != nil {
		return nil, err
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

// UpsertAnswer stores the selected option for a question, replacing any
// earlier answer. The session status is checked in the same transaction.
func (s *Store) UpsertAnswer(ctx context.Context, sessionID, questionID, selectedOption string) (model.Answer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Answer{}, err
	}
	defer tx.Rollback()

	var status model.SessionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO answers (session_id, question_id, selected_option, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, question_id) DO UPDATE SET
		   selected_option = excluded.selected_option, updated_at = excluded.updated_at`,
		a.SessionID, a.QuestionID, a.SelectedOption, a.UpdatedAt,
	)
	if err != nil {
		return model.Answer{}, fmt.Errorf("upsert answer: %w", err)
	}
	return a, tx.Commit()
}

// GetAnswers returns the answers of a session.
func (s *Store) GetAnswers(ctx context.Context, sessionID string) ([]model.Answer, error) {
	return queryAnswers(ctx, s.db, sessionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAnswers(ctx context.Context, q querier, sessionID string) ([]model.Answer, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT session_id, question_id, selected_option, updated_at
		 FROM answers WHERE session_id = ? ORDER BY question_id`, sessionID)
	if err != nil {
		return nil, err
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

// FinalizeSession moves an in-progress session to completed. The boolean
// reports whether this call performed the transition. The result computed by
// score is recorded in the same transaction.
func (s *Store) FinalizeSession(ctx context.Context, id string, submittedAt time.Time, score tryout.ScoreFunc) (model.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, submitted_at = ? WHERE id = ? AND status = ?`,
		model.StatusCompleted, submittedAt, id, model.StatusInProgress,
	)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("finalize session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Session{}, false, err
	}
	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return model.Session{}, false, notFound(err, "session", id)
	}
	if n == 1 && score != nil {
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
	if err := tx.Commit(); err != nil {
		return model.Session{}, false, err
	}
	return sess, n == 1, nil
}

// ListExpiredSessions returns in-progress sessions whose deadline is not after now.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND deadline IS NOT NULL`,
		model.StatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var expired []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if sess.Expired(now) {
			expired = append(expired, sess)
		}
	}
	return expired, rows.Err()
}

// ListFinalizedSessions returns completed sessions of a package with Score
// populated from the recorded result, if any.
func (s *Store) ListFinalizedSessions(ctx context.Context, packageID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.package_id, s.user_id, s.status, s.started_at, s.deadline, s.submitted_at, r.score
		 FROM sessions s LEFT JOIN results r ON r.session_id = s.id
		 WHERE s.package_id = ? AND s.status = ?
		 ORDER BY s.submitted_at, s.id`,
		packageID, model.StatusCompleted)
	if err != nil {
		return nil, err
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
	return insertResult(ctx, s.db, sessionID, result)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertResult(ctx context.Context, e execer, sessionID string, result model.TryoutResult) error {
	sections, err := json.Marshal(result.Sections)
	if err != nil {
		return fmt.Errorf("marshal section results: %w", err)
	}
	_, err = e.ExecContext(ctx,
		`INSERT OR IGNORE INTO results (session_id, package_id, user_id, sections, score, max_score, percentage, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, result.PackageID, result.UserID, string(sections),
		result.Score, result.MaxScore, result.Percentage, result.ComputedAt,
	)
	return err
}

// GetResult returns the recorded result of a session, or nil if none exists.
func (s *Store) GetResult(ctx context.Context, sessionID string) (*model.TryoutResult, error) {
	var r model.TryoutResult
	var sections string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, package_id, user_id, sections, score, max_score, percentage, computed_at
		 FROM results WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &r.PackageID, &r.UserID, &sections, &r.Score, &r.MaxScore, &r.Percentage, &r.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
		return nil, fmt.Errorf("decode section results of %q: %w", sessionID, err)
	}
	return &r, nil
}

// HasAccess reports whether userID purchased packageID.
func (s *Store) HasAccess(ctx context.Context, userID, packageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM purchases WHERE user_id = ? AND package_id = ?`, userID, packageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
