package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

// SavePackage inserts or replaces a package and its questions. Question IDs
// are scoped to the package. Stored questions missing from questions are
// deleted; if any of them was already answered nothing is saved and the
// error wraps tryout.ErrInvalidState.
func (s *Store) SavePackage(ctx context.Context, pkg model.Package, questions []model.Question) error {
	sections, err := json.Marshal(pkg.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO packages (id, title, description, sections, duration_minutes, price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description,
		   sections = excluded.sections, duration_minutes = excluded.duration_minutes, price = excluded.price`,
		pkg.ID, pkg.Title, pkg.Description, string(sections), pkg.DurationMinutes, pkg.Price, pkg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}

	if err := pruneQuestions(ctx, tx, pkg.ID, questions); err != nil {
		return err
	}

	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal options of %q: %w", q.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (id, package_id, section, position, content, options, correct_option, points)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(package_id, id) DO UPDATE SET section = excluded.section, position = excluded.position,
			   content = excluded.content, options = excluded.options,
			   correct_option = excluded.correct_option, points = excluded.points`,
			q.ID, pkg.ID, q.Section, q.Position, q.Content, string(options), q.CorrectOption, q.Points,
		)
		if err != nil {
			return fmt.Errorf("insert question %q: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

func pruneQuestions(ctx context.Context, tx *sql.Tx, packageID string, questions []model.Question) error {
	keep := make(map[string]bool, len(questions))
	for _, q := range questions {
		keep[q.ID] = true
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM questions WHERE package_id = ?`, packageID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		var answered int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM answers a JOIN sessions s ON s.id = a.session_id
			 WHERE s.package_id = ? AND a.question_id = ?`, packageID, id,
		).Scan(&answered)
		if err != nil {
			return fmt.Errorf("count answers of %q: %w", id, err)
		}
		if answered > 0 {
			return fmt.Errorf("%w: question %q of package %q has %d answers and cannot be removed",
				tryout.ErrInvalidState, id, packageID, answered)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM questions WHERE package_id = ? AND id = ?`, packageID, id); err != nil {
			return fmt.Errorf("delete question %q: %w", id, err)
		}
	}
	return nil
}

const packageColumns = `id, title, description, sections, duration_minutes, price, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (model.Package, error) {
	var p model.Package
	var sections string
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &sections, &p.DurationMinutes, &p.Price, &p.CreatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(sections), &p.Sections); err != nil {
		return p, fmt.Errorf("decode sections of %q: %w", p.ID, err)
	}
	return p, nil
}

// GetPackage returns a package by ID.
func (s *Store) GetPackage(ctx context.Context, id string) (model.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
	if err != nil {
		return model.Package{}, notFound(err, "package", id)
	}
	return p, nil
}

// ListPackages returns all packages, newest first.
func (s *Store) ListPackages(ctx context.Context) ([]model.Package, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var packages []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// GetQuestions returns the questions of a package in position order.
func (s *Store) GetQuestions(ctx context.Context, packageID string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, package_id, section, position, content, options, correct_option, points
		 FROM questions WHERE package_id = ? ORDER BY position, id`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var options string
		if err := rows.Scan(&q.ID, &q.PackageID, &q.Section, &q.Position, &q.Content, &options, &q.CorrectOption, &q.Points); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of %q: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in a package.
func (s *Store) QuestionCount(ctx context.Context, packageID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE package_id = ?`, packageID).Scan(&count)
	return count, err
}
