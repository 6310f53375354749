package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

// SavePackage inserts or replaces a package and its questions. Question IDs
// are scoped to the package. Stored questions missing from questions are
// deleted unless they were already answered, which fails with
// tryout.ErrInvalidState.
func (s *Store) SavePackage(ctx context.Context, pkg model.Package, questions []model.Question) error {
	sections, err := json.Marshal(pkg.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO packages (id, title, description, sections, duration_minutes, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description,
		   sections = EXCLUDED.sections, duration_minutes = EXCLUDED.duration_minutes, price = EXCLUDED.price`,
		pkg.ID, pkg.Title, pkg.Description, sections, pkg.DurationMinutes, pkg.Price.String(), pkg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}

	if err := pruneQuestions(ctx, tx, pkg.ID, questions); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal options of %q: %w", q.ID, err)
		}
		batch.Queue(
			`INSERT INTO questions (id, package_id, section, position, content, options, correct_option, points)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (package_id, id) DO UPDATE SET section = EXCLUDED.section, position = EXCLUDED.position,
			   content = EXCLUDED.content, options = EXCLUDED.options,
			   correct_option = EXCLUDED.correct_option, points = EXCLUDED.points`,
			q.ID, pkg.ID, q.Section, q.Position, q.Content, options, q.CorrectOption, q.Points,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func pruneQuestions(ctx context.Context, tx pgx.Tx, packageID string, questions []model.Question) error {
	keep := make([]string, 0, len(questions))
	for _, q := range questions {
		keep = append(keep, q.ID)
	}
	var answered []string
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(array_agg(DISTINCT q.id), '{}') FROM questions q
		 JOIN answers a ON a.question_id = q.id
		 JOIN sessions s ON s.id = a.session_id AND s.package_id = q.package_id
		 WHERE q.package_id = $1 AND NOT (q.id = ANY($2))`,
		packageID, keep,
	).Scan(&answered)
	if err != nil {
		return fmt.Errorf("check answered questions: %w", err)
	}
	if len(answered) > 0 {
		return fmt.Errorf("%w: questions %v of package %q have answers and cannot be removed",
			tryout.ErrInvalidState, answered, packageID)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM questions WHERE package_id = $1 AND NOT (id = ANY($2))`, packageID, keep); err != nil {
		return fmt.Errorf("delete removed questions: %w", err)
	}
	return nil
}

const packageColumns = `id, title, description, sections, duration_minutes, price::text, created_at`

func scanPackage(row pgx.Row) (model.Package, error) {
	var p model.Package
	var sections []byte
	var price string
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &sections, &p.DurationMinutes, &price, &p.CreatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal(sections, &p.Sections); err != nil {
		return p, fmt.Errorf("decode sections of %q: %w", p.ID, err)
	}
	var err error
	p.Price, err = parseAmount(price)
	return p, err
}

// GetPackage returns a package by ID.
func (s *Store) GetPackage(ctx context.Context, id string) (model.Package, error) {
	p, err := scanPackage(s.pool.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if err != nil {
		return model.Package{}, notFound(err, "package", id)
	}
	return p, nil
}

// ListPackages returns all packages, newest first.
func (s *Store) ListPackages(ctx context.Context) ([]model.Package, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, package_id, section, position, content, options, correct_option, points
		 FROM questions WHERE package_id = $1 ORDER BY position, id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var options []byte
		if err := rows.Scan(&q.ID, &q.PackageID, &q.Section, &q.Position, &q.Content, &options, &q.CorrectOption, &q.Points); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of %q: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in a package.
func (s *Store) QuestionCount(ctx context.Context, packageID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions WHERE package_id = $1`, packageID).Scan(&count)
	return count, err
}

// GetMetadata returns the value for a metadata key, or "" when missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata upserts a key-value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// GetImportedFileHash returns the SHA-256 recorded for a catalog file, or "".
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	return s.GetMetadata(ctx, "imported_file:"+path)
}

// SetImportedFileHash records the SHA-256 of an imported catalog file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	return s.SetMetadata(ctx, "imported_file:"+path, hash)
}
