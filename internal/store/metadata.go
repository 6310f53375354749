package store

import (
	"context"
	"database/sql"
	"errors"
)

const importedFilePrefix = "imported_file:"

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetImportedFileHash returns the SHA-256 recorded for a catalog file, or "".
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	return s.GetMetadata(ctx, importedFilePrefix+path)
}

// SetImportedFileHash records the SHA-256 of an imported catalog file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	return s.SetMetadata(ctx, importedFilePrefix+path, hash)
}
