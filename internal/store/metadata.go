package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetMetadata upserts a key-value pair in the import_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM import_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func importHashKey(source string) string {
	return "import_sha256:" + source
}

// ImportHash returns the content hash recorded for an import source.
func (s *Store) ImportHash(ctx context.Context, source string) (string, error) {
	return s.GetMetadata(ctx, importHashKey(source))
}

// SetImportHash records the content hash of an imported source.
func (s *Store) SetImportHash(ctx context.Context, source, sum string) error {
	return s.SetMetadata(ctx, importHashKey(source), sum)
}
