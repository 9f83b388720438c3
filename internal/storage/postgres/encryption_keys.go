package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateKeyVersion(ctx context.Context, v mixer.EncryptionKeyVersion) (mixer.EncryptionKeyVersion, error) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO encryption_key_versions (version_id, created_at, retired_at)
		VALUES ($1, $2, $3)
	`, v.VersionID, v.CreatedAt, toNullTime(derefTime(v.RetiredAt)))
	if err != nil {
		return mixer.EncryptionKeyVersion{}, fmt.Errorf("postgres: insert key_version: %w", err)
	}
	return v, nil
}

func (s *Store) GetKeyVersion(ctx context.Context, versionID string) (mixer.EncryptionKeyVersion, error) {
	row := s.q(ctx).QueryRowxContext(ctx, `
		SELECT version_id, created_at, retired_at FROM encryption_key_versions WHERE version_id = $1
	`, versionID)
	return scanKeyVersion(row)
}

func (s *Store) ListKeyVersions(ctx context.Context) ([]mixer.EncryptionKeyVersion, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, `
		SELECT version_id, created_at, retired_at FROM encryption_key_versions ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list key_versions: %w", err)
	}
	defer rows.Close()
	out := make([]mixer.EncryptionKeyVersion, 0)
	for rows.Next() {
		v, err := scanKeyVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RetireKeyVersion(ctx context.Context, versionID string, retiredAt time.Time) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE encryption_key_versions SET retired_at = $2 WHERE version_id = $1
	`, versionID, retiredAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: retire key_version: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanKeyVersion(scanner rowScanner) (mixer.EncryptionKeyVersion, error) {
	var (
		v         mixer.EncryptionKeyVersion
		retiredAt sql.NullTime
	)
	if err := scanner.Scan(&v.VersionID, &v.CreatedAt, &retiredAt); err != nil {
		return mixer.EncryptionKeyVersion{}, err
	}
	if retiredAt.Valid {
		t := retiredAt.Time.UTC()
		v.RetiredAt = &t
	}
	return v, nil
}
