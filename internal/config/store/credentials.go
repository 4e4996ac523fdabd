package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveCredentialEnv upserts environment entries for a user. An empty userID
// targets the instance-wide (admin) scope consulted when no per-user entry
// exists.
func (s *Store) SaveCredentialEnv(ctx context.Context, userID string, env map[string]string) error {
	if s.readOnly {
		return fmt.Errorf("config: save credential env: store opened read-only")
	}
	if len(env) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO credential_env (instance_name, user_id, key, value, updated_at)
            VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(instance_name, user_id, key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("config: prepare save credential env: %w", err)
		}
		defer stmt.Close()

		for key, value := range env {
			if _, err := stmt.ExecContext(ctx, s.instanceName, userID, key, value); err != nil {
				return fmt.Errorf("config: exec save credential %q: %w", key, err)
			}
		}
		return nil
	})
}

// LoadCredentialEnv returns the environment entries stored for userID.
// It does not merge scopes; callers combine per-user and instance-wide
// results according to their own precedence rules.
func (s *Store) LoadCredentialEnv(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM credential_env WHERE instance_name = ? AND user_id = ?`,
		s.instanceName, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("config: load credential env: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: scan credential row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate credential rows: %w", err)
	}

	return result, nil
}

// DeleteCredentialEnv removes a single entry for a user scope.
func (s *Store) DeleteCredentialEnv(ctx context.Context, userID, key string) error {
	if s.readOnly {
		return fmt.Errorf("config: delete credential env: store opened read-only")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_env WHERE instance_name = ? AND user_id = ? AND key = ?`,
		s.instanceName, userID, key,
	)
	if err != nil {
		return fmt.Errorf("config: delete credential %q: %w", key, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return NotFoundError{Entity: "credential", Key: key}
	}
	return nil
}
