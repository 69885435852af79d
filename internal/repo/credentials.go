package repo

import (
	"context"
	"database/sql"

	"wlmigrate/internal/domain"
)

func (r Repo) InsertCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credentials(id,source_type,token,expires_at,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Source, c.Token, nullableStringPtr(c.ExpiresAt), c.CreatedAt)
	return err
}

func (r Repo) GetCredential(ctx context.Context, id string) (domain.Credential, error) {
	var c domain.Credential
	var expires sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,source_type,token,expires_at,created_at FROM credentials WHERE id=?`, id).
		Scan(&c.ID, &c.Source, &c.Token, &expires, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.ExpiresAt = stringPtr(expires)
	return c, err
}

func (r Repo) DeleteCredential(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
