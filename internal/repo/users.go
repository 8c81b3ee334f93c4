package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"snagline/internal/domain"
)

type userRow struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	PasswordHash string         `db:"password_hash"`
	Name         string         `db:"name"`
	Role         string         `db:"role"`
	Phone        sql.NullString `db:"phone"`
	PushToken    sql.NullString `db:"push_token"`
	CreatedAt    string         `db:"created_at"`
}

func (r userRow) user() (domain.User, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s created_at: %w", r.ID, err)
	}
	return domain.User{
		ID:           r.ID,
		Email:        r.Email,
		Name:         r.Name,
		Role:         domain.Role(r.Role),
		Phone:        stringPtr(r.Phone),
		PushToken:    stringPtr(r.PushToken),
		PasswordHash: r.PasswordHash,
		CreatedAt:    created,
	}, nil
}

const userColumns = `id,email,password_hash,name,role,phone,push_token,created_at`

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	return r.InsertUserTx(ctx, r.DB, u)
}

func (r Repo) InsertUserTx(ctx context.Context, tx sqlx.ExecerContext, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.PasswordHash, u.Name, string(u.Role),
		nullableStringPtr(u.Phone), nullableStringPtr(u.PushToken), FormatTime(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.Email, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r Repo) getUser(ctx context.Context, where string, arg any) (domain.User, error) {
	var row userRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return row.user()
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return r.getUser(ctx, "id=?", id)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getUser(ctx, "email=?", strings.ToLower(strings.TrimSpace(email)))
}

// ListUsers returns users ordered by name, optionally restricted to roles.
func (r Repo) ListUsers(ctx context.Context, roles ...domain.Role) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if len(roles) > 0 {
		names := make([]string, 0, len(roles))
		for _, role := range roles {
			names = append(names, string(role))
		}
		var err error
		query, args, err = sqlx.In(query+` WHERE role IN (?)`, names)
		if err != nil {
			return nil, err
		}
	}
	query += ` ORDER BY name, id`
	var rows []userRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		u, err := row.user()
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

func (r Repo) UpdatePushToken(ctx context.Context, userID, token string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET push_token=? WHERE id=?`, nullable(token), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
