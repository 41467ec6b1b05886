package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is what the service needs from persistence.
type Store interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, query string, excludeID int64) ([]User, error)
	// SetRefreshToken stores token for the user; "" revokes it.
	SetRefreshToken(ctx context.Context, id int64, token string) error
	UpdateImage(ctx context.Context, id int64, imageURL string) (*User, error)
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := `INSERT INTO users (name, email, password, image_url) VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, is_online, last_seen, created_at`

	err := r.db.QueryRowContext(ctx, query, user.Name, user.Email, user.Password, user.ImageURL).
		Scan(&user.ID, &user.IsOnline, &user.LastSeen, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

const userColumns = `id, name, email, password, COALESCE(refresh_token, ''), COALESCE(image_url, ''),
	is_online, last_seen, created_at`

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.RefreshToken, &u.ImageURL, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string, excludeID int64) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT ` + userColumns + ` FROM users
		WHERE (name ILIKE $1 OR email ILIKE $1) AND id <> $2
		ORDER BY name LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.RefreshToken, &u.ImageURL, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *Repository) SetRefreshToken(ctx context.Context, id int64, token string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET refresh_token = NULLIF($2, '') WHERE id = $1`, id, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) UpdateImage(ctx context.Context, id int64, imageURL string) (*User, error) {
	return r.getOne(ctx, `UPDATE users SET image_url = $2 WHERE id = $1 RETURNING `+userColumns, id, imageURL)
}
