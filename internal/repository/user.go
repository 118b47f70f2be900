package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
)

var ErrNotFound = errors.New("not found")

// userCols — список колонок для SELECT, порядок важен для scanUser.
const userCols = `id, username, email, avatar_url, verified, last_seen_at, created_at, updated_at`

// prefixedUserCols добавляет алиас таблицы к userCols для запросов с JOIN.
func prefixedUserCols(alias string) string {
	return alias + "." + strings.ReplaceAll(userCols, ", ", ", "+alias+".")
}

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.AvatarURL, &u.Verified, &u.LastSeenAt, &u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// likePrefix экранирует '%', '_' и '\' и добавляет '%' для префиксного поиска.
func likePrefix(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, `%`, `\%`)
	q = strings.ReplaceAll(q, `_`, `\_`)
	return q + "%"
}

// SearchByUsername ищет по префиксу имени без учета регистра.
func (r *UserRepository) SearchByUsername(ctx context.Context, prefix string, limit, offset int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.SearchByUsername", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+`
		 FROM users
		 WHERE username ILIKE $1
		 ORDER BY username ASC
		 LIMIT $2 OFFSET $3`,
		likePrefix(prefix), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.SearchByUsername query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.SearchByUsername scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.SearchByUsername rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID, username, avatarURL string) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $1, avatar_url = $2, updated_at = NOW() WHERE id = $3`,
		username, avatarURL, userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen пишется один раз при закрытии последнего сокета пользователя.
func (r *UserRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	defer logger.DeferLogDuration("user.TouchLastSeen", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_seen_at = $1 WHERE id = $2`,
		at, userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.TouchLastSeen: %w", err)
	}
	return nil
}
