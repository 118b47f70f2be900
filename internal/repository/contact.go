package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
)

type ContactRepository struct {
	pool *pgxpool.Pool
}

func NewContactRepository(pool *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{pool: pool}
}

// Add возвращает false, если контакт уже был добавлен ранее.
func (r *ContactRepository) Add(ctx context.Context, ownerID, contactID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("contact.Add", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO contacts (added_by_id, contact_id, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		ownerID, contactID, at,
	)
	if err != nil {
		return false, fmt.Errorf("contactRepo.Add: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ContactRepository) Remove(ctx context.Context, ownerID, contactID string) (bool, error) {
	defer logger.DeferLogDuration("contact.Remove", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM contacts WHERE added_by_id = $1 AND contact_id = $2`,
		ownerID, contactID,
	)
	if err != nil {
		return false, fmt.Errorf("contactRepo.Remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListContacts отдает страницу контактов владельца, отфильтрованную по префиксу
// имени. Пустой префикс возвращает всех.
func (r *ContactRepository) ListContacts(ctx context.Context, ownerID, prefix string, limit, offset int) ([]model.User, error) {
	defer logger.DeferLogDuration("contact.ListContacts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+prefixedUserCols("u")+`
		 FROM users u
		 JOIN contacts c ON c.contact_id = u.id
		 WHERE c.added_by_id = $1 AND u.username ILIKE $2
		 ORDER BY u.username ASC
		 LIMIT $3 OFFSET $4`,
		ownerID, likePrefix(prefix), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("contactRepo.ListContacts query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("contactRepo.ListContacts scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contactRepo.ListContacts rows: %w", err)
	}
	return users, nil
}

// ContactIDs нужен при сборке снапшота пользователя.
func (r *ContactRepository) ContactIDs(ctx context.Context, ownerID string) ([]string, error) {
	defer logger.DeferLogDuration("contact.ContactIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT contact_id FROM contacts WHERE added_by_id = $1`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("contactRepo.ContactIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contactRepo.ContactIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contactRepo.ContactIDs rows: %w", err)
	}
	return ids, nil
}
