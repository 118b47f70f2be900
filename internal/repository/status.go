package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/conversa/internal/logger"
)

// StatusChange описывает одну реально изменившуюся отметку: кому из отправителей
// и в каком диалоге рассылать set_status. Повторные отчеты строк не дают.
type StatusChange struct {
	MessageID      string
	ConversationID string
	SenderID       string
}

type StatusRepository struct {
	pool *pgxpool.Pool
}

func NewStatusRepository(pool *pgxpool.Pool) *StatusRepository {
	return &StatusRepository{pool: pool}
}

func collectStatusChanges(rows pgx.Rows) ([]StatusChange, error) {
	defer rows.Close()
	changes := make([]StatusChange, 0, 8)
	for rows.Next() {
		var c StatusChange
		if err := rows.Scan(&c.MessageID, &c.ConversationID, &c.SenderID); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// MarkDelivered ставит отметку доставки от имени получателя. Обновляются только
// строки без отметки: уже доставленные и чужие id молча пропускаются.
func (r *StatusRepository) MarkDelivered(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]StatusChange, error) {
	defer logger.DeferLogDuration("status.MarkDelivered", time.Now())()
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE message_statuses ms
		    SET deliver_at = $3
		   FROM messages m
		  WHERE m.id = ms.message_id
		    AND ms.user_id = $1
		    AND ms.message_id = ANY($2::uuid[])
		    AND ms.deliver_at IS NULL
		 RETURNING ms.message_id, m.conversation_id, m.sender_id`,
		userID, messageIDs, at,
	)
	if err != nil {
		return nil, fmt.Errorf("statusRepo.MarkDelivered query: %w", err)
	}
	changes, err := collectStatusChanges(rows)
	if err != nil {
		return nil, fmt.Errorf("statusRepo.MarkDelivered rows: %w", err)
	}
	return changes, nil
}

// MarkSeen ставит отметку прочтения. Прочтение без предшествующей доставки
// дотягивает deliver_at тем же временем: seen_at не бывает раньше deliver_at.
func (r *StatusRepository) MarkSeen(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]StatusChange, error) {
	defer logger.DeferLogDuration("status.MarkSeen", time.Now())()
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE message_statuses ms
		    SET seen_at = $3,
		        deliver_at = COALESCE(ms.deliver_at, $3)
		   FROM messages m
		  WHERE m.id = ms.message_id
		    AND ms.user_id = $1
		    AND ms.message_id = ANY($2::uuid[])
		    AND ms.seen_at IS NULL
		 RETURNING ms.message_id, m.conversation_id, m.sender_id`,
		userID, messageIDs, at,
	)
	if err != nil {
		return nil, fmt.Errorf("statusRepo.MarkSeen query: %w", err)
	}
	changes, err := collectStatusChanges(rows)
	if err != nil {
		return nil, fmt.Errorf("statusRepo.MarkSeen rows: %w", err)
	}
	return changes, nil
}

// GetReceipts возвращает текущие отметки всех получателей сообщения.
func (r *StatusRepository) GetReceipts(ctx context.Context, messageID string) (delivered, seen []string, err error) {
	defer logger.DeferLogDuration("status.GetReceipts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, deliver_at IS NOT NULL, seen_at IS NOT NULL
		 FROM message_statuses WHERE message_id = $1`, messageID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("statusRepo.GetReceipts query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var d, s bool
		if err := rows.Scan(&userID, &d, &s); err != nil {
			return nil, nil, fmt.Errorf("statusRepo.GetReceipts scan: %w", err)
		}
		if d {
			delivered = append(delivered, userID)
		}
		if s {
			seen = append(seen, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("statusRepo.GetReceipts rows: %w", err)
	}
	return delivered, seen, nil
}
