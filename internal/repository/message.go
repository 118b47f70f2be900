package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
)

const msgViewCols = `m.id, m.conversation_id, m.sender_id, m.content, COALESCE(m.file_url,''),
	        m.sent_at, m.updated_at, m.deleted_at,
	        u.id, u.username, u.avatar_url`

// ErrMessageIDConflict: клиентский id сообщения уже занят другим диалогом или
// отправителем — это не ретрай, идемпотентный путь не применяется.
var ErrMessageIDConflict = errors.New("message id conflict")

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessageView(s interface{ Scan(dest ...any) error }) (*model.MessageView, error) {
	v := &model.MessageView{Sender: &model.UserSummary{}}
	err := s.Scan(&v.ID, &v.ConversationID, &v.SenderID, &v.Content, &v.FileURL,
		&v.SentAt, &v.UpdatedAt, &v.DeletedAt,
		&v.Sender.ID, &v.Sender.Username, &v.Sender.AvatarURL)
	if err != nil {
		return nil, err
	}
	return v, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMessageView(ctx context.Context, q rowQuerier, id string) (*model.MessageView, error) {
	return scanMessageView(q.QueryRow(ctx,
		`SELECT `+msgViewCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	))
}

// Send записывает сообщение вместе со строками статусов получателей и отметкой
// активности диалога в одной транзакции. Повторная отправка того же id (ретрай
// клиента после потерянного ack) возвращает уже сохраненную строку и duplicated=true.
//
// Запись по диалогу сериализуется advisory-локом: проверка на повтор и вставка
// не должны гоняться между двумя сокетами одного пользователя.
func (r *MessageRepository) Send(ctx context.Context, m *model.Message, recipientIDs []string) (*model.MessageView, bool, error) {
	defer logger.DeferLogDuration("msg.Send", time.Now())()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID,
	); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send lock: %w", err)
	}

	existing, err := getMessageView(ctx, tx, m.ID)
	if err == nil {
		// Повтор засчитывается только в том же диалоге от того же отправителя:
		// чужой или перенесенный id — не ретрай, а конфликт.
		if existing.ConversationID != m.ConversationID || existing.SenderID != m.SenderID {
			return nil, false, ErrMessageIDConflict
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("msgRepo.Send commit: %w", err)
		}
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("msgRepo.Send lookup: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, file_url, sent_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.FileURL, m.SentAt,
	); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send insert: %w", err)
	}

	if len(recipientIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_statuses (user_id, message_id)
			 SELECT unnest($1::uuid[]), $2`,
			recipientIDs, m.ID,
		); err != nil {
			return nil, false, fmt.Errorf("msgRepo.Send statuses: %w", err)
		}
	}

	// Монотонно, чтобы не откатить отметку при гонке со вставкой более позднего сообщения.
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2
		 WHERE id = $1 AND (last_message_at IS NULL OR last_message_at < $2)`,
		m.ConversationID, m.SentAt,
	); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send touch: %w", err)
	}

	stored, err := getMessageView(ctx, tx, m.ID)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send readback: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("msgRepo.Send commit: %w", err)
	}
	return stored, false, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.MessageView, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	v, err := getMessageView(ctx, r.pool, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return v, nil
}

// History отдает страницу истории от новых к старым. Удаленные сообщения
// остаются в выдаче как болванки с пустым содержимым.
func (r *MessageRepository) History(ctx context.Context, conversationID string, limit, offset int) ([]model.MessageView, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgViewCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.MessageView, 0, limit)
	for rows.Next() {
		v, err := scanMessageView(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		messages = append(messages, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, conversationID string) (*model.MessageView, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	v, err := scanMessageView(r.pool.QueryRow(ctx,
		`SELECT `+msgViewCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT 1`, conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return v, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $2, updated_at = $3
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, content, at,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete очищает содержимое и ссылку на файл; сама строка остается,
// чтобы история держала место удаленного сообщения.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = '', file_url = NULL, deleted_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Undelivered возвращает сообщения, у которых для данного получателя еще нет
// отметки доставки. Отдается при подключении сокета, от старых к новым.
func (r *MessageRepository) Undelivered(ctx context.Context, userID string) ([]model.MessageView, error) {
	defer logger.DeferLogDuration("msg.Undelivered", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgViewCols+`
		 FROM message_statuses ms
		 JOIN messages m ON m.id = ms.message_id
		 JOIN users u ON u.id = m.sender_id
		 WHERE ms.user_id = $1 AND ms.deliver_at IS NULL AND m.deleted_at IS NULL
		 ORDER BY m.sent_at ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Undelivered query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.MessageView, 0, 16)
	for rows.Next() {
		v, err := scanMessageView(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.Undelivered scan: %w", err)
		}
		messages = append(messages, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Undelivered rows: %w", err)
	}
	return messages, nil
}
