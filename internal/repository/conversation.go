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

const conversationCols = `id, COALESCE(name,''), is_group, created_by, last_message_at, created_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt)
}

// Create вставляет диалог вместе со всеми участниками в одной транзакции:
// диалог без участников не должен быть виден ни одному запросу.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, members []model.Member) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, name, is_group, created_by, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		c.ID, c.Name, c.IsGroup, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("convRepo.Create insert: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, is_admin, joined_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			m.ConversationID, m.UserID, m.IsAdmin, m.JoinedAt,
		); err != nil {
			return fmt.Errorf("convRepo.Create member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) UpdateName(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("conv.UpdateName", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET name = NULLIF($1, '') WHERE id = $2 AND is_group = true`,
		name, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateName: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) AddMember(ctx context.Context, m *model.Member) error {
	defer logger.DeferLogDuration("conv.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, is_admin, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		m.ConversationID, m.UserID, m.IsAdmin, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddMember: %w", err)
	}
	return nil
}

// RemoveMember возвращает false, если пользователь и так не состоял в диалоге.
func (r *ConversationRepository) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.RemoveMember", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("convRepo.RemoveMember: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ConversationRepository) GetMembers(ctx context.Context, conversationID string) ([]model.UserSummary, error) {
	defer logger.DeferLogDuration("conv.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url
		 FROM users u
		 JOIN conversation_members cm ON cm.user_id = u.id
		 WHERE cm.conversation_id = $1
		 ORDER BY cm.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.UserSummary, 0, 8)
	for rows.Next() {
		var s model.UserSummary
		if err := rows.Scan(&s.ID, &s.Username, &s.AvatarURL); err != nil {
			return nil, fmt.Errorf("convRepo.GetMembers scan: %w", err)
		}
		members = append(members, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetMembers rows: %w", err)
	}
	return members, nil
}

func (r *ConversationRepository) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) IsAdmin(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsAdmin", time.Now())()
	var isAdmin bool
	err := r.pool.QueryRow(ctx,
		`SELECT is_admin FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("convRepo.IsAdmin: %w", err)
	}
	return isAdmin, nil
}

// GetUserConversations сортирует по активности: сначала диалоги с недавними
// сообщениями, пустые в конце по дате создания.
func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, COALESCE(c.name,''), c.is_group, c.created_by, c.last_message_at, c.created_at
		 FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	conversations := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return conversations, nil
}

const directConversationQuery = `SELECT ` + conversationCols + `
	 FROM conversations c
	 WHERE c.is_group = false
	   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
	   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)`

// FindDirect ищет существующий личный диалог между двумя пользователями.
func (r *ConversationRepository) FindDirect(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirect", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, directConversationQuery, userID1, userID2)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.FindDirect: %w", err)
	}
	return c, nil
}

// CreateDirect создает личный диалог между userID1 и userID2, если его еще нет.
// Пара сериализуется advisory-локом по отсортированным id: два одновременных
// запроса друг к другу не должны породить два личных диалога. Когда диалог уже
// существует, возвращается он и existed=true, вставка не выполняется.
func (r *ConversationRepository) CreateDirect(ctx context.Context, c *model.Conversation, userID1, userID2 string) (*model.Conversation, bool, error) {
	defer logger.DeferLogDuration("conv.CreateDirect", time.Now())()
	a, b := userID1, userID2
	if b < a {
		a, b = b, a
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("convRepo.CreateDirect begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "direct:"+a+":"+b,
	); err != nil {
		return nil, false, fmt.Errorf("convRepo.CreateDirect lock: %w", err)
	}

	existing := &model.Conversation{}
	row := tx.QueryRow(ctx, directConversationQuery, a, b)
	switch err := scanConversation(row, existing); {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("convRepo.CreateDirect commit: %w", err)
		}
		return existing, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("convRepo.CreateDirect recheck: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, name, is_group, created_by, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		c.ID, c.Name, c.IsGroup, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("convRepo.CreateDirect insert: %w", err)
	}
	for _, uid := range []string{userID1, userID2} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, is_admin, joined_at)
			 VALUES ($1, $2, false, $3)`,
			c.ID, uid, c.CreatedAt,
		); err != nil {
			return nil, false, fmt.Errorf("convRepo.CreateDirect member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("convRepo.CreateDirect commit: %w", err)
	}
	return c, false, nil
}

// UnreadCount считает сообщения собеседников без отметки прочтения.
func (r *ConversationRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM message_statuses ms
		 JOIN messages m ON m.id = ms.message_id
		 WHERE m.conversation_id = $1 AND ms.user_id = $2
		   AND ms.seen_at IS NULL AND m.deleted_at IS NULL`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("convRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// MemberConversationIDs нужен при сборке снапшота пользователя.
func (r *ConversationRepository) MemberConversationIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.MemberConversationIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.MemberConversationIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.MemberConversationIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.MemberConversationIDs rows: %w", err)
	}
	return ids, nil
}

// DirectPartnerIDs возвращает собеседников по всем личным диалогам пользователя.
func (r *ConversationRepository) DirectPartnerIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.DirectPartnerIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT cm2.user_id
		 FROM conversation_members cm
		 JOIN conversations c ON c.id = cm.conversation_id AND c.is_group = false
		 JOIN conversation_members cm2 ON cm2.conversation_id = cm.conversation_id AND cm2.user_id != cm.user_id
		 WHERE cm.user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.DirectPartnerIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.DirectPartnerIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.DirectPartnerIDs rows: %w", err)
	}
	return ids, nil
}
