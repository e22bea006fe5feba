package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/askgen/internal/domain"
)

// ConversationRepository handles conversation persistence
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create creates a new conversation
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, title, message_count, token_usage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.WorkspaceID, conv.Title, conv.MessageCount, conv.TokenUsage,
		conv.CreatedAt, conv.UpdatedAt)

	return err
}

// Get retrieves a conversation by ID, or nil when it does not exist
func (r *ConversationRepository) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	var title sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, message_count, token_usage, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.WorkspaceID, &title, &conv.MessageCount, &conv.TokenUsage,
		&conv.CreatedAt, &conv.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conv.Title = title.String
	return conv, nil
}

// ListByWorkspace retrieves the conversations of a workspace, newest first
func (r *ConversationRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, message_count, token_usage, created_at, updated_at
		FROM conversations WHERE workspace_id = ?
		ORDER BY updated_at DESC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv := &domain.Conversation{}
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.WorkspaceID, &title, &conv.MessageCount,
			&conv.TokenUsage, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		conv.Title = title.String
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

// AddUsage adds to the message and token counters of a conversation
func (r *ConversationRepository) AddUsage(ctx context.Context, id string, messages, tokens int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + ?, token_usage = token_usage + ?, updated_at = ?
		WHERE id = ?
	`, messages, tokens, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// Delete deletes a conversation and its messages
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
