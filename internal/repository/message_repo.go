package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/askgen/internal/domain"
)

// MessageRepository handles message persistence. Assistant messages are
// also the generation records polled by clients.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, role, content, status, sources, citations,
	tokens_used, generation_time, model_used, error_message, generation_params,
	created_at, updated_at`

// Create creates a new message
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	sourcesJSON, _ := json.Marshal(msg.Sources)
	var params []byte
	if msg.GenerationParams != nil {
		params, _ = json.Marshal(msg.GenerationParams)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, string(msg.Status),
		string(sourcesJSON), nullBytes(msg.Citations), msg.TokensUsed, msg.GenerationTime,
		msg.ModelUsed, msg.ErrorMessage, nullBytes(params), msg.CreatedAt, msg.UpdatedAt)

	return err
}

// Get retrieves a message by ID, or nil when it does not exist
func (r *MessageRepository) Get(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// List retrieves the messages of a conversation in chronological order
func (r *MessageRepository) List(ctx context.Context, conversationID string, skip, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`, conversationID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpdateProgress stores the status and partial content of a generation
func (r *MessageRepository) UpdateProgress(ctx context.Context, id string, status domain.Status, content string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, content = ?, updated_at = ? WHERE id = ?
	`, string(status), content, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// Complete stores the final result of a generation
func (r *MessageRepository) Complete(ctx context.Context, id string, result *domain.GenerationResult) error {
	sourcesJSON, _ := json.Marshal(result.Sources)
	var model *string
	if result.Metrics.ModelUsed != "" {
		model = &result.Metrics.ModelUsed
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, content = ?, sources = ?, citations = ?,
			tokens_used = ?, generation_time = ?, model_used = ?, error_message = NULL,
			updated_at = ?
		WHERE id = ?
	`, string(domain.StatusComplete), result.Content, string(sourcesJSON), nullBytes(result.Citations),
		result.Metrics.TokensUsed, result.Metrics.GenerationTime, model, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// Fail marks a generation as failed
func (r *MessageRepository) Fail(ctx context.Context, id, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(domain.StatusError), message, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// FailUnfinished marks every pending or streaming generation as failed.
// Used at startup: nothing is working on them anymore.
func (r *MessageRepository) FailUnfinished(ctx context.Context, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error_message = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, string(domain.StatusError), message, time.Now().UTC(),
		string(domain.StatusPending), string(domain.StatusStreaming))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	msg := &domain.Message{}
	var (
		status                   string
		sourcesJSON, citations   sql.NullString
		tokensUsed, genTime      sql.NullInt64
		modelUsed, errMsg, param sql.NullString
	)

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &status,
		&sourcesJSON, &citations, &tokensUsed, &genTime, &modelUsed, &errMsg, &param,
		&msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}

	msg.Status = domain.Status(status)
	if sourcesJSON.Valid && sourcesJSON.String != "" && sourcesJSON.String != "null" {
		json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources)
	}
	if citations.Valid && citations.String != "" {
		msg.Citations = json.RawMessage(citations.String)
	}
	if tokensUsed.Valid {
		v := int(tokensUsed.Int64)
		msg.TokensUsed = &v
	}
	if genTime.Valid {
		v := int(genTime.Int64)
		msg.GenerationTime = &v
	}
	if modelUsed.Valid {
		msg.ModelUsed = &modelUsed.String
	}
	if errMsg.Valid {
		msg.ErrorMessage = &errMsg.String
	}
	if param.Valid && param.String != "" {
		msg.GenerationParams = &domain.GenerationOptions{}
		json.Unmarshal([]byte(param.String), msg.GenerationParams)
	}

	return msg, nil
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
