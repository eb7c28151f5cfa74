// Package conversation persists conversations and their messages.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/illegalcall/skillchat/internal/models"
)

var ErrNotFound = errors.New("conversation not found")

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

const conversationColumns = `id, customer_id, title, workload_level, selected_function, model_name, created_at, updated_at`

const messageColumns = `id, conversation_id, role, content, file_url, file_name, file_type, created_at`

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts conv, assigning an ID when it has none, and fills in the
// timestamps chosen by the database.
func (s *Store) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO conversations (id, customer_id, title, workload_level, selected_function, model_name)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		conv.ID, conv.CustomerID, conv.Title, conv.WorkloadLevel, conv.SelectedFunction, conv.ModelName,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListByCustomer returns the customer's conversations, most recently active first.
func (s *Store) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]models.Conversation, error) {
	limit, offset = page(limit, offset)

	conversations := []models.Conversation{}
	err := s.db.SelectContext(ctx, &conversations,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE customer_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		customerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// AppendMessage stores msg and bumps the conversation's activity timestamp in
// one transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, file_url, file_name, file_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.FileURL, msg.FileName, msg.FileType,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`, msg.ConversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// ListMessages pages through a conversation oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	limit, offset = page(limit, offset)

	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// RecentMessages returns the newest n messages of a conversation, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]models.Message, error) {
	if n <= 0 {
		return []models.Message{}, nil
	}

	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM messages
		     WHERE conversation_id = $1
		     ORDER BY created_at DESC, id DESC
		     LIMIT $2
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent messages: %w", err)
	}
	return messages, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
