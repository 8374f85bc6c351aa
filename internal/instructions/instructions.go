// Package instructions stores per-user standing directions that are
// prepended to chat prompts as system context.
package instructions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or deleted instructions.
var ErrNotFound = errors.New("instruction not found")

// Instruction is one standing direction.
type Instruction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Content   string    `json:"content"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists instructions on the management database handle.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an instruction at the end of the user's list.
func (s *Store) Create(ctx context.Context, userID, content string) (*Instruction, error) {
	ins := &Instruction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order), -1) + 1 FROM ai_instructions
		 WHERE user_id = $1 AND NOT is_deleted`,
		userID).Scan(&ins.SortOrder)
	if err != nil {
		return nil, fmt.Errorf("next sort order: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_instructions (id, user_id, content, sort_order, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ins.ID, ins.UserID, ins.Content, ins.SortOrder, ins.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create instruction: %w", err)
	}
	return ins, nil
}

// List returns the user's instructions in sort order.
func (s *Store) List(ctx context.Context, userID string) ([]*Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, sort_order, created_at
		 FROM ai_instructions WHERE user_id = $1 AND NOT is_deleted
		 ORDER BY sort_order ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer rows.Close()

	var out []*Instruction
	for rows.Next() {
		var ins Instruction
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Content, &ins.SortOrder, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, &ins)
	}
	return out, rows.Err()
}

// Update replaces an instruction's content. The instruction must belong
// to the caller.
func (s *Store) Update(ctx context.Context, userID, id, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_instructions SET content = $3
		 WHERE id = $1 AND user_id = $2 AND NOT is_deleted`,
		id, userID, content)
	if err != nil {
		return fmt.Errorf("update instruction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes an instruction owned by the caller.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_instructions SET is_deleted = TRUE
		 WHERE id = $1 AND user_id = $2 AND NOT is_deleted`,
		id, userID)
	if err != nil {
		return fmt.Errorf("delete instruction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SystemPrompt joins the user's instructions into one system message
// body, or returns empty when there are none.
func (s *Store) SystemPrompt(ctx context.Context, userID string) (string, error) {
	list, err := s.List(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", nil
	}
	body := "Follow these standing instructions from the user:\n"
	for _, ins := range list {
		body += "- " + ins.Content + "\n"
	}
	return body, nil
}
