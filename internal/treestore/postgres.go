package treestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/zhiwei/internal/logging"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  logging.Component("treestore"),
	}
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, user_id, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		c.ID, c.Title, c.UserID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var userID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, user_id, created_at, updated_at
		 FROM conversations WHERE id = $1 AND NOT is_deleted`,
		id).Scan(&c.ID, &c.Title, &userID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if userID != nil {
		c.UserID = *userID
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at, updated_at
		 FROM conversations
		 WHERE user_id = $1 AND NOT is_deleted
		 ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{UserID: userID}
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RenameConversation(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now()
		 WHERE id = $1 AND NOT is_deleted`,
		id, title)
	if err != nil {
		return fmt.Errorf("rename conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET is_deleted = TRUE, updated_at = now()
		 WHERE id = $1 AND NOT is_deleted`,
		id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AnchorNode inserts the message and its node in one transaction so a
// crash can never leave a message without a tree position.
func (s *PostgresStore) AnchorNode(ctx context.Context, p AnchorParams) (*NodeRecord, error) {
	if p.NodeID == "" {
		p.NodeID = uuid.NewString()
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin anchor tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM conversations WHERE id = $1 AND NOT is_deleted`,
		p.ConversationID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}

	if p.ParentID != "" {
		var parentConv string
		err = tx.QueryRow(ctx,
			`SELECT conversation_id FROM tree_nodes WHERE id = $1`,
			p.ParentID).Scan(&parentConv)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidParent
		}
		if err != nil {
			return nil, fmt.Errorf("check parent: %w", err)
		}
		if parentConv != p.ConversationID {
			return nil, ErrInvalidParent
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.MessageID, p.ConversationID, p.Role, p.Content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tree_nodes (id, conversation_id, message_id, parent_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		p.NodeID, p.ConversationID, p.MessageID, p.ParentID, now)
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		p.ConversationID, now)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit anchor tx: %w", err)
	}

	s.log.Debug().Str("node_id", p.NodeID).Str("conversation_id", p.ConversationID).
		Str("role", p.Role).Msg("anchored node")

	return &NodeRecord{
		NodeID:         p.NodeID,
		ConversationID: p.ConversationID,
		ParentID:       p.ParentID,
		MessageID:      p.MessageID,
		Role:           p.Role,
		Content:        p.Content,
		CreatedAt:      now,
	}, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*NodeRecord, error) {
	var r NodeRecord
	var parent *string
	err := s.pool.QueryRow(ctx,
		`SELECT n.id, n.conversation_id, n.parent_id, m.id, m.role, m.content, n.created_at
		 FROM tree_nodes n
		 JOIN messages m ON m.id = n.message_id
		 JOIN conversations c ON c.id = n.conversation_id AND NOT c.is_deleted
		 WHERE n.id = $1`,
		nodeID).Scan(&r.NodeID, &r.ConversationID, &parent, &r.MessageID, &r.Role, &r.Content, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	if parent != nil {
		r.ParentID = *parent
	}
	return &r, nil
}

// ParentChain follows parent links upward from nodeID one point read at a
// time. The walk starts at the node's parent, so the node itself is never
// part of the result, and stops at the root or after limit hops.
func (s *PostgresStore) ParentChain(ctx context.Context, nodeID string, limit int) ([]NodeRecord, error) {
	start, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	var chain []NodeRecord
	cursor := start.ParentID
	for cursor != "" && len(chain) < limit {
		rec, err := s.GetNode(ctx, cursor)
		if errors.Is(err, ErrNodeNotFound) {
			// Dangling parent link; treat the walk as ended.
			s.log.Warn().Str("node_id", cursor).Msg("parent link points at missing node")
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, *rec)
		cursor = rec.ParentID
	}

	// Walked newest-first; callers want chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// RootToLeafPath resolves the full ancestor path in a single recursive
// query rather than one round trip per hop.
func (s *PostgresStore) RootToLeafPath(ctx context.Context, leafID string) ([]NodeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE path_cte AS (
		     SELECT n.id, n.conversation_id, n.parent_id, n.message_id, n.created_at, 0 AS depth
		     FROM tree_nodes n WHERE n.id = $1
		   UNION ALL
		     SELECT n.id, n.conversation_id, n.parent_id, n.message_id, n.created_at, p.depth + 1
		     FROM tree_nodes n
		     JOIN path_cte p ON n.id = p.parent_id
		 )
		 SELECT p.id, p.conversation_id, p.parent_id, m.id, m.role, m.content, p.created_at
		 FROM path_cte p
		 JOIN messages m ON m.id = p.message_id
		 JOIN conversations c ON c.id = p.conversation_id AND NOT c.is_deleted
		 ORDER BY p.depth DESC`,
		leafID)
	if err != nil {
		return nil, fmt.Errorf("path query: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var r NodeRecord
		var parent *string
		if err := rows.Scan(&r.NodeID, &r.ConversationID, &parent, &r.MessageID, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan path row: %w", err)
		}
		if parent != nil {
			r.ParentID = *parent
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNodeNotFound
	}
	return out, nil
}

func (s *PostgresStore) ConversationMessages(ctx context.Context, conversationID string) ([]NodeRecord, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT n.id, n.conversation_id, n.parent_id, m.id, m.role, m.content, n.created_at
		 FROM tree_nodes n
		 JOIN messages m ON m.id = n.message_id
		 WHERE n.conversation_id = $1
		 ORDER BY n.created_at ASC, n.id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation messages: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var r NodeRecord
		var parent *string
		if err := rows.Scan(&r.NodeID, &r.ConversationID, &parent, &r.MessageID, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if parent != nil {
			r.ParentID = *parent
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attachments (id, conversation_id, message_id, user_id, filename, mime, size_bytes, storage_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ConversationID, a.MessageID, a.UserID, a.Filename, a.Mime, a.SizeBytes, a.StorageKey, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, message_id, user_id, filename, mime, size_bytes, storage_key, created_at
		 FROM attachments WHERE id = $1`,
		id).Scan(&a.ID, &a.ConversationID, &a.MessageID, &a.UserID, &a.Filename, &a.Mime, &a.SizeBytes, &a.StorageKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, message_id, user_id, filename, mime, size_bytes, storage_key, created_at
		 FROM attachments WHERE message_id = $1 ORDER BY created_at ASC`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.MessageID, &a.UserID, &a.Filename, &a.Mime, &a.SizeBytes, &a.StorageKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
