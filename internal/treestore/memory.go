package treestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	nodes         map[string]*TreeNode
	attachments   map[string]*Attachment
	order         []string // node ids in insertion order
	clock         time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		nodes:         make(map[string]*TreeNode),
		attachments:   make(map[string]*Attachment),
		clock:         time.Now().UTC(),
	}
}

// tick gives each insert a distinct, strictly increasing timestamp so
// ordering assertions in tests are deterministic.
func (s *MemoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	return copyConversation(c), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.IsDeleted {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, c := range s.conversations {
		if c.IsDeleted || c.UserID != userID {
			continue
		}
		out = append(out, copyConversation(c))
	}
	// Most recently updated first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *MemoryStore) RenameConversation(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.IsDeleted {
		return ErrConversationNotFound
	}
	c.Title = title
	c.UpdatedAt = s.tick()
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.IsDeleted {
		return ErrConversationNotFound
	}
	c.IsDeleted = true
	c.UpdatedAt = s.tick()
	return nil
}

func (s *MemoryStore) AnchorNode(_ context.Context, p AnchorParams) (*NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[p.ConversationID]
	if !ok || c.IsDeleted {
		return nil, ErrConversationNotFound
	}
	if p.ParentID != "" {
		parent, ok := s.nodes[p.ParentID]
		if !ok {
			return nil, ErrInvalidParent
		}
		if parent.ConversationID != p.ConversationID {
			return nil, ErrInvalidParent
		}
	}
	if p.NodeID == "" {
		p.NodeID = uuid.NewString()
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}

	now := s.tick()
	s.messages[p.MessageID] = &Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Role:           p.Role,
		Content:        p.Content,
		CreatedAt:      now,
	}
	s.nodes[p.NodeID] = &TreeNode{
		ID:             p.NodeID,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		ParentID:       p.ParentID,
		CreatedAt:      now,
	}
	s.order = append(s.order, p.NodeID)
	c.UpdatedAt = now

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

// live reports whether a conversation exists and is not soft-deleted.
// Nodes of deleted conversations are invisible to every read path.
func (s *MemoryStore) live(conversationID string) bool {
	c, ok := s.conversations[conversationID]
	return ok && !c.IsDeleted
}

func (s *MemoryStore) record(n *TreeNode) *NodeRecord {
	m := s.messages[n.MessageID]
	return &NodeRecord{
		NodeID:         n.ID,
		ConversationID: n.ConversationID,
		ParentID:       n.ParentID,
		MessageID:      m.ID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      n.CreatedAt,
	}
}

func (s *MemoryStore) GetNode(_ context.Context, nodeID string) (*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok || !s.live(n.ConversationID) {
		return nil, ErrNodeNotFound
	}
	return s.record(n), nil
}

func (s *MemoryStore) ParentChain(_ context.Context, nodeID string, limit int) ([]NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, ok := s.nodes[nodeID]
	if !ok || !s.live(start.ConversationID) {
		return nil, ErrNodeNotFound
	}

	var chain []NodeRecord
	cursor := start.ParentID
	for cursor != "" && len(chain) < limit {
		n, ok := s.nodes[cursor]
		if !ok {
			break
		}
		chain = append(chain, *s.record(n))
		cursor = n.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *MemoryStore) RootToLeafPath(_ context.Context, leafID string) ([]NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[leafID]
	if !ok || !s.live(n.ConversationID) {
		return nil, ErrNodeNotFound
	}
	var path []NodeRecord
	for {
		path = append([]NodeRecord{*s.record(n)}, path...)
		if n.ParentID == "" {
			break
		}
		n, ok = s.nodes[n.ParentID]
		if !ok {
			break
		}
	}
	return path, nil
}

func (s *MemoryStore) ConversationMessages(_ context.Context, conversationID string) ([]NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.IsDeleted {
		return nil, ErrConversationNotFound
	}
	var out []NodeRecord
	for _, id := range s.order {
		n := s.nodes[id]
		if n.ConversationID != conversationID {
			continue
		}
		out = append(out, *s.record(n))
	}
	return out, nil
}

func (s *MemoryStore) SaveAttachment(_ context.Context, a *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.tick()
	}
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, id string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, messageID string) ([]*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attachment
	for _, a := range s.attachments {
		if a.MessageID != messageID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	return &cp
}
