package treestore

import "context"

// Store is the persistence boundary for conversations and their message
// trees. PostgresStore is the production implementation; MemoryStore
// backs tests.
type Store interface {
	// CreateConversation inserts a new conversation owned by userID.
	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)

	// GetConversation returns a live conversation or ErrConversationNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the caller's live conversations, most
	// recently updated first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// RenameConversation sets the title and bumps updated_at.
	RenameConversation(ctx context.Context, id, title string) error

	// DeleteConversation soft-deletes; subsequent reads behave as not found.
	DeleteConversation(ctx context.Context, id string) error

	// AnchorNode atomically inserts a message and its tree node. The
	// parent, when set, must exist in the same conversation.
	AnchorNode(ctx context.Context, p AnchorParams) (*NodeRecord, error)

	// ParentChain walks parent links upward from nodeID, excluding the
	// start node, and returns at most limit records oldest-first.
	ParentChain(ctx context.Context, nodeID string, limit int) ([]NodeRecord, error)

	// GetNode returns a single node joined with its message.
	GetNode(ctx context.Context, nodeID string) (*NodeRecord, error)

	// RootToLeafPath returns the full path from the root ancestor of
	// leafID down to leafID inclusive.
	RootToLeafPath(ctx context.Context, leafID string) ([]NodeRecord, error)

	// ConversationMessages returns every live message in the conversation
	// in creation order, regardless of branch.
	ConversationMessages(ctx context.Context, conversationID string) ([]NodeRecord, error)

	// SaveAttachment records a stored file against a message.
	SaveAttachment(ctx context.Context, a *Attachment) error

	// GetAttachment returns an attachment by id.
	GetAttachment(ctx context.Context, id string) (*Attachment, error)

	// ListAttachments returns the attachments of one message.
	ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error)
}
