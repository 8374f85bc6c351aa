package treestore

import "time"

// Message roles. System messages never surface in reconstructed history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is the root container for a message tree.
type Conversation struct {
	ID        string
	Title     string
	UserID    string
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is the content payload referenced by a tree node.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// TreeNode places a message in the conversation tree. ParentID is empty
// for root nodes.
type TreeNode struct {
	ID             string
	ConversationID string
	MessageID      string
	ParentID       string
	CreatedAt      time.Time
}

// NodeRecord is a node joined with its message, the unit the history
// reconstructor and path queries work in.
type NodeRecord struct {
	NodeID         string
	ConversationID string
	ParentID       string
	MessageID      string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Attachment is a stored file tied to a user message.
type Attachment struct {
	ID             string
	ConversationID string
	MessageID      string
	UserID         string
	Filename       string
	Mime           string
	SizeBytes      int64
	StorageKey     string
	CreatedAt      time.Time
}

// AnchorParams describes a message-plus-node insert. NodeID and MessageID
// are assigned by the store when left empty.
type AnchorParams struct {
	ConversationID string
	ParentID       string
	Role           string
	Content        string
	NodeID         string
	MessageID      string
}
