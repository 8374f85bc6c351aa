package treestore

import "errors"

var (
	// ErrConversationNotFound covers missing and soft-deleted conversations.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNodeNotFound covers missing nodes and nodes whose conversation
	// was soft-deleted.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidParent means the referenced parent cannot anchor a child:
	// it does not exist or belongs to a different conversation.
	ErrInvalidParent = errors.New("invalid parent node")
)
