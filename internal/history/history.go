// Package history rebuilds the linear conversation context that precedes
// a given tree node, following only parent links so sibling branches
// never leak into each other.
package history

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/treestore"
)

// DefaultLimit bounds how many ancestor turns feed the model.
const DefaultLimit = 10

// Stand-ins for empty stored content so the provider never receives a
// blank turn; the text names who left it blank.
const (
	emptyUserTurn      = "(user sent an empty message)"
	emptyAssistantTurn = "(empty message)"
)

// Turn is one prior exchange in provider-ready form.
type Turn struct {
	Role    string
	Content string
}

// Reconstructor walks ancestor chains out of a tree store.
type Reconstructor struct {
	store treestore.Store
	limit int
}

// New creates a reconstructor with the given history depth. A limit of
// zero or less falls back to DefaultLimit.
func New(store treestore.Store, limit int) *Reconstructor {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reconstructor{store: store, limit: limit}
}

// Build returns the chronological ancestor turns of nodeID, excluding the
// node itself. System-role entries are dropped and empty content is
// replaced with a role-specific stand-in.
func (r *Reconstructor) Build(ctx context.Context, nodeID string) ([]Turn, error) {
	chain, err := r.store.ParentChain(ctx, nodeID, r.limit)
	if err != nil {
		return nil, fmt.Errorf("reconstruct history for %s: %w", nodeID, err)
	}

	turns := make([]Turn, 0, len(chain))
	for _, rec := range chain {
		if rec.Role == treestore.RoleSystem {
			continue
		}
		content := rec.Content
		if content == "" {
			content = emptyAssistantTurn
			if rec.Role == treestore.RoleUser {
				content = emptyUserTurn
			}
		}
		turns = append(turns, Turn{Role: rec.Role, Content: content})
	}
	return turns, nil
}

// ToMessages converts turns into langchaingo message contents.
func ToMessages(turns []Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		role := llms.ChatMessageTypeHuman
		if t.Role == treestore.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, t.Content))
	}
	return out
}
