// Package search wraps web search for the chat pipeline: a small model
// distills the user's message into a query, then DuckDuckGo answers it.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
)

const queryPrompt = "Rewrite the user message below as a short web search query. " +
	"Reply with the query only, no quotes and no explanation.\n\nMessage: %s"

// webTool is the slice of the duckduckgo tool the searcher calls.
type webTool interface {
	Call(ctx context.Context, input string) (string, error)
}

// Searcher derives queries and runs them against the web.
type Searcher struct {
	tool       webTool
	queryModel modelhub.ChatModel
	log        zerolog.Logger
}

// New creates a searcher. queryModel may be nil, in which case the raw
// user message is used as the query.
func New(maxResults int, queryModel modelhub.ChatModel) (*Searcher, error) {
	tool, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, fmt.Errorf("create search tool: %w", err)
	}
	return &Searcher{
		tool:       tool,
		queryModel: queryModel,
		log:        logging.Component("search"),
	}, nil
}

// deriveQuery asks the query model for a compact search query. Any
// failure falls back to the raw message; search quality degrades but the
// request proceeds.
func (s *Searcher) deriveQuery(ctx context.Context, message string) string {
	if s.queryModel == nil {
		return message
	}
	out, err := modelhub.Generate(ctx, s.queryModel,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(queryPrompt, message))},
		llms.WithMaxTokens(64))
	if err != nil {
		s.log.Warn().Err(err).Msg("query derivation failed, using raw message")
		return message
	}
	q := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if q == "" {
		return message
	}
	return q
}

// Run searches the web for content relevant to the user message and
// returns the query used plus the result text.
func (s *Searcher) Run(ctx context.Context, message string) (query, results string, err error) {
	query = s.deriveQuery(ctx, message)
	results, err = s.tool.Call(ctx, query)
	if err != nil {
		return query, "", fmt.Errorf("web search %q: %w", query, err)
	}
	return query, results, nil
}
