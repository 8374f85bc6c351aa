package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
)

const (
	titleInputLimit  = 200
	titleOutputLimit = 15
)

const titlePrompt = "Summarize this exchange as a conversation title of at " +
	"most a few words. Reply with the title only.\n\nUser: %s\n\nAssistant: %s"

// Titler names brand-new conversations from their first exchange.
type Titler struct {
	model modelhub.ChatModel
	log   zerolog.Logger
}

// NewTitler creates a titler over a lightweight model.
func NewTitler(model modelhub.ChatModel) *Titler {
	return &Titler{model: model, log: logging.Component("titler")}
}

// Generate produces a short title. Inputs are truncated before the call
// and the output is clipped, so a rambling model cannot blow up the
// sidebar.
func (t *Titler) Generate(ctx context.Context, userMsg, aiMsg string) (string, error) {
	prompt := fmt.Sprintf(titlePrompt, truncateRunes(userMsg, titleInputLimit), truncateRunes(aiMsg, titleInputLimit))
	out, err := modelhub.Generate(ctx, t.model,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		llms.WithMaxTokens(32))
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := cleanTitle(out)
	if title == "" {
		return "", fmt.Errorf("model produced an empty title")
	}
	return title, nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, `"'“”`)
	return truncateRunes(strings.TrimSpace(s), titleOutputLimit)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
