// Package orchestrator drives one chat turn end to end: anchor the user
// message, assemble context, stream the model answer, and commit the
// assistant node. Progress is reported through a FrameWriter so the
// transport stays out of the core.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/aggregator"
	"github.com/zhiwei/internal/history"
	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/treestore"
)

// ErrEmptyMessage rejects turns carrying neither text nor attachments.
// It surfaces before anything is written.
var ErrEmptyMessage = errors.New("message is empty and has no attachments")

// errClientGone marks a frame write that failed because the consumer
// disconnected. The partial answer is still committed.
var errClientGone = errors.New("client disconnected")

// FrameWriter delivers protocol frames to the consumer. WriteFrame
// serializes v as one JSON frame and flushes it.
type FrameWriter interface {
	WriteFrame(v any) error
	WriteDone() error
}

// ModelSource resolves model names to clients and answers capability
// questions.
type ModelSource interface {
	Resolve(ctx context.Context, name string) (modelhub.ChatModel, error)
	Multimodal(name string) bool
}

// BlobStore persists raw attachment bytes.
type BlobStore interface {
	Put(key string, r io.Reader) (int64, error)
}

type startFrame struct {
	SessionID  string `json:"session_id"`
	UserNodeID string `json:"user_node_id"`
}

type contentFrame struct {
	Content string `json:"content"`
}

type aiNodeFrame struct {
	AINodeID string `json:"ai_node_id"`
}

type attachmentsFrame struct {
	UserAttachmentsSaved bool `json:"user_attachments_saved"`
}

type titleFrame struct {
	NewTitle string `json:"new_title"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Request is one chat turn.
type Request struct {
	UserID         string
	ConversationID string // empty starts a new conversation
	ParentID       string
	Message        string
	Model          string
	SystemPrompt   string // standing user instructions, may be empty
	Files          []aggregator.File
	Options        aggregator.Options
}

// Orchestrator wires the turn pipeline together.
type Orchestrator struct {
	store   treestore.Store
	history *history.Reconstructor
	agg     *aggregator.Aggregator
	models  ModelSource
	blobs   BlobStore
	titler  *Titler
	log     zerolog.Logger
}

// New creates an orchestrator. blobs and titler may be nil; attachment
// persistence and title generation are then skipped.
func New(store treestore.Store, hist *history.Reconstructor, agg *aggregator.Aggregator, models ModelSource, blobs BlobStore, titler *Titler) *Orchestrator {
	return &Orchestrator{
		store:   store,
		history: hist,
		agg:     agg,
		models:  models,
		blobs:   blobs,
		titler:  titler,
		log:     logging.Component("orchestrator"),
	}
}

// Validate runs every check that must pass before any state is written:
// input shape, model capability, parent and conversation existence. A
// nil error means the turn may anchor.
func (o *Orchestrator) Validate(ctx context.Context, req *Request) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Files) == 0 {
		return ErrEmptyMessage
	}
	if _, _, err := aggregator.Classify(ctx, req.Files, o.models.Multimodal(req.Model), req.Model); err != nil {
		return err
	}
	if _, err := o.models.Resolve(ctx, req.Model); err != nil {
		return err
	}
	if req.ConversationID != "" {
		if _, err := o.store.GetConversation(ctx, req.ConversationID); err != nil {
			return err
		}
	}
	if req.ParentID != "" {
		parent, err := o.store.GetNode(ctx, req.ParentID)
		if errors.Is(err, treestore.ErrNodeNotFound) {
			return treestore.ErrInvalidParent
		}
		if err != nil {
			return err
		}
		if req.ConversationID != "" && parent.ConversationID != req.ConversationID {
			return treestore.ErrInvalidParent
		}
	}
	return nil
}

// Run executes the turn. Callers must have called Validate first; Run
// repeats it defensively and reports pre-anchor failures as an error
// return with no frames written.
func (o *Orchestrator) Run(ctx context.Context, req *Request, w FrameWriter) error {
	if err := o.Validate(ctx, req); err != nil {
		return err
	}

	texts, images, err := aggregator.Classify(ctx, req.Files, o.models.Multimodal(req.Model), req.Model)
	if err != nil {
		return err
	}
	model, err := o.models.Resolve(ctx, req.Model)
	if err != nil {
		return err
	}

	isNew := req.ConversationID == ""
	if isNew {
		conv, err := o.store.CreateConversation(ctx, req.UserID, "New conversation")
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		req.ConversationID = conv.ID
	}

	content := req.Message
	if strings.TrimSpace(content) == "" {
		content = placeholderForFiles(req.Files)
	}

	userNode, err := o.store.AnchorNode(ctx, treestore.AnchorParams{
		ConversationID: req.ConversationID,
		ParentID:       req.ParentID,
		Role:           treestore.RoleUser,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("anchor user message: %w", err)
	}

	clientGone := false
	emit := func(v any) {
		if clientGone {
			return
		}
		if err := w.WriteFrame(v); err != nil {
			clientGone = true
		}
	}
	emit(startFrame{SessionID: req.ConversationID, UserNodeID: userNode.NodeID})

	o.log.Debug().Str("phase", "context").Str("node_id", userNode.NodeID).Msg("gathering context")
	gathered, err := o.agg.Gather(ctx, req.UserID, req.Message, texts, images, req.Options)
	if err != nil {
		emit(errorFrame{Error: "failed to prepare context"})
		w.WriteDone()
		return fmt.Errorf("gather context: %w", err)
	}
	defer gathered.Cleanup(context.WithoutCancel(ctx))

	turns, err := o.history.Build(ctx, userNode.NodeID)
	if err != nil {
		emit(errorFrame{Error: "failed to load history"})
		w.WriteDone()
		return err
	}
	messages := composeMessages(req.SystemPrompt, turns, content, gathered)

	o.log.Debug().Str("phase", "streaming").Str("model", req.Model).Msg("starting generation")
	answer, streamErr := modelhub.StreamChat(ctx, model, messages, func(chunk string) error {
		if clientGone {
			return errClientGone
		}
		if err := w.WriteFrame(contentFrame{Content: chunk}); err != nil {
			clientGone = true
			return errClientGone
		}
		return nil
	})

	disconnected := clientGone || ctx.Err() != nil
	if streamErr != nil && !disconnected && !errors.Is(streamErr, errClientGone) {
		// Provider failure: nothing to commit, the user node survives.
		o.log.Error().Err(streamErr).Str("model", req.Model).Msg("generation failed")
		emit(errorFrame{Error: "model generation failed"})
		w.WriteDone()
		return fmt.Errorf("generate: %w", streamErr)
	}

	// Commit whatever streamed, even a truncated or empty answer, on a
	// context that outlives the request.
	commitCtx := context.WithoutCancel(ctx)
	aiNode, err := o.store.AnchorNode(commitCtx, treestore.AnchorParams{
		ConversationID: req.ConversationID,
		ParentID:       userNode.NodeID,
		Role:           treestore.RoleAssistant,
		Content:        answer,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to commit assistant message")
		emit(errorFrame{Error: "failed to save the answer"})
		w.WriteDone()
		return fmt.Errorf("anchor assistant message: %w", err)
	}
	emit(aiNodeFrame{AINodeID: aiNode.NodeID})

	if len(req.Files) > 0 && o.blobs != nil {
		if o.saveAttachments(commitCtx, req, userNode.MessageID) {
			emit(attachmentsFrame{UserAttachmentsSaved: true})
		}
	}

	if isNew && o.titler != nil && !disconnected {
		titleCtx, cancel := context.WithTimeout(commitCtx, 10*time.Second)
		title, err := o.titler.Generate(titleCtx, content, answer)
		cancel()
		if err != nil {
			o.log.Warn().Err(err).Msg("title generation failed, keeping placeholder")
		} else if err := o.store.RenameConversation(commitCtx, req.ConversationID, title); err != nil {
			o.log.Warn().Err(err).Msg("failed to store generated title")
		} else {
			emit(titleFrame{NewTitle: title})
		}
	}

	if !clientGone {
		w.WriteDone()
	}
	return nil
}

// saveAttachments stores the raw files and records them against the
// user message. Failures are logged per file and never fail the turn.
func (o *Orchestrator) saveAttachments(ctx context.Context, req *Request, messageID string) bool {
	savedAny := false
	for _, f := range req.Files {
		key := fmt.Sprintf("%s/%s/%s", req.UserID, messageID, f.Filename)
		if _, err := o.blobs.Put(key, bytes.NewReader(f.Data)); err != nil {
			o.log.Warn().Err(err).Str("file", f.Filename).Msg("failed to store attachment")
			continue
		}
		err := o.store.SaveAttachment(ctx, &treestore.Attachment{
			ConversationID: req.ConversationID,
			MessageID:      messageID,
			UserID:         req.UserID,
			Filename:       f.Filename,
			Mime:           f.Mime,
			SizeBytes:      int64(len(f.Data)),
			StorageKey:     key,
		})
		if err != nil {
			o.log.Warn().Err(err).Str("file", f.Filename).Msg("failed to record attachment")
			continue
		}
		savedAny = true
	}
	return savedAny
}

// placeholderForFiles stands in for an empty message that only carries
// attachments.
func placeholderForFiles(files []aggregator.File) string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Filename
	}
	return "[Sent files: " + strings.Join(names, ", ") + "]"
}

// composeMessages builds the provider payload: standing instructions,
// prior turns, then the current message with its gathered context and
// any image parts.
func composeMessages(systemPrompt string, turns []history.Turn, content string, gathered *aggregator.Result) []llms.MessageContent {
	var messages []llms.MessageContent
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	messages = append(messages, history.ToMessages(turns)...)

	text := content
	if gathered.Context != "" {
		text = gathered.Context + "\n\n" + content
	}
	current := llms.TextParts(llms.ChatMessageTypeHuman, text)
	current.Parts = append(current.Parts, gathered.ImageParts...)
	return append(messages, current)
}
