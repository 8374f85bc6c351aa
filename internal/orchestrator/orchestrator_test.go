package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/aggregator"
	"github.com/zhiwei/internal/history"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/treestore"
)

// scriptedModel streams its chunks through the streaming callback and
// fails afterwards when err is set.
type scriptedModel struct {
	chunks []string
	err    error
}

func (m *scriptedModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	var full string
	for _, c := range m.chunks {
		full += c
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

type fakeModels struct {
	models     map[string]modelhub.ChatModel
	multimodal map[string]bool
}

func (f *fakeModels) Resolve(_ context.Context, name string) (modelhub.ChatModel, error) {
	m, ok := f.models[name]
	if !ok {
		return nil, fmt.Errorf("model %q is not configured", name)
	}
	return m, nil
}

func (f *fakeModels) Multimodal(name string) bool { return f.multimodal[name] }

// frame is a decoded protocol frame plus a kind tag for assertions.
type frame struct {
	kind  string
	value string
}

// recordWriter captures frames and can simulate a consumer that goes
// away after a number of content frames.
type recordWriter struct {
	mu           sync.Mutex
	frames       []frame
	done         bool
	failAtChunk  int // fail the Nth content write; 0 disables
	contentCount int
}

func (w *recordWriter) WriteFrame(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch f := v.(type) {
	case startFrame:
		w.frames = append(w.frames, frame{"start", f.UserNodeID})
	case contentFrame:
		w.contentCount++
		if w.failAtChunk > 0 && w.contentCount >= w.failAtChunk {
			return errors.New("broken pipe")
		}
		w.frames = append(w.frames, frame{"content", f.Content})
	case aiNodeFrame:
		w.frames = append(w.frames, frame{"ai_node", f.AINodeID})
	case attachmentsFrame:
		w.frames = append(w.frames, frame{"attachments_saved", ""})
	case titleFrame:
		w.frames = append(w.frames, frame{"new_title", f.NewTitle})
	case errorFrame:
		w.frames = append(w.frames, frame{"error", f.Error})
	default:
		return fmt.Errorf("unexpected frame %T", v)
	}
	return nil
}

func (w *recordWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	return nil
}

func (w *recordWriter) kinds() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.frames))
	for i, f := range w.frames {
		out[i] = f.kind
	}
	return out
}

type memBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (b *memBlobs) Put(key string, r io.Reader) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return 0, err
	}
	b.keys = append(b.keys, key)
	return n, nil
}

type fixture struct {
	store  *treestore.MemoryStore
	orch   *Orchestrator
	models *fakeModels
	blobs  *memBlobs
}

func newFixture(chat modelhub.ChatModel, title modelhub.ChatModel) *fixture {
	store := treestore.NewMemoryStore()
	models := &fakeModels{
		models:     map[string]modelhub.ChatModel{"test-model": chat},
		multimodal: map[string]bool{},
	}
	var titler *Titler
	if title != nil {
		titler = NewTitler(title)
	}
	blobs := &memBlobs{}
	orch := New(store, history.New(store, 10), aggregator.New(nil, nil, nil), models, blobs, titler)
	return &fixture{store: store, orch: orch, models: models, blobs: blobs}
}

func TestRunFrameOrdering(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"Hel", "lo"}}, nil)
	w := &recordWriter{}

	err := fx.orch.Run(context.Background(), &Request{
		UserID:  "u1",
		Message: "hi there",
		Model:   "test-model",
	}, w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"start", "content", "content", "ai_node"}
	got := w.kinds()
	if len(got) != len(want) {
		t.Fatalf("frames %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames %v, want %v", got, want)
		}
	}
	if !w.done {
		t.Fatal("missing terminal done marker")
	}

	// Both nodes persisted and linked.
	aiNodeID := w.frames[len(w.frames)-1].value
	path, err := fx.store.RootToLeafPath(context.Background(), aiNodeID)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected user+assistant path, got %d nodes", len(path))
	}
	if path[0].Content != "hi there" || path[1].Content != "Hello" {
		t.Fatalf("wrong persisted contents: %+v", path)
	}
}

func TestRunDisconnectCommitsPartial(t *testing.T) {
	chunks := []string{"c1 ", "c2 ", "c3 ", "c4 ", "c5 ", "c6 ", "c7 ", "c8 ", "c9 ", "c10"}
	fx := newFixture(&scriptedModel{chunks: chunks}, nil)
	w := &recordWriter{failAtChunk: 4} // consumer vanishes after 3 delivered chunks

	err := fx.orch.Run(context.Background(), &Request{
		UserID:  "u1",
		Message: "long question",
		Model:   "test-model",
	}, w)
	if err != nil {
		t.Fatalf("disconnect must not fail the turn: %v", err)
	}
	if w.done {
		t.Fatal("done marker written to a dead consumer")
	}

	// The partial answer was committed as a child of the user node.
	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	recs, err := fx.store.ConversationMessages(context.Background(), convs[0].ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected user+assistant nodes, got %d", len(recs))
	}
	full := strings.Join(chunks, "")
	partial := recs[1].Content
	if partial == "" || partial == full {
		t.Fatalf("expected a strict prefix of the full answer, got %q", partial)
	}
	if !strings.HasPrefix(full, partial) {
		t.Fatalf("committed text %q is not a prefix of the stream", partial)
	}
}

func TestRunProviderErrorKeepsUserNode(t *testing.T) {
	fx := newFixture(&scriptedModel{err: errors.New("upstream 500")}, nil)
	w := &recordWriter{}

	err := fx.orch.Run(context.Background(), &Request{
		UserID:  "u1",
		Message: "hi",
		Model:   "test-model",
	}, w)
	if err == nil {
		t.Fatal("expected error")
	}

	got := w.kinds()
	if got[len(got)-1] != "error" {
		t.Fatalf("expected terminal error frame, got %v", got)
	}
	if !w.done {
		t.Fatal("error path must still close the stream")
	}

	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	recs, _ := fx.store.ConversationMessages(context.Background(), convs[0].ID)
	if len(recs) != 1 || recs[0].Role != treestore.RoleUser {
		t.Fatalf("only the user node should survive, got %+v", recs)
	}
}

func TestRunEmptyAnswerStillCommits(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: nil}, nil)
	w := &recordWriter{}

	if err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "hi", Model: "test-model"}, w); err != nil {
		t.Fatalf("run: %v", err)
	}
	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	recs, _ := fx.store.ConversationMessages(context.Background(), convs[0].ID)
	if len(recs) != 2 {
		t.Fatalf("empty answer must still anchor an assistant node, got %d nodes", len(recs))
	}
	if recs[1].Content != "" {
		t.Fatalf("expected empty assistant content, got %q", recs[1].Content)
	}
}

func TestValidateEmptyMessage(t *testing.T) {
	fx := newFixture(&scriptedModel{}, nil)

	err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "   ", Model: "test-model"}, &recordWriter{})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if convs, _ := fx.store.ListConversations(context.Background(), "u1"); len(convs) != 0 {
		t.Fatal("rejected turn must not create state")
	}
}

func TestRunEmptyMessageWithFilesGetsPlaceholder(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"ok"}}, nil)
	w := &recordWriter{}

	err := fx.orch.Run(context.Background(), &Request{
		UserID:  "u1",
		Message: "",
		Model:   "test-model",
		Files:   []aggregator.File{{Filename: "report.txt", Mime: "text/plain", Data: []byte("contents")}},
	}, w)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	recs, _ := fx.store.ConversationMessages(context.Background(), convs[0].ID)
	if !strings.Contains(recs[0].Content, "report.txt") {
		t.Fatalf("placeholder should reference the attachment, got %q", recs[0].Content)
	}
	if len(fx.blobs.keys) != 1 {
		t.Fatalf("attachment not stored: %v", fx.blobs.keys)
	}
	atts, _ := fx.store.ListAttachments(context.Background(), recs[0].MessageID)
	if len(atts) != 1 || atts[0].Filename != "report.txt" {
		t.Fatalf("attachment not recorded: %+v", atts)
	}
}

func TestRunCapabilityFailFast(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"x"}}, nil)

	err := fx.orch.Run(context.Background(), &Request{
		UserID:  "u1",
		Message: "look at this",
		Model:   "test-model",
		Files:   []aggregator.File{{Filename: "pic.png", Mime: "image/png", Data: []byte{1}}},
	}, &recordWriter{})

	var capErr *modelhub.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapabilityError, got %v", err)
	}
	if convs, _ := fx.store.ListConversations(context.Background(), "u1"); len(convs) != 0 {
		t.Fatal("capability rejection must leave no partial state")
	}
}

func TestRunBranchingContinuation(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"answer two"}}, nil)
	w1 := &recordWriter{}

	if err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "first", Model: "test-model"}, w1); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	convID := convs[0].ID
	aiNode := w1.frames[len(w1.frames)-1].value

	w2 := &recordWriter{}
	if err := fx.orch.Run(context.Background(), &Request{
		UserID:         "u1",
		ConversationID: convID,
		ParentID:       aiNode,
		Message:        "second",
		Model:          "test-model",
	}, w2); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	leaf := w2.frames[len(w2.frames)-1].value
	path, err := fx.store.RootToLeafPath(context.Background(), leaf)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if len(path) != 4 {
		t.Fatalf("expected 4-node path, got %d", len(path))
	}
}

func TestRunNewConversationTitle(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"the answer"}}, &scriptedModel{chunks: []string{"Trip planning ideas and more"}})
	w := &recordWriter{}

	if err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "plan a trip", Model: "test-model"}, w); err != nil {
		t.Fatalf("run: %v", err)
	}

	var title string
	for _, f := range w.frames {
		if f.kind == "new_title" {
			title = f.value
		}
	}
	if title == "" {
		t.Fatal("missing new_title frame for a fresh conversation")
	}
	if len([]rune(title)) > 15 {
		t.Fatalf("title not clipped: %q", title)
	}
	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	if convs[0].Title != title {
		t.Fatalf("stored title %q, streamed %q", convs[0].Title, title)
	}
}

func TestRunTitleFailureKeepsPlaceholder(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"a"}}, &scriptedModel{err: errors.New("title model down")})
	w := &recordWriter{}

	if err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "hi", Model: "test-model"}, w); err != nil {
		t.Fatalf("title failure must not fail the turn: %v", err)
	}
	for _, f := range w.frames {
		if f.kind == "new_title" {
			t.Fatal("no title frame expected on failure")
		}
	}
	convs, _ := fx.store.ListConversations(context.Background(), "u1")
	if convs[0].Title != "New conversation" {
		t.Fatalf("placeholder title lost: %q", convs[0].Title)
	}
}

func TestRunExistingConversationNoTitle(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"a"}}, &scriptedModel{chunks: []string{"T"}})
	conv, _ := fx.store.CreateConversation(context.Background(), "u1", "kept")
	w := &recordWriter{}

	if err := fx.orch.Run(context.Background(), &Request{
		UserID:         "u1",
		ConversationID: conv.ID,
		Message:        "hi",
		Model:          "test-model",
	}, w); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, f := range w.frames {
		if f.kind == "new_title" {
			t.Fatal("existing conversations must keep their title")
		}
	}
}

func TestRunConcurrentConversations(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"re", "ply"}}, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.orch.Run(context.Background(), &Request{
				UserID:  fmt.Sprintf("user-%d", i),
				Message: fmt.Sprintf("question %d", i),
				Model:   "test-model",
			}, &recordWriter{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		convs, _ := fx.store.ListConversations(context.Background(), fmt.Sprintf("user-%d", i))
		if len(convs) != 1 {
			t.Fatalf("user %d: expected 1 conversation, got %d", i, len(convs))
		}
		recs, _ := fx.store.ConversationMessages(context.Background(), convs[0].ID)
		if len(recs) != 2 {
			t.Fatalf("user %d: expected 2 nodes, got %d", i, len(recs))
		}
	}
}

func TestRunUnknownParentRejected(t *testing.T) {
	fx := newFixture(&scriptedModel{chunks: []string{"x"}}, nil)
	conv, _ := fx.store.CreateConversation(context.Background(), "u1", "t")

	err := fx.orch.Run(context.Background(), &Request{
		UserID:         "u1",
		ConversationID: conv.ID,
		ParentID:       "ghost",
		Message:        "hi",
		Model:          "test-model",
	}, &recordWriter{})
	if !errors.Is(err, treestore.ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}
	recs, _ := fx.store.ConversationMessages(context.Background(), conv.ID)
	if len(recs) != 0 {
		t.Fatal("rejected turn must not anchor nodes")
	}
}

func TestRunUnknownModelRejected(t *testing.T) {
	fx := newFixture(&scriptedModel{}, nil)
	err := fx.orch.Run(context.Background(), &Request{UserID: "u1", Message: "hi", Model: "nope"}, &recordWriter{})
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if convs, _ := fx.store.ListConversations(context.Background(), "u1"); len(convs) != 0 {
		t.Fatal("no state expected")
	}
}
