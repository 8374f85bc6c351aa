package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/aggregator"
	"github.com/zhiwei/internal/api/auth"
	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/history"
	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/orchestrator"
	"github.com/zhiwei/internal/treestore"
)

type streamingModel struct{ chunks []string }

func (m *streamingModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
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
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

type staticModels struct{ m modelhub.ChatModel }

func (s *staticModels) Resolve(_ context.Context, name string) (modelhub.ChatModel, error) {
	if name != "test-model" {
		return nil, fmt.Errorf("model %q is not configured", name)
	}
	return s.m, nil
}

func (s *staticModels) Multimodal(string) bool { return false }

func newTestServer() (*Server, treestore.Store) {
	store := treestore.NewMemoryStore()
	orch := orchestrator.New(
		store,
		history.New(store, 10),
		aggregator.New(nil, nil, nil),
		&staticModels{m: &streamingModel{chunks: []string{"he", "llo"}}},
		nil, nil,
	)
	cfg := &config.Config{}
	cfg.Chat.DefaultModel = "test-model"
	return &Server{
		echo:  echo.New(),
		log:   logging.Component("api"),
		cfg:   cfg,
		store: store,
		orch:  orch,
	}, store
}

func doChat(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	auth.SetUserID(c, "u1")
	if err := s.chat(c); err != nil {
		s.echo.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestChatStreamsFrames(t *testing.T) {
	s, store := newTestServer()

	rec := doChat(t, s, `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{`"user_node_id"`, `"content":"he"`, `"content":"llo"`, `"ai_node_id"`, "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "user_node_id") > strings.Index(body, "ai_node_id") {
		t.Fatal("frames out of order")
	}

	convs, _ := store.ListConversations(context.Background(), "u1")
	if len(convs) != 1 {
		t.Fatalf("expected a persisted conversation, got %d", len(convs))
	}
}

func TestChatRejectsEmptyMessagePreStream(t *testing.T) {
	s, store := newTestServer()

	rec := doChat(t, s, `{"message":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "data:") {
		t.Fatal("validation failure must not open a stream")
	}
	if convs, _ := store.ListConversations(context.Background(), "u1"); len(convs) != 0 {
		t.Fatal("rejected request created state")
	}
}

func TestChatUnknownConversation(t *testing.T) {
	s, _ := newTestServer()
	rec := doChat(t, s, `{"message":"hi","conversation_id":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestChatUnknownParentIsBadRequest(t *testing.T) {
	s, store := newTestServer()
	conv, _ := store.CreateConversation(context.Background(), "u1", "t")

	rec := doChat(t, s, fmt.Sprintf(`{"message":"hi","conversation_id":%q,"parent_id":"ghost"}`, conv.ID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatBadBase64(t *testing.T) {
	s, _ := newTestServer()
	rec := doChat(t, s, `{"message":"hi","files":[{"filename":"a.txt","mime":"text/plain","data":"%%%"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
