// Package retrieval manages the vector knowledge base: chunking and
// embedding uploaded documents, similarity search over them, and
// short-lived per-request corpora for oversized attachments.
package retrieval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
	"github.com/tmc/langchaingo/vectorstores/pgvector"

	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/logging"
)

// Snippet is one retrieved chunk with its provenance.
type Snippet struct {
	Content string
	Source  string
	FileID  string
}

// vectorStore is the slice of pgvector.Store the retriever uses; tests
// substitute in-memory fakes.
type vectorStore interface {
	AddDocuments(ctx context.Context, docs []schema.Document, options ...vectorstores.Option) ([]string, error)
	SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error)
}

// storeFactory opens a vector store over the named collection. The
// returned drop function removes the whole collection.
type storeFactory func(ctx context.Context, collection string) (vectorStore, func(context.Context) error, error)

// fileLister resolves the knowledge-base files a user owns. Search uses
// it to scope unfiltered queries to the caller's own documents.
type fileLister interface {
	List(ctx context.Context, userID string) ([]*FileRecord, error)
}

// Retriever is the production entry point for knowledge-base search.
type Retriever struct {
	factory    storeFactory
	files      fileLister
	splitter   textsplitter.TokenSplitter
	collection string
	topK       int
	log        zerolog.Logger
}

// NewEmbedder builds an embedder from the configured embedding model
// entry. OpenAI-compatible and Ollama backends are supported; both
// expose the embedding endpoint langchaingo needs.
func NewEmbedder(cfg *config.Config) (embeddings.Embedder, error) {
	entry, ok := cfg.ModelEntryFor(cfg.RAG.EmbeddingModel)
	if !ok {
		return nil, fmt.Errorf("embedding model %q is not configured", cfg.RAG.EmbeddingModel)
	}
	var client embeddings.EmbedderClient
	var err error
	switch entry.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(entry.APIKey),
			openai.WithEmbeddingModel(entry.Model),
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		client, err = openai.New(opts...)
	case "ollama":
		base := entry.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		client, err = ollama.New(ollama.WithServerURL(base), ollama.WithModel(entry.Model))
	default:
		return nil, fmt.Errorf("provider %q cannot serve embeddings", entry.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	return embeddings.NewEmbedder(client)
}

// NewRetriever wires a retriever to pgvector collections on the given
// pool.
func NewRetriever(pool *pgxpool.Pool, embedder embeddings.Embedder, files *FileStore, cfg *config.Config) *Retriever {
	factory := func(ctx context.Context, collection string) (vectorStore, func(context.Context) error, error) {
		store, err := pgvector.New(ctx,
			pgvector.WithConn(pool),
			pgvector.WithCollectionName(collection),
			pgvector.WithEmbedder(embedder),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open collection %s: %w", collection, err)
		}
		// pgvector only removes collections inside an open transaction.
		drop := func(ctx context.Context) error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin drop tx: %w", err)
			}
			if err := store.RemoveCollection(ctx, tx); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("remove collection %s: %w", collection, err)
			}
			return tx.Commit(ctx)
		}
		return store, drop, nil
	}
	return newRetriever(factory, files, cfg)
}

func newRetriever(factory storeFactory, files fileLister, cfg *config.Config) *Retriever {
	return &Retriever{
		factory: factory,
		files:   files,
		splitter: textsplitter.NewTokenSplitter(
			textsplitter.WithChunkSize(cfg.RAG.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.RAG.ChunkOverlap),
		),
		collection: cfg.RAG.Collection,
		topK:       cfg.RAG.TopK,
		log:        logging.Component("retrieval"),
	}
}

func (r *Retriever) chunk(text, source, fileID string) ([]schema.Document, error) {
	parts, err := r.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	docs := make([]schema.Document, 0, len(parts))
	for _, p := range parts {
		docs = append(docs, schema.Document{
			PageContent: p,
			Metadata: map[string]any{
				"source":  source,
				"file_id": fileID,
			},
		})
	}
	return docs, nil
}

// IndexFile chunks and embeds a document into the shared knowledge
// collection.
func (r *Retriever) IndexFile(ctx context.Context, fileID, filename, text string) (int, error) {
	docs, err := r.chunk(text, filename, fileID)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	store, _, err := r.factory(ctx, r.collection)
	if err != nil {
		return 0, err
	}
	if _, err := store.AddDocuments(ctx, docs); err != nil {
		return 0, fmt.Errorf("index %s: %w", filename, err)
	}
	r.log.Info().Str("file_id", fileID).Int("chunks", len(docs)).Msg("indexed file")
	return len(docs), nil
}

// Search runs similarity search over the knowledge collection. When
// fileIDs is empty the query is scoped to every file userID owns, so
// one user's search can never surface another user's documents. The
// store filter is equality-only, so the set filter over-fetches and
// narrows locally.
func (r *Retriever) Search(ctx context.Context, userID, query string, fileIDs []string) ([]Snippet, error) {
	if len(fileIDs) == 0 {
		if r.files == nil {
			return nil, nil
		}
		recs, err := r.files.List(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("scope search to user files: %w", err)
		}
		for _, rec := range recs {
			fileIDs = append(fileIDs, rec.ID)
		}
		if len(fileIDs) == 0 {
			return nil, nil
		}
	}

	store, _, err := r.factory(ctx, r.collection)
	if err != nil {
		return nil, err
	}

	k := r.topK * 4
	docs, err := store.SimilaritySearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	allowed := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		allowed[id] = true
	}

	var out []Snippet
	for _, d := range docs {
		sn := toSnippet(d)
		if !allowed[sn.FileID] {
			continue
		}
		out = append(out, sn)
		if len(out) == r.topK {
			break
		}
	}
	return out, nil
}

func toSnippet(d schema.Document) Snippet {
	sn := Snippet{Content: d.PageContent}
	if v, ok := d.Metadata["source"].(string); ok {
		sn.Source = v
	}
	if v, ok := d.Metadata["file_id"].(string); ok {
		sn.FileID = v
	}
	return sn
}

// TempCorpus is a throwaway collection holding one request's oversized
// attachments. Callers must Cleanup when the request ends.
type TempCorpus struct {
	name  string
	store vectorStore
	drop  func(context.Context) error
	r     *Retriever
}

// NewTempCorpus opens a uniquely named scratch collection.
func (r *Retriever) NewTempCorpus(ctx context.Context) (*TempCorpus, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate corpus name: %w", err)
	}
	name := "temp-" + hex.EncodeToString(buf[:])
	store, drop, err := r.factory(ctx, name)
	if err != nil {
		return nil, err
	}
	return &TempCorpus{name: name, store: store, drop: drop, r: r}, nil
}

// Name returns the collection name, useful in logs.
func (c *TempCorpus) Name() string { return c.name }

// Add chunks and embeds one document into the corpus.
func (c *TempCorpus) Add(ctx context.Context, filename, text string) error {
	docs, err := c.r.chunk(text, filename, "")
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := c.store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("add to corpus %s: %w", c.name, err)
	}
	return nil
}

// Search retrieves the most relevant corpus chunks for the query.
func (c *TempCorpus) Search(ctx context.Context, query string) ([]Snippet, error) {
	docs, err := c.store.SimilaritySearch(ctx, query, c.r.topK)
	if err != nil {
		return nil, fmt.Errorf("search corpus %s: %w", c.name, err)
	}
	out := make([]Snippet, 0, len(docs))
	for _, d := range docs {
		out = append(out, toSnippet(d))
	}
	return out, nil
}

// Cleanup drops the corpus collection. Errors are logged, not returned:
// the response is already on its way out and a leaked scratch collection
// must never fail the request.
func (c *TempCorpus) Cleanup(ctx context.Context) {
	if err := c.drop(ctx); err != nil {
		c.r.log.Warn().Err(err).Str("collection", c.name).Msg("failed to drop temp corpus")
	}
}
