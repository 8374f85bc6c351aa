// Package aggregator assembles the auxiliary context for one chat turn:
// web search results, knowledge-base retrieval, inline attachment text
// and excerpts from oversized attachments. Sources run concurrently and
// fail independently; the merged context always lists them in the same
// order so the model sees a stable layout.
package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/retrieval"
)

// InlineLimit is the largest attachment embedded directly into the
// prompt. Bigger text files go through a throwaway retrieval corpus.
const InlineLimit = 5 * 1024 * 1024

// File is one decoded attachment.
type File struct {
	Filename string
	Mime     string
	Data     []byte
}

// Options selects which sources run for a turn.
type Options struct {
	EnableSearch bool
	EnableRAG    bool
	FileIDs      []string // restrict RAG to these knowledge-base files
}

// Result is the gathered context. Cleanup must be called when the turn
// ends; it tears down any scratch corpus.
type Result struct {
	Context     string
	SearchQuery string
	ImageParts  []llms.ContentPart
	Cleanup     func(context.Context)
}

type searchSource interface {
	Run(ctx context.Context, message string) (query, results string, err error)
}

type ragSource interface {
	Search(ctx context.Context, userID, query string, fileIDs []string) ([]retrieval.Snippet, error)
}

// TempCorpus is the scratch-collection surface the aggregator needs.
type TempCorpus interface {
	Add(ctx context.Context, filename, text string) error
	Search(ctx context.Context, query string) ([]retrieval.Snippet, error)
	Cleanup(ctx context.Context)
}

// CorpusOpener creates scratch corpora for oversized attachments.
type CorpusOpener interface {
	NewTempCorpus(ctx context.Context) (TempCorpus, error)
}

// NewCorpusOpener adapts a retriever into a CorpusOpener.
func NewCorpusOpener(r *retrieval.Retriever) CorpusOpener {
	return retrieverOpener{r}
}

type retrieverOpener struct{ r *retrieval.Retriever }

func (o retrieverOpener) NewTempCorpus(ctx context.Context) (TempCorpus, error) {
	return o.r.NewTempCorpus(ctx)
}

// Aggregator fans requests out to the configured sources.
type Aggregator struct {
	search  searchSource
	rag     ragSource
	corpora CorpusOpener
	log     zerolog.Logger
}

// New creates an aggregator. Any source may be nil; requests asking for
// a missing source simply skip it.
func New(search searchSource, rag ragSource, corpora CorpusOpener) *Aggregator {
	return &Aggregator{
		search:  search,
		rag:     rag,
		corpora: corpora,
		log:     logging.Component("aggregator"),
	}
}

// Classify splits attachments into text and image files so handlers can
// gate requests before any state is written. Image attachments require
// a multimodal model; document formats with a known loader are parsed
// to plain text; a file yielding no text at all is skipped with a log
// line rather than failing the turn.
func Classify(ctx context.Context, files []File, multimodal bool, model string) (texts, images []File, err error) {
	log := logging.Component("aggregator")
	for _, f := range files {
		if strings.HasPrefix(f.Mime, "image/") {
			if !multimodal {
				return nil, nil, &modelhub.CapabilityError{
					Model:  model,
					Reason: fmt.Sprintf("attachment %q requires a multimodal model", f.Filename),
				}
			}
			images = append(images, f)
			continue
		}
		text, ok := extractText(ctx, f)
		if !ok {
			log.Warn().Str("file", f.Filename).Msg("skipping attachment with no extractable text")
			continue
		}
		f.Data = text
		texts = append(texts, f)
	}
	return texts, images, nil
}

// extractText pulls plain text out of a non-image attachment. PDFs go
// through the document loader; everything else must already be valid
// UTF-8.
func extractText(ctx context.Context, f File) ([]byte, bool) {
	if f.Mime == "application/pdf" || strings.HasSuffix(strings.ToLower(f.Filename), ".pdf") {
		docs, err := documentloaders.NewPDF(bytes.NewReader(f.Data), int64(len(f.Data))).Load(ctx)
		if err == nil {
			var b strings.Builder
			for i, d := range docs {
				if i > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(d.PageContent)
			}
			return []byte(b.String()), true
		}
	}
	if utf8.Valid(f.Data) {
		return f.Data, true
	}
	return nil, false
}

// Gather collects all requested context for userID's message.
// Individual source failures are logged and leave their section out;
// only corpus setup for oversized files can fail the call.
func (a *Aggregator) Gather(ctx context.Context, userID, message string, texts, images []File, opts Options) (*Result, error) {
	res := &Result{Cleanup: func(context.Context) {}}

	var inline, oversized []File
	for _, f := range texts {
		if len(f.Data) > InlineLimit {
			oversized = append(oversized, f)
		} else {
			inline = append(inline, f)
		}
	}

	var corpus TempCorpus
	if len(oversized) > 0 {
		if a.corpora == nil {
			return nil, fmt.Errorf("oversized attachments need a retrieval backend")
		}
		var err error
		corpus, err = a.corpora.NewTempCorpus(ctx)
		if err != nil {
			return nil, fmt.Errorf("open scratch corpus: %w", err)
		}
		res.Cleanup = corpus.Cleanup
	}

	var (
		wg            sync.WaitGroup
		searchResults string
		ragSnippets   []retrieval.Snippet
		bigSnippets   []retrieval.Snippet
	)

	if opts.EnableSearch && a.search != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query, results, err := a.search.Run(ctx, message)
			if err != nil {
				a.log.Warn().Err(err).Msg("web search failed, continuing without it")
				return
			}
			res.SearchQuery = query
			searchResults = results
		}()
	}

	// Naming knowledge-base files implies retrieval even without the flag.
	if (opts.EnableRAG || len(opts.FileIDs) > 0) && a.rag != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snippets, err := a.rag.Search(ctx, userID, message, opts.FileIDs)
			if err != nil {
				a.log.Warn().Err(err).Msg("knowledge retrieval failed, continuing without it")
				return
			}
			ragSnippets = snippets
		}()
	}

	if corpus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var g errgroup.Group
			for _, f := range oversized {
				f := f
				g.Go(func() error {
					if err := corpus.Add(ctx, f.Filename, string(f.Data)); err != nil {
						a.log.Warn().Err(err).Str("file", f.Filename).Msg("failed to ingest oversized attachment")
					}
					return nil
				})
			}
			_ = g.Wait()
			snippets, err := corpus.Search(ctx, message)
			if err != nil {
				a.log.Warn().Err(err).Msg("scratch corpus search failed, continuing without it")
				return
			}
			bigSnippets = snippets
		}()
	}

	wg.Wait()

	res.Context = merge(searchResults, ragSnippets, inline, bigSnippets)

	for _, img := range images {
		res.ImageParts = append(res.ImageParts, llms.BinaryPart(img.Mime, img.Data))
	}
	return res, nil
}

// merge renders the sections in their fixed order: web search, knowledge
// base, inline attachments, oversized-attachment excerpts.
func merge(searchResults string, rag []retrieval.Snippet, inline []File, big []retrieval.Snippet) string {
	var b strings.Builder

	if searchResults != "" {
		b.WriteString("[Web search results]\n")
		b.WriteString(searchResults)
		b.WriteString("\n\n")
	}
	if len(rag) > 0 {
		b.WriteString("[Knowledge base]\n")
		for _, sn := range rag {
			if sn.Source != "" {
				fmt.Fprintf(&b, "(%s) ", sn.Source)
			}
			b.WriteString(sn.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	for _, f := range inline {
		fmt.Fprintf(&b, "[Attached file: %s]\n", f.Filename)
		b.Write(f.Data)
		b.WriteString("\n\n")
	}
	if len(big) > 0 {
		b.WriteString("[Excerpts from large attachments]\n")
		for _, sn := range big {
			if sn.Source != "" {
				fmt.Fprintf(&b, "(%s) ", sn.Source)
			}
			b.WriteString(sn.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
