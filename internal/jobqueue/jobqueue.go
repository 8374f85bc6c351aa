// Package jobqueue runs background work on a River queue over Postgres.
// Today that is one job kind: indexing uploaded documents into the
// vector knowledge base.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/retrieval"
	"github.com/zhiwei/internal/storage"
)

// IndexFileJobArgs asks the worker to chunk and embed one uploaded file.
type IndexFileJobArgs struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	StorageKey string `json:"storage_key"`
}

// Kind returns the job kind for River
func (IndexFileJobArgs) Kind() string {
	return "index_file"
}

// InsertOpts bounds retries per the environment's queue configuration.
func (IndexFileJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: GetQueueConfig().MaxRetries}
}

// IndexFileWorker embeds uploaded documents into the knowledge base and
// tracks the file record's status through the run.
type IndexFileWorker struct {
	river.WorkerDefaults[IndexFileJobArgs]
	retriever *retrieval.Retriever
	files     *retrieval.FileStore
	blobs     *storage.Store
	log       zerolog.Logger
}

// Work reads the stored file, indexes it and flips the record to
// indexed. Any failure marks the record failed; River handles retries.
func (w *IndexFileWorker) Work(ctx context.Context, job *river.Job[IndexFileJobArgs]) error {
	args := job.Args
	w.log.Info().Str("file_id", args.FileID).Str("file", args.Filename).Msg("indexing file")

	data, err := w.blobs.ReadAll(args.StorageKey)
	if err != nil {
		w.markFailed(ctx, args.FileID)
		return fmt.Errorf("read uploaded file: %w", err)
	}

	chunks, err := w.retriever.IndexFile(ctx, args.FileID, args.Filename, string(data))
	if err != nil {
		w.markFailed(ctx, args.FileID)
		return fmt.Errorf("index file %s: %w", args.FileID, err)
	}

	if err := w.files.SetStatus(ctx, args.FileID, retrieval.StatusIndexed); err != nil {
		return fmt.Errorf("mark file indexed: %w", err)
	}
	w.log.Info().Str("file_id", args.FileID).Int("chunks", chunks).Msg("file indexed")
	return nil
}

// Timeout caps a single indexing run; embedding calls can hang on slow
// providers.
func (w *IndexFileWorker) Timeout(*river.Job[IndexFileJobArgs]) time.Duration {
	return GetQueueConfig().JobTimeout
}

func (w *IndexFileWorker) markFailed(ctx context.Context, fileID string) {
	if err := w.files.SetStatus(ctx, fileID, retrieval.StatusFailed); err != nil {
		w.log.Warn().Err(err).Str("file_id", fileID).Msg("could not mark file failed")
	}
}

// JobQueue manages the River client and its workers.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	log    zerolog.Logger
}

// NewJobQueue creates a queue on the shared pool.
func NewJobQueue(pool *pgxpool.Pool, retriever *retrieval.Retriever, files *retrieval.FileStore, blobs *storage.Store) (*JobQueue, error) {
	config := GetQueueConfig()

	workers := river.NewWorkers()
	river.AddWorker(workers, &IndexFileWorker{
		retriever: retriever,
		files:     files,
		blobs:     blobs,
		log:       logging.Component("jobqueue"),
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, log: logging.Component("jobqueue")}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// QueueIndexFileJob enqueues indexing for an uploaded file.
func (jq *JobQueue) QueueIndexFileJob(ctx context.Context, fileID, filename, storageKey string) error {
	_, err := jq.client.Insert(ctx, IndexFileJobArgs{
		FileID:     fileID,
		Filename:   filename,
		StorageKey: storageKey,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue index job: %w", err)
	}
	return nil
}
