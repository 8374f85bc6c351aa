package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File indexing states.
const (
	StatusPending = "pending"
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

// ErrFileNotFound is returned for unknown or deleted file records.
var ErrFileNotFound = errors.New("file not found")

// FileRecord tracks one uploaded knowledge-base document.
type FileRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Filename  string    `json:"filename"`
	FilePath  string    `json:"-"`
	SizeBytes int64     `json:"size_bytes"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore persists file records on the management database handle.
type FileStore struct {
	db *sql.DB
}

// NewFileStore creates a store over db.
func NewFileStore(db *sql.DB) *FileStore {
	return &FileStore{db: db}
}

// Create inserts a record in pending state and returns it.
func (s *FileStore) Create(ctx context.Context, userID, filename, filePath string, size int64) (*FileRecord, error) {
	rec := &FileRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  filename,
		FilePath:  filePath,
		SizeBytes: size,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (id, user_id, filename, file_path, size_bytes, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.Filename, rec.FilePath, rec.SizeBytes, rec.Status, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create file record: %w", err)
	}
	return rec, nil
}

// Get returns a live record by id.
func (s *FileStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(user_id, ''), filename, file_path, size_bytes, status, created_at
		 FROM file_records WHERE id = $1 AND NOT is_deleted`,
		id).Scan(&rec.ID, &rec.UserID, &rec.Filename, &rec.FilePath, &rec.SizeBytes, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the caller's live records, newest first.
func (s *FileStore) List(ctx context.Context, userID string) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(user_id, ''), filename, file_path, size_bytes, status, created_at
		 FROM file_records WHERE user_id = $1 AND NOT is_deleted
		 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Filename, &rec.FilePath, &rec.SizeBytes, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SetStatus transitions a record's indexing state.
func (s *FileStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET status = $2 WHERE id = $1 AND NOT is_deleted`,
		id, status)
	if err != nil {
		return fmt.Errorf("set file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Delete soft-deletes a record.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET is_deleted = TRUE WHERE id = $1 AND NOT is_deleted`,
		id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}
