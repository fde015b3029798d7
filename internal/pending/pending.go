// Package pending records uploads whose content reached the store but whose
// ledger commit has not finalized yet, so the commit can be retried without
// uploading the file again.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidchain/vidchain/internal/database"
)

var ErrNotFound = errors.New("pending upload not found")

// Uploads are keyed by content hash and owner. Two addresses publishing the
// same bytes get the same content hash but keep separate records.
type Upload struct {
	ContentHash string    `json:"contentHash"`
	Owner       string    `json:"owner"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Filename    string    `json:"filename"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Store interface {
	Save(ctx context.Context, u Upload) error
	MarkFailed(ctx context.Context, owner, contentHash string, cause error) error
	Get(ctx context.Context, owner, contentHash string) (Upload, error)
	Delete(ctx context.Context, owner, contentHash string) error
	List(ctx context.Context, owner string) ([]Upload, error)
}

// PostgresStore keeps pending uploads in the pending_uploads table.
type PostgresStore struct {
	db database.DBTX
}

func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts u, or refreshes the metadata of an upload already recorded
// under the same content hash and owner.
func (s *PostgresStore) Save(ctx context.Context, u Upload) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pending_uploads (content_hash, owner, title, description, filename)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (content_hash, lower(owner)) DO UPDATE
		 SET title = EXCLUDED.title, description = EXCLUDED.description,
		     filename = EXCLUDED.filename, updated_at = now()`,
		u.ContentHash, u.Owner, u.Title, u.Description, u.Filename,
	)
	if err != nil {
		return fmt.Errorf("save pending upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, owner, contentHash string, cause error) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_uploads SET last_error = $3, attempts = attempts + 1, updated_at = now()
		 WHERE content_hash = $1 AND lower(owner) = lower($2)`,
		contentHash, owner, errorText(cause),
	)
	if err != nil {
		return fmt.Errorf("mark pending upload failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, owner, contentHash string) (Upload, error) {
	var u Upload
	var lastError *string
	err := s.db.QueryRow(ctx,
		`SELECT content_hash, owner, title, description, filename, last_error, attempts, created_at, updated_at
		 FROM pending_uploads WHERE content_hash = $1 AND lower(owner) = lower($2)`,
		contentHash, owner,
	).Scan(&u.ContentHash, &u.Owner, &u.Title, &u.Description, &u.Filename, &lastError, &u.Attempts, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, fmt.Errorf("get pending upload: %w", err)
	}
	if lastError != nil {
		u.LastError = *lastError
	}
	return u, nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner, contentHash string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM pending_uploads WHERE content_hash = $1 AND lower(owner) = lower($2)`,
		contentHash, owner,
	)
	if err != nil {
		return fmt.Errorf("delete pending upload: %w", err)
	}
	return nil
}

// List returns the owner's pending uploads, oldest first. An empty owner
// lists every pending upload.
func (s *PostgresStore) List(ctx context.Context, owner string) ([]Upload, error) {
	rows, err := s.db.Query(ctx,
		`SELECT content_hash, owner, title, description, filename, last_error, attempts, created_at, updated_at
		 FROM pending_uploads
		 WHERE $1 = '' OR lower(owner) = lower($1)
		 ORDER BY created_at, content_hash, lower(owner)`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	defer rows.Close()

	uploads := []Upload{}
	for rows.Next() {
		var u Upload
		var lastError *string
		if err := rows.Scan(&u.ContentHash, &u.Owner, &u.Title, &u.Description, &u.Filename, &lastError, &u.Attempts, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending upload: %w", err)
		}
		if lastError != nil {
			u.LastError = *lastError
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending uploads: %w", err)
	}
	return uploads, nil
}

// MemoryStore is the Store used when no database is configured. Its contents
// do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	uploads map[memoryKey]Upload
	now     func() time.Time
}

type memoryKey struct {
	contentHash string
	owner       string
}

func keyOf(owner, contentHash string) memoryKey {
	return memoryKey{contentHash: contentHash, owner: strings.ToLower(owner)}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{uploads: make(map[memoryKey]Upload), now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, u Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := keyOf(u.Owner, u.ContentHash)
	if existing, ok := s.uploads[key]; ok {
		u.CreatedAt = existing.CreatedAt
		u.Attempts = existing.Attempts
		u.LastError = existing.LastError
	} else {
		u.CreatedAt = now
		u.Attempts = 0
		u.LastError = ""
	}
	u.UpdatedAt = now
	s.uploads[key] = u
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, owner, contentHash string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(owner, contentHash)
	u, ok := s.uploads[key]
	if !ok {
		return ErrNotFound
	}
	u.Attempts++
	u.LastError = errorText(cause)
	u.UpdatedAt = s.now().UTC()
	s.uploads[key] = u
	return nil
}

func (s *MemoryStore) Get(_ context.Context, owner, contentHash string) (Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[keyOf(owner, contentHash)]
	if !ok {
		return Upload{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) Delete(_ context.Context, owner, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, keyOf(owner, contentHash))
	return nil
}

func (s *MemoryStore) List(_ context.Context, owner string) ([]Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uploads := []Upload{}
	for _, u := range s.uploads {
		if owner == "" || strings.EqualFold(u.Owner, owner) {
			uploads = append(uploads, u)
		}
	}
	sort.Slice(uploads, func(i, j int) bool {
		if !uploads[i].CreatedAt.Equal(uploads[j].CreatedAt) {
			return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
		}
		if uploads[i].ContentHash != uploads[j].ContentHash {
			return uploads[i].ContentHash < uploads[j].ContentHash
		}
		return strings.ToLower(uploads[i].Owner) < strings.ToLower(uploads[j].Owner)
	})
	return uploads, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
