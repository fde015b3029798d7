// Package publish runs the two-phase publish: the file goes to the
// content-addressed store first, then its content address is committed to
// the ledger together with the title and description.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/pending"
	"github.com/vidchain/vidchain/internal/storage"
	"github.com/vidchain/vidchain/internal/validate"
	"github.com/vidchain/vidchain/internal/wallet"
	"github.com/vidchain/vidchain/internal/webhook"
)

var (
	ErrInvalid      = errors.New("invalid upload")
	ErrFileTooLarge = errors.New("file too large")
)

// ValidationError reports a missing or malformed input. Nothing was uploaded.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// UploadError means the store phase failed. The ledger was not touched.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload to store: " + e.Err.Error() }

func (e *UploadError) Unwrap() []error { return []error{storage.ErrUpload, e.Err} }

// CommitError means the content is stored but the ledger commit failed or did
// not finalize. ContentHash identifies the orphaned upload for a retry.
type CommitError struct {
	ContentHash string
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s to ledger: %v", e.ContentHash, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ledger.ErrLedgerCommit, e.Err} }

type Upload struct {
	File        io.Reader
	Filename    string
	Title       string
	Description string
}

// Draft is stored content that has not been committed to the ledger yet.
type Draft struct {
	ContentHash string
	Title       string
	Description string
	Filename    string
}

type Result struct {
	VideoID     string `json:"videoId,omitempty"`
	ContentHash string `json:"contentHash"`
	TxHash      string `json:"txHash"`
	URL         string `json:"url"`
	Uploader    string `json:"uploader"`
}

type Ledger interface {
	UploadVideo(ctx context.Context, signer wallet.Signer, title, description, contentHash string) (ledger.Transaction, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, owner string, event webhook.Event) error
}

type Options struct {
	// Pending defaults to an in-memory store.
	Pending  pending.Store
	Notifier Notifier
	Metrics  *metrics.Metrics
	// FinalizeTimeout bounds the wait for the commit transaction. Zero means
	// the caller's context alone bounds it.
	FinalizeTimeout time.Duration
	// MaxUploadBytes rejects larger files. Zero disables the limit.
	MaxUploadBytes int64
}

type Publisher struct {
	store           storage.Store
	ledger          Ledger
	pending         pending.Store
	notifier        Notifier
	metrics         *metrics.Metrics
	finalizeTimeout time.Duration
	maxUploadBytes  int64
	now             func() time.Time
}

func New(store storage.Store, l Ledger, opts Options) *Publisher {
	p := &Publisher{
		store:           store,
		ledger:          l,
		pending:         opts.Pending,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		finalizeTimeout: opts.FinalizeTimeout,
		maxUploadBytes:  opts.MaxUploadBytes,
		now:             time.Now,
	}
	if p.pending == nil {
		p.pending = pending.NewMemoryStore()
	}
	return p
}

// Publish uploads the file and then commits its content address. The commit
// never starts unless the upload produced a content address.
func (p *Publisher) Publish(ctx context.Context, session *wallet.Session, u Upload) (Result, error) {
	if err := session.Ready(); err != nil {
		return Result{}, err
	}
	draft, err := checkUpload(u)
	if err != nil {
		p.metrics.ObservePublish("validation")
		return Result{}, err
	}

	body := u.File
	var limited *limitReader
	if p.maxUploadBytes > 0 {
		limited = &limitReader{r: u.File, remaining: p.maxUploadBytes}
		body = limited
	}

	hash, err := p.store.Put(ctx, draft.Filename, body)
	if limited != nil && limited.exceeded {
		p.metrics.ObservePublish("validation")
		return Result{}, &ValidationError{Field: "file", Message: fmt.Sprintf("file must be %d bytes or fewer", p.maxUploadBytes)}
	}
	if err != nil {
		p.metrics.ObservePublish("storage")
		slog.Error("publish: store phase failed", "address", session.Address, "filename", draft.Filename, "error", err)
		return Result{}, &UploadError{Err: err}
	}
	draft.ContentHash = hash
	slog.Info("publish: content stored", "address", session.Address, "content_hash", hash)

	if err := p.pending.Save(ctx, pending.Upload{
		ContentHash: hash,
		Owner:       session.Address,
		Title:       draft.Title,
		Description: draft.Description,
		Filename:    draft.Filename,
	}); err != nil {
		slog.Warn("publish: could not record pending upload", "content_hash", hash, "error", err)
	}

	return p.commit(ctx, session, draft)
}

// Commit runs only the ledger phase for content that is already stored.
func (p *Publisher) Commit(ctx context.Context, session *wallet.Session, d Draft) (Result, error) {
	if err := session.Ready(); err != nil {
		return Result{}, err
	}
	if _, err := storage.ParseContentHash(d.ContentHash); err != nil {
		p.metrics.ObservePublish("validation")
		return Result{}, &ValidationError{Field: "contentHash", Message: "content hash is not a valid content address"}
	}
	title, description, err := checkText(d.Title, d.Description)
	if err != nil {
		p.metrics.ObservePublish("validation")
		return Result{}, err
	}
	d.Title, d.Description = title, description
	return p.commit(ctx, session, d)
}

// Retry commits a pending upload recorded for the session address. Uploads
// recorded by other addresses are reported as pending.ErrNotFound.
func (p *Publisher) Retry(ctx context.Context, session *wallet.Session, contentHash string) (Result, error) {
	if err := session.Ready(); err != nil {
		return Result{}, err
	}
	u, err := p.pending.Get(ctx, session.Address, contentHash)
	if err != nil {
		return Result{}, err
	}
	return p.Commit(ctx, session, Draft{
		ContentHash: u.ContentHash,
		Title:       u.Title,
		Description: u.Description,
		Filename:    u.Filename,
	})
}

// Pending lists uploads stored for owner whose commit has not finalized.
func (p *Publisher) Pending(ctx context.Context, owner string) ([]pending.Upload, error) {
	return p.pending.List(ctx, owner)
}

func (p *Publisher) commit(ctx context.Context, session *wallet.Session, d Draft) (Result, error) {
	tx, err := p.ledger.UploadVideo(ctx, session.Signer, d.Title, d.Description, d.ContentHash)
	if err != nil {
		return Result{}, p.commitFailed(ctx, session, d, err)
	}

	waitCtx := ctx
	if p.finalizeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.finalizeTimeout)
		defer cancel()
	}
	receipt, err := tx.Wait(waitCtx)
	if err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ledger.ErrTimeout) {
			err = fmt.Errorf("%w: waiting for %s: %w", ledger.ErrTimeout, tx.Hash(), err)
		}
		return Result{}, p.commitFailed(ctx, session, d, err)
	}

	videoID, _ := receipt.Field(ledger.EventVideoUploaded, "id")
	res := Result{
		VideoID:     videoID,
		ContentHash: d.ContentHash,
		TxHash:      tx.Hash(),
		URL:         p.store.URL(d.ContentHash),
		Uploader:    session.Address,
	}

	if err := p.pending.Delete(ctx, session.Address, d.ContentHash); err != nil {
		slog.Warn("publish: could not clear pending upload", "content_hash", d.ContentHash, "error", err)
	}
	p.metrics.ObservePublish("ok")
	slog.Info("publish: video committed", "address", session.Address, "video_id", videoID, "tx", res.TxHash)

	p.announce(session.Address, d, res)
	return res, nil
}

func (p *Publisher) commitFailed(ctx context.Context, session *wallet.Session, d Draft, err error) error {
	p.metrics.ObservePublish("commit")
	slog.Error("publish: commit phase failed", "address", session.Address, "content_hash", d.ContentHash, "error", err)
	if mErr := p.pending.MarkFailed(ctx, session.Address, d.ContentHash, err); mErr != nil && !errors.Is(mErr, pending.ErrNotFound) {
		slog.Warn("publish: could not record commit failure", "content_hash", d.ContentHash, "error", mErr)
	}
	return &CommitError{ContentHash: d.ContentHash, Err: err}
}

func (p *Publisher) announce(owner string, d Draft, res Result) {
	if p.notifier == nil {
		return
	}
	event := webhook.Event{
		Name:      webhook.EventVideoPublished,
		Timestamp: p.now().UTC(),
		Data: map[string]any{
			"videoId":     res.VideoID,
			"title":       d.Title,
			"contentHash": res.ContentHash,
			"txHash":      res.TxHash,
			"url":         res.URL,
			"uploader":    owner,
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.notifier.Dispatch(ctx, owner, event); err != nil {
			slog.Error("webhook: dispatch failed", "owner", owner, "event", event.Name, "error", err)
		}
	}()
}

func checkUpload(u Upload) (Draft, error) {
	if u.File == nil {
		return Draft{}, &ValidationError{Field: "file", Message: "file is required"}
	}
	title, description, err := checkText(u.Title, u.Description)
	if err != nil {
		return Draft{}, err
	}
	filename := strings.TrimSpace(u.Filename)
	if msg := validate.Filename(filename); msg != "" {
		return Draft{}, &ValidationError{Field: "filename", Message: msg}
	}
	return Draft{Title: title, Description: description, Filename: filename}, nil
}

func checkText(title, description string) (string, string, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" {
		return "", "", &ValidationError{Field: "title", Message: "title is required"}
	}
	if description == "" {
		return "", "", &ValidationError{Field: "description", Message: "description is required"}
	}
	if msg := validate.Title(title); msg != "" {
		return "", "", &ValidationError{Field: "title", Message: msg}
	}
	if msg := validate.Description(description); msg != "" {
		return "", "", &ValidationError{Field: "description", Message: msg}
	}
	return title, description, nil
}

// limitReader fails the read that would cross the byte limit.
type limitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Probe for one more byte to tell an exact-size file from an oversized one.
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, ErrFileTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
