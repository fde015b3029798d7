// Package storage uploads media to a content-addressed store and builds
// gateway URLs for stored content.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrUpload             = errors.New("storage upload failed")
	ErrCredentialsExpired = errors.New("storage credentials expired")
	ErrInvalidContentHash = errors.New("invalid content hash")
)

// Store is a content-addressed store. Put returns the content address of the
// bytes it stored.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	URL(contentHash string) string
}

// RejectedError means the store answered but refused the payload. It is
// distinct from transport failures, which wrap ErrUpload directly.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("store rejected upload with status %d", e.StatusCode)
	}
	return fmt.Sprintf("store rejected upload with status %d: %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrUpload }

// GatewayURL joins a gateway base and a content hash.
func GatewayURL(base, contentHash string) string {
	return strings.TrimRight(base, "/") + "/" + contentHash
}
