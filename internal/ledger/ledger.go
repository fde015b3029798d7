// Package ledger is the client for the ledger node that records user
// registrations and video metadata.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vidchain/vidchain/internal/wallet"
)

var (
	ErrLedgerQuery  = errors.New("ledger query failed")
	ErrLedgerCommit = errors.New("ledger commit failed")
	ErrReverted     = errors.New("transaction reverted")
	ErrTimeout      = errors.New("ledger call timed out")
)

const (
	MethodGetUser       = "getUser"
	MethodRegisterUser  = "registerUser"
	MethodUploadVideo   = "uploadVideo"
	MethodListAllVideos = "listAllVideos"

	EventVideoUploaded  = "VideoUploaded"
	EventUserRegistered = "UserRegistered"

	StatusSuccess  = "success"
	StatusReverted = "reverted"
)

// Service is the ledger surface the client consumes.
type Service interface {
	// GetUser returns the registered display name, or "" when unregistered.
	GetUser(ctx context.Context, address string) (string, error)
	RegisterUser(ctx context.Context, signer wallet.Signer, name string) (Transaction, error)
	// UploadVideo appends a video; the ledger takes the uploader from the signer.
	UploadVideo(ctx context.Context, signer wallet.Signer, title, description, contentHash string) (Transaction, error)
	ListAllVideos(ctx context.Context) ([]Record, error)
}

// Transaction is a submitted ledger transaction.
type Transaction interface {
	Hash() string
	// Wait blocks until the transaction is finalized or ctx ends.
	Wait(ctx context.Context) (*Receipt, error)
}

type Receipt struct {
	TxHash       string  `json:"transactionHash"`
	Status       string  `json:"status"`
	BlockNumber  uint64  `json:"blockNumber"`
	RevertReason string  `json:"revertReason,omitempty"`
	Events       []Event `json:"events,omitempty"`
}

type Event struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
}

// Field returns the named field of the first event called name.
func (r *Receipt) Field(name, key string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, ev := range r.Events {
		if ev.Name == name {
			v, ok := ev.Fields[key]
			return v, ok
		}
	}
	return "", false
}

// Record is a raw video entry as returned by listAllVideos. Numeric fields
// keep the ledger's decimal encoding; catalog.FromRecord turns them into a Video.
type Record struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentHash string `json:"ipfsHash"`
	Uploader    string `json:"uploader"`
	Timestamp   string `json:"timestamp"`
}

var recordFields = []string{"id", "title", "description", "ipfsHash", "uploader", "timestamp"}

// UnmarshalJSON requires every field to be present. Numbers may be encoded
// as JSON numbers or as decimal strings.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range recordFields {
		if v, ok := raw[f]; !ok || string(v) == "null" {
			return fmt.Errorf("video record missing field %q", f)
		}
	}

	var err error
	if r.ID, err = decodeScalar(raw["id"]); err != nil {
		return fmt.Errorf("video record id: %w", err)
	}
	if r.Timestamp, err = decodeScalar(raw["timestamp"]); err != nil {
		return fmt.Errorf("video record timestamp: %w", err)
	}
	for key, dst := range map[string]*string{
		"title":       &r.Title,
		"description": &r.Description,
		"ipfsHash":    &r.ContentHash,
		"uploader":    &r.Uploader,
	} {
		if err := json.Unmarshal(raw[key], dst); err != nil {
			return fmt.Errorf("video record %s: %w", key, err)
		}
	}
	return nil
}

func decodeScalar(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", fmt.Errorf("expected number or string, got %s", v)
	}
	return n.String(), nil
}
