// Package catalog reads the video catalog from the ledger and filters it.
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/storage"
)

type Video struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentHash string `json:"contentHash"`
	Uploader    string `json:"uploader"`
	Timestamp   int64  `json:"timestamp"`
}

// Time is the ledger timestamp in UTC.
func (v Video) Time() time.Time {
	return time.Unix(v.Timestamp, 0).UTC()
}

func (v Video) URL(gateway string) string {
	return storage.GatewayURL(gateway, v.ContentHash)
}

// FromRecord maps a raw ledger record. It fails rather than guessing when a
// numeric field does not parse or an identifying field is empty.
func FromRecord(r ledger.Record) (Video, error) {
	id, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil {
		return Video{}, fmt.Errorf("video id %q: %w", r.ID, err)
	}
	ts, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return Video{}, fmt.Errorf("video %d timestamp %q: %w", id, r.Timestamp, err)
	}
	if r.ContentHash == "" {
		return Video{}, fmt.Errorf("video %d has no content hash", id)
	}
	if r.Uploader == "" {
		return Video{}, fmt.Errorf("video %d has no uploader", id)
	}
	return Video{
		ID:          id,
		Title:       r.Title,
		Description: r.Description,
		ContentHash: r.ContentHash,
		Uploader:    r.Uploader,
		Timestamp:   ts,
	}, nil
}

type Lister interface {
	ListAllVideos(ctx context.Context) ([]ledger.Record, error)
}

// Reader fetches the whole catalog in one ledger read. There is no
// pagination.
type Reader struct {
	ledger  Lister
	metrics *metrics.Metrics
}

func NewReader(l Lister, m *metrics.Metrics) *Reader {
	return &Reader{ledger: l, metrics: m}
}

// FetchAll returns every video in ledger order. A single malformed record
// fails the whole fetch with ledger.ErrLedgerQuery.
func (r *Reader) FetchAll(ctx context.Context) ([]Video, error) {
	records, err := r.ledger.ListAllVideos(ctx)
	if err != nil {
		r.metrics.ObserveCatalogFetch("error", 0)
		return nil, err
	}

	videos := make([]Video, 0, len(records))
	for i, rec := range records {
		v, err := FromRecord(rec)
		if err != nil {
			r.metrics.ObserveCatalogFetch("error", 0)
			return nil, fmt.Errorf("%w: record %d: %w", ledger.ErrLedgerQuery, i, err)
		}
		videos = append(videos, v)
	}
	r.metrics.ObserveCatalogFetch("ok", len(videos))
	return videos, nil
}
