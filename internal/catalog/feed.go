package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vidchain/vidchain/internal/metrics"
)

// DefaultRefreshInterval is used by Run when given a non-positive interval.
const DefaultRefreshInterval = 30 * time.Second

// defaultFetchTimeout bounds a fetch once it has been detached from the
// caller that started it.
const defaultFetchTimeout = time.Minute

type Fetcher interface {
	FetchAll(ctx context.Context) ([]Video, error)
}

// Snapshot is an accepted catalog. Its Videos slice is never modified after
// it is published; refreshes replace the snapshot wholesale.
type Snapshot struct {
	Videos    []Video   `json:"videos"`
	Token     uint64    `json:"token"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Feed holds the latest catalog snapshot. Every refresh is tagged with a
// monotonically increasing token; a completion is accepted only if no newer
// refresh has started since.
type Feed struct {
	fetcher      Fetcher
	metrics      *metrics.Metrics
	now          func() time.Time
	fetchTimeout time.Duration

	mu        sync.Mutex
	issued    uint64
	snapshot  Snapshot
	lastErr   error
	published chan struct{} // closed and replaced whenever a snapshot is published
}

func NewFeed(f Fetcher, m *metrics.Metrics) *Feed {
	return &Feed{
		fetcher:      f,
		metrics:      m,
		now:          time.Now,
		fetchTimeout: defaultFetchTimeout,
		snapshot:     Snapshot{Videos: []Video{}},
		published:    make(chan struct{}),
	}
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

// Refresh fetches the catalog and publishes it as the new snapshot. A failed
// fetch publishes the empty catalog and returns the error.
//
// If a newer refresh started meanwhile, this result is dropped and Refresh
// waits for a newer snapshot to be published, returning it together with the
// error that refresh reported. A caller never gets back a snapshot older than
// the one its own fetch would have produced.
//
// The fetch is detached from ctx so that a caller going away does not fail
// the refresh for everyone waiting on it; ctx only bounds the wait.
func (f *Feed) Refresh(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	f.issued++
	token := f.issued
	f.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.fetchTimeout)
	videos, err := f.fetcher.FetchAll(fetchCtx)
	cancel()

	f.mu.Lock()
	defer f.mu.Unlock()

	if token != f.issued {
		f.metrics.IncStaleFetches()
		slog.Debug("catalog: discarding superseded refresh", "token", token, "latest", f.issued)
		return f.awaitNewer(ctx, token)
	}

	if err != nil {
		slog.Error("catalog: refresh failed", "token", token, "error", err)
		f.publish(Snapshot{Videos: []Video{}, Token: token, FetchedAt: f.now().UTC()}, err)
		return f.snapshot, err
	}
	if videos == nil {
		videos = []Video{}
	}
	f.publish(Snapshot{Videos: videos, Token: token, FetchedAt: f.now().UTC()}, nil)
	return f.snapshot, nil
}

// publish must be called with mu held.
func (f *Feed) publish(snap Snapshot, err error) {
	f.snapshot = snap
	f.lastErr = err
	close(f.published)
	f.published = make(chan struct{})
}

// awaitNewer must be called with mu held; it returns with mu held.
func (f *Feed) awaitNewer(ctx context.Context, token uint64) (Snapshot, error) {
	for f.snapshot.Token <= token {
		ch := f.published
		f.mu.Unlock()
		select {
		case <-ch:
			f.mu.Lock()
		case <-ctx.Done():
			f.mu.Lock()
			return Snapshot{Videos: []Video{}}, ctx.Err()
		}
	}
	return f.snapshot, f.lastErr
}

// Run refreshes the feed every interval until ctx is cancelled.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		slog.Warn("catalog: non-positive refresh interval, using default", "interval", interval, "default", DefaultRefreshInterval)
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("catalog: background refresh degraded to empty catalog", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
