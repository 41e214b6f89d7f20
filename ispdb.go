// Package ispdb resolves IP addresses to the Autonomous System that
// announces them and the organization that owns it.
//
// A Reader downloads two public routing-registry datasets, builds an
// in-memory longest-prefix-match index from them and answers point queries.
// The raw datasets are kept as timestamped snapshots in a cache directory so
// that restarts within the refresh interval need no network access.
//
//	r, err := ispdb.NewReader(ctx, ispdb.WithCacheDir("/var/cache/ispdb"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := r.LookupString(ctx, "203.0.113.42")
//	if err == nil && res.Found {
//	    fmt.Println(res.ASN, res.Organization)
//	}
package ispdb

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Result is the answer to a lookup. Found is false when no prefix in the
// index covers the address; that is not an error.
type Result struct {
	Address      string // canonical form of the queried address
	Found        bool
	ASN          uint32
	Organization string       // "" when the AS number has no known organization
	Network      netip.Prefix // most specific covering prefix
}

// Reader is an auto-fetching, auto-refreshing AS lookup database.
// Safe for concurrent use.
//
// Each Reader owns its index. Lookups read the current index under a read
// lock; a refresh builds the replacement outside the lock and swaps it in,
// so in-flight lookups keep using the old index until they finish.
type Reader struct {
	config  *Config
	log     *zap.Logger
	fetcher Fetcher
	store   *snapshotStore
	now     func() time.Time

	refreshGroup singleflight.Group
	busy         atomic.Int32 // refreshes in progress

	mu          sync.RWMutex
	index       *Index
	lastRefresh int64 // Unix seconds; 0 means never
}

// NewReader creates a Reader with data loaded into memory.
//
// It restores the newest valid snapshot from the cache directory when that
// snapshot is younger than the refresh interval, and downloads fresh data
// otherwise.
func NewReader(ctx context.Context, opts ...Option) (*Reader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Reader{
		config:  cfg,
		log:     cfg.logger,
		fetcher: cfg.fetcher,
		now:     cfg.now,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.fetcher == nil {
		r.fetcher = NewHTTPFetcher(cfg.FetchTimeout)
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.store = &snapshotStore{
		dir:  cfg.cacheDir(),
		sets: datasets(cfg),
		keep: cfg.KeepSnapshots,
		log:  r.log,
	}

	if err := r.store.prepare(); err != nil {
		return nil, err
	}
	ts, err := r.store.latest()
	if err != nil {
		return nil, err
	}

	if ts != 0 && !r.staleAt(ts, r.now()) {
		err := r.loadSnapshot(ts)
		if err == nil {
			return r, nil
		}
		r.log.Warn("unusable snapshot, refreshing", zap.Int64("timestamp", ts), zap.Error(err))
		ts = 0
	}

	if err := r.Refresh(ctx); err != nil {
		if !cfg.ServeStale || ts == 0 {
			return nil, err
		}
		r.log.Warn("refresh failed, serving stale snapshot", zap.Int64("timestamp", ts), zap.Error(err))
		if loadErr := r.loadSnapshot(ts); loadErr != nil {
			return nil, errors.Join(err, loadErr)
		}
	}
	return r, nil
}

// loadSnapshot builds the index from the snapshot with timestamp ts and
// makes it current.
func (r *Reader) loadSnapshot(ts int64) error {
	snap, err := r.store.load(ts)
	if err != nil {
		return err
	}
	ix, err := BuildIndex(snap.ASOrganizations, snap.PrefixASN)
	if err != nil {
		return err
	}
	r.swap(ix, ts)
	r.log.Info("loaded snapshot", append(statsFields(ix.Stats()), zap.Int64("timestamp", ts))...)
	return nil
}

func (r *Reader) swap(ix *Index, ts int64) {
	r.mu.Lock()
	r.index = ix
	r.lastRefresh = ts
	r.mu.Unlock()
}

func (r *Reader) current() (*Index, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index, r.lastRefresh
}

// staleAt reports whether data refreshed at ts has expired at now.
func (r *Reader) staleAt(ts int64, now time.Time) bool {
	if ts == 0 {
		return true
	}
	return now.Unix()-ts > r.config.ttlSeconds()
}

// Stale reports whether the next lookup will trigger a refresh.
func (r *Reader) Stale() bool {
	_, ts := r.current()
	return r.staleAt(ts, r.now())
}

// LastRefresh returns when the current data was fetched. The zero Time
// means no data has been loaded.
func (r *Reader) LastRefresh() time.Time {
	_, ts := r.current()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// IsBusy reports whether a refresh is in progress.
func (r *Reader) IsBusy() bool {
	return r.busy.Load() > 0
}

// Refresh downloads both datasets, rebuilds the index and persists a new
// snapshot. Concurrent calls share a single download. It always fetches,
// even while a lookup-triggered refresh is running.
//
// If ctx is done before the refresh finishes, Refresh returns ctx.Err()
// and the refresh completes in the background.
//
// If the download or the build fails, neither the served index nor the
// snapshot cache is changed. A failure to persist the snapshot after a
// successful build is only logged.
func (r *Reader) Refresh(ctx context.Context) error {
	return r.share(ctx, "refresh", r.refresh)
}

// refreshIfStale refreshes unless the data is current. Staleness is checked
// again inside the flight, so callers queued behind a finished refresh do
// not start another one.
func (r *Reader) refreshIfStale(ctx context.Context) error {
	return r.share(ctx, "refresh-if-stale", func(ctx context.Context) error {
		if !r.Stale() {
			return nil
		}
		return r.refresh(ctx)
	})
}

// share runs fn once for all concurrent callers using the same key. The
// shared work does not inherit the caller's cancellation, since other
// callers may be waiting on it; each caller stops waiting when its own ctx
// is done.
func (r *Reader) share(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := r.refreshGroup.DoChan(key, func() (any, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) refresh(ctx context.Context) error {
	r.busy.Add(1)
	defer r.busy.Add(-1)

	fetchCtx := ctx
	if d := r.config.FetchTimeout; d > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	raw, err := fetchDatasets(fetchCtx, r.fetcher, r.store.sets, r.log)
	if err != nil {
		return err
	}
	ix, err := BuildIndex(raw[0], raw[1])
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}

	ts := r.now().Unix()
	r.swap(ix, ts)
	r.log.Info("index refreshed", append(statsFields(ix.Stats()), zap.Int64("timestamp", ts))...)

	snap := &Snapshot{Timestamp: ts, ASOrganizations: raw[0], PrefixASN: raw[1]}
	if err := r.store.save(snap); err != nil {
		r.log.Warn("failed to store snapshot", zap.Error(err))
		return nil
	}
	if err := r.store.prune(); err != nil {
		r.log.Warn("failed to prune old snapshots", zap.Error(err))
	}
	return nil
}

// Lookup returns the AS number and organization of the most specific
// prefix covering addr, refreshing the data first if it has expired.
func (r *Reader) Lookup(ctx context.Context, addr Address) (Result, error) {
	if !addr.IsValid() {
		return Result{}, &InvalidAddressError{Input: addr.String()}
	}

	if r.Stale() {
		if err := r.refreshIfStale(ctx); err != nil {
			ix, _ := r.current()
			if !r.config.ServeStale || ix == nil {
				return Result{}, err
			}
			r.log.Warn("refresh failed, serving stale index", zap.Error(err))
		}
	}

	ix, _ := r.current()
	res := Result{Address: addr.String()}
	n, ok := ix.Lookup(addr.Addr())
	if !ok {
		return res, nil
	}
	res.Found = true
	res.ASN = n.ASN
	res.Organization = n.Organization
	res.Network = n.Prefix
	return res, nil
}

// LookupString parses s as an IPv4 or IPv6 address and looks it up.
func (r *Reader) LookupString(ctx context.Context, s string) (Result, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return Result{}, err
	}
	return r.Lookup(ctx, addr)
}

// Stats describes the data currently served.
type Stats struct {
	IndexStats
	LastRefresh time.Time
	CacheDir    string
}

// Stats returns counts for the current index.
func (r *Reader) Stats() Stats {
	ix, _ := r.current()
	return Stats{
		IndexStats:  ix.Stats(),
		LastRefresh: r.LastRefresh(),
		CacheDir:    r.store.dir,
	}
}

func statsFields(s IndexStats) []zap.Field {
	return []zap.Field{
		zap.Int("prefixes4", s.Prefixes4),
		zap.Int("prefixes6", s.Prefixes6),
		zap.Int("organizations", s.Organizations),
		zap.Int("skippedOrgLines", s.SkippedOrgLines),
		zap.Stringer("coverage4", s.Coverage4),
	}
}
