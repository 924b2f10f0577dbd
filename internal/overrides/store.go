package overrides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orrn/printrelay/internal/core"
)

type Options struct {
	// DefaultStore and FallbackStore are tried in order when a lookup does
	// not name a store.
	DefaultStore     string
	FallbackStore    string
	LiveTimeout      time.Duration
	FetchConcurrency int
	Logger           *slog.Logger
}

// Store caches override records for the life of the process and refreshes
// them from the store order APIs on demand.
type Store struct {
	stores StoreResolver
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]Record
}

func NewStore(stores StoreResolver, opts Options) *Store {
	if opts.LiveTimeout <= 0 {
		opts.LiveTimeout = 15 * time.Second
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		stores: stores,
		opts:   opts,
		logger: logger.With("component", "overrides"),
		cache:  make(map[string]Record),
	}
}

// GetCached returns a copy of the cached record for order, if any.
func (s *Store) GetCached(order string) (Record, bool) {
	key := core.NormalizeOrder(order)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[key]
	return r, ok
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Put merges rec into the cache and returns the stored result. An
// incomplete record never replaces a complete one; the second return value
// reports whether the cache changed.
func (s *Store) Put(rec Record) (Record, bool) {
	key := core.NormalizeOrder(rec.OrderNumber)
	if key == "" {
		return Record{}, false
	}
	rec.OrderNumber = key

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cache[key]
	if !ok {
		s.cache[key] = rec
		return rec, true
	}
	if Complete(&existing) && !Complete(&rec) {
		return existing, false
	}
	merged := merge(existing, rec)
	if merged == existing {
		return existing, false
	}
	s.cache[key] = merged
	return merged, true
}

// GetOverrides resolves records for orders. Cached complete records are
// served as is; missing or incomplete ones (or all of them when forceLive
// is set) are fetched live. An order whose fetch fails is left out of the
// result.
func (s *Store) GetOverrides(ctx context.Context, orders []string, store string, forceLive bool) map[string]Record {
	keys := dedup(core.NormalizeOrders(orders))
	out := make(map[string]Record, len(keys))

	var missing []string
	for _, k := range keys {
		r, ok := s.GetCached(k)
		if ok {
			out[k] = r
		}
		if forceLive || !ok || !Complete(&r) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out
	}

	// Each fetch is bounded by LiveTimeout rather than by the caller, so a
	// client that gives up still leaves the cache warm for its retry.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.opts.FetchConcurrency)
	for _, k := range missing {
		k := k
		g.Go(func() error {
			rec, err := s.FetchLive(gctx, k, store)
			if err != nil {
				s.logger.Warn("live override fetch failed", "order", k, "store", store, "error", err)
				return nil
			}
			mu.Lock()
			out[k] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FetchLive looks order up in the named store, or in the default and then
// the fallback store when store is empty, and merges the result into the
// cache. The returned record is the cache's view after the merge.
func (s *Store) FetchLive(ctx context.Context, order, store string) (Record, error) {
	key := core.NormalizeOrder(order)
	if key == "" {
		return Record{}, &FetchError{Order: order, Store: store, Err: ErrOrderNotFound}
	}

	var lastErr error
	var lastStore string
	for _, label := range s.candidates(store) {
		rec, err := s.fetchFrom(ctx, key, label)
		if err == nil {
			stored, _ := s.Put(rec)
			return stored, nil
		}
		lastErr, lastStore = err, label
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrUnknownStore
	}
	return Record{}, &FetchError{Order: key, Store: lastStore, Err: lastErr}
}

func (s *Store) candidates(store string) []string {
	store = strings.TrimSpace(store)
	if store != "" {
		return []string{store}
	}
	var out []string
	for _, l := range []string{s.opts.DefaultStore, s.opts.FallbackStore} {
		l = strings.TrimSpace(l)
		if l == "" || (len(out) > 0 && strings.EqualFold(out[0], l)) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (s *Store) fetchFrom(ctx context.Context, order, label string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LiveTimeout)
	defer cancel()

	o, err := s.lookupOrder(ctx, order, label)
	if err != nil {
		return Record{}, err
	}
	rec := RecordFromOrder(o, normalizeLabel(label))
	rec.OrderNumber = order
	return rec, nil
}

func (s *Store) lookupOrder(ctx context.Context, order, label string) (*Order, error) {
	src, err := s.stores.Source(ctx, label)
	if err != nil {
		return nil, err
	}
	id, err := src.FindOrderID(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	o, err := src.FetchOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", id, err)
	}
	return o, nil
}

func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// IsNotFound reports whether err means the order does not exist in the
// store, as opposed to a transport or auth failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
