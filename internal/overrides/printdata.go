package overrides

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orrn/printrelay/internal/core"
)

// PrintOrder is the print-ready view of one order: the lines still to be
// shipped and the order's current total.
type PrintOrder struct {
	OrderNumber string     `json:"order_number"`
	Store       string     `json:"store,omitempty"`
	LineItems   []LineItem `json:"line_items"`
	Total       Money      `json:"total"`
}

// ProjectOrder keeps only unfulfilled line items, with Quantity set to the
// unfulfilled count.
func ProjectOrder(o *Order, store string) PrintOrder {
	p := PrintOrder{
		OrderNumber: o.Number,
		Store:       store,
		LineItems:   []LineItem{},
		Total:       o.Total,
	}
	for _, li := range o.LineItems {
		if li.UnfulfilledQuantity <= 0 {
			continue
		}
		li.Quantity = li.UnfulfilledQuantity
		p.LineItems = append(p.LineItems, li)
	}
	return p
}

// PrintData fetches the print-ready projection of every order, in request
// order. Orders that cannot be fetched are skipped. Customer data found
// along the way refreshes the override cache.
func (s *Store) PrintData(ctx context.Context, orders []string, store string) []PrintOrder {
	keys := dedup(core.NormalizeOrders(orders))
	results := make([]*PrintOrder, len(keys))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			p, err := s.printOrder(gctx, k, store)
			if err != nil {
				s.logger.Warn("print data fetch failed", "order", k, "store", store, "error", err)
				return nil
			}
			mu.Lock()
			results[i] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]PrintOrder, 0, len(keys))
	for _, p := range results {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func (s *Store) printOrder(ctx context.Context, order, store string) (*PrintOrder, error) {
	var lastErr error
	for _, label := range s.candidates(store) {
		fctx, cancel := context.WithTimeout(ctx, s.opts.LiveTimeout)
		o, err := s.lookupOrder(fctx, order, label)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		label = normalizeLabel(label)
		rec := RecordFromOrder(o, label)
		rec.OrderNumber = order
		s.Put(rec)

		p := ProjectOrder(o, label)
		p.OrderNumber = order
		return &p, nil
	}
	if lastErr == nil {
		lastErr = ErrUnknownStore
	}
	return nil, &FetchError{Order: order, Store: store, Err: lastErr}
}
