package app

import (
	"context"
	"sync/atomic"

	"chapterwatch/internal/source"
)

// swappableSource lets a config reload replace the MangaBaka client while
// the poller keeps a stable reference.
type swappableSource struct {
	p atomic.Pointer[source.Client]
}

func newSwappableSource(c *source.Client) *swappableSource {
	s := &swappableSource{}
	s.p.Store(c)
	return s
}

func (s *swappableSource) Swap(c *source.Client) { s.p.Store(c) }

func (s *swappableSource) FetchSeries(ctx context.Context, id string) (source.Series, error) {
	return s.p.Load().FetchSeries(ctx, id)
}
