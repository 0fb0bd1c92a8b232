package catalog

import (
	"context"
	"sort"
	"time"

	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/logger"
)

// EventType classifies a catalog mutation.
type EventType string

const (
	ProductCreated      EventType = "product_created"
	ProductImageChanged EventType = "product_image_changed"
	ProductDeleted      EventType = "product_deleted"
)

// Event is a catalog mutation observed by the poller. Version is a
// per-product monotonic counter assigned at observation time; sync uses it
// for last-write-wins conflict resolution instead of wall-clock timestamps.
type Event struct {
	Type    EventType
	Product domain.Product
	Version int64
}

// Lister is the slice of the catalog client the poller needs.
type Lister interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

// known tracks the last observed image reference and version per product.
type known struct {
	image   string
	version int64
}

// Poller synthesizes a catalog event feed by periodically listing products
// and diffing against the previous listing. The commerce backend exposes no
// push feed, so an image reference change is the signal for re-embedding.
//
// Events for the same product are always emitted in version order because
// diffing is single-threaded.
type Poller struct {
	lister   Lister
	interval time.Duration
	out      chan Event
	state    map[int64]known
}

// NewPoller creates a poller that emits events on its Events channel once
// Run is started.
func NewPoller(lister Lister, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		lister:   lister,
		interval: interval,
		out:      make(chan Event, 64),
		state:    make(map[int64]known),
	}
}

// Events returns the channel events are delivered on. It is closed when Run
// returns.
func (p *Poller) Events() <-chan Event {
	return p.out
}

// Run polls until ctx is cancelled. The first poll emits ProductCreated for
// every listed product, priming the index via the sync path when no full
// reindex has run.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx); err != nil {
			logger.CtxWarn(ctx, "Catalog poll failed: error=%v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll lists the catalog once and emits the diff against the previous
// listing in ascending product ID order.
func (p *Poller) poll(ctx context.Context) error {
	products, err := p.lister.ListProducts(ctx)
	if err != nil {
		return err
	}

	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })

	seen := make(map[int64]struct{}, len(products))
	for _, product := range products {
		seen[product.ID] = struct{}{}
		prev, ok := p.state[product.ID]
		switch {
		case !ok:
			next := known{image: product.Image, version: 1}
			p.state[product.ID] = next
			if !p.emit(ctx, Event{Type: ProductCreated, Product: product, Version: next.version}) {
				return ctx.Err()
			}
		case prev.image != product.Image:
			next := known{image: product.Image, version: prev.version + 1}
			p.state[product.ID] = next
			if !p.emit(ctx, Event{Type: ProductImageChanged, Product: product, Version: next.version}) {
				return ctx.Err()
			}
		}
	}

	removed := make([]int64, 0)
	for id := range p.state {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		prev := p.state[id]
		delete(p.state, id)
		ev := Event{
			Type:    ProductDeleted,
			Product: domain.Product{ID: id},
			Version: prev.version + 1,
		}
		if !p.emit(ctx, ev) {
			return ctx.Err()
		}
	}
	return nil
}

func (p *Poller) emit(ctx context.Context, ev Event) bool {
	select {
	case p.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
