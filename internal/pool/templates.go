// Package pool wires the NOCK pool together: the submission server, share
// processor, difficulty management, and the reward ledger. It owns the block
// template lifecycle and the miner session registry.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/pkg/log"
)

// TemplateStore holds the current block template. Reads are lock-free; the
// refresh loop is the only writer. Invalidation clears the template so no
// share validates against a consumed job while the replacement is fetched.
type TemplateStore struct {
	node    nock.Client
	logger  *log.Logger
	current atomic.Pointer[nock.Template]
	refresh chan struct{}

	// onNew runs on the refresh goroutine after a template is stored.
	onNew func(*nock.Template)
}

// NewTemplateStore creates a template store backed by the given node client.
func NewTemplateStore(node nock.Client, onNew func(*nock.Template), logger *log.Logger) *TemplateStore {
	return &TemplateStore{
		node:    node,
		logger:  logger.WithComponent("template_store"),
		refresh: make(chan struct{}, 1),
		onNew:   onNew,
	}
}

// Current returns the active template, or nil when none is valid.
func (ts *TemplateStore) Current() *nock.Template {
	return ts.current.Load()
}

// Invalidate drops the active template and schedules a refresh. Called when a
// block solution consumes the template or the chain tip moves.
func (ts *TemplateStore) Invalidate() {
	ts.current.Store(nil)
	select {
	case ts.refresh <- struct{}{}:
	default:
	}
}

// Run keeps the template fresh until ctx is cancelled. A refresh happens on
// every invalidation signal and on the periodic interval as a backstop.
func (ts *TemplateStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// Prime the store before the first tick.
	ts.fetch(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ts.refresh:
			ts.fetch(ctx)
		case <-ticker.C:
			if ts.Current() == nil {
				ts.fetch(ctx)
			}
		}
	}
}

func (ts *TemplateStore) fetch(ctx context.Context) {
	tmpl, err := ts.node.GetBlockTemplate(ctx)
	if err != nil {
		ts.logger.WithError(err).Error("failed to fetch block template")
		return
	}

	prev := ts.current.Swap(tmpl)
	if prev == nil || prev.PrevHash != tmpl.PrevHash {
		ts.logger.WithTemplate(tmpl.Height, tmpl.PrevHashHex()).Info("new block template")
	}
	if ts.onNew != nil {
		ts.onNew(tmpl)
	}
}
