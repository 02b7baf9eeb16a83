// Package backfill loads conversation history page by page without moving
// what the user is looking at.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dolabb/logger"
	"dolabb/protocol"
	"dolabb/reconciler"
)

// DefaultPageSize is used for the initial load and every backfill
const DefaultPageSize = 4

// ErrNotReady is returned for calls made before a conversation is bound and its first page loaded
var ErrNotReady = errors.New("backfill: not ready")

// Fetcher loads one page of messages, newest first
type Fetcher interface {
	Messages(ctx context.Context, conversationID string, page, limit int) ([]protocol.Envelope, *protocol.Pagination, error)
}

// Merger receives fetched pages
type Merger interface {
	ApplyPage(envs []protocol.Envelope, page int) reconciler.MergeResult
}

// Viewport is the scroll container showing the log
type Viewport interface {
	ScrollHeight() float64
	ScrollTop() float64
	SetScrollTop(float64)
}

// Config wires a Controller
type Config struct {
	Fetcher  Fetcher
	PageSize int
	Logger   *slog.Logger
}

// Controller tracks pagination for one conversation at a time
type Controller struct {
	fetch    Fetcher
	pageSize int
	log      *slog.Logger

	mu      sync.Mutex
	gen     uint64
	convID  string
	merger  Merger
	view    Viewport
	render  func()
	bound   bool
	ready   bool
	loading bool
	page    int
	hasMore bool
}

func New(cfg Config) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Controller{
		fetch:    cfg.Fetcher,
		pageSize: cfg.PageSize,
		log:      logger.OrDefault(cfg.Logger).With("component", "backfill"),
	}
}

// Bind points the controller at a conversation. Any load in flight for the
// previous binding is discarded when it returns. render runs after each
// merge, before the scroll position is restored; it may be nil.
func (c *Controller) Bind(conversationID string, merger Merger, view Viewport, render func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.convID = conversationID
	c.merger = merger
	c.view = view
	c.render = render
	c.bound = conversationID != "" && merger != nil && c.fetch != nil
	c.ready = false
	c.loading = false
	c.page = 0
	c.hasMore = false
}

// Unbind detaches from the current conversation
func (c *Controller) Unbind() {
	c.Bind("", nil, nil, nil)
}

// Ready reports whether the first page has been merged
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Page returns the last merged page number
func (c *Controller) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// LoadInitial fetches and merges page 1. After a failure it may be called
// again; once page 1 is merged it is a no-op, since replacing page 1 would
// drop the older pages already loaded. Rebind to start over.
func (c *Controller) LoadInitial(ctx context.Context) (reconciler.MergeResult, error) {
	c.mu.Lock()
	if !c.bound {
		c.mu.Unlock()
		return reconciler.MergeResult{}, ErrNotReady
	}
	if c.loading || c.ready {
		c.mu.Unlock()
		return reconciler.MergeResult{}, nil
	}
	c.loading = true
	gen, convID, merger, render := c.gen, c.convID, c.merger, c.render
	c.mu.Unlock()

	envs, pg, err := c.fetch.Messages(ctx, convID, 1, c.pageSize)
	if err != nil {
		c.finish(gen, func() {})
		c.log.Warn("initial page failed", logger.Conversation(convID), logger.Err(err))
		return reconciler.MergeResult{}, fmt.Errorf("load page 1: %w", err)
	}

	var res reconciler.MergeResult
	if !c.finish(gen, func() {
		res = merger.ApplyPage(envs, 1)
		c.page = 1
		c.hasMore = hasMore(pg, len(envs), c.pageSize)
		c.ready = true
	}) {
		return reconciler.MergeResult{}, context.Canceled
	}
	if render != nil {
		render()
	}
	return res, nil
}

// LoadMore fetches the next older page. It is a no-op returning false when a
// load is already running or there is nothing left to load.
func (c *Controller) LoadMore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return false, ErrNotReady
	}
	if c.loading || !c.hasMore {
		c.mu.Unlock()
		return false, nil
	}
	c.loading = true
	gen, convID, merger, view, render := c.gen, c.convID, c.merger, c.view, c.render
	next := c.page + 1
	c.mu.Unlock()

	var prevHeight, prevTop float64
	if view != nil {
		prevHeight, prevTop = view.ScrollHeight(), view.ScrollTop()
	}

	envs, pg, err := c.fetch.Messages(ctx, convID, next, c.pageSize)
	if err != nil {
		c.finish(gen, func() {})
		c.log.Warn("backfill page failed", logger.Conversation(convID), slog.Int("page", next), logger.Err(err))
		return false, fmt.Errorf("load page %d: %w", next, err)
	}

	if !c.finish(gen, func() {
		merger.ApplyPage(envs, next)
		c.page = next
		c.hasMore = hasMore(pg, len(envs), c.pageSize)
	}) {
		return false, context.Canceled
	}

	if render != nil {
		render()
	}
	if view != nil {
		view.SetScrollTop(prevTop + view.ScrollHeight() - prevHeight)
	}
	c.log.Debug("backfilled page", logger.Conversation(convID), slog.Int("page", next), slog.Int("count", len(envs)))
	return true, nil
}

// finish applies fn and clears the loading flag if gen is still current
func (c *Controller) finish(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.loading = false
	fn()
	return true
}

func hasMore(pg *protocol.Pagination, got, pageSize int) bool {
	if pg != nil {
		return pg.CurrentPage < pg.TotalPages
	}
	return got >= pageSize
}
