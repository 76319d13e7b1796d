package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
	"github.com/njoerd114/snapqueue/internal/store"
)

const (
	otelScope              = "snapqueue/sync"
	metricUploadsSucceeded = "snapqueue.uploads.succeeded"
	metricUploadsFailed    = "snapqueue.uploads.failed"
	metricFetchErrors      = "snapqueue.fetch.errors"
	metricLikesReverted    = "snapqueue.likes.reverted"
	metricMergeSuppressed  = "snapqueue.merge.suppressed"

	defaultMaxInFlight   = 4
	defaultRetryInterval = 30 * time.Second
)

// Operation names used for spans, logs and [Options.OnError].
const (
	OpUpload = "upload"
	OpRetry  = "retry"
	OpLike   = "like"
	OpReport = "report"
	OpRemove = "remove"
)

var (
	// ErrOffline is returned by commands that need the network while it is
	// unusable. Queued work is kept, never dropped.
	ErrOffline = errors.New("network unavailable")
	// ErrNotFound is returned for IDs with no live item.
	ErrNotFound = store.ErrNotFound
	// ErrNotConfirmed is returned for like/report on an item that has not
	// been uploaded yet.
	ErrNotConfirmed = errors.New("item not confirmed by server yet")
)

// Options tunes an [Engine]. Zero values select defaults.
type Options struct {
	// MaxInFlight bounds the uploads a single retry or flush fans out.
	MaxInFlight int
	// RetryInterval is the period of the automatic retry tick in [Engine.Run].
	RetryInterval time.Duration
	// AutoRetry lets [Engine.Run] retry errored uploads once their backoff
	// has elapsed. Pending uploads are always flushed on reconnect.
	AutoRetry bool
	// Journal persists queued uploads. Nil keeps the queue in memory only.
	Journal Journal
	// OnError is called for every failed asynchronous operation.
	OnError func(id, op string, err error)

	Now   func() time.Time
	NewID func() string
}

// Engine orchestrates fetch, create, retry and mutate operations against the
// remote gateway and is the only writer of the item store. Create one with
// [NewEngine], replay the journal with [Engine.Restore], and start the retry
// loop with [Engine.Run].
type Engine struct {
	store   *store.Store
	gw      Gateway
	conn    Connectivity
	journal Journal
	opts    Options
	log     *slog.Logger

	runner *keyedRunner
	wg     sync.WaitGroup
	ctx    context.Context
	stop   context.CancelFunc

	// fetchMu serializes page fetches and guards cursor.
	fetchMu   sync.Mutex
	cursor    string
	exhausted atomic.Bool

	retryMu sync.Mutex
	retryAt map[string]time.Time

	// OTel instruments: always non-nil, no-op when telemetry is disabled.
	tracer              trace.Tracer
	cntUploadsSucceeded metric.Int64Counter
	cntUploadsFailed    metric.Int64Counter
	cntFetchErrors      metric.Int64Counter
	cntLikesReverted    metric.Int64Counter
	cntMergeSuppressed  metric.Int64Counter
}

// NewEngine creates an Engine over st. The engine must be the store's only
// writer.
func NewEngine(st *store.Store, gw Gateway, conn Connectivity, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:   st,
		gw:      gw,
		conn:    conn,
		journal: opts.Journal,
		opts:    opts,
		log:     logger,
		runner:  newKeyedRunner(),
		ctx:     ctx,
		stop:    stop,
		retryAt: make(map[string]time.Time),

		tracer:              tracer,
		cntUploadsSucceeded: mustCounter(metricUploadsSucceeded, "Number of items uploaded"),
		cntUploadsFailed:    mustCounter(metricUploadsFailed, "Number of failed upload attempts"),
		cntFetchErrors:      mustCounter(metricFetchErrors, "Number of failed page fetches"),
		cntLikesReverted:    mustCounter(metricLikesReverted, "Number of optimistic likes reverted"),
		cntMergeSuppressed:  mustCounter(metricMergeSuppressed, "Number of fetched items suppressed by tombstones"),
	}
}

// Close cancels outstanding operations and waits for them to finish.
// Operations waiting for connectivity resolve with a context error.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
	e.runner.Wait()
}

// Online reports whether the network is usable.
func (e *Engine) Online() bool {
	return e.conn.Online()
}

// Snapshot returns every stored item in arrival order.
func (e *Engine) Snapshot() []model.Item {
	return e.store.Snapshot()
}

// HasMore reports whether the server signalled further pages.
func (e *Engine) HasMore() bool {
	return !e.exhausted.Load()
}

// Restore replays journaled uploads into the store. Call it before issuing
// any command.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	items, err := e.journal.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading journal: %w", err)
	}
	n := 0
	for _, it := range items {
		if err := e.store.UpsertPending(it); err != nil {
			e.log.Warn("skipping journaled item", "id", it.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		e.log.Info("restored queued items", "count", n)
	}
	return n, nil
}

// --- fetch ------------------------------------------------------------------

// FetchPage fetches the next page of confirmed items and merges it. Errors
// leave the store unchanged. Once the server reports no further pages it
// returns zero stats without a network call.
func (e *Engine) FetchPage(ctx context.Context) (store.MergeStats, error) {
	if !e.conn.Online() {
		return store.MergeStats{}, ErrOffline
	}
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()
	if e.exhausted.Load() {
		return store.MergeStats{}, nil
	}

	ctx, span := e.tracer.Start(ctx, "sync.fetch_page", trace.WithAttributes(attribute.String("cursor", e.cursor)))
	defer span.End()

	page, err := e.gw.FetchPage(ctx, e.cursor)
	if err != nil {
		e.cntFetchErrors.Add(ctx, 1)
		span.RecordError(err)
		return store.MergeStats{}, fmt.Errorf("fetching page: %w", err)
	}
	stats := e.merge(ctx, span, page)
	e.cursor = page.NextCursor
	e.exhausted.Store(page.NextCursor == "")
	return stats, nil
}

// FetchNewer fetches items newer than the newest confirmed item. With no
// confirmed items it fetches the first page instead.
func (e *Engine) FetchNewer(ctx context.Context) (store.MergeStats, error) {
	if !e.conn.Online() {
		return store.MergeStats{}, ErrOffline
	}
	since := e.store.NewestConfirmed()
	if since.IsZero() {
		e.fetchMu.Lock()
		e.cursor = ""
		e.exhausted.Store(false)
		e.fetchMu.Unlock()
		return e.FetchPage(ctx)
	}

	ctx, span := e.tracer.Start(ctx, "sync.fetch_newer", trace.WithAttributes(attribute.String("since", since.Format(time.RFC3339))))
	defer span.End()

	page, err := e.gw.FetchSince(ctx, since)
	if err != nil {
		e.cntFetchErrors.Add(ctx, 1)
		span.RecordError(err)
		return store.MergeStats{}, fmt.Errorf("fetching newer items: %w", err)
	}
	return e.merge(ctx, span, page), nil
}

func (e *Engine) merge(ctx context.Context, span trace.Span, page gateway.Page) store.MergeStats {
	stats := e.store.MergeFetchedBatch(page.Items)
	jctx := context.WithoutCancel(ctx)
	for _, id := range stats.PromotedIDs {
		e.clearRetry(id)
		if err := e.journal.Delete(jctx, id); err != nil {
			e.log.Error("removing promoted item from journal", "id", id, "error", err)
		}
	}
	if stats.Suppressed > 0 {
		e.cntMergeSuppressed.Add(ctx, int64(stats.Suppressed))
	}
	span.SetAttributes(
		attribute.Int("merge.added", stats.Added),
		attribute.Int("merge.refreshed", stats.Refreshed),
		attribute.Int("merge.promoted", stats.Promoted),
		attribute.Int("merge.kept", stats.Kept),
		attribute.Int("merge.suppressed", stats.Suppressed),
	)
	e.log.Debug("merged page",
		"fetched", len(page.Items),
		"added", stats.Added,
		"refreshed", stats.Refreshed,
		"promoted", stats.Promoted,
		"suppressed", stats.Suppressed,
	)
	return stats
}

// --- create / retry ---------------------------------------------------------

// CreateItem validates payload and queues a new item. The item is visible as
// pending when CreateItem returns. If the network is usable the upload starts
// in the background; otherwise the completion resolves with [ErrOffline] and
// the item waits for the next flush.
func (e *Engine) CreateItem(ctx context.Context, payload model.Payload) (model.Item, *Completion, error) {
	if err := payload.Validate(); err != nil {
		return model.Item{}, nil, err
	}
	now := e.opts.Now()
	item := model.Item{
		ID:        e.opts.NewID(),
		Payload:   payload.Clone(),
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.journal.Save(ctx, item); err != nil {
		return model.Item{}, nil, fmt.Errorf("journaling item %q: %w", item.ID, err)
	}
	if err := e.store.UpsertPending(item); err != nil {
		_ = e.journal.Delete(ctx, item.ID)
		return model.Item{}, nil, fmt.Errorf("queueing item: %w", err)
	}
	stored, _ := e.store.Get(item.ID)

	online := e.conn.Online()
	e.log.Info("item queued", "id", item.ID, "online", online)
	if !online {
		return stored, resolved(ErrOffline), nil
	}
	return stored, e.submit(item.ID, OpUpload, e.upload), nil
}

// RetryErrored re-attempts the given errored items, or every errored item
// when ids is empty. While offline it does nothing and resolves with
// [ErrOffline]. Items are retried independently; the completion joins their
// errors.
func (e *Engine) RetryErrored(ids ...string) *Completion {
	if !e.conn.Online() {
		return resolved(ErrOffline)
	}
	if len(ids) == 0 {
		ids = e.store.IDs(model.StateErrored)
	}
	return e.fanOut(OpRetry, ids, e.retry)
}

// FlushPending uploads every pending item that has no operation in flight.
func (e *Engine) FlushPending() *Completion {
	if !e.conn.Online() {
		return resolved(ErrOffline)
	}
	var ids []string
	for _, id := range e.store.IDs(model.StatePending) {
		if !e.runner.Busy(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		e.log.Info("flushing pending uploads", "count", len(ids))
	}
	return e.fanOut(OpUpload, ids, e.upload)
}

func (e *Engine) retry(ctx context.Context, id string) error {
	if _, err := e.store.MarkPending(id); err != nil {
		// No longer errored: confirmed, removed, or already retried.
		return nil
	}
	return e.upload(ctx, id)
}

func (e *Engine) upload(ctx context.Context, id string) error {
	it, err := e.store.MarkAttempt(id, e.opts.Now())
	if err != nil {
		e.log.Debug("upload skipped", "id", id, "reason", err)
		return nil
	}
	jctx := context.WithoutCancel(ctx)

	canonical, err := e.gw.Create(ctx, &it)
	if err != nil {
		failed, merr := e.store.MarkErrored(id, e.opts.Now(), err)
		if errors.Is(merr, store.ErrWrongState) {
			// A fetch already confirmed the item while this attempt was out.
			e.clearRetry(id)
			e.log.Debug("upload failed after item was confirmed", "id", id, "error", err)
			return nil
		}
		e.cntUploadsFailed.Add(ctx, 1)
		if merr == nil && !failed.Removed {
			e.scheduleRetry(id, failed.Attempts)
			if jerr := e.journal.Save(jctx, failed); jerr != nil {
				e.log.Error("journaling errored item", "id", id, "error", jerr)
			}
		}
		return fmt.Errorf("uploading item %q: %w", id, err)
	}

	confirmed, err := e.store.MarkConfirmed(id, canonical)
	if err != nil {
		return fmt.Errorf("confirming item %q: %w", id, err)
	}
	e.clearRetry(id)
	if jerr := e.journal.Delete(jctx, id); jerr != nil {
		e.log.Error("removing item from journal", "id", id, "error", jerr)
	}
	e.cntUploadsSucceeded.Add(ctx, 1)
	e.log.Info("item uploaded", "id", id, "attempts", confirmed.Attempts)
	return nil
}

// --- optimistic mutations ---------------------------------------------------

// ToggleLike flips the item's like state immediately and confirms it with the
// server in the background. On failure the flip is reverted and the error is
// surfaced. While offline the confirmation waits for connectivity.
func (e *Engine) ToggleLike(id string) *Completion {
	var liked bool
	_, err := e.store.Update(id, func(it *model.Item) error {
		liked = !it.Liked
		return applyLike(liked)(it)
	})
	if err != nil {
		return resolved(fmt.Errorf("toggling like: %w", err))
	}
	return e.submit(id, OpLike, func(ctx context.Context, id string) error {
		return e.sendLike(ctx, id, liked)
	})
}

func (e *Engine) sendLike(ctx context.Context, id string, liked bool) error {
	err := e.awaitOnline(ctx)
	var ls gateway.LikeState
	if err == nil {
		ls, err = e.gw.Like(ctx, id, liked)
	}
	if err != nil {
		if _, cerr := e.store.UpdateRemoved(id, compensateLike(liked)); cerr == nil {
			e.cntLikesReverted.Add(context.WithoutCancel(ctx), 1)
		}
		return fmt.Errorf("liking item %q: %w", id, err)
	}
	_, _ = e.store.UpdateRemoved(id, confirmLike(ls))
	return nil
}

// ReportImage flags the item as reported and confirms it with the server in
// the background. A failed report keeps the pending flag; the retry loop
// sends it again.
func (e *Engine) ReportImage(id string) *Completion {
	if _, err := e.store.Update(id, applyReport); err != nil {
		return resolved(fmt.Errorf("reporting: %w", err))
	}
	return e.submit(id, OpReport, e.sendReport)
}

func (e *Engine) sendReport(ctx context.Context, id string) error {
	it, ok := e.store.Lookup(id)
	if !ok || !it.ReportPending {
		return nil
	}
	if err := e.awaitOnline(ctx); err != nil {
		return fmt.Errorf("reporting item %q: %w", id, err)
	}
	if err := e.gw.Report(ctx, id); err != nil {
		if gateway.IsNotFound(err) {
			// Nothing left to report on.
			_, _ = e.store.UpdateRemoved(id, confirmReport)
		}
		return fmt.Errorf("reporting item %q: %w", id, err)
	}
	_, _ = e.store.UpdateRemoved(id, confirmReport)
	return nil
}

// RemoveImage tombstones the item immediately: it disappears from every
// projection and later fetches cannot bring it back. The remote delete runs
// in the background; a failure leaves the tombstone in place. An item that
// never reached the server is dropped locally without a network call.
func (e *Engine) RemoveImage(id string) *Completion {
	if _, err := e.store.Remove(id); err != nil {
		return resolved(fmt.Errorf("removing: %w", err))
	}
	e.clearRetry(id)
	return e.submit(id, OpRemove, e.sendRemove)
}

func (e *Engine) sendRemove(ctx context.Context, id string) error {
	it, ok := e.store.Lookup(id)
	if !ok || !it.Removed {
		return nil
	}
	if it.Queued() {
		if err := e.journal.Delete(context.WithoutCancel(ctx), id); err != nil {
			e.log.Error("removing item from journal", "id", id, "error", err)
		}
		if it.Attempts == 0 {
			e.store.AckRemoval(id)
			e.log.Info("queued item discarded", "id", id)
			return nil
		}
	}

	// A queued item with failed attempts may still exist remotely if a
	// response was lost, so it gets a delete too.
	err := e.awaitOnline(ctx)
	if err == nil {
		err = e.gw.Delete(ctx, id)
	}
	if err != nil && !gateway.IsNotFound(err) {
		_, _ = e.store.UpdateRemoved(id, func(it *model.Item) error {
			it.RemovePending = true
			return nil
		})
		return fmt.Errorf("removing item %q: %w", id, err)
	}
	e.store.AckRemoval(id)
	e.log.Info("item removed", "id", id)
	return nil
}

// --- automatic retry loop ---------------------------------------------------

// Run drives automatic synchronization until ctx is cancelled. On every
// transition to usable it flushes pending uploads, retries errored uploads
// whose backoff has elapsed and resends unconfirmed reports and removals.
// Each RetryInterval tick it prunes expired tombstones and, while online,
// repeats the retry and resend steps.
func (e *Engine) Run(ctx context.Context) error {
	updates, cancel := e.conn.Subscribe()
	defer cancel()

	ticker := time.NewTicker(e.opts.RetryInterval)
	defer ticker.Stop()

	e.log.Info("sync engine started",
		"auto_retry", e.opts.AutoRetry,
		"retry_interval", e.opts.RetryInterval,
		"max_in_flight", e.opts.MaxInFlight,
	)
	if e.conn.Online() {
		e.catchUp()
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if up {
				e.log.Info("network usable, draining queue")
				e.catchUp()
			}
		case <-ticker.C:
			if n := e.store.PruneTombstones(e.opts.Now()); n > 0 {
				e.log.Debug("pruned tombstones", "count", n)
			}
			if e.conn.Online() {
				e.retryDue()
				e.resendMutations()
			}
		}
	}
}

func (e *Engine) catchUp() {
	e.FlushPending()
	e.retryDue()
	e.resendMutations()
}

// retryDue retries errored items whose backoff has elapsed.
func (e *Engine) retryDue() {
	if !e.opts.AutoRetry {
		return
	}
	now := e.opts.Now()
	var due []string
	e.retryMu.Lock()
	for _, id := range e.store.IDs(model.StateErrored) {
		if e.runner.Busy(id) {
			continue
		}
		if at, ok := e.retryAt[id]; ok && now.Before(at) {
			continue
		}
		due = append(due, id)
	}
	e.retryMu.Unlock()

	if len(due) > 0 {
		e.log.Info("retrying errored uploads", "count", len(due))
		e.fanOut(OpRetry, due, e.retry)
	}
}

// resendMutations re-issues report and remove confirmations that failed
// earlier.
func (e *Engine) resendMutations() {
	for _, it := range e.store.Snapshot() {
		if e.runner.Busy(it.ID) {
			continue
		}
		switch {
		case it.Removed && it.RemovePending:
			e.submit(it.ID, OpRemove, e.sendRemove)
		case !it.Removed && it.ReportPending:
			e.submit(it.ID, OpReport, e.sendReport)
		}
	}
}

func (e *Engine) scheduleRetry(id string, attempts int) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	e.retryAt[id] = e.opts.Now().Add(backoffDelay(attempts))
}

func (e *Engine) clearRetry(id string) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	delete(e.retryAt, id)
}

// --- plumbing ---------------------------------------------------------------

type opFunc func(ctx context.Context, id string) error

// submit queues fn behind earlier operations on the same id.
func (e *Engine) submit(id, op string, fn opFunc) *Completion {
	c := newCompletion()
	e.runner.Go(id, func() {
		ctx, span := e.tracer.Start(e.ctx, "sync."+op, trace.WithAttributes(attribute.String("item.id", id)))
		err := fn(ctx, id)
		if err != nil {
			span.RecordError(err)
			e.log.Warn("operation failed", "op", op, "id", id, "error", err)
			if e.opts.OnError != nil {
				e.opts.OnError(id, op, err)
			}
		}
		span.End()
		c.resolve(err)
	})
	return c
}

// fanOut submits fn for every id with at most MaxInFlight waiting at once.
// The returned completion joins the per-item errors.
func (e *Engine) fanOut(op string, ids []string, fn opFunc) *Completion {
	c := newCompletion()
	if len(ids) == 0 {
		c.resolve(nil)
		return c
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var (
			mu   sync.Mutex
			errs []error
		)
		g := new(errgroup.Group)
		g.SetLimit(e.opts.MaxInFlight)
		for _, id := range ids {
			g.Go(func() error {
				if err := e.submit(id, op, fn).Wait(e.ctx); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		c.resolve(errors.Join(errs...))
	}()
	return c
}

// awaitOnline blocks until the network is usable or ctx is done.
func (e *Engine) awaitOnline(ctx context.Context) error {
	if e.conn.Online() {
		return nil
	}
	updates, cancel := e.conn.Subscribe()
	defer cancel()

	e.log.Debug("waiting for connectivity")
	for {
		if e.conn.Online() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return ErrOffline
			}
			if up {
				return nil
			}
		}
	}
}
