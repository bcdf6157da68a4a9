// Package dispatch sends sealed segments to the classification boundary and
// correlates each asynchronous response back to its (session, segment index)
// pair. One [Tracker] exists per session; every emitted segment becomes one
// independent goroutine whose handle the tracker retains, so completion is
// "all handles resolved", never implicit counting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/callwarden/callwarden/internal/envelope"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/resilience"
	"github.com/callwarden/callwarden/internal/segment"
	"github.com/callwarden/callwarden/pkg/classifier"
)

// ErrClassifyTimeout marks a segment whose classification call exceeded the
// per-operation timeout. Terminal for that segment; there is no retry.
var ErrClassifyTimeout = errors.New("dispatch: classification timed out")

// ErrCancelled marks a segment whose operation was cancelled by a session
// stop before the response arrived. Cancelled segments are failed-but-counted:
// they keep their place in the aggregate window list.
var ErrCancelled = errors.New("dispatch: operation cancelled")

// SegmentResult is the outcome of classifying one segment. Exactly one is
// produced per spawned operation, success or terminal failure, and it is
// immutable once recorded.
type SegmentResult struct {
	SessionID string
	Index     int

	// Probability, Keywords, and Transcription are only meaningful when the
	// operation succeeded.
	Probability   float64
	Keywords      []string
	Transcription string

	// Err is nil on success. On failure it carries the reason (sealing,
	// transport, timeout, or cancellation) so downstream logic can tell
	// "classified as safe" apart from "classification unavailable".
	Err error
}

// Failed reports whether this segment's classification was unavailable.
func (r SegmentResult) Failed() bool { return r.Err != nil }

// TrackerConfig holds the collaborators and tuning for one session's
// dispatch operations.
type TrackerConfig struct {
	// SessionID and SourceID identify the session in classification requests.
	SessionID string
	SourceID  string

	// Sealer seals segment payloads before transmission.
	Sealer *envelope.Sealer

	// Classifier is the classification boundary client.
	Classifier classifier.Classifier

	// Timeout bounds each individual classification call.
	Timeout time.Duration

	// Breaker, when non-nil, guards classification calls. A tripped breaker
	// fails segments immediately with a transport failure.
	Breaker *resilience.Breaker

	// Inflight, when non-nil, caps concurrent classification calls across
	// sessions. Acquired per operation before sealing.
	Inflight *semaphore.Weighted

	// OnResult is invoked once per resolved operation, before the result
	// becomes visible to Wait/Results. Used for live cache updates. May be
	// nil. Never invoked after Finalize.
	OnResult func(SegmentResult)

	// Metrics instruments the dispatch path. May be nil.
	Metrics *observe.Metrics
}

// Tracker correlates the concurrent dispatch operations of one session.
// All exported methods are safe for concurrent use.
type Tracker struct {
	cfg TrackerConfig

	wg sync.WaitGroup

	mu        sync.Mutex
	results   map[int]SegmentResult
	cancels   []context.CancelFunc
	finalized bool
}

// NewTracker creates a Tracker for one session.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg:     cfg,
		results: make(map[int]SegmentResult),
	}
}

// Spawn launches the dispatch operation for seg and returns immediately —
// sealing, submission, and the response wait all happen on the operation's
// own goroutine, so the scheduler's next cut is never blocked.
func (t *Tracker) Spawn(ctx context.Context, seg segment.Segment) {
	opCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		cancel()
		observe.Logger(ctx).Warn("segment spawned after finalize; dropping",
			"session_id", t.cfg.SessionID,
			"segment_index", seg.Index,
		)
		return
	}
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.record(t.run(opCtx, seg))
	}()
}

// run executes one dispatch operation: seal → classify → result.
func (t *Tracker) run(ctx context.Context, seg segment.Segment) SegmentResult {
	res := SegmentResult{SessionID: t.cfg.SessionID, Index: seg.Index}

	if t.cfg.Inflight != nil {
		if err := t.cfg.Inflight.Acquire(ctx, 1); err != nil {
			res.Err = fmt.Errorf("%w: %v", ErrCancelled, err)
			return res
		}
		defer t.cfg.Inflight.Release(1)
	}

	sealStart := time.Now()
	sealed, err := t.cfg.Sealer.Seal(seg.Data)
	if err != nil {
		res.Err = err
		return res
	}
	t.observeSeal(ctx, time.Since(sealStart))

	req := classifier.Request{
		SessionID:     t.cfg.SessionID,
		SegmentIndex:  seg.Index,
		SourceID:      t.cfg.SourceID,
		SealedPayload: sealed,
	}

	callCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	t.observeInflight(ctx, 1)
	start := time.Now()
	var resp classifier.Response
	call := func() error {
		var cerr error
		resp, cerr = t.cfg.Classifier.Classify(callCtx, req)
		return cerr
	}
	if t.cfg.Breaker != nil {
		err = t.cfg.Breaker.Do(call)
	} else {
		err = call()
	}
	t.observeClassify(ctx, time.Since(start), err)
	t.observeInflight(ctx, -1)

	switch {
	case err == nil:
		res.Probability = resp.Probability
		res.Keywords = resp.Keywords
		res.Transcription = resp.Transcription
	case ctx.Err() != nil:
		// The session was stopped while this operation was in flight.
		res.Err = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w after %v", ErrClassifyTimeout, t.cfg.Timeout)
	default:
		res.Err = err
	}
	return res
}

// record stores res and notifies OnResult. One result per index: a duplicate
// is logged and dropped, never overwritten. After Finalize the tracker is
// sealed and late results are discarded without side effects.
func (t *Tracker) record(res SegmentResult) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	if _, dup := t.results[res.Index]; dup {
		t.mu.Unlock()
		observe.Logger(context.Background()).Warn("duplicate segment result dropped",
			"session_id", t.cfg.SessionID,
			"segment_index", res.Index,
		)
		return
	}
	t.results[res.Index] = res
	onResult := t.cfg.OnResult
	t.mu.Unlock()

	if onResult != nil {
		onResult(res)
	}
}

// Wait blocks until every spawned operation has resolved or ctx is done.
// Each operation already enforces its own timeout, so completion is
// guaranteed in finite time.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts every still-pending operation at its suspension point. Each
// cancelled operation resolves with an [ErrCancelled] failure marker.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, len(t.cancels))
	copy(cancels, t.cancels)
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Finalize seals the tracker and returns all recorded results in ascending
// index order. After Finalize, late results are discarded and OnResult is
// never invoked again. Call only after Wait has returned.
func (t *Tracker) Finalize() []SegmentResult {
	t.mu.Lock()
	t.finalized = true
	out := make([]SegmentResult, 0, len(t.results))
	for _, r := range t.results {
		out = append(out, r)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ---- metrics helpers ----

func (t *Tracker) observeSeal(ctx context.Context, d time.Duration) {
	if t.cfg.Metrics == nil {
		return
	}
	t.cfg.Metrics.SealDuration.Record(ctx, d.Seconds())
}

func (t *Tracker) observeInflight(ctx context.Context, delta int64) {
	if t.cfg.Metrics == nil {
		return
	}
	t.cfg.Metrics.InflightDispatches.Add(ctx, delta)
}

func (t *Tracker) observeClassify(ctx context.Context, d time.Duration, err error) {
	if t.cfg.Metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "transport"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	t.cfg.Metrics.ClassifyDuration.Record(ctx, d.Seconds(), attrs)
	t.cfg.Metrics.SegmentOutcomes.Add(ctx, 1, attrs)
}
