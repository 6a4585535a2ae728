package river

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options configures the scheduler and the core engines it owns.
type Options struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	Smoothing       float64 // EWMA factor for the interval estimate
	BackoffCap      int     // cap on the failure backoff exponent
	WorkerCount     int     // max concurrent in-flight checks
	FetchTimeout    time.Duration
	FirstCheckLimit int // max items merged on a feed's first successful check
	RetentionCount  int // global stream item ceiling, 0 disables
	RetentionAge    time.Duration
	SeenMultiple    int // dedup window as a multiple of per-check item count
}

// Validate rejects configurations the scheduler cannot guarantee correctness
// under. These are startup-fatal.
func (o Options) Validate() error {
	if o.MinInterval <= 0 {
		return fmt.Errorf("min interval must be positive, got %s", o.MinInterval)
	}
	if o.MinInterval > o.MaxInterval {
		return fmt.Errorf("min interval %s exceeds max interval %s", o.MinInterval, o.MaxInterval)
	}
	if o.Smoothing <= 0 || o.Smoothing > 1 {
		return fmt.Errorf("smoothing factor must be in (0, 1], got %g", o.Smoothing)
	}
	if o.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", o.WorkerCount)
	}
	if o.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", o.FetchTimeout)
	}
	if o.BackoffCap < 0 {
		return fmt.Errorf("backoff cap must be non-negative, got %d", o.BackoffCap)
	}
	return nil
}

// feedEntry is one feed's position in the due-time queue.
type feedEntry struct {
	id       string
	seq      int
	dueAt    time.Time
	inFlight bool
	index    int // heap index, -1 while dispatched
}

// feedQueue orders feeds by due time, ties broken by registration order so
// the schedule is reproducible.
type feedQueue []*feedEntry

func (q feedQueue) Len() int { return len(q) }

func (q feedQueue) Less(i, j int) bool {
	if !q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].dueAt.Before(q[j].dueAt)
	}
	return q[i].seq < q[j].seq
}

func (q feedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *feedQueue) Push(x any) {
	e := x.(*feedEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *feedQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

type checkJob struct {
	id  string
	req FetchRequest
}

type checkResult struct {
	id         string
	res        *FetchResult
	err        error
	finishedAt time.Time
}

// Scheduler is the coordinating loop: it owns the due-time queue, every
// FeedState, and the river stream. All mutation happens on the coordinator
// goroutine; workers only perform fetch I/O and report completions. External
// calls go through the command channel or read published snapshots.
type Scheduler struct {
	fetcher Fetcher
	store   StateStore
	sink    Sink
	est     *Estimator
	stream  *Stream
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs        chan checkJob
	completions chan checkResult
	commands    chan func()

	queue   feedQueue
	entries map[string]*feedEntry
	states  map[string]*FeedState
	loaded  map[string]*FeedState // persisted states awaiting subscription
	nextSeq int
	dirty   bool

	mu        sync.RWMutex
	stats     Stats
	riverSnap []RiverItem
	feedSnap  []FeedStatus
}

func NewScheduler(fetcher Fetcher, store StateStore, sink Sink, opts Options) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	loaded, err := store.Load()
	if err != nil {
		// Persistence loss is recoverable: feeds restart as never-checked.
		slog.Warn("Failed to load feed states, starting from defaults", "error", err)
		loaded = make(map[string]*FeedState)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		fetcher:     fetcher,
		store:       store,
		sink:        sink,
		est:         NewEstimator(opts.MinInterval, opts.MaxInterval, opts.Smoothing, opts.BackoffCap),
		stream:      NewStream(opts.RetentionCount, opts.RetentionAge, opts.SeenMultiple),
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(chan checkJob, opts.WorkerCount),
		completions: make(chan checkResult, opts.WorkerCount),
		commands:    make(chan func()),
		entries:     make(map[string]*feedEntry),
		states:      make(map[string]*FeedState),
		loaded:      loaded,
	}, nil
}

func (s *Scheduler) Start() {
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.run()
}

// Stop cancels in-flight checks and waits for the coordinator and workers.
// No partial merge state is persisted: a cancelled fetch never reaches the
// merge path.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// SetFeeds reconciles the subscription set: new feeds are registered and due
// immediately, feeds no longer listed are unsubscribed, weights and titles
// of existing feeds are updated.
func (s *Scheduler) SetFeeds(subs []Subscription) {
	s.do(func() {
		now := time.Now().UTC()
		listed := make(map[string]struct{}, len(subs))
		for _, sub := range subs {
			listed[sub.URL] = struct{}{}
			s.subscribe(sub, now)
		}
		for id := range s.entries {
			if _, ok := listed[id]; !ok {
				s.unsubscribe(id)
			}
		}
	})
}

// Subscribe registers a single feed. A feed that was never checked is due
// immediately.
func (s *Scheduler) Subscribe(sub Subscription) {
	s.do(func() { s.subscribe(sub, time.Now().UTC()) })
}

// Unsubscribe removes the feed from the schedule. Its state row stays in the
// store until the store prunes it.
func (s *Scheduler) Unsubscribe(feedID string) {
	s.do(func() { s.unsubscribe(feedID) })
}

// River returns the current stream, newest first.
func (s *Scheduler) River() []RiverItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RiverItem, len(s.riverSnap))
	copy(out, s.riverSnap)
	return out
}

// Feeds returns per-feed scheduling status in registration order.
func (s *Scheduler) Feeds() []FeedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FeedStatus, len(s.feedSnap))
	copy(out, s.feedSnap)
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// do runs fn on the coordinator goroutine and waits for it.
func (s *Scheduler) do(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.commands <- wrapped:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		now := time.Now().UTC()
		s.dispatchDue(now)
		if s.dirty {
			s.publishSnapshots()
			s.dirty = false
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake(now))

		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.commands:
			fn()
			s.dirty = true
		case res := <-s.completions:
			s.handleCompletion(res)
		case <-timer.C:
		}
	}
}

// dispatchDue moves due feeds into flight, in due-time order, up to the
// concurrency budget. A feed has at most one in-flight check.
func (s *Scheduler) dispatchDue(now time.Time) {
	for s.inFlightCount() < s.opts.WorkerCount && len(s.queue) > 0 {
		top := s.queue[0]
		if top.dueAt.After(now) {
			return
		}
		heap.Pop(&s.queue)
		top.inFlight = true

		st := s.states[top.id]
		job := checkJob{
			id: top.id,
			req: FetchRequest{
				URL:          st.ID,
				ETag:         st.ETag,
				LastModified: st.LastModified,
			},
		}
		s.jobs <- job
		s.dirty = true
		slog.Debug("Feed dispatched", "feed", top.id, "due_at", top.dueAt)
	}
}

func (s *Scheduler) inFlightCount() int {
	n := 0
	for _, e := range s.entries {
		if e.inFlight {
			n++
		}
	}
	return n
}

func (s *Scheduler) nextWake(now time.Time) time.Duration {
	if len(s.queue) == 0 {
		return time.Minute
	}
	d := s.queue[0].dueAt.Sub(now)
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			res := s.check(job)
			select {
			case s.completions <- res:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// check performs the fetch I/O. Timing out is indistinguishable from any
// other fetch failure downstream.
func (s *Scheduler) check(job checkJob) checkResult {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
	defer cancel()

	res, err := s.fetcher.Fetch(ctx, job.req)
	return checkResult{
		id:         job.id,
		res:        res,
		err:        err,
		finishedAt: time.Now().UTC(),
	}
}

// handleCompletion folds one check outcome back into scheduler state: merge
// on success, failure counting on error, then estimate, persist and requeue.
// Completions arrive in any order; merges are commutative across feeds.
func (s *Scheduler) handleCompletion(r checkResult) {
	s.dirty = true

	entry, ok := s.entries[r.id]
	if !ok {
		// Unsubscribed while in flight; drop the result.
		slog.Debug("Completion for unsubscribed feed dropped", "feed", r.id)
		return
	}
	entry.inFlight = false

	st := s.states[r.id]
	now := r.finishedAt
	st.CheckCount++

	var added []RiverItem
	if r.err != nil {
		st.ConsecutiveFailures++
		slog.Warn("Feed check failed",
			"feed", st.ID,
			"consecutive_failures", st.ConsecutiveFailures,
			"error", r.err)
	} else {
		if !r.res.NotModified {
			added = s.stream.Merge(st, r.res.Items, now, s.opts.FirstCheckLimit)
		}
		s.est.ObserveSuccess(st, len(added), now)
		st.ConsecutiveFailures = 0
		st.EverChecked = true
		if r.res.ETag != "" {
			st.ETag = r.res.ETag
		}
		if r.res.LastModified != "" {
			st.LastModified = r.res.LastModified
		}
	}

	checkedAt := now
	st.LastCheckedAt = &checkedAt

	delay := s.est.NextDelay(st)
	entry.dueAt = now.Add(delay)
	heap.Push(&s.queue, entry)

	s.mu.Lock()
	s.stats.Checks++
	if r.err != nil {
		s.stats.Failures++
	}
	s.stats.ItemsMerged += int64(len(added))
	s.stats.LastCheckAt = &checkedAt
	s.mu.Unlock()

	if err := s.store.Save(st.ID, st); err != nil {
		// Non-fatal: the feed proceeds in memory, the next cycle retries.
		slog.Warn("Failed to persist feed state", "feed", st.ID, "error", err)
	}

	if len(added) > 0 && s.sink != nil {
		s.sink.ItemsAdded(added)
	}

	slog.Info("Feed checked",
		"feed", st.ID,
		"new", len(added),
		"failures", st.ConsecutiveFailures,
		"next_delay", delay.String())
}

// subscribe runs on the coordinator goroutine.
func (s *Scheduler) subscribe(sub Subscription, now time.Time) {
	if sub.URL == "" {
		return
	}

	if entry, ok := s.entries[sub.URL]; ok {
		st := s.states[entry.id]
		if sub.Title != "" {
			st.Title = sub.Title
		}
		if sub.Weight > 0 {
			st.Weight = sub.Weight
		}
		return
	}

	st, ok := s.loaded[sub.URL]
	if !ok {
		st = &FeedState{
			ID:               sub.URL,
			Weight:           1,
			IntervalEstimate: s.est.Seed(),
		}
	} else {
		delete(s.loaded, sub.URL)
	}
	if sub.Title != "" {
		st.Title = sub.Title
	}
	if sub.Weight > 0 {
		st.Weight = sub.Weight
	}
	if st.Weight <= 0 {
		st.Weight = 1
	}
	if st.IntervalEstimate <= 0 {
		st.IntervalEstimate = s.est.Seed()
	}
	// A persisted estimate may predate a bounds change.
	st.IntervalEstimate = clampDuration(st.IntervalEstimate, s.opts.MinInterval, s.opts.MaxInterval)
	st.Seq = s.nextSeq
	s.nextSeq++

	dueAt := now
	if st.EverChecked && st.LastCheckedAt != nil {
		dueAt = st.LastCheckedAt.Add(s.est.NextDelay(st))
		if dueAt.Before(now) {
			dueAt = now
		}
	}

	entry := &feedEntry{id: st.ID, seq: st.Seq, dueAt: dueAt}
	s.states[st.ID] = st
	s.entries[st.ID] = entry
	heap.Push(&s.queue, entry)

	slog.Debug("Feed subscribed", "feed", st.ID, "weight", st.Weight, "due_at", dueAt)
}

// unsubscribe runs on the coordinator goroutine.
func (s *Scheduler) unsubscribe(feedID string) {
	entry, ok := s.entries[feedID]
	if !ok {
		return
	}
	if entry.index >= 0 {
		heap.Remove(&s.queue, entry.index)
	}
	delete(s.entries, feedID)
	delete(s.states, feedID)
	slog.Info("Feed unsubscribed", "feed", feedID)
}

// publishSnapshots copies coordinator-owned state into the read views served
// to API handlers.
func (s *Scheduler) publishSnapshots() {
	feeds := make([]FeedStatus, 0, len(s.entries))
	for id, entry := range s.entries {
		st := s.states[id]
		feeds = append(feeds, FeedStatus{
			ID:                  st.ID,
			Title:               st.Title,
			Weight:              st.Weight,
			DueAt:               entry.dueAt,
			IntervalEstimate:    st.IntervalEstimate,
			ConsecutiveFailures: st.ConsecutiveFailures,
			EverChecked:         st.EverChecked,
			LastCheckedAt:       st.LastCheckedAt,
			InFlight:            entry.inFlight,
		})
	}
	// Registration order keeps the listing stable.
	for i := 1; i < len(feeds); i++ {
		for j := i; j > 0 && s.states[feeds[j-1].ID].Seq > s.states[feeds[j].ID].Seq; j-- {
			feeds[j-1], feeds[j] = feeds[j], feeds[j-1]
		}
	}

	river := s.stream.Items()
	inFlight := s.inFlightCount()

	s.mu.Lock()
	s.feedSnap = feeds
	s.riverSnap = river
	s.stats.QueueSize = len(s.queue)
	s.stats.InFlight = inFlight
	s.mu.Unlock()
}
