// Package admission gates task execution per category: each category owns a
// bounded number of permits and a priority-ordered queue of tasks waiting for one.
package admission

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskscheduler/internal/domain"
)

// DefaultLimit applies to categories seen for the first time without configuration.
const DefaultLimit = 1

// Dispatcher runs admitted jobs. run is called once execution capacity is
// available. When none is free, blocked is called before Go returns; drop is
// then called instead of run if ctx ends first.
type Dispatcher interface {
	Go(ctx context.Context, run, blocked, drop func())
}

// Job is a due task presented for admission.
type Job struct {
	TaskID   string
	Category domain.Category
	Priority int
	// Run executes the task. The permit is released when it returns.
	Run func()
	// OnQueued persists the QUEUED state before the job enters the wait queue,
	// or when it holds a permit but must wait for an execution slot.
	// Returning false aborts admission; the slot wait ignores the result.
	OnQueued func() bool
}

type Decision int

const (
	Dispatched Decision = iota
	Queued
	Duplicate
	Aborted
)

func (d Decision) String() string {
	switch d {
	case Dispatched:
		return "dispatched"
	case Queued:
		return "queued"
	case Duplicate:
		return "duplicate"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Snapshot is a point-in-time view of one category.
type Snapshot struct {
	Category domain.Category `json:"category"`
	Max      int             `json:"max"`
	Running  int             `json:"running"`
	Queued   int             `json:"queued"`
}

type category struct {
	name domain.Category

	mu       sync.Mutex
	max      int
	held     int // permits checked out
	waiting  waitQueue
	inflight map[string]struct{} // queued or running task ids
	seq      uint64

	running  atomic.Int32 // permit holders with an execution slot
	slotWait atomic.Int32 // permit holders waiting for an execution slot
	queued   atomic.Int32
	wake     chan struct{}
}

func newCategory(name domain.Category, max int) *category {
	return &category{
		name:     name,
		max:      max,
		inflight: map[string]struct{}{},
		wake:     make(chan struct{}, 1),
	}
}

func (c *category) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Controller is the category registry. The registry lock covers lookup and
// registration only; admission holds just the category's own lock.
type Controller struct {
	dispatch Dispatcher

	mu   sync.RWMutex
	cats map[domain.Category]*category
	ctx  context.Context
	wg   sync.WaitGroup

	saturated rate.Sometimes
}

func New(d Dispatcher, limits map[domain.Category]int) *Controller {
	c := &Controller{
		dispatch:  d,
		cats:      map[domain.Category]*category{},
		saturated: rate.Sometimes{Interval: 5 * time.Second},
	}
	for name, max := range limits {
		if max < 1 {
			max = DefaultLimit
		}
		c.cats[name] = newCategory(name, max)
	}
	return c
}

// Start launches one drainer per registered category. Categories registered
// later get their drainer on registration. Drainers exit when ctx ends.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	for _, cat := range c.cats {
		c.startDrainerLocked(cat)
	}
}

// Wait blocks until all drainers have exited.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) startDrainerLocked(cat *category) {
	if c.ctx == nil {
		return
	}
	c.wg.Add(1)
	go c.drainer(c.ctx, cat)
	cat.signal()
}

func (c *Controller) lookup(name domain.Category) (*category, bool) {
	c.mu.RLock()
	cat, ok := c.cats[name]
	c.mu.RUnlock()
	return cat, ok
}

func (c *Controller) ensure(name domain.Category) *category {
	if cat, ok := c.lookup(name); ok {
		return cat
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat, ok := c.cats[name]; ok {
		return cat
	}
	cat := newCategory(name, DefaultLimit)
	c.cats[name] = cat
	c.startDrainerLocked(cat)
	log.Info().Str("component", "admission").Str("category", string(name)).Int("max", DefaultLimit).Msg("registered category")
	return cat
}

// Configure replaces the permit ceiling of a category, registering it if needed.
// Permits already checked out are unaffected.
func (c *Controller) Configure(name domain.Category, max int) error {
	if max < 1 {
		return domain.Validationf("max concurrency for %q must be at least 1, got %d", name, max)
	}
	cat := c.ensure(name)
	cat.mu.Lock()
	old := cat.max
	cat.max = max
	cat.mu.Unlock()
	if max > old {
		cat.signal()
	}
	log.Info().Str("component", "admission").Str("category", string(name)).Int("from", old).Int("to", max).Msg("concurrency configured")
	return nil
}

// Admit runs the job now if a permit is free and nobody is waiting ahead of it,
// otherwise queues it. It never blocks on a permit.
func (c *Controller) Admit(job Job) Decision {
	cat := c.ensure(job.Category)

	cat.mu.Lock()
	if _, dup := cat.inflight[job.TaskID]; dup {
		cat.mu.Unlock()
		return Duplicate
	}
	if cat.held < cat.max && cat.waiting.Len() == 0 {
		cat.held++
		cat.running.Add(1)
		cat.inflight[job.TaskID] = struct{}{}
		cat.mu.Unlock()
		c.run(cat, job)
		return Dispatched
	}
	if job.OnQueued != nil && !job.OnQueued() {
		cat.mu.Unlock()
		return Aborted
	}
	cat.seq++
	heap.Push(&cat.waiting, &waiter{job: job, seq: cat.seq})
	cat.inflight[job.TaskID] = struct{}{}
	cat.queued.Store(int32(cat.waiting.Len()))
	running, max, queued := cat.running.Load(), cat.max, cat.waiting.Len()+int(cat.slotWait.Load())
	cat.mu.Unlock()

	c.saturated.Do(func() {
		log.Warn().Str("component", "admission").Str("category", string(job.Category)).
			Int32("running", running).Int("max", max).Int("queued", queued).Msg("category saturated; queueing tasks")
	})
	// A permit may have been released between the check and the push.
	cat.signal()
	return Queued
}

// run hands a permit holder to the dispatcher. The job counts as running
// unless the dispatcher reports it blocked on an execution slot.
func (c *Controller) run(cat *category, job Job) {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	var waited bool
	blocked := func() {
		waited = true
		cat.running.Add(-1)
		cat.slotWait.Add(1)
		if job.OnQueued != nil {
			job.OnQueued()
		}
	}
	gotSlot := func() {
		if waited {
			cat.slotWait.Add(-1)
			cat.running.Add(1)
		}
	}
	c.dispatch.Go(ctx, func() {
		gotSlot()
		defer c.release(cat, job.TaskID, &cat.running)
		job.Run()
	}, blocked, func() {
		counter := &cat.running
		if waited {
			counter = &cat.slotWait
		}
		c.release(cat, job.TaskID, counter)
	})
}

func (c *Controller) release(cat *category, taskID string, counter *atomic.Int32) {
	cat.mu.Lock()
	delete(cat.inflight, taskID)
	cat.held--
	counter.Add(-1)
	cat.mu.Unlock()
	cat.signal()
}

func (c *Controller) drainer(ctx context.Context, cat *category) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cat.wake:
		}
		c.drain(cat)
	}
}

// drain admits queued jobs while permits are free, highest priority first.
func (c *Controller) drain(cat *category) {
	for {
		cat.mu.Lock()
		if cat.waiting.Len() == 0 || cat.held >= cat.max {
			cat.mu.Unlock()
			return
		}
		w := heap.Pop(&cat.waiting).(*waiter)
		cat.queued.Store(int32(cat.waiting.Len()))
		cat.held++
		cat.running.Add(1)
		cat.mu.Unlock()
		c.run(cat, w.job)
	}
}

// Remove drops a queued task. It reports false if the task was not queued.
func (c *Controller) Remove(name domain.Category, taskID string) bool {
	cat, ok := c.lookup(name)
	if !ok {
		return false
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if !cat.waiting.remove(taskID) {
		return false
	}
	delete(cat.inflight, taskID)
	cat.queued.Store(int32(cat.waiting.Len()))
	return true
}

// Holds reports whether the task is queued or running under the category.
func (c *Controller) Holds(name domain.Category, taskID string) bool {
	cat, ok := c.lookup(name)
	if !ok {
		return false
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	_, held := cat.inflight[taskID]
	return held
}

// RunningCount counts permit holders that have an execution slot.
func (c *Controller) RunningCount(name domain.Category) int {
	if cat, ok := c.lookup(name); ok {
		return int(cat.running.Load())
	}
	return 0
}

// QueuedCount counts tasks waiting for a permit or for an execution slot.
func (c *Controller) QueuedCount(name domain.Category) int {
	if cat, ok := c.lookup(name); ok {
		return int(cat.queued.Load() + cat.slotWait.Load())
	}
	return 0
}

// MaxConcurrency reports the ceiling, DefaultLimit for categories not seen yet.
func (c *Controller) MaxConcurrency(name domain.Category) int {
	cat, ok := c.lookup(name)
	if !ok {
		return DefaultLimit
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	return cat.max
}

func (c *Controller) Snapshot(name domain.Category) Snapshot {
	return Snapshot{
		Category: name,
		Max:      c.MaxConcurrency(name),
		Running:  c.RunningCount(name),
		Queued:   c.QueuedCount(name),
	}
}

// Categories returns the registered categories in name order.
func (c *Controller) Categories() []domain.Category {
	c.mu.RLock()
	out := make([]domain.Category, 0, len(c.cats))
	for name := range c.cats {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
