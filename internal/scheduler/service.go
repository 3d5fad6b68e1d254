package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped           = errors.New("trigger provider stopped")
	ErrInvalidExpression = errors.New("invalid cron expression")
)

// parser accepts standard five-field specs, an optional leading seconds field and @descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Callback is invoked with the task id when a trigger fires.
type Callback func(taskID string)

type Kind int

const (
	KindOnce Kind = iota
	KindCron
)

// Handle identifies one registration. A handle of a superseded registration cancels nothing.
type Handle struct {
	TaskID  string
	Kind    Kind
	version uint64
	entryID cron.EntryID
}

type onceEntry struct {
	timer   *time.Timer
	at      time.Time
	version uint64
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

// Provider arms one-shot timers and recurring cron triggers keyed by task id.
// Arming an id again replaces its previous registration of the same kind.
type Provider struct {
	mu      sync.Mutex
	cron    *cron.Cron
	once    map[string]onceEntry
	crons   map[string]cronEntry
	seq     uint64
	stopped bool
}

func NewProvider(loc *time.Location) *Provider {
	if loc == nil {
		loc = time.Local
	}
	return &Provider{
		cron:  cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		once:  map[string]onceEntry{},
		crons: map[string]cronEntry{},
	}
}

func (p *Provider) Start() {
	p.cron.Start()
	log.Info().Str("component", "trigger").Msg("trigger provider started")
}

// Stop halts cron triggering and all pending one-shot timers.
func (p *Provider) Stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	for id, e := range p.once {
		e.timer.Stop()
		delete(p.once, id)
	}
	p.mu.Unlock()

	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
	log.Info().Str("component", "trigger").Msg("trigger provider stopped")
}

// ArmOnce fires fn(taskID) at the given time. Past times fire immediately.
func (p *Provider) ArmOnce(taskID string, at time.Time, fn Callback) (Handle, error) {
	if fn == nil {
		return Handle{}, fmt.Errorf("nil callback for task %s", taskID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return Handle{}, ErrStopped
	}
	if prev, ok := p.once[taskID]; ok {
		prev.timer.Stop()
	}
	p.seq++
	ver := p.seq
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		// A replaced or cancelled registration may still be firing; ignore it.
		p.mu.Lock()
		cur, ok := p.once[taskID]
		if !ok || cur.version != ver {
			p.mu.Unlock()
			return
		}
		delete(p.once, taskID)
		p.mu.Unlock()
		fn(taskID)
	})
	p.once[taskID] = onceEntry{timer: timer, at: at, version: ver}
	return Handle{TaskID: taskID, Kind: KindOnce, version: ver}, nil
}

// ArmCron fires fn(taskID) on every occurrence of expr.
func (p *Provider) ArmCron(taskID, expr string, fn Callback) (Handle, error) {
	if fn == nil {
		return Handle{}, fmt.Errorf("nil callback for task %s", taskID)
	}
	expr = strings.TrimSpace(expr)
	if err := ValidateCronExpression(expr); err != nil {
		return Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return Handle{}, ErrStopped
	}
	if prev, ok := p.crons[taskID]; ok {
		p.cron.Remove(prev.id)
	}
	id, err := p.cron.AddFunc(expr, func() { fn(taskID) })
	if err != nil {
		delete(p.crons, taskID)
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	p.crons[taskID] = cronEntry{id: id, expr: expr}
	return Handle{TaskID: taskID, Kind: KindCron, entryID: id}, nil
}

// Cancel removes the registration identified by h if it is still current.
func (p *Provider) Cancel(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch h.Kind {
	case KindOnce:
		e, ok := p.once[h.TaskID]
		if !ok || e.version != h.version {
			return false
		}
		e.timer.Stop()
		delete(p.once, h.TaskID)
		return true
	case KindCron:
		e, ok := p.crons[h.TaskID]
		if !ok || e.id != h.entryID {
			return false
		}
		p.cron.Remove(e.id)
		delete(p.crons, h.TaskID)
		return true
	}
	return false
}

// CancelTask removes every registration for taskID.
func (p *Provider) CancelTask(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := false
	if e, ok := p.once[taskID]; ok {
		e.timer.Stop()
		delete(p.once, taskID)
		removed = true
	}
	if e, ok := p.crons[taskID]; ok {
		p.cron.Remove(e.id)
		delete(p.crons, taskID)
		removed = true
	}
	return removed
}

func (p *Provider) HasCron(taskID string) bool {
	p.mu.Lock()
	_, ok := p.crons[taskID]
	p.mu.Unlock()
	return ok
}

// NextRun reports when taskID fires next: the pending one-shot time if any, else the next cron occurrence.
func (p *Provider) NextRun(taskID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.once[taskID]; ok {
		return e.at, true
	}
	if e, ok := p.crons[taskID]; ok {
		next := p.cron.Entry(e.id).Next
		if next.IsZero() {
			// Not started yet; compute from the expression.
			if n, err := NextRunTime(e.expr, time.Now()); err == nil {
				return n, true
			}
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// Pending returns the number of one-shot and cron registrations.
func (p *Provider) Pending() (once, recurring int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.once), len(p.crons)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return s.Next(from), nil
}
