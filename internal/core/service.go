// Package core ties the task lifecycle together: submission, triggering,
// admission, execution, retry and startup recovery.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"taskscheduler/internal/admission"
	"taskscheduler/internal/domain"
	"taskscheduler/internal/scheduler"
	"taskscheduler/internal/store"
	"taskscheduler/internal/worker"
)

// Triggers is the trigger layer the service arms. *scheduler.Provider implements it.
type Triggers interface {
	Start()
	Stop(ctx context.Context)
	ArmOnce(taskID string, at time.Time, fn scheduler.Callback) (scheduler.Handle, error)
	ArmCron(taskID, expr string, fn scheduler.Callback) (scheduler.Handle, error)
	CancelTask(taskID string) bool
	HasCron(taskID string) bool
	NextRun(taskID string) (time.Time, bool)
}

type Options struct {
	RetryDelay     time.Duration
	DefaultTimeout time.Duration // zero means task bodies run unbounded
}

type Service struct {
	repo     store.Repository
	trig     Triggers
	adm      *admission.Controller
	workers  *worker.Pool
	handlers *worker.Registry
	opts     Options
	clock    func() time.Time

	mu         sync.Mutex
	cancel     context.CancelFunc
	bodyCtx    context.Context
	bodyCancel context.CancelFunc
	accepting  atomic.Bool
	recoverMu  sync.Mutex
}

// New wires a service. The admission controller must dispatch through workers.
func New(repo store.Repository, trig Triggers, adm *admission.Controller, workers *worker.Pool, handlers *worker.Registry, opts Options) *Service {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Service{
		repo:     repo,
		trig:     trig,
		adm:      adm,
		workers:  workers,
		handlers: handlers,
		opts:     opts,
		bodyCtx:  context.Background(),
	}
}

// Start runs recovery and then begins accepting submissions.
func (s *Service) Start(ctx context.Context) (RecoveryReport, error) {
	s.mu.Lock()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.bodyCtx, s.bodyCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.adm.Start(runCtx)
	s.trig.Start()
	rep, err := s.recover(ctx)
	if err != nil {
		return rep, err
	}
	s.accepting.Store(true)
	log.Info().Str("component", "service").Msg("accepting submissions")
	return rep, nil
}

// Shutdown stops triggering and admission, then waits for running bodies.
// If ctx ends first, running bodies are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	s.trig.Stop(ctx)

	s.mu.Lock()
	cancel, bodyCancel := s.cancel, s.bodyCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.adm.Wait()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if bodyCancel != nil {
			bodyCancel()
		}
		<-done
		return ctx.Err()
	}
	if bodyCancel != nil {
		bodyCancel()
	}
	log.Info().Str("component", "service").Msg("service stopped")
	return nil
}

type SubmitRequest struct {
	Name        string
	Description string
	Category    string
	Handler     string
	Payload     json.RawMessage
	Trigger     domain.Trigger
	Priority    int
	MaxRetries  *int // nil means domain.DefaultMaxRetries
}

func (s *Service) validate(req SubmitRequest) (domain.Task, error) {
	var t domain.Task
	if !s.accepting.Load() {
		return t, domain.Conflictf("service is not accepting submissions")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return t, domain.Validationf("name is required")
	}
	handler := strings.TrimSpace(req.Handler)
	if handler == "" {
		handler = domain.DefaultHandler
	}
	if _, ok := s.handlers.Lookup(handler); !ok {
		return t, domain.Validationf("unknown handler %q", handler)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return t, domain.Validationf("payload is not valid JSON")
	}
	maxRetries := domain.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return t, domain.Validationf("max retries must not be negative")
	}

	t = domain.Task{
		Name:        name,
		Description: req.Description,
		Category:    domain.NormalizeCategory(req.Category),
		Handler:     handler,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		Status:      domain.StatusWaiting,
	}

	tr := req.Trigger
	set := 0
	if tr.At != nil {
		set++
	}
	if strings.TrimSpace(tr.Cron) != "" {
		set++
	}
	if tr.Immediate {
		set++
	}
	switch {
	case set == 0:
		return t, domain.Validationf("a due time, cron expression or immediate trigger is required")
	case set > 1:
		return t, domain.Validationf("due time, cron expression and immediate trigger are mutually exclusive")
	case tr.At != nil:
		t.SetDue(*tr.At)
	case tr.Immediate:
		t.SetDue(s.now())
	default:
		if err := scheduler.ValidateCronExpression(tr.Cron); err != nil {
			return t, domain.Validationf("%v", err)
		}
		t.SetCron(tr.Cron)
	}
	return t, nil
}

// Submit persists a new task and arms its trigger. On any error nothing is left persisted.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	t, err := s.validate(req)
	if err != nil {
		return "", err
	}
	if err := s.repo.Save(ctx, &t); err != nil {
		return "", err
	}
	if err := s.arm(t); err != nil {
		if derr := s.repo.Delete(context.Background(), t.ID); derr != nil {
			log.Error().Str("component", "service").Str("task_id", t.ID).Err(derr).Msg("roll back submission")
		}
		if errors.Is(err, scheduler.ErrInvalidExpression) {
			return "", domain.Validationf("%v", err)
		}
		return "", domain.Scheduling(err)
	}
	log.Info().Str("component", "service").Str("task_id", t.ID).Str("name", t.Name).
		Str("category", string(t.Category)).Bool("recurring", t.IsRecurring()).Msg("task submitted")
	return t.ID, nil
}

// Cancel stops future admission and retries of a task. A running body is not interrupted.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return domain.Conflictf("task %s is already %s", id, t.Status)
	}
	ok, err := s.repo.Transition(ctx, id, domain.StatusCancelled,
		domain.StatusWaiting, domain.StatusQueued, domain.StatusRunning, domain.StatusFailed)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflictf("task %s changed state concurrently", id)
	}
	s.trig.CancelTask(id)
	s.adm.Remove(t.Category, id)
	log.Info().Str("component", "service").Str("task_id", id).Str("from", string(t.Status)).Msg("task cancelled")
	return nil
}

// RetryNow immediately re-attempts a failed task that still has retries left.
func (s *Service) RetryNow(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusFailed {
		return domain.Conflictf("task %s is %s, only failed tasks can be retried", id, t.Status)
	}
	if !t.RetriesLeft() {
		return domain.Conflictf("task %s has exhausted its %d retries", id, t.MaxRetries)
	}
	t.RetryCount++
	t.LastError = ""
	t.Status = domain.StatusWaiting
	if t.IsOneShot() {
		t.SetDue(s.now())
	}
	ok, err := s.repo.SaveIf(ctx, t, domain.StatusFailed)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflictf("task %s changed state concurrently", id)
	}
	if t.IsRecurring() {
		if err := s.rearm(t); err != nil {
			return s.failArm(ctx, t, err)
		}
	}
	if _, err := s.trig.ArmOnce(t.ID, s.now(), s.fire); err != nil {
		return s.failArm(ctx, t, err)
	}
	log.Info().Str("component", "service").Str("task_id", id).Int("retry", t.RetryCount).Msg("manual retry")
	return nil
}

// ConfigureConcurrency sets the permit ceiling of a category.
func (s *Service) ConfigureConcurrency(category string, max int) error {
	return s.adm.Configure(domain.NormalizeCategory(category), max)
}

type CategoryStatus = admission.Snapshot

func (s *Service) Status(category string) CategoryStatus {
	return s.adm.Snapshot(domain.NormalizeCategory(category))
}

func (s *Service) Statuses() []CategoryStatus {
	cats := s.adm.Categories()
	out := make([]CategoryStatus, 0, len(cats))
	for _, c := range cats {
		out = append(out, s.adm.Snapshot(c))
	}
	return out
}

// LogsFor returns a task's execution history, newest first. History outlives the task record.
func (s *Service) LogsFor(ctx context.Context, id string) ([]domain.ExecutionLogEntry, error) {
	logs, err := s.repo.FindLogsByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return t, domain.NotFound(id)
	}
	return t, err
}

// NextRun reports when the task's trigger fires next, if it is armed.
func (s *Service) NextRun(id string) (time.Time, bool) {
	return s.trig.NextRun(id)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]domain.Task, error) {
	return s.repo.ListRecentTasks(ctx, limit)
}

func (s *Service) ByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	if !status.Valid() {
		return nil, domain.Validationf("unknown status %q", status)
	}
	return s.repo.FindByStatus(ctx, status)
}

// DueBefore lists waiting one-shot tasks due at or before t.
func (s *Service) DueBefore(ctx context.Context, t time.Time) ([]domain.Task, error) {
	return s.repo.FindDueOneShot(ctx, t)
}

// RecentFailures lists the latest failed execution attempts across all tasks.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]domain.ExecutionLogEntry, error) {
	return s.repo.FindLogsByOutcome(ctx, domain.StatusFailed, limit)
}

// ResizeWorkers changes the shared worker pool size at runtime.
func (s *Service) ResizeWorkers(n int) error {
	if n < 1 {
		return domain.Validationf("worker count must be at least 1, got %d", n)
	}
	s.workers.Resize(n)
	return nil
}

type WorkerStatus struct {
	Size   int `json:"size"`
	Active int `json:"active"`
}

func (s *Service) Workers() WorkerStatus {
	return WorkerStatus{Size: s.workers.Size(), Active: s.workers.Active()}
}

// Handlers lists the registered handler names.
func (s *Service) Handlers() []string { return s.handlers.Names() }
