package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"taskscheduler/internal/admission"
	"taskscheduler/internal/domain"
)

// fire is the callback every trigger registration closes over.
func (s *Service) fire(taskID string) {
	t, err := s.repo.FindByID(context.Background(), taskID)
	if err != nil {
		log.Error().Str("component", "executor").Str("task_id", taskID).Err(err).Msg("trigger fired for unreadable task")
		return
	}
	if t.Status != domain.StatusWaiting {
		// Cancelled, finished, or a recurring occurrence still running.
		log.Debug().Str("component", "executor").Str("task_id", taskID).Str("status", string(t.Status)).Msg("trigger skipped")
		return
	}
	s.admit(t)
}

func (s *Service) admit(t domain.Task) admission.Decision {
	id := t.ID
	d := s.adm.Admit(admission.Job{
		TaskID:   id,
		Category: t.Category,
		Priority: t.Priority,
		Run:      func() { s.execute(id) },
		OnQueued: func() bool {
			ok, err := s.repo.Transition(context.Background(), id, domain.StatusQueued, domain.StatusWaiting)
			if err != nil {
				log.Error().Str("component", "executor").Str("task_id", id).Err(err).Msg("persist queued state")
				return false
			}
			return ok
		},
	})
	log.Debug().Str("component", "executor").Str("task_id", id).Str("category", string(t.Category)).Stringer("decision", d).Msg("task admitted")
	return d
}

// execute runs one attempt of a task that holds a permit.
func (s *Service) execute(taskID string) {
	ctx := context.Background()
	ok, err := s.repo.Transition(ctx, taskID, domain.StatusRunning, domain.StatusWaiting, domain.StatusQueued)
	if err != nil {
		log.Error().Str("component", "executor").Str("task_id", taskID).Err(err).Msg("transition to running")
		return
	}
	if !ok {
		// Cancelled while queued.
		log.Debug().Str("component", "executor").Str("task_id", taskID).Msg("task no longer runnable")
		return
	}
	t, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		log.Error().Str("component", "executor").Str("task_id", taskID).Err(err).Msg("load running task")
		return
	}

	start := s.now()
	runErr := s.runBody(t)
	elapsed := s.now().Sub(start)

	entry := domain.ExecutionLogEntry{
		TaskID:         t.ID,
		TaskName:       t.Name,
		ExecutedAt:     start,
		Outcome:        domain.StatusCompleted,
		DurationMillis: elapsed.Milliseconds(),
	}
	if runErr != nil {
		entry.Outcome = domain.StatusFailed
		entry.Error = runErr.Error()
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		log.Error().Str("component", "executor").Str("task_id", t.ID).Err(err).Msg("append execution log")
	}

	if runErr == nil {
		t.LastError = ""
		if t.IsRecurring() {
			t.Status = domain.StatusWaiting
			t.RetryCount = 0
		} else {
			t.Status = domain.StatusCompleted
		}
		if _, err := s.repo.SaveIf(ctx, t, domain.StatusRunning); err != nil {
			log.Error().Str("component", "executor").Str("task_id", t.ID).Err(err).Msg("persist completion")
		}
		log.Info().Str("component", "executor").Str("task_id", t.ID).Str("name", t.Name).Dur("took", elapsed).Msg("task completed")
		return
	}

	t.Status = domain.StatusFailed
	t.LastError = runErr.Error()
	saved, err := s.repo.SaveIf(ctx, t, domain.StatusRunning)
	if err != nil {
		log.Error().Str("component", "executor").Str("task_id", t.ID).Err(err).Msg("persist failure")
		return
	}
	log.Warn().Str("component", "executor").Str("task_id", t.ID).Str("name", t.Name).Int("attempt", t.RetryCount+1).Err(runErr).Msg("task failed")
	if !saved {
		// Cancelled while running; the cancellation stands.
		return
	}
	s.onFailure(ctx, t)
}

// runBody calls the task's handler, converting panics and timeouts into errors.
func (s *Service) runBody(t domain.Task) (err error) {
	h, ok := s.handlers.Lookup(t.Handler)
	if !ok {
		return fmt.Errorf("%w: unknown handler %q", domain.ErrExecution, t.Handler)
	}
	s.mu.Lock()
	ctx := s.bodyCtx
	s.mu.Unlock()
	if s.opts.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DefaultTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "executor").Str("task_id", t.ID).Bytes("stack", debug.Stack()).Msg("task body panicked")
			err = fmt.Errorf("%w: panic: %v", domain.ErrExecution, r)
		}
	}()
	if err := h.Handle(ctx, t.Payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return fmt.Errorf("%w: timed out after %s", domain.ErrExecution, s.opts.DefaultTimeout)
		}
		return fmt.Errorf("%w: %v", domain.ErrExecution, err)
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}
