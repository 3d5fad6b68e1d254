package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskscheduler/internal/domain"
)

// DefaultRetryDelay is how long a failed one-shot task waits before its next attempt.
const DefaultRetryDelay = time.Minute

// onFailure decides what happens to a task that has just been persisted as FAILED.
// One-shot tasks are re-armed after RetryDelay; recurring tasks wait for their next
// cron occurrence.
func (s *Service) onFailure(ctx context.Context, t domain.Task) {
	if !t.RetriesLeft() {
		if t.IsRecurring() {
			s.trig.CancelTask(t.ID)
		}
		log.Warn().Str("component", "retry").Str("task_id", t.ID).Int("retries", t.RetryCount).Msg("retries exhausted; task failed")
		return
	}

	t.RetryCount++
	t.LastError = ""
	t.Status = domain.StatusWaiting
	if t.IsOneShot() {
		t.SetDue(s.now().Add(s.opts.RetryDelay))
	}
	ok, err := s.repo.SaveIf(ctx, t, domain.StatusFailed)
	if err != nil {
		log.Error().Str("component", "retry").Str("task_id", t.ID).Err(err).Msg("persist retry")
		return
	}
	if !ok {
		return
	}

	if err := s.rearm(t); err != nil {
		s.failArm(ctx, t, err)
		return
	}
	log.Info().Str("component", "retry").Str("task_id", t.ID).
		Str("attempt", fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)).Msg("task scheduled for retry")
}

// failArm records a rejected re-arm. The task is left FAILED with no retries
// left, so neither recovery nor a later failure spends another attempt on it.
func (s *Service) failArm(ctx context.Context, t domain.Task, err error) error {
	schedErr := domain.Scheduling(err)
	log.Error().Str("component", "retry").Str("task_id", t.ID).Err(schedErr).Msg("re-arm failed; task left failed")
	if t.IsRecurring() {
		s.trig.CancelTask(t.ID)
	}
	t.Status = domain.StatusFailed
	t.LastError = schedErr.Error()
	t.RetryCount = t.MaxRetries
	if _, serr := s.repo.SaveIf(ctx, t, domain.StatusWaiting); serr != nil {
		log.Error().Str("component", "retry").Str("task_id", t.ID).Err(serr).Msg("persist re-arm failure")
	}
	return schedErr
}

// rearm is arm for retries: a live cron registration keeps serving recurring tasks.
func (s *Service) rearm(t domain.Task) error {
	if t.IsRecurring() && s.trig.HasCron(t.ID) {
		return nil
	}
	return s.arm(t)
}

// arm registers the task's trigger, replacing any previous registration for its id.
func (s *Service) arm(t domain.Task) error {
	if t.IsRecurring() {
		_, err := s.trig.ArmCron(t.ID, t.CronExpr, s.fire)
		return err
	}
	if t.DueAt == nil {
		return fmt.Errorf("task %s has neither due time nor cron expression", t.ID)
	}
	_, err := s.trig.ArmOnce(t.ID, *t.DueAt, s.fire)
	return err
}
