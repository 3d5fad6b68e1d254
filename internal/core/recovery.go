package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"taskscheduler/internal/domain"
)

// RecoveryReport counts what recovery found in the store.
type RecoveryReport struct {
	OneShot     int `json:"one_shot"`     // waiting one-shot tasks re-armed
	Overdue     int `json:"overdue"`      // of which already due, fired at once
	Recurring   int `json:"recurring"`    // cron registrations restored
	Interrupted int `json:"interrupted"`  // queued or running at crash time, re-admitted now
	Retried     int `json:"retried"`      // failed tasks that still had retries
	InFlight    int `json:"in_flight"`    // queued or running in this process, left alone
	ArmFailures int `json:"arm_failures"` // registrations the trigger layer rejected
}

// Recover re-runs recovery on a started service. Tasks this process is still
// queueing or running are left alone.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	if !s.accepting.Load() {
		return RecoveryReport{}, domain.Conflictf("service is not running")
	}
	return s.recover(ctx)
}

// recover rebuilds every trigger from durable state. Arming replaces any previous
// registration for the same id and admission rejects duplicates, so it is safe to
// run more than once.
func (s *Service) recover(ctx context.Context) (RecoveryReport, error) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	var rep RecoveryReport
	now := s.now()

	waiting, err := s.repo.FindByStatus(ctx, domain.StatusWaiting)
	if err != nil {
		return rep, fmt.Errorf("load waiting tasks: %w", err)
	}
	for _, t := range waiting {
		if !t.IsOneShot() {
			continue
		}
		if err := s.arm(t); err != nil {
			rep.ArmFailures++
			log.Error().Str("component", "recovery").Str("task_id", t.ID).Err(err).Msg("re-arm one-shot task")
			continue
		}
		rep.OneShot++
		if !t.DueAt.After(now) {
			rep.Overdue++
		}
	}

	recurring, err := s.repo.FindRecurringPending(ctx)
	if err != nil {
		return rep, fmt.Errorf("load recurring tasks: %w", err)
	}
	for _, t := range recurring {
		if err := s.arm(t); err != nil {
			rep.ArmFailures++
			log.Error().Str("component", "recovery").Str("task_id", t.ID).Str("cron", t.CronExpr).Err(err).Msg("re-register cron task")
			continue
		}
		rep.Recurring++
	}

	for _, st := range []domain.Status{domain.StatusQueued, domain.StatusRunning} {
		stale, err := s.repo.FindByStatus(ctx, st)
		if err != nil {
			return rep, fmt.Errorf("load %s tasks: %w", st, err)
		}
		for _, t := range stale {
			if s.adm.Holds(t.Category, t.ID) {
				rep.InFlight++
				continue
			}
			resumed, err := s.resume(ctx, t, st)
			switch {
			case err != nil:
				rep.ArmFailures++
			case resumed:
				rep.Interrupted++
			}
		}
	}

	failed, err := s.repo.FindFailedRetryEligible(ctx)
	if err != nil {
		return rep, fmt.Errorf("load retry-eligible tasks: %w", err)
	}
	for _, t := range failed {
		s.onFailure(ctx, t)
		rep.Retried++
	}

	log.Info().Str("component", "recovery").
		Int("one_shot", rep.OneShot).Int("overdue", rep.Overdue).Int("recurring", rep.Recurring).
		Int("interrupted", rep.Interrupted).Int("in_flight", rep.InFlight).Int("retried", rep.Retried).Int("arm_failures", rep.ArmFailures).
		Msg("recovery finished")
	return rep, nil
}

// resume treats a task caught mid-flight by a crash as waiting and due now.
// It reports false without error if the task moved on in the meantime.
func (s *Service) resume(ctx context.Context, t domain.Task, from domain.Status) (bool, error) {
	t.Status = domain.StatusWaiting
	if t.IsOneShot() {
		t.SetDue(s.now())
	}
	ok, err := s.repo.SaveIf(ctx, t, from)
	if err != nil {
		log.Error().Str("component", "recovery").Str("task_id", t.ID).Err(err).Msg("reset interrupted task")
		return false, err
	}
	if !ok {
		log.Debug().Str("component", "recovery").Str("task_id", t.ID).Msg("interrupted task changed state; skipped")
		return false, nil
	}
	if t.IsRecurring() {
		if err := s.arm(t); err != nil {
			log.Error().Str("component", "recovery").Str("task_id", t.ID).Err(err).Msg("re-register interrupted cron task")
			return false, err
		}
	}
	if _, err := s.trig.ArmOnce(t.ID, s.now(), s.fire); err != nil {
		log.Error().Str("component", "recovery").Str("task_id", t.ID).Err(err).Msg("re-admit interrupted task")
		return false, err
	}
	return true, nil
}
