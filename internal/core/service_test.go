package core

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/admission"
	"taskscheduler/internal/domain"
	"taskscheduler/internal/handlers/noop"
	"taskscheduler/internal/scheduler"
	"taskscheduler/internal/store"
	"taskscheduler/internal/worker"
)

type fixture struct {
	svc  *Service
	repo store.Repository
	gate chan struct{}
}

func newFixture(t *testing.T, dbPath string, opts Options, limits map[domain.Category]int) *fixture {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "tasks.db")
	}
	db, err := store.Open(dbPath, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := store.NewSQLiteRepo(db)

	f := &fixture{repo: repo, gate: make(chan struct{})}
	reg := worker.NewRegistry()
	reg.Register("noop", noop.Noop{})
	reg.Register("fail", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	}))
	reg.Register("panic", worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	}))
	reg.Register("block", worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		select {
		case <-f.gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	pool := worker.NewPool(8)
	if limits == nil {
		limits = domain.KnownCategories()
	}
	adm := admission.New(pool, limits)
	f.svc = New(repo, scheduler.NewProvider(time.UTC), adm, pool, reg, opts)
	return f
}

func (f *fixture) start(t *testing.T) RecoveryReport {
	t.Helper()
	rep, err := f.svc.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return rep
}

func started(t *testing.T, opts Options) *fixture {
	f := newFixture(t, "", opts, nil)
	f.start(t)
	return f
}

func (f *fixture) submit(t *testing.T, req SubmitRequest) string {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (f *fixture) waitStatus(t *testing.T, id string, want domain.Status) domain.Task {
	t.Helper()
	var last domain.Task
	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = got
		return got.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func (f *fixture) logs(t *testing.T, id string) []domain.ExecutionLogEntry {
	t.Helper()
	logs, err := f.svc.LogsFor(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func intPtr(n int) *int { return &n }

// flakyTriggers rejects one-shot arms once armOK calls have succeeded.
type flakyTriggers struct {
	Triggers
	armOK int32
	calls atomic.Int32
}

func (f *flakyTriggers) ArmOnce(taskID string, at time.Time, fn scheduler.Callback) (scheduler.Handle, error) {
	if f.calls.Add(1) > f.armOK {
		return scheduler.Handle{}, errors.New("trigger layer unavailable")
	}
	return f.Triggers.ArmOnce(taskID, at, fn)
}

func TestImmediateTaskCompletes(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "hello", Trigger: domain.Immediately()})

	got := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, domain.CategoryDefault, got.Category)
	logs := f.logs(t, id)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StatusCompleted, logs[0].Outcome)
	assert.Equal(t, "hello", logs[0].TaskName)
	assert.Empty(t, logs[0].Error)
}

func TestRetryBoundProducesOneLogPerAttempt(t *testing.T) {
	f := started(t, Options{RetryDelay: 10 * time.Millisecond})
	id := f.submit(t, SubmitRequest{Name: "flaky", Handler: "fail", Trigger: domain.Immediately(), MaxRetries: intPtr(2)})

	require.Eventually(t, func() bool {
		got, _ := f.svc.Get(context.Background(), id)
		return got.Status == domain.StatusFailed && len(f.logs(t, id)) == 3
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	logs := f.logs(t, id)
	assert.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, domain.StatusFailed, l.Outcome)
		assert.Contains(t, l.Error, "boom")
	}
	got, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.Terminal())
	assert.Contains(t, got.LastError, "boom")
}

func TestCancelWaitingTaskNeverRuns(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "later", Trigger: domain.At(time.Now().Add(150 * time.Millisecond))})

	require.NoError(t, f.svc.Cancel(context.Background(), id))
	time.Sleep(300 * time.Millisecond)

	got, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, f.logs(t, id))

	err = f.svc.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	got, _ = f.svc.Get(context.Background(), id)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestCancelCompletedTaskConflicts(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "done", Trigger: domain.Immediately()})
	f.waitStatus(t, id, domain.StatusCompleted)

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), id), domain.ErrStateConflict)
	f.waitStatus(t, id, domain.StatusCompleted)
}

func TestCancelRunningTaskKeepsCancellation(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "long", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, id, domain.StatusRunning)

	require.NoError(t, f.svc.Cancel(context.Background(), id))
	f.gate <- struct{}{}

	require.Eventually(t, func() bool { return len(f.logs(t, id)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	f := started(t, Options{})
	ctx := context.Background()
	assert.ErrorIs(t, f.svc.Cancel(ctx, "tsk_nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.RetryNow(ctx, "tsk_nope"), domain.ErrNotFound)
	_, err := f.svc.LogsFor(ctx, "tsk_nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidCronIsRejectedAndNotPersisted(t *testing.T) {
	f := started(t, Options{})
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Name: "bad", Trigger: domain.Cron("every tuesday-ish")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	tasks, err := f.svc.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSubmitValidation(t *testing.T) {
	f := started(t, Options{})
	at := time.Now().Add(time.Hour)
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "missing name", req: SubmitRequest{Trigger: domain.Immediately()}},
		{name: "missing trigger", req: SubmitRequest{Name: "x"}},
		{name: "two triggers", req: SubmitRequest{Name: "x", Trigger: domain.Trigger{At: &at, Cron: "* * * * *"}}},
		{name: "unknown handler", req: SubmitRequest{Name: "x", Handler: "teleport", Trigger: domain.Immediately()}},
		{name: "negative retries", req: SubmitRequest{Name: "x", Trigger: domain.Immediately(), MaxRetries: intPtr(-1)}},
		{name: "bad payload", req: SubmitRequest{Name: "x", Trigger: domain.Immediately(), Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	tasks, err := f.svc.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSubmitBeforeStartIsRejected(t *testing.T) {
	f := newFixture(t, "", Options{}, nil)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Name: "early", Trigger: domain.Immediately()})
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestCategoryLimitQueuesExcessTasks(t *testing.T) {
	f := newFixture(t, "", Options{}, map[domain.Category]int{domain.CategoryReportGeneration: 2})
	f.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.submit(t, SubmitRequest{Name: "report", Category: "report-generation", Handler: "block", Trigger: domain.Immediately()}))
	}
	require.Eventually(t, func() bool {
		st := f.svc.Status("report_generation")
		return st.Running == 2 && st.Queued == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued, err := f.svc.ByStatus(context.Background(), domain.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	for range ids {
		f.gate <- struct{}{}
	}
	for _, id := range ids {
		f.waitStatus(t, id, domain.StatusCompleted)
	}
	require.Eventually(t, func() bool {
		return f.svc.Status("report_generation") == CategoryStatus{Category: domain.CategoryReportGeneration, Max: 2}
	}, time.Second, 10*time.Millisecond)
}

func TestEmailHighPriorityRunsNext(t *testing.T) {
	f := started(t, Options{})
	require.NoError(t, f.svc.ConfigureConcurrency("email", 1))

	a := f.submit(t, SubmitRequest{Name: "A", Category: "email", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, a, domain.StatusRunning)
	b := f.submit(t, SubmitRequest{Name: "B", Category: "email", Handler: "block", Priority: 5, Trigger: domain.Immediately()})
	f.waitStatus(t, b, domain.StatusQueued)
	c := f.submit(t, SubmitRequest{Name: "C", Category: "email", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, c, domain.StatusQueued)

	f.gate <- struct{}{}
	f.waitStatus(t, b, domain.StatusRunning)
	got, _ := f.svc.Get(context.Background(), c)
	assert.Equal(t, domain.StatusQueued, got.Status)

	f.gate <- struct{}{}
	f.waitStatus(t, c, domain.StatusRunning)
	f.gate <- struct{}{}
	f.waitStatus(t, c, domain.StatusCompleted)
}

func TestCancelQueuedTaskRemovesItFromQueue(t *testing.T) {
	f := started(t, Options{})
	require.NoError(t, f.svc.ConfigureConcurrency("email", 1))
	a := f.submit(t, SubmitRequest{Name: "A", Category: "email", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, a, domain.StatusRunning)
	b := f.submit(t, SubmitRequest{Name: "B", Category: "email", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, b, domain.StatusQueued)

	require.NoError(t, f.svc.Cancel(context.Background(), b))
	assert.Equal(t, 0, f.svc.Status("email").Queued)

	f.gate <- struct{}{}
	f.waitStatus(t, a, domain.StatusCompleted)
	assert.Empty(t, f.logs(t, b))
}

func TestRecurringOccurrenceReturnsToWaiting(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "yearly", Trigger: domain.Cron("0 0 1 1 *")})
	_, armed := f.svc.NextRun(id)
	assert.True(t, armed)

	f.svc.fire(id)
	require.Eventually(t, func() bool { return len(f.logs(t, id)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := f.waitStatus(t, id, domain.StatusWaiting)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, f.svc.trig.HasCron(id))
}

func TestRecurringFailureRetriesOnNextOccurrence(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "nightly", Handler: "fail", Trigger: domain.Cron("0 0 1 1 *"), MaxRetries: intPtr(1)})

	f.svc.fire(id)
	require.Eventually(t, func() bool { return len(f.logs(t, id)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := f.waitStatus(t, id, domain.StatusWaiting)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, f.svc.trig.HasCron(id))

	f.svc.fire(id)
	require.Eventually(t, func() bool { return len(f.logs(t, id)) == 2 }, 2*time.Second, 10*time.Millisecond)
	f.waitStatus(t, id, domain.StatusFailed)
	assert.False(t, f.svc.trig.HasCron(id), "exhausted recurring task is unregistered")
}

func TestRetryNow(t *testing.T) {
	f := started(t, Options{})
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	failed := domain.Task{Name: "manual", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 2, Status: domain.StatusFailed, LastError: "boom"}
	failed.SetDue(due)
	require.NoError(t, f.repo.Save(ctx, &failed))

	require.NoError(t, f.svc.RetryNow(ctx, failed.ID))
	got := f.waitStatus(t, failed.ID, domain.StatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.LastError)

	assert.ErrorIs(t, f.svc.RetryNow(ctx, failed.ID), domain.ErrStateConflict)

	exhausted := domain.Task{Name: "spent", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 1, RetryCount: 1, Status: domain.StatusFailed}
	exhausted.SetDue(due)
	require.NoError(t, f.repo.Save(ctx, &exhausted))
	assert.ErrorIs(t, f.svc.RetryNow(ctx, exhausted.ID), domain.ErrStateConflict)
	got, _ = f.svc.Get(ctx, exhausted.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestTimeoutAndPanicBecomeFailures(t *testing.T) {
	f := started(t, Options{DefaultTimeout: 30 * time.Millisecond})
	slow := f.submit(t, SubmitRequest{Name: "slow", Handler: "block", Trigger: domain.Immediately(), MaxRetries: intPtr(0)})
	crash := f.submit(t, SubmitRequest{Name: "crash", Handler: "panic", Trigger: domain.Immediately(), MaxRetries: intPtr(0)})

	got := f.waitStatus(t, slow, domain.StatusFailed)
	assert.Contains(t, got.LastError, "timed out")
	got = f.waitStatus(t, crash, domain.StatusFailed)
	assert.Contains(t, got.LastError, "kaboom")
	require.Len(t, f.logs(t, crash), 1)
}

func TestRecoveryFiresFutureOneShotExactlyOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	first := newFixture(t, dbPath, Options{}, nil)
	first.start(t)
	id := first.submit(t, SubmitRequest{Name: "survivor", Trigger: domain.At(time.Now().Add(300 * time.Millisecond))})
	require.NoError(t, first.svc.Shutdown(context.Background()))

	second := newFixture(t, dbPath, Options{}, nil)
	rep := second.start(t)
	assert.Equal(t, 1, rep.OneShot)
	again, err := second.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.OneShot)

	second.waitStatus(t, id, domain.StatusCompleted)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, second.logs(t, id), 1)
}

func TestRecoveryResumesInterruptedTasks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	f := newFixture(t, dbPath, Options{RetryDelay: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	running := domain.Task{Name: "crashed", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 3, Status: domain.StatusRunning}
	running.SetDue(time.Now().Add(-time.Hour))
	queued := domain.Task{Name: "stuck", Handler: "noop", Category: domain.CategoryEmail, MaxRetries: 3, Status: domain.StatusQueued}
	queued.SetDue(time.Now().Add(-time.Hour))
	cron := domain.Task{Name: "ticker", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 3, Status: domain.StatusRunning}
	cron.SetCron("0 0 1 1 *")
	failed := domain.Task{Name: "retry-me", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 1, Status: domain.StatusFailed}
	failed.SetDue(time.Now().Add(-time.Hour))
	done := domain.Task{Name: "done", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 3, Status: domain.StatusCompleted}
	done.SetDue(time.Now().Add(-time.Hour))
	for _, task := range []*domain.Task{&running, &queued, &cron, &failed, &done} {
		require.NoError(t, f.repo.Save(ctx, task))
	}

	rep := f.start(t)
	assert.Equal(t, 3, rep.Interrupted)
	assert.Equal(t, 1, rep.Retried)

	f.waitStatus(t, running.ID, domain.StatusCompleted)
	f.waitStatus(t, queued.ID, domain.StatusCompleted)
	f.waitStatus(t, failed.ID, domain.StatusCompleted)
	require.Eventually(t, func() bool { return len(f.logs(t, cron.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)
	f.waitStatus(t, cron.ID, domain.StatusWaiting)
	assert.True(t, f.svc.trig.HasCron(cron.ID))
	assert.Empty(t, f.logs(t, done.ID))
}

func TestWorkerResizeValidation(t *testing.T) {
	f := started(t, Options{})
	assert.ErrorIs(t, f.svc.ResizeWorkers(0), domain.ErrValidation)
	require.NoError(t, f.svc.ResizeWorkers(3))
	assert.Equal(t, 3, f.svc.Workers().Size)
	assert.ErrorIs(t, f.svc.ConfigureConcurrency("email", 0), domain.ErrValidation)
}

func TestWorkerPoolSmallerThanCategoryLimit(t *testing.T) {
	f := newFixture(t, "", Options{}, map[domain.Category]int{domain.CategoryFileUpload: 3})
	f.start(t)
	require.NoError(t, f.svc.ResizeWorkers(1))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.submit(t, SubmitRequest{Name: "upload", Category: "file_upload", Handler: "block", Trigger: domain.Immediately()}))
	}
	require.Eventually(t, func() bool {
		st := f.svc.Status("file_upload")
		return st.Running == 1 && st.Queued == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		running, _ := f.svc.ByStatus(context.Background(), domain.StatusRunning)
		queued, _ := f.svc.ByStatus(context.Background(), domain.StatusQueued)
		return len(running) == 1 && len(queued) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for range ids {
		f.gate <- struct{}{}
	}
	for _, id := range ids {
		f.waitStatus(t, id, domain.StatusCompleted)
	}
}

func TestRejectedRetryArmLeavesTaskTerminallyFailed(t *testing.T) {
	f := newFixture(t, "", Options{RetryDelay: 10 * time.Millisecond}, nil)
	f.svc.trig = &flakyTriggers{Triggers: f.svc.trig, armOK: 1}
	f.start(t)

	id := f.submit(t, SubmitRequest{Name: "doomed", Handler: "fail", Trigger: domain.Immediately(), MaxRetries: intPtr(2)})
	got := f.waitStatus(t, id, domain.StatusFailed)
	require.Eventually(t, func() bool {
		got, _ = f.svc.Get(context.Background(), id)
		return got.Status == domain.StatusFailed && got.RetryCount == got.MaxRetries
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, got.LastError, domain.ErrScheduling.Error())
	assert.False(t, got.RetriesLeft())

	rep, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Retried)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.logs(t, id), 1)
	got, _ = f.svc.Get(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.ErrorIs(t, f.svc.RetryNow(context.Background(), id), domain.ErrStateConflict)
}

func TestRetryNowArmFailureIsSchedulingError(t *testing.T) {
	f := newFixture(t, "", Options{}, nil)
	f.svc.trig = &flakyTriggers{Triggers: f.svc.trig}
	f.start(t)
	ctx := context.Background()

	failed := domain.Task{Name: "manual", Handler: "noop", Category: domain.CategoryDefault, MaxRetries: 3, Status: domain.StatusFailed}
	failed.SetCron("0 0 1 1 *")
	require.NoError(t, f.repo.Save(ctx, &failed))

	assert.ErrorIs(t, f.svc.RetryNow(ctx, failed.ID), domain.ErrScheduling)
	got, err := f.svc.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.False(t, f.svc.trig.HasCron(failed.ID))
}

func TestRecoverLeavesInFlightTasksAlone(t *testing.T) {
	f := started(t, Options{})
	id := f.submit(t, SubmitRequest{Name: "busy", Handler: "block", Trigger: domain.Immediately()})
	f.waitStatus(t, id, domain.StatusRunning)

	for i := 0; i < 2; i++ {
		rep, err := f.svc.Recover(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rep.InFlight)
		assert.Equal(t, 0, rep.Interrupted)
	}

	f.gate <- struct{}{}
	f.waitStatus(t, id, domain.StatusCompleted)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.logs(t, id), 1)
}

func TestRecoverBeforeStartConflicts(t *testing.T) {
	f := newFixture(t, "", Options{}, nil)
	_, err := f.svc.Recover(context.Background())
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}
