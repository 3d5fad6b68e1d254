package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"taskscheduler/internal/core"
	"taskscheduler/internal/domain"
)

// Scheduler is the operational surface served over HTTP. *core.Service implements it.
type Scheduler interface {
	Submit(ctx context.Context, req core.SubmitRequest) (string, error)
	Cancel(ctx context.Context, id string) error
	RetryNow(ctx context.Context, id string) error
	ConfigureConcurrency(category string, max int) error
	Status(category string) core.CategoryStatus
	Statuses() []core.CategoryStatus
	LogsFor(ctx context.Context, id string) ([]domain.ExecutionLogEntry, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	NextRun(id string) (time.Time, bool)
	Recent(ctx context.Context, limit int) ([]domain.Task, error)
	ByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error)
	DueBefore(ctx context.Context, t time.Time) ([]domain.Task, error)
	RecentFailures(ctx context.Context, limit int) ([]domain.ExecutionLogEntry, error)
	ResizeWorkers(n int) error
	Workers() core.WorkerStatus
	Handlers() []string
	Recover(ctx context.Context) (core.RecoveryReport, error)
}

const defaultListLimit = 50

type Server struct {
	r     *chi.Mux
	sched Scheduler
}

func NewServer(s Scheduler) http.Handler {
	return NewServerWithDebug(s, false)
}

func NewServerWithDebug(s Scheduler, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	srv := &Server{r: r, sched: s}

	r.Get("/health", srv.health)
	r.Get("/metrics", srv.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", srv.submitTask)
		r.Get("/tasks", srv.listTasks)
		r.Get("/tasks/{id}", srv.getTask)
		r.Post("/tasks/{id}/cancel", srv.cancelTask)
		r.Post("/tasks/{id}/retry", srv.retryTask)
		r.Get("/tasks/{id}/logs", srv.taskLogs)
		r.Get("/executions/failed", srv.failedExecutions)

		r.Get("/categories", srv.listCategories)
		r.Get("/categories/{category}", srv.getCategory)
		r.Put("/categories/{category}", srv.configureCategory)

		r.Get("/workers", srv.getWorkers)
		r.Put("/workers", srv.resizeWorkers)
		r.Get("/handlers", srv.listHandlers)
		r.Post("/recover", srv.recoverTasks)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("taskscheduler_up 1\n")
	ws := s.sched.Workers()
	fmt.Fprintf(&b, "taskscheduler_workers_size %d\n", ws.Size)
	fmt.Fprintf(&b, "taskscheduler_workers_active %d\n", ws.Active)
	for _, st := range s.sched.Statuses() {
		fmt.Fprintf(&b, "taskscheduler_category_max{category=%q} %d\n", st.Category, st.Max)
		fmt.Fprintf(&b, "taskscheduler_category_running{category=%q} %d\n", st.Category, st.Running)
		fmt.Fprintf(&b, "taskscheduler_category_queued{category=%q} %d\n", st.Category, st.Queued)
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type submitReq struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Handler     string          `json:"handler"`
	Payload     json.RawMessage `json:"payload"`
	DueAt       *time.Time      `json:"due_at"`
	Cron        string          `json:"cron"`
	Immediate   bool            `json:"immediate"`
	Priority    int             `json:"priority"`
	MaxRetries  *int            `json:"max_retries"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	id, err := s.sched.Submit(r.Context(), core.SubmitRequest{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Handler:     req.Handler,
		Payload:     req.Payload,
		Trigger:     domain.Trigger{At: req.DueAt, Cron: req.Cron, Immediate: req.Immediate},
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResp{ID: id})
}

type taskView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category"`
	Handler     string          `json:"handler"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DueAt       *time.Time      `json:"due_at,omitempty"`
	Cron        string          `json:"cron,omitempty"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NextRun     *time.Time      `json:"next_run,omitempty"`
}

func (s *Server) view(t domain.Task) taskView {
	v := taskView{
		ID: t.ID, Name: t.Name, Description: t.Description, Category: string(t.Category),
		Handler: t.Handler, Payload: t.Payload, DueAt: t.DueAt, Cron: t.CronExpr, Priority: t.Priority,
		Status: string(t.Status), RetryCount: t.RetryCount, MaxRetries: t.MaxRetries, LastError: t.LastError,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
	if next, ok := s.sched.NextRun(t.ID); ok {
		v.NextRun = &next
	}
	return v
}

func (s *Server) views(tasks []domain.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.view(t))
	}
	return out
}

// listTasks serves ?status=, ?due_before= (RFC3339) or the most recent tasks (?limit=).
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		tasks []domain.Task
		err   error
	)
	switch {
	case q.Get("status") != "":
		tasks, err = s.sched.ByStatus(r.Context(), domain.Status(strings.ToLower(q.Get("status"))))
	case q.Get("due_before") != "":
		before, perr := time.Parse(time.RFC3339, q.Get("due_before"))
		if perr != nil {
			writeError(w, domain.Validationf("due_before: %v", perr))
			return
		}
		tasks, err = s.sched.DueBefore(r.Context(), before)
	default:
		limit, lerr := limitParam(r)
		if lerr != nil {
			writeError(w, lerr)
			return
		}
		tasks, err = s.sched.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.views(tasks))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.StatusCancelled)})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RetryNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.StatusWaiting)})
}

type logView struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	TaskName       string    `json:"task_name"`
	ExecutedAt     time.Time `json:"executed_at"`
	Outcome        string    `json:"outcome"`
	DurationMillis int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

func logViews(entries []domain.ExecutionLogEntry) []logView {
	out := make([]logView, 0, len(entries))
	for _, e := range entries {
		out = append(out, logView{
			ID: e.ID, TaskID: e.TaskID, TaskName: e.TaskName, ExecutedAt: e.ExecutedAt,
			Outcome: string(e.Outcome), DurationMillis: e.DurationMillis, Error: e.Error,
		})
	}
	return out
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.sched.LogsFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(logs))
}

func (s *Server) failedExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.sched.RecentFailures(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(logs))
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Statuses())
}

func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status(chi.URLParam(r, "category")))
}

type concurrencyReq struct {
	MaxConcurrency int `json:"max_concurrency"`
}

func (s *Server) configureCategory(w http.ResponseWriter, r *http.Request) {
	var req concurrencyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	category := chi.URLParam(r, "category")
	if err := s.sched.ConfigureConcurrency(category, req.MaxConcurrency); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status(category))
}

func (s *Server) getWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Workers())
}

type workersReq struct {
	Size int `json:"size"`
}

func (s *Server) resizeWorkers(w http.ResponseWriter, r *http.Request) {
	var req workersReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if err := s.sched.ResizeWorkers(req.Size); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Workers())
}

func (s *Server) listHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Handlers())
}

func (s *Server) recoverTasks(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sched.Recover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.Validationf("limit must be a positive integer")
	}
	return n, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Str("component", "api").Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
