package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Category partitions admission control. Values are normalized with NormalizeCategory.
type Category string

const (
	CategoryDataProcessing   Category = "data_processing"
	CategoryReportGeneration Category = "report_generation"
	CategoryFileUpload       Category = "file_upload"
	CategoryEmail            Category = "email"
	CategoryDefault          Category = "default"
)

// KnownCategories lists the categories registered at startup, with their default limits.
func KnownCategories() map[Category]int {
	return map[Category]int{
		CategoryDataProcessing:   3,
		CategoryReportGeneration: 2,
		CategoryFileUpload:       5,
		CategoryEmail:            2,
		CategoryDefault:          1,
	}
}

func NormalizeCategory(s string) Category {
	c := strings.ToLower(strings.TrimSpace(s))
	if c == "" {
		return CategoryDefault
	}
	c = strings.ReplaceAll(c, "-", "_")
	return Category(c)
}

const (
	DefaultMaxRetries = 3
	DefaultHandler    = "noop"
)

type Task struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Handler     string
	Payload     json.RawMessage
	DueAt       *time.Time
	CronExpr    string
	Priority    int
	Status      Status
	RetryCount  int
	MaxRetries  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SetDue makes the task a one-shot due at t.
func (t *Task) SetDue(at time.Time) {
	at = at.UTC()
	t.DueAt = &at
	t.CronExpr = ""
}

// SetCron makes the task recurring on expr.
func (t *Task) SetCron(expr string) {
	t.CronExpr = strings.TrimSpace(expr)
	t.DueAt = nil
}

func (t Task) IsRecurring() bool { return t.CronExpr != "" }

func (t Task) IsOneShot() bool { return t.DueAt != nil && t.CronExpr == "" }

func (t Task) RetriesLeft() bool { return t.RetryCount < t.MaxRetries }

// Terminal reports whether no further automatic or manual transition is possible
// other than an explicit retry of a failed task.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !t.RetriesLeft()
	}
	return false
}

// ExecutionLogEntry records one finished execution attempt. Entries are never mutated.
type ExecutionLogEntry struct {
	ID             int64
	TaskID         string
	TaskName       string
	ExecutedAt     time.Time
	Outcome        Status // StatusCompleted or StatusFailed
	DurationMillis int64
	Error          string
}

// Trigger says when a submitted task fires: exactly one of At, Cron or Immediate.
type Trigger struct {
	At        *time.Time
	Cron      string
	Immediate bool
}

func At(t time.Time) Trigger   { return Trigger{At: &t} }
func Cron(expr string) Trigger { return Trigger{Cron: expr} }
func Immediately() Trigger     { return Trigger{Immediate: true} }
