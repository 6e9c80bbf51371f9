package domain

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a search task.
// A task starts pending, moves to running, and settles in exactly one terminal state.
type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "pending"
	TaskStatusRunning             TaskStatus = "running"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusInsufficientCredits TaskStatus = "insufficient_credits"
	TaskStatusServiceBusy         TaskStatus = "service_busy"
	TaskStatusFailed              TaskStatus = "failed"
	TaskStatusCancelled           TaskStatus = "cancelled"
)

// IsTerminal reports whether no further processing happens in this state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusInsufficientCredits, TaskStatusServiceBusy,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
// Pending tasks may also fail directly (validation or restart recovery).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Predecessors returns the states from which s may be entered.
func (s TaskStatus) Predecessors() []TaskStatus {
	var out []TaskStatus
	for _, from := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// FilterConfig holds the user-selected result filters of a task.
type FilterConfig struct {
	MinAge          int      `json:"min_age,omitempty"`
	MaxAge          int      `json:"max_age,omitempty"`
	ExcludeDeceased *bool    `json:"exclude_deceased,omitempty"` // nil means the default (exclude)
	ExactNameMatch  bool     `json:"exact_name_match,omitempty"`
	States          []string `json:"states,omitempty"`
	ExcludeCarriers []string `json:"exclude_carriers,omitempty"`
	WirelessOnly    bool     `json:"wireless_only,omitempty"`
}

// DeceasedExcluded resolves the deceased filter default.
func (f FilterConfig) DeceasedExcluded() bool {
	return f.ExcludeDeceased == nil || *f.ExcludeDeceased
}

// Value implements the driver.Valuer interface for database serialization.
func (f FilterConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (f *FilterConfig) Scan(value interface{}) error {
	if value == nil {
		*f = FilterConfig{}
		return nil
	}
	b, err := jsonColumn(value, "FilterConfig")
	if err != nil {
		return err
	}
	return json.Unmarshal(b, f)
}

// Task is a bulk contact lookup job owned by one user.
// While running it is mutated only by its orchestrator; pollers read snapshots.
type Task struct {
	ID                 string       `gorm:"type:text;primaryKey" json:"id"`
	OwnerID            string       `gorm:"type:text;not null;index:idx_tasks_owner" json:"owner_id"`
	Mode               string       `gorm:"type:text;not null" json:"mode"`
	Names              StringArray  `gorm:"type:text" json:"names"`
	Locations          StringArray  `gorm:"type:text" json:"locations"`
	Filters            FilterConfig `gorm:"type:text" json:"filters"`
	Status             TaskStatus   `gorm:"type:text;index:idx_tasks_status;default:pending" json:"status"`
	Progress           int          `gorm:"default:0" json:"progress"`
	TotalSubTasks      int          `gorm:"default:0" json:"total_subtasks"`
	CompletedSubTasks  int          `gorm:"default:0" json:"completed_subtasks"`
	TotalResults       int          `gorm:"default:0" json:"total_results"`
	FilteredOut        int          `gorm:"default:0" json:"filtered_out"`
	SearchPageRequests int          `gorm:"default:0" json:"search_page_requests"`
	DetailPageRequests int          `gorm:"default:0" json:"detail_page_requests"`
	CacheHits          int          `gorm:"default:0" json:"cache_hits"`
	CreditsUsed        Credits      `gorm:"default:0" json:"credits_used"`
	LogSeq             int          `gorm:"default:0" json:"log_seq"`
	ErrorMessage       string       `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// SubTasks expands the task inputs into (name, location) pairs in input order.
// Without locations every name is searched on its own.
func (t *Task) SubTasks() []SubTask {
	var names, locations []string
	for _, n := range t.Names {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	for _, l := range t.Locations {
		if l = strings.TrimSpace(l); l != "" {
			locations = append(locations, l)
		}
	}

	subs := make([]SubTask, 0, len(names)*max(1, len(locations)))
	for _, name := range names {
		if len(locations) == 0 {
			subs = append(subs, SubTask{Index: len(subs), Name: name})
			continue
		}
		for _, loc := range locations {
			subs = append(subs, SubTask{Index: len(subs), Name: name, Location: loc})
		}
	}
	return subs
}

// SubTask is one (name, optional location) combination searched within a task.
type SubTask struct {
	Index    int
	Name     string
	Location string
}

// Label renders the sub-task for logs.
func (s SubTask) Label() string {
	if s.Location == "" {
		return s.Name
	}
	return s.Name + " @ " + s.Location
}

// TaskLog is one line of a task's user-visible log.
type TaskLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	TaskID    string    `gorm:"type:text;not null;index:idx_task_logs_task_seq,priority:1" json:"-"`
	Seq       int       `gorm:"not null;index:idx_task_logs_task_seq,priority:2" json:"seq"`
	Level     string    `gorm:"type:text" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for TaskLog.
func (TaskLog) TableName() string {
	return "task_logs"
}
