package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// ErrNotFound is returned when a run or report does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of an agent run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one agent invocation over a declaration source.
type Run struct {
	ID       string    `json:"id"`
	Host     string    `json:"host"`
	Platform string    `json:"platform"`
	Source   string    `json:"source"` // declaration file
	WhyRun   bool      `json:"why_run"`
	Status   RunStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Updated and Failed count reports.
	Updated int     `json:"updated"`
	Failed  int     `json:"failed"`
	Error   *string `json:"error,omitempty"`
}

// ReportRecord is a stored engine.Report.
type ReportRecord struct {
	ID       int64         `json:"id"`
	RunID    string        `json:"run_id"`
	Resource string        `json:"resource"`
	Provider string        `json:"provider"`
	Kind     engine.Kind   `json:"kind"`
	Action   engine.Action `json:"action"`
	WhyRun   bool          `json:"why_run"`
	Updated  bool          `json:"updated"`
	Failed   int           `json:"failed"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       *string   `json:"error,omitempty"`

	// Items is only loaded by GetReport.
	Items []ItemRecord `json:"items,omitempty"`
}

// ItemRecord is one identity of a stored report.
type ItemRecord struct {
	Position  int            `json:"position"`
	Name      string         `json:"name"`
	Arch      string         `json:"arch,omitempty"`
	Phase     engine.Phase   `json:"phase"`
	Outcome   engine.Outcome `json:"outcome"`
	Decision  engine.Action  `json:"decision,omitempty"`
	Version   string         `json:"version,omitempty"`
	Updated   bool           `json:"updated"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`

	// Detail is the JSON encoded engine.ItemResult with before and after
	// states.
	Detail string `json:"detail"`
}

// ReportFilter narrows ListReports. Zero values match everything.
type ReportFilter struct {
	RunID       string
	Resource    string
	UpdatedOnly bool
	FailedOnly  bool
	Limit       int
	Offset      int
}
