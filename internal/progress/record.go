package progress

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a learner's progress through a module.
type Status string

// Supported progress statuses.
const (
	StatusNotStarted Status = "NotStarted"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
)

// ParseStatus normalizes the human-readable spellings used by the dashboard
// API ("Not Started", "in_progress", ...) into the canonical enum. Unknown
// values map to StatusNotStarted.
func ParseStatus(s string) Status {
	norm := strings.ToLower(s)
	norm = strings.ReplaceAll(norm, " ", "")
	norm = strings.ReplaceAll(norm, "_", "")
	norm = strings.ReplaceAll(norm, "-", "")
	switch norm {
	case "inprogress":
		return StatusInProgress
	case "completed", "complete":
		return StatusCompleted
	default:
		return StatusNotStarted
	}
}

// Clock returns the current time. It exists so components can be tested with
// a simulated clock.
type Clock interface {
	Now() time.Time
}

// Record is the progress of one (user, module) pair. The tracker store keys
// records by ModuleID since it is scoped to a single authenticated user.
type Record struct {
	ModuleID         string    `json:"moduleId"`
	UserID           string    `json:"userId"`
	Status           Status    `json:"status"`
	Progress         float64   `json:"progress"`
	CurrentLesson    string    `json:"currentLesson,omitempty"`
	CurrentChapter   string    `json:"currentChapter,omitempty"`
	Content          string    `json:"content,omitempty"`
	ContentType      string    `json:"contentType,omitempty"`
	TotalLessons     int       `json:"totalLessons"`
	CompletedLessons int       `json:"completedLessons"`
	Timestamp        time.Time `json:"timestamp"`
	// Error is set transiently when the record reflects a failed sync.
	Error string `json:"error,omitempty"`
}

// Completed reports whether the record counts as done: either the status says
// so, or the numeric progress reached 100. Each condition is sufficient on
// its own.
func (r Record) Completed() bool {
	return r.Status == StatusCompleted || r.Progress >= 100
}

// Patch is a partial update applied over an existing Record. Zero-valued
// string fields and nil numeric pointers leave the corresponding field
// untouched; numeric fields use pointers because zero is a meaningful value.
type Patch struct {
	Status           Status
	Progress         *float64
	CurrentLesson    string
	CurrentChapter   string
	Content          string
	ContentType      string
	TotalLessons     *int
	CompletedLessons *int
}

// ApplyTo shallow-merges the patch onto rec and returns the result.
func (p Patch) ApplyTo(rec Record) Record {
	if p.Status != "" {
		rec.Status = p.Status
	}
	if p.Progress != nil {
		rec.Progress = *p.Progress
	}
	if p.CurrentLesson != "" {
		rec.CurrentLesson = p.CurrentLesson
	}
	if p.CurrentChapter != "" {
		rec.CurrentChapter = p.CurrentChapter
	}
	if p.Content != "" {
		rec.Content = p.Content
	}
	if p.ContentType != "" {
		rec.ContentType = p.ContentType
	}
	if p.TotalLessons != nil {
		rec.TotalLessons = *p.TotalLessons
	}
	if p.CompletedLessons != nil {
		rec.CompletedLessons = *p.CompletedLessons
	}
	return rec
}
