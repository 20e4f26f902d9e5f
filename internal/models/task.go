package models

import "time"

// TriggerKind selects how a scheduled task fires.
type TriggerKind string

const (
	TriggerDaily    TriggerKind = "daily"
	TriggerWeekly   TriggerKind = "weekly"
	TriggerInterval TriggerKind = "interval"
)

// TaskRun summarizes the most recent firing of a scheduled task.
type TaskRun struct {
	Time    time.Time    `json:"time"`
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Details []SubAttempt `json:"details,omitempty"`
}

// ScheduledTask is a recurring check-in job. The scheduler never edits the
// trigger fields, only LastRun.
type ScheduledTask struct {
	ID      string      `json:"id"`
	Name    string      `json:"name,omitempty"`
	Trigger TriggerKind `json:"trigger"`

	// At is "HH:MM" local time for daily and weekly triggers.
	At   string         `json:"at,omitempty"`
	Days []time.Weekday `json:"days,omitempty"`
	// EverySeconds is the period for interval triggers.
	EverySeconds int `json:"everySeconds,omitempty"`

	Phones []string `json:"phones"`

	// Optional geo override for location check-ins: either an inline preset
	// or an index into the shared locations list.
	Location      *GeoPreset `json:"location,omitempty"`
	LocationIndex *int       `json:"locationIndex,omitempty"`
	RandomOffset  bool       `json:"randomOffset"`

	Active  bool     `json:"active"`
	LastRun *TaskRun `json:"lastRun,omitempty"`
}

// MonitorTask describes one continuous watch loop over an account's courses.
// At most one live worker may exist per task id.
type MonitorTask struct {
	ID     string `json:"id"`
	Phone  string `json:"phone"`
	// Courses limits the watch scope; empty means all enrollments.
	Courses         []CourseRef `json:"courses,omitempty"`
	IntervalSeconds int         `json:"intervalSeconds"`
	// Post-detection delay is drawn uniformly from [DelayMin,DelayMax] to
	// desynchronize accounts watching the same course.
	DelayMinSeconds int `json:"delayMinSeconds"`
	DelayMaxSeconds int `json:"delayMaxSeconds"`

	Active    bool       `json:"active"`
	LastCheck *time.Time `json:"lastCheck,omitempty"`
	LastSign  *time.Time `json:"lastSign,omitempty"`
}

func (t MonitorTask) Interval() time.Duration {
	if t.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.IntervalSeconds) * time.Second
}

// AccountStats is the running sign tally for one account, fed by outcome
// events.
type AccountStats struct {
	Phone       string    `json:"phone"`
	Username    string    `json:"username,omitempty"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	LastKind    string    `json:"lastKind,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	LastAt      time.Time `json:"lastAt,omitempty"`
}
