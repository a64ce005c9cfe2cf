// Package cron schedules persistent timed jobs: reminders delivered straight
// to a chat channel and tasks routed through the agent loop.
package cron

// Job kinds.
const (
	KindTask     = "task"     // runs through the agent loop
	KindReminder = "reminder" // delivered directly to the target chat
)

// Schedule describes when a job fires. Exactly one of EveryMS, Expr, or AtMS
// is set, selected by Kind.
type Schedule struct {
	Kind    string `json:"kind"` // "every", "cron", or "at"
	EveryMS int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	AtMS    int64  `json:"at_ms,omitempty"`
}

// JobState is the mutable run bookkeeping for a job.
type JobState struct {
	LastRunAtMS   int64  `json:"last_run_at_ms,omitempty"`
	NextRunAtMS   int64  `json:"next_run_at_ms,omitempty"`
	LastStatus    string `json:"last_status,omitempty"` // "ok" or "error"
	LastError     string `json:"last_error,omitempty"`
	ScheduleError string `json:"schedule_error,omitempty"`
}

// Job is one persistent scheduled job.
type Job struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Schedule      Schedule `json:"schedule"`
	Message       string   `json:"message"`
	Deliver       bool     `json:"deliver"`
	TargetChannel string   `json:"target_channel,omitempty"`
	TargetChatID  string   `json:"target_chat_id,omitempty"`
	Enabled       bool     `json:"enabled"`
	CreatedAtMS   int64    `json:"created_at_ms"`
	UpdatedAtMS   int64    `json:"updated_at_ms"`
	State         JobState `json:"state"`
}

// jobFile is the on-disk shape of the job store.
type jobFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}
