package model

import "time"

type EventType string

const (
	EventConnected    EventType = "connected"
	EventJobUpdate    EventType = "job_update"
	EventLog          EventType = "log"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelError   LogLevel = "error"
)

// Summary aggregates unit outcomes for a finished job.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Event is what observers of the live channel receive.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Job       *Job      `json:"job,omitempty"`
	Message   string    `json:"message,omitempty"`
	Level     LogLevel  `json:"level,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ConnectedEvent() Event {
	return Event{Type: EventConnected, Message: "connected", Timestamp: time.Now().UTC()}
}

func JobUpdateEvent(job Job) Event {
	snap := job.Clone()
	return Event{Type: EventJobUpdate, JobID: job.ID, Job: &snap, Timestamp: time.Now().UTC()}
}

func LogEvent(jobID string, level LogLevel, msg string) Event {
	return Event{Type: EventLog, JobID: jobID, Level: level, Message: msg, Timestamp: time.Now().UTC()}
}

func JobCompletedEvent(job Job) Event {
	ok := job.Succeeded()
	return Event{
		Type:  EventJobCompleted,
		JobID: job.ID,
		Summary: &Summary{
			Total:     job.Total,
			Succeeded: ok,
			Failed:    len(job.Results) - ok,
		},
		Timestamp: time.Now().UTC(),
	}
}

func JobFailedEvent(jobID, errMsg string) Event {
	return Event{Type: EventJobFailed, JobID: jobID, Error: errMsg, Timestamp: time.Now().UTC()}
}
