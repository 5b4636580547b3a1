package tasks

import "time"

// Outcome is the journaled record of a finished task.
type Outcome struct {
	TaskID     string     `json:"taskId"`
	ScopeID    string     `json:"configScopeId,omitempty"`
	Method     string     `json:"method"`
	Status     TaskStatus `json:"status"`
	ErrorCode  int        `json:"errorCode,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// Duration returns how long the task ran.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.Before(o.StartedAt) {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// OutcomeOf builds an outcome from a terminal snapshot.
func OutcomeOf(s Snapshot) Outcome {
	o := Outcome{
		TaskID:  s.ID,
		ScopeID: s.ScopeID,
		Method:  s.Method,
		Status:  s.Status,
		Error:   s.Error,
	}
	o.StartedAt = s.CreatedAt
	if s.StartedAt != nil {
		o.StartedAt = *s.StartedAt
	}
	if s.CompletedAt != nil {
		o.FinishedAt = *s.CompletedAt
	}
	return o
}
