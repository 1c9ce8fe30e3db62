package models

import (
	"time"
)

// CalibrationVersion is one entry in a source's append-only calibration
// history. Exactly one version per source is current; rollback atomically
// moves that pointer to an earlier version without mutating history.
type CalibrationVersion struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	Version    int       `json:"version"`
	BrierAfter float64   `json:"brier_after"`
	Method     string    `json:"method"`
	IsCurrent  bool      `json:"is_current"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CalibrationEvaluation records one predicted-vs-observed sample used to
// score a calibration model
type CalibrationEvaluation struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	TaskID    string    `json:"task_id,omitempty"`
	ClaimID   string    `json:"claim_id,omitempty"`
	Predicted float64   `json:"predicted"`
	Outcome   bool      `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// BrierContribution returns this sample's squared error term
func (e *CalibrationEvaluation) BrierContribution() float64 {
	actual := 0.0
	if e.Outcome {
		actual = 1.0
	}
	diff := e.Predicted - actual
	return diff * diff
}
