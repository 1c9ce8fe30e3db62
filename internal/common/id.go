package common

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewPageID generates a unique page ID with the "page_" prefix
func NewPageID() string {
	return "page_" + uuid.New().String()
}

// NewFragmentID generates a unique fragment ID with the "frag_" prefix
func NewFragmentID() string {
	return "frag_" + uuid.New().String()
}

// NewClaimID generates a unique claim ID with the "claim_" prefix
func NewClaimID() string {
	return "claim_" + uuid.New().String()
}

// NewEdgeID generates a unique edge ID with the "edge_" prefix
func NewEdgeID() string {
	return "edge_" + uuid.New().String()
}

// NewSearchID generates a unique search ID with the "search_" prefix
func NewSearchID() string {
	return "search_" + uuid.New().String()
}

// NewAuthQueueID generates a unique intervention queue ID with the "auth_" prefix
func NewAuthQueueID() string {
	return "auth_" + uuid.New().String()
}

// NewNotificationID generates a unique notification ID with the "notify_" prefix
func NewNotificationID() string {
	return "notify_" + uuid.New().String()
}

// NewErrorID generates a correlation ID for internal failures.
// Format: err_ followed by 12 random hex characters.
func NewErrorID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// uuid fallback keeps the prefix and length contract
		id := uuid.New()
		return "err_" + hex.EncodeToString(id[:6])
	}
	return "err_" + hex.EncodeToString(buf)
}
