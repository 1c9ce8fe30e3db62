package tools

import (
	"context"

	"github.com/ternarybob/indago/internal/services/status"
)

// StatusTools implements get_status as a thin pass-through to the status
// service, which owns the long-poll semantics.
type StatusTools struct {
	status *status.Service
}

func NewStatusTools(statusSvc *status.Service) *StatusTools {
	return &StatusTools{status: statusSvc}
}

type getStatusRequest struct {
	TaskID string  `json:"task_id"`
	Wait   float64 `json:"wait"`
	Detail string  `json:"detail"`
}

func (t *StatusTools) GetStatus(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req getStatusRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	envelope, err := t.status.GetStatus(ctx, req.TaskID, int(req.Wait), req.Detail)
	if err != nil {
		return nil, err
	}
	return asMap(envelope)
}
