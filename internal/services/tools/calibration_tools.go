package tools

import (
	"context"

	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/services/calibration"
)

// CalibrationTools exposes the calibration service over the tool
// surface: metrics inspection and version rollback.
type CalibrationTools struct {
	calibration *calibration.Service
}

func NewCalibrationTools(svc *calibration.Service) *CalibrationTools {
	return &CalibrationTools{calibration: svc}
}

type calibrationMetricsRequest struct {
	Action string  `json:"action"`
	Source string  `json:"source"`
	TaskID string  `json:"task_id"`
	Limit  float64 `json:"limit"`
}

// Metrics dispatches on action. Anything other than get_stats or
// get_evaluations is rejected with the valid actions named.
func (t *CalibrationTools) Metrics(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req calibrationMetricsRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	switch req.Action {
	case "get_stats":
		stats, err := t.calibration.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		views := make([]interface{}, 0, len(stats))
		for _, source := range stats {
			view, err := asMap(source)
			if err != nil {
				return nil, err
			}
			views = append(views, view)
		}
		return map[string]interface{}{"action": req.Action, "stats": views}, nil

	case "get_evaluations":
		evals, err := t.calibration.Evaluations(ctx, req.Source, req.TaskID, int(req.Limit))
		if err != nil {
			return nil, err
		}
		views := make([]interface{}, 0, len(evals))
		for _, eval := range evals {
			view, err := asMap(eval)
			if err != nil {
				return nil, err
			}
			views = append(views, view)
		}
		return map[string]interface{}{"action": req.Action, "evaluations": views}, nil

	default:
		return nil, models.InvalidParams("unknown action %q, valid actions are get_stats and get_evaluations", req.Action).
			WithDetails(map[string]interface{}{"valid_actions": []string{"get_stats", "get_evaluations"}})
	}
}

type calibrationRollbackRequest struct {
	Source  string `json:"source"`
	Version *int   `json:"version"`
	Reason  string `json:"reason"`
}

func (t *CalibrationTools) Rollback(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req calibrationRollbackRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	result, err := t.calibration.Rollback(ctx, req.Source, req.Version, req.Reason)
	if err != nil {
		return nil, err
	}
	return asMap(result)
}
