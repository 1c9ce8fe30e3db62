package tools

// Toolset bundles the handler implementations behind the tool names.
type Toolset struct {
	Tasks       *TaskTools
	Status      *StatusTools
	Queue       *QueueTools
	Materials   *MaterialsTools
	Calibration *CalibrationTools
	Auth        *AuthTools
	Notify      *NotifyTools
	Feedback    *FeedbackHandler
}

// Register wires every tool onto the router. Registration order matches
// the documented tool list; the router itself serves them sorted.
func (s *Toolset) Register(r *Router) error {
	bindings := []struct {
		name    string
		handler Handler
	}{
		{"create_task", s.Tasks.CreateTask},
		{"queue_targets", s.Queue.QueueTargets},
		{"queue_reference_candidates", s.Queue.QueueReferenceCandidates},
		{"get_status", s.Status.GetStatus},
		{"stop_task", s.Tasks.StopTask},
		{"get_materials", s.Materials.GetMaterials},
		{"calibration_metrics", s.Calibration.Metrics},
		{"calibration_rollback", s.Calibration.Rollback},
		{"get_auth_queue", s.Auth.GetAuthQueue},
		{"resolve_auth", s.Auth.ResolveAuth},
		{"notify_user", s.Notify.NotifyUser},
		{"wait_for_user", s.Notify.WaitForUser},
		{"feedback", s.Feedback.Handle},
	}

	for _, binding := range bindings {
		if err := r.Register(binding.name, binding.handler); err != nil {
			return err
		}
	}
	return nil
}
