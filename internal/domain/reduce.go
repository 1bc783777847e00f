package domain

// ProgressState is the single source of truth for UI-visible progress.
// Once IsComplete or HasError is set the state is terminal: Reduce becomes a
// no-op so that late events cannot mutate it.
type ProgressState struct {
	RunID         string          `json:"run_id,omitempty"`
	CurrentStatus string          `json:"current_status"`
	Progress      int             `json:"progress"`
	Message       string          `json:"message"`
	IsComplete    bool            `json:"is_complete"`
	HasError      bool            `json:"has_error"`
	Error         string          `json:"error,omitempty"`
	Result        *AnalysisResult `json:"analysis_result,omitempty"`
}

// Terminal reports whether the state is absorbing.
func (s ProgressState) Terminal() bool { return s.IsComplete || s.HasError }

// NewProgressState returns the fresh state for a run.
func NewProgressState(runID string) ProgressState {
	return ProgressState{RunID: runID, CurrentStatus: "idle"}
}

// Reduce is the pure transition function mapping (state, event) to the next
// state. The server does not promise monotone progress values; they are
// rendered as given, clamped into [0,100].
func Reduce(s ProgressState, ev StreamEvent) ProgressState {
	if s.Terminal() {
		return s
	}
	switch ev.Kind {
	case EventProgress:
		s.CurrentStatus = ev.Progress.Stage
		s.Progress = clampProgress(ev.Progress.Progress)
		s.Message = ev.Progress.Message
	case EventComplete:
		if ev.Result == nil || !ev.Result.Valid() {
			s.HasError = true
			s.Error = MsgInvalidCompletion
			return s
		}
		res := *ev.Result
		s.IsComplete = true
		s.Progress = 100
		s.CurrentStatus = "complete"
		s.Result = &res
		if res.Message != "" {
			s.Message = res.Message
		}
	case EventError:
		s.HasError = true
		s.Error = ev.Err
	case EventCancelled:
		s.HasError = true
		s.Error = MsgCancelled
	case EventDone:
		// Sentinel: the producer has nothing more to send. The state stays
		// as last known; ending without a complete event is not itself an
		// error at this layer.
	case EventTimedOut:
		s.HasError = true
		s.Error = MsgTimedOut
	}
	return s
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
