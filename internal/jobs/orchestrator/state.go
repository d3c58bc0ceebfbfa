package orchestrator

import (
	"time"
)

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// StageState is the durable record of one stage of one job run. It lives
// inside OrchestratorState, which is snapshotted into render_job.result,
// so a requeued job resumes where it stopped instead of starting over.
type StageState struct {
	Name       string         `json:"name"`
	Status     StageStatus    `json:"status"`
	Attempts   int            `json:"attempts"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	LastKind   string         `json:"last_kind,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
}

type OrchestratorState struct {
	Version      int                    `json:"version"`
	Stages       map[string]*StageState `json:"stages"`
	WaitUntil    *time.Time             `json:"wait_until,omitempty"`
	LastProgress int                    `json:"last_progress"`
	Meta         map[string]any         `json:"meta,omitempty"`
}

func (s *OrchestratorState) ensure() {
	if s.Version <= 0 {
		s.Version = 1
	}
	if s.Stages == nil {
		s.Stages = map[string]*StageState{}
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
}

func (s *OrchestratorState) EnsureStage(name string) *StageState {
	s.ensure()
	ss := s.Stages[name]
	if ss == nil {
		ss = &StageState{
			Name:    name,
			Status:  StagePending,
			Outputs: map[string]any{},
		}
		s.Stages[name] = ss
	}
	if ss.Outputs == nil {
		ss.Outputs = map[string]any{}
	}
	return ss
}

// Output reads a stored output of an earlier stage. Values went through a
// JSON round trip, so numbers come back as float64.
func (s *OrchestratorState) Output(stage, key string) (any, bool) {
	ss := s.Stages[stage]
	if ss == nil || ss.Outputs == nil {
		return nil, false
	}
	v, ok := ss.Outputs[key]
	return v, ok
}

func (s *OrchestratorState) OutputString(stage, key string) string {
	v, ok := s.Output(stage, key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

func (s *OrchestratorState) OutputFloat(stage, key string) float64 {
	v, ok := s.Output(stage, key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func (s *OrchestratorState) OutputBool(stage, key string) bool {
	v, ok := s.Output(stage, key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
