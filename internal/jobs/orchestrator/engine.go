package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"gorm.io/datatypes"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	jobrt "github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

type RetryPolicy struct {
	MaxAttempts int
	// Retryable decides whether a failed attempt may be retried. Defaults
	// to the fault classification.
	Retryable func(err error) bool

	MinBackoff time.Duration // default 2s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// Stage is one step of a job pipeline. Stages run in order; a completed
// stage is skipped on resume. Run receives the persistent state so it can
// read earlier stages' outputs, and returns its own outputs for the ones
// after it.
type Stage struct {
	Name     string
	StartPct int
	EndPct   int
	StartMsg string
	DoneMsg  string
	Timeout  time.Duration
	Retry    RetryPolicy
	IsDone   func(jc *jobrt.Context, st *OrchestratorState) (bool, error)
	Run      func(jc *jobrt.Context, st *OrchestratorState) (map[string]any, error)
}

type Engine struct {
	MinPollInterval time.Duration // default 2s
	MaxPollInterval time.Duration // default 10s

	StateVersion int // default 1
}

func NewEngine() *Engine {
	return &Engine{
		MinPollInterval: 2 * time.Second,
		MaxPollInterval: 10 * time.Second,
		StateVersion:    1,
	}
}

// Run orchestrates a stage list for a single claimed job. The terminal
// transition (Succeed, Fail or Cancel) always happens in here; a nil
// return only means this worker pass is over, not that the job is done.
func (e *Engine) Run(jc *jobrt.Context, stages []Stage, finalResult map[string]any) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if len(stages) == 0 {
		jc.Succeed("done", finalResult)
		return nil
	}
	if err := validateStages(stages); err != nil {
		jc.Fail("validate", err)
		return nil
	}
	st, _ := LoadState(jc, e.StateVersion)
	if e.waitGate(jc, st) {
		return nil
	}
	for i := range stages {
		def := stages[i]
		ss := st.EnsureStage(def.Name)
		if ss.Status == StageSucceeded {
			continue
		}
		if jc.CancelRequested() {
			jc.Cancel(def.Name)
			return nil
		}
		if e.stageWaitGate(jc, st, def, ss) {
			return nil
		}
		e.startStage(jc, st, def, ss)
		if e.runStage(jc, st, def, ss) {
			return nil
		}
	}
	e.succeed(jc, st, stages, finalResult)
	return nil
}

func (e *Engine) waitGate(jc *jobrt.Context, st *OrchestratorState) bool {
	if st == nil || st.WaitUntil == nil {
		return false
	}
	now := time.Now()
	if now.Before(*st.WaitUntil) {
		sleep := clampDuration(st.WaitUntil.Sub(now), e.MinPollInterval, e.MaxPollInterval)
		if sleep > 0 {
			time.Sleep(sleep)
		}
		_ = SaveState(jc, st)
		_ = yieldToQueue(jc, "waiting", st.LastProgress)
		return true
	}
	st.WaitUntil = nil
	_ = SaveState(jc, st)
	return false
}

func (e *Engine) stageWaitGate(jc *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState) bool {
	if ss == nil || ss.NextRunAt == nil {
		return false
	}
	if time.Now().Before(*ss.NextRunAt) {
		sleep := clampDuration(time.Until(*ss.NextRunAt), e.MinPollInterval, e.MaxPollInterval)
		if sleep > 0 {
			time.Sleep(sleep)
		}
		_ = SaveState(jc, st)
		_ = yieldToQueue(jc, "waiting_"+def.Name, st.LastProgress)
		return true
	}
	ss.NextRunAt = nil
	return false
}

func (e *Engine) startStage(jc *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState) {
	SetProgress(jc, st, def.Name, def.StartPct, msgOr(def.StartMsg, "Starting "+def.Name))
	ss.Status = StageRunning
	markStarted(ss)
	_ = SaveState(jc, st)
}

// runStage executes one stage attempt. Returns true when the engine must
// stop this pass (terminal transition or yield for retry).
func (e *Engine) runStage(jc *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState) bool {
	if def.IsDone != nil {
		done, derr := safeIsDone(def, jc, st)
		if derr != nil {
			return e.handleStageErr(jc, st, ss, def, derr)
		}
		if done {
			e.finishStage(jc, st, def, ss)
			return false
		}
	}
	outs, runErr := safeRun(def, jc, st)
	if runErr != nil {
		return e.handleStageErr(jc, st, ss, def, runErr)
	}
	mergeOutputs(ss, outs)
	e.finishStage(jc, st, def, ss)
	return false
}

func (e *Engine) finishStage(jc *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState) {
	ss.Status = StageSucceeded
	markFinished(ss, "")
	SetProgress(jc, st, def.Name, def.EndPct, msgOr(def.DoneMsg, "Done "+def.Name))
	_ = SaveState(jc, st)
}

func (e *Engine) succeed(jc *jobrt.Context, st *OrchestratorState, stages []Stage, finalResult map[string]any) {
	out := map[string]any{}
	for _, sdef := range stages {
		if ss := st.Stages[sdef.Name]; ss != nil && len(ss.Outputs) > 0 {
			out[sdef.Name] = ss.Outputs
		}
	}
	final := map[string]any{
		"orchestrator": st,
		"outputs":      out,
	}
	for k, v := range finalResult {
		final[k] = v
	}
	jc.Succeed("done", final)
}

// -------------------- state persistence --------------------

func LoadState(jc *jobrt.Context, version int) (*OrchestratorState, error) {
	st := &OrchestratorState{Version: version, Stages: map[string]*StageState{}, Meta: map[string]any{}}
	if jc == nil || jc.Job == nil {
		st.ensure()
		return st, nil
	}
	raw := jc.Job.Result
	if len(raw) == 0 || string(raw) == "null" {
		st.ensure()
		return st, nil
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if v, ok := probe["orchestrator"]; ok {
			b, _ := json.Marshal(v)
			_ = json.Unmarshal(b, st)
			st.ensure()
			return st, nil
		}
	}
	if err := json.Unmarshal(raw, st); err != nil {
		st.Meta["state_unmarshal_error"] = err.Error()
	}
	st.ensure()
	return st, nil
}

func SaveState(jc *jobrt.Context, st *OrchestratorState) error {
	if jc == nil || jc.Job == nil || st == nil {
		return nil
	}
	st.ensure()
	b, _ := json.Marshal(st)
	_ = jc.Update(map[string]any{"result": datatypes.JSON(b)})
	jc.Job.Result = datatypes.JSON(b)
	return nil
}

func yieldToQueue(jc *jobrt.Context, stage string, progress int) error {
	if jc == nil || jc.Job == nil || jc.Repo == nil {
		return nil
	}
	now := time.Now()
	return jc.Repo.UpdateFields(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID, map[string]interface{}{
		"status":       types.JobStatusQueued,
		"stage":        stage,
		"progress":     progress,
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
}

// -------------------- stage error handling --------------------

func (e *Engine) handleStageErr(jc *jobrt.Context, st *OrchestratorState, ss *StageState, def Stage, err error) bool {
	if ss == nil {
		return true
	}
	if faults.IsCancelled(err) {
		_ = SaveState(jc, st)
		jc.Cancel(def.Name)
		return true
	}
	ss.Attempts++
	ss.LastError = errString(err)
	ss.LastKind = string(faults.KindOf(err))
	ss.Status = StageFailed
	markFinished(ss, ss.LastError)
	if shouldRetry(def.Retry, ss.Attempts, err) {
		delay := computeBackoff(def.Retry, ss.Attempts)
		when := time.Now().Add(delay)
		ss.NextRunAt = &when
		st.WaitUntil = &when
		_ = SaveState(jc, st)
		_ = yieldToQueue(jc, "retry_"+def.Name, st.LastProgress)
		return true
	}
	_ = SaveState(jc, st)
	jc.Fail(def.Name, err)
	return true
}

// -------------------- safety + validation --------------------

func validateStages(stages []Stage) error {
	seen := map[string]bool{}
	lastEnd := -1
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.StartPct < 0 || s.StartPct > 100 || s.EndPct < 0 || s.EndPct > 100 {
			return fmt.Errorf("stage %q: progress must be 0..100", s.Name)
		}
		if s.EndPct < s.StartPct {
			return fmt.Errorf("stage %q: EndPct must be >= StartPct", s.Name)
		}
		if s.EndPct < lastEnd {
			return fmt.Errorf("stage %q: EndPct must be >= previous stage EndPct", s.Name)
		}
		lastEnd = s.EndPct
	}
	return nil
}

func safeIsDone(def Stage, jc *jobrt.Context, st *OrchestratorState) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %q IsDone panic: %v", def.Name, r)
		}
	}()
	return def.IsDone(jc, st)
}

func safeRun(def Stage, jc *jobrt.Context, st *OrchestratorState) (outs map[string]any, err error) {
	if def.Run == nil {
		return nil, fmt.Errorf("stage %q: Run is nil", def.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			outs, err = nil, fmt.Errorf("stage %q panic: %v", def.Name, r)
		}
	}()
	if def.Timeout <= 0 {
		return def.Run(jc, st)
	}
	tctx, cancel := context.WithTimeout(jc.Ctx, def.Timeout)
	defer cancel()
	tmp := *jc
	tmp.Ctx = tctx
	outs, err = def.Run(&tmp, st)
	if err != nil && tctx.Err() == context.DeadlineExceeded && jc.Ctx.Err() == nil {
		err = faults.Wrap(faults.KindUpstreamTimeout, err, "stage %s timed out after %s", def.Name, def.Timeout)
	}
	return outs, err
}

// -------------------- progress + timestamps --------------------

// SetProgress reports stage progress through the job context, clamped so
// the visible percentage never moves backwards across retries.
func SetProgress(jc *jobrt.Context, st *OrchestratorState, stage string, pct int, msg string) {
	if jc == nil || st == nil {
		return
	}
	if pct < st.LastProgress {
		pct = st.LastProgress
	} else {
		st.LastProgress = pct
	}
	jc.Progress(stage, pct, msg)
}

func markStarted(ss *StageState) {
	if ss == nil || ss.StartedAt != nil {
		return
	}
	now := time.Now().UTC()
	ss.StartedAt = &now
}

func markFinished(ss *StageState, lastErr string) {
	if ss == nil {
		return
	}
	now := time.Now().UTC()
	ss.FinishedAt = &now
	if strings.TrimSpace(lastErr) != "" {
		ss.LastError = lastErr
	}
}

func mergeOutputs(ss *StageState, outs map[string]any) {
	if ss == nil || outs == nil {
		return
	}
	if ss.Outputs == nil {
		ss.Outputs = map[string]any{}
	}
	for k, v := range outs {
		ss.Outputs[k] = v
	}
}

// -------------------- retry/backoff --------------------

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return faults.IsRetryable(err)
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 2 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// -------------------- misc --------------------

func clampDuration(d, minD, maxD time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if minD > 0 && d < minD {
		return minD
	}
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}

func msgOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
