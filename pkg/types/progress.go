package types //nolint:revive // package name is intentional

// ProgressPhase is one weighted stage of a tracked task.
type ProgressPhase struct {
	Name            string  `json:"name"`
	Weight          float64 `json:"weight"`
	EstimatedTokens int     `json:"estimatedTokens,omitempty"`

	Progress        float64 `json:"progress"` // 0..100
	TokensProcessed int     `json:"tokensProcessed"`
}

// ProgressTask tracks weighted multi-phase progress for a request.
// Overall progress never decreases; completion reports exactly 100.
type ProgressTask struct {
	TaskID       string          `json:"taskId"`
	Phases       []ProgressPhase `json:"phases"`
	CurrentPhase int             `json:"currentPhase"`

	// highWater preserves monotonicity when a phase reports a lower
	// value than previously observed.
	highWater float64
}

// NewProgressTask builds a task from ordered phases. Phases with
// non-positive weight contribute nothing to the overall value.
func NewProgressTask(taskID string, phases []ProgressPhase) *ProgressTask {
	return &ProgressTask{TaskID: taskID, Phases: phases}
}

// Advance records progress for the current phase. Values are clamped
// to [0,100]; a full phase moves the cursor forward.
func (t *ProgressTask) Advance(progress float64, tokens int) {
	if t.CurrentPhase >= len(t.Phases) {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	ph := &t.Phases[t.CurrentPhase]
	if progress > ph.Progress {
		ph.Progress = progress
	}
	ph.TokensProcessed += tokens
	if ph.Progress >= 100 && t.CurrentPhase < len(t.Phases)-1 {
		t.CurrentPhase++
	}
}

// Complete forces every phase to 100.
func (t *ProgressTask) Complete() {
	for i := range t.Phases {
		t.Phases[i].Progress = 100
	}
	t.CurrentPhase = len(t.Phases) - 1
	if t.CurrentPhase < 0 {
		t.CurrentPhase = 0
	}
	t.highWater = 100
}

// Overall returns the weighted completion percentage in [0,100],
// monotonically non-decreasing across calls.
func (t *ProgressTask) Overall() float64 {
	var sum, weights float64
	for _, ph := range t.Phases {
		if ph.Weight <= 0 {
			continue
		}
		weights += ph.Weight
		sum += ph.Progress * ph.Weight
	}
	overall := t.highWater
	if weights > 0 {
		if v := sum / weights; v > overall {
			overall = v
		}
	}
	if overall > 100 {
		overall = 100
	}
	if overall < 0 {
		overall = 0
	}
	t.highWater = overall
	return overall
}
