package api

import "time"

// v1 contains the serialisable run report consumed by external renderers.

type OutcomeKind string

const (
	OutcomeCompleted      OutcomeKind = "completed"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomeTimedOut       OutcomeKind = "timed_out"
	OutcomeMemoryExceeded OutcomeKind = "memory_exceeded"
)

// FailureKind qualifies an OutcomeFailed result.
type FailureKind string

const (
	FailureNone                  FailureKind = ""
	FailureTool                  FailureKind = "tool_failure"
	FailureSpawn                 FailureKind = "spawn_error"
	FailureResourceUnsatisfiable FailureKind = "resource_unsatisfiable"
	FailureInterrupted           FailureKind = "interrupted"
)

type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunPartial     RunStatus = "partial"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

type Resources struct {
	Cores    int `json:"cores" yaml:"cores"`
	MemoryGB int `json:"memory_gb" yaml:"memory_gb"`
	TimeoutS int `json:"timeout_s" yaml:"timeout_s"`
}

type UnitReport struct {
	ID         string    `json:"id" yaml:"id"`
	Task       string    `json:"task" yaml:"task"`
	Lemma      string    `json:"lemma,omitempty" yaml:"lemma,omitempty"`
	ToolAlias  string    `json:"tool_alias" yaml:"tool_alias"`
	TheoryFile string    `json:"theory_file" yaml:"theory_file"`
	OutputFile string    `json:"output_file" yaml:"output_file"`
	Command    []string  `json:"command" yaml:"command"`
	Resources  Resources `json:"resources" yaml:"resources"`

	Status      OutcomeKind `json:"status" yaml:"status"`
	Failure     FailureKind `json:"failure,omitempty" yaml:"failure,omitempty"`
	ReturnCode  int         `json:"return_code" yaml:"return_code"`
	StderrTail  []string    `json:"stderr_tail,omitempty" yaml:"stderr_tail,omitempty"`
	Message     string      `json:"message,omitempty" yaml:"message,omitempty"`
	Cached      bool        `json:"cached" yaml:"cached"`
	DurationS   float64     `json:"duration_s" yaml:"duration_s"`
	PeakMemMB   float64     `json:"peak_memory_mb" yaml:"peak_memory_mb"`
	AvgMemMB    float64     `json:"avg_memory_mb" yaml:"avg_memory_mb"`
	Steps       int         `json:"steps,omitempty" yaml:"steps,omitempty"`
	ToolTimeS   float64     `json:"tool_time_s,omitempty" yaml:"tool_time_s,omitempty"`
	LemmaStatus string      `json:"lemma_status,omitempty" yaml:"lemma_status,omitempty"`
}

type Summary struct {
	TotalUnits     int                 `json:"total_units" yaml:"total_units"`
	Succeeded      int                 `json:"succeeded" yaml:"succeeded"`
	CacheHits      int                 `json:"cache_hits" yaml:"cache_hits"`
	Failed         int                 `json:"failed" yaml:"failed"`
	ByKind         map[OutcomeKind]int `json:"by_kind" yaml:"by_kind"`
	FailureKinds   map[FailureKind]int `json:"failure_kinds,omitempty" yaml:"failure_kinds,omitempty"`
	TotalPeakMemMB float64             `json:"total_peak_memory_mb" yaml:"total_peak_memory_mb"`
	MaxPeakMemMB   float64             `json:"max_peak_memory_mb" yaml:"max_peak_memory_mb"`
	TotalRuntimeS  float64             `json:"total_runtime_s" yaml:"total_runtime_s"`
	MaxRuntimeS    float64             `json:"max_runtime_s" yaml:"max_runtime_s"`
	WallTimeS      float64             `json:"wall_time_s" yaml:"wall_time_s"`
}

type Report struct {
	RunID      string       `json:"run_id" yaml:"run_id"`
	Recipe     string       `json:"recipe,omitempty" yaml:"recipe,omitempty"`
	Status     RunStatus    `json:"status" yaml:"status"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at"`
	Summary    Summary      `json:"summary" yaml:"summary"`
	Units      []UnitReport `json:"units" yaml:"units"`

	// RerunRecipe is the path of the recipe repeating the failed units.
	RerunRecipe string `json:"rerun_recipe,omitempty" yaml:"rerun_recipe,omitempty"`
}
