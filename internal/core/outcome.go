package core

import (
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

// Return codes recorded for outcomes that did not come from a natural exit.
const (
	ReturnCodeSpawn       = -127
	ReturnCodeTimeout     = -1
	ReturnCodeMemory      = -2
	ReturnCodeInterrupted = -3
	ReturnCodeUnscheduled = -4
)

// Measures are the coarse values extracted from prover output.
type Measures struct {
	Steps       int           `json:"steps"`
	ToolTime    time.Duration `json:"tool_time"`
	LemmaStatus string        `json:"lemma_status"`
}

// Outcome is the terminal classification of one unit. Kind selects which
// of the remaining fields are meaningful.
type Outcome struct {
	Kind       api.OutcomeKind `json:"kind"`
	Failure    api.FailureKind `json:"failure,omitempty"`
	ReturnCode int             `json:"return_code"`
	StderrTail []string        `json:"stderr_tail,omitempty"`
	Message    string          `json:"message,omitempty"`
	Duration   time.Duration   `json:"duration"`
	PeakMemory uint64          `json:"peak_memory"` // bytes
	AvgMemory  uint64          `json:"avg_memory"`  // bytes
	Measures   Measures        `json:"measures"`
	Cached     bool            `json:"cached"`
}

// Succeeded reports whether the unit completed.
func (o Outcome) Succeeded() bool { return o.Kind == api.OutcomeCompleted }

// Result pairs a unit with its outcome.
type Result struct {
	Unit    Unit
	Outcome Outcome
}

func failed(kind api.FailureKind, code int, msg string) Outcome {
	return Outcome{Kind: api.OutcomeFailed, Failure: kind, ReturnCode: code, Message: msg}
}

// verdict is what a kill path claims before acting.
type verdict struct {
	kind    api.OutcomeKind
	failure api.FailureKind
	at      time.Duration
	peak    uint64
}

// outcomeSlot is a single-assignment cell. The first claim wins; later
// claims report false and must not act.
type outcomeSlot struct {
	v atomic.Pointer[verdict]
}

func (s *outcomeSlot) claim(v verdict) bool {
	return s.v.CompareAndSwap(nil, &v)
}

func (s *outcomeSlot) load() *verdict {
	return s.v.Load()
}
