package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/batchprover/internal/telemetry"
	"github.com/3cpo-dev/batchprover/pkg/api"
)

// UnitRunner executes one unit to a terminal outcome. Supervisor is the
// production implementation.
type UnitRunner interface {
	Run(ctx context.Context, u Unit) Outcome
}

// Progress is a point-in-time view of a running batch.
type Progress struct {
	Total   int       `json:"total"`
	Pending int       `json:"pending"`
	Running int       `json:"running"`
	Done    int       `json:"done"`
	Pool    PoolStats `json:"pool"`
}

// Scheduler admits units into a Pool in expansion order and runs them
// concurrently through a UnitRunner.
type Scheduler struct {
	pool   *Pool
	runner UnitRunner

	// OnResult, if set, is called from the scheduling loop for every
	// terminal result.
	OnResult func(Result)

	mu       sync.RWMutex
	progress Progress
}

// NewScheduler creates a scheduler backed by pool and runner.
func NewScheduler(pool *Pool, runner UnitRunner) *Scheduler {
	return &Scheduler{pool: pool, runner: runner}
}

// Pool returns the pool the scheduler admits into.
func (s *Scheduler) Pool() *Pool { return s.pool }

// Progress returns the latest progress snapshot.
func (s *Scheduler) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.progress
	p.Pool = s.pool.Stats()
	return p
}

type completion struct {
	idx     int
	grant   *Grant
	outcome Outcome
}

// Execute runs every unit and returns one result per unit, in completion
// order. Failed units never stop the batch. When ctx is cancelled nothing
// new is admitted, in-flight units are killed and pending ones are
// reported as interrupted.
func (s *Scheduler) Execute(ctx context.Context, units []Unit) []Result {
	results := make([]Result, 0, len(units))
	record := func(idx int, out Outcome) {
		r := Result{Unit: units[idx], Outcome: out}
		results = append(results, r)
		if s.OnResult != nil {
			s.OnResult(r)
		}
	}

	pending := make([]int, 0, len(units))
	for i, u := range units {
		if !s.pool.Fits(u.Resources) {
			st := s.pool.Stats()
			log.Error().Str("unit", u.ID).Str("request", u.Resources.String()).
				Int("pool_cores", st.TotalCores).Int("pool_memory_gb", st.TotalMemoryGB).
				Msg("unit can never fit the pool")
			record(i, unsatisfiable(u, st))
			continue
		}
		pending = append(pending, i)
	}

	done := make(chan completion, len(units))
	inFlight := 0
	ctxDone := ctx.Done()
	s.setProgress(len(units), len(pending), inFlight, len(results))

	for len(pending) > 0 || inFlight > 0 {
		if ctx.Err() != nil {
			for _, idx := range pending {
				record(idx, failed(api.FailureInterrupted, ReturnCodeInterrupted, "not started: run cancelled"))
			}
			if len(pending) > 0 {
				log.Warn().Int("units", len(pending)).Msg("run cancelled, pending units not started")
			}
			pending = nil
			ctxDone = nil
		} else {
			admitted := 0
			kept := pending[:0]
			for _, idx := range pending {
				u := units[idx]
				g, ok := s.pool.TryAdmit(u.Resources)
				if !ok {
					kept = append(kept, idx)
					continue
				}
				admitted++
				inFlight++
				telemetry.CounterGlobal(telemetry.MetricUnitsAdmitted, 1, nil)
				log.Info().Str("unit", u.ID).Int("cores", u.Resources.Cores).
					Int("memory_gb", u.Resources.MemoryGB).Int("timeout_s", u.Resources.TimeoutS).
					Msg("unit admitted")
				go func(idx int, g *Grant) {
					done <- completion{idx: idx, grant: g, outcome: s.runner.Run(ctx, units[idx])}
				}(idx, g)
			}
			pending = kept
			if admitted == 0 && inFlight == 0 && len(pending) > 0 {
				head := pending[0]
				pending = pending[1:]
				record(head, unsatisfiable(units[head], s.pool.Stats()))
				continue
			}
		}
		s.setProgress(len(units), len(pending), inFlight, len(results))
		if inFlight == 0 {
			continue
		}

		select {
		case c := <-done:
			c.grant.Release()
			inFlight--
			u := units[c.idx]
			log.Info().Str("unit", u.ID).Str("outcome", string(c.outcome.Kind)).
				Dur("duration", c.outcome.Duration).Uint64("peak_mb", c.outcome.PeakMemory>>20).
				Msg("unit finished")
			record(c.idx, c.outcome)
			s.logProgress(len(units), len(pending), inFlight, len(results))
		case <-ctxDone:
			// Loop around to mark pending units; in-flight ones are being
			// killed by their supervisors.
		}
	}
	s.setProgress(len(units), 0, 0, len(results))
	return results
}

func unsatisfiable(u Unit, st PoolStats) Outcome {
	return failed(api.FailureResourceUnsatisfiable, ReturnCodeUnscheduled,
		fmt.Sprintf("request %s exceeds pool capacity %d cores / %d GB", u.Resources, st.TotalCores, st.TotalMemoryGB))
}

func (s *Scheduler) setProgress(total, pending, running, done int) {
	s.mu.Lock()
	s.progress = Progress{Total: total, Pending: pending, Running: running, Done: done}
	s.mu.Unlock()
	st := s.pool.Stats()
	telemetry.GaugeGlobal(telemetry.MetricUnitsRunning, float64(running), nil)
	telemetry.GaugeGlobal(telemetry.MetricUnitsPending, float64(pending), nil)
	telemetry.GaugeGlobal(telemetry.MetricPoolCoresFree, float64(st.AvailableCores), nil)
	telemetry.GaugeGlobal(telemetry.MetricPoolMemoryFree, float64(st.AvailableMemoryGB), nil)
}

func (s *Scheduler) logProgress(total, pending, running, done int) {
	s.setProgress(total, pending, running, done)
	st := s.pool.Stats()
	log.Info().Int("done", done).Int("total", total).Int("running", running).Int("pending", pending).
		Str("cores", fmt.Sprintf("%d/%d", st.TotalCores-st.AvailableCores, st.TotalCores)).
		Str("memory_gb", fmt.Sprintf("%d/%d", st.TotalMemoryGB-st.AvailableMemoryGB, st.TotalMemoryGB)).
		Msg("progress")
}
