package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/batchprover/internal/recipe"
	"github.com/3cpo-dev/batchprover/internal/telemetry"
	"github.com/3cpo-dev/batchprover/pkg/api"
)

// ResultCache stores completed outcomes between runs.
type ResultCache interface {
	Get(ctx context.Context, key string) (Outcome, bool, error)
	Put(ctx context.Context, key, runID string, u Unit, out Outcome) error
}

// Orchestrator is the entrypoint for running an expanded batch: it
// consults the cache, schedules the misses and writes the report.
type Orchestrator struct {
	Scheduler *Scheduler
	Cache     ResultCache // nil disables caching
	Perf      *telemetry.PerformanceMonitor
	RunID     string
	Recipe    string
	OutputDir string // report is not written when empty

	// Source, when set, is used to write a rerun recipe covering the units
	// that did not complete.
	Source *recipe.Recipe
}

func NewOrchestrator(s *Scheduler) *Orchestrator {
	return &Orchestrator{Scheduler: s, RunID: uuid.NewString()}
}

// Run executes units and returns the report. The report is still built and
// written when ctx is cancelled part way; the returned error is then
// ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, units []Unit) (*api.Report, error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "batchprover.run")
	span.WithAttributes(map[string]string{"run.id": o.RunID, "run.recipe": o.Recipe})
	span.SetInt("run.units", int64(len(units)))

	lookup := telemetry.NewTimerScope("batchprover_cache_prepass_duration", nil)
	keys := make(map[string]string, len(units))
	results := make([]Result, 0, len(units))
	misses := make([]Unit, 0, len(units))
	for _, u := range units {
		if o.Cache == nil {
			misses = append(misses, u)
			continue
		}
		key, err := CacheKey(u)
		if err != nil {
			log.Warn().Err(err).Str("unit", u.ID).Msg("cache key unavailable")
			misses = append(misses, u)
			continue
		}
		keys[u.ID] = key
		out, ok, err := o.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("unit", u.ID).Msg("cache lookup failed")
		}
		if !ok {
			misses = append(misses, u)
			continue
		}
		log.Info().Str("unit", u.ID).Msg("cache hit")
		results = append(results, Result{Unit: u, Outcome: out})
	}
	if hits := len(results); hits > 0 {
		log.Info().Int("hits", hits).Int("misses", len(misses)).Dur("took", lookup.End()).Msg("cache pre-pass done")
	}

	results = append(results, o.Scheduler.Execute(ctx, misses)...)

	storeCtx := context.WithoutCancel(ctx)
	for _, r := range results {
		if o.Perf != nil {
			o.Perf.RecordUnitMetrics(r.Unit.Task, r.Unit.ToolAlias, string(r.Outcome.Kind), r.Outcome.Duration, r.Outcome.PeakMemory, r.Outcome.Cached)
		}
		if o.Cache == nil || r.Outcome.Cached || !r.Outcome.Succeeded() {
			continue
		}
		key, ok := keys[r.Unit.ID]
		if !ok {
			continue
		}
		if err := o.Cache.Put(storeCtx, key, o.RunID, r.Unit, r.Outcome); err != nil {
			log.Warn().Err(err).Str("unit", r.Unit.ID).Msg("cache store failed")
		}
	}

	interrupted := ctx.Err() != nil
	rep := BuildReport(o.RunID, o.Recipe, units, results, started, time.Now(), interrupted)
	if o.Perf != nil {
		o.Perf.RecordRunMetrics(rep.Summary.TotalUnits, rep.Summary.Succeeded, rep.Summary.Failed, time.Since(started))
	}

	var err error
	if o.OutputDir != "" && o.Source != nil {
		if rr := RerunRecipe(o.Source, units, results); rr != nil {
			path := RerunPath(o.OutputDir, o.Recipe)
			if werr := recipe.WriteFile(path, rr); werr != nil {
				log.Error().Err(werr).Msg("rerun recipe not written")
			} else {
				rep.RerunRecipe = path
				log.Info().Str("path", path).Int("tasks", len(rr.Tasks)).Msg("rerun recipe written")
			}
		}
	}
	if o.OutputDir != "" {
		path, werr := WriteReport(o.OutputDir, rep)
		if werr != nil {
			err = werr
		} else {
			log.Info().Str("path", path).Msg("report written")
		}
	}
	if interrupted {
		err = errors.Join(ctx.Err(), err)
	}
	span.WithAttributes(map[string]string{"run.status": string(rep.Status)})
	span.End(err)
	return rep, err
}

// Traced wraps next so each unit runs inside its own span.
func Traced(next UnitRunner) UnitRunner { return tracedRunner{next: next} }

type tracedRunner struct{ next UnitRunner }

func (t tracedRunner) Run(ctx context.Context, u Unit) Outcome {
	ctx, span := telemetry.StartSpan(ctx, "batchprover.unit")
	span.WithAttributes(map[string]string{
		"unit.id":    u.ID,
		"unit.task":  u.Task,
		"unit.lemma": u.LemmaLabel(),
		"unit.tool":  u.ToolAlias,
	})
	span.SetInt("unit.cores", int64(u.Resources.Cores))
	span.SetInt("unit.memory_gb", int64(u.Resources.MemoryGB))

	out := t.next.Run(ctx, u)
	span.WithAttributes(map[string]string{"unit.outcome": string(out.Kind)})
	span.SetInt("unit.peak_memory_bytes", int64(out.PeakMemory))
	var err error
	if !out.Succeeded() {
		err = fmt.Errorf("unit %s: %s %s", u.ID, out.Kind, out.Failure)
	}
	span.End(err)
	return out
}
