package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

// ReportFileName is written into the output directory after every run.
const ReportFileName = "execution_report.json"

const mb = 1 << 20

// BuildReport assembles the run report. Unit entries follow expansion
// order regardless of completion order.
func BuildReport(runID, recipePath string, units []Unit, results []Result, started, finished time.Time, interrupted bool) *api.Report {
	byID := make(map[string]Outcome, len(results))
	for _, r := range results {
		byID[r.Unit.ID] = r.Outcome
	}

	rep := &api.Report{
		RunID:      runID,
		Recipe:     recipePath,
		StartedAt:  started,
		FinishedAt: finished,
		Units:      make([]api.UnitReport, 0, len(units)),
	}
	sum := api.Summary{
		ByKind:       map[api.OutcomeKind]int{},
		FailureKinds: map[api.FailureKind]int{},
		WallTimeS:    finished.Sub(started).Seconds(),
	}
	for _, u := range units {
		out, ok := byID[u.ID]
		if !ok {
			out = failed(api.FailureInterrupted, ReturnCodeInterrupted, "no outcome recorded")
		}
		rep.Units = append(rep.Units, unitReport(u, out))

		sum.TotalUnits++
		sum.ByKind[out.Kind]++
		switch {
		case out.Cached:
			sum.Succeeded++
			sum.CacheHits++
			continue
		case out.Succeeded():
			sum.Succeeded++
		default:
			sum.Failed++
			if out.Failure != api.FailureNone {
				sum.FailureKinds[out.Failure]++
			}
		}
		peak := float64(out.PeakMemory) / mb
		sum.TotalPeakMemMB += peak
		if peak > sum.MaxPeakMemMB {
			sum.MaxPeakMemMB = peak
		}
		secs := out.Duration.Seconds()
		sum.TotalRuntimeS += secs
		if secs > sum.MaxRuntimeS {
			sum.MaxRuntimeS = secs
		}
	}
	rep.Summary = sum

	switch {
	case interrupted:
		rep.Status = api.RunInterrupted
	case sum.Failed == 0:
		rep.Status = api.RunSucceeded
	case sum.Succeeded == 0:
		rep.Status = api.RunFailed
	default:
		rep.Status = api.RunPartial
	}
	return rep
}

func unitReport(u Unit, out Outcome) api.UnitReport {
	return api.UnitReport{
		ID:          u.ID,
		Task:        u.Task,
		Lemma:       u.Lemma,
		ToolAlias:   u.ToolAlias,
		TheoryFile:  u.TheoryFile,
		OutputFile:  u.OutputFile,
		Command:     u.Command(),
		Resources:   u.apiResources(),
		Status:      out.Kind,
		Failure:     out.Failure,
		ReturnCode:  out.ReturnCode,
		StderrTail:  out.StderrTail,
		Message:     out.Message,
		Cached:      out.Cached,
		DurationS:   out.Duration.Seconds(),
		PeakMemMB:   float64(out.PeakMemory) / mb,
		AvgMemMB:    float64(out.AvgMemory) / mb,
		Steps:       out.Measures.Steps,
		ToolTimeS:   out.Measures.ToolTime.Seconds(),
		LemmaStatus: out.Measures.LemmaStatus,
	}
}

// WriteReport writes rep as indented JSON into dir, atomically.
func WriteReport(dir string, rep *api.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(dir, ReportFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
