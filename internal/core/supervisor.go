package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

const (
	defaultSampleInterval = time.Second
	defaultStderrLines    = 10
	defaultStdoutLimit    = 8 << 20
	defaultStderrLimit    = 1 << 20
	defaultWaitDelay      = 2 * time.Second
)

// Supervisor runs one unit as an external process and classifies how it
// ended. A Supervisor holds no per-run state and may be shared.
type Supervisor struct {
	Sampler        MemorySampler
	SampleInterval time.Duration
	StderrLines    int
	StdoutLimit    int
	StderrLimit    int
	WaitDelay      time.Duration
}

// NewSupervisor returns a Supervisor with the default sampler and limits.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		Sampler:        ProcessTreeSampler{},
		SampleInterval: defaultSampleInterval,
		StderrLines:    defaultStderrLines,
		StdoutLimit:    defaultStdoutLimit,
		StderrLimit:    defaultStderrLimit,
		WaitDelay:      defaultWaitDelay,
	}
}

type memStats struct {
	peak uint64
	avg  uint64
}

// Run executes u and blocks until it reaches a terminal outcome. Timeout,
// memory overrun and ctx cancellation all hard-kill the process group; the
// first of them to claim the outcome decides its kind.
func (s *Supervisor) Run(ctx context.Context, u Unit) Outcome {
	out, stdout, _ := s.execute(ctx, u)
	if out.Kind == api.OutcomeCompleted {
		out.Measures = ExtractMeasures(stdout, u.Lemma)
	}
	return out
}

// Invocation is the outcome of an auxiliary command together with its
// captured output.
type Invocation struct {
	Outcome Outcome
	Stdout  string
	Stderr  string
}

// Invoke runs exe with args under the same kill paths as a unit but with
// no memory limit and no output file. timeout is rounded up to whole
// seconds.
func (s *Supervisor) Invoke(ctx context.Context, exe string, args []string, timeout time.Duration) Invocation {
	secs := int((timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	u := Unit{
		ID:         filepath.Base(exe) + " " + strings.Join(args, " "),
		Executable: exe,
		Args:       args,
		Resources:  ResourceRequest{TimeoutS: secs},
	}
	out, stdout, stderr := s.execute(ctx, u)
	return Invocation{Outcome: out, Stdout: stdout, Stderr: stderr}
}

func (s *Supervisor) execute(ctx context.Context, u Unit) (Outcome, string, string) {
	if err := ctx.Err(); err != nil {
		return failed(api.FailureInterrupted, ReturnCodeInterrupted, "not started: run cancelled"), "", ""
	}
	if u.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(u.OutputFile), 0o755); err != nil {
			return failed(api.FailureSpawn, ReturnCodeSpawn, fmt.Sprintf("create output dir: %v", err)), "", ""
		}
	}

	stdout := newTailBuffer(orDefault(s.StdoutLimit, defaultStdoutLimit))
	stderr := newTailBuffer(orDefault(s.StderrLimit, defaultStderrLimit))
	cmd := exec.Command(u.Executable, u.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("unit", u.ID).Msg("spawn failed")
		return failed(api.FailureSpawn, ReturnCodeSpawn, fmt.Sprintf("spawn %s: %v", u.Executable, err)), "", ""
	}
	pid := cmd.Process.Pid
	log.Debug().Str("unit", u.ID).Int("pid", pid).Msg("process started")

	var slot outcomeSlot
	killWith := func(v verdict) {
		if !slot.claim(v) {
			return
		}
		if err := killGroup(cmd.Process); err != nil {
			log.Warn().Err(err).Str("unit", u.ID).Msg("kill process group")
		}
	}

	timeout := time.Duration(u.Resources.TimeoutS) * time.Second
	timer := time.AfterFunc(timeout, func() {
		killWith(verdict{kind: api.OutcomeTimedOut, at: time.Since(start)})
	})
	stopCtx := context.AfterFunc(ctx, func() {
		killWith(verdict{kind: api.OutcomeFailed, failure: api.FailureInterrupted, at: time.Since(start)})
	})

	stopMonitor := make(chan struct{})
	statsCh := make(chan memStats, 1)
	limit := uint64(u.Resources.MemoryGB) * bytesPerGB
	go func() {
		statsCh <- s.monitor(pid, limit, stopMonitor, func(peak uint64) {
			killWith(verdict{kind: api.OutcomeMemoryExceeded, at: time.Since(start), peak: peak})
		})
	}()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	timer.Stop()
	stopCtx()
	close(stopMonitor)
	mem := <-statsCh
	// The leader is gone; take down anything it left in its group.
	_ = killGroup(cmd.Process)

	natural := slot.claim(verdict{kind: api.OutcomeCompleted, at: elapsed})
	out := Outcome{Duration: elapsed, PeakMemory: mem.peak, AvgMemory: mem.avg}
	if !natural {
		v := slot.load()
		out.StderrTail = stderr.Lines(s.stderrLines())
		switch v.kind {
		case api.OutcomeTimedOut:
			out.Kind = api.OutcomeTimedOut
			out.Duration = v.at
			out.ReturnCode = ReturnCodeTimeout
			out.Message = fmt.Sprintf("killed after %ds timeout", u.Resources.TimeoutS)
		case api.OutcomeMemoryExceeded:
			out.Kind = api.OutcomeMemoryExceeded
			out.ReturnCode = ReturnCodeMemory
			if v.peak > out.PeakMemory {
				out.PeakMemory = v.peak
			}
			out.Message = fmt.Sprintf("killed at %d MB, limit %d GB", out.PeakMemory>>20, u.Resources.MemoryGB)
		default:
			out.Kind = api.OutcomeFailed
			out.Failure = api.FailureInterrupted
			out.ReturnCode = ReturnCodeInterrupted
			out.Message = "interrupted"
		}
		log.Warn().Str("unit", u.ID).Str("outcome", string(out.Kind)).Dur("duration", out.Duration).Msg(out.Message)
		return out, stdout.String(), stderr.String()
	}

	code := cmd.ProcessState.ExitCode()
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			out.Kind = api.OutcomeFailed
			out.Failure = api.FailureTool
			out.ReturnCode = code
			out.Message = waitErr.Error()
			out.StderrTail = stderr.Lines(s.stderrLines())
			return out, stdout.String(), stderr.String()
		}
	}
	if code != 0 {
		out.Kind = api.OutcomeFailed
		out.Failure = api.FailureTool
		out.ReturnCode = code
		out.StderrTail = stderr.Lines(s.stderrLines())
		if code < 0 {
			out.Message = cmd.ProcessState.String()
		}
		log.Warn().Str("unit", u.ID).Int("code", code).Msg("prover exited with error")
		return out, stdout.String(), stderr.String()
	}
	out.Kind = api.OutcomeCompleted
	return out, stdout.String(), stderr.String()
}

// monitor samples memory until stop is closed or the limit is exceeded.
// The process may exit between samples; sampling errors are skipped.
func (s *Supervisor) monitor(pid int, limit uint64, stop <-chan struct{}, exceeded func(peak uint64)) memStats {
	var st memStats
	if s.Sampler == nil {
		<-stop
		return st
	}
	interval := s.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sum, n uint64
	for {
		select {
		case <-stop:
			return st
		case <-ticker.C:
		}
		rss, err := s.Sampler.Sample(pid)
		if err != nil {
			continue
		}
		sum += rss
		n++
		st.avg = sum / n
		if rss > st.peak {
			st.peak = rss
		}
		if limit > 0 && rss > limit {
			exceeded(st.peak)
			return st
		}
	}
}

func (s *Supervisor) stderrLines() int {
	return orDefault(s.StderrLines, defaultStderrLines)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
