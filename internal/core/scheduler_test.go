package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

// gateRunner reports each start and then blocks until gate closes or ctx
// is cancelled.
type gateRunner struct {
	started chan string
	gate    chan struct{}
	calls   atomic.Int32
}

func newGateRunner(n int) *gateRunner {
	return &gateRunner{started: make(chan string, n), gate: make(chan struct{})}
}

func (r *gateRunner) Run(ctx context.Context, u Unit) Outcome {
	r.calls.Add(1)
	r.started <- u.ID
	select {
	case <-r.gate:
		return Outcome{Kind: api.OutcomeCompleted}
	case <-ctx.Done():
		return failed(api.FailureInterrupted, ReturnCodeInterrupted, "interrupted")
	}
}

func testUnit(id string, cores, memGB int) Unit {
	return Unit{ID: id, Task: "t", ToolAlias: "stable", Resources: ResourceRequest{Cores: cores, MemoryGB: memGB, TimeoutS: 60}}
}

func waitStart(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a unit to start")
		return ""
	}
}

func assertNoStart(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unit %s started while it should not fit", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Unit.ID
	}
	return out
}

func TestSchedulerWaitsForCapacity(t *testing.T) {
	pool := NewPool(4, 16, 0)
	run := newGateRunner(2)
	s := NewScheduler(pool, run)

	resCh := make(chan []Result, 1)
	go func() {
		resCh <- s.Execute(context.Background(), []Unit{testUnit("A", 4, 4), testUnit("B", 1, 1)})
	}()

	assert.Equal(t, "A", waitStart(t, run.started))
	assertNoStart(t, run.started)
	close(run.gate)

	results := <-resCh
	assert.Equal(t, []string{"A", "B"}, ids(results))
	for _, r := range results {
		assert.Equal(t, api.OutcomeCompleted, r.Outcome.Kind)
	}
	assert.Equal(t, 4, pool.Stats().AvailableCores)
	assert.Equal(t, 16, pool.Stats().AvailableMemoryGB)
}

func TestSchedulerLookahead(t *testing.T) {
	pool := NewPool(4, 16, 0)
	run := newGateRunner(3)
	s := NewScheduler(pool, run)

	resCh := make(chan []Result, 1)
	go func() {
		resCh <- s.Execute(context.Background(), []Unit{testUnit("A", 3, 1), testUnit("B", 3, 1), testUnit("C", 1, 1)})
	}()

	first := []string{waitStart(t, run.started), waitStart(t, run.started)}
	assert.ElementsMatch(t, []string{"A", "C"}, first, "a smaller later unit fills the remaining core")
	assertNoStart(t, run.started)
	close(run.gate)

	assert.Equal(t, "B", waitStart(t, run.started))
	results := <-resCh
	require.Len(t, results, 3)
	assert.Equal(t, int32(3), run.calls.Load())
}

func TestSchedulerUnsatisfiable(t *testing.T) {
	pool := NewPool(4, 16, 0)
	run := newGateRunner(2)
	close(run.gate)
	s := NewScheduler(pool, run)

	results := s.Execute(context.Background(), []Unit{testUnit("big", 8, 1), testUnit("ok", 2, 2), testUnit("fat", 1, 64)})
	require.Len(t, results, 3)

	byID := map[string]Outcome{}
	for _, r := range results {
		byID[r.Unit.ID] = r.Outcome
	}
	for _, id := range []string{"big", "fat"} {
		out := byID[id]
		assert.Equal(t, api.OutcomeFailed, out.Kind, id)
		assert.Equal(t, api.FailureResourceUnsatisfiable, out.Failure, id)
		assert.Equal(t, ReturnCodeUnscheduled, out.ReturnCode, id)
	}
	assert.Equal(t, api.OutcomeCompleted, byID["ok"].Kind)
	assert.Equal(t, int32(1), run.calls.Load(), "unsatisfiable units are never run")
}

func TestSchedulerCancellation(t *testing.T) {
	pool := NewPool(2, 16, 0)
	run := newGateRunner(3)
	s := NewScheduler(pool, run)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resCh := make(chan []Result, 1)
	go func() {
		resCh <- s.Execute(ctx, []Unit{testUnit("A", 2, 1), testUnit("B", 2, 1), testUnit("C", 2, 1)})
	}()
	assert.Equal(t, "A", waitStart(t, run.started))
	cancel()

	var results []Result
	select {
	case results = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not return after cancellation")
	}
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, api.FailureInterrupted, r.Outcome.Failure, r.Unit.ID)
		assert.Equal(t, ReturnCodeInterrupted, r.Outcome.ReturnCode, r.Unit.ID)
	}
	assert.Equal(t, int32(1), run.calls.Load())
	assert.Equal(t, 2, pool.Stats().AvailableCores)
}

func TestSchedulerEmpty(t *testing.T) {
	s := NewScheduler(NewPool(1, 1, 0), newGateRunner(0))
	assert.Empty(t, s.Execute(context.Background(), nil))
}

// loadRunner sleeps briefly and tracks how much of the pool is in use.
type loadRunner struct {
	mu       sync.Mutex
	cores    int
	memGB    int
	maxCores int
	maxMemGB int
	runs     map[string]int
}

func (r *loadRunner) Run(ctx context.Context, u Unit) Outcome {
	r.mu.Lock()
	r.cores += u.Resources.Cores
	r.memGB += u.Resources.MemoryGB
	r.maxCores = max(r.maxCores, r.cores)
	r.maxMemGB = max(r.maxMemGB, r.memGB)
	r.runs[u.ID]++
	r.mu.Unlock()

	time.Sleep(time.Duration(len(u.ID)%3) * time.Millisecond)

	r.mu.Lock()
	r.cores -= u.Resources.Cores
	r.memGB -= u.Resources.MemoryGB
	r.mu.Unlock()
	if u.Resources.Cores == 3 {
		return failed(api.FailureTool, 1, "")
	}
	return Outcome{Kind: api.OutcomeCompleted}
}

func TestSchedulerRunsEveryUnitOnce(t *testing.T) {
	pool := NewPool(8, 32, 0)
	run := &loadRunner{runs: map[string]int{}}
	s := NewScheduler(pool, run)

	rng := rand.New(rand.NewSource(42))
	var units []Unit
	for i := 0; i < 60; i++ {
		units = append(units, testUnit(fmt.Sprintf("u%d", i), 1+rng.Intn(8), 1+rng.Intn(32)))
	}

	var reported atomic.Int32
	s.OnResult = func(Result) { reported.Add(1) }
	results := s.Execute(context.Background(), units)

	require.Len(t, results, len(units))
	assert.Equal(t, int32(len(units)), reported.Load())
	assert.ElementsMatch(t, ids(results), func() []string {
		out := make([]string, len(units))
		for i, u := range units {
			out[i] = u.ID
		}
		return out
	}())
	for _, u := range units {
		assert.Equal(t, 1, run.runs[u.ID], u.ID)
	}
	assert.LessOrEqual(t, run.maxCores, 8)
	assert.LessOrEqual(t, run.maxMemGB, 32)

	p := s.Progress()
	assert.Equal(t, len(units), p.Done)
	assert.Equal(t, 0, p.Running)
	assert.Equal(t, 8, p.Pool.AvailableCores)
	assert.Equal(t, 32, p.Pool.AvailableMemoryGB)
}
