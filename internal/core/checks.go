package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/batchprover/internal/recipe"
	"github.com/3cpo-dev/batchprover/pkg/api"
)

const (
	versionTimeout  = 30 * time.Second
	selfTestTimeout = 60 * time.Second
	theoryTimeout   = 60 * time.Second
)

// Lines the prover's self test prints when it passes.
var selfTestIndicators = []string{
	"All tests successful",
	"The tamarin-prover should work as intended",
}

// ToolReport is the integrity check result of one tool version.
type ToolReport struct {
	Alias      string
	Executable string
	Version    string // reported by the executable, "" if unknown
	Declared   string // declared in the recipe
	SelfTested bool
	Passed     bool
	Problems   []string
}

// TheoryReport collects what a prover said about one theory file.
type TheoryReport struct {
	ToolAlias  string
	Executable string
	TheoryFile string
	Problems   []string
}

// Checker runs the pre-flight checks of a recipe through a Supervisor.
type Checker struct {
	Supervisor *Supervisor
	SelfTest   bool
}

// NewChecker returns a Checker that also runs each tool's self test.
func NewChecker(s *Supervisor) *Checker {
	return &Checker{Supervisor: s, SelfTest: true}
}

// CheckTools asks every tool version of r for its version and, when
// enabled, runs its self test. Reports are ordered by alias.
func (c *Checker) CheckTools(ctx context.Context, r *recipe.Recipe) []ToolReport {
	aliases := make([]string, 0, len(r.ToolVersions))
	for a := range r.ToolVersions {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	reports := make([]ToolReport, 0, len(aliases))
	for _, alias := range aliases {
		tv := r.ToolVersions[alias]
		rep := ToolReport{Alias: alias, Declared: tv.Version}
		exe, err := lookupExecutable(tv.Path)
		if err != nil {
			rep.Problems = append(rep.Problems, fmt.Sprintf("resolve %s: %v", tv.Path, err))
			reports = append(reports, rep)
			continue
		}
		rep.Executable = exe
		c.checkVersion(ctx, &rep)
		if c.SelfTest {
			c.selfTest(ctx, &rep)
		}
		rep.Passed = len(rep.Problems) == 0
		if rep.Passed {
			log.Info().Str("tool", alias).Str("version", rep.Version).Msg("tool check passed")
		} else {
			log.Warn().Str("tool", alias).Strs("problems", rep.Problems).Msg("tool check failed")
		}
		reports = append(reports, rep)
	}
	return reports
}

func (c *Checker) checkVersion(ctx context.Context, rep *ToolReport) {
	inv := c.Supervisor.Invoke(ctx, rep.Executable, []string{"--version"}, versionTimeout)
	if !inv.Outcome.Succeeded() {
		rep.Problems = append(rep.Problems, "version query "+describe(inv.Outcome))
		return
	}
	rep.Version = ParseToolVersion(inv.Stdout)
	switch {
	case rep.Version == "":
		rep.Problems = append(rep.Problems, "could not parse version from --version output")
	case rep.Declared != "" && strings.TrimPrefix(rep.Declared, "v") != strings.TrimPrefix(rep.Version, "v"):
		rep.Problems = append(rep.Problems, fmt.Sprintf("recipe declares %s, executable reports %s", rep.Declared, rep.Version))
	}
}

func (c *Checker) selfTest(ctx context.Context, rep *ToolReport) {
	rep.SelfTested = true
	inv := c.Supervisor.Invoke(ctx, rep.Executable, []string{"test"}, selfTestTimeout)
	if !inv.Outcome.Succeeded() {
		msg := "self test " + describe(inv.Outcome)
		if tail := lastLines(inv.Stdout, 4); len(tail) > 0 {
			msg += ": " + strings.Join(tail, " | ")
		}
		rep.Problems = append(rep.Problems, msg)
		return
	}
	for _, want := range selfTestIndicators {
		if !strings.Contains(inv.Stdout, want) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("self test output lacks %q", want))
		}
	}
}

// CheckTheories runs each distinct (executable, theory) pair of units once
// without --prove and collects the warnings and errors it prints.
func (c *Checker) CheckTheories(ctx context.Context, units []Unit) []TheoryReport {
	type pair struct{ exe, theory string }
	seen := map[pair]bool{}
	var reports []TheoryReport
	for _, u := range units {
		k := pair{u.Executable, u.TheoryFile}
		if seen[k] {
			continue
		}
		seen[k] = true

		rep := TheoryReport{ToolAlias: u.ToolAlias, Executable: u.Executable, TheoryFile: u.TheoryFile}
		inv := c.Supervisor.Invoke(ctx, u.Executable, []string{u.TheoryFile}, theoryTimeout)
		switch out := inv.Outcome; {
		case out.Kind == api.OutcomeTimedOut:
			rep.Problems = []string{fmt.Sprintf("check timed out after %s", theoryTimeout)}
		case out.Kind == api.OutcomeFailed && out.Failure != api.FailureTool:
			rep.Problems = []string{"check " + describe(out)}
		default:
			rep.Problems = TheoryProblems(inv.Stdout + "\n" + inv.Stderr)
			if len(rep.Problems) == 0 && out.ReturnCode != 0 {
				rep.Problems = []string{fmt.Sprintf("non-zero exit code: %d", out.ReturnCode)}
			}
		}
		if len(rep.Problems) > 0 {
			log.Warn().Str("tool", u.ToolAlias).Str("theory", u.TheoryFile).Int("problems", len(rep.Problems)).Msg("theory check reported problems")
		}
		reports = append(reports, rep)
	}
	return reports
}

func describe(out Outcome) string {
	switch {
	case out.Kind == api.OutcomeTimedOut:
		return "timed out"
	case out.Failure == api.FailureTool:
		return fmt.Sprintf("exited with code %d", out.ReturnCode)
	case out.Message != "":
		return "failed: " + out.Message
	default:
		return "failed: " + string(out.Failure)
	}
}
