//go:build unix

package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/batchprover/internal/recipe"
)

const healthyTool = `case "$1" in
--version) echo "tamarin-prover 1.10.0, (C) David Basin et al."; exit 0;;
test) echo "All tests successful."; echo "The tamarin-prover should work as intended."; exit 0;;
esac
echo "analyzed: $1"`

func toolRecipe(t *testing.T, tools map[string]recipe.ToolVersion) *recipe.Recipe {
	t.Helper()
	return &recipe.Recipe{ToolVersions: tools}
}

func TestCheckToolsHealthy(t *testing.T) {
	exe := writeScript(t, healthyTool)
	r := toolRecipe(t, map[string]recipe.ToolVersion{
		"stable": {Path: exe, Version: "v1.10.0"},
		"alt":    {Path: exe},
	})

	reports := NewChecker(testSupervisor(nil)).CheckTools(context.Background(), r)
	require.Len(t, reports, 2)
	assert.Equal(t, "alt", reports[0].Alias, "ordered by alias")
	for _, rep := range reports {
		assert.True(t, rep.Passed, "%s: %v", rep.Alias, rep.Problems)
		assert.True(t, rep.SelfTested)
		assert.Equal(t, "v1.10.0", rep.Version)
		assert.Equal(t, exe, rep.Executable)
	}
}

func TestCheckToolsReportsProblems(t *testing.T) {
	healthy := writeScript(t, healthyTool)
	broken := writeScript(t, `echo "segmentation fault" >&2; exit 3`)
	quiet := writeScript(t, `case "$1" in
--version) echo "prover (development build)";;
test) echo "All tests successful.";;
esac`)
	r := toolRecipe(t, map[string]recipe.ToolVersion{
		"declared": {Path: healthy, Version: "1.8.0"},
		"broken":   {Path: broken},
		"quiet":    {Path: quiet},
		"missing":  {Path: filepath.Join(t.TempDir(), "nope")},
	})

	reports := NewChecker(testSupervisor(nil)).CheckTools(context.Background(), r)
	byAlias := map[string]ToolReport{}
	for _, rep := range reports {
		byAlias[rep.Alias] = rep
		assert.False(t, rep.Passed, rep.Alias)
	}

	assert.Equal(t, []string{"recipe declares 1.8.0, executable reports v1.10.0"}, byAlias["declared"].Problems)
	assert.Contains(t, byAlias["broken"].Problems[0], "exited with code 3")
	assert.Len(t, byAlias["broken"].Problems, 2, "version query and self test both fail")
	assert.Contains(t, byAlias["quiet"].Problems, "could not parse version from --version output")
	assert.Contains(t, byAlias["quiet"].Problems, fmt.Sprintf("self test output lacks %q", selfTestIndicators[1]))
	assert.Empty(t, byAlias["missing"].Executable)
	assert.Len(t, byAlias["missing"].Problems, 1)
	assert.False(t, byAlias["missing"].SelfTested)
}

func TestCheckToolsWithoutSelfTest(t *testing.T) {
	exe := writeScript(t, `case "$1" in
--version) echo "tamarin-prover 1.10.0";;
*) exit 1;;
esac`)
	c := NewChecker(testSupervisor(nil))
	c.SelfTest = false
	reports := c.CheckTools(context.Background(), toolRecipe(t, map[string]recipe.ToolVersion{"stable": {Path: exe}}))
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Passed, "%v", reports[0].Problems)
	assert.False(t, reports[0].SelfTested)
}

func TestCheckTheories(t *testing.T) {
	clean := writeScript(t, `echo "analyzed: $1"; echo "  processing time: 0.1s"`)
	warns := writeScript(t, `echo "analyzed: $1"
echo "WARNING: 1 wellformedness check failed!" >&2
echo "no warnings in restrictions"`)
	crashes := writeScript(t, `exit 3`)
	theory := filepath.Join(t.TempDir(), "proto.spthy")
	other := filepath.Join(t.TempDir(), "other.spthy")

	unit := func(alias, exe, th, lemma string) Unit {
		return Unit{ID: alias + lemma, ToolAlias: alias, Executable: exe, TheoryFile: th, Lemma: lemma}
	}
	units := []Unit{
		unit("stable", clean, theory, "a"),
		unit("stable", clean, theory, "b"),
		unit("stable", clean, other, "a"),
		unit("dev", warns, theory, "a"),
		unit("old", crashes, theory, "a"),
	}

	reports := NewChecker(testSupervisor(nil)).CheckTheories(context.Background(), units)
	require.Len(t, reports, 4, "each executable and theory pair runs once")
	assert.Equal(t, theory, reports[0].TheoryFile)
	assert.Empty(t, reports[0].Problems)
	assert.Equal(t, other, reports[1].TheoryFile)
	assert.Empty(t, reports[1].Problems)
	assert.Equal(t, "dev", reports[2].ToolAlias)
	assert.Equal(t, []string{"WARNING: 1 wellformedness check failed!"}, reports[2].Problems)
	assert.Equal(t, []string{"non-zero exit code: 3"}, reports[3].Problems)
}

func TestCheckTheoriesSpawnError(t *testing.T) {
	u := Unit{ToolAlias: "gone", Executable: filepath.Join(t.TempDir(), "gone"), TheoryFile: "proto.spthy"}
	reports := NewChecker(testSupervisor(nil)).CheckTheories(context.Background(), []Unit{u})
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Problems, 1)
	assert.Contains(t, reports[0].Problems[0], "spawn")
}

func TestInvokeCapturesOutput(t *testing.T) {
	exe := writeScript(t, `echo "out $1"; echo "err" >&2`)
	inv := testSupervisor(nil).Invoke(context.Background(), exe, []string{"hello"}, 0)
	require.True(t, inv.Outcome.Succeeded(), inv.Outcome.Message)
	assert.Equal(t, "out hello\n", inv.Stdout)
	assert.Equal(t, "err\n", inv.Stderr)
}
