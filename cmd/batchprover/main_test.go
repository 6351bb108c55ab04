//go:build unix

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/batchprover/internal/core"
	"github.com/3cpo-dev/batchprover/pkg/api"
)

type cliFixture struct {
	dir    string
	config string
	recipe string
	out    string
}

func newCLIFixture(t *testing.T, exitCode int) cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := cliFixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		recipe: filepath.Join(dir, "recipe.yaml"),
		out:    filepath.Join(dir, "out"),
	}
	theory := filepath.Join(dir, "proto.spthy")
	exe := filepath.Join(dir, "prover.sh")
	require.NoError(t, os.WriteFile(f.config, nil, 0o644))
	require.NoError(t, os.WriteFile(theory, []byte(`theory Proto
begin
lemma secrecy: "All x #i. K(x) @ i ==> F"
lemma auth: "All x #i. K(x) @ i ==> F"
end
`), 0o644))
	require.NoError(t, os.WriteFile(exe, []byte(fmt.Sprintf(`#!/bin/sh
case "$1" in
--version) echo "tamarin-prover 1.10.0"; exit 0;;
test) echo "All tests successful."; echo "The tamarin-prover should work as intended."; exit 0;;
esac
echo "  processing time: 0.1s"
echo "  secrecy (all-traces): verified (3 steps)"
echo "  auth (all-traces): verified (2 steps)"
exit %d
`, exitCode)), 0o755))
	require.NoError(t, os.WriteFile(f.recipe, []byte(fmt.Sprintf(`
config:
  max_cores: 1
  max_memory_gb: 1
  default_timeout_s: 30
  output_directory: %s
tool_versions:
  stable:
    path: %s
tasks:
  proto:
    theory_file: %s
    tool_versions: [stable]
    output_file_prefix: proto
    lemmas: []
`, f.out, exe, theory)), 0o644))
	return f
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestCheckCommand(t *testing.T) {
	f := newCLIFixture(t, 0)
	require.NoError(t, execute(t, "--config", f.config, "check", f.recipe))
	assert.NoDirExists(t, f.out, "check does not run anything")
}

func TestRunCommand(t *testing.T) {
	f := newCLIFixture(t, 0)
	require.NoError(t, execute(t, "--config", f.config, "run", "--no-cache", "--sample-interval", "20", f.recipe))

	raw, err := os.ReadFile(filepath.Join(f.out, core.ReportFileName))
	require.NoError(t, err)
	var rep api.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Equal(t, api.RunSucceeded, rep.Status)
	require.Len(t, rep.Units, 2)
	assert.Equal(t, "proto--secrecy--stable", rep.Units[0].ID)
	assert.Equal(t, "proto--auth--stable", rep.Units[1].ID)
	assert.Equal(t, 3, rep.Units[0].Steps)
}

func TestRunCommandFailOnError(t *testing.T) {
	f := newCLIFixture(t, 1)
	out := filepath.Join(f.dir, "elsewhere")
	err := execute(t, "--config", f.config, "run", "--no-cache", "--fail-on-error", "--output-dir", out, f.recipe)
	var ee *exitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 2, ee.code)
	assert.FileExists(t, filepath.Join(out, core.ReportFileName))
	assert.FileExists(t, filepath.Join(out, "recipe-rerun.yaml"), "failed units get a rerun recipe")

	require.NoError(t, execute(t, "--config", f.config, "run", "--no-cache", "--output-dir", out, f.recipe),
		"failures alone do not fail the command")
}

func TestRunCommandUsesCache(t *testing.T) {
	f := newCLIFixture(t, 0)
	db := filepath.Join(f.dir, "cache.db")
	require.NoError(t, execute(t, "--config", f.config, "run", "--cache-db", db, f.recipe))
	require.NoError(t, execute(t, "--config", f.config, "run", "--cache-db", db, f.recipe))

	raw, err := os.ReadFile(filepath.Join(f.out, core.ReportFileName))
	require.NoError(t, err)
	var rep api.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Equal(t, 2, rep.Summary.CacheHits)

	require.NoError(t, execute(t, "--config", f.config, "cache", "stats", "--cache-db", db))
	require.NoError(t, execute(t, "--config", f.config, "cache", "clear", "--cache-db", db))
}

func TestCheckStrictMode(t *testing.T) {
	good := newCLIFixture(t, 0)
	require.NoError(t, execute(t, "--config", good.config, "check", "--strict", good.recipe))

	bad := newCLIFixture(t, 1)
	err := execute(t, "--config", bad.config, "check", "--strict", bad.recipe)
	var ee *exitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 2, ee.code)

	require.NoError(t, execute(t, "--config", bad.config, "check", bad.recipe), "problems are reported, not fatal")
	require.NoError(t, execute(t, "--config", bad.config, "check", "--strict", "--skip-tools", bad.recipe))
}

func TestCheckRejectsBadRecipe(t *testing.T) {
	f := newCLIFixture(t, 0)
	require.NoError(t, os.WriteFile(f.recipe, []byte("config: {}\n"), 0o644))
	assert.Error(t, execute(t, "--config", f.config, "check", f.recipe))
}
