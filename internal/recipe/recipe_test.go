package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
config:
  max_cores: max
  max_memory_gb: 80%
  default_timeout_s: 600
  output_directory: out
tool_versions:
  stable:
    path: /usr/bin/true
  dev:
    path: /usr/bin/true
    version: "1.11"
tasks:
  zeta:
    theory_file: zeta.spthy
    tool_versions: [stable]
    output_file_prefix: zeta
  alpha:
    theory_file: alpha.spthy
    tool_versions: [stable, dev]
    output_file_prefix: alpha
    tool_options: ["--diff"]
    resources:
      cores: 2
    lemmas:
      - name: secrecy
        resources:
          timeout_s: 30
      - name: auth
        tool_options: []
  beta:
    theory_file: beta.spthy
    tool_versions: [dev]
    output_file_prefix: beta
    lemmas: []
`

func TestParseKeepsTaskOrder(t *testing.T) {
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, r.Tasks, 3)
	assert.Equal(t, "zeta", r.Tasks[0].Name)
	assert.Equal(t, "alpha", r.Tasks[1].Name)
	assert.Equal(t, "beta", r.Tasks[2].Name)
}

func TestParsePresenceMarkers(t *testing.T) {
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	zeta, _ := r.Task("zeta")
	assert.Nil(t, zeta.Lemmas, "omitted lemmas must stay absent")
	assert.Nil(t, zeta.Resources.Cores)

	beta, _ := r.Task("beta")
	require.NotNil(t, beta.Lemmas, "explicit empty list must be present")
	assert.Empty(t, *beta.Lemmas)

	alpha, _ := r.Task("alpha")
	require.NotNil(t, alpha.Resources.Cores)
	assert.Equal(t, 2, *alpha.Resources.Cores)
	lemmas := *alpha.Lemmas
	require.Len(t, lemmas, 2)
	require.NotNil(t, lemmas[0].Resources.TimeoutS)
	assert.Equal(t, 30, *lemmas[0].Resources.TimeoutS)
	assert.Nil(t, lemmas[0].Resources.Cores)
	assert.Nil(t, lemmas[0].ToolOptions)
	require.NotNil(t, lemmas[1].ToolOptions)
	assert.Empty(t, *lemmas[1].ToolOptions)
}

func TestParseLimits(t *testing.T) {
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.True(t, r.Config.MaxCores.Max)
	assert.Equal(t, 80, r.Config.MaxMemoryGB.Percent)
}

func TestParseJSON(t *testing.T) {
	doc := `{
  "config": {"max_cores": 8, "max_memory_gb": "max", "default_timeout_s": 60, "output_directory": "o"},
  "tool_versions": {"stable": {"path": "/bin/true"}},
  "tasks": {"t1": {"theory_file": "a.spthy", "tool_versions": ["stable"], "output_file_prefix": "a"}}
}`
	r, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 8, r.Config.MaxCores.Value)
	assert.True(t, r.Config.MaxMemoryGB.Max)
	require.Len(t, r.Tasks, 1)
	assert.Equal(t, "t1", r.Tasks[0].Name)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
config: {max_cores: 1, max_memory_gb: 1, default_timeout_s: 1, output_directory: o}
tool_versions: {s: {path: /bin/true}}
tasks:
  t1:
    theory_file: a.spthy
    tool_versions: [s]
    output_file_prefix: a
    lemmas:
      - name: x
        bogus: 1
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	doc := `
config: {max_cores: "50%", max_memory_gb: 0, default_timeout_s: 0, output_directory: ""}
tool_versions: {"9bad": {path: ""}}
tasks:
  t1:
    theory_file: ""
    tool_versions: [a, a]
    output_file_prefix: ""
    resources: {cores: 0}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"config.max_cores", "config.max_memory_gb", "config.default_timeout_s",
		"config.output_directory", "tool_versions", "tasks.t1.theory_file",
		"tasks.t1.output_file_prefix", "must contain unique items", "tasks.t1.resources.cores",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    Limit
		wantErr bool
	}{
		{in: "4", want: Limit{Value: 4}},
		{in: "max", want: Limit{Max: true}},
		{in: "Unbounded", want: Limit{Max: true}},
		{in: "85%", want: Limit{Percent: 85}},
		{in: "0%", wantErr: true},
		{in: "150%", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseLimit(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestLimitResolve(t *testing.T) {
	assert.Equal(t, 16, Limit{Max: true}.Resolve(16))
	assert.Equal(t, 13, Limit{Percent: 85}.Resolve(16))
	assert.Equal(t, 1, Limit{Percent: 1}.Resolve(16))
	assert.Equal(t, 7, Limit{Value: 7}.Resolve(16))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.ToolVersions, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
