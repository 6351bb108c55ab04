package core

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/3cpo-dev/batchprover/internal/recipe"
)

// RerunDir is where the rerun recipe sends its own results, relative to
// the source recipe's output directory.
const RerunDir = "rerun"

// RerunRecipe derives a recipe that repeats only the units which did not
// complete, each pinned to the resources, options and flags it ran with.
// It returns nil when every unit completed. Tasks keep their source order;
// within a task, lemmas keep the order their units were expanded in.
func RerunRecipe(src *recipe.Recipe, units []Unit, results []Result) *recipe.Recipe {
	outcomes := make(map[string]Outcome, len(results))
	for _, r := range results {
		outcomes[r.Unit.ID] = r.Outcome
	}
	byTask := map[string][]Unit{}
	for _, u := range units {
		out, ok := outcomes[u.ID]
		if ok && out.Succeeded() {
			continue
		}
		byTask[u.Task] = append(byTask[u.Task], u)
	}
	if len(byTask) == 0 {
		return nil
	}

	cfg := src.Config
	cfg.OutputDirectory = filepath.Join(src.Config.OutputDirectory, RerunDir)
	rerun := &recipe.Recipe{Config: cfg, ToolVersions: map[string]recipe.ToolVersion{}}
	for _, task := range src.Tasks {
		failed := byTask[task.Name]
		if len(failed) == 0 {
			continue
		}
		t := recipe.Task{
			Name:             task.Name,
			TheoryFile:       task.TheoryFile,
			OutputFilePrefix: task.OutputFilePrefix,
			ToolOptions:      task.ToolOptions,
			PreprocessFlags:  task.PreprocessFlags,
		}
		var lemmas []recipe.Lemma
		for _, u := range failed {
			rerun.ToolVersions[u.ToolAlias] = src.ToolVersions[u.ToolAlias]
			if !slices.Contains(t.ToolVersions, u.ToolAlias) {
				t.ToolVersions = append(t.ToolVersions, u.ToolAlias)
			}
			if u.Lemma == "" {
				// Prove-all units only come from tasks without a lemma list,
				// and every such unit of a task shares one configuration.
				t.ToolOptions = strPtr(u.Options)
				t.PreprocessFlags = strPtr(u.PreprocessFlags)
				t.Resources = pinned(u.Resources)
				continue
			}
			lemmas = addRerunLemma(lemmas, u)
		}
		if len(lemmas) > 0 {
			t.Lemmas = &lemmas
		}
		rerun.Tasks = append(rerun.Tasks, t)
	}
	return rerun
}

// addRerunLemma adds u's alias to an entry for the same lemma with the same
// settings, or appends a new entry.
func addRerunLemma(lemmas []recipe.Lemma, u Unit) []recipe.Lemma {
	res := pinned(u.Resources)
	for i := range lemmas {
		l := &lemmas[i]
		if l.Name == u.Lemma && slices.Equal(*l.ToolOptions, u.Options) &&
			slices.Equal(*l.PreprocessFlags, u.PreprocessFlags) && sameResources(l.Resources, res) {
			*l.ToolVersions = append(*l.ToolVersions, u.ToolAlias)
			return lemmas
		}
	}
	return append(lemmas, recipe.Lemma{
		Name:            u.Lemma,
		ToolVersions:    &[]string{u.ToolAlias},
		ToolOptions:     strPtr(u.Options),
		PreprocessFlags: strPtr(u.PreprocessFlags),
		Resources:       res,
	})
}

// RerunPath names the rerun recipe written next to the report.
func RerunPath(outputDir, recipePath string) string {
	stem := "recipe"
	if recipePath != "" {
		base := filepath.Base(recipePath)
		stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return filepath.Join(outputDir, stem+"-rerun.yaml")
}

func pinned(r ResourceRequest) recipe.Resources {
	cores, mem, timeout := r.Cores, r.MemoryGB, r.TimeoutS
	return recipe.Resources{Cores: &cores, MemoryGB: &mem, TimeoutS: &timeout}
}

func sameResources(a, b recipe.Resources) bool {
	return *a.Cores == *b.Cores && *a.MemoryGB == *b.MemoryGB && *a.TimeoutS == *b.TimeoutS
}

func strPtr(s []string) *[]string {
	c := append([]string{}, s...)
	return &c
}
