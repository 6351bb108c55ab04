package core

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/batchprover/internal/recipe"
)

// LemmaSource lists the lemmas declared in a theory file under a set of
// active preprocessor symbols.
type LemmaSource interface {
	Lemmas(theoryFile string, symbols []string) ([]string, error)
}

// Expander flattens a recipe into schedulable units.
type Expander struct {
	Lemmas LemmaSource
}

// NewExpander returns an Expander backed by src for lemma discovery.
func NewExpander(src LemmaSource) *Expander { return &Expander{Lemmas: src} }

type selection struct {
	name  string
	entry *recipe.Lemma // nil when the lemma inherits everything from its task
}

type identity struct{ task, lemma, alias string }

// Expand resolves every task against limits and returns units ordered by
// task, then tool version, then lemma. All problems are reported together;
// on error no units are returned.
func (e *Expander) Expand(r *recipe.Recipe, limits GlobalLimits) ([]Unit, error) {
	var errs []error
	var units []Unit
	seen := map[identity]bool{}
	issued := map[string]bool{}
	executables := map[string]string{}

	resolveExe := func(alias string) (string, error) {
		if p, ok := executables[alias]; ok {
			return p, nil
		}
		tv, ok := r.ToolVersions[alias]
		if !ok {
			return "", fmt.Errorf("unknown tool version %q", alias)
		}
		p, err := lookupExecutable(tv.Path)
		if err != nil {
			return "", fmt.Errorf("tool version %q: %w", alias, err)
		}
		executables[alias] = p
		return p, nil
	}

	for _, task := range r.Tasks {
		if _, err := os.Stat(task.TheoryFile); err != nil {
			errs = append(errs, configErr(task.Name, "theory_file", "%s: %v", task.TheoryFile, err))
			continue
		}
		selected, err := e.selectLemmas(task)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, alias := range taskAliases(task, selected) {
			exe, err := resolveExe(alias)
			if err != nil {
				errs = append(errs, configErr(task.Name, "tool_versions", "%v", err))
				continue
			}
			for _, sel := range selected {
				if !contains(effectiveVersions(task, sel.entry), alias) {
					continue
				}
				key := identity{task.Name, sel.name, alias}
				if seen[key] {
					errs = append(errs, configErr(task.Name, "lemmas", "duplicate unit for lemma %q and tool version %q", labelOf(sel.name), alias))
					continue
				}
				seen[key] = true

				res, rerrs := resolveResources(task, sel.entry, limits)
				if len(rerrs) > 0 {
					errs = append(errs, rerrs...)
					continue
				}
				opts := pick(sel.entry, task.ToolOptions, func(l *recipe.Lemma) *[]string { return l.ToolOptions })
				flags := pick(sel.entry, task.PreprocessFlags, func(l *recipe.Lemma) *[]string { return l.PreprocessFlags })

				id := uniqueID(issued, fmt.Sprintf("%s--%s--%s", task.OutputFilePrefix, labelOf(sel.name), alias))
				output := filepath.Join(r.Config.OutputDirectory, "models", id+".spthy")
				units = append(units, Unit{
					ID:              id,
					Task:            task.Name,
					Lemma:           sel.name,
					ToolAlias:       alias,
					Executable:      exe,
					Args:            BuildArguments(task.TheoryFile, sel.name, res.Cores, opts, flags, output),
					Resources:       res,
					TheoryFile:      task.TheoryFile,
					OutputFile:      output,
					Options:         opts,
					PreprocessFlags: flags,
				})
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return units, nil
}

// selectLemmas decides which lemmas a task covers. An omitted list means
// one prove-all invocation; an explicit empty list means every lemma in the
// theory, one unit each. Listed entries are matched against the theory and
// entries matching nothing are skipped with a warning.
func (e *Expander) selectLemmas(task recipe.Task) ([]selection, error) {
	if task.Lemmas == nil {
		return []selection{{}}, nil
	}
	if e.Lemmas == nil {
		return nil, configErr(task.Name, "lemmas", "no lemma source configured")
	}
	var symbols []string
	if task.PreprocessFlags != nil {
		symbols = *task.PreprocessFlags
	}
	names, err := e.Lemmas.Lemmas(task.TheoryFile, symbols)
	if err != nil {
		return nil, configErr(task.Name, "lemmas", "extract lemmas: %v", err)
	}

	if len(*task.Lemmas) == 0 {
		if len(names) == 0 {
			return nil, configErr(task.Name, "lemmas", "no lemmas found in %s", task.TheoryFile)
		}
		out := make([]selection, len(names))
		for i, n := range names {
			out[i] = selection{name: n}
		}
		return out, nil
	}

	var out []selection
	for i := range *task.Lemmas {
		entry := &(*task.Lemmas)[i]
		matched, err := matchLemmas(entry.Name, names)
		if err != nil {
			return nil, configErr(task.Name, "lemmas", "%v", err)
		}
		if len(matched) == 0 {
			log.Warn().Str("task", task.Name).Str("lemma", entry.Name).Msg("lemma entry matched nothing in the theory")
			continue
		}
		for _, n := range matched {
			out = append(out, selection{name: n, entry: entry})
		}
	}
	if len(out) == 0 {
		log.Warn().Str("task", task.Name).Msg("task selects no lemmas")
	}
	return out, nil
}

// matchLemmas resolves one lemma entry against the discovered names. A
// pattern containing glob metacharacters uses path.Match; a plain name
// selects the lemma of that exact name, or failing that every lemma whose
// name contains it.
func matchLemmas(entry string, names []string) ([]string, error) {
	if strings.ContainsAny(entry, "*?[") {
		var out []string
		for _, n := range names {
			ok, err := path.Match(entry, n)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %v", entry, err)
			}
			if ok {
				out = append(out, n)
			}
		}
		return out, nil
	}
	if contains(names, entry) {
		return []string{entry}, nil
	}
	var out []string
	for _, n := range names {
		if strings.Contains(n, entry) {
			out = append(out, n)
		}
	}
	return out, nil
}

// uniqueID returns base, or base_N with the smallest N >= 2 not yet issued,
// and records the result.
func uniqueID(issued map[string]bool, base string) string {
	id := base
	for n := 2; issued[id]; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	issued[id] = true
	return id
}

// taskAliases lists the task's tool versions followed by any alias named
// only in lemma overrides, in first-appearance order.
func taskAliases(task recipe.Task, selected []selection) []string {
	aliases := append([]string(nil), task.ToolVersions...)
	for _, sel := range selected {
		if sel.entry == nil || sel.entry.ToolVersions == nil {
			continue
		}
		for _, a := range *sel.entry.ToolVersions {
			if !contains(aliases, a) {
				aliases = append(aliases, a)
			}
		}
	}
	return aliases
}

func effectiveVersions(task recipe.Task, entry *recipe.Lemma) []string {
	if entry != nil && entry.ToolVersions != nil {
		return *entry.ToolVersions
	}
	return task.ToolVersions
}

// resolveResources applies lemma, then task, then global default per field.
func resolveResources(task recipe.Task, entry *recipe.Lemma, limits GlobalLimits) (ResourceRequest, []error) {
	var lr recipe.Resources
	if entry != nil {
		lr = entry.Resources
	}
	res := ResourceRequest{
		Cores:    firstSet(lr.Cores, task.Resources.Cores, limits.DefaultCores),
		MemoryGB: firstSet(lr.MemoryGB, task.Resources.MemoryGB, limits.DefaultMemoryGB),
		TimeoutS: firstSet(lr.TimeoutS, task.Resources.TimeoutS, limits.DefaultTimeoutS),
	}
	var errs []error
	where := "task"
	if entry != nil {
		where = fmt.Sprintf("lemma %s", entry.Name)
	}
	if res.Cores < 1 || res.MemoryGB < 1 || res.TimeoutS < 1 {
		errs = append(errs, configErr(task.Name, "resources", "%s: resources must be positive, got %s", where, res))
	}
	if res.Cores > limits.MaxCores {
		errs = append(errs, configErr(task.Name, "resources.cores", "%s: %d exceeds global max_cores %d", where, res.Cores, limits.MaxCores))
	}
	if res.MemoryGB > limits.MaxMemoryGB {
		errs = append(errs, configErr(task.Name, "resources.memory_gb", "%s: %d exceeds global max_memory_gb %d", where, res.MemoryGB, limits.MaxMemoryGB))
	}
	return res, errs
}

func firstSet(lemma, task *int, def int) int {
	if lemma != nil {
		return *lemma
	}
	if task != nil {
		return *task
	}
	return def
}

// pick resolves a list field by complete replacement: lemma, then task,
// then none. The result is always a fresh slice.
func pick(entry *recipe.Lemma, task *[]string, field func(*recipe.Lemma) *[]string) []string {
	var src []string
	switch {
	case entry != nil && field(entry) != nil:
		src = *field(entry)
	case task != nil:
		src = *task
	}
	return append([]string{}, src...)
}

func lookupExecutable(p string) (string, error) {
	if strings.ContainsRune(p, filepath.Separator) {
		fi, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		if fi.IsDir() {
			return "", fmt.Errorf("%s is a directory", p)
		}
		return p, nil
	}
	return exec.LookPath(p)
}

func labelOf(lemma string) string {
	if lemma == "" {
		return proveAllLabel
	}
	return lemma
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
