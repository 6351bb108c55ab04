package recipe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidationError represents a structural problem in a recipe.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks the recipe against its structural rules and returns all
// problems joined together.
func (r *Recipe) Validate() error {
	var errs []error
	add := func(field, value, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	c := r.Config
	if !c.MaxCores.IsSymbolic() && c.MaxCores.Value < 1 {
		add("config.max_cores", c.MaxCores.String(), "must be at least 1")
	}
	if c.MaxCores.Percent > 0 {
		add("config.max_cores", c.MaxCores.String(), "percentages are only supported for memory")
	}
	if !c.MaxMemoryGB.IsSymbolic() && c.MaxMemoryGB.Value < 1 {
		add("config.max_memory_gb", c.MaxMemoryGB.String(), "must be at least 1")
	}
	if c.DefaultTimeoutS < 1 {
		add("config.default_timeout_s", strconv.Itoa(c.DefaultTimeoutS), "must be at least 1")
	}
	if c.OutputDirectory == "" {
		add("config.output_directory", "", "is required")
	}
	checkPositive(add, "config.default_cores", c.DefaultCores)
	checkPositive(add, "config.default_memory_gb", c.DefaultMemoryGB)

	if len(r.ToolVersions) == 0 {
		add("tool_versions", "", "at least one tool version is required")
	}
	for alias, tv := range r.ToolVersions {
		if !namePattern.MatchString(alias) {
			add("tool_versions", alias, "must start with a letter and contain only letters, digits, '_' or '-'")
		}
		if tv.Path == "" {
			add("tool_versions."+alias+".path", "", "is required")
		}
	}

	if len(r.Tasks) == 0 {
		add("tasks", "", "at least one task is required")
	}
	for _, t := range r.Tasks {
		prefix := "tasks." + t.Name
		if !namePattern.MatchString(t.Name) {
			add("tasks", t.Name, "must start with a letter and contain only letters, digits, '_' or '-'")
		}
		if t.TheoryFile == "" {
			add(prefix+".theory_file", "", "is required")
		}
		if t.OutputFilePrefix == "" {
			add(prefix+".output_file_prefix", "", "is required")
		}
		if len(t.ToolVersions) == 0 {
			add(prefix+".tool_versions", "", "at least one tool version is required")
		}
		if dup := firstDuplicate(t.ToolVersions); dup != "" {
			add(prefix+".tool_versions", dup, "must contain unique items")
		}
		validateResources(add, prefix+".resources", t.Resources)
		if t.Lemmas == nil {
			continue
		}
		for i, l := range *t.Lemmas {
			lp := fmt.Sprintf("%s.lemmas[%d]", prefix, i)
			if l.Name == "" {
				add(lp+".name", "", "is required")
			}
			if l.ToolVersions != nil {
				if len(*l.ToolVersions) == 0 {
					add(lp+".tool_versions", "", "must not be empty when present")
				}
				if dup := firstDuplicate(*l.ToolVersions); dup != "" {
					add(lp+".tool_versions", dup, "must contain unique items")
				}
			}
			validateResources(add, lp+".resources", l.Resources)
		}
	}
	return errors.Join(errs...)
}

func validateResources(add func(field, value, msg string), prefix string, res Resources) {
	checkPositive(add, prefix+".cores", res.Cores)
	checkPositive(add, prefix+".memory_gb", res.MemoryGB)
	checkPositive(add, prefix+".timeout_s", res.TimeoutS)
}

func checkPositive(add func(field, value, msg string), field string, v *int) {
	if v != nil && *v < 1 {
		add(field, strconv.Itoa(*v), "must be at least 1")
	}
}

func firstDuplicate(items []string) string {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			return it
		}
		seen[it] = struct{}{}
	}
	return ""
}
