package core

import "fmt"

// ConfigurationError reports a recipe that cannot be turned into units.
// Configuration errors are fatal to the run: nothing is scheduled.
type ConfigurationError struct {
	Task    string
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Task != "" && e.Field != "":
		return fmt.Sprintf("configuration error: task %s: %s: %s", e.Task, e.Field, e.Message)
	case e.Task != "":
		return fmt.Sprintf("configuration error: task %s: %s", e.Task, e.Message)
	case e.Field != "":
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	default:
		return "configuration error: " + e.Message
	}
}

func configErr(task, field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Task: task, Field: field, Message: fmt.Sprintf(format, args...)}
}
