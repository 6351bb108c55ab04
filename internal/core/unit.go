package core

import (
	"fmt"
	"strings"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

// ResourceRequest is the concrete budget attached to one unit.
type ResourceRequest struct {
	Cores    int `json:"cores"`
	MemoryGB int `json:"memory_gb"`
	TimeoutS int `json:"timeout_s"`
}

func (r ResourceRequest) String() string {
	return fmt.Sprintf("%dc/%dGB/%ds", r.Cores, r.MemoryGB, r.TimeoutS)
}

// Unit is one fully resolved invocation of the prover. Units are created by
// the Expander and never mutated afterwards.
type Unit struct {
	ID         string
	Task       string
	Lemma      string // empty for the prove-all pseudo-lemma
	ToolAlias  string
	Executable string
	Args       []string
	Resources  ResourceRequest
	TheoryFile string
	OutputFile string

	Options         []string
	PreprocessFlags []string
}

// Command returns the full argv including the executable.
func (u Unit) Command() []string {
	return append([]string{u.Executable}, u.Args...)
}

// CommandLine renders the argv for logs and the check table.
func (u Unit) CommandLine() string {
	return strings.Join(u.Command(), " ")
}

// LemmaLabel is the lemma name, or "all" for the prove-all pseudo-lemma.
func (u Unit) LemmaLabel() string { return labelOf(u.Lemma) }

func (u Unit) apiResources() api.Resources {
	return api.Resources{Cores: u.Resources.Cores, MemoryGB: u.Resources.MemoryGB, TimeoutS: u.Resources.TimeoutS}
}

const proveAllLabel = "all"
