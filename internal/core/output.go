package core

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	processingTimeRe = regexp.MustCompile(`processing time:\s+(\d+\.?\d*)s`)
	lemmaResultRe    = regexp.MustCompile(`(\w+)\s+\(([^)]+)\):\s+(verified|falsified|analysis incomplete)\s*(?:\((\d+)\s+steps?\))?`)
)

const (
	StatusVerified   = "verified"
	StatusFalsified  = "falsified"
	StatusIncomplete = "analysis incomplete"
)

// LemmaResult is one line of the prover's summary block.
type LemmaResult struct {
	Name   string
	Kind   string // all-traces or exists-trace
	Status string
	Steps  int
}

// ParseLemmaResults returns every lemma summary line found in stdout.
func ParseLemmaResults(stdout string) []LemmaResult {
	var out []LemmaResult
	for _, m := range lemmaResultRe.FindAllStringSubmatch(stdout, -1) {
		r := LemmaResult{Name: m[1], Kind: m[2], Status: m[3]}
		if m[4] != "" {
			r.Steps, _ = strconv.Atoi(m[4])
		}
		out = append(out, r)
	}
	return out
}

// ExtractMeasures pulls the coarse measures out of prover stdout. For a
// named lemma its own summary line is used; for prove-all runs steps are
// summed and the worst status wins.
func ExtractMeasures(stdout, lemma string) Measures {
	var m Measures
	if tm := processingTimeRe.FindStringSubmatch(stdout); tm != nil {
		if secs, err := strconv.ParseFloat(tm[1], 64); err == nil {
			m.ToolTime = time.Duration(secs * float64(time.Second))
		}
	}
	results := ParseLemmaResults(stdout)
	if lemma != "" {
		for _, r := range results {
			if r.Name == lemma {
				m.Steps = r.Steps
				m.LemmaStatus = r.Status
				return m
			}
		}
		return m
	}
	for _, r := range results {
		m.Steps += r.Steps
		if statusRank(r.Status) > statusRank(m.LemmaStatus) {
			m.LemmaStatus = r.Status
		}
	}
	return m
}

func statusRank(s string) int {
	switch s {
	case StatusVerified:
		return 1
	case StatusIncomplete:
		return 2
	case StatusFalsified:
		return 3
	default:
		return 0
	}
}

var (
	problemKeywords = []string{"warning", "error", "fail", "abort", "exception"}
	benignPhrases   = []string{"no warning", "warning: none", "successfully"}
	toolVersionRe   = regexp.MustCompile(`\b(\d+\.\d+\.\d+)\b`)
)

// TheoryProblems returns the lines of a prover check run that report a
// warning or error, trimmed. Phrases announcing the absence of problems are
// ignored.
func TheoryProblems(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if !containsAny(lower, problemKeywords) || containsAny(lower, benignPhrases) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ParseToolVersion reads "vX.Y.Z" from the first line of a --version
// answer. It returns "" when no version number is found.
func ParseToolVersion(stdout string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	m := toolVersionRe.FindStringSubmatch(first)
	if m == nil {
		return ""
	}
	return "v" + m[1]
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
