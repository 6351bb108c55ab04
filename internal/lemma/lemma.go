// Package lemma lists the lemmas declared in a theory file. It honours the
// prover's preprocessor directives (#define, #ifdef/#else/#endif, #include)
// so only lemmas visible under the active symbols are returned.
package lemma

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const maxIncludeDepth = 16

var (
	declPattern  = regexp.MustCompile(`^\s*(?:lemma|diffLemma)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	equivPattern = regexp.MustCompile(`^\s*(?:equivLemma|diffEquivLemma)\b`)
	includeLine  = regexp.MustCompile(`^#include\s+"([^"]+)"`)
)

// Extractor reads theory files from disk.
type Extractor struct{}

// NewExtractor returns a file-backed extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Lemmas returns the lemma names declared in the theory file, in declaration
// order and without duplicates, with symbols treated as #define'd.
func (e *Extractor) Lemmas(theoryFile string, symbols []string) ([]string, error) {
	defined := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		defined[s] = true
	}
	p := &parser{defined: defined, seen: map[string]bool{}}
	if err := p.file(theoryFile, 0); err != nil {
		return nil, err
	}
	return p.names, nil
}

type parser struct {
	defined map[string]bool
	seen    map[string]bool
	names   []string
}

type frame struct {
	parentActive bool
	taken        bool
	active       bool
}

func (p *parser) file(path string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("include depth exceeded at %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open theory: %w", err)
	}
	defer f.Close()

	var stack []frame
	active := func() bool {
		if len(stack) == 0 {
			return true
		}
		return stack[len(stack)-1].active
	}

	inBlock := false
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		line, inBlock = stripComments(line, inBlock)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			fields := strings.Fields(trimmed)
			switch fields[0] {
			case "#ifdef":
				parent := active()
				cond := parent && evalCondition(strings.TrimSpace(strings.TrimPrefix(trimmed, "#ifdef")), p.defined)
				stack = append(stack, frame{parentActive: parent, taken: cond, active: cond})
			case "#else":
				if len(stack) == 0 {
					return fmt.Errorf("%s:%d: #else without #ifdef", path, lineNo)
				}
				top := &stack[len(stack)-1]
				top.active = top.parentActive && !top.taken
				top.taken = true
			case "#endif":
				if len(stack) == 0 {
					return fmt.Errorf("%s:%d: #endif without #ifdef", path, lineNo)
				}
				stack = stack[:len(stack)-1]
			case "#define":
				if active() && len(fields) > 1 {
					p.defined[fields[1]] = true
				}
			case "#include":
				if !active() {
					continue
				}
				m := includeLine.FindStringSubmatch(trimmed)
				if m == nil {
					return fmt.Errorf("%s:%d: malformed #include", path, lineNo)
				}
				inc := m[1]
				if !filepath.IsAbs(inc) {
					inc = filepath.Join(filepath.Dir(path), inc)
				}
				if err := p.file(inc, depth+1); err != nil {
					return err
				}
			}
			continue
		}
		if !active() {
			continue
		}
		if m := declPattern.FindStringSubmatch(line); m != nil {
			p.add(m[1])
		} else if equivPattern.MatchString(line) {
			p.add(fmt.Sprintf("equivLemma_line_%d", lineNo))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read theory: %w", err)
	}
	if len(stack) != 0 {
		return fmt.Errorf("%s: unterminated #ifdef", path)
	}
	return nil
}

func (p *parser) add(name string) {
	if p.seen[name] {
		return
	}
	p.seen[name] = true
	p.names = append(p.names, name)
}

// stripComments removes // and /* */ comments from one line, carrying the
// open-block state across lines.
func stripComments(line string, inBlock bool) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(line); i++ {
		if inBlock {
			if strings.HasPrefix(line[i:], "*/") {
				inBlock = false
				i++
			}
			continue
		}
		if strings.HasPrefix(line[i:], "/*") {
			inBlock = true
			i++
			continue
		}
		if strings.HasPrefix(line[i:], "//") {
			break
		}
		b.WriteByte(line[i])
	}
	return b.String(), inBlock
}

// evalCondition evaluates an #ifdef expression built from symbols, "not",
// "&" and "|". "&" binds tighter than "|". Parentheses are not supported.
func evalCondition(expr string, defined map[string]bool) bool {
	for _, alt := range strings.Split(expr, "|") {
		ok := true
		for _, term := range strings.Split(alt, "&") {
			term = strings.TrimSpace(term)
			neg := false
			for strings.HasPrefix(term, "not ") {
				neg = !neg
				term = strings.TrimSpace(strings.TrimPrefix(term, "not "))
			}
			if defined[term] == neg {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
