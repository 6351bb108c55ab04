package recipe

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Limit is a symbolic resource ceiling: a fixed amount, the whole host
// ("max"/"unbounded") or a share of the host ("85%").
type Limit struct {
	Value   int
	Max     bool
	Percent int
}

// ParseLimit parses the textual form of a Limit.
func ParseLimit(s string) (Limit, error) {
	v := strings.TrimSpace(s)
	switch strings.ToLower(v) {
	case "max", "unbounded":
		return Limit{Max: true}, nil
	}
	if strings.HasSuffix(v, "%") {
		p, err := strconv.Atoi(strings.TrimSuffix(v, "%"))
		if err != nil || p < 1 || p > 100 {
			return Limit{}, fmt.Errorf("invalid percentage %q: must be between 1%% and 100%%", s)
		}
		return Limit{Percent: p}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return Limit{}, fmt.Errorf("invalid limit %q: expected integer, \"max\" or percentage", s)
	}
	return Limit{Value: n}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Limit) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a scalar", n.Line)
	}
	parsed, err := ParseLimit(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*l = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l Limit) MarshalYAML() (interface{}, error) {
	if l.Max || l.Percent > 0 {
		return l.String(), nil
	}
	return l.Value, nil
}

// IsSymbolic reports whether the limit depends on host capacity.
func (l Limit) IsSymbolic() bool { return l.Max || l.Percent > 0 }

// Resolve turns the limit into a concrete amount given the host capacity.
// Percentages never resolve below 1.
func (l Limit) Resolve(host int) int {
	switch {
	case l.Max:
		return host
	case l.Percent > 0:
		v := host * l.Percent / 100
		if v < 1 {
			v = 1
		}
		if v > host {
			v = host
		}
		return v
	default:
		return l.Value
	}
}

func (l Limit) String() string {
	switch {
	case l.Max:
		return "max"
	case l.Percent > 0:
		return fmt.Sprintf("%d%%", l.Percent)
	default:
		return strconv.Itoa(l.Value)
	}
}
