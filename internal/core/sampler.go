package core

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// MemorySampler reports the resident memory, in bytes, of a process and
// everything it spawned.
type MemorySampler interface {
	Sample(pid int) (uint64, error)
}

// ProcessTreeSampler sums RSS over a process and its descendants.
type ProcessTreeSampler struct{}

func (ProcessTreeSampler) Sample(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("lookup process %d: %w", pid, err)
	}
	return treeRSS(p, 0)
}

func treeRSS(p *process.Process, depth int) (uint64, error) {
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory info %d: %w", p.Pid, err)
	}
	total := mi.RSS
	if depth > 32 {
		return total, nil
	}
	children, err := p.Children()
	if err != nil {
		// No children (or they already exited).
		return total, nil
	}
	for _, c := range children {
		rss, err := treeRSS(c, depth+1)
		if err != nil {
			continue
		}
		total += rss
	}
	return total, nil
}
