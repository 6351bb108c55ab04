package core

import (
	"fmt"
	"sync"
)

// Pool accounts for the cores, memory and run slots shared by all units
// of a run. All methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	totalCores    int
	totalMemoryGB int
	availCores    int
	availMemoryGB int
	running       int
	maxRunning    int // 0 means no slot limit
}

// PoolStats is a consistent snapshot of a Pool.
type PoolStats struct {
	TotalCores        int `json:"total_cores"`
	TotalMemoryGB     int `json:"total_memory_gb"`
	AvailableCores    int `json:"available_cores"`
	AvailableMemoryGB int `json:"available_memory_gb"`
	Running           int `json:"running"`
	MaxRunning        int `json:"max_running"`
}

// Grant is the capacity held by one admitted unit. It must be released
// exactly once.
type Grant struct {
	pool     *Pool
	req      ResourceRequest
	released bool
}

// NewPool creates a pool with the given totals.
func NewPool(cores, memoryGB, maxRunning int) *Pool {
	if cores < 0 || memoryGB < 0 || maxRunning < 0 {
		panic(fmt.Sprintf("pool: negative capacity cores=%d memory=%d slots=%d", cores, memoryGB, maxRunning))
	}
	return &Pool{
		totalCores:    cores,
		totalMemoryGB: memoryGB,
		availCores:    cores,
		availMemoryGB: memoryGB,
		maxRunning:    maxRunning,
	}
}

// TryAdmit reserves req if it fits the remaining capacity. It never
// blocks; on failure the pool is left untouched.
func (p *Pool) TryAdmit(req ResourceRequest) (*Grant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Cores > p.availCores || req.MemoryGB > p.availMemoryGB {
		return nil, false
	}
	if p.maxRunning > 0 && p.running >= p.maxRunning {
		return nil, false
	}
	p.availCores -= req.Cores
	p.availMemoryGB -= req.MemoryGB
	p.running++
	return &Grant{pool: p, req: req}, true
}

// Fits reports whether req could ever be admitted, i.e. fits an empty pool.
func (p *Pool) Fits(req ResourceRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return req.Cores <= p.totalCores && req.MemoryGB <= p.totalMemoryGB
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		TotalCores:        p.totalCores,
		TotalMemoryGB:     p.totalMemoryGB,
		AvailableCores:    p.availCores,
		AvailableMemoryGB: p.availMemoryGB,
		Running:           p.running,
		MaxRunning:        p.maxRunning,
	}
}

// Request returns the reserved amounts.
func (g *Grant) Request() ResourceRequest { return g.req }

// Release returns the reserved capacity to the pool. Releasing twice is a
// programming error and panics.
func (g *Grant) Release() { g.pool.Release(g) }

// Release returns g's capacity. It panics when g was issued by another
// pool or has already been released.
func (p *Pool) Release(g *Grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.pool != p {
		panic(fmt.Sprintf("pool: grant %s belongs to another pool", g.req))
	}
	if g.released {
		panic(fmt.Sprintf("pool: grant %s released twice", g.req))
	}
	g.released = true
	p.availCores += g.req.Cores
	p.availMemoryGB += g.req.MemoryGB
	p.running--
	if p.availCores > p.totalCores || p.availMemoryGB > p.totalMemoryGB || p.running < 0 {
		panic(fmt.Sprintf("pool: accounting overflow cores=%d/%d memory=%d/%d running=%d",
			p.availCores, p.totalCores, p.availMemoryGB, p.totalMemoryGB, p.running))
	}
}
