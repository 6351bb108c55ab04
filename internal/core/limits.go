package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/3cpo-dev/batchprover/internal/recipe"
)

const (
	defaultUnitCores    = 4
	defaultUnitMemoryGB = 16
	bytesPerGB          = 1 << 30
)

// HostCapacity is what the local machine offers.
type HostCapacity struct {
	Cores    int
	MemoryGB int
}

// DetectHost reads logical core count and total memory from the OS.
func DetectHost(ctx context.Context) (HostCapacity, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HostCapacity{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostCapacity{}, fmt.Errorf("read memory: %w", err)
	}
	gb := int(vm.Total / bytesPerGB)
	if gb < 1 {
		gb = 1
	}
	if cores < 1 {
		cores = 1
	}
	return HostCapacity{Cores: cores, MemoryGB: gb}, nil
}

// GlobalLimits are the run-wide ceilings after symbolic values have been
// resolved. Every field is a concrete positive integer.
type GlobalLimits struct {
	MaxCores        int
	MaxMemoryGB     int
	DefaultTimeoutS int
	DefaultCores    int
	DefaultMemoryGB int
}

// ResolveLimits turns the recipe's symbolic limits into concrete numbers.
// It runs once at run start; nothing downstream re-reads the symbolic form.
func ResolveLimits(cfg recipe.Config, host HostCapacity) (GlobalLimits, error) {
	if cfg.MaxCores.Percent > 0 {
		return GlobalLimits{}, configErr("", "config.max_cores", "percentages are only supported for memory")
	}
	gl := GlobalLimits{
		MaxCores:        cfg.MaxCores.Resolve(host.Cores),
		MaxMemoryGB:     cfg.MaxMemoryGB.Resolve(host.MemoryGB),
		DefaultTimeoutS: cfg.DefaultTimeoutS,
	}
	if gl.MaxCores < 1 {
		return GlobalLimits{}, configErr("", "config.max_cores", "resolved to %d, must be at least 1", gl.MaxCores)
	}
	if gl.MaxMemoryGB < 1 {
		return GlobalLimits{}, configErr("", "config.max_memory_gb", "resolved to %d, must be at least 1", gl.MaxMemoryGB)
	}
	if gl.DefaultTimeoutS < 1 {
		return GlobalLimits{}, configErr("", "config.default_timeout_s", "must be at least 1")
	}
	if gl.MaxCores > host.Cores {
		log.Warn().Int("configured", gl.MaxCores).Int("available", host.Cores).Msg("max_cores exceeds host capacity")
	}
	if gl.MaxMemoryGB > host.MemoryGB {
		log.Warn().Int("configured", gl.MaxMemoryGB).Int("available", host.MemoryGB).Msg("max_memory_gb exceeds host capacity")
	}

	gl.DefaultCores = min(defaultUnitCores, gl.MaxCores)
	if cfg.DefaultCores != nil {
		gl.DefaultCores = *cfg.DefaultCores
	}
	gl.DefaultMemoryGB = min(defaultUnitMemoryGB, gl.MaxMemoryGB)
	if cfg.DefaultMemoryGB != nil {
		gl.DefaultMemoryGB = *cfg.DefaultMemoryGB
	}
	if gl.DefaultCores > gl.MaxCores {
		return GlobalLimits{}, configErr("", "config.default_cores", "%d exceeds max_cores %d", gl.DefaultCores, gl.MaxCores)
	}
	if gl.DefaultMemoryGB > gl.MaxMemoryGB {
		return GlobalLimits{}, configErr("", "config.default_memory_gb", "%d exceeds max_memory_gb %d", gl.DefaultMemoryGB, gl.MaxMemoryGB)
	}
	return gl, nil
}
