package vm

import "github.com/li041/RocketOS/kernel/mm"

// Config holds the tunables of the virtual memory subsystem.
type Config struct {
	// LookaheadPages is the size of the window of pages populated by a
	// single anonymous fault.
	LookaheadPages int `json:"lookahead_pages"`

	// StackGuardGapPages is the minimum number of unmapped pages that must
	// separate a growing stack from the region below it.
	StackGuardGapPages int `json:"stack_guard_gap_pages"`

	// StackSize is the initial size of the user stack in bytes.
	StackSize uintptr `json:"stack_size"`

	// MmapBase is the first address handed out to mappings without a
	// fixed address.
	MmapBase uintptr `json:"mmap_base"`

	// MmapCeiling is the exclusive upper bound for such mappings.
	MmapCeiling uintptr `json:"mmap_ceiling"`

	// InterpBase is the load bias applied to the program interpreter.
	InterpBase uintptr `json:"interp_base"`
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		LookaheadPages:     4,
		StackGuardGapPages: 256,
		StackSize:          uintptr(8 * mm.Mb),
		MmapBase:           0x4000000000,
		MmapCeiling:        0x7f00000000,
		InterpBase:         0x2000000000,
	}
}

// WithDefaults returns a copy of cfg where every unset field is replaced by
// its default value.
func (cfg Config) WithDefaults() Config {
	def := DefaultConfig()
	if cfg.LookaheadPages <= 0 {
		cfg.LookaheadPages = def.LookaheadPages
	}
	if cfg.StackGuardGapPages <= 0 {
		cfg.StackGuardGapPages = def.StackGuardGapPages
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = def.StackSize
	}
	if cfg.MmapBase == 0 {
		cfg.MmapBase = def.MmapBase
	}
	if cfg.MmapCeiling == 0 {
		cfg.MmapCeiling = def.MmapCeiling
	}
	if cfg.InterpBase == 0 {
		cfg.InterpBase = def.InterpBase
	}

	cfg.StackSize = mm.RoundUp(cfg.StackSize)
	cfg.MmapBase = mm.RoundUp(cfg.MmapBase)
	cfg.MmapCeiling = mm.RoundDown(cfg.MmapCeiling)
	cfg.InterpBase = mm.RoundDown(cfg.InterpBase)
	return cfg
}
