package kmain

import (
	"encoding/json"
	"io"
	"os"

	"github.com/go-errors/errors"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/vm"
)

// KernelOffset is the virtual address where physical address zero appears
// in the default kernel mapping.
const KernelOffset = uintptr(0xffffff8000000000)

// Config describes the machine that Kmain boots.
type Config struct {
	// LogLevel is any level understood by logrus.
	LogLevel string `json:"log_level"`

	// PhysBaseFrame and PhysFrames describe the physical memory window.
	PhysBaseFrame mm.Frame `json:"phys_base_frame"`
	PhysFrames    uint32   `json:"phys_frames"`

	VM vm.Config `json:"vm"`

	// KernelSections are linearly mapped into the kernel space. Frames
	// that they cover are never handed out by the frame allocator.
	KernelSections []vm.Section `json:"kernel_sections"`
}

// DefaultConfig returns a 32M machine with a 1M kernel text section and a
// 1M kernel data section at the bottom of the memory window.
func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		PhysBaseFrame: mm.FrameFromAddress(0x100000),
		PhysFrames:    uint32((32 * mm.Mb).Pages()),
		VM:            vm.DefaultConfig(),
		KernelSections: []vm.Section{
			{Name: "text", VirtStart: KernelOffset + 0x100000, PhysStart: 0x100000, Size: uintptr(mm.Mb), Perm: vm.PermRead | vm.PermExec},
			{Name: "data", VirtStart: KernelOffset + 0x200000, PhysStart: 0x200000, Size: uintptr(mm.Mb), Perm: vm.PermRead | vm.PermWrite},
		},
	}
}

// LoadConfig reads a JSON config from path. Missing fields keep their
// default value.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, 0)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig decodes a JSON config from r. Unknown fields are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.WrapPrefix(err, "decoding config", 0)
	}

	return cfg.withDefaults(), nil
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.PhysFrames == 0 {
		cfg.PhysBaseFrame = def.PhysBaseFrame
		cfg.PhysFrames = def.PhysFrames
	}
	if cfg.KernelSections == nil {
		cfg.KernelSections = def.KernelSections
	}
	cfg.VM = cfg.VM.WithDefaults()
	return cfg
}
