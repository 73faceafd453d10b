// Package kmain boots the memory subsystem: it sets up the physical memory
// window, the frame allocator and the kernel mapping, and optionally loads
// a user program into a fresh address space.
package kmain

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-errors/errors"
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errNoFreeMemory = &kernel.Error{Module: "kmain", Message: "kernel sections cover the whole memory window", Errno: unix.ENOMEM}

	log = kfmt.Logger("kmain")
)

// System is a booted machine.
type System struct {
	Config Config
	Memory *pmm.Memory
	Pool   *pmm.Pool
	Kernel *vm.KernelSpace
}

// Boot brings up the physical memory window, the frame allocator and the
// kernel mapping described by cfg.
func Boot(cfg Config) (*System, *kernel.Error) {
	mem, err := pmm.NewMemory(cfg.PhysBaseFrame, cfg.PhysFrames)
	if err != nil {
		return nil, err
	}

	ranges := freeRanges(mem.Range(), cfg.KernelSections)
	if len(ranges) == 0 {
		_ = mem.Close()
		return nil, errNoFreeMemory
	}

	alloc, err := pmm.NewBitmapAllocator(ranges...)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	pool := pmm.NewPool(alloc, mem)
	ks, err := vm.NewKernelSpace(pool, vmm.NewSoftPageTable(), cfg.KernelSections)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"memory":   mm.Size(uint64(cfg.PhysFrames) << mm.PageShift).String(),
		"free":     pool.FreeFrames(),
		"sections": len(cfg.KernelSections),
	}).Info("memory subsystem online")

	return &System{Config: cfg, Memory: mem, Pool: pool, Kernel: ks}, nil
}

// Shutdown unmaps the physical memory window.
func (s *System) Shutdown() {
	if err := s.Memory.Close(); err != nil {
		log.WithError(err).Warn("unable to unmap the memory window")
	}
}

// freeRanges returns the frames of window that are not covered by any of
// the sections.
func freeRanges(window pmm.FrameRange, sections []vm.Section) []pmm.FrameRange {
	type span struct{ start, end mm.Frame }

	windowEnd := window.Start + mm.Frame(window.Count)
	reserved := make([]span, 0, len(sections))
	for _, sec := range sections {
		start := mm.FrameFromAddress(sec.PhysStart)
		end := mm.FrameFromAddress(mm.RoundUp(sec.PhysStart + sec.Size))
		if start < window.Start {
			start = window.Start
		}
		if end > windowEnd {
			end = windowEnd
		}
		if start < end {
			reserved = append(reserved, span{start, end})
		}
	}
	sort.Slice(reserved, func(i, j int) bool { return reserved[i].start < reserved[j].start })

	var (
		out  []pmm.FrameRange
		next = window.Start
	)
	for _, res := range reserved {
		if res.start > next {
			out = append(out, pmm.FrameRange{Start: next, Count: uint32(res.start - next)})
		}
		if res.end > next {
			next = res.end
		}
	}
	if next < windowEnd {
		out = append(out, pmm.FrameRange{Start: next, Count: uint32(windowEnd - next)})
	}

	return out
}

// Process is a program loaded into its own address space. The image files
// stay open for as long as the process exists so that file backed pages
// can be faulted in.
type Process struct {
	AS   *vm.AddressSpace
	Info *vm.ImageInfo

	images []*vm.Image
	files  []*os.File
}

// Exec loads the executable at exePath and, if the executable requests
// one, the interpreter at interpPath.
func (s *System) Exec(exePath, interpPath string) (*Process, error) {
	proc := &Process{}

	exe, err := proc.open(s.Pool, exePath)
	if err != nil {
		proc.Release()
		return nil, err
	}

	var interp *vm.Image
	if interpPath != "" {
		if interp, err = proc.open(s.Pool, interpPath); err != nil {
			proc.Release()
			return nil, err
		}
	}

	if proc.AS, proc.Info, err = vm.LoadImage(s.Pool, vmm.NewSoftPageTable(), s.Config.VM, exe, interp); err != nil {
		proc.Release()
		return nil, err
	}

	return proc, nil
}

func (p *Process) open(pool *pmm.Pool, path string) (*vm.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, 0)
	}

	img := vm.NewImage(path, f, fi.Size(), pool)
	p.files = append(p.files, f)
	p.images = append(p.images, img)
	return img, nil
}

// Release tears down the address space and closes the image files.
func (p *Process) Release() {
	if p.AS != nil {
		p.AS.Release()
		p.AS = nil
	}
	for _, img := range p.images {
		img.Release()
	}
	for _, f := range p.files {
		_ = f.Close()
	}
	p.images, p.files = nil, nil
}

// WriteMaps writes one line per region of the process in the format of
// /proc/<pid>/maps.
func (p *Process) WriteMaps(w io.Writer) {
	for _, r := range p.AS.Regions() {
		kfmt.Fprintf(w, "%016x-%016x %s %08x %-9s %d\n", r.Start, r.End, r.Perm, r.Offset, r.Kind, r.Resident)
	}
}

// Kmain boots the system described by cfg and, if imagePath is not empty,
// loads the program found there. Boot and load failures are fatal.
func Kmain(cfg Config, imagePath, interpPath string) {
	if err := kfmt.SetLevel(cfg.LogLevel); err != nil {
		kfmt.Panic(err)
		return
	}

	sys, kerr := Boot(cfg)
	if kerr != nil {
		kfmt.Panic(kerr)
		return
	}
	defer sys.Shutdown()

	if imagePath == "" {
		log.Info("no image supplied")
		return
	}

	proc, err := sys.Exec(imagePath, interpPath)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	defer proc.Release()

	log.WithFields(logrus.Fields{
		"entry":     fmt.Sprintf("%#x", proc.Info.Entry),
		"stack_top": fmt.Sprintf("%#x", proc.Info.StackTop),
		"free":      sys.Pool.FreeFrames(),
	}).Info("process ready")

	var maps bytes.Buffer
	proc.WriteMaps(&maps)
	kfmt.Printf("%s", maps.String())
}
