package vm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/go-errors/errors"
	"github.com/li041/RocketOS/kernel"
	"github.com/li041/RocketOS/kernel/mm"
	"github.com/li041/RocketOS/kernel/mm/pagecache"
	"github.com/li041/RocketOS/kernel/mm/pmm"
	"github.com/li041/RocketOS/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	errInvalidImage  = &kernel.Error{Module: "vm", Message: "invalid executable image", Errno: unix.ENOEXEC}
	errMissingInterp = &kernel.Error{Module: "vm", Message: "image requests an interpreter but none was supplied", Errno: unix.ENOENT}
)

// Auxiliary vector entry types passed to the loaded program.
const (
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtPagesz = 6
	AtBase   = 7
	AtEntry  = 9
)

// AuxVal is an entry of the auxiliary vector.
type AuxVal struct {
	Type  uint64
	Value uint64
}

// TLS describes the thread local storage template of an image.
type TLS struct {
	Addr     uintptr
	FileSize uintptr
	MemSize  uintptr
	Align    uintptr
}

// Image is an executable file. Read-only segments are mapped straight from
// Pages; everything else is read from File.
type Image struct {
	Name  string
	File  io.ReaderAt
	Size  int64
	Pages PageProvider
}

// NewImage returns an image whose pages are served by a page cache over
// file.
func NewImage(name string, file io.ReaderAt, size int64, pool *pmm.Pool) *Image {
	return &Image{
		Name:  name,
		File:  file,
		Size:  size,
		Pages: pagecache.New(name, file, size, pool),
	}
}

// Release drops the pages cached for the image. Pages mapped by address
// spaces stay alive until those spaces release them.
func (img *Image) Release() {
	if c, ok := img.Pages.(interface{ Release() }); ok {
		c.Release()
	}
}

// ImageInfo describes the layout of a freshly loaded address space.
type ImageInfo struct {
	// Entry is the address where execution starts. It points into the
	// interpreter when one was loaded.
	Entry uintptr

	StackBottom uintptr
	StackTop    uintptr
	HeapBottom  uintptr

	// Interp is the interpreter path requested by the image, if any,
	// and InterpBase the load bias applied to it.
	Interp     string
	InterpBase uintptr

	TLS  *TLS
	Auxv []AuxVal
}

// LoadImage builds a new address space for exe. Each loadable segment that
// is read-only and fully backed by the file is mapped from the image page
// cache; every other segment gets private frames with the file bytes
// copied in. A stack separated from the highest loaded page by a guard
// page and a zero length heap one page above the stack are set up as well.
// If exe requests an interpreter, interp is loaded at cfg.InterpBase and
// becomes the entry point.
func LoadImage(pool *pmm.Pool, pt vmm.PageTable, cfg Config, exe, interp *Image) (*AddressSpace, *ImageInfo, error) {
	as := New(pool, pt, cfg)

	info, err := as.load(exe, interp)
	if err != nil {
		fields := logrus.Fields{"image": exe.Name}
		if e, ok := err.(*errors.Error); ok {
			fields["stack"] = e.ErrorStack()
		}
		log.WithFields(fields).WithError(err).Warn("image load failed")

		as.Release()
		return nil, nil, err
	}

	log.WithFields(logrus.Fields{
		"image":     exe.Name,
		"entry":     hex(info.Entry),
		"stack_top": hex(info.StackTop),
		"heap":      hex(info.HeapBottom),
		"interp":    info.Interp,
	}).Info("image loaded")
	return as, info, nil
}

func (as *AddressSpace) load(exe, interp *Image) (*ImageInfo, error) {
	as.Lock()
	defer as.Unlock()

	f, hdr, err := openImage(exe)
	if err != nil {
		return nil, err
	}

	info := &ImageInfo{Entry: uintptr(f.Entry)}

	var (
		maxEnd   mm.Page
		phdr     uintptr
		loadSeen bool
	)

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			end, err := as.loadSegment(exe, prog, 0)
			if err != nil {
				return nil, err
			}
			if end > maxEnd {
				maxEnd = end
			}
			if !loadSeen && phdr == 0 && hdr.Phoff >= prog.Off && hdr.Phoff < prog.Off+prog.Filesz {
				phdr = uintptr(prog.Vaddr + hdr.Phoff - prog.Off)
			}
			loadSeen = true
		case elf.PT_PHDR:
			phdr = uintptr(prog.Vaddr)
		case elf.PT_TLS:
			info.TLS = &TLS{
				Addr:     uintptr(prog.Vaddr),
				FileSize: uintptr(prog.Filesz),
				MemSize:  uintptr(prog.Memsz),
				Align:    uintptr(prog.Align),
			}
		case elf.PT_INTERP:
			if info.Interp, err = interpPath(prog); err != nil {
				return nil, err
			}
		}
	}

	if !loadSeen {
		return nil, errInvalidImage
	}

	info.Auxv = []AuxVal{
		{Type: AtPhdr, Value: uint64(phdr)},
		{Type: AtPagesz, Value: uint64(mm.PageSize)},
		{Type: AtPhent, Value: uint64(hdr.Phentsize)},
		{Type: AtPhnum, Value: uint64(hdr.Phnum)},
		{Type: AtEntry, Value: f.Entry},
	}

	if info.Interp != "" {
		if interp == nil {
			return nil, errMissingInterp
		}

		entry, err := as.loadInterp(interp)
		if err != nil {
			return nil, err
		}

		info.Entry = entry
		info.InterpBase = as.cfg.InterpBase
		info.Auxv = append(info.Auxv, AuxVal{Type: AtBase, Value: uint64(as.cfg.InterpBase)})
	}

	if err := as.setupStackLocked(maxEnd, info); err != nil {
		return nil, err
	}

	if kerr := as.setupHeapLocked(info.StackTop + mm.PageSize); kerr != nil {
		return nil, kerr
	}
	info.HeapBottom = as.heapBottom

	return info, nil
}

// loadInterp maps the segments of the interpreter at the interpreter base
// and returns its biased entry point.
func (as *AddressSpace) loadInterp(interp *Image) (uintptr, error) {
	f, _, err := openImage(interp)
	if err != nil {
		return 0, err
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if _, err := as.loadSegment(interp, prog, as.cfg.InterpBase); err != nil {
			return 0, err
		}
	}

	return as.cfg.InterpBase + uintptr(f.Entry), nil
}

// setupStackLocked places the stack one guard page above maxEnd and makes
// its topmost page resident.
func (as *AddressSpace) setupStackLocked(maxEnd mm.Page, info *ImageInfo) error {
	bottom := maxEnd + 1
	top := bottom + mm.PageFromAddress(as.cfg.StackSize)

	stack := newRegion(bottom, top, PermRead|PermWrite|PermUser, Stack())
	if kerr := as.addRegion(stack, false); kerr != nil {
		return kerr
	}

	if kerr := stack.allocOnePage(as.pt, as.pool, top-1); kerr != nil {
		return kerr
	}

	info.StackBottom, info.StackTop = bottom.Address(), top.Address()
	return nil
}

// loadSegment maps one loadable segment at its virtual address plus bias
// and returns the page right after it.
func (as *AddressSpace) loadSegment(img *Image, prog *elf.Prog, bias uintptr) (mm.Page, error) {
	if prog.Memsz == 0 {
		return 0, nil
	}
	if prog.Filesz > prog.Memsz {
		return 0, errInvalidImage
	}

	vaddr := uintptr(prog.Vaddr) + bias
	memEnd := vaddr + uintptr(prog.Memsz)
	if vaddr < bias || memEnd < vaddr || mm.RoundUp(memEnd) < memEnd {
		return 0, errInvalidImage
	}

	var (
		start  = mm.PageFromAddress(vaddr)
		end    = mm.PageFromAddress(mm.RoundUp(memEnd))
		perm   = segmentPerm(prog.Flags)
		inPage = vmm.PageOffset(vaddr)
	)

	fileBacked := !perm.Has(PermWrite) &&
		prog.Filesz == prog.Memsz &&
		vmm.PageOffset(uintptr(prog.Off)) == inPage &&
		img.Pages != nil

	fields := logrus.Fields{
		"image": img.Name,
		"start": hex(start.Address()),
		"end":   hex(end.Address()),
		"perm":  perm.String(),
	}

	if fileBacked {
		r := newRegion(start, end, perm, File(img.Pages, uintptr(prog.Off)-inPage))
		if kerr := as.addRegion(r, false); kerr != nil {
			return 0, kerr
		}
		if err := r.populateFrom(as.pt); err != nil {
			r.unmapAll(as.pt)
			as.regions.remove(r)
			return 0, errors.Wrap(err, 1)
		}

		log.WithFields(fields).Debug("segment mapped from page cache")
		return end, nil
	}

	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil {
		return 0, errors.Wrap(err, 1)
	}

	r := newRegion(start, end, perm, Anonymous())
	if kerr := as.addRegion(r, true); kerr != nil {
		return 0, kerr
	}
	r.fill(inPage, data)

	log.WithFields(fields).Debug("segment copied")
	return end, nil
}

// fill copies data into the resident pages of r starting off bytes past
// the region start.
func (r *Region) fill(off uintptr, data []byte) {
	for len(data) > 0 {
		page := r.start + mm.Page(off>>mm.PageShift)
		h, ok := r.pages[page]
		if !ok {
			return
		}

		n := copy(h.Bytes()[vmm.PageOffset(off):], data)
		data = data[n:]
		off += uintptr(n)
	}
}

// segmentPerm converts ELF segment flags to user region permissions.
func segmentPerm(flags elf.ProgFlag) Perm {
	perm := PermUser
	if flags&elf.PF_R != 0 {
		perm |= PermRead
	}
	if flags&elf.PF_W != 0 {
		perm |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= PermExec
	}
	return perm
}

// openImage parses the ELF headers of img. The raw file header is decoded
// as well because debug/elf does not expose the program header table
// geometry.
func openImage(img *Image) (*elf.File, *elf.Header64, error) {
	if img == nil || img.File == nil {
		return nil, nil, errInvalidImage
	}

	f, err := elf.NewFile(img.File)
	if err != nil {
		return nil, nil, errors.Wrap(err, 1)
	}

	if f.Class != elf.ELFCLASS64 || (f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN) {
		return nil, nil, errInvalidImage
	}

	hdr := new(elf.Header64)
	sr := io.NewSectionReader(img.File, 0, int64(binary.Size(hdr)))
	if err := binary.Read(sr, f.ByteOrder, hdr); err != nil {
		return nil, nil, errors.Wrap(err, 1)
	}

	return f, hdr, nil
}

// interpPath returns the interpreter path stored in a PT_INTERP segment.
func interpPath(prog *elf.Prog) (string, error) {
	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil {
		return "", errors.Wrap(err, 1)
	}

	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if len(data) == 0 {
		return "", errInvalidImage
	}
	return string(data), nil
}
