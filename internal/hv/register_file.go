package hv

import (
	"fmt"
	"sync"
)

// RegisterAccess records one access seen by a RegisterFile.
type RegisterAccess struct {
	Write  bool
	Offset uint64
	Size   int
}

// RegisterFile is a plain scratch register window: reads return what was last
// written. It stands in for the hardware behind a BAR in the simulated
// platform and keeps a bounded log of the accesses it served.
type RegisterFile struct {
	mu     sync.Mutex
	name   string
	base   uint64
	regs   []byte
	log    []RegisterAccess
	logCap int
}

// NewRegisterFile creates a register window of size bytes at base.
func NewRegisterFile(name string, base, size uint64) *RegisterFile {
	return &RegisterFile{
		name:   name,
		base:   base,
		regs:   make([]byte, size),
		logCap: 256,
	}
}

func (r *RegisterFile) MMIORegions() []MMIORegion {
	return []MMIORegion{{Address: r.base, Size: uint64(len(r.regs))}}
}

func (r *RegisterFile) offset(addr uint64, size int) (uint64, error) {
	region := MMIORegion{Address: r.base, Size: uint64(len(r.regs))}
	if !region.contains(addr, size) {
		return 0, fmt.Errorf("%s: access %d bytes at 0x%x outside window: %w", r.name, size, addr, ErrUnhandledMMIO)
	}
	return addr - r.base, nil
}

func (r *RegisterFile) record(write bool, off uint64, size int) {
	if len(r.log) == r.logCap {
		copy(r.log, r.log[1:])
		r.log = r.log[:len(r.log)-1]
	}
	r.log = append(r.log, RegisterAccess{Write: write, Offset: off, Size: size})
}

func (r *RegisterFile) ReadMMIO(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(data, r.regs[off:])
	r.record(false, off, len(data))
	return nil
}

func (r *RegisterFile) WriteMMIO(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.regs[off:], data)
	r.record(true, off, len(data))
	return nil
}

// Reset zeroes the registers and clears the access log.
func (r *RegisterFile) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.regs)
	r.log = r.log[:0]
}

// Name returns the window name given at creation.
func (r *RegisterFile) Name() string {
	return r.name
}

// Accesses returns a copy of the access log, oldest first.
func (r *RegisterFile) Accesses() []RegisterAccess {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegisterAccess, len(r.log))
	copy(out, r.log)
	return out
}

var _ MemoryMappedIODevice = (*RegisterFile)(nil)
