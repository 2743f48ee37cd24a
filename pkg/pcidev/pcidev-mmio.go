// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements memory mapped register access over a PCI BAR and the
// reserved-region allocator used for firmware-visible table memory.
package pcidev

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

var (
	ErrInvalidBar    = errors.New("invalid bar")
	ErrOutOfRange    = errors.New("register offset out of range")
	ErrRegionExhaust = errors.New("reserved region exhausted")
)

const DEV_MEM = "/dev/mem"

// Mmio is a mapped register window. It implements smu.RegisterAccess.
type Mmio struct {
	mem  []byte
	name string
}

// mapFile maps size bytes of path starting at offset. offset must be page aligned.
func mapFile(path string, offset int64, size int, writable bool) ([]byte, error) {
	if offset&int64(os.Getpagesize()-1) != 0 {
		return nil, fmt.Errorf("%s offset 0x%X is not page aligned", path, offset)
	}
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR|os.O_SYNC, unix.PROT_READ|unix.PROT_WRITE
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	mem, err := unix.Mmap(int(file.Fd()), offset, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	klog.V(smu.DBG_LVL_DETAIL).InfoS("pcidev.mapFile", "path", path, "offset", hex(offset), "size", hex(size))
	return mem, nil
}

// OpenBar maps memory BAR index of the device through its sysfs resource file
func (d *Device) OpenBar(index int) (*Mmio, error) {
	if _, err := d.Header.BarAddress(index); err != nil {
		return nil, err
	}
	path := d.sysfs.path(d.Bdf, fmt.Sprintf("resource%d", index))
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bar %d: %w", index, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("bar %d is empty: %w", index, ErrInvalidBar)
	}
	mem, err := mapFile(path, 0, int(st.Size()), true)
	if err != nil {
		return nil, err
	}
	return &Mmio{mem: mem, name: fmt.Sprintf("%s/bar%d", d.Bdf, index)}, nil
}

func (m *Mmio) word(offset uint32) *uint32 {
	if int(offset)+4 > len(m.mem) || offset&0x3 != 0 {
		klog.ErrorS(ErrOutOfRange, "pcidev.Mmio", "bar", m.name, "offset", hex(offset), "size", hex(len(m.mem)))
		return nil
	}
	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

// Read32 performs one 32-bit load. Out-of-range offsets read as all ones, the
// value a PCI master abort returns.
func (m *Mmio) Read32(offset uint32) uint32 {
	w := m.word(offset)
	if w == nil {
		return 0xFFFFFFFF
	}
	return atomic.LoadUint32(w)
}

// Write32 performs one 32-bit store. Out-of-range offsets are dropped.
func (m *Mmio) Write32(offset uint32, value uint32) {
	if w := m.word(offset); w != nil {
		atomic.StoreUint32(w, value)
	}
}

func (m *Mmio) Size() int { return len(m.mem) }

func (m *Mmio) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// ReservedRegion carves firmware-visible table buffers out of a physically
// contiguous carve-out mapped from Path (normally DEV_MEM). DeviceBase is the
// address firmware uses for the first byte of the region.
type ReservedRegion struct {
	mu         sync.Mutex
	mem        []byte
	deviceBase uint64
	next       int
	live       map[uint64]*smu.TableBuffer
}

// OpenReservedRegion maps size bytes of path at offset
func OpenReservedRegion(path string, offset int64, size int, deviceBase uint64) (*ReservedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("reserved region of %d bytes: %w", size, smu.ErrAllocationFailed)
	}
	mem, err := mapFile(path, offset, size, true)
	if err != nil {
		return nil, err
	}
	return &ReservedRegion{mem: mem, deviceBase: deviceBase, live: map[uint64]*smu.TableBuffer{}}, nil
}

func roundUp(v, align int) int {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// Alloc hands out the next aligned slice of the region. Freed space is only
// reclaimed once every buffer above it has been freed.
func (r *ReservedRegion) Alloc(name string, size, align int) (*smu.TableBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size <= 0 || r.mem == nil {
		return nil, fmt.Errorf("%s: size %d: %w", name, size, smu.ErrAllocationFailed)
	}
	start := roundUp(r.next, align)
	if start+size > len(r.mem) {
		return nil, fmt.Errorf("%s: %d bytes at 0x%X of 0x%X: %w", name, size, start, len(r.mem), errors.Join(smu.ErrAllocationFailed, ErrRegionExhaust))
	}
	buf := &smu.TableBuffer{
		Name:       name,
		CPU:        r.mem[start : start+size : start+size],
		DeviceAddr: r.deviceBase + uint64(start),
		Size:       size,
		Align:      align,
	}
	clear(buf.CPU)
	r.live[buf.DeviceAddr] = buf
	r.next = start + size
	klog.V(smu.DBG_LVL_INFO).InfoS("pcidev: reserved region alloc", "name", name, "addr", hex(buf.DeviceAddr), "size", hex(size))
	return buf, nil
}

func (r *ReservedRegion) Free(buf *smu.TableBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[buf.DeviceAddr]; !ok {
		return fmt.Errorf("%s at 0x%X not allocated from this region", buf.Name, buf.DeviceAddr)
	}
	delete(r.live, buf.DeviceAddr)
	buf.CPU = nil

	// move the high water mark down past every freed buffer on top
	top := 0
	for _, b := range r.live {
		if end := int(b.DeviceAddr-r.deviceBase) + b.Size; end > top {
			top = end
		}
	}
	r.next = top
	return nil
}

// InUse returns the high water mark in bytes
func (r *ReservedRegion) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *ReservedRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	if len(r.live) != 0 {
		klog.Warningf("pcidev: closing reserved region with %d live buffers", len(r.live))
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
