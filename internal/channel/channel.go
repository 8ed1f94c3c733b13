// Package channel implements the memory region shared between the harness and the
// in-guest agent: a fixed-capacity input buffer, its length, the execution status
// written by the agent and an optional coverage map.
//
// Region layout (all integers little-endian):
//
//	[0, C)            input bytes, C = Layout.Capacity
//	[H, H+8)          stored input length (u64), H = alignUp(C, 8)
//	[H+8, H+12)       status (u32), written by the agent
//	[H+12, H+16)      completion sequence (u32), bumped by the agent when it is done
//	[M, M+S)          coverage map, M = alignUp(H+16, 64), S = Layout.CoverageSize
//
// The region lives outside the snapshot boundary of the virtualized target, so the
// harness can write the next input without a second restore.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const headerSize = 16

var ErrRegionTooSmall = errors.New("channel: memory region too small for layout")

type Layout struct {
	Capacity     int // C, maximum input size
	CoverageSize int // 0 disables the coverage map
}

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func (l Layout) HeaderOffset() int   { return alignUp(l.Capacity, 8) }
func (l Layout) LengthOffset() int   { return l.HeaderOffset() }
func (l Layout) StatusOffset() int   { return l.HeaderOffset() + 8 }
func (l Layout) SequenceOffset() int { return l.HeaderOffset() + 12 }

func (l Layout) CoverageOffset() int {
	return alignUp(l.HeaderOffset()+headerSize, 64)
}

// Size is the number of bytes the layout needs.
func (l Layout) Size() int {
	if l.CoverageSize == 0 {
		return l.HeaderOffset() + headerSize
	}
	return l.CoverageOffset() + l.CoverageSize
}

func (l Layout) validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("channel: invalid capacity %d", l.Capacity)
	}
	if l.CoverageSize < 0 {
		return fmt.Errorf("channel: invalid coverage size %d", l.CoverageSize)
	}
	return nil
}

// Channel is the single sanctioned piece of mutable state shared with the guest.
// It is created once per worker and never reallocated. Accesses are not synchronized:
// the harness and the agent write at mutually exclusive times.
type Channel struct {
	mem     []byte
	layout  Layout
	path    string
	release func() error
}

// New wraps caller-owned memory. The memory must stay valid until Close.
func New(mem []byte, layout Layout) (*Channel, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if len(mem) < layout.Size() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrRegionTooSmall, len(mem), layout.Size())
	}
	return &Channel{mem: mem[:layout.Size():layout.Size()], layout: layout}, nil
}

// NewHeap allocates the region on the Go heap. Used when no guest maps the region
// (tests, dry runs).
func NewHeap(layout Layout) (*Channel, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	// uint64 backing keeps the header words aligned for atomic access
	words := make([]uint64, (layout.Size()+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return New(mem, layout)
}

func (c *Channel) Layout() Layout { return c.layout }

// Capacity returns C.
func (c *Channel) Capacity() int { return c.layout.Capacity }

// Path returns the file backing the region, empty for heap regions.
func (c *Channel) Path() string { return c.path }

// Deliver writes one test case. Inputs longer than the capacity are truncated to the
// first C bytes. Bytes beyond the stored length are left as they are.
func (c *Channel) Deliver(input []byte) int {
	n := len(input)
	if n > c.layout.Capacity {
		n = c.layout.Capacity
	}
	copy(c.mem[:n], input[:n])
	binary.LittleEndian.PutUint64(c.mem[c.layout.LengthOffset():], uint64(n))
	return n
}

// Len returns the stored input length.
func (c *Channel) Len() int {
	n := binary.LittleEndian.Uint64(c.mem[c.layout.LengthOffset():])
	if n > uint64(c.layout.Capacity) {
		// only a misbehaving agent can get here
		return c.layout.Capacity
	}
	return int(n)
}

// Input returns a view of the stored input bytes.
func (c *Channel) Input() []byte {
	n := c.Len()
	return c.mem[:n:n]
}

func (c *Channel) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.mem[off]))
}

// ResetStatus sets the status back to StatusUnknown.
func (c *Channel) ResetStatus() {
	atomic.StoreUint32(c.word(c.layout.StatusOffset()), uint32(StatusUnknown))
}

// Status returns the raw status written by the agent. The value may lie outside the
// defined enumeration.
func (c *Channel) Status() Status {
	return Status(atomic.LoadUint32(c.word(c.layout.StatusOffset())))
}

// SetStatus is the agent side of the status signal.
func (c *Channel) SetStatus(s Status) {
	atomic.StoreUint32(c.word(c.layout.StatusOffset()), uint32(s))
}

// Sequence returns the completion counter.
func (c *Channel) Sequence() uint32 {
	return atomic.LoadUint32(c.word(c.layout.SequenceOffset()))
}

// Complete is called by the agent once the status is written.
func (c *Channel) Complete() {
	atomic.AddUint32(c.word(c.layout.SequenceOffset()), 1)
}

// Coverage returns the coverage map, nil when the layout has none.
func (c *Channel) Coverage() []byte {
	if c.layout.CoverageSize == 0 {
		return nil
	}
	off := c.layout.CoverageOffset()
	return c.mem[off : off+c.layout.CoverageSize : off+c.layout.CoverageSize]
}

func (c *Channel) ClearCoverage() {
	clear(c.Coverage())
}

func (c *Channel) Close() error {
	if c.release == nil {
		return nil
	}
	release := c.release
	c.release = nil
	return release()
}
