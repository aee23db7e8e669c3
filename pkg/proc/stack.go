package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/kmon/pkg/logflags"
)

// NumArgs is the number of argument words reported for every frame. They
// are read blindly above the return address, so for functions taking fewer
// arguments some of them belong to the caller's frame.
const NumArgs = 5

// DefaultMaxStackDepth bounds the frame-pointer walk when no limit is
// configured.
const DefaultMaxStackDepth = 256

// Stackframe represents a frame in the kernel stack.
type Stackframe struct {
	// FramePointer is the address of the frame, the saved frame pointer of
	// the caller is stored there.
	FramePointer uint64
	// Ret is the return address read from the frame.
	Ret uint64
	// Args are the words stored above the return address.
	Args [NumArgs]uint64
}

// ErrStackTooDeep is returned when the frame chain is longer than the
// configured maximum depth.
var ErrStackTooDeep = errors.New("stack too deep")

// StackError describes a frame chain the unwinder refused to follow.
type StackError struct {
	// Depth is the index of the frame that could not be read.
	Depth        int
	FramePointer uint64
	Err          error
}

func (e *StackError) Error() string {
	return fmt.Sprintf("corrupted frame chain at frame %d (frame pointer %#x): %v", e.Depth, e.FramePointer, e.Err)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// StackIterator walks a frame-pointer chain, one frame per call to Next.
// It validates every frame pointer against the stack bounds and stops
// after maxDepth frames, so a corrupted chain ends the walk with an error
// instead of looping or reading wild memory.
type StackIterator struct {
	mem      MemoryReader
	arch     *Arch
	fp       uint64
	lo, hi   uint64
	maxDepth int

	depth int
	atend bool
	frame Stackframe
	err   error
	// badLink is reported by the call to Next after the frame that saved
	// the bad frame pointer.
	badLink error

	log logflags.Logger
}

// NewStackIterator returns an iterator starting at frame pointer fp. Frame
// pointers must lie in [lo, hi). A maxDepth <= 0 selects
// DefaultMaxStackDepth.
func NewStackIterator(mem MemoryReader, arch *Arch, fp, lo, hi uint64, maxDepth int) *StackIterator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxStackDepth
	}
	return &StackIterator{mem: mem, arch: arch, fp: fp, lo: lo, hi: hi, maxDepth: maxDepth, log: logflags.UnwindLogger()}
}

// TargetStackIterator returns an iterator starting at the current frame
// pointer of tgt.
func TargetStackIterator(tgt Target, maxDepth int) *StackIterator {
	lo, hi := tgt.StackBounds()
	return NewStackIterator(tgt, tgt.Arch(), tgt.FramePointer(), lo, hi, maxDepth)
}

// Next points the iterator to the next stack frame.
func (it *StackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.badLink != nil {
		it.fail(it.badLink)
		return false
	}
	if it.fp == 0 {
		it.atend = true
		return false
	}
	if it.depth >= it.maxDepth {
		it.fail(fmt.Errorf("%w: more than %d frames", ErrStackTooDeep, it.maxDepth))
		return false
	}

	ptrSize := uint64(it.arch.PtrSize)
	if !it.inStack(it.fp, 2*ptrSize) {
		it.fail(fmt.Errorf("frame pointer outside of stack [%#x, %#x)", it.lo, it.hi))
		return false
	}
	next, err := readWord(it.mem, it.arch, it.fp)
	if err != nil {
		it.fail(err)
		return false
	}
	ret, err := readWord(it.mem, it.arch, it.fp+ptrSize)
	if err != nil {
		it.fail(err)
		return false
	}
	it.frame = Stackframe{FramePointer: it.fp, Ret: ret}
	for i := range it.frame.Args {
		addr := it.fp + uint64(2+i)*ptrSize
		if !it.inStack(addr, ptrSize) {
			// The outermost frame has no caller above it.
			continue
		}
		if v, err := readWord(it.mem, it.arch, addr); err == nil {
			it.frame.Args[i] = v
		}
	}
	if logflags.Unwind() {
		it.log.Debugf("frame %d fp=%#x ret=%#x next=%#x", it.depth, it.fp, ret, next)
	}

	if next != 0 && next <= it.fp {
		it.badLink = fmt.Errorf("frame pointer saved at %#x does not point to an enclosing frame", it.fp)
	}

	it.depth++
	it.fp = next
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *StackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *StackIterator) Err() error {
	return it.err
}

func (it *StackIterator) fail(err error) {
	it.err = &StackError{Depth: it.depth, FramePointer: it.fp, Err: err}
}

func (it *StackIterator) inStack(addr, size uint64) bool {
	return addr >= it.lo && addr < it.hi && it.hi-addr >= size
}

// Stacktrace returns every frame of the chain starting at the current
// frame pointer of tgt. On error the frames read so far are returned
// together with the error.
func Stacktrace(tgt Target, maxDepth int) ([]Stackframe, error) {
	it := TargetStackIterator(tgt, maxDepth)
	var frames []Stackframe
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}
