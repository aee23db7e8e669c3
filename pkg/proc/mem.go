package proc

import "fmt"

// MemoryReader is like io.ReaderAt, but the offset is a target address.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// Target is a stopped kernel as seen by the monitor.
type Target interface {
	MemoryReader
	Arch() *Arch
	// FramePointer returns the current value of the frame pointer register.
	FramePointer() uint64
	// StackBounds returns the [lo, hi) address range of the kernel stack.
	StackBounds() (lo, hi uint64)
}

// NullAddrError is an error for a null address.
type NullAddrError struct{}

func (n NullAddrError) Error() string {
	return "NULL address"
}

func readWord(mem MemoryReader, arch *Arch, addr uint64) (uint64, error) {
	if addr == 0 {
		return 0, NullAddrError{}
	}
	buf := make([]byte, arch.PtrSize)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return arch.Word(buf), nil
}
