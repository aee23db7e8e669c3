package proc

import (
	"encoding/binary"
	"fmt"
)

// Arch describes the frame layout of a CPU architecture.
type Arch struct {
	Name string
	// PtrSize is the size of a stack word.
	PtrSize int
	// FPName and PCName are the names used for the frame pointer and
	// instruction pointer in backtraces.
	FPName, PCName string
	// Mode is the x86asm decoder mode.
	Mode int

	byteOrder binary.ByteOrder
}

// I386Arch returns the 32 bit x86 architecture.
func I386Arch() *Arch {
	return &Arch{Name: "386", PtrSize: 4, FPName: "ebp", PCName: "eip", Mode: 32, byteOrder: binary.LittleEndian}
}

// AMD64Arch returns the 64 bit x86 architecture.
func AMD64Arch() *Arch {
	return &Arch{Name: "amd64", PtrSize: 8, FPName: "rbp", PCName: "rip", Mode: 64, byteOrder: binary.LittleEndian}
}

// ArchByName returns the architecture with the given GOARCH style name.
func ArchByName(name string) (*Arch, error) {
	switch name {
	case "", "386", "i386":
		return I386Arch(), nil
	case "amd64", "x86_64":
		return AMD64Arch(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

// Word decodes a stack word from buf.
func (a *Arch) Word(buf []byte) uint64 {
	if a.PtrSize == 4 {
		return uint64(a.byteOrder.Uint32(buf))
	}
	return a.byteOrder.Uint64(buf)
}

// HexWidth is the number of hex digits needed to print a stack word.
func (a *Arch) HexWidth() int {
	return a.PtrSize * 2
}
