// Package target loads the state of a stopped kernel captured in a
// snapshot file so that the monitor can run outside of the kernel.
package target

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/kmon/pkg/logflags"
	"github.com/go-delve/kmon/pkg/proc"
)

// snapshotFile is the on-disk layout of a snapshot.
//
//	arch: "386"
//	frame-pointer: 0xf0117f58
//	stack:
//	  base: 0xf0110000
//	  file: stack.bin    # or hex: "..."
//	trapframe:           # optional
//	  eip: 0xf0100040
//	  eflags: 0x46
type snapshotFile struct {
	Arch         string          `yaml:"arch"`
	FramePointer uint64          `yaml:"frame-pointer"`
	Stack        stackFile       `yaml:"stack"`
	Trapframe    *proc.Trapframe `yaml:"trapframe,omitempty"`
}

type stackFile struct {
	Base uint64 `yaml:"base"`
	File string `yaml:"file,omitempty"`
	Hex  string `yaml:"hex,omitempty"`
}

// Snapshot is a proc.Target backed by a copy of the kernel stack.
type Snapshot struct {
	arch *proc.Arch
	fp   uint64
	base uint64
	mem  []byte
	tf   *proc.Trapframe
}

// NewSnapshot returns a snapshot of the stack memory mem mapped at base.
func NewSnapshot(arch *proc.Arch, base uint64, mem []byte, fp uint64, tf *proc.Trapframe) *Snapshot {
	return &Snapshot{arch: arch, fp: fp, base: base, mem: mem, tf: tf}
}

// LoadSnapshot reads the snapshot description at path. A stack file is
// resolved relative to the directory of path.
func LoadSnapshot(path string) (*Snapshot, error) {
	log := logflags.TargetLogger()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf snapshotFile
	if err := yaml.UnmarshalStrict(data, &sf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	arch, err := proc.ArchByName(sf.Arch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var mem []byte
	switch {
	case sf.Stack.File != "" && sf.Stack.Hex != "":
		return nil, fmt.Errorf("%s: stack has both file and hex contents", path)
	case sf.Stack.File != "":
		name := sf.Stack.File
		if !filepath.IsAbs(name) {
			name = filepath.Join(filepath.Dir(path), name)
		}
		mem, err = os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("%s: reading stack: %w", path, err)
		}
	default:
		mem, err = hex.DecodeString(strings.Join(strings.Fields(sf.Stack.Hex), ""))
		if err != nil {
			return nil, fmt.Errorf("%s: decoding stack: %w", path, err)
		}
	}
	log.Debugf("loaded %s: %d bytes of stack at %#x, fp %#x, trapframe %v", path, len(mem), sf.Stack.Base, sf.FramePointer, sf.Trapframe != nil)
	return NewSnapshot(arch, sf.Stack.Base, mem, sf.FramePointer, sf.Trapframe), nil
}

// Arch implements proc.Target.
func (s *Snapshot) Arch() *proc.Arch { return s.arch }

// FramePointer implements proc.Target.
func (s *Snapshot) FramePointer() uint64 { return s.fp }

// StackBounds implements proc.Target.
func (s *Snapshot) StackBounds() (lo, hi uint64) {
	return s.base, s.base + uint64(len(s.mem))
}

// Trapframe returns the trap frame the kernel stopped with, nil when the
// snapshot was taken outside of a trap.
func (s *Snapshot) Trapframe() *proc.Trapframe { return s.tf }

// ReadMemory implements proc.MemoryReader.
func (s *Snapshot) ReadMemory(buf []byte, addr uint64) (int, error) {
	lo, hi := s.StackBounds()
	if addr < lo || addr >= hi {
		return 0, fmt.Errorf("address %#x is not part of the snapshot", addr)
	}
	n := copy(buf, s.mem[addr-lo:])
	if n < len(buf) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// WriteTrapframe writes tf in the snapshot trapframe format.
func WriteTrapframe(w io.Writer, tf *proc.Trapframe) error {
	out, err := yaml.Marshal(tf)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
