package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// AsmInstruction represents one decoded instruction.
type AsmInstruction struct {
	Loc   uint64
	Bytes []byte
	Text  string
}

// SymLookup resolves an address to the symbol containing it and the
// symbol's start address.
type SymLookup func(addr uint64) (name string, base uint64)

// Disassemble decodes the instruction at the start of code, which was read
// from address pc. The text uses GNU (AT&T) syntax; symLookup may be nil.
func Disassemble(code []byte, pc uint64, arch *Arch, symLookup SymLookup) (AsmInstruction, error) {
	if symLookup == nil {
		symLookup = func(uint64) (string, uint64) { return "", 0 }
	}
	inst, err := x86asm.Decode(code, arch.Mode)
	if err != nil {
		return AsmInstruction{Loc: pc}, err
	}
	return AsmInstruction{
		Loc:   pc,
		Bytes: code[:inst.Len],
		Text:  x86asm.GNUSyntax(inst, pc, x86asm.SymLookup(symLookup)),
	}, nil
}
