package symbols

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/go-delve/kmon/pkg/logflags"
)

func testTable(t *testing.T) *Table {
	tbl := &Table{log: logflags.SymbolsLogger()}
	if err := tbl.setCache(4); err != nil {
		t.Fatal(err)
	}
	tbl.funcs = []function{
		{name: "i386_init", entry: 0xf0100100, end: 0xf0100180},
		{name: "test_backtrace", entry: 0xf0100040, end: 0xf01000a0},
		{name: "monitor", entry: 0xf0100900},
	}
	tbl.lines = []lineEntry{
		{addr: 0xf0100040, file: "kern/init.c", line: 13},
		{addr: 0xf0100058, file: "kern/init.c", line: 16},
		{addr: 0xf01000a0, end: true},
		{addr: 0xf0100100, file: "kern/init.c", line: 24},
		{addr: 0xf0100180, end: true},
	}
	tbl.finish()
	return tbl
}

func TestPCToSite(t *testing.T) {
	tbl := testTable(t)
	for _, tc := range []struct {
		pc     uint64
		site   Site
		found  bool
		offset uint64
	}{
		{0xf0100069, Site{"kern/init.c", 16, "test_backtrace", 0xf0100040}, true, 0x29},
		{0xf0100100, Site{"kern/init.c", 24, "i386_init", 0xf0100100}, true, 0},
		{0xf01000b0, UnknownSite(0xf01000b0), false, 0},
		{0xf0100a00, Site{"<unknown>", 0, "monitor", 0xf0100900}, true, 0x100},
		{0x10, UnknownSite(0x10), false, 0},
	} {
		site, found := tbl.PCToSite(tc.pc)
		if found != tc.found || site != tc.site {
			t.Errorf("PCToSite(%#x) = %#v, %v; want %#v, %v", tc.pc, site, found, tc.site, tc.found)
		}
		if site.Offset(tc.pc) != tc.offset {
			t.Errorf("offset of %#x = %#x, want %#x", tc.pc, site.Offset(tc.pc), tc.offset)
		}
	}
}

func TestPCToSiteCached(t *testing.T) {
	tbl := testTable(t)
	first, _ := tbl.PCToSite(0xf0100058)
	tbl.funcs = nil
	tbl.lines = nil
	second, found := tbl.PCToSite(0xf0100058)
	if !found || second != first {
		t.Fatalf("expected cached result %#v, got %#v", first, second)
	}
}

func TestSymLookup(t *testing.T) {
	tbl := testTable(t)
	name, base := tbl.SymLookup(0xf0100110)
	if name != "i386_init" || base != 0xf0100100 {
		t.Fatalf("SymLookup = %q %#x", name, base)
	}
}

func TestFootprint(t *testing.T) {
	k := KernelSymbols{Entry: 0xf010000c, End: 0xf0113970}
	if got := k.Footprint(); got != 79 {
		t.Fatalf("footprint = %d, want 79", got)
	}
}

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	tbl, err := Open(exe, 0)
	if err != nil {
		t.Skip(err)
	}
	defer tbl.Close()
	if tbl.f.Type == elf.ET_DYN {
		t.Skip("position independent executable")
	}
	if len(tbl.funcs) == 0 {
		t.Skip("test binary has no debug info or symbol table")
	}

	pc := uint64(reflect.ValueOf(TestOpenSelf).Pointer())
	site, found := tbl.PCToSite(pc)
	if !found {
		t.Fatalf("no debug info for %#x", pc)
	}
	if !strings.HasSuffix(site.Function, "TestOpenSelf") {
		t.Errorf("wrong function %q", site.Function)
	}
	if !strings.HasSuffix(site.File, "symbols_test.go") {
		t.Errorf("wrong file %q", site.File)
	}

	buf := make([]byte, 4)
	if _, err := tbl.ReadMemory(buf, pc); err != nil {
		t.Errorf("could not read code at %#x: %v", pc, err)
	}
	if _, err := tbl.KernelSymbols(); err == nil {
		t.Errorf("a Go test binary should not look like a kernel image")
	}
}

func TestAddSymbols(t *testing.T) {
	tbl := testTable(t)
	funcSym := func(name string, value, size uint64) elf.Symbol {
		return elf.Symbol{Name: name, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Value: value, Size: size}
	}
	tbl.addSymbols([]elf.Symbol{
		funcSym("i386_init", 0xf0100100, 0x80),
		funcSym("alltraps", 0xf01000c0, 0x10),
		funcSym("test_backtrace_helper", 0xf0100050, 0),
		{Name: "edata", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE), Value: 0xf01000d0},
	})
	tbl.finish()

	names := make([]string, 0, len(tbl.funcs))
	for _, fn := range tbl.funcs {
		names = append(names, fn.name)
	}
	if want := []string{"test_backtrace", "alltraps", "i386_init", "monitor"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("functions %v, want %v", names, want)
	}

	site, found := tbl.PCToSite(0xf01000c4)
	if want := (Site{"<unknown>", 0, "alltraps", 0xf01000c0}); !found || site != want {
		t.Fatalf("PCToSite = %#v, %v; want %#v", site, found, want)
	}
}

// writeTestKernel writes a small i386 kernel image without DWARF: a .text
// section, the layout symbols and one function symbol.
func writeTestKernel(t *testing.T) string {
	const (
		textAddr = 0xf0100000
		textOff  = 0x40
		textSize = 0x40
		symOff   = textOff + textSize
	)

	strtab := func(names ...string) ([]byte, map[string]uint32) {
		b := []byte{0}
		off := map[string]uint32{}
		for _, name := range names {
			off[name] = uint32(len(b))
			b = append(b, name...)
			b = append(b, 0)
		}
		return b, off
	}
	symstr, symname := strtab("_start", "entry", "i386_init", "etext", "edata", "end")
	shstr, shname := strtab(".text", ".symtab", ".strtab", ".shstrtab")

	global := func(typ elf.SymType) uint8 { return elf.ST_INFO(elf.STB_GLOBAL, typ) }
	syms := []elf.Sym32{
		{},
		{Name: symname["_start"], Value: 0x0010000c, Info: global(elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS)},
		{Name: symname["entry"], Value: 0xf010000c, Info: global(elf.STT_NOTYPE), Shndx: 1},
		{Name: symname["i386_init"], Value: 0xf0100020, Size: 0x10, Info: global(elf.STT_FUNC), Shndx: 1},
		{Name: symname["etext"], Value: 0xf0100040, Info: global(elf.STT_NOTYPE), Shndx: 1},
		{Name: symname["edata"], Value: 0xf0100040, Info: global(elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS)},
		{Name: symname["end"], Value: 0xf0100400, Info: global(elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS)},
	}
	symSize := uint32(len(syms) * elf.Sym32Size)
	strOff := uint32(symOff) + symSize
	shstrOff := strOff + uint32(len(symstr))
	shOff := (shstrOff + uint32(len(shstr)) + 3) &^ 3

	sections := []elf.Section32{
		{},
		{Name: shname[".text"], Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addr: textAddr, Off: textOff, Size: textSize, Addralign: 16},
		{Name: shname[".symtab"], Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: symSize, Link: 3, Info: 1, Addralign: 4, Entsize: elf.Sym32Size},
		{Name: shname[".strtab"], Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint32(len(symstr)), Addralign: 1},
		{Name: shname[".shstrtab"], Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint32(len(shstr)), Addralign: 1},
	}

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x0010000c,
		Shoff:     shOff,
		Ehsize:    52,
		Phentsize: 32,
		Shentsize: 40,
		Shnum:     uint16(len(sections)),
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	text := make([]byte, textSize)
	copy(text[0x0c:], []byte{0xbc, 0x00, 0x00, 0x11})
	copy(text[0x3e:], []byte{0xeb, 0xfe})

	var buf bytes.Buffer
	write := func(v interface{}) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	padTo := func(off uint32) {
		buf.Write(make([]byte, int(off)-buf.Len()))
	}
	write(&hdr)
	padTo(textOff)
	buf.Write(text)
	for i := range syms {
		write(&syms[i])
	}
	buf.Write(symstr)
	buf.Write(shstr)
	padTo(shOff)
	for i := range sections {
		write(&sections[i])
	}

	path := filepath.Join(t.TempDir(), "kernel")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenKernelImage(t *testing.T) {
	tbl, err := Open(writeTestKernel(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	site, found := tbl.PCToSite(0xf0100024)
	if want := (Site{"<unknown>", 0, "i386_init", 0xf0100020}); !found || site != want {
		t.Fatalf("PCToSite = %#v, %v; want %#v", site, found, want)
	}
	if _, found := tbl.PCToSite(0xf0100034); found {
		t.Errorf("address past the end of i386_init resolved")
	}
	if name, base := tbl.SymLookup(0xf0100028); name != "i386_init" || base != 0xf0100020 {
		t.Errorf("SymLookup = %q %#x", name, base)
	}

	buf := make([]byte, 4)
	if n, err := tbl.ReadMemory(buf, 0xf010000c); err != nil || n != 4 || !bytes.Equal(buf, []byte{0xbc, 0x00, 0x00, 0x11}) {
		t.Errorf("ReadMemory = %d %v %x", n, err, buf)
	}
	if n, err := tbl.ReadMemory(buf, 0xf010003e); err != nil || n != 2 || !bytes.Equal(buf[:n], []byte{0xeb, 0xfe}) {
		t.Errorf("ReadMemory at the end of .text = %d %v %x", n, err, buf[:n])
	}
	if _, err := tbl.ReadMemory(buf, 0xf0200000); err == nil {
		t.Errorf("expected error reading outside the image")
	}

	k, err := tbl.KernelSymbols()
	if err != nil {
		t.Fatal(err)
	}
	want := KernelSymbols{Start: 0x0010000c, Entry: 0xf010000c, Etext: 0xf0100040, Edata: 0xf0100040, End: 0xf0100400}
	if k != want {
		t.Fatalf("KernelSymbols = %#v, want %#v", k, want)
	}
	if k.Footprint() != 1 {
		t.Errorf("footprint = %d", k.Footprint())
	}
}
