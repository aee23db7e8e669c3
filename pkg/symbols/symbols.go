// Package symbols maps kernel instruction addresses to source locations
// and provides the link-time addresses of the kernel image.
package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/kmon/pkg/logflags"
)

// DefaultCacheSize is the number of resolved addresses kept by a Table.
const DefaultCacheSize = 1024

// Site is the source location of an instruction address.
type Site struct {
	File     string
	Line     int
	Function string
	// Entry is the start address of Function.
	Entry uint64
}

// Offset returns the distance of pc from the start of the function.
func (s Site) Offset(pc uint64) uint64 {
	return pc - s.Entry
}

// UnknownSite is returned for addresses without debug information.
func UnknownSite(pc uint64) Site {
	return Site{File: "<unknown>", Line: 0, Function: "<unknown>", Entry: pc}
}

// DebugInfo resolves instruction addresses.
type DebugInfo interface {
	// PCToSite returns the location of pc. When nothing is known about pc
	// it returns UnknownSite(pc) and false.
	PCToSite(pc uint64) (Site, bool)
}

// KernelSymbols are the link-time addresses of the kernel image.
type KernelSymbols struct {
	Start, Entry, Etext, Edata, End uint64
}

// Footprint returns the size of the loaded image in kilobytes, rounded up.
func (k KernelSymbols) Footprint() uint64 {
	return (k.End - k.Entry + 1023) / 1024
}

type function struct {
	name       string
	entry, end uint64
}

type lineEntry struct {
	addr uint64
	file string
	line int
	// end marks the first address after a sequence.
	end bool
}

// Table is a DebugInfo backed by the symbol table and DWARF sections of a
// kernel ELF image.
type Table struct {
	f     *elf.File
	funcs []function
	lines []lineEntry
	cache *lru.Cache

	log logflags.Logger
}

// Open loads the debug information of the ELF file at path. cacheSize <= 0
// selects DefaultCacheSize.
func Open(path string, cacheSize int) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := newTable(f, cacheSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func newTable(f *elf.File, cacheSize int) (*Table, error) {
	t := &Table{f: f, log: logflags.SymbolsLogger()}
	if err := t.setCache(cacheSize); err != nil {
		return nil, err
	}

	if d, err := f.DWARF(); err == nil {
		if err := t.loadDwarf(d); err != nil {
			return nil, err
		}
	} else {
		t.log.Warnf("no DWARF sections: %v", err)
	}
	t.loadSymtab()
	t.finish()
	t.log.Debugf("loaded %d functions, %d line entries", len(t.funcs), len(t.lines))
	return t, nil
}

func (t *Table) setCache(size int) error {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return err
	}
	t.cache = c
	return nil
}

// Close closes the underlying ELF file.
func (t *Table) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}

func (t *Table) loadDwarf(d *dwarf.Data) error {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("reading DWARF: %w", err)
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			if err := t.loadLines(d, e); err != nil {
				return err
			}
		case dwarf.TagSubprogram:
			if fn, ok := subprogram(e); ok {
				t.funcs = append(t.funcs, fn)
			}
		}
	}
	return nil
}

func subprogram(e *dwarf.Entry) (function, bool) {
	name, _ := e.Val(dwarf.AttrName).(string)
	lowpc, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if name == "" || !ok {
		return function{}, false
	}
	fn := function{name: name, entry: lowpc}
	if f := e.AttrField(dwarf.AttrHighpc); f != nil {
		switch v := f.Val.(type) {
		case uint64:
			if f.Class == dwarf.ClassConstant {
				fn.end = lowpc + v
			} else {
				fn.end = v
			}
		case int64:
			fn.end = lowpc + uint64(v)
		}
	}
	return fn, true
}

func (t *Table) loadLines(d *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := d.LineReader(cu)
	if err != nil {
		return fmt.Errorf("reading line table: %w", err)
	}
	if lr == nil {
		return nil
	}
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line table: %w", err)
		}
		if le.EndSequence {
			t.lines = append(t.lines, lineEntry{addr: le.Address, end: true})
			continue
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		t.lines = append(t.lines, lineEntry{addr: le.Address, file: file, line: le.Line})
	}
}

func (t *Table) loadSymtab() {
	syms, err := t.f.Symbols()
	if err != nil {
		t.log.Warnf("no symbol table: %v", err)
		return
	}
	t.addSymbols(syms)
}

// addSymbols adds the function symbols not described by DWARF, typically
// the ones defined in assembly.
func (t *Table) addSymbols(syms []elf.Symbol) {
	t.finish()
	described := t.funcs
	covered := func(addr uint64) bool {
		i := sort.Search(len(described), func(i int) bool { return described[i].entry > addr }) - 1
		return i >= 0 && (addr == described[i].entry || addr < described[i].end)
	}
	n := 0
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || covered(s.Value) {
			continue
		}
		t.funcs = append(t.funcs, function{name: s.Name, entry: s.Value, end: s.Value + s.Size})
		n++
	}
	if n > 0 {
		t.log.Debugf("added %d functions from the symbol table", n)
	}
}

func (t *Table) finish() {
	sort.SliceStable(t.funcs, func(i, j int) bool { return t.funcs[i].entry < t.funcs[j].entry })
	// End sequence markers sort before rows at the same address so that a
	// sequence starting where another one ends is found.
	sort.SliceStable(t.lines, func(i, j int) bool {
		if t.lines[i].addr == t.lines[j].addr {
			return t.lines[i].end && !t.lines[j].end
		}
		return t.lines[i].addr < t.lines[j].addr
	})
}

// PCToSite implements DebugInfo.
func (t *Table) PCToSite(pc uint64) (Site, bool) {
	if v, ok := t.cache.Get(pc); ok {
		r := v.(cachedSite)
		return r.site, r.ok
	}
	site, ok := t.lookup(pc)
	t.cache.Add(pc, cachedSite{site, ok})
	return site, ok
}

type cachedSite struct {
	site Site
	ok   bool
}

func (t *Table) lookup(pc uint64) (Site, bool) {
	site := UnknownSite(pc)
	found := false
	if fn, ok := t.findFunction(pc); ok {
		site.Function, site.Entry = fn.name, fn.entry
		found = true
	}
	if le, ok := t.findLine(pc); ok {
		site.File, site.Line = le.file, le.line
		found = true
	}
	if !found {
		t.log.Debugf("no debug info for %#x", pc)
	}
	return site, found
}

func (t *Table) findFunction(pc uint64) (function, bool) {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].entry > pc }) - 1
	if i < 0 {
		return function{}, false
	}
	fn := t.funcs[i]
	if fn.end > fn.entry && pc >= fn.end {
		return function{}, false
	}
	return fn, true
}

func (t *Table) findLine(pc uint64) (lineEntry, bool) {
	i := sort.Search(len(t.lines), func(i int) bool { return t.lines[i].addr > pc }) - 1
	if i < 0 || t.lines[i].end {
		return lineEntry{}, false
	}
	return t.lines[i], true
}

// SymLookup returns the function containing addr and its start address, in
// the form expected by the disassembler.
func (t *Table) SymLookup(addr uint64) (string, uint64) {
	fn, ok := t.findFunction(addr)
	if !ok {
		return "", 0
	}
	return fn.name, fn.entry
}

// ReadMemory reads the loaded contents of the image at addr. Only
// allocated sections with file contents can be read.
func (t *Table) ReadMemory(buf []byte, addr uint64) (int, error) {
	for _, s := range t.f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type != elf.SHT_PROGBITS {
			continue
		}
		if addr < s.Addr || addr >= s.Addr+s.Size {
			continue
		}
		n := len(buf)
		if rem := s.Addr + s.Size - addr; uint64(n) > rem {
			n = int(rem)
		}
		return s.ReadAt(buf[:n], int64(addr-s.Addr))
	}
	return 0, fmt.Errorf("address %#x is not part of the kernel image", addr)
}

// KernelSymbols looks up the link-time symbols describing the image layout.
func (t *Table) KernelSymbols() (KernelSymbols, error) {
	syms, err := t.f.Symbols()
	if err != nil {
		return KernelSymbols{}, err
	}
	want := map[string]*uint64{}
	var k KernelSymbols
	want["_start"] = &k.Start
	want["entry"] = &k.Entry
	want["etext"] = &k.Etext
	want["edata"] = &k.Edata
	want["end"] = &k.End
	for _, s := range syms {
		if p, ok := want[s.Name]; ok {
			*p = s.Value
			delete(want, s.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return k, fmt.Errorf("missing kernel symbols %v", missing)
	}
	return k, nil
}
