// Package elfutil wraps debug/elf with the section and symbol lookups
// the DWARF CFI engine and the module map need: locating .eh_frame and
// .eh_frame_hdr by name, and resolving an instruction pointer to the
// nearest preceding function symbol for diagnostics.
package elfutil

import (
	"debug/elf"
	"io"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrSectionNotFound = errors.New("elfutil: section not found")
	ErrSymbolNotFound  = errors.New("elfutil: symbol not found")
)

// File wraps an opened ELF file with the pieces the unwinder cares
// about cached for repeated lookups.
type File struct {
	elf    *elf.File
	path   string
	symbols []elf.Symbol
	symsLoaded bool
	cache  *symCache
}

// Open opens the ELF file at path read-only.
func Open(path string) (*File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "elfutil: opening %s", path)
	}

	return &File{elf: f, path: path, cache: newSymCache(256)}, nil
}

// OpenReaderAt wraps an already-open module file (as resolved by a
// modulemap.Accessor) without going through the filesystem again.
func OpenReaderAt(r io.ReaderAt) (*File, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "elfutil: parsing ELF")
	}
	return &File{elf: f, cache: newSymCache(256)}, nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	return f.elf.Close()
}

// Machine reports the ELF machine type (e.g. elf.EM_X86_64).
func (f *File) Machine() elf.Machine {
	return f.elf.Machine
}

// Section returns the raw bytes of the named section, or
// ErrSectionNotFound if the file has no such section.
func (f *File) Section(name string) ([]byte, error) {
	sec := f.elf.Section(name)
	if sec == nil {
		return nil, errors.Wrapf(ErrSectionNotFound, "%s", name)
	}
	return sec.Data()
}

// SectionAddr returns the virtual address the named section is loaded
// at, or 0 if the section does not exist or carries no address (e.g.
// it is not mapped, SHF_ALLOC unset).
func (f *File) SectionAddr(name string) uint64 {
	sec := f.elf.Section(name)
	if sec == nil {
		return 0
	}
	return sec.Addr
}

// Symbols returns every function-typed symbol in the file's .symtab,
// loading it lazily on first use.
func (f *File) Symbols() ([]elf.Symbol, error) {
	if f.symsLoaded {
		return f.symbols, nil
	}

	syms, err := f.elf.Symbols()
	if err != nil && len(syms) == 0 {
		return nil, errors.Wrap(err, "elfutil: reading symbol table")
	}

	funcs := make([]elf.Symbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		funcs = append(funcs, s)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Value < funcs[j].Value })

	f.symbols = funcs
	f.symsLoaded = true

	return f.symbols, nil
}

// SymbolForAddr returns the name of the function symbol containing
// addr, using a small bounded cache (oldest entry evicted first) to
// avoid rescanning the symbol table for hot addresses.
func (f *File) SymbolForAddr(addr uint64) (string, error) {
	if name, ok := f.cache.get(addr); ok {
		return name, nil
	}

	syms, err := f.Symbols()
	if err != nil {
		return "", err
	}
	if len(syms) == 0 {
		return "", ErrSymbolNotFound
	}

	// Binary search for the last symbol whose Value <= addr.
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Value > addr })
	if i == 0 {
		return "", ErrSymbolNotFound
	}
	sym := syms[i-1]
	if sym.Size != 0 && addr >= sym.Value+sym.Size {
		return "", ErrSymbolNotFound
	}

	f.cache.put(addr, sym.Name)

	return sym.Name, nil
}

// symCache is a tiny bounded map cache; it never needs eviction
// precision since it only exists to avoid repeated binary searches for
// hot sample addresses.
type symCache struct {
	limit int
	byAddr map[uint64]string
	order  []uint64
}

func newSymCache(limit int) *symCache {
	return &symCache{limit: limit, byAddr: make(map[uint64]string)}
}

func (c *symCache) get(addr uint64) (string, bool) {
	name, ok := c.byAddr[addr]
	return name, ok
}

func (c *symCache) put(addr uint64, name string) {
	if _, exists := c.byAddr[addr]; exists {
		return
	}
	if len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byAddr, oldest)
	}
	c.byAddr[addr] = name
	c.order = append(c.order, addr)
}
