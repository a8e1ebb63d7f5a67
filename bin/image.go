package bin

import (
	"sort"

	"github.com/pkg/errors"
)

// SectionFlags is a bit set of section permissions.
type SectionFlags uint8

// Section permission flags.
const (
	// FlagLoaded indicates that the section is mapped into memory at load time.
	FlagLoaded SectionFlags = 1 << iota
	// FlagR indicates that the section is readable.
	FlagR
	// FlagW indicates that the section is writable.
	FlagW
	// FlagX indicates that the section is executable.
	FlagX
)

// Section is a contiguous region of memory in a binary executable.
type Section struct {
	// Section name (e.g. ".text"); may be empty.
	Name string
	// Start address of section.
	Start Addr
	// End address of section (exclusive).
	End Addr
	// Section permissions.
	Flags SectionFlags
	// Section contents, of length End-Start.
	Data []byte
}

// Contains reports whether the section contains the n-byte address range
// starting at addr.
func (sect *Section) Contains(addr Addr, n int) bool {
	return sect.Start <= addr && addr+Addr(n) <= sect.End
}

// Image is the interface implemented by binary executable providers. It
// exposes the sections, architecture and address tables of a pre-parsed
// executable.
type Image interface {
	// Sections returns the sections of the executable, sorted by address and
	// non-overlapping.
	Sections() []*Section
	// Arch returns the machine architecture of the executable; one of "i386"
	// and "x86_64".
	Arch() string
	// EntryPoints returns the entry point addresses of the executable.
	EntryPoints() []Addr
	// Functions returns the function addresses declared by the executable's
	// metadata.
	Functions() []Addr
	// ExitPoints returns the set of addresses through which control leaves the
	// executable (e.g. import thunk slots).
	ExitPoints() map[Addr]bool
	// Relocations returns the set of addresses whose stored native-width
	// pointer is subject to relocation.
	Relocations() map[Addr]bool
	// Read reads n bytes of memory starting at the given address. The boolean
	// return value reports whether the range was mapped.
	Read(addr Addr, n int) ([]byte, bool)
	// SectionForRange returns the section containing the n-byte address range
	// starting at addr, or nil.
	SectionForRange(addr Addr, n int) *Section
}

// File is a parsed binary executable. It is the canonical Image
// implementation, populated by the format-specific loaders.
type File struct {
	// Machine architecture; one of "i386" and "x86_64".
	Machine string
	// Sections of the executable.
	Sects []*Section
	// Entry point addresses.
	Entries []Addr
	// Declared function addresses.
	Funcs []Addr
	// Exit point addresses.
	Exits map[Addr]bool
	// Relocation addresses.
	Relocs map[Addr]bool
}

// NewFile returns a new file with the given machine architecture and sections.
// Sections are sorted by start address.
func NewFile(machine string, sects []*Section) (*File, error) {
	sort.Slice(sects, func(i, j int) bool {
		return sects[i].Start < sects[j].Start
	})
	for i := 1; i < len(sects); i++ {
		if sects[i].Start < sects[i-1].End {
			return nil, errors.Errorf("overlapping sections %q and %q", sects[i-1].Name, sects[i].Name)
		}
	}
	return &File{
		Machine: machine,
		Sects:   sects,
		Exits:   make(map[Addr]bool),
		Relocs:  make(map[Addr]bool),
	}, nil
}

// Sections returns the sections of the executable.
func (f *File) Sections() []*Section {
	return f.Sects
}

// Arch returns the machine architecture of the executable.
func (f *File) Arch() string {
	return f.Machine
}

// EntryPoints returns the entry point addresses of the executable.
func (f *File) EntryPoints() []Addr {
	return f.Entries
}

// Functions returns the declared function addresses of the executable.
func (f *File) Functions() []Addr {
	return f.Funcs
}

// ExitPoints returns the exit point addresses of the executable.
func (f *File) ExitPoints() map[Addr]bool {
	return f.Exits
}

// Relocations returns the relocation addresses of the executable.
func (f *File) Relocations() map[Addr]bool {
	return f.Relocs
}

// SectionForRange returns the section containing the n-byte address range
// starting at addr, or nil.
func (f *File) SectionForRange(addr Addr, n int) *Section {
	// Binary search on the sorted section slice for the first section ending
	// past addr.
	i := sort.Search(len(f.Sects), func(i int) bool {
		return addr < f.Sects[i].End
	})
	if i < len(f.Sects) && f.Sects[i].Contains(addr, n) {
		return f.Sects[i]
	}
	return nil
}

// Read reads n bytes of memory starting at the given address.
func (f *File) Read(addr Addr, n int) ([]byte, bool) {
	sect := f.SectionForRange(addr, n)
	if sect == nil {
		return nil, false
	}
	off := addr - sect.Start
	return sect.Data[off : off+Addr(n)], true
}
