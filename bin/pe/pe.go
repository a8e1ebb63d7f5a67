// Package pe provides access to PE (Portable Executable) files as binary
// executable images.
package pe

import (
	"debug/pe"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
)

// Section characteristics.
const (
	// Section contains executable code.
	charCode = 0x00000020
	// Section can be discarded as needed.
	charDiscardable = 0x02000000
	// Section can be executed as code.
	charExec = 0x20000000
	// Section can be read.
	charRead = 0x40000000
	// Section can be written to.
	charWrite = 0x80000000
)

// Base relocation types.
const (
	relBasedHighLow = 3
	relBasedDir64   = 10
)

// File header characteristics.
const charRelocsStripped = 0x0001

// Load parses the given PE file into a binary executable image.
func Load(path string) (*bin.File, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var (
		arch     string
		base     bin.Addr
		entry    bin.Addr
		relocDir pe.DataDirectory
		iatDir   pe.DataDirectory
		ptrSize  int
	)
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		arch = "i386"
		ptrSize = 4
	case pe.IMAGE_FILE_MACHINE_AMD64:
		arch = "x86_64"
		ptrSize = 8
	default:
		return nil, errors.Errorf("support for machine %#x not yet implemented", f.Machine)
	}
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = bin.Addr(hdr.ImageBase)
		entry = base + bin.Addr(hdr.AddressOfEntryPoint)
		relocDir = hdr.DataDirectory[5]
		iatDir = hdr.DataDirectory[12]
	case *pe.OptionalHeader64:
		base = bin.Addr(hdr.ImageBase)
		entry = base + bin.Addr(hdr.AddressOfEntryPoint)
		relocDir = hdr.DataDirectory[5]
		iatDir = hdr.DataDirectory[12]
	default:
		return nil, errors.New("missing optional header")
	}
	relocAllowed := f.Characteristics&charRelocsStripped == 0

	var sects []*bin.Section
	for _, sect := range f.Sections {
		data, err := sect.Data()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		size := sect.VirtualSize
		if size == 0 {
			size = sect.Size
		}
		// Pad the in-memory image of the section with zero bytes, and trim
		// raw data beyond the virtual size.
		if uint32(len(data)) > size {
			data = data[:size]
		}
		for uint32(len(data)) < size {
			data = append(data, 0)
		}
		start := base + bin.Addr(sect.VirtualAddress)
		var flags bin.SectionFlags
		if sect.Characteristics&charDiscardable == 0 {
			flags |= bin.FlagLoaded
		}
		if sect.Characteristics&charRead != 0 {
			flags |= bin.FlagR
		}
		if sect.Characteristics&charWrite != 0 {
			flags |= bin.FlagW
		}
		if sect.Characteristics&(charExec|charCode) != 0 {
			flags |= bin.FlagX
		}
		sects = append(sects, &bin.Section{
			Name:  sect.Name,
			Start: start,
			End:   start + bin.Addr(size),
			Flags: flags,
			Data:  data,
		})
	}
	file, err := bin.NewFile(arch, sects)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	file.Entries = []bin.Addr{entry}

	// Function symbols from the COFF symbol table.
	for _, sym := range f.Symbols {
		// A complex type of 2 in the high nibble denotes a function.
		if (sym.Type>>4)&0xF != 2 {
			continue
		}
		if sym.SectionNumber < 1 || int(sym.SectionNumber) > len(f.Sections) {
			continue
		}
		sect := f.Sections[sym.SectionNumber-1]
		file.Funcs = append(file.Funcs, base+bin.Addr(sect.VirtualAddress)+bin.Addr(sym.Value))
	}

	// Import address table slots; control leaves the executable through
	// these.
	if iatDir.Size > 0 {
		for off := bin.Addr(0); off < bin.Addr(iatDir.Size); off += bin.Addr(ptrSize) {
			file.Exits[base+bin.Addr(iatDir.VirtualAddress)+off] = true
		}
	}

	if relocAllowed && relocDir.Size > 0 {
		if err := parseBaseRelocs(file, base, relocDir); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return file, nil
}

// parseBaseRelocs parses the base relocation directory into the image's
// relocation address set.
func parseBaseRelocs(file *bin.File, base bin.Addr, dir pe.DataDirectory) error {
	data, ok := file.Read(base+bin.Addr(dir.VirtualAddress), int(dir.Size))
	if !ok {
		return errors.Errorf("base relocation directory at %v not mapped", base+bin.Addr(dir.VirtualAddress))
	}
	for len(data) >= 8 {
		pageRVA := binary.LittleEndian.Uint32(data)
		blockSize := binary.LittleEndian.Uint32(data[4:])
		if blockSize < 8 || uint32(len(data)) < blockSize {
			break
		}
		for off := uint32(8); off+2 <= blockSize; off += 2 {
			entry := binary.LittleEndian.Uint16(data[off:])
			typ := entry >> 12
			if typ != relBasedHighLow && typ != relBasedDir64 {
				continue
			}
			file.Relocs[base+bin.Addr(pageRVA)+bin.Addr(entry&0xFFF)] = true
		}
		data = data[blockSize:]
	}
	return nil
}
