// Package elf provides access to ELF files as binary executable images.
package elf

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
)

// Load parses the given ELF file into a binary executable image.
func Load(path string) (*bin.File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var arch string
	switch f.Machine {
	case elf.EM_386:
		arch = "i386"
	case elf.EM_X86_64:
		arch = "x86_64"
	default:
		return nil, errors.Errorf("support for machine %v not yet implemented", f.Machine)
	}

	var sects []*bin.Section
	for _, sect := range f.Sections {
		if sect.Flags&elf.SHF_ALLOC == 0 || sect.Size == 0 {
			continue
		}
		var data []byte
		if sect.Type == elf.SHT_NOBITS {
			// Zero-initialized at load time.
			data = make([]byte, sect.Size)
		} else {
			data, err = sect.Data()
			if err != nil {
				return nil, errors.WithStack(err)
			}
		}
		flags := bin.FlagLoaded | bin.FlagR
		if sect.Flags&elf.SHF_WRITE != 0 {
			flags |= bin.FlagW
		}
		if sect.Flags&elf.SHF_EXECINSTR != 0 {
			flags |= bin.FlagX
		}
		sects = append(sects, &bin.Section{
			Name:  sect.Name,
			Start: bin.Addr(sect.Addr),
			End:   bin.Addr(sect.Addr + sect.Size),
			Flags: flags,
			Data:  data,
		})
	}
	file, err := bin.NewFile(arch, sects)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if f.Entry != 0 {
		file.Entries = []bin.Addr{bin.Addr(f.Entry)}
	}

	// Declared functions from the symbol tables.
	syms, _ := f.Symbols()
	dynSyms, _ := f.DynamicSymbols()
	for _, sym := range append(syms, dynSyms...) {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		file.Funcs = append(file.Funcs, bin.Addr(sym.Value))
	}

	if err := parseRelocs(f, file); err != nil {
		return nil, errors.WithStack(err)
	}
	return file, nil
}

// Dynamic relocation types of interest.
const (
	r386Relative   = 8 // R_386_RELATIVE
	r386JmpSlot    = 7 // R_386_JMP_SLOT
	rX8664Relative = 8 // R_X86_64_RELATIVE
	rX8664JmpSlot  = 7 // R_X86_64_JMP_SLOT
)

// parseRelocs parses the dynamic relocation sections into the image's
// relocation and exit point address sets. Relative relocations denote
// relocated pointers; jump slot relocations denote the GOT slots through
// which control leaves the executable.
func parseRelocs(f *elf.File, file *bin.File) error {
	for _, sect := range f.Sections {
		switch sect.Type {
		case elf.SHT_RELA:
			if f.Machine != elf.EM_X86_64 {
				continue
			}
			data, err := sect.Data()
			if err != nil {
				return errors.WithStack(err)
			}
			for len(data) >= 24 {
				off := binary.LittleEndian.Uint64(data)
				info := binary.LittleEndian.Uint64(data[8:])
				switch uint32(info) {
				case rX8664Relative:
					file.Relocs[bin.Addr(off)] = true
				case rX8664JmpSlot:
					file.Exits[bin.Addr(off)] = true
				}
				data = data[24:]
			}
		case elf.SHT_REL:
			if f.Machine != elf.EM_386 {
				continue
			}
			data, err := sect.Data()
			if err != nil {
				return errors.WithStack(err)
			}
			for len(data) >= 8 {
				off := binary.LittleEndian.Uint32(data)
				info := binary.LittleEndian.Uint32(data[4:])
				switch info & 0xFF {
				case r386Relative:
					file.Relocs[bin.Addr(off)] = true
				case r386JmpSlot:
					file.Exits[bin.Addr(off)] = true
				}
				data = data[8:]
			}
		}
	}
	return nil
}
