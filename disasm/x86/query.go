package x86

import (
	"github.com/xda-re/xda/bin"
)

// IsMemoryReadable reports whether the n-byte address range starting at addr
// is readable.
func (d *Disasm) IsMemoryReadable(addr bin.Addr, n int) bool {
	sect := d.img.SectionForRange(addr, n)
	return sect != nil && sect.Flags&bin.FlagR != 0
}

// IsMemoryWritable reports whether the n-byte address range starting at addr
// is writable.
func (d *Disasm) IsMemoryWritable(addr bin.Addr, n int) bool {
	sect := d.img.SectionForRange(addr, n)
	return sect != nil && sect.Flags&bin.FlagW != 0
}

// IsMemoryExecutable reports whether the n-byte address range starting at
// addr is executable.
func (d *Disasm) IsMemoryExecutable(addr bin.Addr, n int) bool {
	sect := d.img.SectionForRange(addr, n)
	return sect != nil && sect.Flags&bin.FlagX != 0
}

// IsMemoryMapped reports whether the n-byte address range starting at addr
// is mapped (i.e. falls within one of the binary's load sections).
func (d *Disasm) IsMemoryMapped(addr bin.Addr, n int) bool {
	sect := d.img.SectionForRange(addr, n)
	return sect != nil && sect.Flags&bin.FlagLoaded != 0
}

// ReadMemory reads n bytes from the given memory address. The boolean return
// value reports whether the range was mapped.
func (d *Disasm) ReadMemory(addr bin.Addr, n int) ([]byte, bool) {
	return d.img.Read(addr, n)
}

// InstructionAt decodes and returns the instruction at the given address, or
// nil when the address does not hold the first byte of a decoded
// instruction.
func (d *Disasm) InstructionAt(addr bin.Addr) *Inst {
	if !d.shadow.IsMarkedAsCode(addr) || !d.shadow.IsMarkedAsHead(addr) {
		return nil
	}
	sect := d.img.SectionForRange(addr, 1)
	if sect == nil {
		return nil
	}
	d.dec.SetInput(sect.Data, sect.Start)
	d.dec.Seek(addr)
	inst, err := d.dec.Decode()
	if err != nil {
		return nil
	}
	return inst
}

// BasicBlockAt returns the basic block containing the given address, or nil.
func (d *Disasm) BasicBlockAt(addr bin.Addr) *BasicBlock {
	if !d.shadow.Contains(addr) {
		return nil
	}
	// Walk backwards to the containing basic block leader.
	for !d.shadow.IsMarkedAsBasicBlockLeader(addr) {
		if !d.shadow.Contains(addr) || addr == 0 {
			return nil
		}
		addr--
	}
	return d.blocks[addr]
}

// FunctionAt returns the basic blocks of the function at the given address,
// or nil when the address is not a function entry point. Traversal follows
// the CFG, never crossing into another function.
func (d *Disasm) FunctionAt(addr bin.Addr) []*BasicBlock {
	if !d.shadow.IsMarkedAsFunction(addr) {
		return nil
	}
	var addrs []bin.Addr
	seen := make(map[bin.Addr]bool)
	stack := []bin.Addr{addr}
	for len(stack) > 0 {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
		// Visit basic blocks not yet seen, but skip calls into other
		// functions.
		for _, succ := range d.cfg.Successors(addr) {
			if !seen[succ] && !d.shadow.IsMarkedAsFunction(succ) {
				stack = append(stack, succ)
			}
		}
	}
	blocks := make([]*BasicBlock, 0, len(addrs))
	for _, addr := range addrs {
		if block, ok := d.blocks[addr]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}
