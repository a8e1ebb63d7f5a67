package x86

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/shadow"
)

// analyzeRelocations parses the relocation entries of the binary and sets
// the appropriate marks in the program's shadow memory. Relocations form a
// series of chains; the last element of each chain is a relocated leaf.
// Afterwards, contiguous runs of relocated addresses are recovered as
// initialized pointer arrays and marked as data.
func (d *Disasm) analyzeRelocations() error {
	size := d.cpu.Width() / 8

	dbg.Println("analyzing relocations")
	for addr := range d.img.Relocations() {
		if err := d.analyzeRelocation(addr, size); err != nil {
			return errors.WithStack(err)
		}
	}

	// Three or more contiguous addresses marked as relocated usually indicate
	// a data region.
	dbg.Println("analyzing relocated data regions")
	w := bin.Addr(size)
	for _, sect := range d.img.Sections() {
		addr := sect.Start
		for addr < sect.End {
			if d.shadow.IsMarkedAsRelocated(addr) &&
				d.shadow.IsMarkedAsRelocated(addr+w) &&
				d.shadow.IsMarkedAsRelocated(addr+2*w) {

				// Start marking as data until a non-relocated address is hit.
				for addr < sect.End && d.shadow.IsMarkedAsRelocated(addr) {
					if err := d.shadow.MarkAsData(addr, 1); err != nil {
						return errors.WithStack(err)
					}
					addr += w
				}
			} else {
				addr++
			}
		}
	}
	return nil
}

// analyzeRelocation recursively analyzes the relocation chain starting at
// the given address. size is the native pointer width in bytes.
func (d *Disasm) analyzeRelocation(addr bin.Addr, size int) error {
	if !d.IsMemoryMapped(addr, size) {
		warn.Printf("invalid relocation entry at %v", addr)
		return nil
	}
	if err := d.shadow.MarkAsAnalyzed(addr, 1); err != nil {
		return errors.WithStack(err)
	}
	if err := d.shadow.MarkAsRelocated(addr); err != nil {
		return errors.WithStack(err)
	}

	// Extract the relocated element.
	data, _ := d.img.Read(addr, size)
	element := readPointer(data, size)

	// Relocated elements are occasionally not mapped addresses; skip those.
	if !d.IsMemoryMapped(element, 1) {
		return nil
	}

	// The relocated element may in turn point to another relocated element.
	// If so, recursively analyze it. Otherwise it is the leaf entry of the
	// current chain of relocations; we will later attempt to determine
	// whether it points to code or data.
	if d.img.Relocations()[element] {
		return d.analyzeRelocation(element, size)
	}
	return errors.WithStack(d.shadow.MarkAsRelocatedLeaf(element))
}

// disassembleEntryPoints starts recursive disassembly from each entry point.
func (d *Disasm) disassembleEntryPoints() error {
	dbg.Println("disassembling entry points")
	for _, entry := range d.img.EntryPoints() {
		if err := d.shadow.MarkAsFunction(entry); err != nil {
			return errors.WithStack(err)
		}
		if err := d.recursiveDisassemble(entry); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// disassembleFunctions starts recursive disassembly from each address
// reported as a function entry point by the executable's metadata and from
// the extra seeds of Options.Funcs. Exit points are marked as analyzed
// function entry points.
func (d *Disasm) disassembleFunctions() error {
	dbg.Println("disassembling functions")
	seeds := make([]bin.Addr, 0, len(d.img.Functions())+len(d.funcs))
	seeds = append(seeds, d.img.Functions()...)
	seeds = append(seeds, d.funcs...)
	for _, addr := range seeds {
		// Function tables in PE executables sometimes mark jump tables, as
		// well as other data regions in executable sections, as function
		// entry points; gate each seed on the code heuristic.
		if !d.isCode(addr) {
			continue
		}
		if err := d.shadow.MarkAsFunction(addr); err != nil {
			return errors.WithStack(err)
		}
		if err := d.recursiveDisassemble(addr); err != nil {
			return errors.WithStack(err)
		}
	}

	// Also mark exit points as function entry points.
	for addr := range d.img.ExitPoints() {
		if !d.shadow.Contains(addr) {
			warn.Printf("exit point %v not backed by shadow memory", addr)
			continue
		}
		if err := d.shadow.MarkAsAnalyzed(addr, 1); err != nil {
			return errors.WithStack(err)
		}
		if err := d.shadow.MarkAsFunction(addr); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// disassembleRelocated disassembles code regions discovered during
// relocation analysis: every relocated leaf in an executable section that
// looks like code is a basic block leader.
func (d *Disasm) disassembleRelocated() error {
	dbg.Println("disassembling relocated code regions")
	for _, sect := range d.img.Sections() {
		if sect.Flags&bin.FlagX == 0 {
			continue
		}
		for addr := sect.Start; addr < sect.End; addr++ {
			if !d.shadow.IsMarkedAsRelocatedLeaf(addr) {
				continue
			}
			if !d.isCode(addr) {
				continue
			}
			if err := d.shadow.MarkAsBasicBlockLeader(addr); err != nil {
				return errors.WithStack(err)
			}
			if err := d.recursiveDisassemble(addr); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// disassembleDeferred disassembles executable regions whose analysis was
// previously deferred. Standard fixed-point loop: disassemble from every
// unanalyzed basic block leader until a full pass makes no change.
func (d *Disasm) disassembleDeferred() error {
	dbg.Println("starting deferred disassembly of executable regions")
	for done := false; !done; {
		done = true
		for _, sect := range d.img.Sections() {
			if sect.Flags&bin.FlagX == 0 {
				continue
			}
			for addr := sect.Start; addr < sect.End; addr++ {
				if d.shadow.IsMarkedAsAnalyzed(addr) || !d.shadow.IsMarkedAsBasicBlockLeader(addr) {
					continue
				}
				// Analysis may generate new code regions that should be
				// analyzed, and so on.
				dbg.Printf("disassembling from %v", addr)
				if err := d.recursiveDisassemble(addr); err != nil {
					return errors.WithStack(err)
				}
				done = false
			}
		}
		if !done {
			dbg.Println("fixed point not reached, restarting")
		}
	}
	return nil
}

// disassembleOrphans promotes unreferenced basic block leaders to function
// entry points: a relocated leaf marked as basic block leader with no
// incoming code cross references can only be reached indirectly.
func (d *Disasm) disassembleOrphans() error {
	dbg.Println("searching for orphan basic block leaders")
	for _, sect := range d.img.Sections() {
		if sect.Flags&bin.FlagX == 0 {
			continue
		}
		for addr := sect.Start; addr < sect.End; addr++ {
			if d.shadow.IsMarkedAsRelocatedLeaf(addr) &&
				d.shadow.IsMarkedAsBasicBlockLeader(addr) &&
				len(d.xrefs.Code.Predecessors(addr)) == 0 {
				if err := d.shadow.MarkAsFunction(addr); err != nil {
					return errors.WithStack(err)
				}
			}
		}
	}
	return nil
}

// recursiveDisassemble starts recursive disassembly from the instruction at
// the given seed address. The seed should have been verified to be a valid
// code region. Each disassembled instruction is further analyzed and the
// sets of code and data cross references are updated accordingly.
func (d *Disasm) recursiveDisassemble(seed bin.Addr) error {
	stack := []bin.Addr{seed}
	for len(stack) > 0 {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		start := addr

		// Don't analyze regions already analyzed and skip code that transfers
		// control outside the executable.
		if d.shadow.IsMarkedAsAnalyzed(addr) || d.img.ExitPoints()[addr] {
			continue
		}
		sect := d.img.SectionForRange(addr, 1)
		if sect == nil {
			warn.Printf("sweep seed %v outside mapped sections", addr)
			continue
		}
		d.dec.SetInput(sect.Data, sect.Start)
		d.dec.Seek(addr)

		// Linear sweep until an instruction that unconditionally modifies the
		// program counter is hit, or an already analyzed region (data or
		// code) is reached.
		sweepOK := true
		for {
			inst, err := d.disassembleInst()
			if err != nil {
				if errors.Cause(err) == io.EOF {
					break
				}
				// An invalid instruction usually means we attempted to
				// disassemble a data region within an executable section.
				if IsDecodeError(err) {
					dbg.Printf("invalid instruction in sweep from %v; %v", start, errors.Cause(err))
					sweepOK = false
					break
				}
				return errors.WithStack(err)
			}

			// Queue unanalyzed code cross references of this instruction for
			// later analysis.
			for _, succ := range d.xrefs.Code.Successors(inst.Addr) {
				if !d.shadow.IsMarkedAsAnalyzed(succ) {
					stack = append(stack, succ)
				}
			}

			// Stop when the instruction unconditionally modifies the program
			// counter, or when the next instruction has already been
			// analyzed.
			if cat := inst.Category(); cat == CatRet || cat == CatUncondBr {
				break
			}
			if d.shadow.IsMarkedAsAnalyzed(inst.NextAddr()) {
				break
			}
		}

		// A successful linear sweep from start makes it a basic block leader.
		if sweepOK {
			if err := d.shadow.MarkAsBasicBlockLeader(start); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// disassembleInst decodes the next instruction of the current sweep,
// analyzes it, and marks its address range as analyzed code.
func (d *Disasm) disassembleInst() (*Inst, error) {
	inst, err := d.dec.Decode()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Distinguish between instructions that modify the program counter and
	// those that don't (referred to as "normal" here).
	if inst.WritesProgramCounter() {
		err = d.analyzeFlowInst(inst)
	} else {
		err = d.analyzeNormalInst(inst)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Mark the instruction address range as analyzed code.
	if err := d.shadow.MarkAsAnalyzed(inst.Addr, inst.Len); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := d.shadow.MarkAsCode(inst.Addr, inst.Len); err != nil {
		return nil, errors.WithStack(err)
	}
	return inst, nil
}

// analyzeNormalInst analyzes a normal (i.e. not flow control) instruction.
func (d *Disasm) analyzeNormalInst(inst *Inst) error {
	// If the instruction has a native-width immediate that points into an
	// executable section, it may be the address of code referenced from a
	// non-relocatable binary, or through a leaf relocation entry. Record a
	// data cross reference if it indeed looks like code.
	if imm, ok := inst.NativeImmediate(); ok && d.IsMemoryExecutable(imm, 1) {
		relocatable := len(d.img.Relocations()) > 0
		if d.shadow.IsMarkedAsRelocatedLeaf(imm) || !relocatable {
			if d.isCode(imm) {
				d.xrefs.Data.AddEdge(inst.Addr, imm)
			}
		}
	}

	// Analyze any memory operands referenced by the instruction.
	if err := d.analyzeNormalMemOperands(inst); err != nil {
		return errors.WithStack(err)
	}

	// Execution flow continues to the next instruction.
	d.xrefs.Code.AddEdge(inst.Addr, inst.NextAddr())
	return nil
}

// analyzeNormalMemOperands analyzes the memory operands of a normal
// instruction and updates the cross-reference sets accordingly.
func (d *Disasm) analyzeNormalMemOperands(inst *Inst) error {
	for i, memop := range inst.MemOperands() {
		disp, ok := inst.MemDisplacement(i)
		if !ok || disp == 0 || !d.IsMemoryMapped(disp, 1) {
			continue
		}
		d.xrefs.Data.AddEdge(inst.Addr, disp)

		// If the memory operand's length is not one of the lengths used by
		// indirect branching instructions, mark the referenced region as
		// data. Otherwise we can't be sure whether it points to a code or a
		// data region; be conservative and do nothing.
		switch memop.Len {
		case 4, 6, 8, 10:
		default:
			if err := d.shadow.MarkAsAnalyzed(disp, memop.Len); err != nil {
				return errors.WithStack(err)
			}
			if err := d.shadow.MarkAsData(disp, memop.Len); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// analyzeFlowInst analyzes a flow control instruction, dispatching on its
// category.
func (d *Disasm) analyzeFlowInst(inst *Inst) error {
	switch inst.Category() {
	case CatCall:
		return d.analyzeCall(inst)
	case CatUncondBr:
		return d.analyzeUncondBranch(inst)
	case CatCondBr:
		return d.analyzeCondBranch(inst)
	case CatRet, CatInt, CatSyscall, CatSysret:
		return nil
	}
	return errors.WithStack(&UnknownControlFlowError{Inst: inst})
}

// analyzeCall analyzes a CALL instruction and updates the sets of code and
// data cross references accordingly.
func (d *Disasm) analyzeCall(inst *Inst) error {
	switch inst.Form() {
	case FormDirectRel:
		// Calls to the immediately following instruction are used by several
		// compilers in PIC code for reading the value of the program counter.
		// In that case the target address neither marks the beginning of a
		// function nor a basic block leader.
		target, ok := inst.BranchTarget()
		if ok && target != inst.NextAddr() && d.IsMemoryExecutable(target, 1) {
			d.xrefs.Code.AddEdge(inst.Addr, target)
			if err := d.shadow.MarkAsFunction(target); err != nil {
				return errors.WithStack(err)
			}
		}

	case FormIndirectMem:
		// Mark the callees discovered by jump table resolution as functions.
		// Only the successors added by the resolution step qualify; the
		// fall-through successor inserted below must not be promoted.
		before := make(map[bin.Addr]bool)
		for _, succ := range d.xrefs.Code.Successors(inst.Addr) {
			before[succ] = true
		}
		if err := d.analyzeFlowMemOperands(inst); err != nil {
			return errors.WithStack(err)
		}
		for _, succ := range d.xrefs.Code.Successors(inst.Addr) {
			if before[succ] {
				continue
			}
			if err := d.shadow.MarkAsFunction(succ); err != nil {
				return errors.WithStack(err)
			}
		}

	case FormIndirectReg:
		// We can't do anything for indirect calls with register operand.

	case FormFarDirect:
		// Ignore possible change in segment.
		target, ok := inst.BranchTarget()
		if ok && d.IsMemoryExecutable(target, 1) {
			if err := d.shadow.MarkAsFunction(target); err != nil {
				return errors.WithStack(err)
			}
		}

	default:
		return errors.WithStack(&UnknownControlFlowError{Inst: inst})
	}

	// Execution flow continues to the next instruction.
	d.xrefs.Code.AddEdge(inst.Addr, inst.NextAddr())
	return nil
}

// analyzeUncondBranch analyzes an unconditional jump instruction.
func (d *Disasm) analyzeUncondBranch(inst *Inst) error {
	switch inst.Form() {
	case FormDirectRel, FormFarDirect:
		// Mark the jump target as basic block leader. For far jumps, ignore
		// the possible change in segment.
		target, ok := inst.BranchTarget()
		if ok && d.IsMemoryExecutable(target, 1) {
			d.xrefs.Code.AddEdge(inst.Addr, target)
			if err := d.shadow.MarkAsBasicBlockLeader(target); err != nil {
				return errors.WithStack(err)
			}
		}

	case FormIndirectMem:
		return d.analyzeFlowMemOperands(inst)

	case FormIndirectReg:
		// We can't do anything for indirect jumps with register operand.

	case FormXAbort:
		// Transactional aborts transfer control to the outermost XBEGIN
		// fallback; nothing to recover here.

	default:
		return errors.WithStack(&UnknownControlFlowError{Inst: inst})
	}
	return nil
}

// analyzeCondBranch analyzes a conditional jump instruction. The taken edge
// carries the predicate=true attribute and the fall-through edge carries
// predicate=false.
func (d *Disasm) analyzeCondBranch(inst *Inst) error {
	// Conditional jump instructions, other than XEND, have a single operand
	// which is a relative branch displacement.
	if inst.Form() != FormXEnd {
		target, ok := inst.BranchTarget()
		if ok && d.IsMemoryExecutable(target, 1) {
			d.xrefs.Code.AddEdge(inst.Addr, target)
			d.xrefs.Code.SetEdgeAttr(inst.Addr, target, "predicate", true)
			if err := d.shadow.MarkAsBasicBlockLeader(target); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	// The next instruction is also a basic block leader.
	next := inst.NextAddr()
	d.xrefs.Code.AddEdge(inst.Addr, next)
	d.xrefs.Code.SetEdgeAttr(inst.Addr, next, "predicate", false)
	return errors.WithStack(d.shadow.MarkAsBasicBlockLeader(next))
}

// analyzeFlowMemOperands analyzes the memory operands of a flow control
// instruction in search of jump table elements.
func (d *Disasm) analyzeFlowMemOperands(inst *Inst) error {
	for i, memop := range inst.MemOperands() {
		disp, ok := inst.MemDisplacement(i)
		if !ok || disp == 0 || !d.IsMemoryMapped(disp, 1) {
			continue
		}
		d.xrefs.Data.AddEdge(inst.Addr, disp)
		if err := d.walkJumpTable(inst, memop, disp); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// walkJumpTable unpacks successive pointers starting at the given memory
// displacement to discover possible jump table elements.
func (d *Disasm) walkJumpTable(inst *Inst, memop MemOperand, disp bin.Addr) error {
	for d.IsMemoryMapped(disp, 1) {
		if !d.img.ExitPoints()[disp] {
			// Analyze a possible jump table element.
			element, ok := d.jumpTableElement(disp, memop.Len)
			if !ok {
				break
			}
			d.xrefs.Code.AddEdge(inst.Addr, element)
			if err := d.shadow.MarkAsBasicBlockLeader(element); err != nil {
				return errors.WithStack(err)
			}
		} else {
			// A pointer to an imported symbol; just record the code cross
			// reference.
			d.xrefs.Code.AddEdge(inst.Addr, disp)
		}

		// Without an index register there's only one element in the table.
		if memop.Index == 0 {
			break
		}
		disp += bin.Addr(memop.Scale)
	}
	return nil
}

// jumpTableElement unpacks an element of the given length from the given
// address and attempts to determine whether it is a jump table element. The
// boolean return value reports success.
func (d *Disasm) jumpTableElement(addr bin.Addr, length int) (bin.Addr, bool) {
	// If the binary is relocatable, the element's address should have been
	// marked as relocated.
	relocatable := len(d.img.Relocations()) > 0
	if relocatable && !d.shadow.IsMarkedAsRelocated(addr) {
		return 0, false
	}
	data, ok := d.img.Read(addr, length)
	if !ok {
		return 0, false
	}

	// Memory operand lengths of indirect flow control instructions map to
	// pointer formats of the native address width.
	var element bin.Addr
	switch length {
	case 4: // 32-bit EIP
		element = bin.Addr(binary.LittleEndian.Uint32(data))
	case 6: // 48-bit pointer (CS+EIP for far branching)
		warn.Printf("discarding segment component of far pointer at %v", addr)
		element = bin.Addr(binary.LittleEndian.Uint32(data[2:]))
	case 8: // 64-bit RIP
		element = bin.Addr(binary.LittleEndian.Uint64(data))
	case 10: // 80-bit pointer (CS+RIP for far branching)
		warn.Printf("discarding segment component of far pointer at %v", addr)
		element = bin.Addr(binary.LittleEndian.Uint64(data[2:]))
	default:
		return 0, false
	}

	// If the binary is relocatable, the unpacked element should have been
	// marked as relocated leaf, and in any case it should point to an
	// executable memory address.
	if relocatable && !d.shadow.IsMarkedAsRelocatedLeaf(element) {
		return 0, false
	}
	if !d.IsMemoryExecutable(element, 1) {
		return 0, false
	}
	return element, true
}

// linearSweepProbe starts a linear sweep disassembly from the given address
// to verify that it marks the beginning of a valid code region. Unlike its
// recursive counterpart it performs no further analysis and does not update
// the cross-reference sets; it only performs sanity checks on the
// disassembled instruction stream and consults the classifier on a clean
// stop. The decoder state is always restored.
func (d *Disasm) linearSweepProbe(addr bin.Addr) bool {
	sect := d.img.SectionForRange(addr, 1)
	if sect == nil {
		return false
	}
	state := d.dec.state()
	defer d.dec.restore(state)
	d.dec.SetInput(sect.Data, sect.Start)
	d.dec.Seek(addr)

	var insts []*Inst
	for {
		inst, err := d.dec.Decode()
		if err != nil {
			if errors.Cause(err) == io.EOF {
				// Reached the end of the instruction stream without errors.
				break
			}
			return false
		}
		insts = append(insts, inst)

		// Instruction bytes should not overlap with a data region.
		if d.shadow.MarkedRun(inst.Addr, inst.Len, shadow.MarkData) > 0 {
			return false
		}

		// A direct branch displacement should point to executable memory.
		if target, ok := inst.BranchTarget(); ok && !d.IsMemoryExecutable(target, 1) {
			return false
		}

		// The instruction modifies the program counter unconditionally; we
		// don't know what lies beyond. Stop the sweep.
		switch inst.Category() {
		case CatUncondBr, CatRet:
			return d.classifier.IsCode(insts)
		}
	}
	return d.classifier.IsCode(insts)
}

// isCode attempts to guess whether the given address holds executable code
// or data. This is the holy grail of all disassemblers; for now a linear
// sweep disassembly is validated by the code/data classifier.
func (d *Disasm) isCode(addr bin.Addr) bool {
	if d.shadow.IsMarkedAsData(addr) || !d.IsMemoryExecutable(addr, 1) {
		return false
	}
	return d.linearSweepProbe(addr)
}

// ### [ Helper functions ] ####################################################

// readPointer decodes a little-endian pointer of the given width in bytes.
func readPointer(data []byte, size int) bin.Addr {
	switch size {
	case 2:
		return bin.Addr(binary.LittleEndian.Uint16(data))
	case 4:
		return bin.Addr(binary.LittleEndian.Uint32(data))
	}
	return bin.Addr(binary.LittleEndian.Uint64(data))
}
