package x86

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/shadow"
)

// BasicBlock is a basic block; a maximal sequence of non-branching
// instructions terminated by an explicit or implicit (fake) control flow
// instruction. The end address is the first address past the block's code
// bytes; when another basic block physically borders it, that is the
// bordering block's start address, as IDA Pro does it.
type BasicBlock struct {
	// Address of the first instruction in the basic block.
	Start bin.Addr
	// Address past the last byte of the basic block (exclusive).
	End bin.Addr
	// Instruction addresses of the basic block, in ascending order. Kept so
	// instruction boundaries can be identified without disassembling again
	// and again.
	Instructions []bin.Addr
}

// String returns the string representation of the basic block.
func (block *BasicBlock) String() string {
	return fmt.Sprintf("block_%08X [%v, %v)", uint64(block.Start), block.Start, block.End)
}

// Contains reports whether the basic block contains the given address.
func (block *BasicBlock) Contains(addr bin.Addr) bool {
	return block.Start <= addr && addr < block.End
}

// buildBasicBlocks parses the shadow memory marks and builds the basic block
// set.
func (d *Disasm) buildBasicBlocks() error {
	dbg.Println("building basic block set")
	for _, r := range d.shadow.Ranges() {
		d.buildBasicBlocksForRange(r)
	}
	return nil
}

// buildBasicBlocksForRange parses the shadow memory marks of the given
// memory range and inserts the recovered basic blocks.
func (d *Disasm) buildBasicBlocksForRange(r shadow.Range) {
	addr := r.Start
	for addr < r.End {
		// Advance to the next basic block leader.
		for addr < r.End && !d.shadow.IsMarkedAsBasicBlockLeader(addr) {
			addr++
		}
		if addr >= r.End {
			break
		}
		start := addr
		addr++

		// The basic block extends up to the next basic block leader or to the
		// end of the current code region (a data region may lie between two
		// basic block leaders). Each address marked as code and head is the
		// first byte of an instruction.
		insts := []bin.Addr{start}
		for addr < r.End && d.shadow.IsMarkedAsCode(addr) &&
			!d.shadow.IsMarkedAsBasicBlockLeader(addr) {
			if d.shadow.IsMarkedAsHead(addr) {
				insts = append(insts, addr)
			}
			addr++
		}
		d.blocks[start] = &BasicBlock{Start: start, End: addr, Instructions: insts}
	}
}

// buildCFG builds a first approximation of the program's control flow graph.
// Edges are created only for target addresses which are basic block leaders
// but not function entry points, resulting in a forest of intra-procedural
// CFGs.
func (d *Disasm) buildCFG() error {
	dbg.Println("building CFG")
	for _, block := range d.blocks {
		// Skip basic blocks that are exit points (e.g. symbols imported from
		// an external library).
		if d.img.ExitPoints()[block.Start] {
			continue
		}

		// Get the basic block's last instruction. A lookup failure indicates
		// a problem in the disassembly logic.
		addr := block.Instructions[len(block.Instructions)-1]
		inst := d.InstructionAt(addr)
		if inst == nil {
			return errors.Errorf("internal error: instruction at %v not found", addr)
		}

		if inst.WritesProgramCounter() {
			// The last instruction modifies the program counter; add CFG
			// links for all recovered target addresses. For a RET instruction
			// the target address set is empty.
			for _, succ := range d.xrefs.Code.Successors(addr) {
				if d.shadow.IsMarkedAsBasicBlockLeader(succ) &&
					!d.shadow.IsMarkedAsFunction(succ) {
					d.cfg.AddEdge(block.Start, succ)
				}
			}
		} else {
			// Execution flow continues to the basic block physically
			// bordering the current one.
			if d.shadow.IsMarkedAsBasicBlockLeader(block.End) &&
				!d.shadow.IsMarkedAsFunction(block.End) {
				d.cfg.AddEdge(block.Start, block.End)
			}
		}
	}
	return nil
}
