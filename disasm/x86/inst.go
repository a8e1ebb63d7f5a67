package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"github.com/xda-re/xda/bin"
)

// Category is a coarse instruction classification, used to dispatch control
// flow analysis.
type Category int

// Instruction categories.
const (
	// CatNormal is an instruction that does not modify the program counter.
	CatNormal Category = iota
	// CatCall is a procedure call.
	CatCall
	// CatCondBr is a conditional branch.
	CatCondBr
	// CatUncondBr is an unconditional branch.
	CatUncondBr
	// CatRet is a procedure return.
	CatRet
	// CatInt is a software interrupt.
	CatInt
	// CatSyscall is a fast system call.
	CatSyscall
	// CatSysret is a fast system call return.
	CatSysret
)

// Form is the operand form of a flow control instruction.
type Form int

// Flow control instruction forms.
const (
	// FormUnknown is an unrecognized operand form.
	FormUnknown Form = iota
	// FormDirectRel is a direct transfer with relative branch displacement.
	FormDirectRel
	// FormIndirectMem is an indirect transfer through a memory operand.
	FormIndirectMem
	// FormIndirectReg is an indirect transfer through a register operand.
	FormIndirectReg
	// FormFarDirect is a direct far transfer with pointer operand.
	FormFarDirect
	// FormXAbort is a transactional abort.
	FormXAbort
	// FormXEnd is a transactional end.
	FormXEnd
)

// MemOperand describes a memory operand of an instruction.
type MemOperand struct {
	// Segment register, or 0.
	Seg x86asm.Reg
	// Base register, or 0.
	Base x86asm.Reg
	// Index register, or 0.
	Index x86asm.Reg
	// Index scale factor.
	Scale uint8
	// Raw memory displacement.
	Disp int64
	// Length of the referenced memory in bytes.
	Len int
}

// Inst is a decoded x86 instruction enriched with derived queries. It embeds
// the raw x86asm instruction and forwards to it.
type Inst struct {
	// Instruction.
	x86asm.Inst
	// Address of instruction.
	Addr bin.Addr
	// CPU that decoded the instruction.
	cpu *CPU
}

// String returns the string representation of the instruction.
func (inst *Inst) String() string {
	return fmt.Sprintf("%v: %v", inst.Addr, inst.Inst)
}

// NextAddr returns the address of the instruction immediately following the
// current one.
func (inst *Inst) NextAddr() bin.Addr {
	return inst.Addr + bin.Addr(inst.Len)
}

// Category returns the category of the instruction.
func (inst *Inst) Category() Category {
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		return CatCall
	case x86asm.JMP, x86asm.LJMP, x86asm.XABORT:
		return CatUncondBr
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.XBEGIN,
		x86asm.XEND:
		return CatCondBr
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return CatRet
	case x86asm.INT, x86asm.INTO:
		return CatInt
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return CatSyscall
	case x86asm.SYSRET, x86asm.SYSEXIT:
		return CatSysret
	}
	return CatNormal
}

// IsFar reports whether the instruction is a far control transfer.
func (inst *Inst) IsFar() bool {
	switch inst.Op {
	case x86asm.LCALL, x86asm.LJMP, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	}
	return false
}

// Form returns the operand form of a flow control instruction.
func (inst *Inst) Form() Form {
	switch inst.Op {
	case x86asm.XABORT:
		return FormXAbort
	case x86asm.XEND:
		return FormXEnd
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch arg.(type) {
		case x86asm.Rel:
			return FormDirectRel
		case x86asm.Mem:
			return FormIndirectMem
		case x86asm.Reg:
			return FormIndirectReg
		case x86asm.Imm:
			if inst.IsFar() {
				return FormFarDirect
			}
			return FormUnknown
		}
	}
	// XEND-like forms aside, a flow control instruction without operands has
	// no recognized form.
	return FormUnknown
}

// BranchTarget returns the absolute branch target of a direct transfer
// instruction. Relative displacements are sign-extended from 32 bits and
// added to the next instruction's address; far direct targets use the raw
// offset component of the pointer operand and discard the segment. The
// boolean return value reports whether the instruction carries a direct
// branch target.
func (inst *Inst) BranchTarget() (bin.Addr, bool) {
	if inst.IsFar() {
		// The offset component trails the segment selector in the argument
		// list.
		target := bin.Addr(0)
		ok := false
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if imm, isImm := arg.(x86asm.Imm); isImm {
				target = bin.Addr(uint64(imm)) & bin.Addr(inst.cpu.Mask())
				ok = true
			}
		}
		return target, ok
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if rel, isRel := arg.(x86asm.Rel); isRel {
			// Branch displacements are 32-bit values even in long mode.
			target := uint64(int64(inst.NextAddr()) + int64(int32(rel)))
			return bin.Addr(target & inst.cpu.Mask()), true
		}
	}
	return 0, false
}

// MemOperands returns the memory operands of the instruction.
func (inst *Inst) MemOperands() []MemOperand {
	var memops []MemOperand
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		memops = append(memops, MemOperand{
			Seg:   mem.Segment,
			Base:  mem.Base,
			Index: mem.Index,
			Scale: mem.Scale,
			Disp:  mem.Disp,
			Len:   inst.MemBytes,
		})
	}
	return memops
}

// ReadMemOperands returns the memory operands read by the instruction.
func (inst *Inst) ReadMemOperands() []MemOperand {
	if inst.writesFirstOperand() && !inst.readsFirstOperand() && inst.firstOperandIsMem() {
		return inst.MemOperands()[1:]
	}
	return inst.MemOperands()
}

// WrittenMemOperands returns the memory operands written by the instruction.
func (inst *Inst) WrittenMemOperands() []MemOperand {
	if inst.writesFirstOperand() && inst.firstOperandIsMem() {
		return inst.MemOperands()[:1]
	}
	return nil
}

// MemDisplacement returns the absolute memory displacement of the i-th
// memory operand of the instruction. The boolean return value reports
// whether the displacement is computable: a program counter base adds the
// next instruction's address to the raw displacement, any other base
// register makes the displacement undefined, and so does an SS, FS or GS
// segment override.
func (inst *Inst) MemDisplacement(i int) (bin.Addr, bool) {
	memops := inst.MemOperands()
	if i < 0 || i >= len(memops) {
		return 0, false
	}
	m := memops[i]
	switch m.Seg {
	case x86asm.SS, x86asm.FS, x86asm.GS:
		return 0, false
	}
	disp := m.Disp
	switch m.Base {
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		disp += int64(inst.NextAddr())
	case 0:
		// Absolute displacement.
	default:
		return 0, false
	}
	return bin.Addr(uint64(disp) & inst.cpu.Mask()), true
}

// NativeImmediate returns the unsigned immediate of the instruction when its
// width equals the CPU's native address width. The boolean return value
// reports whether such an immediate is present. x86asm does not report
// immediate encoding widths; the operand data size stands in for it, byte
// operations (8-bit register or 1-byte memory operand) are excluded, and in
// 64-bit mode only MOV carries a full-width immediate.
func (inst *Inst) NativeImmediate() (bin.Addr, bool) {
	if inst.DataSize != inst.cpu.Width() {
		return 0, false
	}
	if inst.cpu.Mode() == Mode64 && inst.Op != x86asm.MOV {
		return 0, false
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch arg := arg.(type) {
		case x86asm.Reg:
			if arg >= x86asm.AL && arg <= x86asm.R15B {
				return 0, false
			}
		case x86asm.Mem:
			if inst.MemBytes == 1 {
				return 0, false
			}
		}
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if imm, ok := arg.(x86asm.Imm); ok {
			return bin.Addr(uint64(imm) & inst.cpu.Mask()), true
		}
	}
	return 0, false
}

// ReadRegisters returns the set of registers read by the instruction's
// explicit operands.
func (inst *Inst) ReadRegisters() map[x86asm.Reg]bool {
	regs := make(map[x86asm.Reg]bool)
	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		reg, ok := arg.(x86asm.Reg)
		if !ok {
			continue
		}
		if i == 0 && inst.writesFirstOperand() && !inst.readsFirstOperand() {
			continue
		}
		regs[reg] = true
	}
	return regs
}

// WrittenRegisters returns the set of registers written by the instruction,
// including the program counter for flow control instructions and the stack
// pointer for stack operations. x86asm exposes no per-operand access
// information, so explicit operand access is derived from the operation.
func (inst *Inst) WrittenRegisters() map[x86asm.Reg]bool {
	regs := make(map[x86asm.Reg]bool)
	if inst.Category() != CatNormal {
		regs[inst.cpu.ProgramCounter()] = true
	}
	switch inst.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.PUSHA, x86asm.POPA, x86asm.PUSHF,
		x86asm.POPF, x86asm.CALL, x86asm.LCALL, x86asm.RET, x86asm.LRET,
		x86asm.ENTER, x86asm.LEAVE:
		regs[inst.cpu.StackPointer()] = true
	}
	if inst.Op == x86asm.XCHG {
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if reg, ok := arg.(x86asm.Reg); ok {
				regs[reg] = true
			}
		}
		return regs
	}
	if inst.writesFirstOperand() {
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			regs[reg] = true
		}
	}
	return regs
}

// WritesProgramCounter reports whether the instruction modifies the program
// counter.
func (inst *Inst) WritesProgramCounter() bool {
	return inst.WrittenRegisters()[inst.cpu.ProgramCounter()]
}

// ### [ Helper functions ] ####################################################

// firstOperandWritten lists operations that write their first explicit
// operand.
var firstOperandWritten = map[x86asm.Op]bool{
	x86asm.ADC: true, x86asm.ADD: true, x86asm.AND: true, x86asm.BSWAP: true,
	x86asm.DEC: true, x86asm.IMUL: true, x86asm.INC: true, x86asm.LEA: true,
	x86asm.MOV: true, x86asm.MOVSX: true, x86asm.MOVZX: true, x86asm.NEG: true,
	x86asm.NOT: true, x86asm.OR: true, x86asm.POP: true, x86asm.RCL: true,
	x86asm.RCR: true, x86asm.ROL: true, x86asm.ROR: true, x86asm.SAR: true,
	x86asm.SBB: true, x86asm.SHL: true, x86asm.SHR: true, x86asm.SUB: true,
	x86asm.XADD: true, x86asm.XCHG: true, x86asm.XOR: true,
	x86asm.SETA: true, x86asm.SETAE: true, x86asm.SETB: true, x86asm.SETBE: true,
	x86asm.SETE: true, x86asm.SETG: true, x86asm.SETGE: true, x86asm.SETL: true,
	x86asm.SETLE: true, x86asm.SETNE: true, x86asm.SETNO: true, x86asm.SETNP: true,
	x86asm.SETNS: true, x86asm.SETO: true, x86asm.SETP: true, x86asm.SETS: true,
}

// firstOperandWriteOnly lists operations whose first explicit operand is
// written without being read.
var firstOperandWriteOnly = map[x86asm.Op]bool{
	x86asm.LEA: true, x86asm.MOV: true, x86asm.MOVSX: true, x86asm.MOVZX: true,
	x86asm.POP: true,
	x86asm.SETA: true, x86asm.SETAE: true, x86asm.SETB: true, x86asm.SETBE: true,
	x86asm.SETE: true, x86asm.SETG: true, x86asm.SETGE: true, x86asm.SETL: true,
	x86asm.SETLE: true, x86asm.SETNE: true, x86asm.SETNO: true, x86asm.SETNP: true,
	x86asm.SETNS: true, x86asm.SETO: true, x86asm.SETP: true, x86asm.SETS: true,
}

// writesFirstOperand reports whether the instruction writes its first
// explicit operand.
func (inst *Inst) writesFirstOperand() bool {
	return firstOperandWritten[inst.Op]
}

// readsFirstOperand reports whether the instruction reads its first explicit
// operand.
func (inst *Inst) readsFirstOperand() bool {
	return !firstOperandWriteOnly[inst.Op]
}

// firstOperandIsMem reports whether the first explicit operand of the
// instruction is a memory operand.
func (inst *Inst) firstOperandIsMem() bool {
	if inst.Args[0] == nil {
		return false
	}
	_, ok := inst.Args[0].(x86asm.Mem)
	return ok
}
