package x86

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode is an x86 execution mode.
type Mode int

// Execution modes.
const (
	// ModeReal is 16-bit real mode.
	ModeReal Mode = 16
	// Mode32 is 32-bit protected mode.
	Mode32 Mode = 32
	// Mode64 is 64-bit long mode.
	Mode64 Mode = 64
)

// CPU represents an IA-32 or AMD64 CPU. It is a pure lookup table over the
// mode-dependent register sets and the native address width.
type CPU struct {
	// Execution mode of the CPU.
	mode Mode
}

// NewCPU returns a new CPU running in the given execution mode.
func NewCPU(mode Mode) *CPU {
	return &CPU{mode: mode}
}

// CPUForArch returns the CPU corresponding to the given image architecture.
func CPUForArch(arch string) (*CPU, error) {
	switch arch {
	case "i386":
		return NewCPU(Mode32), nil
	case "x86_64":
		return NewCPU(Mode64), nil
	}
	return nil, errors.Errorf("support for machine architecture %q not yet implemented", arch)
}

// String returns the string representation of the CPU.
func (cpu *CPU) String() string {
	return fmt.Sprintf("<CPU %d-bit>", cpu.mode)
}

// Mode returns the execution mode of the CPU.
func (cpu *CPU) Mode() Mode {
	return cpu.mode
}

// Width returns the native address width of the CPU in bits.
func (cpu *CPU) Width() int {
	return int(cpu.mode)
}

// Mask returns the native address mask of the CPU.
func (cpu *CPU) Mask() uint64 {
	switch cpu.mode {
	case ModeReal:
		return 0xFFFF
	case Mode32:
		return 0xFFFFFFFF
	}
	return 0xFFFFFFFFFFFFFFFF
}

// ProgramCounter returns the program counter register of the CPU.
func (cpu *CPU) ProgramCounter() x86asm.Reg {
	switch cpu.mode {
	case ModeReal:
		return x86asm.IP
	case Mode32:
		return x86asm.EIP
	}
	return x86asm.RIP
}

// StackPointer returns the stack pointer register of the CPU.
func (cpu *CPU) StackPointer() x86asm.Reg {
	switch cpu.mode {
	case ModeReal:
		return x86asm.SP
	case Mode32:
		return x86asm.ESP
	}
	return x86asm.RSP
}

// SegmentRegisters returns the set of segment registers of the CPU.
func (cpu *CPU) SegmentRegisters() map[x86asm.Reg]bool {
	regs := map[x86asm.Reg]bool{
		x86asm.CS: true,
		x86asm.DS: true,
		x86asm.ES: true,
		x86asm.SS: true,
	}
	if cpu.mode != ModeReal {
		regs[x86asm.FS] = true
		regs[x86asm.GS] = true
	}
	return regs
}

// GeneralPurposeRegisters returns the set of general purpose registers of the
// CPU, appropriate to its execution mode.
func (cpu *CPU) GeneralPurposeRegisters() map[x86asm.Reg]bool {
	regs := make(map[x86asm.Reg]bool)
	// 8- and 16-bit registers, common to all modes.
	for reg := x86asm.AL; reg <= x86asm.BH; reg++ {
		regs[reg] = true
	}
	for reg := x86asm.AX; reg <= x86asm.DI; reg++ {
		regs[reg] = true
	}
	if cpu.mode == ModeReal {
		return regs
	}
	for reg := x86asm.EAX; reg <= x86asm.EDI; reg++ {
		regs[reg] = true
	}
	if cpu.mode == Mode32 {
		return regs
	}
	for reg := x86asm.R8B; reg <= x86asm.R15B; reg++ {
		regs[reg] = true
	}
	for reg := x86asm.R8W; reg <= x86asm.R15W; reg++ {
		regs[reg] = true
	}
	for reg := x86asm.R8L; reg <= x86asm.R15L; reg++ {
		regs[reg] = true
	}
	for reg := x86asm.RAX; reg <= x86asm.R15; reg++ {
		regs[reg] = true
	}
	return regs
}
