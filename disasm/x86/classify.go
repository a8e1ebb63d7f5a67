package x86

import "golang.org/x/arch/x86/x86asm"

// ClassifierConfig holds the tunables of the code/data classifier.
type ClassifierConfig struct {
	// Window is the maximum number of instructions examined from the start of
	// the stream.
	Window int
	// Prologue is the set of operations usually present in function prologues
	// and early bodies.
	Prologue map[x86asm.Op]bool
}

// DefaultClassifierConfig returns the default classifier configuration: a
// window of four instructions over the prologue operation set.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Window: 4,
		Prologue: map[x86asm.Op]bool{
			x86asm.CALL: true, x86asm.RET: true,
			x86asm.PUSH: true, x86asm.POP: true,
			x86asm.CMP: true, x86asm.TEST: true,
			x86asm.SETA: true, x86asm.SETAE: true, x86asm.SETB: true,
			x86asm.SETBE: true, x86asm.SETE: true, x86asm.SETG: true,
			x86asm.SETGE: true, x86asm.SETL: true, x86asm.SETLE: true,
			x86asm.SETNE: true, x86asm.SETNS: true, x86asm.SETS: true,
			x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
			x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
			x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
			x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
			x86asm.JMP: true, x86asm.LEA: true,
			x86asm.SUB: true, x86asm.AND: true, x86asm.XOR: true,
			x86asm.MOV: true, x86asm.MOVSX: true, x86asm.MOVZX: true,
			x86asm.FLD: true, x86asm.FLDZ: true, x86asm.FST: true, x86asm.FSTP: true,
		},
	}
}

// Classifier guesses whether a series of decoded instructions is code or data
// that was erroneously treated as an instruction stream. The implemented
// method is a naive heuristic checking whether the stream looks like a
// function prologue. It must never short-circuit the engine's other safety
// checks; complete code/data separation is undecidable.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier returns a new classifier with the given configuration.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// IsCode reports whether the given instructions look like valid code.
func (c *Classifier) IsCode(insts []*Inst) bool {
	n := len(insts)
	if n > c.cfg.Window {
		n = c.cfg.Window
	}
	for _, inst := range insts[:n] {
		if !c.cfg.Prologue[inst.Op] {
			return false
		}
	}
	return true
}

// IsData is the exact opposite of IsCode.
func (c *Classifier) IsData(insts []*Inst) bool {
	return !c.IsCode(insts)
}
