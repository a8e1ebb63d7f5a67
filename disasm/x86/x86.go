// Package x86 implements a disassembler for the x86 and x86_64 architectures.
//
// The disassembler recovers the program structure of a pre-parsed binary
// executable: the set of decoded instructions, a partition of the instruction
// address space into basic blocks, the set of function entry points, and an
// intra-procedural control flow graph. Separation of concern is handled
// through reliance on the image provider, which exposes sections, entry
// points, declared functions and relocation records.
package x86

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/graph"
	"github.com/xda-re/xda/shadow"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput redirects the debug log output of the package, e.g. to
// ioutil.Discard for quiet operation.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// UnknownControlFlowError is a fatal analysis error; a decoded control
// transfer instruction has an operand form the dispatch table does not
// cover.
type UnknownControlFlowError struct {
	// Offending instruction.
	Inst *Inst
}

// Error implements the error interface.
func (e *UnknownControlFlowError) Error() string {
	return fmt.Sprintf("unknown control flow instruction form %q", e.Inst)
}

// Options configure a disassembler.
type Options struct {
	// Classifier configuration; zero value means DefaultClassifierConfig.
	Classifier ClassifierConfig
	// Funcs are extra function seed addresses, analyzed alongside the image's
	// declared functions.
	Funcs []bin.Addr
}

// Disasm is a disassembler for a single binary executable. All stores are
// created empty at construction, mutated only during Disassemble, and
// thereafter read-only.
type Disasm struct {
	// Image provider of the executable being analyzed.
	img bin.Image
	// CPU of the target executable.
	cpu *CPU
	// Instruction decoder.
	dec *Decoder
	// Shadow memory mapping program addresses to marks.
	shadow *shadow.Memory
	// Code and data cross references.
	xrefs *XRefs
	// Maps basic block start addresses to basic blocks.
	blocks map[bin.Addr]*BasicBlock
	// Intra-procedural control flow graph on basic block start addresses.
	cfg *graph.Graph
	// Code/data classifier.
	classifier *Classifier
	// Extra function seed addresses.
	funcs []bin.Addr
}

// NewDisasm returns a new disassembler for the given binary executable
// image. opts may be nil.
func NewDisasm(img bin.Image, opts *Options) (*Disasm, error) {
	if opts == nil {
		opts = &Options{}
	}
	cpu, err := CPUForArch(img.Arch())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg := opts.Classifier
	if cfg.Window == 0 && cfg.Prologue == nil {
		cfg = DefaultClassifierConfig()
	}
	var ranges []shadow.Range
	for _, sect := range img.Sections() {
		ranges = append(ranges, shadow.Range{Start: sect.Start, End: sect.End})
	}
	d := &Disasm{
		img:        img,
		cpu:        cpu,
		dec:        NewDecoder(cpu),
		shadow:     shadow.New(ranges),
		xrefs:      NewXRefs(),
		blocks:     make(map[bin.Addr]*BasicBlock),
		cfg:        graph.New(),
		classifier: NewClassifier(cfg),
		funcs:      opts.Funcs,
	}
	return d, nil
}

// String returns the string representation of the disassembler.
func (d *Disasm) String() string {
	return fmt.Sprintf("<Disasm %v %s>", d.cpu, d.img.Arch())
}

// Disassemble analyzes the binary executable. It runs the relocation pass,
// recursive disassembly from the entry point, declared function and
// relocated leaf seeds, a deferred fixed-point loop, orphan promotion, and
// finally builds the basic block set and the control flow graph.
func (d *Disasm) Disassemble() error {
	dbg.Println("beginning early analysis")
	if err := d.analyzeRelocations(); err != nil {
		return errors.WithStack(err)
	}

	dbg.Println("beginning disassembly")
	if err := d.disassembleEntryPoints(); err != nil {
		return errors.WithStack(err)
	}
	if err := d.disassembleFunctions(); err != nil {
		return errors.WithStack(err)
	}
	if err := d.disassembleRelocated(); err != nil {
		return errors.WithStack(err)
	}
	if err := d.disassembleDeferred(); err != nil {
		return errors.WithStack(err)
	}
	if err := d.disassembleOrphans(); err != nil {
		return errors.WithStack(err)
	}

	dbg.Println("building program structure")
	if err := d.buildBasicBlocks(); err != nil {
		return errors.WithStack(err)
	}
	if err := d.buildCFG(); err != nil {
		return errors.WithStack(err)
	}

	dbg.Println("disassembly completed")
	return nil
}

// Close releases the resources of the disassembler. Close is idempotent.
func (d *Disasm) Close() error {
	return nil
}

// CPU returns the CPU of the target executable.
func (d *Disasm) CPU() *CPU {
	return d.cpu
}

// Shadow returns the shadow memory of the analysis.
func (d *Disasm) Shadow() *shadow.Memory {
	return d.shadow
}

// CodeXRefs returns the code cross-reference graph of the analysis.
func (d *Disasm) CodeXRefs() *graph.Graph {
	return d.xrefs.Code
}

// DataXRefs returns the data cross-reference graph of the analysis.
func (d *Disasm) DataXRefs() *graph.Graph {
	return d.xrefs.Data
}

// CFG returns the intra-procedural control flow graph of the analysis; a
// directed graph on basic block start addresses.
func (d *Disasm) CFG() *graph.Graph {
	return d.cfg
}

// BasicBlocks returns the basic blocks of the analysis, keyed by start
// address.
func (d *Disasm) BasicBlocks() map[bin.Addr]*BasicBlock {
	return d.blocks
}

// Functions returns the function entry point addresses recovered by the
// analysis, in ascending order.
func (d *Disasm) Functions() []bin.Addr {
	var funcs bin.Addrs
	for _, r := range d.shadow.Ranges() {
		for addr := r.Start; addr < r.End; addr++ {
			if d.shadow.IsMarkedAsFunction(addr) {
				funcs = append(funcs, addr)
			}
		}
	}
	sort.Sort(funcs)
	return funcs
}
