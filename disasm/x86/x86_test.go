package x86

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/kr/pretty"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/graph"
)

// Toy image layout: one executable section at [0x1000, 0x1100) and one data
// section at [0x2000, 0x2100); entry point 0x1000.
const (
	testTextBase = bin.Addr(0x1000)
	testDataBase = bin.Addr(0x2000)
)

// newTestImage returns a toy image with the given code and data contents.
// The executable section is padded with NOP bytes.
func newTestImage(t *testing.T, text, data []byte) *bin.File {
	t.Helper()
	textBuf := make([]byte, 0x100)
	for i := range textBuf {
		textBuf[i] = 0x90 // nop
	}
	copy(textBuf, text)
	dataBuf := make([]byte, 0x100)
	copy(dataBuf, data)
	sects := []*bin.Section{
		{
			Name:  ".text",
			Start: testTextBase,
			End:   testTextBase + 0x100,
			Flags: bin.FlagLoaded | bin.FlagR | bin.FlagX,
			Data:  textBuf,
		},
		{
			Name:  ".data",
			Start: testDataBase,
			End:   testDataBase + 0x100,
			Flags: bin.FlagLoaded | bin.FlagR | bin.FlagW,
			Data:  dataBuf,
		},
	}
	f, err := bin.NewFile("i386", sects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Entries = []bin.Addr{testTextBase}
	return f
}

// put copies the given bytes into buf at the given offset.
func put(buf []byte, off int, b ...byte) {
	copy(buf[off:], b)
}

// putPointer encodes a little-endian 32-bit pointer into buf at the given
// offset.
func putPointer(buf []byte, off int, addr bin.Addr) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(addr))
}

// run disassembles the given image and fails the test on error.
func run(t *testing.T, f *bin.File) *Disasm {
	t.Helper()
	d, err := NewDisasm(f, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Disassemble(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	return d
}

// blockAddrs returns the sorted basic block start addresses of the analysis.
func blockAddrs(d *Disasm) []bin.Addr {
	var addrs bin.Addrs
	for addr := range d.BasicBlocks() {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	return addrs
}

// sortedEdges returns the sorted edges of the given graph.
func sortedEdges(g *graph.Graph) []graph.Edge {
	es := g.Edges()
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From < es[j].From
		}
		return es[i].To < es[j].To
	})
	return es
}

// wantBlocks fails the test unless the analysis recovered exactly the given
// basic block start addresses.
func wantBlocks(t *testing.T, d *Disasm, want ...bin.Addr) {
	t.Helper()
	got := blockAddrs(d)
	if diff := pretty.Diff(want, got); len(diff) > 0 && !(len(want) == 0 && len(got) == 0) {
		t.Errorf("basic block mismatch:\n%v", diff)
	}
}

// wantFuncs fails the test unless the analysis recovered exactly the given
// function entry points.
func wantFuncs(t *testing.T, d *Disasm, want ...bin.Addr) {
	t.Helper()
	got := d.Functions()
	if diff := pretty.Diff(want, got); len(diff) > 0 && !(len(want) == 0 && len(got) == 0) {
		t.Errorf("function mismatch:\n%v", diff)
	}
}

func TestStraightLine(t *testing.T) {
	// 0x1000: xor eax, eax
	// 0x1002: ret
	f := newTestImage(t, []byte{0x31, 0xC0, 0xC3}, nil)
	d := run(t, f)

	wantBlocks(t, d, 0x1000)
	wantFuncs(t, d, 0x1000)
	block := d.BasicBlocks()[0x1000]
	if block.End != 0x1003 {
		t.Errorf("expected block end 0x1003, got %v", block.End)
	}
	want := []bin.Addr{0x1000, 0x1002}
	if diff := pretty.Diff(want, block.Instructions); len(diff) > 0 {
		t.Errorf("instruction address mismatch:\n%v", diff)
	}
	if got := d.CFG().NumEdges(); got != 0 {
		t.Errorf("expected empty CFG, got %d edges", got)
	}
}

func TestConditionalBranch(t *testing.T) {
	text := make([]byte, 0x20)
	put(text, 0x00, 0x83, 0xF8, 0x00) // 0x1000: cmp eax, 0
	put(text, 0x03, 0x74, 0x0B)       // 0x1003: je 0x1010
	put(text, 0x05, 0xC3)             // 0x1005: ret
	put(text, 0x10, 0xC3)             // 0x1010: ret
	f := newTestImage(t, text, nil)
	d := run(t, f)

	wantBlocks(t, d, 0x1000, 0x1005, 0x1010)
	wantFuncs(t, d, 0x1000)

	// The taken edge carries predicate=true, the fall-through edge
	// predicate=false.
	xrefs := d.CodeXRefs()
	if v, ok := xrefs.EdgeAttr(0x1003, 0x1010, "predicate"); !ok || v != true {
		t.Errorf("expected predicate=true on taken edge, got %v (ok=%v)", v, ok)
	}
	if v, ok := xrefs.EdgeAttr(0x1003, 0x1005, "predicate"); !ok || v != false {
		t.Errorf("expected predicate=false on fall-through edge, got %v (ok=%v)", v, ok)
	}

	wantEdges := []graph.Edge{
		{From: 0x1000, To: 0x1005},
		{From: 0x1000, To: 0x1010},
	}
	if diff := pretty.Diff(wantEdges, sortedEdges(d.CFG())); len(diff) > 0 {
		t.Errorf("CFG edge mismatch:\n%v", diff)
	}
}

func TestPICCallNext(t *testing.T) {
	// 0x1000: call 0x1005 (the PIC call-next-instruction idiom)
	// 0x1005: pop ebx
	// 0x1006: ret
	f := newTestImage(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x5B, 0xC3}, nil)
	d := run(t, f)

	// The call target is neither a function nor a basic block leader; the
	// whole sequence is one basic block.
	wantFuncs(t, d, 0x1000)
	wantBlocks(t, d, 0x1000)
	if d.Shadow().IsMarkedAsBasicBlockLeader(0x1005) {
		t.Errorf("call-next target must not be a basic block leader")
	}
	block := d.BasicBlocks()[0x1000]
	want := []bin.Addr{0x1000, 0x1005, 0x1006}
	if diff := pretty.Diff(want, block.Instructions); len(diff) > 0 {
		t.Errorf("instruction address mismatch:\n%v", diff)
	}
}

func TestDirectCall(t *testing.T) {
	text := make([]byte, 0x30)
	put(text, 0x00, 0xE8, 0x1B, 0x00, 0x00, 0x00) // 0x1000: call 0x1020
	put(text, 0x05, 0xC3)                         // 0x1005: ret
	put(text, 0x20, 0x31, 0xC0)                   // 0x1020: xor eax, eax
	put(text, 0x22, 0xC3)                         // 0x1022: ret
	f := newTestImage(t, text, nil)
	d := run(t, f)

	wantFuncs(t, d, 0x1000, 0x1020)
	// A call does not terminate its basic block; the fall-through ret belongs
	// to the same block.
	wantBlocks(t, d, 0x1000, 0x1020)
	block := d.BasicBlocks()[0x1000]
	want := []bin.Addr{0x1000, 0x1005}
	if diff := pretty.Diff(want, block.Instructions); len(diff) > 0 {
		t.Errorf("instruction address mismatch:\n%v", diff)
	}

	// The callee is suppressed from the CFG and the call block ends in ret.
	if got := d.CFG().NumEdges(); got != 0 {
		t.Errorf("expected empty CFG, got %d edges", got)
	}
	if !d.CodeXRefs().HasEdge(0x1000, 0x1020) {
		t.Errorf("expected code xref (0x1000 -> 0x1020)")
	}
}

func TestJumpTable(t *testing.T) {
	text := make([]byte, 0x40)
	// 0x1000: jmp [eax*4+0x2000]
	put(text, 0x00, 0xFF, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00)
	put(text, 0x10, 0xC3) // 0x1010: ret
	put(text, 0x20, 0xC3) // 0x1020: ret
	put(text, 0x30, 0xC3) // 0x1030: ret
	data := make([]byte, 0x20)
	putPointer(data, 0x00, 0x1010)
	putPointer(data, 0x04, 0x1020)
	putPointer(data, 0x08, 0x1030)
	putPointer(data, 0x0C, 0) // terminator; fails the executable guard
	f := newTestImage(t, text, data)
	d := run(t, f)

	// Jump table elements become basic block leaders.
	wantBlocks(t, d, 0x1000, 0x1010, 0x1020, 0x1030)
	for _, addr := range []bin.Addr{0x1000, 0x1010, 0x1020, 0x1030} {
		if !d.Shadow().IsMarkedAsBasicBlockLeader(addr) {
			t.Errorf("expected basic block leader at %v", addr)
		}
	}

	// One code cross reference per recovered element; the walk stops at the
	// first pointer that fails a guard.
	wantSuccs := []bin.Addr{0x1010, 0x1020, 0x1030}
	succs := d.CodeXRefs().Successors(0x1000)
	sort.Sort(bin.Addrs(succs))
	if diff := pretty.Diff(wantSuccs, succs); len(diff) > 0 {
		t.Errorf("code xref mismatch:\n%v", diff)
	}
	if !d.DataXRefs().HasEdge(0x1000, 0x2000) {
		t.Errorf("expected data xref (0x1000 -> 0x2000)")
	}

	// Every jump table target points into an executable section.
	for _, succ := range succs {
		if !d.IsMemoryExecutable(succ, 1) {
			t.Errorf("jump table target %v outside executable memory", succ)
		}
	}

	wantEdges := []graph.Edge{
		{From: 0x1000, To: 0x1010},
		{From: 0x1000, To: 0x1020},
		{From: 0x1000, To: 0x1030},
	}
	if diff := pretty.Diff(wantEdges, sortedEdges(d.CFG())); len(diff) > 0 {
		t.Errorf("CFG edge mismatch:\n%v", diff)
	}
}

func TestIndirectCallFallthroughNotFunction(t *testing.T) {
	text := make([]byte, 0x30)
	put(text, 0x00, 0xFF, 0x15, 0x00, 0x20, 0x00, 0x00) // 0x1000: call [0x2000]
	put(text, 0x06, 0xC3)                               // 0x1006: ret
	put(text, 0x20, 0x31, 0xC0, 0xC3)                   // 0x1020: xor eax, eax; ret
	data := make([]byte, 8)
	putPointer(data, 0, 0x1020)
	f := newTestImage(t, text, data)
	d := run(t, f)

	// Only the callee recovered through the call slot is a function; the
	// fall-through successor must not be promoted.
	if !d.Shadow().IsMarkedAsFunction(0x1020) {
		t.Errorf("expected resolved callee 0x1020 marked as function")
	}
	if d.Shadow().IsMarkedAsFunction(0x1006) {
		t.Errorf("call fall-through must not be marked as function")
	}
	if !d.CodeXRefs().HasEdge(0x1000, 0x1020) || !d.CodeXRefs().HasEdge(0x1000, 0x1006) {
		t.Errorf("expected code xrefs to callee and fall-through")
	}
}

func TestJumpTableExitPoint(t *testing.T) {
	// 0x1000: jmp [0x2040]; the slot is an import thunk.
	text := []byte{0xFF, 0x25, 0x40, 0x20, 0x00, 0x00}
	f := newTestImage(t, text, nil)
	f.Exits[0x2040] = true
	d := run(t, f)

	// The thunk slot is referenced directly and no jump table walk happens.
	if !d.CodeXRefs().HasEdge(0x1000, 0x2040) {
		t.Errorf("expected code xref to import thunk slot (0x1000 -> 0x2040)")
	}
	// No intra-procedural edge into the thunk.
	if got := d.CFG().NumEdges(); got != 0 {
		t.Errorf("expected empty CFG, got %d edges", got)
	}
	if !d.Shadow().IsMarkedAsFunction(0x2040) {
		t.Errorf("expected exit point marked as function")
	}
}

func TestTailCall(t *testing.T) {
	text := make([]byte, 0x30)
	put(text, 0x00, 0xE9, 0x1B, 0x00, 0x00, 0x00) // 0x1000: jmp 0x1020
	put(text, 0x20, 0x31, 0xC0)                   // 0x1020: xor eax, eax
	put(text, 0x22, 0xC3)                         // 0x1022: ret
	f := newTestImage(t, text, nil)
	f.Funcs = []bin.Addr{0x1020}
	d := run(t, f)

	wantFuncs(t, d, 0x1000, 0x1020)
	// No intra-procedural edge from the tail call site into the callee.
	if d.CFG().HasEdge(0x1000, 0x1020) {
		t.Errorf("unexpected CFG edge into tail-called function")
	}
	if got := d.CFG().NumEdges(); got != 0 {
		t.Errorf("expected empty CFG, got %d edges", got)
	}
	if !d.CodeXRefs().HasEdge(0x1000, 0x1020) {
		t.Errorf("expected code xref (0x1000 -> 0x1020)")
	}
}

func TestClassifierRejectsNULRun(t *testing.T) {
	text := make([]byte, 0x60)
	put(text, 0x00, 0x31, 0xC0, 0xC3) // 0x1000: xor eax, eax; ret
	// 0x1050 onward: a NUL run, decoding as add [eax], al.
	for i := 0x50; i < 0x60; i++ {
		text[i] = 0x00
	}
	data := make([]byte, 8)
	putPointer(data, 0, 0x1050)
	f := newTestImage(t, text, data)
	f.Relocs[0x2000] = true
	d := run(t, f)

	// The relocated leaf points at the NUL run; the probe decodes cleanly but
	// the classifier rejects it, so no code is emitted from 0x1050.
	if !d.Shadow().IsMarkedAsRelocatedLeaf(0x1050) {
		t.Fatalf("expected relocated leaf at 0x1050")
	}
	if d.Shadow().IsMarkedAsCode(0x1050) {
		t.Errorf("expected no code mark at 0x1050")
	}
	if d.Shadow().IsMarkedAsBasicBlockLeader(0x1050) {
		t.Errorf("expected no basic block leader at 0x1050")
	}
	wantBlocks(t, d, 0x1000)
}

func TestRelocationChain(t *testing.T) {
	text := make([]byte, 0x20)
	put(text, 0x00, 0x31, 0xC0, 0xC3) // 0x1000: xor eax, eax; ret
	put(text, 0x10, 0x55, 0xC3)       // 0x1010: push ebp; ret
	data := make([]byte, 0x20)
	putPointer(data, 0x00, 0x2008) // 0x2000 -> 0x2008 (itself relocated)
	putPointer(data, 0x08, 0x1010) // 0x2008 -> 0x1010 (leaf)
	f := newTestImage(t, text, data)
	f.Relocs[0x2000] = true
	f.Relocs[0x2008] = true
	d := run(t, f)

	m := d.Shadow()
	if !m.IsMarkedAsRelocated(0x2000) || !m.IsMarkedAsRelocated(0x2008) {
		t.Errorf("expected relocated marks on chain entries")
	}
	if m.IsMarkedAsRelocatedLeaf(0x2008) {
		t.Errorf("chain-internal entry must not be a relocated leaf")
	}
	if !m.IsMarkedAsRelocatedLeaf(0x1010) {
		t.Errorf("expected relocated leaf at chain end 0x1010")
	}

	// The leaf looks like code and is unreferenced; orphan promotion makes it
	// a function.
	if !m.IsMarkedAsBasicBlockLeader(0x1010) {
		t.Errorf("expected basic block leader at 0x1010")
	}
	if !m.IsMarkedAsFunction(0x1010) {
		t.Errorf("expected orphan leader promoted to function")
	}
	wantBlocks(t, d, 0x1000, 0x1010)
}

func TestRelocatedPointerArray(t *testing.T) {
	text := make([]byte, 0x20)
	put(text, 0x00, 0x31, 0xC0, 0xC3) // 0x1000: xor eax, eax; ret
	put(text, 0x10, 0x55, 0xC3)       // 0x1010: push ebp; ret
	data := make([]byte, 0x20)
	putPointer(data, 0x10, 0x1010)
	putPointer(data, 0x14, 0x1010)
	putPointer(data, 0x18, 0x1010)
	f := newTestImage(t, text, data)
	f.Relocs[0x2010] = true
	f.Relocs[0x2014] = true
	f.Relocs[0x2018] = true
	d := run(t, f)

	// Three consecutive relocated pointers indicate an initialized pointer
	// array; the region is recovered as data.
	m := d.Shadow()
	for _, addr := range []bin.Addr{0x2010, 0x2014, 0x2018} {
		if !m.IsMarkedAsData(addr) {
			t.Errorf("expected data mark at %v", addr)
		}
	}
	if m.IsMarkedAsData(0x201C) {
		t.Errorf("expected data marking to stop at first non-relocated address")
	}
}

func TestImmediateDataXRef(t *testing.T) {
	text := make([]byte, 0x30)
	put(text, 0x00, 0xB8, 0x20, 0x10, 0x00, 0x00) // 0x1000: mov eax, 0x1020
	put(text, 0x05, 0xC3)                         // 0x1005: ret
	put(text, 0x20, 0x55)                         // 0x1020: push ebp
	put(text, 0x21, 0x89, 0xE5)                   // 0x1021: mov ebp, esp
	put(text, 0x23, 0x5D)                         // 0x1023: pop ebp
	put(text, 0x24, 0xC3)                         // 0x1024: ret
	f := newTestImage(t, text, nil)
	d := run(t, f)

	// The native-width immediate points at what looks like code in a
	// non-relocatable image; recorded as a data xref, not disassembled.
	if !d.DataXRefs().HasEdge(0x1000, 0x1020) {
		t.Errorf("expected data xref (0x1000 -> 0x1020)")
	}
	wantBlocks(t, d, 0x1000)
}

func TestMemOperandDataMarking(t *testing.T) {
	// 0x1000: mov al, [0x2080]; ret. A 1-byte memory operand cannot be a jump
	// table slot, so the referenced address is marked as data.
	f := newTestImage(t, []byte{0x8A, 0x05, 0x80, 0x20, 0x00, 0x00, 0xC3}, nil)
	d := run(t, f)

	if !d.DataXRefs().HasEdge(0x1000, 0x2080) {
		t.Errorf("expected data xref (0x1000 -> 0x2080)")
	}
	if !d.Shadow().IsMarkedAsData(0x2080) || !d.Shadow().IsMarkedAsHead(0x2080) {
		t.Errorf("expected data and head marks at 0x2080")
	}
	if !d.Shadow().IsMarkedAsAnalyzed(0x2080) {
		t.Errorf("expected analyzed mark at 0x2080")
	}
}
