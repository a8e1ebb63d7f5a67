// Package shadow implements a sparse shadow memory; a per-byte bitmap
// recording what the analysis has learned about each address of a program.
// Shadow memory techniques are widely used in binary analysis schemes; for a
// good overview, see the Valgrind team's "How to Shadow Every Byte of Memory
// Used by a Program".
package shadow

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
)

// Mark is a bit set of per-address marks.
type Mark uint8

// Per-address marks.
const (
	// MarkAnalyzed indicates that the address has been analyzed.
	MarkAnalyzed Mark = 1 << iota
	// MarkCode indicates that the address holds executable code.
	MarkCode
	// MarkBasicBlockLeader indicates that the address is a basic block leader.
	MarkBasicBlockLeader
	// MarkFunction indicates that the address is a function entry point.
	MarkFunction
	// MarkData indicates that the address holds data.
	MarkData
	// MarkHead indicates that the address holds the first byte of an
	// instruction or data element.
	MarkHead
	// MarkRelocated indicates that the address holds a relocated value.
	MarkRelocated
	// MarkRelocatedLeaf indicates that the address holds the last relocated
	// value in a chain of relocations.
	MarkRelocatedLeaf
)

// Range is a half-open memory range [Start, End).
type Range struct {
	// Start address of range.
	Start bin.Addr
	// End address of range (exclusive).
	End bin.Addr
}

// AddressOutOfRangeError is returned when an address is not backed by shadow
// memory.
type AddressOutOfRangeError struct {
	// Offending address.
	Addr bin.Addr
}

// Error implements the error interface.
func (e *AddressOutOfRangeError) Error() string {
	return fmt.Sprintf("address %v not backed by shadow memory", e.Addr)
}

// Memory is a simple, sparse, 1-1 shadow memory; it maps each address of a
// set of covered memory ranges to a mark byte.
type Memory struct {
	// Covered memory ranges, merged and sorted by address.
	ranges []Range
	// One mark slice per covered range.
	marks [][]Mark
}

// New returns a new shadow memory covering the given memory ranges.
// Contiguous and overlapping ranges are merged into a minimum covering set
// before allocation.
func New(ranges []Range) *Memory {
	ranges = mergeRanges(ranges)
	marks := make([][]Mark, len(ranges))
	for i, r := range ranges {
		marks[i] = make([]Mark, r.End-r.Start)
	}
	return &Memory{ranges: ranges, marks: marks}
}

// Ranges returns the covered memory ranges, merged and sorted by address.
func (m *Memory) Ranges() []Range {
	return m.ranges
}

// RangeBytes returns the raw mark bytes of the i-th covered range.
func (m *Memory) RangeBytes(i int) []Mark {
	return m.marks[i]
}

// Contains reports whether the given address is backed by shadow memory.
func (m *Memory) Contains(addr bin.Addr) bool {
	_, _, err := m.coordinates(addr)
	return err == nil
}

// coordinates locates the range index and byte offset of the given address.
func (m *Memory) coordinates(addr bin.Addr) (int, int, error) {
	i := sort.Search(len(m.ranges), func(i int) bool {
		return addr < m.ranges[i].End
	})
	if i < len(m.ranges) && m.ranges[i].Start <= addr {
		return i, int(addr - m.ranges[i].Start), nil
	}
	return 0, 0, errors.WithStack(&AddressOutOfRangeError{Addr: addr})
}

// Mark sets the given mark bits on the byte at addr.
func (m *Memory) Mark(addr bin.Addr, mark Mark) error {
	i, j, err := m.coordinates(addr)
	if err != nil {
		return err
	}
	m.marks[i][j] |= mark
	return nil
}

// Unmark clears the given mark bits on the byte at addr.
func (m *Memory) Unmark(addr bin.Addr, mark Mark) error {
	i, j, err := m.coordinates(addr)
	if err != nil {
		return err
	}
	m.marks[i][j] &^= mark
	return nil
}

// IsMarked reports whether the byte at addr carries all of the given mark
// bits. Addresses not backed by shadow memory report false.
func (m *Memory) IsMarked(addr bin.Addr, mark Mark) bool {
	i, j, err := m.coordinates(addr)
	if err != nil {
		return false
	}
	return m.marks[i][j]&mark == mark
}

// MarkRange sets the given mark bits on n bytes starting at addr. Marking is
// clamped to the end of the covered range containing addr.
func (m *Memory) MarkRange(addr bin.Addr, n int, mark Mark) error {
	if n < 1 {
		return nil
	}
	i, j, err := m.coordinates(addr)
	if err != nil {
		return err
	}
	marks := m.marks[i]
	for limit := min(j+n, len(marks)); j < limit; j++ {
		marks[j] |= mark
	}
	return nil
}

// UnmarkRange clears the given mark bits on n bytes starting at addr.
// Unmarking is clamped to the end of the covered range containing addr.
func (m *Memory) UnmarkRange(addr bin.Addr, n int, mark Mark) error {
	if n < 1 {
		return nil
	}
	i, j, err := m.coordinates(addr)
	if err != nil {
		return err
	}
	marks := m.marks[i]
	for limit := min(j+n, len(marks)); j < limit; j++ {
		marks[j] &^= mark
	}
	return nil
}

// MarkedRun returns the number of leading bytes of the n-byte range starting
// at addr which all carry the given mark bits, stopping at the first byte
// that does not. Addresses not backed by shadow memory report 0.
func (m *Memory) MarkedRun(addr bin.Addr, n int, mark Mark) int {
	i, j, err := m.coordinates(addr)
	if err != nil {
		return 0
	}
	marks := m.marks[i]
	run := 0
	for limit := min(j+n, len(marks)); j < limit && marks[j]&mark == mark; j++ {
		run++
	}
	return run
}

// ### [ Semantic helpers ] ####################################################

// MarkAsAnalyzed marks the n-byte address range starting at addr as analyzed.
func (m *Memory) MarkAsAnalyzed(addr bin.Addr, n int) error {
	return m.MarkRange(addr, n, MarkAnalyzed)
}

// MarkAsCode marks the n-byte address range starting at addr as a code
// region. The first byte is also marked as head.
func (m *Memory) MarkAsCode(addr bin.Addr, n int) error {
	if err := m.Mark(addr, MarkHead|MarkCode); err != nil {
		return err
	}
	return m.MarkRange(addr+1, n-1, MarkCode)
}

// MarkAsData marks the n-byte address range starting at addr as a data
// region. The first byte is also marked as head.
func (m *Memory) MarkAsData(addr bin.Addr, n int) error {
	if err := m.Mark(addr, MarkHead|MarkData); err != nil {
		return err
	}
	return m.MarkRange(addr+1, n-1, MarkData)
}

// MarkAsBasicBlockLeader marks addr as a basic block leader.
func (m *Memory) MarkAsBasicBlockLeader(addr bin.Addr) error {
	return m.Mark(addr, MarkHead|MarkCode|MarkBasicBlockLeader)
}

// MarkAsFunction marks addr as a function entry point.
func (m *Memory) MarkAsFunction(addr bin.Addr) error {
	return m.Mark(addr, MarkHead|MarkCode|MarkBasicBlockLeader|MarkFunction)
}

// MarkAsHead marks addr as head.
func (m *Memory) MarkAsHead(addr bin.Addr) error {
	return m.Mark(addr, MarkHead)
}

// MarkAsRelocated marks addr to indicate that it holds a relocated value.
func (m *Memory) MarkAsRelocated(addr bin.Addr) error {
	return m.Mark(addr, MarkRelocated)
}

// MarkAsRelocatedLeaf marks addr to indicate that it holds a relocated leaf
// value (a value which is not further relocated).
func (m *Memory) MarkAsRelocatedLeaf(addr bin.Addr) error {
	return m.Mark(addr, MarkRelocatedLeaf)
}

// UnmarkAsAnalyzed unmarks the n-byte address range starting at addr as
// analyzed.
func (m *Memory) UnmarkAsAnalyzed(addr bin.Addr, n int) error {
	return m.UnmarkRange(addr, n, MarkAnalyzed)
}

// UnmarkAsCode unmarks the n-byte address range starting at addr as a code
// region. The first byte's head mark is also removed.
func (m *Memory) UnmarkAsCode(addr bin.Addr, n int) error {
	if err := m.Unmark(addr, MarkHead|MarkCode); err != nil {
		return err
	}
	return m.UnmarkRange(addr+1, n-1, MarkCode)
}

// UnmarkAsData unmarks the n-byte address range starting at addr as a data
// region. The first byte's head mark is also removed.
func (m *Memory) UnmarkAsData(addr bin.Addr, n int) error {
	if err := m.Unmark(addr, MarkHead|MarkData); err != nil {
		return err
	}
	return m.UnmarkRange(addr+1, n-1, MarkData)
}

// UnmarkAsBasicBlockLeader unmarks addr as a basic block leader.
func (m *Memory) UnmarkAsBasicBlockLeader(addr bin.Addr) error {
	return m.Unmark(addr, MarkBasicBlockLeader)
}

// UnmarkAsFunction unmarks addr as a function entry point.
func (m *Memory) UnmarkAsFunction(addr bin.Addr) error {
	return m.Unmark(addr, MarkFunction)
}

// UnmarkAsHead unmarks addr as head.
func (m *Memory) UnmarkAsHead(addr bin.Addr) error {
	return m.Unmark(addr, MarkHead)
}

// UnmarkAsRelocated unmarks addr as relocated.
func (m *Memory) UnmarkAsRelocated(addr bin.Addr) error {
	return m.Unmark(addr, MarkRelocated)
}

// UnmarkAsRelocatedLeaf unmarks addr as relocated leaf.
func (m *Memory) UnmarkAsRelocatedLeaf(addr bin.Addr) error {
	return m.Unmark(addr, MarkRelocatedLeaf)
}

// IsMarkedAsAnalyzed reports whether addr is marked as analyzed.
func (m *Memory) IsMarkedAsAnalyzed(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkAnalyzed)
}

// IsMarkedAsCode reports whether addr is marked as code.
func (m *Memory) IsMarkedAsCode(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkCode)
}

// IsMarkedAsData reports whether addr is marked as data.
func (m *Memory) IsMarkedAsData(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkData)
}

// IsMarkedAsBasicBlockLeader reports whether addr is marked as a basic block
// leader.
func (m *Memory) IsMarkedAsBasicBlockLeader(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkBasicBlockLeader)
}

// IsMarkedAsFunction reports whether addr is marked as a function entry
// point.
func (m *Memory) IsMarkedAsFunction(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkFunction)
}

// IsMarkedAsHead reports whether addr is marked as head.
func (m *Memory) IsMarkedAsHead(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkHead)
}

// IsMarkedAsRelocated reports whether addr is marked as relocated.
func (m *Memory) IsMarkedAsRelocated(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkRelocated)
}

// IsMarkedAsRelocatedLeaf reports whether addr is marked as relocated leaf.
func (m *Memory) IsMarkedAsRelocatedLeaf(addr bin.Addr) bool {
	return m.IsMarked(addr, MarkRelocatedLeaf)
}

// ### [ Helper functions ] ####################################################

// mergeRanges merges contiguous and overlapping memory ranges into a minimum
// covering set, sorted by address.
func mergeRanges(ranges []Range) []Range {
	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	var merged []Range
	for _, r := range sorted {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// min returns the smaller of x and y.
func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
