package shadow

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
)

func TestMergeRanges(t *testing.T) {
	golden := []struct {
		name string
		in   []Range
		want []Range
	}{
		{
			name: "disjoint",
			in:   []Range{{0x2000, 0x2100}, {0x1000, 0x1100}},
			want: []Range{{0x1000, 0x1100}, {0x2000, 0x2100}},
		},
		{
			name: "contiguous",
			in:   []Range{{0x1000, 0x1100}, {0x1100, 0x1200}},
			want: []Range{{0x1000, 0x1200}},
		},
		{
			name: "overlapping",
			in:   []Range{{0x1000, 0x1180}, {0x1100, 0x1200}, {0x1040, 0x1080}},
			want: []Range{{0x1000, 0x1200}},
		},
		{
			name: "empty dropped",
			in:   []Range{{0x1000, 0x1000}, {0x2000, 0x2010}},
			want: []Range{{0x2000, 0x2010}},
		},
	}
	for _, g := range golden {
		m := New(g.in)
		got := m.Ranges()
		if len(got) != len(g.want) {
			t.Errorf("%s: expected ranges %v, got %v", g.name, g.want, got)
			continue
		}
		for i := range g.want {
			if got[i] != g.want[i] {
				t.Errorf("%s: expected ranges %v, got %v", g.name, g.want, got)
				break
			}
		}
	}
}

func TestMarkUnmark(t *testing.T) {
	m := New([]Range{{0x1000, 0x1100}})
	if m.IsMarked(0x1000, MarkAnalyzed) {
		t.Errorf("fresh shadow memory should carry no marks")
	}
	if err := m.Mark(0x1000, MarkAnalyzed|MarkCode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarked(0x1000, MarkAnalyzed) || !m.IsMarked(0x1000, MarkCode) {
		t.Errorf("expected analyzed and code marks at 0x1000")
	}
	if m.IsMarked(0x1000, MarkAnalyzed|MarkData) {
		t.Errorf("IsMarked should require all given bits")
	}
	if err := m.Unmark(0x1000, MarkCode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.IsMarked(0x1000, MarkCode) {
		t.Errorf("expected code mark cleared at 0x1000")
	}
	if !m.IsMarked(0x1000, MarkAnalyzed) {
		t.Errorf("unmark should not clear unrelated bits")
	}
}

func TestMarkOutOfRange(t *testing.T) {
	m := New([]Range{{0x1000, 0x1100}})
	err := m.Mark(0x2000, MarkAnalyzed)
	if err == nil {
		t.Fatalf("expected error for address outside shadow memory")
	}
	if _, ok := errors.Cause(err).(*AddressOutOfRangeError); !ok {
		t.Errorf("expected AddressOutOfRangeError, got %T", errors.Cause(err))
	}
	if m.IsMarked(0x2000, MarkAnalyzed) {
		t.Errorf("IsMarked outside shadow memory should report false")
	}
	if m.Contains(0x2000) {
		t.Errorf("Contains(0x2000) should report false")
	}
	if !m.Contains(0x10FF) {
		t.Errorf("Contains(0x10FF) should report true")
	}
}

func TestMarkedRun(t *testing.T) {
	m := New([]Range{{0x1000, 0x1100}})
	if err := m.MarkRange(0x1000, 4, MarkCode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.MarkedRun(0x1000, 8, MarkCode); got != 4 {
		t.Errorf("expected run of 4, got %d", got)
	}
	if got := m.MarkedRun(0x1002, 8, MarkCode); got != 2 {
		t.Errorf("expected run of 2, got %d", got)
	}
	if got := m.MarkedRun(0x1004, 8, MarkCode); got != 0 {
		t.Errorf("expected run of 0, got %d", got)
	}
	// Runs are clamped to the end of the covered range.
	if err := m.MarkRange(0x10FE, 8, MarkData); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.MarkedRun(0x10FE, 8, MarkData); got != 2 {
		t.Errorf("expected clamped run of 2, got %d", got)
	}
}

func TestSemanticHelpers(t *testing.T) {
	m := New([]Range{{0x1000, 0x1100}})

	// mark_as_code sets head on the first byte only.
	if err := m.MarkAsCode(0x1000, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarkedAsHead(0x1000) {
		t.Errorf("expected head mark on first instruction byte")
	}
	if m.IsMarkedAsHead(0x1001) || m.IsMarkedAsHead(0x1002) {
		t.Errorf("expected no head mark on instruction tail")
	}
	if m.MarkedRun(0x1000, 3, MarkCode) != 3 {
		t.Errorf("expected code mark on all instruction bytes")
	}

	// Basic block leaders imply head and code; functions imply leaders.
	if err := m.MarkAsBasicBlockLeader(0x1010); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarkedAsHead(0x1010) || !m.IsMarkedAsCode(0x1010) || !m.IsMarkedAsBasicBlockLeader(0x1010) {
		t.Errorf("basic block leader should imply head and code")
	}
	if err := m.MarkAsFunction(0x1020); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarkedAsBasicBlockLeader(0x1020) || !m.IsMarkedAsFunction(0x1020) {
		t.Errorf("function should imply basic block leader")
	}

	// Data marking mirrors code marking.
	if err := m.MarkAsData(0x1080, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarkedAsHead(0x1080) || m.IsMarkedAsHead(0x1081) {
		t.Errorf("expected head mark on first data byte only")
	}
	if m.MarkedRun(0x1081, 3, MarkData) != 3 {
		t.Errorf("expected data mark on data element tail")
	}

	// Relocation marks.
	if err := m.MarkAsRelocated(0x1090); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkAsRelocatedLeaf(0x1094); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsMarkedAsRelocated(0x1090) || !m.IsMarkedAsRelocatedLeaf(0x1094) {
		t.Errorf("expected relocation marks")
	}

	// Unmark mirrors.
	if err := m.UnmarkAsCode(0x1000, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.IsMarkedAsCode(0x1000) || m.IsMarkedAsHead(0x1000) || m.IsMarkedAsCode(0x1002) {
		t.Errorf("expected code and head marks cleared")
	}
}

func TestMarkIdempotent(t *testing.T) {
	m := New([]Range{{0x1000, 0x1100}})
	for i := 0; i < 3; i++ {
		if err := m.MarkAsFunction(0x1000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !m.IsMarkedAsFunction(0x1000) {
		t.Errorf("expected function mark at 0x1000")
	}
	if got := m.MarkedRun(bin.Addr(0x1000), 1, MarkHead|MarkCode|MarkBasicBlockLeader|MarkFunction); got != 1 {
		t.Errorf("expected composed function marks, got run %d", got)
	}
}
