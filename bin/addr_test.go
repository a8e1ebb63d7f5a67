package bin

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestAddrSet(t *testing.T) {
	golden := []struct {
		in   string
		want Addr
	}{
		{in: "4096", want: 0x1000},
		{in: "0x1000", want: 0x1000},
		{in: "0X00401000", want: 0x401000},
		{in: "0xFFFFFFFF81000000", want: 0xFFFFFFFF81000000},
	}
	for _, g := range golden {
		var addr Addr
		if err := addr.Set(g.in); err != nil {
			t.Errorf("Set(%q): unexpected error: %v", g.in, err)
			continue
		}
		if addr != g.want {
			t.Errorf("Set(%q): expected %v, got %v", g.in, g.want, addr)
		}
	}
	var addr Addr
	if err := addr.Set("zzz"); err == nil {
		t.Errorf(`Set("zzz"): expected error, got none`)
	}
}

func TestAddrJSON(t *testing.T) {
	var addr Addr
	if err := json.Unmarshal([]byte(`"0x00401000"`), &addr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != 0x401000 {
		t.Errorf("expected 0x401000, got %v", addr)
	}
	buf, err := json.Marshal(Addr(0x1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := `"0x00001000"`; string(buf) != want {
		t.Errorf("expected %s, got %s", want, buf)
	}
	// Missing 0x prefix.
	if err := json.Unmarshal([]byte(`"401000"`), &addr); err == nil {
		t.Errorf("expected error for missing 0x prefix, got none")
	}
}

func TestAddrsSort(t *testing.T) {
	addrs := Addrs{0x3000, 0x1000, 0x2000}
	sort.Sort(addrs)
	want := Addrs{0x1000, 0x2000, 0x3000}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, addrs)
		}
	}
}

func TestFileSectionForRange(t *testing.T) {
	text := &Section{Name: ".text", Start: 0x1000, End: 0x1100, Flags: FlagLoaded | FlagR | FlagX, Data: make([]byte, 0x100)}
	data := &Section{Name: ".data", Start: 0x2000, End: 0x2100, Flags: FlagLoaded | FlagR | FlagW, Data: make([]byte, 0x100)}
	f, err := NewFile("i386", []*Section{data, text})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.Sections()[0]; got != text {
		t.Errorf("expected sections sorted by address; got %q first", got.Name)
	}
	golden := []struct {
		addr Addr
		n    int
		want *Section
	}{
		{addr: 0x1000, n: 1, want: text},
		{addr: 0x10FF, n: 1, want: text},
		{addr: 0x10FF, n: 2, want: nil},
		{addr: 0x1100, n: 1, want: nil},
		{addr: 0x2000, n: 0x100, want: data},
		{addr: 0x0FFF, n: 1, want: nil},
		{addr: 0x3000, n: 1, want: nil},
	}
	for _, g := range golden {
		if got := f.SectionForRange(g.addr, g.n); got != g.want {
			t.Errorf("SectionForRange(%v, %d): expected %v, got %v", g.addr, g.n, g.want, got)
		}
	}
}

func TestFileOverlappingSections(t *testing.T) {
	a := &Section{Name: "a", Start: 0x1000, End: 0x1100}
	b := &Section{Name: "b", Start: 0x10FF, End: 0x1200}
	if _, err := NewFile("i386", []*Section{a, b}); err == nil {
		t.Errorf("expected error for overlapping sections, got none")
	}
}

func TestFileRead(t *testing.T) {
	data := make([]byte, 0x100)
	data[0x10] = 0xAA
	data[0x11] = 0xBB
	sect := &Section{Name: ".data", Start: 0x2000, End: 0x2100, Flags: FlagLoaded | FlagR, Data: data}
	f, err := NewFile("i386", []*Section{sect})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buf, ok := f.Read(0x2010, 2)
	if !ok {
		t.Fatalf("expected mapped read at 0x2010")
	}
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Errorf("expected AA BB, got % X", buf)
	}
	if _, ok := f.Read(0x20FF, 2); ok {
		t.Errorf("expected unmapped read crossing section end")
	}
}
