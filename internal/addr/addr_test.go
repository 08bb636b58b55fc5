package addr

import "testing"

func TestVirtIndices(t *testing.T) {
	v := Virt(0xFFFF_8000_4020_3ABC)

	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"L4", v.L4(), 0x100},
		{"L3", v.L3(), 0x001},
		{"L2", v.L2(), 0x001},
		{"L1", v.L1(), 0x003},
		{"Offset", v.Offset(), 0xABC},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}

	for level, want := range map[int]uint64{4: v.L4(), 3: v.L3(), 2: v.L2(), 1: v.L1()} {
		if got := v.Index(level); got != want {
			t.Errorf("Index(%d) = %#x, want %#x", level, got, want)
		}
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		x, align, up, down uint64
	}{
		{0, PageSize, 0, 0},
		{1, PageSize, PageSize, 0},
		{PageSize, PageSize, PageSize, PageSize},
		{0x500, PageSize, 0x1000, 0},
		{0x201234, HugePageSize, 0x400000, 0x200000},
		{7, 0, 7, 7},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.x, tt.align); got != tt.up {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", tt.x, tt.align, got, tt.up)
		}
		if got := AlignDown(tt.x, tt.align); got != tt.down {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", tt.x, tt.align, got, tt.down)
		}
	}

	if !Phys(0x3000).PageAligned() || Phys(0x3001).PageAligned() {
		t.Fatalf("PageAligned misreports alignment")
	}
}
