package display

import "testing"

func TestNumbers(t *testing.T) {
	testData := []struct {
		n    int
		want byte
	}{
		{0, 0x7e},
		{1, 0x30},
		{2, 0x6d},
		{3, 0x79},
		{4, 0x33},
		{5, 0x5b},
		{6, 0x5f},
		{7, 0x70},
		{8, 0x7f},
		{9, 0x7b},
		{10, SegG},
		{-1, SegG},
	}
	for _, test := range testData {
		if got, want := Number(test.n), test.want; got != want {
			t.Errorf("Number(%d):\n  got: %#02x\n want: %#02x", test.n, got, want)
		}
	}
}

func TestFontIsUnambiguous(t *testing.T) {
	seen := map[byte]rune{}
	check := func(r rune, p byte) {
		if other, ok := seen[p]; ok {
			t.Errorf("pattern %#02x used by both %q and %q", p, other, r)
		}
		seen[p] = r
		if got := Decode(p); got != r {
			t.Errorf("Decode(%#02x):\n  got: %q\n want: %q", p, got, r)
		}
		if got := Decode(p | SegDP); got != r {
			t.Errorf("Decode(%#02x | DP):\n  got: %q\n want: %q", p, got, r)
		}
	}
	for i := 0; i < 10; i++ {
		check(rune('0'+i), Number(i))
	}
	for r, p := range letters {
		check(r, p)
	}
}

func TestEncode(t *testing.T) {
	if _, ok := Encode('W'); ok {
		t.Error("W should not be displayable")
	}
	if p, ok := Encode('7'); !ok || p != 0x70 {
		t.Errorf("Encode('7'):\n  got: %#02x, %v\n want: 0x70, true", p, ok)
	}
}

func TestBuffer(t *testing.T) {
	testData := []struct {
		name string
		buf  func() Buffer
		want string
	}{
		{
			name: "banner",
			buf:  func() Buffer { return Banner },
			want: "Conn",
		},
		{
			name: "short text",
			buf:  func() Buffer { return Text("Er") },
			want: "Er  ",
		},
		{
			name: "long text",
			buf:  func() Buffer { return Text("HELLO") },
			want: "HELL",
		},
		{
			name: "unknown characters are blank",
			buf:  func() Buffer { return Text("aWX1") },
			want: "   1",
		},
		{
			name: "clock",
			buf: func() Buffer {
				var b Buffer
				b.SetClock(9, 5)
				return b
			},
			want: "0905",
		},
		{
			name: "clock with separator",
			buf: func() Buffer {
				b := Buffer{Separator: true}
				b.SetClock(23, 59)
				return b
			},
			want: "23:59",
		},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			if got, want := test.buf().String(), test.want; got != want {
				t.Errorf("string:\n  got: %q\n want: %q", got, want)
			}
		})
	}
}
