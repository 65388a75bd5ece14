package display

import (
	"fmt"
	"strings"
)

// Buffer is what the display should show.
type Buffer struct {
	Digits    [Digits]byte
	Separator bool // decimal points between hours and minutes; blinks
}

// Banner is shown from power-on until the first time is computed.
var Banner = Text("Conn")

// Text encodes up to four characters, left-aligned.  Characters without a pattern are blank.
func Text(s string) Buffer {
	var b Buffer
	i := 0
	for _, r := range s {
		if i >= Digits {
			break
		}
		b.Digits[i], _ = Encode(r)
		i++
	}
	return b
}

// SetClock shows hour and minute as HHMM.
func (b *Buffer) SetClock(hour, minute int) {
	b.Digits[0] = Number(hour / 10)
	b.Digits[1] = Number(hour % 10)
	b.Digits[2] = Number(minute / 10)
	b.Digits[3] = Number(minute % 10)
}

// String returns the characters on the display, with the separator shown as ':'.
func (b Buffer) String() string {
	var s strings.Builder
	for i, p := range b.Digits {
		if i == 2 && b.Separator {
			s.WriteByte(':')
		}
		s.WriteRune(Decode(p))
	}
	return s.String()
}

// GoString implements fmt.GoStringer.
func (b Buffer) GoString() string {
	return fmt.Sprintf("display.Buffer{%#02x %#02x %#02x %#02x sep:%v}", b.Digits[0], b.Digits[1], b.Digits[2], b.Digits[3], b.Separator)
}
