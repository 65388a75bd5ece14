// Package display drives a 4-digit 7-segment display.
//
// Segment patterns use the MAX7219 no-decode layout, most significant bit first: DP A B C D E F
// G.  Drivers that wire segments differently remap the byte themselves.
package display

// Digits is the number of positions on the display.
const Digits = 4

// Segment bits.
const (
	SegG byte = 1 << iota
	SegF
	SegE
	SegD
	SegC
	SegB
	SegA
	SegDP
)

// numbers are the patterns for 0-9.
var numbers = [10]byte{
	SegA | SegB | SegC | SegD | SegE | SegF,
	SegB | SegC,
	SegA | SegB | SegD | SegE | SegG,
	SegA | SegB | SegC | SegD | SegG,
	SegB | SegC | SegF | SegG,
	SegA | SegC | SegD | SegF | SegG,
	SegA | SegC | SegD | SegE | SegF | SegG,
	SegA | SegB | SegC,
	SegA | SegB | SegC | SegD | SegE | SegF | SegG,
	SegA | SegB | SegC | SegD | SegF | SegG,
}

// letters are the characters that can be shown legibly on 7 segments.
var letters = map[rune]byte{
	' ': 0,
	'-': SegG,
	'_': SegD,
	'A': SegA | SegB | SegC | SegE | SegF | SegG,
	'b': SegC | SegD | SegE | SegF | SegG,
	'C': SegA | SegD | SegE | SegF,
	'c': SegD | SegE | SegG,
	'd': SegB | SegC | SegD | SegE | SegG,
	'E': SegA | SegD | SegE | SegF | SegG,
	'F': SegA | SegE | SegF | SegG,
	'H': SegB | SegC | SegE | SegF | SegG,
	'L': SegD | SegE | SegF,
	'n': SegC | SegE | SegG,
	'o': SegC | SegD | SegE | SegG,
	'P': SegA | SegB | SegE | SegF | SegG,
	'r': SegE | SegG,
	't': SegD | SegE | SegF | SegG,
	'U': SegB | SegC | SegD | SegE | SegF,
	'y': SegB | SegC | SegD | SegF | SegG,
}

// Number returns the pattern for a decimal digit.  Out of range values show as '-'.
func Number(n int) byte {
	if n < 0 || n > 9 {
		return SegG
	}
	return numbers[n]
}

// Encode returns the pattern for r, and false if r can not be displayed.
func Encode(r rune) (byte, bool) {
	if r >= '0' && r <= '9' {
		return numbers[r-'0'], true
	}
	p, ok := letters[r]
	return p, ok
}

// Decode returns the character shown by a pattern, ignoring the decimal point, or '?' if the
// pattern is not in the font.
func Decode(p byte) rune {
	p &^= SegDP
	for i, n := range numbers {
		if n == p {
			return rune('0' + i)
		}
	}
	for r, l := range letters {
		if l == p {
			return r
		}
	}
	return '?'
}
