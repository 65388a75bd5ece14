package display

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"net/http"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	cellWidth  = 60
	cellHeight = 100
	cellGap    = 16
	stroke     = 10
	margin     = 12
	labelSpace = 24
)

var (
	segmentOn  = color.NRGBA{R: 0xff, G: 0x20, B: 0x10, A: 0xff}
	segmentOff = color.NRGBA{R: 0x30, G: 0x08, B: 0x08, A: 0xff}
	background = color.NRGBA{A: 0xff}
	labelColor = color.NRGBA{R: 0xa0, G: 0xa0, B: 0xa0, A: 0xff}
)

// Preview is a Driver that remembers what was written and serves it as a picture, for debugging
// the rest of the program without the display attached.
type Preview struct {
	mu         sync.Mutex
	digits     [Digits]byte // must hold mu
	brightness uint8        // must hold mu
}

// NewPreview returns an empty preview.
func NewPreview() *Preview {
	return &Preview{brightness: MaxBrightness}
}

// WriteDigit implements Driver.
func (p *Preview) WriteDigit(pattern byte, position int) error {
	if position < 0 || position >= Digits {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digits[position] = pattern
	return nil
}

// SetBrightness implements Brightness.
func (p *Preview) SetBrightness(b uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brightness = clampBrightness(b)
	return nil
}

// Blank implements Blanker.
func (p *Preview) Blank() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digits = [Digits]byte{}
	return nil
}

// Digits returns the last pattern written to each position.
func (p *Preview) Digits() [Digits]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.digits
}

// Text returns the characters most recently written, as Buffer.String would show them.
func (p *Preview) Text() string {
	d := p.Digits()
	b := Buffer{Digits: d, Separator: d[1]&SegDP != 0}
	for i := range b.Digits {
		b.Digits[i] &^= SegDP
	}
	return b.String()
}

// segmentRects returns the rectangle of each segment bit within a cell whose top-left corner is
// at (x, y).
func segmentRects(x, y int) map[byte]image.Rectangle {
	w, h, s := cellWidth, cellHeight, stroke
	mid := y + h/2
	return map[byte]image.Rectangle{
		SegA:  image.Rect(x+s, y, x+w-s, y+s),
		SegB:  image.Rect(x+w-s, y+s, x+w, mid),
		SegC:  image.Rect(x+w-s, mid, x+w, y+h-s),
		SegD:  image.Rect(x+s, y+h-s, x+w-s, y+h),
		SegE:  image.Rect(x, mid, x+s, y+h-s),
		SegF:  image.Rect(x, y+s, x+s, mid),
		SegG:  image.Rect(x+s, mid-s/2, x+w-s, mid+s/2),
		SegDP: image.Rect(x+w+2, y+h-s, x+w+2+s, y+h),
	}
}

func scale(c color.NRGBA, brightness uint8) color.NRGBA {
	f := func(v uint8) uint8 { return uint8(uint32(v) * (uint32(brightness) + 1) / (MaxBrightness + 1)) }
	return color.NRGBA{R: f(c.R), G: f(c.G), B: f(c.B), A: c.A}
}

// Render draws the current state of the display.
func (p *Preview) Render() *image.NRGBA {
	p.mu.Lock()
	digits, brightness := p.digits, p.brightness
	p.mu.Unlock()

	width := 2*margin + Digits*cellWidth + (Digits-1)*cellGap + stroke
	height := 2*margin + cellHeight + labelSpace
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	on := image.NewUniform(scale(segmentOn, brightness))
	off := image.NewUniform(segmentOff)
	for i, pattern := range digits {
		x := margin + i*(cellWidth+cellGap)
		for bit, r := range segmentRects(x, margin) {
			src := off
			if pattern&bit != 0 {
				src = on
			}
			draw.Draw(img, r, src, image.Point{}, draw.Src)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(margin, height-margin/2),
	}
	d.DrawString(p.Text())
	return img
}

// ServeHTTP serves the current state of the display as a PNG.
func (p *Preview) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	img := p.Render()
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, img); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
