// Package console implements the monitor's character output device.
//
// A Console owns the colour attribute (ColorMask) applied to everything
// written through it. The mask uses the CGA text mode layout: the high
// byte is the attribute, bits 0-3 select the foreground colour and bits
// 4-6 the background colour.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// DefaultColorMask is light grey text on a black background.
const DefaultColorMask uint16 = 0x0700

const terminalResetEscapeCode = "\033[0m"

// Mode selects how the colour attribute is rendered.
type Mode uint8

const (
	// Plain never emits escape sequences.
	Plain Mode = iota
	// ANSI emits 16 colour SGR sequences.
	ANSI
	// TrueColor emits 24 bit SGR sequences using the VGA palette.
	TrueColor
)

// Console writes text honouring the current colour attribute.
type Console struct {
	w    io.Writer
	mode Mode
	mask atomic.Uint32
}

// New returns a Console writing to w.
func New(w io.Writer, mode Mode) *Console {
	c := &Console{w: w, mode: mode}
	c.mask.Store(uint32(DefaultColorMask))
	return c
}

// Stdout returns a Console writing to standard output. Colours are only
// rendered when standard output is a terminal and TERM is not "dumb".
func Stdout(trueColor bool) *Console {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb || !isatty.IsTerminal(os.Stdout.Fd()) {
		return New(os.Stdout, Plain)
	}
	mode := ANSI
	if trueColor {
		mode = TrueColor
	}
	return New(colorable.NewColorableStdout(), mode)
}

// ColorMask returns the current colour attribute.
func (c *Console) ColorMask() uint16 {
	return uint16(c.mask.Load())
}

// SetColorMask changes the colour attribute used by subsequent writes.
func (c *Console) SetColorMask(mask uint16) {
	c.mask.Store(uint32(mask))
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	esc := c.escape(c.ColorMask())
	if esc == "" {
		return c.w.Write(p)
	}
	if _, err := io.WriteString(c.w, esc); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(c.w, terminalResetEscapeCode)
	return n, err
}

// Printf formats according to a format specifier and writes to the console.
func (c *Console) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c, format, args...)
}

// Println writes args followed by a newline.
func (c *Console) Println(args ...interface{}) {
	fmt.Fprintln(c, args...)
}

// escape returns the SGR sequence selecting the colours of mask. The
// default attribute, and an all black attribute that would make text
// invisible, use the terminal's own colours.
func (c *Console) escape(mask uint16) string {
	attr := uint8(mask >> 8)
	if c.mode == Plain || mask == DefaultColorMask || attr&0x7f == 0 {
		return ""
	}
	fg, bg := attr&0x0f, (attr>>4)&0x07
	if c.mode == TrueColor {
		fr, fgg, fb := vgaPalette[fg].RGB255()
		br, bgg, bb := vgaPalette[bg].RGB255()
		return fmt.Sprintf("\033[38;2;%d;%d;%dm\033[48;2;%d;%d;%dm", fr, fgg, fb, br, bgg, bb)
	}
	fgCode := 30 + ansiIndex(fg&0x07)
	if fg&0x08 != 0 {
		fgCode += 60
	}
	return fmt.Sprintf("\033[%d;%dm", fgCode, 40+ansiIndex(bg))
}

// ansiIndex converts a VGA colour number (blue in bit 0, red in bit 2) to
// the ANSI ordering (red in bit 0, blue in bit 2).
func ansiIndex(vga uint8) int {
	return int((vga&0x04)>>2 | vga&0x02 | (vga&0x01)<<2)
}

var vgaPalette = func() [16]colorful.Color {
	hex := [16]string{
		"#000000", // black
		"#0000aa", // blue
		"#00aa00", // green
		"#00aaaa", // cyan
		"#aa0000", // red
		"#aa00aa", // magenta
		"#aa5500", // brown
		"#aaaaaa", // light gray
		"#555555", // dark gray
		"#5555ff", // light blue
		"#55ff55", // light green
		"#55ffff", // light cyan
		"#ff5555", // light red
		"#ff55ff", // light magenta
		"#ffff55", // yellow
		"#ffffff", // white
	}
	var p [16]colorful.Color
	for i, h := range hex {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		p[i] = c
	}
	return p
}()
