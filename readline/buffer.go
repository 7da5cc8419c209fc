package readline

import (
	"io"
	"strings"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	"github.com/mattn/go-runewidth"
)

// Buffer is the line being edited. Every edit redraws the prompt and the
// line, which may wrap over several terminal rows.
type Buffer struct {
	Pos    int
	Buf    *arraylist.List[rune]
	Prompt *Prompt
	Width  int

	w io.Writer
	// row is the cursor's row, counted from the row holding the prompt
	row int
}

func NewBuffer(w io.Writer, prompt *Prompt, width int) *Buffer {
	if width <= 0 {
		width = 80
	}

	return &Buffer{
		Buf:    arraylist.New[rune](),
		Prompt: prompt,
		Width:  width,
		w:      w,
	}
}

func (b *Buffer) promptWidth() int {
	return runewidth.StringWidth(b.Prompt.prompt())
}

// displayWidth is the width of the runes in [start, end).
func (b *Buffer) displayWidth(start, end int) int {
	var n int
	for i := start; i < end; i++ {
		r, _ := b.Buf.Get(i)
		n += runewidth.RuneWidth(r)
	}
	return n
}

func (b *Buffer) redraw() {
	var sb strings.Builder
	sb.WriteString(CursorHide)
	if b.row > 0 {
		sb.WriteString(CursorUpN(b.row))
	}
	sb.WriteString("\r" + ClearToEOS)
	sb.WriteString(b.Prompt.prompt())
	sb.WriteString(b.String())

	end := b.promptWidth() + b.displayWidth(0, b.Buf.Size())
	if end > 0 && end%b.Width == 0 {
		// the cursor stays on the last column until the next rune
		sb.WriteString("\r\n")
	}

	cur := b.promptWidth() + b.displayWidth(0, b.Pos)
	row, col := cur/b.Width, cur%b.Width
	if n := end/b.Width - row; n > 0 {
		sb.WriteString(CursorUpN(n))
	}
	sb.WriteString("\r")
	if col > 0 {
		sb.WriteString(CursorRightN(col))
	}
	sb.WriteString(CursorShow)

	b.row = row
	io.WriteString(b.w, sb.String())
}

func (b *Buffer) MoveLeft() {
	if b.Pos > 0 {
		b.Pos -= 1
		b.redraw()
	}
}

func (b *Buffer) MoveLeftWord() {
	if b.Pos > 0 {
		b.Pos = b.wordStart()
		b.redraw()
	}
}

func (b *Buffer) MoveRight() {
	if b.Pos < b.Buf.Size() {
		b.Pos += 1
		b.redraw()
	}
}

func (b *Buffer) MoveRightWord() {
	if b.Pos < b.Buf.Size() {
		for b.Pos < b.Buf.Size() {
			b.Pos += 1
			if r, _ := b.Buf.Get(b.Pos); r == ' ' {
				break
			}
		}
		b.redraw()
	}
}

func (b *Buffer) MoveToStart() {
	if b.Pos > 0 {
		b.Pos = 0
		b.redraw()
	}
}

func (b *Buffer) MoveToEnd() {
	if b.Pos < b.Buf.Size() {
		b.Pos = b.Buf.Size()
		b.redraw()
	}
}

// wordStart is the position of the start of the word before the cursor,
// skipping the spaces right before it.
func (b *Buffer) wordStart() int {
	pos := b.Pos
	var foundNonspace bool
	for pos > 0 {
		r, _ := b.Buf.Get(pos - 1)
		if r == ' ' {
			if foundNonspace {
				break
			}
		} else {
			foundNonspace = true
		}
		pos--
	}
	return pos
}

func (b *Buffer) Size() int {
	return b.displayWidth(0, b.Buf.Size())
}

func (b *Buffer) Add(r rune) {
	b.Buf.Insert(b.Pos, r)
	b.Pos += 1
	b.redraw()
}

// Remove deletes the rune before the cursor.
func (b *Buffer) Remove() {
	if b.Pos > 0 {
		b.Pos -= 1
		b.Buf.Remove(b.Pos)
		b.redraw()
	}
}

// Delete deletes the rune under the cursor.
func (b *Buffer) Delete() {
	if b.Pos < b.Buf.Size() {
		b.Buf.Remove(b.Pos)
		b.redraw()
	}
}

func (b *Buffer) DeleteBefore() {
	if b.Pos > 0 {
		b.deleteRange(0, b.Pos)
	}
}

func (b *Buffer) DeleteRemaining() {
	if b.Pos < b.Buf.Size() {
		b.deleteRange(b.Pos, b.Buf.Size())
	}
}

func (b *Buffer) DeleteWord() {
	if b.Pos > 0 {
		b.deleteRange(b.wordStart(), b.Pos)
	}
}

func (b *Buffer) deleteRange(start, end int) {
	for range end - start {
		b.Buf.Remove(start)
	}
	b.Pos = start
	b.redraw()
}

func (b *Buffer) ClearScreen() {
	io.WriteString(b.w, ClearScreen+CursorReset)
	b.row = 0
	b.redraw()
}

func (b *Buffer) IsEmpty() bool {
	return b.Buf.Empty()
}

func (b *Buffer) Replace(r []rune) {
	b.Buf.Clear()
	b.Buf.Add(r...)
	b.Pos = b.Buf.Size()
	b.redraw()
}

func (b *Buffer) String() string {
	return b.StringN(0)
}

func (b *Buffer) StringN(n int) string {
	return string(b.Buf.Values()[n:])
}
