package readline

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

type Prompt struct {
	Prompt         string
	AltPrompt      string
	Placeholder    string
	AltPlaceholder string
	UseAlt         bool
}

func (p *Prompt) prompt() string {
	if p.UseAlt {
		return p.AltPrompt
	}
	return p.Prompt
}

func (p *Prompt) placeholder() string {
	if p.UseAlt {
		return p.AltPlaceholder
	}
	return p.Placeholder
}

type Terminal struct {
	outchan chan rune
	fd      int
	state   *term.State
}

type Instance struct {
	Prompt   *Prompt
	Terminal *Terminal
	History  *History
	Pasting  bool

	out io.Writer
}

// New reads lines from stdin, which must be a terminal, keeping history in
// DefaultHistoryFile.
func New(prompt Prompt) (*Instance, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotATerminal
	}

	filename, err := DefaultHistoryFile()
	if err != nil {
		return nil, err
	}

	history, err := NewHistory(filename)
	if err != nil {
		return nil, err
	}

	return newInstance(prompt, NewTerminal(os.Stdin, fd), os.Stdout, history), nil
}

func newInstance(prompt Prompt, t *Terminal, out io.Writer, history *History) *Instance {
	return &Instance{
		Prompt:   &prompt,
		Terminal: t,
		History:  history,
		out:      out,
	}
}

func (i *Instance) width() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		return w
	}
	return 80
}

func (i *Instance) Readline() (string, error) {
	if err := i.Terminal.setRaw(); err != nil {
		return "", err
	}
	//nolint:errcheck
	defer i.Terminal.restore()

	prompt := *i.Prompt
	if i.Pasting {
		// force alt prompt when pasting
		prompt.UseAlt = true
	}
	fmt.Fprint(i.out, prompt.prompt())

	buf := NewBuffer(i.out, &prompt, i.width())

	var esc bool
	var escex bool
	var metaDel bool

	var currentLineBuf []rune

	for {
		// don't show placeholder when pasting unless we're in multiline mode
		showPlaceholder := !i.Pasting || i.Prompt.UseAlt
		if buf.IsEmpty() && showPlaceholder {
			if ph := prompt.placeholder(); ph != "" {
				fmt.Fprint(i.out, ColorGrey+ph+CursorLeftN(runewidth.StringWidth(ph))+ColorDefault)
			}
		}

		r, err := i.Terminal.Read()

		if buf.IsEmpty() {
			fmt.Fprint(i.out, ClearToEOL)
		}

		if err != nil {
			return "", io.EOF
		}

		if escex {
			escex = false

			switch r {
			case KeyUp:
				i.historyPrev(buf, &currentLineBuf)
			case KeyDown:
				i.historyNext(buf, &currentLineBuf)
			case KeyLeft:
				buf.MoveLeft()
			case KeyRight:
				buf.MoveRight()
			case CharBracketedPaste:
				var code string
				for range 3 {
					r, err = i.Terminal.Read()
					if err != nil {
						return "", io.EOF
					}

					code += string(r)
				}
				switch code {
				case CharBracketedPasteStart:
					i.Pasting = true
				case CharBracketedPasteEnd:
					i.Pasting = false
				}
			case KeyDel:
				buf.Delete()
				metaDel = true
			case MetaStart:
				buf.MoveToStart()
			case MetaEnd:
				buf.MoveToEnd()
			}
			continue
		} else if esc {
			esc = false

			switch r {
			case 'b':
				buf.MoveLeftWord()
			case 'f':
				buf.MoveRightWord()
			case CharBackspace:
				buf.DeleteWord()
			case CharEscapeEx:
				escex = true
			}
			continue
		}

		switch r {
		case CharNull:
			continue
		case CharEsc:
			esc = true
		case CharInterrupt:
			fmt.Fprint(i.out, "\r\n")
			return "", ErrInterrupt
		case CharPrev:
			i.historyPrev(buf, &currentLineBuf)
		case CharNext:
			i.historyNext(buf, &currentLineBuf)
		case CharLineStart:
			buf.MoveToStart()
		case CharLineEnd:
			buf.MoveToEnd()
		case CharBackward:
			buf.MoveLeft()
		case CharForward:
			buf.MoveRight()
		case CharBackspace, CharCtrlH:
			buf.Remove()
		case CharTab:
			for range 8 {
				buf.Add(' ')
			}
		case CharDelete:
			if buf.IsEmpty() {
				fmt.Fprint(i.out, "\r\n")
				return "", io.EOF
			}
			buf.Delete()
		case CharKill:
			buf.DeleteRemaining()
		case CharCtrlU:
			buf.DeleteBefore()
		case CharCtrlL:
			buf.ClearScreen()
		case CharCtrlW:
			buf.DeleteWord()
		case CharCtrlZ:
			return "", i.Terminal.suspend()
		case CharEnter, CharCtrlJ:
			output := buf.String()
			if output != "" && !i.Pasting {
				i.History.Add(output)
			}
			buf.MoveToEnd()
			fmt.Fprint(i.out, "\r\n")

			return output, nil
		default:
			if metaDel {
				metaDel = false
				continue
			}
			if r >= CharSpace {
				buf.Add(r)
			}
		}
	}
}

func (i *Instance) HistoryEnable() {
	i.History.Enabled = true
}

func (i *Instance) HistoryDisable() {
	i.History.Enabled = false
}

func (i *Instance) historyPrev(buf *Buffer, currentLineBuf *[]rune) {
	if i.History.pos > 0 {
		if i.History.pos == i.History.Size() {
			*currentLineBuf = []rune(buf.String())
		}
		buf.Replace([]rune(i.History.Prev()))
	}
}

func (i *Instance) historyNext(buf *Buffer, currentLineBuf *[]rune) {
	if i.History.pos < i.History.Size() {
		buf.Replace([]rune(i.History.Next()))
		if i.History.pos == i.History.Size() {
			buf.Replace(*currentLineBuf)
		}
	}
}

// NewTerminal reads runes from r. fd is the terminal switched to raw mode
// while a line is read, or -1 to leave the terminal mode alone.
func NewTerminal(r io.Reader, fd int) *Terminal {
	t := &Terminal{
		outchan: make(chan rune),
		fd:      fd,
	}

	go t.ioloop(r)

	return t
}

func (t *Terminal) ioloop(r io.Reader) {
	buf := bufio.NewReader(r)

	for {
		r, _, err := buf.ReadRune()
		if err != nil {
			close(t.outchan)
			break
		}
		t.outchan <- r
	}
}

func (t *Terminal) Read() (rune, error) {
	r, ok := <-t.outchan
	if !ok {
		return 0, io.EOF
	}

	return r, nil
}

func (t *Terminal) setRaw() error {
	if t.fd < 0 || t.state != nil {
		return nil
	}

	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return err
	}
	t.state = state
	return nil
}

func (t *Terminal) restore() error {
	if t.state == nil {
		return nil
	}

	err := term.Restore(t.fd, t.state)
	t.state = nil
	return err
}
