package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

type State interface {
	String() string
}

// Progress redraws its states in place on a terminal until stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos int

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")

	p.wg.Add(1)
	go p.start()
	return p
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	if p.ticker == nil {
		p.mu.Unlock()
		return false
	}

	p.ticker.Stop()
	p.ticker = nil
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.render()
	return true
}

// Stop renders the final state and leaves it on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if stopped {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// StopAndClear removes the progress lines, e.g. before generated text is
// printed.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if stopped {
		// clear all progress lines
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}

		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	// render progress lines
	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}

func (p *Progress) start() {
	defer p.wg.Done()

	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()

	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			p.render()
		case <-p.done:
			return
		}
	}
}

func termWidth() int {
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width <= 0 {
		return defaultTermWidth
	}
	return width
}
