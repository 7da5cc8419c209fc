package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmorganca/llamabatch/readline"
)

// lineReader is a source of prompt lines. It returns io.EOF when exhausted.
type lineReader interface {
	Readline() (string, error)
}

// scannerLines reads lines from a pipe.
type scannerLines struct {
	scanner *bufio.Scanner
}

func newScannerLines(r io.Reader) *scannerLines {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &scannerLines{scanner: scanner}
}

func (s *scannerLines) Readline() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

// terminalLines reads lines from a terminal. A bracketed paste spanning
// several lines is returned as one.
type terminalLines struct {
	rl *readline.Instance
}

func (t *terminalLines) Readline() (string, error) {
	line, err := t.rl.Readline()

	var sb strings.Builder
	for err == nil && t.rl.Pasting {
		sb.WriteString(line)
		sb.WriteString("\n")
		line, err = t.rl.Readline()
	}

	if err != nil && sb.Len() > 0 {
		return sb.String(), nil
	}

	sb.WriteString(line)
	return sb.String(), err
}

func (t *terminalLines) multiline(on bool) {
	t.rl.Prompt.UseAlt = on
}

// readPrompts calls fn for every prompt read from lines until they are
// exhausted. A line containing << starts a here-document: the text before it
// is kept and the following lines are appended up to a line holding only
// the delimiter named after <<. With no delimiter, only the next line is
// appended.
func readPrompts(lines lineReader, w io.Writer, fn func(string) error) error {
	for {
		line, err := lines.Readline()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, readline.ErrInterrupt):
			fmt.Fprintln(w, "Use Ctrl + d to exit.")
			continue
		case err != nil:
			return err
		}

		prompt, err := hereDocument(line, lines)
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			// the here-document is dropped
			continue
		case err != nil:
			return err
		}

		if strings.TrimSpace(prompt) == "" {
			continue
		}

		if err := fn(prompt); err != nil {
			return err
		}
	}
}

func hereDocument(line string, lines lineReader) (string, error) {
	kept, delimiter, ok := strings.Cut(line, "<<")
	if !ok {
		return line, nil
	}

	if m, ok := lines.(interface{ multiline(bool) }); ok {
		m.multiline(true)
		defer m.multiline(false)
	}

	var sb strings.Builder
	sb.WriteString(kept)

	next := func() (string, bool, error) {
		line, err := lines.Readline()
		switch {
		case errors.Is(err, io.EOF):
			return "", false, nil
		case err != nil:
			return "", false, err
		}
		return line, true, nil
	}

	if fields := strings.Fields(delimiter); len(fields) > 0 {
		delimiter = fields[0]
	} else {
		line, _, err := next()
		sb.WriteString(line)
		return sb.String(), err
	}

	for {
		line, ok, err := next()
		if err != nil {
			return "", err
		}

		if !ok || strings.TrimSpace(line) == delimiter {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
