//go:build !windows

package readline

import (
	"syscall"
)

// suspend hands the terminal back and stops the process, as a shell's
// Ctrl-Z would.
func (t *Terminal) suspend() error {
	if err := t.restore(); err != nil {
		return err
	}

	// on resume the next Readline sets raw mode again
	return syscall.Kill(0, syscall.SIGSTOP)
}
