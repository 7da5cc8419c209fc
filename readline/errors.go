package readline

import (
	"errors"
)

var (
	ErrInterrupt    = errors.New("Interrupt")
	ErrNotATerminal = errors.New("stdin is not a terminal")
)
