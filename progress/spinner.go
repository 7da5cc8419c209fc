package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type Spinner struct {
	message      atomic.Value
	messageWidth int

	parts []string

	value atomic.Int32

	ticker  *time.Ticker
	done    chan struct{}
	started time.Time
	stopped atomic.Bool
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		ticker:  time.NewTicker(100 * time.Millisecond),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.message.Store(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, ok := s.message.Load().(string); ok && len(message) > 0 {
		message := strings.TrimSpace(message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if !s.stopped.Load() {
		sb.WriteString(s.parts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	for {
		select {
		case <-s.ticker.C:
			s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
		case <-s.done:
			return
		}
	}
}

func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.ticker.Stop()
		close(s.done)
	}
}

// Elapsed is the time since the spinner started.
func (s *Spinner) Elapsed() time.Duration {
	return time.Since(s.started)
}
