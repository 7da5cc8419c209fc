package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmorganca/llamabatch/format"
)

// Batch shows how many sequences of a generation have finished and how much
// of the token region the generation has used.
type Batch struct {
	mu sync.Mutex

	message   string
	sequences int
	left      int
	used      int
	capacity  int
	iteration int

	started time.Time
}

func NewBatch(message string, sequences int) *Batch {
	return &Batch{
		message:   message,
		sequences: sequences,
		left:      sequences,
		started:   time.Now(),
	}
}

// Set records the state after a read iteration.
func (b *Batch) Set(iteration, left, used, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.iteration = iteration
	b.left = max(min(left, b.sequences), 0)
	b.used = used
	b.capacity = capacity
}

func (b *Batch) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder

	if b.message != "" {
		pre.WriteString(strings.TrimSpace(b.message))
		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%d/%d ", b.sequences-b.left, b.sequences)

	fmt.Fprintf(&suf, " %s/%s tokens", format.HumanNumber(uint64(b.used)), format.HumanNumber(uint64(b.capacity)))
	fmt.Fprintf(&suf, " [%s]", format.HumanDuration(time.Since(b.started)))

	// 2 boundary characters
	f := min(termWidth()-pre.Len()-suf.Len()-2, 40)
	if f > 0 {
		n := 0
		if b.capacity > 0 {
			n = min(f*b.used/b.capacity, f)
		}

		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
