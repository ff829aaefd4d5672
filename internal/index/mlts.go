package index

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// tokenSource issues strictly increasing lexicographic history tokens.
// ULIDs with monotonic entropy sort by issue order within a millisecond;
// the clock is additionally clamped so it never runs backwards.
type tokenSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

func newTokenSource() *tokenSource {
	return &tokenSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (t *tokenSource) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := ulid.Now()
	if ms < t.lastMs {
		ms = t.lastMs
	}
	for {
		id, err := ulid.New(ms, t.entropy)
		if err != nil {
			// энтропия в пределах миллисекунды исчерпана
			ms++
			continue
		}
		t.lastMs = ms
		return id.String()
	}
}
