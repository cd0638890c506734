package testutil

import "sync"

// FixedIDGenerator returns predetermined run IDs.
//
// With a single id every call returns it, which keeps golden output stable
// across repeated provisioning runs. With several ids they are returned in
// order and the last one repeats once the list is exhausted.
//
// Thread-safety: FixedIDGenerator is safe for concurrent use via internal mutex.
type FixedIDGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedIDGenerator creates a generator over ids.
//
// If ids is empty, Generate() returns "test-run-default".
func NewFixedIDGenerator(ids ...string) *FixedIDGenerator {
	if len(ids) == 0 {
		ids = []string{"test-run-default"}
	}
	return &FixedIDGenerator{ids: ids}
}

// Generate returns the next run ID.
//
// Implements binding.RunIDGenerator.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.ids[g.idx]
	if g.idx < len(g.ids)-1 {
		g.idx++
	}
	return id
}
