package testfixtures

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

var fixtureNamespace = uuid.MustParse("6f1c1a0e-3b9d-4f43-8f0e-2a5d4b7c9e10")

// IDGenerator produces deterministic migration ids for tests. The same prefix
// and counter always yield the same UUID.
type IDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}

// NewIDGenerator constructs a generator seeded with prefix. When prefix is
// empty, "migration" is used.
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "migration"
	}
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id in the sequence.
func (g *IDGenerator) Next() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return uuid.NewSHA1(fixtureNamespace, []byte(g.prefix+"-"+strconv.FormatUint(g.counter, 10)))
}

// SetCounter overrides the internal counter, enabling deterministic resets.
func (g *IDGenerator) SetCounter(counter uint64) {
	g.mu.Lock()
	g.counter = counter
	g.mu.Unlock()
}
