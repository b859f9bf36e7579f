package services

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PerformanceIDLength is the number of characters in a performance ID.
const PerformanceIDLength = 6

// performanceIDAlphabet omits 0/O and 1/I so IDs survive being read aloud.
// Upper-case only: IDs compare case-insensitively.
const performanceIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const maxIDAttempts = 100

// IDGenerator produces short, human-friendly performance IDs like "K7QX2M".
type IDGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewIDGenerator creates an IDGenerator with its own random source.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate returns an ID for which taken reports false, retrying on collision.
// Returns an error if no free ID is found after 100 attempts.
func (g *IDGenerator) Generate(taken func(id string) bool) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := g.next()
		if !taken(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique performance id after %d attempts", maxIDAttempts)
}

func (g *IDGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.Grow(PerformanceIDLength)
	for i := 0; i < PerformanceIDLength; i++ {
		b.WriteByte(performanceIDAlphabet[g.rng.Intn(len(performanceIDAlphabet))])
	}
	return b.String()
}

// NormalizePerformanceID upper-cases and trims an ID supplied by a client.
func NormalizePerformanceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
