package chain

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// Clock abstracts wall time for salt generation and polling
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// GeneratePseudoRandomSalt returns a uniformly random 256-bit salt
func GeneratePseudoRandomSalt() *big.Int {
	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		panic("chain: read random salt: " + err.Error())
	}
	return salt
}

// SaltGenerator issues strictly increasing millisecond salts so that
// cancelOrdersUpTo can retire a maker's orders by prefix.
type SaltGenerator struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

// NewSaltGenerator creates a generator reading clock, RealClock when nil
func NewSaltGenerator(clock Clock) *SaltGenerator {
	if clock == nil {
		clock = RealClock{}
	}
	return &SaltGenerator{clock: clock}
}

// NextMonotonic returns the current time in milliseconds, bumped past the previous value if needed
func (g *SaltGenerator) NextMonotonic() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return big.NewInt(now)
}
