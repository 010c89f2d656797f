package util

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces time-sortable ULID strings. IDs generated within the
// same millisecond remain lexicographically increasing.
type IDGenerator struct {
	mu   sync.Mutex
	mono io.Reader
	now  func() time.Time
}

// NewIDGenerator seeds a monotonic ULID source from crypto/rand.
func NewIDGenerator() *IDGenerator {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &IDGenerator{
		mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:  time.Now,
	}
}

// New returns the next ULID string.
func (g *IDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.mono)
	if err != nil {
		// Only possible if the clock runs backwards past the ULID epoch or the
		// monotonic entropy overflows within one millisecond.
		panic(err)
	}
	return id.String()
}
