// Package id generates the identifiers the bundle manager hands out.
//
// Two kinds exist:
//   - Analytics session ids: ULID based, so sessions sort by creation time
//   - Query handles: random UUIDs returned by async state queries
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// SessionID identifies one install analytics session
type SessionID string

// QueryHandle identifies a pending content or install state query
type QueryHandle string

// SessionPrefix starts every analytics session id
const SessionPrefix = "IBMInstallSession"

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
	now       func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader, now: time.Now}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{entropy: entropy, now: now}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// SessionID builds "IBMInstallSession-<ulid>-<version>"
func (g *Generator) SessionID(version string) SessionID {
	return SessionID(fmt.Sprintf("%s-%s-%s", SessionPrefix, g.GenerateString(), version))
}

// ============================================================================
// Query Handles
// ============================================================================

// NewQueryHandle returns a fresh random handle
func NewQueryHandle() QueryHandle {
	return QueryHandle(uuid.NewString())
}

func (id SessionID) String() string  { return string(id) }
func (h QueryHandle) String() string { return string(h) }
func (h QueryHandle) IsZero() bool   { return h == "" }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
